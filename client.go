package sshlib

import (
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"

	"blitter.com/go/sshlib/auth"
	"blitter.com/go/sshlib/channel"
	"blitter.com/go/sshlib/internal/reply"
	"blitter.com/go/sshlib/kex"
	"blitter.com/go/sshlib/logger"
	"blitter.com/go/sshlib/messages"
	"blitter.com/go/sshlib/transport"
)

// ErrMissingUser, ErrMissingAuthMethods and ErrMissingHostKeyPolicy guard
// against a ClientConfig nobody finished filling in; better to fail at
// Dial than to hang waiting on a server that will never be offered any
// usable authentication.
var (
	ErrMissingUser          = errors.New("ClientConfig.User is empty")
	ErrMissingAuthMethods   = errors.New("ClientConfig.Auth has no configured method")
	ErrMissingHostKeyPolicy = errors.New("ClientConfig.HostKeyPolicy is nil")
)

// Client is one authenticated SSH connection: the BPP/KEX transport, the
// channel multiplexer layered on top of it, and the connection-wide
// global-request correlator (keepalives and any future global request).
// It plays the role the teacher's Session/Conn pair play together in
// hkexsession.go/xsnet.Conn, but as a single facade per spec.md 6.
type Client struct {
	conn *transport.Conn
	mgr  *channel.Manager
	cfg  ClientConfig
	sid  []byte

	globalReplies *reply.Queue

	done chan struct{}
}

// Dial connects to addr, completes the version exchange and initial KEX
// round, authenticates as cfg.User via cfg.Auth, and returns a Client
// ready to open channels. endpoint (addr) is also passed to the host-key
// policy and reused verbatim for any later Rekey call.
func Dial(addr string, cfg ClientConfig) (*Client, error) {
	if cfg.User == "" {
		return nil, ErrMissingUser
	}
	if len(cfg.Auth) == 0 {
		return nil, ErrMissingAuthMethods
	}
	if cfg.HostKeyPolicy == nil {
		return nil, ErrMissingHostKeyPolicy
	}
	if cfg.InitialWindowSize == 0 {
		cfg.InitialWindowSize = DefaultInitialWindowSize
	}
	if cfg.MaxPacketSize == 0 {
		cfg.MaxPacketSize = DefaultMaxPacketSize
	}

	conn, result, err := transport.Dial(addr, cfg.Preferences, cfg.HostKeyPolicy, cfg.ConnectTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "transport dial")
	}

	if cfg.AuthTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.AuthTimeout))
	}
	authSession := auth.NewSession(&transportPacketIO{conn: conn}, cfg.User, result.SID, cfg.Auth, cfg.Banner)
	if err := authSession.Run(); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "authenticate")
	}
	_ = conn.SetDeadline(time.Time{})

	c := &Client{
		conn:          conn,
		mgr:           channel.NewManager(conn),
		cfg:           cfg,
		sid:           result.SID,
		globalReplies: reply.New(),
		done:          make(chan struct{}),
	}

	go c.dispatchLoop()
	if cfg.KeepAliveInterval > 0 {
		go c.keepAliveLoop(addr)
	}
	return c, nil
}

// transportPacketIO adapts transport.Conn's channel-based receive side to
// the synchronous auth.PacketIO interface for the duration of the
// authentication dialog, which runs before the dispatch goroutine starts.
type transportPacketIO struct{ conn *transport.Conn }

func (p *transportPacketIO) Send(m messages.Message) error { return p.conn.Send(m) }

func (p *transportPacketIO) Recv() (messages.Message, error) {
	m, ok := <-p.conn.Incoming()
	if !ok {
		if err := p.conn.RecvErr(); err != nil {
			return messages.Message{}, err
		}
		return messages.Message{}, io.EOF
	}
	return m, nil
}

// dispatchLoop is the Client's half of the teacher's one-mutex-send /
// one-goroutine-receive shape (xsnet.Conn): it owns the transport's
// Incoming() channel for the life of the connection, routing
// REQUEST_SUCCESS/FAILURE to the global-request correlator and every
// other connection-protocol message to the channel multiplexer.
func (c *Client) dispatchLoop() {
	defer close(c.done)
	for m := range c.conn.Incoming() {
		switch m.Kind {
		case messages.KindRequestSuccess:
			_ = c.globalReplies.Fulfill(reply.Result{OK: true, Payload: m.RequestSuccess.TypeSpecific})
		case messages.KindRequestFailure:
			_ = c.globalReplies.Fulfill(reply.Result{OK: false})
		default:
			if err := c.mgr.Dispatch(m); err != nil {
				logger.LogDebug(fmt.Sprintf("[sshlib] dispatch: %v", err))
			}
		}
	}
	c.globalReplies.Abort(errors.New("connection closed"))
}

// keepAliveLoop sends a global "keepalive@openssh.com" request on
// cfg.KeepAliveInterval, and checks the rekey thresholds (spec.md 4.7) on
// the same tick rather than running a second timer.
func (c *Client) keepAliveLoop(addr string) {
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			waiter := c.globalReplies.Await()
			if err := c.conn.Send(messages.Message{
				Kind:          messages.KindGlobalRequest,
				GlobalRequest: &messages.GlobalRequestMsg{RequestName: "keepalive@openssh.com", WantReply: true},
			}); err != nil {
				logger.LogDebug(fmt.Sprintf("[sshlib] keepalive send: %v", err))
				return
			}
			<-waiter // servers that don't know the name answer REQUEST_FAILURE; either way confirms liveness

			if c.conn.NeedsRekey() {
				if _, err := c.conn.Rekey(addr, c.cfg.HostKeyPolicy); err != nil {
					logger.LogDebug(fmt.Sprintf("[sshlib] rekey: %v", err))
					return
				}
			}
		case <-c.done:
			return
		}
	}
}

// OpenSession opens a "session" channel (spec.md 4.8), the starting point
// for exec/shell/subsystem.
func (c *Client) OpenSession() (*Session, error) {
	ch, err := c.mgr.Open(channel.KindSession, nil, c.cfg.InitialWindowSize, c.cfg.MaxPacketSize)
	if err != nil {
		return nil, errors.Wrap(err, "open session channel")
	}
	return &Session{ch: ch}, nil
}

// HostKeyPolicy exposes the policy this Client was dialed with, so a
// caller driving its own Rekey (e.g. on a custom schedule instead of the
// keepalive loop) can reuse it.
func (c *Client) HostKeyPolicy() kex.HostKeyPolicy { return c.cfg.HostKeyPolicy }

// Disconnect sends SSH_MSG_DISCONNECT with the given RFC 4253 11.1 reason
// code and description, then closes the socket (spec.md 4.1).
func (c *Client) Disconnect(reason uint32, description string) error {
	return c.conn.Disconnect(reason, description)
}

// Close closes the underlying socket without a clean DISCONNECT; prefer
// Disconnect for a graceful shutdown.
func (c *Client) Close() error {
	return c.conn.Close()
}
