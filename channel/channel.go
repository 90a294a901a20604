// Package channel implements the SSH connection protocol's channel
// multiplexer (spec.md 4.8): per-channel credit-based flow control,
// half-duplex EOF/CLOSE bookkeeping, and FIFO-ordered CHANNEL_REQUEST
// replies, all fed from one transport connection's dispatch loop.
//
// Copyright (c) 2017-2024 Russell Magee
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
package channel

import (
	"sync"

	"github.com/pkg/errors"

	"blitter.com/go/sshlib/internal/reply"
	"blitter.com/go/sshlib/messages"
)

// Channel kinds (RFC 4254 5.1, 7.1, 7.2, 11.3.4).
const (
	KindSession        = "session"
	KindDirectTCPIP    = "direct-tcpip"
	KindForwardedTCPIP = "forwarded-tcpip"
	KindX11            = "x11"
)

// ExtendedDataStderr is the one standardized extended-data stream code
// (RFC 4254 5.2).
const ExtendedDataStderr = 1

// State is a channel's lifecycle stage. Transitions are monotonic toward
// StateClosed (spec.md 4.8).
type State int

const (
	StateOpening State = iota
	StateOpen
	StateLocalEOFSent
	StateRemoteEOFReceived
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateLocalEOFSent:
		return "local_eof_sent"
	case StateRemoteEOFReceived:
		return "remote_eof_received"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrChannelClosed is returned by operations attempted on a channel
	// that has already finished its close handshake.
	ErrChannelClosed = errors.New("channel is closed")
	// ErrOpenRejected is returned by Open when the peer answers with
	// CHANNEL_OPEN_FAILURE.
	ErrOpenRejected = errors.New("channel open rejected by peer")
	// ErrEOFAlreadySent guards against sending a second CHANNEL_EOF.
	ErrEOFAlreadySent = errors.New("channel EOF already sent")
)

// Sender is the narrow transport dependency a Channel/Manager needs: a
// single outbound message sink. The transport.Conn satisfies this
// directly via its Send method.
type Sender interface {
	Send(m messages.Message) error
}

// Channel is one multiplexed SSH connection-protocol channel. All
// exported methods are safe for concurrent use.
type Channel struct {
	localID  uint32
	remoteID uint32
	kind     string

	sender Sender

	mu             sync.Mutex
	cond           *sync.Cond
	state          State
	localWindow    uint32
	initialLocal   uint32
	localMaxPacket uint32

	remoteWindow    uint32
	remoteMaxPacket uint32

	exitStatus    uint32
	hasExitStatus bool

	localEOFSent    bool
	remoteEOFRecvd  bool
	closeSent       bool
	closeRecvd      bool

	incoming   chan []byte
	stderr     chan []byte
	requests   *reply.Queue
	closedChan chan struct{}
	closeOnce  sync.Once
}

func newChannel(localID uint32, kind string, sender Sender, initialLocalWindow, localMaxPacket uint32) *Channel {
	c := &Channel{
		localID:        localID,
		kind:           kind,
		sender:         sender,
		state:          StateOpening,
		localWindow:    initialLocalWindow,
		initialLocal:   initialLocalWindow,
		localMaxPacket: localMaxPacket,
		incoming:       make(chan []byte, 64),
		stderr:         make(chan []byte, 64),
		requests:       reply.New(),
		closedChan:     make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// LocalID returns the channel's local identifier, as sent in
// CHANNEL_OPEN's sender_channel field.
func (c *Channel) LocalID() uint32 { return c.localID }

// RemoteID returns the peer's channel identifier, valid once Open has
// returned successfully.
func (c *Channel) RemoteID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteID
}

// State returns the channel's current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ExitStatus reports the exit-status CHANNEL_REQUEST the peer sent, if
// any.
func (c *Channel) ExitStatus() (status uint32, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitStatus, c.hasExitStatus
}

// setState advances state monotonically; it is a no-op (never goes
// backward) if s is not further along than the current state.
func (c *Channel) setState(s State) {
	if s > c.state {
		c.state = s
	}
}

// Write sends p as one or more CHANNEL_DATA messages, splitting to
// respect min(remote_window, remote_max_packet) and blocking while the
// remote window is exhausted, per spec.md 4.8.
func (c *Channel) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		c.mu.Lock()
		for c.remoteWindow == 0 && c.state < StateClosing {
			c.cond.Wait()
		}
		if c.state >= StateClosing {
			c.mu.Unlock()
			return written, ErrChannelClosed
		}
		chunk := uint32(len(p))
		if chunk > c.remoteWindow {
			chunk = c.remoteWindow
		}
		if chunk > c.remoteMaxPacket {
			chunk = c.remoteMaxPacket
		}
		c.remoteWindow -= chunk
		remoteID := c.remoteID
		c.mu.Unlock()

		if err := c.sender.Send(messages.Message{
			Kind:        messages.KindChannelData,
			ChannelData: &messages.ChannelDataMsg{RecipientChannel: remoteID, Data: p[:chunk]},
		}); err != nil {
			return written, errors.Wrap(err, "send channel_data")
		}
		written += int(chunk)
		p = p[chunk:]
	}
	return written, nil
}

// remoteWindowSnapshot returns the current remote window, mostly for
// tests asserting the window-discipline invariant (spec.md 4.8).
func (c *Channel) remoteWindowSnapshot() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteWindow
}

// handleWindowAdjust folds BytesToAdd into the remote window and wakes
// any Write blocked on it.
func (c *Channel) handleWindowAdjust(n uint32) {
	c.mu.Lock()
	c.remoteWindow += n
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Read returns the next chunk of CHANNEL_DATA payload, blocking until
// data arrives, EOF is received (io.EOF-shaped by the caller via ok),
// or the channel closes. Every consumed byte refills the local window
// once it drops below half its initial size (spec.md 4.8's
// implementation-chosen refill threshold).
func (c *Channel) Read() (data []byte, ok bool) {
	data, open := <-c.incoming
	if !open {
		return nil, false
	}
	c.refillWindow(uint32(len(data)))
	return data, true
}

// Stderr returns the next chunk of stderr (extended-data type 1)
// payload, analogous to Read.
func (c *Channel) Stderr() (data []byte, ok bool) {
	data, open := <-c.stderr
	if !open {
		return nil, false
	}
	c.refillWindow(uint32(len(data)))
	return data, true
}

func (c *Channel) refillWindow(consumed uint32) {
	c.mu.Lock()
	c.localWindow -= consumed
	needsRefill := c.localWindow < c.initialLocal/2
	var adjust uint32
	remoteID := c.remoteID
	if needsRefill {
		adjust = c.initialLocal - c.localWindow
		c.localWindow += adjust
	}
	c.mu.Unlock()
	if adjust > 0 {
		_ = c.sender.Send(messages.Message{
			Kind:                messages.KindChannelWindowAdjust,
			ChannelWindowAdjust: &messages.ChannelWindowAdjustMsg{RecipientChannel: remoteID, BytesToAdd: adjust},
		})
	}
}

// handleData enqueues an incoming CHANNEL_DATA payload, dropping it (per
// the protocol, a local bug rather than a peer violation worth tearing
// the channel down for) if the consumer's buffer is saturated.
func (c *Channel) handleData(p []byte) {
	select {
	case c.incoming <- p:
	default:
	}
}

func (c *Channel) handleExtendedData(code uint32, p []byte) {
	if code != ExtendedDataStderr {
		return
	}
	select {
	case c.stderr <- p:
	default:
	}
}

// SendRequest issues a CHANNEL_REQUEST and, if wantReply, blocks for the
// matching CHANNEL_SUCCESS/FAILURE — FIFO-ordered against any other
// outstanding requests on this same channel (spec.md 4.8).
func (c *Channel) SendRequest(requestType string, wantReply bool, typeSpecific []byte) (bool, error) {
	c.mu.Lock()
	remoteID := c.remoteID
	c.mu.Unlock()

	var waiter <-chan reply.Result
	if wantReply {
		waiter = c.requests.Await()
	}
	if err := c.sender.Send(messages.Message{
		Kind: messages.KindChannelRequest,
		ChannelRequest: &messages.ChannelRequestMsg{
			RecipientChannel: remoteID, RequestType: requestType, WantReply: wantReply, TypeSpecific: typeSpecific,
		},
	}); err != nil {
		return false, errors.Wrap(err, "send channel_request")
	}
	if !wantReply {
		return true, nil
	}
	res := <-waiter
	if res.Err != nil {
		return false, res.Err
	}
	return res.OK, nil
}

func (c *Channel) handleRequestReply(ok bool) {
	_ = c.requests.Fulfill(reply.Result{OK: ok})
}

// recordExitStatus records the exit status carried by an "exit-status"
// CHANNEL_REQUEST (a single uint32, RFC 4254 6.10), as parsed by the
// Manager's dispatch.
func (c *Channel) recordExitStatus(status uint32) {
	c.mu.Lock()
	c.exitStatus = status
	c.hasExitStatus = true
	c.mu.Unlock()
}

// CloseWrite sends CHANNEL_EOF: we will send no more data, but may still
// receive (half-duplex per spec.md 4.8).
func (c *Channel) CloseWrite() error {
	c.mu.Lock()
	if c.localEOFSent {
		c.mu.Unlock()
		return ErrEOFAlreadySent
	}
	c.localEOFSent = true
	c.setState(StateLocalEOFSent)
	remoteID := c.remoteID
	c.mu.Unlock()

	return c.sender.Send(messages.Message{Kind: messages.KindChannelEOF, ChannelEOF: &messages.ChannelEOFMsg{RecipientChannel: remoteID}})
}

func (c *Channel) handleRemoteEOF() {
	c.mu.Lock()
	c.remoteEOFRecvd = true
	c.setState(StateRemoteEOFReceived)
	c.mu.Unlock()
	close(c.incoming)
	close(c.stderr)
}

// Close sends CHANNEL_CLOSE if we have not already, and waits for the
// close handshake (our CLOSE and the peer's) to complete in both
// directions. Per spec.md 4.8, a peer CLOSE that arrives before we have
// sent our own triggers our own CLOSE automatically (via the Manager's
// dispatch calling sendClose) — Close only needs to wait in that case.
func (c *Channel) Close() error {
	if err := c.sendClose(); err != nil {
		return err
	}
	<-c.closedChan
	return nil
}

// sendClose transmits CHANNEL_CLOSE exactly once, then finalizes the
// channel if the peer's CLOSE has already arrived.
func (c *Channel) sendClose() error {
	c.mu.Lock()
	if c.closeSent {
		c.mu.Unlock()
		return nil
	}
	c.closeSent = true
	c.setState(StateClosing)
	remoteID := c.remoteID
	c.mu.Unlock()
	c.cond.Broadcast()

	if err := c.sender.Send(messages.Message{Kind: messages.KindChannelClose, ChannelClose: &messages.ChannelCloseMsg{RecipientChannel: remoteID}}); err != nil {
		return errors.Wrap(err, "send channel_close")
	}
	c.maybeFinalizeClose()
	return nil
}

// maybeFinalizeClose closes closedChan and aborts outstanding requests
// once both directions have completed their CLOSE.
func (c *Channel) maybeFinalizeClose() {
	c.mu.Lock()
	fullyClosed := c.closeSent && c.closeRecvd
	if fullyClosed {
		c.setState(StateClosed)
	}
	c.mu.Unlock()
	if fullyClosed {
		c.closeOnce.Do(func() { close(c.closedChan) })
		c.requests.Abort(ErrChannelClosed)
	}
}

// handlePeerClose records the peer's CLOSE. If we have not yet sent our
// own, the Manager must call sendClose to complete the handshake (RFC
// 4254 5.3: a CLOSE must be answered with a CLOSE once pending data is
// flushed — this implementation answers immediately, since it does not
// buffer unsent data past the window discipline already enforced by
// Write).
func (c *Channel) handlePeerClose() (needsOurClose bool) {
	c.mu.Lock()
	c.closeRecvd = true
	needsOurClose = !c.closeSent
	c.mu.Unlock()
	c.maybeFinalizeClose()
	return needsOurClose
}
