package transport

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"blitter.com/go/sshlib/algorithms"
	"blitter.com/go/sshlib/kex"
	"blitter.com/go/sshlib/logger"
	"blitter.com/go/sshlib/messages"
	"blitter.com/go/sshlib/xerrors"
)

// ClientVersionString is this module's RFC 4253 4.2 identification
// string. The comments field is intentionally plain; servers parse only
// up to the first space.
const ClientVersionString = "SSH-2.0-sshlib_1.0"

// maxVersionLineLen bounds the identification line per RFC 4253 4.2: at
// most 255 bytes including the CR LF.
const maxVersionLineLen = 255

// State names a position in the connection lifecycle (spec.md 4.1).
type State int

const (
	StateConnecting State = iota
	StateVersionExchange
	StateKexInit
	StateKexRun
	StateNewKeys
	StateServiceRequest
	StateAuthenticating
	StateOpen
	StateRekeying
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateVersionExchange:
		return "version_exchange"
	case StateKexInit:
		return "kex_init"
	case StateKexRun:
		return "kex_run"
	case StateNewKeys:
		return "new_keys"
	case StateServiceRequest:
		return "service_request"
	case StateAuthenticating:
		return "authenticating"
	case StateOpen:
		return "open"
	case StateRekeying:
		return "rekeying"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Rekey thresholds (spec.md 4.7 / RFC 4253 9): NeedsRekey reports when any
// of them has been reached; sends are not held back until a rekey runs.
const (
	RekeyByteThreshold   = 1 << 30 // 1 GiB
	RekeyPacketThreshold = 1 << 31 // conservatively below the 2^32 wraparound
	RekeyInterval        = time.Hour
)

// Conn owns one SSH connection's socket, BPP framing state, and KEX
// session. Its sends are serialized by mu, mirroring the teacher's
// xsnet.Conn: one mutex-guarded write path, one dedicated read goroutine
// feeding a channel that the caller drains through Incoming().
type Conn struct {
	nc net.Conn
	br *bufio.Reader

	mu       sync.Mutex // guards sendKeys and socket writes
	sendKeys *DirectionKeys
	recvKeys *DirectionKeys // only touched by the read goroutine

	stateMu sync.Mutex
	state   State

	VC, VS string // exact version strings, no CR/LF

	kexSession *kex.Session
	prefs      algorithms.Preferences

	bytesSinceRekey   uint64
	packetsSinceRekey uint64
	lastRekey         time.Time

	incoming  chan messages.Message
	recvErr   chan error
	closeOnce sync.Once
	closed    chan struct{}
}

// Dial opens a TCP connection to addr, performs the version exchange and
// the initial key-exchange round, and returns a Conn in StateOpen-ready
// state (NEWKEYS has been sent and received; the caller drives
// ServiceRequest/auth next). policy decides whether to trust the server's
// host key.
func Dial(addr string, prefs algorithms.Preferences, policy kex.HostKeyPolicy, connectTimeout time.Duration) (*Conn, kex.Result, error) {
	var nc net.Conn
	var err error
	if connectTimeout > 0 {
		nc, err = net.DialTimeout("tcp", addr, connectTimeout)
	} else {
		nc, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return nil, kex.Result{}, xerrors.New(xerrors.Transport, err, "dial")
	}
	c := &Conn{
		nc:        nc,
		br:        bufio.NewReader(nc),
		state:     StateConnecting,
		prefs:     prefs,
		incoming:  make(chan messages.Message, 16),
		recvErr:   make(chan error, 1),
		closed:    make(chan struct{}),
		lastRekey: time.Now(),
	}

	result, err := c.handshake(addr, policy)
	if err != nil {
		nc.Close()
		return nil, kex.Result{}, err
	}

	go c.recvLoop()
	return c, result, nil
}

func (c *Conn) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
	logger.LogDebug(fmt.Sprintf("[transport] state -> %s", s))
}

// State reports the connection's current lifecycle position.
func (c *Conn) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// handshake performs the version exchange and the first KEX round,
// installing plaintext DirectionKeys for the exchange itself and real
// DirectionKeys once NEWKEYS completes.
func (c *Conn) handshake(endpoint string, policy kex.HostKeyPolicy) (kex.Result, error) {
	c.setState(StateVersionExchange)
	if _, err := fmt.Fprintf(c.nc, "%s\r\n", ClientVersionString); err != nil {
		return kex.Result{}, xerrors.New(xerrors.Transport, err, "send version string")
	}
	serverVersion, err := readVersionLine(c.br)
	if err != nil {
		return kex.Result{}, xerrors.New(xerrors.Transport, err, "read server version string")
	}
	c.VC, c.VS = ClientVersionString, serverVersion

	c.sendKeys = NewPlaintextDirectionKeys()
	c.recvKeys = NewPlaintextDirectionKeys()

	c.setState(StateKexInit)
	c.kexSession = kex.NewSession(c.prefs, policy, c.VC, c.VS)
	oursMsg, err := c.kexSession.BuildKexInit()
	if err != nil {
		return kex.Result{}, err
	}
	ic, err := oursMsg.Encode()
	if err != nil {
		return kex.Result{}, err
	}
	if err := c.writeRaw(ic); err != nil {
		return kex.Result{}, err
	}

	peerMsg, is, err := c.readRaw()
	if err != nil {
		return kex.Result{}, err
	}
	if peerMsg.Kind != messages.KindKexInit || peerMsg.KexInit == nil {
		return kex.Result{}, xerrors.New(xerrors.Protocol, errors.New("expected KEXINIT"), "handshake")
	}

	c.setState(StateKexRun)
	result, err := c.kexSession.RunClientRound(&connPacketIO{c: c}, endpoint, ic, is, oursMsg.KexInit, peerMsg.KexInit)
	if err != nil {
		return kex.Result{}, err
	}

	c.setState(StateNewKeys)
	if err := c.writeRaw(mustEncode(messages.Message{Kind: messages.KindNewKeys, NewKeys: &messages.NewKeysMsg{}})); err != nil {
		return kex.Result{}, err
	}
	newKeysMsg, _, err := c.readRaw()
	if err != nil {
		return kex.Result{}, err
	}
	if newKeysMsg.Kind != messages.KindNewKeys {
		return kex.Result{}, xerrors.New(xerrors.Protocol, errors.New("expected NEWKEYS"), "handshake")
	}

	sendDK, err := NewDirectionKeys(result.Choice.CipherC2S, result.Choice.MACC2S, result.Keys.KeyC2S, result.Keys.IVc2s, result.Keys.MACc2s, true)
	if err != nil {
		return kex.Result{}, err
	}
	recvDK, err := NewDirectionKeys(result.Choice.CipherS2C, result.Choice.MACS2C, result.Keys.KeyS2C, result.Keys.IVs2c, result.Keys.MACs2c, false)
	if err != nil {
		return kex.Result{}, err
	}
	c.mu.Lock()
	c.sendKeys = sendDK
	c.mu.Unlock()
	c.recvKeys = recvDK

	c.setState(StateServiceRequest)
	c.lastRekey = time.Now()
	return result, nil
}

func mustEncode(m messages.Message) []byte {
	b, err := m.Encode()
	if err != nil {
		panic(err) // NEWKEYS has no fields; Encode cannot fail
	}
	return b
}

// readVersionLine implements RFC 4253 4.2: the server MAY send lines
// before its identification line, which must be ignored; the
// identification line itself starts with "SSH-" and is at most 255 bytes
// including the terminating CR LF (bare LF also tolerated).
func readVersionLine(br *bufio.Reader) (string, error) {
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return "", err
		}
		if len(line) > maxVersionLineLen {
			return "", errors.New("version line exceeds 255 bytes")
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.HasPrefix(line, "SSH-") {
			return line, nil
		}
		// non-version preamble line; discard and keep reading.
	}
}

// writeRaw sends one already-encoded payload as a framed BPP packet,
// using and advancing the current send direction's sequence number.
func (c *Conn) writeRaw(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	pkt, err := EncodePacket(c.sendKeys, payload)
	if err != nil {
		return xerrors.New(xerrors.Transport, err, "encode packet")
	}
	if _, err := c.nc.Write(pkt); err != nil {
		return xerrors.New(xerrors.Transport, err, "write packet")
	}
	c.bytesSinceRekey += uint64(len(pkt))
	c.packetsSinceRekey++
	return nil
}

// readRaw blocks for exactly one BPP packet and decodes it, returning
// both the parsed Message and the raw payload bytes (padding stripped),
// since KEX needs the exact I_S bytes for the exchange hash.
func (c *Conn) readRaw() (messages.Message, []byte, error) {
	payload, err := DecodePacket(c.br, c.recvKeys)
	if err != nil {
		return messages.Message{}, nil, err
	}
	m, err := messages.Decode(payload)
	if err != nil {
		return messages.Message{}, nil, xerrors.New(xerrors.Protocol, err, "decode message")
	}
	return m, payload, nil
}

// connPacketIO adapts Conn's raw read/write to kex.PacketIO for the
// duration of one KEX round (initial or rekey).
type connPacketIO struct{ c *Conn }

func (p *connPacketIO) Send(m messages.Message) error {
	b, err := m.Encode()
	if err != nil {
		return err
	}
	return p.c.writeRaw(b)
}

func (p *connPacketIO) Recv() (messages.Message, error) {
	m, _, err := p.c.readRaw()
	return m, err
}

// Send transmits one message to the peer under normal (post-handshake)
// operation.
func (c *Conn) Send(m messages.Message) error {
	b, err := m.Encode()
	if err != nil {
		return err
	}
	return c.writeRaw(b)
}

// NeedsRekey reports whether any rekey trigger (spec.md 4.7) has fired
// since the last completed KEX round.
func (c *Conn) NeedsRekey() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesSinceRekey >= RekeyByteThreshold ||
		c.packetsSinceRekey >= RekeyPacketThreshold ||
		time.Since(c.lastRekey) >= RekeyInterval
}

// Rekey runs a new KEX round over the existing connection transparently:
// higher layers (auth, channel) keep their state, only the BPP cipher
// keys are replaced (spec.md invariant 5).
func (c *Conn) Rekey(endpoint string, policy kex.HostKeyPolicy) (kex.Result, error) {
	c.setState(StateRekeying)
	oursMsg, err := c.kexSession.BuildKexInit()
	if err != nil {
		return kex.Result{}, err
	}
	ic, err := oursMsg.Encode()
	if err != nil {
		return kex.Result{}, err
	}
	if err := c.writeRaw(ic); err != nil {
		return kex.Result{}, err
	}
	peerMsg, is, err := c.readRaw()
	if err != nil {
		return kex.Result{}, err
	}
	if peerMsg.Kind != messages.KindKexInit || peerMsg.KexInit == nil {
		return kex.Result{}, xerrors.New(xerrors.Protocol, errors.New("expected KEXINIT"), "rekey")
	}

	result, err := c.kexSession.RunClientRound(&connPacketIO{c: c}, endpoint, ic, is, oursMsg.KexInit, peerMsg.KexInit)
	if err != nil {
		return kex.Result{}, err
	}
	if err := c.writeRaw(mustEncode(messages.Message{Kind: messages.KindNewKeys, NewKeys: &messages.NewKeysMsg{}})); err != nil {
		return kex.Result{}, err
	}
	newKeysMsg, _, err := c.readRaw()
	if err != nil {
		return kex.Result{}, err
	}
	if newKeysMsg.Kind != messages.KindNewKeys {
		return kex.Result{}, xerrors.New(xerrors.Protocol, errors.New("expected NEWKEYS"), "rekey")
	}

	sendDK, err := NewDirectionKeys(result.Choice.CipherC2S, result.Choice.MACC2S, result.Keys.KeyC2S, result.Keys.IVc2s, result.Keys.MACc2s, true)
	if err != nil {
		return kex.Result{}, err
	}
	recvDK, err := NewDirectionKeys(result.Choice.CipherS2C, result.Choice.MACS2C, result.Keys.KeyS2C, result.Keys.IVs2c, result.Keys.MACs2c, false)
	if err != nil {
		return kex.Result{}, err
	}
	c.mu.Lock()
	c.sendKeys = sendDK
	c.bytesSinceRekey = 0
	c.packetsSinceRekey = 0
	c.mu.Unlock()
	c.recvKeys = recvDK
	c.lastRekey = time.Now()
	c.setState(StateOpen)
	return result, nil
}

// recvLoop is the dedicated read goroutine: it decodes every incoming
// packet, transparently handles IGNORE (discarded), DEBUG (discarded after logging)
// and UNIMPLEMENTED (logged), propagates DISCONNECT by closing the
// connection, and forwards everything else to Incoming() for the caller
// (auth/channel layers) to consume.
func (c *Conn) recvLoop() {
	defer close(c.incoming)
	for {
		m, _, err := c.readRaw()
		if err != nil {
			select {
			case c.recvErr <- err:
			default:
			}
			c.closeLocked()
			return
		}
		switch m.Kind {
		case messages.KindIgnore:
			continue
		case messages.KindDebug:
			if m.Debug != nil {
				logger.LogDebug(fmt.Sprintf("[peer debug] %s", m.Debug.Message))
			}
			continue
		case messages.KindUnimplemented:
			logger.LogDebug(fmt.Sprintf("[peer] UNIMPLEMENTED for seq %d", m.Unimplemented.Seq))
			continue
		case messages.KindDisconnect:
			c.setState(StateClosing)
			if m.Disconnect != nil {
				logger.LogDebug(fmt.Sprintf("[peer] DISCONNECT reason=%d: %s", m.Disconnect.Reason, m.Disconnect.Description))
			}
			c.closeLocked()
			return
		}
		select {
		case c.incoming <- m:
		case <-c.closed:
			return
		}
	}
}

// Incoming returns the channel of messages not already handled
// transparently by recvLoop (IGNORE/DEBUG/UNIMPLEMENTED/DISCONNECT).
func (c *Conn) Incoming() <-chan messages.Message { return c.incoming }

// RecvErr returns the fatal receive-side error, if any, once Incoming has
// been closed.
func (c *Conn) RecvErr() error {
	select {
	case err := <-c.recvErr:
		return err
	default:
		return nil
	}
}

func (c *Conn) closeLocked() {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		close(c.closed)
		c.nc.Close()
	})
}

// Disconnect sends SSH_MSG_DISCONNECT with reason/description and closes
// the underlying socket (spec.md 4.1, Closing -> Closed).
func (c *Conn) Disconnect(reason uint32, description string) error {
	c.setState(StateClosing)
	err := c.Send(messages.Message{Kind: messages.KindDisconnect, Disconnect: &messages.DisconnectMsg{
		Reason: reason, Description: description, Language: "",
	}})
	c.closeLocked()
	if err != nil {
		return xerrors.New(xerrors.Transport, err, "send disconnect")
	}
	return nil
}

// Close closes the socket without sending DISCONNECT (abrupt local
// close); prefer Disconnect for a clean shutdown.
func (c *Conn) Close() error {
	c.closeLocked()
	return nil
}

// SetDeadline sets the read and write deadlines on the underlying socket,
// e.g. to bound how long the authentication dialog may run before the
// caller gives up. A zero time.Time clears any deadline.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.nc.SetDeadline(t)
}

var _ io.Closer = (*Conn)(nil)
