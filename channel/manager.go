package channel

import (
	"sync"

	"github.com/pkg/errors"

	"blitter.com/go/sshlib/messages"
)

// ErrUnknownChannel is returned (and, at the Dispatch call site, simply
// logged/ignored as a peer protocol slip) when a connection-protocol
// message names a recipient_channel this Manager never opened.
var ErrUnknownChannel = errors.New("message refers to an unknown channel")

// pendingOpen is the one-shot result of a CHANNEL_OPEN still awaiting
// CHANNEL_OPEN_CONFIRMATION/FAILURE. Unlike CHANNEL_REQUEST's FIFO (SSH
// carries no request id there), CHANNEL_OPEN's reply always names our
// own sender_channel as recipient_channel, so opens correlate directly
// by id rather than through a queue.
type pendingOpen struct {
	channel *Channel
	result  chan openResult
}

type openResult struct {
	channel *Channel
	err     error
}

// Manager multiplexes every channel over one transport connection: it
// allocates local channel ids, tracks open channels, and dispatches
// every connection-protocol message (90-100) to the channel it names.
type Manager struct {
	sender Sender

	mu      sync.Mutex
	nextID  uint32
	opening map[uint32]*pendingOpen
	open    map[uint32]*Channel
}

// NewManager builds a channel multiplexer sending through sender (a
// transport.Conn in production use).
func NewManager(sender Sender) *Manager {
	return &Manager{
		sender:  sender,
		opening: make(map[uint32]*pendingOpen),
		open:    make(map[uint32]*Channel),
	}
}

// Open sends CHANNEL_OPEN and blocks for CHANNEL_OPEN_CONFIRMATION or
// CHANNEL_OPEN_FAILURE (spec.md 4.8).
func (m *Manager) Open(kind string, typeSpecific []byte, initialWindow, maxPacket uint32) (*Channel, error) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	ch := newChannel(id, kind, m.sender, initialWindow, maxPacket)
	pending := &pendingOpen{channel: ch, result: make(chan openResult, 1)}
	m.opening[id] = pending
	m.mu.Unlock()

	if err := m.sender.Send(messages.Message{
		Kind: messages.KindChannelOpen,
		ChannelOpen: &messages.ChannelOpenMsg{
			ChannelType: kind, SenderChannel: id, InitialWindowSize: initialWindow,
			MaxPacketSize: maxPacket, TypeSpecific: typeSpecific,
		},
	}); err != nil {
		m.mu.Lock()
		delete(m.opening, id)
		m.mu.Unlock()
		return nil, errors.Wrap(err, "send channel_open")
	}

	res := <-pending.result
	return res.channel, res.err
}

// Dispatch routes one connection-protocol message (Kind 90-100) to the
// channel it names. It is meant to be called from the transport's
// receive loop for every message that is not transport- or
// userauth-layer.
func (m *Manager) Dispatch(msg messages.Message) error {
	switch msg.Kind {
	case messages.KindChannelOpenConfirmation:
		conf := msg.ChannelOpenConfirmation
		return m.completeOpen(conf.RecipientChannel, func(pending *pendingOpen) (*Channel, error) {
			return m.finishOpen(pending, conf), nil
		})
	case messages.KindChannelOpenFailure:
		fail := msg.ChannelOpenFailure
		return m.completeOpen(fail.RecipientChannel, func(pending *pendingOpen) (*Channel, error) {
			return nil, errors.Wrapf(ErrOpenRejected, "reason %d: %s", fail.ReasonCode, fail.Description)
		})
	case messages.KindChannelWindowAdjust:
		ch, err := m.lookup(msg.ChannelWindowAdjust.RecipientChannel)
		if err != nil {
			return err
		}
		ch.handleWindowAdjust(msg.ChannelWindowAdjust.BytesToAdd)
		return nil
	case messages.KindChannelData:
		ch, err := m.lookup(msg.ChannelData.RecipientChannel)
		if err != nil {
			return err
		}
		ch.handleData(msg.ChannelData.Data)
		return nil
	case messages.KindChannelExtendedData:
		ch, err := m.lookup(msg.ChannelExtendedData.RecipientChannel)
		if err != nil {
			return err
		}
		ch.handleExtendedData(msg.ChannelExtendedData.DataTypeCode, msg.ChannelExtendedData.Data)
		return nil
	case messages.KindChannelEOF:
		ch, err := m.lookup(msg.ChannelEOF.RecipientChannel)
		if err != nil {
			return err
		}
		ch.handleRemoteEOF()
		return nil
	case messages.KindChannelClose:
		ch, err := m.lookup(msg.ChannelClose.RecipientChannel)
		if err != nil {
			return err
		}
		needsOurClose := ch.handlePeerClose()
		if needsOurClose {
			if err := ch.sendClose(); err != nil {
				return err
			}
		}
		m.reap(ch)
		return nil
	case messages.KindChannelRequest:
		return m.dispatchChannelRequest(msg)
	case messages.KindChannelSuccess:
		ch, err := m.lookup(msg.ChannelSuccess.RecipientChannel)
		if err != nil {
			return err
		}
		ch.handleRequestReply(true)
		return nil
	case messages.KindChannelFailure:
		ch, err := m.lookup(msg.ChannelFailure.RecipientChannel)
		if err != nil {
			return err
		}
		ch.handleRequestReply(false)
		return nil
	default:
		return nil
	}
}

func (m *Manager) dispatchChannelRequest(msg messages.Message) error {
	req := msg.ChannelRequest
	ch, err := m.lookup(req.RecipientChannel)
	if err != nil {
		return err
	}
	if req.RequestType == "exit-status" && len(req.TypeSpecific) >= 4 {
		status := uint32(req.TypeSpecific[0])<<24 | uint32(req.TypeSpecific[1])<<16 | uint32(req.TypeSpecific[2])<<8 | uint32(req.TypeSpecific[3])
		ch.recordExitStatus(status)
	}
	if req.WantReply {
		return m.sender.Send(messages.Message{
			Kind:           messages.KindChannelSuccess,
			ChannelSuccess: &messages.ChannelSuccessMsg{RecipientChannel: ch.RemoteID()},
		})
	}
	return nil
}

func (m *Manager) completeOpen(localID uint32, build func(pending *pendingOpen) (*Channel, error)) error {
	m.mu.Lock()
	pending, ok := m.opening[localID]
	if ok {
		delete(m.opening, localID)
	}
	m.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrUnknownChannel, "channel open reply for id %d", localID)
	}
	ch, err := build(pending)
	pending.result <- openResult{channel: ch, err: err}
	return nil
}

// finishOpen records the confirmed remote id/windows on pending's
// channel and registers it as open.
func (m *Manager) finishOpen(pending *pendingOpen, conf *messages.ChannelOpenConfirmationMsg) *Channel {
	ch := pending.channel
	ch.mu.Lock()
	ch.remoteID = conf.SenderChannel
	ch.remoteWindow = conf.InitialWindowSize
	ch.remoteMaxPacket = conf.MaxPacketSize
	ch.setState(StateOpen)
	ch.mu.Unlock()

	m.mu.Lock()
	m.open[ch.localID] = ch
	m.mu.Unlock()
	return ch
}

func (m *Manager) lookup(localID uint32) (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.open[localID]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownChannel, "id %d", localID)
	}
	return ch, nil
}

// reap drops a fully-closed channel from the open set, making its id
// reclaimable (spec.md 4.8: "Only after both CLOSEs is the channel id
// reclaimable").
func (m *Manager) reap(ch *Channel) {
	if ch.State() != StateClosed {
		return
	}
	m.mu.Lock()
	delete(m.open, ch.localID)
	m.mu.Unlock()
}
