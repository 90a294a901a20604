package channel

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blitter.com/go/sshlib/messages"
)

// fakeSender is a scripted Sender: it records every outbound message and,
// via onSend, can synchronously feed responses back into a Manager —
// sufficient to drive Open()'s blocking wait without goroutines for the
// simple open/confirm case.
type fakeSender struct {
	mu   sync.Mutex
	sent []messages.Message

	onSend func(m messages.Message)
}

func (f *fakeSender) Send(m messages.Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, m)
	f.mu.Unlock()
	if f.onSend != nil {
		f.onSend(m)
	}
	return nil
}

func (f *fakeSender) dataMessages() []messages.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []messages.Message
	for _, m := range f.sent {
		if m.Kind == messages.KindChannelData {
			out = append(out, m)
		}
	}
	return out
}

func openedChannel(t *testing.T, initialRemoteWindow, remoteMaxPacket uint32) (*Manager, *Channel, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	mgr := NewManager(sender)
	sender.onSend = func(m messages.Message) {
		if m.Kind != messages.KindChannelOpen {
			return
		}
		require.NoError(t, mgr.Dispatch(messages.Message{
			Kind: messages.KindChannelOpenConfirmation,
			ChannelOpenConfirmation: &messages.ChannelOpenConfirmationMsg{
				RecipientChannel:  m.ChannelOpen.SenderChannel,
				SenderChannel:     100,
				InitialWindowSize: initialRemoteWindow,
				MaxPacketSize:     remoteMaxPacket,
			},
		}))
	}
	ch, err := mgr.Open(KindSession, nil, 64*1024, 16*1024)
	require.NoError(t, err)
	return mgr, ch, sender
}

func TestOpenConfirmationPopulatesChannel(t *testing.T) {
	_, ch, _ := openedChannel(t, 1024, 256)
	assert.Equal(t, uint32(100), ch.RemoteID())
	assert.Equal(t, StateOpen, ch.State())
}

func TestOpenFailureReturnsError(t *testing.T) {
	sender := &fakeSender{}
	mgr := NewManager(sender)
	sender.onSend = func(m messages.Message) {
		if m.Kind != messages.KindChannelOpen {
			return
		}
		require.NoError(t, mgr.Dispatch(messages.Message{
			Kind: messages.KindChannelOpenFailure,
			ChannelOpenFailure: &messages.ChannelOpenFailureMsg{
				RecipientChannel: m.ChannelOpen.SenderChannel,
				ReasonCode:       2,
				Description:      "administratively prohibited",
			},
		}))
	}
	ch, err := mgr.Open(KindSession, nil, 64*1024, 16*1024)
	assert.Nil(t, ch)
	assert.ErrorIs(t, err, ErrOpenRejected)
}

// TestWindowDiscipline reproduces the scenario: initial_remote_window=1024,
// max_packet=256, a 2000-byte write. Expected emission: 256 x4 (= 1024),
// then a block until WINDOW_ADJUST(+2048), then 256, 256, 256, 208; total
// bytes emitted equals 2000.
func TestWindowDiscipline(t *testing.T) {
	mgr, ch, sender := openedChannel(t, 1024, 256)

	notify := make(chan struct{}, 64)
	sender.onSend = func(m messages.Message) {
		if m.Kind == messages.KindChannelData {
			notify <- struct{}{}
		}
	}

	payload := make([]byte, 2000)
	for i := range payload {
		payload[i] = byte(i % 256)
	}

	writeDone := make(chan struct{})
	go func() {
		n, err := ch.Write(payload)
		assert.NoError(t, err)
		assert.Equal(t, 2000, n)
		close(writeDone)
	}()

	for i := 0; i < 4; i++ {
		<-notify
	}

	first := sender.dataMessages()
	require.Len(t, first, 4)
	for _, m := range first {
		assert.Len(t, m.ChannelData.Data, 256)
	}
	assert.Equal(t, uint32(0), ch.remoteWindowSnapshot())

	require.NoError(t, mgr.Dispatch(messages.Message{
		Kind:                messages.KindChannelWindowAdjust,
		ChannelWindowAdjust: &messages.ChannelWindowAdjustMsg{RecipientChannel: ch.LocalID(), BytesToAdd: 2048},
	}))

	for i := 0; i < 4; i++ {
		<-notify
	}
	<-writeDone

	all := sender.dataMessages()
	require.Len(t, all, 8)
	sizes := make([]int, len(all))
	total := 0
	for i, m := range all {
		sizes[i] = len(m.ChannelData.Data)
		total += len(m.ChannelData.Data)
	}
	assert.Equal(t, []int{256, 256, 256, 256, 256, 256, 256, 208}, sizes)
	assert.Equal(t, 2000, total)
}

func TestReadRefillsLocalWindowBelowHalf(t *testing.T) {
	mgr, ch, sender := openedChannel(t, 1024, 256)

	require.NoError(t, mgr.Dispatch(messages.Message{
		Kind:        messages.KindChannelData,
		ChannelData: &messages.ChannelDataMsg{RecipientChannel: ch.LocalID(), Data: make([]byte, 40000)},
	}))

	data, ok := ch.Read()
	require.True(t, ok)
	assert.Len(t, data, 40000)

	adjustments := 0
	for _, m := range sender.sent {
		if m.Kind == messages.KindChannelWindowAdjust {
			adjustments++
		}
	}
	assert.Equal(t, 1, adjustments)
}

func TestSendRequestWithReplyFIFO(t *testing.T) {
	_, ch, sender := openedChannel(t, 1024, 256)
	sender.onSend = nil

	type outcome struct {
		ok  bool
		err error
	}
	results := make(chan outcome, 2)
	go func() {
		ok, err := ch.SendRequest("exec", true, nil)
		results <- outcome{ok, err}
	}()
	go func() {
		ok, err := ch.SendRequest("subsystem", true, nil)
		results <- outcome{ok, err}
	}()

	for ch.requests.Len() < 2 {
	}
	ch.handleRequestReply(true)
	ch.handleRequestReply(false)

	first := <-results
	second := <-results
	assert.True(t, first.ok)
	assert.False(t, second.ok)
}

func TestCloseHandshakeBothDirections(t *testing.T) {
	mgr, ch, sender := openedChannel(t, 1024, 256)

	closeDone := make(chan struct{})
	go func() {
		require.NoError(t, ch.Close())
		close(closeDone)
	}()

	for {
		sender.mu.Lock()
		n := len(sender.sent)
		sender.mu.Unlock()
		if n >= 2 {
			break
		}
	}

	require.NoError(t, mgr.Dispatch(messages.Message{
		Kind:         messages.KindChannelClose,
		ChannelClose: &messages.ChannelCloseMsg{RecipientChannel: ch.LocalID()},
	}))
	<-closeDone
	assert.Equal(t, StateClosed, ch.State())
}

func TestExitStatusRecordedFromChannelRequest(t *testing.T) {
	mgr, ch, _ := openedChannel(t, 1024, 256)

	require.NoError(t, mgr.Dispatch(messages.Message{
		Kind: messages.KindChannelRequest,
		ChannelRequest: &messages.ChannelRequestMsg{
			RecipientChannel: ch.LocalID(),
			RequestType:      "exit-status",
			WantReply:        false,
			TypeSpecific:     []byte{0, 0, 0, 7},
		},
	}))

	status, ok := ch.ExitStatus()
	require.True(t, ok)
	assert.Equal(t, uint32(7), status)
}
