package sshlib

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blitter.com/go/sshlib/channel"
	"blitter.com/go/sshlib/messages"
	"blitter.com/go/sshlib/wire"
)

type fakeSender struct {
	mu     sync.Mutex
	sent   []messages.Message
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

func (f *fakeSender) last() messages.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

// openedTestSession builds a Session over a confirmed channel whose
// CHANNEL_REQUESTs auto-succeed, unless the caller overrides onSend
// afterward (see TestSessionRequestRefusedByPeer).
func openedTestSession(t *testing.T) (*Session, *channel.Manager, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	mgr := channel.NewManager(sender)
	sender.onSend = func(m messages.Message) {
		if m.Kind != messages.KindChannelOpen {
			return
		}
		require.NoError(t, mgr.Dispatch(messages.Message{
			Kind: messages.KindChannelOpenConfirmation,
			ChannelOpenConfirmation: &messages.ChannelOpenConfirmationMsg{
				RecipientChannel:  m.ChannelOpen.SenderChannel,
				SenderChannel:     42,
				InitialWindowSize: 64 * 1024,
				MaxPacketSize:     16 * 1024,
			},
		}))
	}
	ch, err := mgr.Open(channel.KindSession, nil, DefaultInitialWindowSize, DefaultMaxPacketSize)
	require.NoError(t, err)

	sess := &Session{ch: ch}

	sender.onSend = func(m messages.Message) {
		if m.Kind != messages.KindChannelRequest || !m.ChannelRequest.WantReply {
			return
		}
		require.NoError(t, mgr.Dispatch(messages.Message{
			Kind:           messages.KindChannelSuccess,
			ChannelSuccess: &messages.ChannelSuccessMsg{RecipientChannel: ch.RemoteID()},
		}))
	}
	return sess, mgr, sender
}

func TestSessionExecSendsCommandAsChannelRequest(t *testing.T) {
	sess, _, sender := openedTestSession(t)

	require.NoError(t, sess.Exec("ls -la"))

	req := sender.last()
	require.Equal(t, messages.KindChannelRequest, req.Kind)
	assert.Equal(t, "exec", req.ChannelRequest.RequestType)
	assert.True(t, req.ChannelRequest.WantReply)

	r := wire.NewReader(req.ChannelRequest.TypeSpecific)
	cmd, err := r.ReadStringS()
	require.NoError(t, err)
	assert.Equal(t, "ls -la", cmd)
}

func TestSessionSubsystemSendsNameAsChannelRequest(t *testing.T) {
	sess, _, sender := openedTestSession(t)

	require.NoError(t, sess.Subsystem("sftp"))

	req := sender.last()
	assert.Equal(t, "subsystem", req.ChannelRequest.RequestType)
	r := wire.NewReader(req.ChannelRequest.TypeSpecific)
	name, err := r.ReadStringS()
	require.NoError(t, err)
	assert.Equal(t, "sftp", name)
}

func TestSessionShellSendsEmptyTypeSpecific(t *testing.T) {
	sess, _, sender := openedTestSession(t)

	require.NoError(t, sess.Shell())

	req := sender.last()
	assert.Equal(t, "shell", req.ChannelRequest.RequestType)
	assert.Empty(t, req.ChannelRequest.TypeSpecific)
}

func TestSessionRequestRefusedByPeer(t *testing.T) {
	sess, mgr, sender := openedTestSession(t)
	sender.onSend = func(m messages.Message) {
		if m.Kind != messages.KindChannelRequest {
			return
		}
		require.NoError(t, mgr.Dispatch(messages.Message{
			Kind:           messages.KindChannelFailure,
			ChannelFailure: &messages.ChannelFailureMsg{RecipientChannel: sess.ch.RemoteID()},
		}))
	}

	err := sess.Shell()
	assert.Error(t, err)
}

func TestSessionWriteAndReadRoundTripThroughChannel(t *testing.T) {
	sess, mgr, _ := openedTestSession(t)

	require.NoError(t, mgr.Dispatch(messages.Message{
		Kind:        messages.KindChannelData,
		ChannelData: &messages.ChannelDataMsg{RecipientChannel: sess.ch.LocalID(), Data: []byte("hello")},
	}))
	data, ok := sess.Read()
	require.True(t, ok)
	assert.Equal(t, "hello", string(data))

	n, err := sess.Write([]byte("world"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestSessionExitStatus(t *testing.T) {
	sess, mgr, _ := openedTestSession(t)

	_, ok := sess.ExitStatus()
	assert.False(t, ok)

	require.NoError(t, mgr.Dispatch(messages.Message{
		Kind: messages.KindChannelRequest,
		ChannelRequest: &messages.ChannelRequestMsg{
			RecipientChannel: sess.ch.LocalID(),
			RequestType:      "exit-status",
			TypeSpecific:     []byte{0, 0, 0, 0},
		},
	}))
	status, ok := sess.ExitStatus()
	require.True(t, ok)
	assert.Equal(t, uint32(0), status)
}
