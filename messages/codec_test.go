package messages

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blitter.com/go/sshlib/wire"
)

func rawBufferForTest() *wire.Buffer { return wire.NewBuffer() }

func encodeStringForTest(s string) []byte {
	b := wire.NewBuffer()
	b.WriteStringS(s)
	return b.Bytes()
}

func TestKexInitRoundTrip(t *testing.T) {
	cookie, err := NewKexInitCookie()
	require.NoError(t, err)

	msg := Message{
		Kind: KindKexInit,
		KexInit: &KexInitMsg{
			Cookie:                  cookie,
			KexAlgorithms:           []string{"curve25519-sha256"},
			ServerHostKeyAlgorithms: []string{"ssh-ed25519"},
			CiphersC2S:              []string{"chacha20-poly1305@openssh.com"},
			CiphersS2C:              []string{"chacha20-poly1305@openssh.com"},
			MACsC2S:                 []string{"hmac-sha2-256"},
			MACsS2C:                 []string{"hmac-sha2-256"},
			CompressionC2S:          []string{"none"},
			CompressionS2C:          []string{"none"},
			LanguagesC2S:            []string{},
			LanguagesS2C:            []string{},
			FirstKexPacketFollows:   false,
		},
	}
	b, err := msg.Encode()
	require.NoError(t, err)
	assert.Equal(t, byte(KindKexInit), b[0])

	got, err := Decode(b)
	require.NoError(t, err)
	require.NotNil(t, got.KexInit)
	assert.Equal(t, msg.KexInit.Cookie, got.KexInit.Cookie)
	assert.Equal(t, msg.KexInit.KexAlgorithms, got.KexInit.KexAlgorithms)
	assert.Equal(t, msg.KexInit.CiphersC2S, got.KexInit.CiphersC2S)
	assert.False(t, got.KexInit.FirstKexPacketFollows)
}

func TestKexDHInitRoundTrip(t *testing.T) {
	msg := Message{Kind: KindKexDHInit, KexDHInit: &KexDHInitMsg{E: big.NewInt(123456789)}}
	b, err := msg.Encode()
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	require.NotNil(t, got.KexDHInit)
	assert.Equal(t, 0, msg.KexDHInit.E.Cmp(got.KexDHInit.E))
}

// TestKexECDHInitRoundTrip_PreservesHighBitByte guards against encoding
// an EC/X25519 public value as an mpint: a raw point whose first byte has
// the high bit set must come back byte-for-byte, not gain a leading 0x00
// the way a two's-complement integer would.
func TestKexECDHInitRoundTrip_PreservesHighBitByte(t *testing.T) {
	q := append([]byte{0xFF}, make([]byte, 31)...)
	msg := Message{Kind: KindKexDHInit, KexDHInit: &KexDHInitMsg{Q: q}}
	b, err := msg.Encode()
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	require.NotNil(t, got.KexDHInit)
	assert.Equal(t, q, got.KexDHInit.Q)
	assert.Len(t, got.KexDHInit.Q, 32)
}

// TestKexECDHReplyRoundTrip_PreservesLeadingZeroByte guards the decode
// side: a legitimate Q_S that happens to start with 0x00 must not be
// shortened by going through big.Int normalization.
func TestKexECDHReplyRoundTrip_PreservesLeadingZeroByte(t *testing.T) {
	qs := append([]byte{0x00}, bytes.Repeat([]byte{0x42}, 31)...)
	b, err := encodeServerOnlyForTest(Message{Kind: KindKexDHReply, KexDHReply: &KexDHReplyMsg{
		HostKeyBlob: []byte("hostkey"), Q: qs, Signature: []byte("sig"),
	}})
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	require.NotNil(t, got.KexDHReply)
	assert.Equal(t, qs, got.KexDHReply.Q)
	assert.Len(t, got.KexDHReply.Q, 32)
}

// S3 Auth failure message scenario from spec.md 8.
func TestUserauthFailureDecode_S3(t *testing.T) {
	msg := Message{
		Kind: KindUserauthFailure,
		UserauthFailure: &UserauthFailureMsg{
			AllowedAuthentications: []string{"publickey", "password"},
			PartialSuccess:         true,
		},
	}
	// UserauthFailure is server-only: construct the wire bytes directly to
	// decode, mirroring what a real server would send.
	b, err := encodeServerOnlyForTest(msg)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	require.NotNil(t, got.UserauthFailure)
	assert.Equal(t, []string{"publickey", "password"}, got.UserauthFailure.AllowedAuthentications)
	assert.True(t, got.UserauthFailure.PartialSuccess)
}

func TestEncodeRejectsServerOnlyKind(t *testing.T) {
	msg := Message{Kind: KindUserauthSuccess, UserauthSuccess: &UserauthSuccessMsg{}}
	_, err := msg.Encode()
	assert.ErrorIs(t, err, ErrServerOnly)
}

func TestChannelDataRoundTrip(t *testing.T) {
	msg := Message{Kind: KindChannelData, ChannelData: &ChannelDataMsg{RecipientChannel: 7, Data: []byte("hello")}}
	b, err := msg.Encode()
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	require.NotNil(t, got.ChannelData)
	assert.Equal(t, uint32(7), got.ChannelData.RecipientChannel)
	assert.Equal(t, []byte("hello"), got.ChannelData.Data)
}

func TestChannelRequestRoundTrip(t *testing.T) {
	msg := Message{Kind: KindChannelRequest, ChannelRequest: &ChannelRequestMsg{
		RecipientChannel: 3,
		RequestType:      "exec",
		WantReply:        true,
		TypeSpecific:     encodeStringForTest("ls -la"),
	}}
	b, err := msg.Encode()
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	require.NotNil(t, got.ChannelRequest)
	assert.Equal(t, "exec", got.ChannelRequest.RequestType)
	assert.True(t, got.ChannelRequest.WantReply)
}

func TestGlobalRequestRoundTrip(t *testing.T) {
	msg := Message{Kind: KindGlobalRequest, GlobalRequest: &GlobalRequestMsg{
		RequestName: "keepalive@openssh.com",
		WantReply:   true,
	}}
	b, err := msg.Encode()
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	require.NotNil(t, got.GlobalRequest)
	assert.Equal(t, "keepalive@openssh.com", got.GlobalRequest.RequestName)
	assert.True(t, got.GlobalRequest.WantReply)
	assert.Empty(t, got.GlobalRequest.TypeSpecific)
}

func TestRequestFailureDecode(t *testing.T) {
	b := []byte{byte(KindRequestFailure)}
	got, err := Decode(b)
	require.NoError(t, err)
	require.NotNil(t, got.RequestFailure)
}

func TestEncodeRejectsRequestSuccess(t *testing.T) {
	msg := Message{Kind: KindRequestSuccess, RequestSuccess: &RequestSuccessMsg{}}
	_, err := msg.Encode()
	assert.ErrorIs(t, err, ErrServerOnly)
}

// encodeServerOnlyForTest builds wire bytes for a server-only kind without
// going through (Message).Encode, which refuses those kinds by design.
func encodeServerOnlyForTest(m Message) ([]byte, error) {
	switch m.Kind {
	case KindUserauthFailure:
		w := rawBufferForTest()
		w.WriteByte(byte(KindUserauthFailure))
		w.WriteNameList(m.UserauthFailure.AllowedAuthentications)
		w.WriteBool(m.UserauthFailure.PartialSuccess)
		return w.Bytes(), nil
	case KindKexDHReply:
		w := rawBufferForTest()
		w.WriteByte(byte(KindKexDHReply))
		w.WriteString(m.KexDHReply.HostKeyBlob)
		w.WriteString(m.KexDHReply.Q)
		w.WriteString(m.KexDHReply.Signature)
		return w.Bytes(), nil
	default:
		panic("unsupported in test helper")
	}
}
