package transport

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blitter.com/go/sshlib/algorithms"
	"blitter.com/go/sshlib/sshcrypto"
	"blitter.com/go/sshlib/xerrors"
)

func randBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

// pairedKeys builds a send-side/recv-side DirectionKeys pair sharing the
// same key material, mirroring how the two ends of a real connection
// derive identical keys from the same KEX result.
func pairedKeys(t *testing.T, cipherName, macName string) (send, recv *DirectionKeys) {
	t.Helper()
	spec, ok := sshcrypto.Ciphers[cipherName]
	require.True(t, ok)
	key := randBytes(t, spec.KeyLen)
	iv := randBytes(t, spec.IVLen)
	var macKey []byte
	if macName != "" {
		macKey = randBytes(t, sshcrypto.MACs[macName].KeyLen)
	}
	send, err := NewDirectionKeys(cipherName, macName, key, iv, macKey, true)
	require.NoError(t, err)
	recv, err = NewDirectionKeys(cipherName, macName, key, iv, macKey, false)
	require.NoError(t, err)
	return send, recv
}

// TestFramingRoundTrip_AllModes covers invariant 1 (BPP framing round trip)
// across a stream cipher with a generic MAC, a CBC cipher, an
// encrypt-then-MAC cipher, an AEAD cipher, and chacha20-poly1305@openssh.com.
// The plaintext mode used before the first NEWKEYS is covered by
// TestFramingRoundTrip_Plaintext.
func TestFramingRoundTrip_AllModes(t *testing.T) {
	cases := []struct {
		name   string
		cipher string
		mac    string
	}{
		{"ctr+hmac-sha2-256", algorithms.CipherAES128CTR, algorithms.MACHMACSHA2_256},
		{"cbc+hmac-sha2-256", algorithms.CipherAES128CBC, algorithms.MACHMACSHA2_256},
		{"ctr+hmac-sha2-256-etm", algorithms.CipherAES128CTR, algorithms.MACHMACSHA2_256ETM},
		{"aes128-gcm", algorithms.CipherAES128GCM, ""},
		{"chacha20-poly1305", algorithms.CipherChaCha20Poly, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			send, recv := pairedKeys(t, tc.cipher, tc.mac)
			payload := []byte("SSH_MSG_CHANNEL_DATA and then some")

			pkt, err := EncodePacket(send, payload)
			require.NoError(t, err)

			got, err := DecodePacket(bytes.NewReader(pkt), recv)
			require.NoError(t, err)
			assert.Equal(t, payload, got)
		})
	}
}

func TestFramingRoundTrip_Plaintext(t *testing.T) {
	send := NewPlaintextDirectionKeys()
	recv := NewPlaintextDirectionKeys()
	payload := []byte("SSH_MSG_KEXINIT body")

	pkt, err := EncodePacket(send, payload)
	require.NoError(t, err)

	got, err := DecodePacket(bytes.NewReader(pkt), recv)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFramingRoundTrip_SequenceNumbersAdvance(t *testing.T) {
	send, recv := pairedKeys(t, algorithms.CipherAES128CTR, algorithms.MACHMACSHA2_256)

	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		pkt, err := EncodePacket(send, []byte("msg"))
		require.NoError(t, err)
		buf.Write(pkt)
	}
	assert.Equal(t, uint32(3), send.Seq)

	for i := 0; i < 3; i++ {
		got, err := DecodePacket(&buf, recv)
		require.NoError(t, err)
		assert.Equal(t, []byte("msg"), got)
	}
	assert.Equal(t, uint32(3), recv.Seq)
}

// TestMACTamperRejected covers S6: a flipped byte (the packet's last byte,
// inside the MAC tag) must fail the MAC check on decode for both generic
// MAC-then-encrypt and EtM modes,
// rather than silently returning corrupted data.
func TestMACTamperRejected(t *testing.T) {
	cases := []struct {
		name string
		mac  string
	}{
		{"mac-then-encrypt", algorithms.MACHMACSHA2_256},
		{"encrypt-then-mac", algorithms.MACHMACSHA2_256ETM},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			send, recv := pairedKeys(t, algorithms.CipherAES128CTR, tc.mac)

			pkt, err := EncodePacket(send, []byte("trust me"))
			require.NoError(t, err)

			tampered := append([]byte(nil), pkt...)
			tampered[len(tampered)-1] ^= 0xFF

			_, err = DecodePacket(bytes.NewReader(tampered), recv)
			require.Error(t, err)
			assert.True(t, xerrors.Is(err, xerrors.Transport))
		})
	}
}

func TestAEADTamperRejected(t *testing.T) {
	send, recv := pairedKeys(t, algorithms.CipherAES128GCM, "")

	pkt, err := EncodePacket(send, []byte("trust me"))
	require.NoError(t, err)

	tampered := append([]byte(nil), pkt...)
	tampered[len(tampered)-1] ^= 0xFF

	_, err = DecodePacket(bytes.NewReader(tampered), recv)
	assert.Error(t, err)
}

func TestOversizePacketLengthRejected(t *testing.T) {
	_, recv := pairedKeys(t, algorithms.CipherAES128GCM, "")

	var lenBytes [4]byte
	lenBytes[0] = 0xFF // far beyond MaxPacketLength
	_, err := DecodePacket(bytes.NewReader(lenBytes[:]), recv)
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, xerrors.Transport))
}

func TestPaddingLengthMinimumFour(t *testing.T) {
	for payloadLen := 0; payloadLen < 64; payloadLen++ {
		p := paddingLength(payloadLen, 16)
		assert.GreaterOrEqual(t, p, 4)
		assert.Equal(t, 0, (5+payloadLen+p)%16)
	}
}
