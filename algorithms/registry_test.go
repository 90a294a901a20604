package algorithms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// S2 KEXINIT negotiation scenario from spec.md 8.
func TestNegotiate_S2(t *testing.T) {
	client := Preferences{KEX: []string{"curve25519-sha256", "diffie-hellman-group14-sha256"}}
	server := Preferences{KEX: []string{"diffie-hellman-group14-sha256", "curve25519-sha256"}}

	got, err := pick(CategoryKEX, client.KEX, server.KEX)
	require.NoError(t, err)
	assert.Equal(t, "curve25519-sha256", got)
}

func TestNegotiate_NoOverlapFails(t *testing.T) {
	client := Preferences{KEX: []string{"a", "b"}}
	server := Preferences{KEX: []string{"c", "d"}}
	_, err := pick(CategoryKEX, client.KEX, server.KEX)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoOverlap)
}

func TestNegotiateFull(t *testing.T) {
	c := Default()
	s := Default()
	choice, err := Negotiate(c, s)
	require.NoError(t, err)
	assert.Equal(t, KexCurve25519SHA256, choice.KEX)
	assert.Equal(t, HostKeyEd25519, choice.HostKey)
	assert.Equal(t, CipherChaCha20Poly, choice.CipherC2S)
}

func TestNegotiateDirectionsIndependent(t *testing.T) {
	c := Default()
	s := Default()
	// server only accepts aes256-ctr for s2c, but anything for c2s
	s.CipherS2C = []string{CipherAES256CTR}
	choice, err := Negotiate(c, s)
	require.NoError(t, err)
	assert.Equal(t, CipherAES256CTR, choice.CipherS2C)
	assert.Equal(t, CipherChaCha20Poly, choice.CipherC2S)
}

// Property test for invariant 3 in spec.md 8: for all client/server lists
// the chosen name is "first c in C with c in S"; absent that, failure.
func TestNegotiate_PropertyFirstMatchWins(t *testing.T) {
	tests := []struct {
		client, server []string
		want           string
		wantErr        bool
	}{
		{[]string{"x", "y", "z"}, []string{"z", "y"}, "y", false},
		{[]string{"x"}, []string{"x"}, "x", false},
		{[]string{"x", "y"}, []string{"y"}, "y", false},
		{[]string{}, []string{"y"}, "", true},
		{[]string{"x"}, []string{}, "", true},
	}
	for _, tt := range tests {
		got, err := pick(CategoryKEX, tt.client, tt.server)
		if tt.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestIsAEADandETM(t *testing.T) {
	assert.True(t, IsAEAD(CipherChaCha20Poly))
	assert.True(t, IsAEAD(CipherAES256GCM))
	assert.False(t, IsAEAD(CipherAES256CTR))
	assert.True(t, IsETM(MACHMACSHA2_256ETM))
	assert.False(t, IsETM(MACHMACSHA2_256))
}
