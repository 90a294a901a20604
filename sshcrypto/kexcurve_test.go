package sshcrypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blitter.com/go/sshlib/algorithms"
)

func TestX25519RoundTrip(t *testing.T) {
	client, err := GenerateX25519()
	require.NoError(t, err)
	server, err := GenerateX25519()
	require.NoError(t, err)

	secretC, err := client.SharedSecret(server.PublicBytes())
	require.NoError(t, err)
	secretS, err := server.SharedSecret(client.PublicBytes())
	require.NoError(t, err)
	assert.Equal(t, secretC, secretS)
}

func TestX25519RejectsLowOrderPoint(t *testing.T) {
	client, err := GenerateX25519()
	require.NoError(t, err)
	_, err = client.SharedSecret(make([]byte, 32))
	assert.ErrorIs(t, err, ErrGroupParameterRejected)
}

func TestECDHRoundTrip(t *testing.T) {
	for _, name := range []string{
		algorithms.KexECDHSHA2NistP256,
		algorithms.KexECDHSHA2NistP384,
		algorithms.KexECDHSHA2NistP521,
	} {
		client, err := GenerateECDH(name)
		require.NoError(t, err)
		server, err := GenerateECDH(name)
		require.NoError(t, err)

		secretC, err := client.SharedSecret(server.PublicBytes())
		require.NoError(t, err)
		secretS, err := server.SharedSecret(client.PublicBytes())
		require.NoError(t, err)
		assert.Equal(t, secretC, secretS, name)
	}
}

func TestECDHRejectsUnknownName(t *testing.T) {
	_, err := GenerateECDH("not-a-curve")
	assert.Error(t, err)
}
