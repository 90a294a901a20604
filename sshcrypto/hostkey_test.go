package sshcrypto

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blitter.com/go/sshlib/wire"
)

func TestEd25519SignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	signer := NewEd25519Signer(priv)

	message := []byte("exchange hash H")
	sig, err := signer.Sign(message)
	require.NoError(t, err)

	require.NoError(t, Verify(signer.PublicKey(), message, sig))

	_ = pub
}

func TestEd25519VerifyRejectsTamperedMessage(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	signer := NewEd25519Signer(priv)

	sig, err := signer.Sign([]byte("original"))
	require.NoError(t, err)

	err = Verify(signer.PublicKey(), []byte("tampered"), sig)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerifyRejectsUnknownAlgorithm(t *testing.T) {
	sig := wire.NewBuffer()
	sig.WriteStringS("not-an-algorithm")
	sig.WriteString([]byte("junk"))
	err := Verify(PublicKey{Algo: "not-an-algorithm"}, []byte("msg"), sig.Bytes())
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)
}
