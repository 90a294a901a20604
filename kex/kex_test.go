package kex

import (
	"crypto/ed25519"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blitter.com/go/sshlib/algorithms"
	"blitter.com/go/sshlib/messages"
	"blitter.com/go/sshlib/sshcrypto"
)

// pairedIO connects a client's RunClientRound to an inline server-side
// responder for one round, without a real socket.
type pairedIO struct {
	respond func(messages.Message) (messages.Message, error)
	last    messages.Message
}

func (p *pairedIO) Send(m messages.Message) error { p.last = m; return nil }
func (p *pairedIO) Recv() (messages.Message, error) {
	return p.respond(p.last)
}

func serverSide(t *testing.T, choice algorithms.Choice, vc, vs string, ic, is []byte) (func(messages.Message) (messages.Message, error), sshcrypto.Signer) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	signer := sshcrypto.NewEd25519Signer(priv)

	return func(clientMsg messages.Message) (messages.Message, error) {
		switch choice.KEX {
		case algorithms.KexCurve25519SHA256:
			serverKP, err := sshcrypto.GenerateX25519()
			require.NoError(t, err)
			qc := clientMsg.KexDHInit.Q
			secret, err := serverKP.SharedSecret(qc)
			require.NoError(t, err)
			qs := serverKP.PublicBytes()
			k := new(big.Int).SetBytes(secret)
			h := computeExchangeHashRaw(sha256New, vc, vs, ic, is, signer.PublicKey().Blob, qc, qs, k)
			sig, err := signer.Sign(h)
			require.NoError(t, err)
			return messages.Message{
				Kind: messages.KindKexDHReply,
				KexDHReply: &messages.KexDHReplyMsg{
					HostKeyBlob: signer.PublicKey().Blob,
					Q:           qs,
					Signature:   sig,
				},
			}, nil
		default:
			t.Fatalf("unsupported test kex %q", choice.KEX)
			return messages.Message{}, nil
		}
	}, signer
}

func TestRunClientRound_Curve25519(t *testing.T) {
	client := NewSession(algorithms.Preferences{
		KEX:            []string{algorithms.KexCurve25519SHA256},
		HostKey:        []string{algorithms.HostKeyEd25519},
		CipherC2S:      []string{algorithms.CipherChaCha20Poly},
		CipherS2C:      []string{algorithms.CipherChaCha20Poly},
		MACC2S:         []string{algorithms.MACHMACSHA2_256},
		MACS2C:         []string{algorithms.MACHMACSHA2_256},
		CompressionC2S: []string{algorithms.CompressionNone},
		CompressionS2C: []string{algorithms.CompressionNone},
	}, AcceptAnyHostKey{}, "SSH-2.0-sshlib_client", "SSH-2.0-sshlib_server")

	oursMsg, err := client.BuildKexInit()
	require.NoError(t, err)
	ic, err := oursMsg.Encode()
	require.NoError(t, err)

	peer := &messages.KexInitMsg{
		KexAlgorithms:           []string{algorithms.KexCurve25519SHA256},
		ServerHostKeyAlgorithms: []string{algorithms.HostKeyEd25519},
		CiphersC2S:              []string{algorithms.CipherChaCha20Poly},
		CiphersS2C:              []string{algorithms.CipherChaCha20Poly},
		MACsC2S:                 []string{algorithms.MACHMACSHA2_256},
		MACsS2C:                 []string{algorithms.MACHMACSHA2_256},
		CompressionC2S:          []string{algorithms.CompressionNone},
		CompressionS2C:          []string{algorithms.CompressionNone},
	}
	is, err := (messages.Message{Kind: messages.KindKexInit, KexInit: peer}).Encode()
	require.NoError(t, err)

	choice, _, err := client.Negotiate(oursMsg.KexInit, peer)
	require.NoError(t, err)
	assert.Equal(t, algorithms.KexCurve25519SHA256, choice.KEX)

	responder, _ := serverSide(t, choice, client.VC, client.VS, ic, is)
	io := &pairedIO{respond: responder}

	result, err := client.RunClientRound(io, "example.com:22", ic, is, oursMsg.KexInit, peer)
	require.NoError(t, err)
	assert.NotEmpty(t, result.H)
	assert.NotEmpty(t, result.SID)
	assert.NotEmpty(t, result.Keys.KeyC2S)
	assert.NotEmpty(t, result.Keys.KeyS2C)
	assert.Nil(t, result.Keys.MACc2s) // AEAD cipher: no separate MAC key
}
