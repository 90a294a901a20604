// Package kex runs one key-exchange round (initial or rekey): the
// KEXINIT algorithm negotiation, the DH/ECDH/Curve25519 message
// exchange, exchange-hash computation, host-key verification, and the
// RFC 4253 section 7.2 six-key derivation.
//
// Copyright (c) 2017-2024 Russell Magee
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
package kex

import (
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"math/big"

	"github.com/pkg/errors"

	"blitter.com/go/sshlib/algorithms"
	"blitter.com/go/sshlib/messages"
	"blitter.com/go/sshlib/sshcrypto"
	"blitter.com/go/sshlib/wire"
)

// ErrHostKeyRejected is wrapped when the configured host-key policy
// refuses a server's offered key.
var ErrHostKeyRejected = errors.New("host key rejected by policy")

// HostKeyPolicy decides whether to accept a server's host key for a given
// endpoint. Implementations may consult a known_hosts-style store,
// trust-on-first-use cache, or fixed pinned key; persistence is an
// external collaborator's concern, not this package's.
type HostKeyPolicy interface {
	Accept(endpoint string, pub sshcrypto.PublicKey) error
}

// AcceptAnyHostKey is a policy that accepts every host key. Useful for
// tests; callers wanting real security must supply a verifying policy.
type AcceptAnyHostKey struct{}

func (AcceptAnyHostKey) Accept(string, sshcrypto.PublicKey) error { return nil }

// Result is everything a completed KEX round hands to the transport and
// BPP layers: the negotiated algorithms, the derived key material for
// both directions, and the session identifier (fixed by the first round).
type Result struct {
	Choice algorithms.Choice
	Keys   KeyMaterial
	H      []byte // this round's exchange hash
	SID    []byte // session identifier; equals the first round's H
}

// KeyMaterial holds the six derived blocks for one completed KEX round,
// per spec.md 3 (KeyMaterial) / RFC 4253 7.2.
type KeyMaterial struct {
	IVc2s, IVs2c   []byte
	KeyC2S, KeyS2C []byte
	MACc2s, MACs2c []byte
}

// Session drives one KEX round at a time (initial or rekey). It is
// stateless between rounds except for SID, which is fixed by the first
// round and threaded into every subsequent exchange hash.
type Session struct {
	Prefs  algorithms.Preferences
	Policy HostKeyPolicy

	// VC/VS are the exact version-exchange strings (without CR/LF),
	// fixed for the life of the transport and reused as V_C/V_S in every
	// round's exchange hash.
	VC, VS string

	sid []byte
}

// NewSession builds a KEX driver for one transport connection.
func NewSession(prefs algorithms.Preferences, policy HostKeyPolicy, vc, vs string) *Session {
	return &Session{Prefs: prefs, Policy: policy, VC: vc, VS: vs}
}

// BuildKexInit constructs this side's KEXINIT message (cookie +
// preference lists), per spec.md 4.5 step 1. The caller is responsible
// for capturing the exact encoded bytes (I_C) before transmission, since
// the exchange hash needs the wire-exact payload, not a round-tripped
// reconstruction.
func (s *Session) BuildKexInit() (messages.Message, error) {
	cookie, err := messages.NewKexInitCookie()
	if err != nil {
		return messages.Message{}, errors.Wrap(err, "kexinit cookie")
	}
	return messages.Message{
		Kind: messages.KindKexInit,
		KexInit: &messages.KexInitMsg{
			Cookie:                  cookie,
			KexAlgorithms:           s.Prefs.KEX,
			ServerHostKeyAlgorithms: s.Prefs.HostKey,
			CiphersC2S:              s.Prefs.CipherC2S,
			CiphersS2C:              s.Prefs.CipherS2C,
			MACsC2S:                 s.Prefs.MACC2S,
			MACsS2C:                 s.Prefs.MACS2C,
			CompressionC2S:          s.Prefs.CompressionC2S,
			CompressionS2C:          s.Prefs.CompressionS2C,
			LanguagesC2S:            []string{},
			LanguagesS2C:            []string{},
			FirstKexPacketFollows:   false,
		},
	}, nil
}

// Negotiate resolves the algorithm choice for this round from our own
// KEXINIT and the peer's, per spec.md 4.2/4.5 step 2 (first-kex-packet-
// follows optimism: if the peer guessed a KEX algorithm we did not end up
// choosing, the caller must discard the peer's first KEX-specific
// message).
func (s *Session) Negotiate(ours, peer *messages.KexInitMsg) (algorithms.Choice, bool, error) {
	peerPrefs := algorithms.Preferences{
		KEX: peer.KexAlgorithms, HostKey: peer.ServerHostKeyAlgorithms,
		CipherC2S: peer.CiphersC2S, CipherS2C: peer.CiphersS2C,
		MACC2S: peer.MACsC2S, MACS2C: peer.MACsS2C,
		CompressionC2S: peer.CompressionC2S, CompressionS2C: peer.CompressionS2C,
	}
	choice, err := algorithms.Negotiate(s.Prefs, peerPrefs)
	if err != nil {
		return choice, false, err
	}
	guessedWrong := peer.FirstKexPacketFollows && (len(peer.KexAlgorithms) == 0 || peer.KexAlgorithms[0] != choice.KEX)
	return choice, guessedWrong, nil
}

func hashFor(kexName string) (func() hash.Hash, error) {
	switch kexName {
	case algorithms.KexDHGroup16SHA512:
		return sha512.New, nil
	default:
		return sha256.New, nil
	}
}

// exchangeHashInputs are the common fields every KEX method folds into
// H = hash(V_C || V_S || I_C || I_S || K_S || e || f || K), per spec.md
// 4.5 step 3. Method-specific extensions (e.g. group-exchange's
// min/n/max/p/g) are appended by the caller before E/F.
type exchangeHashInputs struct {
	VC, VS     string
	IC, IS     []byte
	HostKeyBlob []byte
	E, F       *big.Int
	K          *big.Int
}

func computeExchangeHash(newHash func() hash.Hash, in exchangeHashInputs, extra []byte) []byte {
	w := wire.NewBuffer()
	w.WriteStringS(in.VC)
	w.WriteStringS(in.VS)
	w.WriteString(in.IC)
	w.WriteString(in.IS)
	w.WriteString(in.HostKeyBlob)
	if extra != nil {
		w.WriteRaw(extra)
	}
	w.WriteMPInt(in.E)
	w.WriteMPInt(in.F)
	w.WriteMPInt(in.K)
	h := newHash()
	h.Write(w.Bytes())
	return h.Sum(nil)
}

// computeExchangeHashRaw is the ECDH/Curve25519 variant, whose E/F fields
// are opaque point encodings rather than mpints (RFC 5656 7.1 / RFC 8731).
func computeExchangeHashRaw(newHash func() hash.Hash, vc, vs string, ic, is, hostKeyBlob, e, f []byte, k *big.Int) []byte {
	w := wire.NewBuffer()
	w.WriteStringS(vc)
	w.WriteStringS(vs)
	w.WriteString(ic)
	w.WriteString(is)
	w.WriteString(hostKeyBlob)
	w.WriteString(e)
	w.WriteString(f)
	w.WriteMPInt(k)
	h := newHash()
	h.Write(w.Bytes())
	return h.Sum(nil)
}

// deriveKey implements RFC 4253 7.2: K1 = HASH(K || H || letter || SID),
// extended as K2 = HASH(K || H || K1), K3 = HASH(K || H || K1 || K2), ...
// until at least needLen bytes are available.
func deriveKey(newHash func() hash.Hash, k *big.Int, h []byte, letter byte, sid []byte, needLen int) []byte {
	kBuf := wire.NewBuffer()
	kBuf.WriteMPInt(k)
	kEnc := kBuf.Bytes()

	mix := func(extra []byte) []byte {
		hh := newHash()
		hh.Write(kEnc)
		hh.Write(h)
		hh.Write(extra)
		return hh.Sum(nil)
	}

	out := mix(append([]byte{letter}, sid...))
	for len(out) < needLen {
		out = append(out, mix(out)...)
	}
	return out[:needLen]
}

// DeriveKeys computes the six key-material blocks for a completed round.
// sid is the session identifier (equal to h on the very first round).
func DeriveKeys(kexName string, k *big.Int, h, sid []byte, choice algorithms.Choice) KeyMaterial {
	newHash, _ := hashFor(kexName)
	ivLen := ivLenFor(choice.CipherC2S)
	ivLenS2C := ivLenFor(choice.CipherS2C)
	keyLen := keyLenFor(choice.CipherC2S)
	keyLenS2C := keyLenFor(choice.CipherS2C)
	macLen := macLenFor(choice.MACC2S)
	macLenS2C := macLenFor(choice.MACS2C)

	keys := KeyMaterial{
		IVc2s:  deriveKey(newHash, k, h, 'A', sid, ivLen),
		IVs2c:  deriveKey(newHash, k, h, 'B', sid, ivLenS2C),
		KeyC2S: deriveKey(newHash, k, h, 'C', sid, keyLen),
		KeyS2C: deriveKey(newHash, k, h, 'D', sid, keyLenS2C),
	}
	// AEAD ciphers (aes-gcm, chacha20-poly1305@openssh.com) authenticate
	// via the cipher itself; no separate MAC key material is derived for
	// that direction, per spec.md 4.3's cipher/MAC decoupling.
	if !algorithms.IsAEAD(choice.CipherC2S) {
		keys.MACc2s = deriveKey(newHash, k, h, 'E', sid, macLen)
	}
	if !algorithms.IsAEAD(choice.CipherS2C) {
		keys.MACs2c = deriveKey(newHash, k, h, 'F', sid, macLenS2C)
	}
	return keys
}

func ivLenFor(cipher string) int {
	if spec, ok := sshcrypto.Ciphers[cipher]; ok {
		return spec.IVLen
	}
	return 0
}

func keyLenFor(cipher string) int {
	if spec, ok := sshcrypto.Ciphers[cipher]; ok {
		return spec.KeyLen
	}
	return 0
}

func macLenFor(mac string) int {
	if spec, ok := sshcrypto.MACs[mac]; ok {
		return spec.KeyLen
	}
	return 0
}
