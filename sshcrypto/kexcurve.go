package sshcrypto

import (
	"crypto/ecdh"
	"crypto/rand"

	"github.com/pkg/errors"
	"golang.org/x/crypto/curve25519"

	"blitter.com/go/sshlib/algorithms"
)

// ECDHKeyPair is an ephemeral elliptic-curve keypair for ecdh-sha2-nistp*.
type ECDHKeyPair struct {
	curve ecdh.Curve
	priv  *ecdh.PrivateKey
}

// curveFor maps a KEX algorithm name to its NIST curve, per spec.md 4.3.
func curveFor(kexName string) (ecdh.Curve, bool) {
	switch kexName {
	case algorithms.KexECDHSHA2NistP256:
		return ecdh.P256(), true
	case algorithms.KexECDHSHA2NistP384:
		return ecdh.P384(), true
	case algorithms.KexECDHSHA2NistP521:
		return ecdh.P521(), true
	default:
		return nil, false
	}
}

// GenerateECDH creates a fresh ephemeral keypair on the curve named by
// kexName.
func GenerateECDH(kexName string) (*ECDHKeyPair, error) {
	curve, ok := curveFor(kexName)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownAlgorithm, "ecdh kex %q", kexName)
	}
	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "ecdh keygen")
	}
	return &ECDHKeyPair{curve: curve, priv: priv}, nil
}

// PublicBytes returns the uncompressed point Q, wire-ready for the KEX
// exchange message's e/f field.
func (kp *ECDHKeyPair) PublicBytes() []byte {
	return kp.priv.PublicKey().Bytes()
}

// SharedSecret computes the ECDH shared secret with a peer's public point,
// rejecting degenerate points per spec.md 4.5's GroupParameterRejected
// failure mode (crypto/ecdh already refuses the identity and
// off-curve/low-order points for the NIST curves).
func (kp *ECDHKeyPair) SharedSecret(peerPublic []byte) ([]byte, error) {
	peer, err := kp.curve.NewPublicKey(peerPublic)
	if err != nil {
		return nil, errors.Wrapf(ErrGroupParameterRejected, "ecdh peer point: %v", err)
	}
	secret, err := kp.priv.ECDH(peer)
	if err != nil {
		return nil, errors.Wrapf(ErrGroupParameterRejected, "ecdh shared secret: %v", err)
	}
	return secret, nil
}

// X25519KeyPair is an ephemeral Curve25519 keypair for curve25519-sha256
// (RFC 8731 / the libssh.org predecessor name).
type X25519KeyPair struct {
	priv [32]byte
	pub  [32]byte
}

// GenerateX25519 draws a fresh ephemeral Curve25519 keypair.
func GenerateX25519() (*X25519KeyPair, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, errors.Wrap(err, "x25519 keygen")
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, errors.Wrap(err, "x25519 base-point multiply")
	}
	var kp X25519KeyPair
	kp.priv = priv
	copy(kp.pub[:], pub)
	return &kp, nil
}

// PublicBytes returns the 32-byte Curve25519 public value Q_C/Q_S.
func (kp *X25519KeyPair) PublicBytes() []byte {
	out := make([]byte, 32)
	copy(out, kp.pub[:])
	return out
}

// lowOrderX25519Points lists three low-order public values (zero, one and
// one order-8 point). A peer offering one of these is rejected before the
// multiply runs. Other low-order encodings are not in this list; for
// them curve25519.X25519 returns an error when the shared output is all
// zero.
var lowOrderX25519Points = [][32]byte{
	{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0xe0, 0xeb, 0x7a, 0x7c, 0x3b, 0x41, 0xb8, 0xae, 0x16, 0x56, 0xe3, 0xfa, 0xf1, 0x9f, 0xc4, 0x6a, 0xda, 0x09, 0x8d, 0xeb, 0x9c, 0x32, 0xb1, 0xfd, 0x86, 0x62, 0x05, 0x16, 0x5f, 0x49, 0xb8, 0x00},
}

// SharedSecret computes the Curve25519 shared secret with a peer's 32-byte
// public value, rejecting the published low-order points per spec.md 4.5.
func (kp *X25519KeyPair) SharedSecret(peerPublic []byte) ([]byte, error) {
	if len(peerPublic) != 32 {
		return nil, errors.Wrapf(ErrGroupParameterRejected, "x25519 public value length %d", len(peerPublic))
	}
	for _, bad := range lowOrderX25519Points {
		if constantTimeEqual(peerPublic, bad[:]) {
			return nil, errors.Wrap(ErrGroupParameterRejected, "x25519 low-order public value")
		}
	}
	secret, err := curve25519.X25519(kp.priv[:], peerPublic)
	if err != nil {
		return nil, errors.Wrapf(ErrGroupParameterRejected, "x25519 multiply: %v", err)
	}
	return secret, nil
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
