package sshcrypto

import (
	"crypto/rand"
	"math/big"

	"github.com/pkg/errors"

	"blitter.com/go/sshlib/algorithms"
)

// ErrGroupParameterRejected is wrapped when a peer's DH/ECDH public value
// fails the bounds check required to prevent small-subgroup attacks
// (spec.md 4.5, GroupParameterRejected failure mode).
var ErrGroupParameterRejected = errors.New("group parameter rejected")

// DHGroup is a finite-field Diffie-Hellman group (RFC 3526 / RFC 8268).
type DHGroup struct {
	P *big.Int // safe prime
	G *big.Int // generator
}

// dhGroup14 is the 2048-bit MODP group (RFC 3526 section 3), used by
// diffie-hellman-group14-sha256.
var dhGroup14 = mustGroup(
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF",
	2,
)

func mustGroup(pHex string, g int64) DHGroup {
	p, ok := new(big.Int).SetString(pHex, 16)
	if !ok {
		panic("bad DH group prime literal")
	}
	return DHGroup{P: p, G: big.NewInt(g)}
}

// GroupFor returns the negotiated finite-field group for the named KEX
// algorithm. diffie-hellman-group16-sha512 is deliberately absent: its
// 4096-bit RFC 3526 group-16 prime cannot be hand-transcribed here with
// any way to verify the transcription short of a toolchain run, and a
// silently wrong "safe prime" breaks every handshake that negotiates it
// (see DESIGN.md). algorithms.Default() does not advertise it either.
func GroupFor(kexName string) (DHGroup, bool) {
	switch kexName {
	case algorithms.KexDHGroup14SHA256:
		return dhGroup14, true
	default:
		return DHGroup{}, false
	}
}

// DHKeyPair is one side's ephemeral DH exponent/public-value pair.
type DHKeyPair struct {
	X *big.Int // private exponent
	E *big.Int // public value g^x mod p
}

// GenerateDH creates a fresh ephemeral keypair for group.
func GenerateDH(group DHGroup) (DHKeyPair, error) {
	// x in [1, p-2], per RFC 4253 8: a value with ~2*n bits of entropy
	// is sufficient; we draw a full-width exponent for simplicity.
	max := new(big.Int).Sub(group.P, big.NewInt(2))
	x, err := rand.Int(rand.Reader, max)
	if err != nil {
		return DHKeyPair{}, errors.Wrap(err, "dh keygen")
	}
	x.Add(x, big.NewInt(1))
	e := new(big.Int).Exp(group.G, x, group.P)
	return DHKeyPair{X: x, E: e}, nil
}

// ValidatePublicValue rejects peer DH public values per spec.md 4.5:
// e must satisfy 1 < e < p-1 to avoid small-subgroup / degenerate shared
// secrets.
func ValidatePublicValue(group DHGroup, e *big.Int) error {
	one := big.NewInt(1)
	pMinus1 := new(big.Int).Sub(group.P, one)
	if e.Cmp(one) <= 0 || e.Cmp(pMinus1) >= 0 {
		return errors.Wrapf(ErrGroupParameterRejected, "public value out of range")
	}
	return nil
}

// SharedSecret computes f^x mod p (or e^y mod p from the other side),
// the DH shared secret K, after validating the peer's public value.
func SharedSecret(group DHGroup, ourPrivate *big.Int, peerPublic *big.Int) (*big.Int, error) {
	if err := ValidatePublicValue(group, peerPublic); err != nil {
		return nil, err
	}
	return new(big.Int).Exp(peerPublic, ourPrivate, group.P), nil
}

// GexRange is the client-proposed (min, n, max) bit-length range for
// diffie-hellman-group-exchange-sha256 (RFC 4419).
type GexRange struct {
	Min, N, Max int
}

// DefaultGexRange is a reasonable default proposal: prefer a 3072-bit
// group, accept anywhere from 2048 to 8192 bits.
var DefaultGexRange = GexRange{Min: 2048, N: 3072, Max: 8192}
