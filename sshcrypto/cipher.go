// Package sshcrypto is the uniform facade onto the cryptographic
// primitives the transport and key-exchange layers need: symmetric
// ciphers (stream/CBC/CTR/AEAD), MACs, hashes, KEX groups and curves, and
// host-key signature verification. Callers above this package never touch
// a concrete cipher.Block or elliptic.Curve directly.
//
// Copyright (c) 2017-2024 Russell Magee
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
package sshcrypto

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blowfish"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/twofish"

	"blitter.com/go/sshlib/algorithms"
)

// ErrUnknownAlgorithm is wrapped when a cipher/MAC/hash name has no
// implementation in this facade (should be unreachable once an algorithm
// has survived negotiation, per spec.md's Crypto error kind).
var ErrUnknownAlgorithm = errors.New("unknown or unsupported algorithm")

// CipherSpec describes the key/iv/tag geometry and AEAD-ness of a named
// symmetric cipher, independent of the underlying Go primitive.
type CipherSpec struct {
	Name     string
	KeyLen   int
	IVLen    int
	BlockLen int // cipher block size; 1 for stream ciphers treated as CTR/OFB
	AEAD     bool
	TagLen   int // nonzero only when AEAD
	ETMOnly  bool
}

// Ciphers enumerates the geometry of every cipher name this module
// supports, keyed by the RFC 4253 / OpenSSH algorithm name.
var Ciphers = map[string]CipherSpec{
	algorithms.CipherAES128CTR:     {Name: algorithms.CipherAES128CTR, KeyLen: 16, IVLen: aes.BlockSize, BlockLen: aes.BlockSize},
	algorithms.CipherAES192CTR:     {Name: algorithms.CipherAES192CTR, KeyLen: 24, IVLen: aes.BlockSize, BlockLen: aes.BlockSize},
	algorithms.CipherAES256CTR:     {Name: algorithms.CipherAES256CTR, KeyLen: 32, IVLen: aes.BlockSize, BlockLen: aes.BlockSize},
	algorithms.CipherAES128CBC:     {Name: algorithms.CipherAES128CBC, KeyLen: 16, IVLen: aes.BlockSize, BlockLen: aes.BlockSize},
	algorithms.CipherAES256CBC:     {Name: algorithms.CipherAES256CBC, KeyLen: 32, IVLen: aes.BlockSize, BlockLen: aes.BlockSize},
	algorithms.CipherBlowfishCBC:   {Name: algorithms.CipherBlowfishCBC, KeyLen: 16, IVLen: blowfish.BlockSize, BlockLen: blowfish.BlockSize},
	algorithms.CipherTwofish256CBC: {Name: algorithms.CipherTwofish256CBC, KeyLen: 32, IVLen: twofish.BlockSize, BlockLen: twofish.BlockSize},
	algorithms.CipherTwofish128CBC: {Name: algorithms.CipherTwofish128CBC, KeyLen: 16, IVLen: twofish.BlockSize, BlockLen: twofish.BlockSize},
	algorithms.CipherAES128GCM:     {Name: algorithms.CipherAES128GCM, KeyLen: 16, IVLen: 12, BlockLen: 16, AEAD: true, TagLen: 16},
	algorithms.CipherAES256GCM:     {Name: algorithms.CipherAES256GCM, KeyLen: 32, IVLen: 12, BlockLen: 16, AEAD: true, TagLen: 16},
	algorithms.CipherChaCha20Poly:  {Name: algorithms.CipherChaCha20Poly, KeyLen: 64, IVLen: 0, BlockLen: 8, AEAD: true, TagLen: chacha20poly1305.Overhead},
}

// PacketCipher is what the BPP needs from a cipher: either a cipher.Block
// (from which CTR streams and CBC modes are built) or an AEAD
// sealer/opener. Exactly one of Block, AEAD is set.
type PacketCipher struct {
	Spec  CipherSpec
	Block cipher.Block // for CBC and to build CTR streams per-packet, nil for AEAD
	AEAD  cipher.AEAD  // for GCM / chacha20-poly1305
	// Key holds the raw bytes backing the instance (stored so
	// chacha20-poly1305@openssh.com, which needs two independent
	// sub-keys, can slice its 64-byte key material on demand).
	Key []byte
	IV  []byte
}

// NewPacketCipher constructs a PacketCipher for name from key/iv material
// already sized per CipherSpec.KeyLen/IVLen (the transport layer is
// responsible for handing over exactly that many bytes, sliced out of the
// KeyMaterial derived by the KEX engine).
func NewPacketCipher(name string, key, iv []byte) (*PacketCipher, error) {
	spec, ok := Ciphers[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownAlgorithm, "cipher %q", name)
	}
	pc := &PacketCipher{Spec: spec, Key: key, IV: iv}

	switch name {
	case algorithms.CipherAES128GCM, algorithms.CipherAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, errors.Wrap(err, "aes-gcm key setup")
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, errors.Wrap(err, "aes-gcm setup")
		}
		pc.AEAD = aead
	case algorithms.CipherChaCha20Poly:
		// chacha20-poly1305@openssh.com derives two keys from 64 bytes of
		// key material: the first 32 bytes are the main cipher key, the
		// last 32 bytes key a second instance used only to encrypt the
		// 4-byte packet length. Both are handled by the transport layer's
		// chacha20poly1305 wrapper (see transport/chacha.go); here we just
		// build the payload AEAD from the first 32 bytes.
		aead, err := chacha20poly1305.New(key[:32])
		if err != nil {
			return nil, errors.Wrap(err, "chacha20poly1305 setup")
		}
		pc.AEAD = aead
	case algorithms.CipherAES128CTR, algorithms.CipherAES192CTR, algorithms.CipherAES256CTR:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, errors.Wrap(err, "aes-ctr key setup")
		}
		pc.Block = block
	case algorithms.CipherAES128CBC, algorithms.CipherAES256CBC:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, errors.Wrap(err, "aes-cbc key setup")
		}
		pc.Block = block
	case algorithms.CipherBlowfishCBC:
		block, err := blowfish.NewCipher(key)
		if err != nil {
			return nil, errors.Wrap(err, "blowfish-cbc key setup")
		}
		pc.Block = block
	case algorithms.CipherTwofish256CBC, algorithms.CipherTwofish128CBC:
		block, err := twofish.NewCipher(key)
		if err != nil {
			return nil, errors.Wrap(err, "twofish-cbc key setup")
		}
		pc.Block = block
	default:
		return nil, errors.Wrapf(ErrUnknownAlgorithm, "cipher %q", name)
	}
	return pc, nil
}

// CTRStream returns a fresh cipher.Stream seeded from IV for CTR-mode
// ciphers. Each BPP packet with a CTR cipher reuses the same running
// stream (CTR is keyed once per direction, not re-initialized per
// packet) — callers should call this once per direction and keep the
// returned Stream for the life of the key, mirroring RFC 4253's stream
// cipher model.
func (pc *PacketCipher) CTRStream() (cipher.Stream, error) {
	if pc.Block == nil || pc.Spec.AEAD {
		return nil, errors.New("not a CTR-capable cipher")
	}
	return cipher.NewCTR(pc.Block, pc.IV), nil
}

// CBCEncrypter returns a fresh CBC encrypter block mode seeded from IV.
func (pc *PacketCipher) CBCEncrypter() (cipher.BlockMode, error) {
	if pc.Block == nil || pc.Spec.AEAD {
		return nil, errors.New("not a CBC-capable cipher")
	}
	return cipher.NewCBCEncrypter(pc.Block, pc.IV), nil
}

// CBCDecrypter returns a fresh CBC decrypter block mode seeded from IV.
func (pc *PacketCipher) CBCDecrypter() (cipher.BlockMode, error) {
	if pc.Block == nil || pc.Spec.AEAD {
		return nil, errors.New("not a CBC-capable cipher")
	}
	return cipher.NewCBCDecrypter(pc.Block, pc.IV), nil
}
