// Package transport owns the socket: version exchange, the Binary Packet
// Protocol (framing, padding, MAC/AEAD, sequence numbers, rekeying), and
// the steady-state dispatch loop that hands decoded messages to the
// auth/channel layers.
//
// Copyright (c) 2017-2024 Russell Magee
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
package transport

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"encoding/binary"
	"hash"
	"io"

	"github.com/pkg/errors"

	"blitter.com/go/sshlib/algorithms"
	"blitter.com/go/sshlib/sshcrypto"
	"blitter.com/go/sshlib/xerrors"
)

// MaxPacketLength is the receive-side sanity bound from spec.md 4.4:
// packets claiming a larger packet_length are rejected outright.
const MaxPacketLength = 35000

// DirectionKeys is one direction's active cipher/MAC state, installed
// atomically at a NEWKEYS boundary (spec.md 3, KeyMaterial).
type DirectionKeys struct {
	CipherName string
	MACName    string
	Cipher     *sshcrypto.PacketCipher
	ChaCha     *chachaPoly // set instead of Cipher for chacha20-poly1305@openssh.com
	Stream     interface{ XORKeyStream(dst, src []byte) }
	MAC        hash.Hash
	MACSpec    sshcrypto.MACSpec
	ETM        bool
	Seq        uint32
}

// cbcBlockMode adapts a cipher.BlockMode (whose block count is fixed by
// the CBC chaining state) to the XORKeyStream(dst, src) shape the BPP
// encode/decode path shares with stream ciphers. This only works because
// BPP padding always sizes the packet body to an exact multiple of the
// cipher's block length, so CryptBlocks never sees a partial block.
type cbcBlockMode struct {
	mode cipher.BlockMode
}

func (c *cbcBlockMode) XORKeyStream(dst, src []byte) { c.mode.CryptBlocks(dst, src) }

// NewDirectionKeys builds the cipher/MAC state for one direction from
// negotiated algorithm names and derived key material. forSend selects,
// for CBC ciphers, which of the encrypter/decrypter chaining states this
// direction needs — a DirectionKeys value is only ever used to encode or
// only ever used to decode, never both, so only one is built.
func NewDirectionKeys(cipherName, macName string, key, iv, macKey []byte, forSend bool) (*DirectionKeys, error) {
	dk := &DirectionKeys{CipherName: cipherName, MACName: macName, ETM: algorithms.IsETM(macName)}

	if cipherName == algorithms.CipherChaCha20Poly {
		cp, err := newChachaPoly(key)
		if err != nil {
			return nil, err
		}
		dk.ChaCha = cp
		return dk, nil
	}

	pc, err := sshcrypto.NewPacketCipher(cipherName, key, iv)
	if err != nil {
		return nil, err
	}
	dk.Cipher = pc

	if !pc.Spec.AEAD {
		switch cipherName {
		case algorithms.CipherAES128CBC, algorithms.CipherAES256CBC,
			algorithms.CipherBlowfishCBC, algorithms.CipherTwofish256CBC, algorithms.CipherTwofish128CBC:
			var mode cipher.BlockMode
			if forSend {
				mode, err = pc.CBCEncrypter()
			} else {
				mode, err = pc.CBCDecrypter()
			}
			if err != nil {
				return nil, err
			}
			dk.Stream = &cbcBlockMode{mode: mode}
		default:
			stream, err := pc.CTRStream()
			if err != nil {
				return nil, err
			}
			dk.Stream = stream
		}
		if macKey != nil {
			mac, spec, err := sshcrypto.NewMAC(macName, macKey)
			if err != nil {
				return nil, err
			}
			dk.MAC = mac
			dk.MACSpec = spec
		}
	}
	return dk, nil
}

// NewPlaintextDirectionKeys returns the direction state used before the
// first NEWKEYS: no cipher, no MAC, random padding only. RFC 4253 4.2
// requires the initial KEXINIT exchange to be sent this way.
func NewPlaintextDirectionKeys() *DirectionKeys {
	return &DirectionKeys{CipherName: "none", MACName: "none"}
}

// paddingLength picks p per spec.md 4.4 step 1: 4 + 1 + |P| + p is a
// multiple of max(8, blockLen), p >= 4.
func paddingLength(payloadLen, blockLen int) int {
	if blockLen < 8 {
		blockLen = 8
	}
	p := blockLen - ((5 + payloadLen) % blockLen)
	if p < 4 {
		p += blockLen
	}
	return p
}

// EncodePacket builds one complete BPP packet for payload, using dk's
// current cipher/MAC, and increments dk.Seq. Returned bytes are ready to
// write to the socket verbatim.
func EncodePacket(dk *DirectionKeys, payload []byte) ([]byte, error) {
	blockLen := 8
	if dk.Cipher != nil {
		blockLen = dk.Cipher.Spec.BlockLen
		if blockLen == 0 {
			blockLen = 8
		}
	}
	padLen := paddingLength(len(payload), blockLen)
	padding := make([]byte, padLen)
	if _, err := rand.Read(padding); err != nil {
		return nil, errors.Wrap(err, "packet padding")
	}

	body := make([]byte, 0, 1+len(payload)+padLen)
	body = append(body, byte(padLen))
	body = append(body, payload...)
	body = append(body, padding...)

	packetLen := uint32(len(body))
	seq := dk.Seq
	dk.Seq++

	switch {
	case dk.ChaCha != nil:
		encLen, err := dk.ChaCha.EncryptLength(seq, packetLen)
		if err != nil {
			return nil, err
		}
		sealed, err := dk.ChaCha.Seal(seq, encLen, body)
		if err != nil {
			return nil, err
		}
		out := make([]byte, 0, 4+len(sealed))
		out = append(out, encLen[:]...)
		out = append(out, sealed...)
		return out, nil

	case dk.Cipher != nil && dk.Cipher.Spec.AEAD:
		var lenBytes [4]byte
		binary.BigEndian.PutUint32(lenBytes[:], packetLen)
		nonce := aeadNonce(dk.Cipher.IV, seq)
		sealed := dk.Cipher.AEAD.Seal(nil, nonce, body, lenBytes[:])
		out := make([]byte, 0, 4+len(sealed))
		out = append(out, lenBytes[:]...)
		out = append(out, sealed...)
		return out, nil

	case dk.ETM:
		var lenBytes [4]byte
		binary.BigEndian.PutUint32(lenBytes[:], packetLen)
		ciphertext := make([]byte, len(body))
		dk.Stream.XORKeyStream(ciphertext, body)
		mac := macOver(dk.MAC, seq, append(append([]byte{}, lenBytes[:]...), ciphertext...))
		out := make([]byte, 0, 4+len(ciphertext)+len(mac))
		out = append(out, lenBytes[:]...)
		out = append(out, ciphertext...)
		out = append(out, mac...)
		return out, nil

	default: // generic MAC-then-encrypt, or plaintext before the first NEWKEYS
		var lenBytes [4]byte
		binary.BigEndian.PutUint32(lenBytes[:], packetLen)
		plain := append(append([]byte{}, lenBytes[:]...), body...)
		var mac []byte
		if dk.MAC != nil {
			mac = macOver(dk.MAC, seq, plain)
		}
		// RFC 4253 6: for a stream/CBC cipher with no AEAD/EtM, the whole
		// packet including packet_length is encrypted, not just the body.
		// Run lenBytes||body through one continuous keystream so the
		// ciphertext's first 4 bytes decrypt back to packetLen on the wire.
		ciphertext := make([]byte, len(plain))
		if dk.Stream != nil {
			dk.Stream.XORKeyStream(ciphertext, plain)
		} else {
			copy(ciphertext, plain)
		}
		out := make([]byte, 0, len(ciphertext)+len(mac))
		out = append(out, ciphertext...)
		out = append(out, mac...)
		return out, nil
	}
}

func macOver(h hash.Hash, seq uint32, data []byte) []byte {
	h.Reset()
	var seqBytes [4]byte
	binary.BigEndian.PutUint32(seqBytes[:], seq)
	h.Write(seqBytes[:])
	h.Write(data)
	return h.Sum(nil)
}

func aeadNonce(iv []byte, seq uint32) []byte {
	nonce := make([]byte, len(iv))
	copy(nonce, iv)
	// RFC 5647/OpenSSH AES-GCM fixed+invocation-counter nonce: the low 4
	// bytes of the 12-byte IV act as a counter XORed with the sequence
	// number's natural increment, matched here by folding seq into the
	// final 4 bytes.
	for i := 0; i < 4; i++ {
		nonce[len(nonce)-1-i] ^= byte(seq >> (8 * i))
	}
	return nonce
}

// DecodePacket reads and authenticates exactly one packet from r using
// dk's current state, returning the decoded payload (padding stripped)
// and incrementing dk.Seq.
func DecodePacket(r io.Reader, dk *DirectionKeys) ([]byte, error) {
	var lenBytes [4]byte
	if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
		return nil, xerrors.New(xerrors.Transport, err, "read packet length")
	}
	seq := dk.Seq
	dk.Seq++

	switch {
	case dk.ChaCha != nil:
		packetLen, err := dk.ChaCha.DecryptLength(seq, lenBytes)
		if err != nil {
			return nil, xerrors.New(xerrors.Transport, err, "decrypt packet length")
		}
		if packetLen > MaxPacketLength {
			return nil, xerrors.New(xerrors.Transport, errors.Errorf("packet_length %d exceeds max", packetLen), "oversize packet")
		}
		rest := make([]byte, int(packetLen)+16)
		if _, err := io.ReadFull(r, rest); err != nil {
			return nil, xerrors.New(xerrors.Transport, err, "read packet body")
		}
		body, err := dk.ChaCha.Open(seq, lenBytes, rest)
		if err != nil {
			return nil, xerrors.New(xerrors.Transport, err, "chacha20-poly1305 tag check failed")
		}
		return stripPadding(body)

	case dk.Cipher != nil && dk.Cipher.Spec.AEAD:
		packetLen := binary.BigEndian.Uint32(lenBytes[:])
		if packetLen > MaxPacketLength {
			return nil, xerrors.New(xerrors.Transport, errors.Errorf("packet_length %d exceeds max", packetLen), "oversize packet")
		}
		rest := make([]byte, int(packetLen)+dk.Cipher.Spec.TagLen)
		if _, err := io.ReadFull(r, rest); err != nil {
			return nil, xerrors.New(xerrors.Transport, err, "read packet body")
		}
		nonce := aeadNonce(dk.Cipher.IV, seq)
		body, err := dk.Cipher.AEAD.Open(nil, nonce, rest, lenBytes[:])
		if err != nil {
			return nil, xerrors.New(xerrors.Transport, err, "AEAD tag check failed")
		}
		return stripPadding(body)

	case dk.ETM:
		packetLen := binary.BigEndian.Uint32(lenBytes[:])
		if packetLen > MaxPacketLength {
			return nil, xerrors.New(xerrors.Transport, errors.Errorf("packet_length %d exceeds max", packetLen), "oversize packet")
		}
		ciphertext := make([]byte, packetLen)
		if _, err := io.ReadFull(r, ciphertext); err != nil {
			return nil, xerrors.New(xerrors.Transport, err, "read packet body")
		}
		tag := make([]byte, dk.MACSpec.TagLen)
		if _, err := io.ReadFull(r, tag); err != nil {
			return nil, xerrors.New(xerrors.Transport, err, "read mac")
		}
		want := macOver(dk.MAC, seq, append(append([]byte{}, lenBytes[:]...), ciphertext...))
		if !hmac.Equal(want, tag) {
			return nil, xerrors.New(xerrors.Transport, errors.New("mac mismatch"), "EtM mac check failed")
		}
		body := make([]byte, len(ciphertext))
		dk.Stream.XORKeyStream(body, ciphertext)
		return stripPadding(body)

	default: // generic MAC-then-encrypt
		// lenBytes was read above as ciphertext, not cleartext, for this
		// mode (RFC 4253 6: packet_length is encrypted along with the
		// rest of the packet for stream/CBC ciphers). Decrypt it first so
		// the body's keystream position picks up where it left off.
		lenPlain := make([]byte, 4)
		var head []byte // rest of the first CBC block, decrypted with the length
		if cbc, ok := dk.Stream.(*cbcBlockMode); ok {
			// CryptBlocks takes whole blocks only: decrypt the first block in one piece.
			blk := make([]byte, cbc.mode.BlockSize())
			copy(blk, lenBytes[:])
			if _, err := io.ReadFull(r, blk[4:]); err != nil {
				return nil, xerrors.New(xerrors.Transport, err, "read first block")
			}
			cbc.XORKeyStream(blk, blk)
			copy(lenPlain, blk[:4])
			head = blk[4:]
		} else if dk.Stream != nil {
			dk.Stream.XORKeyStream(lenPlain, lenBytes[:])
		} else {
			copy(lenPlain, lenBytes[:])
		}
		packetLen := binary.BigEndian.Uint32(lenPlain)
		if packetLen > MaxPacketLength {
			return nil, xerrors.New(xerrors.Transport, errors.Errorf("packet_length %d exceeds max", packetLen), "oversize packet")
		}
		if int(packetLen) < len(head) {
			return nil, xerrors.New(xerrors.Transport, errors.Errorf("packet_length %d shorter than first block", packetLen), "undersize packet")
		}
		ciphertext := make([]byte, int(packetLen)-len(head))
		if _, err := io.ReadFull(r, ciphertext); err != nil {
			return nil, xerrors.New(xerrors.Transport, err, "read packet body")
		}
		body := make([]byte, len(ciphertext))
		if dk.Stream != nil {
			dk.Stream.XORKeyStream(body, ciphertext)
		} else {
			copy(body, ciphertext)
		}
		body = append(head, body...)

		if dk.MAC != nil {
			tag := make([]byte, dk.MACSpec.TagLen)
			if _, err := io.ReadFull(r, tag); err != nil {
				return nil, xerrors.New(xerrors.Transport, err, "read mac")
			}
			plain := append(append([]byte{}, lenPlain...), body...)
			want := macOver(dk.MAC, seq, plain)
			if !hmac.Equal(want, tag) {
				return nil, xerrors.New(xerrors.Transport, errors.New("mac mismatch"), "mac check failed")
			}
		}
		return stripPadding(body)
	}
}

func stripPadding(body []byte) ([]byte, error) {
	if len(body) < 1 {
		return nil, xerrors.New(xerrors.Protocol, errors.New("empty packet body"), "missing padding length byte")
	}
	padLen := int(body[0])
	if padLen+1 > len(body) {
		return nil, xerrors.New(xerrors.Protocol, errors.New("padding exceeds packet"), "malformed padding")
	}
	return body[1 : len(body)-padLen], nil
}
