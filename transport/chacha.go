package transport

import (
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/poly1305"

	"github.com/pkg/errors"
)

// chachaPoly implements chacha20-poly1305@openssh.com, which needs two
// independent ChaCha20 instances keyed from the 64 bytes of derived key
// material: the first 32 bytes key the payload cipher (K_2, used with the
// Poly1305 one-time key taken from its first block), the last 32 bytes
// key a second instance (K_1) used only to encrypt and decrypt the 4-byte
// packet length field. Go's golang.org/x/crypto/chacha20poly1305 AEAD can't
// express the split-length construction, so this module drives
// golang.org/x/crypto/chacha20 and poly1305 directly, grounded on the
// same package family the teacher already depends on for its other
// stream ciphers.
type chachaPoly struct {
	mainKey   [32]byte // K_2
	lengthKey [32]byte // K_1
}

// newChachaPoly splits a 64-byte derived key into the two sub-keys.
func newChachaPoly(key []byte) (*chachaPoly, error) {
	if len(key) != 64 {
		return nil, errors.Errorf("chacha20-poly1305@openssh.com key must be 64 bytes, got %d", len(key))
	}
	cp := &chachaPoly{}
	copy(cp.mainKey[:], key[:32])
	copy(cp.lengthKey[:], key[32:])
	return cp, nil
}

func nonceFor(seq uint32) [12]byte {
	var nonce [12]byte
	binary.BigEndian.PutUint32(nonce[8:], seq)
	return nonce
}

// DecryptLength decrypts the 4-byte big-endian packet length field, given
// the sequence number and the 4 ciphertext length bytes.
func (cp *chachaPoly) DecryptLength(seq uint32, encLen [4]byte) (uint32, error) {
	nonce := nonceFor(seq)
	s, err := chacha20.NewUnauthenticatedCipher(cp.lengthKey[:], nonce[:])
	if err != nil {
		return 0, errors.Wrap(err, "chacha20 length cipher")
	}
	var out [4]byte
	s.XORKeyStream(out[:], encLen[:])
	return binary.BigEndian.Uint32(out[:]), nil
}

// EncryptLength encrypts a 4-byte big-endian packet length field.
func (cp *chachaPoly) EncryptLength(seq uint32, length uint32) ([4]byte, error) {
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], length)
	nonce := nonceFor(seq)
	s, err := chacha20.NewUnauthenticatedCipher(cp.lengthKey[:], nonce[:])
	if err != nil {
		return lenBytes, errors.Wrap(err, "chacha20 length cipher")
	}
	var out [4]byte
	s.XORKeyStream(out[:], lenBytes[:])
	return out, nil
}

// mainCipherAndPolyKey builds the payload ChaCha20 stream (seeked past
// its first block, which is reserved for the Poly1305 key) and that
// Poly1305 one-time key, per the OpenSSH PROTOCOL.chacha20poly1305
// construction.
func (cp *chachaPoly) mainCipherAndPolyKey(seq uint32) (cipher.Stream, [32]byte, error) {
	nonce := nonceFor(seq)
	s, err := chacha20.NewUnauthenticatedCipher(cp.mainKey[:], nonce[:])
	if err != nil {
		return nil, [32]byte{}, errors.Wrap(err, "chacha20 main cipher")
	}
	var zero [64]byte
	var out [64]byte
	s.XORKeyStream(out[:], zero[:])
	var polyKey [32]byte
	copy(polyKey[:], out[:32])
	// advance the stream past the reserved first block before returning
	// it for payload encryption.
	return s, polyKey, nil
}

// Seal encrypts payload (the packet_length-excluded remainder: padding
// length byte + payload + padding) and returns ciphertext || 16-byte tag,
// with encLen as the already-encrypted length field folded into the
// Poly1305 MAC input as AAD per the construction.
func (cp *chachaPoly) Seal(seq uint32, encLen [4]byte, plaintext []byte) ([]byte, error) {
	stream, polyKey, err := cp.mainCipherAndPolyKey(seq)
	if err != nil {
		return nil, err
	}
	ciphertext := make([]byte, len(plaintext))
	stream.XORKeyStream(ciphertext, plaintext)

	macInput := append(append([]byte{}, encLen[:]...), ciphertext...)
	var tag [16]byte
	poly1305.Sum(&tag, macInput, &polyKey)

	return append(ciphertext, tag[:]...), nil
}

// Open verifies the Poly1305 tag over encLen||ciphertext and decrypts
// ciphertext in place, failing closed on any tag mismatch.
func (cp *chachaPoly) Open(seq uint32, encLen [4]byte, ciphertextAndTag []byte) ([]byte, error) {
	if len(ciphertextAndTag) < 16 {
		return nil, errors.New("chacha20-poly1305: packet too short for tag")
	}
	ciphertext := ciphertextAndTag[:len(ciphertextAndTag)-16]
	var tag [16]byte
	copy(tag[:], ciphertextAndTag[len(ciphertextAndTag)-16:])

	stream, polyKey, err := cp.mainCipherAndPolyKey(seq)
	if err != nil {
		return nil, err
	}
	macInput := append(append([]byte{}, encLen[:]...), ciphertext...)
	var wantTag [16]byte
	poly1305.Sum(&wantTag, macInput, &polyKey)
	if subtle.ConstantTimeCompare(wantTag[:], tag[:]) != 1 {
		return nil, errors.New("chacha20-poly1305: tag mismatch")
	}

	plaintext := make([]byte, len(ciphertext))
	stream.XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}
