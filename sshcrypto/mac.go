package sshcrypto

import (
	"crypto/hmac"
	"crypto/sha1" // nolint: gosec -- hmac-sha1 retained for compatibility only
	"crypto/sha256"
	"crypto/sha512"
	"hash"

	"github.com/pkg/errors"

	"blitter.com/go/sshlib/algorithms"
)

// MACSpec describes a MAC algorithm's key length, output (tag) length,
// and whether it operates in encrypt-then-MAC mode.
type MACSpec struct {
	Name   string
	KeyLen int
	TagLen int
	ETM    bool
	newHash func() hash.Hash
}

// MACs enumerates every MAC name this module supports.
var MACs = map[string]MACSpec{
	algorithms.MACHMACSHA2_256:    {Name: algorithms.MACHMACSHA2_256, KeyLen: 32, TagLen: 32, newHash: sha256.New},
	algorithms.MACHMACSHA2_256ETM: {Name: algorithms.MACHMACSHA2_256ETM, KeyLen: 32, TagLen: 32, ETM: true, newHash: sha256.New},
	algorithms.MACHMACSHA2_512:    {Name: algorithms.MACHMACSHA2_512, KeyLen: 64, TagLen: 64, newHash: sha512.New},
	algorithms.MACHMACSHA2_512ETM: {Name: algorithms.MACHMACSHA2_512ETM, KeyLen: 64, TagLen: 64, ETM: true, newHash: sha512.New},
	algorithms.MACHMACSHA1:        {Name: algorithms.MACHMACSHA1, KeyLen: 20, TagLen: 20, newHash: sha1.New},
}

// NewMAC builds an hmac.Hash for the named MAC keyed with key (which must
// be exactly MACSpec.KeyLen bytes, as sliced out of derived KeyMaterial).
func NewMAC(name string, key []byte) (hash.Hash, MACSpec, error) {
	spec, ok := MACs[name]
	if !ok {
		return nil, MACSpec{}, errors.Wrapf(ErrUnknownAlgorithm, "mac %q", name)
	}
	return hmac.New(spec.newHash, key), spec, nil
}
