// Package algorithms maintains the client's preference-ordered catalog of
// KEX, host-key, cipher, MAC and compression algorithm names, and
// implements the RFC 4253 7.1 negotiation rule.
//
// Copyright (c) 2017-2024 Russell Magee
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
package algorithms

import (
	"github.com/pkg/errors"
)

// ErrNoOverlap is wrapped and returned when a category has no name in
// common between the client and server lists.
var ErrNoOverlap = errors.New("algorithm negotiation failed: no common algorithm")

// Category names an algorithm family, used only for diagnostics.
type Category string

const (
	CategoryKEX           Category = "kex"
	CategoryHostKey       Category = "server_host_key"
	CategoryCipherC2S     Category = "encryption_c2s"
	CategoryCipherS2C     Category = "encryption_s2c"
	CategoryMACC2S        Category = "mac_c2s"
	CategoryMACS2C        Category = "mac_s2c"
	CategoryCompressC2S   Category = "compression_c2s"
	CategoryCompressS2C   Category = "compression_s2c"
	CategoryLanguageC2S   Category = "language_c2s"
	CategoryLanguageS2C   Category = "language_s2c"
)

// Well-known algorithm names this module implements (sshcrypto and kex
// packages provide the behaviour; this registry only orders and negotiates
// names). Grouped per spec.md 4.3.
const (
	KexCurve25519SHA256         = "curve25519-sha256"
	KexCurve25519SHA256LibSSH   = "curve25519-sha256@libssh.org"
	KexECDHSHA2NistP256         = "ecdh-sha2-nistp256"
	KexECDHSHA2NistP384         = "ecdh-sha2-nistp384"
	KexECDHSHA2NistP521         = "ecdh-sha2-nistp521"
	KexDHGroup14SHA256          = "diffie-hellman-group14-sha256"
	// KexDHGroup16SHA512 names the algorithm but is never advertised by
	// Default() and has no entry in sshcrypto.GroupFor: see DESIGN.md.
	KexDHGroup16SHA512          = "diffie-hellman-group16-sha512"
	KexDHGroupExchangeSHA256    = "diffie-hellman-group-exchange-sha256"

	HostKeyEd25519       = "ssh-ed25519"
	HostKeyECDSANistP256 = "ecdsa-sha2-nistp256"
	HostKeyECDSANistP384 = "ecdsa-sha2-nistp384"
	HostKeyECDSANistP521 = "ecdsa-sha2-nistp521"
	HostKeyRSASHA512     = "rsa-sha2-512"
	HostKeyRSASHA256     = "rsa-sha2-256"
	HostKeyRSA           = "ssh-rsa"
	HostKeyDSA           = "ssh-dss"

	CipherAES128CTR     = "aes128-ctr"
	CipherAES192CTR     = "aes192-ctr"
	CipherAES256CTR     = "aes256-ctr"
	CipherAES128GCM     = "aes128-gcm@openssh.com"
	CipherAES256GCM     = "aes256-gcm@openssh.com"
	CipherChaCha20Poly  = "chacha20-poly1305@openssh.com"
	CipherAES128CBC     = "aes128-cbc"
	CipherAES256CBC     = "aes256-cbc"
	CipherBlowfishCBC   = "blowfish-cbc"
	CipherTwofish256CBC = "twofish256-cbc"
	CipherTwofish128CBC = "twofish128-cbc"

	MACHMACSHA2_256     = "hmac-sha2-256"
	MACHMACSHA2_256ETM  = "hmac-sha2-256-etm@openssh.com"
	MACHMACSHA2_512     = "hmac-sha2-512"
	MACHMACSHA2_512ETM  = "hmac-sha2-512-etm@openssh.com"
	MACHMACSHA1         = "hmac-sha1"

	CompressionNone           = "none"
	CompressionZlibOpenSSH    = "zlib@openssh.com"
)

// Preferences holds one client-preferred, ordered name list per category.
// Zero value is empty; use Default() for a conformant, fully-populated
// starting point.
type Preferences struct {
	KEX             []string
	HostKey         []string
	CipherC2S       []string
	CipherS2C       []string
	MACC2S          []string
	MACS2C          []string
	CompressionC2S  []string
	CompressionS2C  []string
}

// Default returns the client's default preference order: modern
// algorithms first, broadly-compatible legacy algorithms last. The order
// here is the ranking consumed by Negotiate.
func Default() Preferences {
	kex := []string{
		KexCurve25519SHA256,
		KexCurve25519SHA256LibSSH,
		KexECDHSHA2NistP256,
		KexECDHSHA2NistP384,
		KexECDHSHA2NistP521,
		KexDHGroup14SHA256,
		KexDHGroupExchangeSHA256,
	}
	hostKey := []string{
		HostKeyEd25519,
		HostKeyECDSANistP256,
		HostKeyECDSANistP384,
		HostKeyECDSANistP521,
		HostKeyRSASHA512,
		HostKeyRSASHA256,
		HostKeyRSA,
	}
	cipher := []string{
		CipherChaCha20Poly,
		CipherAES256GCM,
		CipherAES128GCM,
		CipherAES256CTR,
		CipherAES192CTR,
		CipherAES128CTR,
		CipherTwofish256CBC,
		CipherTwofish128CBC,
		CipherBlowfishCBC,
		CipherAES256CBC,
		CipherAES128CBC,
	}
	mac := []string{
		MACHMACSHA2_256ETM,
		MACHMACSHA2_512ETM,
		MACHMACSHA2_256,
		MACHMACSHA2_512,
		MACHMACSHA1,
	}
	compression := []string{CompressionNone, CompressionZlibOpenSSH}

	return Preferences{
		KEX:            kex,
		HostKey:        hostKey,
		CipherC2S:      cipher,
		CipherS2C:      cipher,
		MACC2S:         mac,
		MACS2C:         mac,
		CompressionC2S: compression,
		CompressionS2C: compression,
	}
}

// Choice is the resolved AlgorithmChoice after a KEXINIT exchange (spec.md
// 3, AlgorithmChoice). Immutable between rekeys.
type Choice struct {
	KEX            string
	HostKey        string
	CipherC2S      string
	CipherS2C      string
	MACC2S         string
	MACS2C         string
	CompressionC2S string
	CompressionS2C string

	// GuessCorrect is left false by Negotiate; kex.Session.Negotiate
	// reports whether the peer's first_kex_packet_follows guess was wrong
	// as a separate return value.
	GuessCorrect bool
}

// Negotiate picks, for every category, the first name in the client list
// that also appears in the server list (spec.md 4.2 / RFC 4253 7.1). It
// fails with ErrNoOverlap naming the offending category if any required
// category has no match.
func Negotiate(client, server Preferences) (Choice, error) {
	var c Choice
	var err error

	if c.KEX, err = pick(CategoryKEX, client.KEX, server.KEX); err != nil {
		return c, err
	}
	if c.HostKey, err = pick(CategoryHostKey, client.HostKey, server.HostKey); err != nil {
		return c, err
	}
	if c.CipherC2S, err = pick(CategoryCipherC2S, client.CipherC2S, server.CipherC2S); err != nil {
		return c, err
	}
	if c.CipherS2C, err = pick(CategoryCipherS2C, client.CipherS2C, server.CipherS2C); err != nil {
		return c, err
	}
	if c.MACC2S, err = pick(CategoryMACC2S, client.MACC2S, server.MACC2S); err != nil {
		return c, err
	}
	if c.MACS2C, err = pick(CategoryMACS2C, client.MACS2C, server.MACS2C); err != nil {
		return c, err
	}
	if c.CompressionC2S, err = pick(CategoryCompressC2S, client.CompressionC2S, server.CompressionC2S); err != nil {
		return c, err
	}
	if c.CompressionS2C, err = pick(CategoryCompressS2C, client.CompressionS2C, server.CompressionS2C); err != nil {
		return c, err
	}
	return c, nil
}

// pick implements: chosen = first c in clientList with c also in
// serverList.
func pick(cat Category, clientList, serverList []string) (string, error) {
	have := make(map[string]bool, len(serverList))
	for _, s := range serverList {
		have[s] = true
	}
	for _, c := range clientList {
		if have[c] {
			return c, nil
		}
	}
	return "", errors.Wrapf(ErrNoOverlap, "category %q: client=%v server=%v", cat, clientList, serverList)
}

// IsAEAD reports whether the named cipher is an AEAD construction (GCM or
// ChaCha20-Poly1305), for which MAC algorithm selection and framing are
// governed by the cipher itself rather than a separate MAC algorithm.
func IsAEAD(cipher string) bool {
	switch cipher {
	case CipherAES128GCM, CipherAES256GCM, CipherChaCha20Poly:
		return true
	default:
		return false
	}
}

// IsETM reports whether the named MAC is an encrypt-then-MAC variant.
func IsETM(mac string) bool {
	switch mac {
	case MACHMACSHA2_256ETM, MACHMACSHA2_512ETM:
		return true
	default:
		return false
	}
}
