package kex

import (
	"crypto/sha256"
	"math/big"

	"github.com/pkg/errors"

	"blitter.com/go/sshlib/algorithms"
	"blitter.com/go/sshlib/messages"
	"blitter.com/go/sshlib/sshcrypto"
	"blitter.com/go/sshlib/wire"
)

var sha256New = sha256.New

// PacketIO is the narrow send/receive interface RunClientRound needs from
// the transport layer: send a fully-formed message and block for the
// next one. The transport's BPP framing/encryption is already applied
// below this interface; KEX messages are still sent in the clear only
// before the very first NEWKEYS, which the transport enforces, not this
// package.
type PacketIO interface {
	Send(m messages.Message) error
	Recv() (messages.Message, error)
}

// RunClientRound executes one full KEX round as the client: sends our
// KEXINIT (already done by the caller, which also received the peer's),
// runs the negotiated method's message exchange, verifies the host key,
// and derives key material. endpoint identifies the connection for the
// host-key policy (e.g. "host:port").
func (s *Session) RunClientRound(io PacketIO, endpoint string, ic, is []byte, ours, peer *messages.KexInitMsg) (Result, error) {
	choice, guessedWrong, err := s.Negotiate(ours, peer)
	if err != nil {
		return Result{}, err
	}
	if guessedWrong {
		// the peer's guessed first KEX message belongs to a method we did
		// not choose: read it and drop it.
		if _, err := io.Recv(); err != nil {
			return Result{}, errors.Wrap(err, "discard guessed kex packet")
		}
	}

	var (
		h []byte
		k *big.Int
	)

	switch choice.KEX {
	case algorithms.KexCurve25519SHA256, algorithms.KexCurve25519SHA256LibSSH:
		h, k, err = s.runCurve25519(io, endpoint, ic, is, choice)
	case algorithms.KexECDHSHA2NistP256, algorithms.KexECDHSHA2NistP384, algorithms.KexECDHSHA2NistP521:
		h, k, err = s.runECDH(io, endpoint, ic, is, choice)
	case algorithms.KexDHGroup14SHA256, algorithms.KexDHGroup16SHA512:
		h, k, err = s.runFiniteFieldDH(io, endpoint, ic, is, choice)
	case algorithms.KexDHGroupExchangeSHA256:
		h, k, err = s.runGex(io, endpoint, ic, is, choice)
	default:
		return Result{}, errors.Wrapf(sshcrypto.ErrUnknownAlgorithm, "kex method %q", choice.KEX)
	}
	if err != nil {
		return Result{}, err
	}

	sid := s.sid
	if sid == nil {
		sid = h
		s.sid = h
	}

	keys := DeriveKeys(choice.KEX, k, h, sid, choice)
	return Result{Choice: choice, Keys: keys, H: h, SID: sid}, nil
}

// runFiniteFieldDH runs diffie-hellman-group14-sha256 (group16-sha512 is
// named in the switch above but sshcrypto.GroupFor has no group for it;
// see DESIGN.md): client sends KEXDH_INIT(e); server replies
// KEXDH_REPLY(K_S, f, sig).
func (s *Session) runFiniteFieldDH(io PacketIO, endpoint string, ic, is []byte, choice algorithms.Choice) ([]byte, *big.Int, error) {
	group, ok := sshcrypto.GroupFor(choice.KEX)
	if !ok {
		return nil, nil, errors.Wrapf(sshcrypto.ErrUnknownAlgorithm, "dh group for %q", choice.KEX)
	}
	kp, err := sshcrypto.GenerateDH(group)
	if err != nil {
		return nil, nil, err
	}
	if err := io.Send(messages.Message{Kind: messages.KindKexDHInit, KexDHInit: &messages.KexDHInitMsg{E: kp.E}}); err != nil {
		return nil, nil, errors.Wrap(err, "send kexdh_init")
	}
	reply, err := io.Recv()
	if err != nil {
		return nil, nil, errors.Wrap(err, "recv kexdh_reply")
	}
	if reply.Kind != messages.KindKexDHReply || reply.KexDHReply == nil {
		return nil, nil, errors.New("expected KEXDH_REPLY")
	}
	k, err := sshcrypto.SharedSecret(group, kp.X, reply.KexDHReply.F)
	if err != nil {
		return nil, nil, err
	}

	hostKey, err := s.verifyHostKey(choice.HostKey, reply.KexDHReply.HostKeyBlob)
	if err != nil {
		return nil, nil, err
	}
	if err := s.Policy.Accept(endpoint, hostKey); err != nil {
		return nil, nil, errors.Wrap(ErrHostKeyRejected, err.Error())
	}

	newHash, _ := hashFor(choice.KEX)
	h := computeExchangeHash(newHash, exchangeHashInputs{
		VC: s.VC, VS: s.VS, IC: ic, IS: is,
		HostKeyBlob: reply.KexDHReply.HostKeyBlob,
		E:           kp.E, F: reply.KexDHReply.F, K: k,
	}, nil)

	if err := sshcrypto.Verify(hostKey, h, reply.KexDHReply.Signature); err != nil {
		return nil, nil, err
	}
	return h, k, nil
}

// runECDH runs ecdh-sha2-nistp256/384/521 (RFC 5656 4).
func (s *Session) runECDH(io PacketIO, endpoint string, ic, is []byte, choice algorithms.Choice) ([]byte, *big.Int, error) {
	kp, err := sshcrypto.GenerateECDH(choice.KEX)
	if err != nil {
		return nil, nil, err
	}
	qc := kp.PublicBytes()
	if err := io.Send(messages.Message{Kind: messages.KindKexDHInit, KexDHInit: &messages.KexDHInitMsg{Q: qc}}); err != nil {
		return nil, nil, errors.Wrap(err, "send kex_ecdh_init")
	}
	reply, err := io.Recv()
	if err != nil {
		return nil, nil, errors.Wrap(err, "recv kex_ecdh_reply")
	}
	if reply.Kind != messages.KindKexDHReply || reply.KexDHReply == nil {
		return nil, nil, errors.New("expected KEX_ECDH_REPLY")
	}
	qs := reply.KexDHReply.Q
	secret, err := kp.SharedSecret(qs)
	if err != nil {
		return nil, nil, err
	}
	k := new(big.Int).SetBytes(secret)

	hostKey, err := s.verifyHostKey(choice.HostKey, reply.KexDHReply.HostKeyBlob)
	if err != nil {
		return nil, nil, err
	}
	if err := s.Policy.Accept(endpoint, hostKey); err != nil {
		return nil, nil, errors.Wrap(ErrHostKeyRejected, err.Error())
	}

	newHash, _ := hashFor(choice.KEX)
	h := computeExchangeHashRaw(newHash, s.VC, s.VS, ic, is, reply.KexDHReply.HostKeyBlob, qc, qs, k)
	if err := sshcrypto.Verify(hostKey, h, reply.KexDHReply.Signature); err != nil {
		return nil, nil, err
	}
	return h, k, nil
}

// runCurve25519 runs curve25519-sha256 (RFC 8731).
func (s *Session) runCurve25519(io PacketIO, endpoint string, ic, is []byte, choice algorithms.Choice) ([]byte, *big.Int, error) {
	kp, err := sshcrypto.GenerateX25519()
	if err != nil {
		return nil, nil, err
	}
	qc := kp.PublicBytes()
	if err := io.Send(messages.Message{Kind: messages.KindKexDHInit, KexDHInit: &messages.KexDHInitMsg{Q: qc}}); err != nil {
		return nil, nil, errors.Wrap(err, "send kex_ecdh_init")
	}
	reply, err := io.Recv()
	if err != nil {
		return nil, nil, errors.Wrap(err, "recv kex_ecdh_reply")
	}
	if reply.Kind != messages.KindKexDHReply || reply.KexDHReply == nil {
		return nil, nil, errors.New("expected KEX_ECDH_REPLY")
	}
	qs := reply.KexDHReply.Q
	secret, err := kp.SharedSecret(qs)
	if err != nil {
		return nil, nil, err
	}
	k := new(big.Int).SetBytes(secret)

	hostKey, err := s.verifyHostKey(choice.HostKey, reply.KexDHReply.HostKeyBlob)
	if err != nil {
		return nil, nil, err
	}
	if err := s.Policy.Accept(endpoint, hostKey); err != nil {
		return nil, nil, errors.Wrap(ErrHostKeyRejected, err.Error())
	}

	h := computeExchangeHashRaw(sha256New, s.VC, s.VS, ic, is, reply.KexDHReply.HostKeyBlob, qc, qs, k)
	if err := sshcrypto.Verify(hostKey, h, reply.KexDHReply.Signature); err != nil {
		return nil, nil, err
	}
	return h, k, nil
}

// runGex runs diffie-hellman-group-exchange-sha256 (RFC 4419): the client
// proposes a bit-length range, the server names a group for this round,
// and the rest of the exchange matches runFiniteFieldDH except the group
// comes from the server's KEX_DH_GEX_GROUP instead of a fixed catalog
// entry, and min/n/max/p/g are folded into the exchange hash ahead of e/f.
func (s *Session) runGex(io PacketIO, endpoint string, ic, is []byte, choice algorithms.Choice) ([]byte, *big.Int, error) {
	rng := sshcrypto.DefaultGexRange
	if err := io.Send(messages.Message{Kind: messages.KindKexGexRequest, KexGexRequest: &messages.KexGexRequestMsg{
		Min: uint32(rng.Min), N: uint32(rng.N), Max: uint32(rng.Max),
	}}); err != nil {
		return nil, nil, errors.Wrap(err, "send kex_dh_gex_request")
	}

	groupMsg, err := io.Recv()
	if err != nil {
		return nil, nil, errors.Wrap(err, "recv kex_dh_gex_group")
	}
	gexGroup, err := messages.DecodeKexGexGroup(groupMsg.Raw)
	if err != nil {
		return nil, nil, errors.Wrap(err, "decode kex_dh_gex_group")
	}
	group := sshcrypto.DHGroup{P: gexGroup.P, G: gexGroup.G}

	kp, err := sshcrypto.GenerateDH(group)
	if err != nil {
		return nil, nil, err
	}
	if err := io.Send(messages.Message{Kind: messages.KindKexGexInit, KexGexInit: &messages.KexGexInitMsg{E: kp.E}}); err != nil {
		return nil, nil, errors.Wrap(err, "send kex_dh_gex_init")
	}
	reply, err := io.Recv()
	if err != nil {
		return nil, nil, errors.Wrap(err, "recv kex_dh_gex_reply")
	}
	if reply.Kind != messages.KindKexGexReply || reply.KexGexReply == nil {
		return nil, nil, errors.New("expected KEX_DH_GEX_REPLY")
	}
	k, err := sshcrypto.SharedSecret(group, kp.X, reply.KexGexReply.F)
	if err != nil {
		return nil, nil, err
	}

	hostKey, err := s.verifyHostKey(choice.HostKey, reply.KexGexReply.HostKeyBlob)
	if err != nil {
		return nil, nil, err
	}
	if err := s.Policy.Accept(endpoint, hostKey); err != nil {
		return nil, nil, errors.Wrap(ErrHostKeyRejected, err.Error())
	}

	extra := wire.NewBuffer()
	extra.WriteUint32(uint32(rng.Min))
	extra.WriteUint32(uint32(rng.N))
	extra.WriteUint32(uint32(rng.Max))
	extra.WriteMPInt(group.P)
	extra.WriteMPInt(group.G)

	newHash, _ := hashFor(choice.KEX)
	h := computeExchangeHash(newHash, exchangeHashInputs{
		VC: s.VC, VS: s.VS, IC: ic, IS: is,
		HostKeyBlob: reply.KexGexReply.HostKeyBlob,
		E:           kp.E, F: reply.KexGexReply.F, K: k,
	}, extra.Bytes())

	if err := sshcrypto.Verify(hostKey, h, reply.KexGexReply.Signature); err != nil {
		return nil, nil, err
	}
	return h, k, nil
}

func (s *Session) verifyHostKey(algo string, blob []byte) (sshcrypto.PublicKey, error) {
	return sshcrypto.PublicKey{Algo: algo, Blob: blob}, nil
}
