// Package messages defines the SSH message vocabulary as a tagged variant
// over MessageKind rather than a class hierarchy: a Message is a (Kind,
// payload-struct) pair, and marshalling is a pair of pure functions,
// Decode and (Message).Encode, instead of per-type virtual load/save
// methods.
//
// Copyright (c) 2017-2024 Russell Magee
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
package messages

import (
	"math/big"

	"github.com/pkg/errors"

	"blitter.com/go/sshlib/wire"
)

// Kind is the one-byte SSH message number (RFC 4253 12, RFC 4252 6,
// RFC 4254 9). The numeric ranges are fixed by the protocol: 1-19
// transport generic, 20-29 algorithm negotiation, 30-49 KEX
// method-specific, 50-79 user authentication, 80-127 connection protocol.
type Kind byte

const (
	KindDisconnect    Kind = 1
	KindIgnore        Kind = 2
	KindUnimplemented Kind = 3
	KindDebug         Kind = 4
	KindServiceRequest Kind = 5
	KindServiceAccept  Kind = 6

	KindKexInit Kind = 20
	KindNewKeys Kind = 21

	// KEX method-specific range, 30-49. Names follow RFC 4253 8 / RFC 5656
	// for the DH/ECDH/Curve25519 families used here.
	KindKexDHInit     Kind = 30
	KindKexDHReply    Kind = 31
	KindKexECDHInit   Kind = 30 // ECDH/Curve25519 reuse the DH numbers (RFC 5656 7.1)
	KindKexECDHReply  Kind = 31
	KindKexGexRequest Kind = 34
	KindKexGexGroup   Kind = 31
	KindKexGexInit    Kind = 32
	KindKexGexReply   Kind = 33

	// User authentication, 50-79.
	KindUserauthRequest   Kind = 50
	KindUserauthFailure   Kind = 51
	KindUserauthSuccess   Kind = 52
	KindUserauthBanner    Kind = 53
	KindUserauthPKOK      Kind = 60
	KindUserauthPasswdChangereq Kind = 60
	KindUserauthInfoRequest     Kind = 60
	KindUserauthInfoResponse    Kind = 61

	// Connection protocol, 80-127.
	KindGlobalRequest       Kind = 80
	KindRequestSuccess      Kind = 81
	KindRequestFailure      Kind = 82
	KindChannelOpen             Kind = 90
	KindChannelOpenConfirmation Kind = 91
	KindChannelOpenFailure      Kind = 92
	KindChannelWindowAdjust     Kind = 93
	KindChannelData             Kind = 94
	KindChannelExtendedData     Kind = 95
	KindChannelEOF               Kind = 96
	KindChannelClose              Kind = 97
	KindChannelRequest             Kind = 98
	KindChannelSuccess             Kind = 99
	KindChannelFailure             Kind = 100
)

// ErrServerOnly is returned by Encode when asked to marshal a message kind
// this client never emits (per Design Note 4: marshalling is defined only
// for client-emitted messages; server-only kinds are excluded from the
// outbound path by this category check rather than failing at runtime
// deep inside a generic encoder).
var ErrServerOnly = errors.New("message kind is server-emitted only; client does not marshal it")

// serverOnlyKinds are messages this client only ever decodes, never
// constructs itself.
var serverOnlyKinds = map[Kind]bool{
	KindKexDHReply:              true, // also KindKexGexGroup (31, shared wire number)
	KindKexGexReply:             true,
	KindUserauthFailure:         true,
	KindUserauthSuccess:         true,
	KindUserauthBanner:          true,
	KindChannelOpenConfirmation: true,
	KindChannelOpenFailure:      true,
	KindRequestSuccess:          true,
	KindRequestFailure:          true,
}

// Message is the decoded form of one wire packet payload: a Kind
// discriminant plus whatever typed fields that kind carries. Exactly one
// of the typed fields is meaningful for a given Kind; Raw holds the
// fields-bytes region of every decoded message, which is what carries
// the fields this package does not model explicitly (e.g.
// channel-type-specific CHANNEL_OPEN fields).
type Message struct {
	Kind Kind

	// Raw holds the undecoded fields-bytes region (everything after the
	// kind byte) for every message, not just kinds this package has no
	// struct for. It exists chiefly for message numbers RFC 4252
	// overloads across authentication methods (60 means PK_OK under
	// publickey, PASSWD_CHANGEREQ under password, or INFO_REQUEST under
	// keyboard-interactive) — Decode cannot tell which without knowing
	// which method the caller has in flight, so auth re-parses Raw
	// itself once it does know.
	Raw []byte

	// Generic transport (1-6)
	Disconnect    *DisconnectMsg
	Ignore        *IgnoreMsg
	Unimplemented *UnimplementedMsg
	Debug         *DebugMsg
	ServiceRequest *ServiceRequestMsg
	ServiceAccept  *ServiceAcceptMsg
	GlobalRequest  *GlobalRequestMsg
	RequestSuccess *RequestSuccessMsg
	RequestFailure *RequestFailureMsg

	// KEX
	KexInit    *KexInitMsg
	NewKeys    *NewKeysMsg
	KexDHInit  *KexDHInitMsg
	KexDHReply *KexDHReplyMsg
	KexGexRequest *KexGexRequestMsg
	KexGexInit    *KexGexInitMsg
	KexGexReply   *KexGexReplyMsg

	// Userauth
	UserauthRequest *UserauthRequestMsg
	UserauthFailure *UserauthFailureMsg
	UserauthSuccess *UserauthSuccessMsg
	UserauthBanner  *UserauthBannerMsg
	UserauthPKOK    *UserauthPKOKMsg

	// Connection
	ChannelOpen             *ChannelOpenMsg
	ChannelOpenConfirmation *ChannelOpenConfirmationMsg
	ChannelOpenFailure      *ChannelOpenFailureMsg
	ChannelWindowAdjust     *ChannelWindowAdjustMsg
	ChannelData             *ChannelDataMsg
	ChannelExtendedData     *ChannelExtendedDataMsg
	ChannelEOF              *ChannelEOFMsg
	ChannelClose            *ChannelCloseMsg
	ChannelRequest          *ChannelRequestMsg
	ChannelSuccess          *ChannelSuccessMsg
	ChannelFailure          *ChannelFailureMsg
}

type DisconnectMsg struct {
	Reason      uint32
	Description string
	Language    string
}

// Disconnect reason codes, RFC 4253 11.1.
const (
	DisconnectHostNotAllowedToConnect   uint32 = 1
	DisconnectProtocolError             uint32 = 2
	DisconnectKeyExchangeFailed         uint32 = 3
	DisconnectReserved                  uint32 = 4
	DisconnectMACError                  uint32 = 5
	DisconnectCompressionError          uint32 = 6
	DisconnectServiceNotAvailable       uint32 = 7
	DisconnectProtocolVersionNotSupported uint32 = 8
	DisconnectHostKeyNotVerifiable      uint32 = 9
	DisconnectConnectionLost            uint32 = 10
	DisconnectByApplication             uint32 = 11
	DisconnectTooManyConnections        uint32 = 12
	DisconnectAuthCancelledByUser       uint32 = 13
	DisconnectNoMoreAuthMethodsAvailable uint32 = 14
	DisconnectIllegalUserName           uint32 = 15
)

type IgnoreMsg struct{ Data []byte }

type UnimplementedMsg struct{ Seq uint32 }

type DebugMsg struct {
	AlwaysDisplay bool
	Message       string
	Language      string
}

type ServiceRequestMsg struct{ ServiceName string }

type ServiceAcceptMsg struct{ ServiceName string }

// GlobalRequestMsg is a connection-wide request with no channel context
// (RFC 4254 4), e.g. "keepalive@openssh.com" or "tcpip-forward".
type GlobalRequestMsg struct {
	RequestName  string
	WantReply    bool
	TypeSpecific []byte
}

type RequestSuccessMsg struct{ TypeSpecific []byte }

type RequestFailureMsg struct{}

// KexInitMsg carries the 16-byte cookie and the five (really ten, one per
// direction for cipher/mac/compression) algorithm preference lists, per
// spec.md 4.5 step 1. The raw payload bytes (as received/about to be
// sent) are also captured by the caller for the exchange-hash computation
// — KexInit itself does not retain them, since I_C/I_S are exact wire
// copies, not round-tripped reconstructions.
type KexInitMsg struct {
	Cookie                  [16]byte
	KexAlgorithms           []string
	ServerHostKeyAlgorithms []string
	CiphersC2S              []string
	CiphersS2C              []string
	MACsC2S                 []string
	MACsS2C                 []string
	CompressionC2S          []string
	CompressionS2C          []string
	LanguagesC2S            []string
	LanguagesS2C             []string
	FirstKexPacketFollows   bool
}

type NewKeysMsg struct{}

// KexDHInitMsg carries the client's KEX public value. Kind 30 is reused
// across KEX method families (RFC 4253 8 diffie-hellman-group*, RFC 5656
// 4 ecdh-sha2-*, RFC 8731 curve25519-sha256) with different wire shapes
// for that value: finite-field DH sends a two's-complement mpint (E),
// EC/X25519 send the raw point as an opaque length-prefixed string (Q) —
// running it through mpint would corrupt any point whose first byte has
// the high bit set or is itself 0x00. Exactly one of E/Q is set per
// round, selected by the KEX method the caller is running.
type KexDHInitMsg struct {
	E *big.Int
	Q []byte
}

// KexDHReplyMsg carries the server's reply. F mirrors E's mpint shape
// for finite-field DH; Q holds the exact wire bytes of the peer's public
// value for EC/X25519 rounds, both populated from the same wire field on
// decode so either interpretation is available without re-reading.
type KexDHReplyMsg struct {
	HostKeyBlob []byte
	F           *big.Int
	Q           []byte
	Signature   []byte
}

// KexGexRequestMsg proposes the (min, n, max) bit-length range for
// diffie-hellman-group-exchange-sha256 (RFC 4419 3).
type KexGexRequestMsg struct {
	Min, N, Max uint32
}

// KexGexGroupMsg carries the server-chosen (p, g). It shares wire kind 31
// with KexDHReplyMsg — the same message-number overlay as KexDHInit/Init
// above — so Decode does not parse it inline; a GEX round calls
// DecodeKexGexGroup against Message.Raw once it already knows, from its
// own negotiated KEX method, that kind 31 means this and not a reply.
type KexGexGroupMsg struct {
	P, G *big.Int
}

type KexGexInitMsg struct{ E *big.Int }

// KexGexReplyMsg is wire-identical to KexDHReplyMsg (RFC 4419 3) but kept
// as its own type so a GEX round's intent is clear at the call site.
type KexGexReplyMsg struct {
	HostKeyBlob []byte
	F           *big.Int
	Signature   []byte
}

type UserauthRequestMsg struct {
	User       string
	Service    string
	Method     string
	MethodData []byte // method-specific remainder, reparsed by the auth package
}

type UserauthFailureMsg struct {
	AllowedAuthentications []string
	PartialSuccess         bool
}

type UserauthSuccessMsg struct{}

type UserauthBannerMsg struct {
	Message  string
	Language string
}

type UserauthPKOKMsg struct {
	Algorithm string
	Blob      []byte
}

type ChannelOpenMsg struct {
	ChannelType       string
	SenderChannel     uint32
	InitialWindowSize uint32
	MaxPacketSize     uint32
	TypeSpecific      []byte
}

type ChannelOpenConfirmationMsg struct {
	RecipientChannel  uint32
	SenderChannel     uint32
	InitialWindowSize uint32
	MaxPacketSize     uint32
	TypeSpecific      []byte
}

type ChannelOpenFailureMsg struct {
	RecipientChannel uint32
	ReasonCode       uint32
	Description      string
	Language         string
}

type ChannelWindowAdjustMsg struct {
	RecipientChannel uint32
	BytesToAdd       uint32
}

type ChannelDataMsg struct {
	RecipientChannel uint32
	Data             []byte
}

type ChannelExtendedDataMsg struct {
	RecipientChannel uint32
	DataTypeCode     uint32
	Data             []byte
}

type ChannelEOFMsg struct{ RecipientChannel uint32 }

type ChannelCloseMsg struct{ RecipientChannel uint32 }

type ChannelRequestMsg struct {
	RecipientChannel uint32
	RequestType      string
	WantReply        bool
	TypeSpecific     []byte
}

type ChannelSuccessMsg struct{ RecipientChannel uint32 }

type ChannelFailureMsg struct{ RecipientChannel uint32 }
