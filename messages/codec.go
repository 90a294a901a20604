package messages

import (
	"crypto/rand"
	"math/big"

	"github.com/pkg/errors"

	"blitter.com/go/sshlib/wire"
)

// Decode parses a raw packet payload (kind byte already identified as
// b[0]) into a Message. Unknown kinds are not an error here — the
// transport state machine decides whether an unrecognized kind warrants
// UNIMPLEMENTED, per spec.md 4.6.
func Decode(b []byte) (Message, error) {
	if len(b) < 1 {
		return Message{}, errors.Wrap(wire.ErrMalformed, "empty payload")
	}
	kind := Kind(b[0])
	r := wire.NewReader(b[1:])

	var m Message
	m.Kind = kind
	m.Raw = append([]byte(nil), b[1:]...)

	var err error
	switch kind {
	case KindDisconnect:
		msg := &DisconnectMsg{}
		if msg.Reason, err = r.ReadUint32(); err != nil {
			return m, errors.Wrap(err, "disconnect: reason")
		}
		if msg.Description, err = r.ReadStringS(); err != nil {
			return m, errors.Wrap(err, "disconnect: description")
		}
		if msg.Language, err = r.ReadStringS(); err != nil {
			return m, errors.Wrap(err, "disconnect: language")
		}
		m.Disconnect = msg
	case KindIgnore:
		data, err := r.ReadString()
		if err != nil {
			return m, errors.Wrap(err, "ignore: data")
		}
		m.Ignore = &IgnoreMsg{Data: append([]byte(nil), data...)}
	case KindUnimplemented:
		seq, err := r.ReadUint32()
		if err != nil {
			return m, errors.Wrap(err, "unimplemented: seq")
		}
		m.Unimplemented = &UnimplementedMsg{Seq: seq}
	case KindDebug:
		msg := &DebugMsg{}
		if msg.AlwaysDisplay, err = r.ReadBool(); err != nil {
			return m, errors.Wrap(err, "debug: always_display")
		}
		if msg.Message, err = r.ReadStringS(); err != nil {
			return m, errors.Wrap(err, "debug: message")
		}
		if msg.Language, err = r.ReadStringS(); err != nil {
			return m, errors.Wrap(err, "debug: language")
		}
		m.Debug = msg
	case KindServiceRequest:
		name, err := r.ReadStringS()
		if err != nil {
			return m, errors.Wrap(err, "service_request: name")
		}
		m.ServiceRequest = &ServiceRequestMsg{ServiceName: name}
	case KindServiceAccept:
		name, err := r.ReadStringS()
		if err != nil {
			return m, errors.Wrap(err, "service_accept: name")
		}
		m.ServiceAccept = &ServiceAcceptMsg{ServiceName: name}
	case KindGlobalRequest:
		msg := &GlobalRequestMsg{}
		if msg.RequestName, err = r.ReadStringS(); err != nil {
			return m, errors.Wrap(err, "global_request: name")
		}
		if msg.WantReply, err = r.ReadBool(); err != nil {
			return m, errors.Wrap(err, "global_request: want_reply")
		}
		msg.TypeSpecific = append([]byte(nil), r.Rest()...)
		m.GlobalRequest = msg
	case KindRequestSuccess:
		m.RequestSuccess = &RequestSuccessMsg{TypeSpecific: append([]byte(nil), r.Rest()...)}
	case KindRequestFailure:
		m.RequestFailure = &RequestFailureMsg{}
	case KindKexInit:
		msg, err := decodeKexInit(r)
		if err != nil {
			return m, err
		}
		m.KexInit = msg
	case KindNewKeys:
		m.NewKeys = &NewKeysMsg{}
	case KindKexDHInit:
		msg := &KexDHInitMsg{}
		raw, err := r.ReadString()
		if err != nil {
			return m, errors.Wrap(err, "kexdh_init: e")
		}
		// Shares one wire field across KEX method families like
		// KexDHReplyMsg.F/Q below; populate both interpretations.
		msg.Q = append([]byte(nil), raw...)
		msg.E = new(big.Int).SetBytes(raw)
		m.KexDHInit = msg
	case KindUserauthFailure:
		msg := &UserauthFailureMsg{}
		if msg.AllowedAuthentications, err = r.ReadNameList(); err != nil {
			return m, errors.Wrap(err, "userauth_failure: allowed")
		}
		if msg.PartialSuccess, err = r.ReadBool(); err != nil {
			return m, errors.Wrap(err, "userauth_failure: partial_success")
		}
		m.UserauthFailure = msg
	case KindUserauthSuccess:
		m.UserauthSuccess = &UserauthSuccessMsg{}
	case KindUserauthBanner:
		msg := &UserauthBannerMsg{}
		if msg.Message, err = r.ReadStringS(); err != nil {
			return m, errors.Wrap(err, "userauth_banner: message")
		}
		if msg.Language, err = r.ReadStringS(); err != nil {
			return m, errors.Wrap(err, "userauth_banner: language")
		}
		m.UserauthBanner = msg
	case KindUserauthPKOK:
		msg := &UserauthPKOKMsg{}
		if msg.Algorithm, err = r.ReadStringS(); err != nil {
			return m, errors.Wrap(err, "userauth_pk_ok: algorithm")
		}
		blob, err := r.ReadString()
		if err != nil {
			return m, errors.Wrap(err, "userauth_pk_ok: blob")
		}
		msg.Blob = append([]byte(nil), blob...)
		m.UserauthPKOK = msg
	case KindKexDHReply:
		msg := &KexDHReplyMsg{}
		blob, err := r.ReadString()
		if err != nil {
			return m, errors.Wrap(err, "kexdh_reply: host key blob")
		}
		msg.HostKeyBlob = append([]byte(nil), blob...)
		// f/Q_S share one wire field across KEX method families: read it
		// once as a raw string and populate both interpretations, so the
		// EC/X25519 rounds never have to recover Q_S by stripping it back
		// out of a big.Int (which silently drops a genuine leading 0x00).
		raw, err := r.ReadString()
		if err != nil {
			return m, errors.Wrap(err, "kexdh_reply: f")
		}
		msg.Q = append([]byte(nil), raw...)
		msg.F = new(big.Int).SetBytes(raw)
		sig, err := r.ReadString()
		if err != nil {
			return m, errors.Wrap(err, "kexdh_reply: signature")
		}
		msg.Signature = append([]byte(nil), sig...)
		m.KexDHReply = msg
	case KindKexGexReply:
		// Wire-identical to KindKexDHReply; kept as its own case so a GEX
		// round decodes into KexGexReply rather than KexDHReply.
		msg := &KexGexReplyMsg{}
		blob, err := r.ReadString()
		if err != nil {
			return m, errors.Wrap(err, "kex_dh_gex_reply: host key blob")
		}
		msg.HostKeyBlob = append([]byte(nil), blob...)
		f, err := r.ReadMPInt()
		if err != nil {
			return m, errors.Wrap(err, "kex_dh_gex_reply: f")
		}
		msg.F = f
		sig, err := r.ReadString()
		if err != nil {
			return m, errors.Wrap(err, "kex_dh_gex_reply: signature")
		}
		msg.Signature = append([]byte(nil), sig...)
		m.KexGexReply = msg
	case KindChannelOpenConfirmation:
		msg := &ChannelOpenConfirmationMsg{}
		if msg.RecipientChannel, err = r.ReadUint32(); err != nil {
			return m, errors.Wrap(err, "channel_open_confirmation: recipient")
		}
		if msg.SenderChannel, err = r.ReadUint32(); err != nil {
			return m, errors.Wrap(err, "channel_open_confirmation: sender")
		}
		if msg.InitialWindowSize, err = r.ReadUint32(); err != nil {
			return m, errors.Wrap(err, "channel_open_confirmation: window")
		}
		if msg.MaxPacketSize, err = r.ReadUint32(); err != nil {
			return m, errors.Wrap(err, "channel_open_confirmation: max_packet")
		}
		msg.TypeSpecific = append([]byte(nil), r.Rest()...)
		m.ChannelOpenConfirmation = msg
	case KindChannelOpenFailure:
		msg := &ChannelOpenFailureMsg{}
		if msg.RecipientChannel, err = r.ReadUint32(); err != nil {
			return m, errors.Wrap(err, "channel_open_failure: recipient")
		}
		if msg.ReasonCode, err = r.ReadUint32(); err != nil {
			return m, errors.Wrap(err, "channel_open_failure: reason")
		}
		if msg.Description, err = r.ReadStringS(); err != nil {
			return m, errors.Wrap(err, "channel_open_failure: description")
		}
		if msg.Language, err = r.ReadStringS(); err != nil {
			return m, errors.Wrap(err, "channel_open_failure: language")
		}
		m.ChannelOpenFailure = msg
	case KindChannelWindowAdjust:
		msg := &ChannelWindowAdjustMsg{}
		if msg.RecipientChannel, err = r.ReadUint32(); err != nil {
			return m, errors.Wrap(err, "channel_window_adjust: recipient")
		}
		if msg.BytesToAdd, err = r.ReadUint32(); err != nil {
			return m, errors.Wrap(err, "channel_window_adjust: bytes")
		}
		m.ChannelWindowAdjust = msg
	case KindChannelData:
		msg := &ChannelDataMsg{}
		if msg.RecipientChannel, err = r.ReadUint32(); err != nil {
			return m, errors.Wrap(err, "channel_data: recipient")
		}
		data, err := r.ReadString()
		if err != nil {
			return m, errors.Wrap(err, "channel_data: data")
		}
		msg.Data = append([]byte(nil), data...)
		m.ChannelData = msg
	case KindChannelExtendedData:
		msg := &ChannelExtendedDataMsg{}
		if msg.RecipientChannel, err = r.ReadUint32(); err != nil {
			return m, errors.Wrap(err, "channel_extended_data: recipient")
		}
		if msg.DataTypeCode, err = r.ReadUint32(); err != nil {
			return m, errors.Wrap(err, "channel_extended_data: type code")
		}
		data, err := r.ReadString()
		if err != nil {
			return m, errors.Wrap(err, "channel_extended_data: data")
		}
		msg.Data = append([]byte(nil), data...)
		m.ChannelExtendedData = msg
	case KindChannelEOF:
		recipient, err := r.ReadUint32()
		if err != nil {
			return m, errors.Wrap(err, "channel_eof: recipient")
		}
		m.ChannelEOF = &ChannelEOFMsg{RecipientChannel: recipient}
	case KindChannelClose:
		recipient, err := r.ReadUint32()
		if err != nil {
			return m, errors.Wrap(err, "channel_close: recipient")
		}
		m.ChannelClose = &ChannelCloseMsg{RecipientChannel: recipient}
	case KindChannelRequest:
		msg := &ChannelRequestMsg{}
		if msg.RecipientChannel, err = r.ReadUint32(); err != nil {
			return m, errors.Wrap(err, "channel_request: recipient")
		}
		if msg.RequestType, err = r.ReadStringS(); err != nil {
			return m, errors.Wrap(err, "channel_request: type")
		}
		if msg.WantReply, err = r.ReadBool(); err != nil {
			return m, errors.Wrap(err, "channel_request: want_reply")
		}
		msg.TypeSpecific = append([]byte(nil), r.Rest()...)
		m.ChannelRequest = msg
	case KindChannelSuccess:
		recipient, err := r.ReadUint32()
		if err != nil {
			return m, errors.Wrap(err, "channel_success: recipient")
		}
		m.ChannelSuccess = &ChannelSuccessMsg{RecipientChannel: recipient}
	case KindChannelFailure:
		recipient, err := r.ReadUint32()
		if err != nil {
			return m, errors.Wrap(err, "channel_failure: recipient")
		}
		m.ChannelFailure = &ChannelFailureMsg{RecipientChannel: recipient}
	case KindChannelOpen:
		msg := &ChannelOpenMsg{}
		if msg.ChannelType, err = r.ReadStringS(); err != nil {
			return m, errors.Wrap(err, "channel_open: type")
		}
		if msg.SenderChannel, err = r.ReadUint32(); err != nil {
			return m, errors.Wrap(err, "channel_open: sender")
		}
		if msg.InitialWindowSize, err = r.ReadUint32(); err != nil {
			return m, errors.Wrap(err, "channel_open: window")
		}
		if msg.MaxPacketSize, err = r.ReadUint32(); err != nil {
			return m, errors.Wrap(err, "channel_open: max_packet")
		}
		msg.TypeSpecific = append([]byte(nil), r.Rest()...)
		m.ChannelOpen = msg
	default:
		// Unrecognized kind: caller (transport) decides UNIMPLEMENTED vs
		// error; Message carries only the Kind with no typed payload.
	}
	return m, nil
}

// DecodeKexGexGroup parses a KEX_DH_GEX_GROUP payload (raw fields-bytes,
// i.e. Message.Raw) into (p, g). It is not reached through Decode's switch
// because kind 31 is already claimed there by KexDHReplyMsg's shape; a GEX
// round calls this directly once it knows, from its own negotiated KEX
// method, what kind 31 means in that flow.
func DecodeKexGexGroup(raw []byte) (*KexGexGroupMsg, error) {
	r := wire.NewReader(raw)
	p, err := r.ReadMPInt()
	if err != nil {
		return nil, errors.Wrap(err, "kex_dh_gex_group: p")
	}
	g, err := r.ReadMPInt()
	if err != nil {
		return nil, errors.Wrap(err, "kex_dh_gex_group: g")
	}
	return &KexGexGroupMsg{P: p, G: g}, nil
}

func decodeKexInit(r *wire.Reader) (*KexInitMsg, error) {
	msg := &KexInitMsg{}
	cookie, err := r.ReadString()
	if err != nil {
		return nil, errors.Wrap(err, "kexinit: cookie")
	}
	if len(cookie) != 16 {
		return nil, errors.Wrapf(wire.ErrMalformed, "kexinit: cookie length %d", len(cookie))
	}
	copy(msg.Cookie[:], cookie)

	lists := []*[]string{
		&msg.KexAlgorithms, &msg.ServerHostKeyAlgorithms,
		&msg.CiphersC2S, &msg.CiphersS2C,
		&msg.MACsC2S, &msg.MACsS2C,
		&msg.CompressionC2S, &msg.CompressionS2C,
		&msg.LanguagesC2S, &msg.LanguagesS2C,
	}
	for i, lp := range lists {
		l, err := r.ReadNameList()
		if err != nil {
			return nil, errors.Wrapf(err, "kexinit: name-list field %d", i)
		}
		*lp = l
	}
	if msg.FirstKexPacketFollows, err = r.ReadBool(); err != nil {
		return nil, errors.Wrap(err, "kexinit: first_kex_packet_follows")
	}
	// trailing reserved uint32, ignored.
	_, _ = r.ReadUint32()
	return msg, nil
}

// Encode marshals m back to a packet payload (kind byte + fields). It
// refuses server-only kinds with ErrServerOnly: this client never
// constructs them for the outbound path (Design Note 4).
func (m Message) Encode() ([]byte, error) {
	if serverOnlyKinds[m.Kind] {
		return nil, errors.Wrapf(ErrServerOnly, "kind %d", m.Kind)
	}
	w := wire.NewBuffer()
	w.WriteByte(byte(m.Kind))

	switch m.Kind {
	case KindDisconnect:
		msg := m.Disconnect
		w.WriteUint32(msg.Reason)
		w.WriteStringS(msg.Description)
		w.WriteStringS(msg.Language)
	case KindIgnore:
		w.WriteString(m.Ignore.Data)
	case KindUnimplemented:
		w.WriteUint32(m.Unimplemented.Seq)
	case KindDebug:
		msg := m.Debug
		w.WriteBool(msg.AlwaysDisplay)
		w.WriteStringS(msg.Message)
		w.WriteStringS(msg.Language)
	case KindServiceRequest:
		w.WriteStringS(m.ServiceRequest.ServiceName)
	case KindKexInit:
		encodeKexInit(w, m.KexInit)
	case KindNewKeys:
		// no fields
	case KindKexDHInit:
		// Q_C (EC/X25519) is an opaque point, not a two's-complement
		// integer: encoding it with WriteMPInt would prepend a spurious
		// 0x00 whenever the point's first byte has the high bit set.
		if m.KexDHInit.Q != nil {
			w.WriteString(m.KexDHInit.Q)
		} else {
			w.WriteMPInt(m.KexDHInit.E)
		}
	case KindKexGexRequest:
		msg := m.KexGexRequest
		w.WriteUint32(msg.Min)
		w.WriteUint32(msg.N)
		w.WriteUint32(msg.Max)
	case KindKexGexInit:
		w.WriteMPInt(m.KexGexInit.E)
	case KindUserauthRequest:
		msg := m.UserauthRequest
		w.WriteStringS(msg.User)
		w.WriteStringS(msg.Service)
		w.WriteStringS(msg.Method)
		w.WriteRaw(msg.MethodData)
	case KindUserauthInfoResponse:
		// method-specific fields only (num-responses + each response
		// string); no user/service/method triplet at this point in the
		// keyboard-interactive exchange.
		w.WriteRaw(m.UserauthRequest.MethodData)
	case KindGlobalRequest:
		msg := m.GlobalRequest
		w.WriteStringS(msg.RequestName)
		w.WriteBool(msg.WantReply)
		w.WriteRaw(msg.TypeSpecific)
	case KindChannelOpen:
		msg := m.ChannelOpen
		w.WriteStringS(msg.ChannelType)
		w.WriteUint32(msg.SenderChannel)
		w.WriteUint32(msg.InitialWindowSize)
		w.WriteUint32(msg.MaxPacketSize)
		w.WriteRaw(msg.TypeSpecific)
	case KindChannelWindowAdjust:
		msg := m.ChannelWindowAdjust
		w.WriteUint32(msg.RecipientChannel)
		w.WriteUint32(msg.BytesToAdd)
	case KindChannelData:
		msg := m.ChannelData
		w.WriteUint32(msg.RecipientChannel)
		w.WriteString(msg.Data)
	case KindChannelExtendedData:
		msg := m.ChannelExtendedData
		w.WriteUint32(msg.RecipientChannel)
		w.WriteUint32(msg.DataTypeCode)
		w.WriteString(msg.Data)
	case KindChannelEOF:
		w.WriteUint32(m.ChannelEOF.RecipientChannel)
	case KindChannelClose:
		w.WriteUint32(m.ChannelClose.RecipientChannel)
	case KindChannelRequest:
		msg := m.ChannelRequest
		w.WriteUint32(msg.RecipientChannel)
		w.WriteStringS(msg.RequestType)
		w.WriteBool(msg.WantReply)
		w.WriteRaw(msg.TypeSpecific)
	case KindChannelSuccess:
		w.WriteUint32(m.ChannelSuccess.RecipientChannel)
	case KindChannelFailure:
		w.WriteUint32(m.ChannelFailure.RecipientChannel)
	default:
		return nil, errors.Wrapf(ErrUnknownKind, "kind %d", m.Kind)
	}
	return w.Bytes(), nil
}

// ErrUnknownKind is returned by Encode for a kind this package has no
// client-side marshaller for.
var ErrUnknownKind = errors.New("no client-side marshaller for message kind")

func encodeKexInit(w *wire.Buffer, msg *KexInitMsg) {
	w.WriteString(msg.Cookie[:])
	w.WriteNameList(msg.KexAlgorithms)
	w.WriteNameList(msg.ServerHostKeyAlgorithms)
	w.WriteNameList(msg.CiphersC2S)
	w.WriteNameList(msg.CiphersS2C)
	w.WriteNameList(msg.MACsC2S)
	w.WriteNameList(msg.MACsS2C)
	w.WriteNameList(msg.CompressionC2S)
	w.WriteNameList(msg.CompressionS2C)
	w.WriteNameList(msg.LanguagesC2S)
	w.WriteNameList(msg.LanguagesS2C)
	w.WriteBool(msg.FirstKexPacketFollows)
	w.WriteUint32(0) // reserved
}

// NewKexInitCookie draws the 16 random bytes RFC 4253 7.1 requires.
func NewKexInitCookie() ([16]byte, error) {
	var c [16]byte
	_, err := rand.Read(c[:])
	return c, err
}
