// Package auth drives the ssh-userauth service (spec.md 4.7): the
// none-probe that discovers the server's allowed methods, and the
// publickey/password/keyboard-interactive dialogs tried in the client's
// configured preference order until one succeeds or the method set is
// exhausted.
//
// Copyright (c) 2017-2024 Russell Magee
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
package auth

import (
	"github.com/pkg/errors"

	"blitter.com/go/sshlib/messages"
	"blitter.com/go/sshlib/sshcrypto"
	"blitter.com/go/sshlib/wire"
)

// ErrAuthExhausted is returned when every configured method has been
// tried (or none intersect the server's allowed list) without success.
var ErrAuthExhausted = errors.New("no configured authentication method succeeded")

// ErrUnexpectedMessage is returned when the peer sends something other
// than FAILURE/SUCCESS/BANNER in response to a USERAUTH_REQUEST (a PK_OK
// where a final outcome is expected is rejected with it too).
var ErrUnexpectedMessage = errors.New("unexpected message during authentication")

const serviceUserauth = "ssh-connection"
const serviceNameUserauth = "ssh-userauth"

// PacketIO is the narrow transport interface the auth dialog needs:
// send one message, block for the next one. Banner messages are handled
// internally by Run via a callback, everything else flows through Recv.
type PacketIO interface {
	Send(m messages.Message) error
	Recv() (messages.Message, error)
}

// PasswordPrompt supplies a password for the "password" method,
// optionally handling a change-password request (changeRequested==true means the
// server demanded a new password; the returned newPassword is ignored
// otherwise).
type PasswordPrompt func(changeRequested bool, prompt string) (password, newPassword string, err error)

// KeyboardInteractivePrompt answers one keyboard-interactive round:
// given the instruction and per-prompt texts/echo flags, return matching
// answers.
type KeyboardInteractivePrompt func(name, instruction string, prompts []string, echo []bool) ([]string, error)

// Method describes one configured authentication method the client is
// willing to try, in preference order.
type Method struct {
	Name string // "publickey", "password", "keyboard-interactive"

	// publickey
	Signer sshcrypto.Signer

	// password
	Password PasswordPrompt

	// keyboard-interactive
	Interactive KeyboardInteractivePrompt
}

// Session drives one ssh-userauth dialog to completion for a given user,
// over sid (the transport's session identifier, needed for the
// publickey signature's signed blob).
type Session struct {
	io      PacketIO
	user    string
	sid     []byte
	methods []Method
	banner  func(message string)
}

// NewSession builds an auth dialog driver. banner may be nil; if set, it
// is invoked for every USERAUTH_BANNER received before the final
// outcome.
func NewSession(io PacketIO, user string, sid []byte, methods []Method, banner func(string)) *Session {
	return &Session{io: io, user: user, sid: sid, methods: methods, banner: banner}
}

// Run executes SERVICE_REQUEST("ssh-userauth") followed by the none
// probe and then each configured method, in order, intersected against
// the server's allowed list, narrowing on every FAILURE per spec.md 4.7
// until SUCCESS or the candidate set is exhausted.
func (s *Session) Run() error {
	if err := s.io.Send(messages.Message{Kind: messages.KindServiceRequest, ServiceRequest: &messages.ServiceRequestMsg{ServiceName: serviceNameUserauth}}); err != nil {
		return errors.Wrap(err, "send service_request")
	}
	accept, err := s.io.Recv()
	if err != nil {
		return errors.Wrap(err, "recv service_accept")
	}
	if accept.Kind != messages.KindServiceAccept || accept.ServiceAccept == nil || accept.ServiceAccept.ServiceName != serviceNameUserauth {
		return errors.Wrap(ErrUnexpectedMessage, "expected SERVICE_ACCEPT(ssh-userauth)")
	}

	allowed, authenticated, err := s.probeNone()
	if err != nil {
		return err
	}
	if authenticated {
		return nil
	}

	tried := map[string]bool{}
	for {
		candidate := s.nextCandidate(allowed, tried)
		if candidate == nil {
			return ErrAuthExhausted
		}
		tried[candidate.Name] = true

		ok, partial, newAllowed, err := s.attempt(*candidate)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		allowed = newAllowed
		_ = partial // narrowing already folded into allowed regardless of partial_success, per spec.md's resolved Open Question
	}
}

// nextCandidate returns the next configured method whose name appears in
// allowed and has not yet been tried, or nil if none remain.
func (s *Session) nextCandidate(allowed []string, tried map[string]bool) *Method {
	allowedSet := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		allowedSet[a] = true
	}
	for i := range s.methods {
		m := &s.methods[i]
		if tried[m.Name] {
			continue
		}
		if allowedSet[m.Name] {
			return m
		}
	}
	return nil
}

// probeNone sends the "none" method purely to discover the server's
// allowed-methods list (spec.md 4.7). authenticated reports whether the
// server accepted it outright (an unauthenticated-access server), in
// which case allowed is meaningless and Run returns immediately.
func (s *Session) probeNone() (allowed []string, authenticated bool, err error) {
	req := messages.Message{
		Kind: messages.KindUserauthRequest,
		UserauthRequest: &messages.UserauthRequestMsg{
			User: s.user, Service: serviceUserauth, Method: "none",
		},
	}
	if err := s.io.Send(req); err != nil {
		return nil, false, errors.Wrap(err, "send none probe")
	}
	return s.recvOutcome()
}

// recvOutcome reads one USERAUTH reply, transparently surfacing banners
// via the configured callback, and returns the allowed-method list on
// FAILURE (authenticated=false) or authenticated=true on SUCCESS. err is
// only set for actual transport/protocol errors, never for a plain
// FAILURE — that is this method's ordinary, expected outcome.
func (s *Session) recvOutcome() (allowed []string, authenticated bool, err error) {
	for {
		m, err := s.io.Recv()
		if err != nil {
			return nil, false, err
		}
		switch m.Kind {
		case messages.KindUserauthBanner:
			if s.banner != nil && m.UserauthBanner != nil {
				s.banner(m.UserauthBanner.Message)
			}
			continue
		case messages.KindUserauthSuccess:
			return nil, true, nil
		case messages.KindUserauthFailure:
			if m.UserauthFailure == nil {
				return nil, false, errors.Wrap(ErrUnexpectedMessage, "empty USERAUTH_FAILURE")
			}
			return m.UserauthFailure.AllowedAuthentications, false, nil
		default:
			return nil, false, errors.Wrapf(ErrUnexpectedMessage, "kind %d", m.Kind)
		}
	}
}

// attempt runs one configured method's exchange and interprets the
// result. ok reports success; allowed is the (possibly narrowed) server
// list to use for the next candidate.
func (s *Session) attempt(m Method) (ok bool, partialSuccess bool, allowed []string, err error) {
	switch m.Name {
	case "publickey":
		return s.attemptPublicKey(m)
	case "password":
		return s.attemptPassword(m)
	case "keyboard-interactive":
		return s.attemptKeyboardInteractive(m)
	default:
		return false, false, nil, errors.Errorf("unsupported auth method %q", m.Name)
	}
}

// signedBlob builds SID || SSH_MSG_USERAUTH_REQUEST || user ||
// "ssh-connection" || "publickey" || true || algo || pubkey, the exact
// byte string publickey auth signs (spec.md 4.7).
func signedBlob(sid []byte, user, algo string, pubBlob []byte) []byte {
	w := wire.NewBuffer()
	w.WriteString(sid)
	w.WriteByte(byte(messages.KindUserauthRequest))
	w.WriteStringS(user)
	w.WriteStringS(serviceUserauth)
	w.WriteStringS("publickey")
	w.WriteBool(true)
	w.WriteStringS(algo)
	w.WriteString(pubBlob)
	return w.Bytes()
}

func (s *Session) attemptPublicKey(m Method) (bool, bool, []string, error) {
	pub := m.Signer.PublicKey()
	msg := signedBlob(s.sid, s.user, pub.Algo, pub.Blob)
	sig, err := m.Signer.Sign(msg)
	if err != nil {
		return false, false, nil, errors.Wrap(err, "publickey sign")
	}

	data := wire.NewBuffer()
	data.WriteBool(true) // has_sig
	data.WriteStringS(pub.Algo)
	data.WriteString(pub.Blob)
	data.WriteString(sig)

	req := messages.Message{
		Kind: messages.KindUserauthRequest,
		UserauthRequest: &messages.UserauthRequestMsg{
			User: s.user, Service: serviceUserauth, Method: "publickey",
			MethodData: data.Bytes(),
		},
	}
	if err := s.io.Send(req); err != nil {
		return false, false, nil, errors.Wrap(err, "send publickey request")
	}
	return s.finishAttempt()
}

func (s *Session) attemptPassword(m Method) (bool, bool, []string, error) {
	password, _, err := m.Password(false, "")
	if err != nil {
		return false, false, nil, errors.Wrap(err, "password prompt")
	}
	data := wire.NewBuffer()
	data.WriteBool(false) // not a change request
	data.WriteStringS(password)

	req := messages.Message{
		Kind: messages.KindUserauthRequest,
		UserauthRequest: &messages.UserauthRequestMsg{
			User: s.user, Service: serviceUserauth, Method: "password",
			MethodData: data.Bytes(),
		},
	}
	if err := s.io.Send(req); err != nil {
		return false, false, nil, errors.Wrap(err, "send password request")
	}

	for {
		m2, err := s.io.Recv()
		if err != nil {
			return false, false, nil, err
		}
		if m2.Kind == messages.KindUserauthPasswdChangereq {
			prompt, err := decodePasswdChangereq(m2)
			if err != nil {
				return false, false, nil, err
			}
			_, newPassword, err := m.Password(true, prompt)
			if err != nil {
				return false, false, nil, err
			}
			data := wire.NewBuffer()
			data.WriteBool(true)
			data.WriteStringS(password)
			data.WriteStringS(newPassword)
			req := messages.Message{
				Kind: messages.KindUserauthRequest,
				UserauthRequest: &messages.UserauthRequestMsg{
					User: s.user, Service: serviceUserauth, Method: "password",
					MethodData: data.Bytes(),
				},
			}
			if err := s.io.Send(req); err != nil {
				return false, false, nil, err
			}
			continue
		}
		return s.interpretOutcomeMessage(m2)
	}
}

func (s *Session) attemptKeyboardInteractive(m Method) (bool, bool, []string, error) {
	data := wire.NewBuffer()
	data.WriteStringS("") // name
	data.WriteStringS("") // instruction
	data.WriteStringS("") // language (deprecated, empty)
	data.WriteNameList(nil)

	req := messages.Message{
		Kind: messages.KindUserauthRequest,
		UserauthRequest: &messages.UserauthRequestMsg{
			User: s.user, Service: serviceUserauth, Method: "keyboard-interactive",
			MethodData: data.Bytes(),
		},
	}
	if err := s.io.Send(req); err != nil {
		return false, false, nil, errors.Wrap(err, "send keyboard-interactive request")
	}

	for {
		reply, err := s.io.Recv()
		if err != nil {
			return false, false, nil, err
		}
		if reply.Kind != messages.KindUserauthInfoRequest {
			return s.interpretOutcomeMessage(reply)
		}
		name, instruction, prompts, echo, err := decodeInfoRequest(reply)
		if err != nil {
			return false, false, nil, err
		}
		answers, err := m.Interactive(name, instruction, prompts, echo)
		if err != nil {
			return false, false, nil, err
		}
		resp := wire.NewBuffer()
		resp.WriteUint32(uint32(len(answers)))
		for _, a := range answers {
			resp.WriteStringS(a)
		}
		if err := s.io.Send(messages.Message{
			Kind: messages.KindUserauthInfoResponse,
			UserauthRequest: &messages.UserauthRequestMsg{MethodData: resp.Bytes()},
		}); err != nil {
			return false, false, nil, err
		}
	}
}

// decodePasswdChangereq reparses a PASSWD_CHANGEREQ's fields (prompt,
// language) from m.Raw: message number 60 is shared across publickey
// (PK_OK), password (PASSWD_CHANGEREQ) and keyboard-interactive
// (INFO_REQUEST), so the generic codec cannot pick a struct for it
// without knowing which method is in flight.
func decodePasswdChangereq(m messages.Message) (prompt string, err error) {
	r := wire.NewReader(m.Raw)
	prompt, err = r.ReadStringS()
	if err != nil {
		return "", errors.Wrap(err, "passwd_changereq: prompt")
	}
	return prompt, nil
}

// decodeInfoRequest reparses an INFO_REQUEST's fields (name, instruction,
// language, then one prompt+echo pair per entry) from m.Raw, for the same
// reason decodePasswdChangereq does: number 60 is context-overloaded.
func decodeInfoRequest(m messages.Message) (name, instruction string, prompts []string, echo []bool, err error) {
	r := wire.NewReader(m.Raw)
	if name, err = r.ReadStringS(); err != nil {
		return "", "", nil, nil, errors.Wrap(err, "info_request: name")
	}
	if instruction, err = r.ReadStringS(); err != nil {
		return "", "", nil, nil, errors.Wrap(err, "info_request: instruction")
	}
	if _, err = r.ReadStringS(); err != nil { // language, deprecated/empty
		return "", "", nil, nil, errors.Wrap(err, "info_request: language")
	}
	count, err := r.ReadUint32()
	if err != nil {
		return "", "", nil, nil, errors.Wrap(err, "info_request: num-prompts")
	}
	prompts = make([]string, count)
	echo = make([]bool, count)
	for i := range prompts {
		if prompts[i], err = r.ReadStringS(); err != nil {
			return "", "", nil, nil, errors.Wrapf(err, "info_request: prompt[%d]", i)
		}
		if echo[i], err = r.ReadBool(); err != nil {
			return "", "", nil, nil, errors.Wrapf(err, "info_request: echo[%d]", i)
		}
	}
	return name, instruction, prompts, echo, nil
}

func (s *Session) finishAttempt() (bool, bool, []string, error) {
	m, err := s.io.Recv()
	if err != nil {
		return false, false, nil, err
	}
	return s.interpretOutcomeMessage(m)
}

func (s *Session) interpretOutcomeMessage(m messages.Message) (bool, bool, []string, error) {
	switch m.Kind {
	case messages.KindUserauthBanner:
		if s.banner != nil && m.UserauthBanner != nil {
			s.banner(m.UserauthBanner.Message)
		}
		return s.finishAttemptAfterBanner()
	case messages.KindUserauthSuccess:
		return true, false, nil, nil
	case messages.KindUserauthFailure:
		if m.UserauthFailure == nil {
			return false, false, nil, errors.Wrap(ErrUnexpectedMessage, "empty USERAUTH_FAILURE")
		}
		// AllowedAuthentications and PartialSuccess are both always
		// surfaced regardless of the partial_success value: the server
		// narrows the allowed list on every FAILURE, and a true
		// partial_success still requires at least one more method.
		return false, m.UserauthFailure.PartialSuccess, m.UserauthFailure.AllowedAuthentications, nil
	case messages.KindUserauthPKOK:
		// publickey probe acknowledged; caller already sent the signed
		// request directly in this implementation (no separate probe
		// step), so a PK_OK here is unexpected.
		return false, false, nil, errors.Wrap(ErrUnexpectedMessage, "unexpected PK_OK")
	default:
		return false, false, nil, errors.Wrapf(ErrUnexpectedMessage, "kind %d", m.Kind)
	}
}

func (s *Session) finishAttemptAfterBanner() (bool, bool, []string, error) {
	m, err := s.io.Recv()
	if err != nil {
		return false, false, nil, err
	}
	return s.interpretOutcomeMessage(m)
}
