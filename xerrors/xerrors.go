// Package xerrors implements the error taxonomy used across this module's
// public surface: Transport, Protocol, Crypto, Auth, Channel, Policy,
// Timeout and Cancelled. The transport package wraps its framing and
// connection errors with one of these Kinds so callers can decide,
// mechanically, whether the session is still usable; the other packages
// return plain pkg/errors values that carry no Kind.
//
// Copyright (c) 2017-2024 Russell Magee
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
package xerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error per the fatality rules in the design's error
// handling section.
type Kind int

const (
	// Transport covers socket failure, malformed version lines, BPP
	// framing errors and MAC failures. Always fatal to the session.
	Transport Kind = iota
	// Protocol covers unexpected messages for the current state,
	// UNIMPLEMENTED replies, and bad field lengths. Fatal.
	Protocol
	// Crypto covers signature verification failure, rejected DH
	// parameters, and unknown algorithms post-negotiation. Fatal.
	Crypto
	// Auth covers exhausted or rejected authentication. The session is
	// closed but the failure is surfaced to the caller, not a BPP error.
	Auth
	// Channel covers per-channel open failures and protocol violations.
	// Local to the channel; the session stays open.
	Channel
	// Policy covers host key rejection by the configured verification
	// policy. Fatal.
	Policy
	// Timeout means an operation's deadline elapsed.
	Timeout
	// Cancelled means the caller's context was cancelled.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Protocol:
		return "protocol"
	case Crypto:
		return "crypto"
	case Auth:
		return "auth"
	case Channel:
		return "channel"
	case Policy:
		return "policy"
	case Timeout:
		return "timeout"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Fatal reports whether an error of this Kind always terminates the
// session (as opposed to Channel errors, which are local).
func (k Kind) Fatal() bool {
	switch k {
	case Transport, Protocol, Crypto, Policy:
		return true
	default:
		return false
	}
}

// Error wraps an underlying cause with a Kind and a message, and carries
// the pkg/errors stack trace of the original cause for diagnostics.
type Error struct {
	Kind Kind
	msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

// Unwrap allows errors.Is/errors.As to see through to the cause.
func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given Kind. If cause is non-nil it is
// wrapped with a pkg/errors stack trace (errors.WithStack) as Err.
func New(kind Kind, cause error, format string, args ...interface{}) *Error {
	msg := fmt.Sprintf(format, args...)
	if cause != nil {
		cause = errors.WithStack(cause)
	}
	return &Error{Kind: kind, msg: msg, Err: cause}
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
