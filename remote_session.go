package sshlib

import (
	"github.com/pkg/errors"

	"blitter.com/go/sshlib/channel"
	"blitter.com/go/sshlib/wire"
)

// Session wraps one opened "session" channel with the exec/shell/
// subsystem requests RFC 4254 6.5/6.7/6.9 layer on top of CHANNEL_REQUEST.
// Actual command execution is an external collaborator's concern (spec.md
// Non-goals); this type only performs the wire-level request and data
// plumbing, mirroring the plain getter/setter shape of the teacher's own
// Session record (session.go) generalized to a live channel instead of a
// static bookkeeping struct.
type Session struct {
	ch *channel.Channel
}

// Exec requests execution of cmd on the remote side (RFC 4254 6.5).
func (s *Session) Exec(cmd string) error {
	return s.request("exec", cmd)
}

// Shell requests an interactive shell on the remote side (RFC 4254 6.5).
func (s *Session) Shell() error {
	ok, err := s.ch.SendRequest("shell", true, nil)
	return s.reject(ok, err, "shell")
}

// Subsystem requests a named subsystem, e.g. "sftp" (RFC 4254 6.5).
func (s *Session) Subsystem(name string) error {
	return s.request("subsystem", name)
}

func (s *Session) request(requestType, arg string) error {
	w := wire.NewBuffer()
	w.WriteStringS(arg)
	ok, err := s.ch.SendRequest(requestType, true, w.Bytes())
	return s.reject(ok, err, requestType)
}

func (s *Session) reject(ok bool, err error, requestType string) error {
	if err != nil {
		return errors.Wrapf(err, "%s request", requestType)
	}
	if !ok {
		return errors.Errorf("%s request refused by peer", requestType)
	}
	return nil
}

// Write sends bytes on the channel's stdin stream, blocking on the
// remote window per spec.md 4.8's flow-control discipline.
func (s *Session) Write(p []byte) (int, error) { return s.ch.Write(p) }

// Read receives the next chunk of stdout data. ok is false once the
// channel has reached EOF or closed.
func (s *Session) Read() (data []byte, ok bool) { return s.ch.Read() }

// Stderr receives the next chunk of extended data on the stderr stream.
func (s *Session) Stderr() (data []byte, ok bool) { return s.ch.Stderr() }

// CloseWrite sends CHANNEL_EOF, signalling no more data will be written
// (half-duplex; the channel may still have data to read afterward).
func (s *Session) CloseWrite() error { return s.ch.CloseWrite() }

// ExitStatus reports the remote command's exit status, if the peer has
// sent an "exit-status" CHANNEL_REQUEST.
func (s *Session) ExitStatus() (status uint32, ok bool) { return s.ch.ExitStatus() }

// Close sends CHANNEL_CLOSE and blocks until the peer's CLOSE completes
// the handshake.
func (s *Session) Close() error { return s.ch.Close() }
