package sshlib

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"blitter.com/go/sshlib/auth"
	"blitter.com/go/sshlib/kex"
)

func TestDialRejectsIncompleteConfig(t *testing.T) {
	_, err := Dial("localhost:22", ClientConfig{})
	assert.ErrorIs(t, err, ErrMissingUser)

	_, err = Dial("localhost:22", ClientConfig{User: "alice"})
	assert.ErrorIs(t, err, ErrMissingAuthMethods)

	_, err = Dial("localhost:22", ClientConfig{User: "alice", Auth: []auth.Method{{Name: "password"}}})
	assert.ErrorIs(t, err, ErrMissingHostKeyPolicy)
}

func TestDefaultConfigFillsTimeoutsAndWindow(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, DefaultInitialWindowSize, int(cfg.InitialWindowSize))
	assert.Equal(t, DefaultMaxPacketSize, int(cfg.MaxPacketSize))
	assert.Equal(t, DefaultKeepAliveInterval, cfg.KeepAliveInterval)
	assert.NotEmpty(t, cfg.Preferences.KEX)
}

func TestDialFailsFastOnUnreachableHost(t *testing.T) {
	cfg := DefaultConfig()
	cfg.User = "alice"
	cfg.Auth = []auth.Method{{Name: "password", Password: func(bool, string) (string, string, error) { return "x", "", nil }}}
	cfg.HostKeyPolicy = kex.AcceptAnyHostKey{}
	cfg.ConnectTimeout = 0

	_, err := Dial("127.0.0.1:1", cfg)
	assert.Error(t, err)
}
