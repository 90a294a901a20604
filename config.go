// Package sshlib ties the transport, auth and channel layers into the
// consumer-facing operations of spec.md 6: connect, open a session
// channel, exec/shell/subsystem, send/recv, close, disconnect.
//
// Copyright (c) 2017-2024 Russell Magee
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
package sshlib

import (
	"time"

	"blitter.com/go/sshlib/algorithms"
	"blitter.com/go/sshlib/auth"
	"blitter.com/go/sshlib/kex"
)

// Default channel flow-control parameters (spec.md 6): a generous local
// window keeps Write on the peer's side from blocking on every small
// payload, at the cost of holding more unacknowledged data in flight.
const (
	DefaultInitialWindowSize = 2 << 20 // 2 MiB
	DefaultMaxPacketSize     = 32 << 10
)

// Default timeouts and intervals (spec.md 6).
const (
	DefaultConnectTimeout    = 30 * time.Second
	DefaultAuthTimeout       = 2 * time.Minute
	DefaultKeepAliveInterval = 30 * time.Second
)

// ClientConfig gathers everything Dial needs: which user to authenticate
// as and with which methods, which algorithms to offer, how to judge the
// server's host key, and the channel/timeout knobs. It plays the same
// role as the teacher's flag-parsed CLI config (xs/xs.go), generalized
// into a library-level struct with no CLI dependency of its own.
type ClientConfig struct {
	User  string
	Auth  []auth.Method
	Banner func(message string)

	HostKeyPolicy kex.HostKeyPolicy
	Preferences   algorithms.Preferences

	ConnectTimeout    time.Duration
	AuthTimeout       time.Duration
	KeepAliveInterval time.Duration // 0 disables the keepalive loop

	InitialWindowSize uint32
	MaxPacketSize     uint32
}

// DefaultConfig returns a ClientConfig with every knob at its spec.md 6
// default except User, Auth and HostKeyPolicy, which the caller must
// supply.
func DefaultConfig() ClientConfig {
	return ClientConfig{
		Preferences:       algorithms.Default(),
		ConnectTimeout:    DefaultConnectTimeout,
		AuthTimeout:       DefaultAuthTimeout,
		KeepAliveInterval: DefaultKeepAliveInterval,
		InitialWindowSize: DefaultInitialWindowSize,
		MaxPacketSize:     DefaultMaxPacketSize,
	}
}
