// Package reply implements the PendingReply correlator (spec.md 3): a
// FIFO queue of outstanding want_reply requests, fulfilled in the order
// their responses arrive, since SSH carries no request id to match
// against.
//
// Copyright (c) 2017-2024 Russell Magee
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
package reply

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrQueueEmpty is returned by Fulfill when a reply arrives with no
// outstanding request to match it against — always a peer protocol
// violation (an unsolicited SUCCESS/FAILURE).
var ErrQueueEmpty = errors.New("reply received with no pending request")

// Queue is a FIFO of pending replies for one correlation domain (global
// requests, or one channel's requests — spec.md 4.8 notes there is one
// independent FIFO per channel, not one shared across the connection).
type Queue struct {
	mu      sync.Mutex
	pending []chan Result
}

// Result is what a completed request resolves to: success/failure plus
// whatever typed payload the caller cares about (e.g. a REQUEST_SUCCESS's
// type-specific data, or nil for a plain SUCCESS/FAILURE).
type Result struct {
	OK      bool
	Payload interface{}
	Err     error
}

// New builds an empty pending-reply queue.
func New() *Queue { return &Queue{} }

// Await registers a new outstanding request and returns a channel that
// receives exactly one Result once Fulfill matches it, in the order
// Await was called.
func (q *Queue) Await() <-chan Result {
	ch := make(chan Result, 1)
	q.mu.Lock()
	q.pending = append(q.pending, ch)
	q.mu.Unlock()
	return ch
}

// Fulfill resolves the oldest outstanding request with res. Returns
// ErrQueueEmpty if nothing was pending.
func (q *Queue) Fulfill(res Result) error {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return ErrQueueEmpty
	}
	ch := q.pending[0]
	q.pending = q.pending[1:]
	q.mu.Unlock()
	ch <- res
	close(ch)
	return nil
}

// Abort fails every outstanding request with err, used when the
// transport or channel the queue belongs to is torn down with requests
// still in flight.
func (q *Queue) Abort(err error) {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()
	for _, ch := range pending {
		ch <- Result{OK: false, Err: err}
		close(ch)
	}
}

// Len reports the number of outstanding requests, mostly for tests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
