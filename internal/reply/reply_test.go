package reply

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFOOrdering(t *testing.T) {
	q := New()
	first := q.Await()
	second := q.Await()

	require.NoError(t, q.Fulfill(Result{OK: true, Payload: "a"}))
	require.NoError(t, q.Fulfill(Result{OK: false, Payload: "b"}))

	r1 := <-first
	r2 := <-second
	assert.True(t, r1.OK)
	assert.Equal(t, "a", r1.Payload)
	assert.False(t, r2.OK)
	assert.Equal(t, "b", r2.Payload)
}

func TestFulfillWithNothingPendingErrors(t *testing.T) {
	q := New()
	assert.ErrorIs(t, q.Fulfill(Result{OK: true}), ErrQueueEmpty)
}

func TestAbortFailsAllOutstanding(t *testing.T) {
	q := New()
	first := q.Await()
	second := q.Await()

	sentinel := assert.AnError
	q.Abort(sentinel)

	r1 := <-first
	r2 := <-second
	assert.ErrorIs(t, r1.Err, sentinel)
	assert.ErrorIs(t, r2.Err, sentinel)
	assert.Equal(t, 0, q.Len())
}
