package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ivanlppires/supernavi-edge-sub000/pkg/store"
)

func TestQueueFIFO(t *testing.T) {
	q := New(4)
	require.NoError(t, q.Push(Payload{JobID: "1", Type: store.JobP0}))
	require.NoError(t, q.Push(Payload{JobID: "2", Type: store.JobTilegen}))

	p, ok := q.Pop(time.Second)
	require.True(t, ok)
	require.Equal(t, "1", p.JobID)
	p, ok = q.Pop(time.Second)
	require.True(t, ok)
	require.Equal(t, "2", p.JobID)
}

func TestQueuePopTimesOut(t *testing.T) {
	q := New(1)
	start := time.Now()
	_, ok := q.Pop(20 * time.Millisecond)
	require.False(t, ok)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestQueueFull(t *testing.T) {
	q := New(1)
	require.NoError(t, q.Push(Payload{JobID: "1"}))
	require.ErrorIs(t, q.Push(Payload{JobID: "2"}), ErrFull)
}

func TestQueueClose(t *testing.T) {
	q := New(2)
	require.NoError(t, q.Push(Payload{JobID: "1"}))
	q.Close()

	require.ErrorIs(t, q.Push(Payload{JobID: "2"}), ErrClosed)

	// Pending payloads drain, then pops report closed.
	p, ok := q.Pop(time.Second)
	require.True(t, ok)
	require.Equal(t, "1", p.JobID)
	_, ok = q.Pop(10 * time.Millisecond)
	require.False(t, ok)
}
