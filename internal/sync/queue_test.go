package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueOrdersByPriority(t *testing.T) {
	q := NewQueue(nil, testLogger())
	ctx := context.Background()

	q.Put(ctx, Event{Type: RemoteModified, Path: "c.txt"})
	q.Put(ctx, Event{Type: LocalCreated, Path: "b.txt"})
	q.Put(ctx, Event{Type: LocalDeleted, Path: "a.txt"})

	events := drainQueue(t, q)
	require.Len(t, events, 3)
	assert.Equal(t, LocalDeleted, events[0].Type)
	assert.Equal(t, LocalCreated, events[1].Type)
	assert.Equal(t, RemoteModified, events[2].Type)
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	q := NewQueue(nil, testLogger())
	ctx := context.Background()

	q.Put(ctx, Event{Type: LocalCreated, Path: "first.txt"})
	q.Put(ctx, Event{Type: LocalCreated, Path: "second.txt"})
	q.Put(ctx, Event{Type: LocalCreated, Path: "third.txt"})

	events := drainQueue(t, q)
	require.Len(t, events, 3)
	assert.Equal(t, "first.txt", events[0].Path)
	assert.Equal(t, "second.txt", events[1].Path)
	assert.Equal(t, "third.txt", events[2].Path)
}

func TestQueueReplacesPerPath(t *testing.T) {
	q := NewQueue(nil, testLogger())
	ctx := context.Background()

	q.Put(ctx, Event{Type: LocalCreated, Path: "a.txt"})
	q.Put(ctx, Event{Type: LocalModified, Path: "a.txt"})
	assert.Equal(t, 1, q.Len())

	// The replacement wins even when its priority is lower than the
	// replaced event's.
	q.Put(ctx, Event{Type: RemoteModified, Path: "a.txt", ServerVersion: 4})
	assert.Equal(t, 1, q.Len())

	ev, err := q.GetNowait(ctx)
	require.NoError(t, err)
	assert.Equal(t, RemoteModified, ev.Type)
	assert.Equal(t, int64(4), ev.ServerVersion)
}

func TestQueueGetNowaitEmpty(t *testing.T) {
	q := NewQueue(nil, testLogger())

	_, err := q.GetNowait(context.Background())
	require.ErrorIs(t, err, ErrQueueEmpty)
}

func TestQueueGetBlocksUntilPut(t *testing.T) {
	q := NewQueue(nil, testLogger())
	ctx := context.Background()

	got := make(chan Event, 1)
	go func() {
		ev, err := q.Get(ctx)
		if err == nil {
			got <- ev
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Put(ctx, Event{Type: LocalCreated, Path: "late.txt"})

	select {
	case ev := <-got:
		assert.Equal(t, "late.txt", ev.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("Get did not wake up after Put")
	}
}

func TestQueueGetHonorsContext(t *testing.T) {
	q := NewQueue(nil, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Get(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueJournalReplay(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	q := NewQueue(store, testLogger())
	q.Put(ctx, Event{Type: RemoteCreated, Path: "b.txt", ServerVersion: 2})
	q.Put(ctx, Event{Type: LocalDeleted, Path: "a.txt"})

	// Simulated restart: a fresh queue over the same store.
	q2 := NewQueue(store, testLogger())
	replayed, err := q2.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, replayed)

	events := drainQueue(t, q2)
	require.Len(t, events, 2)
	assert.Equal(t, LocalDeleted, events[0].Type)
	assert.Equal(t, RemoteCreated, events[1].Type)
	assert.Equal(t, int64(2), events[1].ServerVersion)

	// Consumed events leave the journal.
	pending, err := store.JournalPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestQueueTransferResultsNotJournaled(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	q := NewQueue(store, testLogger())
	q.Put(ctx, Event{Type: TransferComplete, Path: "a.txt"})

	pending, err := store.JournalPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, 1, q.Len())
}
