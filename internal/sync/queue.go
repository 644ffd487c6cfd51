package sync

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	stdsync "sync"
)

// ErrQueueEmpty is returned by GetNowait on an empty queue.
var ErrQueueEmpty = errors.New("sync: queue empty")

// Queue is the priority event queue between detection and transfer.
// Lower event type values dequeue first, FIFO within equal priority.
// At most one event is pending per path: a new Put replaces the
// existing entry regardless of priority, because the newest
// observation of a path supersedes older ones.
type Queue struct {
	mu      stdsync.Mutex
	heap    eventHeap
	byPath  map[string]*queueItem
	notify  chan struct{}
	seq     int64
	journal *Store // nil disables persistence
	logger  *slog.Logger
}

// NewQueue creates an empty queue. A non-nil journal store mirrors
// change events to disk so a crash can replay them.
func NewQueue(journal *Store, logger *slog.Logger) *Queue {
	return &Queue{
		byPath:  make(map[string]*queueItem),
		notify:  make(chan struct{}, 1),
		journal: journal,
		logger:  logger,
	}
}

// Put enqueues an event, replacing any pending event for the same
// path.
func (q *Queue) Put(ctx context.Context, ev Event) {
	q.mu.Lock()
	if existing, ok := q.byPath[ev.Path]; ok {
		q.logger.Debug("replacing queued event",
			slog.String("path", ev.Path),
			slog.String("old", existing.ev.Type.String()),
			slog.String("new", ev.Type.String()))
		existing.ev = ev
		existing.seq = q.nextSeq()
		heap.Fix(&q.heap, existing.index)
	} else {
		item := &queueItem{ev: ev, seq: q.nextSeq()}
		q.byPath[ev.Path] = item
		heap.Push(&q.heap, item)
	}
	q.mu.Unlock()

	if q.journal != nil && !isTransferResult(ev.Type) {
		if err := q.journal.JournalPut(ctx, ev); err != nil {
			q.logger.Warn("journaling event failed",
				slog.String("path", ev.Path), slog.String("error", err.Error()))
		}
	}

	q.signal()
}

// Get blocks until an event is available or ctx is done.
func (q *Queue) Get(ctx context.Context) (Event, error) {
	for {
		ev, err := q.GetNowait(ctx)
		if err == nil {
			return ev, nil
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-q.notify:
		}
	}
}

// GetNowait dequeues the highest-priority event or returns
// ErrQueueEmpty.
func (q *Queue) GetNowait(ctx context.Context) (Event, error) {
	q.mu.Lock()
	if q.heap.Len() == 0 {
		q.mu.Unlock()
		return Event{}, ErrQueueEmpty
	}

	item := heap.Pop(&q.heap).(*queueItem)
	delete(q.byPath, item.ev.Path)
	remaining := q.heap.Len()
	q.mu.Unlock()

	if q.journal != nil && !isTransferResult(item.ev.Type) {
		if err := q.journal.JournalRemove(ctx, item.ev.Path); err != nil {
			q.logger.Warn("removing journal row failed",
				slog.String("path", item.ev.Path), slog.String("error", err.Error()))
		}
	}

	if remaining > 0 {
		q.signal()
	}
	return item.ev, nil
}

// Len returns the number of pending events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.heap.Len()
}

// Replay reloads journaled events from a previous run into the queue.
func (q *Queue) Replay(ctx context.Context) (int, error) {
	if q.journal == nil {
		return 0, nil
	}

	events, err := q.journal.JournalPending(ctx)
	if err != nil {
		return 0, err
	}
	for _, ev := range events {
		q.Put(ctx, ev)
	}
	return len(events), nil
}

func (q *Queue) nextSeq() int64 {
	q.seq++
	return q.seq
}

// signal wakes one blocked Get without blocking the caller.
func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func isTransferResult(t EventType) bool {
	return t == TransferComplete || t == TransferFailed
}

type queueItem struct {
	ev    Event
	seq   int64
	index int
}

type eventHeap []*queueItem

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].ev.Type != h[j].ev.Type {
		return h[i].ev.Type < h[j].ev.Type
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *eventHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
