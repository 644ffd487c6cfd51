package sync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"runtime"
	stdsync "sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/syncagent/syncagent/internal/client"
)

const (
	// taskBuffer sizes the FIFO task channel. The coordinator blocks
	// when it fills, which back-pressures dispatch naturally.
	taskBuffer = 1024

	// speedWindow is how much transfer history feeds the rate shown
	// on the dashboard.
	speedWindow = 5 * time.Second

	// healthPollInterval is how often the pool probes the server
	// while waiting for the network to come back.
	healthPollInterval = 3 * time.Second

	// maxAttempts bounds retries for non-network errors before the
	// file is declared failed.
	maxAttempts = 4

	retryBase = time.Second
	retryMax  = 30 * time.Second

	shutdownGrace = 10 * time.Second
)

// errCanceled aborts a transfer at a cancellation probe.
var errCanceled = errors.New("sync: transfer canceled")

// cancelFlag is the cooperative cancellation signal for one transfer.
// Workers probe it between chunk operations; the coordinator raises
// it when a superseding event arrives.
type cancelFlag struct {
	v atomic.Bool
}

func (c *cancelFlag) Cancel()        { c.v.Store(true) }
func (c *cancelFlag) Canceled() bool { return c.v.Load() }

// Task is one unit of transfer work dispatched by the coordinator.
type Task struct {
	Event    Event
	Transfer TransferType
	Cancel   *cancelFlag

	// conflictHandled is set by the transferrer when the conflict
	// protocol terminated the task. The completion is then counted
	// under conflicts, not as a finished transfer.
	conflictHandled bool
}

// SpeedMeter tracks transfer throughput over a sliding window.
type SpeedMeter struct {
	mu      stdsync.Mutex
	samples []speedSample
}

type speedSample struct {
	at    time.Time
	bytes int64
}

// Record adds transferred bytes at the current time.
func (m *SpeedMeter) Record(n int64) {
	now := time.Now()

	m.mu.Lock()
	m.samples = append(m.samples, speedSample{at: now, bytes: n})
	m.trim(now)
	m.mu.Unlock()
}

// BytesPerSecond returns the windowed average rate.
func (m *SpeedMeter) BytesPerSecond() float64 {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.trim(now)

	var total int64
	for _, s := range m.samples {
		total += s.bytes
	}
	return float64(total) / speedWindow.Seconds()
}

func (m *SpeedMeter) trim(now time.Time) {
	cutoff := now.Add(-speedWindow)
	i := 0
	for i < len(m.samples) && m.samples[i].at.Before(cutoff) {
		i++
	}
	m.samples = m.samples[i:]
}

// Pool runs transfer tasks on a fixed set of workers. Completed and
// failed tasks report back through the event queue so the coordinator
// processes results in its own goroutine.
type Pool struct {
	api      *client.Client
	transfer *Transferrer
	queue    *Queue
	workers  int
	logger   *slog.Logger

	tasks chan *Task
	wg    stdsync.WaitGroup

	uploads   atomic.Int32
	downloads atomic.Int32
}

// NewPool creates a pool. workers <= 0 selects max(NumCPU, 2).
func NewPool(api *client.Client, transfer *Transferrer, queue *Queue, workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
		if workers < 2 {
			workers = 2
		}
	}

	return &Pool{
		api:      api,
		transfer: transfer,
		queue:    queue,
		workers:  workers,
		logger:   logger,
		tasks:    make(chan *Task, taskBuffer),
	}
}

// Start spawns the workers.
func (p *Pool) Start(ctx context.Context) {
	for range p.workers {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info("transfer pool started", slog.Int("workers", p.workers))
}

// Submit queues a task for execution. Blocks if the task channel is
// full.
func (p *Pool) Submit(ctx context.Context, t *Task) {
	select {
	case p.tasks <- t:
	case <-ctx.Done():
	}
}

// Stop waits for workers to finish in-flight tasks, up to a bounded
// grace period. Callers cancel ctx first so workers stop at their
// next probe.
func (p *Pool) Stop() {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownGrace):
		p.logger.Warn("transfer pool shutdown timed out")
	}
}

// InFlight returns the numbers of running uploads and downloads.
func (p *Pool) InFlight() (uploads, downloads int) {
	return int(p.uploads.Load()), int(p.downloads.Load())
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-p.tasks:
			p.runTask(ctx, t)
		}
	}
}

// runTask executes one task with the retry policy: network failures
// wait for connectivity and requeue the task unchanged, other
// failures retry with exponential backoff until the attempt cap.
func (p *Pool) runTask(ctx context.Context, t *Task) {
	p.trackStart(t)
	defer p.trackEnd(t)

	var err error
	for attempt := 1; ; attempt++ {
		err = p.execute(ctx, t)
		if err == nil {
			p.queue.Put(ctx, Event{
				Type:            TransferComplete,
				Path:            t.Event.Path,
				ServerVersion:   t.Event.ServerVersion,
				conflictHandled: t.conflictHandled,
			})
			return
		}

		if errors.Is(err, errCanceled) || ctx.Err() != nil {
			p.queue.Put(ctx, Event{Type: TransferFailed, Path: t.Event.Path, Err: errCanceled})
			return
		}

		if isNetworkError(err) {
			// Connection loss is not failure: hold the task, wait for
			// the server to answer again, and start over.
			p.logger.Info("network error, waiting for connectivity",
				slog.String("path", t.Event.Path), slog.String("error", err.Error()))
			if !p.waitForNetwork(ctx) {
				p.queue.Put(ctx, Event{Type: TransferFailed, Path: t.Event.Path, Err: errCanceled})
				return
			}
			attempt = 0
			continue
		}

		if attempt >= maxAttempts {
			break
		}

		delay := backoffDelay(attempt)
		p.logger.Warn("transfer failed, retrying",
			slog.String("path", t.Event.Path),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", delay),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			p.queue.Put(ctx, Event{Type: TransferFailed, Path: t.Event.Path, Err: errCanceled})
			return
		case <-time.After(delay):
		}
	}

	p.logger.Error("transfer failed permanently",
		slog.String("path", t.Event.Path),
		slog.String("transfer", t.Transfer.String()),
		slog.String("error", err.Error()))
	p.queue.Put(ctx, Event{Type: TransferFailed, Path: t.Event.Path, Err: err})
}

func (p *Pool) execute(ctx context.Context, t *Task) error {
	switch t.Transfer {
	case TransferUpload:
		return p.transfer.Upload(ctx, t)
	case TransferDownload:
		return p.transfer.Download(ctx, t)
	case TransferDelete:
		return p.transfer.Delete(ctx, t)
	default:
		return errors.New("sync: unknown transfer type")
	}
}

func (p *Pool) trackStart(t *Task) {
	switch t.Transfer {
	case TransferUpload:
		p.uploads.Add(1)
	case TransferDownload:
		p.downloads.Add(1)
	}
}

func (p *Pool) trackEnd(t *Task) {
	switch t.Transfer {
	case TransferUpload:
		p.uploads.Add(-1)
	case TransferDownload:
		p.downloads.Add(-1)
	}
}

// waitForNetwork polls the health endpoint until the server answers
// or ctx ends. Returns false on cancellation.
func (p *Pool) waitForNetwork(ctx context.Context) bool {
	for {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := p.api.Health(probeCtx)
		cancel()
		if err == nil {
			p.logger.Info("server reachable again")
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(healthPollInterval):
		}
	}
}

func backoffDelay(attempt int) time.Duration {
	d := retryBase << (attempt - 1)
	if d > retryMax {
		d = retryMax
	}
	return d
}

// isNetworkError reports whether err is a connectivity failure rather
// than a server-side or logic error. API errors carry an HTTP status
// and are never network errors: the request reached the server.
func isNetworkError(err error) bool {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
