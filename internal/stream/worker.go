package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/pegstudy/internal/loop"
	"github.com/loykin/pegstudy/internal/metrics"
)

// DefaultMaxTick bounds how long one tick keeps draining the queue.
const DefaultMaxTick = 4 * time.Millisecond

// ErrDegraded is reported when a worker gave up reopening its channel.
var ErrDegraded = errors.New("stream worker degraded: channel cannot be opened")

// State is the coarse lifecycle state of a worker.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDegraded State = "degraded"
	StateStopped  State = "stopped"
)

// Config configures a Worker. Zero ResetInterval or NoDataTimeout disables
// the corresponding staleness check.
type Config struct {
	Name          string
	Background    bool
	Priority      loop.Priority
	Interval      time.Duration
	MaxTick       time.Duration
	ResetInterval time.Duration
	NoDataTimeout time.Duration
	Open          OpenPolicy
}

// Status is a snapshot of a worker for callers and the HTTP surface.
type Status struct {
	Name          string    `json:"name"`
	Target        string    `json:"target"`
	State         State     `json:"state"`
	Open          bool      `json:"open"`
	Queued        int       `json:"queued"`
	Written       uint64    `json:"written"`
	Dropped       uint64    `json:"dropped"`
	Resets        uint64    `json:"resets"`
	OpenFailures  uint64    `json:"open_failures"`
	WriteFailures uint64    `json:"write_failures"`
	LastActivity  time.Time `json:"last_activity"`
}

// Worker drains a queue of payloads into one Channel on its own loop.
// Enqueue and the status accessors are safe from any goroutine; the channel
// itself is only touched by the worker goroutine.
type Worker[T any] struct {
	cfg    Config
	ch     Channel[T]
	queue  Queue[T]
	loop   *loop.Loop
	logger *slog.Logger
	obs    observers
	now    func() time.Time

	closeReq atomic.Bool
	degraded atomic.Bool
	finished chan struct{}
	finOnce  sync.Once

	written       atomic.Uint64
	dropped       atomic.Uint64
	resets        atomic.Uint64
	openFailures  atomic.Uint64
	writeFailures atomic.Uint64

	// worker goroutine only
	primed     bool
	nextReset  time.Time
	lastData   time.Time
	failStreak int
	nextOpen   time.Time
}

// NewWorker builds a worker around ch. It does not start it.
func NewWorker[T any](cfg Config, ch Channel[T], logger *slog.Logger) *Worker[T] {
	if cfg.MaxTick <= 0 {
		cfg.MaxTick = DefaultMaxTick
	}
	cfg.Open = cfg.Open.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker[T]{
		cfg:      cfg,
		ch:       ch,
		logger:   logger.With(slog.String("worker", cfg.Name)),
		now:      time.Now,
		finished: make(chan struct{}),
	}
	w.loop = loop.New(loop.Config{
		Name:       cfg.Name,
		Background: cfg.Background,
		Priority:   cfg.Priority,
		Interval:   cfg.Interval,
	}, w, logger)
	return w
}

// Name returns the worker name.
func (w *Worker[T]) Name() string { return w.cfg.Name }

// Subscribe registers an event observer and returns its unsubscribe func.
func (w *Worker[T]) Subscribe(fn Observer) func() { return w.obs.add(fn) }

// Start launches the worker loop.
func (w *Worker[T]) Start(ctx context.Context) error {
	if err := w.loop.Start(ctx); err != nil {
		return err
	}
	metrics.SetWorkerState(w.cfg.Name, string(StateRunning))
	go func() {
		<-w.loop.Done()
		w.finish()
	}()
	return nil
}

// Enqueue appends payload to the outbound queue. It never blocks. Payloads
// enqueued after a close request are discarded by the closing tick; once the
// worker has stopped they are counted as dropped and never queued.
func (w *Worker[T]) Enqueue(payload T) {
	if isClosed(w.finished) {
		w.dropLate(1)
		return
	}
	w.queue.Push(payload)
	// finish may have cleared the queue between the check and the push
	if isClosed(w.finished) {
		w.dropLate(w.queue.Clear())
		return
	}
	metrics.SetQueueDepth(w.cfg.Name, w.queue.Len())
}

func (w *Worker[T]) dropLate(n int) {
	if n <= 0 {
		return
	}
	w.dropped.Add(uint64(n))
	metrics.AddDropped(w.cfg.Name, n)
}

// RequestCloseAtConvenience asks the worker to close its channel and stop
// within one tick. Pending payloads are dropped, not flushed.
func (w *Worker[T]) RequestCloseAtConvenience() {
	if w.closeReq.CompareAndSwap(false, true) {
		w.logger.Debug("close requested", slog.Int("pending", w.queue.Len()))
	}
}

// IsOpen reports whether the channel is currently open.
func (w *Worker[T]) IsOpen() bool { return w.ch.IsOpen() }

// Done is closed once the worker has stopped and released its channel.
func (w *Worker[T]) Done() <-chan struct{} { return w.finished }

// Wait blocks until the worker stopped or ctx ends.
func (w *Worker[T]) Wait(ctx context.Context) error {
	select {
	case <-w.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot of the worker.
func (w *Worker[T]) Status() Status {
	st := StateIdle
	switch {
	case isClosed(w.finished):
		st = StateStopped
	case w.degraded.Load():
		st = StateDegraded
	case w.loop.Running():
		st = StateRunning
	}
	return Status{
		Name:          w.cfg.Name,
		Target:        w.ch.Target(),
		State:         st,
		Open:          w.ch.IsOpen(),
		Queued:        w.queue.Len(),
		Written:       w.written.Load(),
		Dropped:       w.dropped.Load(),
		Resets:        w.resets.Load(),
		OpenFailures:  w.openFailures.Load(),
		WriteFailures: w.writeFailures.Load(),
		LastActivity:  w.loop.LastActivity(),
	}
}

// Step runs one tick. It is called by the loop and is not meant for callers.
func (w *Worker[T]) Step(ctx context.Context) {
	metrics.IncWorkerTick(w.cfg.Name)
	if w.closeReq.Load() {
		w.loop.RequestClose()
		return
	}
	if !w.primed {
		w.prime(ctx)
	}

	activity := false
	didOne := true
	for didOne && w.loop.TickSpan() < w.cfg.MaxTick {
		didOne = false
		if w.drainOne(ctx) {
			didOne = true
		}
		if w.closeReq.Load() {
			w.loop.RequestClose()
			return
		}
		if w.pollOnce(ctx) {
			didOne = true
		}
		if w.closeReq.Load() {
			w.loop.RequestClose()
			return
		}
		if didOne {
			activity = true
		}
	}
	metrics.SetQueueDepth(w.cfg.Name, w.queue.Len())
	if activity {
		w.loop.UpdateActivity()
	} else {
		metrics.IncWorkerIdle(w.cfg.Name)
		if idler, ok := w.ch.(Idler); ok {
			idler.Idle()
		}
	}
	w.resetPass(ctx)
}

func (w *Worker[T]) prime(ctx context.Context) {
	w.primed = true
	now := w.now()
	w.lastData = now
	if w.cfg.ResetInterval > 0 {
		w.nextReset = now.Add(w.cfg.ResetInterval)
	}
	if !w.ch.IsOpen() {
		w.openChannel(ctx)
	}
}

// drainOne writes at most one payload. Payloads stay queued while the
// channel is closed and waiting for its next open attempt.
func (w *Worker[T]) drainOne(ctx context.Context) bool {
	if w.degraded.Load() {
		if n := w.queue.Clear(); n > 0 {
			w.dropped.Add(uint64(n))
			metrics.AddDropped(w.cfg.Name, n)
		}
		return false
	}
	if w.queue.Len() == 0 {
		return false
	}
	if !w.ch.IsOpen() && !w.openChannel(ctx) {
		return false
	}
	p, ok := w.queue.Pop()
	if !ok {
		return false
	}
	if err := w.ch.Write(ctx, p); err != nil {
		w.writeFailures.Add(1)
		w.dropped.Add(1)
		metrics.IncWriteError(w.cfg.Name)
		metrics.AddDropped(w.cfg.Name, 1)
		w.logger.Warn("write failed, recycling channel", slog.String("target", w.ch.Target()), slog.Any("error", err))
		w.emit(Event{Type: EventWriteFailed, Err: err.Error(), Dropped: 1})
		w.closeChannel()
		return true
	}
	w.written.Add(1)
	metrics.IncWritten(w.cfg.Name)
	return true
}

func (w *Worker[T]) pollOnce(ctx context.Context) bool {
	if w.degraded.Load() || !w.ch.IsOpen() {
		return false
	}
	got, err := w.ch.Poll(ctx)
	if err != nil {
		w.logger.Warn("poll failed, recycling channel", slog.String("target", w.ch.Target()), slog.Any("error", err))
		w.closeChannel()
		return false
	}
	if got {
		w.lastData = w.now()
	}
	return got
}

// resetPass runs after the drain: forced reset first, then the no-data
// timeout, then reopen whatever is closed.
func (w *Worker[T]) resetPass(ctx context.Context) {
	now := w.now()
	switch {
	case w.cfg.ResetInterval > 0 && !now.Before(w.nextReset):
		w.nextReset = now.Add(w.cfg.ResetInterval)
		if w.ch.IsOpen() {
			w.logger.Debug("forced reset", slog.String("target", w.ch.Target()))
			w.resets.Add(1)
			metrics.IncReset(w.cfg.Name, string(EventForcedReset))
			w.emit(Event{Type: EventForcedReset})
			w.closeChannel()
		}
	case w.cfg.NoDataTimeout > 0 && now.Sub(w.lastData) >= w.cfg.NoDataTimeout:
		w.lastData = now
		if w.ch.IsOpen() {
			w.logger.Info("no data received, recycling channel",
				slog.String("target", w.ch.Target()), slog.Duration("timeout", w.cfg.NoDataTimeout))
			w.resets.Add(1)
			metrics.IncReset(w.cfg.Name, string(EventNoDataTimeout))
			w.emit(Event{Type: EventNoDataTimeout})
			w.closeChannel()
		}
	}
	if !w.ch.IsOpen() {
		w.openChannel(ctx)
	}
}

func (w *Worker[T]) openChannel(ctx context.Context) bool {
	if w.degraded.Load() {
		return false
	}
	now := w.now()
	if now.Before(w.nextOpen) {
		return false
	}
	if err := w.ch.Open(ctx); err != nil {
		w.failStreak++
		w.openFailures.Add(1)
		metrics.IncOpenFailure(w.cfg.Name)
		w.emit(Event{Type: EventOpenFailed, Err: err.Error()})
		if w.cfg.Open.degrades(w.failStreak) {
			w.degraded.Store(true)
			n := w.queue.Clear()
			w.dropped.Add(uint64(n))
			metrics.AddDropped(w.cfg.Name, n)
			metrics.SetWorkerState(w.cfg.Name, string(StateDegraded))
			w.logger.Error("giving up on channel", slog.String("target", w.ch.Target()),
				slog.Int("attempts", w.failStreak), slog.Any("error", err))
			w.emit(Event{Type: EventDegraded, Err: ErrDegraded.Error(), Dropped: n})
			return false
		}
		wait := w.cfg.Open.delay(w.failStreak)
		w.nextOpen = now.Add(wait)
		w.logger.Warn("open failed", slog.String("target", w.ch.Target()),
			slog.Int("attempt", w.failStreak), slog.Duration("retry_in", wait), slog.Any("error", err))
		return false
	}
	w.failStreak = 0
	w.nextOpen = time.Time{}
	w.lastData = now
	metrics.IncOpen(w.cfg.Name)
	w.logger.Debug("channel opened", slog.String("target", w.ch.Target()))
	w.emit(Event{Type: EventOpened})
	return true
}

func (w *Worker[T]) closeChannel() {
	if err := w.ch.Close(); err != nil {
		w.logger.Debug("close failed", slog.String("target", w.ch.Target()), slog.Any("error", err))
	}
	w.emit(Event{Type: EventClosed})
}

// finish runs once after the loop goroutine exited; the channel is no longer
// touched by the loop, so it is safe to release it here.
func (w *Worker[T]) finish() {
	w.finOnce.Do(func() {
		if w.ch.IsOpen() {
			w.closeChannel()
		}
		n := w.queue.Clear()
		if n > 0 {
			w.dropped.Add(uint64(n))
			metrics.AddDropped(w.cfg.Name, n)
		}
		metrics.SetQueueDepth(w.cfg.Name, 0)
		metrics.SetWorkerState(w.cfg.Name, string(StateStopped))
		w.logger.Debug("worker stopped", slog.Int("dropped", n))
		w.emit(Event{Type: EventStopped, Dropped: n})
		close(w.finished)
	})
}

func (w *Worker[T]) emit(e Event) {
	e.Worker = w.cfg.Name
	e.Target = w.ch.Target()
	if e.OccurredAt.IsZero() {
		e.OccurredAt = w.now()
	}
	w.obs.emit(e)
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
