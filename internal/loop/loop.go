package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is the polling interval used when Config.Interval is unset.
const DefaultInterval = 5 * time.Millisecond

// ErrAlreadyStarted is returned by Start on a loop that was started before.
// Loops are single-use: a stopped loop cannot be restarted.
var ErrAlreadyStarted = errors.New("loop already started")

// Priority is a scheduling hint carried for diagnostics.
type Priority int

const (
	PriorityLowest Priority = iota
	PriorityBelowNormal
	PriorityNormal
	PriorityAboveNormal
	PriorityHighest
)

func (p Priority) String() string {
	switch p {
	case PriorityLowest:
		return "lowest"
	case PriorityBelowNormal:
		return "below_normal"
	case PriorityNormal:
		return "normal"
	case PriorityAboveNormal:
		return "above_normal"
	case PriorityHighest:
		return "highest"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Config describes a timed loop.
type Config struct {
	Name       string
	Background bool
	Priority   Priority
	Interval   time.Duration
}

// Stepper is the unit of work a Loop runs once per tick.
type Stepper interface {
	Step(ctx context.Context)
}

// StepFunc adapts a plain function to Stepper.
type StepFunc func(ctx context.Context)

func (f StepFunc) Step(ctx context.Context) { f(ctx) }

// Status is a point-in-time view of a loop.
type Status struct {
	Name         string        `json:"name"`
	Background   bool          `json:"background"`
	Priority     string        `json:"priority"`
	Interval     time.Duration `json:"interval"`
	Running      bool          `json:"running"`
	Ticks        uint64        `json:"ticks"`
	LastActivity time.Time     `json:"last_activity"`
}

// Loop runs a Stepper on its own goroutine about every Interval until a
// close is requested or the start context ends. Termination is cooperative:
// a step in progress always runs to completion.
type Loop struct {
	cfg    Config
	step   Stepper
	logger *slog.Logger

	started   atomic.Bool
	running   atomic.Bool
	closeReq  atomic.Bool
	ticks     atomic.Uint64
	lastAct   atomic.Int64 // unix nanos
	tickStart atomic.Int64 // unix nanos, set before each step

	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
}

// New constructs a loop. A nil logger falls back to slog.Default().
func New(cfg Config, step Stepper, logger *slog.Logger) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		cfg:    cfg,
		step:   step,
		logger: logger.With(slog.String("loop", cfg.Name)),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	l.lastAct.Store(time.Now().UnixNano())
	return l
}

// Name returns the configured loop name.
func (l *Loop) Name() string { return l.cfg.Name }

// Start launches the loop goroutine. Cancelling ctx stops the loop the same
// way RequestClose does.
func (l *Loop) Start(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	l.running.Store(true)
	go l.run(ctx)
	return nil
}

func (l *Loop) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop step panicked", slog.Any("panic", r))
		}
		l.running.Store(false)
		close(l.done)
	}()
	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.quit:
			return
		case <-t.C:
		}
		if l.closeReq.Load() {
			return
		}
		l.tickStart.Store(time.Now().UnixNano())
		l.step.Step(ctx)
		l.ticks.Add(1)
		if l.closeReq.Load() {
			return
		}
		t.Reset(l.cfg.Interval)
	}
}

// RequestClose asks the loop to stop at the next safe point. It never blocks.
func (l *Loop) RequestClose() {
	l.closeReq.Store(true)
	l.quitOnce.Do(func() { close(l.quit) })
}

// CloseRequested reports whether RequestClose was called.
func (l *Loop) CloseRequested() bool { return l.closeReq.Load() }

// Running reports whether the loop goroutine is alive.
func (l *Loop) Running() bool { return l.running.Load() }

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Wait blocks until the loop stopped or ctx ends. A loop that was never
// started returns immediately.
func (l *Loop) Wait(ctx context.Context) error {
	if !l.started.Load() {
		return nil
	}
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdateActivity records that the current tick did useful work.
func (l *Loop) UpdateActivity() { l.lastAct.Store(time.Now().UnixNano()) }

// LastActivity returns the time of the last productive tick.
func (l *Loop) LastActivity() time.Time { return time.Unix(0, l.lastAct.Load()) }

// SinceActivity is the span since the last productive tick.
func (l *Loop) SinceActivity() time.Duration { return time.Since(l.LastActivity()) }

// TickSpan is the stopwatch span since the running step began.
func (l *Loop) TickSpan() time.Duration {
	ts := l.tickStart.Load()
	if ts == 0 {
		return 0
	}
	return time.Since(time.Unix(0, ts))
}

// Status returns a snapshot of the loop state.
func (l *Loop) Status() Status {
	return Status{
		Name:         l.cfg.Name,
		Background:   l.cfg.Background,
		Priority:     l.cfg.Priority.String(),
		Interval:     l.cfg.Interval,
		Running:      l.running.Load(),
		Ticks:        l.ticks.Load(),
		LastActivity: l.LastActivity(),
	}
}
