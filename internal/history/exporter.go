package history

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loykin/pegstudy/internal/stream"
)

// DefaultSendTimeout bounds one Send call.
const DefaultSendTimeout = 5 * time.Second

// SinkChannel adapts a Sink to a stream channel so events are delivered by
// a background worker.
type SinkChannel struct {
	sink    Sink
	target  string
	timeout time.Duration
	open    atomic.Bool
}

// NewSinkChannel wraps sink. target names it in logs and events.
func NewSinkChannel(sink Sink, target string, timeout time.Duration) *SinkChannel {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &SinkChannel{sink: sink, target: target, timeout: timeout}
}

func (c *SinkChannel) Open(context.Context) error {
	c.open.Store(true)
	return nil
}

func (c *SinkChannel) Close() error {
	c.open.Store(false)
	return nil
}

func (c *SinkChannel) Write(ctx context.Context, e Event) error {
	c.open.Store(true)
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.sink.Send(ctx, e); err != nil {
		return fmt.Errorf("history sink %s: %w", c.target, err)
	}
	return nil
}

func (c *SinkChannel) Poll(context.Context) (bool, error) { return false, nil }
func (c *SinkChannel) IsOpen() bool                       { return c.open.Load() }
func (c *SinkChannel) Target() string                     { return c.target }

// Exporter forwards worker events to a sink without blocking the workers
// that produced them.
type Exporter struct {
	session string
	sink    Sink
	worker  *stream.Worker[Event]
}

// NewExporter builds an exporter. cfg.Name defaults to "history".
func NewExporter(sink Sink, target, session string, cfg stream.Config, logger *slog.Logger) *Exporter {
	if cfg.Name == "" {
		cfg.Name = "history"
	}
	ch := NewSinkChannel(sink, target, 0)
	return &Exporter{
		session: session,
		sink:    sink,
		worker:  stream.NewWorker[Event](cfg, ch, logger),
	}
}

// Start runs the export worker.
func (x *Exporter) Start(ctx context.Context) error { return x.worker.Start(ctx) }

// Observe is a stream.Observer; subscribe it to the workers to export.
func (x *Exporter) Observe(e stream.Event) { x.worker.Enqueue(FromStream(x.session, e)) }

// Status reports the export worker.
func (x *Exporter) Status() stream.Status { return x.worker.Status() }

// Close stops the worker, waits for it and closes the sink when it
// implements io.Closer.
func (x *Exporter) Close(ctx context.Context) error {
	x.worker.RequestCloseAtConvenience()
	err := x.worker.Wait(ctx)
	if c, ok := x.sink.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
