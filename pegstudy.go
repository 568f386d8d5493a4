package pegstudy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/pegstudy/internal/canetroller"
	"github.com/loykin/pegstudy/internal/channel/serial"
	cfg "github.com/loykin/pegstudy/internal/config"
	"github.com/loykin/pegstudy/internal/history"
	"github.com/loykin/pegstudy/internal/history/factory"
	"github.com/loykin/pegstudy/internal/metrics"
	"github.com/loykin/pegstudy/internal/recorder"
	iapi "github.com/loykin/pegstudy/internal/server"
	"github.com/loykin/pegstudy/internal/stream"
)

// Re-export the types embedders work with.

type Config = cfg.Config

type Kind = recorder.Kind

type Pose = recorder.Pose

type Vec3 = recorder.Vec3

type Direction = canetroller.Direction

type Status = stream.Status

type Event = stream.Event

const (
	KindStats = recorder.KindStats
	KindData  = recorder.KindData
	KindPeg   = recorder.KindPeg
	KindHole  = recorder.KindHole

	Up    = canetroller.Up
	Down  = canetroller.Down
	Right = canetroller.Right
	Left  = canetroller.Left
	Stab  = canetroller.Stab
)

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

func DefaultConfig() (*Config, error) { return cfg.Default() }

// Option customises a Rig.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	serialOpts []serial.Option
	sink       history.Sink
}

// WithLogger replaces the logger built from the [log] section.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithSerialOptions passes options to the canetroller port, e.g. a custom opener.
func WithSerialOptions(opts ...serial.Option) Option {
	return func(o *options) { o.serialOpts = append(o.serialOpts, opts...) }
}

// WithHistorySink exports lifecycle events to sink instead of the one the
// history DSN names. History export is enabled regardless of config.
func WithHistorySink(s history.Sink) Option { return func(o *options) { o.sink = s } }

// Rig wires the recorder, the optional canetroller and the optional history
// exporter built from one Config.
type Rig struct {
	cfg       *Config
	logger    *slog.Logger
	logCloser io.Closer

	recorder    *recorder.Recorder
	canetroller *canetroller.Controller
	history     *history.Exporter

	unsubscribe []func()
	started     bool
}

// New builds a rig. Nothing runs until Start.
func New(c *Config, opts ...Option) (*Rig, error) {
	if c == nil {
		return nil, errors.New("nil config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	r := &Rig{cfg: c, logger: o.logger}
	if r.logger == nil {
		r.logger, r.logCloser = c.Log.NewSlogger()
	}

	r.recorder = recorder.New(c.RecorderOptions(), r.logger)
	if c.Canetroller.Enabled {
		r.canetroller = canetroller.New(c.CanetrollerOptions(), r.logger, o.serialOpts...)
	}

	sink, target := o.sink, "custom"
	if sink == nil && c.History.Enabled {
		s, err := factory.NewSinkFromDSN(c.History.DSN)
		if err != nil {
			r.closeLog()
			return nil, fmt.Errorf("history sink: %w", err)
		}
		sink, target = s, redactDSN(c.History.DSN)
	}
	if sink != nil {
		r.history = history.NewExporter(sink, target, r.recorder.Session(), c.History.Stream("history"), r.logger)
		r.unsubscribe = append(r.unsubscribe, r.recorder.Subscribe(r.history.Observe))
		if r.canetroller != nil {
			r.unsubscribe = append(r.unsubscribe, r.canetroller.SubscribeEvents(r.history.Observe))
		}
	}
	if r.canetroller != nil {
		r.unsubscribe = append(r.unsubscribe, r.canetroller.Subscribe(func(n serial.Notification) {
			r.logger.Debug("canetroller notification", slog.String("port", n.Port), slog.Any("fields", n.Fields))
		}))
	}
	return r, nil
}

// Start runs the canetroller and history workers. Recorder workers start as
// files are created.
func (r *Rig) Start(ctx context.Context) error {
	if r.history != nil {
		if err := r.history.Start(ctx); err != nil {
			return fmt.Errorf("start history: %w", err)
		}
	}
	if r.canetroller != nil {
		if err := r.canetroller.Start(ctx); err != nil {
			return fmt.Errorf("start canetroller: %w", err)
		}
	}
	r.started = true
	return nil
}

func (r *Rig) Logger() *slog.Logger { return r.logger }

func (r *Rig) Recorder() *recorder.Recorder { return r.recorder }

// Canetroller is nil unless [canetroller] enabled = true.
func (r *Rig) Canetroller() *canetroller.Controller { return r.canetroller }

// History is nil unless history export is enabled.
func (r *Rig) History() *history.Exporter { return r.history }

// Deps returns the HTTP router dependencies for this rig.
func (r *Rig) Deps() iapi.Deps {
	d := iapi.Deps{Recorder: r.recorder}
	if r.canetroller != nil {
		d.Canetroller = r.canetroller
	}
	if r.history != nil {
		d.History = r.history
	}
	return d
}

// NewHTTPServer builds the control API server from the [server] section.
func (r *Rig) NewHTTPServer() *http.Server {
	return iapi.NewServer(r.cfg.Server.Listen, r.cfg.Server.BasePath, r.Deps())
}

// Close asks every worker to stop at its convenience and waits for them
// until ctx ends. Canetroller brakes are released and the release frames
// written before its worker is closed. Workers never started are not waited
// for.
func (r *Rig) Close(ctx context.Context) error {
	var errs []error
	if r.canetroller != nil {
		if r.started {
			if err := r.canetroller.ReleaseAllAndClose(ctx); err != nil {
				errs = append(errs, fmt.Errorf("canetroller release: %w", err))
			}
		} else {
			r.canetroller.CloseAtConvenience()
		}
	}
	r.recorder.CloseAtConvenience()
	if err := r.recorder.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("recorder: %w", err))
	}
	if r.canetroller != nil && r.started {
		if err := r.canetroller.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("canetroller: %w", err))
		}
	}
	for _, fn := range r.unsubscribe {
		fn()
	}
	r.unsubscribe = nil
	if r.history != nil && r.started {
		if err := r.history.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("history: %w", err))
		}
	}
	r.closeLog()
	return errors.Join(errs...)
}

func (r *Rig) closeLog() {
	if r.logCloser != nil {
		_ = r.logCloser.Close()
		r.logCloser = nil
	}
}

func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return "sqlite"
	}
	return u.Redacted()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// NewMetricsServer exposes the default registry at path on addr.
func NewMetricsServer(addr, path string) *http.Server {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, metrics.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
