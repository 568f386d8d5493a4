// Package recorder writes study telemetry (stats, data, peg and hole poses)
// to per-trial files, one background file worker per record kind.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/pegstudy/internal/channel/file"
	"github.com/loykin/pegstudy/internal/loop"
	"github.com/loykin/pegstudy/internal/stream"
)

// Kind selects one of the recorder's logging channels.
type Kind string

const (
	KindStats Kind = "stats"
	KindData  Kind = "data"
	KindPeg   Kind = "peg"
	KindHole  Kind = "hole"
)

// Kinds lists every record kind.
var Kinds = []Kind{KindStats, KindData, KindPeg, KindHole}

// ErrUnknownKind is returned for a kind outside Kinds.
var ErrUnknownKind = errors.New("unknown record kind")

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, x := range Kinds {
		if x == k {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Config controls where files go and how their workers run.
type Config struct {
	Dir      string
	BaseName string
	// WriteTimeout is handed to each file channel.
	WriteTimeout time.Duration
	// Worker is the template for every file worker; Name is filled per file.
	Worker stream.Config
}

// DefaultConfig mirrors the study rig: "user" files in ./data, 5ms loop,
// 4ms drain budget, lowest-priority background workers.
func DefaultConfig() Config {
	return Config{
		Dir:          "data",
		BaseName:     "user",
		WriteTimeout: time.Millisecond,
		Worker: stream.Config{
			Background: true,
			Priority:   loop.PriorityLowest,
			Interval:   loop.DefaultInterval,
			MaxTick:    stream.DefaultMaxTick,
		},
	}
}

type channel struct {
	name   string
	file   *file.Channel
	worker *stream.Worker[string]
}

// Recorder owns one file worker per kind. Replacing a kind's file closes the
// previous worker at its convenience.
type Recorder struct {
	cfg     Config
	logger  *slog.Logger
	session string

	mu       sync.Mutex
	channels map[Kind]*channel
	retired  []*stream.Worker[string]

	obsMu  sync.RWMutex
	obsID  int
	events map[int]stream.Observer
}

// New returns a recorder with no open files.
func New(cfg Config, logger *slog.Logger) *Recorder {
	if cfg.BaseName == "" {
		cfg.BaseName = "user"
	}
	if logger == nil {
		logger = slog.Default()
	}
	session := uuid.NewString()
	return &Recorder{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "recorder"), slog.String("session", session)),
		session:  session,
		channels: make(map[Kind]*channel),
		events:   make(map[int]stream.Observer),
	}
}

// Session identifies this recorder's run in exported events.
func (r *Recorder) Session() string { return r.session }

// Subscribe registers fn for lifecycle events of every current and future
// file worker.
func (r *Recorder) Subscribe(fn stream.Observer) func() {
	r.obsMu.Lock()
	id := r.obsID
	r.obsID++
	r.events[id] = fn
	r.obsMu.Unlock()
	return func() {
		r.obsMu.Lock()
		delete(r.events, id)
		r.obsMu.Unlock()
	}
}

func (r *Recorder) fanOut(e stream.Event) {
	r.obsMu.RLock()
	defer r.obsMu.RUnlock()
	for _, fn := range r.events {
		fn(e)
	}
}

// FileName builds {base}-{user}_{kind}[_trial-{trial}]; stats files carry no
// trial part.
func FileName(base string, kind Kind, trial, user int) string {
	name := fmt.Sprintf("%s-%d_%s", base, user, kind)
	if kind != KindStats {
		name += fmt.Sprintf("_trial-%d", trial)
	}
	return name
}

// otherTrial matches the unsuffixed file names of the other trials of the
// same base, kind and user.
func otherTrial(base string, kind Kind, trial, user int) func(string) bool {
	if kind == KindStats {
		return nil
	}
	prefix := fmt.Sprintf("%s-%d_%s_trial-", base, user, kind)
	return func(entry string) bool {
		rest, ok := strings.CutPrefix(entry, prefix)
		if !ok {
			return false
		}
		t, err := strconv.Atoi(rest)
		return err == nil && t != trial && strconv.Itoa(t) == rest
	}
}

// NewFile replaces the worker of kind with a fresh one writing to a new
// file, and returns the requested file name. The actual path may carry a
// numeric suffix when that name is taken.
func (r *Recorder) NewFile(kind Kind, trial, user int) (string, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return "", err
	}
	name := FileName(r.cfg.BaseName, kind, trial, user)

	fc := file.New(file.Config{
		Dir:          r.cfg.Dir,
		Name:         name,
		WriteTimeout: r.cfg.WriteTimeout,
		Sibling:      otherTrial(r.cfg.BaseName, kind, trial, user),
	}, r.logger)
	wcfg := r.cfg.Worker
	wcfg.Name = name
	w := stream.NewWorker[string](wcfg, fc, r.logger)
	w.Subscribe(r.fanOut)

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.channels[kind]; ok {
		prev.worker.RequestCloseAtConvenience()
		r.retired = append(r.retired, prev.worker)
	}
	if err := w.Start(context.Background()); err != nil {
		return "", err
	}
	r.channels[kind] = &channel{name: name, file: fc, worker: w}
	r.pruneLocked()
	r.logger.Info("new record file", slog.String("kind", string(kind)), slog.String("name", name))
	return name, nil
}

// NewStatsFile starts the per-user stats file.
func (r *Recorder) NewStatsFile(user int) (string, error) { return r.NewFile(KindStats, 0, user) }

// NewDataFile starts the full data file for a trial.
func (r *Recorder) NewDataFile(trial, user int) (string, error) {
	return r.NewFile(KindData, trial, user)
}

// NewPegFile starts the peg pose file for a trial.
func (r *Recorder) NewPegFile(trial, user int) (string, error) {
	return r.NewFile(KindPeg, trial, user)
}

// NewHoleFile starts the hole pose file for a trial.
func (r *Recorder) NewHoleFile(trial, user int) (string, error) {
	return r.NewFile(KindHole, trial, user)
}

// RecordLine enqueues a preformatted line. It reports false when kind has no
// file yet.
func (r *Recorder) RecordLine(kind Kind, line string) bool {
	r.mu.Lock()
	ch, ok := r.channels[kind]
	r.mu.Unlock()
	if !ok {
		return false
	}
	ch.worker.Enqueue(line)
	return true
}

// RecordStats writes trial, start, end, then the starting peg and hole poses.
func (r *Recorder) RecordStats(trial int, start, end float32, pegStart, holeStart Pose) {
	r.RecordLine(KindStats, StatsRecord(trial, start, end, pegStart, holeStart))
}

// RecordData writes one full sample: trial, time, peg, hole and target
// poses, the gaze point and the focused object's name.
func (r *Recorder) RecordData(trial int, t float32, peg, hole, target Pose, gaze Vec3, focus string) {
	r.RecordLine(KindData, DataRecord(trial, t, peg, hole, target, gaze, focus))
}

// RecordPegPose writes trial, time and the peg pose.
func (r *Recorder) RecordPegPose(trial int, t float32, p Pose) {
	r.RecordLine(KindPeg, PoseRecord(trial, t, p))
}

// RecordHolePose writes trial, time and the hole pose.
func (r *Recorder) RecordHolePose(trial int, t float32, p Pose) {
	r.RecordLine(KindHole, PoseRecord(trial, t, p))
}

// IsOpenStream reports whether at least one file exists and every existing
// file is open.
func (r *Recorder) IsOpenStream() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.channels) == 0 {
		return false
	}
	for _, ch := range r.channels {
		if !ch.worker.IsOpen() {
			return false
		}
	}
	return true
}

// Status lists the current worker of every initialised kind.
func (r *Recorder) Status() []stream.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]stream.Status, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch.worker.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Path returns the resolved path of kind's current file, "" before it
// was opened.
func (r *Recorder) Path(kind Kind) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[kind]; ok {
		return ch.file.Path()
	}
	return ""
}

// CloseAtConvenience asks every worker to stop. Records still queued are
// dropped.
func (r *Recorder) CloseAtConvenience() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.channels {
		ch.worker.RequestCloseAtConvenience()
	}
}

// Wait blocks until every worker ever started has stopped, or ctx ends.
func (r *Recorder) Wait(ctx context.Context) error {
	r.mu.Lock()
	ws := append([]*stream.Worker[string](nil), r.retired...)
	for _, ch := range r.channels {
		ws = append(ws, ch.worker)
	}
	r.mu.Unlock()
	for _, w := range ws {
		if err := w.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *Recorder) pruneLocked() {
	live := r.retired[:0]
	for _, w := range r.retired {
		select {
		case <-w.Done():
		default:
			live = append(live, w)
		}
	}
	r.retired = live
}
