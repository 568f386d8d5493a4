// Package canetroller drives the haptic cane's brakes over a serial stream.
//
// The controller keeps the brake state of every direction and, on any change,
// queues a full snapshot of five frames (one per direction) so the device
// never has to remember partial updates.
package canetroller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loykin/pegstudy/internal/channel/serial"
	"github.com/loykin/pegstudy/internal/stream"
)

// Command codes understood by the firmware.
const (
	BrakeCmd   byte = 127
	ReleaseCmd byte = 126
	// ReleaseAllCmd is reserved by the firmware; ReleaseAll sends a
	// snapshot of release frames instead.
	ReleaseAllCmd byte = 125
)

// Direction is a brake axis, encoded as its wire code.
type Direction byte

const (
	Up    Direction = 124
	Down  Direction = 123
	Right Direction = 122
	Left  Direction = 121
	Stab  Direction = 120
)

// Directions lists every axis in snapshot order.
var Directions = []Direction{Up, Down, Right, Left, Stab}

// ErrUnknownDirection is returned for a direction outside Directions.
var ErrUnknownDirection = errors.New("unknown direction")

func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	case Right:
		return "right"
	case Left:
		return "left"
	case Stab:
		return "stab"
	default:
		return fmt.Sprintf("direction(%d)", byte(d))
	}
}

// ParseDirection maps a name such as "left" to its Direction.
func ParseDirection(s string) (Direction, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, d := range Directions {
		if d.String() == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownDirection, s)
}

func (d Direction) valid() bool {
	for _, x := range Directions {
		if x == d {
			return true
		}
	}
	return false
}

// DefaultIntensities is the brake strength applied per direction.
func DefaultIntensities() map[Direction]byte {
	return map[Direction]byte{Up: 0, Down: 0, Right: 255, Left: 255, Stab: 255}
}

// Config wires the serial port and the worker that owns it.
type Config struct {
	Serial serial.Config
	Worker stream.Config
	// Intensities overrides DefaultIntensities per direction.
	Intensities map[Direction]byte
}

// Controller owns the canetroller serial worker.
type Controller struct {
	logger *slog.Logger
	port   *serial.Channel
	worker *stream.Worker[serial.Frame]

	mu        sync.Mutex
	braked    map[Direction]bool
	intensity map[Direction]byte
}

// New builds a controller. The serial port is opened by the worker once
// Start is called.
func New(cfg Config, logger *slog.Logger, opts ...serial.Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Worker.Name == "" {
		cfg.Worker.Name = "canetroller"
	}
	logger = logger.With(slog.String("component", "canetroller"))
	port := serial.New(cfg.Serial, logger, opts...)
	intensity := DefaultIntensities()
	for d, v := range cfg.Intensities {
		if d.valid() {
			intensity[d] = v
		}
	}
	return &Controller{
		logger:    logger,
		port:      port,
		worker:    stream.NewWorker[serial.Frame](cfg.Worker, port, logger),
		braked:    make(map[Direction]bool, len(Directions)),
		intensity: intensity,
	}
}

// Start runs the serial worker until ctx ends or CloseAtConvenience.
func (c *Controller) Start(ctx context.Context) error { return c.worker.Start(ctx) }

// Brake engages the brake on d.
func (c *Controller) Brake(d Direction) error { return c.set(d, true) }

// Release frees the brake on d.
func (c *Controller) Release(d Direction) error { return c.set(d, false) }

// ReleaseAll frees every brake.
func (c *Controller) ReleaseAll() {
	c.mu.Lock()
	for _, d := range Directions {
		c.braked[d] = false
	}
	c.sendLocked()
	c.mu.Unlock()
}

// SetIntensity changes the brake strength of d and resends the snapshot.
func (c *Controller) SetIntensity(d Direction, v byte) error {
	if !d.valid() {
		return fmt.Errorf("%w: %d", ErrUnknownDirection, byte(d))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.intensity[d] = v
	c.sendLocked()
	return nil
}

func (c *Controller) set(d Direction, on bool) error {
	if !d.valid() {
		return fmt.Errorf("%w: %d", ErrUnknownDirection, byte(d))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.braked[d] = on
	c.sendLocked()
	return nil
}

// sendLocked queues the snapshot when the port is open. Changes made while
// the port is closed are kept and go out with the next change after it opens.
func (c *Controller) sendLocked() {
	if !c.port.IsOpen() {
		c.logger.Debug("canetroller port closed, snapshot not sent")
		return
	}
	for _, f := range c.snapshotLocked() {
		c.worker.Enqueue(f)
	}
}

// Snapshot returns the five frames describing the current brake state.
func (c *Controller) Snapshot() []serial.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() []serial.Frame {
	frames := make([]serial.Frame, 0, len(Directions))
	for _, d := range Directions {
		if c.braked[d] {
			frames = append(frames, serial.Frame{Command: BrakeCmd, Direction: byte(d), Intensity: c.intensity[d]})
		} else {
			frames = append(frames, serial.Frame{Command: ReleaseCmd, Direction: byte(d)})
		}
	}
	return frames
}

// Braked reports the brake state per direction.
func (c *Controller) Braked() map[Direction]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Direction]bool, len(Directions))
	for _, d := range Directions {
		out[d] = c.braked[d]
	}
	return out
}

// IsOpenStream reports whether the serial port is open.
func (c *Controller) IsOpenStream() bool { return c.port.IsOpen() }

// PortName returns the open port's name, or "" while closed.
func (c *Controller) PortName() string { return c.port.PortName() }

// Subscribe registers fn for lines received from the device.
func (c *Controller) Subscribe(fn func(serial.Notification)) func() { return c.port.Subscribe(fn) }

// SubscribeEvents registers fn for worker lifecycle events.
func (c *Controller) SubscribeEvents(fn stream.Observer) func() { return c.worker.Subscribe(fn) }

// CloseAtConvenience asks the worker to stop after its current tick.
// Frames still queued are dropped; use ReleaseAllAndClose on shutdown.
func (c *Controller) CloseAtConvenience() { c.worker.RequestCloseAtConvenience() }

// ReleaseAllAndClose frees every brake, waits until the release snapshot has
// left the queue and then asks the worker to stop. The close is requested
// even when ctx ends first, in which case ctx's error is returned.
func (c *Controller) ReleaseAllAndClose(ctx context.Context) error {
	defer c.CloseAtConvenience()
	c.ReleaseAll()
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for {
		st := c.worker.Status()
		// a popped frame is written before the worker checks the close flag
		if st.Queued == 0 || st.State != stream.StateRunning {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.worker.Done():
			return nil
		case <-tick.C:
		}
	}
}

// Wait blocks until the worker has stopped.
func (c *Controller) Wait(ctx context.Context) error { return c.worker.Wait(ctx) }

// Status reports the worker's counters.
func (c *Controller) Status() stream.Status { return c.worker.Status() }
