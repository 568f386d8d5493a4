// Package serial implements a stream channel over a serial port. Outbound
// payloads are fixed-size command frames; inbound bytes are split into
// newline-terminated, comma-separated lines and handed to subscribers.
package serial

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	bug "go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Defaults match the canetroller firmware.
const (
	DefaultBaudRate     = 115200
	DefaultReadTimeout  = 10 * time.Millisecond
	DefaultWriteTimeout = time.Millisecond

	// AutoPort asks the channel to discover the port on open.
	AutoPort = "auto"

	// minWriteWait floors the write race so a goroutine that has not been
	// scheduled yet is not reported as a stalled driver.
	minWriteWait = 10 * time.Millisecond

	maxLineBuffer = 4096
)

// ErrNoPort is returned when discovery finds no serial port.
var ErrNoPort = errors.New("no serial port found")

// FrameSize is the wire size of a command frame.
const FrameSize = 3

// Frame is one outbound command: {command, direction, intensity}.
type Frame struct {
	Command   byte
	Direction byte
	Intensity byte
}

// Bytes encodes the frame for the wire.
func (f Frame) Bytes() []byte { return []byte{f.Command, f.Direction, f.Intensity} }

// MarshalBinary implements encoding.BinaryMarshaler.
func (f Frame) MarshalBinary() ([]byte, error) { return f.Bytes(), nil }

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (f *Frame) UnmarshalBinary(b []byte) error {
	if len(b) != FrameSize {
		return fmt.Errorf("frame must be %d bytes, got %d", FrameSize, len(b))
	}
	f.Command, f.Direction, f.Intensity = b[0], b[1], b[2]
	return nil
}

// Notification is one parsed inbound line.
type Notification struct {
	Port   string
	Fields []string
	Raw    string
	At     time.Time
}

// Opener opens a port; it defaults to go.bug.st/serial.Open.
type Opener func(name string, mode *bug.Mode) (bug.Port, error)

// Lister enumerates candidate ports for discovery.
type Lister func() ([]*enumerator.PortDetails, error)

// Config identifies the port and its timeouts.
type Config struct {
	Port         string
	BaudRate     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Option customises a Channel.
type Option func(*Channel)

// WithOpener replaces the port opener, mainly for tests.
func WithOpener(o Opener) Option { return func(c *Channel) { c.opener = o } }

// WithLister replaces the port enumerator used for discovery.
func WithLister(l Lister) Option { return func(c *Channel) { c.lister = l } }

// Channel is a stream.Channel[Frame] bound to one serial port.
type Channel struct {
	cfg    Config
	logger *slog.Logger
	opener Opener
	lister Lister

	mu   sync.Mutex
	port bug.Port
	name string

	// worker goroutine only
	line []byte
	rbuf [256]byte

	subMu sync.RWMutex
	subID int
	subs  map[int]func(Notification)
}

// New returns a closed serial channel.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Channel {
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{
		cfg:    cfg,
		logger: logger,
		opener: bug.Open,
		lister: enumerator.GetDetailedPortsList,
		subs:   make(map[int]func(Notification)),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Subscribe registers fn for inbound notifications and returns a func that
// removes it. fn runs on the worker goroutine and must not block.
func (c *Channel) Subscribe(fn func(Notification)) (unsubscribe func()) {
	c.subMu.Lock()
	id := c.subID
	c.subID++
	c.subs[id] = fn
	c.subMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
		})
	}
}

// Open resolves the port name (discovering it when configured as auto or
// empty) and opens it with the configured baud rate and read timeout.
func (c *Channel) Open(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port != nil {
		return nil
	}
	name := c.cfg.Port
	if name == "" || strings.EqualFold(name, AutoPort) {
		found, err := Discover(c.lister)
		if err != nil {
			return err
		}
		name = found
	}
	p, err := c.opener(name, &bug.Mode{BaudRate: c.cfg.BaudRate})
	if err != nil {
		return fmt.Errorf("open serial port %s: %w", name, err)
	}
	if err := p.SetReadTimeout(c.cfg.ReadTimeout); err != nil {
		_ = p.Close()
		return fmt.Errorf("set read timeout on %s: %w", name, err)
	}
	c.port, c.name = p, name
	c.line = c.line[:0]
	c.logger.Info("serial port opened", slog.String("port", name), slog.Int("baud", c.cfg.BaudRate))
	return nil
}

// IsOpen reports whether the port is held open.
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port != nil
}

// Close releases the port. Closing a closed channel is a no-op.
func (c *Channel) Close() error {
	c.mu.Lock()
	p := c.port
	c.port = nil
	c.mu.Unlock()
	if p == nil {
		c.logger.Debug("close on already closed serial channel", slog.String("port", c.Target()))
		return nil
	}
	return p.Close()
}

// Write sends one frame, opening the port first when needed. A write that
// does not finish within WriteTimeout fails; the caller recycles the port,
// which unblocks the pending driver write. The library has no write
// deadline, so the timeout is best-effort and never shorter than 10ms.
func (c *Channel) Write(ctx context.Context, f Frame) error {
	if !c.IsOpen() {
		if err := c.Open(ctx); err != nil {
			return err
		}
	}
	c.mu.Lock()
	p := c.port
	c.mu.Unlock()
	if p == nil {
		return errors.New("serial port closed")
	}
	done := make(chan writeResult, 1)
	b := f.Bytes()
	go func() {
		n, err := p.Write(b)
		done <- writeResult{n, err}
	}()
	wait := max(c.cfg.WriteTimeout, minWriteWait)
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case r := <-done:
		return r.check(len(b))
	case <-t.C:
		select {
		case r := <-done:
			return r.check(len(b))
		default:
		}
		return fmt.Errorf("serial write timed out after %s", wait)
	case <-ctx.Done():
		return ctx.Err()
	}
}

type writeResult struct {
	n   int
	err error
}

func (r writeResult) check(want int) error {
	if r.err != nil {
		return r.err
	}
	if r.n != want {
		return fmt.Errorf("short serial write: %d of %d bytes", r.n, want)
	}
	return nil
}

// Poll reads whatever arrived within ReadTimeout and dispatches complete
// lines. It reports true when any byte was received.
func (c *Channel) Poll(_ context.Context) (bool, error) {
	c.mu.Lock()
	p := c.port
	name := c.name
	c.mu.Unlock()
	if p == nil {
		return false, nil
	}
	n, err := p.Read(c.rbuf[:])
	if err != nil {
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if n == 0 {
		return false, nil
	}
	c.line = append(c.line, c.rbuf[:n]...)
	for {
		i := bytes.IndexByte(c.line, '\n')
		if i < 0 {
			break
		}
		raw := strings.TrimRight(string(c.line[:i]), "\r")
		c.line = c.line[i+1:]
		if raw == "" {
			continue
		}
		c.dispatch(ParseLine(name, raw, time.Now()))
	}
	if len(c.line) > maxLineBuffer {
		c.logger.Warn("dropping unterminated serial input", slog.String("port", name), slog.Int("bytes", len(c.line)))
		c.line = c.line[:0]
	}
	return true, nil
}

// Target returns the opened port name, or the configured one.
func (c *Channel) Target() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.name != "" {
		return c.name
	}
	if c.cfg.Port == "" {
		return AutoPort
	}
	return c.cfg.Port
}

// PortName returns the name of the open port, or "" when closed.
func (c *Channel) PortName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return ""
	}
	return c.name
}

func (c *Channel) dispatch(n Notification) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for _, fn := range c.subs {
		fn(n)
	}
}

// ParseLine splits a received line into its comma-separated fields.
func ParseLine(port, raw string, at time.Time) Notification {
	fields := strings.Split(raw, ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	return Notification{Port: port, Fields: fields, Raw: raw, At: at}
}

// Discover picks a port: the first USB port when any is present, otherwise
// the first port listed.
func Discover(list Lister) (string, error) {
	if list == nil {
		list = enumerator.GetDetailedPortsList
	}
	ports, err := list()
	if err != nil {
		return "", fmt.Errorf("enumerate serial ports: %w", err)
	}
	if len(ports) == 0 {
		return "", ErrNoPort
	}
	for _, p := range ports {
		if p.IsUSB {
			return p.Name, nil
		}
	}
	return ports[0].Name, nil
}
