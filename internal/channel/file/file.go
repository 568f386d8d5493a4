// Package file implements an append-only, newline-delimited file channel.
// Each channel resolves a fresh path on its first open and never overwrites
// an existing file; reopening after a reset appends to the resolved path.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// maxCreateAttempts bounds the O_EXCL race loop when several writers pick the
// same suffix at once.
const maxCreateAttempts = 64

// Config identifies the file a channel writes to.
type Config struct {
	Dir  string
	Name string
	// WriteTimeout is applied as a write deadline where the OS supports one
	// for the descriptor. Regular files usually don't.
	WriteTimeout time.Duration
	// Sibling reports directory entries that are another writer's unsuffixed
	// name, e.g. "x_trial-12" next to "x_trial-1". They are never read as a
	// suffix of Name.
	Sibling func(entry string) bool
}

// Channel writes one record per line to a file. It satisfies
// stream.Channel[string].
type Channel struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	f    *os.File
	path string
}

// New returns a closed channel. A nil logger falls back to slog.Default().
func New(cfg Config, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{cfg: cfg, logger: logger}
}

// Open creates the file. The first open picks a non-existing path; later
// opens append to that same path.
func (c *Channel) Open(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.f != nil {
		return nil
	}
	if c.cfg.Dir != "" {
		if err := os.MkdirAll(c.cfg.Dir, 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", c.cfg.Dir, err)
		}
	}
	if c.path != "" {
		f, err := os.OpenFile(c.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
		if err != nil {
			return fmt.Errorf("reopen %s: %w", c.path, err)
		}
		c.f = f
		return nil
	}
	f, p, err := CreateFresh(filepath.Join(c.cfg.Dir, c.cfg.Name), c.cfg.Sibling)
	if err != nil {
		return err
	}
	c.f, c.path = f, p
	c.logger.Debug("file channel created", slog.String("path", p))
	return nil
}

// IsOpen reports whether a file handle is held.
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.f != nil
}

// Close releases the handle. Closing a closed channel is logged and ignored.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.f == nil {
		c.logger.Debug("close on already closed file channel", slog.String("path", c.target()))
		return nil
	}
	err := c.f.Close()
	c.f = nil
	if err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

// Write appends s and a trailing newline, opening the file first when needed.
func (c *Channel) Write(ctx context.Context, s string) error {
	if !c.IsOpen() {
		if err := c.Open(ctx); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.WriteTimeout > 0 {
		if err := c.f.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil && !errors.Is(err, os.ErrNoDeadline) {
			return err
		}
	}
	line := strings.ToValidUTF8(s, "\uFFFD") + "\n"
	_, err := c.f.WriteString(line)
	return err
}

// Poll never has inbound data.
func (c *Channel) Poll(context.Context) (bool, error) { return false, nil }

// Target is the resolved path, or the requested one before the first open.
func (c *Channel) Target() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target()
}

// Path returns the resolved path; empty until the first successful open.
func (c *Channel) Path() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path
}

func (c *Channel) target() string {
	if c.path != "" {
		return c.path
	}
	return filepath.Join(c.cfg.Dir, c.cfg.Name)
}

// CreateFresh creates a new empty file at base, or at base followed by a
// numeric suffix one above the highest suffix already present when base is
// taken. Entries matched by sibling are skipped when looking for the highest
// suffix; sibling may be nil. O_EXCL guarantees an existing file is never
// truncated.
func CreateFresh(base string, sibling func(string) bool) (*os.File, string, error) {
	var lastErr error
	for i := 0; i < maxCreateAttempts; i++ {
		candidate, err := nextCandidate(base, sibling)
		if err != nil {
			return nil, "", err
		}
		f, err := os.OpenFile(candidate, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, candidate, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", fmt.Errorf("create %s: %w", candidate, err)
		}
		lastErr = err
	}
	return nil, "", fmt.Errorf("create %s: no free name after %d attempts: %w", base, maxCreateAttempts, lastErr)
}

func nextCandidate(base string, sibling func(string) bool) (string, error) {
	if _, err := os.Lstat(base); errors.Is(err, fs.ErrNotExist) {
		return base, nil
	} else if err != nil {
		return "", err
	}
	n, err := highestSuffix(base, sibling)
	if err != nil {
		return "", err
	}
	// skipped siblings may still occupy base+k
	for k := n + 1; ; k++ {
		candidate := base + strconv.Itoa(k)
		if _, err := os.Lstat(candidate); errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		} else if err != nil {
			return "", err
		}
	}
}

// highestSuffix returns the largest k such that base+k exists and is not a
// sibling, or -1.
func highestSuffix(base string, sibling func(string) bool) (int, error) {
	dir, name := filepath.Split(base)
	if dir == "" {
		dir = "."
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return -1, err
	}
	best := -1
	for _, e := range entries {
		rest, ok := strings.CutPrefix(e.Name(), name)
		if !ok || rest == "" {
			continue
		}
		k, err := strconv.Atoi(rest)
		if err != nil || k < 0 || strconv.Itoa(k) != rest {
			continue
		}
		if sibling != nil && sibling(e.Name()) {
			continue
		}
		if k > best {
			best = k
		}
	}
	return best, nil
}
