package stream

import (
	"fmt"
	"strings"
	"time"
)

// OpenMode selects how a worker reacts to a failed (re)open.
type OpenMode string

const (
	// OpenRetry retries on every tick.
	OpenRetry OpenMode = "retry"
	// OpenBackoff retries with exponential delay.
	OpenBackoff OpenMode = "backoff"
	// OpenDisable degrades the worker on the first failure.
	OpenDisable OpenMode = "disable"
)

// Default open policy values.
const (
	DefaultOpenInitialDelay = 10 * time.Millisecond
	DefaultOpenMaxDelay     = 2 * time.Second
)

// OpenPolicy controls recovery from open failures. With MaxAttempts > 0 the
// worker degrades once that many consecutive opens failed.
type OpenPolicy struct {
	Mode         OpenMode
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

// ParseOpenMode maps a config string to an OpenMode. Empty selects backoff.
func ParseOpenMode(s string) (OpenMode, error) {
	switch OpenMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", OpenBackoff:
		return OpenBackoff, nil
	case OpenRetry:
		return OpenRetry, nil
	case OpenDisable:
		return OpenDisable, nil
	default:
		return "", fmt.Errorf("unknown open failure mode %q", s)
	}
}

func (p OpenPolicy) withDefaults() OpenPolicy {
	if p.Mode == "" {
		p.Mode = OpenBackoff
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultOpenInitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultOpenMaxDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	return p
}

// delay returns the wait before the next attempt after failures consecutive
// failures: InitialDelay*2^(failures-1), capped at MaxDelay.
func (p OpenPolicy) delay(failures int) time.Duration {
	if p.Mode != OpenBackoff || failures <= 0 {
		return 0
	}
	d := p.InitialDelay
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// degrades reports whether failures consecutive failures exhaust the policy.
func (p OpenPolicy) degrades(failures int) bool {
	if p.Mode == OpenDisable {
		return failures > 0
	}
	return p.MaxAttempts > 0 && failures >= p.MaxAttempts
}
