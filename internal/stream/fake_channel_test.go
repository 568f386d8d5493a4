package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// fakeChannel records every call in order and lets tests script failures.
type fakeChannel struct {
	mu       sync.Mutex
	open     bool
	log      []string
	writes   []string
	openErrs []error // consumed one per Open call
	writeErr error    // returned once by the next Write
	inbound  int      // pending inbound items reported by Poll
	idles    int
}

func (f *fakeChannel) Open(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.openErrs) > 0 {
		err := f.openErrs[0]
		f.openErrs = f.openErrs[1:]
		if err != nil {
			f.log = append(f.log, "open-failed")
			return err
		}
	}
	f.open = true
	f.log = append(f.log, "open")
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return errors.New("already closed")
	}
	f.open = false
	f.log = append(f.log, "close")
	return nil
}

func (f *fakeChannel) Write(_ context.Context, p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		err := f.writeErr
		f.writeErr = nil
		f.log = append(f.log, "write-failed:"+p)
		return err
	}
	f.writes = append(f.writes, p)
	f.log = append(f.log, "write:"+p)
	return nil
}

func (f *fakeChannel) Poll(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inbound > 0 {
		f.inbound--
		f.log = append(f.log, "read")
		return true, nil
	}
	return false, nil
}

func (f *fakeChannel) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeChannel) Target() string { return "fake" }

func (f *fakeChannel) Idle() {
	f.mu.Lock()
	f.idles++
	f.mu.Unlock()
}

func (f *fakeChannel) snapshot() (log, writes []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...), append([]string(nil), f.writes...)
}

func (f *fakeChannel) count(entry string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.log {
		if e == entry {
			n++
		}
	}
	return n
}

// fakeClock is advanced manually by tests driving Step directly.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2019, 8, 21, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func payloads(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return out
}
