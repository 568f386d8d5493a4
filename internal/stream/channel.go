package stream

import "context"

// Channel is a concrete I/O endpoint drained by a Worker. All methods are
// called from the owning worker's goroutine only, so implementations need no
// locking for their handle. IsOpen may additionally be called by foreground
// callers and must be safe for that.
type Channel[T any] interface {
	// Open acquires the endpoint.
	Open(ctx context.Context) error
	// Close releases the endpoint. Closing a closed channel is not an error.
	Close() error
	// Write sends one payload, opening the endpoint first when it is closed.
	Write(ctx context.Context, payload T) error
	// Poll reads inbound data if the endpoint supports it and reports
	// whether anything arrived.
	Poll(ctx context.Context) (bool, error)
	IsOpen() bool
	// Target names the endpoint (file path, port name).
	Target() string
}

// Idler is implemented by channels that want to know about ticks that did
// no work.
type Idler interface {
	Idle()
}
