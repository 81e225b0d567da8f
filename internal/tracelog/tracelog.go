// Package tracelog implements the per-worker debug-trace sink: an
// append-only file receiving a literal transcript of the inbound-side
// dialogue, named "<prefix>.<pid>".
package tracelog

import (
	"fmt"
	"os"
)

// Sink is an append-only byte sink for one worker's debug trace.
type Sink struct {
	f *os.File
}

// Open creates (or appends to) "<prefix>.<pid>". An empty prefix disables
// tracing and Open returns a nil *Sink with no error.
func Open(prefix string, pid int) (*Sink, error) {
	if prefix == "" {
		return nil, nil
	}
	name := fmt.Sprintf("%s.%d", prefix, pid)
	f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("tracelog: opening %s: %w", name, err)
	}
	return &Sink{f: f}, nil
}

// Name reports the path this sink writes to, or "" if Open returned nil.
func (s *Sink) Name() string {
	if s == nil || s.f == nil {
		return ""
	}
	return s.f.Name()
}

// Write implements io.Writer. A nil *Sink discards everything, so callers
// can pass a possibly-nil Sink wherever an io.Writer is expected without a
// nil check at every call site.
func (s *Sink) Write(p []byte) (int, error) {
	if s == nil || s.f == nil {
		return len(p), nil
	}
	return s.f.Write(p)
}

// Close closes the sink. Closing a nil *Sink is a no-op.
func (s *Sink) Close() error {
	if s == nil || s.f == nil {
		return nil
	}
	return s.f.Close()
}
