package session

import (
	"io"
	"os"
)

// Body is a readable, seekable, replaceable handle onto a captured DATA
// payload. It is always backed by an unlinked temporary file so the
// underlying storage vanishes automatically when the last handle using it
// (the process fd) is closed, regardless of how the session ends.
type Body struct {
	f *os.File
}

// NewBody creates an empty body handle backed by a fresh unlinked temp file.
func NewBody() (*Body, error) {
	f, err := os.CreateTemp("", "smtpprox-body-")
	if err != nil {
		return nil, err
	}
	// Unlink immediately: the fd keeps the data alive until Close, and no
	// directory entry survives a crash to leak disk space.
	if err := os.Remove(f.Name()); err != nil {
		f.Close()
		return nil, err
	}
	return &Body{f: f}, nil
}

// Write appends to the body.
func (b *Body) Write(p []byte) (int, error) { return b.f.Write(p) }

// Read reads from the body at its current position.
func (b *Body) Read(p []byte) (int, error) { return b.f.Read(p) }

// Rewind seeks the body back to position zero, the invariant required
// before the body is streamed onward.
func (b *Body) Rewind() error {
	_, err := b.f.Seek(0, io.SeekStart)
	return err
}

// Close releases the underlying file descriptor.
func (b *Body) Close() error {
	if b == nil || b.f == nil {
		return nil
	}
	return b.f.Close()
}

// File exposes the backing *os.File so a filter pipeline stage can use it
// directly as a subprocess's stdin without copying through user space.
func (b *Body) File() *os.File { return b.f }
