package session

import (
	"io"
	"net"
)

// traceConn mirrors every byte read from or written to the wrapped
// connection into trace, producing a literal transcript of the dialogue as
// observed from the client's side of the wire.
type traceConn struct {
	net.Conn
	trace io.Writer
}

func withTrace(c net.Conn, trace io.Writer) net.Conn {
	if trace == nil {
		return c
	}
	return &traceConn{Conn: c, trace: trace}
}

func (t *traceConn) Read(p []byte) (int, error) {
	n, err := t.Conn.Read(p)
	if n > 0 {
		t.trace.Write(p[:n])
	}
	return n, err
}

func (t *traceConn) Write(p []byte) (int, error) {
	n, err := t.Conn.Write(p)
	if n > 0 {
		t.trace.Write(p[:n])
	}
	return n, err
}
