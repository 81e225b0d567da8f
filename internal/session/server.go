// Package session implements both halves of the proxied SMTP dialogue: the
// Server (inbound, client-facing) session and the Client (outbound,
// upstream-facing) session, structured so the worker-pool orchestrator (not
// the session itself) decides what each command means upstream.
package session

import (
	"io"
	"net"
	"strings"

	"github.com/abligh/smtpprox/internal/smtpio"
)

// BodyCaptured is the sentinel Chat returns once a DATA payload has been
// fully read into the session's body handle, signalling "awaiting final
// disposition" to the orchestrator.
const BodyCaptured = "."

// AcceptOptions configures a single Accept call.
type AcceptOptions struct {
	// Trace, if non-nil, receives a literal transcript of everything the
	// client sends and everything it is sent back.
	Trace io.Writer
}

// Server is the inbound, client-facing half of a proxied SMTP session.
type Server struct {
	conn net.Conn
	line *smtpio.Conn

	mailFrom string
	rcptTo   []string
	body     *Body

	quitSeen bool
}

// Accept waits for the next inbound connection on ln, installs it as the
// session's transport, and resets per-transaction state.
func (s *Server) Accept(ln net.Listener, opts AcceptOptions) error {
	conn, err := ln.Accept()
	if err != nil {
		return err
	}
	s.conn = withTrace(conn, opts.Trace)
	s.line = smtpio.NewConn(s.conn, s.conn)
	s.resetTransaction()
	s.quitSeen = false
	return nil
}

// Conn returns the raw inbound connection (used by the orchestrator to close
// it once the session ends).
func (s *Server) Conn() net.Conn { return s.conn }

// Ok writes a complete SMTP reply line to the client verbatim plus CRLF.
// The caller supplies the whole reply including the status code.
func (s *Server) Ok(line string) error {
	return s.line.WriteLine(line)
}

// WriteRaw writes s to the client exactly as given, with no CRLF appended.
// It is used to relay an already wire-formatted (and already
// CRLF-terminated) multi-line reply obtained from the upstream client
// session, as opposed to Ok's single synthesized line.
func (s *Server) WriteRaw(raw string) error {
	return s.line.WriteRaw(raw)
}

// resetTransaction discards the envelope and releases the body handle. It
// does not close the underlying connection.
func (s *Server) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil
	if s.body != nil {
		s.body.Close()
		s.body = nil
	}
}

// Chat reads the next command from the client and returns it to the
// orchestrator. It returns io.EOF when the dialogue is over (the client
// closed the connection, or QUIT has already been relayed).
func (s *Server) Chat() (string, error) {
	if s.quitSeen {
		return "", io.EOF
	}

	line, err := s.line.ReadLine()
	if err != nil {
		return "", err
	}

	verb := verbOf(line)
	switch verb {
	case "DATA":
		if err := s.Ok("354 End data with <CR><LF>.<CR><LF>"); err != nil {
			return "", err
		}
		body, err := NewBody()
		if err != nil {
			return "", err
		}
		if err := s.line.ReadBody(body); err != nil {
			body.Close()
			return "", err
		}
		if err := body.Rewind(); err != nil {
			body.Close()
			return "", err
		}
		if s.body != nil {
			s.body.Close()
		}
		s.body = body
		return BodyCaptured, nil
	case "RSET":
		s.resetTransaction()
		return line, nil
	case "MAIL":
		s.mailFrom = addressAfter(line, "FROM:")
		return line, nil
	case "RCPT":
		s.rcptTo = append(s.rcptTo, addressAfter(line, "TO:"))
		return line, nil
	case "QUIT":
		s.quitSeen = true
		return line, nil
	default:
		return line, nil
	}
}

// Body exposes the captured body handle so the orchestrator can hand it to
// the filter pipeline and, after filtering, replace it.
func (s *Server) Body() *Body { return s.body }

// SetBody replaces the body handle. The previous handle, if any and
// different from the new one, is closed: no other component may retain a
// reference to the pre-filter body once this is called.
func (s *Server) SetBody(b *Body) {
	if s.body != nil && s.body != b {
		s.body.Close()
	}
	s.body = b
}

// Envelope returns the captured MAIL FROM / RCPT TO addresses, primarily for
// logging and the debug trace; the orchestrator does not need them to relay
// commands, since commands are forwarded verbatim.
func (s *Server) Envelope() (from string, to []string) { return s.mailFrom, s.rcptTo }

// Close releases the session's resources. It does not close the inbound
// connection, which the orchestrator owns.
func (s *Server) Close() {
	if s.body != nil {
		s.body.Close()
		s.body = nil
	}
}

func verbOf(line string) string {
	fields := strings.SplitN(line, " ", 2)
	return strings.ToUpper(fields[0])
}

// addressAfter extracts the text following the given case-insensitive
// prefix (e.g. "FROM:" or "TO:") within an SMTP command argument, tolerating
// the common forms "MAIL FROM:<a@b>" and "MAIL FROM: <a@b>".
func addressAfter(line, prefix string) string {
	fields := strings.SplitN(line, " ", 2)
	if len(fields) < 2 {
		return ""
	}
	arg := fields[1]
	up := strings.ToUpper(arg)
	idx := strings.Index(up, prefix)
	if idx < 0 {
		return ""
	}
	rest := strings.TrimSpace(arg[idx+len(prefix):])
	return strings.Trim(rest, "<>")
}
