// Package smtpio implements the low-level SMTP wire protocol used on both
// sides of the relay: CRLF line framing, multi-line reply composition, and
// the dot-stuffed DATA body.
package smtpio

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
)

// MaxCommandLine is the RFC 5321 4.5.3.1.4 command line length. It is
// recorded here for callers that want to enforce it; this codec itself does
// not truncate or reject long lines.
const MaxCommandLine = 998

// Conn wraps a byte stream with the buffered reader/writer pair used to read
// and write CRLF-terminated SMTP lines.
type Conn struct {
	rd *bufio.Reader
	wr *bufio.Writer
}

// NewConn wraps r and w for line-oriented SMTP I/O.
func NewConn(r io.Reader, w io.Writer) *Conn {
	return &Conn{
		rd: bufio.NewReaderSize(r, 4096),
		wr: bufio.NewWriterSize(w, 4096),
	}
}

// ReadLine reads one CRLF-terminated line, with the CRLF stripped. Lines
// longer than the reader's internal buffer are reassembled across
// bufio.Reader.ReadLine's "isPrefix" continuations; no length limit is
// enforced (spec: "must not truncate").
func (c *Conn) ReadLine() (string, error) {
	var line []byte
	for {
		chunk, isPrefix, err := c.rd.ReadLine()
		if err != nil {
			return "", err
		}
		line = append(line, chunk...)
		if !isPrefix {
			return string(line), nil
		}
	}
}

// WriteLine writes s followed by CRLF and flushes.
func (c *Conn) WriteLine(s string) error {
	if _, err := c.wr.WriteString(s); err != nil {
		return err
	}
	if _, err := c.wr.WriteString("\r\n"); err != nil {
		return err
	}
	return c.wr.Flush()
}

// WriteRaw writes s exactly as given (no CRLF appended) and flushes. It is
// used to relay an already wire-formatted multi-line reply obtained
// elsewhere, as opposed to WriteLine's single-line-plus-CRLF contract.
func (c *Conn) WriteRaw(s string) error {
	if _, err := c.wr.WriteString(s); err != nil {
		return err
	}
	return c.wr.Flush()
}

// Reply is a parsed (possibly multi-line) SMTP reply.
type Reply struct {
	Code  int
	Lines []string
}

// String reassembles the reply using the xyz-.../xyz ... convention.
func (r Reply) String() string {
	var buf bytes.Buffer
	for i, l := range r.Lines {
		sep := byte(' ')
		if i != len(r.Lines)-1 {
			sep = '-'
		}
		fmt.Fprintf(&buf, "%03d%c%s\r\n", r.Code, sep, l)
	}
	return buf.String()
}

// ReadReply reads a single- or multi-line reply terminated by a line whose
// fourth byte is a space rather than a hyphen.
func (c *Conn) ReadReply() (Reply, error) {
	var lines []string
	code := 0
	for {
		line, err := c.ReadLine()
		if err != nil {
			return Reply{}, err
		}
		if len(line) < 3 {
			return Reply{}, fmt.Errorf("smtpio: reply line too short: %q", line)
		}
		n, err := strconv.Atoi(line[:3])
		if err != nil {
			return Reply{}, fmt.Errorf("smtpio: invalid reply code %q: %w", line[:3], err)
		}
		code = n
		text := ""
		final := true
		if len(line) > 3 {
			switch line[3] {
			case '-':
				final = false
				text = line[4:]
			case ' ':
				text = line[4:]
			default:
				text = line[3:]
			}
		}
		lines = append(lines, text)
		if final {
			return Reply{Code: code, Lines: lines}, nil
		}
	}
}

// WriteReply writes a reply using the xyz-.../xyz ... convention.
func (c *Conn) WriteReply(r Reply) error {
	lines := r.Lines
	if len(lines) == 0 {
		lines = []string{""}
	}
	for i, l := range lines {
		sep := byte(' ')
		if i != len(lines)-1 {
			sep = '-'
		}
		if _, err := c.wr.WriteString(fmt.Sprintf("%03d%c%s\r\n", r.Code, sep, l)); err != nil {
			return err
		}
	}
	return c.wr.Flush()
}

// ReadBody reads DATA lines, dot-unstuffing as it goes, until the
// terminator "." line (exclusive). Lines are written to w exactly as they
// will be stored: CRLF-terminated, with any single leading dot removed.
func (c *Conn) ReadBody(w io.Writer) error {
	for {
		line, err := c.ReadLine()
		if err != nil {
			return err
		}
		if line == "." {
			return nil
		}
		if len(line) > 0 && line[0] == '.' {
			line = line[1:]
		}
		if _, err := io.WriteString(w, line); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "\r\n"); err != nil {
			return err
		}
	}
}

// WriteBody reads CRLF-terminated lines from r (a rewound body handle) and
// writes them dot-stuffed, finishing with the "." terminator line.
func (c *Conn) WriteBody(r io.Reader) error {
	br := bufio.NewReaderSize(r, 4096)
	for {
		line, err := readBodyLine(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if len(line) > 0 && line[0] == '.' {
			if _, err := c.wr.WriteString("."); err != nil {
				return err
			}
		}
		if _, err := c.wr.WriteString(line); err != nil {
			return err
		}
		if _, err := c.wr.WriteString("\r\n"); err != nil {
			return err
		}
	}
	if _, err := c.wr.WriteString(".\r\n"); err != nil {
		return err
	}
	return c.wr.Flush()
}

// readBodyLine reads one line from a stored body, stripping its trailing
// CRLF. A body handle always contains CRLF-terminated lines (ReadBody's
// output contract), so a bare "\n" is not expected, but is tolerated.
func readBodyLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		if line == "" {
			return "", io.EOF
		}
		// last line without a trailing newline: treat as a final line
		return trimCRLF(line), nil
	}
	return trimCRLF(line), nil
}

func trimCRLF(s string) string {
	b := bytes.TrimSuffix([]byte(s), []byte("\n"))
	b = bytes.TrimSuffix(b, []byte("\r"))
	return string(b)
}
