package session

import (
	"net"
	"time"

	"github.com/abligh/smtpprox/internal/smtpio"
)

// Client is the outbound, upstream-facing half of a proxied SMTP session.
type Client struct {
	conn net.Conn
	line *smtpio.Conn
}

// Open establishes a TCP connection to the upstream SMTP server.
func (c *Client) Open(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, 30*time.Second)
	if err != nil {
		return err
	}
	c.conn = conn
	c.line = smtpio.NewConn(conn, conn)
	return nil
}

// Hear reads and returns one complete (possibly multi-line) reply.
func (c *Client) Hear() (smtpio.Reply, error) {
	return c.line.ReadReply()
}

// Say writes a command line verbatim plus CRLF.
func (c *Client) Say(command string) error {
	return c.line.WriteLine(command)
}

// Yammer streams body as the DATA payload: dot-stuffed lines terminated by
// the final "." line. Callers issue Hear afterward for the final
// disposition reply. body must be rewound to position zero by the caller.
func (c *Client) Yammer(body *Body) error {
	return c.line.WriteBody(body)
}

// Close closes the upstream connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
