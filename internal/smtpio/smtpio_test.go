package smtpio

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadLine(t *testing.T) {
	c := NewConn(strings.NewReader("HELO foo\r\nQUIT\r\n"), io.Discard)
	l, err := c.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "HELO foo", l)
	l, err = c.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "QUIT", l)
}

func TestWriteLine(t *testing.T) {
	var buf bytes.Buffer
	c := NewConn(strings.NewReader(""), &buf)
	require.NoError(t, c.WriteLine("220 hello"))
	require.Equal(t, "220 hello\r\n", buf.String())
}

func TestReadReplyMultiline(t *testing.T) {
	wire := "250-upstream.example\r\n250-SIZE 10485760\r\n250 HELP\r\n"
	c := NewConn(strings.NewReader(wire), io.Discard)
	r, err := c.ReadReply()
	require.NoError(t, err)
	require.Equal(t, 250, r.Code)
	require.Equal(t, []string{"upstream.example", "SIZE 10485760", "HELP"}, r.Lines)
	require.Equal(t, wire, r.String())
}

func TestWriteReplySingleLine(t *testing.T) {
	var buf bytes.Buffer
	c := NewConn(strings.NewReader(""), &buf)
	require.NoError(t, c.WriteReply(Reply{Code: 221, Lines: []string{"2.0.0 Bye"}}))
	require.Equal(t, "221 2.0.0 Bye\r\n", buf.String())
}

func TestBodyRoundTripDotStuffing(t *testing.T) {
	// client sends dot-stuffed ".hidden" as "..hidden"
	wire := "Subject: t\r\n..hidden\r\nhi\r\n.\r\n"
	c := NewConn(strings.NewReader(wire), io.Discard)
	var captured bytes.Buffer
	require.NoError(t, c.ReadBody(&captured))
	require.Equal(t, "Subject: t\r\n.hidden\r\nhi\r\n", captured.String())

	var out bytes.Buffer
	wc := NewConn(strings.NewReader(""), &out)
	require.NoError(t, wc.WriteBody(bytes.NewReader(captured.Bytes())))
	require.Equal(t, wire, out.String())
}

func TestBodyEmpty(t *testing.T) {
	c := NewConn(strings.NewReader(".\r\n"), io.Discard)
	var captured bytes.Buffer
	require.NoError(t, c.ReadBody(&captured))
	require.Equal(t, "", captured.String())

	var out bytes.Buffer
	wc := NewConn(strings.NewReader(""), &out)
	require.NoError(t, wc.WriteBody(bytes.NewReader(nil)))
	require.Equal(t, ".\r\n", out.String())
}
