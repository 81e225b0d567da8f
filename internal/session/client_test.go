package session

import (
	"bufio"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeUpstream accepts one connection and replies to exactly the commands
// it is told to expect, in order.
func fakeUpstream(t *testing.T, replies []string) (addr string, done chan struct{}) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done = make(chan struct{})
	go func() {
		defer close(done)
		defer ln.Close()
		conn, err := ln.Accept()
		require.NoError(t, err)
		defer conn.Close()
		r := bufio.NewReader(conn)
		for _, reply := range replies {
			if _, err := r.ReadString('\n'); err != nil {
				return
			}
			if _, err := conn.Write([]byte(reply)); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String(), done
}

func TestClientHearMultiline(t *testing.T) {
	addr, done := fakeUpstream(t, []string{"250-upstream.example\r\n250 SIZE 10485760\r\n"})

	c := &Client{}
	require.NoError(t, c.Open(addr))
	defer c.Close()

	require.NoError(t, c.Say("EHLO laptop"))
	reply, err := c.Hear()
	require.NoError(t, err)
	require.Equal(t, 250, reply.Code)
	require.Equal(t, []string{"upstream.example", "SIZE 10485760"}, reply.Lines)

	<-done
}

func TestClientYammer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan struct{})
	var gotBody string
	go func() {
		defer close(done)
		defer ln.Close()
		conn, err := ln.Accept()
		require.NoError(t, err)
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			require.NoError(t, err)
			if line == ".\r\n" {
				break
			}
			gotBody += line
		}
		conn.Write([]byte("250 OK\r\n"))
	}()

	c := &Client{}
	require.NoError(t, c.Open(ln.Addr().String()))
	defer c.Close()

	body, err := NewBody()
	require.NoError(t, err)
	defer body.Close()
	body.Write([]byte("hello\r\n"))
	require.NoError(t, body.Rewind())

	require.NoError(t, c.Yammer(body))
	reply, err := c.Hear()
	require.NoError(t, err)
	require.Equal(t, 250, reply.Code)

	<-done
	require.Equal(t, "hello\r\n", gotBody)
}
