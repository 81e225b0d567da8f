// End-to-end tests exercising the built smtpprox command as a subprocess:
// the test binary re-execs itself under a sentinel environment variable, so
// the child runs the real main() instead of go test, letting us drive the
// relay over a real TCP dialogue against a fake upstream.
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testMainRunEnv = "_SMTPPROX_TESTMAIN_RUN"

func TestMain(m *testing.M) {
	if os.Getenv(testMainRunEnv) != "" {
		main()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// fakeUpstream is a minimal single-shot SMTP server used as the relay's
// upstream in end-to-end tests. It understands just enough of the dialogue
// to exercise HELO rewriting and DATA capture.
func fakeUpstream(t *testing.T, addr string) (stop func()) {
	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)
		fmt.Fprintf(conn, "220 fake.upstream ESMTP\r\n")

		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			upper := strings.ToUpper(line)

			switch {
			case strings.HasPrefix(upper, "EHLO"), strings.HasPrefix(upper, "HELO"):
				fmt.Fprintf(conn, "250-fake.upstream\r\n250-SIZE 10485760\r\n250 8BITMIME\r\n")
			case strings.HasPrefix(upper, "MAIL"), strings.HasPrefix(upper, "RCPT"):
				fmt.Fprintf(conn, "250 OK\r\n")
			case strings.HasPrefix(upper, "DATA"):
				fmt.Fprintf(conn, "354 End data with <CRLF>.<CRLF>\r\n")
				for {
					bodyLine, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if strings.TrimRight(bodyLine, "\r\n") == "." {
						break
					}
				}
				fmt.Fprintf(conn, "250 Queued\r\n")
			case strings.HasPrefix(upper, "QUIT"):
				fmt.Fprintf(conn, "221 Bye\r\n")
				return
			default:
				fmt.Fprintf(conn, "250 OK\r\n")
			}
		}
	}()

	return func() {
		ln.Close()
		<-done
	}
}

func dialWithRetry(t *testing.T, addr string) net.Conn {
	var lastErr error
	for i := 0; i < 40; i++ {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			return conn
		}
		lastErr = err
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("could not dial %s: %v", addr, lastErr)
	return nil
}

func waitForFile(t *testing.T, path string, shouldExist bool) {
	for i := 0; i < 40; i++ {
		_, err := os.Stat(path)
		exists := err == nil
		if exists == shouldExist {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s to exist=%v", path, shouldExist)
}

func startProxy(t *testing.T, extraArgs ...string) (pidFile string, stop func()) {
	dir := t.TempDir()
	pidFile = dir + "/smtpprox.pid"

	args := append([]string{"--pidfile=" + pidFile}, extraArgs...)
	cmd := exec.Command(os.Args[0], args...)
	cmd.Env = append(os.Environ(), testMainRunEnv+"=1")
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	require.NoError(t, cmd.Start())

	waitForFile(t, pidFile, true)
	time.Sleep(100 * time.Millisecond)

	return pidFile, func() {
		cmd.Process.Signal(syscall.SIGTERM)
		cmd.Wait()
		waitForFile(t, pidFile, false)
	}
}

func TestEndToEndPassthroughAndDataCapture(t *testing.T) {
	upstreamAddr := "127.0.0.1:32526"
	listenAddr := "127.0.0.1:32525"
	stopUpstream := fakeUpstream(t, upstreamAddr)
	defer stopUpstream()

	_, stopProxy := startProxy(t, "--children=1", "--minperchild=1", "--maxperchild=1",
		listenAddr, upstreamAddr)
	defer stopProxy()

	conn := dialWithRetry(t, listenAddr)
	defer conn.Close()
	r := bufio.NewReader(conn)

	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "220")

	fmt.Fprintf(conn, "EHLO client.example\r\n")
	require.Contains(t, mustReadReply(t, r), "fake.upstream")

	fmt.Fprintf(conn, "MAIL FROM:<a@example.org>\r\n")
	require.Contains(t, mustReadReply(t, r), "250")

	fmt.Fprintf(conn, "RCPT TO:<b@example.net>\r\n")
	require.Contains(t, mustReadReply(t, r), "250")

	fmt.Fprintf(conn, "DATA\r\n")
	require.Contains(t, mustReadReply(t, r), "354")

	fmt.Fprintf(conn, "Subject: test\r\n..leading dot\r\n.\r\n")
	require.Contains(t, mustReadReply(t, r), "250")

	fmt.Fprintf(conn, "QUIT\r\n")
	require.Contains(t, mustReadReply(t, r), "221")
}

func TestEndToEndHeloIdentityRewrite(t *testing.T) {
	upstreamAddr := "127.0.0.1:32528"
	listenAddr := "127.0.0.1:32527"
	stopUpstream := fakeUpstream(t, upstreamAddr)
	defer stopUpstream()

	_, stopProxy := startProxy(t, "--children=1", "--minperchild=1", "--maxperchild=1",
		"--helo=proxy.example", listenAddr, upstreamAddr)
	defer stopProxy()

	conn := dialWithRetry(t, listenAddr)
	defer conn.Close()
	r := bufio.NewReader(conn)

	banner, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, banner, "proxy.example")

	fmt.Fprintf(conn, "EHLO client.example\r\n")
	reply := mustReadReply(t, r)
	require.Contains(t, reply, "250-proxy.example")
	require.Contains(t, reply, "250-SIZE 10485760")
}

func TestEndToEndFilterFailureReturns554(t *testing.T) {
	upstreamAddr := "127.0.0.1:32530"
	listenAddr := "127.0.0.1:32529"
	stopUpstream := fakeUpstream(t, upstreamAddr)
	defer stopUpstream()

	_, stopProxy := startProxy(t, "--children=1", "--minperchild=1", "--maxperchild=1",
		listenAddr, upstreamAddr, "false")
	defer stopProxy()

	conn := dialWithRetry(t, listenAddr)
	defer conn.Close()
	r := bufio.NewReader(conn)

	_, err := r.ReadString('\n')
	require.NoError(t, err)

	fmt.Fprintf(conn, "MAIL FROM:<a@example.org>\r\n")
	mustReadReply(t, r)
	fmt.Fprintf(conn, "RCPT TO:<b@example.net>\r\n")
	mustReadReply(t, r)
	fmt.Fprintf(conn, "DATA\r\n")
	mustReadReply(t, r)

	fmt.Fprintf(conn, "body\r\n.\r\n")
	reply := mustReadReply(t, r)
	require.Contains(t, reply, "554")
}

func mustReadReply(t *testing.T, r *bufio.Reader) string {
	var lines []string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		lines = append(lines, line)
		if len(line) > 3 && line[3] == ' ' {
			break
		}
		if len(line) <= 3 {
			break
		}
	}
	return strings.Join(lines, "")
}

