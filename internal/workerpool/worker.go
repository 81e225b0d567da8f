// Package workerpool implements the preforked worker pool and the
// per-connection session orchestrator that weaves the server session,
// client session, and filter pipeline together, retargeted from
// goroutine-per-connection to a real preforked OS process per worker (see
// pool.go for why and how).
package workerpool

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/abligh/smtpprox/internal/config"
	"github.com/abligh/smtpprox/internal/filterpipe"
	"github.com/abligh/smtpprox/internal/session"
	"github.com/abligh/smtpprox/internal/smtpio"
	"github.com/abligh/smtpprox/internal/tracelog"
)

// RunWorker is the entry point for a single preforked worker process. ln is
// the listening socket inherited from the parent (see ListenerFromFD in
// pool.go). It serves connections serially until its randomized lifetime is
// exhausted or the listener is closed out from under it (on shutdown).
func RunWorker(cfg *config.Config, ln net.Listener, logger zerolog.Logger) error {
	trace, err := tracelog.Open(cfg.DebugTrace, os.Getpid())
	if err != nil {
		return fmt.Errorf("workerpool: opening debug trace: %w", err)
	}
	defer trace.Close()

	// Reseed independently of the parent and of any sibling worker: each
	// worker is its own process, so there is no shared global rand state to
	// worry about, but we still avoid the fixed default seed.
	rnd := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(os.Getpid())<<32))
	lifetime := cfg.MinPerChild
	if span := cfg.MaxPerChild - cfg.MinPerChild; span > 0 {
		lifetime += rnd.Intn(span + 1)
	}

	logger.Info().Int("lifetime", lifetime).Msg("worker started")

	for lifetime > 0 {
		srv := &session.Server{}
		if err := srv.Accept(ln, session.AcceptOptions{Trace: trace}); err != nil {
			if isClosedListener(err) {
				logger.Info().Msg("listener closed, worker exiting")
				return nil
			}
			return fmt.Errorf("workerpool: accept: %w", err)
		}

		sessionID := uuid.New().String()
		sessLogger := logger.With().Str("session", sessionID).Logger()

		if err := serveOne(srv, cfg, sessLogger, trace, sessionID); err != nil {
			sessLogger.Warn().Err(err).Msg("session aborted")
		}

		srv.Close()
		srv.Conn().Close()
		lifetime--
	}

	logger.Info().Msg("worker lifetime exhausted, exiting")
	return nil
}

func isClosedListener(err error) bool {
	return strings.Contains(err.Error(), "use of closed network connection")
}

// serveOne runs exactly one client<->proxy<->upstream session: opens the
// upstream connection, forwards the banner (possibly rewritten), then
// relays commands until the dialogue ends. sessionID is attached to the
// synthesized banner (when tracing) as well as to every log line the
// caller's logger emits, so a session can be correlated between the trace
// file and the logs.
func serveOne(srv *session.Server, cfg *config.Config, logger zerolog.Logger, trace io.Writer, sessionID string) error {
	cli := &session.Client{}
	if err := cli.Open(cfg.Upstream); err != nil {
		srv.Ok("421 cannot connect to upstream")
		return fmt.Errorf("opening upstream: %w", err)
	}
	defer cli.Close()

	banner, err := cli.Hear()
	if err != nil {
		srv.Ok("421 upstream closed connection")
		return fmt.Errorf("reading upstream banner: %w", err)
	}

	if cfg.Helo != "" {
		bannerLine := fmt.Sprintf("220 %s ESMTP filter proxy", cfg.Helo)
		if name := traceName(trace); name != "" {
			bannerLine = fmt.Sprintf("%s (%s session=%s)", bannerLine, name, sessionID)
		}
		if err := srv.Ok(bannerLine); err != nil {
			return fmt.Errorf("writing banner: %w", err)
		}
	} else {
		if err := srv.WriteRaw(banner.String()); err != nil {
			return fmt.Errorf("writing banner: %w", err)
		}
	}

	ctx := context.Background()
	for {
		cmd, err := srv.Chat()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading client command: %w", err)
		}

		verb := strings.ToUpper(strings.SplitN(cmd, " ", 2)[0])

		switch {
		case cfg.Helo != "" && (verb == "HELO" || verb == "EHLO"):
			if err := cli.Say(fmt.Sprintf("%s %s", verb, cfg.Helo)); err != nil {
				return fmt.Errorf("forwarding %s: %w", verb, err)
			}
			reply, err := cli.Hear()
			if err != nil {
				return fmt.Errorf("reading %s reply: %w", verb, err)
			}
			reply = rewriteIdentity(reply, cfg.Helo)
			if err := srv.WriteRaw(reply.String()); err != nil {
				return fmt.Errorf("relaying %s reply: %w", verb, err)
			}

		case cmd == session.BodyCaptured:
			if err := cli.Say("DATA"); err != nil {
				return fmt.Errorf("forwarding DATA: %w", err)
			}
			if _, err := cli.Hear(); err != nil {
				return fmt.Errorf("reading DATA 354: %w", err)
			}

			body := srv.Body()
			filtered, ferr := filterpipe.Run(ctx, cfg.Filters, body)
			if ferr != nil {
				logger.Error().Err(ferr).Msg("filter pipeline failed")
				srv.Ok("554 content filter failed")
				return fmt.Errorf("filter pipeline: %w", ferr)
			}
			srv.SetBody(filtered)
			if err := cli.Yammer(filtered); err != nil {
				return fmt.Errorf("streaming body upstream: %w", err)
			}
			reply, err := cli.Hear()
			if err != nil {
				return fmt.Errorf("reading DATA reply: %w", err)
			}
			if err := srv.WriteRaw(reply.String()); err != nil {
				return fmt.Errorf("relaying DATA reply: %w", err)
			}

		default:
			if err := cli.Say(cmd); err != nil {
				return fmt.Errorf("forwarding %s: %w", verb, err)
			}
			reply, err := cli.Hear()
			if err != nil {
				return fmt.Errorf("reading %s reply: %w", verb, err)
			}
			if err := srv.WriteRaw(reply.String()); err != nil {
				return fmt.Errorf("relaying %s reply: %w", verb, err)
			}
		}
	}
}

// rewriteIdentity replaces only the first line of a successful (250) reply
// with fqdn, leaving any other lines (e.g. "250-SIZE ...") untouched: a
// blanket rewrite of every "250-..." line would also mangle extension
// lines advertised by the upstream.
func rewriteIdentity(r smtpio.Reply, fqdn string) smtpio.Reply {
	if r.Code == 250 && len(r.Lines) > 0 {
		r.Lines[0] = fqdn
	}
	return r
}

func traceName(w io.Writer) string {
	if s, ok := w.(*tracelog.Sink); ok {
		return s.Name()
	}
	return ""
}
