package workerpool

import (
	"fmt"
	"os"
	"syscall"

	"github.com/abligh/go-daemon"
	"github.com/rs/zerolog"

	"github.com/abligh/smtpprox/internal/config"
)

// RunDaemonized wraps runParent with the parent process's daemon lifecycle:
// optionally sending a command (-s stop) to an already-running daemon
// located via its PID file, or backgrounding into one. This follows the
// daemonization sequence go-daemon expects, trimmed to the one command this
// program actually needs (there is no live-reload concept here, so "-s
// reload" is not offered).
//
// Workers never call this: they are reached only via the self-re-exec path
// in pool.go, which bypasses daemonization entirely.
func RunDaemonized(cfg *config.Config, logger zerolog.Logger, runParent func() error) error {
	daemon.AddFlag(daemon.StringFlag(&cfg.SendSignal, "stop"), syscall.SIGTERM)

	d := &daemon.Context{
		PidFileName: cfg.PidFile,
		PidFilePerm: 0644,
		Umask:       027,
	}

	if len(daemon.ActiveFlags()) > 0 {
		p, err := d.Search()
		if err != nil {
			return fmt.Errorf("workerpool: daemon not running: %w", err)
		}
		if err := p.Signal(syscall.Signal(0)); err != nil {
			return fmt.Errorf("workerpool: daemon not running, pid file may be stale: %w", err)
		}
		daemon.SendCommands(p)
		return nil
	}

	if cfg.Foreground {
		return runParent()
	}

	if !daemon.WasReborn() {
		if p, err := d.Search(); err == nil {
			if err := p.Signal(syscall.Signal(0)); err == nil {
				return fmt.Errorf("workerpool: daemon already running (pid %d)", p.Pid)
			}
			logger.Info().Str("pidfile", cfg.PidFile).Msg("removing stale pid file")
			os.Remove(cfg.PidFile)
		}
	}

	child, err := d.Reborn()
	if err != nil {
		return fmt.Errorf("workerpool: daemonize: %w", err)
	}
	if child != nil {
		// parent: the reborn child carries on in the background
		return nil
	}
	defer d.Release()

	return runParent()
}
