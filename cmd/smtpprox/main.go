// Command smtpprox is a transparent SMTP content-filtering relay. It
// interposes between an SMTP client and an SMTP server, forwarding the
// dialogue verbatim except for an optional HELO/EHLO identity rewrite, and
// pipes the DATA payload through a configured chain of filter subprocesses.
//
// This file is intentionally a thin wrapper: parse the command line, build
// the logger, and dispatch to the worker pool. The interesting behavior
// lives in internal/config and internal/workerpool.
package main

import (
	"fmt"
	"os"

	"github.com/abligh/smtpprox/internal/config"
	"github.com/abligh/smtpprox/internal/rlog"
	"github.com/abligh/smtpprox/internal/workerpool"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "smtpprox: %v\n", err)
		os.Exit(2)
	}

	logger, err := rlog.New(cfg.LogFormat, cfg.Syslog)
	if err != nil {
		fmt.Fprintf(os.Stderr, "smtpprox: %v\n", err)
		os.Exit(1)
	}

	if fd, ok := workerpool.IsWorker(); ok {
		ln, err := workerpool.ListenerFromFD(fd)
		if err != nil {
			logger.Fatal().Err(err).Msg("worker: recovering inherited listener")
		}
		if err := workerpool.RunWorker(cfg, ln, logger); err != nil {
			logger.Fatal().Err(err).Msg("worker exited with error")
		}
		return
	}

	err = workerpool.RunDaemonized(cfg, logger, func() error {
		pool, err := workerpool.NewPool(cfg, logger)
		if err != nil {
			return err
		}
		return pool.Run()
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker pool exited with error")
	}
}
