// Package rlog builds the process logger. It carries forward
// a "[LEVEL] message" bracketed visual convention for text output, built
// around zerolog, which gains structured per-session/per-worker fields for
// the --log-format=json mode while keeping the bracketed-level text format
// as the default.
package rlog

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds the process logger for the given format ("text" or "json"). If
// syslogFacility is non-empty, log output is mirrored to syslog at that
// facility.
func New(format, syslogFacility string) (zerolog.Logger, error) {
	var out io.Writer = os.Stderr
	if syslogFacility != "" {
		sw, err := newSyslogWriter(syslogFacility)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("rlog: opening syslog: %w", err)
		}
		out = io.MultiWriter(os.Stderr, sw)
	}

	if format == "json" {
		return zerolog.New(out).With().Timestamp().Caller().Logger(), nil
	}
	w := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: "15:04:05",
		FormatLevel: func(i interface{}) string {
			level, _ := i.(string)
			return "[" + strings.ToUpper(level) + "]"
		},
	}
	return zerolog.New(w).With().Timestamp().Logger(), nil
}
