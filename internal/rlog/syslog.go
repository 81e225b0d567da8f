package rlog

import (
	"io"
	"log/syslog"
	"regexp"
)

// syslogWriter adapts a "[LEVEL] message" formatted byte stream onto a
// syslog.Writer, dispatching each line to the syslog priority matching its
// bracketed level. In text mode it sits behind zerolog's ConsoleWriter, so
// the bracket format it parses is produced by rlog.New's FormatLevel; in
// json mode it receives JSON lines, which carry no bracketed level and are
// sent at notice priority.
type syslogWriter struct {
	w *syslog.Writer
}

var facilityMap = map[string]syslog.Priority{
	"kern":     syslog.LOG_KERN,
	"user":     syslog.LOG_USER,
	"mail":     syslog.LOG_MAIL,
	"daemon":   syslog.LOG_DAEMON,
	"auth":     syslog.LOG_AUTH,
	"syslog":   syslog.LOG_SYSLOG,
	"lpr":      syslog.LOG_LPR,
	"news":     syslog.LOG_NEWS,
	"uucp":     syslog.LOG_UUCP,
	"cron":     syslog.LOG_CRON,
	"authpriv": syslog.LOG_AUTHPRIV,
	"ftp":      syslog.LOG_FTP,
	"local0":   syslog.LOG_LOCAL0,
	"local1":   syslog.LOG_LOCAL1,
	"local2":   syslog.LOG_LOCAL2,
	"local3":   syslog.LOG_LOCAL3,
	"local4":   syslog.LOG_LOCAL4,
	"local5":   syslog.LOG_LOCAL5,
	"local6":   syslog.LOG_LOCAL6,
	"local7":   syslog.LOG_LOCAL7,
}

var bracketLevel = regexp.MustCompile(`\[[A-Z]+\]\s*`)

// newSyslogWriter opens a syslog connection for facility, defaulting to
// LOG_DAEMON for an unrecognized name.
func newSyslogWriter(facility string) (io.WriteCloser, error) {
	f := syslog.LOG_DAEMON
	if ff, ok := facilityMap[facility]; ok {
		f = ff
	}
	w, err := syslog.New(f|syslog.LOG_INFO, "smtpprox")
	if err != nil {
		return nil, err
	}
	return &syslogWriter{w: w}, nil
}

func (s *syslogWriter) Close() error { return s.w.Close() }

func (s *syslogWriter) Write(p []byte) (int, error) {
	level := ""
	text := bracketLevel.ReplaceAllStringFunc(string(p), func(l string) string {
		level = l
		return ""
	})
	switch level {
	case "[DEBUG] ", "[DEBUG]":
		s.w.Debug(text)
	case "[INFO] ", "[INFO]":
		s.w.Info(text)
	case "[WARN] ", "[WARN]":
		s.w.Warning(text)
	case "[ERROR] ", "[ERROR]":
		s.w.Err(text)
	case "[FATAL] ", "[FATAL]":
		s.w.Crit(text)
	case "[PANIC] ", "[PANIC]":
		s.w.Emerg(text)
	default:
		s.w.Notice(text)
	}
	return len(p), nil
}
