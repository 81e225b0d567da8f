// Package config parses the smtpprox command line: the two address:port
// positional arguments, the pool/HELO/trace flags, and the trailing filter
// command specifications. YAML is used for the optional --filterconf
// filter-chain file alongside the primary flag-and-positional-argument
// surface.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/abligh/smtpprox/internal/filterpipe"
	"gopkg.in/yaml.v2"
)

// Config holds one fully parsed invocation of smtpprox.
type Config struct {
	Listen      string
	Upstream    string
	Children    int
	MinPerChild int
	MaxPerChild int
	Helo        string
	DebugTrace  string
	PidFile     string
	LogFormat   string
	Syslog      string
	Foreground  bool
	SendSignal  string
	Filters     filterpipe.Spec
}

// ErrArgument wraps every error produced while parsing the command line, so
// main can distinguish "bad invocation" (exit non-zero before binding) from
// later failures.
type ErrArgument struct{ msg string }

func (e *ErrArgument) Error() string { return e.msg }

func argErrorf(format string, args ...interface{}) error {
	return &ErrArgument{msg: fmt.Sprintf(format, args...)}
}

// Parse parses args (excluding the program name, i.e. os.Args[1:]).
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("smtpprox", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	children := fs.Int("children", 16, "worker pool width")
	minPerChild := fs.Int("minperchild", 100, "lower bound of per-worker session count")
	maxPerChild := fs.Int("maxperchild", 200, "upper bound of per-worker session count")
	helo := fs.String("helo", "", "rewrite outbound banner and HELO/EHLO identity to this FQDN")
	debugTrace := fs.String("debugtrace", "", "write a dialogue transcript to PREFIX.<pid>")
	pidFile := fs.String("pidfile", "", "parent PID file")
	filterConf := fs.String("filterconf", "", "YAML file listing additional filter argv vectors")
	logFormat := fs.String("log-format", "text", `"text" or "json"`)
	syslogFacility := fs.String("syslog", "", "mirror log output to syslog at this facility (e.g. daemon, local0)")
	foreground := fs.Bool("f", true, "run in foreground (not as a daemon)")
	sendSignal := fs.String("s", "", `send a command to a running daemon: "stop"`)

	if err := fs.Parse(args); err != nil {
		return nil, &ErrArgument{msg: err.Error()}
	}

	rest := fs.Args()
	if len(rest) < 2 {
		return nil, argErrorf("usage: smtpprox [options] LISTEN_ADDR:PORT UPSTREAM_ADDR:PORT [filter-command...]")
	}

	c := &Config{
		Listen:      rest[0],
		Upstream:    rest[1],
		Children:    *children,
		MinPerChild: *minPerChild,
		MaxPerChild: *maxPerChild,
		Helo:        *helo,
		DebugTrace:  *debugTrace,
		PidFile:     *pidFile,
		LogFormat:   *logFormat,
		Syslog:      *syslogFacility,
		Foreground:  *foreground,
		SendSignal:  *sendSignal,
	}

	if c.SendSignal != "" && c.SendSignal != "stop" {
		return nil, argErrorf(`-s must be "stop", got %q`, c.SendSignal)
	}
	if c.SendSignal != "" && c.PidFile == "" {
		return nil, argErrorf("-s requires --pidfile to locate the running daemon")
	}

	if c.Children <= 0 {
		return nil, argErrorf("--children must be positive, got %d", c.Children)
	}
	if c.MinPerChild <= 0 || c.MaxPerChild < c.MinPerChild {
		return nil, argErrorf("--minperchild/--maxperchild invalid: %d/%d", c.MinPerChild, c.MaxPerChild)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return nil, argErrorf("--log-format must be \"text\" or \"json\", got %q", c.LogFormat)
	}

	for _, spec := range rest[2:] {
		argv := strings.Fields(spec)
		if len(argv) == 0 {
			continue
		}
		c.Filters = append(c.Filters, argv)
	}

	if *filterConf != "" {
		extra, err := loadFilterConf(*filterConf)
		if err != nil {
			return nil, argErrorf("reading --filterconf: %v", err)
		}
		c.Filters = append(c.Filters, extra...)
	}

	return c, nil
}

// loadFilterConf reads a YAML document of the form:
//
//	filters:
//	  - ["tr", "a-z", "A-Z"]
//	  - ["sed", "s/foo/bar/"]
func loadFilterConf(path string) (filterpipe.Spec, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Filters filterpipe.Spec `yaml:"filters"`
	}
	if err := yaml.Unmarshal(buf, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return doc.Filters, nil
}
