// Package filterpipe wires a chain of filter-command subprocesses into a
// shell-style pipeline: the first process reads the captured message body,
// each later process reads the previous one's output, and the pipeline's
// result is captured into a fresh body handle, generalized from a single
// filter subprocess to an N-stage chain.
package filterpipe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"

	"github.com/abligh/smtpprox/internal/session"
)

// ErrPipelineFailed is wrapped into the error returned when any stage of the
// pipeline spawns unsuccessfully or exits non-zero.
var ErrPipelineFailed = errors.New("filterpipe: pipeline failed")

// Spec is an ordered list of filter argv vectors, the first reading the
// captured body and the last producing the replacement body.
type Spec [][]string

// maxCapturedStderr bounds how much of a failing stage's stderr is kept for
// diagnostics.
const maxCapturedStderr = 4096

// Run executes spec against body. With an empty spec it returns body
// unchanged (the identity pipeline). Otherwise it spawns every stage before
// waiting on any of them, wires the first stage's stdin directly to body's
// backing file and each later stage's stdin to the previous stage's stdout
// pipe, reaps all stages concurrently, and on success returns a new, rewound
// body holding the final stage's stdout.
func Run(ctx context.Context, spec Spec, body *session.Body) (*session.Body, error) {
	if len(spec) == 0 {
		return body, nil
	}

	if err := body.Rewind(); err != nil {
		return nil, fmt.Errorf("filterpipe: rewinding body: %w", err)
	}

	out, err := session.NewBody()
	if err != nil {
		return nil, fmt.Errorf("filterpipe: allocating output body: %w", err)
	}

	cmds := make([]*exec.Cmd, len(spec))
	stderrs := make([]bytes.Buffer, len(spec))

	for i, argv := range spec {
		if len(argv) == 0 {
			out.Close()
			return nil, fmt.Errorf("%w: stage %d has an empty argv", ErrPipelineFailed, i)
		}
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Stderr = limitedWriter{&stderrs[i], maxCapturedStderr}
		cmds[i] = cmd
	}

	// Wire adjacent stages directly through OS pipes; the orchestrator never
	// buffers intermediate stage output in user space. Stage 0 reads the
	// body's backing file directly, so even the first stage needs no
	// user-space feeder goroutine: os/exec hands the kernel the fd as-is.
	cmds[0].Stdin = body.File()
	for i := 1; i < len(cmds); i++ {
		r, err := cmds[i-1].StdoutPipe()
		if err != nil {
			out.Close()
			return nil, fmt.Errorf("%w: wiring stage %d: %v", ErrPipelineFailed, i-1, err)
		}
		cmds[i].Stdin = r
	}
	cmds[len(cmds)-1].Stdout = out.File()

	for i, cmd := range cmds {
		if err := cmd.Start(); err != nil {
			killAll(cmds[:i])
			out.Close()
			return nil, fmt.Errorf("%w: starting stage %d (%v): %v", ErrPipelineFailed, i, spec[i], err)
		}
	}

	var wg sync.WaitGroup
	waitErrs := make([]error, len(cmds))
	for i, cmd := range cmds {
		wg.Add(1)
		go func(i int, cmd *exec.Cmd) {
			defer wg.Done()
			waitErrs[i] = cmd.Wait()
		}(i, cmd)
	}
	wg.Wait()

	for i, werr := range waitErrs {
		if werr != nil {
			out.Close()
			msg := stderrs[i].String()
			if msg != "" {
				return nil, fmt.Errorf("%w: stage %d (%v) exited with error: %v: %s", ErrPipelineFailed, i, spec[i], werr, msg)
			}
			return nil, fmt.Errorf("%w: stage %d (%v) exited with error: %v", ErrPipelineFailed, i, spec[i], werr)
		}
	}

	if err := out.Rewind(); err != nil {
		out.Close()
		return nil, fmt.Errorf("filterpipe: rewinding output: %w", err)
	}
	return out, nil
}

func killAll(cmds []*exec.Cmd) {
	for _, cmd := range cmds {
		if cmd.Process != nil {
			cmd.Process.Kill()
			cmd.Wait()
		}
	}
}

// limitedWriter caps how many bytes are retained in buf, silently
// discarding the rest so a chatty filter can't exhaust memory on failure.
type limitedWriter struct {
	buf *bytes.Buffer
	max int
}

func (w limitedWriter) Write(p []byte) (int, error) {
	if w.buf.Len() < w.max {
		remain := w.max - w.buf.Len()
		if remain > len(p) {
			remain = len(p)
		}
		w.buf.Write(p[:remain])
	}
	return len(p), nil
}
