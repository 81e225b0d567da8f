package workerpool

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/abligh/smtpprox/internal/config"
)

// envWorkerMarker, when present in a child's environment, tells main to run
// as a worker instead of the parent. Every forked worker reads its own
// environment on startup to learn it should take the worker branch and
// which fd holds the inherited listening socket.
const (
	envWorkerMarker = "_SMTPPROX_WORKER"
	envListenerFD   = "_SMTPPROX_LISTENER_FD"
)

// forkDamping is the pause after each successful fork, to dampen restart
// storms if workers are crash-looping.
const forkDamping = 100 * time.Millisecond

// IsWorker reports whether the current process was re-exec'd as a worker,
// and if so the fd number of the inherited listening socket.
func IsWorker() (fd int, ok bool) {
	if os.Getenv(envWorkerMarker) == "" {
		return 0, false
	}
	n, err := strconv.Atoi(os.Getenv(envListenerFD))
	if err != nil {
		return 0, false
	}
	return n, true
}

// ListenerFromFD reconstructs the net.Listener a worker inherited from its
// parent via cmd.ExtraFiles.
func ListenerFromFD(fd int) (net.Listener, error) {
	f := os.NewFile(uintptr(fd), "smtpprox-listener")
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, err
	}
	// FileListener dups the fd; release our copy.
	f.Close()
	return ln, nil
}

// Pool is the parent process's worker supervisor. Go has no safe
// fork-without-exec, so "preforking" here means self-re-exec: the parent
// re-invokes its own binary with envWorkerMarker set and the bound
// listening socket's fd passed across exec via cmd.ExtraFiles. The parent
// itself never accepts on the listening socket.
type Pool struct {
	cfg      *config.Config
	ln       *net.TCPListener
	lnFile   *os.File
	logger   zerolog.Logger
	execPath string

	mu       sync.Mutex
	children map[int]*exec.Cmd
	exited   chan int
}

// NewPool binds the listening socket and prepares the parent supervisor.
func NewPool(cfg *config.Config, logger zerolog.Logger) (*Pool, error) {
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("workerpool: binding %s: %w", cfg.Listen, err)
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("workerpool: %s is not a TCP listener", cfg.Listen)
	}
	lnFile, err := tcpLn.File()
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("workerpool: duplicating listener fd: %w", err)
	}
	execPath, err := os.Executable()
	if err != nil {
		ln.Close()
		lnFile.Close()
		return nil, fmt.Errorf("workerpool: locating own executable: %w", err)
	}
	return &Pool{
		cfg:      cfg,
		ln:       tcpLn,
		lnFile:   lnFile,
		logger:   logger,
		execPath: execPath,
		children: make(map[int]*exec.Cmd),
		exited:   make(chan int, cfg.Children),
	}, nil
}

// Run binds no further sockets; it maintains the worker pool at cfg.Children
// width until a termination signal is received, then broadcasts TERM to
// every live worker and returns.
func (p *Pool) Run() error {
	defer p.ln.Close()
	defer p.lnFile.Close()

	if p.cfg.PidFile != "" {
		if err := os.WriteFile(p.cfg.PidFile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
			return fmt.Errorf("workerpool: writing pid file: %w", err)
		}
		defer os.Remove(p.cfg.PidFile)
	}

	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(term)

	terminating := false
	for !terminating {
		for p.liveCount() < p.cfg.Children && !terminating {
			if err := p.forkWorker(); err != nil {
				p.broadcastTerm()
				return fmt.Errorf("workerpool: fork: %w", err)
			}
			select {
			case <-time.After(forkDamping):
			case <-term:
				terminating = true
			}
		}
		if terminating {
			break
		}
		select {
		case <-term:
			terminating = true
		case pid := <-p.exited:
			p.forget(pid)
		}
	}

	p.logger.Info().Msg("terminate signal received, shutting down workers")
	p.broadcastTerm()
	return nil
}

func (p *Pool) liveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.children)
}

func (p *Pool) forget(pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.children, pid)
}

func (p *Pool) forkWorker() error {
	cmd := exec.Command(p.execPath, os.Args[1:]...)
	cmd.Env = append(os.Environ(), envWorkerMarker+"=1", fmt.Sprintf("%s=3", envListenerFD))
	cmd.ExtraFiles = []*os.File{p.lnFile}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		return err
	}

	pid := cmd.Process.Pid
	p.mu.Lock()
	p.children[pid] = cmd
	p.mu.Unlock()

	p.logger.Info().Int("pid", pid).Msg("forked worker")

	go func() {
		cmd.Wait()
		p.logger.Info().Int("pid", pid).Msg("worker exited")
		p.exited <- pid
	}()

	return nil
}

// broadcastTerm sends TERM to every live worker. Workers install no custom
// TERM handler, so the OS default disposition (terminate) ends them as soon
// as the signal is delivered, without further cooperation required.
func (p *Pool) broadcastTerm() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for pid, cmd := range p.children {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			p.logger.Warn().Int("pid", pid).Err(err).Msg("failed to signal worker")
		}
	}
}
