// Package agent supervises the local connectivity agent: a long running process
// that opens an outbound connection to the workflow service so compute
// environments can be reached without inbound SSH.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

const (
	// HandshakeMarker is the suffix of the stdout line printed once the agent
	// is connected.
	HandshakeMarker = "Connection to Tower established"

	// DefaultBinary is looked up on PATH when no binary is configured.
	DefaultBinary = "tw-agent"

	// DefaultTimeout bounds the wait for the handshake.
	DefaultTimeout = 300 * time.Second

	// DetachedTimeout is used when nobody is attached to the terminal.
	DetachedTimeout = 30 * time.Minute

	// DefaultStopGrace is how long Stop waits after SIGTERM before killing.
	DefaultStopGrace = 10 * time.Second

	// TokenEnv carries the access token into the agent's environment.
	TokenEnv = "TOWER_ACCESS_TOKEN"

	maxCapturedOutput = 16 * 1024
)

// ErrHandshakeTimeout is returned by Start when the agent did not report a
// connection in time. The process has been terminated when it is returned.
var ErrHandshakeTimeout = errors.New("agent did not connect before the timeout")

// Config describes how to launch the agent.
type Config struct {
	Binary       string
	ConnectionID string
	WorkDir      string
	Endpoint     string
	Token        string

	// Timeout bounds the handshake wait. Zero means DefaultTimeout.
	Timeout time.Duration

	// StopGrace bounds the wait after SIGTERM. Zero means DefaultStopGrace.
	StopGrace time.Duration

	// LeaveAlive keeps the agent running after Stop.
	LeaveAlive bool

	Logger zerolog.Logger
}

func (c Config) binary() string {
	if c.Binary == "" {
		return DefaultBinary
	}
	return c.Binary
}

// Args returns the agent command line arguments.
func (c Config) Args() []string {
	return []string{"--url", c.Endpoint, "--work-dir", c.WorkDir, c.ConnectionID}
}

// RelaunchTip returns the command a user can run to start the agent again.
func (c Config) RelaunchTip() string {
	return strings.Join(append([]string{filepath.Base(c.binary())}, c.Args()...), " ")
}

func (c Config) validate() error {
	switch {
	case c.ConnectionID == "":
		return fmt.Errorf("agent connection id is required")
	case c.WorkDir == "":
		return fmt.Errorf("agent work directory is required")
	case c.Endpoint == "":
		return fmt.Errorf("agent endpoint is required")
	}
	return nil
}

// StartError reports an agent that exited before the handshake.
type StartError struct {
	// Output is the agent's stderr, or its stdout when stderr was empty.
	Output string
	Err    error
}

func (e *StartError) Error() string {
	msg := "agent could not be started"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}
	return msg
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// Process is a running agent.
type Process struct {
	cfg    Config
	cmd    *exec.Cmd
	logger zerolog.Logger

	stdout *cappedBuffer
	stderr *cappedBuffer

	ready chan struct{}
	done  chan struct{}

	waitErr  error
	stopOnce sync.Once
	stopErr  error
}

// Start launches the agent and blocks until it reports a connection, exits,
// the timeout expires or ctx is cancelled. On any error the process has
// already been terminated and reaped.
func Start(ctx context.Context, cfg Config) (*Process, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	cmd := exec.Command(cfg.binary(), cfg.Args()...)
	cmd.Env = append(os.Environ(), TokenEnv+"="+cfg.Token)
	cmd.WaitDelay = time.Second
	detach(cmd)

	p := &Process{
		cfg:    cfg,
		cmd:    cmd,
		logger: cfg.Logger.With().Str("component", "agent").Str("connection", cfg.ConnectionID).Logger(),
		stdout: &cappedBuffer{limit: maxCapturedOutput},
		stderr: &cappedBuffer{limit: maxCapturedOutput},
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	cmd.Stderr = p.stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach agent stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, &StartError{Err: err}
	}
	p.logger.Debug().Int("pid", cmd.Process.Pid).Str("binary", cfg.binary()).Msg("Agent started")

	go p.watch(stdout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.ready:
		p.logger.Info().Msg("Agent connected")
		return p, nil
	case <-p.done:
		select {
		case <-p.ready:
			return p, nil
		default:
		}
		output := p.stderr.String()
		if strings.TrimSpace(output) == "" {
			output = p.stdout.String()
		}
		return nil, &StartError{Output: output, Err: p.waitErr}
	case <-timer.C:
		p.terminate()
		return nil, fmt.Errorf("%w (%s)", ErrHandshakeTimeout, timeout)
	case <-ctx.Done():
		p.terminate()
		return nil, ctx.Err()
	}
}

// watch reads stdout until EOF, signals the handshake and reaps the process.
func (p *Process) watch(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	connected := false
	for scanner.Scan() {
		line := scanner.Text()
		if connected {
			p.logger.Debug().Str("line", line).Msg("Agent output")
			continue
		}
		p.stdout.Write([]byte(line + "\n"))
		if strings.HasSuffix(strings.TrimRight(line, "\r"), HandshakeMarker) {
			connected = true
			close(p.ready)
		}
	}
	_, _ = io.Copy(io.Discard, stdout)
	p.waitErr = p.cmd.Wait()
	close(p.done)
}

// PID returns the agent's process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Done is closed once the agent has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Stop terminates the agent unless it was configured to stay alive. It is
// safe to call more than once.
func (p *Process) Stop() error {
	p.stopOnce.Do(func() {
		if p.cfg.LeaveAlive {
			p.logger.Info().Int("pid", p.PID()).Msg("Leaving agent running")
			return
		}
		p.stopErr = p.terminate()
	})
	return p.stopErr
}

// Terminate stops the agent even when LeaveAlive is set.
func (p *Process) Terminate() error {
	p.stopOnce.Do(func() {
		p.stopErr = p.terminate()
	})
	return p.stopErr
}

// terminate sends SIGTERM, then waits for exit, killing after the grace period.
func (p *Process) terminate() error {
	grace := p.cfg.StopGrace
	if grace <= 0 {
		grace = DefaultStopGrace
	}

	if err := signalGroup(p.cmd.Process, syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Debug().Err(err).Msg("SIGTERM failed, killing agent")
		_ = signalGroup(p.cmd.Process, syscall.SIGKILL)
	}

	select {
	case <-p.done:
	case <-time.After(grace):
		p.logger.Warn().Dur("grace", grace).Msg("Agent ignored SIGTERM, killing")
		if err := signalGroup(p.cmd.Process, syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("failed to kill agent: %w", err)
		}
		<-p.done
	}
	p.logger.Debug().Msg("Agent stopped")
	return nil
}

// cappedBuffer keeps the first limit bytes written to it.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(data) > room {
			b.buf.Write(data[:room])
		} else {
			b.buf.Write(data)
		}
	}
	return len(data), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
