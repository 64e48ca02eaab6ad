// Process supervisor - keeps the backend agent gateway running
package processtool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/shlex"
	"golang.org/x/sync/singleflight"

	"github.com/gliderlab/moltgate/pkg/config"
)

// ErrBackendUnavailable is returned when the backend does not accept
// connections within the readiness window
var ErrBackendUnavailable = errors.New("backend unavailable")

// Backend status values reported by Status
const (
	StatusRunning       = "running"
	StatusNotRunning    = "not_running"
	StatusNotResponding = "not_responding"
)

var (
	// Max buffered output per process (1MB)
	maxBufferSize = 1024 * 1024
	// Readiness polling
	pollInterval = 500 * time.Millisecond
	probeTimeout = time.Second
	stopTimeout  = 10 * time.Second
	// Restart command timeout
	restartCommandTimeout = 60 * time.Second
)

type ProcessInfo struct {
	ID        string
	Cmd       *exec.Cmd
	Pty       *os.File
	CreatedAt time.Time
	Command   string
	UsePty    bool

	bufferMu sync.Mutex
	buffer   bytes.Buffer
	done     chan struct{}
}

// Alive reports whether the process has not exited yet
func (p *ProcessInfo) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Output returns the captured output tail
func (p *ProcessInfo) Output() string {
	p.bufferMu.Lock()
	defer p.bufferMu.Unlock()
	return p.buffer.String()
}

func (p *ProcessInfo) Write(b []byte) (int, error) {
	p.bufferMu.Lock()
	defer p.bufferMu.Unlock()

	n := len(b)
	if p.buffer.Len()+n > maxBufferSize {
		// Drop oldest content
		overflow := p.buffer.Len() + n - maxBufferSize
		if overflow >= p.buffer.Len() {
			p.buffer.Reset()
			if n > maxBufferSize {
				b = b[n-maxBufferSize:]
			}
		} else {
			rest := append([]byte(nil), p.buffer.Bytes()[overflow:]...)
			p.buffer.Reset()
			p.buffer.Write(rest)
		}
	}
	p.buffer.Write(b)
	return n, nil
}

// Status is the backend state reported on /api/status
type Status struct {
	Status    string `json:"status"`
	ProcessID int    `json:"processId,omitempty"`
}

type Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

// Supervisor starts the backend on demand, waits for its gateway port, and
// restarts it. With no start command configured the backend is assumed to
// be managed externally and only readiness is checked.
type Supervisor struct {
	cfg    config.BackendConfig
	addr   string
	dial   Dialer
	runner Runner

	mu     sync.Mutex
	proc   *ProcessInfo
	starts int

	group singleflight.Group
}

// Option customizes a Supervisor
type Option func(*Supervisor)

// WithDialer overrides the readiness dialer
func WithDialer(d Dialer) Option {
	return func(s *Supervisor) { s.dial = d }
}

// WithRunner overrides the runner used for the restart command
func WithRunner(r Runner) Option {
	return func(s *Supervisor) { s.runner = r }
}

// NewSupervisor creates a supervisor for the backend described by cfg
func NewSupervisor(cfg config.BackendConfig, opts ...Option) *Supervisor {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = config.BackendReadyTimeout
	}
	s := &Supervisor{
		cfg:    cfg,
		addr:   net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.GatewayPort)),
		dial:   (&net.Dialer{}).DialContext,
		runner: CommandRunner{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Addr returns the readiness address
func (s *Supervisor) Addr() string {
	return s.addr
}

// EnsureRunning makes sure the backend accepts connections, starting it when
// a command is configured. Concurrent callers share one attempt; each caller
// stops waiting when its own ctx is done.
func (s *Supervisor) EnsureRunning(ctx context.Context) error {
	ch := s.group.DoChan("ensure", func() (interface{}, error) {
		// Detached so one impatient caller does not fail the others
		return nil, s.ensureRunning(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, ctx.Err())
	}
}

func (s *Supervisor) ensureRunning(ctx context.Context) error {
	if s.probe(ctx) {
		return nil
	}

	if s.cfg.Command != "" {
		if _, err := s.startIfNeeded(); err != nil {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}

	return s.waitReady(ctx, s.cfg.ReadyTimeout)
}

func (s *Supervisor) waitReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if s.probe(ctx) {
			return nil
		}
		if proc := s.current(); proc != nil && !proc.Alive() {
			return fmt.Errorf("%w: process %s exited", ErrBackendUnavailable, proc.ID)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s not ready after %s", ErrBackendUnavailable, s.addr, timeout)
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	conn, err := s.dial(ctx, "tcp", s.addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (s *Supervisor) current() *ProcessInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

// Process returns the managed process, or nil when none was started
func (s *Supervisor) Process() *ProcessInfo {
	return s.current()
}

func (s *Supervisor) startIfNeeded() (*ProcessInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc != nil && s.proc.Alive() {
		return s.proc, nil
	}
	proc, err := s.startLocked()
	if err != nil {
		return nil, err
	}
	s.proc = proc
	return proc, nil
}

// startLocked launches the configured command. Caller holds s.mu.
func (s *Supervisor) startLocked() (*ProcessInfo, error) {
	parts, err := shlex.Split(s.cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command: %v", err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	cmd := exec.Command(parts[0], parts[1:]...)
	if s.cfg.WorkDir != "" {
		cmd.Dir = s.cfg.WorkDir
	}
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}

	proc := &ProcessInfo{
		ID:        fmt.Sprintf("proc_%d", time.Now().UnixNano()),
		Cmd:       cmd,
		CreatedAt: time.Now(),
		Command:   s.cfg.Command,
		UsePty:    s.cfg.UsePty,
		done:      make(chan struct{}),
	}

	if s.cfg.UsePty {
		// pty.Start already started the process
		ptyFile, err := pty.Start(cmd)
		if err != nil {
			return nil, fmt.Errorf("PTY start failed: %v", err)
		}
		proc.Pty = ptyFile
		go func() {
			io.Copy(proc, ptyFile)
		}()
	} else {
		cmd.Stdout = proc
		cmd.Stderr = proc
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start failed: %v", err)
		}
	}

	s.starts++
	log.Printf("[OK] Process started: %s (PID: %d, PTY: %v)", proc.ID, cmd.Process.Pid, proc.UsePty)

	go func() {
		cmd.Wait()
		if proc.Pty != nil {
			proc.Pty.Close()
		}
		close(proc.done)
		log.Printf("[END] Process ended: %s (exit code: %d)", proc.ID, cmd.ProcessState.ExitCode())
	}()

	return proc, nil
}

// Restart restarts the backend. A configured restart command takes
// precedence; otherwise the managed process is stopped and started again.
func (s *Supervisor) Restart(ctx context.Context) error {
	if s.cfg.RestartCommand != "" {
		parts, err := shlex.Split(s.cfg.RestartCommand)
		if err != nil || len(parts) == 0 {
			return fmt.Errorf("invalid restart command %q: %v", s.cfg.RestartCommand, err)
		}
		log.Printf("[RELOAD] Running restart command: %s", s.cfg.RestartCommand)
		res, err := s.runner.Run(ctx, ExecSpec{
			Bin:     parts[0],
			Args:    parts[1:],
			Timeout: restartCommandTimeout,
			Workdir: s.cfg.WorkDir,
		})
		if err != nil {
			if res != nil && res.Stderr != "" {
				return fmt.Errorf("restart command failed: %w: %s", err, res.Stderr)
			}
			return fmt.Errorf("restart command failed: %w", err)
		}
		return nil
	}

	if s.cfg.Command == "" {
		return fmt.Errorf("no restart method configured")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc != nil && s.proc.Alive() {
		log.Printf("[RELOAD] Stopping process %s for restart", s.proc.ID)
		stopProcess(s.proc)
	}
	proc, err := s.startLocked()
	if err != nil {
		log.Printf("[ERROR] Failed to restart backend: %v", err)
		return err
	}
	s.proc = proc
	log.Printf("[OK] Backend restarted as %s", proc.ID)
	return nil
}

// Status probes the readiness port
func (s *Supervisor) Status(ctx context.Context) Status {
	proc := s.current()
	ready := s.probe(ctx)

	switch {
	case proc != nil && proc.Alive():
		st := Status{Status: StatusNotResponding, ProcessID: proc.Cmd.Process.Pid}
		if ready {
			st.Status = StatusRunning
		}
		return st
	case ready:
		return Status{Status: StatusRunning}
	default:
		return Status{Status: StatusNotRunning}
	}
}

// Stop terminates the managed process, if any
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != nil && s.proc.Alive() {
		stopProcess(s.proc)
	}
}

// stopProcess sends SIGTERM and escalates to SIGKILL after stopTimeout
func stopProcess(p *ProcessInfo) {
	if p.Cmd == nil || p.Cmd.Process == nil {
		return
	}
	p.Cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-p.done:
	case <-time.After(stopTimeout):
		log.Printf("[WARN] Process %s ignored SIGTERM, killing", p.ID)
		p.Cmd.Process.Kill()
		<-p.done
	}
}
