//go:build !windows

package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ErrNotStarted is returned by operations that need a launched process.
var ErrNotStarted = errors.New("process not started")

// Status is a point-in-time view of a launched process.
type Status struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	ExitErr   string    `json:"exit_error,omitempty"`
}

// Process is one launched worker. The launched pid leads its own process group,
// so signals reach shell wrappers and the worker they exec alike.
// Exactly one goroutine waits on the child; Done is closed when it has been reaped.
type Process struct {
	spec      Spec
	mu        sync.Mutex
	cmd       *exec.Cmd
	status    Status
	exitErr   error
	outCloser io.WriteCloser
	errCloser io.WriteCloser
	waitDone  chan struct{}
}

func New(spec Spec) *Process {
	return &Process{spec: spec, waitDone: make(chan struct{})}
}

func (p *Process) Spec() Spec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spec
}

// Start launches the worker. When Spec.CaptureStdout is set it returns the read end of
// a pipe connected to the worker's stdout; the caller owns and must close it.
func (p *Process) Start() (io.ReadCloser, error) {
	p.mu.Lock()
	spec := p.spec
	started := p.cmd != nil
	p.mu.Unlock()
	if started {
		return nil, fmt.Errorf("process %s already started", spec.Name)
	}

	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	configureSysProcAttr(cmd)

	outW, errW := p.logWriters(spec)
	var (
		stream   *os.File
		streamW  *os.File
		nullFile *os.File
	)
	if spec.CaptureStdout {
		r, w, err := os.Pipe()
		if err != nil {
			p.CloseWriters()
			return nil, fmt.Errorf("status pipe: %w", err)
		}
		stream, streamW = r, w
		cmd.Stdout = w
	} else if outW != nil {
		cmd.Stdout = outW
	}
	if errW != nil {
		cmd.Stderr = errW
	}
	if cmd.Stdout == nil || cmd.Stderr == nil {
		nullFile, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if cmd.Stdout == nil && nullFile != nil {
			cmd.Stdout = nullFile
		}
		if cmd.Stderr == nil && nullFile != nil {
			cmd.Stderr = nullFile
		}
	}

	err := cmd.Start()
	// The child holds its own copies now.
	if streamW != nil {
		_ = streamW.Close()
	}
	if nullFile != nil {
		_ = nullFile.Close()
	}
	if err != nil {
		if stream != nil {
			_ = stream.Close()
		}
		p.CloseWriters()
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.status = Status{Name: spec.Name, PID: cmd.Process.Pid, Running: true, StartedAt: time.Now()}
	p.mu.Unlock()

	go p.wait(cmd)

	if stream == nil {
		return nil, nil
	}
	return stream, nil
}

func (p *Process) logWriters(spec Spec) (io.WriteCloser, io.WriteCloser) {
	if spec.Log.Dir == "" && spec.Log.StdoutPath == "" && spec.Log.StderrPath == "" {
		return nil, nil
	}
	if spec.Log.Dir != "" {
		_ = os.MkdirAll(spec.Log.Dir, 0o750)
	}
	outW, errW, _ := spec.Log.Writers(spec.Name)
	p.mu.Lock()
	p.outCloser, p.errCloser = outW, errW
	p.mu.Unlock()
	return outW, errW
}

func (p *Process) wait(cmd *exec.Cmd) {
	err := cmd.Wait()
	p.mu.Lock()
	p.status.Running = false
	p.status.StoppedAt = time.Now()
	p.exitErr = err
	if err != nil {
		p.status.ExitErr = err.Error()
	}
	p.mu.Unlock()
	p.CloseWriters()
	close(p.waitDone)
}

// CloseWriters closes the log writers, if any.
func (p *Process) CloseWriters() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.outCloser != nil {
		_ = p.outCloser.Close()
		p.outCloser = nil
	}
	if p.errCloser != nil {
		_ = p.errCloser.Close()
		p.errCloser = nil
	}
}

// Pid returns the launched pid, or 0 before Start.
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Done is closed once the launched process has exited and been reaped.
// It never closes for a process that was never started.
func (p *Process) Done() <-chan struct{} { return p.waitDone }

// Exited reports whether the launched process has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.waitDone:
		return true
	default:
		return false
	}
}

// ExitErr returns the error from Wait once the process has exited.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Signal delivers sig to the worker's process group, falling back to the pid alone.
func (p *Process) Signal(sig syscall.Signal) error {
	pid := p.Pid()
	if pid <= 0 {
		return ErrNotStarted
	}
	if p.Exited() {
		return nil
	}
	if err := killProcess(-pid, sig); err == nil {
		return nil
	}
	return killProcess(pid, sig)
}

// Terminate sends SIGINT, waits up to grace for exit, then SIGKILL and waits up to killWait.
// It reports whether the process is known to have exited.
func (p *Process) Terminate(grace, killWait time.Duration) bool {
	if p.Pid() <= 0 {
		return true
	}
	if p.Exited() {
		return true
	}
	_ = p.Signal(syscall.SIGINT)
	if waitClosed(p.waitDone, grace) {
		return true
	}
	_ = p.Signal(syscall.SIGKILL)
	return waitClosed(p.waitDone, killWait)
}

// Alive probes liveness of the launched process, treating a zombie as dead.
func (p *Process) Alive() bool {
	if p.Exited() {
		return false
	}
	return PidAlive(p.Pid())
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func waitClosed(ch <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ch:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}
