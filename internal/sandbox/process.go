package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	shellquote "github.com/kballard/go-shellquote"
)

// ProcessRuntime implements Launcher with a local PTY-backed shell. It is
// the fallback when no container runtime is reachable.
type ProcessRuntime struct {
	shell string
}

// NewProcessRuntime creates the local-process backend using the
// platform's preferred shell.
func NewProcessRuntime() *ProcessRuntime {
	return &ProcessRuntime{shell: defaultShell()}
}

// defaultShell honors SHELL when set, otherwise falls back to /bin/bash
// or /bin/sh.
func defaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	if _, err := os.Stat("/bin/bash"); err == nil {
		return "/bin/bash"
	}
	return "/bin/sh"
}

func (r *ProcessRuntime) Backend() Backend {
	return BackendProcess
}

// processHandle wraps one interactive shell on a PTY.
type processHandle struct {
	id        string
	startedAt time.Time

	ptmx   *os.File
	cmd    *exec.Cmd
	output chan []byte
	done   chan struct{}

	mu     sync.Mutex
	code   int
	closed bool
}

func (h *processHandle) ID() string            { return h.id }
func (h *processHandle) Backend() Backend      { return BackendProcess }
func (h *processHandle) StartedAt() time.Time  { return h.startedAt }
func (h *processHandle) Output() <-chan []byte { return h.output }
func (h *processHandle) Done() <-chan struct{} { return h.done }

func (h *processHandle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.code
}

func (h *processHandle) Send(data []byte) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: process exited", ErrComm)
	}
	if _, err := h.ptmx.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrComm, err)
	}
	return nil
}

// Launch starts an interactive shell rooted at the workspace directory.
func (r *ProcessRuntime) Launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	cmd := exec.Command(r.shell)
	cmd.Dir = spec.WorkspacePath
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"PORTSIDE_SESSION_ID="+spec.SessionID,
		// ~ resolves to the workspace so shell tooling stays inside it.
		"HOME="+spec.WorkspacePath,
	)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: 120, Rows: 32})
	if err != nil {
		return nil, fmt.Errorf("%w: starting shell: %v", ErrUnavailable, err)
	}

	h := &processHandle{
		id:        uuid.NewString(),
		startedAt: time.Now(),
		ptmx:      ptmx,
		cmd:       cmd,
		output:    make(chan []byte, 256),
		done:      make(chan struct{}),
	}

	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				h.output <- chunk
			}
			if err != nil {
				break
			}
		}
		cmd.Wait()
		h.mu.Lock()
		h.code = cmd.ProcessState.ExitCode()
		h.closed = true
		h.mu.Unlock()
		ptmx.Close()
		close(h.output)
		close(h.done)
	}()

	return h, nil
}

// Exec runs a one-shot command in the workspace, outside the interactive
// shell, and streams combined output.
func (r *ProcessRuntime) Exec(ctx context.Context, h Handle, command string) (*ExecStream, error) {
	ph, ok := h.(*processHandle)
	if !ok {
		return nil, fmt.Errorf("%w: foreign handle", ErrComm)
	}
	argv, err := shellquote.Split(command)
	if err != nil || len(argv) == 0 {
		return nil, fmt.Errorf("%w: unparseable command", ErrComm)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = ph.cmd.Dir
	cmd.Env = ph.cmd.Env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrComm, err)
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting command: %v", ErrComm, err)
	}

	stream := NewExecStream()
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				stream.Emit(buf[:n])
			}
			if err != nil {
				break
			}
		}
		err := cmd.Wait()
		code := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else if err != nil {
			code = -1
		}
		stream.Finish(code)
	}()
	return stream, nil
}

// Stop sends SIGTERM, waits out the grace period, then kills.
func (r *ProcessRuntime) Stop(ctx context.Context, h Handle, grace time.Duration) error {
	ph, ok := h.(*processHandle)
	if !ok {
		return nil
	}
	ph.mu.Lock()
	closed := ph.closed
	ph.mu.Unlock()
	if closed {
		return nil
	}
	if ph.cmd.Process != nil {
		ph.cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-ph.done:
		return nil
	case <-time.After(grace):
	case <-ctx.Done():
	}
	if ph.cmd.Process != nil {
		ph.cmd.Process.Kill()
	}
	return nil
}

// Stats reports the shell pid; per-process CPU and memory accounting is
// left to the container backend.
func (r *ProcessRuntime) Stats(ctx context.Context, h Handle) (Stats, error) {
	ph, ok := h.(*processHandle)
	if !ok || ph.cmd.Process == nil {
		return Stats{}, fmt.Errorf("%w: no process", ErrComm)
	}
	return Stats{PID: ph.cmd.Process.Pid}, nil
}
