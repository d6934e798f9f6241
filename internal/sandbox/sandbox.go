// Package sandbox launches and supervises the per-session compute unit.
//
// Two backends sit behind one Launcher contract: a Docker container with
// the session workspace bind-mounted at /workspace, and a local PTY
// process rooted at the workspace directory. The backend is chosen once
// at startup by a bounded availability probe; callers only ever see the
// Launcher interface plus an informational backend name.
package sandbox

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrUnavailable means the backend could not launch or probe a sandbox.
	ErrUnavailable = errors.New("sandbox unavailable")
	// ErrComm means a write or signal to a live sandbox failed.
	ErrComm = errors.New("sandbox communication failure")
)

// Backend discriminates the two launcher implementations.
type Backend string

const (
	BackendContainer Backend = "container"
	BackendProcess   Backend = "process"
)

// LaunchSpec describes the sandbox to start for a session.
type LaunchSpec struct {
	SessionID     string
	WorkspacePath string
}

// Stats is a point-in-time resource snapshot of a running sandbox.
type Stats struct {
	CPU    string `json:"cpu,omitempty"`
	Memory string `json:"memory,omitempty"`
	PID    int    `json:"pid,omitempty"`
}

// Handle is one running sandbox. Output delivers stdout/stderr chunks
// until the sandbox exits, at which point the channel is closed and Done
// is closed. ExitCode is valid only after Done.
type Handle interface {
	ID() string
	Backend() Backend
	StartedAt() time.Time

	// Send writes raw bytes to the sandbox input stream.
	Send(data []byte) error

	Output() <-chan []byte
	Done() <-chan struct{}
	ExitCode() int
}

// Launcher starts, stops and introspects sandboxes for one backend.
type Launcher interface {
	Backend() Backend

	// Launch starts a sandbox for the session. A spawn failure is
	// reported as ErrUnavailable; the caller keeps the session alive
	// without a sandbox.
	Launch(ctx context.Context, spec LaunchSpec) (Handle, error)

	// Exec runs a one-shot command inside the sandbox and streams its
	// output. The handle's interactive shell is not disturbed.
	Exec(ctx context.Context, h Handle, command string) (*ExecStream, error)

	// Stop terminates the sandbox, allowing it the grace period before
	// escalating to a forceful kill. Idempotent.
	Stop(ctx context.Context, h Handle, grace time.Duration) error

	// Stats returns a resource snapshot for a running sandbox.
	Stats(ctx context.Context, h Handle) (Stats, error)
}

// ExecStream is the output of one Exec invocation. Output closes when
// the command finishes; Wait then returns the exit code.
type ExecStream struct {
	output chan []byte
	done   chan struct{}

	mu   sync.Mutex
	code int
}

// NewExecStream creates a stream for a Launcher implementation to feed
// with Emit and close with Finish.
func NewExecStream() *ExecStream {
	return &ExecStream{
		output: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
}

// Output returns the stream of output chunks.
func (s *ExecStream) Output() <-chan []byte {
	return s.output
}

// Wait blocks until the command exits or the context is cancelled.
func (s *ExecStream) Wait(ctx context.Context) (int, error) {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.code, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Finish records the exit code and closes the stream. Call exactly once,
// after the last Emit.
func (s *ExecStream) Finish(code int) {
	s.mu.Lock()
	s.code = code
	s.mu.Unlock()
	close(s.output)
	close(s.done)
}

// Emit delivers one output chunk. The data is copied.
func (s *ExecStream) Emit(data []byte) {
	chunk := make([]byte, len(data))
	copy(chunk, data)
	s.output <- chunk
}

// Select picks the launcher for this process. With force set to a
// backend name the probe is skipped; otherwise the container runtime is
// probed with a short bounded check and the process backend is the
// fallback.
func Select(ctx context.Context, force string, docker *DockerRuntime) (Launcher, error) {
	switch force {
	case "container":
		if err := docker.Probe(ctx); err != nil {
			return nil, err
		}
		return docker, nil
	case "process":
		return NewProcessRuntime(), nil
	}
	if err := docker.Probe(ctx); err == nil {
		return docker, nil
	}
	return NewProcessRuntime(), nil
}
