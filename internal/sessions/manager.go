package sessions

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/portside-dev/portside/internal/fs"
	"github.com/portside-dev/portside/internal/protocol"
	"github.com/portside-dev/portside/internal/sandbox"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	// ErrCapacity is the admission refusal when the session cap is hit.
	ErrCapacity = errors.New("session capacity exceeded")
	// ErrNotOwner rejects an attach or preview by a different caller.
	ErrNotOwner = errors.New("session owned by another caller")
)

const (
	stopGrace = 10 * time.Second

	// Crash relaunch policy: a nonzero exit is retried a bounded number
	// of times with doubling backoff, never forever.
	maxRelaunches   = 3
	relaunchBackoff = 2 * time.Second
)

// Recorder receives session lifecycle events for the audit log. A nil
// Recorder disables auditing.
type Recorder interface {
	Record(sessionID, event, detail string)
}

// Options configures a Manager.
type Options struct {
	WorkspaceRoot string
	IdleTimeout   time.Duration
	MaxSessions   int
	Launcher      sandbox.Launcher
	Recorder      Recorder
}

// Manager is the session registry: the only access path to session
// state, admission control, and the per-session idle timers.
type Manager struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager creates a registry that launches sandboxes with the given
// launcher and reaps sessions idle longer than IdleTimeout.
func NewManager(opts Options) *Manager {
	return &Manager{
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Backend reports the launcher backend in use.
func (m *Manager) Backend() sandbox.Backend {
	return m.opts.Launcher.Backend()
}

func (m *Manager) record(sessionID, event, detail string) {
	if m.opts.Recorder != nil {
		m.opts.Recorder.Record(sessionID, event, detail)
	}
}

// CreateOrAttach returns the session for sessionID, creating it when
// absent. Creation enforces the admission cap and allocates the
// workspace directory; attach rebinds the live connection and refreshes
// the idle timer. Exactly one sandbox launch is initiated per session
// regardless of concurrent callers. The returned bool reports whether a
// session with a running sandbox already existed (a reattach).
func (m *Manager) CreateOrAttach(ctx context.Context, sessionID, owner string, conn Notifier) (*Session, bool, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, false, ErrSessionNotFound
	}
	s, exists := m.sessions[sessionID]
	if !exists {
		if len(m.sessions) >= m.opts.MaxSessions {
			m.mu.Unlock()
			return nil, false, ErrCapacity
		}
		workspacePath := filepath.Join(m.opts.WorkspaceRoot, sessionID)
		if err := os.MkdirAll(workspacePath, 0o755); err != nil {
			m.mu.Unlock()
			return nil, false, fmt.Errorf("creating workspace: %w", err)
		}
		s = newSession(sessionID, owner, fs.NewWorkspace(workspacePath))
		s.timer = time.AfterFunc(m.opts.IdleTimeout, func() { m.expire(sessionID) })
		m.sessions[sessionID] = s
		m.mu.Unlock()
		m.record(sessionID, "created", "owner="+owner)
	} else {
		m.mu.Unlock()
		if s.Owner != owner {
			return nil, false, ErrNotOwner
		}
		m.record(sessionID, "attached", "")
	}

	if conn != nil {
		s.attach(conn)
	}
	m.Touch(sessionID)

	reattach := exists && s.Handle() != nil
	if err := m.ensureSandbox(ctx, s); err != nil {
		// The session stays registered sandbox-less; the caller can
		// retry via restart_container.
		s.Notify(protocol.New(protocol.TypeError, protocol.ErrorPayload{
			Code:   "sandbox_unavailable",
			Reason: err.Error(),
		}))
		log.Printf("[sessions] launch failed for %s: %v", sessionID, err)
	}
	return s, reattach, nil
}

// ensureSandbox launches a sandbox for the session if none is running.
// Idempotent under concurrent callers: the per-session launch lock makes
// the second caller observe the first caller's handle.
func (m *Manager) ensureSandbox(ctx context.Context, s *Session) error {
	s.launchMu.Lock()
	defer s.launchMu.Unlock()

	if s.Handle() != nil || s.State() == StateTerminated {
		return nil
	}
	handle, err := m.opts.Launcher.Launch(ctx, sandbox.LaunchSpec{
		SessionID:     s.ID,
		WorkspacePath: s.Workspace().Root(),
	})
	if err != nil {
		return err
	}
	s.setHandle(handle)
	go m.supervise(s, handle)
	return nil
}

// supervise relays sandbox output to the attached connection and applies
// the relaunch policy when the sandbox dies. The relaunch budget lives
// on the session so a healthy write or a manual restart can restore it
// between crashes.
func (m *Manager) supervise(s *Session, handle sandbox.Handle) {
	for chunk := range handle.Output() {
		s.notifyOutput(chunk)
	}
	<-handle.Done()
	code := handle.ExitCode()
	s.clearHandle(handle)

	if s.State() == StateTerminated || s.stopWasRequested() {
		s.Notify(protocol.New(protocol.TypeSandboxExit, protocol.ExitPayload{Code: code}))
		return
	}

	attempt := s.relaunchCount()
	restarting := code != 0 && attempt < maxRelaunches
	s.Notify(protocol.New(protocol.TypeSandboxExit, protocol.ExitPayload{Code: code, Restarting: restarting}))
	m.record(s.ID, "exited", fmt.Sprintf("code=%d", code))
	if !restarting {
		if code != 0 {
			log.Printf("[sessions] sandbox for %s crashed %d times, giving up", s.ID, attempt)
		}
		return
	}

	delay := relaunchBackoff << attempt
	log.Printf("[sessions] sandbox for %s exited with code %d, relaunching in %s", s.ID, code, delay)
	time.Sleep(delay)

	if s.State() == StateTerminated || s.stopWasRequested() {
		return
	}
	s.launchMu.Lock()
	defer s.launchMu.Unlock()
	if s.Handle() != nil {
		return
	}
	next, err := m.opts.Launcher.Launch(context.Background(), sandbox.LaunchSpec{
		SessionID:     s.ID,
		WorkspacePath: s.Workspace().Root(),
	})
	if err != nil {
		s.Notify(protocol.New(protocol.TypeError, protocol.ErrorPayload{
			Code:   "sandbox_unavailable",
			Reason: err.Error(),
		}))
		return
	}
	s.setHandle(next)
	m.record(s.ID, "relaunched", fmt.Sprintf("attempt=%d", s.recordRelaunch()))
	go m.supervise(s, next)
}

// Attach rebinds the session's live connection after the transport
// handshake completes, refreshing the idle timer.
func (m *Manager) Attach(sessionID string, conn Notifier) error {
	s, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	s.attach(conn)
	m.Touch(sessionID)
	return nil
}

// Launcher exposes the selected sandbox launcher for one-shot execs and
// resource snapshots.
func (m *Manager) Launcher() sandbox.Launcher {
	return m.opts.Launcher
}

// Touch reschedules the session's idle deadline to now + idle timeout.
// Every inbound message, reconnection and keep-alive lands here.
func (m *Manager) Touch(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.lastActivity = time.Now()
	if s.timer != nil {
		s.timer.Reset(m.opts.IdleTimeout)
	}
	s.mu.Unlock()
}

// Detach clears the live connection reference without stopping the
// sandbox, supporting reconnects within the idle window. conn scopes
// the detach: a closing socket whose session already reattached to a
// newer connection leaves that connection in place.
func (m *Manager) Detach(sessionID string, conn Notifier) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	if s.detach(conn) {
		m.record(sessionID, "detached", "")
	}
}

// Get retrieves a session by ID.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// List returns all registered sessions.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		result = append(result, s)
	}
	return result
}

// Destroy tears a session down completely: the sandbox is stopped, the
// idle timer cancelled, the preview binding removed, the registry entry
// deleted, and the workspace directory removed. Idempotent.
func (m *Manager) Destroy(sessionID string) error {
	if err := m.teardown(sessionID, true, "destroyed"); err != nil {
		return err
	}
	return nil
}

// expire is the idle-reaper path: same teardown as Destroy except the
// workspace directory survives.
func (m *Manager) expire(sessionID string) {
	if err := m.teardown(sessionID, false, "expired"); err == nil {
		log.Printf("[sessions] session %s expired after idle timeout", sessionID)
	}
}

func (m *Manager) teardown(sessionID string, removeWorkspace bool, event string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	handle := s.requestStop()
	s.terminate()
	if handle != nil {
		ctx, cancel := context.WithTimeout(context.Background(), stopGrace+5*time.Second)
		if err := m.opts.Launcher.Stop(ctx, handle, stopGrace); err != nil {
			log.Printf("[sessions] stopping sandbox for %s: %v", sessionID, err)
		}
		cancel()
	}
	if removeWorkspace {
		os.RemoveAll(s.Workspace().Root())
	}
	m.record(sessionID, event, "")
	return nil
}

// StopSandbox stops the session's sandbox without touching the session
// itself. The caller can bring it back with RestartSandbox.
func (m *Manager) StopSandbox(ctx context.Context, sessionID string) error {
	s, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	handle := s.requestStop()
	if handle == nil {
		return nil
	}
	return m.opts.Launcher.Stop(ctx, handle, stopGrace)
}

// RestartSandbox stops any running sandbox and launches a fresh one,
// with the relaunch counter reset.
func (m *Manager) RestartSandbox(ctx context.Context, sessionID string) error {
	s, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	if handle := s.requestStop(); handle != nil {
		if err := m.opts.Launcher.Stop(ctx, handle, stopGrace); err != nil {
			return err
		}
		<-handle.Done()
		// The supervisor clears the handle asynchronously; clear it here
		// so the relaunch below cannot observe the dead one.
		s.clearHandle(handle)
	}
	s.resetRelaunches()
	m.record(sessionID, "restarted", "")
	return m.ensureSandbox(ctx, s)
}

// StartPreview binds the session to an exposed sandbox port.
func (m *Manager) StartPreview(sessionID string, port int) error {
	s, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.previewPort = port
	s.mu.Unlock()
	return nil
}

// StopPreview removes the session's preview binding.
func (m *Manager) StopPreview(sessionID string) error {
	s, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.previewPort = 0
	s.mu.Unlock()
	return nil
}

// PreviewBinding looks up the preview binding for the proxy: the bound
// port and the owning caller.
func (m *Manager) PreviewBinding(sessionID string) (port int, owner string, ok bool) {
	s, err := m.Get(sessionID)
	if err != nil {
		return 0, "", false
	}
	port = s.PreviewPort()
	if port == 0 {
		return 0, "", false
	}
	return port, s.Owner, true
}

// Shutdown stops all sandboxes and empties the registry. Workspaces are
// kept; shutdown is not destroy.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.teardown(id, false, "shutdown")
	}
}
