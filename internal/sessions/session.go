// Package sessions manages session lifecycle.
//
// A Session binds a caller to one workspace directory and at most one
// running sandbox. Sessions are created on first attach, survive
// disconnects until the idle timer fires, and are torn down by the
// reaper or an explicit destroy. All mutable session state is reached
// through the Manager or the Session's own methods; the maps behind them
// are never exposed.
package sessions

import (
	"encoding/base64"
	"sync"
	"time"

	"github.com/portside-dev/portside/internal/fs"
	"github.com/portside-dev/portside/internal/protocol"
	"github.com/portside-dev/portside/internal/sandbox"
)

// State is the session lifecycle state.
type State string

const (
	// StateActive means a connection is attached or the idle timer has
	// not fired since the last activity.
	StateActive State = "active"
	// StateIdlePending means no connection is attached; the sandbox and
	// workspace survive until the idle timer fires.
	StateIdlePending State = "idle-pending"
	// StateTerminated means the session has been torn down.
	StateTerminated State = "terminated"
)

// Notifier delivers outbound messages to an attached connection.
// Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(msg protocol.Message)
}

// Session is one caller's sandbox binding.
type Session struct {
	ID        string
	Owner     string
	CreatedAt time.Time

	workspace *fs.Workspace

	// launchMu serializes sandbox launches so concurrent attaches for
	// the same session cannot double-launch.
	launchMu sync.Mutex

	mu            sync.Mutex
	state         State
	handle        sandbox.Handle
	conn          Notifier
	watcher       *fs.Watcher
	lastActivity  time.Time
	previewPort   int
	stopRequested bool
	restarts      int
	timer         *time.Timer
}

func newSession(id, owner string, ws *fs.Workspace) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		Owner:        owner,
		CreatedAt:    now,
		workspace:    ws,
		state:        StateActive,
		lastActivity: now,
	}
}

// Workspace returns the session's filesystem workspace.
func (s *Session) Workspace() *fs.Workspace {
	return s.workspace
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns the time of the last inbound message or attach.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Handle returns the live sandbox handle, or nil when the session is
// sandbox-less.
func (s *Session) Handle() sandbox.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// PreviewPort returns the bound preview port, 0 when none.
func (s *Session) PreviewPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.previewPort
}

// attach rebinds the live connection. The previous connection, if any,
// is simply replaced; a session has at most one. A workspace watcher
// runs while a connection is attached.
func (s *Session) attach(n Notifier) {
	s.mu.Lock()
	s.conn = n
	s.state = StateActive
	s.lastActivity = time.Now()
	old := s.watcher
	s.watcher = nil
	s.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	// Watcher failure degrades to no workspace events; never fatal.
	if watcher, err := fs.NewWatcher(s.workspace); err == nil {
		s.mu.Lock()
		if s.conn == n && s.state == StateActive {
			s.watcher = watcher
		} else {
			watcher.Stop()
			watcher = nil
		}
		s.mu.Unlock()
		if watcher != nil {
			go s.pumpWorkspaceEvents(watcher)
		}
	}
}

// detach clears the live connection without touching the sandbox. A
// stale socket closing after its replacement attached must not detach
// the replacement, so n has to still be the attached connection for the
// clear to happen. Reports whether it did.
func (s *Session) detach(n Notifier) bool {
	s.mu.Lock()
	if s.conn != n {
		s.mu.Unlock()
		return false
	}
	s.conn = nil
	if s.state == StateActive {
		s.state = StateIdlePending
	}
	watcher := s.watcher
	s.watcher = nil
	s.mu.Unlock()

	if watcher != nil {
		watcher.Stop()
	}
	return true
}

// Notify delivers a message to the attached connection. With no
// connection attached the message is dropped; sandbox output during a
// reconnect window is intentionally not buffered.
func (s *Session) Notify(msg protocol.Message) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Notify(msg)
	}
}

func (s *Session) pumpWorkspaceEvents(watcher *fs.Watcher) {
	for event := range watcher.Events() {
		s.Notify(protocol.New(protocol.TypeWorkspaceEvent, protocol.WorkspaceEventPayload{
			Path: event.Path,
			Op:   event.Op,
		}))
	}
}

// Send feeds input to the running sandbox. A successful write is
// evidence of a healthy sandbox, so it also restores the full crash
// relaunch budget.
func (s *Session) Send(data []byte) error {
	handle := s.Handle()
	if handle == nil {
		return sandbox.ErrUnavailable
	}
	if err := handle.Send(data); err != nil {
		return err
	}
	s.resetRelaunches()
	return nil
}

func (s *Session) relaunchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

func (s *Session) recordRelaunch() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restarts++
	return s.restarts
}

func (s *Session) resetRelaunches() {
	s.mu.Lock()
	s.restarts = 0
	s.mu.Unlock()
}

func (s *Session) setHandle(h sandbox.Handle) {
	s.mu.Lock()
	s.handle = h
	s.stopRequested = false
	s.mu.Unlock()
}

func (s *Session) clearHandle(h sandbox.Handle) {
	s.mu.Lock()
	if s.handle == h {
		s.handle = nil
	}
	s.mu.Unlock()
}

// requestStop marks the coming exit as intentional so the supervisor
// does not auto-relaunch.
func (s *Session) requestStop() sandbox.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopRequested = true
	return s.handle
}

func (s *Session) stopWasRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopRequested
}

func (s *Session) notifyOutput(data []byte) {
	s.Notify(protocol.New(protocol.TypeSandboxOutput, protocol.OutputPayload{
		Data: base64.StdEncoding.EncodeToString(data),
	}))
}

func (s *Session) terminate() {
	s.mu.Lock()
	s.state = StateTerminated
	s.conn = nil
	watcher := s.watcher
	s.watcher = nil
	if s.timer != nil {
		s.timer.Stop()
	}
	s.previewPort = 0
	s.mu.Unlock()

	if watcher != nil {
		watcher.Stop()
	}
}
