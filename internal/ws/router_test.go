package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/portside-dev/portside/internal/auth"
	"github.com/portside-dev/portside/internal/protocol"
	"github.com/portside-dev/portside/internal/sandbox"
	"github.com/portside-dev/portside/internal/sessions"
)

type fakeHandle struct {
	id        string
	startedAt time.Time
	output    chan []byte
	done      chan struct{}

	mu   sync.Mutex
	sent [][]byte
}

func (h *fakeHandle) ID() string               { return h.id }
func (h *fakeHandle) Backend() sandbox.Backend { return sandbox.BackendProcess }
func (h *fakeHandle) StartedAt() time.Time     { return h.startedAt }
func (h *fakeHandle) Output() <-chan []byte    { return h.output }
func (h *fakeHandle) Done() <-chan struct{}    { return h.done }
func (h *fakeHandle) ExitCode() int            { return 0 }

func (h *fakeHandle) Send(data []byte) error {
	h.mu.Lock()
	h.sent = append(h.sent, data)
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) sentLines() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	lines := make([]string, len(h.sent))
	for i, b := range h.sent {
		lines[i] = string(b)
	}
	return lines
}

type fakeLauncher struct {
	mu       sync.Mutex
	handles  map[string]*fakeHandle
	execHold chan struct{}
}

func (l *fakeLauncher) Backend() sandbox.Backend { return sandbox.BackendProcess }

func (l *fakeLauncher) Launch(ctx context.Context, spec sandbox.LaunchSpec) (sandbox.Handle, error) {
	h := &fakeHandle{
		id:        spec.SessionID,
		startedAt: time.Now(),
		output:    make(chan []byte, 16),
		done:      make(chan struct{}),
	}
	l.mu.Lock()
	if l.handles == nil {
		l.handles = make(map[string]*fakeHandle)
	}
	l.handles[spec.SessionID] = h
	l.mu.Unlock()
	return h, nil
}

func (l *fakeLauncher) Exec(ctx context.Context, h sandbox.Handle, command string) (*sandbox.ExecStream, error) {
	l.mu.Lock()
	hold := l.execHold
	l.mu.Unlock()
	stream := sandbox.NewExecStream()
	go func() {
		stream.Emit([]byte("out:" + command))
		if hold != nil {
			<-hold
		}
		stream.Finish(7)
	}()
	return stream, nil
}

// holdExec makes subsequent execs block before finishing until the
// returned channel is closed.
func (l *fakeLauncher) holdExec() chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.execHold = make(chan struct{})
	return l.execHold
}

func (l *fakeLauncher) Stop(ctx context.Context, h sandbox.Handle, grace time.Duration) error {
	fh := h.(*fakeHandle)
	select {
	case <-fh.done:
	default:
		close(fh.output)
		close(fh.done)
	}
	return nil
}

func (l *fakeLauncher) Stats(ctx context.Context, h sandbox.Handle) (sandbox.Stats, error) {
	return sandbox.Stats{CPU: "1.5%", Memory: "100MiB"}, nil
}

func (l *fakeLauncher) handle(sessionID string) *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[sessionID]
}

func setupTestServer(t *testing.T) (*httptest.Server, *sessions.Manager, *fakeLauncher, string) {
	t.Helper()
	launcher := &fakeLauncher{}
	manager := sessions.NewManager(sessions.Options{
		WorkspaceRoot: t.TempDir(),
		IdleTimeout:   time.Minute,
		MaxSessions:   3,
		Launcher:      launcher,
	})
	t.Cleanup(manager.Shutdown)

	gateway := auth.NewGateway("test-secret")
	token, err := gateway.Sign("alice", auth.TierStandard, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	router := NewRouter(manager, "preview.test")
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(gateway.Require)
		r.Get("/sessions/{sessionID}/ws", router.HandleWebSocket)
	})
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server, manager, launcher, token
}

func dial(t *testing.T, server *httptest.Server, sessionID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/sessions/" + sessionID + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// awaitMessage reads frames until one of the wanted type arrives.
func awaitMessage(t *testing.T, conn *websocket.Conn, want protocol.Type) protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if msg.Type == want {
			return msg
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, typ protocol.Type, payload any) {
	t.Helper()
	if err := conn.WriteJSON(protocol.New(typ, payload)); err != nil {
		t.Fatalf("sending %s: %v", typ, err)
	}
}

func TestConnectGreeting(t *testing.T) {
	server, _, _, token := setupTestServer(t)
	conn := dial(t, server, "s1", token)

	msg := awaitMessage(t, conn, protocol.TypeConnected)
	var p protocol.ConnectedPayload
	if err := msg.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.SessionID != "s1" || p.Backend != "process" || p.Reattach {
		t.Errorf("unexpected greeting: %+v", p)
	}
}

func TestConnectRequiresToken(t *testing.T) {
	server, _, _, _ := setupTestServer(t)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/sessions/s1/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %+v", resp)
	}
}

func TestCapacityRefusedBeforeUpgrade(t *testing.T) {
	server, _, _, token := setupTestServer(t)
	dial(t, server, "a", token)
	dial(t, server, "b", token)
	dial(t, server, "c", token)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/sessions/d/ws?token=" + token
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail at capacity")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %+v", resp)
	}
}

func TestFileRoundTrip(t *testing.T) {
	server, _, _, token := setupTestServer(t)
	conn := dial(t, server, "s1", token)
	awaitMessage(t, conn, protocol.TypeConnected)

	send(t, conn, protocol.TypeWriteFile, protocol.FilePayload{Path: "/notes.txt", Content: "hello"})
	awaitMessage(t, conn, protocol.TypeFileWritten)

	send(t, conn, protocol.TypeReadFile, protocol.FilePayload{Path: "/notes.txt"})
	msg := awaitMessage(t, conn, protocol.TypeFileContent)
	var p protocol.FileContentPayload
	if err := msg.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.Content != "hello" {
		t.Errorf("unexpected content %q", p.Content)
	}

	send(t, conn, protocol.TypeListDirectory, protocol.FilePayload{Path: "/"})
	listing := awaitMessage(t, conn, protocol.TypeDirectoryListing)
	var lp protocol.ListingPayload
	if err := listing.Decode(&lp); err != nil {
		t.Fatal(err)
	}
	if len(lp.Entries) != 1 || lp.Entries[0].Name != "notes.txt" {
		t.Errorf("unexpected listing: %+v", lp.Entries)
	}
}

func TestReadMissingFileIsError(t *testing.T) {
	server, _, _, token := setupTestServer(t)
	conn := dial(t, server, "s1", token)
	awaitMessage(t, conn, protocol.TypeConnected)

	send(t, conn, protocol.TypeReadFile, protocol.FilePayload{Path: "/missing.txt"})
	msg := awaitMessage(t, conn, protocol.TypeError)
	var p protocol.ErrorPayload
	if err := msg.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.Code != "workspace_io_error" {
		t.Errorf("unexpected error code %q", p.Code)
	}
}

func TestUnknownTypeIsErrorNotDisconnect(t *testing.T) {
	server, _, _, token := setupTestServer(t)
	conn := dial(t, server, "s1", token)
	awaitMessage(t, conn, protocol.TypeConnected)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"launch_missiles"}`)); err != nil {
		t.Fatal(err)
	}
	msg := awaitMessage(t, conn, protocol.TypeError)
	var p protocol.ErrorPayload
	if err := msg.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.Code != "protocol_error" {
		t.Errorf("unexpected error code %q", p.Code)
	}

	// The connection survives a protocol error.
	send(t, conn, protocol.TypePing, nil)
	send(t, conn, protocol.TypeWriteFile, protocol.FilePayload{Path: "/ok.txt", Content: "x"})
	awaitMessage(t, conn, protocol.TypeFileWritten)
}

func TestContainerCommandReachesSandbox(t *testing.T) {
	server, _, launcher, token := setupTestServer(t)
	conn := dial(t, server, "s1", token)
	awaitMessage(t, conn, protocol.TypeConnected)

	send(t, conn, protocol.TypeContainerCommand, protocol.CommandPayload{Command: "ls -la"})
	send(t, conn, protocol.TypePing, nil)
	send(t, conn, protocol.TypeGetContainerStatus, nil)
	awaitMessage(t, conn, protocol.TypeContainerStatus)

	lines := launcher.handle("s1").sentLines()
	if len(lines) == 0 || lines[0] != "ls -la\n" {
		t.Errorf("unexpected sandbox input: %q", lines)
	}
}

func TestSandboxOutputForwarded(t *testing.T) {
	server, _, launcher, token := setupTestServer(t)
	conn := dial(t, server, "s1", token)
	awaitMessage(t, conn, protocol.TypeConnected)

	launcher.handle("s1").output <- []byte("ok\n")
	msg := awaitMessage(t, conn, protocol.TypeSandboxOutput)
	var p protocol.OutputPayload
	if err := msg.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.Data == "" {
		t.Error("empty output chunk")
	}
}

func TestExecStreamsAndEnds(t *testing.T) {
	server, _, _, token := setupTestServer(t)
	conn := dial(t, server, "s1", token)
	awaitMessage(t, conn, protocol.TypeConnected)

	send(t, conn, protocol.TypeExecCommand, protocol.ExecPayload{Command: "make test"})
	out := awaitMessage(t, conn, protocol.TypeExecOutput)
	var op protocol.ExecOutputPayload
	if err := out.Decode(&op); err != nil {
		t.Fatal(err)
	}
	end := awaitMessage(t, conn, protocol.TypeExecEnd)
	var ep protocol.ExecEndPayload
	if err := end.Decode(&ep); err != nil {
		t.Fatal(err)
	}
	if ep.ExecID != op.ExecID {
		t.Errorf("exec id mismatch: %q vs %q", ep.ExecID, op.ExecID)
	}
	if ep.Code != 7 {
		t.Errorf("unexpected exit code %d", ep.Code)
	}
}

func TestDevServerRequiresManifest(t *testing.T) {
	server, _, _, token := setupTestServer(t)
	conn := dial(t, server, "s1", token)
	awaitMessage(t, conn, protocol.TypeConnected)

	send(t, conn, protocol.TypeStartDevServer, nil)
	msg := awaitMessage(t, conn, protocol.TypeError)
	var p protocol.ErrorPayload
	if err := msg.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.Code != "precondition_failed" {
		t.Errorf("unexpected error code %q", p.Code)
	}
}

func TestDevServerInstallsWhenNeeded(t *testing.T) {
	server, manager, launcher, token := setupTestServer(t)
	conn := dial(t, server, "s1", token)
	awaitMessage(t, conn, protocol.TypeConnected)

	session, err := manager.Get("s1")
	if err != nil {
		t.Fatal(err)
	}
	if err := session.Workspace().Write("package.json", []byte("{}")); err != nil {
		t.Fatal(err)
	}

	send(t, conn, protocol.TypeStartDevServer, nil)
	msg := awaitMessage(t, conn, protocol.TypeDevServerStatus)
	var p protocol.DevServerStatusPayload
	if err := msg.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.Status != "installing" {
		t.Errorf("expected installing first, got %q", p.Status)
	}
	msg = awaitMessage(t, conn, protocol.TypeDevServerStatus)
	if err := msg.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.Status != "starting" {
		t.Errorf("expected starting after installing, got %q", p.Status)
	}

	// Drain until the command lands on the sandbox.
	deadline := time.After(2 * time.Second)
	for {
		lines := launcher.handle("s1").sentLines()
		if len(lines) > 0 {
			if lines[0] != "npm install && npm run dev\n" {
				t.Errorf("unexpected command %q", lines[0])
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("dev server command never sent")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDevServerSkipsInstallWithModules(t *testing.T) {
	server, manager, launcher, token := setupTestServer(t)
	conn := dial(t, server, "s1", token)
	awaitMessage(t, conn, protocol.TypeConnected)

	session, err := manager.Get("s1")
	if err != nil {
		t.Fatal(err)
	}
	if err := session.Workspace().Write("package.json", []byte("{}")); err != nil {
		t.Fatal(err)
	}
	if err := session.Workspace().Mkdir("node_modules"); err != nil {
		t.Fatal(err)
	}

	send(t, conn, protocol.TypeStartDevServer, nil)
	msg := awaitMessage(t, conn, protocol.TypeDevServerStatus)
	var p protocol.DevServerStatusPayload
	if err := msg.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.Status != "starting" {
		t.Errorf("expected starting, got %q", p.Status)
	}
	lines := launcher.handle("s1").sentLines()
	if len(lines) != 1 || lines[0] != "npm run dev\n" {
		t.Errorf("unexpected commands: %q", lines)
	}
}

func TestStaleSocketCloseKeepsNewConnection(t *testing.T) {
	server, manager, launcher, token := setupTestServer(t)
	old := dial(t, server, "s1", token)
	awaitMessage(t, old, protocol.TypeConnected)

	// Reattach while the first socket is still open, then close it. The
	// stale socket's teardown must not detach the live connection.
	fresh := dial(t, server, "s1", token)
	msg := awaitMessage(t, fresh, protocol.TypeConnected)
	var p protocol.ConnectedPayload
	if err := msg.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if !p.Reattach {
		t.Error("expected reattach flag on second connection")
	}
	old.Close()
	time.Sleep(100 * time.Millisecond)

	session, err := manager.Get("s1")
	if err != nil {
		t.Fatal(err)
	}
	if session.State() != sessions.StateActive {
		t.Errorf("stale close detached the live connection: %s", session.State())
	}

	launcher.handle("s1").output <- []byte("still here\n")
	awaitMessage(t, fresh, protocol.TypeSandboxOutput)
}

func TestExecSurvivesReconnect(t *testing.T) {
	server, _, launcher, token := setupTestServer(t)
	release := launcher.holdExec()

	conn := dial(t, server, "s1", token)
	awaitMessage(t, conn, protocol.TypeConnected)
	send(t, conn, protocol.TypeExecCommand, protocol.ExecPayload{Command: "make slow"})
	out := awaitMessage(t, conn, protocol.TypeExecOutput)
	var op protocol.ExecOutputPayload
	if err := out.Decode(&op); err != nil {
		t.Fatal(err)
	}
	conn.Close()

	conn2 := dial(t, server, "s1", token)
	awaitMessage(t, conn2, protocol.TypeConnected)
	close(release)

	end := awaitMessage(t, conn2, protocol.TypeExecEnd)
	var ep protocol.ExecEndPayload
	if err := end.Decode(&ep); err != nil {
		t.Fatal(err)
	}
	if ep.ExecID != op.ExecID {
		t.Errorf("exec id mismatch across reconnect: %q vs %q", ep.ExecID, op.ExecID)
	}
	if ep.Code != 7 {
		t.Errorf("unexpected exit code %d", ep.Code)
	}
}

func TestPreviewLifecycle(t *testing.T) {
	server, manager, _, token := setupTestServer(t)
	conn := dial(t, server, "s1", token)
	awaitMessage(t, conn, protocol.TypeConnected)

	send(t, conn, protocol.TypeStartPreview, protocol.PreviewPayload{Port: 5173})
	msg := awaitMessage(t, conn, protocol.TypePreviewStarted)
	var p protocol.PreviewStartedPayload
	if err := msg.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.Port != 5173 || p.URL != "http://preview.test/preview/s1/" {
		t.Errorf("unexpected preview payload: %+v", p)
	}
	if port, _, ok := manager.PreviewBinding("s1"); !ok || port != 5173 {
		t.Error("binding not registered")
	}

	send(t, conn, protocol.TypeStopPreview, nil)
	awaitMessage(t, conn, protocol.TypePreviewStopped)
	if _, _, ok := manager.PreviewBinding("s1"); ok {
		t.Error("binding survived stop")
	}
}

func TestStopAndRestartContainer(t *testing.T) {
	server, manager, _, token := setupTestServer(t)
	conn := dial(t, server, "s1", token)
	awaitMessage(t, conn, protocol.TypeConnected)

	send(t, conn, protocol.TypeStopContainer, nil)
	awaitMessage(t, conn, protocol.TypeContainerStopped)

	send(t, conn, protocol.TypeRestartContainer, nil)
	awaitMessage(t, conn, protocol.TypeContainerRestart)

	session, err := manager.Get("s1")
	if err != nil {
		t.Fatal(err)
	}
	if session.Handle() == nil {
		t.Error("no sandbox after restart")
	}
}

func TestDisconnectKeepsSession(t *testing.T) {
	server, manager, _, token := setupTestServer(t)
	conn := dial(t, server, "s1", token)
	awaitMessage(t, conn, protocol.TypeConnected)
	conn.Close()

	deadline := time.After(2 * time.Second)
	for {
		session, err := manager.Get("s1")
		if err != nil {
			t.Fatal(err)
		}
		if session.State() == sessions.StateIdlePending {
			break
		}
		select {
		case <-deadline:
			t.Fatal("session never went idle-pending")
		case <-time.After(10 * time.Millisecond):
		}
	}

	conn2 := dial(t, server, "s1", token)
	msg := awaitMessage(t, conn2, protocol.TypeConnected)
	var p protocol.ConnectedPayload
	if err := msg.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if !p.Reattach {
		t.Error("expected reattach on reconnect")
	}
}
