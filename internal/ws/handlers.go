package ws

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/portside-dev/portside/internal/protocol"
	"github.com/portside-dev/portside/internal/sessions"
)

var (
	errNoSandbox    = errors.New("no sandbox is running for this session")
	errPrecondition = errors.New("precondition failed")
)

// handler executes inbound messages for one connection. dispatch is
// called sequentially by the read loop; only exec output streaming runs
// concurrently, on its own goroutine.
type handler struct {
	manager     *sessions.Manager
	session     *sessions.Session
	conn        *Conn
	previewHost string
}

func (h *handler) dispatch(ctx context.Context, msg protocol.Message) error {
	switch msg.Type {
	case protocol.TypeContainerCommand:
		return h.containerCommand(msg)
	case protocol.TypeExecCommand:
		return h.execCommand(ctx, msg)
	case protocol.TypeReadFile:
		return h.readFile(msg)
	case protocol.TypeWriteFile:
		return h.writeFile(msg)
	case protocol.TypeListDirectory:
		return h.listDirectory(msg)
	case protocol.TypeCreateDirectory:
		return h.createDirectory(msg)
	case protocol.TypeDeleteFile:
		return h.deleteFile(msg)
	case protocol.TypeStartDevServer:
		return h.startDevServer()
	case protocol.TypeStopContainer:
		return h.stopContainer(ctx)
	case protocol.TypeRestartContainer:
		return h.restartContainer(ctx)
	case protocol.TypeGetContainerStatus:
		return h.containerStatus(ctx)
	case protocol.TypeStartPreview:
		return h.startPreview(msg)
	case protocol.TypeStopPreview:
		return h.stopPreview()
	case protocol.TypePing:
		// Presence is the point; Touch already happened in the read loop.
		return nil
	default:
		return fmt.Errorf("%w: unhandled type %q", protocol.ErrProtocol, msg.Type)
	}
}

// containerCommand feeds one input line to the sandbox shell. Output
// comes back asynchronously as sandbox_output.
func (h *handler) containerCommand(msg protocol.Message) error {
	var p protocol.CommandPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	if h.session.Handle() == nil {
		return errNoSandbox
	}
	return h.session.Send([]byte(p.Command + "\n"))
}

// execCommand runs a one-shot command beside the interactive shell and
// streams its output under a fresh exec ID.
func (h *handler) execCommand(ctx context.Context, msg protocol.Message) error {
	var p protocol.ExecPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	handle := h.session.Handle()
	if handle == nil {
		return errNoSandbox
	}
	stream, err := h.manager.Launcher().Exec(ctx, handle, p.Command)
	if err != nil {
		return err
	}

	// The stream can outlive this connection; routing through the
	// session reaches whichever connection is attached when each chunk
	// arrives.
	execID := uuid.NewString()
	go func() {
		for chunk := range stream.Output() {
			h.session.Notify(protocol.New(protocol.TypeExecOutput, protocol.ExecOutputPayload{
				ExecID: execID,
				Data:   base64.StdEncoding.EncodeToString(chunk),
			}))
		}
		waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		code, err := stream.Wait(waitCtx)
		if err != nil {
			code = -1
		}
		h.session.Notify(protocol.New(protocol.TypeExecEnd, protocol.ExecEndPayload{
			ExecID: execID,
			Code:   code,
		}))
	}()
	return nil
}

func (h *handler) readFile(msg protocol.Message) error {
	var p protocol.FilePayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	data, err := h.session.Workspace().Read(p.Path)
	if err != nil {
		return err
	}
	h.conn.Notify(protocol.New(protocol.TypeFileContent, protocol.FileContentPayload{
		Path:    p.Path,
		Content: string(data),
	}))
	return nil
}

func (h *handler) writeFile(msg protocol.Message) error {
	var p protocol.FilePayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	if err := h.session.Workspace().Write(p.Path, []byte(p.Content)); err != nil {
		return err
	}
	h.conn.Notify(protocol.New(protocol.TypeFileWritten, protocol.PathPayload{Path: p.Path}))
	return nil
}

func (h *handler) listDirectory(msg protocol.Message) error {
	var p protocol.FilePayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	infos, err := h.session.Workspace().List(p.Path)
	if err != nil {
		return err
	}
	entries := make([]protocol.ListingEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, protocol.ListingEntry{
			Name:    info.Name,
			Path:    info.Path,
			Size:    info.Size,
			IsDir:   info.IsDir,
			ModTime: info.ModTime.UTC().Format(time.RFC3339),
		})
	}
	h.conn.Notify(protocol.New(protocol.TypeDirectoryListing, protocol.ListingPayload{
		Path:    p.Path,
		Entries: entries,
	}))
	return nil
}

func (h *handler) createDirectory(msg protocol.Message) error {
	var p protocol.FilePayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	if err := h.session.Workspace().Mkdir(p.Path); err != nil {
		return err
	}
	h.conn.Notify(protocol.New(protocol.TypeDirectoryCreated, protocol.PathPayload{Path: p.Path}))
	return nil
}

func (h *handler) deleteFile(msg protocol.Message) error {
	var p protocol.FilePayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	if err := h.session.Workspace().Delete(p.Path); err != nil {
		return err
	}
	h.conn.Notify(protocol.New(protocol.TypeFileDeleted, protocol.PathPayload{Path: p.Path}))
	return nil
}

// startDevServer launches a Node dev server in the sandbox shell. The
// workspace must contain a package.json; dependencies are installed
// first when node_modules is absent, with a status message per phase.
func (h *handler) startDevServer() error {
	if h.session.Handle() == nil {
		return errNoSandbox
	}
	ws := h.session.Workspace()
	hasManifest, err := ws.Exists("package.json")
	if err != nil {
		return err
	}
	if !hasManifest {
		return fmt.Errorf("%w: no package.json in workspace", errPrecondition)
	}

	hasModules, err := ws.Exists("node_modules")
	if err != nil {
		return err
	}
	command := "npm run dev\n"
	if !hasModules {
		command = "npm install && npm run dev\n"
		h.conn.Notify(protocol.New(protocol.TypeDevServerStatus, protocol.DevServerStatusPayload{Status: "installing"}))
	}
	if err := h.session.Send([]byte(command)); err != nil {
		return err
	}
	h.conn.Notify(protocol.New(protocol.TypeDevServerStatus, protocol.DevServerStatusPayload{Status: "starting"}))
	return nil
}

func (h *handler) stopContainer(ctx context.Context) error {
	if err := h.manager.StopSandbox(ctx, h.session.ID); err != nil {
		return err
	}
	h.conn.Notify(protocol.New(protocol.TypeContainerStopped, protocol.StatusPayload{State: "stopped"}))
	return nil
}

func (h *handler) restartContainer(ctx context.Context) error {
	if err := h.manager.RestartSandbox(ctx, h.session.ID); err != nil {
		return err
	}
	h.conn.Notify(protocol.New(protocol.TypeContainerRestart, protocol.StatusPayload{State: "running"}))
	return nil
}

// containerStatus reports the sandbox state with a best-effort resource
// snapshot. Stats failures degrade to state-only.
func (h *handler) containerStatus(ctx context.Context) error {
	handle := h.session.Handle()
	if handle == nil {
		h.conn.Notify(protocol.New(protocol.TypeContainerStatus, protocol.StatusPayload{State: "none"}))
		return nil
	}
	payload := protocol.StatusPayload{
		State:     "running",
		Backend:   string(handle.Backend()),
		StartedAt: handle.StartedAt().UTC().Format(time.RFC3339),
	}
	statsCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if stats, err := h.manager.Launcher().Stats(statsCtx, handle); err == nil {
		payload.CPU = stats.CPU
		payload.Memory = stats.Memory
	}
	h.conn.Notify(protocol.New(protocol.TypeContainerStatus, payload))
	return nil
}

func (h *handler) startPreview(msg protocol.Message) error {
	var p protocol.PreviewPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("%w: invalid preview port %d", protocol.ErrProtocol, p.Port)
	}
	if err := h.manager.StartPreview(h.session.ID, p.Port); err != nil {
		return err
	}
	h.conn.Notify(protocol.New(protocol.TypePreviewStarted, protocol.PreviewStartedPayload{
		Port: p.Port,
		URL:  fmt.Sprintf("http://%s/preview/%s/", h.previewHost, h.session.ID),
	}))
	return nil
}

func (h *handler) stopPreview() error {
	if err := h.manager.StopPreview(h.session.ID); err != nil {
		return err
	}
	h.conn.Notify(protocol.New(protocol.TypePreviewStopped, nil))
	return nil
}
