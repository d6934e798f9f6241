// Package protocol defines the realtime message envelope exchanged over a
// session connection. Both directions use the same shape: a discriminated
// type plus a type-specific payload. Messages carry no session context;
// the connection they arrive on scopes them to a session.
//
// Terminal output chunks (sandbox_output, exec_output) are base64-encoded
// because raw PTY bytes are not valid JSON text. File contents travel as
// plain strings.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrProtocol covers malformed envelopes and unknown message types.
var ErrProtocol = errors.New("protocol error")

// Type discriminates messages. The inbound set is closed: Parse rejects
// anything outside it so new types are an explicit, compile-visible
// addition here plus a router case.
type Type string

// Inbound types.
const (
	TypeContainerCommand   Type = "container_command"
	TypeExecCommand        Type = "exec_command"
	TypeReadFile           Type = "read_file"
	TypeWriteFile          Type = "write_file"
	TypeListDirectory      Type = "list_directory"
	TypeCreateDirectory    Type = "create_directory"
	TypeDeleteFile         Type = "delete_file"
	TypeStartDevServer     Type = "start_dev_server"
	TypeStopContainer      Type = "stop_container"
	TypeRestartContainer   Type = "restart_container"
	TypeGetContainerStatus Type = "get_container_status"
	TypeStartPreview       Type = "start_preview"
	TypeStopPreview        Type = "stop_preview"
	TypePing               Type = "ping"
)

// Outbound types.
const (
	TypeConnected        Type = "connected"
	TypeSandboxOutput    Type = "sandbox_output"
	TypeSandboxExit      Type = "sandbox_exit"
	TypeExecOutput       Type = "exec_output"
	TypeExecEnd          Type = "exec_end"
	TypeFileContent      Type = "file_content"
	TypeFileWritten      Type = "file_written"
	TypeDirectoryListing Type = "directory_listing"
	TypeDirectoryCreated Type = "directory_created"
	TypeFileDeleted      Type = "file_deleted"
	TypeDevServerStatus  Type = "dev_server_status"
	TypeContainerStatus  Type = "container_status"
	TypeContainerStopped Type = "container_stopped"
	TypeContainerRestart Type = "container_restarted"
	TypePreviewStarted   Type = "preview_started"
	TypePreviewStopped   Type = "preview_stopped"
	TypeWorkspaceEvent   Type = "workspace_event"
	TypeError            Type = "error"
)

var inboundTypes = map[Type]bool{
	TypeContainerCommand:   true,
	TypeExecCommand:        true,
	TypeReadFile:           true,
	TypeWriteFile:          true,
	TypeListDirectory:      true,
	TypeCreateDirectory:    true,
	TypeDeleteFile:         true,
	TypeStartDevServer:     true,
	TypeStopContainer:      true,
	TypeRestartContainer:   true,
	TypeGetContainerStatus: true,
	TypeStartPreview:       true,
	TypeStopPreview:        true,
	TypePing:               true,
}

// Message is the wire envelope.
type Message struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Parse decodes an inbound frame and validates the type against the
// closed inbound set.
func Parse(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: invalid JSON envelope", ErrProtocol)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: missing message type", ErrProtocol)
	}
	if !inboundTypes[msg.Type] {
		return Message{}, fmt.Errorf("%w: unknown message type %q", ErrProtocol, msg.Type)
	}
	return msg, nil
}

// New builds an outbound message, marshaling the payload. Marshal
// failures cannot happen for the payload structs in this package; a nil
// payload yields an empty payload field.
func New(t Type, payload any) Message {
	if payload == nil {
		return Message{Type: t}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		raw, _ = json.Marshal(ErrorPayload{Reason: "internal: unencodable payload"})
		return Message{Type: TypeError, Payload: raw}
	}
	return Message{Type: t, Payload: raw}
}

// Decode unmarshals a message payload into the given struct.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: %s requires a payload", ErrProtocol, m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: malformed %s payload", ErrProtocol, m.Type)
	}
	return nil
}

// --- Inbound payloads ---

// CommandPayload carries a raw input line for the sandbox shell.
type CommandPayload struct {
	Command string `json:"command"`
}

// ExecPayload requests a one-shot command run.
type ExecPayload struct {
	Command string `json:"command"`
}

// FilePayload addresses a workspace path; Content is used by write_file.
type FilePayload struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
}

// PreviewPayload names the sandbox port to expose.
type PreviewPayload struct {
	Port int `json:"port"`
}

// --- Outbound payloads ---

// ConnectedPayload greets a freshly attached connection.
type ConnectedPayload struct {
	SessionID string `json:"session_id"`
	Backend   string `json:"backend"`
	Reattach  bool   `json:"reattach"`
}

// OutputPayload carries a base64-encoded chunk of sandbox output.
type OutputPayload struct {
	Data string `json:"data"`
}

// ExitPayload reports sandbox exit.
type ExitPayload struct {
	Code       int  `json:"code"`
	Restarting bool `json:"restarting"`
}

// ExecOutputPayload carries a base64-encoded chunk for one exec run.
type ExecOutputPayload struct {
	ExecID string `json:"exec_id"`
	Data   string `json:"data"`
}

// ExecEndPayload terminates an exec stream.
type ExecEndPayload struct {
	ExecID string `json:"exec_id"`
	Code   int    `json:"code"`
}

// FileContentPayload answers read_file.
type FileContentPayload struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// PathPayload acknowledges a path-scoped operation.
type PathPayload struct {
	Path string `json:"path"`
}

// ListingEntry is one row of a directory_listing.
type ListingEntry struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	IsDir   bool   `json:"is_dir"`
	ModTime string `json:"mod_time"`
}

// ListingPayload answers list_directory.
type ListingPayload struct {
	Path    string         `json:"path"`
	Entries []ListingEntry `json:"entries"`
}

// DevServerStatusPayload reports dev-server startup progress.
type DevServerStatusPayload struct {
	Status string `json:"status"` // "installing" or "starting"
}

// StatusPayload answers get_container_status and the stop/restart acks.
type StatusPayload struct {
	State     string `json:"state"` // "running", "stopped", "none"
	Backend   string `json:"backend,omitempty"`
	StartedAt string `json:"started_at,omitempty"`
	CPU       string `json:"cpu,omitempty"`
	Memory    string `json:"memory,omitempty"`
}

// PreviewStartedPayload answers start_preview.
type PreviewStartedPayload struct {
	Port int    `json:"port"`
	URL  string `json:"url"`
}

// WorkspaceEventPayload notifies of a workspace file change.
type WorkspaceEventPayload struct {
	Path string `json:"path"`
	Op   string `json:"op"`
}

// ErrorPayload carries a human-readable failure.
type ErrorPayload struct {
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason"`
}
