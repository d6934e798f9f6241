package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseInbound(t *testing.T) {
	msg, err := Parse([]byte(`{"type":"read_file","payload":{"path":"/a.txt"}}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if msg.Type != TypeReadFile {
		t.Errorf("expected read_file, got %s", msg.Type)
	}
	var p FilePayload
	if err := msg.Decode(&p); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if p.Path != "/a.txt" {
		t.Errorf("unexpected path %q", p.Path)
	}
}

func TestParseRejectsUnknownType(t *testing.T) {
	_, err := Parse([]byte(`{"type":"drop_tables"}`))
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("expected ErrProtocol, got %v", err)
	}
}

func TestParseRejectsOutboundType(t *testing.T) {
	// Outbound-only types are invalid on the inbound path.
	_, err := Parse([]byte(`{"type":"sandbox_output"}`))
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("expected ErrProtocol, got %v", err)
	}
}

func TestParseRejectsMalformedEnvelope(t *testing.T) {
	for _, raw := range []string{`not json`, `{}`, `{"payload":{}}`} {
		if _, err := Parse([]byte(raw)); !errors.Is(err, ErrProtocol) {
			t.Errorf("Parse(%q): expected ErrProtocol, got %v", raw, err)
		}
	}
}

func TestNewRoundTrip(t *testing.T) {
	msg := New(TypeConnected, ConnectedPayload{SessionID: "s1", Backend: "process"})
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}

	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	var p ConnectedPayload
	if err := decoded.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.SessionID != "s1" || p.Backend != "process" {
		t.Errorf("unexpected payload: %+v", p)
	}
}

func TestDecodeRequiresPayload(t *testing.T) {
	msg := Message{Type: TypeWriteFile}
	var p FilePayload
	if err := msg.Decode(&p); !errors.Is(err, ErrProtocol) {
		t.Errorf("expected ErrProtocol, got %v", err)
	}
}
