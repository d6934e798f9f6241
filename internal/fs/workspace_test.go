package fs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func setupWorkspace(t *testing.T) *Workspace {
	t.Helper()
	return NewWorkspace(t.TempDir())
}

func TestWriteReadRoundTrip(t *testing.T) {
	ws := setupWorkspace(t)

	if err := ws.Write("/src/main.go", []byte("package main\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	data, err := ws.Read("src/main.go")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != "package main\n" {
		t.Errorf("unexpected content: %q", data)
	}
}

func TestReadMissingFile(t *testing.T) {
	ws := setupWorkspace(t)

	_, err := ws.Read("nope.txt")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDotDotStaysInside(t *testing.T) {
	ws := setupWorkspace(t)

	// SecureJoin clamps ".." at the root, so this resolves inside the
	// workspace rather than escaping it.
	if err := ws.Write("../../etc/passwd", []byte("x")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ws.Root(), "etc", "passwd")); err != nil {
		t.Errorf("expected clamped write inside workspace: %v", err)
	}
}

func TestSymlinkEscapeRejected(t *testing.T) {
	ws := setupWorkspace(t)
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("s"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(ws.Root(), "leak")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if _, err := ws.Read("leak/secret.txt"); !errors.Is(err, ErrPathEscape) && !errors.Is(err, ErrNotFound) {
		t.Errorf("expected containment failure, got %v", err)
	}
}

func TestListEntries(t *testing.T) {
	ws := setupWorkspace(t)
	if err := ws.Write("a.txt", []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := ws.Mkdir("sub"); err != nil {
		t.Fatal(err)
	}

	entries, err := ws.List("/")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	byName := map[string]FileInfo{}
	for _, e := range entries {
		byName[e.Name] = e
	}
	if e, ok := byName["a.txt"]; !ok || e.IsDir || e.Path != "/a.txt" {
		t.Errorf("unexpected file entry: %+v", e)
	}
	if e, ok := byName["sub"]; !ok || !e.IsDir {
		t.Errorf("unexpected dir entry: %+v", e)
	}
}

func TestDeleteAndExists(t *testing.T) {
	ws := setupWorkspace(t)
	if err := ws.Write("doomed.txt", []byte("x")); err != nil {
		t.Fatal(err)
	}

	ok, err := ws.Exists("doomed.txt")
	if err != nil || !ok {
		t.Fatalf("expected file to exist, ok=%v err=%v", ok, err)
	}
	if err := ws.Delete("doomed.txt"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	ok, err = ws.Exists("doomed.txt")
	if err != nil || ok {
		t.Fatalf("expected file gone, ok=%v err=%v", ok, err)
	}
}

func TestStat(t *testing.T) {
	ws := setupWorkspace(t)
	if err := ws.Write("f.txt", []byte("hello")); err != nil {
		t.Fatal(err)
	}

	info, err := ws.Stat("/f.txt")
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Size != 5 || info.IsDir || info.Name != "f.txt" {
		t.Errorf("unexpected stat: %+v", info)
	}
}
