package tool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestReadWriteFileRoundTrip(t *testing.T) {
	r := NewRuntime()
	cwd := t.TempDir()

	_, err := r.ExecuteTool(context.Background(), "write_file", map[string]any{
		"path":    "notes/a.txt",
		"content": "hello",
	}, cwd)
	if err != nil {
		t.Fatalf("write_file: %v", err)
	}

	result, err := r.ExecuteTool(context.Background(), "read_file", map[string]any{"path": "notes/a.txt"}, cwd)
	if err != nil {
		t.Fatalf("read_file: %v", err)
	}
	if result["content"] != "hello" {
		t.Errorf("content = %v, want %q", result["content"], "hello")
	}
}

func TestReadFileRejectsPathEscape(t *testing.T) {
	r := NewRuntime()
	cwd := t.TempDir()

	before, _ := os.ReadDir(cwd)

	_, err := r.ExecuteTool(context.Background(), "read_file", map[string]any{"path": "../../etc/passwd"}, cwd)
	if !errors.Is(err, ErrPathEscape) {
		t.Fatalf("err = %v, want ErrPathEscape", err)
	}

	after, _ := os.ReadDir(cwd)
	if len(before) != len(after) {
		t.Errorf("executeTool performed I/O despite path escape")
	}
}

func TestWriteFileRejectsPathEscape(t *testing.T) {
	r := NewRuntime()
	cwd := t.TempDir()

	_, err := r.ExecuteTool(context.Background(), "write_file", map[string]any{
		"path":    "../escape.txt",
		"content": "x",
	}, cwd)
	if !errors.Is(err, ErrPathEscape) {
		t.Fatalf("err = %v, want ErrPathEscape", err)
	}
	if _, statErr := os.Stat(filepath.Join(filepath.Dir(cwd), "escape.txt")); statErr == nil {
		t.Errorf("write_file escaped cwd and wrote a file")
	}
}

func TestListFilesFiltersByPattern(t *testing.T) {
	r := NewRuntime()
	cwd := t.TempDir()
	for _, name := range []string{"a.go", "b.go", "c.txt"} {
		if err := os.WriteFile(filepath.Join(cwd, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	result, err := r.ExecuteTool(context.Background(), "list_files", map[string]any{"pattern": "*.go"}, cwd)
	if err != nil {
		t.Fatalf("list_files: %v", err)
	}
	files, _ := result["files"].([]string)
	if len(files) != 2 {
		t.Fatalf("got %d files, want 2: %v", len(files), files)
	}
}

func TestGrepFindsMatches(t *testing.T) {
	r := NewRuntime()
	cwd := t.TempDir()
	if err := os.WriteFile(filepath.Join(cwd, "a.txt"), []byte("hello\nWORLD\nfoo\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	result, err := r.ExecuteTool(context.Background(), "grep", map[string]any{"pattern": "world"}, cwd)
	if err != nil {
		t.Fatalf("grep: %v", err)
	}
	matches, _ := result["matches"].([]map[string]any)
	if len(matches) != 1 {
		t.Fatalf("got %d matches, want 1: %v", len(matches), matches)
	}
	if matches[0]["line"] != 2 {
		t.Errorf("line = %v, want 2", matches[0]["line"])
	}
}

func TestExecReturnsNonZeroWithoutError(t *testing.T) {
	r := NewRuntime()
	cwd := t.TempDir()

	result, err := r.ExecuteTool(context.Background(), "exec", map[string]any{"command": "exit 3"}, cwd)
	if err != nil {
		t.Fatalf("exec should not error on non-zero exit: %v", err)
	}
	if result["exitCode"] != 3 {
		t.Errorf("exitCode = %v, want 3", result["exitCode"])
	}
}

func TestExecuteToolUnknownName(t *testing.T) {
	r := NewRuntime()
	_, err := r.ExecuteTool(context.Background(), "does_not_exist", nil, t.TempDir())
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("err = %v, want ErrUnknownTool", err)
	}
}

func TestListToolSpecsIncludesBuiltins(t *testing.T) {
	r := NewRuntime()
	specs := r.ListToolSpecs()
	names := map[string]Permission{}
	for _, s := range specs {
		names[s.Name] = s.Permission
	}
	want := map[string]Permission{
		"read_file":  PermRead,
		"write_file": PermWrite,
		"list_files": PermRead,
		"grep":       PermRead,
		"exec":       PermExec,
	}
	for name, perm := range want {
		if got, ok := names[name]; !ok || got != perm {
			t.Errorf("tool %q permission = %v (present=%v), want %v", name, got, ok, perm)
		}
	}
}
