package backend

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func writeTrainer(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake trainer requires /bin/sh")
	}
	path := filepath.Join(t.TempDir(), "trainer.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestLocalSpawnPassesContract(t *testing.T) {
	entry := writeTrainer(t, `echo "$@"
echo "oops" >&2
exit 3
`)
	l := NewLocal(entry, nil)
	l.Interpreter = "/bin/sh"

	cfg := Config{RunID: "run-1", ConfigPath: "/tmp/c.json", OutputDir: "/tmp/out", DatasetDir: "/tmp/ds"}
	p, err := l.Spawn(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	stdout, _ := io.ReadAll(p.Stdout())
	stderr, _ := io.ReadAll(p.Stderr())
	code, err := p.Wait()
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	want := "--run-id run-1 --config /tmp/c.json --output-dir /tmp/out --dataset /tmp/ds"
	if strings.TrimSpace(string(stdout)) != want {
		t.Errorf("Expected args %q, got %q", want, stdout)
	}
	if strings.TrimSpace(string(stderr)) != "oops" {
		t.Errorf("Expected stderr oops, got %q", stderr)
	}
	if code != 3 {
		t.Errorf("Expected exit code 3, got %d", code)
	}
}

func TestLocalTerminateKillsProcessGroup(t *testing.T) {
	entry := writeTrainer(t, `sleep 30 &
wait
`)
	l := NewLocal(entry, nil)
	l.Interpreter = "/bin/sh"

	p, err := l.Spawn(context.Background(), Config{RunID: "run-2", ConfigPath: "c", OutputDir: "o"}, nil)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	if err := p.Terminate(); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if err := p.Terminate(); err != nil {
		t.Fatalf("second Terminate failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_, _ = p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after Terminate")
	}
}

func TestLocalInterpreterNotFound(t *testing.T) {
	l := NewLocal("train.py", nil)
	l.Interpreter = filepath.Join(t.TempDir(), "python-missing")

	_, err := l.Spawn(context.Background(), Config{RunID: "r"}, nil)
	if !errors.Is(err, ErrSpawnFailed) {
		t.Fatalf("Expected ErrSpawnFailed, got %v", err)
	}
}

func TestLocalDescribe(t *testing.T) {
	l := NewLocal("train.py", nil)
	got := l.Describe(Config{RunID: "r", ConfigPath: "c.json", OutputDir: "out"})
	want := "python3 train.py --run-id r --config c.json --output-dir out"
	if got != want {
		t.Errorf("Describe = %q, want %q", got, want)
	}
}

func TestResolveExecutable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}
	dir := t.TempDir()
	present := filepath.Join(dir, "tool")
	if err := os.WriteFile(present, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	notExec := filepath.Join(dir, "plain")
	if err := os.WriteFile(notExec, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	got, err := resolveExecutable("", []string{filepath.Join(dir, "missing"), notExec, present})
	if err != nil {
		t.Fatalf("resolveExecutable failed: %v", err)
	}
	if got != present {
		t.Errorf("Expected %s, got %s", present, got)
	}

	if _, err := resolveExecutable("", []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("Expected error when no candidate exists")
	}
}
