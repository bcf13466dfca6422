package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fentz26/trainctl/internal/events"
)

func TestLoadRunConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.yaml")
	if err := os.WriteFile(path, []byte("epochs: 3\nlr: 0.01\nmethod: local\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := loadRunConfig(path, []string{"epochs=5", "method=docker", "docker_image=trainer:latest", "note=a=b"})
	if err != nil {
		t.Fatalf("loadRunConfig failed: %v", err)
	}
	if cfg["epochs"] != 5 {
		t.Errorf("Expected epochs override 5, got %v (%T)", cfg["epochs"], cfg["epochs"])
	}
	if cfg["lr"] != 0.01 {
		t.Errorf("Expected lr 0.01, got %v", cfg["lr"])
	}
	if cfg["method"] != "docker" || cfg["docker_image"] != "trainer:latest" {
		t.Errorf("Expected docker selection, got %v", cfg)
	}
	if cfg["note"] != "a=b" {
		t.Errorf("Expected value split on the first '=', got %v", cfg["note"])
	}
}

func TestLoadRunConfigErrors(t *testing.T) {
	if _, err := loadRunConfig("", []string{"novalue"}); err == nil {
		t.Error("Expected error for --set without '='")
	}
	if _, err := loadRunConfig(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Error("Expected error for missing config file")
	}

	cfg, err := loadRunConfig("", nil)
	if err != nil {
		t.Fatalf("loadRunConfig failed: %v", err)
	}
	if cfg == nil || len(cfg) != 0 {
		t.Errorf("Expected empty config, got %v", cfg)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 << 20, "5.0 MiB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.n); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestFormatEvent(t *testing.T) {
	env := events.Envelope{
		RunID:  "r1",
		Seq:    7,
		Source: events.SourceSupervisor,
		Event:  events.NewStatus(events.StateFailed, "boom"),
	}
	got := formatEvent(env)
	if !strings.Contains(got, "FAILED: boom") || !strings.Contains(got, "7") {
		t.Errorf("Unexpected formatted status: %q", got)
	}

	env.Event = events.Metric{Key: "loss", Value: 0.25, Step: 3}
	if got := formatEvent(env); !strings.Contains(got, "loss=0.25 step=3") {
		t.Errorf("Unexpected formatted metric: %q", got)
	}
}
