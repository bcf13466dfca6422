package events

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDecodeLineMetric(t *testing.T) {
	ev, ok := DecodeLine(`{"type":"metric","key":"loss","value":0.5,"step":3,"ts":"2024-01-01T00:00:00Z"}`)
	if !ok {
		t.Fatal("expected an event")
	}
	m, isMetric := ev.(Metric)
	if !isMetric {
		t.Fatalf("Expected Metric, got %T", ev)
	}
	want := Metric{Key: "loss", Value: 0.5, Step: 3, TS: "2024-01-01T00:00:00Z"}
	if m != want {
		t.Errorf("Expected %+v, got %+v", want, m)
	}
}

func TestDecodeLineFallback(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	prev := clock
	clock = func() time.Time { return fixed }
	defer func() { clock = prev }()

	tests := []struct {
		name string
		line string
	}{
		{"plain text", "hello"},
		{"broken json", `{"type":"metric","key":`},
		{"unknown type", `{"type":"heartbeat"}`},
		{"missing type", `{"key":"loss"}`},
		{"json array", `[1,2,3]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := DecodeLine(tt.line)
			if !ok {
				t.Fatal("expected an event")
			}
			l, isLog := ev.(Log)
			if !isLog {
				t.Fatalf("Expected Log, got %T", ev)
			}
			if l.Level != LevelInfo {
				t.Errorf("Expected level INFO, got %s", l.Level)
			}
			if l.Message != tt.line {
				t.Errorf("Expected message %q, got %q", tt.line, l.Message)
			}
			if l.TS != fixed.Format(time.RFC3339Nano) {
				t.Errorf("Expected local timestamp, got %q", l.TS)
			}
		})
	}
}

func TestDecodeLineBlank(t *testing.T) {
	for _, line := range []string{"", "   ", "\r", "\t"} {
		if ev, ok := DecodeLine(line); ok {
			t.Errorf("DecodeLine(%q) returned %+v, expected nothing", line, ev)
		}
	}
}

func TestDecodeStderrLine(t *testing.T) {
	ev, ok := DecodeStderrLine("Traceback (most recent call last):")
	if !ok {
		t.Fatal("expected an event")
	}
	l, isLog := ev.(Log)
	if !isLog || l.Level != LevelError {
		t.Fatalf("Expected ERROR log, got %+v", ev)
	}

	ev, ok = DecodeStderrLine(`{"type":"progress","current":2,"total":10,"ts":"t"}`)
	if !ok {
		t.Fatal("expected an event")
	}
	if p, isProgress := ev.(Progress); !isProgress || p.Current != 2 || p.Total != 10 {
		t.Errorf("Expected structured progress, got %+v", ev)
	}
}

func TestDecodeStatusError(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"status","state":"FAILED","error":"oom","ts":"t"}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	s := ev.(Status)
	if s.State != StateFailed || s.ErrorMessage() != "oom" {
		t.Errorf("Unexpected status %+v", s)
	}
	if !s.Terminal() {
		t.Error("FAILED should be terminal")
	}

	ev, err = Decode([]byte(`{"type":"status","state":"SUCCEEDED","error":null,"ts":"t"}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if ev.(Status).Error != nil {
		t.Error("Expected nil error for null")
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"nope"}`)); !errors.Is(err, ErrUnknownType) {
		t.Errorf("Expected ErrUnknownType, got %v", err)
	}
	if _, err := Decode([]byte(`{}`)); !errors.Is(err, ErrMissingType) {
		t.Errorf("Expected ErrMissingType, got %v", err)
	}
}

func TestMarshalIncludesType(t *testing.T) {
	data, err := Marshal(Artifact{ArtifactKind: "model", Path: "/tmp/m.bin", SHA256: "abc", TS: "t"})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if raw["type"] != "artifact" || raw["kind"] != "model" || raw["sha256"] != "abc" {
		t.Errorf("Unexpected wire form: %s", data)
	}

	ev, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if a := ev.(Artifact); a.Path != "/tmp/m.bin" {
		t.Errorf("Unexpected artifact %+v", a)
	}
}

func TestEnvelopeJSON(t *testing.T) {
	env := Envelope{RunID: "run-1", Seq: 7, Source: SourceSupervisor, Event: NewStatus(StateCancelled, "")}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var got Envelope
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got.RunID != "run-1" || got.Seq != 7 || got.Source != SourceSupervisor {
		t.Errorf("Unexpected envelope %+v", got)
	}
	if s, ok := got.Event.(Status); !ok || s.State != StateCancelled {
		t.Errorf("Unexpected event %+v", got.Event)
	}
}
