// Package events defines the trainer event protocol and the envelope used to
// carry decoded events through the bus.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind is the value of the "type" discriminator on the wire.
type Kind string

const (
	KindLog      Kind = "log"
	KindMetric   Kind = "metric"
	KindProgress Kind = "progress"
	KindArtifact Kind = "artifact"
	KindStatus   Kind = "status"
	KindDevice   Kind = "device"
)

// Log severities.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Status states. Trainers only report SUCCEEDED or FAILED; the supervisor
// additionally reports RUNNING and CANCELLED.
const (
	StateRunning   = "RUNNING"
	StateSucceeded = "SUCCEEDED"
	StateFailed    = "FAILED"
	StateCancelled = "CANCELLED"
)

// Event is one decoded trainer event. The set of implementations is closed.
type Event interface {
	Kind() Kind
	Timestamp() string
	event()
}

type Log struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	TS      string `json:"ts"`
}

type Metric struct {
	Key   string  `json:"key"`
	Value float64 `json:"value"`
	Step  int     `json:"step"`
	TS    string  `json:"ts"`
}

type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	TS      string `json:"ts"`
}

// Artifact announces a file produced by the trainer. ArtifactKind is one of
// model, checkpoint, log, metric or other.
type Artifact struct {
	ArtifactKind string `json:"kind"`
	Path         string `json:"path"`
	SHA256       string `json:"sha256"`
	TS           string `json:"ts"`
}

// Status reports a run state. Error is nil unless the state is a failure.
type Status struct {
	State string  `json:"state"`
	Error *string `json:"error"`
	TS    string  `json:"ts"`
}

type Device struct {
	Name string `json:"name"`
	TS   string `json:"ts"`
}

func (Log) Kind() Kind      { return KindLog }
func (Metric) Kind() Kind   { return KindMetric }
func (Progress) Kind() Kind { return KindProgress }
func (Artifact) Kind() Kind { return KindArtifact }
func (Status) Kind() Kind   { return KindStatus }
func (Device) Kind() Kind   { return KindDevice }

func (e Log) Timestamp() string      { return e.TS }
func (e Metric) Timestamp() string   { return e.TS }
func (e Progress) Timestamp() string { return e.TS }
func (e Artifact) Timestamp() string { return e.TS }
func (e Status) Timestamp() string   { return e.TS }
func (e Device) Timestamp() string   { return e.TS }

func (Log) event()      {}
func (Metric) event()   {}
func (Progress) event() {}
func (Artifact) event() {}
func (Status) event()   {}
func (Device) event()   {}

// Terminal reports whether the state ends a run.
func (e Status) Terminal() bool {
	switch e.State {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// ErrorMessage returns the error text or "" when none was reported.
func (e Status) ErrorMessage() string {
	if e.Error == nil {
		return ""
	}
	return *e.Error
}

// clock is replaced in tests.
var clock = func() time.Time { return time.Now().UTC() }

// Now returns the current time formatted the way locally generated events carry it.
func Now() string {
	return clock().Format(time.RFC3339Nano)
}

// NewLog builds a locally timestamped log event.
func NewLog(level, message string) Log {
	return Log{Level: level, Message: message, TS: Now()}
}

// NewLogf is NewLog with formatting.
func NewLogf(level, format string, args ...any) Log {
	return NewLog(level, fmt.Sprintf(format, args...))
}

// NewStatus builds a locally timestamped status event. An empty errMsg means no error.
func NewStatus(state, errMsg string) Status {
	s := Status{State: state, TS: Now()}
	if errMsg != "" {
		s.Error = &errMsg
	}
	return s
}

// Source identifies where an event entered the system.
type Source string

const (
	SourceStdout     Source = "stdout"
	SourceStderr     Source = "stderr"
	SourceSupervisor Source = "supervisor"
)

// Envelope carries one event for a run through the bus.
type Envelope struct {
	RunID  string
	Seq    uint64
	Source Source
	Event  Event
}

type envelopeWire struct {
	RunID  string          `json:"run_id"`
	Seq    uint64          `json:"seq"`
	Source Source          `json:"source"`
	Event  json.RawMessage `json:"event"`
}

// MarshalJSON encodes the envelope with the event in its wire form.
func (e Envelope) MarshalJSON() ([]byte, error) {
	raw, err := Marshal(e.Event)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelopeWire{RunID: e.RunID, Seq: e.Seq, Source: e.Source, Event: raw})
}

// UnmarshalJSON decodes an envelope produced by MarshalJSON.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w envelopeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ev, err := Decode(w.Event)
	if err != nil {
		return fmt.Errorf("decode envelope event: %w", err)
	}
	*e = Envelope{RunID: w.RunID, Seq: w.Seq, Source: w.Source, Event: ev}
	return nil
}
