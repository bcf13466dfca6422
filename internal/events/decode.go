package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingType is returned by Decode when the object has no "type" field.
	ErrMissingType = errors.New("event has no type")
	// ErrUnknownType is returned by Decode for an unrecognised discriminator.
	ErrUnknownType = errors.New("unknown event type")
)

// Decode strictly parses one wire-form event.
func Decode(data []byte) (Event, error) {
	var head struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}
	if head.Type == nil {
		return nil, ErrMissingType
	}

	switch Kind(*head.Type) {
	case KindLog:
		var e Log
		err := json.Unmarshal(data, &e)
		return e, err
	case KindMetric:
		var e Metric
		err := json.Unmarshal(data, &e)
		return e, err
	case KindProgress:
		var e Progress
		err := json.Unmarshal(data, &e)
		return e, err
	case KindArtifact:
		var e Artifact
		err := json.Unmarshal(data, &e)
		return e, err
	case KindStatus:
		var e Status
		err := json.Unmarshal(data, &e)
		return e, err
	case KindDevice:
		var e Device
		err := json.Unmarshal(data, &e)
		return e, err
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, *head.Type)
	}
}

// DecodeLine turns one stdout line into an event. Blank lines yield no event.
// Anything that is not a well-formed event becomes an INFO log carrying the
// raw line, so trainer output is never dropped.
func DecodeLine(line string) (Event, bool) {
	return decodeLine(line, LevelInfo)
}

// DecodeStderrLine is DecodeLine for stderr: unstructured lines become ERROR logs.
func DecodeStderrLine(line string) (Event, bool) {
	return decodeLine(line, LevelError)
}

func decodeLine(line, fallbackLevel string) (Event, bool) {
	line = strings.TrimRight(line, "\r\n")
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil, false
	}
	if strings.HasPrefix(trimmed, "{") {
		if ev, err := Decode([]byte(trimmed)); err == nil {
			return ev, true
		}
	}
	return NewLog(fallbackLevel, line), true
}

// Marshal encodes an event in its wire form, including the "type" field.
func Marshal(ev Event) ([]byte, error) {
	switch e := ev.(type) {
	case Log:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			Log
		}{KindLog, e})
	case Metric:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			Metric
		}{KindMetric, e})
	case Progress:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			Progress
		}{KindProgress, e})
	case Artifact:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			Artifact
		}{KindArtifact, e})
	case Status:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			Status
		}{KindStatus, e})
	case Device:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			Device
		}{KindDevice, e})
	case nil:
		return nil, errors.New("marshal nil event")
	default:
		return nil, fmt.Errorf("marshal event: unsupported type %T", ev)
	}
}
