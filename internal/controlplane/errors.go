package controlplane

import (
	"errors"
	"net/http"

	"github.com/fentz26/trainctl/internal/runner"
	"github.com/fentz26/trainctl/internal/store"
	"github.com/fentz26/trainctl/internal/workspace"
)

// Sentinel errors for control plane operations.
var (
	ErrNotFound       = errors.New("resource not found")
	ErrInvalidRequest = errors.New("invalid request")
	ErrConflict       = errors.New("conflict")
)

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, runner.ErrAlreadyRunning), errors.Is(err, store.ErrDuplicate), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound), errors.Is(err, runner.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, runner.ErrInvalidRunID),
		errors.Is(err, runner.ErrUnknownBackend),
		errors.Is(err, store.ErrInvalidStage),
		errors.Is(err, workspace.ErrInvalidStorageMode):
		return http.StatusBadRequest
	}
	if errors.Is(err, runner.ErrCapacity) {
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}
