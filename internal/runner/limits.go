package runner

import (
	"errors"
	"fmt"
)

// ErrCapacity is returned when starting a run would exceed a concurrency limit.
var ErrCapacity = errors.New("run capacity reached")

// Limits caps how many runs may be active at once. Zero means unlimited.
type Limits struct {
	// GlobalMax is the maximum number of concurrent runs across all backends.
	GlobalMax int `yaml:"global_max"`
	// ByBackend defines per-backend concurrency limits.
	ByBackend map[string]int `yaml:"by_backend"`
}

// BackendLimit returns the concurrency limit for a backend, or 0 when unlimited.
func (l Limits) BackendLimit(name string) int {
	return l.ByBackend[name]
}

// Validate rejects negative limits.
func (l Limits) Validate() error {
	if l.GlobalMax < 0 {
		return fmt.Errorf("global_max must not be negative")
	}
	for name, n := range l.ByBackend {
		if n < 0 {
			return fmt.Errorf("by_backend.%s must not be negative", name)
		}
	}
	return nil
}

// admit reports whether one more run may start on backendName given the
// current counts. Cancelled runs still count until their process is gone.
func (l Limits) admit(backendName string, total int, perBackend map[string]int) error {
	if l.GlobalMax > 0 && total >= l.GlobalMax {
		return fmt.Errorf("%w: %d runs active (max %d)", ErrCapacity, total, l.GlobalMax)
	}
	if limit := l.BackendLimit(backendName); limit > 0 && perBackend[backendName] >= limit {
		return fmt.Errorf("%w: %d %s runs active (max %d)", ErrCapacity, perBackend[backendName], backendName, limit)
	}
	return nil
}

// SetLimits replaces the registry's concurrency limits.
func (r *Registry) SetLimits(l Limits) {
	r.mu.Lock()
	r.limits = l
	r.mu.Unlock()
}

// CheckCapacity reports whether a run could start on backendName right now.
// StartRun checks again under the same lock that registers the run.
func (r *Registry) CheckCapacity(backendName string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.admitLocked(backendName)
}

func (r *Registry) admitLocked(backendName string) error {
	perBackend := make(map[string]int)
	for _, h := range r.runs {
		perBackend[h.backend]++
	}
	for _, h := range r.retiring {
		perBackend[h.backend]++
	}
	return r.limits.admit(backendName, len(r.runs)+len(r.retiring), perBackend)
}
