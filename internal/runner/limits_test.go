package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fentz26/trainctl/internal/backend"
)

func TestLimitsAdmit(t *testing.T) {
	tests := []struct {
		name       string
		limits     Limits
		total      int
		perBackend map[string]int
		wantErr    bool
	}{
		{"unlimited", Limits{}, 100, map[string]int{"local": 100}, false},
		{"under global", Limits{GlobalMax: 2}, 1, nil, false},
		{"at global", Limits{GlobalMax: 2}, 2, nil, true},
		{"at backend", Limits{ByBackend: map[string]int{"docker": 1}}, 1, map[string]int{"docker": 1}, true},
		{"other backend full", Limits{ByBackend: map[string]int{"docker": 1}}, 1, map[string]int{"docker": 1, "local": 0}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backendName := "docker"
			if tt.name == "other backend full" {
				backendName = "local"
			}
			err := tt.limits.admit(backendName, tt.total, tt.perBackend)
			if (err != nil) != tt.wantErr {
				t.Errorf("admit() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrCapacity) {
				t.Errorf("Expected ErrCapacity, got %v", err)
			}
		})
	}
}

func TestLimitsValidate(t *testing.T) {
	if err := (Limits{GlobalMax: -1}).Validate(); err == nil {
		t.Error("Expected error for negative global_max")
	}
	if err := (Limits{ByBackend: map[string]int{"docker": -1}}).Validate(); err == nil {
		t.Error("Expected error for negative backend limit")
	}
	if err := (Limits{GlobalMax: 4, ByBackend: map[string]int{"docker": 1}}).Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestStartRunRespectsGlobalLimit(t *testing.T) {
	r, _ := newTestRegistry(t, "sleep 30\n")
	r.SetLimits(Limits{GlobalMax: 1})

	if err := r.StartRun(context.Background(), startReq("first")); err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if err := r.StartRun(context.Background(), startReq("second")); !errors.Is(err, ErrCapacity) {
		t.Fatalf("Expected ErrCapacity, got %v", err)
	}
	if err := r.CheckCapacity(backend.LocalName); !errors.Is(err, ErrCapacity) {
		t.Errorf("Expected CheckCapacity to report ErrCapacity, got %v", err)
	}

	if err := r.CancelRun("first"); err != nil {
		t.Fatalf("CancelRun failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := r.Wait(ctx, "first"); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	if err := r.CheckCapacity(backend.LocalName); err != nil {
		t.Errorf("Expected capacity after the run retired, got %v", err)
	}
	if err := r.StartRun(context.Background(), startReq("second")); err != nil {
		t.Errorf("StartRun after retirement failed: %v", err)
	}
}

func TestCheckCapacityPerBackend(t *testing.T) {
	r, _ := newTestRegistry(t, "sleep 30\n")
	r.SetLimits(Limits{ByBackend: map[string]int{backend.LocalName: 1}})

	if err := r.StartRun(context.Background(), startReq("only")); err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if err := r.CheckCapacity(backend.LocalName); !errors.Is(err, ErrCapacity) {
		t.Errorf("Expected local backend to be full, got %v", err)
	}
	if err := r.CheckCapacity(backend.ContainerName); err != nil {
		t.Errorf("Expected docker backend to have capacity, got %v", err)
	}
}
