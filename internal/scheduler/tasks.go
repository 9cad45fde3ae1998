package scheduler

import (
	"context"
	"fmt"
	"time"
)

// Task IDs.
const (
	TaskSweep = "rule-sweep"
	TaskAudit = "blocked-audit"
)

// TaskRegistry holds references to the components tasks drive.
type TaskRegistry struct {
	Sweep        func(ctx context.Context) error
	AuditBlocked func(ctx context.Context) error
}

// NewSweepTask creates the periodic privacy-rule sweep. It runs at start and
// then interval after each completed sweep.
func NewSweepTask(registry *TaskRegistry, interval time.Duration) *Task {
	return &Task{
		ID:          TaskSweep,
		Name:        "Rule Sweep",
		Description: "Evaluate every privacy rule and reconcile device and firewall state",
		Schedule:    Every(interval),
		Enabled:     true,
		RunOnStart:  true,
		Func: func(ctx context.Context) error {
			if registry.Sweep == nil {
				return fmt.Errorf("sweep function not configured")
			}
			return registry.Sweep(ctx)
		},
	}
}

// NewAuditTask creates the blocked-address audit, which refreshes the
// blocked destinations gauge.
func NewAuditTask(registry *TaskRegistry, interval time.Duration) *Task {
	return &Task{
		ID:          TaskAudit,
		Name:        "Blocked Audit",
		Description: "List destinations dropped by the privacy chain",
		Schedule:    Every(interval),
		Enabled:     interval > 0,
		RunOnStart:  true,
		Timeout:     time.Minute,
		Func: func(ctx context.Context) error {
			if registry.AuditBlocked == nil {
				return fmt.Errorf("audit function not configured")
			}
			return registry.AuditBlocked(ctx)
		},
	}
}
