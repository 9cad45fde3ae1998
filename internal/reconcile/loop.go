// Package reconcile drives device privacy flags and packet-filter state
// toward what the privacy rules declare.
//
// The Loop has three entry points over shared transition logic:
//
//   - Recover runs once at startup and releases every flagged device.
//   - Sweep evaluates every rule and applies the transitions it implies.
//   - RunDeletions consumes stream events and releases devices whose rule
//     was deleted by a user.
//
// No rule or device state is remembered between passes. Every decision is
// re-derived from the directory and the clock, and a transition is applied
// only when the device flag disagrees with the evaluated state.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"grimm.is/privacyd/internal/brand"
	"grimm.is/privacyd/internal/clock"
	"grimm.is/privacyd/internal/directory"
	"grimm.is/privacyd/internal/logging"
	"grimm.is/privacyd/internal/metrics"
)

// Transition labels used in logs and metrics.
const (
	TransitionActivate = "activate"
	TransitionRelease  = "release"
	TransitionExpire   = "expire"
	TransitionRecover  = "recover"
	TransitionDeleted  = "deleted"
)

var (
	// ErrBlockFailed is returned when the gateway refused a block.
	ErrBlockFailed = errors.New("block failed")
	// ErrUnblockFailed is returned when the gateway refused an unblock.
	ErrUnblockFailed = errors.New("unblock failed")
)

// Enforcer is the packet-filter surface the loop drives.
type Enforcer interface {
	Block(ctx context.Context, ip string) bool
	Unblock(ctx context.Context, ip string) bool
}

// Config holds the loop's tunables.
type Config struct {
	RuleKind   string
	CameraKind string
	// ErrorPause is the wait after a failed deletion event.
	ErrorPause time.Duration
}

// Loop reconciles devices, rules and the packet filter.
type Loop struct {
	dir     directory.Directory
	gw      Enforcer
	clock   clock.Clock
	cfg     Config
	logger  *logging.Logger
	metrics *metrics.Registry
}

// New creates a loop. Empty kinds fall back to the brand defaults.
func New(dir directory.Directory, gw Enforcer, clk clock.Clock, cfg Config, logger *logging.Logger) *Loop {
	if cfg.RuleKind == "" {
		cfg.RuleKind = brand.RuleKind
	}
	if cfg.CameraKind == "" {
		cfg.CameraKind = brand.CameraKind
	}
	if cfg.ErrorPause <= 0 {
		cfg.ErrorPause = time.Second
	}
	if logger == nil {
		logger = logging.WithComponent("reconcile")
	}
	return &Loop{
		dir:     dir,
		gw:      gw,
		clock:   clk,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.Get(),
	}
}

// release clears the device flag, unblocking it first when network-capable.
// The flag is persisted only once the unblock succeeded.
func (l *Loop) release(ctx context.Context, dev *directory.Device, transition string) error {
	if ip := dev.NetworkIP(l.cfg.CameraKind); ip != "" {
		if !l.gw.Unblock(ctx, ip) {
			return fmt.Errorf("%s %s at %s: %w", transition, dev.Name(), ip, ErrUnblockFailed)
		}
		l.logger.Debug("unblocked camera", "name", dev.Name(), "ip", ip, "reason", transition)
	}
	dev.SetPrivacy(false)
	if err := l.dir.Update(ctx, dev.Kind, dev.ID, dev.Value()); err != nil {
		return fmt.Errorf("persist %s/%s: %w", dev.Kind, dev.ID, err)
	}
	l.metrics.RecordTransition(transition)
	return nil
}

// activate sets the device flag, blocking it first when network-capable.
func (l *Loop) activate(ctx context.Context, dev *directory.Device, until string) error {
	if ip := dev.NetworkIP(l.cfg.CameraKind); ip != "" {
		if !l.gw.Block(ctx, ip) {
			return fmt.Errorf("activate %s at %s: %w", dev.Name(), ip, ErrBlockFailed)
		}
		l.logger.Debug("blocked camera", "name", dev.Name(), "ip", ip)
	}
	dev.SetPrivacy(true)
	dev.SetPrivacyUntil(until)
	if err := l.dir.Update(ctx, dev.Kind, dev.ID, dev.Value()); err != nil {
		return fmt.Errorf("persist %s/%s: %w", dev.Kind, dev.ID, err)
	}
	l.metrics.RecordTransition(TransitionActivate)
	return nil
}

// Recover releases every flagged device. A crash may have left devices
// flagged with no way to tell whether their rule still applies; the next
// sweep re-applies whatever is still warranted. Must run before Sweep and
// RunDeletions start.
func (l *Loop) Recover(ctx context.Context) error {
	l.logger.Info("resetting device privacy flags")

	records, err := l.dir.FetchAll(ctx)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	l.logger.Debug("fetched records for recovery", "count", len(records))

	reset, failed := 0, 0
	for _, rec := range records {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		dev, err := directory.DeviceFromRecord(rec)
		if err != nil {
			l.logger.Warn("skipping undecodable record", "kind", rec.Kind, "id", rec.ID, "error", err)
			continue
		}
		if !dev.Privacy() {
			continue
		}
		if err := l.release(ctx, dev, TransitionRecover); err != nil {
			failed++
			l.logger.Error("failed to reset device", "kind", dev.Kind, "id", dev.ID, "error", err)
			continue
		}
		reset++
		l.metrics.RecoveryResets.Inc()
		l.logger.Debug("reset privacy", "kind", dev.Kind, "id", dev.ID)
	}

	l.logger.Info("restore completed", "reset", reset, "failed", failed)
	return nil
}
