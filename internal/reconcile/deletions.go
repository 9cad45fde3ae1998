package reconcile

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"grimm.is/privacyd/internal/directory"
	"grimm.is/privacyd/internal/events"
)

// HandleEvent reacts to one stream event. Only user deletions of rule
// records are acted on: the rule's target is released if still flagged,
// without waiting for the next sweep.
func (l *Loop) HandleEvent(ctx context.Context, ev events.Event) error {
	if !ev.IsDeletion(l.cfg.RuleKind) {
		return nil
	}

	kind, id, err := ev.Target()
	if err != nil {
		l.logger.Warn("rule deletion without target", "rule", ev.ID, "error", err)
		return nil
	}

	rec, err := l.dir.Fetch(ctx, kind, id)
	if errors.Is(err, directory.ErrNotFound) {
		l.logger.Debug("deleted rule target no longer exists", "kind", kind, "id", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch target of deleted rule %s: %w", ev.ID, err)
	}

	dev, err := directory.DeviceFromRecord(rec)
	if err != nil {
		l.logger.Warn("skipping undecodable target", "kind", kind, "id", id, "error", err)
		return nil
	}
	if !dev.Privacy() {
		return nil
	}

	if err := l.release(ctx, dev, TransitionDeleted); err != nil {
		return err
	}
	l.metrics.DeletionsHandled.Inc()
	l.logger.Info("privacy rule removed by user, device released", "device", dev.Name(), "rule", ev.ID)
	return nil
}

// RunDeletions consumes queue until ctx is cancelled. Errors are logged and
// followed by a short pause.
func (l *Loop) RunDeletions(ctx context.Context, queue *events.Queue) error {
	for {
		ev, err := queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Debug("deletion handler cancelled")
				return nil
			}
			return err
		}

		if err := l.safeHandle(ctx, ev); err != nil {
			l.logger.Error("failed to handle rule deletion", "rule", ev.ID, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(l.cfg.ErrorPause):
			}
		}
	}
}

func (l *Loop) safeHandle(ctx context.Context, ev events.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("panic while handling event", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return l.HandleEvent(ctx, ev)
}
