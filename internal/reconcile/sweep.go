package reconcile

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"grimm.is/privacyd/internal/directory"
	"grimm.is/privacyd/internal/logging"
	"grimm.is/privacyd/internal/rule"
)

// SweepResult summarizes one sweep.
type SweepResult struct {
	ID        string
	Rules     int
	Targets   int
	Activated int
	Released  int
	Deleted   int
	Skipped   int
	Errors    int
}

// target groups the rules governing one device.
type target struct {
	kind  string
	id    string
	rules []*rule.Rule
}

// Sweep evaluates every privacy rule once and applies the implied
// transitions. Rules are grouped by target so a device is restricted
// exactly when at least one of its non-expired rules is active.
//
// A failure on one target is logged and counted without stopping the
// sweep; only failing to list the rules fails the sweep itself.
func (l *Loop) Sweep(ctx context.Context) (SweepResult, error) {
	res := SweepResult{ID: uuid.NewString()}
	log := l.logger.WithFields(map[string]any{"sweep_id": res.ID})
	began := time.Now()
	defer func() {
		l.metrics.SweepDuration.Observe(time.Since(began).Seconds())
	}()

	records, err := l.dir.FetchKind(ctx, l.cfg.RuleKind)
	if err != nil {
		l.metrics.SweepsTotal.WithLabelValues("failed").Inc()
		return res, fmt.Errorf("fetch %s records: %w", l.cfg.RuleKind, err)
	}
	res.Rules = len(records)

	now := l.clock.Now()
	targets := l.groupRules(log, records, &res)
	res.Targets = len(targets)

	for _, t := range targets {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if err := l.safeReconcile(ctx, log, now, t, &res); err != nil {
			res.Errors++
			l.metrics.RuleErrors.WithLabelValues("apply").Inc()
			log.Error("failed to reconcile target", "kind", t.kind, "id", t.id, "error", err)
		}
	}

	outcome := "ok"
	if res.Errors > 0 {
		outcome = "partial"
	}
	l.metrics.SweepsTotal.WithLabelValues(outcome).Inc()
	log.Debug("sweep completed",
		"rules", res.Rules, "targets", res.Targets, "activated", res.Activated,
		"released", res.Released, "deleted", res.Deleted, "skipped", res.Skipped,
		"errors", res.Errors, "duration", time.Since(began))
	return res, nil
}

// groupRules parses rule records, dropping malformed ones, and groups them
// by target in first-seen order.
func (l *Loop) groupRules(log *logging.Logger, records []directory.Record, res *SweepResult) []*target {
	var order []*target
	byKey := map[string]*target{}

	for _, rec := range records {
		r, err := rule.Parse(rec.ID, rec.Value)
		if err != nil {
			res.Skipped++
			l.metrics.RuleErrors.WithLabelValues("invalid").Inc()
			log.Warn("skipping malformed privacy rule", "id", rec.ID, "error", err)
			continue
		}
		if err := r.Validate(); err != nil {
			// Still evaluated: an overnight window never matches, so the
			// rule can only ever release or expire.
			log.Warn("privacy rule will never be active", "id", r.ID, "error", err)
		}

		key := r.TargetKind + "\x00" + r.TargetID
		t, ok := byKey[key]
		if !ok {
			t = &target{kind: r.TargetKind, id: r.TargetID}
			byKey[key] = t
			order = append(order, t)
		}
		t.rules = append(t.rules, r)
	}
	return order
}

func (l *Loop) safeReconcile(ctx context.Context, log *logging.Logger, now time.Time, t *target, res *SweepResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while reconciling target", "kind", t.kind, "id", t.id,
				"panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return l.reconcileTarget(ctx, log, now, t, res)
}

func (l *Loop) reconcileTarget(ctx context.Context, log *logging.Logger, now time.Time, t *target, res *SweepResult) error {
	rec, err := l.dir.Fetch(ctx, t.kind, t.id)
	if errors.Is(err, directory.ErrNotFound) {
		res.Skipped += len(t.rules)
		l.metrics.RuleErrors.WithLabelValues("orphaned").Inc()
		log.Warn("target not found", "kind", t.kind, "id", t.id, "rules", len(t.rules))
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch target: %w", err)
	}
	dev, err := directory.DeviceFromRecord(rec)
	if err != nil {
		res.Skipped += len(t.rules)
		l.metrics.RuleErrors.WithLabelValues("invalid_target").Inc()
		log.Warn("skipping undecodable target", "kind", t.kind, "id", t.id, "error", err)
		return nil
	}

	var active, expired []*rule.Rule
	for _, r := range t.rules {
		switch r.Evaluate(now) {
		case rule.StateActive:
			active = append(active, r)
		case rule.StateExpired:
			expired = append(expired, r)
		}
	}

	var applyErr error
	switch {
	case len(active) > 0 && !dev.Privacy():
		applyErr = l.activate(ctx, dev, latestEnd(active))
		if applyErr == nil {
			res.Activated++
			log.Info("privacy rule activated", "device", dev.Name(), "until", dev.PrivacyUntil())
		}

	case len(active) == 0 && dev.Privacy():
		transition := TransitionRelease
		if len(expired) > 0 {
			transition = TransitionExpire
		}
		applyErr = l.release(ctx, dev, transition)
		if applyErr != nil {
			// Keep expired rules so the next sweep retries the release.
			return applyErr
		}
		res.Released++
		if transition == TransitionExpire {
			log.Info("privacy rule expired, device released", "device", dev.Name())
		} else {
			log.Info("privacy period ended", "device", dev.Name())
		}
	}

	errs := []error{applyErr}
	for _, r := range expired {
		if err := l.dir.Delete(ctx, l.cfg.RuleKind, r.ID); err != nil {
			errs = append(errs, fmt.Errorf("delete expired rule %s: %w", r.ID, err))
			continue
		}
		res.Deleted++
		l.metrics.RulesDeleted.Inc()
		log.Debug("deleted expired privacy rule", "id", r.ID, "expired", r.ExpirationDate())
	}
	return errors.Join(errs...)
}

// latestEnd returns the raw end bound of the active rule that ends last.
func latestEnd(active []*rule.Rule) string {
	best := active[0]
	for _, r := range active[1:] {
		if r.End > best.End {
			best = r
		}
	}
	return best.TimeEnd
}

// SweepTask adapts Sweep to a scheduler task function.
func (l *Loop) SweepTask(ctx context.Context) error {
	_, err := l.Sweep(ctx)
	return err
}
