package health

import (
	"context"
	"fmt"
	"time"

	"grimm.is/privacyd/internal/directory"
	"grimm.is/privacyd/internal/scheduler"
)

// probeTimeout bounds checks that talk to other processes.
const probeTimeout = 3 * time.Second

// DirectoryCheck probes the topic store by listing rule records.
func DirectoryCheck(dir directory.Directory, ruleKind string) CheckFunc {
	return func(ctx context.Context) Check {
		ctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()

		records, err := dir.FetchKind(ctx, ruleKind)
		if err != nil {
			return Check{Status: StatusUnhealthy, Message: fmt.Sprintf("directory unreachable: %v", err)}
		}
		return Check{Status: StatusHealthy, Message: fmt.Sprintf("%d rules", len(records))}
	}
}

// ChainProbe reports whether the dedicated chain exists.
type ChainProbe interface {
	ChainExists(ctx context.Context) (bool, error)
}

// FirewallCheck reports on the dedicated chain. A missing chain is degraded
// rather than unhealthy: the next block recreates it.
func FirewallCheck(probe ChainProbe) CheckFunc {
	return func(ctx context.Context) Check {
		ctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()

		exists, err := probe.ChainExists(ctx)
		switch {
		case err != nil:
			return Check{Status: StatusUnhealthy, Message: fmt.Sprintf("packet filter query failed: %v", err)}
		case !exists:
			return Check{Status: StatusDegraded, Message: "privacy chain missing"}
		}
		return Check{Status: StatusHealthy, Message: "privacy chain present"}
	}
}

// StreamCheck reports the notification stream state. A disconnected stream
// only delays deletions until the next sweep, so it is degraded.
func StreamCheck(connected func() bool) CheckFunc {
	return func(ctx context.Context) Check {
		if connected() {
			return Check{Status: StatusHealthy, Message: "connected"}
		}
		return Check{Status: StatusDegraded, Message: "disconnected, reconnecting"}
	}
}

// TaskCheck reports the outcome of a scheduler task's last run.
func TaskCheck(status func(id string) (scheduler.TaskStatus, bool), id string) CheckFunc {
	return func(ctx context.Context) Check {
		st, ok := status(id)
		switch {
		case !ok:
			return Check{Status: StatusUnhealthy, Message: "task not registered"}
		case st.RunCount == 0:
			return Check{Status: StatusHealthy, Message: "not run yet"}
		case st.LastError != "":
			return Check{Status: StatusDegraded, Message: st.LastError}
		}
		return Check{Status: StatusHealthy, Message: fmt.Sprintf("last run %s", st.LastRun.Format(time.RFC3339))}
	}
}
