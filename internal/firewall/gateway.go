package firewall

import (
	"context"
	"errors"
	"sync"

	"grimm.is/privacyd/internal/logging"
	"grimm.is/privacyd/internal/metrics"
)

// DefaultMaxUnblockAttempts bounds the delete-while-present loop in Unblock.
const DefaultMaxUnblockAttempts = 10

// ErrUnblockBound is logged when Unblock stops with a drop entry still present.
var ErrUnblockBound = errors.New("unblock attempt bound reached")

// Gateway exposes idempotent block/unblock operations on the dedicated chain.
//
// Every mutation is preceded by an existence query, so repeated calls never
// create duplicates or fail on already-satisfied state. Failures are logged
// and surfaced as a false return; nothing here is fatal to the caller.
type Gateway struct {
	backend     Backend
	logger      *logging.Logger
	metrics     *metrics.Registry
	maxAttempts int

	// The host tool serializes commands anyway; serializing here keeps
	// check-then-mutate sequences from interleaving between our own tasks.
	mu sync.Mutex
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithMaxUnblockAttempts overrides DefaultMaxUnblockAttempts.
func WithMaxUnblockAttempts(n int) GatewayOption {
	return func(g *Gateway) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

// WithLogger sets the gateway logger.
func WithLogger(l *logging.Logger) GatewayOption {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGateway wraps a backend.
func NewGateway(backend Backend, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		backend:     backend,
		logger:      logging.WithComponent("gateway"),
		metrics:     metrics.Get(),
		maxAttempts: DefaultMaxUnblockAttempts,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Backend returns the underlying backend.
func (g *Gateway) Backend() Backend {
	return g.backend
}

// EnsureChain creates the dedicated chain if absent and attaches it to the
// forwarding and local-output paths, checking each step before applying it.
func (g *Gateway) EnsureChain(ctx context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	ok := g.ensureChainLocked(ctx)
	g.metrics.RecordFirewallOp("ensure_chain", ok)
	return ok
}

func (g *Gateway) ensureChainLocked(ctx context.Context) bool {
	exists, err := g.backend.ChainExists(ctx)
	if err != nil {
		g.logger.Error("failed to query chain", "error", err)
		return false
	}
	if !exists {
		g.logger.Debug("creating chain")
		if err := g.backend.CreateChain(ctx); err != nil {
			g.logger.Error("failed to create chain", "error", err)
			return false
		}
	}

	for _, hook := range Hooks {
		attached, err := g.backend.HookAttached(ctx, hook)
		if err != nil {
			g.logger.Error("failed to query chain jump", "hook", hook, "error", err)
			return false
		}
		if attached {
			continue
		}
		g.logger.Debug("attaching chain", "hook", hook)
		if err := g.backend.AttachHook(ctx, hook); err != nil {
			g.logger.Error("failed to attach chain", "hook", hook, "error", err)
			return false
		}
	}
	return true
}

// Block ensures exactly one drop entry exists for ip.
func (g *Gateway) Block(ctx context.Context, ip string) bool {
	ok := g.block(ctx, ip)
	g.metrics.RecordFirewallOp("block", ok)
	return ok
}

func (g *Gateway) block(ctx context.Context, ip string) bool {
	addr, err := normalizeIP(ip)
	if err != nil {
		g.logger.Warn("block called with unusable address", "ip", ip, "error", err)
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.ensureChainLocked(ctx) {
		return false
	}

	exists, err := g.backend.DropExists(ctx, addr)
	if err != nil {
		g.logger.Error("failed to query drop rule", "ip", addr, "error", err)
		return false
	}
	if exists {
		g.logger.Debug("already blocked", "ip", addr)
		return true
	}

	if err := g.backend.AppendDrop(ctx, addr); err != nil {
		g.logger.Error("failed to block", "ip", addr, "error", err)
		return false
	}
	g.logger.Debug("blocked", "ip", addr)
	return true
}

// Unblock removes every drop entry for ip. An address that was never blocked
// is already in the desired state and reports success.
//
// Removal loops while an entry is still present, up to the attempt bound.
// Hitting the bound with an entry remaining reports failure so that callers
// keep the device flagged and retry on the next sweep.
func (g *Gateway) Unblock(ctx context.Context, ip string) bool {
	ok := g.unblock(ctx, ip)
	g.metrics.RecordFirewallOp("unblock", ok)
	return ok
}

func (g *Gateway) unblock(ctx context.Context, ip string) bool {
	addr, err := normalizeIP(ip)
	if err != nil {
		g.logger.Warn("unblock called with unusable address", "ip", ip, "error", err)
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.ensureChainLocked(ctx) {
		return false
	}

	removed := 0
	for {
		exists, err := g.backend.DropExists(ctx, addr)
		if err != nil {
			g.logger.Error("failed to query drop rule", "ip", addr, "error", err)
			return false
		}
		if !exists {
			break
		}
		if removed >= g.maxAttempts {
			g.metrics.UnblockBoundHits.Inc()
			g.logger.Error("drop rule still present after bounded removal",
				"ip", addr, "attempts", removed, "error", ErrUnblockBound)
			return false
		}
		if err := g.backend.DeleteDrop(ctx, addr); err != nil {
			g.logger.Error("failed to remove drop rule", "ip", addr, "attempt", removed+1, "error", err)
			return false
		}
		removed++
	}

	if removed > 0 {
		g.logger.Debug("unblocked", "ip", addr, "removed", removed)
	} else {
		g.logger.Debug("was not blocked", "ip", addr)
	}
	return true
}

// IsBlocked reports whether a drop entry exists for ip. It never mutates.
func (g *Gateway) IsBlocked(ctx context.Context, ip string) bool {
	addr, err := normalizeIP(ip)
	if err != nil {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	exists, err := g.backend.DropExists(ctx, addr)
	if err != nil {
		g.logger.Error("failed to query drop rule", "ip", addr, "error", err)
		return false
	}
	return exists
}

// ListBlocked returns every destination currently dropped by the chain.
// A missing chain yields an empty list.
func (g *Gateway) ListBlocked(ctx context.Context) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	exists, err := g.backend.ChainExists(ctx)
	if err != nil {
		g.logger.Error("failed to query chain", "error", err)
		return nil
	}
	if !exists {
		return nil
	}
	ips, err := g.backend.ListDrops(ctx)
	if err != nil {
		g.logger.Error("failed to list blocked addresses", "error", err)
		return nil
	}
	return ips
}

// CleanupAll flushes every rule from the dedicated chain, leaving the chain
// and its jumps in place.
func (g *Gateway) CleanupAll(ctx context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	ok := g.cleanupLocked(ctx)
	g.metrics.RecordFirewallOp("cleanup", ok)
	return ok
}

func (g *Gateway) cleanupLocked(ctx context.Context) bool {
	exists, err := g.backend.ChainExists(ctx)
	if err != nil {
		g.logger.Error("failed to query chain", "error", err)
		return false
	}
	if !exists {
		g.logger.Debug("chain does not exist, nothing to clean")
		return true
	}
	if err := g.backend.FlushChain(ctx); err != nil {
		g.logger.Error("failed to flush chain", "error", err)
		return false
	}
	g.logger.Debug("flushed chain")
	return true
}

// Teardown flushes the chain, detaches it from every hook and removes it.
// It is a shutdown-only step: each stage runs even if an earlier one failed,
// and failures are only logged.
func (g *Gateway) Teardown(ctx context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	ok := g.cleanupLocked(ctx)

	// Detach in reverse attach order.
	for i := len(Hooks) - 1; i >= 0; i-- {
		hook := Hooks[i]
		attached, err := g.backend.HookAttached(ctx, hook)
		if err != nil {
			g.logger.Warn("failed to query chain jump during teardown", "hook", hook, "error", err)
			ok = false
			continue
		}
		if !attached {
			continue
		}
		if err := g.backend.DetachHook(ctx, hook); err != nil {
			g.logger.Warn("failed to detach chain", "hook", hook, "error", err)
			ok = false
		}
	}

	exists, err := g.backend.ChainExists(ctx)
	if err != nil {
		g.logger.Warn("failed to query chain during teardown", "error", err)
		ok = false
	} else if exists {
		if err := g.backend.DeleteChain(ctx); err != nil {
			g.logger.Warn("failed to delete chain", "error", err)
			ok = false
		}
	}

	g.metrics.RecordFirewallOp("teardown", ok)
	return ok
}
