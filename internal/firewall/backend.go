package firewall

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Hook is a host decision point the dedicated chain is attached to.
type Hook string

const (
	HookForward Hook = "FORWARD"
	HookOutput  Hook = "OUTPUT"
)

// Hooks lists the decision points in attach order.
var Hooks = []Hook{HookForward, HookOutput}

var (
	// ErrEmptyIP is returned for block/unblock calls without a destination.
	ErrEmptyIP = errors.New("empty ip address")
	// ErrRuleNotFound is returned when deleting a drop entry that is absent.
	ErrRuleNotFound = errors.New("drop rule not found")
)

// Backend is the set of primitive packet-filter operations the Gateway
// composes. Existence queries return (false, nil) when the object is simply
// absent and a non-nil error only when the query itself failed.
type Backend interface {
	Name() string

	ChainExists(ctx context.Context) (bool, error)
	CreateChain(ctx context.Context) error
	DeleteChain(ctx context.Context) error
	FlushChain(ctx context.Context) error

	HookAttached(ctx context.Context, hook Hook) (bool, error)
	AttachHook(ctx context.Context, hook Hook) error
	DetachHook(ctx context.Context, hook Hook) error

	DropExists(ctx context.Context, ip string) (bool, error)
	AppendDrop(ctx context.Context, ip string) error
	DeleteDrop(ctx context.Context, ip string) error
	ListDrops(ctx context.Context) ([]string, error)
}

// normalizeIP validates a destination and returns its canonical form.
func normalizeIP(ip string) (string, error) {
	if ip == "" {
		return "", ErrEmptyIP
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", fmt.Errorf("invalid ip address %q", ip)
	}
	return parsed.String(), nil
}
