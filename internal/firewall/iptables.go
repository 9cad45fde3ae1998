package firewall

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"grimm.is/privacyd/internal/logging"
)

// DefaultCommandTimeout bounds every packet-filter command.
const DefaultCommandTimeout = 5 * time.Second

// ErrFamilyMismatch is returned when an address does not match the family
// of the configured binary. IPv6 cameras need ip6tables or the nftables
// backend, whose inet table covers both families.
var ErrFamilyMismatch = errors.New("address family not handled by this backend")

// IPTablesBackend drives the iptables CLI through a CommandRunner.
type IPTablesBackend struct {
	binary  string
	chain   string
	timeout time.Duration
	runner  CommandRunner
	logger  *logging.Logger
}

// NewIPTablesBackend creates a backend managing chain with the given binary
// (iptables or ip6tables).
func NewIPTablesBackend(binary, chain string, timeout time.Duration, logger *logging.Logger) *IPTablesBackend {
	if binary == "" {
		binary = "iptables"
	}
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	if logger == nil {
		logger = logging.WithComponent("gateway")
	}
	return &IPTablesBackend{
		binary:  binary,
		chain:   chain,
		timeout: timeout,
		runner:  DefaultCommandRunner,
		logger:  logger,
	}
}

// SetRunner sets the command runner for testing.
func (b *IPTablesBackend) SetRunner(runner CommandRunner) {
	b.runner = runner
}

func (b *IPTablesBackend) Name() string { return b.binary }

// exec runs one command under the backend's timeout.
func (b *IPTablesBackend) exec(ctx context.Context, args ...string) (CommandResult, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	res, err := b.runner.Exec(ctx, b.binary, args...)
	if err != nil {
		b.logger.Error("packet filter command did not complete",
			"cmd", FormatCommand(b.binary, args...), "error", err)
	}
	return res, err
}

// check runs an existence query; a non-zero exit means "absent".
func (b *IPTablesBackend) check(ctx context.Context, args ...string) (bool, error) {
	res, err := b.exec(ctx, args...)
	if err != nil {
		return false, err
	}
	return res.OK(), nil
}

// mutate runs a state-changing command; a non-zero exit is an error.
func (b *IPTablesBackend) mutate(ctx context.Context, args ...string) error {
	res, err := b.exec(ctx, args...)
	if err != nil {
		return err
	}
	if !res.OK() {
		cmd := FormatCommand(b.binary, args...)
		b.logger.Error("packet filter command failed",
			"cmd", cmd, "exit", res.ExitCode, "stdout", res.Stdout, "stderr", res.Stderr)
		return fmt.Errorf("%s: exit status %d: %s", cmd, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (b *IPTablesBackend) ChainExists(ctx context.Context) (bool, error) {
	return b.check(ctx, "-L", b.chain, "-n")
}

func (b *IPTablesBackend) CreateChain(ctx context.Context) error {
	return b.mutate(ctx, "-N", b.chain)
}

func (b *IPTablesBackend) DeleteChain(ctx context.Context) error {
	return b.mutate(ctx, "-X", b.chain)
}

func (b *IPTablesBackend) FlushChain(ctx context.Context) error {
	return b.mutate(ctx, "-F", b.chain)
}

func (b *IPTablesBackend) HookAttached(ctx context.Context, hook Hook) (bool, error) {
	return b.check(ctx, "-C", string(hook), "-j", b.chain)
}

// AttachHook inserts the jump at the head of the built-in chain so that
// privacy drops win over any accept further down.
func (b *IPTablesBackend) AttachHook(ctx context.Context, hook Hook) error {
	return b.mutate(ctx, "-I", string(hook), "1", "-j", b.chain)
}

func (b *IPTablesBackend) DetachHook(ctx context.Context, hook Hook) error {
	return b.mutate(ctx, "-D", string(hook), "-j", b.chain)
}

// handles reports whether ip belongs to the binary's family: ip6tables takes
// IPv6 destinations, any other binary IPv4 ones.
func (b *IPTablesBackend) handles(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	v4 := parsed.To4() != nil
	if strings.HasPrefix(filepath.Base(b.binary), "ip6tables") {
		return !v4
	}
	return v4
}

// DropExists reports an address of the other family as absent, since this
// binary can never have installed a drop for it.
func (b *IPTablesBackend) DropExists(ctx context.Context, ip string) (bool, error) {
	if !b.handles(ip) {
		return false, nil
	}
	return b.check(ctx, "-C", b.chain, "-d", ip, "-j", "DROP")
}

func (b *IPTablesBackend) AppendDrop(ctx context.Context, ip string) error {
	if !b.handles(ip) {
		return fmt.Errorf("%s cannot drop %s (use backend \"nftables\"): %w", b.binary, ip, ErrFamilyMismatch)
	}
	return b.mutate(ctx, "-A", b.chain, "-d", ip, "-j", "DROP")
}

func (b *IPTablesBackend) DeleteDrop(ctx context.Context, ip string) error {
	if !b.handles(ip) {
		return ErrRuleNotFound
	}
	return b.mutate(ctx, "-D", b.chain, "-d", ip, "-j", "DROP")
}

// ListDrops returns the destination of every DROP entry in the chain.
func (b *IPTablesBackend) ListDrops(ctx context.Context) ([]string, error) {
	res, err := b.exec(ctx, "-L", b.chain, "-n", "--line-numbers")
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, fmt.Errorf("list %s: exit status %d: %s", b.chain, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return parseDropListing(res.Stdout), nil
}

// parseDropListing extracts DROP destinations from `iptables -L -n
// --line-numbers` output. Column positions are taken from the header line
// because newer iptables releases dropped the "opt" column.
func parseDropListing(out string) []string {
	targetCol, destCol := -1, -1
	var ips []string

	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "num" {
			for i, f := range fields {
				switch f {
				case "target":
					targetCol = i
				case "destination":
					destCol = i
				}
			}
			continue
		}
		if targetCol < 0 || destCol < 0 || len(fields) <= destCol || len(fields) <= targetCol {
			continue
		}
		if fields[targetCol] != "DROP" {
			continue
		}
		dest := strings.TrimSuffix(fields[destCol], "/32")
		dest = strings.TrimSuffix(dest, "/128")
		if dest == "0.0.0.0/0" || dest == "::/0" {
			continue
		}
		ips = append(ips, dest)
	}
	return ips
}
