package firewall

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// fakeIPTables emulates the subset of iptables the backend issues, keeping
// chain, jump and drop state in memory.
type fakeIPTables struct {
	mu       sync.Mutex
	chain    string
	exists   bool
	hooks    map[string]int
	drops    []string
	calls    []string
	failOn   map[string]bool // command prefix -> exit 1
	sticky   bool            // -D of a drop succeeds but removes nothing
	timeouts map[string]bool // command prefix -> ErrCommandTimeout
}

func newFakeIPTables(chain string) *fakeIPTables {
	return &fakeIPTables{
		chain:    chain,
		hooks:    map[string]int{},
		failOn:   map[string]bool{},
		timeouts: map[string]bool{},
	}
}

func (f *fakeIPTables) count(ip string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, d := range f.drops {
		if d == ip {
			n++
		}
	}
	return n
}

func (f *fakeIPTables) matches(line string, set map[string]bool) bool {
	for prefix := range set {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

func (f *fakeIPTables) Exec(ctx context.Context, name string, args ...string) (CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	line := strings.Join(args, " ")
	f.calls = append(f.calls, line)

	if f.matches(line, f.timeouts) {
		return CommandResult{}, fmt.Errorf("%s: %w", FormatCommand(name, args...), ErrCommandTimeout)
	}
	if f.matches(line, f.failOn) {
		return CommandResult{ExitCode: 1, Stderr: "iptables: simulated failure."}, nil
	}

	fail := CommandResult{ExitCode: 1, Stderr: "iptables: Bad rule (does a matching rule exist in that chain?)."}
	isHook := len(args) > 1 && (args[1] == string(HookForward) || args[1] == string(HookOutput))

	switch args[0] {
	case "-L":
		if !f.exists {
			return CommandResult{ExitCode: 1, Stderr: "iptables: No chain/target/match by that name."}, nil
		}
		return CommandResult{Stdout: f.listing()}, nil
	case "-N":
		if f.exists {
			return CommandResult{ExitCode: 1, Stderr: "iptables: Chain already exists."}, nil
		}
		f.exists = true
	case "-X":
		if !f.exists || len(f.drops) > 0 || f.hooks[string(HookForward)]+f.hooks[string(HookOutput)] > 0 {
			return fail, nil
		}
		f.exists = false
	case "-F":
		if !f.exists {
			return fail, nil
		}
		f.drops = nil
	case "-C":
		if isHook {
			if f.hooks[args[1]] == 0 {
				return fail, nil
			}
			return CommandResult{}, nil
		}
		if !f.exists || !f.hasDrop(args[3]) {
			return fail, nil
		}
	case "-I":
		if !f.exists {
			return fail, nil
		}
		f.hooks[args[1]]++
	case "-A":
		if !f.exists {
			return fail, nil
		}
		f.drops = append(f.drops, args[3])
	case "-D":
		if isHook {
			if f.hooks[args[1]] == 0 {
				return fail, nil
			}
			f.hooks[args[1]]--
			return CommandResult{}, nil
		}
		if !f.hasDrop(args[3]) {
			return fail, nil
		}
		if !f.sticky {
			f.removeDrop(args[3])
		}
	default:
		return CommandResult{ExitCode: 2, Stderr: "unknown option"}, nil
	}
	return CommandResult{}, nil
}

func (f *fakeIPTables) hasDrop(ip string) bool {
	for _, d := range f.drops {
		if d == ip {
			return true
		}
	}
	return false
}

func (f *fakeIPTables) removeDrop(ip string) {
	for i, d := range f.drops {
		if d == ip {
			f.drops = append(f.drops[:i], f.drops[i+1:]...)
			return
		}
	}
}

func (f *fakeIPTables) listing() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Chain %s (2 references)\n", f.chain)
	b.WriteString("num  target     prot opt source               destination\n")
	for i, d := range f.drops {
		fmt.Fprintf(&b, "%-4d DROP       all  --  0.0.0.0/0            %s\n", i+1, d)
	}
	return b.String()
}
