//go:build linux
// +build linux

package firewall

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"
)

const (
	userDataDrop = "privacyd:drop"
	userDataJump = "privacyd:jump"
)

// NFTablesConn abstracts the nftables.Conn operations the backend needs.
// *nftables.Conn satisfies it directly.
type NFTablesConn interface {
	AddTable(t *nftables.Table) *nftables.Table
	DelTable(t *nftables.Table)
	ListChainsOfTableFamily(family nftables.TableFamily) ([]*nftables.Chain, error)
	AddChain(c *nftables.Chain) *nftables.Chain
	DelChain(c *nftables.Chain)
	FlushChain(c *nftables.Chain)
	GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error)
	AddRule(r *nftables.Rule) *nftables.Rule
	InsertRule(r *nftables.Rule) *nftables.Rule
	DelRule(r *nftables.Rule) error
	Flush() error
}

// NFTablesBackend implements Backend over netlink. The dedicated chain is a
// regular chain inside an inet table owned by privacyd; each Hook maps to a
// base chain in the same table holding a single jump.
type NFTablesBackend struct {
	conn  NFTablesConn
	table *nftables.Table
	chain string
}

// NewNFTablesBackend opens a netlink connection and returns a backend.
func NewNFTablesBackend(tableName, chain string) (*NFTablesBackend, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("failed to open nftables connection: %w", err)
	}
	return NewNFTablesBackendWithConn(conn, tableName, chain), nil
}

// NewNFTablesBackendWithConn builds a backend over an existing connection.
func NewNFTablesBackendWithConn(conn NFTablesConn, tableName, chain string) *NFTablesBackend {
	return &NFTablesBackend{
		conn:  conn,
		table: &nftables.Table{Name: tableName, Family: nftables.TableFamilyINet},
		chain: chain,
	}
}

func (b *NFTablesBackend) Name() string { return "nftables" }

func (b *NFTablesBackend) findChain(name string) (*nftables.Chain, error) {
	chains, err := b.conn.ListChainsOfTableFamily(nftables.TableFamilyINet)
	if err != nil {
		return nil, fmt.Errorf("failed to list chains: %w", err)
	}
	for _, c := range chains {
		if c.Table != nil && c.Table.Name == b.table.Name && c.Name == name {
			return c, nil
		}
	}
	return nil, nil
}

func (b *NFTablesBackend) dedicated() *nftables.Chain {
	return &nftables.Chain{Name: b.chain, Table: b.table}
}

func hookChainName(h Hook) string {
	return strings.ToLower(string(h))
}

func (b *NFTablesBackend) ChainExists(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c, err := b.findChain(b.chain)
	return c != nil, err
}

func (b *NFTablesBackend) CreateChain(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.conn.AddTable(b.table)
	b.conn.AddChain(b.dedicated())
	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("failed to create chain %s: %w", b.chain, err)
	}
	return nil
}

// DeleteChain removes the dedicated chain, and the table once nothing else
// lives in it.
func (b *NFTablesBackend) DeleteChain(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chains, err := b.conn.ListChainsOfTableFamily(nftables.TableFamilyINet)
	if err != nil {
		return fmt.Errorf("failed to list chains: %w", err)
	}
	others := 0
	for _, c := range chains {
		if c.Table != nil && c.Table.Name == b.table.Name && c.Name != b.chain {
			others++
		}
	}
	if others == 0 {
		b.conn.DelTable(b.table)
	} else {
		b.conn.DelChain(b.dedicated())
	}
	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("failed to delete chain %s: %w", b.chain, err)
	}
	return nil
}

func (b *NFTablesBackend) FlushChain(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.conn.FlushChain(b.dedicated())
	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("failed to flush chain %s: %w", b.chain, err)
	}
	return nil
}

func (b *NFTablesBackend) jumpRules(base *nftables.Chain) ([]*nftables.Rule, error) {
	rules, err := b.conn.GetRules(b.table, base)
	if err != nil {
		return nil, fmt.Errorf("failed to get rules of %s: %w", base.Name, err)
	}
	var jumps []*nftables.Rule
	for _, r := range rules {
		for _, e := range r.Exprs {
			if v, ok := e.(*expr.Verdict); ok && v.Kind == expr.VerdictJump && v.Chain == b.chain {
				jumps = append(jumps, r)
				break
			}
		}
	}
	return jumps, nil
}

func (b *NFTablesBackend) HookAttached(ctx context.Context, hook Hook) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	base, err := b.findChain(hookChainName(hook))
	if err != nil || base == nil {
		return false, err
	}
	jumps, err := b.jumpRules(base)
	if err != nil {
		return false, err
	}
	return len(jumps) > 0, nil
}

func (b *NFTablesBackend) AttachHook(ctx context.Context, hook Hook) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	hooknum := nftables.ChainHookForward
	if hook == HookOutput {
		hooknum = nftables.ChainHookOutput
	}
	policy := nftables.ChainPolicyAccept
	base := b.conn.AddChain(&nftables.Chain{
		Name:     hookChainName(hook),
		Table:    b.table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  hooknum,
		Priority: nftables.ChainPriorityFilter,
		Policy:   &policy,
	})
	b.conn.InsertRule(&nftables.Rule{
		Table:    b.table,
		Chain:    base,
		Exprs:    []expr.Any{&expr.Verdict{Kind: expr.VerdictJump, Chain: b.chain}},
		UserData: []byte(userDataJump),
	})
	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("failed to attach %s to %s: %w", b.chain, hook, err)
	}
	return nil
}

func (b *NFTablesBackend) DetachHook(ctx context.Context, hook Hook) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	base, err := b.findChain(hookChainName(hook))
	if err != nil {
		return err
	}
	if base == nil {
		return nil
	}
	jumps, err := b.jumpRules(base)
	if err != nil {
		return err
	}
	for _, r := range jumps {
		if err := b.conn.DelRule(r); err != nil {
			return fmt.Errorf("failed to delete jump from %s: %w", hook, err)
		}
	}
	b.conn.DelChain(base)
	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("failed to detach %s from %s: %w", b.chain, hook, err)
	}
	return nil
}

func (b *NFTablesBackend) dropRules(ip net.IP) ([]*nftables.Rule, error) {
	rules, err := b.conn.GetRules(b.table, b.dedicated())
	if err != nil {
		return nil, fmt.Errorf("failed to get rules of %s: %w", b.chain, err)
	}
	var matches []*nftables.Rule
	for _, r := range rules {
		dst, ok := dropDestination(r)
		if ok && (ip == nil || dst.Equal(ip)) {
			matches = append(matches, r)
		}
	}
	return matches, nil
}

func (b *NFTablesBackend) DropExists(ctx context.Context, ip string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	addr := net.ParseIP(ip)
	if addr == nil {
		return false, fmt.Errorf("invalid ip address %q", ip)
	}
	matches, err := b.dropRules(addr)
	if err != nil {
		return false, err
	}
	return len(matches) > 0, nil
}

func (b *NFTablesBackend) AppendDrop(ctx context.Context, ip string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	exprs, err := dropExprs(ip)
	if err != nil {
		return err
	}
	b.conn.AddRule(&nftables.Rule{
		Table:    b.table,
		Chain:    b.dedicated(),
		Exprs:    exprs,
		UserData: []byte(userDataDrop),
	})
	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("failed to add drop for %s: %w", ip, err)
	}
	return nil
}

// DeleteDrop removes one matching entry, mirroring `iptables -D`.
func (b *NFTablesBackend) DeleteDrop(ctx context.Context, ip string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	addr := net.ParseIP(ip)
	if addr == nil {
		return fmt.Errorf("invalid ip address %q", ip)
	}
	matches, err := b.dropRules(addr)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return fmt.Errorf("%s: %w", ip, ErrRuleNotFound)
	}
	if err := b.conn.DelRule(matches[0]); err != nil {
		return fmt.Errorf("failed to delete drop for %s: %w", ip, err)
	}
	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("failed to delete drop for %s: %w", ip, err)
	}
	return nil
}

func (b *NFTablesBackend) ListDrops(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	matches, err := b.dropRules(nil)
	if err != nil {
		return nil, err
	}
	ips := make([]string, 0, len(matches))
	for _, r := range matches {
		dst, _ := dropDestination(r)
		ips = append(ips, dst.String())
	}
	return ips, nil
}

// dropExprs builds "meta nfproto ipvX ip[6] daddr <ip> drop".
func dropExprs(ip string) ([]expr.Any, error) {
	addr := net.ParseIP(ip)
	if addr == nil {
		return nil, fmt.Errorf("invalid ip address %q", ip)
	}

	proto := byte(unix.NFPROTO_IPV6)
	offset, length := uint32(24), uint32(16)
	data := []byte(addr.To16())
	if v4 := addr.To4(); v4 != nil {
		proto = unix.NFPROTO_IPV4
		offset, length = 16, 4
		data = []byte(v4)
	}

	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{proto}},
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseNetworkHeader,
			Offset:       offset,
			Len:          length,
		},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: data},
		&expr.Verdict{Kind: expr.VerdictDrop},
	}, nil
}

// dropDestination recognises rules built by dropExprs and returns their
// destination address.
func dropDestination(r *nftables.Rule) (net.IP, bool) {
	var dst net.IP
	var drop, sawDaddr bool

	for _, e := range r.Exprs {
		switch v := e.(type) {
		case *expr.Payload:
			sawDaddr = v.Base == expr.PayloadBaseNetworkHeader &&
				((v.Offset == 16 && v.Len == 4) || (v.Offset == 24 && v.Len == 16))
		case *expr.Cmp:
			if sawDaddr && v.Op == expr.CmpOpEq {
				dst = net.IP(bytes.Clone(v.Data))
				sawDaddr = false
			}
		case *expr.Verdict:
			drop = v.Kind == expr.VerdictDrop
		}
	}
	if dst == nil || !drop {
		return nil, false
	}
	return dst, true
}
