package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"grimm.is/privacyd/internal/directory"
)

// memDirectory is an in-memory Directory.
type memDirectory struct {
	mu      sync.Mutex
	records map[string]directory.Record
	order   []string
	updates int
	deletes int

	fetchAllErr  error
	fetchKindErr error
	fetchErr     map[string]error // kind/id -> error
	updateErr    error
}

func newMemDirectory() *memDirectory {
	return &memDirectory{
		records:  map[string]directory.Record{},
		fetchErr: map[string]error{},
	}
}

func key(kind, id string) string { return kind + "/" + id }

func (d *memDirectory) put(kind, id string, value interface{}) {
	raw, err := json.Marshal(value)
	if err != nil {
		panic(err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	k := key(kind, id)
	if _, ok := d.records[k]; !ok {
		d.order = append(d.order, k)
	}
	d.records[k] = directory.Record{Kind: kind, ID: id, Value: raw}
}

func (d *memDirectory) device(kind, id string) map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[key(kind, id)]
	if !ok {
		return nil
	}
	var v map[string]interface{}
	if err := json.Unmarshal(rec.Value, &v); err != nil {
		panic(err)
	}
	return v
}

func (d *memDirectory) has(kind, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.records[key(kind, id)]
	return ok
}

func (d *memDirectory) FetchAll(ctx context.Context) ([]directory.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fetchAllErr != nil {
		return nil, d.fetchAllErr
	}
	out := make([]directory.Record, 0, len(d.order))
	for _, k := range d.order {
		if rec, ok := d.records[k]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (d *memDirectory) FetchKind(ctx context.Context, kind string) ([]directory.Record, error) {
	if d.fetchKindErr != nil {
		return nil, d.fetchKindErr
	}
	all, _ := d.FetchAll(ctx)
	var out []directory.Record
	for _, rec := range all {
		if rec.Kind == kind {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (d *memDirectory) Fetch(ctx context.Context, kind, id string) (directory.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fetchErr[key(kind, id)]; err != nil {
		return directory.Record{}, err
	}
	rec, ok := d.records[key(kind, id)]
	if !ok {
		return directory.Record{}, fmt.Errorf("%s: %w", key(kind, id), directory.ErrNotFound)
	}
	return rec, nil
}

func (d *memDirectory) Update(ctx context.Context, kind, id string, value interface{}) error {
	if d.updateErr != nil {
		return d.updateErr
	}
	d.put(kind, id, value)
	d.mu.Lock()
	d.updates++
	d.mu.Unlock()
	return nil
}

func (d *memDirectory) Delete(ctx context.Context, kind, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := key(kind, id)
	if _, ok := d.records[k]; !ok {
		return errors.New("status 404")
	}
	delete(d.records, k)
	d.deletes++
	return nil
}

// fakeGateway records enforcement calls against an in-memory block set.
type fakeGateway struct {
	mu          sync.Mutex
	blocked     map[string]bool
	calls       []string
	failBlock   bool
	failUnblock bool
}

func newFakeGateway(blocked ...string) *fakeGateway {
	g := &fakeGateway{blocked: map[string]bool{}}
	for _, ip := range blocked {
		g.blocked[ip] = true
	}
	return g
}

func (g *fakeGateway) Block(ctx context.Context, ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "block "+ip)
	if g.failBlock {
		return false
	}
	g.blocked[ip] = true
	return true
}

func (g *fakeGateway) Unblock(ctx context.Context, ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "unblock "+ip)
	if g.failUnblock {
		return false
	}
	delete(g.blocked, ip)
	return true
}

func (g *fakeGateway) isBlocked(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blocked[ip]
}

func (g *fakeGateway) callLog() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func (g *fakeGateway) blockedList() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for ip := range g.blocked {
		out = append(out, ip)
	}
	sort.Strings(out)
	return out
}
