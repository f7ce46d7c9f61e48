// Package memory provides a fully in-memory implementation of
// store.Gateway. Safe for concurrent access. Intended for unit testing and
// development.
//
// Transactions are copy-on-write: InTx clones the maps, runs the callback
// against the clone under the write lock and swaps the clone in only on
// success, so a failed callback leaves no trace.
package memory

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/calendar"
	"github.com/xraph/beacon/cluster"
	"github.com/xraph/beacon/job"
	"github.com/xraph/beacon/ledger"
	"github.com/xraph/beacon/store"
	"github.com/xraph/beacon/trigger"
)

// Compile-time interface checks.
var (
	_ store.Gateway = (*Gateway)(nil)
	_ store.Tx      = (*tx)(nil)
)

type triggerRow struct {
	t     *trigger.Trigger
	state trigger.State
}

// data is one immutable snapshot. Writers replace map values, never mutate
// them, so a shallow map copy is a full snapshot.
type data struct {
	jobs             map[job.Key]*job.Job
	jobListeners     map[job.Key][]string
	triggers         map[trigger.Key]triggerRow
	triggerListeners map[trigger.Key][]string
	pausedGroups     map[string]struct{}
	calendars        map[string]*calendar.Calendar
	fired            map[string]*ledger.FiredRecord // key: entry id
	states           map[string]*cluster.SchedulerState
}

func newData() *data {
	return &data{
		jobs:             make(map[job.Key]*job.Job),
		jobListeners:     make(map[job.Key][]string),
		triggers:         make(map[trigger.Key]triggerRow),
		triggerListeners: make(map[trigger.Key][]string),
		pausedGroups:     make(map[string]struct{}),
		calendars:        make(map[string]*calendar.Calendar),
		fired:            make(map[string]*ledger.FiredRecord),
		states:           make(map[string]*cluster.SchedulerState),
	}
}

func (d *data) clone() *data {
	return &data{
		jobs:             copyMap(d.jobs),
		jobListeners:     copyMap(d.jobListeners),
		triggers:         copyMap(d.triggers),
		triggerListeners: copyMap(d.triggerListeners),
		pausedGroups:     copyMap(d.pausedGroups),
		calendars:        copyMap(d.calendars),
		fired:            copyMap(d.fired),
		states:           copyMap(d.states),
	}
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Gateway is an in-memory store.Gateway.
type Gateway struct {
	mu        sync.RWMutex
	data      *data
	closed    bool
	commitErr error
}

// New returns a new empty Gateway.
func New() *Gateway {
	return &Gateway{data: newData()}
}

// ──────────────────────────────────────────────────
// Transactions
// ──────────────────────────────────────────────────

// InTx runs fn against a private copy of the data and publishes the copy
// when fn succeeds.
func (g *Gateway) InTx(ctx context.Context, fn store.TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return beacon.ErrStoreClosed
	}

	work := g.data.clone()
	if err := fn(ctx, &tx{d: work}); err != nil {
		return err
	}
	if g.commitErr != nil {
		err := g.commitErr
		g.commitErr = nil
		return beacon.MarkTransient(errors.Wrap(err, "beacon/memory: commit"))
	}
	g.data = work
	return nil
}

// View runs fn against the current snapshot.
func (g *Gateway) View(ctx context.Context, fn store.TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.closed {
		return beacon.ErrStoreClosed
	}
	return fn(ctx, &tx{d: g.data, readOnly: true})
}

// InjectCommitFailure makes the next InTx fail at commit with err after
// its callback succeeded. Tests use it to exercise rollback paths.
func (g *Gateway) InjectCommitFailure(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commitErr = err
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (g *Gateway) Migrate(_ context.Context) error { return nil }

// Ping reports beacon.ErrStoreClosed after Close.
func (g *Gateway) Ping(_ context.Context) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return beacon.ErrStoreClosed
	}
	return nil
}

// Close marks the gateway closed.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

// tx is the Tx handed to callbacks.
type tx struct {
	d        *data
	readOnly bool
}

func (t *tx) writable() error {
	if t.readOnly {
		return beacon.ErrReadOnly
	}
	return nil
}

func hasState(s trigger.State, states []trigger.State) bool {
	for _, st := range states {
		if s == st {
			return true
		}
	}
	return false
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	out := make([]string, 0, len(list)+1)
	out = append(out, list...)
	return append(out, v)
}
