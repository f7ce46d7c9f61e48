package machine

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/ext"
	"github.com/xraph/beacon/job"
	"github.com/xraph/beacon/ledger"
	"github.com/xraph/beacon/store"
	"github.com/xraph/beacon/trigger"
)

// Option configures a Machine.
type Option func(*Machine)

// WithMisfireThreshold sets the threshold used when resumed triggers are
// checked for misfires.
func WithMisfireThreshold(d time.Duration) Option {
	return func(m *Machine) { m.misfireThreshold = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithExtensions sets the registry notified after commits.
func WithExtensions(r *ext.Registry) Option {
	return func(m *Machine) { m.extensions = r }
}

// WithClock overrides the time source used by operations that take no
// explicit time.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// Machine runs lifecycle operations for one scheduler instance.
type Machine struct {
	gw               store.Gateway
	ledger           *ledger.Ledger
	misfireThreshold time.Duration
	logger           *slog.Logger
	extensions       *ext.Registry
	now              func() time.Time
}

// New returns a Machine acting as instanceID.
func New(gw store.Gateway, instanceID string, opts ...Option) *Machine {
	m := &Machine{
		gw:               gw,
		ledger:           ledger.New(instanceID),
		misfireThreshold: beacon.DefaultConfig().MisfireThreshold,
		logger:           slog.Default(),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.extensions == nil {
		m.extensions = ext.NewRegistry(m.logger)
	}
	return m
}

// InstanceID returns the instance the machine acts as.
func (m *Machine) InstanceID() string { return m.ledger.InstanceID() }

// Gateway returns the underlying gateway.
func (m *Machine) Gateway() store.Gateway { return m.gw }

func (m *Machine) clock() time.Time {
	return m.now().UTC().Truncate(time.Millisecond)
}

// applyMoves runs one conditional update per target state of ev and
// returns the total rows changed.
func applyMoves(ev trigger.Event, update func(to trigger.State, from ...trigger.State) (int, error)) (int, error) {
	total := 0
	for _, mv := range trigger.Moves(ev) {
		n, err := update(mv.To, mv.From...)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// isJobBlocked reports whether jobKey is stateful and already executing.
func isJobBlocked(ctx context.Context, tx store.Tx, jobKey job.Key) (bool, error) {
	stateful, err := tx.IsJobStateful(ctx, jobKey)
	if errors.Is(err, beacon.ErrJobNotFound) {
		return false, nil
	}
	if err != nil || !stateful {
		return false, err
	}
	n, err := tx.SelectJobExecutionCount(ctx, jobKey)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// blockSiblings moves the other triggers of a stateful job out of the
// acquirable states.
func blockSiblings(ctx context.Context, tx store.Tx, jobKey job.Key) error {
	_, err := applyMoves(trigger.EventBlock, func(to trigger.State, from ...trigger.State) (int, error) {
		return tx.UpdateTriggerStatesForJobFromStates(ctx, jobKey, to, from...)
	})
	return err
}

// releaseSiblings reverses blockSiblings.
func releaseSiblings(ctx context.Context, tx store.Tx, jobKey job.Key) error {
	_, err := applyMoves(trigger.EventUnblock, func(to trigger.State, from ...trigger.State) (int, error) {
		return tx.UpdateTriggerStatesForJobFromStates(ctx, jobKey, to, from...)
	})
	return err
}
