package store

import (
	"context"

	"github.com/xraph/beacon/calendar"
	"github.com/xraph/beacon/cluster"
	"github.com/xraph/beacon/job"
	"github.com/xraph/beacon/ledger"
	"github.com/xraph/beacon/trigger"
)

// Tx is the set of operation families available inside one transaction.
// A single backend implements all of them.
type Tx interface {
	job.Store
	trigger.Store
	calendar.Store
	ledger.Store
	cluster.Store
}

// TxFunc is the body of a transaction.
type TxFunc func(ctx context.Context, tx Tx) error

// Gateway is the aggregate persistence interface.
type Gateway interface {
	// InTx runs fn in a read-write transaction. It commits when fn returns
	// nil and rolls back otherwise. Commit failures are retryable.
	InTx(ctx context.Context, fn TxFunc) error

	// View runs fn against a consistent read-only snapshot. Writes fail
	// with beacon.ErrReadOnly.
	View(ctx context.Context, fn TxFunc) error

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the gateway.
	Close() error
}
