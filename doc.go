// Package beacon is the persistence-backed coordination core of a clustered
// job scheduler. It owns the trigger/job state machine, misfire detection,
// the fired-trigger ledger and cluster heartbeat/recovery, all expressed as
// transactions against a pluggable persistence gateway.
//
// Beacon is designed as a library. Pick a store backend, hand it to the
// engine, and let the engine run the heartbeat, misfire and acquisition loops.
//
// # Quick Start
//
//	gw, err := sqlstore.Open(ctx, sqlstore.SQLite, "file:beacon.db")
//	err = gw.Migrate(ctx)
//
//	eng, err := engine.New(gw, engine.WithConfig(beacon.DefaultConfig()))
//	engine.Register(eng, job.NewDefinition("report", runReport))
//
//	err = eng.Start(ctx)
//	defer eng.Stop(ctx)
//
// # Architecture
//
// Each subsystem (job, trigger, calendar, ledger, cluster) defines its own
// store interface. A backend implements all of them behind a single
// transactional [store.Gateway]; every mutating core operation runs inside
// exactly one gateway transaction.
//
// Cluster safety never depends on in-memory locks. Instances coordinate only
// through conditional, predicate-scoped updates against the shared store.
package beacon
