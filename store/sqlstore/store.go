package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/store"
)

//go:embed migrations
var migrationsFS embed.FS

// Compile-time interface checks.
var (
	_ store.Gateway = (*Gateway)(nil)
	_ store.Tx      = (*tx)(nil)
)

// Gateway is a database/sql implementation of store.Gateway.
type Gateway struct {
	db      *sql.DB
	dialect *Dialect
	logger  *slog.Logger
	ownsDB  bool
}

// Option configures the Gateway.
type Option func(*Gateway)

// WithLogger sets the logger for the gateway.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// New wraps an existing database handle. The caller owns db; Close does
// not close it.
func New(db *sql.DB, d *Dialect, opts ...Option) *Gateway {
	g := &Gateway{
		db:      db,
		dialect: d,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Open connects to dsn with the dialect's driver and verifies the
// connection. The returned Gateway owns the handle.
func Open(ctx context.Context, d *Dialect, dsn string, opts ...Option) (*Gateway, error) {
	db, err := sql.Open(d.Driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "beacon/sqlstore: open %s", d.Name)
	}
	if d.singleConn {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "beacon/sqlstore: connect %s", d.Name)
	}
	g := New(db, d, opts...)
	g.ownsDB = true
	return g, nil
}

// DB returns the underlying handle for advanced usage.
func (g *Gateway) DB() *sql.DB { return g.db }

// Dialect returns the gateway's dialect.
func (g *Gateway) Dialect() *Dialect { return g.dialect }

// ──────────────────────────────────────────────────
// Transactions
// ──────────────────────────────────────────────────

// InTx runs fn in a read-write transaction, committing when it returns
// nil. Commit failures are marked retryable: the transaction had no
// effect.
func (g *Gateway) InTx(ctx context.Context, fn store.TxFunc) error {
	sqlTx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return g.dialect.classify(errors.Wrap(err, "beacon/sqlstore: begin"))
	}
	if err := fn(ctx, &tx{tx: sqlTx, d: g.dialect}); err != nil {
		return rollback(sqlTx, err)
	}
	if err := sqlTx.Commit(); err != nil {
		return beacon.MarkTransient(errors.Wrap(err, "beacon/sqlstore: commit"))
	}
	return nil
}

// View runs fn in a transaction that is always rolled back. Writes are
// refused with beacon.ErrReadOnly before reaching the database.
func (g *Gateway) View(ctx context.Context, fn store.TxFunc) error {
	sqlTx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return g.dialect.classify(errors.Wrap(err, "beacon/sqlstore: begin"))
	}
	err = fn(ctx, &tx{tx: sqlTx, d: g.dialect, readOnly: true})
	return rollback(sqlTx, err)
}

func rollback(sqlTx *sql.Tx, cause error) error {
	if err := sqlTx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		if cause == nil {
			return errors.Wrap(err, "beacon/sqlstore: rollback")
		}
		return errors.WithSecondaryError(cause, err)
	}
	return cause
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate applies the embedded migrations of the gateway's dialect in
// file name order, recording each in beacon_migrations.
func (g *Gateway) Migrate(ctx context.Context) error {
	_, err := g.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS beacon_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at BIGINT NOT NULL
		)`)
	if err != nil {
		return migrationFailed(err, "create migrations table")
	}

	dir := "migrations/" + g.dialect.Name
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return migrationFailed(err, "read migrations")
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		var applied int
		err := g.db.QueryRowContext(ctx,
			g.dialect.Rebind(`SELECT COUNT(*) FROM beacon_migrations WHERE filename = ?`), name,
		).Scan(&applied)
		if err != nil {
			return migrationFailed(err, "check "+name)
		}
		if applied > 0 {
			continue
		}

		body, err := fs.ReadFile(migrationsFS, dir+"/"+name)
		if err != nil {
			return migrationFailed(err, "read "+name)
		}
		err = g.InTx(ctx, func(ctx context.Context, t store.Tx) error {
			raw := t.(*tx).tx
			if _, err := raw.ExecContext(ctx, string(body)); err != nil {
				return err
			}
			_, err := raw.ExecContext(ctx,
				g.dialect.Rebind(`INSERT INTO beacon_migrations (filename, applied_at) VALUES (?, ?)`),
				name, time.Now().UnixMilli(),
			)
			return err
		})
		if err != nil {
			return migrationFailed(err, "apply "+name)
		}
		g.logger.Info("applied migration", slog.String("file", name), slog.String("dialect", g.dialect.Name))
	}
	return nil
}

func migrationFailed(err error, step string) error {
	return errors.Mark(errors.Wrapf(err, "beacon/sqlstore: %s", step), beacon.ErrMigrationFailed)
}

// Ping checks database connectivity.
func (g *Gateway) Ping(ctx context.Context) error {
	return g.db.PingContext(ctx)
}

// Close closes the handle when the gateway opened it.
func (g *Gateway) Close() error {
	if !g.ownsDB {
		return nil
	}
	return g.db.Close()
}

// ──────────────────────────────────────────────────
// Statement helpers
// ──────────────────────────────────────────────────

// tx is the store.Tx handed to callbacks.
type tx struct {
	tx       *sql.Tx
	d        *Dialect
	readOnly bool
}

func (t *tx) writable() error {
	if t.readOnly {
		return beacon.ErrReadOnly
	}
	return nil
}

// exec runs a write and returns the number of affected rows.
func (t *tx) exec(ctx context.Context, op, query string, args ...any) (int, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	res, err := t.tx.ExecContext(ctx, t.d.Rebind(query), args...)
	if err != nil {
		return 0, t.fail(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, t.fail(op, err)
	}
	return int(n), nil
}

// insert runs an INSERT, reporting a key collision as
// beacon.ErrObjectAlreadyExists.
func (t *tx) insert(ctx context.Context, op, what, query string, args ...any) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, t.d.Rebind(query), args...)
	if err != nil && t.d.isDuplicate(err) {
		return errors.Wrapf(beacon.ErrObjectAlreadyExists, "%s", what)
	}
	if err != nil {
		return t.fail(op, err)
	}
	return nil
}

func (t *tx) query(ctx context.Context, op, query string, args ...any) (*sql.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, t.d.Rebind(query), args...)
	if err != nil {
		return nil, t.fail(op, err)
	}
	return rows, nil
}

func (t *tx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.d.Rebind(query), args...)
}

// count runs a single-integer query.
func (t *tx) count(ctx context.Context, op, query string, args ...any) (int, error) {
	var n int
	if err := t.queryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, t.fail(op, err)
	}
	return n, nil
}

// exists runs a COUNT query and reports whether it is positive.
func (t *tx) exists(ctx context.Context, op, query string, args ...any) (bool, error) {
	n, err := t.count(ctx, op, query, args...)
	return n > 0, err
}

// texts collects a single text column.
func (t *tx) texts(ctx context.Context, op, query string, args ...any) ([]string, error) {
	rows, err := t.query(ctx, op, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, t.fail(op, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, t.fail(op, err)
	}
	return out, nil
}

func (t *tx) fail(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return t.d.classify(errors.Wrapf(err, "beacon/sqlstore: %s", op))
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// ──────────────────────────────────────────────────
// Column conversions
// ──────────────────────────────────────────────────

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

// placeholders returns "?, ?, ..." for n values.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
