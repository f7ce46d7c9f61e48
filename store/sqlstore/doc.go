// Package sqlstore implements store.Gateway on database/sql.
//
// One implementation serves every supported database; a Dialect supplies
// the driver name, placeholder style, row locking and error
// classification. Two dialects ship:
//
//   - Postgres, through the pgx stdlib driver. LockJob takes a row lock
//     with SELECT ... FOR UPDATE, serialization failures (40001) and
//     deadlocks (40P01) are retryable.
//   - SQLite, through the pure-Go modernc.org/sqlite driver. The database
//     has a single writer, so LockJob is a no-op and SQLITE_BUSY is
//     retryable.
//
// Times are stored as Unix milliseconds in BIGINT columns, so every
// dialect compares and orders them the same way. There are no foreign
// keys: referential rules live in the machine package, which runs them in
// the same transaction.
//
// Usage:
//
//	gw, err := sqlstore.Open(ctx, sqlstore.Postgres, "postgres://localhost:5432/beacon")
//	if err != nil { ... }
//	defer gw.Close()
//	if err := gw.Migrate(ctx); err != nil { ... }
package sqlstore
