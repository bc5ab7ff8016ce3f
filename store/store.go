// Package store is the proxy's persistence layer: a single embedded SQLite
// database holding users, their pooled invoices, and the zaps paid against
// them. It exposes a generic BatchedQuerier/TransactionExecutor pair over
// modernc.org/sqlite so the proxy ships as a single static binary with no
// external database to run.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	"github.com/benthecarman/zap-tunnel/models"

	_ "modernc.org/sqlite"
)

// DefaultMaxOpenConns is the connection pool size used against the SQLite
// file. WAL mode allows any number of concurrent readers alongside the
// single writer that SQLite itself serializes, so this just bounds how many
// goroutines can be waiting on the database at once.
const DefaultMaxOpenConns = 16

// DB is the concrete BatchedQuerier backing a Store: the pooled *sql.DB plus
// the non-transactional Queries used for simple reads. Every transaction it
// opens is BEGIN IMMEDIATE under the hood, via the _txlock=immediate DSN
// parameter set in buildDSN, so a writer acquires SQLite's reserved lock up
// front instead of discovering a conflict mid-transaction -- giving us the
// same serializability SELECT ... FOR UPDATE would on a server database.
type DB struct {
	BaseDB
}

// Store is the top-level handle to the proxy's database, providing both the
// generic transaction executor other packages build their operations on top
// of and the one operation -- invoice reservation -- that must be atomic
// across the select-then-update it performs.
type Store struct {
	db *DB

	*TransactionExecutor[Querier]
}

// NewStore opens (and if necessary creates and migrates) the SQLite
// database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	dsn := buildDSN(dbPath)

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	sqlDB.SetMaxOpenConns(DefaultMaxOpenConns)

	if err := applyMigrations(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	db := &DB{
		BaseDB: BaseDB{
			DB:      sqlDB,
			Queries: New(sqlDB),
		},
	}

	executor := NewTransactionExecutor(
		db, func(tx *sql.Tx) Querier {
			return New(tx)
		},
	)

	return &Store{
		db:                   db,
		TransactionExecutor: executor,
	}, nil
}

// buildDSN appends the pragmas the proxy always wants: WAL journaling so
// readers never block on the writer, a generous busy timeout as a second
// line of defense against SQLITE_BUSY, foreign key enforcement, and
// immediate-mode write transactions.
func buildDSN(dbPath string) string {
	q := url.Values{}
	q.Set("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")

	return fmt.Sprintf("file:%s?%s", dbPath, q.Encode())
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.DB.Close()
}

// ReserveNextInvoice atomically selects username's next Fresh invoice
// (soonest to expire first) and marks it Reserved with wrappedExpiry,
// returning the now-reserved invoice. It is the one operation in the store
// that needs the write path's BEGIN IMMEDIATE semantics: two concurrent
// callers racing for the same user's invoices must never be handed the same
// payment hash.
func (s *Store) ReserveNextInvoice(ctx context.Context, username string,
	nowUnix, wrappedExpiry int64) (models.PooledInvoice, error) {

	var reserved models.PooledInvoice

	err := s.ExecTx(ctx, WriteTx(), func(q Querier) error {
		inv, err := q.SelectNextFreshInvoice(ctx, username, nowUnix)
		if err != nil {
			return err
		}

		if err := q.ReserveInvoice(
			ctx, inv.PaymentHash, wrappedExpiry,
		); err != nil {
			return err
		}

		inv.WrappedExpiry = &wrappedExpiry
		reserved = inv

		return nil
	})
	if err != nil {
		return models.PooledInvoice{}, err
	}

	return reserved, nil
}
