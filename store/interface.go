package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	prand "math/rand"
	"time"
)

const (
	// DefaultStoreTimeout is the default timeout used for any interaction
	// with the storage/database.
	DefaultStoreTimeout = time.Second * 10

	// DefaultNumTxRetries is the default number of times we'll retry a
	// transaction if it fails with an error that permits repetition,
	// namely SQLite reporting the database as busy or locked.
	DefaultNumTxRetries = 10

	// DefaultRetryDelay is the default delay between retries. This will
	// be used to generate a random delay between 0 and this value.
	DefaultRetryDelay = time.Millisecond * 50
)

// ErrRetriesExceeded is returned when a transaction could not be committed
// after the configured number of retries.
var ErrRetriesExceeded = errors.New("db: number of retries exceeded")

// TxOptions represents a set of options one can use to control what type of
// database transaction is created. A transaction can either be read or
// write.
type TxOptions interface {
	// ReadOnly returns true if the transaction should be read only.
	ReadOnly() bool
}

// txOptions is the concrete TxOptions implementation used throughout the
// store package.
type txOptions struct {
	readOnly bool
}

func (t txOptions) ReadOnly() bool {
	return t.readOnly
}

// ReadTx returns a TxOptions set requesting a read-only transaction.
func ReadTx() TxOptions {
	return txOptions{readOnly: true}
}

// WriteTx returns a TxOptions set requesting a read-write transaction.
func WriteTx() TxOptions {
	return txOptions{readOnly: false}
}

// BatchedTx is a generic interface that represents the ability to execute
// several operations against a given storage interface in a single atomic
// transaction. Q is usually some subset of Querier, scoped to the routines a
// particular caller needs.
type BatchedTx[Q any] interface {
	// ExecTx executes txBody, operating upon generic parameter Q (usually
	// a storage interface) inside a single transaction.
	ExecTx(ctx context.Context, opts TxOptions, txBody func(Q) error) error
}

// QueryCreator is a generic function used to create a Querier given an open
// database transaction.
type QueryCreator[Q any] func(*sql.Tx) Q

// BatchedQuerier is a generic interface that allows callers to create a new
// database transaction based on an abstract TxOptions.
type BatchedQuerier interface {
	Querier

	// BeginTx creates a new database transaction given the set of
	// transaction options.
	BeginTx(ctx context.Context, opts TxOptions) (*sql.Tx, error)
}

// txExecutorOptions holds the tunables for TransactionExecutor.
type txExecutorOptions struct {
	numRetries int
	retryDelay time.Duration
}

func defaultTxExecutorOptions() *txExecutorOptions {
	return &txExecutorOptions{
		numRetries: DefaultNumTxRetries,
		retryDelay: DefaultRetryDelay,
	}
}

func (t *txExecutorOptions) randRetryDelay() time.Duration {
	if t.retryDelay == 0 {
		return 0
	}
	return time.Duration(prand.Int63n(int64(t.retryDelay))) //nolint:gosec
}

// TxExecutorOption is a functional option for NewTransactionExecutor.
type TxExecutorOption func(*txExecutorOptions)

// WithTxRetries specifies the number of times a transaction should be
// retried if it fails with a repeatable error.
func WithTxRetries(numRetries int) TxExecutorOption {
	return func(o *txExecutorOptions) {
		o.numRetries = numRetries
	}
}

// TransactionExecutor is a generic struct that abstracts away the type of
// query a caller needs to run under a database transaction, along with the
// options for that transaction. QueryCreator produces a Query given the
// *sql.Tx created by the BatchedQuerier.
type TransactionExecutor[Query any] struct {
	BatchedQuerier

	createQuery QueryCreator[Query]

	opts *txExecutorOptions
}

// NewTransactionExecutor creates a new TransactionExecutor given a
// BatchedQuerier and a QueryCreator for the concrete query type the caller
// understands.
func NewTransactionExecutor[Query any](db BatchedQuerier,
	createQuery QueryCreator[Query],
	opts ...TxExecutorOption) *TransactionExecutor[Query] {

	txOpts := defaultTxExecutorOptions()
	for _, optFunc := range opts {
		optFunc(txOpts)
	}

	return &TransactionExecutor[Query]{
		BatchedQuerier: db,
		createQuery:    createQuery,
		opts:           txOpts,
	}
}

// ExecTx wraps the creation and commit of a db transaction around txBody.
// The transaction is wrapped in the caller's Query type so txBody can use
// the strongly typed storage methods it needs.
func (t *TransactionExecutor[Q]) ExecTx(ctx context.Context,
	opts TxOptions, txBody func(Q) error) error {

	var txErr error
	for i := 0; i < t.opts.numRetries; i++ {
		tx, err := t.BeginTx(ctx, opts)
		if err != nil {
			return err
		}

		// Rollback is safe to call even if the tx is already closed,
		// so if the tx commits successfully this is a no-op.
		defer func() {
			_ = tx.Rollback()
		}()

		if err := txBody(t.createQuery(tx)); err != nil {
			_ = tx.Rollback()

			txErr = mapSQLError(err)
			if isBusyErr(txErr) {
				delay := t.opts.randRetryDelay()

				log.Tracef("retrying transaction after busy "+
					"error, attempt=%d delay=%v", i, delay)

				time.Sleep(delay)
				continue
			}

			return txErr
		}

		if err := tx.Commit(); err != nil {
			txErr = mapSQLError(err)
			if isBusyErr(txErr) {
				time.Sleep(t.opts.randRetryDelay())
				continue
			}

			return txErr
		}

		return nil
	}

	if txErr != nil {
		return fmt.Errorf("%w: %v", ErrRetriesExceeded, txErr)
	}

	return ErrRetriesExceeded
}

// BaseDB is the base database struct each backend embeds for common
// functionality: a live *sql.DB plus the plain (non-transactional) Queries.
type BaseDB struct {
	*sql.DB

	*Queries
}

// BeginTx wraps sql.DB.BeginTx with our TxOptions abstraction.
func (b *BaseDB) BeginTx(ctx context.Context, opts TxOptions) (*sql.Tx, error) {
	sqlOpts := &sql.TxOptions{
		ReadOnly: opts.ReadOnly(),
	}

	return b.DB.BeginTx(ctx, sqlOpts)
}
