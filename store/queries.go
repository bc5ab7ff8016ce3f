package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/benthecarman/zap-tunnel/models"
)

// ErrNotFound is returned by single-row lookups that find no matching row.
var ErrNotFound = errors.New("store: record not found")

// DBTX is the subset of *sql.DB / *sql.Tx that Queries needs. Queries is
// constructed once against the pooled *sql.DB for read-only callers, and
// once per transaction (via QueryCreator) for callers that need atomicity.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Querier is the complete set of storage operations the proxy needs,
// covering the users, invoices, and zaps tables. It is intentionally
// sqlc-shaped even though Queries below is hand-written, so callers can
// depend on the same narrow interface whether they're running inside a
// transaction or not.
type Querier interface {
	InsertUser(ctx context.Context, user models.User) error
	GetUserByUsername(ctx context.Context, username string) (models.User, error)
	GetUserByPubkey(ctx context.Context, pubkey string) (models.User, error)

	InsertInvoice(ctx context.Context, inv models.PooledInvoice) error
	CountFreshInvoices(ctx context.Context, username string, nowUnix int64) (int64, error)
	SelectNextFreshInvoice(ctx context.Context, username string, nowUnix int64) (models.PooledInvoice, error)
	ReserveInvoice(ctx context.Context, paymentHash string, wrappedExpiry int64) error
	MarkInvoicePaid(ctx context.Context, paymentHash string, feesEarnedMsat int64) error
	GetInvoiceByHash(ctx context.Context, paymentHash string) (models.PooledInvoice, error)
	GetActiveReservedInvoices(ctx context.Context, nowUnix int64) ([]models.PooledInvoice, error)

	InsertZap(ctx context.Context, zap models.Zap) error
	GetZapByHash(ctx context.Context, paymentHash string) (models.Zap, error)
	SetZapNoteID(ctx context.Context, paymentHash, noteID string) error
}

// Queries implements Querier against a plain DBTX, so the same method set
// works whether db is the pooled *sql.DB or a single *sql.Tx.
type Queries struct {
	db DBTX
}

// New returns a Queries bound to db.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) InsertUser(ctx context.Context, user models.User) error {
	const query = `INSERT INTO users (username, pubkey) VALUES (?, ?)`

	_, err := q.db.ExecContext(ctx, query, user.Username, user.Pubkey)
	return err
}

func (q *Queries) GetUserByUsername(ctx context.Context, username string) (
	models.User, error) {

	const query = `SELECT username, pubkey FROM users WHERE username = ?`

	var u models.User
	err := q.db.QueryRowContext(ctx, query, username).Scan(
		&u.Username, &u.Pubkey,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, err
	}

	return u, nil
}

func (q *Queries) GetUserByPubkey(ctx context.Context, pubkey string) (
	models.User, error) {

	const query = `SELECT username, pubkey FROM users WHERE pubkey = ?`

	var u models.User
	err := q.db.QueryRowContext(ctx, query, pubkey).Scan(
		&u.Username, &u.Pubkey,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, err
	}

	return u, nil
}

func (q *Queries) InsertInvoice(ctx context.Context, inv models.PooledInvoice) error {
	const query = `
		INSERT INTO invoices (
			payment_hash, invoice, expires_at, wrapped_expiry,
			fees_earned_msat, username
		) VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := q.db.ExecContext(
		ctx, query, inv.PaymentHash, inv.Invoice, inv.ExpiresAt,
		inv.WrappedExpiry, inv.FeesEarnedMsat, inv.Username,
	)
	return err
}

func (q *Queries) CountFreshInvoices(ctx context.Context, username string,
	nowUnix int64) (int64, error) {

	const query = `
		SELECT COUNT(*) FROM invoices
		WHERE username = ? AND wrapped_expiry IS NULL
			AND fees_earned_msat IS NULL AND expires_at > ?
	`

	var count int64
	err := q.db.QueryRowContext(ctx, query, username, nowUnix).Scan(&count)
	return count, err
}

// SelectNextFreshInvoice returns the Fresh invoice with the soonest expiry
// for username. Callers that intend to reserve it must do so inside the
// same ExecTx call, under a write transaction, so the selection and the
// reservation are atomic.
func (q *Queries) SelectNextFreshInvoice(ctx context.Context, username string,
	nowUnix int64) (models.PooledInvoice, error) {

	const query = `
		SELECT payment_hash, invoice, expires_at, wrapped_expiry,
			fees_earned_msat, username
		FROM invoices
		WHERE username = ? AND wrapped_expiry IS NULL
			AND fees_earned_msat IS NULL AND expires_at > ?
		ORDER BY expires_at ASC
		LIMIT 1
	`

	row := q.db.QueryRowContext(ctx, query, username, nowUnix)

	var inv models.PooledInvoice
	err := row.Scan(
		&inv.PaymentHash, &inv.Invoice, &inv.ExpiresAt,
		&inv.WrappedExpiry, &inv.FeesEarnedMsat, &inv.Username,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PooledInvoice{}, ErrNotFound
	}
	if err != nil {
		return models.PooledInvoice{}, err
	}

	return inv, nil
}

func (q *Queries) ReserveInvoice(ctx context.Context, paymentHash string,
	wrappedExpiry int64) error {

	const query = `
		UPDATE invoices SET wrapped_expiry = ?
		WHERE payment_hash = ? AND wrapped_expiry IS NULL
			AND fees_earned_msat IS NULL
	`

	res, err := q.db.ExecContext(ctx, query, wrappedExpiry, paymentHash)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

func (q *Queries) MarkInvoicePaid(ctx context.Context, paymentHash string,
	feesEarnedMsat int64) error {

	const query = `
		UPDATE invoices SET fees_earned_msat = ?
		WHERE payment_hash = ?
	`

	res, err := q.db.ExecContext(ctx, query, feesEarnedMsat, paymentHash)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

func (q *Queries) GetInvoiceByHash(ctx context.Context, paymentHash string) (
	models.PooledInvoice, error) {

	const query = `
		SELECT payment_hash, invoice, expires_at, wrapped_expiry,
			fees_earned_msat, username
		FROM invoices WHERE payment_hash = ?
	`

	var inv models.PooledInvoice
	err := q.db.QueryRowContext(ctx, query, paymentHash).Scan(
		&inv.PaymentHash, &inv.Invoice, &inv.ExpiresAt,
		&inv.WrappedExpiry, &inv.FeesEarnedMsat, &inv.Username,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PooledInvoice{}, ErrNotFound
	}
	if err != nil {
		return models.PooledInvoice{}, err
	}

	return inv, nil
}

// GetActiveReservedInvoices returns every Reserved invoice whose wrapped
// hold invoice is still live (wrapped_expiry in the future). The broker
// uses this on startup to re-attach subscriptions to invoices it was
// tracking before a restart.
func (q *Queries) GetActiveReservedInvoices(ctx context.Context, nowUnix int64) (
	[]models.PooledInvoice, error) {

	const query = `
		SELECT payment_hash, invoice, expires_at, wrapped_expiry,
			fees_earned_msat, username
		FROM invoices
		WHERE wrapped_expiry > ? AND fees_earned_msat IS NULL
	`

	rows, err := q.db.QueryContext(ctx, query, nowUnix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PooledInvoice
	for rows.Next() {
		var inv models.PooledInvoice
		if err := rows.Scan(
			&inv.PaymentHash, &inv.Invoice, &inv.ExpiresAt,
			&inv.WrappedExpiry, &inv.FeesEarnedMsat, &inv.Username,
		); err != nil {
			return nil, err
		}
		out = append(out, inv)
	}

	return out, rows.Err()
}

func (q *Queries) InsertZap(ctx context.Context, zap models.Zap) error {
	const query = `
		INSERT INTO zaps (payment_hash, invoice, request, note_id)
		VALUES (?, ?, ?, ?)
	`

	_, err := q.db.ExecContext(
		ctx, query, zap.PaymentHash, zap.Invoice, zap.Request, zap.NoteID,
	)
	return err
}

func (q *Queries) GetZapByHash(ctx context.Context, paymentHash string) (
	models.Zap, error) {

	const query = `
		SELECT payment_hash, invoice, request, note_id
		FROM zaps WHERE payment_hash = ?
	`

	var z models.Zap
	err := q.db.QueryRowContext(ctx, query, paymentHash).Scan(
		&z.PaymentHash, &z.Invoice, &z.Request, &z.NoteID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Zap{}, ErrNotFound
	}
	if err != nil {
		return models.Zap{}, err
	}

	return z, nil
}

func (q *Queries) SetZapNoteID(ctx context.Context, paymentHash, noteID string) error {
	const query = `UPDATE zaps SET note_id = ? WHERE payment_hash = ?`

	res, err := q.db.ExecContext(ctx, query, noteID, paymentHash)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}
