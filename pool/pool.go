// Package pool implements the invoice pool: the set of pre-uploaded,
// amount-less BOLT-11 invoices a user has handed to the proxy, and the
// atomic reservation protocol the LNURL-pay endpoint uses to hand one out
// per incoming payment request.
package pool

import (
	"context"
	"errors"
	"time"

	"github.com/benthecarman/zap-tunnel/models"
	"github.com/benthecarman/zap-tunnel/store"
	"github.com/lightningnetwork/lnd/clock"
)

// DefaultWrapExpiry is the lifetime given to a wrapped hold invoice once an
// underlying pooled invoice is reserved for it.
const DefaultWrapExpiry = 360 * time.Second

// ErrNoInvoiceAvailable is returned by ReserveNext when the user has no
// Fresh invoice left in their pool.
var ErrNoInvoiceAvailable = errors.New("pool: no invoice available")

// Pool is the invoice pool for all users, backed by the shared store.
type Pool struct {
	store *store.Store
	clock clock.Clock
}

// New returns a Pool backed by s.
func New(s *store.Store) *Pool {
	return &Pool{
		store: s,
		clock: clock.NewDefaultClock(),
	}
}

// ReserveNext atomically reserves username's next Fresh invoice (soonest to
// expire first), marking it Reserved for DefaultWrapExpiry starting now.
// Once reserved, an invoice is never re-selected, even if the caller later
// abandons the wrapped hold invoice it backs.
func (p *Pool) ReserveNext(ctx context.Context, username string) (
	models.PooledInvoice, error) {

	now := p.clock.Now().Unix()
	wrappedExpiry := now + int64(DefaultWrapExpiry.Seconds())

	inv, err := p.store.ReserveNextInvoice(ctx, username, now, wrappedExpiry)
	if errors.Is(err, store.ErrNotFound) {
		return models.PooledInvoice{}, ErrNoInvoiceAvailable
	}
	if err != nil {
		return models.PooledInvoice{}, err
	}

	return inv, nil
}

// CountAvailable returns the number of Fresh invoices remaining in
// username's pool.
func (p *Pool) CountAvailable(ctx context.Context, username string) (int64, error) {
	var count int64

	now := p.clock.Now().Unix()
	err := p.store.ExecTx(ctx, store.ReadTx(), func(q store.Querier) error {
		var err error
		count, err = q.CountFreshInvoices(ctx, username, now)
		return err
	})

	return count, err
}

// MarkPaid transitions a Reserved invoice to Paid, recording the net fee
// the proxy earned on the round trip.
func (p *Pool) MarkPaid(ctx context.Context, paymentHash string,
	feesEarnedMsat int64) error {

	return p.store.ExecTx(ctx, store.WriteTx(), func(q store.Querier) error {
		return q.MarkInvoicePaid(ctx, paymentHash, feesEarnedMsat)
	})
}

// GetActiveReserved returns every invoice currently Reserved whose wrapped
// hold invoice could still be paid. The broker calls this once at startup
// to re-attach subscriptions after a restart.
func (p *Pool) GetActiveReserved(ctx context.Context) ([]models.PooledInvoice, error) {
	var invs []models.PooledInvoice

	now := p.clock.Now().Unix()
	err := p.store.ExecTx(ctx, store.ReadTx(), func(q store.Querier) error {
		var err error
		invs, err = q.GetActiveReservedInvoices(ctx, now)
		return err
	})

	return invs, err
}

// GetByHash looks up a single pooled invoice by its payment hash.
func (p *Pool) GetByHash(ctx context.Context, paymentHash string) (
	models.PooledInvoice, error) {

	var inv models.PooledInvoice
	err := p.store.ExecTx(ctx, store.ReadTx(), func(q store.Querier) error {
		var err error
		inv, err = q.GetInvoiceByHash(ctx, paymentHash)
		return err
	})

	return inv, err
}

// AddInvoices bulk-inserts a batch of Fresh invoices for username. Callers
// are expected to have already validated every invoice (currency, no
// amount, not expired, CLTV delta) before calling this.
func (p *Pool) AddInvoices(ctx context.Context, username string,
	invoices []models.PooledInvoice) error {

	return p.store.ExecTx(ctx, store.WriteTx(), func(q store.Querier) error {
		for _, inv := range invoices {
			inv.Username = username
			if err := q.InsertInvoice(ctx, inv); err != nil {
				return err
			}
		}
		return nil
	})
}
