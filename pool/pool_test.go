package pool

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/benthecarman/zap-tunnel/models"
	"github.com/benthecarman/zap-tunnel/store"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T) (*Pool, *store.Store) {
	t.Helper()

	s, err := store.NewStore(filepath.Join(t.TempDir(), "zap-tunnel.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	ctx := context.Background()
	err = s.ExecTx(ctx, store.WriteTx(), func(q store.Querier) error {
		return q.InsertUser(ctx, models.User{
			Username: "alice", Pubkey: "pubkey-alice",
		})
	})
	require.NoError(t, err)

	return New(s), s
}

func TestReserveNextNoInvoiceAvailable(t *testing.T) {
	p, _ := newTestPool(t)

	_, err := p.ReserveNext(context.Background(), "alice")
	require.ErrorIs(t, err, ErrNoInvoiceAvailable)
}

func TestReserveNextSetsWrapExpiry(t *testing.T) {
	p, _ := newTestPool(t)

	err := p.AddInvoices(context.Background(), "alice", []models.PooledInvoice{
		{PaymentHash: "hash-1", Invoice: "lnbc1...", ExpiresAt: 9_999_999_999},
	})
	require.NoError(t, err)

	inv, err := p.ReserveNext(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, "hash-1", inv.PaymentHash)
	require.NotNil(t, inv.WrappedExpiry)

	count, err := p.CountAvailable(context.Background(), "alice")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestReserveNextNeverRecycled(t *testing.T) {
	p, _ := newTestPool(t)

	err := p.AddInvoices(context.Background(), "alice", []models.PooledInvoice{
		{PaymentHash: "hash-1", Invoice: "lnbc1...", ExpiresAt: 9_999_999_999},
	})
	require.NoError(t, err)

	_, err = p.ReserveNext(context.Background(), "alice")
	require.NoError(t, err)

	// Once reserved, the invoice is never handed out again, even though
	// it's still the only row in the user's pool.
	_, err = p.ReserveNext(context.Background(), "alice")
	require.ErrorIs(t, err, ErrNoInvoiceAvailable)
}

func TestMarkPaidAndGetActiveReserved(t *testing.T) {
	p, _ := newTestPool(t)

	err := p.AddInvoices(context.Background(), "alice", []models.PooledInvoice{
		{PaymentHash: "hash-1", Invoice: "lnbc1...", ExpiresAt: 9_999_999_999},
		{PaymentHash: "hash-2", Invoice: "lnbc1...", ExpiresAt: 9_999_999_999},
	})
	require.NoError(t, err)

	inv1, err := p.ReserveNext(context.Background(), "alice")
	require.NoError(t, err)
	_, err = p.ReserveNext(context.Background(), "alice")
	require.NoError(t, err)

	active, err := p.GetActiveReserved(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 2)

	require.NoError(t, p.MarkPaid(context.Background(), inv1.PaymentHash, 1010))

	active, err = p.GetActiveReserved(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)

	paid, err := p.GetByHash(context.Background(), inv1.PaymentHash)
	require.NoError(t, err)
	require.True(t, paid.IsPaid())
}
