package broker

import (
	"context"
	"crypto/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/benthecarman/zap-tunnel/lnadapter"
	"github.com/benthecarman/zap-tunnel/models"
	"github.com/benthecarman/zap-tunnel/pool"
	"github.com/benthecarman/zap-tunnel/store"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/stretchr/testify/require"
)

// newUnderlyingInvoice mints a BOLT-11 invoice the way a user's own node
// would, exercising the same zpay32.NewInvoice/ecdsa.SignCompact path the
// mock adapter uses, so the broker can decode a real invoice in tests. The
// preimage is returned so tests can hand it back as the outgoing payment's
// result, the way paying the real invoice would reveal it.
func newUnderlyingInvoice(t *testing.T, amtMsat int64, expiry time.Duration) (
	string, lntypes.Preimage) {

	t.Helper()

	var preimage lntypes.Preimage
	_, err := rand.Read(preimage[:])
	require.NoError(t, err)
	hash := preimage.Hash()

	inv, err := zpay32.NewInvoice(
		&chaincfg.RegressionNetParams, hash, time.Now(),
		zpay32.Description("zap tunnel test invoice"),
		zpay32.CLTVExpiry(144),
		zpay32.Expiry(expiry),
		zpay32.Amount(lnwire.MilliSatoshi(amtMsat)),
	)
	require.NoError(t, err)

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	payReq, err := inv.Encode(zpay32.MessageSigner{
		SignCompact: func(h []byte) ([]byte, error) {
			return ecdsa.SignCompact(priv, h, true)
		},
	})
	require.NoError(t, err)

	return payReq, preimage
}

type testHarness struct {
	broker  *Broker
	adapter *lnadapter.MockAdapter
	pool    *pool.Pool
	store   *store.Store
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	s, err := store.NewStore(filepath.Join(t.TempDir(), "zap-tunnel.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	ctx := context.Background()
	err = s.ExecTx(ctx, store.WriteTx(), func(q store.Querier) error {
		return q.InsertUser(ctx, models.User{Username: "alice", Pubkey: "pk-alice"})
	})
	require.NoError(t, err)

	p := pool.New(s)
	adapter := lnadapter.NewMockAdapter()

	b := New(adapter, p, nil, Config{
		BaseFeeMsat:    1000,
		FeeRatePercent: 1.0,
		ChainParams:    &chaincfg.RegressionNetParams,
	})

	return &testHarness{broker: b, adapter: adapter, pool: p, store: s}
}

func (h *testHarness) reserveInvoice(t *testing.T, amtMsat int64,
	expiry time.Duration) lntypes.Preimage {

	t.Helper()

	underlying, preimage := newUnderlyingInvoice(t, amtMsat, expiry)

	err := h.pool.AddInvoices(context.Background(), "alice", []models.PooledInvoice{
		{
			PaymentHash: preimage.Hash().String(),
			Invoice:     underlying,
			ExpiresAt:   time.Now().Add(time.Hour).Unix(),
		},
	})
	require.NoError(t, err)

	_, err = h.pool.ReserveNext(context.Background(), "alice")
	require.NoError(t, err)

	return preimage
}

// TestHandleAcceptedHappyPath walks the full brokerage happy path: fees
// are withheld from the incoming amount, the outgoing payment succeeds,
// the incoming HTLC is settled, and the pool row is marked paid with the
// net fee earned.
func TestHandleAcceptedHappyPath(t *testing.T) {
	h := newHarness(t)

	amtIn := int64(21_000)
	preimage := h.reserveInvoice(t, 19_790, time.Hour)
	hash := preimage.Hash()

	_, err := h.adapter.AddHoldInvoice(context.Background(), lnadapter.HoldInvoiceRequest{
		PaymentHash: hash, ValueMsat: amtIn, ExpirySeconds: 360, FinalCltvDelta: 147,
	})
	require.NoError(t, err)

	h.adapter.SendPaymentFunc = func(req lnadapter.SendPaymentRequest) lnadapter.PaymentUpdate {
		require.Equal(t, int64(19_790), req.AmtMsat)
		require.Equal(t, int64(1_210), req.FeeLimitMsat)

		return lnadapter.PaymentUpdate{
			State: lnadapter.PaymentSucceeded, Preimage: preimage, FeeMsat: 200,
		}
	}

	h.broker.handleAccepted(context.Background(), lnadapter.InvoiceUpdate{
		PaymentHash: hash, State: lnadapter.InvoiceAccepted, AmtPaidMsat: amtIn,
	})

	state, ok := h.adapter.StateOf(hash)
	require.True(t, ok)
	require.Equal(t, lnadapter.InvoiceSettled, state)

	paid, err := h.pool.GetByHash(context.Background(), hash.String())
	require.NoError(t, err)
	require.True(t, paid.IsPaid())
	require.Equal(t, int64(1_010), *paid.FeesEarnedMsat)
}

// TestHandleAcceptedPaymentFails asserts a failed outgoing payment
// cancels the incoming HTLC and leaves the pool row Reserved, never Paid.
func TestHandleAcceptedPaymentFails(t *testing.T) {
	h := newHarness(t)

	preimage := h.reserveInvoice(t, 19_790, time.Hour)
	hash := preimage.Hash()
	_, err := h.adapter.AddHoldInvoice(context.Background(), lnadapter.HoldInvoiceRequest{
		PaymentHash: hash, ValueMsat: 21_000, ExpirySeconds: 360, FinalCltvDelta: 147,
	})
	require.NoError(t, err)

	h.adapter.SendPaymentFunc = func(req lnadapter.SendPaymentRequest) lnadapter.PaymentUpdate {
		return lnadapter.PaymentUpdate{State: lnadapter.PaymentFailed, FailureReason: "no route"}
	}

	h.broker.handleAccepted(context.Background(), lnadapter.InvoiceUpdate{
		PaymentHash: hash, State: lnadapter.InvoiceAccepted, AmtPaidMsat: 21_000,
	})

	state, ok := h.adapter.StateOf(hash)
	require.True(t, ok)
	require.Equal(t, lnadapter.InvoiceCanceled, state)

	row, err := h.pool.GetByHash(context.Background(), hash.String())
	require.NoError(t, err)
	require.True(t, row.IsReserved())
	require.False(t, row.IsPaid())
}

// TestHandleAcceptedTightExpiry asserts an underlying invoice with too
// little time remaining aborts before any payment is attempted.
func TestHandleAcceptedTightExpiry(t *testing.T) {
	h := newHarness(t)

	called := false
	preimage := h.reserveInvoice(t, 19_790, 8*time.Second)
	hash := preimage.Hash()
	_, err := h.adapter.AddHoldInvoice(context.Background(), lnadapter.HoldInvoiceRequest{
		PaymentHash: hash, ValueMsat: 21_000, ExpirySeconds: 360, FinalCltvDelta: 147,
	})
	require.NoError(t, err)

	h.adapter.SendPaymentFunc = func(req lnadapter.SendPaymentRequest) lnadapter.PaymentUpdate {
		called = true
		return lnadapter.PaymentUpdate{State: lnadapter.PaymentSucceeded}
	}

	h.broker.handleAccepted(context.Background(), lnadapter.InvoiceUpdate{
		PaymentHash: hash, State: lnadapter.InvoiceAccepted, AmtPaidMsat: 21_000,
	})

	require.False(t, called)

	state, ok := h.adapter.StateOf(hash)
	require.True(t, ok)
	require.Equal(t, lnadapter.InvoiceCanceled, state)

	row, err := h.pool.GetByHash(context.Background(), hash.String())
	require.NoError(t, err)
	require.False(t, row.IsPaid())
}

func TestHandleAcceptedMissingPoolRow(t *testing.T) {
	h := newHarness(t)

	var hash lntypes.Hash
	hash[0] = 0xAB

	// Should not panic; logs an integrity error and cancels.
	h.broker.handleAccepted(context.Background(), lnadapter.InvoiceUpdate{
		PaymentHash: hash, State: lnadapter.InvoiceAccepted, AmtPaidMsat: 1000,
	})
}
