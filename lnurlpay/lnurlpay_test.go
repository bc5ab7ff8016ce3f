package lnurlpay

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
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
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/stretchr/testify/require"
)

// storeUserLookup adapts the test store to the handler's UserLookup, the
// same way the server wiring does.
type storeUserLookup struct {
	store *store.Store
}

func (u storeUserLookup) UserExists(ctx context.Context, username string) (bool, error) {
	var exists bool

	err := u.store.ExecTx(ctx, store.ReadTx(), func(q store.Querier) error {
		_, err := q.GetUserByUsername(ctx, username)
		if err == store.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		exists = true
		return nil
	})

	return exists, err
}

type testEnv struct {
	handler *Handler
	pool    *pool.Pool
	store   *store.Store
	adapter *lnadapter.MockAdapter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	s, err := store.NewStore(filepath.Join(t.TempDir(), "zap-tunnel.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	ctx := context.Background()
	err = s.ExecTx(ctx, store.WriteTx(), func(q store.Querier) error {
		return q.InsertUser(ctx, models.User{
			Username: "alice", Pubkey: "pk-alice",
		})
	})
	require.NoError(t, err)

	p := pool.New(s)
	adapter := lnadapter.NewMockAdapter()

	h := New(storeUserLookup{s}, p, s, adapter, Config{
		PublicHost:     "zap.example.com",
		BaseFeeMsat:    1000,
		NostrPubkeyHex: "f00dbabe",
		ChainParams:    &chaincfg.RegressionNetParams,
	})

	return &testEnv{handler: h, pool: p, store: s, adapter: adapter}
}

// addPooledInvoice mints an amount-less invoice with the given CLTV delta
// and adds it to alice's pool.
func (e *testEnv) addPooledInvoice(t *testing.T, cltvDelta uint64) lntypes.Hash {
	t.Helper()

	var preimage lntypes.Preimage
	_, err := rand.Read(preimage[:])
	require.NoError(t, err)
	hash := preimage.Hash()

	inv, err := zpay32.NewInvoice(
		&chaincfg.RegressionNetParams, hash, time.Now(),
		zpay32.Description("pooled"),
		zpay32.CLTVExpiry(cltvDelta),
		zpay32.Expiry(time.Hour),
	)
	require.NoError(t, err)

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	raw, err := inv.Encode(zpay32.MessageSigner{
		SignCompact: func(h []byte) ([]byte, error) {
			return ecdsa.SignCompact(priv, h, true)
		},
	})
	require.NoError(t, err)

	err = e.pool.AddInvoices(context.Background(), "alice", []models.PooledInvoice{
		{
			PaymentHash: hash.String(),
			Invoice:     raw,
			ExpiresAt:   time.Now().Add(time.Hour).Unix(),
		},
	})
	require.NoError(t, err)

	return hash
}

// TestMetadataIdempotent covers the metadata endpoint's byte-identical
// guarantee: two GETs for the same user produce the same metadata string,
// and its hash is the description hash a no-zap wrapped invoice carries.
func TestMetadataIdempotent(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	first, err := e.handler.Metadata(ctx, "alice")
	require.NoError(t, err)
	second, err := e.handler.Metadata(ctx, "alice")
	require.NoError(t, err)

	require.Equal(t, first.Metadata, second.Metadata)
	require.Equal(t, "payRequest", first.Tag)
	require.True(t, first.AllowsNostr)
	require.EqualValues(t, 1_000, first.MinSendable)
	require.EqualValues(t, MaxSendableMsat, first.MaxSendable)
	require.Equal(t,
		"https://zap.example.com/lnurlp/alice", first.Callback)

	hash := e.addPooledInvoice(t, 40)

	resp, err := e.handler.Callback(ctx, "alice", 21_000, "")
	require.NoError(t, err)

	wrapped, err := zpay32.Decode(resp.PR, &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	require.Equal(t, hash[:], wrapped.PaymentHash[:])
	require.EqualValues(t, 21_000, *wrapped.MilliSat)

	wantDescHash := sha256.Sum256([]byte(first.Metadata))
	require.Equal(t, wantDescHash[:], wrapped.DescriptionHash[:])

	// final_cltv_delta is inflated for routing headroom: x6 + 3.
	require.EqualValues(t, 40*6+3, wrapped.MinFinalCLTVExpiry())
}

func TestMetadataUnknownUser(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.handler.Metadata(context.Background(), "mallory")
	require.ErrorIs(t, err, ErrUserNotFound)
}

// TestCallbackWithZapRequest covers the zap path: the description hash
// commits to the zap request JSON and a Zap row is persisted alongside
// the wrapped invoice.
func TestCallbackWithZapRequest(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	hash := e.addPooledInvoice(t, 40)

	zapRequest := `{"kind":9734,"tags":[["p","cafebabe"]],"content":""}`
	resp, err := e.handler.Callback(ctx, "alice", 21_000, zapRequest)
	require.NoError(t, err)

	wrapped, err := zpay32.Decode(resp.PR, &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	wantDescHash := sha256.Sum256([]byte(zapRequest))
	require.Equal(t, wantDescHash[:], wrapped.DescriptionHash[:])

	var zap models.Zap
	err = e.store.ExecTx(ctx, store.ReadTx(), func(q store.Querier) error {
		var err error
		zap, err = q.GetZapByHash(ctx, hash.String())
		return err
	})
	require.NoError(t, err)
	require.Equal(t, zapRequest, zap.Request)
	require.Equal(t, resp.PR, zap.Invoice)
	require.Nil(t, zap.NoteID)
}

func TestCallbackRejectsNonZapKind(t *testing.T) {
	e := newTestEnv(t)
	e.addPooledInvoice(t, 40)

	_, err := e.handler.Callback(
		context.Background(), "alice", 21_000, `{"kind":1,"content":"hi"}`,
	)
	require.ErrorIs(t, err, ErrInvalidZapRequest)
}

func TestCallbackAmountTooLow(t *testing.T) {
	e := newTestEnv(t)
	e.addPooledInvoice(t, 40)

	_, err := e.handler.Callback(context.Background(), "alice", 500, "")
	require.ErrorIs(t, err, ErrAmountOutOfRange)
}

// TestCallbackPoolExhausted covers S3: with no fresh invoice left, the
// callback fails with the error the HTTP layer maps to a 404, and a
// second request doesn't dig into reserved rows.
func TestCallbackPoolExhausted(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.handler.Callback(ctx, "alice", 21_000, "")
	require.ErrorIs(t, err, ErrNoInvoiceAvailable)

	e.addPooledInvoice(t, 40)

	_, err = e.handler.Callback(ctx, "alice", 21_000, "")
	require.NoError(t, err)

	_, err = e.handler.Callback(ctx, "alice", 21_000, "")
	require.ErrorIs(t, err, ErrNoInvoiceAvailable)
}

func TestCallbackCltvTooLong(t *testing.T) {
	e := newTestEnv(t)

	// 336*6+3 = 2019 > 2016. The invoice is added to the pool directly:
	// upload validation would refuse it, since it only accepts deltas
	// below 333.
	e.addPooledInvoice(t, 336)

	_, err := e.handler.Callback(context.Background(), "alice", 21_000, "")
	require.ErrorIs(t, err, ErrCltvTooLong)
}
