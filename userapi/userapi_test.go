package userapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/benthecarman/zap-tunnel/identity"
	"github.com/benthecarman/zap-tunnel/pool"
	"github.com/benthecarman/zap-tunnel/store"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()

	s, err := store.NewStore(filepath.Join(t.TempDir(), "zap-tunnel.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	return New(s, pool.New(s), &chaincfg.RegressionNetParams)
}

// buildUploadInvoice mints an amount-less BOLT-11 invoice with cltvDelta
// and expiry, signed by a fresh throwaway node key, the same way
// lnadapter's MockAdapter builds invoices for tests.
func buildUploadInvoice(t *testing.T, cltvDelta uint64, expiry time.Duration) string {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	var hash [32]byte
	_, err = rand.Read(hash[:])
	require.NoError(t, err)

	inv, err := zpay32.NewInvoice(
		&chaincfg.RegressionNetParams, hash, time.Now(),
		zpay32.Description("zap-tunnel upload"),
		zpay32.CLTVExpiry(cltvDelta),
		zpay32.Expiry(expiry),
	)
	require.NoError(t, err)

	payReq, err := inv.Encode(zpay32.MessageSigner{
		SignCompact: func(h []byte) ([]byte, error) {
			return ecdsa.SignCompact(priv, h, true)
		},
	})
	require.NoError(t, err)

	return payReq
}

func TestCreateUserThenCheckUser(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	pubkeyHex := hex.EncodeToString(priv.PubKey().SerializeCompressed())

	createSig := identity.Sign(priv, identity.CreateUserMessage("bob"))
	err = h.CreateUser(
		ctx, "bob", pubkeyHex, hex.EncodeToString(createSig.Serialize()),
	)
	require.NoError(t, err)

	// A second create-user for the same username collides.
	err = h.CreateUser(
		ctx, "bob", pubkeyHex, hex.EncodeToString(createSig.Serialize()),
	)
	require.ErrorIs(t, err, ErrUsernameTaken)

	now := time.Now()
	checkSig := identity.Sign(priv, identity.CheckUserMessage(now.Unix()))
	result, err := h.CheckUser(
		ctx, now.Unix(), pubkeyHex, hex.EncodeToString(checkSig.Serialize()),
	)
	require.NoError(t, err)
	require.Equal(t, "bob", result.Username)
	require.Zero(t, result.InvoicesRemaining)
}

func TestAddInvoicesHappyPath(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pubkeyHex := hex.EncodeToString(priv.PubKey().SerializeCompressed())

	createSig := identity.Sign(priv, identity.CreateUserMessage("carol"))
	require.NoError(t, h.CreateUser(
		ctx, "carol", pubkeyHex, hex.EncodeToString(createSig.Serialize()),
	))

	var raws []string
	for i := 0; i < 5; i++ {
		raws = append(raws, buildUploadInvoice(t, 80, 24*time.Hour))
	}

	hashes := make([][32]byte, len(raws))
	for i, raw := range raws {
		inv, err := zpay32.Decode(raw, &chaincfg.RegressionNetParams)
		require.NoError(t, err)
		hashes[i] = *inv.PaymentHash
	}

	sig := identity.Sign(priv, identity.AddInvoicesMessage(hashes))
	n, err := h.AddInvoices(
		ctx, pubkeyHex, hex.EncodeToString(sig.Serialize()), raws,
	)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	now := time.Now()
	checkSig := identity.Sign(priv, identity.CheckUserMessage(now.Unix()))
	result, err := h.CheckUser(
		ctx, now.Unix(), pubkeyHex, hex.EncodeToString(checkSig.Serialize()),
	)
	require.NoError(t, err)
	require.EqualValues(t, 5, result.InvoicesRemaining)
}

func TestAddInvoicesRejectsAmountedInvoice(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pubkeyHex := hex.EncodeToString(priv.PubKey().SerializeCompressed())

	createSig := identity.Sign(priv, identity.CreateUserMessage("dave"))
	require.NoError(t, h.CreateUser(
		ctx, "dave", pubkeyHex, hex.EncodeToString(createSig.Serialize()),
	))

	var hash [32]byte
	hash[0] = 0x42

	inv, err := zpay32.NewInvoice(
		&chaincfg.RegressionNetParams, hash, time.Now(),
		zpay32.Description("has amount"),
		zpay32.CLTVExpiry(80),
		zpay32.Amount(21_000_000),
	)
	require.NoError(t, err)

	raw, err := inv.Encode(zpay32.MessageSigner{
		SignCompact: func(h []byte) ([]byte, error) {
			return ecdsa.SignCompact(priv, h, true)
		},
	})
	require.NoError(t, err)

	sig := identity.Sign(priv, identity.AddInvoicesMessage([][32]byte{hash}))
	_, err = h.AddInvoices(
		ctx, pubkeyHex, hex.EncodeToString(sig.Serialize()), []string{raw},
	)
	require.ErrorIs(t, err, ErrInvalidInvoice)
}

func TestAddInvoicesRejectsCLTVTooHigh(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pubkeyHex := hex.EncodeToString(priv.PubKey().SerializeCompressed())

	createSig := identity.Sign(priv, identity.CreateUserMessage("erin"))
	require.NoError(t, h.CreateUser(
		ctx, "erin", pubkeyHex, hex.EncodeToString(createSig.Serialize()),
	))

	raw := buildUploadInvoice(t, MaxUploadCLTVDelta, 24*time.Hour)

	inv, err := zpay32.Decode(raw, &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	sig := identity.Sign(
		priv, identity.AddInvoicesMessage([][32]byte{*inv.PaymentHash}),
	)
	_, err = h.AddInvoices(
		ctx, pubkeyHex, hex.EncodeToString(sig.Serialize()), []string{raw},
	)
	require.ErrorIs(t, err, ErrInvalidInvoice)
}

func TestAddInvoicesEmptyList(t *testing.T) {
	h := newTestHandler(t)

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pubkeyHex := hex.EncodeToString(priv.PubKey().SerializeCompressed())

	sig := identity.Sign(priv, identity.AddInvoicesMessage(nil))
	_, err = h.AddInvoices(
		context.Background(), pubkeyHex, hex.EncodeToString(sig.Serialize()), nil,
	)
	require.ErrorIs(t, err, ErrEmptyInvoiceList)
}
