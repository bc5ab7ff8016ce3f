// Package userapi implements the authenticated user/invoice management
// operations: creating a user, checking a user's remaining invoice count,
// and bulk-uploading pre-signed amount-less invoices. Every operation
// validates its signature through identity before touching the store.
package userapi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benthecarman/zap-tunnel/identity"
	"github.com/benthecarman/zap-tunnel/models"
	"github.com/benthecarman/zap-tunnel/pool"
	"github.com/benthecarman/zap-tunnel/store"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/zpay32"
)

// MaxUploadCLTVDelta is the exclusive ceiling on an uploaded invoice's
// min_final_cltv_expiry_delta: uploads at or above it are rejected. The
// largest accepted delta, 332, inflates to 332*6+3 = 1995 on the wrapped
// invoice, under lnurlpay's 2016 ceiling.
const MaxUploadCLTVDelta = 333

// ErrUsernameTaken is returned by CreateUser on a username collision.
var ErrUsernameTaken = errors.New("userapi: username already taken")

// ErrUserNotFound is returned when no user matches the pubkey on a
// check-user or add-invoices request.
var ErrUserNotFound = errors.New("userapi: no user for pubkey")

// ErrEmptyInvoiceList is returned by AddInvoices when given no invoices.
var ErrEmptyInvoiceList = errors.New("userapi: invoice list must not be empty")

// ErrInvalidInvoice wraps any invoice that fails upload validation: wrong
// network, has an amount, already expired, or too large a CLTV delta.
var ErrInvalidInvoice = errors.New("userapi: invalid invoice")

// Handler implements the three user/invoice management endpoints.
type Handler struct {
	store       *store.Store
	pool        *pool.Pool
	chainParams *chaincfg.Params
}

// New constructs a Handler.
func New(s *store.Store, p *pool.Pool, chainParams *chaincfg.Params) *Handler {
	return &Handler{store: s, pool: p, chainParams: chainParams}
}

// CreateUser validates a signed create-user request and inserts the new
// User row. Returns ErrUsernameTaken on a username collision.
func (h *Handler) CreateUser(ctx context.Context, username, pubkeyHex,
	sigHex string) error {

	if err := identity.VerifyCreateUser(username, pubkeyHex, sigHex); err != nil {
		return err
	}

	err := h.store.ExecTx(ctx, store.WriteTx(), func(q store.Querier) error {
		return q.InsertUser(ctx, models.User{
			Username: username,
			Pubkey:   pubkeyHex,
		})
	})
	if store.IsUniqueViolation(err) {
		return ErrUsernameTaken
	}

	return err
}

// CheckUserResult is the response shape for a check-user request.
type CheckUserResult struct {
	Username          string
	Pubkey            string
	InvoicesRemaining int64
}

// CheckUser validates a signed check-user request and returns the user's
// remaining Fresh-invoice count.
func (h *Handler) CheckUser(ctx context.Context, unixSeconds int64,
	pubkeyHex, sigHex string) (CheckUserResult, error) {

	pubkey, err := identity.ParsePubKey(pubkeyHex)
	if err != nil {
		return CheckUserResult{}, fmt.Errorf("%w: %v", identity.ErrAuth, err)
	}

	sig, err := identity.ParseSignatureDER(sigHex)
	if err != nil {
		return CheckUserResult{}, fmt.Errorf("%w: %v", identity.ErrAuth, err)
	}

	if err := identity.VerifyCheckUser(
		unixSeconds, pubkey, sig, time.Now(),
	); err != nil {
		return CheckUserResult{}, err
	}

	user, err := h.userByPubkey(ctx, pubkeyHex)
	if err != nil {
		return CheckUserResult{}, err
	}

	remaining, err := h.pool.CountAvailable(ctx, user.Username)
	if err != nil {
		return CheckUserResult{}, err
	}

	return CheckUserResult{
		Username:          user.Username,
		Pubkey:            user.Pubkey,
		InvoicesRemaining: remaining,
	}, nil
}

// AddInvoices validates a signed add-invoices request and bulk-inserts the
// supplied BOLT-11 strings as Fresh PooledInvoices, returning the number
// inserted.
func (h *Handler) AddInvoices(ctx context.Context, pubkeyHex, sigHex string,
	rawInvoices []string) (int, error) {

	if len(rawInvoices) == 0 {
		return 0, ErrEmptyInvoiceList
	}

	pubkey, err := identity.ParsePubKey(pubkeyHex)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", identity.ErrAuth, err)
	}

	sig, err := identity.ParseSignatureDER(sigHex)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", identity.ErrAuth, err)
	}

	pooled := make([]models.PooledInvoice, 0, len(rawInvoices))
	hashes := make([][32]byte, 0, len(rawInvoices))

	now := time.Now()
	for _, raw := range rawInvoices {
		inv, err := h.validateUpload(raw, now)
		if err != nil {
			return 0, err
		}

		pooled = append(pooled, inv.pooled)
		hashes = append(hashes, inv.hash)
	}

	if err := identity.VerifyAddInvoices(pubkey, sig, hashes); err != nil {
		return 0, err
	}

	user, err := h.userByPubkey(ctx, pubkeyHex)
	if err != nil {
		return 0, err
	}

	if err := h.pool.AddInvoices(ctx, user.Username, pooled); err != nil {
		return 0, err
	}

	return len(pooled), nil
}

type validatedInvoice struct {
	pooled models.PooledInvoice
	hash   [32]byte
}

// validateUpload decodes and validates a single uploaded invoice: it
// must decode against the configured network, carry no amount, not
// already be expired, and its min_final_cltv_expiry_delta must be below
// MaxUploadCLTVDelta.
func (h *Handler) validateUpload(raw string, now time.Time) (validatedInvoice, error) {
	inv, err := zpay32.Decode(raw, h.chainParams)
	if err != nil {
		return validatedInvoice{}, fmt.Errorf("%w: %v", ErrInvalidInvoice, err)
	}

	if inv.MilliSat != nil {
		return validatedInvoice{}, fmt.Errorf(
			"%w: invoice must not specify an amount", ErrInvalidInvoice,
		)
	}

	expiresAt := inv.Timestamp.Add(inv.Expiry())
	if now.After(expiresAt) {
		return validatedInvoice{}, fmt.Errorf(
			"%w: invoice already expired", ErrInvalidInvoice,
		)
	}

	if inv.MinFinalCLTVExpiry() >= MaxUploadCLTVDelta {
		return validatedInvoice{}, fmt.Errorf(
			"%w: min_final_cltv_expiry_delta must be below %d",
			ErrInvalidInvoice, MaxUploadCLTVDelta,
		)
	}

	if inv.PaymentHash == nil {
		return validatedInvoice{}, fmt.Errorf(
			"%w: invoice missing payment hash", ErrInvalidInvoice,
		)
	}

	return validatedInvoice{
		pooled: models.PooledInvoice{
			PaymentHash: fmt.Sprintf("%x", inv.PaymentHash[:]),
			Invoice:     raw,
			ExpiresAt:   expiresAt.Unix(),
		},
		hash: *inv.PaymentHash,
	}, nil
}

func (h *Handler) userByPubkey(ctx context.Context, pubkeyHex string) (
	models.User, error) {

	var user models.User
	err := h.store.ExecTx(ctx, store.ReadTx(), func(q store.Querier) error {
		var err error
		user, err = q.GetUserByPubkey(ctx, pubkeyHex)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return models.User{}, ErrUserNotFound
	}
	if err != nil {
		return models.User{}, err
	}

	return user, nil
}
