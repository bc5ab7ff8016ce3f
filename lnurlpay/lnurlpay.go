// Package lnurlpay implements the LNURL-pay metadata and callback
// endpoints, the entry point a payer's wallet hits to turn
// user@public_host into a wrapped hold invoice, per LUD-06/LUD-12/LUD-16.
package lnurlpay

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/benthecarman/zap-tunnel/lnadapter"
	"github.com/benthecarman/zap-tunnel/models"
	"github.com/benthecarman/zap-tunnel/pool"
	"github.com/benthecarman/zap-tunnel/store"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/nbd-wtf/go-nostr"
)

const (
	// MaxSendableMsat is the fixed upper bound on a single LNURL-pay
	// request.
	MaxSendableMsat int64 = 100_000_000

	// DefaultWrapExpirySeconds is the lifetime given to the wrapped hold
	// invoice, matching pool.DefaultWrapExpiry.
	DefaultWrapExpirySeconds = 360

	// maxCltvDeltaWrapped is the ceiling the wrapped invoice's CLTV delta
	// must not exceed once inflated for routing headroom.
	maxCltvDeltaWrapped = 2016

	zapRequestKind = 9734
)

// ErrUserNotFound maps to a 404 LNURL error response.
var ErrUserNotFound = errors.New("lnurlpay: user not found")

// ErrAmountOutOfRange is returned when the amount param is missing or
// at or below min_sendable.
var ErrAmountOutOfRange = errors.New("lnurlpay: amount out of range")

// ErrInvalidZapRequest is returned when a nostr param fails to parse as a
// kind-9734 event.
var ErrInvalidZapRequest = errors.New("lnurlpay: invalid zap request")

// ErrCltvTooLong is returned when the inflated wrapped CLTV delta would
// exceed maxCltvDeltaWrapped.
var ErrCltvTooLong = errors.New("lnurlpay: CLTV expiry too long")

// ErrNoInvoiceAvailable maps to a 404, mirroring pool.ErrNoInvoiceAvailable.
var ErrNoInvoiceAvailable = pool.ErrNoInvoiceAvailable

// UserLookup is the narrow read the metadata endpoint needs from the
// store, kept separate from pool so lnurlpay doesn't need a Querier
// import just to check existence.
type UserLookup interface {
	UserExists(ctx context.Context, username string) (bool, error)
}

// Handler serves both LNURL-pay sub-operations for one proxy instance.
type Handler struct {
	users       UserLookup
	pool        *pool.Pool
	store       *store.Store
	adapter     lnadapter.Adapter
	chainParams *chaincfg.Params

	publicHost     string
	baseFeeMsat    int64
	nostrPubkeyHex string
}

// Config bundles Handler's construction parameters.
type Config struct {
	PublicHost     string
	BaseFeeMsat    int64
	NostrPubkeyHex string
	ChainParams    *chaincfg.Params
}

// New constructs a Handler.
func New(users UserLookup, p *pool.Pool, s *store.Store, adapter lnadapter.Adapter,
	cfg Config) *Handler {

	return &Handler{
		users:          users,
		pool:           p,
		store:          s,
		adapter:        adapter,
		chainParams:    cfg.ChainParams,
		publicHost:     cfg.PublicHost,
		baseFeeMsat:    cfg.BaseFeeMsat,
		nostrPubkeyHex: cfg.NostrPubkeyHex,
	}
}

// PayResponse is the LUD-06 metadata response, extended with the
// LUD-12/LUD-16 nostr fields.
type PayResponse struct {
	Callback    string `json:"callback"`
	MaxSendable int64  `json:"maxSendable"`
	MinSendable int64  `json:"minSendable"`
	Tag         string `json:"tag"`
	Metadata    string `json:"metadata"`
	AllowsNostr bool   `json:"allowsNostr"`
	NostrPubkey string `json:"nostrPubkey,omitempty"`
}

// InvoiceResponse is the LUD-06 callback response.
type InvoiceResponse struct {
	PR     string   `json:"pr"`
	Routes []string `json:"routes"`
}

// calculateMetadata reproduces the canonical metadata array for username.
// The output must be byte-identical across calls: its SHA-256 is the
// description hash committed into wrapped invoices without a zap request.
func calculateMetadata(username, publicHost string) string {
	pairs := [][2]string{
		{"text/plain", fmt.Sprintf("Pay to %s", username)},
		{"text/identifier", fmt.Sprintf("%s@%s", username, publicHost)},
	}

	buf, err := json.Marshal(pairs)
	if err != nil {
		// The inputs are plain strings; Marshal cannot fail here.
		panic(err)
	}

	return string(buf)
}

// Metadata implements GET /.well-known/lnurlp/{username}.
func (h *Handler) Metadata(ctx context.Context, username string) (PayResponse, error) {
	exists, err := h.users.UserExists(ctx, username)
	if err != nil {
		return PayResponse{}, err
	}
	if !exists {
		return PayResponse{}, ErrUserNotFound
	}

	minSendable := int64(1_000)
	if h.baseFeeMsat > minSendable {
		minSendable = h.baseFeeMsat
	}

	return PayResponse{
		Callback:    fmt.Sprintf("https://%s/lnurlp/%s", h.publicHost, username),
		MaxSendable: MaxSendableMsat,
		MinSendable: minSendable,
		Tag:         "payRequest",
		Metadata:    calculateMetadata(username, h.publicHost),
		AllowsNostr: true,
		NostrPubkey: h.nostrPubkeyHex,
	}, nil
}

// Callback implements GET /lnurlp/{username}?amount=...&nostr=....
func (h *Handler) Callback(ctx context.Context, username string, amountMsat int64,
	zapRequestJSON string) (InvoiceResponse, error) {

	minSendable := int64(1_000)
	if h.baseFeeMsat > minSendable {
		minSendable = h.baseFeeMsat
	}
	if amountMsat <= 0 || amountMsat <= minSendable {
		return InvoiceResponse{}, ErrAmountOutOfRange
	}

	var (
		descHash [32]byte
		hasZap   bool
	)

	if zapRequestJSON != "" {
		var event nostr.Event
		if err := json.Unmarshal([]byte(zapRequestJSON), &event); err != nil {
			return InvoiceResponse{}, ErrInvalidZapRequest
		}
		if event.Kind != zapRequestKind {
			return InvoiceResponse{}, ErrInvalidZapRequest
		}

		descHash = sha256.Sum256([]byte(zapRequestJSON))
		hasZap = true
	} else {
		metadata := calculateMetadata(username, h.publicHost)
		descHash = sha256.Sum256([]byte(metadata))
	}

	pooled, err := h.pool.ReserveNext(ctx, username)
	if errors.Is(err, pool.ErrNoInvoiceAvailable) {
		return InvoiceResponse{}, ErrNoInvoiceAvailable
	}
	if err != nil {
		return InvoiceResponse{}, err
	}

	underlying, err := zpay32.Decode(pooled.Invoice, h.chainParams)
	if err != nil {
		return InvoiceResponse{}, fmt.Errorf("decode pooled invoice: %w", err)
	}

	wrappedCltvDelta := int32(underlying.MinFinalCLTVExpiry())*6 + 3
	if wrappedCltvDelta > maxCltvDeltaWrapped {
		return InvoiceResponse{}, ErrCltvTooLong
	}

	hash, err := lntypes.MakeHashFromStr(pooled.PaymentHash)
	if err != nil {
		return InvoiceResponse{}, fmt.Errorf("parse payment hash: %w", err)
	}

	wrappedInvoice, err := h.adapter.AddHoldInvoice(ctx, lnadapter.HoldInvoiceRequest{
		PaymentHash:     hash,
		ValueMsat:       amountMsat,
		DescriptionHash: descHash,
		ExpirySeconds:   DefaultWrapExpirySeconds,
		FinalCltvDelta:  wrappedCltvDelta,
	})
	if err != nil {
		return InvoiceResponse{}, fmt.Errorf("add hold invoice: %w", err)
	}

	if hasZap {
		err := h.store.ExecTx(ctx, store.WriteTx(), func(q store.Querier) error {
			return q.InsertZap(ctx, models.Zap{
				PaymentHash: pooled.PaymentHash,
				Invoice:     wrappedInvoice,
				Request:     zapRequestJSON,
			})
		})
		if err != nil {
			return InvoiceResponse{}, fmt.Errorf("persist zap row: %w", err)
		}
	}

	return InvoiceResponse{PR: wrappedInvoice, Routes: []string{}}, nil
}
