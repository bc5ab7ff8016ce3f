// Package lnadapter is a thin typed wrapper over the proxy's local Lightning
// node, narrowing lndclient's full RPC surface down to the seven operations
// the broker and LNURL-pay endpoint need: signing a message as proof of node
// identity, minting and watching hold invoices, paying the underlying
// invoice, and settling or canceling the incoming HTLC.
package lnadapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/lightningnetwork/lnd/lntypes"
)

// ErrTransport wraps a failure to reach the backing node at all (a dropped
// gRPC connection, a context deadline, a stream breaking off with an error
// other than io.EOF, which is treated as a clean close).
var ErrTransport = errors.New("lnadapter: transport error")

// ErrNodeRejected wraps a request the node understood but declined, such as
// a CLTV delta it considers unsafe or an invoice it refuses to decode.
var ErrNodeRejected = errors.New("lnadapter: rejected by node")

// HoldInvoiceRequest describes a hold invoice to mint. The adapter never
// sees or generates a preimage for these: the node holds the incoming HTLC
// in ACCEPTED state until the caller later supplies one via SettleInvoice.
type HoldInvoiceRequest struct {
	PaymentHash     lntypes.Hash
	ValueMsat       int64
	DescriptionHash [32]byte
	ExpirySeconds   int32
	FinalCltvDelta  int32
}

// InvoiceState mirrors the subset of lnrpc's invoice state enum the broker
// acts on.
type InvoiceState int

const (
	InvoiceOpen InvoiceState = iota
	InvoiceAccepted
	InvoiceSettled
	InvoiceCanceled
)

func (s InvoiceState) String() string {
	switch s {
	case InvoiceOpen:
		return "OPEN"
	case InvoiceAccepted:
		return "ACCEPTED"
	case InvoiceSettled:
		return "SETTLED"
	case InvoiceCanceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

// InvoiceUpdate is a single state transition observed on an invoice,
// whether via the all-invoices subscription or a single-invoice one.
// Preimage is nil for hold invoices (the node doesn't know it) and for
// updates before SETTLED.
type InvoiceUpdate struct {
	PaymentHash lntypes.Hash
	State       InvoiceState
	AmtPaidMsat int64
	Preimage    *lntypes.Preimage
}

// PaymentState mirrors lnrpc's payment status enum.
type PaymentState int

const (
	PaymentInFlight PaymentState = iota
	PaymentSucceeded
	PaymentFailed
	PaymentUnknown
)

func (s PaymentState) String() string {
	switch s {
	case PaymentInFlight:
		return "IN_FLIGHT"
	case PaymentSucceeded:
		return "SUCCEEDED"
	case PaymentFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// SendPaymentRequest describes an outgoing payment attempt against the
// user's underlying invoice.
type SendPaymentRequest struct {
	Invoice           string
	AmtMsat           int64
	FeeLimitMsat      int64
	TimeoutSeconds    int32
	NoInflightUpdates bool
	AllowSelfPayment  bool
	AMP               bool
	TimePreference    float64
}

// PaymentUpdate is a single update on an outgoing payment's progress. Only
// the terminal update (State != PaymentInFlight) carries Preimage/FeeMsat/
// FailureReason.
type PaymentUpdate struct {
	State         PaymentState
	Preimage      lntypes.Preimage
	FeeMsat       int64
	FailureReason string
}

// Adapter is the Lightning adapter's full interface: everything the broker,
// LNURL-pay endpoint, and identity layer need from the local node.
type Adapter interface {
	// SignMessage signs msg with the node's own identity key, proving
	// control of the node backing this proxy instance.
	SignMessage(ctx context.Context, msg []byte) ([]byte, error)

	// AddHoldInvoice mints a hold invoice whose preimage the node does
	// not know; incoming HTLCs sit in ACCEPTED state until Settle or
	// Cancel is called for the same payment hash.
	AddHoldInvoice(ctx context.Context, req HoldInvoiceRequest) (string, error)

	// SubscribeInvoices streams updates for every invoice on the node.
	SubscribeInvoices(ctx context.Context) (<-chan InvoiceUpdate, <-chan error, error)

	// SubscribeSingleInvoice streams updates for one invoice, identified
	// by payment hash, from whatever its current state is onward.
	SubscribeSingleInvoice(ctx context.Context, hash lntypes.Hash) (
		<-chan InvoiceUpdate, <-chan error, error)

	// SendPayment attempts to pay req.Invoice, streaming updates until a
	// terminal one is produced.
	SendPayment(ctx context.Context, req SendPaymentRequest) (<-chan PaymentUpdate, error)

	// SettleInvoice releases a held HTLC using preimage, whose hash must
	// match the invoice it settles.
	SettleInvoice(ctx context.Context, preimage lntypes.Preimage) error

	// CancelInvoice cancels a held (or still-open) invoice, returning the
	// HTLC to the sender.
	CancelInvoice(ctx context.Context, hash lntypes.Hash) error
}

// wrapTransportErr classifies a gRPC/stream-level error as ErrTransport.
func wrapTransportErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrTransport, op, err)
}

// wrapRejectedErr classifies a node-reported rejection as ErrNodeRejected.
func wrapRejectedErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrNodeRejected, op, err)
}
