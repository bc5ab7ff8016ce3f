package lnadapter

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/lightninglabs/lndclient"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// defaultCallTimeout bounds any unary call made to the backing node; the
// streaming calls (SubscribeInvoices, SendPayment) are bounded by ctx
// instead, since they're expected to live for as long as the caller needs.
const defaultCallTimeout = 10 * time.Second

// LndAdapter is the production Adapter, backed by a running lnd node. It
// holds the three raw gRPC sub-clients the proxy's operations map onto,
// all sharing one connection.
type LndAdapter struct {
	lnd      lnrpc.LightningClient
	invoices invoicesrpc.InvoicesClient
	router   routerrpc.RouterClient
}

var _ Adapter = (*LndAdapter)(nil)

// Dial connects to lnd at the given host using the TLS cert and macaroon
// files from the config, via lndclient's basic connection helpers.
func Dial(lndHost, network, tlsCertPath, macaroonPath string) (*LndAdapter, error) {
	conn, err := lndclient.NewBasicConn(
		lndHost, tlsCertPath, filepath.Dir(macaroonPath), network,
		lndclient.MacFilename(filepath.Base(macaroonPath)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial lnd: %w", err)
	}

	return &LndAdapter{
		lnd:      lnrpc.NewLightningClient(conn),
		invoices: invoicesrpc.NewInvoicesClient(conn),
		router:   routerrpc.NewRouterClient(conn),
	}, nil
}

func (l *LndAdapter) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	ctxt, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	resp, err := l.lnd.SignMessage(ctxt, &lnrpc.SignMessageRequest{Msg: msg})
	if err != nil {
		return nil, classifyRPCError("SignMessage", err)
	}

	return []byte(resp.Signature), nil
}

func (l *LndAdapter) AddHoldInvoice(ctx context.Context, req HoldInvoiceRequest) (
	string, error) {

	ctxt, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	resp, err := l.invoices.AddHoldInvoice(
		ctxt, &invoicesrpc.AddHoldInvoiceRequest{
			Hash:            req.PaymentHash[:],
			ValueMsat:       req.ValueMsat,
			DescriptionHash: req.DescriptionHash[:],
			Expiry:          int64(req.ExpirySeconds),
			CltvExpiry:      uint64(req.FinalCltvDelta),
		},
	)
	if err != nil {
		return "", classifyRPCError("AddHoldInvoice", err)
	}

	return resp.PaymentRequest, nil
}

func (l *LndAdapter) SubscribeInvoices(ctx context.Context) (
	<-chan InvoiceUpdate, <-chan error, error) {

	stream, err := l.lnd.SubscribeInvoices(ctx, &lnrpc.InvoiceSubscription{})
	if err != nil {
		return nil, nil, wrapTransportErr("SubscribeInvoices", err)
	}

	updates, errs := translateInvoiceStream(stream.Recv)
	return updates, errs, nil
}

func (l *LndAdapter) SubscribeSingleInvoice(ctx context.Context,
	hash lntypes.Hash) (<-chan InvoiceUpdate, <-chan error, error) {

	stream, err := l.invoices.SubscribeSingleInvoice(
		ctx, &invoicesrpc.SubscribeSingleInvoiceRequest{
			RHash: hash[:],
		},
	)
	if err != nil {
		return nil, nil, wrapTransportErr("SubscribeSingleInvoice", err)
	}

	updates, errs := translateInvoiceStream(stream.Recv)
	return updates, errs, nil
}

func (l *LndAdapter) SendPayment(ctx context.Context, req SendPaymentRequest) (
	<-chan PaymentUpdate, error) {

	stream, err := l.router.SendPaymentV2(ctx, &routerrpc.SendPaymentRequest{
		PaymentRequest:    req.Invoice,
		AmtMsat:           req.AmtMsat,
		FeeLimitMsat:      req.FeeLimitMsat,
		TimeoutSeconds:    req.TimeoutSeconds,
		NoInflightUpdates: req.NoInflightUpdates,
		AllowSelfPayment:  req.AllowSelfPayment,
		Amp:               req.AMP,
		TimePref:          req.TimePreference,
	})
	if err != nil {
		return nil, wrapTransportErr("SendPaymentV2", err)
	}

	out := make(chan PaymentUpdate)

	go func() {
		defer close(out)

		for {
			payment, err := stream.Recv()
			if err != nil {
				if err == io.EOF {
					return
				}

				// The stream dying mid-payment leaves the
				// outcome unknown; the broker treats that the
				// same as a reported failure and cancels.
				update := PaymentUpdate{
					State:         PaymentUnknown,
					FailureReason: err.Error(),
				}
				select {
				case out <- update:
				case <-ctx.Done():
				}
				return
			}

			update := translatePayment(payment)
			select {
			case out <- update:
			case <-ctx.Done():
				return
			}

			if update.State != PaymentInFlight {
				return
			}
		}
	}()

	return out, nil
}

func (l *LndAdapter) SettleInvoice(ctx context.Context, preimage lntypes.Preimage) error {
	ctxt, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	_, err := l.invoices.SettleInvoice(ctxt, &invoicesrpc.SettleInvoiceMsg{
		Preimage: preimage[:],
	})
	if err != nil {
		return classifyRPCError("SettleInvoice", err)
	}

	return nil
}

func (l *LndAdapter) CancelInvoice(ctx context.Context, hash lntypes.Hash) error {
	ctxt, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	_, err := l.invoices.CancelInvoice(ctxt, &invoicesrpc.CancelInvoiceMsg{
		PaymentHash: hash[:],
	})
	if err != nil {
		return classifyRPCError("CancelInvoice", err)
	}

	return nil
}

// translateInvoiceStream pumps a raw lnrpc invoice stream into our own
// InvoiceUpdate/error channels. recv is the stream's blocking Recv; the
// pump goroutine exits when it returns any error, with io.EOF treated as a
// clean close.
func translateInvoiceStream(recv func() (*lnrpc.Invoice, error)) (
	<-chan InvoiceUpdate, <-chan error) {

	out := make(chan InvoiceUpdate)
	outErr := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(outErr)

		for {
			invoice, err := recv()
			if err != nil {
				if err != io.EOF {
					outErr <- wrapTransportErr("invoice stream", err)
				}
				return
			}

			update, err := translateInvoice(invoice)
			if err != nil {
				log.Warnf("dropping unparsable invoice update: %v", err)
				continue
			}

			out <- update
		}
	}()

	return out, outErr
}

func translateInvoice(invoice *lnrpc.Invoice) (InvoiceUpdate, error) {
	hash, err := lntypes.MakeHash(invoice.RHash)
	if err != nil {
		return InvoiceUpdate{}, fmt.Errorf("parse payment hash: %w", err)
	}

	update := InvoiceUpdate{
		PaymentHash: hash,
		State:       translateInvoiceState(invoice.State),
		AmtPaidMsat: invoice.AmtPaidMsat,
	}

	// Hold invoices carry no preimage until settled; a nil Preimage is
	// how the broker recognizes them.
	if len(invoice.RPreimage) > 0 {
		preimage, err := lntypes.MakePreimage(invoice.RPreimage)
		if err != nil {
			return InvoiceUpdate{}, fmt.Errorf("parse preimage: %w", err)
		}
		update.Preimage = &preimage
	}

	return update, nil
}

func translateInvoiceState(state lnrpc.Invoice_InvoiceState) InvoiceState {
	switch state {
	case lnrpc.Invoice_ACCEPTED:
		return InvoiceAccepted
	case lnrpc.Invoice_SETTLED:
		return InvoiceSettled
	case lnrpc.Invoice_CANCELED:
		return InvoiceCanceled
	default:
		return InvoiceOpen
	}
}

func translatePayment(payment *lnrpc.Payment) PaymentUpdate {
	update := PaymentUpdate{
		FeeMsat: payment.FeeMsat,
	}

	switch payment.Status {
	case lnrpc.Payment_SUCCEEDED:
		update.State = PaymentSucceeded

		preimage, err := lntypes.MakePreimageFromStr(payment.PaymentPreimage)
		if err != nil {
			// A success without a parsable preimage cannot be
			// settled against; report it as unknown so the broker
			// cancels instead of settling blind.
			update.State = PaymentUnknown
			update.FailureReason = fmt.Sprintf(
				"unparsable preimage: %v", err,
			)
			return update
		}
		update.Preimage = preimage

	case lnrpc.Payment_FAILED:
		update.State = PaymentFailed
		update.FailureReason = payment.FailureReason.String()

	case lnrpc.Payment_IN_FLIGHT:
		update.State = PaymentInFlight

	default:
		update.State = PaymentUnknown
	}

	return update
}

// classifyRPCError splits a unary call error into the transport vs
// node-rejected halves of the adapter's error taxonomy: anything that never
// reached (or never heard back from) the node is transport, everything the
// node itself reported is a rejection.
func classifyRPCError(op string, err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return wrapTransportErr(op, err)
	default:
		return wrapRejectedErr(op, err)
	}
}
