// Package broker implements the payment broker: the state machine that
// watches incoming hold invoices and, on ACCEPTED, pays the matching
// underlying user invoice and settles the incoming HTLC iff that payment
// succeeds. This is the proxy's central critical section -- the broker
// never settles an incoming HTLC before an outgoing payment has actually
// succeeded, and never pays out without a confirmed incoming HTLC.
package broker

import (
	"context"
	"errors"
	"fmt"
	"math"
	prand "math/rand"
	"sync"
	"time"

	"github.com/benthecarman/zap-tunnel/lnadapter"
	"github.com/benthecarman/zap-tunnel/pool"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/zpay32"
)

// ErrIntegrity is returned when a brokerage step observes a state the
// invariants say should be impossible, such as an ACCEPTED update for a
// payment hash with no Reserved pool row.
var ErrIntegrity = errors.New("broker: integrity violation")

const (
	// minPayTimeout and maxPayTimeout bound the timeout passed to
	// send_payment, derived from the underlying invoice's remaining
	// validity.
	minPayTimeout = 10 * time.Second
	maxPayTimeout = 60 * time.Second

	// settleRetryBaseDelay and settleRetryMaxAttempts bound the backoff
	// used to retry SettleInvoice, the one place a failure is retried
	// instead of answered with a cancel: the outgoing payment has already
	// completed, so the payer is owed a settle.
	settleRetryBaseDelay   = 500 * time.Millisecond
	settleRetryMaxAttempts = 12
)

// ZapEmitter is the narrow interface the broker needs from the zap emitter,
// invoked (non-fatally) after a successful brokerage.
type ZapEmitter interface {
	EmitZap(ctx context.Context, paymentHash lntypes.Hash) error
}

// Broker is the payment broker. One Broker instance serves every user; the
// per-payment-hash state lives entirely in the pool/store, not in memory,
// so a restart just re-subscribes via GetActiveReserved.
type Broker struct {
	adapter lnadapter.Adapter
	pool    *pool.Pool
	zap     ZapEmitter

	chainParams *chaincfg.Params

	baseFeeMsat    int64
	feeRatePercent float64

	wg sync.WaitGroup
}

// Config bundles the broker's fee schedule and the network its invoices
// decode against.
type Config struct {
	BaseFeeMsat    int64
	FeeRatePercent float64
	ChainParams    *chaincfg.Params
}

// New constructs a Broker. zap may be nil, in which case brokerage success
// never attempts to emit a zap receipt.
func New(adapter lnadapter.Adapter, p *pool.Pool, zap ZapEmitter, cfg Config) *Broker {
	return &Broker{
		adapter:        adapter,
		pool:           p,
		zap:            zap,
		chainParams:    cfg.ChainParams,
		baseFeeMsat:    cfg.BaseFeeMsat,
		feeRatePercent: cfg.FeeRatePercent,
	}
}

// Run starts the broker's recovery pass and its main invoice subscription
// loop. It blocks until ctx is canceled, at which point it waits for every
// spawned per-invoice goroutine to exit before returning.
func (b *Broker) Run(ctx context.Context) error {
	if err := b.recoverActiveReservations(ctx); err != nil {
		return fmt.Errorf("recover active reservations: %w", err)
	}

	updates, errs, err := b.adapter.SubscribeInvoices(ctx)
	if err != nil {
		return fmt.Errorf("subscribe invoices: %w", err)
	}

	b.mainLoop(ctx, updates, errs)
	b.wg.Wait()

	return nil
}

// recoverActiveReservations re-attaches a single-invoice subscription for
// every invoice that was Reserved before this process started (or
// restarted), so a crash inside the 360s hold window loses nothing.
func (b *Broker) recoverActiveReservations(ctx context.Context) error {
	active, err := b.pool.GetActiveReserved(ctx)
	if err != nil {
		return err
	}

	for _, inv := range active {
		hash, err := lntypes.MakeHashFromStr(inv.PaymentHash)
		if err != nil {
			log.Errorf("skipping malformed payment hash %q on recovery: %v",
				inv.PaymentHash, err)
			continue
		}

		b.watchSingleInvoice(ctx, hash)
	}

	return nil
}

// mainLoop dispatches each update from the node-wide invoice
// subscription by state.
func (b *Broker) mainLoop(ctx context.Context, updates <-chan lnadapter.InvoiceUpdate,
	errs <-chan error) {

	for {
		select {
		case <-ctx.Done():
			return

		case update, ok := <-updates:
			if !ok {
				return
			}
			b.dispatch(ctx, update)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				log.Errorf("invoice subscription error: %v", err)
			}
		}
	}
}

func (b *Broker) dispatch(ctx context.Context, update lnadapter.InvoiceUpdate) {
	switch update.State {
	case lnadapter.InvoiceOpen:
		// A brand new invoice. Only hold invoices (no preimage known
		// to the node) are ours to broker; everything else on the
		// node's stream is ignored.
		if update.Preimage != nil {
			return
		}

		// Attach a dedicated subscription so we see its ACCEPTED
		// transition even if the node-wide stream is noisy with other
		// invoices.
		b.watchSingleInvoice(ctx, update.PaymentHash)

	case lnadapter.InvoiceAccepted:
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.handleAccepted(ctx, update)
		}()

	case lnadapter.InvoiceSettled, lnadapter.InvoiceCanceled:
		// Terminal states the broker doesn't act on directly:
		// handleAccepted already made the settle or cancel decision,
		// and a canceled invoice leaves its pool row Reserved.

	default:
		log.Debugf("ignoring invoice update in unknown state for hash=%v",
			update.PaymentHash)
	}
}

// watchSingleInvoice spawns a goroutine that subscribes to one invoice's
// updates and runs the brokerage procedure the moment it sees ACCEPTED.
func (b *Broker) watchSingleInvoice(ctx context.Context, hash lntypes.Hash) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		updates, errs, err := b.adapter.SubscribeSingleInvoice(ctx, hash)
		if err != nil {
			log.Errorf("subscribe single invoice %v: %v", hash, err)
			return
		}

		for {
			select {
			case <-ctx.Done():
				return

			case update, ok := <-updates:
				if !ok {
					return
				}

				if update.State == lnadapter.InvoiceAccepted {
					b.handleAccepted(ctx, update)
					return
				}

				if update.State == lnadapter.InvoiceSettled ||
					update.State == lnadapter.InvoiceCanceled {
					return
				}

			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				if err != nil {
					log.Errorf("single invoice stream %v: %v", hash, err)
					return
				}
			}
		}
	}()
}

// handleAccepted runs the brokerage procedure for an ACCEPTED update:
// load the pool row, bound the payment timeout by the underlying
// invoice's remaining validity, withhold the fee, pay the underlying
// invoice, and settle iff that payment succeeded.
func (b *Broker) handleAccepted(ctx context.Context, update lnadapter.InvoiceUpdate) {
	hash := update.PaymentHash
	paymentHash := hash.String()

	pooled, err := b.pool.GetByHash(ctx, paymentHash)
	if err != nil {
		log.Errorf("%v: no pool row for accepted invoice %v: %v",
			ErrIntegrity, paymentHash, err)
		b.cancel(ctx, hash)
		return
	}

	if pooled.IsPaid() {
		log.Errorf("%v: accepted update for already-paid invoice %v",
			ErrIntegrity, paymentHash)
		b.cancel(ctx, hash)
		return
	}

	underlying, err := zpay32.Decode(pooled.Invoice, b.chainParams)
	if err != nil {
		log.Errorf("decode underlying invoice for %v: %v", paymentHash, err)
		b.cancel(ctx, hash)
		return
	}

	timeoutSeconds, ok := payTimeout(underlying)
	if !ok {
		log.Debugf("insufficient time remaining on underlying invoice for %v",
			paymentHash)
		b.cancel(ctx, hash)
		return
	}

	totalFeeMsat := int64(math.Floor(
		float64(b.baseFeeMsat) + (b.feeRatePercent/100)*float64(update.AmtPaidMsat),
	))
	amtOutMsat := update.AmtPaidMsat - totalFeeMsat
	if amtOutMsat <= 0 {
		log.Debugf("fee %d msat would exceed incoming %d msat for %v",
			totalFeeMsat, update.AmtPaidMsat, paymentHash)
		b.cancel(ctx, hash)
		return
	}

	payments, err := b.adapter.SendPayment(ctx, lnadapter.SendPaymentRequest{
		Invoice:           pooled.Invoice,
		AmtMsat:           amtOutMsat,
		FeeLimitMsat:      totalFeeMsat,
		TimeoutSeconds:    int32(timeoutSeconds.Seconds()),
		NoInflightUpdates: true,
		TimePreference:    0.9,
	})
	if err != nil {
		log.Errorf("send_payment for %v: %v", paymentHash, err)
		b.cancel(ctx, hash)
		return
	}

	result := awaitTerminal(ctx, payments)
	if result.State != lnadapter.PaymentSucceeded {
		log.Debugf("outgoing payment for %v ended in state %v: %s",
			paymentHash, result.State, result.FailureReason)
		b.cancel(ctx, hash)
		return
	}

	// Past this point the outgoing payment has succeeded: the payer is
	// owed a settle no matter what goes wrong next.
	b.settleDurably(ctx, result.Preimage)

	feesEarned := totalFeeMsat - result.FeeMsat
	if err := b.pool.MarkPaid(ctx, paymentHash, feesEarned); err != nil {
		log.Errorf("mark paid for %v: %v", paymentHash, err)
	}

	if b.zap != nil {
		if err := b.zap.EmitZap(ctx, hash); err != nil {
			log.Errorf("emit zap for %v: %v", paymentHash, err)
		}
	}
}

// cancel cancels the incoming hold invoice, logging (but not acting
// further on) any error. Cancel-on-error is the rule everywhere except
// after a successful outgoing payment.
func (b *Broker) cancel(ctx context.Context, hash lntypes.Hash) {
	if err := b.adapter.CancelInvoice(ctx, hash); err != nil {
		log.Errorf("cancel invoice %v: %v", hash, err)
	}
}

// settleDurably treats SettleInvoice as a mandatory obligation once the
// outgoing payment has succeeded: the preimage is known, so settlement is
// idempotent and safe to retry. It retries with exponential backoff for up
// to settleRetryMaxAttempts attempts; if every attempt fails (or ctx is
// canceled) it logs the failure and returns without settling.
func (b *Broker) settleDurably(ctx context.Context, preimage lntypes.Preimage) {
	delay := settleRetryBaseDelay

	for attempt := 0; attempt < settleRetryMaxAttempts; attempt++ {
		err := b.adapter.SettleInvoice(ctx, preimage)
		if err == nil {
			return
		}

		log.Errorf("settle_invoice attempt %d failed, retrying: %v",
			attempt, err)

		jitter := time.Duration(prand.Int63n(int64(delay))) //nolint:gosec
		select {
		case <-time.After(delay + jitter):
		case <-ctx.Done():
			return
		}

		if delay < maxPayTimeout {
			delay *= 2
		}
	}

	log.Errorf("settle_invoice exhausted retries for preimage hash=%v; "+
		"manual intervention required", preimage.Hash())
}

// payTimeout chooses the outgoing payment's timeout from the underlying
// invoice's remaining validity: cap at 60s, abort under 10s.
func payTimeout(inv *zpay32.Invoice) (time.Duration, bool) {
	deadline := inv.Timestamp.Add(inv.Expiry())
	remaining := time.Until(deadline)

	switch {
	case remaining > maxPayTimeout:
		return maxPayTimeout, true
	case remaining > minPayTimeout:
		return remaining, true
	default:
		return 0, false
	}
}

// awaitTerminal drains payments until a terminal update (anything but
// IN_FLIGHT) arrives, or ctx is canceled.
func awaitTerminal(ctx context.Context,
	payments <-chan lnadapter.PaymentUpdate) lnadapter.PaymentUpdate {

	for {
		select {
		case update, ok := <-payments:
			if !ok {
				return lnadapter.PaymentUpdate{State: lnadapter.PaymentFailed}
			}
			if update.State != lnadapter.PaymentInFlight {
				return update
			}

		case <-ctx.Done():
			return lnadapter.PaymentUpdate{State: lnadapter.PaymentFailed}
		}
	}
}
