// Package zapreceipt builds and publishes NIP-57 kind-9735 zap receipts
// once the broker has settled the incoming HTLC backing a zap request,
// grounded line-for-line on original_source/server/src/nostr.rs.
package zapreceipt

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/benthecarman/zap-tunnel/store"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// ErrRelayPublish is returned when every configured relay rejected the
// event; the caller treats this as non-fatal and does not reverse the
// payment.
var ErrRelayPublish = errors.New("zapreceipt: publish failed on every relay")

// ErrNoZapRequest is returned by EmitZap when the referenced payment hash
// has no pending Zap row, meaning the payer never supplied a nostr param.
var ErrNoZapRequest = errors.New("zapreceipt: no zap request for payment hash")

// DefaultRelays is the fixed relay set the original implementation
// hardcodes. New uses it whenever it is given no relays; the proxy's config
// has no relay setting, so the running proxy always publishes here.
var DefaultRelays = []string{
	"wss://nostr.mutinywallet.com",
	"wss://nostr.zebedee.cloud",
	"wss://relay.snort.social",
	"wss://relay.nostr.band",
	"wss://eden.nostr.land",
	"wss://nos.lol",
	"wss://nostr.fmt.wiz.biz",
	"wss://relay.damus.io",
	"wss://nostr.wine",
}

const relayPublishTimeout = 10 * time.Second

// Emitter constructs and broadcasts kind-9735 zap receipts on behalf of a
// single configured Nostr identity.
type Emitter struct {
	store       *store.Store
	chainParams *chaincfg.Params

	privHex string
	pubHex  string

	relays []string

	// dial opens a relay connection; overridden in tests to avoid real
	// network calls.
	dial func(ctx context.Context, url string) (relayPublisher, error)
}

// relayPublisher is the narrow slice of *nostr.Relay the emitter needs,
// allowing tests to substitute a fake relay.
type relayPublisher interface {
	Publish(ctx context.Context, event nostr.Event) error
	Close() error
}

// New builds an Emitter from a Nostr private key, given either as a
// bech32 nsec (NIP-19) or as 64 hex characters. relays may be nil, in
// which case DefaultRelays is used.
func New(s *store.Store, chainParams *chaincfg.Params, nsec string,
	relays []string) (*Emitter, error) {

	privHex, err := decodePrivateKey(nsec)
	if err != nil {
		return nil, err
	}

	pubHex, err := nostr.GetPublicKey(privHex)
	if err != nil {
		return nil, fmt.Errorf("derive pubkey: %w", err)
	}

	if len(relays) == 0 {
		relays = DefaultRelays
	}

	return &Emitter{
		store:       s,
		chainParams: chainParams,
		privHex:     privHex,
		pubHex:      pubHex,
		relays:      relays,
		dial:        defaultDial,
	}, nil
}

func defaultDial(ctx context.Context, url string) (relayPublisher, error) {
	return nostr.RelayConnect(ctx, url)
}

// decodePrivateKey accepts an nsec1... bech32 string or a raw 64-char hex
// key and returns the hex form go-nostr's signing helpers expect.
func decodePrivateKey(nsec string) (string, error) {
	if prefix, value, err := nip19.Decode(nsec); err == nil {
		if prefix != "nsec" {
			return "", fmt.Errorf(
				"zapreceipt: expected nsec, got %q", prefix,
			)
		}

		privHex, ok := value.(string)
		if !ok {
			return "", errors.New("zapreceipt: malformed nsec")
		}

		return privHex, nil
	}

	if len(nsec) != 64 {
		return "", errors.New(
			"zapreceipt: private key must be bech32 nsec or 64 hex chars",
		)
	}
	if _, err := hex.DecodeString(nsec); err != nil {
		return "", fmt.Errorf("zapreceipt: decode private key: %w", err)
	}

	return nsec, nil
}

// PublicKeyHex returns the hex-encoded Nostr public key this Emitter signs
// zap receipts with, used as the LNURL-pay metadata response's
// nostr_pubkey field (LUD-12).
func (e *Emitter) PublicKeyHex() string {
	return e.pubHex
}

// EmitZap implements broker.ZapEmitter. It builds the fake receipt
// BOLT-11, the kind-9735 event, publishes it to every configured relay,
// and persists the resulting event id on success. A relay failure is
// logged only; the payment that triggered this call has already settled
// and is never reversed.
func (e *Emitter) EmitZap(ctx context.Context, paymentHash lntypes.Hash) error {
	zap, err := e.loadPendingZap(ctx, paymentHash.String())
	if errors.Is(err, ErrNoZapRequest) {
		return nil
	}
	if err != nil {
		return err
	}

	wrapped, err := zpay32.Decode(zap.Invoice, e.chainParams)
	if err != nil {
		return fmt.Errorf("decode wrapped invoice: %w", err)
	}
	if wrapped.MilliSat == nil {
		return errors.New("zapreceipt: wrapped invoice has no amount")
	}

	fakeInvoice, preimage, err := e.buildFakeInvoice(*wrapped.MilliSat, wrapped.DescriptionHash)
	if err != nil {
		return fmt.Errorf("build fake invoice: %w", err)
	}

	event, err := e.buildReceiptEvent(fakeInvoice, preimage, zap.Request)
	if err != nil {
		return fmt.Errorf("build receipt event: %w", err)
	}

	if err := e.publish(ctx, event); err != nil {
		log.Errorf("publish zap receipt for %v: %v", paymentHash, err)
		return err
	}

	if err := e.store.ExecTx(ctx, store.WriteTx(), func(q store.Querier) error {
		return q.SetZapNoteID(ctx, paymentHash.String(), event.ID)
	}); err != nil {
		return fmt.Errorf("persist note id: %w", err)
	}

	return nil
}

func (e *Emitter) loadPendingZap(ctx context.Context, paymentHash string) (
	zapRow, error) {

	var row zapRow

	err := e.store.ExecTx(ctx, store.ReadTx(), func(q store.Querier) error {
		z, err := q.GetZapByHash(ctx, paymentHash)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoZapRequest
		}
		if err != nil {
			return err
		}
		if z.NoteID != nil {
			return ErrNoZapRequest
		}

		row = zapRow{Invoice: z.Invoice, Request: z.Request}
		return nil
	})

	return row, err
}

type zapRow struct {
	Invoice string
	Request string
}

// buildFakeInvoice mints the non-payable BOLT-11 the receipt's bolt11 tag
// points to: an ephemeral key signs over a fresh random preimage, with the
// wrapped invoice's amount and description hash carried over unchanged.
func (e *Emitter) buildFakeInvoice(amtMsat lnwire.MilliSatoshi,
	descHash *[32]byte) (string, lntypes.Preimage, error) {

	var preimage lntypes.Preimage
	if _, err := rand.Read(preimage[:]); err != nil {
		return "", preimage, err
	}
	hash := sha256.Sum256(preimage[:])

	var paymentAddr [32]byte
	if _, err := rand.Read(paymentAddr[:]); err != nil {
		return "", preimage, err
	}

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return "", preimage, err
	}

	opts := []func(*zpay32.Invoice){
		zpay32.Amount(amtMsat),
		zpay32.CLTVExpiry(144),
		zpay32.PaymentAddr(paymentAddr),
	}
	if descHash != nil {
		opts = append(opts, zpay32.DescriptionHash(*descHash))
	} else {
		opts = append(opts, zpay32.Description(""))
	}

	inv, err := zpay32.NewInvoice(e.chainParams, hash, time.Now(), opts...)
	if err != nil {
		return "", preimage, err
	}

	payReq, err := inv.Encode(zpay32.MessageSigner{
		SignCompact: func(h []byte) ([]byte, error) {
			return ecdsa.SignCompact(priv, h, true)
		},
	})

	return payReq, preimage, err
}

// buildReceiptEvent assembles the kind-9735 event, copying the first e/p
// tag from the original zap request if present, per NIP-57.
func (e *Emitter) buildReceiptEvent(bolt11 string, preimage lntypes.Preimage,
	zapRequestJSON string) (*nostr.Event, error) {

	tags := nostr.Tags{
		{"bolt11", bolt11},
		{"preimage", preimage.String()},
		{"description", zapRequestJSON},
	}

	var request nostr.Event
	if err := request.UnmarshalJSON([]byte(zapRequestJSON)); err == nil {
		if tag := request.Tags.GetFirst([]string{"e"}); tag != nil {
			tags = append(tags, *tag)
		}
		if tag := request.Tags.GetFirst([]string{"p"}); tag != nil {
			tags = append(tags, *tag)
		}
	}

	event := &nostr.Event{
		PubKey:    e.pubHex,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      9735,
		Tags:      tags,
		Content:   "",
	}

	if err := event.Sign(e.privHex); err != nil {
		return nil, fmt.Errorf("sign event: %w", err)
	}

	return event, nil
}

// publish broadcasts event to every configured relay, returning
// ErrRelayPublish only if all of them fail.
func (e *Emitter) publish(ctx context.Context, event *nostr.Event) error {
	ctxt, cancel := context.WithTimeout(ctx, relayPublishTimeout)
	defer cancel()

	var successes int
	for _, url := range e.relays {
		relay, err := e.dial(ctxt, url)
		if err != nil {
			log.Debugf("connect to relay %s: %v", url, err)
			continue
		}

		err = relay.Publish(ctxt, *event)
		relay.Close()
		if err != nil {
			log.Debugf("publish to relay %s: %v", url, err)
			continue
		}

		successes++
	}

	if successes == 0 {
		return ErrRelayPublish
	}

	return nil
}
