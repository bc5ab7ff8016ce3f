package lnadapter

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
)

// mockInvoice is the state the MockAdapter keeps for each invoice it has
// minted, mirroring the OPEN/ACCEPTED/SETTLED/CANCELED progression a real
// hold invoice goes through inside lnd.
type mockInvoice struct {
	state InvoiceState
	value int64
}

// MockAdapter is an in-memory Adapter test double. It mints invoices with
// zpay32.NewInvoice and a throwaway signing key, so a test can decode them
// without ever touching a real node.
type MockAdapter struct {
	mu sync.Mutex

	params *chaincfg.Params

	invoices map[lntypes.Hash]*mockInvoice
	subs     map[lntypes.Hash][]chan InvoiceUpdate
	allSubs  []chan InvoiceUpdate

	// SendPaymentFunc lets a test script the outcome of every outgoing
	// payment attempt. If unset, SendPayment immediately succeeds with a
	// fresh preimage and zero fee.
	SendPaymentFunc func(req SendPaymentRequest) PaymentUpdate

	// SignMessageFunc lets a test control what SignMessage returns; if
	// unset it returns a compact signature over msg by a freshly generated
	// key, so the result differs from call to call.
	SignMessageFunc func(msg []byte) ([]byte, error)

	settled map[lntypes.Hash]lntypes.Preimage
}

var _ Adapter = (*MockAdapter)(nil)

// NewMockAdapter returns an empty MockAdapter for the regtest network.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		params:   &chaincfg.RegressionNetParams,
		invoices: make(map[lntypes.Hash]*mockInvoice),
		subs:     make(map[lntypes.Hash][]chan InvoiceUpdate),
		settled:  make(map[lntypes.Hash]lntypes.Preimage),
	}
}

func (m *MockAdapter) SignMessage(_ context.Context, msg []byte) ([]byte, error) {
	if m.SignMessageFunc != nil {
		return m.SignMessageFunc(msg)
	}

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}

	return ecdsa.SignCompact(priv, msg, true)
}

func (m *MockAdapter) AddHoldInvoice(_ context.Context, req HoldInvoiceRequest) (
	string, error) {

	creationDate := time.Now()

	invoice, err := zpay32.NewInvoice(
		m.params, req.PaymentHash, creationDate,
		zpay32.DescriptionHash(req.DescriptionHash),
		zpay32.CLTVExpiry(uint64(req.FinalCltvDelta)),
		zpay32.Expiry(time.Duration(req.ExpirySeconds)*time.Second),
		zpay32.Amount(lnwire.MilliSatoshi(req.ValueMsat)),
	)
	if err != nil {
		return "", err
	}

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return "", err
	}

	payReq, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(hash []byte) ([]byte, error) {
			return ecdsa.SignCompact(priv, hash, true)
		},
	})
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.invoices[req.PaymentHash] = &mockInvoice{
		state: InvoiceOpen,
		value: req.ValueMsat,
	}
	m.mu.Unlock()

	return payReq, nil
}

func (m *MockAdapter) SubscribeInvoices(ctx context.Context) (
	<-chan InvoiceUpdate, <-chan error, error) {

	ch := make(chan InvoiceUpdate, 16)

	m.mu.Lock()
	m.allSubs = append(m.allSubs, ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		close(ch)
	}()

	return ch, make(chan error), nil
}

func (m *MockAdapter) SubscribeSingleInvoice(ctx context.Context,
	hash lntypes.Hash) (<-chan InvoiceUpdate, <-chan error, error) {

	ch := make(chan InvoiceUpdate, 16)

	m.mu.Lock()
	m.subs[hash] = append(m.subs[hash], ch)
	if inv, ok := m.invoices[hash]; ok {
		ch <- InvoiceUpdate{PaymentHash: hash, State: inv.state, AmtPaidMsat: inv.value}
	}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		close(ch)
	}()

	return ch, make(chan error), nil
}

func (m *MockAdapter) SendPayment(_ context.Context, req SendPaymentRequest) (
	<-chan PaymentUpdate, error) {

	out := make(chan PaymentUpdate, 1)

	var update PaymentUpdate
	if m.SendPaymentFunc != nil {
		update = m.SendPaymentFunc(req)
	} else {
		var preimage lntypes.Preimage
		if _, err := rand.Read(preimage[:]); err != nil {
			return nil, err
		}

		update = PaymentUpdate{
			State:    PaymentSucceeded,
			Preimage: preimage,
		}
	}

	out <- update
	close(out)

	return out, nil
}

func (m *MockAdapter) SettleInvoice(_ context.Context, preimage lntypes.Preimage) error {
	hash := preimage.Hash()

	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invoices[hash]
	if !ok {
		return fmt.Errorf("mock: unknown invoice %v", hash)
	}

	inv.state = InvoiceSettled
	m.settled[hash] = preimage
	m.publishLocked(hash, InvoiceUpdate{
		PaymentHash: hash, State: InvoiceSettled, AmtPaidMsat: inv.value,
		Preimage: &preimage,
	})

	return nil
}

func (m *MockAdapter) CancelInvoice(_ context.Context, hash lntypes.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invoices[hash]
	if !ok {
		return fmt.Errorf("mock: unknown invoice %v", hash)
	}

	inv.state = InvoiceCanceled
	m.publishLocked(hash, InvoiceUpdate{
		PaymentHash: hash, State: InvoiceCanceled,
	})

	return nil
}

// Accept moves a mock invoice to ACCEPTED and fans the update out to every
// subscriber, simulating the incoming HTLC a payer's wallet would produce.
func (m *MockAdapter) Accept(hash lntypes.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invoices[hash]
	if !ok {
		return fmt.Errorf("mock: unknown invoice %v", hash)
	}

	inv.state = InvoiceAccepted
	m.publishLocked(hash, InvoiceUpdate{
		PaymentHash: hash, State: InvoiceAccepted, AmtPaidMsat: inv.value,
	})

	return nil
}

// StateOf reports the current state of a mock invoice, for tests that
// assert exactly one of settle or cancel happened.
func (m *MockAdapter) StateOf(hash lntypes.Hash) (InvoiceState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invoices[hash]
	if !ok {
		return InvoiceOpen, false
	}

	return inv.state, true
}

func (m *MockAdapter) publishLocked(hash lntypes.Hash, update InvoiceUpdate) {
	for _, ch := range m.subs[hash] {
		ch <- update
	}
	for _, ch := range m.allSubs {
		ch <- update
	}
}
