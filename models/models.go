// Package models holds the proxy's core persisted records: users, the
// pooled invoices they upload, and the Nostr zap rows tracked alongside
// wrapped invoices. These mirror the tables described in store/migrations.
package models

// User is a registered lightning-address owner, identified by a unique
// username and authenticated via their secp256k1 pubkey. Created on a
// signed request and immutable thereafter.
type User struct {
	Username string
	Pubkey   string
}

// PooledInvoice is a single pre-uploaded, amount-less BOLT-11 invoice
// belonging to a User, progressing through the Fresh -> Reserved -> Paid
// lifecycle (or Dead, if it expires while still Fresh).
type PooledInvoice struct {
	PaymentHash    string
	Invoice        string
	ExpiresAt      int64
	WrappedExpiry  *int64
	FeesEarnedMsat *int64
	Username       string
}

// IsFresh reports whether p is still available for reservation: never
// wrapped, never paid, and not yet expired.
func (p *PooledInvoice) IsFresh(nowUnix int64) bool {
	return p.WrappedExpiry == nil && p.FeesEarnedMsat == nil &&
		p.ExpiresAt > nowUnix
}

// IsReserved reports whether p has been handed out as a wrapped hold
// invoice but not yet settled.
func (p *PooledInvoice) IsReserved() bool {
	return p.WrappedExpiry != nil && p.FeesEarnedMsat == nil
}

// IsPaid reports whether p has reached its terminal, paid state.
func (p *PooledInvoice) IsPaid() bool {
	return p.FeesEarnedMsat != nil
}

// Zap is a Nostr zap request/receipt pairing stored alongside a wrapped
// hold invoice. NoteID is set exactly once, after the kind-9735 receipt for
// this payment has been broadcast successfully.
type Zap struct {
	PaymentHash string
	Invoice     string
	Request     string
	NoteID      *string
}
