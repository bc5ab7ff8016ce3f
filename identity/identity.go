// Package identity implements the three signed message pre-images the proxy
// uses to authenticate requests from a user's uploader daemon: creating a
// user, checking a user's remaining invoice count, and bulk-uploading
// invoices. Every pre-image is SHA-256 hashed before being verified as a DER
// encoded, low-S ECDSA signature over secp256k1.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// CheckUserSkew is the maximum allowed clock skew between the timestamp
// embedded in a CheckUser message and the time the proxy observes the
// request, in either direction.
const CheckUserSkew = 60 * time.Second

// MinUsernameLength is the shortest username the proxy will accept.
const MinUsernameLength = 3

// ErrAuth is returned whenever a signed request fails to authenticate,
// whether due to a malformed key/signature or a signature that doesn't
// verify.
var ErrAuth = errors.New("authentication failed")

// ErrUsernameTooShort is returned when a CreateUser request's username is
// shorter than MinUsernameLength.
var ErrUsernameTooShort = fmt.Errorf(
	"username must be at least %d characters", MinUsernameLength,
)

// ErrClockSkew is returned when a CheckUser request's timestamp falls
// outside of CheckUserSkew from the current time.
var ErrClockSkew = errors.New("timestamp outside of allowed skew")

// CreateUserMessage returns the pre-image hashed and signed for a
// create-user request: H(username).
func CreateUserMessage(username string) [32]byte {
	return sha256.Sum256([]byte(username))
}

// CheckUserMessage returns the pre-image hashed and signed for a check-user
// request: H("CheckZapTunnelUser-" || decimal_unix_seconds).
func CheckUserMessage(unixSeconds int64) [32]byte {
	msg := fmt.Sprintf("CheckZapTunnelUser-%s", strconv.FormatInt(unixSeconds, 10))
	return sha256.Sum256([]byte(msg))
}

// AddInvoicesMessage returns the pre-image hashed and signed for an
// add-invoices request: H(concat(payment_hash_i)) over the 32-byte payment
// hashes in list order.
func AddInvoicesMessage(hashes [][32]byte) [32]byte {
	buf := make([]byte, 0, len(hashes)*32)
	for _, h := range hashes {
		buf = append(buf, h[:]...)
	}
	return sha256.Sum256(buf)
}

// Sign produces a DER encoded, low-S ECDSA signature over msgHash using
// priv. btcec/v2's Sign always returns a canonical low-S signature.
func Sign(priv *btcec.PrivateKey, msgHash [32]byte) *ecdsa.Signature {
	return ecdsa.Sign(priv, msgHash[:])
}

// VerifySignature reports whether sig is a valid signature over msgHash by
// the key pubkey.
func VerifySignature(pubkey *btcec.PublicKey, msgHash [32]byte,
	sig *ecdsa.Signature) bool {

	return sig.Verify(msgHash[:], pubkey)
}

// ParsePubKey parses a hex-encoded, compressed secp256k1 public key.
func ParsePubKey(pubkeyHex string) (*btcec.PublicKey, error) {
	b, err := hex.DecodeString(pubkeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid pubkey hex: %w", err)
	}

	return btcec.ParsePubKey(b)
}

// ParseSignatureDER parses a hex-encoded DER ECDSA signature.
func ParseSignatureDER(sigHex string) (*ecdsa.Signature, error) {
	b, err := hex.DecodeString(sigHex)
	if err != nil {
		return nil, fmt.Errorf("invalid signature hex: %w", err)
	}

	return ecdsa.ParseDERSignature(b)
}

// VerifyCreateUser validates a CreateUser request's username length and
// signature, returning ErrUsernameTooShort for a short username and ErrAuth
// (wrapped) for any key or signature failure.
func VerifyCreateUser(username, pubkeyHex, sigHex string) error {
	if len(username) < MinUsernameLength {
		return ErrUsernameTooShort
	}

	pubkey, err := ParsePubKey(pubkeyHex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}

	sig, err := ParseSignatureDER(sigHex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}

	msg := CreateUserMessage(username)
	if !VerifySignature(pubkey, msg, sig) {
		return fmt.Errorf("%w: invalid signature", ErrAuth)
	}

	return nil
}

// VerifyCheckUser validates a CheckUser request's timestamp skew and
// signature.
func VerifyCheckUser(unixSeconds int64, pubkey *btcec.PublicKey,
	sig *ecdsa.Signature, now time.Time) error {

	skew := now.Sub(time.Unix(unixSeconds, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > CheckUserSkew {
		return ErrClockSkew
	}

	msg := CheckUserMessage(unixSeconds)
	if !VerifySignature(pubkey, msg, sig) {
		return fmt.Errorf("%w: invalid signature", ErrAuth)
	}

	return nil
}

// VerifyAddInvoices validates an AddInvoices request's signature over the
// ordered list of payment hashes.
func VerifyAddInvoices(pubkey *btcec.PublicKey, sig *ecdsa.Signature,
	hashes [][32]byte) error {

	msg := AddInvoicesMessage(hashes)
	if !VerifySignature(pubkey, msg, sig) {
		return fmt.Errorf("%w: invalid signature", ErrAuth)
	}

	return nil
}
