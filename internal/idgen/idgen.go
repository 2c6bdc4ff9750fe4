// Package idgen provides ID generation for payments, receipts and audit records.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// receiptMaxLen is the longest receipt identifier gateways accept.
const receiptMaxLen = 40

// New generates a random UUIDv4 string. Payment reservation IDs use this
// format so they fit the UUID column in payment_reservations.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "recon_", "tkt_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// Receipt derives the gateway receipt identifier for a payment. The same
// payment always maps to the same receipt, so a retried order creation
// carries the same receipt and the gateway can deduplicate it.
func Receipt(paymentID string) string {
	r := "rcpt_" + strings.ReplaceAll(paymentID, "-", "")
	if len(r) > receiptMaxLen {
		r = r[:receiptMaxLen]
	}
	return r
}
