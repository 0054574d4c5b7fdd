// Package idempotency suppresses duplicate payment initiations and duplicate
// provider webhook deliveries. Keys are one-way fingerprints of the fields
// that identify a request; entries remember the outcome of the first one.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// separator cannot appear in ids, phone numbers or status codes, so
// ("a","bc") and ("ab","c") never collide.
const separator = "\x1f"

// Fingerprint returns the hex SHA-256 of parts joined by an ASCII unit separator.
func Fingerprint(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, separator)))
	return hex.EncodeToString(sum[:])
}

// InitiationKey identifies a client payment request.
func InitiationKey(payerID string, amount int64, shipmentID string) string {
	return "init:" + Fingerprint("initiate", payerID, strconv.FormatInt(amount, 10), shipmentID)
}

// WebhookKey identifies one provider status delivery. A later delivery with
// a different status for the same transaction is a different key; the status
// is compared case-insensitively, as providers map it.
func WebhookKey(provider, providerTxID, status string) string {
	status = strings.ToUpper(strings.TrimSpace(status))
	return "hook:" + Fingerprint("webhook", provider, providerTxID, status)
}
