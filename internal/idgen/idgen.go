// Package idgen generates identifiers for escrows, payment attempts and events.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes used across the payment core.
const (
	PrefixEscrow      = "esc_"
	PrefixTransaction = "ptx_"
	PrefixEvent       = "evt_"
	PrefixReport      = "rcn_"
)

// New returns a random RFC 4122 UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars of a random UUID
// (e.g. "esc_3f0c...").
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
