// Package idgen provides random identifiers for escrows, payouts and requests.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars of a random UUID
// (e.g. "esc_", "po_").
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Deterministic derives a stable, prefixed id from a name. The same name
// always yields the same id, which makes it usable as an idempotency token
// for outbound requests.
func Deterministic(prefix, name string) string {
	return prefix + uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}
