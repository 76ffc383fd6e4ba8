// Package idgen provides ID generation for payment entities.
package idgen

import (
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// New generates a random UUID (v4) string.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a prefixed ID (e.g. "pay_", "esc_", "po_").
// Result is prefix + 32 hex chars of a random UUID.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Sortable generates a prefixed ULID. IDs generated later sort after
// IDs generated earlier, which keeps ledger history ordered by id.
func Sortable(prefix string) string {
	return prefix + ulid.Make().String()
}

// Receipt builds the gateway receipt reference for an entity id.
func Receipt(kind, id string) string {
	r := kind + "_" + id
	if len(r) > 40 {
		r = r[:40]
	}
	return r
}
