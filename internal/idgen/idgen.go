// Package idgen mints the random identifiers used across payguard.
//
// Every entity id is a short type prefix ("txn_", "rev_", "evt_", "risk_")
// followed by 24 hex characters, so log lines and database rows are
// self-describing about what they reference.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

const randomBytes = 12

// WithPrefix returns prefix + 24 hex characters of cryptographic
// randomness. Collisions at this width are not a practical concern; the
// stores still enforce uniqueness through their primary keys.
func WithPrefix(prefix string) string {
	b := make([]byte, randomBytes)
	if _, err := rand.Read(b); err != nil {
		panic("idgen: crypto/rand unavailable: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
