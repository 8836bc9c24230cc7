// Package idgen provides ID generation for records and gateway references.
package idgen

import (
	"strings"

	"github.com/google/uuid"
	nanoid "github.com/jaevor/go-nanoid"
)

// referenceAlphabet is accepted by every mobile-money aggregator we route to:
// upper-case letters and digits only, no separators.
const referenceAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// ReferenceLength is the length of an external gateway reference.
const ReferenceLength = 20

var newReference func() string

func init() {
	gen, err := nanoid.CustomASCII(referenceAlphabet, ReferenceLength)
	if err != nil {
		panic("idgen: build reference generator: " + err.Error())
	}
	newReference = gen
}

// New generates a random UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "txn_", "hold_", "po_").
// Result is prefix + 32 hex chars.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Reference generates an external transaction reference for the payment
// gateway. It doubles as the idempotency key for every gateway interaction.
func Reference() string {
	return newReference()
}
