// Package address validates and normalizes ledger wallet addresses.
package address

import (
	"errors"
	"strings"

	"filippo.io/edwards25519"
	"github.com/stellar/go/strkey"
)

var (
	// ErrAddressRequired is returned for an empty argument.
	ErrAddressRequired = errors.New("wallet address is required")

	// ErrInvalidAddress is returned for anything that is not an ed25519 account ID.
	ErrInvalidAddress = errors.New("invalid wallet address")
)

// Normalize trims and uppercases an address. Strkeys are case-insensitive
// base32, so the uppercase form is canonical.
func Normalize(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// Validate normalizes raw and checks that it is a well-formed account public key:
// a "G..." strkey with a valid checksum whose payload is a point on the ed25519 curve.
// It returns the normalized address.
func Validate(raw string) (string, error) {
	normalized := Normalize(raw)
	if normalized == "" {
		return "", ErrAddressRequired
	}

	payload, err := strkey.Decode(strkey.VersionByteAccountID, normalized)
	if err != nil {
		return "", ErrInvalidAddress
	}
	if len(payload) != 32 {
		return "", ErrInvalidAddress
	}
	if _, err := new(edwards25519.Point).SetBytes(payload); err != nil {
		return "", ErrInvalidAddress
	}

	return normalized, nil
}

// Equal compares two addresses case-insensitively, ignoring surrounding whitespace.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}
