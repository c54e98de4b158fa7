// Package room derives canonical two-party room identifiers.
// A room ID is the sole correlation key for all chat and call events
// between one pair of users, so both sides must compute the same key
// from their own perspective without a negotiation round-trip.
package room

import "fmt"

// Separator joins the two participant IDs inside a room ID.
const Separator = "_"

// Resolve returns the canonical room ID for the pair (a, b).
// Commutative: Resolve(a, b) == Resolve(b, a). Empty identifiers are a
// caller contract violation and are rejected before use.
func Resolve(a, b string) (string, error) {
	if a == "" || b == "" {
		return "", fmt.Errorf("room: empty participant id (a=%q, b=%q)", a, b)
	}
	if b < a {
		a, b = b, a
	}
	return a + Separator + b, nil
}
