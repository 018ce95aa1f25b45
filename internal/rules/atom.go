// Package rules implements atom packing/unpacking into a single 256-bit
// word, and the canonical rule hash both on-chain verification and an
// off-chain prover must agree on.
package rules

import (
	"github.com/MXWXZ/orgchart/internal/orgerr"
	"github.com/MXWXZ/orgchart/internal/primitives"
)

// Atom is one quantified role requirement inside a rule.
type Atom struct {
	RoleID   primitives.RoleID
	Quantity uint8
	Strict   bool
	Relative bool
}

// Word packing layout: byte 31 = modifier flags (bit0 strict, bit1
// relative), byte 30 = quantity, bytes 0-29 = role id.
const (
	flagStrict   = byte(1)
	flagRelative = byte(2)
)

// Encode packs an Atom into its canonical 256-bit word, validating
// quantity bounds (1..255 absolute, 1..100 relative); the RoleID type
// itself guarantees the role id fits the low 30 bytes.
func Encode(a Atom) (primitives.Word, error) {
	if a.Quantity == 0 {
		return primitives.Word{}, orgerr.New(orgerr.KindInvalidRule, "atom quantity must be in [1,255]")
	}
	if a.Relative && a.Quantity > 100 {
		return primitives.Word{}, orgerr.New(orgerr.KindInvalidRule, "relative atom quantity must be in [1,100]")
	}

	var modifier byte
	if a.Strict {
		modifier |= flagStrict
	}
	if a.Relative {
		modifier |= flagRelative
	}

	var wire [32]byte
	wire[0] = modifier
	wire[1] = byte(a.Quantity)
	copy(wire[2:], a.RoleID[:])

	var w primitives.Word
	w.SetBytes32(wire[:])
	return w, nil
}

// Decode unpacks a 256-bit word back into its Atom fields.
func Decode(w primitives.Word) Atom {
	wire := w.Bytes32()
	return Atom{
		RoleID:   func() (id primitives.RoleID) { copy(id[:], wire[2:]); return }(),
		Quantity: wire[1],
		Strict:   wire[0]&flagStrict != 0,
		Relative: wire[0]&flagRelative != 0,
	}
}

// MustEncode panics on an invalid atom — used only by tests and fixtures
// that construct atoms from constants known to be valid.
func MustEncode(a Atom) primitives.Word {
	w, err := Encode(a)
	if err != nil {
		panic(err)
	}
	return w
}
