// Package primitives implements the fixed-width integer, hashing, and
// signature-recovery building blocks the rest of the engine is built on:
// 256-bit bit-vector words, Keccak-256, and ECDSA recovery under the
// Ethereum personal-message wrapping. Nothing here depends on any other
// engine package.
package primitives

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Word is a 256-bit bit-vector: a role flag or a structure/junior mask.
// It is always passed and returned by value — callers never need to worry
// about a shared backing array being mutated out from under them.
type Word = uint256.Int

// Address is the 20-byte user identifier signatures recover to.
type Address = common.Address

// Hash is a 32-byte digest.
type Hash = common.Hash

// Zero is the empty bit-vector.
func Zero() Word { return Word{} }

// RoleID is the 30-byte role identifier — the low 30 bytes of a hash of
// the role's human name. The two high bytes of any 32-byte wire
// representation are reserved for atom metadata and must be zero;
// RoleIDFromBytes32 enforces that.
type RoleID = [30]byte

// RoleIDFromBytes32 validates and converts a 32-byte wire value (as
// carried in e.g. ADD_ROLE_REQ's bytes32 roleId field) to a RoleID,
// rejecting a non-zero top two bytes. The caller decides which error to
// raise; this just reports ok=false.
func RoleIDFromBytes32(b [32]byte) (RoleID, bool) {
	if b[0] != 0 || b[1] != 0 {
		return RoleID{}, false
	}
	var id RoleID
	copy(id[:], b[2:])
	return id, true
}

// RoleIDToBytes32 renders id as its 32-byte wire form, top two bytes zero.
func RoleIDToBytes32(id RoleID) [32]byte {
	var out [32]byte
	copy(out[2:], id[:])
	return out
}

// FlagForBit returns the word with exactly bit pos (0..255) set.
func FlagForBit(pos uint) Word {
	var w Word
	w.SetOne()
	w.Lsh(&w, pos)
	return w
}

// Or returns a | b.
func Or(a, b Word) Word {
	var r Word
	r.Or(&a, &b)
	return r
}

// And returns a & b.
func And(a, b Word) Word {
	var r Word
	r.And(&a, &b)
	return r
}

// Xor returns a ^ b.
func Xor(a, b Word) Word {
	var r Word
	r.Xor(&a, &b)
	return r
}

// Not returns ^a.
func Not(a Word) Word {
	var r Word
	r.Not(&a)
	return r
}

// IsZero reports whether w has no bits set.
func IsZero(w Word) bool { return w.IsZero() }

// Eq reports whether a and b are bitwise identical.
func Eq(a, b Word) bool { return a.Eq(&b) }

// HasAll reports whether every bit of need is also set in have — the
// building block for every "role X implies role Y" check in the engine.
func HasAll(have, need Word) bool {
	r := And(have, need)
	return r.Eq(&need)
}

// Overlaps reports whether a and b share any set bit.
func Overlaps(a, b Word) bool {
	return !IsZero(And(a, b))
}

// IsPowerOfTwo reports whether w has exactly one bit set (and is non-zero).
func IsPowerOfTwo(w Word) bool {
	if w.IsZero() {
		return false
	}
	var minusOne Word
	minusOne.SubUint64(&w, 1)
	r := And(w, minusOne)
	return r.IsZero()
}

// BitIsSet reports whether bit pos of w is set.
func BitIsSet(w Word, pos uint) bool {
	var shifted Word
	shifted.Rsh(&w, pos)
	var one Word
	one.SetOne()
	r := And(shifted, one)
	return r.Eq(&one)
}

// BitPositions returns the index of every set bit in w, ascending. The
// scan tests each bit position below w.BitLen() in turn, so it skips the
// leading zero run rather than always doing 256 iterations; it does not
// binary-search for set bits, so the cost is O(BitLen), not O(popcount).
func BitPositions(w Word) []uint {
	n := w.BitLen()
	if n == 0 {
		return nil
	}
	positions := make([]uint, 0, 8)
	for i := uint(0); i < uint(n); i++ {
		if BitIsSet(w, i) {
			positions = append(positions, i)
		}
	}
	return positions
}

// PopCount returns the number of set bits in w.
func PopCount(w Word) int {
	return len(BitPositions(w))
}

// AllOnes is the sentinel mask used to mark an admin-rule binding in the
// rule-hash to active-role-flags map. It has every one of the 256 bits set.
func AllOnes() Word {
	var w Word
	w.Not(&w) // Not(0) = all ones
	return w
}

// Keccak256 hashes the concatenation of data.
func Keccak256(data ...[]byte) Hash {
	return crypto.Keccak256Hash(data...)
}

// EthSignedMessageHash wraps digest in the
// "\x19Ethereum Signed Message:\n32" prefix applied before recovery,
// matching Ethereum's personal_sign convention.
func EthSignedMessageHash(digest Hash) Hash {
	prefix := []byte("\x19Ethereum Signed Message:\n32")
	return Keccak256(prefix, digest.Bytes())
}

// Eip191Wrap applies the "\x19\x01" EIP-712 domain-separated wrapping:
// keccak(0x1901 || domainSeparator || structHash).
func Eip191Wrap(domainSeparator, structHash Hash) Hash {
	return Keccak256([]byte{0x19, 0x01}, domainSeparator.Bytes(), structHash.Bytes())
}

// Recover recovers the signer address from a 65-byte [R || S || V]
// signature over target. V is accepted in either the {0,1} or {27,28}
// convention, matching what most Ethereum wallets emit.
func Recover(target Hash, sig []byte) (Address, error) {
	if len(sig) != 65 {
		return Address{}, fmt.Errorf("primitives: signature must be 65 bytes, got %d", len(sig))
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := crypto.SigToPub(target.Bytes(), normalized)
	if err != nil {
		return Address{}, fmt.Errorf("primitives: signature recovery failed: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign produces a 65-byte [R || S || V] signature over target, with V in
// the {0,1} convention Recover accepts. Used only by tests and the replay
// harness to manufacture approvals; the engine itself never signs.
func Sign(target Hash, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(target.Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("primitives: sign failed: %w", err)
	}
	return sig, nil
}

// AddressFromKey derives the address for a private key, for test fixtures.
func AddressFromKey(key *ecdsa.PrivateKey) Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}

// padded32 left-pads (numeric) or exactly-fits (already bytes32) data to a
// single 32-byte ABI word.
func padded32(data []byte) [32]byte {
	var out [32]byte
	if len(data) >= 32 {
		copy(out[:], data[len(data)-32:])
		return out
	}
	copy(out[32-len(data):], data)
	return out
}

// EncodeWords ABI-encodes a sequence of fixed-width fields, each padded to
// exactly 32 bytes, and concatenates them — the fixed-width ABI encoding
// rule hashing and request hashing are built on.
func EncodeWords(fields ...[]byte) []byte {
	out := make([]byte, 0, 32*len(fields))
	for _, f := range fields {
		w := padded32(f)
		out = append(out, w[:]...)
	}
	return out
}

// EncodeBool renders a bool as a single byte (0 or 1); EncodeWords pads it
// to its 32-byte ABI word.
func EncodeBool(b bool) []byte {
	if b {
		return []byte{1}
	}
	return []byte{0}
}
