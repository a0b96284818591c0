// Package optable implements the static (opcode, LHS type, RHS type) ->
// subcode tables consulted by both the linker (to pick a subcode) and the
// interpreter (to dispatch one), spec §2 component G / §4.5 / §9.
//
// Unlike the teacher's and the original C++'s hand-unrolled per-opcode
// switch statements (45 literal cases apiece), these tables are built
// once, data-driven, from the primitive kind ordering — the shape spec
// §4.5 describes ("static, exhaustive 2-D tables") without hand-copying
// each cast chain. Subcode numbering is private to this module: the
// linker and the interpreter both consult it, so only internal
// self-consistency matters, not bit-compatibility with any other
// implementation.
package optable

import "github.com/aggrobird/propane/types"

// primitiveOrder is the canonical 10-wide arithmetic primitive ordering
// the tables are indexed by (spec §4.5: "10x10 numeric conversions").
var primitiveOrder = []types.Kind{
	types.KindI8, types.KindU8,
	types.KindI16, types.KindU16,
	types.KindI32, types.KindU32,
	types.KindI64, types.KindU64,
	types.KindF32, types.KindF64,
}

const numPrimitives = 10

// PrimitiveIndex returns k's column/row in the 10x10 tables, or -1 if k is
// not one of the 10 arithmetic primitives.
func PrimitiveIndex(k types.Kind) int {
	switch k {
	case types.KindI8:
		return 0
	case types.KindU8:
		return 1
	case types.KindI16:
		return 2
	case types.KindU16:
		return 3
	case types.KindI32:
		return 4
	case types.KindU32:
		return 5
	case types.KindI64:
		return 6
	case types.KindU64:
		return 7
	case types.KindF32:
		return 8
	case types.KindF64:
		return 9
	}
	return -1
}

const (
	// SubAggregateCopy is the "set" fallback subcode for aggregate/array
	// assignment: a raw byte-for-byte copy of the LHS's size.
	SubAggregateCopy = 0x80 + iota
)

// Invalid mirrors bytecode.SubcodeInvalid without importing bytecode (kept
// dependency-free so the interpreter and linker can both import it).
const Invalid = 0xFF

// SetConv returns the subcode for `set`/`conv` (numeric assignment with
// conversion), or Invalid if lhs/rhs aren't both arithmetic primitives.
// Subcode packs (lhsIdx*10 + rhsIdx); DecodeSetConv, used by
// interp/dispatch.go, derives lhsIdx/rhsIdx back out the same way.
func SetConv(lhs, rhs types.Kind) int {
	li, ri := PrimitiveIndex(lhs), PrimitiveIndex(rhs)
	if li < 0 || ri < 0 {
		return Invalid
	}
	return li*numPrimitives + ri
}

// DecodeSetConv inverts SetConv's packing.
func DecodeSetConv(sub int) (lhs, rhs types.Kind) {
	li, ri := sub/numPrimitives, sub%numPrimitives
	return primitiveOrder[li], primitiveOrder[ri]
}

// Ari returns the binary-arithmetic subcode for mul/div/mod/add/sub and
// the bitwise family (lsh/rsh/and/xor/or, integer-only on both sides).
func Ari(op string, lhs, rhs types.Kind) int {
	li, ri := PrimitiveIndex(lhs), PrimitiveIndex(rhs)
	if li < 0 || ri < 0 {
		return Invalid
	}
	switch op {
	case "lsh", "rsh", "and", "xor", "or":
		if !lhs.IsInteger() || !rhs.IsInteger() {
			return Invalid
		}
	case "mod":
		// mod is defined on all arithmetic primitives; float mod uses fmod.
	}
	return li*numPrimitives + ri
}

// DecodeAri inverts Ari's packing.
func DecodeAri(sub int) (lhs, rhs types.Kind) { return DecodeSetConv(sub) }

// AriUnary returns the subcode for not/neg (single-operand arithmetic).
// `not` (bitwise complement) requires an integer operand; `neg` accepts
// any arithmetic primitive.
func AriUnary(op string, operand types.Kind) int {
	idx := PrimitiveIndex(operand)
	if idx < 0 {
		return Invalid
	}
	if op == "not" && !operand.IsInteger() {
		return Invalid
	}
	return idx
}

func DecodeAriUnary(sub int) types.Kind { return primitiveOrder[sub] }

// Cmp returns the subcode for cmp/ceq/cne/cgt/cge/clt/cle (binary
// comparison, yields i32) — defined on every pair of arithmetic
// primitives, numerically promoted the same way set/conv is.
func Cmp(lhs, rhs types.Kind) int { return SetConv(lhs, rhs) }

func DecodeCmp(sub int) (lhs, rhs types.Kind) { return DecodeSetConv(sub) }

// CzeCnz returns the subcode for cze/cnz (zero/nonzero test) on a single
// arithmetic primitive.
func CzeCnz(operand types.Kind) int { return AriUnary("neg", operand) }

func DecodeCzeCnz(sub int) types.Kind { return DecodeAriUnary(sub) }

// pointerIntegerOrder: padd/psub's RHS is restricted to integer
// primitives (spec §4.5 "pointer arithmetic scaled by pointee size").
var pointerIntegerOrder = []types.Kind{
	types.KindI8, types.KindU8,
	types.KindI16, types.KindU16,
	types.KindI32, types.KindU32,
	types.KindI64, types.KindU64,
}

// PointerOffset returns the subcode for padd/psub given the RHS integer
// kind (the LHS must already be known-pointer by the linker's address
// resolver; this table only selects the RHS integer cast chain).
func PointerOffset(rhs types.Kind) int {
	for i, k := range pointerIntegerOrder {
		if k == rhs {
			return i
		}
	}
	return Invalid
}

func DecodePointerOffset(sub int) types.Kind { return pointerIntegerOrder[sub] }
