package interp

import (
	"encoding/binary"
	"math"

	"github.com/aggrobird/propane/types"
)

// readBits loads size(kind) little-endian bytes from buf and zero-extends
// them into a uint64 bit pattern — the common currency every numeric
// helper below converts to/from.
func readBits(buf []byte, kind types.Kind) uint64 {
	switch kind {
	case types.KindI8, types.KindU8:
		return uint64(buf[0])
	case types.KindI16, types.KindU16:
		return uint64(binary.LittleEndian.Uint16(buf))
	case types.KindI32, types.KindU32, types.KindF32:
		return uint64(binary.LittleEndian.Uint32(buf))
	default: // I64, U64, F64, pointer-width kinds
		return binary.LittleEndian.Uint64(buf)
	}
}

func writeBits(buf []byte, kind types.Kind, bits uint64) {
	switch kind {
	case types.KindI8, types.KindU8:
		buf[0] = byte(bits)
	case types.KindI16, types.KindU16:
		binary.LittleEndian.PutUint16(buf, uint16(bits))
	case types.KindI32, types.KindU32, types.KindF32:
		binary.LittleEndian.PutUint32(buf, uint32(bits))
	default:
		binary.LittleEndian.PutUint64(buf, bits)
	}
}

// asInt64 sign-extends an integer kind's bit pattern to int64. Calling it
// on a float kind is a programming error in this package (callers branch
// on IsFloat first).
func asInt64(bits uint64, kind types.Kind) int64 {
	switch kind {
	case types.KindI8:
		return int64(int8(bits))
	case types.KindI16:
		return int64(int16(bits))
	case types.KindI32:
		return int64(int32(bits))
	case types.KindI64:
		return int64(bits)
	default:
		return int64(bits) // unsigned kinds: zero-extended already by readBits
	}
}

func asFloat64(bits uint64, kind types.Kind) float64 {
	switch kind {
	case types.KindF32:
		return float64(math.Float32frombits(uint32(bits)))
	case types.KindF64:
		return math.Float64frombits(bits)
	case types.KindI8, types.KindI16, types.KindI32, types.KindI64:
		return float64(asInt64(bits, kind))
	default:
		return float64(bits)
	}
}

// bitsFromInt64 truncates v into kind's width, producing the bit pattern
// writeBits expects.
func bitsFromInt64(v int64, kind types.Kind) uint64 {
	switch kind {
	case types.KindI8, types.KindU8:
		return uint64(uint8(v))
	case types.KindI16, types.KindU16:
		return uint64(uint16(v))
	case types.KindI32, types.KindU32:
		return uint64(uint32(v))
	case types.KindF32:
		return uint64(math.Float32bits(float32(v)))
	case types.KindF64:
		return math.Float64bits(float64(v))
	default:
		return uint64(v)
	}
}

func bitsFromFloat64(v float64, kind types.Kind) uint64 {
	switch kind {
	case types.KindF32:
		return uint64(math.Float32bits(float32(v)))
	case types.KindF64:
		return math.Float64bits(v)
	case types.KindI8, types.KindI16, types.KindI32, types.KindI64:
		return bitsFromInt64(int64(v), kind)
	default: // unsigned
		return bitsFromInt64(int64(uint64(v)), kind)
	}
}

// convert reinterprets src's bits (of kind srcKind) as dstKind, performing
// the same widening/narrowing/float<->int casts a `set`/`conv` subcode
// selects (spec §4.5 "10x10 numeric conversions").
func convert(bits uint64, srcKind, dstKind types.Kind) uint64 {
	if srcKind == dstKind {
		return bits
	}
	if dstKind.IsFloat() {
		return bitsFromFloat64(asFloat64(bits, srcKind), dstKind)
	}
	if srcKind.IsFloat() {
		return bitsFromInt64(int64(asFloat64(bits, srcKind)), dstKind)
	}
	return bitsFromInt64(asInt64(bits, srcKind), dstKind)
}

// ariBinary evaluates op over two same-kind-promoted primitives, returning
// the result's bit pattern already truncated to kind's width (spec §4.5
// arithmetic family: mul/div/mod/add/sub and the integer-only bitwise
// family lsh/rsh/and/xor/or).
func ariBinary(op string, lhsBits uint64, lhsKind types.Kind, rhsBits uint64, rhsKind types.Kind) uint64 {
	if lhsKind.IsFloat() || rhsKind.IsFloat() {
		a, b := asFloat64(lhsBits, lhsKind), asFloat64(rhsBits, rhsKind)
		var r float64
		switch op {
		case "mul":
			r = a * b
		case "div":
			r = a / b
		case "mod":
			r = math.Mod(a, b)
		case "add":
			r = a + b
		case "sub":
			r = a - b
		}
		return bitsFromFloat64(r, lhsKind)
	}
	if !lhsKind.IsSigned() {
		a, b := asInt64(lhsBits, lhsKind), asInt64(rhsBits, rhsKind)
		au, bu := uint64(a), uint64(b)
		var r uint64
		switch op {
		case "mul":
			r = au * bu
		case "div":
			r = au / bu
		case "mod":
			r = au % bu
		case "add":
			r = au + bu
		case "sub":
			r = au - bu
		case "lsh":
			r = au << (bu & 63)
		case "rsh":
			r = au >> (bu & 63)
		case "and":
			r = au & bu
		case "xor":
			r = au ^ bu
		case "or":
			r = au | bu
		}
		return bitsFromInt64(int64(r), lhsKind)
	}
	a, b := asInt64(lhsBits, lhsKind), asInt64(rhsBits, rhsKind)
	var r int64
	switch op {
	case "mul":
		r = a * b
	case "div":
		r = a / b
	case "mod":
		r = a % b
	case "add":
		r = a + b
	case "sub":
		r = a - b
	case "lsh":
		r = a << (uint64(b) & 63)
	case "rsh":
		r = a >> (uint64(b) & 63)
	case "and":
		r = a & b
	case "xor":
		r = a ^ b
	case "or":
		r = a | b
	}
	return bitsFromInt64(r, lhsKind)
}

func ariUnary(op string, bits uint64, kind types.Kind) uint64 {
	if kind.IsFloat() {
		v := asFloat64(bits, kind)
		if op == "neg" {
			v = -v
		}
		return bitsFromFloat64(v, kind)
	}
	v := asInt64(bits, kind)
	switch op {
	case "neg":
		v = -v
	case "not":
		v = ^v
	}
	return bitsFromInt64(v, kind)
}

// compare returns -1/0/1 for lhs<rhs/lhs==rhs/lhs>rhs, numerically
// promoted the same way set/conv is.
func compare(lhsBits uint64, lhsKind types.Kind, rhsBits uint64, rhsKind types.Kind) int {
	if lhsKind.IsFloat() || rhsKind.IsFloat() {
		a, b := asFloat64(lhsBits, lhsKind), asFloat64(rhsBits, rhsKind)
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	}
	if !lhsKind.IsSigned() {
		a, b := uint64(asInt64(lhsBits, lhsKind)), uint64(asInt64(rhsBits, rhsKind))
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	}
	a, b := asInt64(lhsBits, lhsKind), asInt64(rhsBits, rhsKind)
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// kindForSize picks the unsigned integer kind matching a raw byte width —
// used where only a size, not a static type, is known (external-call
// return values, spec §4.6 "external call").
func kindForSize(size int) types.Kind {
	switch {
	case size <= 1:
		return types.KindU8
	case size <= 2:
		return types.KindU16
	case size <= 4:
		return types.KindU32
	default:
		return types.KindU64
	}
}

func isZero(bits uint64, kind types.Kind) bool {
	if kind.IsFloat() {
		return asFloat64(bits, kind) == 0
	}
	return bits == 0
}
