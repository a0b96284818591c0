package optable

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aggrobird/propane/types"
)

func TestPrimitiveIndexCoversAllTen(t *testing.T) {
	kinds := []types.Kind{
		types.KindI8, types.KindU8, types.KindI16, types.KindU16,
		types.KindI32, types.KindU32, types.KindI64, types.KindU64,
		types.KindF32, types.KindF64,
	}
	seen := make(map[int]bool)
	for _, k := range kinds {
		idx := PrimitiveIndex(k)
		require.Truef(t, idx >= 0 && idx < numPrimitives, "PrimitiveIndex(%v) = %d, out of [0,%d)", k, idx, numPrimitives)
		require.Falsef(t, seen[idx], "PrimitiveIndex(%v) collided with another kind at %d", k, idx)
		seen[idx] = true
	}
	require.Equal(t, -1, PrimitiveIndex(types.KindVoid))
}

func TestSetConvRoundTrip(t *testing.T) {
	sub := SetConv(types.KindI32, types.KindF64)
	require.NotEqual(t, Invalid, sub)
	lhs, rhs := DecodeSetConv(sub)
	require.Equal(t, types.KindI32, lhs)
	require.Equal(t, types.KindF64, rhs)
}

func TestSetConvRejectsNonArithmetic(t *testing.T) {
	require.Equal(t, Invalid, SetConv(types.KindStruct, types.KindI32))
}

func TestAriBitwiseRejectsFloat(t *testing.T) {
	require.Equal(t, Invalid, Ari("and", types.KindF32, types.KindI32), "bitwise ops are integer-only")
	require.NotEqual(t, Invalid, Ari("add", types.KindF32, types.KindI32), "add accepts any arithmetic pair")
}

func TestAriUnaryNotRejectsFloat(t *testing.T) {
	require.Equal(t, Invalid, AriUnary("not", types.KindF64))
	require.NotEqual(t, Invalid, AriUnary("neg", types.KindF64))
}

func TestCzeCnzRoundTrip(t *testing.T) {
	sub := CzeCnz(types.KindU16)
	require.NotEqual(t, Invalid, sub)
	require.Equal(t, types.KindU16, DecodeCzeCnz(sub))
}

func TestPointerOffsetRejectsFloat(t *testing.T) {
	require.Equal(t, Invalid, PointerOffset(types.KindF32), "pointer arithmetic is integer-only")
	sub := PointerOffset(types.KindI64)
	require.NotEqual(t, Invalid, sub)
	require.Equal(t, types.KindI64, DecodePointerOffset(sub))
}

func TestCmpSharesSetConvPacking(t *testing.T) {
	require.Equal(t, SetConv(types.KindI32, types.KindI32), Cmp(types.KindI32, types.KindI32), "Cmp and SetConv packing diverged for identical operands")
}
