package types

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aggrobird/propane/ident"
	"github.com/aggrobird/propane/perr"
)

func TestNewTableSeedsPrimitives(t *testing.T) {
	tbl := NewTable(8)
	require.Equal(t, 12, tbl.Len(), "want 12 primitive kinds")
	cases := []struct {
		idx  Index
		kind Kind
		size int
	}{
		{Void, KindVoid, 0},
		{I32, KindI32, 4},
		{U64, KindU64, 8},
		{F64, KindF64, 8},
		{VoidPtr, KindVoidPtr, 8},
	}
	for _, c := range cases {
		ty := tbl.Get(c.idx)
		require.Equalf(t, c.kind, ty.Kind, "Get(%d).Kind", c.idx)
		require.Equalf(t, c.size, ty.Size, "Get(%d).Size", c.idx)
		require.Equalf(t, ident.Invalid, ty.Name, "primitive %v has a non-Invalid Name", c.kind)
		require.Truef(t, ty.Flags.Has(FlagDefined) && ty.Flags.Has(FlagResolved), "primitive %v not pre-defined/resolved", c.kind)
	}
}

func TestDeclareIsIdempotent(t *testing.T) {
	tbl := NewTable(8)
	idents := ident.NewTable()
	name := idents.Intern("Foo")

	a, err := tbl.Declare(name, perr.SourceLoc{})
	require.NoError(t, err)
	b, err := tbl.Declare(name, perr.SourceLoc{})
	require.NoError(t, err)
	require.Equal(t, a, b, "Declare not idempotent")
}

func TestDefineAndAddField(t *testing.T) {
	tbl := NewTable(8)
	idents := ident.NewTable()
	name := idents.Intern("Point")
	idx, err := tbl.Declare(name, perr.SourceLoc{})
	require.NoError(t, err)
	require.NoError(t, tbl.Define(idx, false, perr.SourceLoc{}))
	require.Error(t, tbl.Define(idx, false, perr.SourceLoc{}), "expected redeclaration error")

	x := idents.Intern("x")
	y := idents.Intern("y")
	require.NoError(t, tbl.AddField(idx, x, I32, perr.SourceLoc{}))
	require.NoError(t, tbl.AddField(idx, y, I32, perr.SourceLoc{}))
	require.Error(t, tbl.AddField(idx, x, I32, perr.SourceLoc{}), "expected duplicate-field error")
	require.Error(t, tbl.AddField(idx, idents.Intern("v"), Void, perr.SourceLoc{}), "expected invalid-void-type error")

	require.NoError(t, tbl.Resolve(idx, perr.SourceLoc{}))
	ty := tbl.Get(idx)
	require.Equal(t, 8, ty.Size, "two i32 fields")
	require.Equal(t, 0, ty.Fields[0].Offset)
	require.Equal(t, 4, ty.Fields[1].Offset)
}

func TestResolveDetectsRecursiveType(t *testing.T) {
	tbl := NewTable(8)
	idents := ident.NewTable()
	name := idents.Intern("Cyclic")
	idx, err := tbl.Declare(name, perr.SourceLoc{})
	require.NoError(t, err)
	require.NoError(t, tbl.Define(idx, false, perr.SourceLoc{}))
	// A struct directly embedding itself by value (no indirection) cannot
	// be sized and must be rejected.
	require.NoError(t, tbl.AddField(idx, idents.Intern("self"), idx, perr.SourceLoc{}))
	require.Error(t, tbl.Resolve(idx, perr.SourceLoc{}), "expected recursive-type error")
}

func TestDeclarePointerDeduplicates(t *testing.T) {
	tbl := NewTable(8)
	a := tbl.DeclarePointer(I32)
	b := tbl.DeclarePointer(I32)
	require.Equal(t, a, b, "DeclarePointer not deduplicated")
	ty := tbl.Get(a)
	require.Equal(t, KindPointer, ty.Kind)
	require.Equal(t, I32, ty.Base)
	require.Equal(t, 8, ty.Size)
}

func TestDeclareArrayRejectsZeroLength(t *testing.T) {
	tbl := NewTable(8)
	_, err := tbl.DeclareArray(I32, 0, perr.SourceLoc{})
	require.Error(t, err, "DeclareArray(count=0): expected error")

	a, err := tbl.DeclareArray(I32, 4, perr.SourceLoc{})
	require.NoError(t, err)
	b, err := tbl.DeclareArray(I32, 4, perr.SourceLoc{})
	require.NoError(t, err)
	require.Equal(t, a, b, "DeclareArray not deduplicated")
	ty := tbl.Get(a)
	require.Equal(t, 16, ty.Size, "4 x i32")
}

func TestMakeSignatureDeduplicates(t *testing.T) {
	tbl := NewTable(8)
	a, err := tbl.MakeSignature(I32, []Index{I32, F64}, perr.SourceLoc{})
	require.NoError(t, err)
	b, err := tbl.MakeSignature(I32, []Index{I32, F64}, perr.SourceLoc{})
	require.NoError(t, err)
	require.Equal(t, a, b, "MakeSignature not deduplicated")

	c, err := tbl.MakeSignature(I32, []Index{F64, I32}, perr.SourceLoc{})
	require.NoError(t, err)
	require.NotEqual(t, a, c, "different parameter order collapsed to the same signature")
}

func TestMakeSignatureRejectsTooManyParams(t *testing.T) {
	tbl := NewTable(8)
	params := make([]Index, 257)
	for i := range params {
		params[i] = I32
	}
	_, err := tbl.MakeSignature(Void, params, perr.SourceLoc{})
	require.Error(t, err, "expected overflow error")
}

func TestMakeOffsetRejectsEmptyPath(t *testing.T) {
	tbl := NewTable(8)
	_, err := tbl.MakeOffset(I32, nil, perr.SourceLoc{})
	require.Error(t, err)
}

func TestKindPredicates(t *testing.T) {
	require.True(t, KindI32.IsPrimitive())
	require.True(t, KindI32.IsInteger())
	require.True(t, KindI32.IsSigned())
	require.False(t, KindU32.IsSigned())
	require.True(t, KindF64.IsFloat())
	require.True(t, KindStruct.IsAggregate())
	require.True(t, KindUnion.IsAggregate())
	require.False(t, KindPointer.IsPrimitive())
}
