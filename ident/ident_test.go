package ident

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aggrobird/propane/perr"
)

func TestValidIdentifier(t *testing.T) {
	cases := map[string]bool{
		"foo":     true,
		"_bar":    true,
		"$baz":    true,
		"foo123":  true,
		"123foo":  false,
		"foo-bar": false,
		"this":    false,
		"":        false,
		"a b":     false,
	}
	for in, want := range cases {
		require.Equalf(t, want, ValidIdentifier(in), "ValidIdentifier(%q)", in)
	}
}

func TestTableInternDedup(t *testing.T) {
	tbl := NewTable()
	a := tbl.Intern("foo")
	b := tbl.Intern("bar")
	c := tbl.Intern("foo")
	require.Equal(t, a, c, "Intern not deduplicated")
	require.NotEqual(t, a, b, "distinct strings got the same Name")
	require.Equal(t, 2, tbl.Len())
	require.Equal(t, "foo", tbl.String(a))
	n, ok := tbl.Lookup("bar")
	require.True(t, ok)
	require.Equal(t, b, n)
	_, ok = tbl.Lookup("baz")
	require.False(t, ok, "Lookup(baz) found an entry that was never interned")
}

func TestTableStringInvalid(t *testing.T) {
	tbl := NewTable()
	require.Equal(t, "", tbl.String(Invalid))
	require.Equal(t, "", tbl.String(Name(99)))
}

func TestTableAllPreservesOrder(t *testing.T) {
	tbl := NewTable()
	tbl.Intern("a")
	tbl.Intern("b")
	tbl.Intern("c")
	require.Equal(t, []string{"a", "b", "c"}, tbl.All())
}

func TestMakeIdentifierRejectsReservedAndInvalid(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.MakeIdentifier("this", perr.SourceLoc{})
	require.Error(t, err)
	_, err = tbl.MakeIdentifier("1bad", perr.SourceLoc{})
	require.Error(t, err)
	n, err := tbl.MakeIdentifier("ok", perr.SourceLoc{})
	require.NoError(t, err)
	require.Equal(t, "ok", tbl.String(n))
}

func TestMetadataTable(t *testing.T) {
	mt := NewMetadataTable()
	files := NewTable()
	f := files.Intern("main.prop")

	idx := mt.Append(Metadata{File: f, Line: 42})
	got := mt.Get(idx)
	require.Equal(t, f, got.File)
	require.EqualValues(t, 42, got.Line)
	require.Equal(t, 1, mt.Len())

	empty := mt.Get(InvalidIndex)
	require.Equal(t, Invalid, empty.File)
}
