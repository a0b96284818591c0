// Package namegen reconstructs a human-readable name for a derived type
// (pointer, array, signature) from its structural shape, the way every
// diagnostic that names a type needs one even though pointer/array/
// signature types are never given an identifier of their own (spec §2
// component K, §9 supplemented feature).
package namegen

import (
	"strconv"
	"strings"

	"github.com/aggrobird/propane/ident"
	"github.com/aggrobird/propane/types"
)

// TypeName renders idx's name: a declared type's own identifier, or for a
// derived type the recursively-built shape `T*` (pointer), `T[n]` (array),
// `ret(params...)` (signature) — grounded on
// `original_source/src/name_generator.hpp`'s generate_recursive.
func TypeName(t *types.Table, idents *ident.Table, idx types.Index) string {
	var b strings.Builder
	if !generate(t, idents, idx, &b) {
		return "?"
	}
	return b.String()
}

func generate(t *types.Table, idents *ident.Table, idx types.Index, out *strings.Builder) bool {
	if idx == types.Invalid {
		return false
	}
	ty := t.Get(idx)

	switch ty.Kind {
	case types.KindPointer:
		if !generate(t, idents, ty.Base, out) {
			return false
		}
		out.WriteByte('*')
		return true

	case types.KindArray:
		if !generate(t, idents, ty.Base, out) {
			return false
		}
		out.WriteByte('[')
		out.WriteString(strconv.Itoa(ty.ElemCount))
		out.WriteByte(']')
		return true

	case types.KindSignature:
		sig := t.Signature(ty.Sig)
		if !generate(t, idents, sig.Return, out) {
			return false
		}
		out.WriteByte('(')
		for i, p := range sig.Params {
			if i != 0 {
				out.WriteByte(',')
			}
			if !generate(t, idents, p, out) {
				return false
			}
		}
		out.WriteByte(')')
		return true

	default:
		if ty.Name != ident.Invalid {
			out.WriteString(idents.String(ty.Name))
			return true
		}
		// Primitives (including void/void*) carry no identifier of their
		// own — types.NewTable seeds them with Name == ident.Invalid —
		// so their Kind's own String() is their name. An unnamed
		// struct/union is the one remaining failure case.
		if ty.Kind == types.KindStruct || ty.Kind == types.KindUnion {
			return false
		}
		out.WriteString(ty.Kind.String())
		return true
	}
}

// SignatureName renders a signature directly, without requiring it to
// already be wrapped in a first-class KindSignature type (used by
// diagnostics that only have a raw SignatureIndex, e.g. a method's own
// declared signature).
func SignatureName(t *types.Table, idents *ident.Table, sig types.SignatureIndex) string {
	s := t.Signature(sig)
	var b strings.Builder
	if !generate(t, idents, s.Return, &b) {
		b.WriteString("?")
	}
	b.WriteByte('(')
	for i, p := range s.Params {
		if i != 0 {
			b.WriteByte(',')
		}
		if !generate(t, idents, p, &b) {
			b.WriteString("?")
		}
	}
	b.WriteByte(')')
	return b.String()
}
