package linker

import (
	"github.com/aggrobird/propane/ir"
	"github.com/aggrobird/propane/perr"
	"github.com/aggrobird/propane/runtimehost"
	"github.com/aggrobird/propane/types"
)

// resolveExternals is linker stage (a): bind every external method to a
// runtime call-table entry, and fill in every type left undefined by the
// generator against the runtime's native-type descriptors (spec §4.4a).
func resolveExternals(im *ir.Intermediate, desc *runtimehost.Descriptor) error {
	for i, m := range im.Methods {
		if !m.IsExternal() {
			continue
		}
		name := im.Idents.String(m.Name)
		libIdx, callIdx, ok := desc.Lookup(m.ExternalLibrary, name)
		if !ok {
			return perr.New(perr.LNKUndefinedMethod, methodLoc(im, m),
				"external method %q not found in library %q", name, m.ExternalLibrary)
		}
		call := desc.Libraries[libIdx].Calls[callIdx]
		sig := im.Types.Signature(m.Signature)
		if err := checkExternalSignature(im.Types, sig, call); err != nil {
			return perr.New(perr.LNKUndefinedMethod, methodLoc(im, m),
				"external method %q: %v", name, err)
		}
		im.Methods[i].ExternalLibrary = desc.Libraries[libIdx].Path
		im.Methods[i].ExternalCallIndex = callIdx
	}

	// Types declared but never defined by the generator fall back to the
	// runtime's native-type descriptors (spec §4.4a "look up a native
	// descriptor providing its size and fields").
	n := im.Types.Len()
	for i := 0; i < n; i++ {
		idx := types.Index(i)
		ty := im.Types.Get(idx)
		if ty.Flags.Has(types.FlagDefined) {
			continue
		}
		name := im.Idents.String(ty.Name)
		native, ok := desc.LookupNativeType(name)
		if !ok {
			return perr.New(perr.LNKUndefinedType, perr.SourceLoc{}, "undefined type %q", name)
		}
		applyNativeType(im, idx, native)
	}
	return nil
}

// checkExternalSignature validates that a declared external signature's
// parameter count matches the
// runtime's own recorded shape. A full structural type match isn't
// possible here — the descriptor only records NativeTypeRef tags, not
// Propane type indices — so this is a coarse sanity check, not a type
// checker.
func checkExternalSignature(t *types.Table, sig *types.Signature, call runtimehost.ExternalCall) error {
	if len(sig.Params) != len(call.Parameters) {
		return perr.New(perr.LNKArgumentCountMismatch, perr.SourceLoc{},
			"expects %d parameters, runtime call has %d", len(sig.Params), len(call.Parameters))
	}
	return nil
}

// applyNativeType materializes idx's size, flags and fields from a
// runtime-provided NativeType. Each field's NativeTypeRef.Tag is a
// types.Kind value; PointerDepth wraps it through DeclarePointer that
// many times, so a native field may introduce new implicit pointer types
// (spec §4.4a "native type insertion may add implicit pointer types").
func applyNativeType(im *ir.Intermediate, idx types.Index, native runtimehost.NativeType) {
	t := im.Types
	ty := t.Get(idx)
	ty.Size = native.Size
	ty.Flags |= types.FlagDefined | types.FlagResolved | types.FlagExternal
	for _, f := range native.Fields {
		fieldTy := nativeRefType(t, f.Type)
		ty.Fields = append(ty.Fields, types.Field{Name: im.Idents.Intern(f.Name), Type: fieldTy, Offset: f.Offset})
	}
}

// nativeRefType rebuilds a types.Index from a NativeTypeRef without the
// runtimehost package depending on types: ref.Tag is a types.Kind cast to
// uint8, and primitive kinds occupy types.Index 0..11 in exactly Kind
// order (spec §9; see types.NewTable), so Index(Kind) is always valid for
// the ten arithmetic kinds plus void/void*.
func nativeRefType(t *types.Table, ref runtimehost.NativeTypeRef) types.Index {
	idx := types.Index(ref.Tag)
	for i := 0; i < ref.PointerDepth; i++ {
		idx = t.DeclarePointer(idx)
	}
	return idx
}
