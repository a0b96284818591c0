package linker

import (
	"github.com/aggrobird/propane/ir"
	"github.com/aggrobird/propane/types"
)

// resolveEntrypoint is linker stage (h): look up a defined, non-external
// method named "main" with signature () -> i32 (spec §4.4h). Returns
// ir.InvalidMethod if none of that exact shape exists — an assembly with
// no entrypoint is still valid (e.g. a library linked for its exported
// methods only).
func resolveEntrypoint(im *ir.Intermediate) ir.MethodIndex {
	name, ok := im.Idents.Lookup("main")
	if !ok {
		return ir.InvalidMethod
	}
	idx, ok := im.LookupMethod(name)
	if !ok {
		return ir.InvalidMethod
	}
	m := im.Method(idx)
	if m.IsExternal() || !m.IsDefined() {
		return ir.InvalidMethod
	}
	sig := im.Types.Signature(m.Signature)
	if sig.Return != types.I32 || len(sig.Params) != 0 {
		return ir.InvalidMethod
	}
	return idx
}
