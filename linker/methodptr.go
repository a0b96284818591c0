package linker

import (
	"github.com/aggrobird/propane/ir"
	"github.com/aggrobird/propane/perr"
)

// resolveMethodPointers is linker stage (f): for every constant reserved
// via Generator.DeclareMethodPointerConstant, synthesize its wrapping
// signature type and fill its reserved pointer-width bytes with the
// target method's index XORed against the runtime hash (spec §4.4f, §4.6
// "Virtual call": callv's operand is "a size-typed word XORed against the
// runtime hash" — un-XORing it at call time is how the interpreter
// recovers the callee index without a separate vtable).
func resolveMethodPointers(im *ir.Intermediate, runtimeHash uint64) error {
	for i := range im.Constants {
		c := &im.Constants[i]
		if c.MethodPointerTarget == nil {
			continue
		}
		target := *c.MethodPointerTarget
		if int(target) < 0 || int(target) >= len(im.Methods) {
			return perr.New(perr.LNKUninitializedMethodPointer, perr.SourceLoc{},
				"method-pointer constant %q references undefined method", im.Idents.String(c.Name))
		}

		callee := im.Method(target)
		c.Type = im.Types.DeclareSignatureType(callee.Signature)

		width := im.Types.PointerWidth
		if int(c.DataOffset)+width > len(im.ConstantData) {
			return perr.New(perr.LNKInitializerOverflow, perr.SourceLoc{},
				"method-pointer constant %q overflows constant data", im.Idents.String(c.Name))
		}
		handle := uint64(uint32(target)) ^ runtimeHash
		buf := im.ConstantData[c.DataOffset : int(c.DataOffset)+width]
		for b := 0; b < width; b++ {
			buf[b] = byte(handle >> (8 * uint(b)))
		}
	}
	return nil
}
