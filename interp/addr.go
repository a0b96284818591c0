package interp

import (
	"math"
	"unsafe"

	"github.com/aggrobird/propane/assembly"
	"github.com/aggrobird/propane/bytecode"
	"github.com/aggrobird/propane/perr"
	"github.com/aggrobird/propane/types"
)

// operand is the resolved form of one 8-byte address descriptor: a byte
// window plus the static type it holds. loc is nil for pure r-values
// (address-of, sizeof, and inline constants) that have no stable backing
// location an instruction could write back into.
type operand struct {
	loc  []byte
	kind types.Kind
	typ  types.Index
}

func (o operand) bits() uint64 { return readBits(o.loc, o.kind) }

// ptrOf returns buf's first byte's address as a portable bit pattern, the
// same representation a pointer-typed operand's bits hold. buf must be a
// window into m.stack, m.globalData or m.constantData, none of which are
// ever reallocated after New, so the address stays valid for the Machine's
// lifetime (spec §5 "the stack is exclusively owned" — grounds taking its
// address at all).
func ptrOf(buf []byte) uint64 {
	if len(buf) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&buf[0])))
}

// sliceAt views size bytes starting at a raw address recovered from a
// pointer operand's bits. Used to follow pointer dereferences and indirect
// field/offset accesses — the address either came from ptrOf above, or
// from a native external call returning a pointer into host memory.
func sliceAt(addr uint64, size int) []byte {
	if size == 0 || addr == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), size)
}

// resolveOperand decodes one address descriptor against the current frame,
// walking its addressing mode, field/offset modifier and unary prefix in
// the same order the linker's resolveAddrType does statically (spec
// §4.4e/§4.6) — here producing an actual byte window instead of a type.
func (m *Machine) resolveOperand(fr *frame, meta *methodMeta, asmMethod *assembly.Method, a bytecode.Address) (operand, error) {
	t := m.asm.Types
	var o operand

	switch a.Type {
	case bytecode.AddrStackVar:
		if a.Index == bytecode.IndexMax {
			if !fr.scratchValid {
				return operand{}, perr.New(perr.RTMInvalidReturnAddress, perr.SourceLoc{},
					"read of return-value slot with no value produced since the last branch or label")
			}
			size := t.Get(primitiveForKind(fr.scratchKind)).Size
			o.loc = m.stack[fr.scratchOffset(asmMethod):][:size]
			o.kind = fr.scratchKind
			o.typ = primitiveForKind(fr.scratchKind)
		} else {
			ty := asmMethod.StackVars[a.Index]
			off := fr.stackVarOffset(meta, a.Index)
			o.loc = m.stack[off:][:t.Get(ty).Size]
			o.kind = t.Get(ty).Kind
			o.typ = ty
		}
	case bytecode.AddrParameter:
		sig := t.Signature(asmMethod.Signature)
		ty := sig.Params[a.Index]
		off := fr.paramOffset(meta, a.Index)
		o.loc = m.stack[off:][:t.Get(ty).Size]
		o.kind = t.Get(ty).Kind
		o.typ = ty
	case bytecode.AddrGlobal:
		raw, isConst := bytecode.UnpackGlobalRef(a.Index)
		if isConst {
			info := m.asm.Constants[raw]
			o.loc = m.constantData[info.DataOffset:][:t.Get(info.Type).Size]
			o.kind = t.Get(info.Type).Kind
			o.typ = info.Type
		} else {
			info := m.asm.Globals[raw]
			o.loc = m.globalData[info.DataOffset:][:t.Get(info.Type).Size]
			o.kind = t.Get(info.Type).Kind
			o.typ = info.Type
		}
	case bytecode.AddrConstant:
		// Inline immediate: Payload holds the literal's low 32 bits
		// verbatim (spec divergence noted in the grounding ledger — the
		// generator emits a fixed 32-bit payload rather than a
		// variable-length literal), reinterpreted per kind rather than
		// numerically cast.
		kind := types.Kind(a.Index)
		o.kind = kind
		o.typ = primitiveForKind(kind)
		buf := make([]byte, t.Get(o.typ).Size)
		switch kind {
		case types.KindF32:
			writeBits(buf, kind, uint64(uint32(a.Payload)))
		case types.KindF64:
			widened := float64(math.Float32frombits(uint32(a.Payload)))
			writeBits(buf, kind, math.Float64bits(widened))
		case types.KindI64, types.KindU64:
			writeBits(buf, kind, uint64(int64(a.Payload))) // sign-extend
		default:
			writeBits(buf, kind, uint64(uint32(a.Payload)))
		}
		o.loc = buf
	default:
		return operand{}, perr.New(perr.RTMInvalidAssembly, perr.SourceLoc{}, "invalid address type %d", a.Type)
	}

	switch a.Modifier {
	case bytecode.ModDirectField:
		off := t.Offset(types.OffsetIndex(a.Payload))
		o.loc = o.loc[off.Byte:][:t.Get(off.Resolved).Size]
		o.typ = off.Resolved
		o.kind = t.Get(off.Resolved).Kind
	case bytecode.ModIndirectField:
		off := t.Offset(types.OffsetIndex(a.Payload))
		base := readBits(o.loc, types.KindVoidPtr)
		o.loc = sliceAt(base, t.Get(off.Resolved).Size)[off.Byte:][:t.Get(off.Resolved).Size]
		o.typ = off.Resolved
		o.kind = t.Get(off.Resolved).Kind
	case bytecode.ModOffset:
		baseTy := t.Get(o.typ)
		elem := t.Get(baseTy.Base)
		if baseTy.Kind == types.KindPointer {
			// Pointer arithmetic has no static bound to check; an
			// out-of-range offset here is a caller bug, not a link-time
			// condition.
			base := readBits(o.loc, types.KindVoidPtr)
			o.loc = sliceAt(base+uint64(a.Payload), elem.Size)
		} else {
			// Array subscripts are range-checked at link time
			// (resolveAddrType), so a.Payload is always in bounds here.
			o.loc = o.loc[a.Payload:][:elem.Size]
		}
		o.typ = baseTy.Base
		o.kind = elem.Kind
	}

	switch a.Prefix {
	case bytecode.PrefixIndirection:
		baseTy := t.Get(o.typ)
		pointee := t.Get(baseTy.Base)
		addr := readBits(o.loc, types.KindVoidPtr)
		o.loc = sliceAt(addr, pointee.Size)
		o.typ = baseTy.Base
		o.kind = pointee.Kind
	case bytecode.PrefixAddressOf:
		ptrTy := t.DeclarePointer(o.typ)
		bits := ptrOf(o.loc)
		buf := make([]byte, t.PointerWidth)
		writeBits(buf, types.KindVoidPtr, bits)
		o.loc = buf
		o.typ = ptrTy
		o.kind = types.KindVoidPtr
	case bytecode.PrefixSizeOf:
		size := t.Get(o.typ).Size
		kind := types.KindU32
		if t.PointerWidth >= 8 {
			kind = types.KindU64
		}
		buf := make([]byte, t.Get(primitiveForKind(kind)).Size)
		writeBits(buf, kind, uint64(size))
		o.loc = buf
		o.typ = primitiveForKind(kind)
		o.kind = kind
	}

	return o, nil
}

func primitiveForKind(k types.Kind) types.Index {
	switch k {
	case types.KindI8:
		return types.I8
	case types.KindU8:
		return types.U8
	case types.KindI16:
		return types.I16
	case types.KindU16:
		return types.U16
	case types.KindI32:
		return types.I32
	case types.KindU32:
		return types.U32
	case types.KindI64:
		return types.I64
	case types.KindU64:
		return types.U64
	case types.KindF32:
		return types.F32
	case types.KindF64:
		return types.F64
	default:
		return types.VoidPtr
	}
}
