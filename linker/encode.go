package linker

import (
	"github.com/aggrobird/propane/bytecode"
	"github.com/aggrobird/propane/ir"
	"github.com/aggrobird/propane/optable"
	"github.com/aggrobird/propane/perr"
	"github.com/aggrobird/propane/types"
)

// encodeMethod is linker stage (e): walk a defined method's raw bytecode
// once, translating every per-method reference-list index (RefGlobals,
// RefFields, RefMethods) into its final assembly-wide index and filling
// in the placeholder subcode byte the generator left as 0 on every
// instruction that carries one (spec §4.4e). The generator already wrote
// every instruction at its final byte length and every branch target at
// its final offset (spec §4.2/§4.3), so this pass never grows or shrinks
// the buffer — only overwrites fixed-width fields in place.
func encodeMethod(im *ir.Intermediate, m *ir.Method) error {
	r := bytecode.NewReader(m.Bytecode)
	for !r.Done() {
		op := r.ReadOpcode()
		switch op {
		case bytecode.Noop:
		case bytecode.Br:
			r.ReadU32() // already patched to its final label offset at generation time

		case bytecode.Set, bytecode.Conv,
			bytecode.AriMul, bytecode.AriDiv, bytecode.AriMod, bytecode.AriAdd, bytecode.AriSub,
			bytecode.AriLsh, bytecode.AriRsh, bytecode.AriAnd, bytecode.AriXor, bytecode.AriOr,
			bytecode.Cmp, bytecode.Ceq, bytecode.Cne, bytecode.Cgt, bytecode.Cge, bytecode.Clt, bytecode.Cle:
			if err := translateBinarySub(im, m, r, op); err != nil {
				return err
			}

		case bytecode.AriNot, bytecode.AriNeg, bytecode.Cze, bytecode.Cnz:
			if err := translateUnarySub(im, m, r, op); err != nil {
				return err
			}

		case bytecode.Padd, bytecode.Psub:
			if err := translatePointerSub(im, m, r, op); err != nil {
				return err
			}

		case bytecode.Pdif:
			if err := translateAddressOnly(im, m, r); err != nil {
				return err
			}
			if err := translateAddressOnly(im, m, r); err != nil {
				return err
			}

		case bytecode.Beq, bytecode.Bne, bytecode.Bgt, bytecode.Bge, bytecode.Blt, bytecode.Ble:
			r.ReadU32() // branch offset, already resolved
			if err := translateBinarySub(im, m, r, op); err != nil {
				return err
			}

		case bytecode.Bze, bytecode.Bnz:
			r.ReadU32()
			if err := translateUnarySub(im, m, r, op); err != nil {
				return err
			}

		case bytecode.Sw:
			if err := translateAddressOnly(im, m, r); err != nil {
				return err
			}
			count := r.ReadU32()
			for i := uint32(0); i < count; i++ {
				r.ReadU32() // label offset, already resolved
			}

		case bytecode.Call:
			if err := translateCall(im, m, r); err != nil {
				return err
			}

		case bytecode.Callv:
			if err := translateCallv(im, m, r); err != nil {
				return err
			}

		case bytecode.Ret:

		case bytecode.Retv:
			if err := translateRetv(im, m, r); err != nil {
				return err
			}

		case bytecode.Dump:
			if err := translateAddressOnly(im, m, r); err != nil {
				return err
			}

		default:
			return perr.New(perr.LNKInvalidIntermediate, methodLoc(im, m), "unrecognized opcode %v", op)
		}
	}
	return nil
}

// translateAddress reads the next 8-byte operand, resolves its static
// type against this method's pre-translation reference lists, rewrites
// its global/field reference in place against the assembly's final
// indices, and returns the resolved type for the caller's subcode
// computation.
func translateAddress(im *ir.Intermediate, m *ir.Method, r *bytecode.Reader) (types.Index, error) {
	raw := r.ReadAddressBytes()
	var buf [8]byte
	copy(buf[:], raw)
	a := bytecode.DecodeAddress(buf)

	ty, err := resolveAddrType(im, m, a)
	if err != nil {
		return types.Invalid, err
	}

	translated := a
	if a.Type == bytecode.AddrGlobal {
		if int(a.Index) >= len(m.RefGlobals) {
			return types.Invalid, perr.New(perr.LNKUndefinedGlobal, methodLoc(im, m),
				"global reference %d out of range", a.Index)
		}
		g := m.RefGlobals[a.Index]
		translated.Index = bytecode.PackGlobalRef(g.Raw(), g.IsConstant())
	}
	if a.Modifier == bytecode.ModDirectField || a.Modifier == bytecode.ModIndirectField {
		if int(a.Payload) >= len(m.RefFields) {
			return types.Invalid, perr.New(perr.LNKUndefinedTypeField, methodLoc(im, m),
				"field reference %d out of range", a.Payload)
		}
		translated.Payload = int32(m.RefFields[a.Payload])
	}
	bytecode.OverwriteAddress(raw, translated)
	return ty, nil
}

// resolveAddrType infers an address's static type from its addressing
// mode, then narrows it through its field/offset modifier and unary
// prefix, mirroring the original implementation's resolve_address_type
// (spec §4.4e "the linker re-derives each operand's static type from its
// addressing mode to pick a subcode").
func resolveAddrType(im *ir.Intermediate, m *ir.Method, a bytecode.Address) (types.Index, error) {
	t := im.Types
	var base types.Index

	switch a.Type {
	case bytecode.AddrStackVar:
		if a.Index == bytecode.IndexMax {
			base = t.Signature(m.Signature).Return
		} else {
			if int(a.Index) >= len(m.StackVars) {
				return types.Invalid, perr.New(perr.LNKInvalidIntermediate, methodLoc(im, m),
					"stack slot %d out of range", a.Index)
			}
			base = m.StackVars[a.Index]
		}
	case bytecode.AddrParameter:
		sig := t.Signature(m.Signature)
		if int(a.Index) >= len(sig.Params) {
			return types.Invalid, perr.New(perr.LNKInvalidIntermediate, methodLoc(im, m),
				"parameter %d out of range", a.Index)
		}
		base = sig.Params[a.Index]
	case bytecode.AddrGlobal:
		if int(a.Index) >= len(m.RefGlobals) {
			return types.Invalid, perr.New(perr.LNKUndefinedGlobal, methodLoc(im, m),
				"global reference %d out of range", a.Index)
		}
		g := m.RefGlobals[a.Index]
		if g.IsConstant() {
			c := &im.Constants[g.Raw()]
			base = c.Type
			if base == types.Invalid && c.MethodPointerTarget != nil &&
				int(*c.MethodPointerTarget) >= 0 && int(*c.MethodPointerTarget) < len(im.Methods) {
				// Method pointers are typed by stage (f), which runs after this
				// one; the signature type is deduplicated, so stage (f) finds
				// the same index declared here.
				base = t.DeclareSignatureType(im.Method(*c.MethodPointerTarget).Signature)
			}
		} else {
			base = im.Globals[g.Raw()].Type
		}
	case bytecode.AddrConstant:
		base = types.Index(a.Index)
	default:
		return types.Invalid, perr.New(perr.LNKInvalidIntermediate, methodLoc(im, m),
			"invalid address type %d", a.Type)
	}

	switch a.Modifier {
	case bytecode.ModDirectField, bytecode.ModIndirectField:
		if int(a.Payload) >= len(m.RefFields) {
			return types.Invalid, perr.New(perr.LNKUndefinedTypeField, methodLoc(im, m),
				"field reference %d out of range", a.Payload)
		}
		base = t.Offset(m.RefFields[a.Payload]).Resolved
	case bytecode.ModOffset:
		baseTy := t.Get(base)
		if baseTy.Kind != types.KindArray && baseTy.Kind != types.KindPointer {
			return types.Invalid, perr.New(perr.LNKInvalidOffsetModifier, methodLoc(im, m),
				"offset modifier on non-array, non-pointer type %q", baseTy.Kind)
		}
		if baseTy.Kind == types.KindArray {
			elemSize := t.Get(baseTy.Base).Size
			if a.Payload < 0 || a.Payload >= int32(baseTy.ElemCount*elemSize) {
				return types.Invalid, perr.New(perr.LNKArrayIndexOutOfRange, methodLoc(im, m),
					"array offset %d out of range for %d-element array", a.Payload, baseTy.ElemCount)
			}
		}
		base = baseTy.Base
	}

	switch a.Prefix {
	case bytecode.PrefixIndirection:
		baseTy := t.Get(base)
		if baseTy.Kind != types.KindPointer {
			return types.Invalid, perr.New(perr.LNKInvalidPointerDereference, methodLoc(im, m),
				"indirection on non-pointer type %q", baseTy.Kind)
		}
		base = baseTy.Base
	case bytecode.PrefixAddressOf:
		base = t.DeclarePointer(base)
	case bytecode.PrefixSizeOf:
		if t.PointerWidth >= 8 {
			base = types.U64
		} else {
			base = types.U32
		}
	}

	return base, nil
}

func ariOpName(op bytecode.Opcode) string {
	switch op {
	case bytecode.AriMul:
		return "mul"
	case bytecode.AriDiv:
		return "div"
	case bytecode.AriMod:
		return "mod"
	case bytecode.AriAdd:
		return "add"
	case bytecode.AriSub:
		return "sub"
	case bytecode.AriLsh:
		return "lsh"
	case bytecode.AriRsh:
		return "rsh"
	case bytecode.AriAnd:
		return "and"
	case bytecode.AriXor:
		return "xor"
	case bytecode.AriOr:
		return "or"
	}
	return ""
}

// translateBinarySub resolves and overwrites the subcode for a two-address
// instruction: set/conv, the arithmetic/bitwise family, and the
// comparison family (including the branch opcodes, which re-test the
// identical comparison their value-producing counterpart would).
func translateBinarySub(im *ir.Intermediate, m *ir.Method, r *bytecode.Reader, op bytecode.Opcode) error {
	subOff := r.Pos
	r.ReadSubcode()
	lhsTy, err := translateAddress(im, m, r)
	if err != nil {
		return err
	}
	rhsTy, err := translateAddress(im, m, r)
	if err != nil {
		return err
	}
	lhsKind := im.Types.Get(lhsTy).Kind
	rhsKind := im.Types.Get(rhsTy).Kind

	var sub int
	errCode := perr.LNKInvalidArithmeticExpression
	switch op {
	case bytecode.Set, bytecode.Conv:
		if lhsKind.IsAggregate() || lhsKind == types.KindArray {
			sub = optable.SubAggregateCopy
		} else {
			sub = optable.SetConv(lhsKind, rhsKind)
		}
	case bytecode.Cmp, bytecode.Ceq, bytecode.Cne, bytecode.Cgt, bytecode.Cge, bytecode.Clt, bytecode.Cle,
		bytecode.Beq, bytecode.Bne, bytecode.Bgt, bytecode.Bge, bytecode.Blt, bytecode.Ble:
		sub = optable.Cmp(lhsKind, rhsKind)
		errCode = perr.LNKInvalidComparisonExpression
	default:
		sub = optable.Ari(ariOpName(op), lhsKind, rhsKind)
	}
	if sub == optable.Invalid {
		return perr.New(errCode, methodLoc(im, m), "%v has no defined operation for (%v, %v)", op, lhsKind, rhsKind)
	}
	r.Buf[subOff] = byte(sub)
	return nil
}

// translateUnarySub resolves and overwrites the subcode for a
// single-address instruction: ari_not/ari_neg and cze/cnz (including
// bze/bnz, which share cze/cnz's zero/nonzero subcode).
func translateUnarySub(im *ir.Intermediate, m *ir.Method, r *bytecode.Reader, op bytecode.Opcode) error {
	subOff := r.Pos
	r.ReadSubcode()
	ty, err := translateAddress(im, m, r)
	if err != nil {
		return err
	}
	kind := im.Types.Get(ty).Kind

	var sub int
	switch op {
	case bytecode.AriNot:
		sub = optable.AriUnary("not", kind)
	case bytecode.AriNeg:
		sub = optable.AriUnary("neg", kind)
	default: // Cze, Cnz, Bze, Bnz
		sub = optable.CzeCnz(kind)
	}
	if sub == optable.Invalid {
		return perr.New(perr.LNKInvalidArithmeticExpression, methodLoc(im, m),
			"%v has no defined operation for %v", op, kind)
	}
	r.Buf[subOff] = byte(sub)
	return nil
}

// translatePointerSub resolves and overwrites the subcode for padd/psub:
// the lhs must already be a pointer, the rhs selects the integer cast
// chain padd/psub scales its stride by (spec §4.5 "pointer arithmetic
// scaled by pointee size").
func translatePointerSub(im *ir.Intermediate, m *ir.Method, r *bytecode.Reader, op bytecode.Opcode) error {
	subOff := r.Pos
	r.ReadSubcode()
	lhsTy, err := translateAddress(im, m, r)
	if err != nil {
		return err
	}
	rhsTy, err := translateAddress(im, m, r)
	if err != nil {
		return err
	}
	lhsKind := im.Types.Get(lhsTy).Kind
	if lhsKind != types.KindPointer && lhsKind != types.KindVoidPtr {
		return perr.New(perr.LNKInvalidPointerExpression, methodLoc(im, m), "%v requires a pointer lhs", op)
	}
	rhsKind := im.Types.Get(rhsTy).Kind
	sub := optable.PointerOffset(rhsKind)
	if sub == optable.Invalid {
		return perr.New(perr.LNKInvalidPointerExpression, methodLoc(im, m),
			"%v requires an integer rhs, got %v", op, rhsKind)
	}
	r.Buf[subOff] = byte(sub)
	return nil
}

func translateAddressOnly(im *ir.Intermediate, m *ir.Method, r *bytecode.Reader) error {
	_, err := translateAddress(im, m, r)
	return err
}

// translateCall resolves call's raw method-reference index against this
// method's RefMethods list (methods are never reordered by linking, so
// the referenced ir.MethodIndex is already the final assembly index, spec
// §4.4e) and translates its argument tail against the callee's resolved
// signature.
func translateCall(im *ir.Intermediate, m *ir.Method, r *bytecode.Reader) error {
	refOff := r.Pos
	refPos := r.ReadU32()
	if int(refPos) >= len(m.RefMethods) {
		return perr.New(perr.LNKUndefinedMethod, methodLoc(im, m), "call reference %d out of range", refPos)
	}
	target := m.RefMethods[refPos]
	r.OverwriteU32(refOff, uint32(target))

	callee := im.Method(target)
	sig := im.Types.Signature(callee.Signature)
	return translateArgs(im, m, r, sig)
}

// translateCallv resolves callv's pointer operand, which must carry a
// signature type (spec §4.4f method-pointer constants; §9 "a signature
// type wraps a (return, params) pair as a first-class value"), and
// translates its argument tail against that signature.
func translateCallv(im *ir.Intermediate, m *ir.Method, r *bytecode.Reader) error {
	ptrTy, err := translateAddress(im, m, r)
	if err != nil {
		return err
	}
	ptrType := im.Types.Get(ptrTy)
	if ptrType.Kind != types.KindSignature {
		return perr.New(perr.LNKNonSignatureInvoke, methodLoc(im, m), "callv target is not a signature-typed value")
	}
	sig := im.Types.Signature(ptrType.Sig)
	return translateArgs(im, m, r, sig)
}

// translateArgs reads the shared call/callv argument tail (argc followed
// by argc (subcode, address) pairs) and resolves each argument's
// implicit-conversion subcode against sig's matching parameter.
func translateArgs(im *ir.Intermediate, m *ir.Method, r *bytecode.Reader, sig *types.Signature) error {
	argc := int(r.ReadByte())
	if argc != len(sig.Params) {
		return perr.New(perr.LNKArgumentCountMismatch, methodLoc(im, m),
			"call expects %d arguments, found %d", len(sig.Params), argc)
	}
	for i := 0; i < argc; i++ {
		subOff := r.Pos
		r.ReadSubcode()
		argTy, err := translateAddress(im, m, r)
		if err != nil {
			return err
		}
		argKind := im.Types.Get(argTy).Kind
		paramKind := im.Types.Get(sig.Params[i]).Kind
		var sub int
		if paramKind.IsAggregate() {
			sub = optable.SubAggregateCopy
		} else {
			sub = optable.SetConv(paramKind, argKind)
		}
		if sub == optable.Invalid {
			return perr.New(perr.LNKImplicitConversionMismatch, methodLoc(im, m),
				"argument %d: cannot convert %v to %v", i, argKind, paramKind)
		}
		r.Buf[subOff] = byte(sub)
	}
	return nil
}

// translateRetv resolves retv's implicit conversion into the method's
// declared return type.
func translateRetv(im *ir.Intermediate, m *ir.Method, r *bytecode.Reader) error {
	subOff := r.Pos
	r.ReadSubcode()
	valTy, err := translateAddress(im, m, r)
	if err != nil {
		return err
	}
	sig := im.Types.Signature(m.Signature)
	if sig.Return == types.Void {
		return perr.New(perr.GNRInvalidReturn, methodLoc(im, m), "retv in a method declared void")
	}
	retKind := im.Types.Get(sig.Return).Kind
	valKind := im.Types.Get(valTy).Kind
	var sub int
	if retKind.IsAggregate() {
		sub = optable.SubAggregateCopy
	} else {
		sub = optable.SetConv(retKind, valKind)
	}
	if sub == optable.Invalid {
		return perr.New(perr.LNKImplicitConversionMismatch, methodLoc(im, m),
			"return value: cannot convert %v to %v", valKind, retKind)
	}
	r.Buf[subOff] = byte(sub)
	return nil
}
