package interp

import (
	"context"
	"fmt"

	"github.com/aggrobird/propane/assembly"
	"github.com/aggrobird/propane/bytecode"
	"github.com/aggrobird/propane/ir"
	"github.com/aggrobird/propane/optable"
	"github.com/aggrobird/propane/perr"
	"github.com/aggrobird/propane/types"
)

// exec interprets the top frame's bytecode until it executes ret/retv,
// returning the exit value only the outermost call (Run's entrypoint)
// actually uses (spec §4.6: every other caller discards it, the callee's
// real result having already been written into the caller's return
// scratch by retv).
func (m *Machine) exec(ctx context.Context) (int32, error) {
	level := len(m.frames) - 1
	fr := &m.frames[level]
	asmMethod := m.asm.Method(fr.method)
	meta := m.meta(fr.method)

	base := m.codeOffset[fr.method]
	r := bytecode.NewReader(m.code[base : base+len(asmMethod.Bytecode)])
	r.Pos = fr.iptr - base

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		if crossesLabel(asmMethod, r.Pos) {
			fr.scratchValid = false
		}
		op := r.ReadOpcode()

		switch op {
		case bytecode.Noop:

		case bytecode.Set, bytecode.Conv:
			if err := m.execSetConv(fr, meta, asmMethod, r); err != nil {
				return 0, err
			}

		case bytecode.AriMul, bytecode.AriDiv, bytecode.AriMod, bytecode.AriAdd, bytecode.AriSub,
			bytecode.AriLsh, bytecode.AriRsh, bytecode.AriAnd, bytecode.AriXor, bytecode.AriOr:
			if err := m.execAriBinary(fr, meta, asmMethod, r, op); err != nil {
				return 0, err
			}

		case bytecode.AriNot, bytecode.AriNeg:
			if err := m.execAriUnary(fr, meta, asmMethod, r, op); err != nil {
				return 0, err
			}

		case bytecode.Padd, bytecode.Psub:
			if err := m.execPointerArith(fr, meta, asmMethod, r, op); err != nil {
				return 0, err
			}

		case bytecode.Pdif:
			if err := m.execPdif(fr, meta, asmMethod, r); err != nil {
				return 0, err
			}

		case bytecode.Cmp, bytecode.Ceq, bytecode.Cne, bytecode.Cgt, bytecode.Cge, bytecode.Clt, bytecode.Cle:
			if err := m.execCompare(fr, meta, asmMethod, r, op); err != nil {
				return 0, err
			}

		case bytecode.Cze, bytecode.Cnz:
			if err := m.execZeroTest(fr, meta, asmMethod, r, op); err != nil {
				return 0, err
			}

		case bytecode.Br:
			fr.scratchValid = false
			target := r.ReadI32()
			r.Pos = int(target)

		case bytecode.Beq, bytecode.Bne, bytecode.Bgt, bytecode.Bge, bytecode.Blt, bytecode.Ble:
			fr.scratchValid = false
			if err := m.execCondBranch(fr, meta, asmMethod, r, op); err != nil {
				return 0, err
			}

		case bytecode.Bze, bytecode.Bnz:
			fr.scratchValid = false
			if err := m.execUnaryBranch(fr, meta, asmMethod, r, op); err != nil {
				return 0, err
			}

		case bytecode.Sw:
			fr.scratchValid = false
			if err := m.execSwitch(fr, meta, asmMethod, r); err != nil {
				return 0, err
			}

		case bytecode.Call:
			if err := m.execCall(ctx, fr, meta, asmMethod, r); err != nil {
				return 0, err
			}

		case bytecode.Callv:
			if err := m.execCallv(ctx, fr, meta, asmMethod, r); err != nil {
				return 0, err
			}

		case bytecode.Ret:
			fr.iptr = base + r.Pos
			return 0, nil

		case bytecode.Retv:
			result, err := m.execRetv(fr, meta, asmMethod, r)
			if err != nil {
				return 0, err
			}
			fr.iptr = base + r.Pos
			return result, nil

		case bytecode.Dump:
			if err := m.execDump(fr, meta, asmMethod, r); err != nil {
				return 0, err
			}

		default:
			return 0, perr.New(perr.RTMInvalidAssembly, perr.SourceLoc{},
				"unrecognized opcode %v in %q", op, m.asm.Idents.String(asmMethod.Name))
		}
	}
}

// ariOpName maps an arithmetic opcode to the operator name ariBinary
// switches on, mirroring the linker's identically-named helper (spec
// §4.4e/§4.6 share this naming so the two stay in lockstep).
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

func crossesLabel(asmMethod *assembly.Method, pos int) bool {
	for _, l := range asmMethod.Labels {
		if int(l) == pos {
			return true
		}
	}
	return false
}

func (m *Machine) operand(fr *frame, meta *methodMeta, asmMethod *assembly.Method, r *bytecode.Reader) (operand, error) {
	return m.resolveOperand(fr, meta, asmMethod, r.ReadAddress())
}

func (m *Machine) execSetConv(fr *frame, meta *methodMeta, asmMethod *assembly.Method, r *bytecode.Reader) error {
	sub := r.ReadSubcode()
	dst, err := m.operand(fr, meta, asmMethod, r)
	if err != nil {
		return err
	}
	src, err := m.operand(fr, meta, asmMethod, r)
	if err != nil {
		return err
	}
	if sub == optable.SubAggregateCopy {
		copy(dst.loc, src.loc)
		return nil
	}
	lhsKind, rhsKind := optable.DecodeSetConv(int(sub))
	writeBits(dst.loc, dst.kind, convert(readBits(src.loc, rhsKind), rhsKind, lhsKind))
	return nil
}

func (m *Machine) execAriBinary(fr *frame, meta *methodMeta, asmMethod *assembly.Method, r *bytecode.Reader, op bytecode.Opcode) error {
	sub := r.ReadSubcode()
	dst, err := m.operand(fr, meta, asmMethod, r)
	if err != nil {
		return err
	}
	rhs, err := m.operand(fr, meta, asmMethod, r)
	if err != nil {
		return err
	}
	lhsKind, rhsKind := optable.DecodeAri(int(sub))
	result := ariBinary(ariOpName(op), readBits(dst.loc, lhsKind), lhsKind, readBits(rhs.loc, rhsKind), rhsKind)
	writeBits(dst.loc, dst.kind, result)
	return nil
}

func (m *Machine) execAriUnary(fr *frame, meta *methodMeta, asmMethod *assembly.Method, r *bytecode.Reader, op bytecode.Opcode) error {
	sub := r.ReadSubcode()
	dst, err := m.operand(fr, meta, asmMethod, r)
	if err != nil {
		return err
	}
	kind := optable.DecodeAriUnary(int(sub))
	name := "neg"
	if op == bytecode.AriNot {
		name = "not"
	}
	writeBits(dst.loc, dst.kind, ariUnary(name, readBits(dst.loc, kind), kind))
	return nil
}

func (m *Machine) execPointerArith(fr *frame, meta *methodMeta, asmMethod *assembly.Method, r *bytecode.Reader, op bytecode.Opcode) error {
	sub := r.ReadSubcode()
	dst, err := m.operand(fr, meta, asmMethod, r)
	if err != nil {
		return err
	}
	rhs, err := m.operand(fr, meta, asmMethod, r)
	if err != nil {
		return err
	}
	rhsKind := optable.DecodePointerOffset(int(sub))
	stride := int64(m.asm.Types.Get(m.asm.Types.Get(dst.typ).Base).Size)
	if stride == 0 {
		stride = 1
	}
	delta := asInt64(readBits(rhs.loc, rhsKind), rhsKind) * stride
	if op == bytecode.Psub {
		delta = -delta
	}
	addr := readBits(dst.loc, types.KindVoidPtr)
	writeBits(dst.loc, dst.kind, uint64(int64(addr)+delta))
	return nil
}

// execPdif computes the scaled difference between two same-typed pointers
// (spec §4.5 "pointer arithmetic scaled by pointee size"), storing the
// i32/i64 result (pointer-width dependent) in the return-value slot — it
// has no subcode and no destination operand (spec's explicit "comparisons,
// pdif" example for scratch-producing ops).
func (m *Machine) execPdif(fr *frame, meta *methodMeta, asmMethod *assembly.Method, r *bytecode.Reader) error {
	lhs, err := m.operand(fr, meta, asmMethod, r)
	if err != nil {
		return err
	}
	rhs, err := m.operand(fr, meta, asmMethod, r)
	if err != nil {
		return err
	}
	stride := int64(m.asm.Types.Get(m.asm.Types.Get(lhs.typ).Base).Size)
	if stride == 0 {
		stride = 1
	}
	diff := (int64(readBits(lhs.loc, types.KindVoidPtr)) - int64(readBits(rhs.loc, types.KindVoidPtr))) / stride

	resultKind := types.KindI32
	if m.asm.Types.PointerWidth >= 8 {
		resultKind = types.KindI64
	}
	m.writeScratch(fr, asmMethod, resultKind, bitsFromInt64(diff, resultKind))
	return nil
}

func (m *Machine) execCompare(fr *frame, meta *methodMeta, asmMethod *assembly.Method, r *bytecode.Reader, op bytecode.Opcode) error {
	sub := r.ReadSubcode()
	lhs, err := m.operand(fr, meta, asmMethod, r)
	if err != nil {
		return err
	}
	rhs, err := m.operand(fr, meta, asmMethod, r)
	if err != nil {
		return err
	}
	lhsKind, rhsKind := optable.DecodeCmp(int(sub))
	c := compare(readBits(lhs.loc, lhsKind), lhsKind, readBits(rhs.loc, rhsKind), rhsKind)
	m.writeScratch(fr, asmMethod, types.KindI32, bitsFromInt64(int64(compareResult(op, c)), types.KindI32))
	return nil
}

func compareResult(op bytecode.Opcode, c int) int64 {
	switch op {
	case bytecode.Cmp:
		return int64(c)
	case bytecode.Ceq:
		return b2i(c == 0)
	case bytecode.Cne:
		return b2i(c != 0)
	case bytecode.Cgt:
		return b2i(c > 0)
	case bytecode.Cge:
		return b2i(c >= 0)
	case bytecode.Clt:
		return b2i(c < 0)
	case bytecode.Cle:
		return b2i(c <= 0)
	}
	return 0
}

func b2i(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func (m *Machine) execZeroTest(fr *frame, meta *methodMeta, asmMethod *assembly.Method, r *bytecode.Reader, op bytecode.Opcode) error {
	sub := r.ReadSubcode()
	operand, err := m.operand(fr, meta, asmMethod, r)
	if err != nil {
		return err
	}
	kind := optable.DecodeCzeCnz(int(sub))
	zero := isZero(readBits(operand.loc, kind), kind)
	result := zero
	if op == bytecode.Cnz {
		result = !zero
	}
	m.writeScratch(fr, asmMethod, types.KindI32, bitsFromInt64(b2i(result), types.KindI32))
	return nil
}

func (m *Machine) execCondBranch(fr *frame, meta *methodMeta, asmMethod *assembly.Method, r *bytecode.Reader, op bytecode.Opcode) error {
	target := r.ReadI32()
	sub := r.ReadSubcode()
	lhs, err := m.operand(fr, meta, asmMethod, r)
	if err != nil {
		return err
	}
	rhs, err := m.operand(fr, meta, asmMethod, r)
	if err != nil {
		return err
	}
	lhsKind, rhsKind := optable.DecodeCmp(int(sub))
	c := compare(readBits(lhs.loc, lhsKind), lhsKind, readBits(rhs.loc, rhsKind), rhsKind)
	branchOp := map[bytecode.Opcode]bytecode.Opcode{
		bytecode.Beq: bytecode.Ceq, bytecode.Bne: bytecode.Cne,
		bytecode.Bgt: bytecode.Cgt, bytecode.Bge: bytecode.Cge,
		bytecode.Blt: bytecode.Clt, bytecode.Ble: bytecode.Cle,
	}[op]
	if compareResult(branchOp, c) != 0 {
		r.Pos = int(target)
	}
	return nil
}

func (m *Machine) execUnaryBranch(fr *frame, meta *methodMeta, asmMethod *assembly.Method, r *bytecode.Reader, op bytecode.Opcode) error {
	target := r.ReadI32()
	sub := r.ReadSubcode()
	operand, err := m.operand(fr, meta, asmMethod, r)
	if err != nil {
		return err
	}
	kind := optable.DecodeCzeCnz(int(sub))
	zero := isZero(readBits(operand.loc, kind), kind)
	taken := zero
	if op == bytecode.Bnz {
		taken = !zero
	}
	if taken {
		r.Pos = int(target)
	}
	return nil
}

// execSwitch dispatches on an integer index into a label table, falling
// through to the next instruction when the index has no matching case
// (spec §4.6 "sw").
func (m *Machine) execSwitch(fr *frame, meta *methodMeta, asmMethod *assembly.Method, r *bytecode.Reader) error {
	idxOperand, err := m.operand(fr, meta, asmMethod, r)
	if err != nil {
		return err
	}
	index := asInt64(readBits(idxOperand.loc, idxOperand.kind), idxOperand.kind)
	count := int(r.ReadU32())
	targets := make([]int32, count)
	for i := range targets {
		targets[i] = r.ReadI32()
	}
	if index >= 0 && int(index) < count {
		r.Pos = int(targets[index])
	}
	return nil
}

func (m *Machine) execCall(ctx context.Context, fr *frame, meta *methodMeta, asmMethod *assembly.Method, r *bytecode.Reader) error {
	target := ir.MethodIndex(r.ReadU32())
	args, err := m.readArgs(fr, meta, asmMethod, r, m.asm.Types.Signature(m.asm.Method(target).Signature))
	if err != nil {
		return err
	}
	_, err = m.call(ctx, target, args)
	return err
}

func (m *Machine) execCallv(ctx context.Context, fr *frame, meta *methodMeta, asmMethod *assembly.Method, r *bytecode.Reader) error {
	ptr, err := m.operand(fr, meta, asmMethod, r)
	if err != nil {
		return err
	}
	handle := readBits(ptr.loc, types.KindVoidPtr)
	target := ir.MethodIndex(uint32(handle ^ m.desc.RuntimeHash))
	if int(target) < 0 || int(target) >= len(m.asm.Methods) {
		return perr.New(perr.RTMInvalidMethodHandle, perr.SourceLoc{}, "method-pointer handle does not resolve to a known method")
	}
	sig := m.asm.Types.Signature(m.asm.Types.Get(ptr.typ).Sig)
	args, err := m.readArgs(fr, meta, asmMethod, r, sig)
	if err != nil {
		return err
	}
	_, err = m.call(ctx, target, args)
	return err
}

func (m *Machine) readArgs(fr *frame, meta *methodMeta, asmMethod *assembly.Method, r *bytecode.Reader, sig *types.Signature) ([]byte, error) {
	argc := int(r.ReadByte())
	buf := make([]byte, sig.ParametersSize)
	for i := 0; i < argc; i++ {
		sub := r.ReadSubcode()
		src, err := m.operand(fr, meta, asmMethod, r)
		if err != nil {
			return nil, err
		}
		paramTy := sig.Params[i]
		dstKind := m.asm.Types.Get(paramTy).Kind
		dst := buf[sig.Offsets[i]:][:m.asm.Types.Get(paramTy).Size]
		if sub == optable.SubAggregateCopy {
			copy(dst, src.loc)
			continue
		}
		_, rhsKind := optable.DecodeSetConv(int(sub))
		writeBits(dst, dstKind, convert(readBits(src.loc, rhsKind), rhsKind, dstKind))
	}
	return buf, nil
}

// execRetv writes the converted return value into the caller's
// return-value slot (spec §4.6 "retv first writes the value into the
// caller's return scratch") before the enclosing exec call unwinds this
// frame.
func (m *Machine) execRetv(fr *frame, meta *methodMeta, asmMethod *assembly.Method, r *bytecode.Reader) (int32, error) {
	sub := r.ReadSubcode()
	src, err := m.operand(fr, meta, asmMethod, r)
	if err != nil {
		return 0, err
	}
	sig := m.asm.Types.Signature(asmMethod.Signature)
	retKind := m.asm.Types.Get(sig.Return).Kind

	var bits uint64
	if sub == optable.SubAggregateCopy {
		bits = 0
		if len(m.frames) > 1 {
			caller := &m.frames[len(m.frames)-2]
			callerMethod := m.asm.Method(caller.method)
			dst := m.stack[caller.scratchOffset(callerMethod):][:m.asm.Types.Get(sig.Return).Size]
			copy(dst, src.loc)
			caller.scratchValid = true
			caller.scratchKind = retKind
		}
		return 0, nil
	}
	_, rhsKind := optable.DecodeSetConv(int(sub))
	bits = convert(readBits(src.loc, rhsKind), rhsKind, retKind)
	if len(m.frames) > 1 {
		caller := &m.frames[len(m.frames)-2]
		callerMethod := m.asm.Method(caller.method)
		writeBits(m.stack[caller.scratchOffset(callerMethod):], retKind, bits)
		caller.scratchValid = true
		caller.scratchKind = retKind
	}
	return int32(asInt64(bits, retKind)), nil
}

func (m *Machine) execDump(fr *frame, meta *methodMeta, asmMethod *assembly.Method, r *bytecode.Reader) error {
	o, err := m.operand(fr, meta, asmMethod, r)
	if err != nil {
		return err
	}
	switch {
	case o.kind.IsFloat():
		fmt.Fprintf(m.cfg.Dump, "%s %v\n", o.kind, asFloat64(readBits(o.loc, o.kind), o.kind))
	case o.kind.IsInteger():
		if o.kind.IsSigned() {
			fmt.Fprintf(m.cfg.Dump, "%s %d\n", o.kind, asInt64(readBits(o.loc, o.kind), o.kind))
		} else {
			fmt.Fprintf(m.cfg.Dump, "%s %d\n", o.kind, readBits(o.loc, o.kind))
		}
	default:
		fmt.Fprintf(m.cfg.Dump, "%s 0x%x\n", o.kind, readBits(o.loc, types.KindVoidPtr))
	}
	return nil
}

// writeScratch stores a value-producing op's result into the current
// frame's return-value slot (spec §4.6: "indexed by type" — the slot
// always holds one value, tagged with the kind that produced it, so the
// next read or retv-destination conversion knows how to reinterpret it).
func (m *Machine) writeScratch(fr *frame, asmMethod *assembly.Method, kind types.Kind, bits uint64) {
	writeBits(m.stack[fr.scratchOffset(asmMethod):], kind, bits)
	fr.scratchValid = true
	fr.scratchKind = kind
}
