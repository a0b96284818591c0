package generator

import (
	"sort"

	"github.com/aggrobird/propane/bytecode"
	"github.com/aggrobird/propane/ir"
	"github.com/aggrobird/propane/perr"
	"github.com/aggrobird/propane/types"
)

// MethodWriter builds one method's bytecode body, opened by
// Generator.DefineMethod (spec §4.2, §4.3).
//
// Addresses that name a global or a field path are emitted against a
// per-method reference list (RefGlobals/RefFields/RefMethods on the
// underlying ir.Method) rather than the assembly-global index directly;
// the linker's re-encoding pass (spec §4.4e) walks these lists to
// translate them once assembly-global indices exist.
type MethodWriter struct {
	g   *Generator
	idx ir.MethodIndex
	m   *ir.Method
	bw  bytecode.Writer

	labelAnchor []int32 // byte offset per label id, -1 if unanchored
	patches     []branchPatch
	referenced  map[int32]bool // label ids actually used by a branch/switch

	globalRefIndex map[ir.GlobalIndex]int32
	fieldRefIndex  map[types.OffsetIndex]int32
	methodRefIndex map[ir.MethodIndex]int32

	lastInstrOffset int
	finalized       bool
}

type branchPatch struct {
	offset int
	label  int32
}

func newMethodWriter(g *Generator, idx ir.MethodIndex, m *ir.Method) *MethodWriter {
	return &MethodWriter{
		g: g, idx: idx, m: m,
		referenced:     make(map[int32]bool),
		globalRefIndex: make(map[ir.GlobalIndex]int32),
		fieldRefIndex:  make(map[types.OffsetIndex]int32),
		methodRefIndex: make(map[ir.MethodIndex]int32),
		lastInstrOffset: -1,
	}
}

// Index returns the method index this writer is scoped to.
func (w *MethodWriter) Index() ir.MethodIndex { return w.idx }

// --- Stack variables ---

// Push appends stack variables of the given types (no void) and returns
// their assigned slot indices (spec §4.2 push).
func (w *MethodWriter) Push(tys []types.Index) ([]int32, error) {
	out := make([]int32, len(tys))
	for i, ty := range tys {
		if ty == types.Void {
			return nil, perr.New(perr.GNRInvalidVoidType, w.g.loc(), "stack variable cannot have void type")
		}
		out[i] = int32(len(w.m.StackVars))
		w.m.StackVars = append(w.m.StackVars, ty)
	}
	return out, nil
}

// --- Labels ---

// DeclareLabel reserves a new, unanchored label id (spec §4.2
// declare_label).
func (w *MethodWriter) DeclareLabel() int32 {
	id := int32(len(w.labelAnchor))
	w.labelAnchor = append(w.labelAnchor, -1)
	return id
}

// WriteLabel anchors id at the current byte offset. Each id may be
// anchored at most once (spec §4.2 write_label / §4.3).
func (w *MethodWriter) WriteLabel(id int32) error {
	if id < 0 || int(id) >= len(w.labelAnchor) {
		return perr.New(perr.GNRInvalidIndex, w.g.loc(), "label %d not declared", id)
	}
	if w.labelAnchor[id] != -1 {
		return perr.New(perr.GNRLabelRedeclaration, w.g.loc(), "label %d already anchored", id)
	}
	w.labelAnchor[id] = int32(w.bw.Len())
	return nil
}

func (w *MethodWriter) recordPatch(label int32) {
	offset := w.bw.Len()
	w.bw.WriteU32(0) // placeholder, resolved at Finalize (spec §4.3)
	w.patches = append(w.patches, branchPatch{offset: offset, label: label})
	w.referenced[label] = true
}

// --- Reference-list registration (spec §4.4e) ---

func (w *MethodWriter) refGlobal(g ir.GlobalIndex) int32 {
	if idx, ok := w.globalRefIndex[g]; ok {
		return idx
	}
	idx := int32(len(w.m.RefGlobals))
	w.m.RefGlobals = append(w.m.RefGlobals, g)
	w.globalRefIndex[g] = idx
	return idx
}

func (w *MethodWriter) refField(o types.OffsetIndex) int32 {
	if idx, ok := w.fieldRefIndex[o]; ok {
		return idx
	}
	idx := int32(len(w.m.RefFields))
	w.m.RefFields = append(w.m.RefFields, o)
	w.fieldRefIndex[o] = idx
	return idx
}

func (w *MethodWriter) refMethod(m ir.MethodIndex) int32 {
	if idx, ok := w.methodRefIndex[m]; ok {
		return idx
	}
	idx := int32(len(w.m.RefMethods))
	w.m.RefMethods = append(w.m.RefMethods, m)
	w.methodRefIndex[m] = idx
	return idx
}

// --- Address builders ---

// StackAddr addresses a stack-variable slot declared via Push.
func (w *MethodWriter) StackAddr(slot int32, modifier bytecode.Modifier, prefix bytecode.Prefix, payload int32) bytecode.Address {
	return bytecode.Address{Type: bytecode.AddrStackVar, Modifier: modifier, Prefix: prefix, Index: slot, Payload: payload}
}

// ParamAddr addresses a parameter slot (0-based, per the method's
// signature).
func (w *MethodWriter) ParamAddr(slot int32, modifier bytecode.Modifier, prefix bytecode.Prefix, payload int32) bytecode.Address {
	return bytecode.Address{Type: bytecode.AddrParameter, Modifier: modifier, Prefix: prefix, Index: slot, Payload: payload}
}

// ReturnAddr addresses the implicit return-value scratch slot (spec §3
// "a sentinel index_max denotes the implicit return-value slot").
func (w *MethodWriter) ReturnAddr() bytecode.Address {
	return bytecode.Address{Type: bytecode.AddrStackVar, Index: bytecode.IndexMax}
}

// GlobalAddr addresses a global or constant-table slot g, registering it
// in this method's reference list. modifier/payload behave as for any
// other address (field payload must itself come from FieldPayload).
func (w *MethodWriter) GlobalAddr(g ir.GlobalIndex, modifier bytecode.Modifier, prefix bytecode.Prefix, payload int32) bytecode.Address {
	idx := w.refGlobal(g)
	return bytecode.Address{Type: bytecode.AddrGlobal, Modifier: modifier, Prefix: prefix, Index: idx, Payload: payload}
}

// ConstantAddr addresses an inline bytecode-embedded scalar immediate: bits
// holds a 32-bit pattern that the interpreter sign-extends for i64/u64 and
// reads as an f32 bit pattern widened to f64 for f64 (the wire address has
// no room for a full 64-bit immediate, so wide immediates belong in the
// constant table via DeclareConstant + GlobalAddr instead).
func (w *MethodWriter) ConstantAddr(kind types.Kind, bits int32, prefix bytecode.Prefix) bytecode.Address {
	return bytecode.Address{Type: bytecode.AddrConstant, Index: int32(kind), Payload: bits, Prefix: prefix}
}

// FieldPayload registers offset path o in this method's field reference
// list and returns the payload value to use with ModDirectField or
// ModIndirectField.
func (w *MethodWriter) FieldPayload(o types.OffsetIndex) int32 {
	return w.refField(o)
}

// --- Opcode emission (spec §4.5/§4.6 describe the subcode each of these
// leaves for the linker to fill in; every write_* here writes the
// unvalidated placeholder subcode 0, spec §4.2) ---

func (w *MethodWriter) begin(op bytecode.Opcode) {
	w.lastInstrOffset = w.bw.Len()
	w.bw.WriteByte(byte(op))
}

func (w *MethodWriter) binary(op bytecode.Opcode, lhs, rhs bytecode.Address) {
	w.begin(op)
	w.bw.WriteByte(0)
	w.bw.WriteAddress(lhs)
	w.bw.WriteAddress(rhs)
}

func (w *MethodWriter) unary(op bytecode.Opcode, operand bytecode.Address) {
	w.begin(op)
	w.bw.WriteByte(0)
	w.bw.WriteAddress(operand)
}

func (w *MethodWriter) WriteSet(lhs, rhs bytecode.Address)  { w.binary(bytecode.Set, lhs, rhs) }
func (w *MethodWriter) WriteConv(lhs, rhs bytecode.Address) { w.binary(bytecode.Conv, lhs, rhs) }

func (w *MethodWriter) WriteAriNot(operand bytecode.Address) { w.unary(bytecode.AriNot, operand) }
func (w *MethodWriter) WriteAriNeg(operand bytecode.Address) { w.unary(bytecode.AriNeg, operand) }
func (w *MethodWriter) WriteAriMul(lhs, rhs bytecode.Address) { w.binary(bytecode.AriMul, lhs, rhs) }
func (w *MethodWriter) WriteAriDiv(lhs, rhs bytecode.Address) { w.binary(bytecode.AriDiv, lhs, rhs) }
func (w *MethodWriter) WriteAriMod(lhs, rhs bytecode.Address) { w.binary(bytecode.AriMod, lhs, rhs) }
func (w *MethodWriter) WriteAriAdd(lhs, rhs bytecode.Address) { w.binary(bytecode.AriAdd, lhs, rhs) }
func (w *MethodWriter) WriteAriSub(lhs, rhs bytecode.Address) { w.binary(bytecode.AriSub, lhs, rhs) }
func (w *MethodWriter) WriteAriLsh(lhs, rhs bytecode.Address) { w.binary(bytecode.AriLsh, lhs, rhs) }
func (w *MethodWriter) WriteAriRsh(lhs, rhs bytecode.Address) { w.binary(bytecode.AriRsh, lhs, rhs) }
func (w *MethodWriter) WriteAriAnd(lhs, rhs bytecode.Address) { w.binary(bytecode.AriAnd, lhs, rhs) }
func (w *MethodWriter) WriteAriXor(lhs, rhs bytecode.Address) { w.binary(bytecode.AriXor, lhs, rhs) }
func (w *MethodWriter) WriteAriOr(lhs, rhs bytecode.Address)  { w.binary(bytecode.AriOr, lhs, rhs) }

func (w *MethodWriter) WritePadd(lhs, rhs bytecode.Address) { w.binary(bytecode.Padd, lhs, rhs) }
func (w *MethodWriter) WritePsub(lhs, rhs bytecode.Address) { w.binary(bytecode.Psub, lhs, rhs) }

// WritePdif emits pdif, which (per the original implementation's
// interpreter.cpp) carries no subcode: the result type derives entirely
// from the pointer operand's pointee size.
func (w *MethodWriter) WritePdif(lhs, rhs bytecode.Address) {
	w.begin(bytecode.Pdif)
	w.bw.WriteAddress(lhs)
	w.bw.WriteAddress(rhs)
}

func (w *MethodWriter) WriteCmp(lhs, rhs bytecode.Address) { w.binary(bytecode.Cmp, lhs, rhs) }
func (w *MethodWriter) WriteCeq(lhs, rhs bytecode.Address) { w.binary(bytecode.Ceq, lhs, rhs) }
func (w *MethodWriter) WriteCne(lhs, rhs bytecode.Address) { w.binary(bytecode.Cne, lhs, rhs) }
func (w *MethodWriter) WriteCgt(lhs, rhs bytecode.Address) { w.binary(bytecode.Cgt, lhs, rhs) }
func (w *MethodWriter) WriteCge(lhs, rhs bytecode.Address) { w.binary(bytecode.Cge, lhs, rhs) }
func (w *MethodWriter) WriteClt(lhs, rhs bytecode.Address) { w.binary(bytecode.Clt, lhs, rhs) }
func (w *MethodWriter) WriteCle(lhs, rhs bytecode.Address) { w.binary(bytecode.Cle, lhs, rhs) }
func (w *MethodWriter) WriteCze(operand bytecode.Address)  { w.unary(bytecode.Cze, operand) }
func (w *MethodWriter) WriteCnz(operand bytecode.Address)  { w.unary(bytecode.Cnz, operand) }

// WriteBr emits an unconditional branch to label (spec §4.3: emitted with
// a placeholder 32-bit offset, patched at Finalize).
func (w *MethodWriter) WriteBr(label int32) {
	w.begin(bytecode.Br)
	w.recordPatch(label)
}

// conditionalBranch covers beq/bne/bgt/bge/blt/ble: the branch target is
// read before the comparison's own subcode+operands (grounded on the
// original implementation's interpreter.cpp, which evaluates the jump
// target ahead of invoking the equivalent c<cond> comparison).
func (w *MethodWriter) conditionalBranch(op bytecode.Opcode, label int32, lhs, rhs bytecode.Address) {
	w.begin(op)
	w.recordPatch(label)
	w.bw.WriteByte(0)
	w.bw.WriteAddress(lhs)
	w.bw.WriteAddress(rhs)
}

func (w *MethodWriter) WriteBeq(label int32, lhs, rhs bytecode.Address) {
	w.conditionalBranch(bytecode.Beq, label, lhs, rhs)
}
func (w *MethodWriter) WriteBne(label int32, lhs, rhs bytecode.Address) {
	w.conditionalBranch(bytecode.Bne, label, lhs, rhs)
}
func (w *MethodWriter) WriteBgt(label int32, lhs, rhs bytecode.Address) {
	w.conditionalBranch(bytecode.Bgt, label, lhs, rhs)
}
func (w *MethodWriter) WriteBge(label int32, lhs, rhs bytecode.Address) {
	w.conditionalBranch(bytecode.Bge, label, lhs, rhs)
}
func (w *MethodWriter) WriteBlt(label int32, lhs, rhs bytecode.Address) {
	w.conditionalBranch(bytecode.Blt, label, lhs, rhs)
}
func (w *MethodWriter) WriteBle(label int32, lhs, rhs bytecode.Address) {
	w.conditionalBranch(bytecode.Ble, label, lhs, rhs)
}

func (w *MethodWriter) unaryBranch(op bytecode.Opcode, label int32, operand bytecode.Address) {
	w.begin(op)
	w.recordPatch(label)
	w.bw.WriteByte(0)
	w.bw.WriteAddress(operand)
}

func (w *MethodWriter) WriteBze(label int32, operand bytecode.Address) {
	w.unaryBranch(bytecode.Bze, label, operand)
}
func (w *MethodWriter) WriteBnz(label int32, operand bytecode.Address) {
	w.unaryBranch(bytecode.Bnz, label, operand)
}

// WriteSwitch emits sw: an index operand, a label count, and one
// placeholder offset per label (spec §4.6 "reads an index operand, a
// count, and count 32-bit label offsets").
func (w *MethodWriter) WriteSwitch(index bytecode.Address, labels []int32) {
	w.begin(bytecode.Sw)
	w.bw.WriteAddress(index)
	w.bw.WriteU32(uint32(len(labels)))
	for _, label := range labels {
		w.recordPatch(label)
	}
}

// writeArgs emits the shared call/callv argument tail: one byte of argc
// followed by (subcode, address) per argument, each read straight into the
// callee's parameter slots by the interpreter (spec §6 "for calls a
// (callee-index, argc, argc×(subcode, address))"; grounded on the original
// implementation's push_stack_frame, which reads this tail from the
// caller's own instruction stream regardless of call or callv).
func (w *MethodWriter) writeArgs(args []bytecode.Address) {
	w.bw.WriteByte(byte(len(args)))
	for _, a := range args {
		w.bw.WriteByte(0)
		w.bw.WriteAddress(a)
	}
}

// WriteCall emits call against target (a raw method index translated from
// this method's local reference list into an assembly-global index by the
// linker, spec §4.4e) followed by the argument tail.
func (w *MethodWriter) WriteCall(target ir.MethodIndex, args []bytecode.Address) {
	w.begin(bytecode.Call)
	w.bw.WriteU32(uint32(w.refMethod(target)))
	w.writeArgs(args)
}

// WriteCallv emits callv: a single address naming the method-pointer
// operand (a size-typed word XORed against the runtime hash, spec §4.6
// "Virtual call") followed by the argument tail. callv carries no subcode
// of its own.
func (w *MethodWriter) WriteCallv(ptr bytecode.Address, args []bytecode.Address) {
	w.begin(bytecode.Callv)
	w.bw.WriteAddress(ptr)
	w.writeArgs(args)
}

// WriteRet emits ret: no operands.
func (w *MethodWriter) WriteRet() { w.begin(bytecode.Ret) }

// WriteRetv emits retv: subcode plus the value address, written into the
// caller's return scratch via a conversion (spec §4.6).
func (w *MethodWriter) WriteRetv(value bytecode.Address) {
	w.begin(bytecode.Retv)
	w.bw.WriteByte(0)
	w.bw.WriteAddress(value)
}

// WriteDump emits dump: a single operand address, no subcode (grounded on
// the original implementation's dump(), which dispatches on the operand's
// own decoded type rather than a precomputed subcode; spec §9 supplemented
// feature).
func (w *MethodWriter) WriteDump(operand bytecode.Address) {
	w.begin(bytecode.Dump)
	w.bw.WriteAddress(operand)
}

// Finalize resolves every branch target to its anchored label offset and
// enforces that the method ends on a terminating return matching its
// signature's return type (spec §4.2 finalize / §4.3).
func (w *MethodWriter) Finalize() error {
	if w.finalized {
		return nil
	}
	for label := range w.referenced {
		if w.labelAnchor[label] == -1 {
			return perr.New(perr.GNRLabelUndefined, w.g.loc(), "label %d referenced but never anchored", label)
		}
	}
	for _, p := range w.patches {
		w.bw.PatchU32(p.offset, uint32(w.labelAnchor[p.label]))
	}

	if w.lastInstrOffset < 0 {
		return perr.New(perr.GNRMissingReturn, w.g.loc(), "method %d has no body", w.idx)
	}
	lastOp := bytecode.Opcode(w.bw.Buf[w.lastInstrOffset])
	sig := w.g.im.Types.Signature(w.m.Signature)
	if sig.Return == types.Void {
		if lastOp == bytecode.Retv {
			return perr.New(perr.GNRInvalidReturn, w.g.loc(), "method %d is void but ends on retv", w.idx)
		}
		if lastOp != bytecode.Ret {
			return perr.New(perr.GNRMissingReturn, w.g.loc(), "method %d must end on ret", w.idx)
		}
	} else {
		if lastOp != bytecode.Retv {
			return perr.New(perr.GNRInvalidReturn, w.g.loc(), "method %d must end on retv", w.idx)
		}
	}

	anchors := make([]int32, 0, len(w.labelAnchor))
	for _, a := range w.labelAnchor {
		if a != -1 {
			anchors = append(anchors, a)
		}
	}
	sort.Slice(anchors, func(i, j int) bool { return anchors[i] < anchors[j] })

	w.m.Bytecode = w.bw.Buf
	w.m.Labels = anchors
	w.finalized = true
	return nil
}
