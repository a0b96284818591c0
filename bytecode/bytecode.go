// Package bytecode implements Propane's wire-level instruction encoding:
// address descriptors, opcodes, and the raw byte-buffer reader/writer
// shared by the generator, the linker and the interpreter (spec §2
// component E, §3 "Address descriptor", §6 "Opcode set").
package bytecode

import "encoding/binary"

// Opcode is the one-byte instruction tag (spec §6).
type Opcode uint8

const (
	Noop Opcode = iota
	Set
	Conv
	AriNot
	AriNeg
	AriMul
	AriDiv
	AriMod
	AriAdd
	AriSub
	AriLsh
	AriRsh
	AriAnd
	AriXor
	AriOr
	Padd
	Psub
	Pdif
	Cmp
	Ceq
	Cne
	Cgt
	Cge
	Clt
	Cle
	Cze
	Cnz
	Br
	Beq
	Bne
	Bgt
	Bge
	Blt
	Ble
	Bze
	Bnz
	Sw
	Call
	Callv
	Ret
	Retv
	Dump
)

var opcodeNames = [...]string{
	"noop", "set", "conv",
	"ari_not", "ari_neg", "ari_mul", "ari_div", "ari_mod", "ari_add", "ari_sub",
	"ari_lsh", "ari_rsh", "ari_and", "ari_xor", "ari_or",
	"padd", "psub", "pdif",
	"cmp", "ceq", "cne", "cgt", "cge", "clt", "cle", "cze", "cnz",
	"br", "beq", "bne", "bgt", "bge", "blt", "ble", "bze", "bnz",
	"sw", "call", "callv", "ret", "retv", "dump",
}

func (op Opcode) String() string {
	if int(op) < len(opcodeNames) {
		return opcodeNames[op]
	}
	return "?"
}

// HasSubcode reports whether op carries a one-byte subcode selecting its
// concrete numeric variant (spec §4.5/§4.6). beq/bne/.../ble and bze/bnz
// embed the same cmp/cze-cnz subcode their value-producing counterparts
// do (the branch re-tests the identical comparison), so they carry one
// too. br, sw, call/callv and ret carry no subcode of their own; neither
// do pdif (it derives its result type from the pointer operand) or dump
// (its diagnostic sink dispatches on the operand's decoded type, not a
// precomputed subcode) — grounded on the original implementation's
// interpreter.cpp pdif()/dump().
func (op Opcode) HasSubcode() bool {
	switch op {
	case Noop, Br, Sw, Call, Callv, Ret, Pdif, Dump:
		return false
	}
	return true
}

// IsBranch reports whether op is one of the unconditional/conditional
// jump opcodes (spec §6).
func (op Opcode) IsBranch() bool {
	switch op {
	case Br, Beq, Bne, Bgt, Bge, Blt, Ble, Bze, Bnz:
		return true
	}
	return false
}

// IsConditionalBranch reports whether op branches based on a comparison
// of two operands (the beq/bne/.../ble family) as opposed to bze/bnz
// (single operand) or br (no operand).
func (op Opcode) IsConditionalBranch() bool {
	switch op {
	case Beq, Bne, Bgt, Bge, Blt, Ble:
		return true
	}
	return false
}

// IsUnaryTest reports whether op is the single-operand zero/nonzero
// branch test (bze/bnz) or its value-producing counterpart (cze/cnz).
func (op Opcode) IsUnaryTest() bool {
	switch op {
	case Bze, Bnz, Cze, Cnz:
		return true
	}
	return false
}

// Subcode selects the concrete cast/op chain for an opcode once operand
// types are known (spec §4.5/§9). SubcodeInvalid means the operation
// table has no entry for the given (opcode, lhs, rhs) triple.
type Subcode uint8

const SubcodeInvalid Subcode = 0xFF

// --- Address descriptor (spec §3) ---

// AddrType is the 2-bit "where the operand lives" tag.
type AddrType uint8

const (
	AddrStackVar AddrType = iota
	AddrParameter
	AddrGlobal
	AddrConstant
)

// Modifier is the 2-bit field/subscript tag.
type Modifier uint8

const (
	ModNone Modifier = iota
	ModDirectField
	ModIndirectField
	ModOffset
)

// Prefix is the 2-bit unary-operator tag (*, &, !).
type Prefix uint8

const (
	PrefixNone Prefix = iota
	PrefixIndirection // *
	PrefixAddressOf   // &
	PrefixSizeOf      // !
)

// IndexMax is the sentinel index denoting the implicit return-value slot.
const IndexMax int32 = (1 << 26) - 1

// GlobalRefConstantBit marks a linked AddrGlobal index as referring to the
// constant table rather than the mutable global table. In memory an
// ir.GlobalIndex carries this distinction in its sign bit (a full int32),
// but the wire address's Index field is packed into 26 bits, so the
// linker re-flags it at bit 25 when it translates a method's per-method
// global reference into its final wire index (spec §3 "the constant bit
// is encoded in the high bit of a global index" — preserved in spirit,
// relocated to fit the narrower field).
const GlobalRefConstantBit = int32(1) << 25

// PackGlobalRef folds a raw (sign-bit-stripped) global/constant index and
// its constant-ness into one 26-bit-clean wire index.
func PackGlobalRef(raw int32, isConstant bool) int32 {
	if isConstant {
		return raw | GlobalRefConstantBit
	}
	return raw
}

// UnpackGlobalRef inverts PackGlobalRef.
func UnpackGlobalRef(packed int32) (raw int32, isConstant bool) {
	return packed &^ GlobalRefConstantBit, packed&GlobalRefConstantBit != 0
}

// Address is the in-memory form of an 8-byte on-wire operand: a 32-bit
// packed header {type:2, modifier:2, prefix:2, index:26} followed by a
// 32-bit payload (spec §3).
type Address struct {
	Type     AddrType
	Modifier Modifier
	Prefix   Prefix
	Index    int32 // stack slot / parameter slot / global index / constant type code / IndexMax
	Payload  int32 // offset_idx for field modifiers; signed byte multiplier for ModOffset
}

// Encode packs a into its 8-byte wire form.
func (a Address) Encode() [8]byte {
	header := uint32(a.Type)&0x3 |
		(uint32(a.Modifier)&0x3)<<2 |
		(uint32(a.Prefix)&0x3)<<4 |
		(uint32(a.Index)&0x3FFFFFF)<<6
	var out [8]byte
	binary.LittleEndian.PutUint32(out[0:4], header)
	binary.LittleEndian.PutUint32(out[4:8], uint32(a.Payload))
	return out
}

// DecodeAddress unpacks the 8-byte wire form back into an Address.
func DecodeAddress(b [8]byte) Address {
	header := binary.LittleEndian.Uint32(b[0:4])
	payload := int32(binary.LittleEndian.Uint32(b[4:8]))
	return Address{
		Type:     AddrType(header & 0x3),
		Modifier: Modifier((header >> 2) & 0x3),
		Prefix:   Prefix((header >> 4) & 0x3),
		Index:    int32((header >> 6) & 0x3FFFFFF),
		Payload:  payload,
	}
}

// IsReturnSlot reports whether a addresses the implicit return-value slot
// (spec §3: "a sentinel index_max denotes the implicit return-value slot").
func (a Address) IsReturnSlot() bool {
	return a.Type == AddrStackVar && a.Index == IndexMax
}

// --- Raw byte-buffer cursor shared by generator/linker/interpreter ---

// Writer appends encoded instruction bytes; used by the generator while
// building unresolved method bodies (spec §4.2/§4.3).
type Writer struct {
	Buf []byte
}

func (w *Writer) Len() int { return len(w.Buf) }

func (w *Writer) WriteByte(b byte) { w.Buf = append(w.Buf, b) }

func (w *Writer) WriteU32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.Buf = append(w.Buf, b[:]...)
}

func (w *Writer) WriteI32(v int32) { w.WriteU32(uint32(v)) }

func (w *Writer) WriteAddress(a Address) {
	enc := a.Encode()
	w.Buf = append(w.Buf, enc[:]...)
}

// PatchU32 overwrites the 4 bytes at offset with v, used to back-patch
// branch targets once label anchors are known (spec §4.3).
func (w *Writer) PatchU32(offset int, v uint32) {
	binary.LittleEndian.PutUint32(w.Buf[offset:offset+4], v)
}

// Reader walks a method's encoded bytecode buffer; used identically by
// the linker's re-encoding pass (§4.4e) and the interpreter's dispatch
// loop (§4.6), so both stay byte-exact with each other.
type Reader struct {
	Buf []byte
	Pos int
}

func NewReader(buf []byte) *Reader { return &Reader{Buf: buf} }

func (r *Reader) Done() bool { return r.Pos >= len(r.Buf) }

func (r *Reader) ReadByte() byte {
	b := r.Buf[r.Pos]
	r.Pos++
	return b
}

func (r *Reader) ReadOpcode() Opcode { return Opcode(r.ReadByte()) }

func (r *Reader) ReadSubcode() Subcode { return Subcode(r.ReadByte()) }

func (r *Reader) ReadU32() uint32 {
	v := binary.LittleEndian.Uint32(r.Buf[r.Pos : r.Pos+4])
	r.Pos += 4
	return v
}

func (r *Reader) ReadI32() int32 { return int32(r.ReadU32()) }

// OverwriteU32 rewrites the 4 bytes at offset with v, used by the linker to
// translate a raw call-target index in place during re-encoding (spec
// §4.4e).
func (r *Reader) OverwriteU32(offset int, v uint32) {
	binary.LittleEndian.PutUint32(r.Buf[offset:offset+4], v)
}

// ReadAddressBytes returns the raw 8-byte slice for the next address
// without decoding it, so the linker can rewrite it in place.
func (r *Reader) ReadAddressBytes() []byte {
	b := r.Buf[r.Pos : r.Pos+8]
	r.Pos += 8
	return b
}

func (r *Reader) ReadAddress() Address {
	var b [8]byte
	copy(b[:], r.ReadAddressBytes())
	return DecodeAddress(b)
}

// OverwriteAddress rewrites the 8 bytes just consumed by ReadAddressBytes
// (or any 8-byte span at offset) with a's encoding, in place.
func OverwriteAddress(raw []byte, a Address) {
	enc := a.Encode()
	copy(raw, enc[:])
}
