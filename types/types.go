// Package types represents Propane's type system and the generated-type
// cache that deduplicates derived (pointer/array/signature) types
// (spec §2 component B, §3 "Types").
package types

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aggrobird/propane/ident"
	"github.com/aggrobird/propane/perr"
)

// Kind is the tag of a type's variant (spec §9: "tagged variant with a
// shared header, avoid inheritance").
type Kind int

const (
	KindVoid Kind = iota
	KindI8
	KindU8
	KindI16
	KindU16
	KindI32
	KindU32
	KindI64
	KindU64
	KindF32
	KindF64
	KindVoidPtr // abstract void*
	KindStruct
	KindUnion
	KindPointer
	KindArray
	KindSignature
)

func (k Kind) IsPrimitive() bool {
	return k >= KindI8 && k <= KindVoidPtr
}

func (k Kind) IsInteger() bool {
	return k >= KindI8 && k <= KindU64
}

func (k Kind) IsFloat() bool {
	return k == KindF32 || k == KindF64
}

func (k Kind) IsSigned() bool {
	switch k {
	case KindI8, KindI16, KindI32, KindI64:
		return true
	}
	return false
}

func (k Kind) IsAggregate() bool {
	return k == KindStruct || k == KindUnion
}

func (k Kind) String() string {
	switch k {
	case KindVoid:
		return "void"
	case KindI8:
		return "i8"
	case KindU8:
		return "u8"
	case KindI16:
		return "i16"
	case KindU16:
		return "u16"
	case KindI32:
		return "i32"
	case KindU32:
		return "u32"
	case KindI64:
		return "i64"
	case KindU64:
		return "u64"
	case KindF32:
		return "f32"
	case KindF64:
		return "f64"
	case KindVoidPtr:
		return "void*"
	case KindStruct:
		return "struct"
	case KindUnion:
		return "union"
	case KindPointer:
		return "pointer"
	case KindArray:
		return "array"
	case KindSignature:
		return "signature"
	}
	return "?"
}

// Flags records the lifecycle and shape bits carried by every type
// (spec §3: defined, resolving, resolved, union, external).
type Flags uint8

const (
	FlagDefined Flags = 1 << iota
	FlagResolving
	FlagResolved
	FlagUnion
	FlagExternal
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Index is a dense handle into a Table. The zero value is not valid; use
// Invalid to test for "no type".
type Index int32

const Invalid Index = -1

// SignatureIndex is a dense handle into a SignatureTable.
type SignatureIndex int32

const InvalidSignature SignatureIndex = -1

// OffsetIndex is a dense handle into an OffsetTable.
type OffsetIndex int32

const InvalidOffset OffsetIndex = -1

// Field is one member of a struct or union type.
type Field struct {
	Name   ident.Name
	Type   Index
	Offset int // byte offset, resolved by the linker
}

// Type is the shared representation for every type kind (spec §9: a
// tagged variant with a shared header; pointer/array/signature types
// reference base types by index, never by owning handle, which is how
// cyclic graphs like "struct S { S* next }" stay representable without
// infinite recursion — see Table.Resolve).
type Type struct {
	Name  ident.Name // Invalid if synthesized (pointer/array/signature)
	Kind  Kind
	Size  int
	Flags Flags

	// Aggregate (struct/union)
	Fields []Field

	// Pointer
	Base           Index
	PointerSize    int // cached underlying (pointee) size, spec §3
	pointerTypeIdx Index // cached "pointer to this type" index, Invalid if none taken

	// Array
	ElemCount int

	// Signature type
	Sig SignatureIndex

	Metadata ident.Index
}

// Signature is a deduplicated (return, params, parameters_size) triple
// (spec §3 "Signatures").
type Signature struct {
	Return         Index
	Params         []Index
	ParametersSize int   // resolved by the linker (spec §4.4c)
	Offsets        []int // per-parameter byte offset, left-to-right, resolved by the linker (spec §4.4c)
}

// canonicalKey returns a byte-key suitable for deduplication, per spec's
// "deduplicated via a canonical byte-key".
func (s Signature) canonicalKey() string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(int(s.Return)))
	for _, p := range s.Params {
		b.WriteByte(',')
		b.WriteString(strconv.Itoa(int(p)))
	}
	return b.String()
}

// Offset is a resolved field path: the root type, the dotted field-name
// path, the leaf field's type, and its cumulative byte offset (spec §3
// "Field offsets").
type Offset struct {
	Root     Index
	Path     []ident.Name
	Resolved Index
	Byte     int // resolved by the linker (spec §4.4d)
}

func (o Offset) canonicalKey() string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(int(o.Root)))
	for _, n := range o.Path {
		b.WriteByte('.')
		b.WriteString(strconv.Itoa(int(n)))
	}
	return b.String()
}

// Table is the type cache: it holds every declared and derived type and
// deduplicates pointer/array/signature-wrapper types under their
// canonical form (spec §4.2 declare_pointer_type / declare_array_type /
// declare_signature_type).
type Table struct {
	PointerWidth int // platform pointer width in bytes; size(pointer)=size(signature)=this

	types      []*Type
	byName     map[ident.Name]Index
	pointerOf  map[Index]Index        // base type index -> pointer-to-base index
	arrayOf    map[string]Index       // "base,count" -> array index
	sigTypeOf  map[SignatureIndex]Index

	sigs    []Signature
	sigByKey map[string]SignatureIndex

	offsets    []Offset
	offsetByKey map[string]OffsetIndex
}

// NewTable returns a Table seeded with the primitive kinds, all already
// `defined` and `resolved` since they need no resolution.
func NewTable(pointerWidth int) *Table {
	t := &Table{
		PointerWidth: pointerWidth,
		byName:       make(map[ident.Name]Index),
		pointerOf:    make(map[Index]Index),
		arrayOf:      make(map[string]Index),
		sigTypeOf:    make(map[SignatureIndex]Index),
		sigByKey:     make(map[string]SignatureIndex),
		offsetByKey:  make(map[string]OffsetIndex),
	}
	primitiveSizes := []struct {
		kind Kind
		size int
	}{
		{KindVoid, 0},
		{KindI8, 1}, {KindU8, 1},
		{KindI16, 2}, {KindU16, 2},
		{KindI32, 4}, {KindU32, 4},
		{KindI64, 8}, {KindU64, 8},
		{KindF32, 4}, {KindF64, 8},
		{KindVoidPtr, pointerWidth},
	}
	for _, p := range primitiveSizes {
		t.types = append(t.types, &Type{
			Name:           ident.Invalid,
			Kind:           p.kind,
			Size:           p.size,
			Flags:          FlagDefined | FlagResolved,
			pointerTypeIdx: Invalid,
		})
	}
	return t
}

// Primitive indices are stable: they are appended in NewTable's fixed
// order starting at 0.
const (
	Void    Index = Index(KindVoid)
	I8      Index = Index(KindI8)
	U8      Index = Index(KindU8)
	I16     Index = Index(KindI16)
	U16     Index = Index(KindU16)
	I32     Index = Index(KindI32)
	U32     Index = Index(KindU32)
	I64     Index = Index(KindI64)
	U64     Index = Index(KindU64)
	F32     Index = Index(KindF32)
	F64     Index = Index(KindF64)
	VoidPtr Index = Index(KindVoidPtr)
)

// Get returns the Type at idx. Panics on an out-of-range idx: callers are
// expected to only ever hold indices this Table itself vended.
func (t *Table) Get(idx Index) *Type {
	if idx == Invalid || int(idx) >= len(t.types) {
		panic(fmt.Sprintf("ICE: type index %d out of range", idx))
	}
	return t.types[idx]
}

// Len returns the number of declared+derived types.
func (t *Table) Len() int { return len(t.types) }

// Declare reserves a new named type index, idempotently: calling Declare
// again with the same name returns the existing index (spec §4.2
// declare_type).
func (t *Table) Declare(name ident.Name, loc perr.SourceLoc) (Index, error) {
	if idx, ok := t.byName[name]; ok {
		return idx, nil
	}
	idx := Index(len(t.types))
	t.types = append(t.types, &Type{Name: name, pointerTypeIdx: Invalid})
	t.byName[name] = idx
	return idx, nil
}

// Define opens idx for field declaration, marking it `defined`. May be
// called at most once per index (spec §4.2 define_type).
func (t *Table) Define(idx Index, isUnion bool, loc perr.SourceLoc) error {
	ty := t.Get(idx)
	if ty.Flags.Has(FlagDefined) {
		return perr.New(perr.GNRTypeRedeclaration, loc, "type %d already defined", idx)
	}
	ty.Kind = KindStruct
	if isUnion {
		ty.Kind = KindUnion
		ty.Flags |= FlagUnion
	}
	ty.Flags |= FlagDefined
	return nil
}

// AddField appends a field to a type currently open via Define. Field
// names must be unique within the type (spec §4.2 type writer contract).
func (t *Table) AddField(idx Index, name ident.Name, fieldType Index, loc perr.SourceLoc) error {
	ty := t.Get(idx)
	for _, f := range ty.Fields {
		if f.Name == name {
			return perr.New(perr.GNRFieldRedeclaration, loc, "duplicate field")
		}
	}
	if fieldType == Void {
		return perr.New(perr.GNRInvalidVoidType, loc, "field cannot have void type")
	}
	ty.Fields = append(ty.Fields, Field{Name: name, Type: fieldType})
	return nil
}

// DeclarePointer returns the (deduplicated) pointer-to-base type index,
// synthesizing one if base has never had its address taken (spec §4.2
// declare_pointer_type; §4.4e "address_of synthesizes a pointer type on
// demand" reuses this same path).
func (t *Table) DeclarePointer(base Index) Index {
	baseTy := t.Get(base)
	if baseTy.pointerTypeIdx != Invalid {
		return baseTy.pointerTypeIdx
	}
	if idx, ok := t.pointerOf[base]; ok {
		baseTy.pointerTypeIdx = idx
		return idx
	}
	idx := Index(len(t.types))
	t.types = append(t.types, &Type{
		Name:           ident.Invalid,
		Kind:           KindPointer,
		Base:           base,
		Size:           t.PointerWidth,
		PointerSize:    baseTy.Size,
		Flags:          FlagDefined | FlagResolved,
		pointerTypeIdx: Invalid,
	})
	t.pointerOf[base] = idx
	baseTy.pointerTypeIdx = idx
	return idx
}

// DeclareArray returns the deduplicated array type index for [count]base.
// count must be > 0 (spec §4.2 declare_array_type).
func (t *Table) DeclareArray(base Index, count int, loc perr.SourceLoc) (Index, error) {
	if count <= 0 {
		return Invalid, perr.New(perr.GNRArrayLengthZero, loc, "array length must be > 0")
	}
	key := strconv.Itoa(int(base)) + "," + strconv.Itoa(count)
	if idx, ok := t.arrayOf[key]; ok {
		return idx, nil
	}
	baseTy := t.Get(base)
	idx := Index(len(t.types))
	size := 0
	if baseTy.Flags.Has(FlagResolved) {
		size = baseTy.Size * count
	}
	t.types = append(t.types, &Type{
		Name:           ident.Invalid,
		Kind:           KindArray,
		Base:           base,
		ElemCount:      count,
		Size:           size,
		Flags:          FlagDefined,
		pointerTypeIdx: Invalid,
	})
	t.arrayOf[key] = idx
	return idx, nil
}

// DeclareSignatureType returns the deduplicated type index that wraps
// signature sig as a first-class type (used for method-pointer globals;
// spec §4.4f).
func (t *Table) DeclareSignatureType(sig SignatureIndex) Index {
	if idx, ok := t.sigTypeOf[sig]; ok {
		return idx
	}
	idx := Index(len(t.types))
	t.types = append(t.types, &Type{
		Name:           ident.Invalid,
		Kind:           KindSignature,
		Sig:            sig,
		Size:           t.PointerWidth,
		Flags:          FlagDefined | FlagResolved,
		pointerTypeIdx: Invalid,
	})
	t.sigTypeOf[sig] = idx
	return idx
}

// MakeSignature interns a signature by its canonical key, deduplicating
// repeats. Params must number <= 256 (spec §4.2 make_signature).
func (t *Table) MakeSignature(ret Index, params []Index, loc perr.SourceLoc) (SignatureIndex, error) {
	if len(params) > 256 {
		return InvalidSignature, perr.New(perr.GNRParameterOverflow, loc, "signature has more than 256 parameters")
	}
	sig := Signature{Return: ret, Params: append([]Index(nil), params...)}
	key := sig.canonicalKey()
	if idx, ok := t.sigByKey[key]; ok {
		return idx, nil
	}
	idx := SignatureIndex(len(t.sigs))
	t.sigs = append(t.sigs, sig)
	t.sigByKey[key] = idx
	return idx, nil
}

// Signature returns the Signature at idx.
func (t *Table) Signature(idx SignatureIndex) *Signature {
	if idx == InvalidSignature || int(idx) >= len(t.sigs) {
		panic(fmt.Sprintf("ICE: signature index %d out of range", idx))
	}
	return &t.sigs[idx]
}

// SignatureCount returns the number of interned signatures.
func (t *Table) SignatureCount() int { return len(t.sigs) }

// MakeOffset interns a non-empty field path under root, deduplicating
// repeats (spec §4.2 make_offset). The path is not resolved here (no
// byte offset, no leaf type) — that happens in the linker (spec §4.4d).
func (t *Table) MakeOffset(root Index, path []ident.Name, loc perr.SourceLoc) (OffsetIndex, error) {
	if len(path) == 0 {
		return InvalidOffset, perr.New(perr.GNREmptyOffset, loc, "offset path must not be empty")
	}
	off := Offset{Root: root, Path: append([]ident.Name(nil), path...), Resolved: Invalid}
	key := off.canonicalKey()
	if idx, ok := t.offsetByKey[key]; ok {
		return idx, nil
	}
	idx := OffsetIndex(len(t.offsets))
	t.offsets = append(t.offsets, off)
	t.offsetByKey[key] = idx
	return idx, nil
}

// Offset returns the Offset at idx.
func (t *Table) Offset(idx OffsetIndex) *Offset {
	if idx == InvalidOffset || int(idx) >= len(t.offsets) {
		panic(fmt.Sprintf("ICE: offset index %d out of range", idx))
	}
	return &t.offsets[idx]
}

// OffsetCount returns the number of interned offsets.
func (t *Table) OffsetCount() int { return len(t.offsets) }

// Resolve computes the final size of every defined type, detecting
// cycles (spec §4.4b). It marks each type `resolving` before recursing
// into its dependencies and `resolved` on exit; seeing `resolving` again
// means the type graph has a cycle with no indirection to break it.
func (t *Table) Resolve(idx Index, loc perr.SourceLoc) error {
	ty := t.Get(idx)
	if ty.Flags.Has(FlagResolved) {
		return nil
	}
	if ty.Flags.Has(FlagResolving) {
		return perr.New(perr.LNKRecursiveType, loc, "recursive type definition")
	}
	ty.Flags |= FlagResolving
	defer func() { ty.Flags &^= FlagResolving }()

	switch ty.Kind {
	case KindStruct:
		offset := 0
		for i := range ty.Fields {
			f := &ty.Fields[i]
			if err := t.Resolve(f.Type, loc); err != nil {
				return err
			}
			f.Offset = offset
			offset += t.Get(f.Type).Size
		}
		ty.Size = offset
	case KindUnion:
		max := 0
		for i := range ty.Fields {
			f := &ty.Fields[i]
			if err := t.Resolve(f.Type, loc); err != nil {
				return err
			}
			f.Offset = 0
			if s := t.Get(f.Type).Size; s > max {
				max = s
			}
		}
		ty.Size = max
	case KindArray:
		if err := t.Resolve(ty.Base, loc); err != nil {
			return err
		}
		ty.Size = t.Get(ty.Base).Size * ty.ElemCount
	case KindPointer:
		if err := t.Resolve(ty.Base, loc); err != nil {
			return err
		}
		ty.PointerSize = t.Get(ty.Base).Size
		ty.Size = t.PointerWidth
	case KindSignature, KindVoidPtr:
		ty.Size = t.PointerWidth
	default:
		// primitives already sized in NewTable
	}
	ty.Flags |= FlagResolved
	if ty.Kind != KindVoid && ty.Size == 0 && !ty.Flags.Has(FlagExternal) {
		return perr.New(perr.LNKTypeSizeZero, loc, "type has zero size")
	}
	return nil
}

// RestoreType appends a fully-formed Type produced by deserialization,
// preserving its wire index. Used only by Deserialize, which rebuilds
// tables in the same order Serialize walked them.
func (t *Table) RestoreType(ty *Type) Index {
	idx := Index(len(t.types))
	ty.pointerTypeIdx = Invalid
	t.types = append(t.types, ty)
	if ty.Name != ident.Invalid {
		t.byName[ty.Name] = idx
	}
	switch ty.Kind {
	case KindPointer:
		t.pointerOf[ty.Base] = idx
		t.Get(ty.Base).pointerTypeIdx = idx
	case KindArray:
		key := strconv.Itoa(int(ty.Base)) + "," + strconv.Itoa(ty.ElemCount)
		t.arrayOf[key] = idx
	case KindSignature:
		t.sigTypeOf[ty.Sig] = idx
	}
	return idx
}

// RestoreSignature appends a Signature produced by deserialization,
// preserving its wire index and dedup key.
func (t *Table) RestoreSignature(sig Signature) SignatureIndex {
	idx := SignatureIndex(len(t.sigs))
	t.sigs = append(t.sigs, sig)
	t.sigByKey[sig.canonicalKey()] = idx
	return idx
}

// RestoreOffset appends an Offset produced by deserialization, preserving
// its wire index and dedup key.
func (t *Table) RestoreOffset(off Offset) OffsetIndex {
	idx := OffsetIndex(len(t.offsets))
	t.offsets = append(t.offsets, off)
	t.offsetByKey[off.canonicalKey()] = idx
	return idx
}

// IsPointerToVoid reports whether idx is a pointer whose pointee is the
// abstract void* or void kind (used by the address resolver's
// "abstract pointer dereference" check, spec §4.4e/§7).
func (t *Table) IsPointerToVoid(idx Index) bool {
	ty := t.Get(idx)
	if ty.Kind != KindPointer {
		return false
	}
	base := t.Get(ty.Base)
	return base.Kind == KindVoid || base.Kind == KindVoidPtr
}
