// Package ir holds Propane's intermediate data model: a container for
// partially-validated compilation output — types, methods, signatures,
// field offsets, globals, constants, and unresolved bytecode (spec §2
// component C, §4.1).
package ir

import (
	"github.com/aggrobird/propane/ident"
	"github.com/aggrobird/propane/perr"
	"github.com/aggrobird/propane/types"
	"github.com/aggrobird/propane/wire"
)

// MethodIndex is a dense handle into an Intermediate's method table.
type MethodIndex int32

const InvalidMethod MethodIndex = -1

// GlobalIndex is a dense handle into the global or constant table; the
// high bit distinguishes a constant reference from a global one, per
// spec §3 ("the constant bit is encoded in the high bit of a global
// index").
type GlobalIndex int32

const constantBit = GlobalIndex(-1 << 31)

const InvalidGlobal GlobalIndex = -1

func MakeGlobalRef(idx int32) GlobalIndex   { return GlobalIndex(idx) }
func MakeConstantRef(idx int32) GlobalIndex { return GlobalIndex(idx) | constantBit }
func (g GlobalIndex) IsConstant() bool      { return g&constantBit != 0 }
func (g GlobalIndex) Raw() int32            { return int32(g &^ constantBit) }

// MethodFlags records method-level bits.
type MethodFlags uint8

const (
	MethodDefined MethodFlags = 1 << iota
	MethodExternal
)

// Method is one compiled (or external) procedure (spec §3 "Methods").
type Method struct {
	Name      ident.Name
	Signature types.SignatureIndex
	StackVars []types.Index // pushed local slots, excluding parameters
	Bytecode  []byte

	// Lookup tables: generator-local indices pre-link, translated to
	// assembly-global indices during linker stage (e) (spec §4.4e).
	RefMethods []MethodIndex
	RefFields  []types.OffsetIndex
	RefGlobals []GlobalIndex

	Labels []int32 // sorted byte offsets, spec §4.3

	Metadata        ident.Index
	MethodStackSize int // bytes needed for this method's own params+locals
	TotalStackSize  int // MethodStackSize plus the largest return-value scratch size, set by linker
	Flags           MethodFlags

	// External methods (spec §3: "has no bytecode, stores a library+call index")
	ExternalLibrary   string
	ExternalCallIndex int
}

func (m *Method) IsExternal() bool { return m.Flags&MethodExternal != 0 }
func (m *Method) IsDefined() bool  { return m.Flags&MethodDefined != 0 }

// GlobalInfo is one entry of the global/constant info table (spec §3).
type GlobalInfo struct {
	Name       ident.Name
	Type       types.Index
	DataOffset int32

	// MethodPointerTarget, when set, marks this constant as a reserved
	// pointer-width slot the linker's method-pointer stage (f) fills with
	// target's hashed handle rather than copying it from ConstantData
	// verbatim (spec §4.4f). nil for every ordinary global/constant.
	MethodPointerTarget *MethodIndex
}

// Intermediate is the full, partially-validated compilation unit the
// Generator builds and the Linker consumes (spec §4.1).
type Intermediate struct {
	Version wire.Version

	Idents   *ident.Table
	Files    *ident.Table
	Metadata *ident.MetadataTable
	Types    *types.Table

	Methods     []*Method
	methodByKey map[ident.Name]MethodIndex

	Globals     []GlobalInfo
	GlobalData  []byte
	Constants   []GlobalInfo
	ConstantData []byte
}

// New returns an empty Intermediate ready for the Generator to populate.
func New(version wire.Version, pointerWidth int) *Intermediate {
	return &Intermediate{
		Version:     version,
		Idents:      ident.NewTable(),
		Files:       ident.NewTable(),
		Metadata:    ident.NewMetadataTable(),
		Types:       types.NewTable(pointerWidth),
		methodByKey: make(map[ident.Name]MethodIndex),
	}
}

// DeclareMethod reserves a method index under name, idempotently (spec
// §4.2 declare_method).
func (im *Intermediate) DeclareMethod(name ident.Name) MethodIndex {
	if idx, ok := im.methodByKey[name]; ok {
		return idx
	}
	idx := MethodIndex(len(im.Methods))
	im.Methods = append(im.Methods, &Method{Name: name})
	im.methodByKey[name] = idx
	return idx
}

// LookupMethod returns the method index declared under name, if any.
func (im *Intermediate) LookupMethod(name ident.Name) (MethodIndex, bool) {
	idx, ok := im.methodByKey[name]
	return idx, ok
}

// Method returns the method at idx.
func (im *Intermediate) Method(idx MethodIndex) *Method { return im.Methods[idx] }

// Validate checks the whole-container invariants spec §4.1 requires to
// survive a serialize/deserialize round-trip: index density (covered by
// construction — every table here is append-only) and "every declared
// type/method carries its `defined` flag".
func (im *Intermediate) Validate() error {
	for i, m := range im.Methods {
		if !m.IsDefined() && !m.IsExternal() {
			return perr.New(perr.LNKInvalidIntermediate, perr.SourceLoc{},
				"method %d (%q) declared but never defined", i, im.Idents.String(m.Name))
		}
	}
	for i := 0; i < im.Types.Len(); i++ {
		ty := im.Types.Get(types.Index(i))
		if ty.Name != ident.Invalid && ty.Flags&types.FlagDefined == 0 {
			return perr.New(perr.LNKInvalidIntermediate, perr.SourceLoc{},
				"type %d (%q) declared but never defined", i, im.Idents.String(ty.Name))
		}
	}
	return nil
}
