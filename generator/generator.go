// Package generator implements the programmatic builder API a front-end
// uses to build an ir.Intermediate incrementally: the top-level Generator
// plus its two nested builders, TypeWriter and MethodWriter (spec §2
// component D, §4.2).
package generator

import (
	"github.com/aggrobird/propane/ident"
	"github.com/aggrobird/propane/ir"
	"github.com/aggrobird/propane/perr"
	"github.com/aggrobird/propane/types"
	"github.com/aggrobird/propane/wire"
)

// Logger receives optional diagnostic traces from the generator. The zero
// Options leaves this nil, which every call site treats as "don't log".
type Logger interface {
	Debugf(format string, args ...any)
}

// Options configures a Generator. A nil *Options is equivalent to the zero
// value: no logger.
type Options struct {
	Logger Logger
}

// Generator builds an ir.Intermediate incrementally, validating every
// declaration and emission against the invariants §4.4 later assumes hold
// (spec §4.2).
type Generator struct {
	im  *ir.Intermediate
	log Logger

	curFile ident.Name
	curLine int
}

// New returns a Generator over a fresh, empty Intermediate.
func New(version wire.Version, pointerWidth int, opts *Options) *Generator {
	g := &Generator{im: ir.New(version, pointerWidth)}
	if opts != nil {
		g.log = opts.Logger
	}
	return g
}

func (g *Generator) debugf(format string, args ...any) {
	if g.log != nil {
		g.log.Debugf(format, args...)
	}
}

func (g *Generator) loc() perr.SourceLoc {
	return perr.SourceLoc{File: g.im.Files.String(g.curFile), Line: g.curLine}
}

// SetLocation stamps every subsequent declaration/emission with file+line,
// mirroring the C++ generator's thread-local "current location" (spec §9
// supplemented feature: ident's file table doubles as source metadata).
func (g *Generator) SetLocation(file string, line int) {
	g.curFile = g.im.Files.Intern(file)
	g.curLine = line
}

// MakeIdentifier interns name, validating it against the identifier
// grammar and the reserved keyword (spec §4.2 make_identifier).
func (g *Generator) MakeIdentifier(name string) (ident.Name, error) {
	return g.im.Idents.MakeIdentifier(name, g.loc())
}

// Intermediate returns the Intermediate under construction. Intended for
// read-only inspection (e.g. tests); mutate only via the builder methods.
func (g *Generator) Intermediate() *ir.Intermediate { return g.im }

// --- Types ---

// DeclareType reserves (idempotently) a named struct/union type index
// (spec §4.2 declare_type).
func (g *Generator) DeclareType(name ident.Name) (types.Index, error) {
	return g.im.Types.Declare(name, g.loc())
}

// DefineType opens idx for field declaration and returns a TypeWriter
// scoped to it (spec §4.2 define_type). May be called at most once per
// index.
func (g *Generator) DefineType(idx types.Index, isUnion bool) (*TypeWriter, error) {
	if err := g.im.Types.Define(idx, isUnion, g.loc()); err != nil {
		return nil, err
	}
	return &TypeWriter{g: g, idx: idx}, nil
}

// DeclarePointerType returns the deduplicated pointer-to-base type index
// (spec §4.2 declare_pointer_type).
func (g *Generator) DeclarePointerType(base types.Index) types.Index {
	return g.im.Types.DeclarePointer(base)
}

// DeclareArrayType returns the deduplicated [count]base array type index
// (spec §4.2 declare_array_type).
func (g *Generator) DeclareArrayType(base types.Index, count int) (types.Index, error) {
	return g.im.Types.DeclareArray(base, count, g.loc())
}

// DeclareSignatureType returns the deduplicated type index wrapping sig as
// a first-class type (spec §4.2 declare_signature_type).
func (g *Generator) DeclareSignatureType(sig types.SignatureIndex) types.Index {
	return g.im.Types.DeclareSignatureType(sig)
}

// MakeSignature interns (return, params) by canonical key (spec §4.2
// make_signature).
func (g *Generator) MakeSignature(ret types.Index, params []types.Index) (types.SignatureIndex, error) {
	return g.im.Types.MakeSignature(ret, params, g.loc())
}

// MakeOffset interns a non-empty field path under root (spec §4.2
// make_offset).
func (g *Generator) MakeOffset(root types.Index, path []ident.Name) (types.OffsetIndex, error) {
	return g.im.Types.MakeOffset(root, path, g.loc())
}

// --- Methods ---

// DeclareMethod reserves (idempotently) a method index under name (spec
// §4.2 declare_method).
func (g *Generator) DeclareMethod(name ident.Name) ir.MethodIndex {
	return g.im.DeclareMethod(name)
}

// DefineMethod opens idx for bytecode emission and returns a MethodWriter
// scoped to it (spec §4.2 define_method). May be called at most once per
// index.
func (g *Generator) DefineMethod(idx ir.MethodIndex, sig types.SignatureIndex) (*MethodWriter, error) {
	m := g.im.Method(idx)
	if m.IsDefined() {
		return nil, perr.New(perr.GNRMethodRedeclaration, g.loc(), "method %d already defined", idx)
	}
	m.Signature = sig
	m.Flags |= ir.MethodDefined
	m.Metadata = g.im.Metadata.Append(ident.Metadata{File: g.curFile, Line: g.curLine})
	return newMethodWriter(g, idx, m), nil
}

// DeclareExternalMethod marks idx as external: no bytecode, resolved at
// link time against the runtime's external-call table by library+name
// (spec §3 "an external method has no bytecode but stores a library+call
// index"; resolution itself is linker stage (a), §4.4a).
func (g *Generator) DeclareExternalMethod(idx ir.MethodIndex, sig types.SignatureIndex, library string) error {
	m := g.im.Method(idx)
	if m.IsDefined() || m.IsExternal() {
		return perr.New(perr.GNRMethodRedeclaration, g.loc(), "method %d already declared", idx)
	}
	m.Signature = sig
	m.Flags |= ir.MethodExternal
	m.ExternalLibrary = library
	return nil
}

// --- Globals / constants ---

// DeclareGlobal appends a named global slot of the given type and returns
// its index (spec §3 "Globals / constants"). No bytes are reserved here;
// the linker lays globals out as zero-filled slots in stage (g).
func (g *Generator) DeclareGlobal(name ident.Name, ty types.Index) ir.GlobalIndex {
	idx := int32(len(g.im.Globals))
	g.im.Globals = append(g.im.Globals, ir.GlobalInfo{Name: name, Type: ty})
	return ir.MakeGlobalRef(idx)
}

// DeclareConstant appends a named constant slot backed by raw initializer
// bytes and returns its index with the constant bit set. The linker's
// stage (g) checks that the bytes exactly fill the target type; it does
// not convert them, so they must already be in the target type's encoding.
func (g *Generator) DeclareConstant(name ident.Name, ty types.Index, initData []byte) ir.GlobalIndex {
	idx := int32(len(g.im.Constants))
	offset := int32(len(g.im.ConstantData))
	g.im.ConstantData = append(g.im.ConstantData, initData...)
	g.im.Constants = append(g.im.Constants, ir.GlobalInfo{Name: name, Type: ty, DataOffset: offset})
	return ir.MakeConstantRef(idx)
}

// DeclareMethodPointerConstant reserves a pointer-width constant slot for a
// first-class reference to target. Its type and its bytes are left unset
// here: the linker's method-pointer stage (f) synthesizes the wrapping
// signature type and writes target's hashed handle into the reserved
// bytes once target's final index and the runtime hash are both known
// (spec §4.4f). Reserving the slot at generation time — rather than
// inventing it during linking — keeps every constant's byte layout
// uniform, so a method pointer can be embedded as a field of a larger
// global initializer like any other value.
func (g *Generator) DeclareMethodPointerConstant(name ident.Name, target ir.MethodIndex) ir.GlobalIndex {
	idx := int32(len(g.im.Constants))
	offset := int32(len(g.im.ConstantData))
	g.im.ConstantData = append(g.im.ConstantData, make([]byte, g.im.Types.PointerWidth)...)
	t := target
	g.im.Constants = append(g.im.Constants, ir.GlobalInfo{
		Name: name, Type: types.Invalid, DataOffset: offset, MethodPointerTarget: &t,
	})
	return ir.MakeConstantRef(idx)
}
