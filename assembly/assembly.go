// Package assembly is the fully-resolved, linked artifact the interpreter
// executes: every type sized, every field offset computed, every bytecode
// address rewritten to final indices and subcodes (spec §2 component H,
// §3 "Assembly container").
package assembly

import (
	"github.com/aggrobird/propane/ident"
	"github.com/aggrobird/propane/ir"
	"github.com/aggrobird/propane/perr"
	"github.com/aggrobird/propane/types"
	"github.com/aggrobird/propane/wire"
)

// Method is a linked method: its bytecode has every address descriptor
// already rewritten to assembly-global indices and a concrete subcode, so
// the interpreter never consults a per-method reference list (spec §4.4e
// "drop per-method lookup tables afterwards").
type Method struct {
	Name            ident.Name
	Signature       types.SignatureIndex
	StackVars       []types.Index
	Bytecode        []byte
	Labels          []int32 // sorted byte offsets; return-value clear boundaries
	Metadata        ident.Index
	MethodStackSize int
	TotalStackSize  int
	Flags           ir.MethodFlags

	ExternalLibrary   string
	ExternalCallIndex int
}

func (m *Method) IsExternal() bool { return m.Flags&ir.MethodExternal != 0 }

// GlobalInfo mirrors ir.GlobalInfo once data_offset is finalized.
type GlobalInfo = ir.GlobalInfo

// Assembly is the complete, immutable, linked program (spec §5 "the
// assembly, once linked, is immutable").
type Assembly struct {
	Version     wire.Version
	RuntimeHash uint64

	Idents   *ident.Table
	Files    *ident.Table
	Metadata *ident.MetadataTable
	Types    *types.Table

	Methods []*Method

	Globals    []GlobalInfo
	GlobalData []byte

	Constants    []GlobalInfo
	ConstantData []byte

	// Entrypoint is the method index of a `main` with signature `() -> i32`,
	// or ir.InvalidMethod if none was declared — absence is a run-time
	// failure, not a link-time one (spec §4.4h).
	Entrypoint ir.MethodIndex
}

// Method returns the method at idx.
func (a *Assembly) Method(idx ir.MethodIndex) *Method { return a.Methods[idx] }

// Serialize encodes the Assembly into a "PASM"-framed artifact.
func (a *Assembly) Serialize() ([]byte, error) {
	w := wire.NewWriter()
	w.U64(a.RuntimeHash)

	writeStrings(w, a.Idents.All())
	writeStrings(w, a.Files.All())
	writeMetadata(w, a.Metadata.All())
	writeTypes(w, a.Types)
	writeMethods(w, a.Methods)
	writeGlobals(w, a.Globals, a.GlobalData)
	writeGlobals(w, a.Constants, a.ConstantData)
	w.I32(int32(a.Entrypoint))

	return wire.Frame(wire.MagicAssembly, a.Version, w.Bytes()), nil
}

// Deserialize parses a "PASM"-framed artifact produced by Serialize.
func Deserialize(data []byte) (*Assembly, error) {
	ver, payload, err := wire.Unframe(data, wire.MagicAssembly, perr.RTMInvalidAssembly)
	if err != nil {
		return nil, err
	}
	r := wire.NewReader(payload)
	a := &Assembly{Version: ver}
	a.RuntimeHash = r.U64()

	a.Idents = internAll(readStrings(r))
	a.Files = internAll(readStrings(r))
	a.Metadata = restoreMetadata(readMetadata(r))
	a.Types, err = readTypes(r)
	if err != nil {
		return nil, err
	}
	a.Methods = readMethods(r)
	a.Globals, a.GlobalData = readGlobals(r)
	a.Constants, a.ConstantData = readGlobals(r)
	a.Entrypoint = ir.MethodIndex(r.I32())
	return a, nil
}

func internAll(strs []string) *ident.Table {
	t := ident.NewTable()
	for _, s := range strs {
		t.Intern(s)
	}
	return t
}

func restoreMetadata(mds []ident.Metadata) *ident.MetadataTable {
	t := ident.NewMetadataTable()
	for _, md := range mds {
		t.Append(md)
	}
	return t
}

func writeStrings(w *wire.Writer, all []string) {
	byteLen := 0
	for _, s := range all {
		byteLen += 4 + len(s)
	}
	w.Block(byteLen, len(all), func() {
		for _, s := range all {
			w.U32(uint32(len(s)))
			w.RawBytes([]byte(s))
		}
	})
}

func readStrings(r *wire.Reader) []string {
	_, count := r.BlockHeader()
	out := make([]string, count)
	for i := range out {
		n := int(r.U32())
		out[i] = string(r.RawBytes(n))
	}
	return out
}

func writeMetadata(w *wire.Writer, mds []ident.Metadata) {
	w.Block(len(mds)*8, len(mds), func() {
		for _, md := range mds {
			w.I32(int32(md.File))
			w.I32(int32(md.Line))
		}
	})
}

func readMetadata(r *wire.Reader) []ident.Metadata {
	_, count := r.BlockHeader()
	out := make([]ident.Metadata, count)
	for i := range out {
		out[i] = ident.Metadata{File: ident.Name(r.I32()), Line: int(r.I32())}
	}
	return out
}

func writeTypes(w *wire.Writer, t *types.Table) {
	w.I32(int32(t.PointerWidth))
	n := t.Len()
	w.U32(uint32(n))
	for i := 0; i < n; i++ {
		ty := t.Get(types.Index(i))
		w.I32(int32(ty.Name))
		w.U8(uint8(ty.Kind))
		w.I32(int32(ty.Size))
		w.U8(uint8(ty.Flags))
		w.I32(int32(ty.Base))
		w.I32(int32(ty.PointerSize))
		w.I32(int32(ty.ElemCount))
		w.I32(int32(ty.Sig))
		w.I32(int32(ty.Metadata))
		w.U32(uint32(len(ty.Fields)))
		for _, f := range ty.Fields {
			w.I32(int32(f.Name))
			w.I32(int32(f.Type))
			w.I32(int32(f.Offset))
		}
	}
	sn := t.SignatureCount()
	w.U32(uint32(sn))
	for i := 0; i < sn; i++ {
		sig := t.Signature(types.SignatureIndex(i))
		w.I32(int32(sig.Return))
		w.I32(int32(sig.ParametersSize))
		w.U32(uint32(len(sig.Params)))
		for _, p := range sig.Params {
			w.I32(int32(p))
		}
		for i := range sig.Params {
			o := 0
			if i < len(sig.Offsets) {
				o = sig.Offsets[i]
			}
			w.I32(int32(o))
		}
	}
	on := t.OffsetCount()
	w.U32(uint32(on))
	for i := 0; i < on; i++ {
		off := t.Offset(types.OffsetIndex(i))
		w.I32(int32(off.Root))
		w.I32(int32(off.Resolved))
		w.I32(int32(off.Byte))
		w.U32(uint32(len(off.Path)))
		for _, n := range off.Path {
			w.I32(int32(n))
		}
	}
}

func readTypes(r *wire.Reader) (*types.Table, error) {
	pw := int(r.I32())
	t := types.NewTable(pw)
	n := int(r.U32())
	for i := 0; i < n; i++ {
		name := ident.Name(r.I32())
		kind := types.Kind(r.U8())
		size := int(r.I32())
		flags := types.Flags(r.U8())
		base := types.Index(r.I32())
		ptrSize := int(r.I32())
		elemCount := int(r.I32())
		sig := types.SignatureIndex(r.I32())
		meta := ident.Index(r.I32())
		fieldCount := int(r.U32())
		fields := make([]types.Field, fieldCount)
		for j := range fields {
			fields[j] = types.Field{Name: ident.Name(r.I32()), Type: types.Index(r.I32()), Offset: int(r.I32())}
		}
		if i < 12 {
			continue
		}
		t.RestoreType(&types.Type{
			Name: name, Kind: kind, Size: size, Flags: flags,
			Base: base, PointerSize: ptrSize, ElemCount: elemCount,
			Sig: sig, Metadata: meta, Fields: fields,
		})
	}
	sn := int(r.U32())
	for i := 0; i < sn; i++ {
		ret := types.Index(r.I32())
		paramsSize := int(r.I32())
		pc := int(r.U32())
		params := make([]types.Index, pc)
		for j := range params {
			params[j] = types.Index(r.I32())
		}
		offsets := make([]int, pc)
		for j := range offsets {
			offsets[j] = int(r.I32())
		}
		t.RestoreSignature(types.Signature{Return: ret, Params: params, ParametersSize: paramsSize, Offsets: offsets})
	}
	on := int(r.U32())
	for i := 0; i < on; i++ {
		root := types.Index(r.I32())
		resolved := types.Index(r.I32())
		byteOff := int(r.I32())
		pc := int(r.U32())
		path := make([]ident.Name, pc)
		for j := range path {
			path[j] = ident.Name(r.I32())
		}
		t.RestoreOffset(types.Offset{Root: root, Path: path, Resolved: resolved, Byte: byteOff})
	}
	return t, nil
}

func writeMethods(w *wire.Writer, methods []*Method) {
	w.U32(uint32(len(methods)))
	for _, m := range methods {
		w.I32(int32(m.Name))
		w.I32(int32(m.Signature))
		w.U8(uint8(m.Flags))
		w.I32(int32(m.Metadata))
		w.I32(int32(m.MethodStackSize))
		w.I32(int32(m.TotalStackSize))
		w.String(m.ExternalLibrary)
		w.I32(int32(m.ExternalCallIndex))

		w.U32(uint32(len(m.StackVars)))
		for _, v := range m.StackVars {
			w.I32(int32(v))
		}
		w.Block(len(m.Bytecode), len(m.Bytecode), func() { w.RawBytes(m.Bytecode) })
		w.U32(uint32(len(m.Labels)))
		for _, l := range m.Labels {
			w.I32(l)
		}
	}
}

func readMethods(r *wire.Reader) []*Method {
	n := int(r.U32())
	out := make([]*Method, n)
	for i := range out {
		m := &Method{}
		m.Name = ident.Name(r.I32())
		m.Signature = types.SignatureIndex(r.I32())
		m.Flags = ir.MethodFlags(r.U8())
		m.Metadata = ident.Index(r.I32())
		m.MethodStackSize = int(r.I32())
		m.TotalStackSize = int(r.I32())
		m.ExternalLibrary = r.String()
		m.ExternalCallIndex = int(r.I32())

		sc := int(r.U32())
		m.StackVars = make([]types.Index, sc)
		for j := range m.StackVars {
			m.StackVars[j] = types.Index(r.I32())
		}
		bcLen, _ := r.BlockHeader()
		m.Bytecode = append([]byte(nil), r.RawBytes(bcLen)...)
		r.Align4()

		lc := int(r.U32())
		m.Labels = make([]int32, lc)
		for j := range m.Labels {
			m.Labels[j] = r.I32()
		}
		out[i] = m
	}
	return out
}

func writeGlobals(w *wire.Writer, info []GlobalInfo, data []byte) {
	w.U32(uint32(len(info)))
	for _, g := range info {
		w.I32(int32(g.Name))
		w.I32(int32(g.Type))
		w.I32(g.DataOffset)
		if g.MethodPointerTarget != nil {
			w.U8(1)
			w.I32(int32(*g.MethodPointerTarget))
		} else {
			w.U8(0)
			w.I32(int32(ir.InvalidMethod))
		}
	}
	w.Block(len(data), len(data), func() { w.RawBytes(data) })
}

func readGlobals(r *wire.Reader) ([]GlobalInfo, []byte) {
	n := int(r.U32())
	info := make([]GlobalInfo, n)
	for i := range info {
		info[i] = GlobalInfo{Name: ident.Name(r.I32()), Type: types.Index(r.I32()), DataOffset: r.I32()}
		hasTarget := r.U8() != 0
		target := ir.MethodIndex(r.I32())
		if hasTarget {
			info[i].MethodPointerTarget = &target
		}
	}
	dlen, _ := r.BlockHeader()
	data := append([]byte(nil), r.RawBytes(dlen)...)
	r.Align4()
	return info, data
}
