package ir

import (
	"github.com/aggrobird/propane/ident"
	"github.com/aggrobird/propane/perr"
	"github.com/aggrobird/propane/types"
	"github.com/aggrobird/propane/wire"
)

// Serialize encodes the Intermediate into a "PINT"-framed artifact (spec
// §6). Round-tripping through Serialize/Deserialize reproduces an
// equivalent Intermediate (spec property 1).
func (im *Intermediate) Serialize() ([]byte, error) {
	if err := im.Validate(); err != nil {
		return nil, err
	}
	w := wire.NewWriter()

	writeStringTable(w, im.Idents)
	writeStringTable(w, im.Files)
	writeMetadata(w, im.Metadata)
	writeTypeTable(w, im.Types)
	writeMethods(w, im.Methods)
	writeGlobalSet(w, im.Globals, im.GlobalData)
	writeGlobalSet(w, im.Constants, im.ConstantData)

	return wire.Frame(wire.MagicIntermediate, im.Version, w.Bytes()), nil
}

// Deserialize parses a "PINT"-framed artifact produced by Serialize.
func Deserialize(data []byte) (*Intermediate, error) {
	ver, payload, err := wire.Unframe(data, wire.MagicIntermediate, perr.LNKInvalidIntermediate)
	if err != nil {
		return nil, err
	}
	r := wire.NewReader(payload)

	im := &Intermediate{Version: ver, methodByKey: make(map[ident.Name]MethodIndex)}
	im.Idents = readStringTable(r)
	im.Files = readStringTable(r)
	im.Metadata = readMetadata(r)
	im.Types, err = readTypeTable(r)
	if err != nil {
		return nil, err
	}
	im.Methods, err = readMethods(r)
	if err != nil {
		return nil, err
	}
	for i, m := range im.Methods {
		im.methodByKey[m.Name] = MethodIndex(i)
	}
	im.Globals, im.GlobalData = readGlobalSet(r)
	im.Constants, im.ConstantData = readGlobalSet(r)
	return im, nil
}

func writeStringTable(w *wire.Writer, t *ident.Table) {
	all := t.All()
	w.Block(lenStrings(all), len(all), func() {
		for _, s := range all {
			w.U32(uint32(len(s)))
			w.RawBytes([]byte(s))
		}
	})
}

func lenStrings(all []string) int {
	n := 0
	for _, s := range all {
		n += 4 + len(s)
	}
	return n
}

func readStringTable(r *wire.Reader) *ident.Table {
	_, count := r.BlockHeader()
	t := ident.NewTable()
	for i := 0; i < count; i++ {
		n := int(r.U32())
		s := string(r.RawBytes(n))
		t.Intern(s)
	}
	r.Align4()
	return t
}

func writeMetadata(w *wire.Writer, m *ident.MetadataTable) {
	all := m.All()
	w.Block(len(all)*8, len(all), func() {
		for _, md := range all {
			w.I32(int32(md.File))
			w.I32(int32(md.Line))
		}
	})
}

func readMetadata(r *wire.Reader) *ident.MetadataTable {
	_, count := r.BlockHeader()
	m := ident.NewMetadataTable()
	for i := 0; i < count; i++ {
		file := ident.Name(r.I32())
		line := int(r.I32())
		m.Append(ident.Metadata{File: file, Line: line})
	}
	return m
}

func writeTypeTable(w *wire.Writer, t *types.Table) {
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
		// Offsets are only meaningful post-link (spec §4.4c); the
		// intermediate format always carries len(Params) zeros here so the
		// reader doesn't need a separate count.
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

func readTypeTable(r *wire.Reader) (*types.Table, error) {
	pw := int(r.I32())
	t := types.NewTable(pw)
	n := int(r.U32())
	// Primitive kinds are already seeded by NewTable; their entries are
	// read and discarded, and every later declared/derived type is appended.
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
			fields[j] = types.Field{
				Name:   ident.Name(r.I32()),
				Type:   types.Index(r.I32()),
				Offset: int(r.I32()),
			}
		}
		if i < 12 {
			// primitive slot already present from NewTable; nothing to append.
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
		w.U32(uint32(len(m.RefMethods)))
		for _, v := range m.RefMethods {
			w.I32(int32(v))
		}
		w.U32(uint32(len(m.RefFields)))
		for _, v := range m.RefFields {
			w.I32(int32(v))
		}
		w.U32(uint32(len(m.RefGlobals)))
		for _, v := range m.RefGlobals {
			w.I32(int32(v))
		}
		w.U32(uint32(len(m.Labels)))
		for _, v := range m.Labels {
			w.I32(v)
		}
	}
}

func readMethods(r *wire.Reader) ([]*Method, error) {
	n := int(r.U32())
	out := make([]*Method, n)
	for i := range out {
		m := &Method{}
		m.Name = ident.Name(r.I32())
		m.Signature = types.SignatureIndex(r.I32())
		m.Flags = MethodFlags(r.U8())
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

		rmc := int(r.U32())
		m.RefMethods = make([]MethodIndex, rmc)
		for j := range m.RefMethods {
			m.RefMethods[j] = MethodIndex(r.I32())
		}
		rfc := int(r.U32())
		m.RefFields = make([]types.OffsetIndex, rfc)
		for j := range m.RefFields {
			m.RefFields[j] = types.OffsetIndex(r.I32())
		}
		rgc := int(r.U32())
		m.RefGlobals = make([]GlobalIndex, rgc)
		for j := range m.RefGlobals {
			m.RefGlobals[j] = GlobalIndex(r.I32())
		}
		lc := int(r.U32())
		m.Labels = make([]int32, lc)
		for j := range m.Labels {
			m.Labels[j] = r.I32()
		}
		out[i] = m
	}
	return out, nil
}

func writeGlobalSet(w *wire.Writer, info []GlobalInfo, data []byte) {
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
			w.I32(int32(InvalidMethod))
		}
	}
	w.Block(len(data), len(data), func() { w.RawBytes(data) })
}

func readGlobalSet(r *wire.Reader) ([]GlobalInfo, []byte) {
	n := int(r.U32())
	info := make([]GlobalInfo, n)
	for i := range info {
		info[i] = GlobalInfo{
			Name:       ident.Name(r.I32()),
			Type:       types.Index(r.I32()),
			DataOffset: r.I32(),
		}
		hasTarget := r.U8() != 0
		target := MethodIndex(r.I32())
		if hasTarget {
			info[i].MethodPointerTarget = &target
		}
	}
	dlen, _ := r.BlockHeader()
	data := append([]byte(nil), r.RawBytes(dlen)...)
	r.Align4()
	return info, data
}
