package linker

import (
	"github.com/aggrobird/propane/ident"
	"github.com/aggrobird/propane/ir"
	"github.com/aggrobird/propane/perr"
	"github.com/aggrobird/propane/types"
)

// resolveOffsets is linker stage (d): walk every interned field path from
// its root type, accumulating a byte offset and narrowing to the leaf
// field's type one path segment at a time (spec §4.4d), grounded on the
// original implementation's resolve_offsets: a linear per-segment
// field-name scan, failing hard on any miss.
func resolveOffsets(im *ir.Intermediate) error {
	t := im.Types
	n := t.OffsetCount()
	for i := 0; i < n; i++ {
		off := t.Offset(types.OffsetIndex(i))
		cur := off.Root
		byteOff := 0
		for _, seg := range off.Path {
			ty := t.Get(cur)
			field, ok := findField(ty, seg)
			if !ok {
				return perr.New(perr.LNKUndefinedTypeField, perr.SourceLoc{},
					"type %q has no field %q", im.Idents.String(ty.Name), im.Idents.String(seg))
			}
			byteOff += field.Offset
			cur = field.Type
		}
		off.Byte = byteOff
		off.Resolved = cur
	}
	return nil
}

func findField(ty *types.Type, name ident.Name) (types.Field, bool) {
	for _, f := range ty.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return types.Field{}, false
}
