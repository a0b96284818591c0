package generator

import (
	"github.com/aggrobird/propane/ident"
	"github.com/aggrobird/propane/types"
)

// TypeWriter builds the field list of one struct/union type, opened by
// Generator.DefineType (spec §4.2).
type TypeWriter struct {
	g   *Generator
	idx types.Index
}

// Index returns the type index this writer is scoped to.
func (w *TypeWriter) Index() types.Index { return w.idx }

// AddField appends a named field. Field names must be unique within the
// type and the field type must not be void (spec §4.2 type writer
// contract).
func (w *TypeWriter) AddField(name ident.Name, fieldType types.Index) error {
	return w.g.im.Types.AddField(w.idx, name, fieldType, w.g.loc())
}
