package linker

import (
	"github.com/aggrobird/propane/ir"
	"github.com/aggrobird/propane/perr"
)

// initGlobalSet is linker stage (g): validate that every global/constant's
// initializer bytes (the span up to the next entry's offset, or to the end
// of data) exactly fill its resolved type's size. Method-pointer constants
// are skipped — stage (f) already wrote
// their reserved bytes and assigned their synthesized type. This is a
// deliberate simplification of the original implementation's typed
// initializer-stream reinterpretation engine: the Generator API here only
// ever accepts pre-sized raw bytes, never a convertible typed stream, so
// there is nothing left to reinterpret by the time linking reaches this
// stage — only a length invariant to check.
func initGlobalSet(im *ir.Intermediate, info []ir.GlobalInfo, data []byte) error {
	for i := range info {
		g := &info[i]
		if g.MethodPointerTarget != nil {
			continue
		}
		size := im.Types.Get(g.Type).Size
		end := int(g.DataOffset) + size
		limit := len(data)
		if i+1 < len(info) {
			limit = int(info[i+1].DataOffset)
		}
		if end > len(data) || end != limit {
			return perr.New(perr.LNKInitializerOverflow, perr.SourceLoc{},
				"global %q initializer does not match its declared type's size", im.Idents.String(g.Name))
		}
	}
	return nil
}
