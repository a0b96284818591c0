package linker

import (
	"github.com/aggrobird/propane/ir"
	"github.com/aggrobird/propane/perr"
	"github.com/aggrobird/propane/types"
)

// resolveTypes is linker stage (b): size every declared type, detecting
// cycles (spec §4.4b). Stage (a) may have declared implicit pointer types
// while materializing native fields, but never adds a struct/union/array
// needing its own recursive sizing pass, so a single bound loop over the
// table as it stood when this stage starts is sufficient.
func resolveTypes(im *ir.Intermediate) error {
	t := im.Types
	n := t.Len()
	for i := 0; i < n; i++ {
		idx := types.Index(i)
		if t.Get(idx).Flags.Has(types.FlagResolved) {
			continue
		}
		if err := t.Resolve(idx, perr.SourceLoc{}); err != nil {
			return err
		}
	}
	return nil
}
