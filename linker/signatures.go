package linker

import "github.com/aggrobird/propane/types"

// resolveSignatures is linker stage (c): compute each interned
// signature's per-parameter byte offset and total parameters_size, left
// to right (spec §4.4c), grounded on the original implementation's
// resolve_signature: `for each parameter, p.offset = offset; offset +=
// size(p.type)`.
func resolveSignatures(t *types.Table) {
	n := t.SignatureCount()
	for i := 0; i < n; i++ {
		sig := t.Signature(types.SignatureIndex(i))
		offsets := make([]int, len(sig.Params))
		offset := 0
		for j, p := range sig.Params {
			offsets[j] = offset
			offset += t.Get(p).Size
		}
		sig.Offsets = offsets
		sig.ParametersSize = offset
	}
}
