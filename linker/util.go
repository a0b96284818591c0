package linker

import (
	"github.com/aggrobird/propane/ir"
	"github.com/aggrobird/propane/perr"
)

// methodLoc recovers the source location a method was declared at, for
// error attribution outside the per-instruction bytecode walk.
func methodLoc(im *ir.Intermediate, m *ir.Method) perr.SourceLoc {
	md := im.Metadata.Get(m.Metadata)
	return perr.SourceLoc{File: im.Files.String(md.File), Line: md.Line}
}
