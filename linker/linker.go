// Package linker resolves a fully-declared but partially-validated
// Intermediate into an immutable, fully-resolved Assembly: every type
// sized, every signature's parameter offsets computed, every field path
// walked, every bytecode address rewritten to final indices and a
// concrete subcode (spec §2 component F, §4.4).
package linker

import (
	"github.com/aggrobird/propane/assembly"
	"github.com/aggrobird/propane/ir"
	"github.com/aggrobird/propane/runtimehost"
	"github.com/aggrobird/propane/types"
)

// Logger receives optional diagnostic traces from the linker.
type Logger interface {
	Debugf(format string, args ...any)
}

// Options configures Link. A nil *Options means no logger.
type Options struct {
	Logger Logger
}

// Link runs the eight resolution stages spec §4.4 describes, in order,
// against im and desc, producing a linked Assembly ready for the
// interpreter. im is mutated in place (types sized, signatures and field
// paths resolved, method bytecode re-encoded) and becomes unusable as a
// Generator target afterwards — matching the original implementation's
// "link consumes its input" contract.
func Link(im *ir.Intermediate, desc *runtimehost.Descriptor, opts *Options) (*assembly.Assembly, error) {
	var log Logger
	if opts != nil {
		log = opts.Logger
	}
	debugf := func(format string, args ...any) {
		if log != nil {
			log.Debugf(format, args...)
		}
	}

	debugf("linker: stage (a) external resolution")
	if err := resolveExternals(im, desc); err != nil {
		return nil, err
	}

	debugf("linker: stage (b) type resolution")
	if err := resolveTypes(im); err != nil {
		return nil, err
	}

	debugf("linker: stage (c) signature resolution")
	resolveSignatures(im.Types)

	debugf("linker: stage (d) field-path resolution")
	if err := resolveOffsets(im); err != nil {
		return nil, err
	}

	debugf("linker: stage (e) method re-encoding")
	// Frame layout: [params][stack vars][return-value scratch]; the scratch
	// fits any 8-byte scalar and the widest declared return type.
	scratchSize := 8
	for i := 0; i < im.Types.SignatureCount(); i++ {
		if s := im.Types.Get(im.Types.Signature(types.SignatureIndex(i)).Return).Size; s > scratchSize {
			scratchSize = s
		}
	}
	for _, m := range im.Methods {
		if m.IsExternal() {
			continue
		}
		m.MethodStackSize = im.Types.Signature(m.Signature).ParametersSize
		for _, sv := range m.StackVars {
			m.MethodStackSize += im.Types.Get(sv).Size
		}
		m.TotalStackSize = m.MethodStackSize + scratchSize
		if err := encodeMethod(im, m); err != nil {
			return nil, err
		}
	}

	debugf("linker: stage (f) method-pointer constants")
	if err := resolveMethodPointers(im, desc.RuntimeHash); err != nil {
		return nil, err
	}

	debugf("linker: stage (g) global/constant initialization")
	// Globals carry no initializer bytes from the generator: lay them out
	// back to back as zero-filled slots.
	if len(im.GlobalData) == 0 {
		off := 0
		for i := range im.Globals {
			im.Globals[i].DataOffset = int32(off)
			off += im.Types.Get(im.Globals[i].Type).Size
		}
		im.GlobalData = make([]byte, off)
	}
	if err := initGlobalSet(im, im.Globals, im.GlobalData); err != nil {
		return nil, err
	}
	if err := initGlobalSet(im, im.Constants, im.ConstantData); err != nil {
		return nil, err
	}

	debugf("linker: stage (h) entrypoint resolution")
	entry := resolveEntrypoint(im)

	return assemble(im, desc, entry), nil
}

func assemble(im *ir.Intermediate, desc *runtimehost.Descriptor, entry ir.MethodIndex) *assembly.Assembly {
	asm := &assembly.Assembly{
		Version:      im.Version,
		RuntimeHash:  desc.RuntimeHash,
		Idents:       im.Idents,
		Files:        im.Files,
		Metadata:     im.Metadata,
		Types:        im.Types,
		Globals:      im.Globals,
		GlobalData:   im.GlobalData,
		Constants:    im.Constants,
		ConstantData: im.ConstantData,
		Entrypoint:   entry,
	}
	asm.Methods = make([]*assembly.Method, len(im.Methods))
	for i, m := range im.Methods {
		asm.Methods[i] = &assembly.Method{
			Name:              m.Name,
			Signature:         m.Signature,
			StackVars:         m.StackVars,
			Bytecode:          m.Bytecode,
			Labels:            m.Labels,
			Metadata:          m.Metadata,
			MethodStackSize:   m.MethodStackSize,
			TotalStackSize:    m.TotalStackSize,
			Flags:             m.Flags,
			ExternalLibrary:   m.ExternalLibrary,
			ExternalCallIndex: m.ExternalCallIndex,
		}
	}
	return asm
}
