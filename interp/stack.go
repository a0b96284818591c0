package interp

import (
	"context"

	"github.com/aggrobird/propane/assembly"
	"github.com/aggrobird/propane/ir"
	"github.com/aggrobird/propane/perr"
	"github.com/aggrobird/propane/runtimehost"
	"github.com/aggrobird/propane/types"
)

// frame is one activation record. Control information (return address,
// the caller's own frame coordinates) lives in this Go-side slice rather
// than embedded in the byte stack itself — a Go-native simplification of
// the original implementation's manually-laid-out stack_frame_t blob;
// value data (parameters, stack variables, return-value scratch) still
// lives in the single contiguous byte stack spec §4.6 describes, and the
// two invariants it names (LIFO frames, frame balance) hold identically
// either way (spec §8 property 5).
type frame struct {
	method ir.MethodIndex
	iptr   int // next instruction to execute, offset into m.code

	base int // this frame's value-data base offset into m.stack

	scratchValid bool
	scratchKind  types.Kind
}

func (m *Machine) meta(idx ir.MethodIndex) *methodMeta { return &m.methodMeta[idx] }

func (fr *frame) paramOffset(meta *methodMeta, slot int32) int { return fr.base + meta.paramOffsets[slot] }
func (fr *frame) stackVarOffset(meta *methodMeta, slot int32) int {
	return fr.base + meta.stackVarOffsets[slot]
}
func (fr *frame) scratchOffset(method *assembly.Method) int { return fr.base + method.MethodStackSize }

// call pushes a new frame for target and interprets it to completion,
// returning the i32 exit code only when target is the outermost call
// made by Run (every other caller discards it; the callee's actual
// result, if any, is written into the *caller's* scratch by retv before
// this returns, spec §4.6 "retv first writes the value into the caller's
// return scratch").
func (m *Machine) call(ctx context.Context, target ir.MethodIndex, args []byte) (int32, error) {
	asmMethod := m.asm.Method(target)
	if asmMethod.IsExternal() {
		return 0, m.callExternal(target, args)
	}

	if m.depth >= m.cfg.MaxCallstackDepth {
		return 0, perr.New(perr.RTMCallstackLimit, perr.SourceLoc{}, "callstack depth exceeds %d", m.cfg.MaxCallstackDepth)
	}
	meta := m.meta(target)
	if m.sp+meta.frameSize > len(m.stack) {
		return 0, perr.New(perr.RTMStackOverflow, perr.SourceLoc{}, "stack overflow calling %q",
			m.asm.Idents.String(asmMethod.Name))
	}

	fr := frame{method: target, iptr: m.codeOffset[target], base: m.sp}
	if len(args) > 0 {
		copy(m.stack[fr.base:], args)
	}
	m.sp += meta.frameSize
	m.depth++
	m.frames = append(m.frames, fr)

	exitCode, err := m.exec(ctx)

	m.frames = m.frames[:len(m.frames)-1]
	m.sp = fr.base
	m.depth--
	return exitCode, err
}

func (m *Machine) callExternal(target ir.MethodIndex, args []byte) error {
	asmMethod := m.asm.Method(target)
	lib, ok := findLibrary(m.desc, asmMethod.ExternalLibrary)
	if !ok {
		return perr.New(perr.RTMExternalUnavailable, perr.SourceLoc{},
			"external library %q not found", asmMethod.ExternalLibrary)
	}
	trampoline, err := m.desc.Resolve(lib, asmMethod.ExternalCallIndex)
	if err != nil {
		return err
	}
	call := m.desc.Libraries[lib].Calls[asmMethod.ExternalCallIndex]
	ret := make([]byte, call.Return.Size)
	trampoline(ret, args)
	if len(m.frames) > 0 && len(ret) > 0 {
		cur := &m.frames[len(m.frames)-1]
		curMethod := m.asm.Method(cur.method)
		copy(m.stack[cur.scratchOffset(curMethod):], ret)
		// The descriptor only tells us the return value's byte width, not
		// its signedness or float-ness; an unsigned kind of the matching
		// width reproduces the bytes exactly for any same-width
		// reinterpretation the caller's next `set`/`conv` performs.
		cur.scratchKind = kindForSize(len(ret))
		cur.scratchValid = true
	}
	return nil
}

func findLibrary(desc *runtimehost.Descriptor, path string) (int, bool) {
	for i, lib := range desc.Libraries {
		if lib.Path == path {
			return i, true
		}
	}
	return 0, false
}
