// Package interp implements Propane's evaluator: a stack-frame manager,
// operand decoder, and per-opcode dispatcher that executes a linked
// assembly (spec §2 component I, §4.6). It is the only component that
// touches the runtime descriptor's host abstraction at execution time.
package interp

import (
	"context"
	"io"

	"github.com/aggrobird/propane/assembly"
	"github.com/aggrobird/propane/ir"
	"github.com/aggrobird/propane/perr"
	"github.com/aggrobird/propane/runtimehost"
)

// Config is the small record spec §5 "Configuration" describes:
// {min_stack_size, max_stack_size, max_callstack_depth}. A zero Config is
// invalid; New fills documented defaults only for Dump (io.Discard).
type Config struct {
	MinStackSize      int
	MaxStackSize      int
	MaxCallstackDepth int

	// Dump receives dump's type-tagged textual output (spec §9
	// supplemented feature, grounded on original_source's interpreter.cpp
	// dump()). Defaults to io.Discard.
	Dump io.Writer
}

// Machine is one interpreter invocation against one linked Assembly. Its
// stack is exclusively owned (spec §5 "Shared state"); the Assembly and
// Descriptor it was built from are read-only and may be shared by many
// Machines.
type Machine struct {
	asm  *assembly.Assembly
	desc *runtimehost.Descriptor
	cfg  Config
	host runtimehost.Host

	code        []byte // host-protected, read-only instruction memory
	codeOffset  []int  // per method index, -1 for external methods
	methodMeta  []methodMeta

	// globalData is a private mutable copy of the assembly's global
	// segment (spec §5 "the stack is exclusively owned" — globals need
	// the same per-Machine isolation, since the linked Assembly itself is
	// shared read-only across Machines). constantData never changes at
	// runtime, so it is referenced directly.
	globalData   []byte
	constantData []byte

	stack []byte
	sp    int // next free byte in stack
	depth int // current non-external callstack depth

	frames []frame
}

type methodMeta struct {
	paramOffsets    []int
	stackVarOffsets []int
	frameSize       int
}

// New builds a Machine ready to Run asm's entrypoint. It validates the
// runtime hash (spec §4.7 "a linked assembly carries the hash it was
// built against; a mismatch at load time means the runtime has drifted"),
// allocates and protects the instruction memory, and sizes the value
// stack to the largest power of two in [cfg.MinStackSize,
// cfg.MaxStackSize] the host allocator accepts.
func New(asm *assembly.Assembly, desc *runtimehost.Descriptor, host runtimehost.Host, cfg Config) (*Machine, error) {
	if asm.RuntimeHash != desc.RuntimeHash {
		return nil, perr.New(perr.RTMRuntimeHashMismatch, perr.SourceLoc{},
			"assembly runtime hash %x does not match descriptor hash %x", asm.RuntimeHash, desc.RuntimeHash)
	}
	if host == nil {
		host = runtimehost.NewDefaultHost()
	}
	if cfg.Dump == nil {
		cfg.Dump = io.Discard
	}

	code, offsets := buildCodeRegion(asm)
	protected, err := host.Protect(code)
	if err != nil {
		return nil, perr.Wrap(perr.RTMStackAllocationFailed, perr.SourceLoc{}, err, "protecting instruction memory")
	}

	stackSize, err := chooseStackSize(cfg.MinStackSize, cfg.MaxStackSize)
	if err != nil {
		return nil, err
	}
	stack, err := host.Allocate(stackSize)
	for err != nil && stackSize/2 >= cfg.MinStackSize {
		stackSize /= 2
		stack, err = host.Allocate(stackSize)
	}
	if err != nil {
		return nil, perr.Wrap(perr.RTMStackAllocationFailed, perr.SourceLoc{}, err, "allocating execution stack")
	}

	m := &Machine{
		asm: asm, desc: desc, cfg: cfg, host: host,
		code: protected, codeOffset: offsets,
		methodMeta:   buildMethodMeta(asm),
		globalData:   append([]byte(nil), asm.GlobalData...),
		constantData: asm.ConstantData,
		stack:        stack,
		// Capacity fixed up front: call() never grows frames past this,
		// so a *frame taken mid-exec stays valid across nested pushes
		// (append never reallocates within capacity).
		frames: make([]frame, 0, cfg.MaxCallstackDepth+1),
	}
	return m, nil
}

// buildCodeRegion concatenates every defined method's bytecode into one
// contiguous buffer (spec §4.6 "code protection": the interpreter reads
// bytecode only through a single host-protected region, never through the
// per-method slices the Assembly itself holds).
func buildCodeRegion(asm *assembly.Assembly) ([]byte, []int) {
	offsets := make([]int, len(asm.Methods))
	var buf []byte
	for i, m := range asm.Methods {
		if m.IsExternal() {
			offsets[i] = -1
			continue
		}
		offsets[i] = len(buf)
		buf = append(buf, m.Bytecode...)
	}
	return buf, offsets
}

func buildMethodMeta(asm *assembly.Assembly) []methodMeta {
	metas := make([]methodMeta, len(asm.Methods))
	for i, m := range asm.Methods {
		if m.IsExternal() {
			continue
		}
		sig := asm.Types.Signature(m.Signature)
		offs := make([]int, len(m.StackVars))
		off := sig.ParametersSize
		for j, ty := range m.StackVars {
			offs[j] = off
			off += asm.Types.Get(ty).Size
		}
		metas[i] = methodMeta{paramOffsets: sig.Offsets, stackVarOffsets: offs, frameSize: m.TotalStackSize}
	}
	return metas
}

// chooseStackSize picks the largest power of two <= max that is also >=
// min; New halves it while the host allocator refuses and the result stays
// >= min.
func chooseStackSize(min, max int) (int, error) {
	if min <= 0 || max <= 0 || min > max {
		return 0, perr.New(perr.RTMStackAllocationFailed, perr.SourceLoc{},
			"invalid stack size range [%d, %d]", min, max)
	}
	size := 1
	for size*2 <= max {
		size *= 2
	}
	if size < min {
		return 0, perr.New(perr.RTMStackAllocationFailed, perr.SourceLoc{},
			"no power-of-two stack size fits [%d, %d]", min, max)
	}
	return size, nil
}

// Run executes the assembly's entrypoint to completion, returning its i32
// exit code. ctx is checked before every instruction: the hook a caller
// uses to abandon a run, not a scheduling point (spec §5 "Cancellation").
func (m *Machine) Run(ctx context.Context) (int32, error) {
	if m.asm.Entrypoint == ir.InvalidMethod {
		return 0, perr.New(perr.RTMEntrypointNotFound, perr.SourceLoc{}, "assembly has no entrypoint")
	}
	return m.call(ctx, m.asm.Entrypoint, nil)
}
