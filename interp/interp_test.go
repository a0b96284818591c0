package interp_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aggrobird/propane/bytecode"
	"github.com/aggrobird/propane/generator"
	"github.com/aggrobird/propane/interp"
	"github.com/aggrobird/propane/ir"
	"github.com/aggrobird/propane/linker"
	"github.com/aggrobird/propane/perr"
	"github.com/aggrobird/propane/runtimehost"
	"github.com/aggrobird/propane/types"
	"github.com/aggrobird/propane/wire"
)

func testVersion() wire.Version {
	return wire.Version{Major: 1, Minor: 0, Endian: wire.LittleEndian, Arch: wire.Arch64}
}

func plainDescriptor() *runtimehost.Descriptor {
	return runtimehost.NewDescriptor(0, nil, nil, runtimehost.NewDefaultHost())
}

func defaultConfig() interp.Config {
	return interp.Config{MinStackSize: 4096, MaxStackSize: 1 << 16, MaxCallstackDepth: 64}
}

// buildMain builds a single-method module declaring `main() -> i32` and
// hands the caller's build func a MethodWriter to emit its body; body must
// end on retv per Finalize's own check.
func buildMain(t *testing.T, build func(g *generator.Generator, mw *generator.MethodWriter)) *ir.Intermediate {
	t.Helper()
	g := generator.New(testVersion(), 8, nil)
	name, err := g.MakeIdentifier("main")
	require.NoError(t, err)
	idx := g.DeclareMethod(name)
	sig, err := g.MakeSignature(types.I32, nil)
	require.NoError(t, err)
	mw, err := g.DefineMethod(idx, sig)
	require.NoError(t, err)
	build(g, mw)
	require.NoError(t, mw.Finalize())
	return g.Intermediate()
}

func linkAndRun(t *testing.T, im *ir.Intermediate, desc *runtimehost.Descriptor, cfg interp.Config) (int32, error) {
	t.Helper()
	asm, err := linker.Link(im, desc, nil)
	require.NoError(t, err)
	m, err := interp.New(asm, desc, nil, cfg)
	require.NoError(t, err)
	return m.Run(context.Background())
}

// TestArithmeticEntrypoint builds main() i32 { sv0 = 2; sv0 += 3; return sv0; }
// and checks the add writes back into the same stack-var slot in place.
func TestArithmeticEntrypoint(t *testing.T) {
	im := buildMain(t, func(g *generator.Generator, mw *generator.MethodWriter) {
		slots, err := mw.Push([]types.Index{types.I32})
		require.NoError(t, err)
		dst := mw.StackAddr(slots[0], bytecode.ModNone, bytecode.PrefixNone, 0)
		mw.WriteSet(dst, mw.ConstantAddr(types.KindI32, 2, bytecode.PrefixNone))
		mw.WriteAriAdd(dst, mw.ConstantAddr(types.KindI32, 3, bytecode.PrefixNone))
		mw.WriteRetv(dst)
	})

	code, err := linkAndRun(t, im, plainDescriptor(), defaultConfig())
	require.NoError(t, err)
	require.EqualValues(t, 5, code)
}

// TestCallWithParams builds add(a, b i32) i32 { return a + b; } and a main
// that calls it, exercising Call's argument tail and parameter addressing.
func TestCallWithParams(t *testing.T) {
	g := generator.New(testVersion(), 8, nil)

	addName, err := g.MakeIdentifier("add")
	require.NoError(t, err)
	addIdx := g.DeclareMethod(addName)
	addSig, err := g.MakeSignature(types.I32, []types.Index{types.I32, types.I32})
	require.NoError(t, err)
	addWriter, err := g.DefineMethod(addIdx, addSig)
	require.NoError(t, err)
	a := addWriter.ParamAddr(0, bytecode.ModNone, bytecode.PrefixNone, 0)
	b := addWriter.ParamAddr(1, bytecode.ModNone, bytecode.PrefixNone, 0)
	addWriter.WriteAriAdd(a, b)
	addWriter.WriteRetv(a)
	require.NoError(t, addWriter.Finalize())

	mainName, err := g.MakeIdentifier("main")
	require.NoError(t, err)
	mainIdx := g.DeclareMethod(mainName)
	mainSig, err := g.MakeSignature(types.I32, nil)
	require.NoError(t, err)
	mainWriter, err := g.DefineMethod(mainIdx, mainSig)
	require.NoError(t, err)
	slots, err := mainWriter.Push([]types.Index{types.I32})
	require.NoError(t, err)
	ret := mainWriter.StackAddr(slots[0], bytecode.ModNone, bytecode.PrefixNone, 0)
	mainWriter.WriteCall(addIdx, []bytecode.Address{
		mainWriter.ConstantAddr(types.KindI32, 7, bytecode.PrefixNone),
		mainWriter.ConstantAddr(types.KindI32, 9, bytecode.PrefixNone),
	})
	mainWriter.WriteSet(ret, mainWriter.ReturnAddr())
	mainWriter.WriteRetv(ret)
	require.NoError(t, mainWriter.Finalize())

	code, err := linkAndRun(t, g.Intermediate(), plainDescriptor(), defaultConfig())
	require.NoError(t, err)
	require.EqualValues(t, 16, code)
}

// TestExternalCall registers an in-process trampoline for an external
// method and checks the interpreter routes a call into it via
// Descriptor.Resolve, writing its return through the caller's scratch slot.
func TestExternalCall(t *testing.T) {
	g := generator.New(testVersion(), 8, nil)

	doubleName, err := g.MakeIdentifier("double")
	require.NoError(t, err)
	doubleIdx := g.DeclareMethod(doubleName)
	doubleSig, err := g.MakeSignature(types.I32, []types.Index{types.I32})
	require.NoError(t, err)
	require.NoError(t, g.DeclareExternalMethod(doubleIdx, doubleSig, "mathlib"))

	mainName, err := g.MakeIdentifier("main")
	require.NoError(t, err)
	mainIdx := g.DeclareMethod(mainName)
	mainSig, err := g.MakeSignature(types.I32, nil)
	require.NoError(t, err)
	mw, err := g.DefineMethod(mainIdx, mainSig)
	require.NoError(t, err)
	ret := mw.ReturnAddr()
	mw.WriteCall(doubleIdx, []bytecode.Address{mw.ConstantAddr(types.KindI32, 21, bytecode.PrefixNone)})
	mw.WriteRetv(ret)
	require.NoError(t, mw.Finalize())

	i32Ref := runtimehost.NativeTypeRef{Tag: uint8(types.KindI32), Size: 4}
	lib := runtimehost.ExternalLibrary{
		Path: "mathlib",
		Calls: []runtimehost.ExternalCall{{
			Name:       "double",
			Return:     i32Ref,
			Parameters: []runtimehost.NativeTypeRef{i32Ref},
			Trampoline: func(ret []byte, params []byte) {
				v := int32(params[0]) | int32(params[1])<<8 | int32(params[2])<<16 | int32(params[3])<<24
				v *= 2
				ret[0], ret[1], ret[2], ret[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
			},
		}},
	}
	desc := runtimehost.NewDescriptor(0, []runtimehost.ExternalLibrary{lib}, nil, nil)

	code, err := linkAndRun(t, g.Intermediate(), desc, defaultConfig())
	require.NoError(t, err)
	require.EqualValues(t, 42, code)
}

// TestMissingEntrypointRejected checks that a module with no main() i32
// links with its entrypoint set to ir.InvalidMethod, the value
// cmd/propanec's run subcommand rejects before building a Machine.
func TestMissingEntrypointRejected(t *testing.T) {
	g := generator.New(testVersion(), 8, nil)
	name, err := g.MakeIdentifier("helper")
	require.NoError(t, err)
	idx := g.DeclareMethod(name)
	sig, err := g.MakeSignature(types.Void, nil)
	require.NoError(t, err)
	mw, err := g.DefineMethod(idx, sig)
	require.NoError(t, err)
	mw.WriteRet()
	require.NoError(t, mw.Finalize())

	desc := plainDescriptor()
	asm, err := linker.Link(g.Intermediate(), desc, nil)
	require.NoError(t, err)
	require.Equal(t, ir.InvalidMethod, asm.Entrypoint)
}

// TestRuntimeHashMismatch checks interp.New rejects an assembly linked
// against one descriptor when constructed with a different one.
func TestRuntimeHashMismatch(t *testing.T) {
	im := buildMain(t, func(g *generator.Generator, mw *generator.MethodWriter) {
		mw.WriteRetv(mw.ConstantAddr(types.KindI32, 0, bytecode.PrefixNone))
	})

	linkDesc := plainDescriptor()
	asm, err := linker.Link(im, linkDesc, nil)
	require.NoError(t, err)

	runDesc := runtimehost.NewDescriptor(1, nil, nil, runtimehost.NewDefaultHost())
	_, err = interp.New(asm, runDesc, nil, defaultConfig())
	require.Error(t, err, "expected runtime hash mismatch")
	var perrErr *perr.Error
	require.True(t, errors.As(err, &perrErr))
	require.Equal(t, perr.RTMRuntimeHashMismatch, perrErr.Code)
}

// TestCallstackLimit checks a method that calls itself unconditionally
// trips RTM_CALLSTACK_LIMIT rather than exhausting the Go stack.
func TestCallstackLimit(t *testing.T) {
	g := generator.New(testVersion(), 8, nil)
	name, err := g.MakeIdentifier("recurse")
	require.NoError(t, err)
	idx := g.DeclareMethod(name)
	sig, err := g.MakeSignature(types.I32, nil)
	require.NoError(t, err)
	mw, err := g.DefineMethod(idx, sig)
	require.NoError(t, err)
	mw.WriteCall(idx, nil)
	mw.WriteRetv(mw.ReturnAddr())
	require.NoError(t, mw.Finalize())

	mainName, err := g.MakeIdentifier("main")
	require.NoError(t, err)
	mainIdx := g.DeclareMethod(mainName)
	mw2, err := g.DefineMethod(mainIdx, sig)
	require.NoError(t, err)
	mw2.WriteCall(idx, nil)
	mw2.WriteRetv(mw2.ReturnAddr())
	require.NoError(t, mw2.Finalize())

	cfg := defaultConfig()
	cfg.MaxCallstackDepth = 8
	_, err = linkAndRun(t, g.Intermediate(), plainDescriptor(), cfg)
	require.Error(t, err, "expected callstack limit error")
	var perrErr *perr.Error
	require.True(t, errors.As(err, &perrErr))
	require.Equal(t, perr.RTMCallstackLimit, perrErr.Code)
}
