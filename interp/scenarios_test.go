package interp_test

// Constructive end-to-end scenarios, each built directly via the
// Generator/Linker/Interp pipeline rather than a textual program (no
// parser is part of this core). Positive cases check the documented
// exit code; negative cases check the documented link-time rejection.

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aggrobird/propane/bytecode"
	"github.com/aggrobird/propane/generator"
	"github.com/aggrobird/propane/ident"
	"github.com/aggrobird/propane/linker"
	"github.com/aggrobird/propane/perr"
	"github.com/aggrobird/propane/types"
)

// S1: main: retv 41 + 1 -> exit code 42.
func TestScenarioS1Arithmetic(t *testing.T) {
	im := buildMain(t, func(g *generator.Generator, mw *generator.MethodWriter) {
		slots, err := mw.Push([]types.Index{types.I32})
		require.NoError(t, err)
		dst := mw.StackAddr(slots[0], bytecode.ModNone, bytecode.PrefixNone, 0)
		mw.WriteSet(dst, mw.ConstantAddr(types.KindI32, 41, bytecode.PrefixNone))
		mw.WriteAriAdd(dst, mw.ConstantAddr(types.KindI32, 1, bytecode.PrefixNone))
		mw.WriteRetv(dst)
	})
	code, err := linkAndRun(t, im, plainDescriptor(), defaultConfig())
	require.NoError(t, err)
	require.EqualValues(t, 42, code)
}

// S2: struct P{i32 x, i32 y}; push a P, set .x=3 .y=4, return sizeof(P) ->
// exit code 8 (two 4-byte i32 fields).
func TestScenarioS2StructSizeOf(t *testing.T) {
	g := generator.New(testVersion(), 8, nil)
	pName, err := g.MakeIdentifier("P")
	require.NoError(t, err)
	pIdx, err := g.DeclareType(pName)
	require.NoError(t, err)
	tw, err := g.DefineType(pIdx, false)
	require.NoError(t, err)
	xName, err := g.MakeIdentifier("x")
	require.NoError(t, err)
	yName, err := g.MakeIdentifier("y")
	require.NoError(t, err)
	require.NoError(t, tw.AddField(xName, types.I32))
	require.NoError(t, tw.AddField(yName, types.I32))
	offX, err := g.MakeOffset(pIdx, []ident.Name{xName})
	require.NoError(t, err)
	offY, err := g.MakeOffset(pIdx, []ident.Name{yName})
	require.NoError(t, err)

	mainName, err := g.MakeIdentifier("main")
	require.NoError(t, err)
	mainIdx := g.DeclareMethod(mainName)
	sig, err := g.MakeSignature(types.I32, nil)
	require.NoError(t, err)
	mw, err := g.DefineMethod(mainIdx, sig)
	require.NoError(t, err)
	slots, err := mw.Push([]types.Index{pIdx})
	require.NoError(t, err)
	slot := slots[0]
	xAddr := mw.StackAddr(slot, bytecode.ModDirectField, bytecode.PrefixNone, mw.FieldPayload(offX))
	yAddr := mw.StackAddr(slot, bytecode.ModDirectField, bytecode.PrefixNone, mw.FieldPayload(offY))
	mw.WriteSet(xAddr, mw.ConstantAddr(types.KindI32, 3, bytecode.PrefixNone))
	mw.WriteSet(yAddr, mw.ConstantAddr(types.KindI32, 4, bytecode.PrefixNone))
	sizeofAddr := mw.StackAddr(slot, bytecode.ModNone, bytecode.PrefixSizeOf, 0)
	mw.WriteRetv(sizeofAddr)
	require.NoError(t, mw.Finalize())

	code, err := linkAndRun(t, g.Intermediate(), plainDescriptor(), defaultConfig())
	require.NoError(t, err)
	require.EqualValues(t, 8, code)
}

// S2 rejection: passing a struct-typed argument where a scalar i32
// parameter is declared has no defined implicit conversion and must be
// rejected at link time (spec §8 "S2 with a mismatched field type must
// fail invalid_implicit_conversion").
func TestScenarioS2RejectsMismatchedArgument(t *testing.T) {
	g := generator.New(testVersion(), 8, nil)
	pName, err := g.MakeIdentifier("P")
	require.NoError(t, err)
	pIdx, err := g.DeclareType(pName)
	require.NoError(t, err)
	tw, err := g.DefineType(pIdx, false)
	require.NoError(t, err)
	xName, err := g.MakeIdentifier("x")
	require.NoError(t, err)
	require.NoError(t, tw.AddField(xName, types.I32))

	takeName, err := g.MakeIdentifier("take")
	require.NoError(t, err)
	takeIdx := g.DeclareMethod(takeName)
	takeSig, err := g.MakeSignature(types.I32, []types.Index{types.I32})
	require.NoError(t, err)
	takeWriter, err := g.DefineMethod(takeIdx, takeSig)
	require.NoError(t, err)
	takeWriter.WriteRetv(takeWriter.ParamAddr(0, bytecode.ModNone, bytecode.PrefixNone, 0))
	require.NoError(t, takeWriter.Finalize())

	mainName, err := g.MakeIdentifier("main")
	require.NoError(t, err)
	mainIdx := g.DeclareMethod(mainName)
	mainSig, err := g.MakeSignature(types.I32, nil)
	require.NoError(t, err)
	mw, err := g.DefineMethod(mainIdx, mainSig)
	require.NoError(t, err)
	slots, err := mw.Push([]types.Index{pIdx})
	require.NoError(t, err)
	pAddr := mw.StackAddr(slots[0], bytecode.ModNone, bytecode.PrefixNone, 0)
	mw.WriteCall(takeIdx, []bytecode.Address{pAddr})
	mw.WriteRetv(mw.ReturnAddr())
	require.NoError(t, mw.Finalize())

	_, err = linker.Link(g.Intermediate(), plainDescriptor(), nil)
	require.Error(t, err, "expected LNK_IMPLICIT_CONVERSION_MISMATCH for a struct argument to an i32 parameter")
	var perrErr *perr.Error
	require.True(t, errors.As(err, &perrErr))
	require.Equal(t, perr.LNKImplicitConversionMismatch, perrErr.Code)
}

// S3: main pushes i32[3]={10,20,30}, returns a[2] -> exit code 30.
func TestScenarioS3ArrayIndex(t *testing.T) {
	im := buildMain(t, func(g *generator.Generator, mw *generator.MethodWriter) {
		arrIdx, err := g.DeclareArrayType(types.I32, 3)
		require.NoError(t, err)
		slots, err := mw.Push([]types.Index{arrIdx})
		require.NoError(t, err)
		slot := slots[0]
		elem := func(byteOffset int32) bytecode.Address {
			return mw.StackAddr(slot, bytecode.ModOffset, bytecode.PrefixNone, byteOffset)
		}
		mw.WriteSet(elem(0), mw.ConstantAddr(types.KindI32, 10, bytecode.PrefixNone))
		mw.WriteSet(elem(4), mw.ConstantAddr(types.KindI32, 20, bytecode.PrefixNone))
		mw.WriteSet(elem(8), mw.ConstantAddr(types.KindI32, 30, bytecode.PrefixNone))
		mw.WriteRetv(elem(8))
	})
	code, err := linkAndRun(t, im, plainDescriptor(), defaultConfig())
	require.NoError(t, err)
	require.EqualValues(t, 30, code)
}

// S3 rejection: indexing a 3-element array at index 3 (byte offset 12,
// one past the last valid offset 8) has no valid element and must be
// rejected at link time (spec §8 "S3 with index 3 must fail
// array_index_out_of_range").
func TestScenarioS3RejectsOutOfRangeIndex(t *testing.T) {
	g := generator.New(testVersion(), 8, nil)
	mainName, err := g.MakeIdentifier("main")
	require.NoError(t, err)
	mainIdx := g.DeclareMethod(mainName)
	sig, err := g.MakeSignature(types.I32, nil)
	require.NoError(t, err)
	mw, err := g.DefineMethod(mainIdx, sig)
	require.NoError(t, err)
	arrIdx, err := g.DeclareArrayType(types.I32, 3)
	require.NoError(t, err)
	slots, err := mw.Push([]types.Index{arrIdx})
	require.NoError(t, err)
	outOfRange := mw.StackAddr(slots[0], bytecode.ModOffset, bytecode.PrefixNone, 12)
	mw.WriteRetv(outOfRange)
	require.NoError(t, mw.Finalize())

	_, err = linker.Link(g.Intermediate(), plainDescriptor(), nil)
	require.Error(t, err, "expected LNK_ARRAY_INDEX_OUT_OF_RANGE for offset 12 into a 3-element i32 array")
	var perrErr *perr.Error
	require.True(t, errors.As(err, &perrErr))
	require.Equal(t, perr.LNKArrayIndexOutOfRange, perrErr.Code)
}

// S4: add(a, b i32) i32 { return a + b }; main returns add(20, 22) -> 42.
func TestScenarioS4Call(t *testing.T) {
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
	mw, err := g.DefineMethod(mainIdx, mainSig)
	require.NoError(t, err)
	mw.WriteCall(addIdx, []bytecode.Address{
		mw.ConstantAddr(types.KindI32, 20, bytecode.PrefixNone),
		mw.ConstantAddr(types.KindI32, 22, bytecode.PrefixNone),
	})
	mw.WriteRetv(mw.ReturnAddr())
	require.NoError(t, mw.Finalize())

	code, err := linkAndRun(t, g.Intermediate(), plainDescriptor(), defaultConfig())
	require.NoError(t, err)
	require.EqualValues(t, 42, code)
}

// S5: a global constant method pointer fp = add; main returns
// callv fp(19, 23) -> exit code 42.
func TestScenarioS5MethodPointerCall(t *testing.T) {
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

	fpName, err := g.MakeIdentifier("fp")
	require.NoError(t, err)
	fpRef := g.DeclareMethodPointerConstant(fpName, addIdx)

	mainName, err := g.MakeIdentifier("main")
	require.NoError(t, err)
	mainIdx := g.DeclareMethod(mainName)
	mainSig, err := g.MakeSignature(types.I32, nil)
	require.NoError(t, err)
	mw, err := g.DefineMethod(mainIdx, mainSig)
	require.NoError(t, err)
	fpAddr := mw.GlobalAddr(fpRef, bytecode.ModNone, bytecode.PrefixNone, 0)
	mw.WriteCallv(fpAddr, []bytecode.Address{
		mw.ConstantAddr(types.KindI32, 19, bytecode.PrefixNone),
		mw.ConstantAddr(types.KindI32, 23, bytecode.PrefixNone),
	})
	mw.WriteRetv(mw.ReturnAddr())
	require.NoError(t, mw.Finalize())

	code, err := linkAndRun(t, g.Intermediate(), plainDescriptor(), defaultConfig())
	require.NoError(t, err)
	require.EqualValues(t, 42, code)
}

// S5 rejection: callv through a plain i32 global (not a signature-typed
// value) must fail at link time (spec §8 "S5 with a non-signature type
// must fail non_signature_type_invoke").
func TestScenarioS5RejectsNonSignatureInvoke(t *testing.T) {
	g := generator.New(testVersion(), 8, nil)
	notFnName, err := g.MakeIdentifier("notFn")
	require.NoError(t, err)
	notFnRef := g.DeclareGlobal(notFnName, types.I32)

	mainName, err := g.MakeIdentifier("main")
	require.NoError(t, err)
	mainIdx := g.DeclareMethod(mainName)
	mainSig, err := g.MakeSignature(types.I32, nil)
	require.NoError(t, err)
	mw, err := g.DefineMethod(mainIdx, mainSig)
	require.NoError(t, err)
	badAddr := mw.GlobalAddr(notFnRef, bytecode.ModNone, bytecode.PrefixNone, 0)
	mw.WriteCallv(badAddr, nil)
	mw.WriteRetv(mw.ReturnAddr())
	require.NoError(t, mw.Finalize())

	_, err = linker.Link(g.Intermediate(), plainDescriptor(), nil)
	require.Error(t, err, "expected LNK_NON_SIGNATURE_INVOKE for callv through a plain i32 global")
	var perrErr *perr.Error
	require.True(t, errors.As(err, &perrErr))
	require.Equal(t, perr.LNKNonSignatureInvoke, perrErr.Code)
}

// S6: sw with labels [L0,L1,L2] on index 1 routes to retv 7.
func TestScenarioS6Switch(t *testing.T) {
	im := buildMain(t, func(g *generator.Generator, mw *generator.MethodWriter) {
		l0 := mw.DeclareLabel()
		l1 := mw.DeclareLabel()
		l2 := mw.DeclareLabel()
		mw.WriteSwitch(mw.ConstantAddr(types.KindI32, 1, bytecode.PrefixNone), []int32{l0, l1, l2})
		mw.WriteRetv(mw.ConstantAddr(types.KindI32, 99, bytecode.PrefixNone)) // fallthrough, unreached
		require.NoError(t, mw.WriteLabel(l0))
		mw.WriteRetv(mw.ConstantAddr(types.KindI32, 1, bytecode.PrefixNone))
		require.NoError(t, mw.WriteLabel(l1))
		mw.WriteRetv(mw.ConstantAddr(types.KindI32, 7, bytecode.PrefixNone))
		require.NoError(t, mw.WriteLabel(l2))
		mw.WriteRetv(mw.ConstantAddr(types.KindI32, 2, bytecode.PrefixNone))
	})
	code, err := linkAndRun(t, im, plainDescriptor(), defaultConfig())
	require.NoError(t, err)
	require.EqualValues(t, 7, code)
}
