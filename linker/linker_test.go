package linker_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aggrobird/propane/bytecode"
	"github.com/aggrobird/propane/generator"
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

// TestLinkProducesValidAssembly links a minimal module and checks the
// resulting Assembly carries a resolved entrypoint (spec §4.4 stage (h)).
func TestLinkProducesValidAssembly(t *testing.T) {
	g := generator.New(testVersion(), 8, nil)
	name, err := g.MakeIdentifier("main")
	require.NoError(t, err)
	idx := g.DeclareMethod(name)
	sig, err := g.MakeSignature(types.I32, nil)
	require.NoError(t, err)
	mw, err := g.DefineMethod(idx, sig)
	require.NoError(t, err)
	mw.WriteRetv(mw.ConstantAddr(types.KindI32, 4, bytecode.PrefixNone))
	require.NoError(t, mw.Finalize())

	asm, err := linker.Link(g.Intermediate(), plainDescriptor(), nil)
	require.NoError(t, err)
	require.NotEqual(t, ir.InvalidMethod, asm.Entrypoint, "expected a resolved entrypoint")
}

// TestLinkRejectsUndefinedExternal exercises resolveExternals (linker
// stage (a)): an external method with no matching library/call in the
// runtime descriptor must fail with LNK_UNDEFINED_METHOD.
func TestLinkRejectsUndefinedExternal(t *testing.T) {
	g := generator.New(testVersion(), 8, nil)
	name, err := g.MakeIdentifier("missing")
	require.NoError(t, err)
	idx := g.DeclareMethod(name)
	sig, err := g.MakeSignature(types.I32, []types.Index{types.I32})
	require.NoError(t, err)
	require.NoError(t, g.DeclareExternalMethod(idx, sig, "nolib"))

	mainName, err := g.MakeIdentifier("main")
	require.NoError(t, err)
	mainIdx := g.DeclareMethod(mainName)
	mainSig, err := g.MakeSignature(types.I32, nil)
	require.NoError(t, err)
	mw, err := g.DefineMethod(mainIdx, mainSig)
	require.NoError(t, err)
	mw.WriteCall(idx, []bytecode.Address{mw.ConstantAddr(types.KindI32, 1, bytecode.PrefixNone)})
	mw.WriteRetv(mw.ReturnAddr())
	require.NoError(t, mw.Finalize())

	_, err = linker.Link(g.Intermediate(), plainDescriptor(), nil)
	require.Error(t, err, "expected LNK_UNDEFINED_METHOD error for an unresolvable external")
	var perrErr *perr.Error
	require.True(t, errors.As(err, &perrErr))
	require.Equal(t, perr.LNKUndefinedMethod, perrErr.Code)
}

// TestLinkRejectsArithmeticTypeMismatch exercises linker stage (e)'s
// translateBinarySub: a bitwise op between a float and an integer operand
// has no defined subcode in optable and must fail link-time re-encoding
// with LNK_INVALID_ARITHMETIC_EXPRESSION.
func TestLinkRejectsArithmeticTypeMismatch(t *testing.T) {
	g := generator.New(testVersion(), 8, nil)
	name, err := g.MakeIdentifier("main")
	require.NoError(t, err)
	idx := g.DeclareMethod(name)
	sig, err := g.MakeSignature(types.I32, nil)
	require.NoError(t, err)
	mw, err := g.DefineMethod(idx, sig)
	require.NoError(t, err)
	slots, err := mw.Push([]types.Index{types.F32})
	require.NoError(t, err)
	dst := mw.StackAddr(slots[0], bytecode.ModNone, bytecode.PrefixNone, 0)
	mw.WriteSet(dst, mw.ConstantAddr(types.KindF32, 0, bytecode.PrefixNone))
	// AriAnd is bitwise-only; a float operand has no subcode in optable.
	mw.WriteAriAnd(dst, mw.ConstantAddr(types.KindI32, 1, bytecode.PrefixNone))
	mw.WriteRetv(mw.ConstantAddr(types.KindI32, 0, bytecode.PrefixNone))
	require.NoError(t, mw.Finalize())

	_, err = linker.Link(g.Intermediate(), plainDescriptor(), nil)
	require.Error(t, err, "expected LNK_INVALID_ARITHMETIC_EXPRESSION for and(f32, i32)")
	var perrErr *perr.Error
	require.True(t, errors.As(err, &perrErr))
	require.Equal(t, perr.LNKInvalidArithmeticExpression, perrErr.Code)
}

// TestLinkRejectsRecursiveType exercises stage (b)'s type resolution: a
// struct that contains itself by value has no finite size and must be
// rejected with LNK_RECURSIVE_TYPE.
func TestLinkRejectsRecursiveType(t *testing.T) {
	g := generator.New(testVersion(), 8, nil)
	sName, err := g.MakeIdentifier("Self")
	require.NoError(t, err)
	sIdx, err := g.DeclareType(sName)
	require.NoError(t, err)
	tw, err := g.DefineType(sIdx, false)
	require.NoError(t, err)
	fName, err := g.MakeIdentifier("next")
	require.NoError(t, err)
	require.NoError(t, tw.AddField(fName, sIdx))

	mainName, err := g.MakeIdentifier("main")
	require.NoError(t, err)
	mainIdx := g.DeclareMethod(mainName)
	sig, err := g.MakeSignature(types.Void, nil)
	require.NoError(t, err)
	mw, err := g.DefineMethod(mainIdx, sig)
	require.NoError(t, err)
	mw.WriteRet()
	require.NoError(t, mw.Finalize())

	_, err = linker.Link(g.Intermediate(), plainDescriptor(), nil)
	require.Error(t, err, "expected LNK_RECURSIVE_TYPE for a self-containing struct")
	var perrErr *perr.Error
	require.True(t, errors.As(err, &perrErr))
	require.Equal(t, perr.LNKRecursiveType, perrErr.Code)
}
