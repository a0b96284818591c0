package assembly_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aggrobird/propane/assembly"
	"github.com/aggrobird/propane/bytecode"
	"github.com/aggrobird/propane/generator"
	"github.com/aggrobird/propane/ir"
	"github.com/aggrobird/propane/linker"
	"github.com/aggrobird/propane/runtimehost"
	"github.com/aggrobird/propane/types"
	"github.com/aggrobird/propane/wire"
)

func buildLinkedMain(t *testing.T) *assembly.Assembly {
	t.Helper()
	g := generator.New(wire.Version{Major: 1, Minor: 0, Endian: wire.LittleEndian, Arch: wire.Arch64}, 8, nil)
	name, err := g.MakeIdentifier("main")
	require.NoError(t, err)
	idx := g.DeclareMethod(name)
	sig, err := g.MakeSignature(types.I32, nil)
	require.NoError(t, err)
	mw, err := g.DefineMethod(idx, sig)
	require.NoError(t, err)
	mw.WriteRetv(mw.ConstantAddr(types.KindI32, 11, bytecode.PrefixNone))
	require.NoError(t, mw.Finalize())

	desc := runtimehost.NewDescriptor(0, nil, nil, runtimehost.NewDefaultHost())
	asm, err := linker.Link(g.Intermediate(), desc, nil)
	require.NoError(t, err)
	return asm
}

func TestAssemblySerializeRoundTrip(t *testing.T) {
	asm := buildLinkedMain(t)
	data, err := asm.Serialize()
	require.NoError(t, err)

	got, err := assembly.Deserialize(data)
	require.NoError(t, err)
	require.Equal(t, asm.RuntimeHash, got.RuntimeHash)
	require.Equal(t, asm.Entrypoint, got.Entrypoint)
	require.NotEqual(t, ir.InvalidMethod, got.Entrypoint)
	require.Equal(t, len(asm.Methods), len(got.Methods))

	gotMain := got.Method(got.Entrypoint)
	wantMain := asm.Method(asm.Entrypoint)
	require.Equal(t, string(wantMain.Bytecode), string(gotMain.Bytecode), "round-tripped entrypoint bytecode mismatch")
	require.Equal(t, "main", got.Idents.String(gotMain.Name))
}

func TestDeserializeRejectsWrongMagic(t *testing.T) {
	_, err := assembly.Deserialize([]byte("PINT12345678garbageEND"))
	require.Error(t, err, "expected magic-mismatch error for a PINT payload")
}
