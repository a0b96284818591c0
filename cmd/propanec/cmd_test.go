package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aggrobird/propane/bytecode"
	"github.com/aggrobird/propane/generator"
	"github.com/aggrobird/propane/types"
	"github.com/aggrobird/propane/wire"
)

// buildPint writes a tiny main() i32 { return 2 + 3; } program's PINT
// intermediate to dir/name, returning its path.
func buildPint(t *testing.T, dir, name string) string {
	t.Helper()
	g := generator.New(wire.Version{Major: 1, Minor: 0, Endian: wire.LittleEndian, Arch: wire.Arch64}, 8, nil)
	mainName, err := g.MakeIdentifier("main")
	require.NoError(t, err)
	idx := g.DeclareMethod(mainName)
	sig, err := g.MakeSignature(types.I32, nil)
	require.NoError(t, err)
	mw, err := g.DefineMethod(idx, sig)
	require.NoError(t, err)
	slots, err := mw.Push([]types.Index{types.I32})
	require.NoError(t, err)
	dst := mw.StackAddr(slots[0], bytecode.ModNone, bytecode.PrefixNone, 0)
	mw.WriteSet(dst, mw.ConstantAddr(types.KindI32, 2, bytecode.PrefixNone))
	mw.WriteAriAdd(dst, mw.ConstantAddr(types.KindI32, 3, bytecode.PrefixNone))
	mw.WriteRetv(dst)
	require.NoError(t, mw.Finalize())

	data, err := g.Intermediate().Serialize()
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestAssembleRunDump(t *testing.T) {
	dir := t.TempDir()
	pintPath := buildPint(t, dir, "prog.pint")
	pasmPath := filepath.Join(dir, "prog.pasm")

	require.NoError(t, runAssemble(pintPath, pasmPath, false))

	code, err := runRun(pasmPath, 4096, 1<<16, 64, false)
	require.NoError(t, err)
	require.EqualValues(t, 5, code)

	err = captureStdout(t, func() error { return runDump(pasmPath) }, func(out string) {
		require.Contains(t, out, "entrypoint: main")
		require.Contains(t, out, "retv")
	})
	require.NoError(t, err)

	err = captureStdout(t, func() error { return runDump(pintPath) }, func(out string) {
		require.Contains(t, out, "PINT")
	})
	require.NoError(t, err)
}

func TestRunRejectsMissingEntrypoint(t *testing.T) {
	dir := t.TempDir()
	g := generator.New(wire.Version{Major: 1, Minor: 0, Endian: wire.LittleEndian, Arch: wire.Arch64}, 8, nil)
	name, err := g.MakeIdentifier("helper")
	require.NoError(t, err)
	idx := g.DeclareMethod(name)
	sig, err := g.MakeSignature(types.Void, nil)
	require.NoError(t, err)
	mw, err := g.DefineMethod(idx, sig)
	require.NoError(t, err)
	mw.WriteRet()
	require.NoError(t, mw.Finalize())
	data, err := g.Intermediate().Serialize()
	require.NoError(t, err)
	pintPath := filepath.Join(dir, "noentry.pint")
	require.NoError(t, os.WriteFile(pintPath, data, 0o644))
	pasmPath := filepath.Join(dir, "noentry.pasm")

	require.NoError(t, runAssemble(pintPath, pasmPath, false))
	_, err = runRun(pasmPath, 4096, 1<<16, 64, false)
	require.Error(t, err, "expected missing-entrypoint error")
}

// captureStdout redirects os.Stdout for the duration of fn, then passes the
// captured output to check.
func captureStdout(t *testing.T, fn func() error, check func(out string)) error {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	orig := os.Stdout
	os.Stdout = w
	fnErr := fn()
	w.Close()
	os.Stdout = orig

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	if fnErr != nil {
		return fnErr
	}
	check(string(out))
	return nil
}
