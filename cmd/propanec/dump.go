package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aggrobird/propane/assembly"
	"github.com/aggrobird/propane/bytecode"
	"github.com/aggrobird/propane/ir"
	"github.com/aggrobird/propane/namegen"
	"github.com/aggrobird/propane/types"
	"github.com/aggrobird/propane/wire"
)

func newDumpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump <in.pasm|in.pint>",
		Short: "Print an assembly or intermediate artifact in readable form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(args[0])
		},
	}
	return cmd
}

func runDump(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(data) < 4 {
		return fmt.Errorf("%s: too short to be a Propane artifact", path)
	}
	var magic [4]byte
	copy(magic[:], data[:4])

	switch magic {
	case wire.MagicAssembly:
		asm, err := assembly.Deserialize(data)
		if err != nil {
			return err
		}
		dumpAssembly(asm)
		return nil
	case wire.MagicIntermediate:
		im, err := ir.Deserialize(data)
		if err != nil {
			return err
		}
		dumpIntermediate(im)
		return nil
	default:
		return fmt.Errorf("%s: unrecognized magic %q (want PASM or PINT)", path, magic)
	}
}

func dumpAssembly(asm *assembly.Assembly) {
	fmt.Printf("PASM v%d.%d runtime_hash=%016x methods=%d types=%d globals=%d constants=%d\n",
		asm.Version.Major, asm.Version.Minor, asm.RuntimeHash,
		len(asm.Methods), asm.Types.Len(), len(asm.Globals), len(asm.Constants))
	if asm.Entrypoint != ir.InvalidMethod {
		fmt.Printf("entrypoint: %s\n", asm.Idents.String(asm.Method(asm.Entrypoint).Name))
	} else {
		fmt.Println("entrypoint: (none)")
	}

	fmt.Println("\ntypes:")
	for i := 0; i < asm.Types.Len(); i++ {
		idx := types.Index(i)
		ty := asm.Types.Get(idx)
		fmt.Printf("  %4d %-24s kind=%-10s size=%d\n", i, namegen.TypeName(asm.Types, asm.Idents, idx), ty.Kind, ty.Size)
	}

	fmt.Println("\nmethods:")
	for i, m := range asm.Methods {
		sig := namegen.SignatureName(asm.Types, asm.Idents, m.Signature)
		kind := "defined"
		if m.IsExternal() {
			kind = fmt.Sprintf("external %s#%d", m.ExternalLibrary, m.ExternalCallIndex)
		}
		fmt.Printf("  [%d] %s %s (%s)\n", i, asm.Idents.String(m.Name), sig, kind)
		if !m.IsExternal() {
			disassemble(asm, m)
		}
	}
}

// disassemble walks one linked method's bytecode instruction by
// instruction, following the exact per-opcode wire layout the generator
// emits (spec §4.3): most of this switch exists only to know, per
// opcode, whether the subcode byte precedes or follows a branch's u32
// target, since HasSubcode alone doesn't fix that ordering.
func disassemble(asm *assembly.Assembly, m *assembly.Method) {
	r := bytecode.NewReader(m.Bytecode)
	for !r.Done() {
		pos := r.Pos
		op := r.ReadOpcode()
		line := fmt.Sprintf("      %5d: %s", pos, op)

		switch op {
		case bytecode.Br:
			line += fmt.Sprintf(" -> %d", r.ReadI32())

		case bytecode.Beq, bytecode.Bne, bytecode.Bgt, bytecode.Bge, bytecode.Blt, bytecode.Ble:
			target := r.ReadI32()
			sub := r.ReadSubcode()
			line += fmt.Sprintf(" -> %d sub=%d %s, %s", target, sub, renderAddr(asm, r.ReadAddress()), renderAddr(asm, r.ReadAddress()))

		case bytecode.Bze, bytecode.Bnz:
			target := r.ReadI32()
			sub := r.ReadSubcode()
			line += fmt.Sprintf(" -> %d sub=%d %s", target, sub, renderAddr(asm, r.ReadAddress()))

		case bytecode.Sw:
			idx := renderAddr(asm, r.ReadAddress())
			count := int(r.ReadU32())
			labels := make([]string, count)
			for i := range labels {
				labels[i] = fmt.Sprintf("%d", r.ReadI32())
			}
			line += fmt.Sprintf(" %s [%d cases: %v]", idx, count, labels)

		case bytecode.Call:
			target := r.ReadU32()
			argc := r.ReadByte()
			line += fmt.Sprintf(" method=%d argc=%d", target, argc)
			for i := byte(0); i < argc; i++ {
				r.ReadSubcode()
				line += " " + renderAddr(asm, r.ReadAddress())
			}

		case bytecode.Callv:
			target := renderAddr(asm, r.ReadAddress())
			argc := r.ReadByte()
			line += fmt.Sprintf(" %s argc=%d", target, argc)
			for i := byte(0); i < argc; i++ {
				r.ReadSubcode()
				line += " " + renderAddr(asm, r.ReadAddress())
			}

		case bytecode.Ret:
			// no operand

		case bytecode.Retv:
			sub := r.ReadSubcode()
			line += fmt.Sprintf(" sub=%d %s", sub, renderAddr(asm, r.ReadAddress()))

		case bytecode.Dump:
			line += " " + renderAddr(asm, r.ReadAddress())

		case bytecode.Pdif:
			line += " " + renderAddr(asm, r.ReadAddress()) + ", " + renderAddr(asm, r.ReadAddress())

		case bytecode.AriNot, bytecode.AriNeg, bytecode.Cze, bytecode.Cnz:
			sub := r.ReadSubcode()
			line += fmt.Sprintf(" sub=%d %s", sub, renderAddr(asm, r.ReadAddress()))

		default:
			// Set, Conv, binary arithmetic, Cmp family, Padd, Psub: all
			// opcode+subcode+addr+addr (spec §4.3).
			sub := r.ReadSubcode()
			line += fmt.Sprintf(" sub=%d %s, %s", sub, renderAddr(asm, r.ReadAddress()), renderAddr(asm, r.ReadAddress()))
		}

		fmt.Println(line)
	}
}

// renderAddr prints a post-link address descriptor compactly, resolving a
// global/constant reference's name where one is declared (spec §9
// supplemented feature: disassembly is the one place namegen's recursive
// naming earns its keep, since struct/array/pointer fields never get an
// identifier of their own otherwise).
func renderAddr(asm *assembly.Assembly, a bytecode.Address) string {
	var base string
	switch a.Type {
	case bytecode.AddrStackVar:
		if a.Index == bytecode.IndexMax {
			base = "$ret"
		} else {
			base = fmt.Sprintf("sv%d", a.Index)
		}
	case bytecode.AddrParameter:
		base = fmt.Sprintf("p%d", a.Index)
	case bytecode.AddrGlobal:
		raw, isConst := bytecode.UnpackGlobalRef(a.Index)
		if isConst {
			base = fmt.Sprintf("c%d(%s)", raw, asm.Idents.String(asm.Constants[raw].Name))
		} else {
			base = fmt.Sprintf("g%d(%s)", raw, asm.Idents.String(asm.Globals[raw].Name))
		}
	case bytecode.AddrConstant:
		base = fmt.Sprintf("imm(%s,0x%x)", types.Kind(a.Index), uint32(a.Payload))
	}

	switch a.Modifier {
	case bytecode.ModDirectField:
		off := asm.Types.Offset(types.OffsetIndex(a.Payload))
		base = fmt.Sprintf("%s.%s", base, namegen.TypeName(asm.Types, asm.Idents, off.Resolved))
	case bytecode.ModIndirectField:
		off := asm.Types.Offset(types.OffsetIndex(a.Payload))
		base = fmt.Sprintf("%s->%s", base, namegen.TypeName(asm.Types, asm.Idents, off.Resolved))
	case bytecode.ModOffset:
		base = fmt.Sprintf("%s[%d]", base, a.Payload)
	}

	switch a.Prefix {
	case bytecode.PrefixIndirection:
		base = "*" + base
	case bytecode.PrefixAddressOf:
		base = "&" + base
	case bytecode.PrefixSizeOf:
		base = "!" + base
	}
	return base
}

func dumpIntermediate(im *ir.Intermediate) {
	fmt.Printf("PINT v%d.%d methods=%d types=%d globals=%d constants=%d\n",
		im.Version.Major, im.Version.Minor, len(im.Methods), im.Types.Len(), len(im.Globals), len(im.Constants))

	fmt.Println("\ntypes:")
	for i := 0; i < im.Types.Len(); i++ {
		idx := types.Index(i)
		ty := im.Types.Get(idx)
		fmt.Printf("  %4d %-24s kind=%-10s size=%d\n", i, namegen.TypeName(im.Types, im.Idents, idx), ty.Kind, ty.Size)
	}

	fmt.Println("\nmethods:")
	for i, m := range im.Methods {
		sig := namegen.SignatureName(im.Types, im.Idents, m.Signature)
		kind := "defined"
		if m.IsExternal() {
			kind = fmt.Sprintf("external %s#%d", m.ExternalLibrary, m.ExternalCallIndex)
		}
		// Pre-link bytecode addresses still index the generator-local
		// RefGlobals/RefFields/RefMethods tables rather than final assembly
		// indices, so this CLI only reports the unresolved body's length —
		// full disassembly needs a linked PASM artifact.
		fmt.Printf("  [%d] %s %s (%s) bytecode=%d bytes\n", i, im.Idents.String(m.Name), sig, kind, len(m.Bytecode))
	}
}
