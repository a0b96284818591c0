package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/aggrobird/propane/assembly"
	"github.com/aggrobird/propane/interp"
	"github.com/aggrobird/propane/ir"
	"github.com/aggrobird/propane/perr"
	"github.com/aggrobird/propane/runtimehost"
)

func newRunCmd() *cobra.Command {
	var (
		minStack, maxStack int
		maxDepth           int
		dump               bool
	)
	cmd := &cobra.Command{
		Use:   "run <in.pasm>",
		Short: "Execute a linked PASM assembly's entrypoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := runRun(args[0], minStack, maxStack, maxDepth, dump)
			if err != nil {
				return err
			}
			os.Exit(int(code))
			return nil
		},
	}
	cmd.Flags().IntVar(&minStack, "min-stack", 4096, "minimum value-stack size in bytes")
	cmd.Flags().IntVar(&maxStack, "max-stack", 1<<20, "maximum value-stack size in bytes")
	cmd.Flags().IntVar(&maxDepth, "max-depth", 1024, "maximum callstack depth")
	cmd.Flags().BoolVar(&dump, "dump", false, "print dump instruction output to stdout")
	return cmd
}

func runRun(path string, minStack, maxStack, maxDepth int, wantDump bool) (int32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	asm, err := assembly.Deserialize(data)
	if err != nil {
		return 0, err
	}
	if asm.Entrypoint == ir.InvalidMethod {
		return 0, perr.New(perr.RTMEntrypointNotFound, perr.SourceLoc{}, "assembly has no main() i32 entrypoint")
	}

	// Must reconstruct the exact (version, libraries) pair assemble linked
	// against, since RuntimeHash is derived from them and interp.New
	// rejects a mismatch (spec §4.7): this reference CLI links and runs
	// with no host-configured external libraries, so an empty descriptor
	// reproduces assemble's hash bit for bit.
	desc := runtimehost.NewDescriptor(0, nil, nil, runtimehost.NewDefaultHost())

	cfg := interp.Config{
		MinStackSize:      minStack,
		MaxStackSize:      maxStack,
		MaxCallstackDepth: maxDepth,
	}
	if wantDump {
		cfg.Dump = os.Stdout
	}

	m, err := interp.New(asm, desc, nil, cfg)
	if err != nil {
		return 0, err
	}
	return m.Run(context.Background())
}
