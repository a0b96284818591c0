// Command propanec is a thin reference driver over the core library:
// assemble turns a linker-ready PINT intermediate into a linked PASM
// assembly, run executes a PASM assembly, and dump prints either
// artifact in a readable form (spec §6 "cmd/propanec").
//
// File I/O and process exit codes are the CLI's own business, not the
// core's (spec §1 leaves artifact persistence and host plumbing to the
// embedder); every subcommand below is a thin wrapper over
// ir/linker/assembly/interp.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "propanec",
		Short: "Propane bytecode toolchain driver",
		Long:  "propanec assembles, runs, and dumps Propane intermediate (PINT) and assembly (PASM) artifacts.",
	}

	root.AddCommand(newAssembleCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newDumpCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
