package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aggrobird/propane/ir"
	"github.com/aggrobird/propane/linker"
	"github.com/aggrobird/propane/runtimehost"
)

func newAssembleCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "assemble <in.pint> <out.pasm>",
		Short: "Link a PINT intermediate into a PASM assembly",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAssemble(args[0], args[1], verbose)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "trace linker stages to stderr")
	return cmd
}

type stderrLogger struct{}

func (stderrLogger) Debugf(format string, args ...any) { fmt.Fprintf(os.Stderr, format+"\n", args...) }

func runAssemble(inPath, outPath string, verbose bool) error {
	data, err := os.ReadFile(inPath)
	if err != nil {
		return err
	}
	im, err := ir.Deserialize(data)
	if err != nil {
		return err
	}

	// No host-configured external libraries at this reference CLI layer
	// (spec §1: host/FFI wiring is an embedder concern); a descriptor
	// with an empty library set still lets a library-free assembly link.
	desc := runtimehost.NewDescriptor(0, nil, nil, runtimehost.NewDefaultHost())

	var opts *linker.Options
	if verbose {
		opts = &linker.Options{Logger: stderrLogger{}}
	}

	asm, err := linker.Link(im, desc, opts)
	if err != nil {
		return err
	}

	out, err := asm.Serialize()
	if err != nil {
		return err
	}
	return os.WriteFile(outPath, out, 0o644)
}
