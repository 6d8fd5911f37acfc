package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"keel/internal/bytecode"
)

var sampleCmd = &cobra.Command{
	Use:   "sample [flags]",
	Short: "Write a small demo program image",
	Long:  `Assemble a built-in demo program and write it as a runnable .klb image`,
	Args:  cobra.NoArgs,
	RunE:  runSample,
}

func init() {
	sampleCmd.Flags().StringP("output", "o", "demo.klb", "output file")
}

// runSample assembles factorial(10) against the default native set.
func runSample(cmd *cobra.Command, args []string) error {
	a := bytecode.NewAsm()
	intT := a.TypeInt(-1)
	file := a.AddFilename("demo.kl")
	n := a.AddVar(a.AddIdent("n", false, false), intT)
	fid := a.AddFunction("factorial")

	fLbl := a.NewLabel()
	a.Line(file, 1)
	a.FunStart(fLbl, fid, []int32{n}, nil, 0, nil)
	a.PushVar(n)
	a.PushInt(1)
	a.Binary(bytecode.OpIGt)
	base := a.NewLabel()
	a.CondJump(bytecode.OpJumpFail, base)
	a.PushVar(n)
	a.PushVar(n)
	a.PushInt(1)
	a.Binary(bytecode.OpISub)
	a.Call(fLbl, 1, 1)
	a.Binary(bytecode.OpIMul)
	a.Return(fid, 1)
	a.Block(base)
	a.PushInt(1)
	a.Return(fid, 1)
	a.EndFun()

	a.Line(file, 6)
	a.SetStart()
	a.PushInt(10)
	a.Call(fLbl, 1, 1)
	a.Exit(intT)

	buf, err := a.BuildBytes()
	if err != nil {
		return fmt.Errorf("failed to assemble demo: %w", err)
	}
	out, _ := cmd.Flags().GetString("output")
	if err := os.WriteFile(out, buf, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}
	if quiet, _ := cmd.Flags().GetBool("quiet"); !quiet {
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
	}
	return nil
}
