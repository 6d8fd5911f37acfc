package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"keel/internal/bytecode"
	"keel/internal/tonative"
)

var toccCmd = &cobra.Command{
	Use:   "tocc [flags] <file.klb>",
	Short: "Translate a program image to C source",
	Long:  `Translate a compiled keel program image to a C source file that links against the runtime`,
	Args:  cobra.ExactArgs(1),
	RunE:  runTranslate,
}

func init() {
	toccCmd.Flags().StringP("output", "o", "compiled_keel.c", "output file")
	toccCmd.Flags().Bool("plain", false, "emit plain C with helper prototypes instead of typed output")
}

func runTranslate(cmd *cobra.Command, args []string) error {
	buf, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read program: %w", err)
	}
	img, err := bytecode.Load(buf)
	if err != nil {
		return err
	}
	plain, _ := cmd.Flags().GetBool("plain")
	src, err := tonative.ToC(img, defaultRegistry(cmd.OutOrStdout()), buf, !plain)
	if err != nil {
		return err
	}
	out, _ := cmd.Flags().GetString("output")
	if err := os.WriteFile(out, []byte(src), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}
	if quiet, _ := cmd.Flags().GetBool("quiet"); !quiet {
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
	}
	return nil
}
