package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"keel/internal/bytecode"
	"keel/internal/vm"
)

var runCmd = &cobra.Command{
	Use:   "run [flags] <file.klb>",
	Short: "Execute a compiled program image",
	Long:  `Load a compiled keel program image and execute it in the VM`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runExecution,
}

func init() {
	runCmd.Flags().String("trace", "", "VM tracing mode (off|on|tail)")
	runCmd.Flags().Int("max-stack-size", 0, "stack size cap in cells")
	runCmd.Flags().Bool("asserts", false, "enable per-instruction stack checks")
}

func runExecution(cmd *cobra.Command, args []string) error {
	filePath := args[0]

	buf, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read program: %w", err)
	}
	img, err := bytecode.Load(buf)
	if err != nil {
		return err
	}

	opts := vm.Options{
		Registry:    defaultRegistry(cmd.OutOrStdout()),
		ProgramArgs: args[1:],
	}
	if cfg := maybeManifest(filePath); cfg != nil {
		mode, err := traceModeFromString(cfg.Run.Trace)
		if err != nil {
			return err
		}
		opts.Trace = mode
		opts.MaxStackSize = cfg.Run.MaxStackSize
		if len(args) == 1 {
			opts.ProgramArgs = cfg.Run.Args
		}
	}
	if s, _ := cmd.Flags().GetString("trace"); s != "" {
		mode, err := traceModeFromString(s)
		if err != nil {
			return err
		}
		opts.Trace = mode
	}
	if n, _ := cmd.Flags().GetInt("max-stack-size"); n > 0 {
		opts.MaxStackSize = n
	}
	opts.Asserts, _ = cmd.Flags().GetBool("asserts")

	machine := vm.NewVM(img, opts)
	if evalErr := machine.EvalProgram(); evalErr != nil {
		errPrefix := "error"
		if useColor(cmd) {
			errPrefix = color.New(color.FgRed, color.Bold).Sprint("error")
		}
		fmt.Fprintf(os.Stderr, "%s: %s\n", errPrefix, evalErr.Error())
		os.Exit(1)
	}
	fmt.Fprintln(cmd.OutOrStdout(), machine.EvalRet())
	if report := machine.LeakReport(); report != "" {
		if useColor(cmd) {
			report = color.YellowString(report)
		}
		fmt.Fprint(os.Stderr, report)
	}
	return nil
}

func maybeManifest(programPath string) *keelConfig {
	dir := filepath.Dir(programPath)
	path, ok := findManifest(dir)
	if !ok {
		return nil
	}
	cfg, err := loadManifest(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil
	}
	return cfg
}

func useColor(cmd *cobra.Command) bool {
	mode, _ := cmd.Flags().GetString("color")
	switch mode {
	case "on":
		return true
	case "off":
		return false
	default:
		return isTerminal(os.Stderr)
	}
}
