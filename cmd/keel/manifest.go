package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"keel/internal/vm"
)

// keelConfig is the optional keel.toml manifest next to a program image.
// CLI flags override anything set here.
type keelConfig struct {
	Package packageConfig `toml:"package"`
	Run     runConfig     `toml:"run"`
}

type packageConfig struct {
	Name string `toml:"name"`
}

type runConfig struct {
	Trace        string   `toml:"trace"` // off|on|tail
	MaxStackSize int      `toml:"max_stack_size"`
	Args         []string `toml:"args"`
}

// findManifest walks up from dir looking for keel.toml.
func findManifest(dir string) (string, bool) {
	for {
		candidate := filepath.Join(dir, "keel.toml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

func loadManifest(path string) (*keelConfig, error) {
	var cfg keelConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &cfg, nil
}

func traceModeFromString(s string) (vm.TraceMode, error) {
	switch s {
	case "", "off":
		return vm.TraceOff, nil
	case "on":
		return vm.TraceOn, nil
	case "tail":
		return vm.TraceTail, nil
	default:
		return vm.TraceOff, fmt.Errorf("unknown trace mode: %s (want off|on|tail)", s)
	}
}
