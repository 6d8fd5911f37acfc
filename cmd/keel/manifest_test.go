package main

import (
	"os"
	"path/filepath"
	"testing"

	"keel/internal/vm"
)

func TestFindManifest(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "a", "b")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "keel.toml")
	if err := os.WriteFile(path, []byte("[package]\nname = \"demo\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	found, ok := findManifest(sub)
	if !ok || found != path {
		t.Errorf("findManifest = %q, %v; want %q", found, ok, path)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keel.toml")
	content := `
[package]
name = "demo"

[run]
trace = "tail"
max_stack_size = 65536
args = ["one", "two"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadManifest(path)
	if err != nil {
		t.Fatalf("loadManifest: %v", err)
	}
	if cfg.Package.Name != "demo" {
		t.Errorf("name = %q", cfg.Package.Name)
	}
	if cfg.Run.Trace != "tail" || cfg.Run.MaxStackSize != 65536 || len(cfg.Run.Args) != 2 {
		t.Errorf("run config = %+v", cfg.Run)
	}
}

func TestTraceModeFromString(t *testing.T) {
	cases := []struct {
		in   string
		want vm.TraceMode
		err  bool
	}{
		{"", vm.TraceOff, false},
		{"off", vm.TraceOff, false},
		{"on", vm.TraceOn, false},
		{"tail", vm.TraceTail, false},
		{"loud", vm.TraceOff, true},
	}
	for _, c := range cases {
		got, err := traceModeFromString(c.in)
		if (err != nil) != c.err || got != c.want {
			t.Errorf("traceModeFromString(%q) = %v, %v", c.in, got, err)
		}
	}
}
