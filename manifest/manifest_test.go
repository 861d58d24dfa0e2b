package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/chazu/typelox/pkg/vm"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "test-app"
version = "0.1.0"

[run]
trace = true
disassemble = true
validate = false
stack-limit = 64

[cache]
path = "build/cache.db"

[test]
dir = "tests"
filter = "*.check.lasm"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Project.Name != "test-app" {
		t.Errorf("project name = %q, want test-app", m.Project.Name)
	}
	if m.Project.Version != "0.1.0" {
		t.Errorf("project version = %q, want 0.1.0", m.Project.Version)
	}
	if !m.Run.Trace || !m.Run.Disassemble {
		t.Errorf("run = %+v, want trace and disassemble on", m.Run)
	}
	if m.Run.Validate {
		t.Error("run validate = true, want false")
	}
	if m.Run.StackLimit != 64 {
		t.Errorf("stack-limit = %d, want 64", m.Run.StackLimit)
	}
	if m.Test.Filter != "*.check.lasm" {
		t.Errorf("test filter = %q", m.Test.Filter)
	}

	abs, _ := filepath.Abs(dir)
	if m.Dir != abs {
		t.Errorf("Dir = %q, want %q", m.Dir, abs)
	}
	if got, want := m.CachePath(), filepath.Join(abs, "build", "cache.db"); got != want {
		t.Errorf("CachePath() = %q, want %q", got, want)
	}
	if got, want := m.TestDir(), filepath.Join(abs, "tests"); got != want {
		t.Errorf("TestDir() = %q, want %q", got, want)
	}
	if len(m.Unknown) != 0 {
		t.Errorf("Unknown = %v, want none", m.Unknown)
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "minimal"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if !m.Run.Validate {
		t.Error("validate should default to true")
	}
	if m.Run.StackLimit != vm.DefaultStackLimit {
		t.Errorf("stack-limit = %d, want %d", m.Run.StackLimit, vm.DefaultStackLimit)
	}
	if m.Test.Filter != "*.test.lasm" {
		t.Errorf("test filter = %q, want *.test.lasm", m.Test.Filter)
	}
	if filepath.Base(m.CachePath()) != "chunks.db" {
		t.Errorf("CachePath() = %q", m.CachePath())
	}
}

func TestLoadManifestDisablesCache(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[cache]
path = ""
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if m.CachePath() != "" {
		t.Errorf("CachePath() = %q, want empty", m.CachePath())
	}
}

func TestLoadManifestUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[run]
trace = true
colour = "red"

[extras]
x = 1
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	found := map[string]bool{}
	for _, k := range m.Unknown {
		found[k] = true
	}
	if !found["run.colour"] || !found["extras.x"] {
		t.Errorf("Unknown = %v, want run.colour and extras.x", m.Unknown)
	}
}

func TestLoadManifestErrors(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Error("Load of a directory without typelox.toml succeeded")
	}

	dir := t.TempDir()
	writeManifest(t, dir, "[run\ntrace = ")
	if _, err := Load(dir); err == nil {
		t.Error("Load of malformed toml succeeded")
	}

	dir = t.TempDir()
	writeManifest(t, dir, "[test]\nfilter = \"[oops\"\n")
	if _, err := Load(dir); err == nil {
		t.Error("Load with malformed test filter succeeded")
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, `
[project]
name = "parent"
`)

	sub := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}

	m, err := FindAndLoad(sub)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if m.Project.Name != "parent" {
		t.Errorf("name = %q, want parent", m.Project.Name)
	}
}

func TestVMOptions(t *testing.T) {
	m := Default()
	opts := m.VMOptions()
	if opts.StackLimit != vm.DefaultStackLimit || !opts.Validate || opts.Trace {
		t.Errorf("default VMOptions = %+v", opts)
	}

	// 0 means unlimited in both the file and vm.Options.
	m.Run.StackLimit = 0
	if got := m.VMOptions().StackLimit; got != 0 {
		t.Errorf("stack-limit 0 maps to %d, want 0", got)
	}
}
