// Package manifest handles typelox.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/chazu/typelox/pkg/testrunner"
	"github.com/chazu/typelox/pkg/vm"
)

// FileName is the name of the project configuration file.
const FileName = "typelox.toml"

// Manifest represents a typelox.toml project configuration.
type Manifest struct {
	Project Project `toml:"project"`
	Run     Run     `toml:"run"`
	Cache   Cache   `toml:"cache"`
	Test    Test    `toml:"test"`

	// Dir is the directory containing the typelox.toml file (set at load time).
	Dir string `toml:"-"`

	// Unknown lists keys present in the file that no field consumed.
	Unknown []string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// Run configures execution.
type Run struct {
	Trace       bool `toml:"trace"`
	Disassemble bool `toml:"disassemble"`
	Validate    bool `toml:"validate"`
	StackLimit  int  `toml:"stack-limit"`
}

// Cache configures the compiled chunk cache.
type Cache struct {
	// Path of the SQLite database, relative to the project directory.
	// Empty disables the cache.
	Path string `toml:"path"`
}

// Test configures the test runner.
type Test struct {
	Dir    string `toml:"dir"`
	Filter string `toml:"filter"`
}

// Default returns the configuration used when no typelox.toml exists.
// Load starts from these values, so keys missing from a file keep them.
func Default() *Manifest {
	return &Manifest{
		Run: Run{
			Validate:   true,
			StackLimit: vm.DefaultStackLimit,
		},
		Cache: Cache{
			Path: filepath.Join(".typelox", "chunks.db"),
		},
		Test: Test{
			Dir:    ".",
			Filter: testrunner.DefaultFilter,
		},
	}
}

// Load parses a typelox.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m := Default()
	md, err := toml.Decode(string(data), m)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	for _, key := range md.Undecoded() {
		m.Unknown = append(m.Unknown, key.String())
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	if m.Test.Filter == "" {
		m.Test.Filter = testrunner.DefaultFilter
	}
	if _, err := filepath.Match(m.Test.Filter, ""); err != nil {
		return nil, fmt.Errorf("invalid test filter %q in %s: %w", m.Test.Filter, path, err)
	}

	return m, nil
}

// FindAndLoad walks up from startDir to find a typelox.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// resolve makes p absolute relative to the manifest directory.
func (m *Manifest) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || m.Dir == "" {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// CachePath returns the cache database path, or "" if caching is disabled.
func (m *Manifest) CachePath() string {
	return m.resolve(m.Cache.Path)
}

// TestDir returns the directory searched for test files.
func (m *Manifest) TestDir() string {
	return m.resolve(m.Test.Dir)
}

// VMOptions returns the interpreter options from the [run] section.
func (m *Manifest) VMOptions() vm.Options {
	return vm.Options{
		StackLimit: m.Run.StackLimit,
		Trace:      m.Run.Trace,
		Validate:   m.Run.Validate,
	}
}
