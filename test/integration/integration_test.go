package integration_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/typelox/manifest"
	"github.com/chazu/typelox/pkg/asm"
	"github.com/chazu/typelox/pkg/bytecode"
	"github.com/chazu/typelox/pkg/image"
	"github.com/chazu/typelox/pkg/session"
	"github.com/chazu/typelox/pkg/store"
	"github.com/chazu/typelox/pkg/testrunner"
	"github.com/chazu/typelox/pkg/value"
)

// ---------------------------------------------------------------------------
// Integration test helpers
// ---------------------------------------------------------------------------

// examplesDir is the example project at the repository root.
const examplesDir = "../../examples"

// loadExamples loads the example project's manifest. The cache is moved to
// a temporary directory so tests leave the tree untouched.
func loadExamples(t *testing.T) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Load(examplesDir)
	if err != nil {
		t.Fatalf("loading example manifest: %v", err)
	}
	m.Cache.Path = filepath.Join(t.TempDir(), "chunks.db")
	return m
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

func TestExampleSuitePasses(t *testing.T) {
	m := loadExamples(t)

	paths, err := testrunner.Discover(m.TestDir(), m.Test.Filter)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) < 10 {
		t.Fatalf("found %d example tests, expected the full suite", len(paths))
	}

	runner := &testrunner.Runner{
		Compiler: asm.Compiler{},
		Options:  session.Options{VM: m.VMOptions()},
	}
	report := runner.Run(paths)
	for _, o := range report.Outcomes {
		if o.Result != testrunner.Passed {
			t.Errorf("%s: %s: %s", filepath.Base(o.Path), o.Result, o.Message)
		}
	}
	if !strings.HasPrefix(report.Summary(), "result: ") {
		t.Errorf("Summary() = %q", report.Summary())
	}
}

// ---------------------------------------------------------------------------
// Running programs
// ---------------------------------------------------------------------------

func TestRunHelloWithCache(t *testing.T) {
	m := loadExamples(t)

	cache, err := store.Open(m.CachePath())
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()

	sess := session.New(asm.Compiler{}, session.Options{VM: m.VMOptions(), Cache: cache})
	path := filepath.Join(examplesDir, "hello.lasm")

	for i := 0; i < 2; i++ {
		v, err := sess.RunFile(path)
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if !value.Equal(v, value.Bool(true)) {
			t.Errorf("run %d = %v, want true", i, v)
		}
	}

	if n, err := cache.Len(); err != nil || n != 1 {
		t.Errorf("cache holds %d chunks (%v), want 1", n, err)
	}
}

// ---------------------------------------------------------------------------
// Images
// ---------------------------------------------------------------------------

func TestBuildAndRunImage(t *testing.T) {
	m := loadExamples(t)
	names := []string{"arith", "branch", "loop", "compare"}
	want := []value.Value{value.Number(7), value.Number(20), value.Bool(false), value.Bool(true)}

	img := image.New()
	for _, name := range names {
		source, err := os.ReadFile(filepath.Join(m.TestDir(), name+".test.lasm"))
		if err != nil {
			t.Fatal(err)
		}
		chunk, err := asm.Assemble(string(source))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if err := bytecode.Validate(chunk); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		img.Add(name, "", chunk)
	}

	path := filepath.Join(t.TempDir(), "examples"+image.Extension)
	if err := image.Write(path, img); err != nil {
		t.Fatal(err)
	}
	loaded, err := image.Read(path)
	if err != nil {
		t.Fatal(err)
	}

	sess := session.New(asm.Compiler{}, session.Options{VM: m.VMOptions()})
	for i, name := range names {
		entry, ok := loaded.Lookup(name)
		if !ok {
			t.Fatalf("entry %s missing from image", name)
		}
		chunk, err := entry.Chunk()
		if err != nil {
			t.Fatal(err)
		}
		v, err := sess.RunChunk(chunk, name)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !value.Equal(v, want[i]) {
			t.Errorf("%s = %v, want %v", name, v, want[i])
		}
	}
}

// ---------------------------------------------------------------------------
// Disassembly round trip
// ---------------------------------------------------------------------------

func TestFormatRoundTripsExamples(t *testing.T) {
	m := loadExamples(t)
	paths, err := testrunner.Discover(m.TestDir(), "*.lasm")
	if err != nil {
		t.Fatal(err)
	}

	for _, path := range paths {
		source, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		chunk, err := asm.Assemble(string(source))
		if err != nil {
			continue // deliberately broken sources
		}

		again, err := asm.Assemble(asm.Format(chunk))
		if err != nil {
			t.Errorf("%s: reassembling formatted output: %v", filepath.Base(path), err)
			continue
		}
		if string(again.Code()) != string(chunk.Code()) {
			t.Errorf("%s: code differs after round trip", filepath.Base(path))
		}
		if again.Disassemble("x") != chunk.Disassemble("x") {
			t.Errorf("%s: listing differs after round trip", filepath.Base(path))
		}
	}
}
