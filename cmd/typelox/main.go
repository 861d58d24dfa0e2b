// TypeLox CLI - assemble, run, inspect and test bytecode programs
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/typelox/manifest"
	"github.com/chazu/typelox/pkg/asm"
	"github.com/chazu/typelox/pkg/image"
	"github.com/chazu/typelox/pkg/session"
	"github.com/chazu/typelox/pkg/store"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("typelox.cli")

// config is the merged result of typelox.toml and global flags.
type config struct {
	manifest    *manifest.Manifest
	disassemble bool
	noCache     bool
	verbose     int
}

func main() {
	verbose := flag.Int("v", 0, "Log verbosity (0 = errors only, 1 = info, 2 = debug)")
	trace := flag.Bool("trace", false, "Log every executed instruction")
	disassemble := flag.Bool("dis", false, "Print the disassembly of each chunk before running it")
	stackLimit := flag.Int("stack-limit", 0, "Maximum value stack depth (0 = unlimited)")
	noValidate := flag.Bool("no-validate", false, "Skip bytecode validation before running")
	noCache := flag.Bool("no-cache", false, "Do not use the compiled chunk cache")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: typelox [options] [command] [args...]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  repl                      Start the interactive REPL (default)\n")
		fmt.Fprintf(os.Stderr, "  run FILE                  Run a %s listing or a %s image\n", sourceExt, image.Extension)
		fmt.Fprintf(os.Stderr, "  disasm [-asm] FILE        Disassemble a listing or image\n")
		fmt.Fprintf(os.Stderr, "  build [-o OUT] FILES...   Assemble listings into an image\n")
		fmt.Fprintf(os.Stderr, "  test [-filter GLOB] [DIR] Run test listings\n")
		fmt.Fprintf(os.Stderr, "  cache stats|clear         Inspect or empty the chunk cache\n")
		fmt.Fprintf(os.Stderr, "  lsp                       Start the language server on stdio\n")
		fmt.Fprintf(os.Stderr, "\nA bare FILE is shorthand for 'run FILE'.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nSettings not given on the command line come from the nearest %s.\n", manifest.FileName)
	}
	flag.Parse()

	commonlog.Configure(*verbose, nil)

	m, err := manifest.FindAndLoad(".")
	if err != nil {
		fatal(err)
	}
	if m == nil {
		m = manifest.Default()
		// Without a project there is nowhere sensible to keep a cache.
		m.Cache.Path = ""
	}
	for _, key := range m.Unknown {
		log.Warningf("%s: unknown key %q", filepath.Join(m.Dir, manifest.FileName), key)
	}

	// Flags given explicitly override the manifest.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "trace":
			m.Run.Trace = *trace
		case "dis":
			m.Run.Disassemble = *disassemble
		case "stack-limit":
			m.Run.StackLimit = *stackLimit
		case "no-validate":
			m.Run.Validate = !*noValidate
		}
	})

	cfg := &config{
		manifest:    m,
		disassemble: m.Run.Disassemble,
		noCache:     *noCache,
		verbose:     *verbose,
	}

	args := flag.Args()
	if len(args) == 0 {
		runREPL(cfg)
		return
	}

	switch args[0] {
	case "repl":
		runREPL(cfg)
	case "run":
		if len(args) != 2 {
			fatal(errors.New("run requires exactly one file"))
		}
		handleRunCommand(cfg, args[1])
	case "disasm":
		handleDisasmCommand(args[1:])
	case "build":
		handleBuildCommand(cfg, args[1:])
	case "test":
		handleTestCommand(cfg, args[1:])
	case "cache":
		handleCacheCommand(cfg, args[1:])
	case "lsp":
		handleLSPCommand(cfg)
	default:
		if isRunnable(args[0]) && len(args) == 1 {
			handleRunCommand(cfg, args[0])
			return
		}
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		flag.Usage()
		os.Exit(2)
	}
}

// sourceExt is the extension of assembly listings.
const sourceExt = ".lasm"

func isRunnable(path string) bool {
	return strings.HasSuffix(path, sourceExt) || strings.HasSuffix(path, image.Extension)
}

// newSession creates a session with the configured interpreter options and
// cache. The returned function releases the cache.
func newSession(cfg *config) (*session.Session, func()) {
	opts := session.Options{VM: cfg.manifest.VMOptions()}
	if cfg.disassemble {
		opts.Listing = os.Stdout
	}

	closeFn := func() {}
	if path := cfg.manifest.CachePath(); path != "" && !cfg.noCache {
		s, err := store.Open(path)
		if err != nil {
			// A broken cache should not stop a run.
			log.Warningf("chunk cache disabled: %s", err)
		} else {
			opts.Cache = s
			closeFn = func() { s.Close() }
		}
	}

	return session.New(asm.Compiler{}, opts), closeFn
}

// fatal prints err and every error it wraps, then exits.
func fatal(err error) {
	printError(os.Stderr, err)
	os.Exit(1)
}
