package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/chazu/typelox/pkg/asm"
	"github.com/chazu/typelox/pkg/session"
	"github.com/chazu/typelox/pkg/store"
	"github.com/chazu/typelox/pkg/testrunner"
)

// handleTestCommand runs every test listing under a directory.
//
//	typelox test                      # [test] dir and filter from typelox.toml
//	typelox test -filter '*.lasm' examples
func handleTestCommand(cfg *config, args []string) {
	fs := flag.NewFlagSet("test", flag.ExitOnError)
	filter := fs.String("filter", cfg.manifest.Test.Filter, "Glob matched against file base names")
	fs.Parse(args)

	dir := cfg.manifest.TestDir()
	switch fs.NArg() {
	case 0:
	case 1:
		dir = fs.Arg(0)
	default:
		fatal(errors.New("test takes at most one directory"))
	}

	paths, err := testrunner.Discover(dir, *filter)
	if err != nil {
		fatal(err)
	}

	// Tests run without the cache so every file is assembled fresh.
	runner := &testrunner.Runner{
		Compiler: asm.Compiler{},
		Options:  session.Options{VM: cfg.manifest.VMOptions()},
	}

	start := time.Now()
	report := runner.Run(paths)
	if err := report.Write(os.Stdout); err != nil {
		fatal(err)
	}
	log.Infof("ran %d files in %s", len(paths), time.Since(start).Round(time.Millisecond))

	if !report.OK() {
		os.Exit(1)
	}
}

// handleCacheCommand inspects or empties the compiled chunk cache.
func handleCacheCommand(cfg *config, args []string) {
	path := cfg.manifest.CachePath()
	if path == "" {
		fatal(errors.New("no chunk cache is configured"))
	}
	if len(args) != 1 {
		fatal(errors.New("cache requires one of: stats, clear"))
	}

	s, err := store.Open(path)
	if err != nil {
		fatal(err)
	}
	defer s.Close()

	switch args[0] {
	case "stats":
		n, err := s.Len()
		if err != nil {
			fatal(err)
		}
		size := "unknown size"
		if info, err := os.Stat(path); err == nil {
			size = humanize.Bytes(uint64(info.Size()))
		}
		fmt.Printf("%s: %s chunks, %s\n", path, humanize.Comma(int64(n)), size)
	case "clear":
		if err := s.Clear(); err != nil {
			fatal(err)
		}
		fmt.Printf("Cleared %s\n", path)
	default:
		fatal(fmt.Errorf("unknown cache command %q", args[0]))
	}
}
