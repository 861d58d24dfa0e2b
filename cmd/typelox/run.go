package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chazu/typelox/pkg/asm"
	"github.com/chazu/typelox/pkg/bytecode"
	"github.com/chazu/typelox/pkg/image"
	"github.com/chazu/typelox/pkg/session"
	"github.com/chazu/typelox/pkg/value"
)

// handleRunCommand runs a listing or an image and prints the result.
//
//	typelox run prog.lasm
//	typelox run app.tlimg        # runs every entry in order
func handleRunCommand(cfg *config, path string) {
	sess, closeCache := newSession(cfg)
	defer closeCache()

	if strings.HasSuffix(path, image.Extension) {
		results, err := runImage(sess, path)
		if err != nil {
			fatal(err)
		}
		for _, v := range results {
			fmt.Println(v)
		}
		return
	}

	v, err := sess.RunFile(path)
	if err != nil {
		fatal(err)
	}
	fmt.Println(v)
}

// runImage runs each entry of the image at path, stopping at the first
// failure.
func runImage(sess *session.Session, path string) ([]value.Value, error) {
	img, err := image.Read(path)
	if err != nil {
		return nil, err
	}

	var results []value.Value
	for i := range img.Entries {
		entry := &img.Entries[i]
		chunk, err := entry.Chunk()
		if err != nil {
			return results, err
		}
		location := entry.Location
		if location == "" {
			location = entry.Name
		}
		v, err := sess.RunChunk(chunk, location)
		if err != nil {
			return results, fmt.Errorf("entry %s: %w", entry.Name, err)
		}
		results = append(results, v)
	}
	return results, nil
}

// handleDisasmCommand prints the disassembly of a listing or of every
// entry in an image. With -asm the output is assembler syntax that
// assembles back to the same code.
func handleDisasmCommand(args []string) {
	fs := flag.NewFlagSet("disasm", flag.ExitOnError)
	asmOut := fs.Bool("asm", false, "Print re-assemblable source instead of a listing")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fatal(errors.New("disasm requires exactly one file"))
	}
	path := fs.Arg(0)

	chunks, err := loadChunks(path)
	if err != nil {
		fatal(err)
	}
	for i, nc := range chunks {
		if i > 0 {
			fmt.Println()
		}
		if *asmOut {
			fmt.Printf("; %s\n", nc.name)
			fmt.Print(asm.Format(nc.chunk))
			continue
		}
		if err := nc.chunk.DisassembleTo(os.Stdout, nc.name); err != nil {
			fatal(err)
		}
	}
}

type namedChunk struct {
	name  string
	chunk *bytecode.Chunk
}

// loadChunks reads an image, or assembles a listing.
func loadChunks(path string) ([]namedChunk, error) {
	if strings.HasSuffix(path, image.Extension) {
		img, err := image.Read(path)
		if err != nil {
			return nil, err
		}
		var out []namedChunk
		for i := range img.Entries {
			chunk, err := img.Entries[i].Chunk()
			if err != nil {
				return nil, err
			}
			out = append(out, namedChunk{name: img.Entries[i].Name, chunk: chunk})
		}
		return out, nil
	}

	chunk, err := assembleFile(path)
	if err != nil {
		return nil, err
	}
	return []namedChunk{{name: filepath.Base(path), chunk: chunk}}, nil
}

func assembleFile(path string) (*bytecode.Chunk, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	chunk, err := asm.Assemble(string(source))
	if err != nil {
		return nil, &session.CompileError{Location: path, Err: err}
	}
	return chunk, nil
}

// handleBuildCommand assembles listings into an image.
// Usage:
//
//	typelox build a.lasm b.lasm            # <project>.tlimg
//	typelox build -o app.tlimg a.lasm
func handleBuildCommand(cfg *config, args []string) {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	output := fs.String("o", "", "Output image path")
	fs.Parse(args)

	if fs.NArg() == 0 {
		fatal(errors.New("build requires at least one listing"))
	}

	out := *output
	if out == "" {
		name := cfg.manifest.Project.Name
		if name == "" {
			name = "out"
		}
		out = name + image.Extension
	}

	img := image.New()
	for _, path := range fs.Args() {
		chunk, err := assembleFile(path)
		if err != nil {
			fatal(err)
		}
		if cfg.manifest.Run.Validate {
			if err := bytecode.Validate(chunk); err != nil {
				fatal(fmt.Errorf("%s: %w", path, err))
			}
		}
		location, err := session.FileLocation(path)
		if err != nil {
			fatal(err)
		}
		name := strings.TrimSuffix(filepath.Base(path), sourceExt)
		img.Add(name, location, chunk)
		log.Infof("added %s (%d bytes)", name, chunk.Len())
	}

	if err := image.Write(out, img); err != nil {
		fatal(err)
	}
	if cfg.verbose > 0 {
		fmt.Printf("Built %s (%d entries)\n", out, len(img.Entries))
	}
}
