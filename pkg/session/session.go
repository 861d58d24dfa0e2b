// Package session drives compilation and execution for the command line,
// the REPL and the language server. A Session is long-lived: a REPL reuses
// one Session for every line it reads.
package session

import (
	"crypto/sha256"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/typelox/pkg/bytecode"
	"github.com/chazu/typelox/pkg/value"
	"github.com/chazu/typelox/pkg/vm"
)

var log = commonlog.GetLogger("typelox.session")

// Compiler turns source text into a chunk. It is the only producer of
// chunks a Session runs.
type Compiler interface {
	Compile(source, location string) (*bytecode.Chunk, error)
}

// ChunkCache stores compiled chunks by the SHA-256 of their source.
type ChunkCache interface {
	Get(sourceHash [32]byte) (*bytecode.Chunk, bool, error)
	Put(sourceHash [32]byte, name string, chunk *bytecode.Chunk) error
}

// Options configures a Session.
type Options struct {
	VM vm.Options

	// Listing, when set, receives the disassembly of every chunk before it
	// runs.
	Listing io.Writer

	// Cache, when set, is consulted before compiling.
	Cache ChunkCache
}

// CompileError reports that source could not be turned into a chunk.
type CompileError struct {
	Location string
	Err      error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile error in %s: %v", e.Location, e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// Session owns the interpreter and the context that outlives a single run.
// A Session is not safe for concurrent use.
type Session struct {
	id       uuid.UUID
	compiler Compiler
	interp   *vm.Interpreter
	opts     Options

	nextLine int // next REPL line number
}

// New creates a session that compiles with compiler.
func New(compiler Compiler, opts Options) *Session {
	s := &Session{
		id:       uuid.New(),
		compiler: compiler,
		interp:   vm.New(opts.VM),
		opts:     opts,
		nextLine: 1,
	}
	log.Debugf("session %s: created", s.id)
	return s
}

// ID identifies the session in log output.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// SetListing replaces the disassembly writer; nil turns listings off.
func (s *Session) SetListing(w io.Writer) {
	s.opts.Listing = w
}

// VMOptions returns the interpreter options the session runs with.
func (s *Session) VMOptions() vm.Options {
	return s.opts.VM
}

// Listing returns the current disassembly writer.
func (s *Session) Listing() io.Writer {
	return s.opts.Listing
}

// Compile compiles source, going through the chunk cache when one is
// configured. Cache failures are logged and otherwise ignored.
func (s *Session) Compile(source, location string) (*bytecode.Chunk, error) {
	hash := SourceHash(source)
	if s.opts.Cache != nil {
		chunk, ok, err := s.opts.Cache.Get(hash)
		switch {
		case err != nil:
			log.Warningf("session %s: cache lookup for %s: %s", s.id, location, err)
		case ok:
			log.Debugf("session %s: cache hit for %s", s.id, location)
			return chunk, nil
		}
	}

	chunk, err := s.compiler.Compile(source, location)
	if err != nil {
		return nil, &CompileError{Location: location, Err: err}
	}

	if s.opts.Cache != nil {
		if err := s.opts.Cache.Put(hash, location, chunk); err != nil {
			log.Warningf("session %s: cache store for %s: %s", s.id, location, err)
		}
	}
	return chunk, nil
}

// RunString compiles and runs source. location names the source in errors
// and listings.
func (s *Session) RunString(source, location string) (value.Value, error) {
	chunk, err := s.Compile(source, location)
	if err != nil {
		return value.Nil, err
	}
	return s.RunChunk(chunk, location)
}

// RunChunk runs an already compiled chunk.
func (s *Session) RunChunk(chunk *bytecode.Chunk, location string) (value.Value, error) {
	if s.opts.Listing != nil {
		if err := chunk.DisassembleTo(s.opts.Listing, location); err != nil {
			return value.Nil, fmt.Errorf("write listing: %w", err)
		}
	}
	log.Debugf("session %s: running %s (%d bytes)", s.id, location, chunk.Len())
	v, err := s.interp.Run(chunk, location)
	if err != nil {
		log.Debugf("session %s: %s failed: %s", s.id, location, err)
		return value.Nil, err
	}
	return v, nil
}

// RunFile reads and runs the file at path. Its location is the file's URL.
func (s *Session) RunFile(path string) (value.Value, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return value.Nil, fmt.Errorf("read %s: %w", path, err)
	}
	location, err := FileLocation(path)
	if err != nil {
		return value.Nil, err
	}
	return s.RunString(string(source), location)
}

// Eval runs one REPL line. Lines are numbered from 1 across the life of
// the session and located at eval:///line/N.
func (s *Session) Eval(line string) (value.Value, error) {
	location := LineLocation(s.nextLine)
	s.nextLine++
	return s.RunString(line, location)
}

// LineLocation is the location of the nth REPL line.
func LineLocation(n int) string {
	return fmt.Sprintf("eval:///line/%d", n)
}

// FileLocation returns the file URL for path, made absolute.
func FileLocation(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	return u.String(), nil
}

// SourceHash is the cache key for source text.
func SourceHash(source string) [32]byte {
	return sha256.Sum256([]byte(source))
}
