// Package asm reads and writes the textual form of bytecode chunks.
//
// The syntax mirrors the disassembler's output: one instruction per line,
// a mnemonic followed by at most one operand. Comments start with ';'.
// Labels end with ':' and may share a line with an instruction.
//
//	        CONSTANT 1.5        ; a value literal: nil, true, false or a number
//	        CONSTANT 2
//	        LESS
//	        JUMP_IF_FALSE done  ; a label or a signed byte offset
//	        POP
//	        TRUE
//	done:   RETURN
//
// Each instruction is attributed to its line in the text unless a
// ".line N" directive is in effect. ".byte B..." appends raw bytes, which
// is how malformed chunks are written down.
package asm

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/chazu/typelox/pkg/bytecode"
	"github.com/chazu/typelox/pkg/value"
)

// Assemble reads assembly source into a new chunk. On failure the error is
// an ErrorList holding every problem found and the chunk is nil.
func Assemble(src string) (*bytecode.Chunk, error) {
	a := &assembler{
		chunk:  bytecode.NewChunk(),
		labels: make(map[string]labelDef),
	}
	lines := strings.Split(src, "\n")
	for i, text := range lines {
		a.assembleLine(i+1, strings.TrimSuffix(text, "\r"))
	}
	a.resolveFixups()

	if err := a.errors.Err(); err != nil {
		sort.SliceStable(a.errors, func(i, j int) bool {
			pi, pj := a.errors[i].Pos, a.errors[j].Pos
			if pi.Line != pj.Line {
				return pi.Line < pj.Line
			}
			return pi.Column < pj.Column
		})
		return nil, a.errors
	}
	return a.chunk, nil
}

// Compiler produces chunks from assembly source.
type Compiler struct{}

// Compile assembles source. location is not used; errors carry positions
// relative to the source text.
func (Compiler) Compile(source, location string) (*bytecode.Chunk, error) {
	return Assemble(source)
}

// ---------------------------------------------------------------------------
// Assembler state
// ---------------------------------------------------------------------------

type labelDef struct {
	offset int
	pos    Position
}

// fixup is a forward or backward label reference waiting for the label's
// offset.
type fixup struct {
	placeholder int
	label       string
	pos         Position
}

type assembler struct {
	chunk  *bytecode.Chunk
	labels map[string]labelDef
	fixups []fixup

	lineOverride int  // set by .line
	overridden   bool // whether .line has been seen

	errors ErrorList
}

func (a *assembler) errorf(pos Position, cause error, format string, args ...any) {
	a.errors = append(a.errors, &Error{Pos: pos, Msg: fmt.Sprintf(format, args...), Err: cause})
}

// sourceLine returns the line recorded for an instruction on text line n.
func (a *assembler) sourceLine(n int) int {
	if a.overridden {
		return a.lineOverride
	}
	return n
}

func (a *assembler) assembleLine(n int, text string) {
	toks := tokenize(text)

	for len(toks) > 0 && strings.HasSuffix(toks[0].text, ":") {
		a.defineLabel(Position{Line: n, Column: toks[0].col}, strings.TrimSuffix(toks[0].text, ":"))
		toks = toks[1:]
	}
	if len(toks) == 0 {
		return
	}

	head := toks[0]
	pos := Position{Line: n, Column: head.col}
	if strings.HasPrefix(head.text, ".") {
		a.directive(pos, head.text, toks[1:])
		return
	}
	a.instruction(pos, head.text, toks[1:])
}

func (a *assembler) defineLabel(pos Position, name string) {
	if !isIdent(name) {
		a.errorf(pos, nil, "invalid label name %q", name)
		return
	}
	if prev, ok := a.labels[name]; ok {
		a.errorf(pos, nil, "label %q already defined at %s", name, prev.pos)
		return
	}
	a.labels[name] = labelDef{offset: a.chunk.Len(), pos: pos}
}

func (a *assembler) directive(pos Position, name string, args []token) {
	switch strings.ToLower(name) {
	case ".line":
		if len(args) != 1 {
			a.errorf(pos, nil, ".line takes exactly one line number")
			return
		}
		line, err := strconv.Atoi(args[0].text)
		if err != nil || line < 0 {
			a.errorf(Position{Line: pos.Line, Column: args[0].col}, nil, "invalid line number %q", args[0].text)
			return
		}
		a.lineOverride = line
		a.overridden = true

	case ".byte":
		if len(args) == 0 {
			a.errorf(pos, nil, ".byte needs at least one value")
			return
		}
		a.chunk.RecordLine(a.chunk.Len(), a.sourceLine(pos.Line))
		for _, arg := range args {
			b, err := strconv.ParseUint(arg.text, 0, 8)
			if err != nil {
				a.errorf(Position{Line: pos.Line, Column: arg.col}, nil, "invalid byte %q", arg.text)
				continue
			}
			a.chunk.Append(byte(b))
		}

	default:
		a.errorf(pos, nil, "unknown directive %s", name)
	}
}

func (a *assembler) instruction(pos Position, mnemonic string, args []token) {
	op, ok := bytecode.ParseOpcode(mnemonic)
	if !ok {
		a.errorf(pos, bytecode.ErrUnknownOpcode, "unknown instruction %q", mnemonic)
		return
	}
	info := bytecode.GetOpcodeInfo(op)
	line := a.sourceLine(pos.Line)

	if info.Operand == bytecode.OperandNone {
		if len(args) != 0 {
			a.errorf(Position{Line: pos.Line, Column: args[0].col}, nil, "%s takes no operand", info.Name)
			return
		}
		a.chunk.EmitLine(line, op)
		return
	}

	if len(args) != 1 {
		a.errorf(pos, nil, "%s takes exactly one operand, got %d", info.Name, len(args))
		return
	}
	arg := args[0]
	argPos := Position{Line: pos.Line, Column: arg.col}

	switch info.Operand {
	case bytecode.OperandConstant:
		v, err := value.Parse(arg.text)
		if err != nil {
			a.errorf(argPos, nil, "%s operand: %v", info.Name, err)
			return
		}
		if _, err := a.chunk.EmitConstant(v, line); err != nil {
			a.errorf(argPos, err, "constant %s: %v", arg.text, err)
		}

	case bytecode.OperandJump:
		if isIdent(arg.text) {
			placeholder := a.chunk.EmitJump(op, line)
			a.fixups = append(a.fixups, fixup{placeholder: placeholder, label: arg.text, pos: argPos})
			return
		}
		delta, err := strconv.ParseInt(arg.text, 10, 16)
		if err != nil {
			a.errorf(argPos, nil, "%s operand %q is neither a label nor a 16-bit offset", info.Name, arg.text)
			return
		}
		a.chunk.EmitLine(line, op, byte(uint16(delta)>>8), byte(uint16(delta)))
	}
}

func (a *assembler) resolveFixups() {
	for _, f := range a.fixups {
		def, ok := a.labels[f.label]
		if !ok {
			a.errorf(f.pos, nil, "undefined label %q", f.label)
			continue
		}
		if err := a.chunk.PatchJumpTo(f.placeholder, def.offset); err != nil {
			a.errorf(f.pos, err, "jump to %q: %v", f.label, err)
		}
	}
}

// ---------------------------------------------------------------------------
// Tokens
// ---------------------------------------------------------------------------

type token struct {
	text string
	col  int // 1-based byte column
}

// tokenize splits a line into whitespace- or comma-separated tokens,
// dropping everything from the first ';'.
func tokenize(line string) []token {
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	var toks []token
	start := -1
	for i, r := range line {
		sep := unicode.IsSpace(r) || r == ','
		switch {
		case sep && start >= 0:
			toks = append(toks, token{text: line[start:i], col: start + 1})
			start = -1
		case !sep && start < 0:
			start = i
		}
	}
	if start >= 0 {
		toks = append(toks, token{text: line[start:], col: start + 1})
	}
	return toks
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || unicode.IsLetter(r):
		case i > 0 && (unicode.IsDigit(r) || r == '.'):
		default:
			return false
		}
	}
	// Value literals are operands, not labels.
	switch s {
	case "nil", "true", "false", "inf", "nan":
		return false
	}
	return true
}

// TokenAt returns the token under the 1-based column on a line of source,
// ignoring comments.
func TokenAt(line string, col int) (string, bool) {
	for _, tok := range tokenize(line) {
		if col >= tok.col && col < tok.col+len(tok.text) {
			return tok.text, true
		}
	}
	return "", false
}

// Labels returns the position of every label defined in src. When a label
// is defined twice the first definition is kept.
func Labels(src string) map[string]Position {
	labels := make(map[string]Position)
	for i, line := range strings.Split(src, "\n") {
		for _, tok := range tokenize(line) {
			if !strings.HasSuffix(tok.text, ":") {
				break
			}
			name := strings.TrimSuffix(tok.text, ":")
			if _, ok := labels[name]; !ok && isIdent(name) {
				labels[name] = Position{Line: i + 1, Column: tok.col}
			}
		}
	}
	return labels
}
