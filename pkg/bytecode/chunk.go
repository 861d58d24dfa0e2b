package bytecode

import (
	"fmt"
	"math"
	"sort"

	"github.com/chazu/typelox/pkg/value"
)

// MaxConstants is the constant pool capacity addressable by a u8 operand.
const MaxConstants = 256

// LineStart marks the first byte offset attributed to a source line.
// The line applies until the next LineStart.
type LineStart struct {
	Offset int
	Line   int
}

// Chunk is an append-only unit of compiled bytecode: the instruction stream,
// its constant pool and the offset-to-line table.
//
// A Chunk is produced by a compiler and is read-only once handed to the
// interpreter. Slices returned by Code, Constants and Lines must not be
// modified.
type Chunk struct {
	code      []byte
	constants []value.Value
	lines     []LineStart
}

// NewChunk creates a new empty chunk.
func NewChunk() *Chunk {
	return &Chunk{
		code:      make([]byte, 0, 64),
		constants: make([]value.Value, 0, 8),
	}
}

// ============================================================================
// Instruction stream
// ============================================================================

// Append writes one raw byte and returns the offset it was written at.
// No validation is performed.
func (c *Chunk) Append(b byte) int {
	offset := len(c.code)
	c.code = append(c.code, b)
	return offset
}

// Emit appends a single-byte opcode to the code section.
func (c *Chunk) Emit(op Opcode) int {
	return c.Append(byte(op))
}

// EmitWithOperand appends an opcode followed by its operand bytes and
// returns the offset of the opcode.
func (c *Chunk) EmitWithOperand(op Opcode, operands ...byte) int {
	offset := c.Append(byte(op))
	c.code = append(c.code, operands...)
	return offset
}

// EmitLine records line for the instruction and emits it.
func (c *Chunk) EmitLine(line int, op Opcode, operands ...byte) int {
	c.RecordLine(len(c.code), line)
	return c.EmitWithOperand(op, operands...)
}

// EmitConstant adds v to the pool and emits a CONSTANT instruction for it.
func (c *Chunk) EmitConstant(v value.Value, line int) (int, error) {
	idx, err := c.AddConstant(v)
	if err != nil {
		return 0, err
	}
	return c.EmitLine(line, OpConstant, byte(idx)), nil
}

// EmitJump emits a jump instruction with a placeholder offset.
// Returns the offset of the placeholder for later patching.
func (c *Chunk) EmitJump(op Opcode, line int) int {
	offset := c.EmitLine(line, op, 0xFF, 0xFF)
	return offset + 1
}

// PatchJump patches the jump whose operand starts at placeholderOffset so
// that it lands on the current end of the code section.
func (c *Chunk) PatchJump(placeholderOffset int) error {
	return c.PatchJumpTo(placeholderOffset, len(c.code))
}

// PatchJumpTo patches a jump to go to a specific offset.
func (c *Chunk) PatchJumpTo(placeholderOffset int, target int) error {
	if placeholderOffset < 1 || placeholderOffset+2 > len(c.code) {
		return fmt.Errorf("patch jump at %d: %w", placeholderOffset, ErrTruncated)
	}
	delta := target - (placeholderOffset + 2)
	if delta < math.MinInt16 || delta > math.MaxInt16 {
		return fmt.Errorf("patch jump at %d: %w", placeholderOffset, ErrJumpTooFar)
	}
	c.code[placeholderOffset] = byte(uint16(delta) >> 8)
	c.code[placeholderOffset+1] = byte(uint16(delta))
	return nil
}

// EmitLoop emits a backward JUMP to loopStart.
func (c *Chunk) EmitLoop(loopStart int, line int) error {
	delta := loopStart - (len(c.code) + 3)
	if delta < math.MinInt16 || delta > math.MaxInt16 {
		return fmt.Errorf("loop to %d: %w", loopStart, ErrJumpTooFar)
	}
	c.EmitLine(line, OpJump, byte(uint16(delta)>>8), byte(uint16(delta)))
	return nil
}

// Code returns the instruction stream.
func (c *Chunk) Code() []byte {
	return c.code
}

// Len returns the length of the code section.
func (c *Chunk) Len() int {
	return len(c.code)
}

// ============================================================================
// Constant pool
// ============================================================================

// AddConstant appends v to the pool and returns its index. Constants are
// never deduplicated or removed.
func (c *Chunk) AddConstant(v value.Value) (int, error) {
	if len(c.constants) >= MaxConstants {
		return 0, ErrConstantPoolOverflow
	}
	c.constants = append(c.constants, v)
	return len(c.constants) - 1, nil
}

// Constant returns the constant at index and whether the index is in range.
func (c *Chunk) Constant(index int) (value.Value, bool) {
	if index < 0 || index >= len(c.constants) {
		return value.Nil, false
	}
	return c.constants[index], true
}

// Constants returns the constant pool.
func (c *Chunk) Constants() []value.Value {
	return c.constants
}

// ConstantCount returns the number of constants in the pool.
func (c *Chunk) ConstantCount() int {
	return len(c.constants)
}

// ============================================================================
// Line table
// ============================================================================

// RecordLine attributes offset, and every following offset up to the next
// record, to line. Recording the same offset twice keeps the latest line.
func (c *Chunk) RecordLine(offset int, line int) {
	i := sort.Search(len(c.lines), func(i int) bool { return c.lines[i].Offset >= offset })
	if i < len(c.lines) && c.lines[i].Offset == offset {
		c.lines[i].Line = line
		return
	}
	// Already covered by the preceding run.
	if i > 0 && c.lines[i-1].Line == line {
		return
	}
	c.lines = append(c.lines, LineStart{})
	copy(c.lines[i+1:], c.lines[i:])
	c.lines[i] = LineStart{Offset: offset, Line: line}
}

// LineFor returns the source line for a bytecode offset: the line of the
// nearest record at or before it. Offsets inside an instruction therefore
// resolve to the instruction's line. Returns 0 if no mapping exists.
func (c *Chunk) LineFor(offset int) int {
	i := sort.Search(len(c.lines), func(i int) bool { return c.lines[i].Offset > offset })
	if i == 0 {
		return 0
	}
	return c.lines[i-1].Line
}

// Lines returns the run-length line table sorted by offset.
func (c *Chunk) Lines() []LineStart {
	return c.lines
}
