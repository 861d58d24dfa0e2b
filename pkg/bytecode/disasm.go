package bytecode

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Disassemble returns a human-readable bytecode listing with a name header.
func (c *Chunk) Disassemble(name string) string {
	var sb strings.Builder
	c.DisassembleTo(&sb, name)
	return sb.String()
}

// DisassembleTo writes the listing for the chunk to w:
//
//	=== name ===
//	0000    1 CONSTANT            0 '1.5'
//	0002    | NEGATE
//	0003    2 JUMP_IF_FALSE      +4 -> 0010
//
// The second column is the source line, or "|" when the line is the same
// as the previous instruction's. Malformed streams are reported inline and
// never read past the end of the code.
func (c *Chunk) DisassembleTo(w io.Writer, name string) error {
	if _, err := fmt.Fprintf(w, "=== %s ===\n", name); err != nil {
		return err
	}
	prevLine := -1
	for offset := 0; offset < len(c.code); {
		text, next := c.disassembleInstruction(offset)
		line := c.LineFor(offset)

		lineStr := "|"
		if line != prevLine {
			lineStr = "-"
			if line > 0 {
				lineStr = strconv.Itoa(line)
			}
		}
		prevLine = line

		if _, err := fmt.Fprintf(w, "%04d %4s %s\n", offset, lineStr, text); err != nil {
			return err
		}
		offset = next
	}
	return nil
}

// DisassembleInstruction returns a human-readable representation of a
// single instruction and the offset of the next one.
func (c *Chunk) DisassembleInstruction(offset int) (string, int) {
	return c.disassembleInstruction(offset)
}

// disassembleInstruction formats the instruction at offset. The returned
// next offset is always greater than offset while offset is inside the code.
func (c *Chunk) disassembleInstruction(offset int) (string, int) {
	if offset >= len(c.code) {
		return "<end of code>", offset
	}

	in, err := c.DecodeAt(offset)
	switch {
	case errors.Is(err, ErrUnknownOpcode):
		return fmt.Sprintf("UNKNOWN(0x%02X)", byte(in.Op)), offset + 1
	case errors.Is(err, ErrTruncated):
		info := GetOpcodeInfo(in.Op)
		return fmt.Sprintf("%-16s <incomplete instruction: need %d operand byte(s), have %d>",
			info.Name, info.OperandLen, len(in.Operands)), len(c.code)
	case err != nil:
		return fmt.Sprintf("<%v>", err), len(c.code)
	}

	info := GetOpcodeInfo(in.Op)
	switch info.Operand {
	case OperandConstant:
		idx := in.ConstantIndex()
		if v, ok := c.Constant(idx); ok {
			return fmt.Sprintf("%-16s %4d '%s'", info.Name, idx, v), in.Next()
		}
		return fmt.Sprintf("%-16s %4d <invalid constant>", info.Name, idx), in.Next()

	case OperandJump:
		return fmt.Sprintf("%-16s %+4d -> %04d", info.Name, in.JumpDelta(), in.JumpTarget()), in.Next()

	default:
		return info.Name, in.Next()
	}
}
