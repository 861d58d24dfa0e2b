package bytecode

import (
	"encoding/binary"
	"fmt"
)

// Instruction is a decoded view of one instruction in a chunk. It is never
// stored; the chunk only holds raw bytes.
type Instruction struct {
	Offset   int    // Offset of the opcode byte
	Op       Opcode // Decoded opcode
	Operands []byte // Operand bytes, aliasing the chunk's code
}

// Len returns the encoded width of the instruction.
func (in Instruction) Len() int {
	return 1 + len(in.Operands)
}

// Next returns the offset of the following instruction.
func (in Instruction) Next() int {
	return in.Offset + in.Len()
}

// ConstantIndex returns the pool index of a CONSTANT instruction.
func (in Instruction) ConstantIndex() int {
	if len(in.Operands) < 1 {
		return 0
	}
	return int(in.Operands[0])
}

// JumpDelta returns the signed relative offset of a jump instruction.
func (in Instruction) JumpDelta() int {
	if len(in.Operands) < 2 {
		return 0
	}
	return int(int16(binary.BigEndian.Uint16(in.Operands)))
}

// JumpTarget returns the absolute offset a jump lands on. Offsets are
// relative to the byte after the operand, so a delta of 0 falls through.
func (in Instruction) JumpTarget() int {
	return in.Next() + in.JumpDelta()
}

// DecodeAt decodes the instruction starting at offset.
//
// Unknown opcodes return an error wrapping ErrUnknownOpcode together with a
// one-byte Instruction, so callers can skip it. Instructions whose operands
// run past the end return an error wrapping ErrTruncated and carry only the
// operand bytes that exist.
func (c *Chunk) DecodeAt(offset int) (Instruction, error) {
	if offset < 0 || offset >= len(c.code) {
		return Instruction{Offset: offset}, fmt.Errorf("offset %d outside code of length %d", offset, len(c.code))
	}
	in := Instruction{Offset: offset, Op: Opcode(c.code[offset])}
	info, ok := Lookup(in.Op)
	if !ok {
		return in, fmt.Errorf("%w 0x%02X at offset %d", ErrUnknownOpcode, byte(in.Op), offset)
	}
	end := offset + 1 + info.OperandLen
	if end > len(c.code) {
		in.Operands = c.code[offset+1:]
		return in, fmt.Errorf("%w: %s at offset %d needs %d operand byte(s), have %d",
			ErrTruncated, info.Name, offset, info.OperandLen, len(in.Operands))
	}
	in.Operands = c.code[offset+1 : end]
	return in, nil
}

// InstructionCount returns the number of instructions in the chunk,
// counting an undecodable byte as one instruction.
// Note: This iterates through all code, so it's O(n).
func (c *Chunk) InstructionCount() int {
	count := 0
	offset := 0
	for offset < len(c.code) {
		in, _ := c.DecodeAt(offset)
		offset += in.Len()
		count++
	}
	return count
}
