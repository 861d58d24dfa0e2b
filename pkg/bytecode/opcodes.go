package bytecode

import (
	"fmt"
	"sort"
	"strings"
)

// Opcode represents a bytecode instruction.
// Byte values are the contract between compiler and interpreter; never renumber.
// Opcodes are organized into ranges by category.
type Opcode byte

const (
	// ========================================================================
	// Termination, constants and stack (0x00-0x0F)
	// ========================================================================

	OpReturn   Opcode = 0x00 // Pop and yield the top of stack
	OpConstant Opcode = 0x01 // Push constant from pool: OpConstant <index:u8>
	OpNil      Opcode = 0x02 // Push nil
	OpTrue     Opcode = 0x03 // Push true
	OpFalse    Opcode = 0x04 // Push false
	OpPop      Opcode = 0x05 // Pop and discard top of stack

	// ========================================================================
	// Arithmetic (0x10-0x1F)
	// ========================================================================

	OpNegate   Opcode = 0x10 // Negate top of stack
	OpAdd      Opcode = 0x11 // Pop two, push sum
	OpSubtract Opcode = 0x12 // Pop two, push difference (a - b where b is TOS)
	OpMultiply Opcode = 0x13 // Pop two, push product
	OpDivide   Opcode = 0x14 // Pop two, push quotient

	// ========================================================================
	// Logic and comparison (0x20-0x2F)
	// ========================================================================

	OpNot     Opcode = 0x20 // Push true if TOS is falsy
	OpEqual   Opcode = 0x21 // Pop two, push whether they are equal
	OpGreater Opcode = 0x22 // Pop two, push a > b
	OpLess    Opcode = 0x23 // Pop two, push a < b

	// ========================================================================
	// Control flow (0x30-0x3F)
	// ========================================================================

	OpJump        Opcode = 0x30 // Unconditional jump: OpJump <offset:i16>
	OpJumpIfFalse Opcode = 0x31 // Jump if TOS is falsy, leaves TOS: OpJumpIfFalse <offset:i16>
)

// OperandKind describes how an instruction's operand bytes are interpreted.
type OperandKind uint8

const (
	OperandNone     OperandKind = iota // no operand bytes
	OperandConstant                    // u8 index into the constant pool
	OperandJump                        // big-endian i16 relative offset
)

// OpcodeInfo provides metadata about each opcode for decoding, disassembly
// and validation.
type OpcodeInfo struct {
	Name       string      // Mnemonic
	StackPop   int         // Values the instruction requires on the stack
	StackPush  int         // Values pushed
	OperandLen int         // Number of operand bytes following the opcode
	Operand    OperandKind // How the operand bytes are decoded
}

// opcodeInfoTable maps opcodes to their metadata. It is the closed set of
// valid instructions.
var opcodeInfoTable = map[Opcode]OpcodeInfo{
	OpReturn:   {"RETURN", 1, 0, 0, OperandNone},
	OpConstant: {"CONSTANT", 0, 1, 1, OperandConstant},
	OpNil:      {"NIL", 0, 1, 0, OperandNone},
	OpTrue:     {"TRUE", 0, 1, 0, OperandNone},
	OpFalse:    {"FALSE", 0, 1, 0, OperandNone},
	OpPop:      {"POP", 1, 0, 0, OperandNone},

	OpNegate:   {"NEGATE", 1, 1, 0, OperandNone},
	OpAdd:      {"ADD", 2, 1, 0, OperandNone},
	OpSubtract: {"SUBTRACT", 2, 1, 0, OperandNone},
	OpMultiply: {"MULTIPLY", 2, 1, 0, OperandNone},
	OpDivide:   {"DIVIDE", 2, 1, 0, OperandNone},

	OpNot:     {"NOT", 1, 1, 0, OperandNone},
	OpEqual:   {"EQUAL", 2, 1, 0, OperandNone},
	OpGreater: {"GREATER", 2, 1, 0, OperandNone},
	OpLess:    {"LESS", 2, 1, 0, OperandNone},

	// JUMP_IF_FALSE peeks, so it needs one value but leaves it in place.
	OpJump:        {"JUMP", 0, 0, 2, OperandJump},
	OpJumpIfFalse: {"JUMP_IF_FALSE", 1, 1, 2, OperandJump},
}

var opcodesByName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opcodeInfoTable))
	for op, info := range opcodeInfoTable {
		m[info.Name] = op
	}
	return m
}()

// Lookup returns the metadata for op and whether op is a defined opcode.
func Lookup(op Opcode) (OpcodeInfo, bool) {
	info, ok := opcodeInfoTable[op]
	return info, ok
}

// GetOpcodeInfo returns metadata for an opcode.
// Returns a zero OpcodeInfo with name "UNKNOWN(0xNN)" if the opcode is not recognized.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

// Decode converts a raw byte to an Opcode, rejecting bytes outside the
// defined set.
func Decode(b byte) (Opcode, error) {
	op := Opcode(b)
	if _, ok := opcodeInfoTable[op]; !ok {
		return 0, fmt.Errorf("%w: 0x%02X", ErrUnknownOpcode, b)
	}
	return op, nil
}

// ParseOpcode resolves a mnemonic (case-insensitive) to its opcode.
func ParseOpcode(name string) (Opcode, bool) {
	op, ok := opcodesByName[strings.ToUpper(name)]
	return op, ok
}

// String returns the mnemonic of an opcode.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// OperandLen returns the number of operand bytes for this opcode.
func (op Opcode) OperandLen() int {
	return GetOpcodeInfo(op).OperandLen
}

// InstructionLen returns the total length of an instruction (1 + operand bytes).
func (op Opcode) InstructionLen() int {
	return 1 + op.OperandLen()
}

// IsJump returns true if this opcode is a jump instruction.
func (op Opcode) IsJump() bool {
	return GetOpcodeInfo(op).Operand == OperandJump
}

// AllOpcodes returns every defined opcode in discriminant order.
func AllOpcodes() []Opcode {
	opcodes := make([]Opcode, 0, len(opcodeInfoTable))
	for op := range opcodeInfoTable {
		opcodes = append(opcodes, op)
	}
	sort.Slice(opcodes, func(i, j int) bool { return opcodes[i] < opcodes[j] })
	return opcodes
}

// OpcodeCount returns the number of defined opcodes.
func OpcodeCount() int {
	return len(opcodeInfoTable)
}
