package bytecode

import "errors"

var (
	// ErrConstantPoolOverflow is returned by AddConstant when the pool already
	// holds MaxConstants values. Compilers report it as a compile error.
	ErrConstantPoolOverflow = errors.New("too many constants in one chunk")

	// ErrUnknownOpcode marks a byte that is not a defined opcode.
	ErrUnknownOpcode = errors.New("unknown opcode")

	// ErrTruncated marks an instruction whose operand bytes run past the end
	// of the code section.
	ErrTruncated = errors.New("incomplete instruction")

	// ErrJumpTooFar is returned when a jump distance does not fit in 16 bits.
	ErrJumpTooFar = errors.New("jump distance does not fit in 16 bits")
)
