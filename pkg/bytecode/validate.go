package bytecode

import (
	"errors"
	"fmt"
)

// ValidationError describes one defect found by Validate.
type ValidationError struct {
	Offset int
	Line   int
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("offset %04d (line %d): %v", e.Offset, e.Line, e.Err)
	}
	return fmt.Sprintf("offset %04d: %v", e.Offset, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ErrBadJumpTarget marks a jump that does not land on an instruction
// boundary inside the code section.
var ErrBadJumpTarget = errors.New("jump target is not an instruction boundary")

// ErrBadConstant marks a CONSTANT whose index is outside the pool.
var ErrBadConstant = errors.New("constant index out of range")

// Validate is an optional one-time pass over a chunk before its first
// execution. It checks that every byte decodes to a known opcode with all
// of its operands, that constant indices are inside the pool, and that
// every jump lands on an instruction boundary (or exactly at the end of
// the code). All defects are returned joined; nil means the chunk is
// well-formed.
//
// Validate does not check stack depth; the interpreter reports underflow
// at run time.
func Validate(c *Chunk) error {
	var errs []error
	boundaries := make(map[int]bool)
	var jumps []Instruction

	for offset := 0; offset < len(c.code); {
		in, err := c.DecodeAt(offset)
		boundaries[offset] = true
		if err != nil {
			errs = append(errs, &ValidationError{Offset: offset, Line: c.LineFor(offset), Err: err})
			if errors.Is(err, ErrTruncated) {
				break
			}
			offset++
			continue
		}

		switch GetOpcodeInfo(in.Op).Operand {
		case OperandConstant:
			if idx := in.ConstantIndex(); idx >= len(c.constants) {
				errs = append(errs, &ValidationError{
					Offset: offset,
					Line:   c.LineFor(offset),
					Err:    fmt.Errorf("%w: %d >= %d", ErrBadConstant, idx, len(c.constants)),
				})
			}
		case OperandJump:
			jumps = append(jumps, in)
		}
		offset = in.Next()
	}
	boundaries[len(c.code)] = true

	for _, in := range jumps {
		target := in.JumpTarget()
		if !boundaries[target] {
			errs = append(errs, &ValidationError{
				Offset: in.Offset,
				Line:   c.LineFor(in.Offset),
				Err:    fmt.Errorf("%w: %s -> %04d", ErrBadJumpTarget, in.Op, target),
			})
		}
	}

	return errors.Join(errs...)
}
