package vm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/chazu/typelox/pkg/bytecode"
)

// ErrorKind classifies runtime failures.
type ErrorKind uint8

const (
	// TypeError: an operand has the wrong kind for the instruction.
	TypeError ErrorKind = iota + 1
	// StackUnderflow: the instruction needs more values than the stack holds.
	StackUnderflow
	// StackOverflow: a push would exceed Options.StackLimit.
	StackOverflow
	// InvariantViolation: the chunk or the machine broke an internal
	// contract. Always fatal; never a language-level error.
	InvariantViolation
)

var kindNames = map[ErrorKind]string{
	TypeError:          "TypeError",
	StackUnderflow:     "StackUnderflow",
	StackOverflow:      "StackOverflow",
	InvariantViolation: "InvariantViolation",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", k)
}

// ParseErrorKind resolves a kind name such as "TypeError".
func ParseErrorKind(name string) (ErrorKind, bool) {
	for k, n := range kindNames {
		if strings.EqualFold(n, name) {
			return k, true
		}
	}
	return 0, false
}

// Sentinels for errors.Is. A *RuntimeError matches the sentinel of its Kind.
var (
	ErrTypeError          = errors.New("type error")
	ErrStackUnderflow     = errors.New("stack underflow")
	ErrStackOverflow      = errors.New("stack overflow")
	ErrInvariantViolation = errors.New("invariant violation")
)

var kindSentinels = map[ErrorKind]error{
	TypeError:          ErrTypeError,
	StackUnderflow:     ErrStackUnderflow,
	StackOverflow:      ErrStackOverflow,
	InvariantViolation: ErrInvariantViolation,
}

// RuntimeError reports a failed run. It carries the source position of the
// instruction that failed.
type RuntimeError struct {
	Kind     ErrorKind
	Message  string
	Op       bytecode.Opcode
	Offset   int    // Offset of the failing instruction
	Line     int    // Source line from the chunk's line table, 0 if unknown
	Location string // Opaque source identifier supplied by the caller
	Err      error  // Underlying cause, if any
}

func (e *RuntimeError) Error() string {
	var sb strings.Builder
	if e.Location != "" {
		sb.WriteString(e.Location)
		if e.Line > 0 {
			fmt.Fprintf(&sb, ":%d", e.Line)
		}
		sb.WriteString(": ")
	} else if e.Line > 0 {
		fmt.Fprintf(&sb, "line %d: ", e.Line)
	}
	sb.WriteString(e.Kind.String())
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	return sb.String()
}

// Unwrap exposes the original error, if any.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel error for the error's kind.
func (e *RuntimeError) Is(target error) bool {
	return target != nil && kindSentinels[e.Kind] == target
}

// KindOf returns the kind of the first *RuntimeError in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var rerr *RuntimeError
	if errors.As(err, &rerr) {
		return rerr.Kind, true
	}
	return 0, false
}
