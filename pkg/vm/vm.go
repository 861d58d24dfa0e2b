package vm

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/chazu/typelox/pkg/bytecode"
	"github.com/chazu/typelox/pkg/value"
)

var log = commonlog.GetLogger("typelox.vm")

// DefaultStackLimit is the value stack depth new projects are configured
// with. It also sizes the initial stack allocation.
const DefaultStackLimit = 256

// Options configures how chunks are executed.
type Options struct {
	// StackLimit caps the value stack depth. Zero or a negative limit
	// leaves the stack unbounded.
	StackLimit int

	// Trace logs every dispatched instruction and the stack at debug level.
	Trace bool

	// Validate runs bytecode.Validate once before execution.
	Validate bool
}

// Interpreter executes chunks. It holds no per-run state, so one Interpreter
// may serve many runs, including concurrent runs of the same chunk.
type Interpreter struct {
	opts Options
}

// New creates an interpreter with the given options.
func New(opts Options) *Interpreter {
	return &Interpreter{opts: opts}
}

// Options returns the interpreter's options.
func (in *Interpreter) Options() Options {
	return in.opts
}

// Run executes chunk to completion and returns the value yielded by RETURN.
// location identifies the source in errors; it is not interpreted.
func (in *Interpreter) Run(chunk *bytecode.Chunk, location string) (value.Value, error) {
	if in.opts.Validate {
		if err := bytecode.Validate(chunk); err != nil {
			rerr := &RuntimeError{
				Kind:     InvariantViolation,
				Message:  "chunk failed validation",
				Location: location,
				Err:      err,
			}
			// Report the first defect's position; the rest stay in Err.
			var verr *bytecode.ValidationError
			if errors.As(err, &verr) {
				rerr.Offset = verr.Offset
				rerr.Line = verr.Line
				rerr.Message = verr.Err.Error()
				if verr.Offset < len(chunk.Code()) {
					rerr.Op = bytecode.Opcode(chunk.Code()[verr.Offset])
				}
			}
			return value.Nil, rerr
		}
	}
	return NewMachine(chunk, location, in.opts).Run()
}

// ============================================================================
// Machine
// ============================================================================

// State is the lifecycle of a Machine.
type State uint8

const (
	StateReady State = iota
	StateRunning
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateHalted:
		return "halted"
	}
	return fmt.Sprintf("State(%d)", s)
}

// Machine is the state of a single run: instruction pointer and value
// stack over one chunk. A Machine is not safe for concurrent use.
type Machine struct {
	chunk    *bytecode.Chunk
	code     []byte
	location string
	limit    int
	trace    bool

	ip     int
	stack  []value.Value
	state  State
	result value.Value
	err    error
}

// NewMachine prepares a run of chunk. The chunk is not modified.
func NewMachine(chunk *bytecode.Chunk, location string, opts Options) *Machine {
	limit := opts.StackLimit
	capacity := limit
	if capacity <= 0 || capacity > DefaultStackLimit {
		capacity = DefaultStackLimit
	}
	return &Machine{
		chunk:    chunk,
		code:     chunk.Code(),
		location: location,
		limit:    limit,
		trace:    opts.Trace,
		stack:    make([]value.Value, 0, capacity),
	}
}

// State reports where the machine is in its lifecycle.
func (m *Machine) State() State {
	return m.state
}

// IP returns the offset of the next instruction.
func (m *Machine) IP() int {
	return m.ip
}

// Stack returns a copy of the value stack, bottom first.
func (m *Machine) Stack() []value.Value {
	out := make([]value.Value, len(m.stack))
	copy(out, m.stack)
	return out
}

// Result returns the outcome of a halted run.
func (m *Machine) Result() (value.Value, error) {
	return m.result, m.err
}

// Run executes instructions until RETURN or an error.
func (m *Machine) Run() (value.Value, error) {
	if m.state == StateHalted {
		return m.result, m.err
	}
	m.state = StateRunning
	for m.state == StateRunning {
		m.step()
	}
	return m.result, m.err
}

// Step executes one instruction. It reports whether the machine halted;
// after halting, Result holds the outcome.
func (m *Machine) Step() (halted bool, err error) {
	if m.state == StateHalted {
		return true, m.err
	}
	m.state = StateRunning
	m.step()
	return m.state == StateHalted, m.err
}

// instrMeta is the per-byte decode table, built once from the opcode table
// so dispatch does not go through a map.
type instrMeta struct {
	valid bool
	width int
	pops  int
}

var decodeTable = func() (t [256]instrMeta) {
	for _, op := range bytecode.AllOpcodes() {
		info := bytecode.GetOpcodeInfo(op)
		t[op] = instrMeta{valid: true, width: 1 + info.OperandLen, pops: info.StackPop}
	}
	// RETURN checks its own depth: anything but exactly one value is an
	// invariant violation, including an empty stack.
	t[bytecode.OpReturn].pops = 0
	return t
}()

func (m *Machine) step() {
	start := m.ip
	if start < 0 || start >= len(m.code) {
		m.fail(InvariantViolation, start, bytecode.OpReturn, nil,
			"instruction pointer %d outside code of length %d (missing RETURN?)", start, len(m.code))
		return
	}

	op := bytecode.Opcode(m.code[start])
	meta := &decodeTable[op]
	if !meta.valid {
		m.fail(InvariantViolation, start, op, bytecode.ErrUnknownOpcode,
			"unknown opcode 0x%02X", byte(op))
		return
	}
	if start+meta.width > len(m.code) {
		m.fail(InvariantViolation, start, op, bytecode.ErrTruncated,
			"%s at offset %d needs %d operand byte(s), have %d",
			op, start, meta.width-1, len(m.code)-start-1)
		return
	}
	if len(m.stack) < meta.pops {
		m.fail(StackUnderflow, start, op, nil,
			"%s needs %d value(s) on the stack, found %d", op, meta.pops, len(m.stack))
		return
	}

	if m.trace {
		text, _ := m.chunk.DisassembleInstruction(start)
		log.Debugf("%s %04d %-32s %v", m.location, start, text, m.stack)
	}

	m.ip = start + meta.width

	switch op {
	// ============ Termination, constants and stack ============
	case bytecode.OpReturn:
		if len(m.stack) != 1 {
			m.fail(InvariantViolation, start, op, nil,
				"stack holds %d values at RETURN, want 1", len(m.stack))
			return
		}
		m.result = m.pop()
		m.state = StateHalted

	case bytecode.OpConstant:
		idx := int(m.code[start+1])
		v, ok := m.chunk.Constant(idx)
		if !ok {
			m.fail(InvariantViolation, start, op, bytecode.ErrBadConstant,
				"constant index %d out of range (pool has %d)", idx, m.chunk.ConstantCount())
			return
		}
		m.push(start, op, v)

	case bytecode.OpNil:
		m.push(start, op, value.Nil)

	case bytecode.OpTrue:
		m.push(start, op, value.Bool(true))

	case bytecode.OpFalse:
		m.push(start, op, value.Bool(false))

	case bytecode.OpPop:
		m.pop()

	// ============ Arithmetic ============
	case bytecode.OpNegate:
		top := m.peek()
		if !top.IsNumber() {
			m.fail(TypeError, start, op, nil, "operand must be a number, got %s", top.Kind())
			return
		}
		m.stack[len(m.stack)-1] = value.Number(-top.AsNumber())

	case bytecode.OpAdd, bytecode.OpSubtract, bytecode.OpMultiply, bytecode.OpDivide,
		bytecode.OpGreater, bytecode.OpLess:
		m.binaryNumeric(start, op)

	// ============ Logic and comparison ============
	case bytecode.OpNot:
		top := m.peek()
		m.stack[len(m.stack)-1] = value.Bool(top.IsFalsey())

	case bytecode.OpEqual:
		b := m.pop()
		a := m.pop()
		m.push(start, op, value.Bool(value.Equal(a, b)))

	// ============ Control flow ============
	case bytecode.OpJump:
		m.ip += m.readJump(start)

	case bytecode.OpJumpIfFalse:
		if m.peek().IsFalsey() {
			m.ip += m.readJump(start)
		}

	default:
		// decodeTable and this switch cover the same set
		m.fail(InvariantViolation, start, op, bytecode.ErrUnknownOpcode,
			"no handler for opcode %s", op)
	}
}

// binaryNumeric pops b then a and pushes a <op> b. Division follows IEEE 754:
// x/0 is ±Inf and 0/0 is NaN.
func (m *Machine) binaryNumeric(start int, op bytecode.Opcode) {
	n := len(m.stack)
	a, b := m.stack[n-2], m.stack[n-1]
	if !a.IsNumber() || !b.IsNumber() {
		m.fail(TypeError, start, op, nil,
			"operands must be numbers, got %s and %s", a.Kind(), b.Kind())
		return
	}
	x, y := a.AsNumber(), b.AsNumber()
	var result value.Value
	switch op {
	case bytecode.OpAdd:
		result = value.Number(x + y)
	case bytecode.OpSubtract:
		result = value.Number(x - y)
	case bytecode.OpMultiply:
		result = value.Number(x * y)
	case bytecode.OpDivide:
		result = value.Number(x / y)
	case bytecode.OpGreater:
		result = value.Bool(x > y)
	case bytecode.OpLess:
		result = value.Bool(x < y)
	}
	m.stack = m.stack[:n-1]
	m.stack[n-2] = result
}

// Stack helpers

func (m *Machine) push(start int, op bytecode.Opcode, v value.Value) {
	if m.limit > 0 && len(m.stack) >= m.limit {
		m.fail(StackOverflow, start, op, nil, "stack limit of %d values exceeded", m.limit)
		return
	}
	m.stack = append(m.stack, v)
}

func (m *Machine) pop() value.Value {
	n := len(m.stack) - 1
	v := m.stack[n]
	m.stack = m.stack[:n]
	return v
}

func (m *Machine) peek() value.Value {
	return m.stack[len(m.stack)-1]
}

func (m *Machine) readJump(start int) int {
	return int(int16(uint16(m.code[start+1])<<8 | uint16(m.code[start+2])))
}

// fail halts the machine with a runtime error attributed to the
// instruction at offset.
func (m *Machine) fail(kind ErrorKind, offset int, op bytecode.Opcode, cause error, format string, args ...any) {
	m.err = &RuntimeError{
		Kind:     kind,
		Message:  fmt.Sprintf(format, args...),
		Op:       op,
		Offset:   offset,
		Line:     m.chunk.LineFor(offset),
		Location: m.location,
		Err:      cause,
	}
	m.result = value.Nil
	m.state = StateHalted
	if m.trace {
		log.Debugf("%s halted: %s", m.location, m.err)
	}
}
