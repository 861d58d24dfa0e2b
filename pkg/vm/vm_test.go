package vm

import (
	"errors"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/chazu/typelox/pkg/bytecode"
	"github.com/chazu/typelox/pkg/value"
)

// binaryChunk builds: CONSTANT a; CONSTANT b; <op>; RETURN, all on line 1.
func binaryChunk(t *testing.T, a, b value.Value, op bytecode.Opcode) *bytecode.Chunk {
	t.Helper()
	c := bytecode.NewChunk()
	if _, err := c.EmitConstant(a, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := c.EmitConstant(b, 1); err != nil {
		t.Fatal(err)
	}
	c.EmitLine(1, op)
	c.EmitLine(1, bytecode.OpReturn)
	return c
}

func run(t *testing.T, c *bytecode.Chunk) (value.Value, error) {
	t.Helper()
	return New(Options{}).Run(c, "test.lox")
}

func mustRun(t *testing.T, c *bytecode.Chunk) value.Value {
	t.Helper()
	v, err := run(t, c)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return v
}

func expectKind(t *testing.T, err error, kind ErrorKind) *RuntimeError {
	t.Helper()
	var rerr *RuntimeError
	if !errors.As(err, &rerr) {
		t.Fatalf("error = %v (%T), want *RuntimeError", err, err)
	}
	if rerr.Kind != kind {
		t.Fatalf("error kind = %s, want %s (%v)", rerr.Kind, kind, err)
	}
	return rerr
}

func TestConstantReturn(t *testing.T) {
	c := bytecode.NewChunk()
	c.EmitConstant(value.Number(1.2), 123)
	c.EmitLine(123, bytecode.OpReturn)

	got := mustRun(t, c)
	if !value.Equal(got, value.Number(1.2)) {
		t.Errorf("Run() = %v, want 1.2", got)
	}
}

func TestLiterals(t *testing.T) {
	tests := []struct {
		op   bytecode.Opcode
		want value.Value
	}{
		{bytecode.OpNil, value.Nil},
		{bytecode.OpTrue, value.Bool(true)},
		{bytecode.OpFalse, value.Bool(false)},
	}
	for _, tt := range tests {
		c := bytecode.NewChunk()
		c.EmitLine(1, tt.op)
		c.EmitLine(1, bytecode.OpReturn)
		if got := mustRun(t, c); !value.Equal(got, tt.want) {
			t.Errorf("%s: Run() = %v, want %v", tt.op, got, tt.want)
		}
	}
}

func TestArithmetic(t *testing.T) {
	tests := []struct {
		name string
		a, b float64
		op   bytecode.Opcode
		want float64
	}{
		{"add", 1.5, 2.25, bytecode.OpAdd, 3.75},
		{"subtract", 5, 2, bytecode.OpSubtract, 3},
		{"subtract order", 2, 5, bytecode.OpSubtract, -3},
		{"multiply", -4, 2.5, bytecode.OpMultiply, -10},
		{"divide", 1, 4, bytecode.OpDivide, 0.25},
		{"divide by zero", 1, 0, bytecode.OpDivide, math.Inf(1)},
		{"negative divide by zero", -1, 0, bytecode.OpDivide, math.Inf(-1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mustRun(t, binaryChunk(t, value.Number(tt.a), value.Number(tt.b), tt.op))
			if !got.IsNumber() || got.AsNumber() != tt.want {
				t.Errorf("%v %s %v = %v, want %v", tt.a, tt.op, tt.b, got, tt.want)
			}
		})
	}
}

func TestZeroDividedByZeroIsNaN(t *testing.T) {
	got := mustRun(t, binaryChunk(t, value.Number(0), value.Number(0), bytecode.OpDivide))
	if !got.IsNumber() || !math.IsNaN(got.AsNumber()) {
		t.Errorf("0/0 = %v, want NaN", got)
	}
}

func TestNegate(t *testing.T) {
	c := bytecode.NewChunk()
	c.EmitConstant(value.Number(3), 1)
	c.EmitLine(1, bytecode.OpNegate)
	c.EmitLine(1, bytecode.OpNegate)
	c.EmitLine(1, bytecode.OpNegate)
	c.EmitLine(1, bytecode.OpReturn)

	if got := mustRun(t, c); !value.Equal(got, value.Number(-3)) {
		t.Errorf("---3 = %v, want -3", got)
	}
}

func TestNegateTypeError(t *testing.T) {
	for _, operand := range []bytecode.Opcode{bytecode.OpTrue, bytecode.OpNil} {
		c := bytecode.NewChunk()
		c.EmitLine(4, operand)
		c.EmitLine(5, bytecode.OpNegate)
		c.EmitLine(5, bytecode.OpReturn)

		_, err := run(t, c)
		rerr := expectKind(t, err, TypeError)
		if rerr.Line != 5 {
			t.Errorf("NEGATE %s: line = %d, want 5", operand, rerr.Line)
		}
		if rerr.Offset != 1 || rerr.Op != bytecode.OpNegate {
			t.Errorf("NEGATE %s: offset %d op %s, want offset 1 op NEGATE", operand, rerr.Offset, rerr.Op)
		}
		if !errors.Is(err, ErrTypeError) {
			t.Errorf("errors.Is(err, ErrTypeError) = false for %v", err)
		}
	}
}

func TestBinaryTypeErrorNamesKinds(t *testing.T) {
	_, err := run(t, binaryChunk(t, value.Number(1), value.Bool(true), bytecode.OpAdd))
	rerr := expectKind(t, err, TypeError)
	if !strings.Contains(rerr.Message, "number") || !strings.Contains(rerr.Message, "boolean") {
		t.Errorf("message %q should name both operand kinds", rerr.Message)
	}
	if rerr.Line != 1 {
		t.Errorf("line = %d, want 1", rerr.Line)
	}

	_, err = run(t, binaryChunk(t, value.Nil, value.Number(1), bytecode.OpGreater))
	expectKind(t, err, TypeError)
}

func TestStackUnderflow(t *testing.T) {
	c := bytecode.NewChunk()
	c.EmitConstant(value.Number(1), 7)
	c.EmitLine(8, bytecode.OpAdd)
	c.EmitLine(8, bytecode.OpReturn)

	_, err := run(t, c)
	rerr := expectKind(t, err, StackUnderflow)
	if rerr.Line != 8 {
		t.Errorf("line = %d, want 8", rerr.Line)
	}
	if !errors.Is(err, ErrStackUnderflow) {
		t.Errorf("errors.Is(err, ErrStackUnderflow) = false")
	}
}

func TestComparison(t *testing.T) {
	tests := []struct {
		a, b float64
		op   bytecode.Opcode
		want bool
	}{
		{2, 1, bytecode.OpGreater, true},
		{1, 2, bytecode.OpGreater, false},
		{1, 1, bytecode.OpGreater, false},
		{1, 2, bytecode.OpLess, true},
		{2, 1, bytecode.OpLess, false},
		{math.NaN(), 1, bytecode.OpLess, false},
	}
	for _, tt := range tests {
		got := mustRun(t, binaryChunk(t, value.Number(tt.a), value.Number(tt.b), tt.op))
		if !value.Equal(got, value.Bool(tt.want)) {
			t.Errorf("%v %s %v = %v, want %v", tt.a, tt.op, tt.b, got, tt.want)
		}
	}
}

func TestEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b value.Value
		want bool
	}{
		{"numbers", value.Number(2), value.Number(2), true},
		{"different numbers", value.Number(2), value.Number(3), false},
		{"number vs bool", value.Number(1), value.Bool(true), false},
		{"zero vs false", value.Number(0), value.Bool(false), false},
		{"nil vs nil", value.Nil, value.Nil, true},
		{"nil vs false", value.Nil, value.Bool(false), false},
		{"nan", value.Number(math.NaN()), value.Number(math.NaN()), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mustRun(t, binaryChunk(t, tt.a, tt.b, bytecode.OpEqual))
			if !value.Equal(got, value.Bool(tt.want)) {
				t.Errorf("%v == %v -> %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestNot(t *testing.T) {
	tests := []struct {
		v    value.Value
		want bool
	}{
		{value.Nil, true},
		{value.Bool(false), true},
		{value.Bool(true), false},
		{value.Number(0), false},
	}
	for _, tt := range tests {
		c := bytecode.NewChunk()
		c.EmitConstant(tt.v, 1)
		c.EmitLine(1, bytecode.OpNot)
		c.EmitLine(1, bytecode.OpReturn)
		if got := mustRun(t, c); !value.Equal(got, value.Bool(tt.want)) {
			t.Errorf("NOT %v = %v, want %v", tt.v, got, tt.want)
		}
	}
}

// branchChunk builds: <cond>; JUMP_IF_FALSE else; POP; CONSTANT 1; JUMP end;
// else: POP; CONSTANT 2; end: RETURN.
func branchChunk(t *testing.T, cond bytecode.Opcode) *bytecode.Chunk {
	t.Helper()
	c := bytecode.NewChunk()
	c.EmitLine(1, cond)
	elseJump := c.EmitJump(bytecode.OpJumpIfFalse, 1)
	c.EmitLine(2, bytecode.OpPop)
	c.EmitConstant(value.Number(1), 2)
	endJump := c.EmitJump(bytecode.OpJump, 2)
	if err := c.PatchJump(elseJump); err != nil {
		t.Fatal(err)
	}
	c.EmitLine(3, bytecode.OpPop)
	c.EmitConstant(value.Number(2), 3)
	if err := c.PatchJump(endJump); err != nil {
		t.Fatal(err)
	}
	c.EmitLine(4, bytecode.OpReturn)
	return c
}

func TestJumpIfFalse(t *testing.T) {
	tests := []struct {
		cond bytecode.Opcode
		want float64
	}{
		{bytecode.OpTrue, 1},
		{bytecode.OpFalse, 2},
		{bytecode.OpNil, 2},
	}
	for _, tt := range tests {
		got := mustRun(t, branchChunk(t, tt.cond))
		if !value.Equal(got, value.Number(tt.want)) {
			t.Errorf("branch on %s = %v, want %v", tt.cond, got, tt.want)
		}
	}
}

func TestJumpIfFalseLeavesCondition(t *testing.T) {
	c := bytecode.NewChunk()
	c.EmitLine(1, bytecode.OpFalse)
	jump := c.EmitJump(bytecode.OpJumpIfFalse, 1)
	c.EmitLine(1, bytecode.OpNil)
	c.PatchJump(jump)
	c.EmitLine(1, bytecode.OpReturn)

	got := mustRun(t, c)
	if !value.Equal(got, value.Bool(false)) {
		t.Errorf("Run() = %v, want the untouched condition false", got)
	}
}

func TestBackwardJump(t *testing.T) {
	c := bytecode.NewChunk()
	forward := c.EmitJump(bytecode.OpJump, 1)
	target := c.Len()
	c.EmitConstant(value.Number(42), 2)
	c.EmitLine(2, bytecode.OpReturn)
	c.PatchJump(forward)
	if err := c.EmitLoop(target, 3); err != nil {
		t.Fatal(err)
	}

	if got := mustRun(t, c); !value.Equal(got, value.Number(42)) {
		t.Errorf("Run() = %v, want 42", got)
	}
}

func TestReturnRequiresSingleValue(t *testing.T) {
	empty := bytecode.NewChunk()
	empty.EmitLine(1, bytecode.OpReturn)

	two := bytecode.NewChunk()
	two.EmitLine(1, bytecode.OpNil)
	two.EmitLine(1, bytecode.OpNil)
	two.EmitLine(2, bytecode.OpReturn)

	_, err := run(t, empty)
	expectKind(t, err, InvariantViolation)

	_, err = run(t, two)
	rerr := expectKind(t, err, InvariantViolation)
	if rerr.Line != 2 || rerr.Op != bytecode.OpReturn {
		t.Errorf("error at line %d op %s, want line 2 RETURN", rerr.Line, rerr.Op)
	}
}

func TestInvariantViolations(t *testing.T) {
	tests := []struct {
		name  string
		build func(c *bytecode.Chunk)
		cause error
	}{
		{
			name: "unknown opcode",
			build: func(c *bytecode.Chunk) {
				c.Append(0xEE)
			},
			cause: bytecode.ErrUnknownOpcode,
		},
		{
			name: "truncated operand",
			build: func(c *bytecode.Chunk) {
				c.Append(byte(bytecode.OpConstant))
			},
			cause: bytecode.ErrTruncated,
		},
		{
			name: "constant out of range",
			build: func(c *bytecode.Chunk) {
				c.EmitWithOperand(bytecode.OpConstant, 3)
				c.Emit(bytecode.OpReturn)
			},
			cause: bytecode.ErrBadConstant,
		},
		{
			name: "missing return",
			build: func(c *bytecode.Chunk) {
				c.Emit(bytecode.OpNil)
			},
		},
		{
			name:  "empty chunk",
			build: func(c *bytecode.Chunk) {},
		},
		{
			name: "jump outside code",
			build: func(c *bytecode.Chunk) {
				c.EmitWithOperand(bytecode.OpJump, 0x00, 0x40)
				c.Emit(bytecode.OpReturn)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := bytecode.NewChunk()
			tt.build(c)
			_, err := run(t, c)
			expectKind(t, err, InvariantViolation)
			if tt.cause != nil && !errors.Is(err, tt.cause) {
				t.Errorf("error %v does not wrap %v", err, tt.cause)
			}
		})
	}
}

func TestValidateOption(t *testing.T) {
	c := bytecode.NewChunk()
	c.EmitWithOperand(bytecode.OpJump, 0x00, 0x40)
	c.Emit(bytecode.OpReturn)

	_, err := New(Options{Validate: true}).Run(c, "test.lox")
	expectKind(t, err, InvariantViolation)
	if !errors.Is(err, bytecode.ErrBadJumpTarget) {
		t.Errorf("error %v does not wrap ErrBadJumpTarget", err)
	}
}

func TestValidateOptionReportsPosition(t *testing.T) {
	c := bytecode.NewChunk()
	c.EmitConstant(value.Number(1), 1)
	offset := c.Append(0xEE)
	c.RecordLine(offset, 7)
	c.EmitLine(7, bytecode.OpReturn)

	for _, validate := range []bool{false, true} {
		_, err := New(Options{Validate: validate}).Run(c, "p.lasm")
		rerr := expectKind(t, err, InvariantViolation)
		if rerr.Line != 7 || rerr.Offset != offset {
			t.Errorf("validate=%v: line %d offset %d, want line 7 offset %d",
				validate, rerr.Line, rerr.Offset, offset)
		}
		if !strings.HasPrefix(err.Error(), "p.lasm:7: InvariantViolation") {
			t.Errorf("validate=%v: error = %q", validate, err)
		}
	}

	_, err := New(Options{Validate: true}).Run(c, "p.lasm")
	if !errors.Is(err, bytecode.ErrUnknownOpcode) {
		t.Errorf("error %v does not wrap ErrUnknownOpcode", err)
	}
	if rerr := expectKind(t, err, InvariantViolation); rerr.Op != 0xEE {
		t.Errorf("op = %v, want 0xEE", rerr.Op)
	}
}

func TestStackOverflow(t *testing.T) {
	c := bytecode.NewChunk()
	for i := 0; i < 3; i++ {
		c.EmitLine(1, bytecode.OpNil)
	}
	c.EmitLine(1, bytecode.OpReturn)

	_, err := New(Options{StackLimit: 2}).Run(c, "test.lox")
	rerr := expectKind(t, err, StackOverflow)
	if rerr.Offset != 2 {
		t.Errorf("overflow offset = %d, want 2", rerr.Offset)
	}

	// Without a limit the run reaches RETURN with three values.
	_, err = New(Options{StackLimit: -1}).Run(c, "test.lox")
	expectKind(t, err, InvariantViolation)
}

func TestZeroStackLimitIsUnbounded(t *testing.T) {
	const depth = DefaultStackLimit + 44
	c := bytecode.NewChunk()
	for i := 0; i < depth; i++ {
		c.EmitLine(1, bytecode.OpNil)
	}
	for i := 1; i < depth; i++ {
		c.EmitLine(1, bytecode.OpPop)
	}
	c.EmitLine(1, bytecode.OpReturn)

	got, err := New(Options{}).Run(c, "test.lox")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !value.Equal(got, value.Nil) {
		t.Errorf("Run() = %v, want nil", got)
	}
}

func TestMachineStep(t *testing.T) {
	c := binaryChunk(t, value.Number(2), value.Number(3), bytecode.OpMultiply)
	m := NewMachine(c, "step.lox", Options{})

	if m.State() != StateReady {
		t.Fatalf("initial state = %s, want ready", m.State())
	}

	wantDepths := []int{1, 2, 1, 0}
	for i, depth := range wantDepths {
		halted, err := m.Step()
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got := len(m.Stack()); got != depth {
			t.Errorf("step %d: stack depth %d, want %d", i, got, depth)
		}
		if halted != (i == len(wantDepths)-1) {
			t.Errorf("step %d: halted = %v", i, halted)
		}
	}

	if m.State() != StateHalted {
		t.Errorf("final state = %s, want halted", m.State())
	}
	v, err := m.Result()
	if err != nil || !value.Equal(v, value.Number(6)) {
		t.Errorf("Result() = %v, %v; want 6, nil", v, err)
	}

	// Stepping a halted machine is a no-op
	if halted, _ := m.Step(); !halted {
		t.Error("Step after halt should report halted")
	}
}

func TestStackSnapshotIsCopy(t *testing.T) {
	c := binaryChunk(t, value.Number(1), value.Number(2), bytecode.OpAdd)
	m := NewMachine(c, "snap.lox", Options{})
	m.Step()

	snap := m.Stack()
	snap[0] = value.Bool(true)
	if !value.Equal(m.Stack()[0], value.Number(1)) {
		t.Error("mutating the snapshot changed the machine stack")
	}
}

func TestRuntimeErrorMessage(t *testing.T) {
	_, err := run(t, binaryChunk(t, value.Bool(true), value.Number(1), bytecode.OpSubtract))
	want := "test.lox:1: TypeError: operands must be numbers, got boolean and number"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestConcurrentRunsShareChunk(t *testing.T) {
	c := branchChunk(t, bytecode.OpFalse)
	in := New(Options{})

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := in.Run(c, "shared.lox")
			if err == nil && !value.Equal(v, value.Number(2)) {
				err = errors.New("unexpected result " + v.String())
			}
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestParseErrorKind(t *testing.T) {
	for _, kind := range []ErrorKind{TypeError, StackUnderflow, StackOverflow, InvariantViolation} {
		got, ok := ParseErrorKind(kind.String())
		if !ok || got != kind {
			t.Errorf("ParseErrorKind(%q) = %v, %v", kind.String(), got, ok)
		}
	}
	if _, ok := ParseErrorKind("Bogus"); ok {
		t.Error("ParseErrorKind(Bogus) succeeded")
	}
}

func TestKindOf(t *testing.T) {
	_, err := run(t, binaryChunk(t, value.Nil, value.Nil, bytecode.OpAdd))
	wrapped := errors.Join(errors.New("context"), err)
	if kind, ok := KindOf(wrapped); !ok || kind != TypeError {
		t.Errorf("KindOf = %v, %v; want TypeError", kind, ok)
	}
	if _, ok := KindOf(errors.New("plain")); ok {
		t.Error("KindOf(plain) reported a kind")
	}
}
