package asm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/chazu/typelox/pkg/bytecode"
)

// Format renders a chunk as assembly source. Assembling the result yields an
// equivalent chunk with the same line attribution; the code bytes match
// exactly when each constant is referenced once, in pool order, which is
// how Assemble lays out pools. Jump targets that land on an instruction
// boundary become labels; anything else is written as a raw offset.
// Undecodable bytes are written with .byte.
func Format(c *bytecode.Chunk) string {
	starts, targets := scan(c)

	var sb strings.Builder
	lastLine := -1
	writeLine := func(offset int, text string) {
		if line := c.LineFor(offset); line != lastLine {
			fmt.Fprintf(&sb, "        .line %d\n", line)
			lastLine = line
		}
		label := ""
		if targets[offset] {
			label = labelName(offset) + ":"
		}
		fmt.Fprintf(&sb, "%-8s%s\n", label, text)
	}

	code := c.Code()
	for offset := 0; offset < len(code); {
		in, err := c.DecodeAt(offset)
		if err != nil {
			// Unknown opcodes are one byte; truncated instructions run to the end.
			width := 1
			if !isUnknown(err) {
				width = len(code) - offset
			}
			writeLine(offset, rawBytes(code[offset:offset+width]))
			offset += width
			continue
		}

		info := bytecode.GetOpcodeInfo(in.Op)
		text := info.Name
		switch info.Operand {
		case bytecode.OperandConstant:
			if v, ok := c.Constant(in.ConstantIndex()); ok {
				text += " " + v.String()
			} else {
				// Out-of-range index: only raw bytes preserve it.
				text = rawBytes(code[offset:in.Next()])
			}
		case bytecode.OperandJump:
			target := in.JumpTarget()
			if target == len(code) || starts[target] {
				text += " " + labelName(target)
			} else {
				text += fmt.Sprintf(" %d", in.JumpDelta())
			}
		}
		writeLine(offset, text)
		offset = in.Next()
	}

	if targets[len(code)] {
		sb.WriteString(labelName(len(code)) + ":\n")
	}
	return sb.String()
}

// scan records instruction start offsets and the offsets jumps land on.
func scan(c *bytecode.Chunk) (starts map[int]bool, targets map[int]bool) {
	starts = make(map[int]bool)
	targets = make(map[int]bool)
	var jumps []int
	for offset := 0; offset < c.Len(); {
		in, err := c.DecodeAt(offset)
		starts[offset] = true
		if err != nil {
			if isUnknown(err) {
				offset++
				continue
			}
			break
		}
		if in.Op.IsJump() {
			jumps = append(jumps, in.JumpTarget())
		}
		offset = in.Next()
	}
	for _, target := range jumps {
		if target == c.Len() || starts[target] {
			targets[target] = true
		}
	}
	return starts, targets
}

func isUnknown(err error) bool {
	return errors.Is(err, bytecode.ErrUnknownOpcode)
}

func labelName(offset int) string {
	return fmt.Sprintf("L%04d", offset)
}

func rawBytes(b []byte) string {
	parts := make([]string, len(b))
	for i, x := range b {
		parts[i] = fmt.Sprintf("0x%02X", x)
	}
	return ".byte " + strings.Join(parts, " ")
}
