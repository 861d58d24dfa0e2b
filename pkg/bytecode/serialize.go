package bytecode

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/chazu/typelox/pkg/value"
)

// BytecodeVersion is the current bytecode format version.
// Increment when making incompatible changes to the format.
const BytecodeVersion uint16 = 1

// BytecodeMagic prefixes serialized chunks: "TLBC" (TypeLox ByteCode).
var BytecodeMagic = []byte{'T', 'L', 'B', 'C'}

// Constant tags in the serialized constant pool.
const (
	constTagNil    byte = 0
	constTagBool   byte = 1
	constTagNumber byte = 2
)

// Serialize encodes the chunk to bytes for storage/transport.
// Format (big-endian):
//
//	[magic:4] [version:2] [flags:2]
//	[code_len:4] [code:...]
//	[const_count:2] [tag:1 payload:...]...
//	[line_count:4] [offset:4 line:4]...
func (c *Chunk) Serialize() []byte {
	buf := make([]byte, 0, 16+len(c.code)+len(c.constants)*9+len(c.lines)*8)

	buf = append(buf, BytecodeMagic...)
	buf = binary.BigEndian.AppendUint16(buf, BytecodeVersion)
	buf = binary.BigEndian.AppendUint16(buf, 0)

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.code)))
	buf = append(buf, c.code...)

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(c.constants)))
	for _, v := range c.constants {
		switch v.Kind() {
		case value.KindBoolean:
			b := byte(0)
			if v.AsBool() {
				b = 1
			}
			buf = append(buf, constTagBool, b)
		case value.KindNumber:
			buf = append(buf, constTagNumber)
			buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(v.AsNumber()))
		default:
			buf = append(buf, constTagNil)
		}
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.lines)))
	for _, l := range c.lines {
		buf = binary.BigEndian.AppendUint32(buf, uint32(l.Offset))
		buf = binary.BigEndian.AppendUint32(buf, uint32(l.Line))
	}

	return buf
}

// Deserialize decodes a chunk from bytes. Every read is bounds-checked;
// the instruction stream itself is not validated (see Validate).
func Deserialize(data []byte) (*Chunk, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("bytecode too short: need at least 8 bytes, got %d", len(data))
	}
	if string(data[0:4]) != string(BytecodeMagic) {
		return nil, fmt.Errorf("invalid bytecode magic: expected %q, got %q", BytecodeMagic, data[0:4])
	}
	version := binary.BigEndian.Uint16(data[4:6])
	if version > BytecodeVersion {
		return nil, fmt.Errorf("bytecode version %d is newer than supported version %d", version, BytecodeVersion)
	}
	pos := 8

	if pos+4 > len(data) {
		return nil, fmt.Errorf("unexpected end of bytecode reading code length at pos %d", pos)
	}
	codeLen := int(binary.BigEndian.Uint32(data[pos:]))
	pos += 4
	if codeLen < 0 || pos+codeLen > len(data) {
		return nil, fmt.Errorf("unexpected end of bytecode reading code section: need %d bytes at pos %d", codeLen, pos)
	}
	c := &Chunk{code: make([]byte, codeLen)}
	copy(c.code, data[pos:pos+codeLen])
	pos += codeLen

	if pos+2 > len(data) {
		return nil, fmt.Errorf("unexpected end of bytecode reading constant count")
	}
	constCount := int(binary.BigEndian.Uint16(data[pos:]))
	pos += 2
	if constCount > MaxConstants {
		return nil, fmt.Errorf("constant count %d: %w", constCount, ErrConstantPoolOverflow)
	}
	c.constants = make([]value.Value, 0, constCount)
	for i := 0; i < constCount; i++ {
		if pos >= len(data) {
			return nil, fmt.Errorf("unexpected end of bytecode reading constant %d tag", i)
		}
		tag := data[pos]
		pos++
		switch tag {
		case constTagNil:
			c.constants = append(c.constants, value.Nil)
		case constTagBool:
			if pos >= len(data) {
				return nil, fmt.Errorf("unexpected end of bytecode reading constant %d", i)
			}
			c.constants = append(c.constants, value.Bool(data[pos] != 0))
			pos++
		case constTagNumber:
			if pos+8 > len(data) {
				return nil, fmt.Errorf("unexpected end of bytecode reading constant %d", i)
			}
			bits := binary.BigEndian.Uint64(data[pos:])
			c.constants = append(c.constants, value.Number(math.Float64frombits(bits)))
			pos += 8
		default:
			return nil, fmt.Errorf("constant %d has unknown tag %d", i, tag)
		}
	}

	if pos+4 > len(data) {
		return nil, fmt.Errorf("unexpected end of bytecode reading line count")
	}
	lineCount := int(binary.BigEndian.Uint32(data[pos:]))
	pos += 4
	if lineCount < 0 || lineCount > (len(data)-pos)/8 {
		return nil, fmt.Errorf("unexpected end of bytecode reading %d line records", lineCount)
	}
	c.lines = make([]LineStart, lineCount)
	for i := range c.lines {
		c.lines[i].Offset = int(binary.BigEndian.Uint32(data[pos:]))
		c.lines[i].Line = int(binary.BigEndian.Uint32(data[pos+4:]))
		pos += 8
		if i > 0 && c.lines[i].Offset <= c.lines[i-1].Offset {
			return nil, fmt.Errorf("line record %d is out of order", i)
		}
	}

	if pos != len(data) {
		return nil, fmt.Errorf("%d trailing bytes after line table", len(data)-pos)
	}
	return c, nil
}
