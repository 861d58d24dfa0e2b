// Package bytecode defines the binary contract between the TypeLox compiler
// and the interpreter.
//
// The bytecode format is designed for:
//   - Compact representation (one to three bytes per instruction)
//   - Table-driven decoding (every opcode has a fixed operand width)
//   - Easy serialization (chunks can be stored in SQLite or bundled into images)
//
// # Architecture Overview
//
//   - Opcodes: a closed set of stack instructions covering constants,
//     arithmetic, comparison, logic and relative jumps. Byte values are
//     stable; an unknown byte is an error, never a new instruction.
//
//   - Chunk: the instruction stream, a constant pool of values addressed by
//     a one-byte index, and a run-length table mapping offsets to source
//     lines. Chunks serialize to the "TLBC" (TypeLox ByteCode) format.
//
//   - Disassembler: renders a chunk as text for debugging and tests. It
//     tolerates truncated and malformed streams.
//
//   - Validate: an optional pass that checks operands, constant indices and
//     jump targets before a chunk's first execution.
//
// Execution lives in package vm.
package bytecode
