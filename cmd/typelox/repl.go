package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chazu/typelox/pkg/session"
)

// runREPL starts an interactive read-eval-print loop over assembly input.
// Lines accumulate until a RETURN instruction or an empty line, then the
// buffered program runs as one REPL entry. An empty line ends the program
// with an implicit RETURN, so "TRUE" followed by an empty line prints true.
func runREPL(cfg *config) {
	sess, closeCache := newSession(cfg)
	defer closeCache()

	repl(sess, os.Stdin, os.Stdout, os.Stderr)
}

func repl(sess *session.Session, in io.Reader, out, errOut io.Writer) {
	fmt.Fprintln(out, "TypeLox REPL (type .exit to quit, :help for commands)")
	fmt.Fprintln(out)

	scanner := bufio.NewScanner(in)
	var buf strings.Builder

	for {
		// Show prompt
		if buf.Len() == 0 {
			fmt.Fprint(out, "> ")
		} else {
			fmt.Fprint(out, "... ")
		}

		if !scanner.Scan() {
			break
		}
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if buf.Len() == 0 {
			if trimmed == ".exit" {
				return
			}
			if strings.HasPrefix(trimmed, ":") {
				handleREPLCommand(sess, trimmed, out)
				continue
			}
		}

		// Empty line executes accumulated input
		if trimmed == "" {
			if buf.Len() > 0 {
				buf.WriteString("RETURN\n")
				evalAndPrint(sess, buf.String(), out, errOut)
				buf.Reset()
			}
			continue
		}

		buf.WriteString(line)
		buf.WriteString("\n")

		if endsProgram(line) {
			evalAndPrint(sess, buf.String(), out, errOut)
			buf.Reset()
		}
	}

	fmt.Fprintln(out)
}

// handleREPLCommand handles REPL meta-commands
func handleREPLCommand(sess *session.Session, cmd string, out io.Writer) {
	switch cmd {
	case ":help", ":h", ":?":
		fmt.Fprintln(out, "Enter assembly one instruction per line. Input runs after a RETURN")
		fmt.Fprintln(out, "instruction, or after an empty line, which supplies the RETURN.")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "REPL Commands:")
		fmt.Fprintln(out, "  :help, :h, :?     Show this help")
		fmt.Fprintln(out, "  :dis              Toggle disassembly listings")
		fmt.Fprintln(out, "  .exit             Exit REPL (or ^D)")
	case ":dis":
		if sess.Listing() != nil {
			sess.SetListing(nil)
			fmt.Fprintln(out, "Disassembly off")
		} else {
			sess.SetListing(out)
			fmt.Fprintln(out, "Disassembly on")
		}
	default:
		fmt.Fprintf(out, "Unknown command: %s (type :help for commands)\n", cmd)
	}
}

// evalAndPrint runs one REPL entry and prints its value or error.
func evalAndPrint(sess *session.Session, input string, out, errOut io.Writer) {
	v, err := sess.Eval(input)
	if err != nil {
		printError(errOut, err)
		return
	}
	fmt.Fprintln(out, v)
}

// endsProgram reports whether line holds a RETURN instruction, possibly
// after labels.
func endsProgram(line string) bool {
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	for _, f := range strings.Fields(line) {
		if strings.HasSuffix(f, ":") {
			continue
		}
		return strings.EqualFold(f, "RETURN")
	}
	return false
}
