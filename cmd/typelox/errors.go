package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
)

const (
	ansiRed   = "\033[31m"
	ansiGray  = "\033[90m"
	ansiReset = "\033[0m"
)

// colorEnabled reports whether w is a terminal that should get ANSI colors.
func colorEnabled(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// printError writes err in red followed by one "caused by:" line for each
// error in its chain whose message adds something.
func printError(w io.Writer, err error) {
	color := colorEnabled(w)
	paint := func(code, s string) string {
		if !color {
			return s
		}
		return code + s + ansiReset
	}

	fmt.Fprintln(w, paint(ansiRed, "error: "+err.Error()))
	for _, cause := range causes(err) {
		fmt.Fprintln(w, paint(ansiGray, "  caused by: "+cause))
	}
}

// causes lists the messages of the errors wrapped by err. Repeats of the
// previous message are skipped. An error wrapping several errors, such as
// an assembler error list, contributes one line per entry.
func causes(err error) []string {
	var out []string
	prev := err.Error()
	for {
		if multi, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range multi.Unwrap() {
				out = append(out, e.Error())
			}
			return out
		}
		err = errors.Unwrap(err)
		if err == nil {
			return out
		}
		if _, ok := err.(interface{ Unwrap() []error }); ok {
			continue
		}
		msg := err.Error()
		if msg != prev {
			out = append(out, msg)
		}
		prev = msg
	}
}
