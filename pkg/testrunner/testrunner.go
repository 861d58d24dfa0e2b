// Package testrunner finds program files under a directory, runs each in
// a fresh session and checks the result against expectations written in
// the file's comments:
//
//	; expect: 3
//	; expect-error: TypeError
//
// A file without an expectation passes if it runs without error.
// "expect-error: CompileError" expects the file to be rejected by the
// compiler.
package testrunner

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chazu/typelox/pkg/session"
	"github.com/chazu/typelox/pkg/value"
	"github.com/chazu/typelox/pkg/vm"
)

// DefaultFilter matches test files by base name.
const DefaultFilter = "*.test.lasm"

// Result is the verdict for one file.
type Result int

const (
	Undecided Result = iota
	Passed
	Failed
)

func (r Result) String() string {
	switch r {
	case Passed:
		return "passed"
	case Failed:
		return "failed"
	}
	return "undecided"
}

// compileErrorKind names the expectation that compilation fails.
const compileErrorKind = "CompileError"

// Expectation is what a test file declares about its own outcome.
type Expectation struct {
	Value     *value.Value // expected result, if declared
	ErrorKind string       // expected error kind name, if declared
}

// ParseExpectation reads "; expect:" and "; expect-error:" comments from
// source. The first declaration wins.
func ParseExpectation(source string) (Expectation, error) {
	var exp Expectation
	for _, line := range strings.Split(source, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, ";") {
			continue
		}
		body := strings.TrimSpace(strings.TrimPrefix(line, ";"))
		switch {
		case strings.HasPrefix(body, "expect-error:"):
			kind := strings.TrimSpace(strings.TrimPrefix(body, "expect-error:"))
			if kind != compileErrorKind {
				k, ok := vm.ParseErrorKind(kind)
				if !ok {
					return exp, fmt.Errorf("unknown error kind %q", kind)
				}
				kind = k.String()
			}
			exp.ErrorKind = kind
			return exp, nil
		case strings.HasPrefix(body, "expect:"):
			v, err := value.Parse(strings.TrimPrefix(body, "expect:"))
			if err != nil {
				return exp, fmt.Errorf("expect: %w", err)
			}
			exp.Value = &v
			return exp, nil
		}
	}
	return exp, nil
}

// Outcome is the result of running one file.
type Outcome struct {
	Path    string
	Result  Result
	Message string
}

// Runner runs test files. Every file gets its own session.
type Runner struct {
	Compiler session.Compiler
	Options  session.Options
}

// Discover returns the files under dir whose base name matches filter,
// sorted by path.
func Discover(dir, filter string) ([]string, error) {
	if filter == "" {
		filter = DefaultFilter
	}
	if _, err := filepath.Match(filter, ""); err != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", filter, err)
	}

	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if ok, _ := filepath.Match(filter, d.Name()); ok {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", dir, err)
	}
	sort.Strings(paths)
	return paths, nil
}

// RunFile runs a single test file.
func (r *Runner) RunFile(path string) Outcome {
	out := Outcome{Path: path}

	source, err := os.ReadFile(path)
	if err != nil {
		out.Result = Undecided
		out.Message = err.Error()
		return out
	}
	exp, err := ParseExpectation(string(source))
	if err != nil {
		out.Result = Undecided
		out.Message = err.Error()
		return out
	}

	location, err := session.FileLocation(path)
	if err != nil {
		location = path
	}
	got, runErr := session.New(r.Compiler, r.Options).RunString(string(source), location)

	out.Result, out.Message = judge(exp, got, runErr)
	return out
}

func judge(exp Expectation, got value.Value, err error) (Result, string) {
	if exp.ErrorKind != "" {
		if err == nil {
			return Failed, fmt.Sprintf("expected %s, got value %s", exp.ErrorKind, got)
		}
		if kind := errorKind(err); kind != exp.ErrorKind {
			return Failed, fmt.Sprintf("expected %s, got %s: %v", exp.ErrorKind, kind, err)
		}
		return Passed, ""
	}

	if err != nil {
		return Failed, err.Error()
	}
	if exp.Value != nil && !sameValue(got, *exp.Value) {
		return Failed, fmt.Sprintf("expected %s, got %s", *exp.Value, got)
	}
	return Passed, ""
}

func errorKind(err error) string {
	var cerr *session.CompileError
	if errors.As(err, &cerr) {
		return compileErrorKind
	}
	if kind, ok := vm.KindOf(err); ok {
		return kind.String()
	}
	return "error"
}

// sameValue is value.Equal except that NaN matches NaN.
func sameValue(a, b value.Value) bool {
	if a.IsNumber() && b.IsNumber() && math.IsNaN(a.AsNumber()) && math.IsNaN(b.AsNumber()) {
		return true
	}
	return value.Equal(a, b)
}

// Report collects outcomes for a run.
type Report struct {
	Outcomes []Outcome
}

// Run runs every path and returns the report.
func (r *Runner) Run(paths []string) *Report {
	report := &Report{}
	for _, path := range paths {
		report.Outcomes = append(report.Outcomes, r.RunFile(path))
	}
	return report
}

// Count returns how many outcomes have result res.
func (rep *Report) Count(res Result) int {
	n := 0
	for _, o := range rep.Outcomes {
		if o.Result == res {
			n++
		}
	}
	return n
}

// OK reports whether every test passed.
func (rep *Report) OK() bool {
	return rep.Count(Passed) == len(rep.Outcomes)
}

// Summary is the one-line tally.
func (rep *Report) Summary() string {
	return fmt.Sprintf("result: %d passed, %d failed, %d undecided",
		rep.Count(Passed), rep.Count(Failed), rep.Count(Undecided))
}

// Write prints the tally, then any non-passing outcomes followed by the
// tally again so it is visible after a long list.
func (rep *Report) Write(w io.Writer) error {
	if _, err := fmt.Fprintln(w, rep.Summary()); err != nil {
		return err
	}
	if rep.OK() {
		return nil
	}
	for _, o := range rep.Outcomes {
		if o.Result == Passed {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s %s: %s\n", strings.ToUpper(o.Result.String()), o.Path, o.Message); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w, rep.Summary())
	return err
}
