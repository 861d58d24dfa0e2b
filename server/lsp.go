package server

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/tliron/commonlog"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	glspserver "github.com/tliron/glsp/server"

	"github.com/chazu/typelox/pkg/asm"
	"github.com/chazu/typelox/pkg/bytecode"
	"github.com/chazu/typelox/pkg/session"
	"github.com/chazu/typelox/pkg/vm"

	_ "github.com/tliron/commonlog/simple"
)

const lspName = "typelox-lsp"

// maxDiagnosticSteps bounds the trial run made for diagnostics. Programs
// with backward jumps need not halt.
const maxDiagnosticSteps = 100_000

var log = commonlog.GetLogger("typelox.lsp")

// LspServer provides editor support for assembly listings. Every open
// document is assembled, validated and run on change, and the failures
// are published as diagnostics.
type LspServer struct {
	worker *SessionWorker

	mu   sync.Mutex
	docs map[string]string // URI → full document content

	handler protocol.Handler
	server  *glspserver.Server
	version string
}

// NewLSP creates a new LSP server running documents in the given session.
func NewLSP(s *session.Session) *LspServer {
	srv := &LspServer{
		worker:  NewSessionWorker(s),
		docs:    make(map[string]string),
		version: "0.1.0",
	}

	srv.handler = protocol.Handler{
		Initialize:  srv.initialize,
		Initialized: srv.initialized,
		Shutdown:    srv.shutdown,
		SetTrace:    srv.setTrace,

		TextDocumentDidOpen:   srv.textDocumentDidOpen,
		TextDocumentDidChange: srv.textDocumentDidChange,
		TextDocumentDidClose:  srv.textDocumentDidClose,

		TextDocumentCompletion: srv.textDocumentCompletion,
		TextDocumentHover:      srv.textDocumentHover,
		TextDocumentDefinition: srv.textDocumentDefinition,
	}

	srv.server = glspserver.NewServer(&srv.handler, lspName, false)

	return srv
}

// Run starts the LSP server on stdio. Blocks until the client disconnects.
func (s *LspServer) Run() error {
	return s.server.RunStdio()
}

// --- LSP lifecycle handlers ---

func (s *LspServer) initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	log.Infof("%s initializing", lspName)

	capabilities := s.handler.CreateServerCapabilities()

	syncKind := protocol.TextDocumentSyncKindFull
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: boolPtr(true),
		Change:    &syncKind,
	}

	capabilities.CompletionProvider = &protocol.CompletionOptions{
		TriggerCharacters: []string{"."},
	}

	capabilities.HoverProvider = true
	capabilities.DefinitionProvider = true

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    lspName,
			Version: &s.version,
		},
	}, nil
}

func (s *LspServer) initialized(ctx *glsp.Context, params *protocol.InitializedParams) error {
	return nil
}

func (s *LspServer) shutdown(ctx *glsp.Context) error {
	s.worker.Stop()
	return nil
}

func (s *LspServer) setTrace(ctx *glsp.Context, params *protocol.SetTraceParams) error {
	return nil
}

// --- Document synchronization ---

func (s *LspServer) textDocumentDidOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	uri := params.TextDocument.URI
	text := params.TextDocument.Text

	s.mu.Lock()
	s.docs[string(uri)] = text
	s.mu.Unlock()

	s.publishDiagnostics(ctx, uri, text)
	return nil
}

func (s *LspServer) textDocumentDidChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	uri := params.TextDocument.URI

	// With Full sync, the last change event contains the full text
	if len(params.ContentChanges) > 0 {
		last := params.ContentChanges[len(params.ContentChanges)-1]
		if whole, ok := last.(protocol.TextDocumentContentChangeEventWhole); ok {
			s.mu.Lock()
			s.docs[string(uri)] = whole.Text
			s.mu.Unlock()

			s.publishDiagnostics(ctx, uri, whole.Text)
		}
	}
	return nil
}

func (s *LspServer) textDocumentDidClose(ctx *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	uri := params.TextDocument.URI

	s.mu.Lock()
	delete(s.docs, string(uri))
	s.mu.Unlock()

	// Clear diagnostics for the closed document
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: []protocol.Diagnostic{},
	})
	return nil
}

func (s *LspServer) document(uri protocol.DocumentUri) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.docs[string(uri)]
	return text, ok
}

// --- Language features ---

func (s *LspServer) textDocumentCompletion(ctx *glsp.Context, params *protocol.CompletionParams) (any, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}

	prefix := extractPrefix(text, params.Position)
	if prefix == "" {
		return nil, nil
	}
	return complete(text, prefix), nil
}

func (s *LspServer) textDocumentHover(ctx *glsp.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	return hover(text, params.Position), nil
}

func (s *LspServer) textDocumentDefinition(ctx *glsp.Context, params *protocol.DefinitionParams) (any, error) {
	uri := params.TextDocument.URI
	text, ok := s.document(uri)
	if !ok {
		return nil, nil
	}

	loc := definition(uri, text, params.Position)
	if loc == nil {
		return nil, nil
	}
	return []protocol.Location{*loc}, nil
}

// directives lists the assembler directives offered for completion.
var directives = []string{".byte", ".line"}

// complete offers mnemonics, directives and the document's labels that
// start with prefix.
func complete(text, prefix string) []protocol.CompletionItem {
	var items []protocol.CompletionItem
	lowerPrefix := strings.ToLower(prefix)

	for _, op := range bytecode.AllOpcodes() {
		name := op.String()
		if !strings.HasPrefix(strings.ToLower(name), lowerPrefix) {
			continue
		}
		kind := protocol.CompletionItemKindKeyword
		detail := opcodeSignature(op)
		nameCopy := name
		items = append(items, protocol.CompletionItem{
			Label:      name,
			Kind:       &kind,
			Detail:     &detail,
			InsertText: &nameCopy,
		})
	}

	for _, d := range directives {
		if !strings.HasPrefix(d, lowerPrefix) {
			continue
		}
		kind := protocol.CompletionItemKindKeyword
		detail := "directive"
		dCopy := d
		items = append(items, protocol.CompletionItem{
			Label:      d,
			Kind:       &kind,
			Detail:     &detail,
			InsertText: &dCopy,
		})
	}

	labels := asm.Labels(text)
	names := make([]string, 0, len(labels))
	for name := range labels {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		kind := protocol.CompletionItemKindReference
		detail := fmt.Sprintf("label (line %d)", labels[name].Line)
		nameCopy := name
		items = append(items, protocol.CompletionItem{
			Label:      name,
			Kind:       &kind,
			Detail:     &detail,
			InsertText: &nameCopy,
		})
	}

	return items
}

// opcodeDocs describes what each instruction does to the stack.
var opcodeDocs = map[bytecode.Opcode]string{
	bytecode.OpReturn:      "Pops the only value on the stack and ends the run with it.",
	bytecode.OpConstant:    "Pushes a value from the constant pool.",
	bytecode.OpNil:         "Pushes nil.",
	bytecode.OpTrue:        "Pushes true.",
	bytecode.OpFalse:       "Pushes false.",
	bytecode.OpPop:         "Discards the top of the stack.",
	bytecode.OpNegate:      "Replaces a number with its negation.",
	bytecode.OpAdd:         "Pops b then a and pushes a + b.",
	bytecode.OpSubtract:    "Pops b then a and pushes a - b.",
	bytecode.OpMultiply:    "Pops b then a and pushes a * b.",
	bytecode.OpDivide:      "Pops b then a and pushes a / b.",
	bytecode.OpNot:         "Replaces a value with whether it is falsy.",
	bytecode.OpEqual:       "Pops two values and pushes whether they are equal.",
	bytecode.OpGreater:     "Pops b then a and pushes a > b.",
	bytecode.OpLess:        "Pops b then a and pushes a < b.",
	bytecode.OpJump:        "Moves the instruction pointer by a signed offset.",
	bytecode.OpJumpIfFalse: "Jumps if the top of the stack is falsy. The value stays on the stack.",
}

func opcodeSignature(op bytecode.Opcode) string {
	info := bytecode.GetOpcodeInfo(op)
	var operand string
	switch info.Operand {
	case bytecode.OperandConstant:
		operand = " <constant>"
	case bytecode.OperandJump:
		operand = " <offset>"
	}
	return fmt.Sprintf("0x%02X%s, pops %d, pushes %d", byte(op), operand, info.StackPop, info.StackPush)
}

// hover describes the mnemonic or label under the cursor.
func hover(text string, pos protocol.Position) *protocol.Hover {
	word := extractWord(text, pos)
	if word == "" {
		return nil
	}

	var b strings.Builder
	if op, ok := bytecode.ParseOpcode(word); ok {
		fmt.Fprintf(&b, "**%s** `0x%02X`\n\n", op, byte(op))
		if doc := opcodeDocs[op]; doc != "" {
			b.WriteString(doc)
			b.WriteString("\n\n")
		}
		b.WriteString(opcodeSignature(op))
	} else if p, ok := asm.Labels(text)[strings.TrimSuffix(word, ":")]; ok {
		fmt.Fprintf(&b, "label **%s**, defined on line %d", strings.TrimSuffix(word, ":"), p.Line)
	} else {
		return nil
	}

	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.MarkupKindMarkdown,
			Value: b.String(),
		},
	}
}

// definition locates the label under the cursor.
func definition(uri protocol.DocumentUri, text string, pos protocol.Position) *protocol.Location {
	word := strings.TrimSuffix(extractWord(text, pos), ":")
	if word == "" {
		return nil
	}
	p, ok := asm.Labels(text)[word]
	if !ok {
		return nil
	}
	start := toPosition(p.Line, p.Column)
	end := start
	end.Character += protocol.UInteger(len(word))
	return &protocol.Location{
		URI:   uri,
		Range: protocol.Range{Start: start, End: end},
	}
}

// --- Diagnostics ---

func (s *LspServer) publishDiagnostics(ctx *glsp.Context, uri protocol.DocumentUri, text string) {
	result, err := s.worker.Do(func(sess *session.Session) any {
		return diagnose(sess, string(uri), text)
	})
	if err != nil {
		log.Errorf("diagnostics for %s: %s", uri, err)
		return
	}

	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: result.([]protocol.Diagnostic),
	})
}

// diagnose assembles text, validates the chunk and makes a bounded trial
// run. It reports the failures of the first stage that fails.
func diagnose(sess *session.Session, location, text string) []protocol.Diagnostic {
	lines := strings.Split(text, "\n")
	diagnostics := []protocol.Diagnostic{}

	chunk, err := sess.Compile(text, location)
	if err != nil {
		var list asm.ErrorList
		if errors.As(err, &list) {
			for _, e := range list {
				diagnostics = append(diagnostics, newDiagnostic(lines, e.Pos.Line, e.Pos.Column,
					protocol.DiagnosticSeverityError, "", e.Msg))
			}
			return diagnostics
		}
		return append(diagnostics, newDiagnostic(lines, 0, 0, protocol.DiagnosticSeverityError, "", err.Error()))
	}

	if err := bytecode.Validate(chunk); err != nil {
		for _, e := range flatten(err) {
			var verr *bytecode.ValidationError
			line, msg := 0, e.Error()
			if errors.As(e, &verr) {
				line, msg = verr.Line, fmt.Sprintf("offset %04d: %v", verr.Offset, verr.Err)
			}
			diagnostics = append(diagnostics, newDiagnostic(lines, line, 0,
				protocol.DiagnosticSeverityError, "InvalidBytecode", msg))
		}
		return diagnostics
	}

	opts := sess.VMOptions()
	opts.Trace = false
	m := vm.NewMachine(chunk, location, opts)
	for steps := 0; ; steps++ {
		if steps == maxDiagnosticSteps {
			line := chunk.LineFor(m.IP())
			return append(diagnostics, newDiagnostic(lines, line, 0, protocol.DiagnosticSeverityWarning, "",
				fmt.Sprintf("still running after %d instructions", maxDiagnosticSteps)))
		}
		if halted, _ := m.Step(); halted {
			break
		}
	}

	if _, err := m.Result(); err != nil {
		var rerr *vm.RuntimeError
		if errors.As(err, &rerr) {
			return append(diagnostics, newDiagnostic(lines, rerr.Line, 0,
				protocol.DiagnosticSeverityError, rerr.Kind.String(), rerr.Message))
		}
		return append(diagnostics, newDiagnostic(lines, 0, 0, protocol.DiagnosticSeverityError, "", err.Error()))
	}
	return diagnostics
}

// flatten expands joined errors.
func flatten(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}

// newDiagnostic builds a diagnostic from a 1-based line and column. The
// range runs to the end of the line; line 0 means the position is unknown
// and the first line is used.
func newDiagnostic(lines []string, line, col int, severity protocol.DiagnosticSeverity, code, msg string) protocol.Diagnostic {
	start := toPosition(line, col)
	end := start
	if int(start.Line) < len(lines) {
		end.Character = protocol.UInteger(len(strings.TrimRight(lines[start.Line], "\r")))
		if end.Character < start.Character {
			end.Character = start.Character
		}
	}

	source := lspName
	d := protocol.Diagnostic{
		Range:    protocol.Range{Start: start, End: end},
		Severity: &severity,
		Source:   &source,
		Message:  msg,
	}
	if code != "" {
		d.Code = &protocol.IntegerOrString{Value: code}
	}
	return d
}

// toPosition converts 1-based line and column to an LSP position.
func toPosition(line, col int) protocol.Position {
	var p protocol.Position
	if line > 0 {
		p.Line = protocol.UInteger(line - 1)
	}
	if col > 0 {
		p.Character = protocol.UInteger(col - 1)
	}
	return p
}

// --- Text extraction helpers ---

func isWordChar(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' || ch == '.'
}

// extractPrefix returns the word fragment before the cursor for completion.
func extractPrefix(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}

	// Walk backwards from cursor to find the start of the word
	start := col
	for start > 0 && isWordChar(rune(line[start-1])) {
		start--
	}

	if start == col {
		return ""
	}

	return line[start:col]
}

// extractWord returns the token under the cursor, or the one ending just
// before it.
func extractWord(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := int(pos.Character)

	if word, ok := asm.TokenAt(line, col+1); ok {
		return word
	}
	if col > 0 {
		if word, ok := asm.TokenAt(line, col); ok {
			return word
		}
	}
	return ""
}

func boolPtr(b bool) *bool {
	return &b
}
