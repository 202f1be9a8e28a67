package template

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"go.starlark.net/syntax"
)

const indentUnit = "    "

var (
	blankRunRe = regexp.MustCompile(`[\t ]+`)
	newlineRe  = regexp.MustCompile(`\s*\n\s*`)
)

type includeFrame struct {
	template *Template
	line     int
}

// codeWriter serializes a linked AST into the Starlark program run by
// Generate.
type codeWriter struct {
	buf         strings.Builder
	namedBlocks map[string]*NamedBlock
	loader      *Loader
	current     *Template
	compress    bool
	sourceMap   *SourceMap

	applyCounter int
	tryCounter   int
	loopCounter  int
	includeStack []includeFrame
	indent       int
	// loops holds, per enclosing loop, the flag a break must set, or ""
	// when the loop has no else section.
	loops []string
	// ctlUsed records a break or continue that left a try function.
	ctlUsed bool
	// tracked holds the names of the current scope that try blocks bind.
	// They are mirrored in _tt_scope.
	tracked map[string]bool
}

func newCodeWriter(namedBlocks map[string]*NamedBlock, loader *Loader, current *Template, compress bool) *codeWriter {
	w := &codeWriter{
		namedBlocks: namedBlocks,
		loader:      loader,
		current:     current,
		compress:    compress,
		sourceMap:   newSourceMap(),
	}
	w.sourceMap.addSource(current.name, current.source)
	return w
}

func (w *codeWriter) location(line int) Location {
	loc := Location{Template: w.current.name, Line: line}
	for i := len(w.includeStack) - 1; i >= 0; i-- {
		f := w.includeStack[i]
		loc.Via = append(loc.Via, Location{Template: f.template.name, Line: f.line})
	}
	return loc
}

func (w *codeWriter) writeLine(code string, line int) {
	w.writeLineAt(code, line, w.indent)
}

func (w *codeWriter) writeLineAt(code string, line, indent int) {
	loc := w.location(line)
	text := strings.Repeat(indentUnit, indent) + code + "  # " + loc.String()
	for i := strings.Count(text, "\n") + 1; i > 0; i-- {
		w.sourceMap.add(loc)
	}
	w.buf.WriteString(text)
	w.buf.WriteByte('\n')
}

// include switches the current template until the returned func is called.
func (w *codeWriter) include(t *Template, line int) func() {
	w.includeStack = append(w.includeStack, includeFrame{template: w.current, line: line})
	w.current = t
	w.sourceMap.addSource(t.name, t.source)
	return func() {
		last := len(w.includeStack) - 1
		w.current = w.includeStack[last].template
		w.includeStack = w.includeStack[:last]
	}
}

func (w *codeWriter) generate(n Node) error {
	switch n := n.(type) {
	case *File:
		w.writeLine("def _tt_execute():", 0)
		w.indent++
		w.writeBufferPrologue(0)
		if err := w.scopePrologue(n.Body, 0); err != nil {
			return err
		}
		if err := w.generate(n.Body); err != nil {
			return err
		}
		w.writeLine(`return _tt_utf8("").join(_tt_buffer)`, 0)
		w.indent--

	case *ChunkList:
		for _, c := range n.Chunks {
			if err := w.generate(c); err != nil {
				return err
			}
		}

	case *Text:
		w.text(n)

	case *Expression:
		w.expression(n.Expr, n.Raw, n.Line)

	case *Module:
		w.expression("_tt_modules."+n.Expr, true, n.Line)

	case *Statement:
		w.statement(n)

	case *ControlBlock:
		return w.controlBlock(n)

	case *IntermediateControlBlock:
		// Only reached inside an if block; loops and try split their
		// sections themselves.
		w.writeLine("pass", n.Line)
		w.writeLineAt(n.Stmt+":", n.Line, w.indent-1)

	case *NamedBlock:
		block := w.namedBlocks[n.Name]
		restore := w.include(block.Template, n.Line)
		defer restore()
		return w.generate(block.Body)

	case *ExtendsBlock:
		// Resolved by the linker.

	case *IncludeBlock:
		included, err := w.loader.loadFrom(n.Name, n.TemplateName, n.Line)
		if err != nil {
			return err
		}
		restore := w.include(included, n.Line)
		defer restore()
		return w.generate(included.file.Body)

	case *ApplyBlock:
		name := fmt.Sprintf("_tt_apply%d", w.applyCounter)
		w.applyCounter++
		tracked := w.tracked
		err := w.function(name, "", n.Line, func() error {
			w.writeBufferPrologue(n.Line)
			if err := w.scopePrologue(n.Body, n.Line); err != nil {
				return err
			}
			if err := w.generate(n.Body); err != nil {
				return err
			}
			w.writeLine(`return _tt_utf8("").join(_tt_buffer)`, n.Line)
			return nil
		})
		w.tracked = tracked
		if err != nil {
			return err
		}
		w.writeLine(fmt.Sprintf("_tt_append(_tt_utf8(%s(%s())))", n.Method, name), n.Line)

	default:
		return fmt.Errorf("unexpected node %T", n)
	}
	return nil
}

func (w *codeWriter) writeBufferPrologue(line int) {
	w.writeLine("_tt_buffer = []", line)
	w.writeLine("_tt_append = _tt_buffer.append", line)
}

func (w *codeWriter) text(n *Text) {
	value := n.Value
	// Compress runs of whitespace; a line break stays a single "\n".
	if w.compress && !strings.Contains(value, "<pre>") {
		value = blankRunRe.ReplaceAllString(value, " ")
		value = newlineRe.ReplaceAllString(value, "\n")
	}
	if value == "" {
		return
	}
	w.writeLine("_tt_append("+literal(value)+")", n.Line)
}

// literal returns a Starlark expression for s. Text that is not valid
// UTF-8 cannot be a str literal and is built from a bytes literal.
func literal(s string) string {
	if utf8.ValidString(s) {
		return syntax.Quote(s, false)
	}
	return "_tt_utf8(" + syntax.Quote(s, true) + ")"
}

func (w *codeWriter) expression(expr string, raw bool, line int) {
	w.writeLine("_tt_tmp = "+expr, line)
	w.writeLine("if type(_tt_tmp) in _tt_string_types: _tt_tmp = _tt_utf8(_tt_tmp)", line)
	w.writeLine("else: _tt_tmp = _tt_utf8(str(_tt_tmp))", line)
	if !raw && w.current.autoescape != "" {
		w.writeLine(fmt.Sprintf("_tt_tmp = _tt_utf8(%s(_tt_tmp))", w.current.autoescape), line)
	}
	w.writeLine("_tt_append(_tt_tmp)", line)
}

func (w *codeWriter) statement(n *Statement) {
	if n.imports != nil {
		for _, b := range n.imports {
			code := fmt.Sprintf("%s = _tt_import(%s)", b.Name, syntax.Quote(b.Module, false))
			if b.Attr != "" {
				code += "." + b.Attr
			}
			w.writeLine(code, n.Line)
			w.writeThrough([]string{b.Name}, n.Line)
		}
		return
	}
	if n.Stmt == "break" || n.Stmt == "continue" {
		w.loopControl(n.Stmt, n.Line)
		return
	}
	w.writeLine(n.Stmt, n.Line)
	w.writeThrough(boundNames(n.Stmt), n.Line)
}

// loopControl emits break or continue. Inside a try function the loop is
// in an enclosing function, so the statement is recorded in _tt_scope and
// repeated after _tt_try returns.
func (w *codeWriter) loopControl(op string, line int) {
	if len(w.loops) == 0 {
		w.ctlUsed = true
		w.writeLine(fmt.Sprintf(`_tt_scope["_tt_ctl"] = %q`, op), line)
		w.writeLine("return", line)
		return
	}
	if flag := w.loops[len(w.loops)-1]; op == "break" && flag != "" {
		w.writeLine(flag+" = True", line)
	}
	w.writeLine(op, line)
}

// writeThrough copies the tracked names among names into _tt_scope.
func (w *codeWriter) writeThrough(names []string, line int) {
	for _, name := range names {
		if w.tracked[name] {
			w.writeLine(fmt.Sprintf("_tt_scope[%q] = %s", name, name), line)
		}
	}
}

// bindFromScope rebinds names from _tt_scope where it holds them.
func (w *codeWriter) bindFromScope(names []string, line int) {
	for _, name := range names {
		w.writeLine(fmt.Sprintf("if %q in _tt_scope: %s = _tt_scope[%q]", name, name, name), line)
	}
}

// scopePrologue starts a function scope. When body has try blocks, the
// names they bind are tracked and _tt_scope is created.
func (w *codeWriter) scopePrologue(body Node, line int) error {
	names := make(map[string]bool)
	hasTry, err := w.tryNames(body, false, names)
	if err != nil {
		return err
	}
	w.tracked = nil
	if hasTry {
		w.tracked = names
		w.writeLine("_tt_scope = {}", line)
	}
	return nil
}

// tryNames adds the names bound inside try blocks under n to names. With
// inTry every binding counts. Apply bodies are separate scopes and are
// skipped. It reports whether n contains a try block.
func (w *codeWriter) tryNames(n Node, inTry bool, names map[string]bool) (bool, error) {
	hasTry := false
	walk := func(n Node, inTry bool) error {
		found, err := w.tryNames(n, inTry, names)
		hasTry = hasTry || found
		return err
	}
	switch n := n.(type) {
	case *ChunkList:
		for _, c := range n.Chunks {
			if err := walk(c, inTry); err != nil {
				return false, err
			}
		}
	case *Statement:
		if !inTry {
			break
		}
		for _, b := range n.imports {
			names[b.Name] = true
		}
		if n.imports == nil {
			for _, name := range boundNames(n.Stmt) {
				names[name] = true
			}
		}
	case *ControlBlock:
		if n.Op == "try" {
			hasTry, inTry = true, true
		}
		if inTry && n.Op == "for" {
			for _, name := range forNames(n) {
				names[name] = true
			}
		}
		if err := walk(n.Body, inTry); err != nil {
			return false, err
		}
	case *NamedBlock:
		if err := walk(w.namedBlocks[n.Name].Body, inTry); err != nil {
			return false, err
		}
	case *IncludeBlock:
		included, err := w.loader.loadFrom(n.Name, n.TemplateName, n.Line)
		if err != nil {
			return false, err
		}
		if err := walk(included.file.Body, inTry); err != nil {
			return false, err
		}
	}
	return hasTry, nil
}

// boundNames returns the names a Starlark statement assigns.
func boundNames(stmt string) []string {
	f, err := fileOptions.Parse("", stmt, 0)
	if err != nil {
		return nil
	}
	var names []string
	var bind func(e syntax.Expr)
	bind = func(e syntax.Expr) {
		switch e := e.(type) {
		case *syntax.Ident:
			if !slices.Contains(names, e.Name) {
				names = append(names, e.Name)
			}
		case *syntax.ParenExpr:
			bind(e.X)
		case *syntax.TupleExpr:
			for _, x := range e.List {
				bind(x)
			}
		case *syntax.ListExpr:
			for _, x := range e.List {
				bind(x)
			}
		}
	}
	for _, s := range f.Stmts {
		switch s := s.(type) {
		case *syntax.AssignStmt:
			bind(s.LHS)
		case *syntax.ForStmt:
			bind(s.Vars)
		}
	}
	return names
}

// forNames returns the loop variables of a for block.
func forNames(n *ControlBlock) []string {
	return boundNames(n.Stmt + ":\n    pass\n")
}

// section is one part of a control block: its header and the chunks up to
// the next intermediate.
type section struct {
	header *IntermediateControlBlock
	chunks []Node
}

func splitSections(n *ControlBlock) []section {
	secs := []section{{}}
	for _, c := range n.Body.Chunks {
		if icb, ok := c.(*IntermediateControlBlock); ok {
			secs = append(secs, section{header: icb})
			continue
		}
		secs[len(secs)-1].chunks = append(secs[len(secs)-1].chunks, c)
	}
	return secs
}

func (w *codeWriter) generateAll(chunks []Node) error {
	for _, c := range chunks {
		if err := w.generate(c); err != nil {
			return err
		}
	}
	return nil
}

func (w *codeWriter) controlBlock(n *ControlBlock) error {
	secs := splitSections(n)
	switch n.Op {
	case "try":
		return w.tryBlock(n, secs)
	case "for", "while":
		if len(secs) > 1 {
			return w.loopElse(n, secs)
		}
		w.loops = append(w.loops, "")
		defer func() { w.loops = w.loops[:len(w.loops)-1] }()
	}

	w.writeLine(n.Stmt+":", n.Line)
	w.indent++
	if n.Op == "for" {
		w.writeThrough(forNames(n), n.Line)
	}
	if err := w.generate(n.Body); err != nil {
		return err
	}
	// The body may be empty.
	w.writeLine("pass", n.Line)
	w.indent--
	return nil
}

// loopElse emits a loop with an else section. The else body runs when no
// break ended the loop.
func (w *codeWriter) loopElse(n *ControlBlock, secs []section) error {
	flag := fmt.Sprintf("_tt_loop%d", w.loopCounter)
	w.loopCounter++

	w.writeLine(flag+" = False", n.Line)
	w.writeLine(n.Stmt+":", n.Line)
	w.indent++
	if n.Op == "for" {
		w.writeThrough(forNames(n), n.Line)
	}
	w.loops = append(w.loops, flag)
	err := w.generateAll(secs[0].chunks)
	w.loops = w.loops[:len(w.loops)-1]
	if err != nil {
		return err
	}
	w.writeLine("pass", n.Line)
	w.indent--

	els := secs[1]
	w.writeLine("if not "+flag+":", els.header.Line)
	w.indent++
	if err := w.generateAll(els.chunks); err != nil {
		return err
	}
	w.writeLine("pass", els.header.Line)
	w.indent--
	return nil
}

// tryBlock lowers try/except/else/finally to nested functions run by the
// _tt_try builtin. Names the sections bind go through _tt_scope, and a
// break or continue inside them is repeated after the call.
func (w *codeWriter) tryBlock(n *ControlBlock, secs []section) error {
	id := w.tryCounter
	w.tryCounter++

	set := make(map[string]bool)
	if _, err := w.tryNames(n.Body, true, set); err != nil {
		return err
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	slices.Sort(names)

	outerCtl := w.ctlUsed
	w.ctlUsed = false

	body := fmt.Sprintf("_tt_try%d", id)
	if err := w.function(body, "", n.Line, func() error {
		w.bindFromScope(names, n.Line)
		return w.generateAll(secs[0].chunks)
	}); err != nil {
		return err
	}
	bodyCtl := w.ctlUsed

	var handlers []string
	elseFn, finallyFn := "None", "None"
	for k, sec := range secs[1:] {
		h := sec.header
		switch h.Op {
		case "except":
			name := fmt.Sprintf("_tt_except%d_%d", id, k)
			if err := w.function(name, "_tt_err", h.Line, func() error {
				w.bindFromScope(names, h.Line)
				if h.As != "" {
					w.writeLine(h.As+" = _tt_err", h.Line)
				}
				return w.generateAll(sec.chunks)
			}); err != nil {
				return err
			}
			filter := h.Filter
			if filter == "" {
				filter = "None"
			}
			handlers = append(handlers, fmt.Sprintf("(%s, %s)", filter, name))
		case "else":
			elseFn = fmt.Sprintf("_tt_else%d", id)
			if err := w.function(elseFn, "", h.Line, func() error {
				if bodyCtl {
					w.writeLine(`if "_tt_ctl" in _tt_scope: return`, h.Line)
				}
				w.bindFromScope(names, h.Line)
				return w.generateAll(sec.chunks)
			}); err != nil {
				return err
			}
		case "finally":
			finallyFn = fmt.Sprintf("_tt_finally%d", id)
			if err := w.function(finallyFn, "", h.Line, func() error {
				w.bindFromScope(names, h.Line)
				return w.generateAll(sec.chunks)
			}); err != nil {
				return err
			}
		}
	}
	w.writeLine(fmt.Sprintf("_tt_try(%s, [%s], %s, %s)", body, strings.Join(handlers, ", "), elseFn, finallyFn), n.Line)
	w.bindFromScope(names, n.Line)

	ctl := w.ctlUsed
	w.ctlUsed = outerCtl
	if ctl {
		w.writeLine(`_tt_ctl = _tt_scope.pop("_tt_ctl", None)`, n.Line)
		for _, op := range []string{"break", "continue"} {
			w.writeLine(fmt.Sprintf("if _tt_ctl == %q:", op), n.Line)
			w.indent++
			w.loopControl(op, n.Line)
			w.indent--
		}
	}
	return nil
}

// function emits "def name(params):" with the body produced by gen. Loops
// outside the function are not visible to break statements inside it.
func (w *codeWriter) function(name, params string, line int, gen func() error) error {
	w.writeLine(fmt.Sprintf("def %s(%s):", name, params), line)
	w.indent++
	loops := w.loops
	w.loops = nil
	err := gen()
	w.loops = loops
	if err != nil {
		return err
	}
	w.writeLine("pass", line)
	w.indent--
	return nil
}
