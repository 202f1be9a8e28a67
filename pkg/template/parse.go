package template

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"unicode"

	"go.starlark.net/syntax"
)

var (
	reservedRe = regexp.MustCompile(`\b_tt_`)
	identRe    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// intermediateParents lists the blocks each intermediate may attach to.
var intermediateParents = map[string][]string{
	"else":    {"if", "for", "while", "try"},
	"elif":    {"if"},
	"except":  {"try"},
	"finally": {"try"},
}

type parser struct {
	r       *Reader
	t       *Template
	blocks  map[string]bool
	extends bool
}

func parseTemplate(t *Template) (*ChunkList, error) {
	p := &parser{
		r:      NewReader(t.name, t.source),
		t:      t,
		blocks: make(map[string]bool),
	}
	return p.parse("", "")
}

func (p *parser) errorf(line int, format string, args ...any) error {
	return &ParseError{Msg: fmt.Sprintf(format, args...), Filename: p.r.name, Line: line}
}

// sections records which intermediates a control block has seen so far.
type sections struct {
	els, except, finally bool
}

// parse parses until EOF, or until the {% end %} of inBlock. inLoop names
// the innermost enclosing loop whose body is not separated from here by a
// nested function.
func (p *parser) parse(inBlock, inLoop string) (*ChunkList, error) {
	r := p.r
	body := &ChunkList{}
	var seen sections
	for {
		// Find next template directive
		curly := 0
		for {
			curly = r.Find("{", curly)
			if curly == -1 || curly+1 == r.Remaining() {
				if inBlock != "" {
					return nil, p.errorf(r.Line(), "missing {%% end %%} block for %s", inBlock)
				}
				if s := r.ConsumeRest(); s != "" {
					body.Chunks = append(body.Chunks, &Text{Value: s, Line: r.Line()})
				}
				return body, nil
			}
			c := r.At(curly + 1)
			if c != '{' && c != '%' && c != '#' {
				curly++
				continue
			}
			// With more than two braces in a row the innermost pair opens
			// the directive.
			if c == '{' && curly+2 < r.Remaining() && (r.At(curly+2) == '{' || r.At(curly+2) == '%') {
				curly++
				continue
			}
			break
		}

		if curly > 0 {
			s := r.Consume(curly)
			body.Chunks = append(body.Chunks, &Text{Value: s, Line: r.Line()})
		}

		start := r.Consume(2)
		line := r.Line()

		// "{{!", "{%!" and "{#!" print the opener literally.
		if r.Remaining() > 0 && r.At(0) == '!' {
			r.Consume(1)
			body.Chunks = append(body.Chunks, &Text{Value: start, Line: line})
			continue
		}

		switch start {
		case "{#":
			end := r.Find("#}", 0)
			if end == -1 {
				return nil, p.errorf(line, "missing end comment #}")
			}
			r.Consume(end + 2)
			continue
		case "{{":
			end := r.Find("}}", 0)
			if end == -1 {
				return nil, p.errorf(line, "missing end expression }}")
			}
			contents := strings.TrimSpace(r.Consume(end))
			r.Consume(2)
			if contents == "" {
				return nil, p.errorf(line, "empty expression")
			}
			if err := p.checkReserved("expr", contents, line); err != nil {
				return nil, err
			}
			body.Chunks = append(body.Chunks, &Expression{Expr: contents, Line: line})
			continue
		}

		end := r.Find("%}", 0)
		if end == -1 {
			return nil, p.errorf(line, "missing end block %%}")
		}
		contents := strings.TrimSpace(r.Consume(end))
		r.Consume(2)
		if contents == "" {
			return nil, p.errorf(line, "empty block tag ({%% %%})")
		}

		op, suffix := splitOperator(contents)

		if parents, ok := intermediateParents[op]; ok {
			if inBlock == "" {
				return nil, p.errorf(line, "%s outside %s block", op, strings.Join(parents, "/"))
			}
			if !slices.Contains(parents, inBlock) {
				return nil, p.errorf(line, "%s block cannot be attached to %s block", op, inBlock)
			}
			if op == "elif" {
				if err := p.checkReserved("if", suffix, line); err != nil {
					return nil, err
				}
			}
			block, err := p.intermediate(op, suffix, contents, line, inBlock, &seen)
			if err != nil {
				return nil, err
			}
			body.Chunks = append(body.Chunks, block)
			continue
		}

		switch op {
		case "end":
			if inBlock == "" {
				return nil, p.errorf(line, "extra {%% end %%} block")
			}
			if inBlock == "try" && !seen.except && !seen.finally {
				return nil, p.errorf(line, "try block requires except or finally")
			}
			return body, nil

		case "comment":
			continue

		case "extends", "include":
			name := unquote(suffix)
			if name == "" {
				return nil, p.errorf(line, "%s missing file path", op)
			}
			if op == "include" {
				body.Chunks = append(body.Chunks, &IncludeBlock{Name: name, TemplateName: r.name, Line: line})
				continue
			}
			if p.extends {
				return nil, p.errorf(line, "duplicate extends")
			}
			p.extends = true
			body.Chunks = append(body.Chunks, &ExtendsBlock{Name: name, Line: line})

		case "set", "import", "from", "raw", "module", "autoescape":
			if suffix == "" {
				return nil, p.errorf(line, "%s missing %s", op, missingWhat[op])
			}
			if err := p.checkReserved(op, suffix, line); err != nil {
				return nil, err
			}
			switch op {
			case "set":
				body.Chunks = append(body.Chunks, &Statement{Stmt: suffix, Line: line})
			case "import", "from":
				imports, err := parseImport(op, suffix)
				if err != nil {
					return nil, p.errorf(line, "%v", err)
				}
				body.Chunks = append(body.Chunks, &Statement{Stmt: contents, Line: line, imports: imports})
			case "raw":
				body.Chunks = append(body.Chunks, &Expression{Expr: suffix, Raw: true, Line: line})
			case "module":
				body.Chunks = append(body.Chunks, &Module{Expr: suffix, Line: line})
			case "autoescape":
				if suffix == "None" {
					suffix = ""
				}
				p.t.autoescape = suffix
			}

		case "apply", "block", "try", "if", "for", "while":
			if op == "try" && suffix != "" {
				return nil, p.errorf(line, "try takes no arguments")
			}
			if op != "try" && suffix == "" {
				return nil, p.errorf(line, "%s missing %s", op, missingWhat[op])
			}
			if err := p.checkReserved(op, suffix, line); err != nil {
				return nil, err
			}
			if op == "block" {
				if p.blocks[suffix] {
					return nil, p.errorf(line, "duplicate block %q", suffix)
				}
				p.blocks[suffix] = true
			}

			loop := inLoop
			switch op {
			case "for", "while":
				loop = op
			case "apply":
				// The body becomes a nested function, so it is not inside
				// the loop.
				loop = ""
			}
			blockBody, err := p.parse(op, loop)
			if err != nil {
				return nil, err
			}

			switch op {
			case "apply":
				body.Chunks = append(body.Chunks, &ApplyBlock{Method: suffix, Body: blockBody, Line: line})
			case "block":
				body.Chunks = append(body.Chunks, &NamedBlock{Name: suffix, Body: blockBody, Template: p.t, Line: line})
			default:
				body.Chunks = append(body.Chunks, &ControlBlock{Op: op, Stmt: contents, Body: blockBody, Line: line})
			}

		case "break", "continue":
			if inLoop == "" {
				return nil, p.errorf(line, "%s outside for/while block", op)
			}
			if suffix != "" {
				return nil, p.errorf(line, "%s takes no arguments", op)
			}
			body.Chunks = append(body.Chunks, &Statement{Stmt: op, Line: line})

		default:
			return nil, p.errorf(line, "unknown operator: %q", op)
		}
	}
}

var missingWhat = map[string]string{
	"set":        "statement",
	"import":     "statement",
	"from":       "statement",
	"raw":        "expression",
	"module":     "expression",
	"autoescape": "function name",
	"apply":      "method name",
	"block":      "name",
	"if":         "condition",
	"for":        "loop clause",
	"while":      "condition",
}

func (p *parser) intermediate(op, suffix, contents string, line int, inBlock string, seen *sections) (*IntermediateControlBlock, error) {
	block := &IntermediateControlBlock{Op: op, Stmt: contents, Line: line}
	switch op {
	case "elif":
		if suffix == "" {
			return nil, p.errorf(line, "elif missing condition")
		}
		if seen.els {
			return nil, p.errorf(line, "elif after else")
		}
	case "else":
		if suffix != "" {
			return nil, p.errorf(line, "else takes no arguments")
		}
		if seen.els {
			return nil, p.errorf(line, "duplicate else in %s block", inBlock)
		}
		if inBlock == "try" {
			if !seen.except {
				return nil, p.errorf(line, "else in try block requires a preceding except")
			}
			if seen.finally {
				return nil, p.errorf(line, "else after finally")
			}
		}
		seen.els = true
	case "except":
		if seen.els || seen.finally {
			return nil, p.errorf(line, "except after else or finally")
		}
		filter, as := suffix, ""
		if rest, ok := strings.CutPrefix(suffix, "as "); ok {
			filter, as = "", strings.TrimSpace(rest)
		} else if i := strings.LastIndex(suffix, " as "); i >= 0 {
			filter, as = strings.TrimSpace(suffix[:i]), strings.TrimSpace(suffix[i+4:])
		}
		if as != "" && !identRe.MatchString(as) {
			return nil, p.errorf(line, "invalid except binding %q", as)
		}
		if strings.HasPrefix(as, "_tt_") {
			return nil, p.errorf(line, "reserved identifier prefix _tt_ in %q", as)
		}
		if filter != "" {
			if err := p.checkReserved("expr", filter, line); err != nil {
				return nil, err
			}
		}
		block.Filter, block.As = filter, as
		seen.except = true
	case "finally":
		if suffix != "" {
			return nil, p.errorf(line, "finally takes no arguments")
		}
		if seen.finally {
			return nil, p.errorf(line, "duplicate finally")
		}
		seen.finally = true
	}
	return block, nil
}

// checkReserved rejects identifiers with the _tt_ prefix in the code of
// directive op. String literals may contain the prefix. A fragment that
// does not parse on its own is checked textually.
func (p *parser) checkReserved(op, s string, line int) error {
	var node syntax.Node
	err := errNotCode
	switch op {
	case "expr", "raw", "module", "apply", "autoescape":
		node, err = fileOptions.ParseExpr(p.r.name, s, 0)
	case "set":
		node, err = fileOptions.Parse(p.r.name, s, 0)
	case "if", "for", "while":
		node, err = fileOptions.Parse(p.r.name, op+" "+s+":\n    pass\n", 0)
	}
	reserved := false
	if err != nil {
		reserved = reservedRe.MatchString(s)
	} else {
		syntax.Walk(node, func(n syntax.Node) bool {
			if id, ok := n.(*syntax.Ident); ok && strings.HasPrefix(id.Name, "_tt_") {
				reserved = true
			}
			return !reserved
		})
	}
	if reserved {
		return p.errorf(line, "reserved identifier prefix _tt_ in %q", s)
	}
	return nil
}

var errNotCode = errors.New("not code")

// splitOperator splits directive contents at the first whitespace.
func splitOperator(contents string) (op, suffix string) {
	i := strings.IndexFunc(contents, unicode.IsSpace)
	if i == -1 {
		return contents, ""
	}
	return contents[:i], strings.TrimSpace(contents[i:])
}

func unquote(s string) string {
	return strings.Trim(strings.Trim(s, `"`), "'")
}

// parseImport parses "import a, b as c" or "from m import x, y as z".
func parseImport(op, suffix string) ([]importBinding, error) {
	module := ""
	names := suffix
	if op == "from" {
		m, rest, ok := strings.Cut(suffix, " import ")
		if !ok {
			return nil, fmt.Errorf("from statement missing import")
		}
		module, names = strings.TrimSpace(m), rest
		if !identRe.MatchString(module) {
			return nil, fmt.Errorf("unsupported module name %q", module)
		}
	}
	var bindings []importBinding
	for _, part := range strings.Split(names, ",") {
		fields := strings.Fields(part)
		var target, name string
		switch {
		case len(fields) == 1:
			target, name = fields[0], fields[0]
		case len(fields) == 3 && fields[1] == "as":
			target, name = fields[0], fields[2]
		default:
			return nil, fmt.Errorf("invalid %s statement %q", op, strings.TrimSpace(part))
		}
		if !identRe.MatchString(target) || !identRe.MatchString(name) {
			return nil, fmt.Errorf("unsupported %s of %q", op, strings.TrimSpace(part))
		}
		if op == "from" {
			bindings = append(bindings, importBinding{Name: name, Module: module, Attr: target})
		} else {
			bindings = append(bindings, importBinding{Name: name, Module: target})
		}
	}
	return bindings, nil
}
