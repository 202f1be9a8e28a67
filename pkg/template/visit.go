package template

import (
	"bytes"
	"fmt"
	"strings"
)

// Visitor is called for every node reached by Walk.
type Visitor interface {
	Visit(n Node) error
}

// VisitorFunc adapts a function to Visitor.
type VisitorFunc func(n Node) error

func (f VisitorFunc) Visit(n Node) error { return f(n) }

// Walk traverses n depth-first in source order. Included and parent
// templates are not followed.
func Walk(v Visitor, n Node) error {
	if err := v.Visit(n); err != nil {
		return err
	}
	var children *ChunkList
	switch t := n.(type) {
	case *File:
		children = t.Body
	case *ChunkList:
		for _, c := range t.Chunks {
			if err := Walk(v, c); err != nil {
				return err
			}
		}
	case *ControlBlock:
		children = t.Body
	case *NamedBlock:
		children = t.Body
	case *ApplyBlock:
		children = t.Body
	}
	if children != nil {
		return Walk(v, children)
	}
	return nil
}

// Pretty returns a line-oriented string representation of the AST.
func Pretty(n Node) string {
	var buf bytes.Buffer
	ppNode(&buf, 0, n)
	return buf.String()
}

func ppNode(buf *bytes.Buffer, indent int, n Node) {
	buf.WriteString(strings.Repeat(" ", indent))
	switch t := n.(type) {
	case *File:
		name := ""
		if t.Template != nil {
			name = t.Template.name
		}
		fmt.Fprintf(buf, "File(%s)\n", name)
		ppChunks(buf, indent+2, t.Body)
	case *ChunkList:
		buf.WriteString("ChunkList\n")
		ppChunks(buf, indent+2, t)
	case *Text:
		fmt.Fprintf(buf, "Text(%q) @%d\n", t.Value, t.Line)
	case *Expression:
		if t.Raw {
			fmt.Fprintf(buf, "Raw(%q) @%d\n", t.Expr, t.Line)
		} else {
			fmt.Fprintf(buf, "Expression(%q) @%d\n", t.Expr, t.Line)
		}
	case *Module:
		fmt.Fprintf(buf, "Module(%q) @%d\n", t.Expr, t.Line)
	case *Statement:
		fmt.Fprintf(buf, "Statement(%q) @%d\n", t.Stmt, t.Line)
	case *ControlBlock:
		fmt.Fprintf(buf, "%s(%q) @%d\n", strings.ToUpper(t.Op[:1])+t.Op[1:], t.Stmt, t.Line)
		ppChunks(buf, indent+2, t.Body)
	case *IntermediateControlBlock:
		fmt.Fprintf(buf, "%s(%q) @%d\n", strings.ToUpper(t.Op[:1])+t.Op[1:], t.Stmt, t.Line)
	case *NamedBlock:
		fmt.Fprintf(buf, "Block(%s) @%d\n", t.Name, t.Line)
		ppChunks(buf, indent+2, t.Body)
	case *ExtendsBlock:
		fmt.Fprintf(buf, "Extends(%q) @%d\n", t.Name, t.Line)
	case *IncludeBlock:
		fmt.Fprintf(buf, "Include(%q) @%d\n", t.Name, t.Line)
	case *ApplyBlock:
		fmt.Fprintf(buf, "Apply(%s) @%d\n", t.Method, t.Line)
		ppChunks(buf, indent+2, t.Body)
	}
}

func ppChunks(buf *bytes.Buffer, indent int, l *ChunkList) {
	if l == nil {
		return
	}
	for _, c := range l.Chunks {
		ppNode(buf, indent, c)
	}
}
