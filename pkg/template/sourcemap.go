package template

import (
	"fmt"
	"strconv"
	"strings"
)

// Location is a line of a template, together with the chain of include and
// block sites that led to it, innermost first.
type Location struct {
	Template string
	Line     int
	Via      []Location
}

func (l Location) String() string {
	s := fmt.Sprintf("%s:%d", l.Template, l.Line)
	if len(l.Via) > 0 {
		via := make([]string, len(l.Via))
		for i, v := range l.Via {
			via[i] = fmt.Sprintf("%s:%d", v.Template, v.Line)
		}
		s += " (via " + strings.Join(via, ", ") + ")"
	}
	return s
}

// SourceMap maps lines of a generated program back to template lines.
type SourceMap struct {
	lines   []Location
	sources map[string]string
}

func newSourceMap() *SourceMap {
	return &SourceMap{sources: make(map[string]string)}
}

func (m *SourceMap) add(loc Location) {
	m.lines = append(m.lines, loc)
}

func (m *SourceMap) addSource(name, text string) {
	if _, ok := m.sources[name]; !ok {
		m.sources[name] = text
	}
}

// Lookup returns the template location of a 1-based generated line.
func (m *SourceMap) Lookup(line int) (Location, bool) {
	if m == nil || line < 1 || line > len(m.lines) {
		return Location{}, false
	}
	return m.lines[line-1], true
}

// Source returns the text of a template that contributed code.
func (m *SourceMap) Source(name string) (string, bool) {
	if m == nil {
		return "", false
	}
	s, ok := m.sources[name]
	return s, ok
}

// Snippet returns a trimmed source line of a contributing template.
func (m *SourceMap) Snippet(name string, line int) string {
	src, ok := m.Source(name)
	if !ok || line < 1 {
		return ""
	}
	lines := strings.Split(src, "\n")
	if line > len(lines) {
		return ""
	}
	return strings.TrimSpace(lines[line-1])
}

// FormatCode numbers every line of code in a right-aligned gutter.
func FormatCode(code string) string {
	lines := strings.Split(strings.TrimSuffix(code, "\n"), "\n")
	width := len(strconv.Itoa(len(lines) + 1))
	var b strings.Builder
	for i, line := range lines {
		fmt.Fprintf(&b, "%*d  %s\n", width, i+1, line)
	}
	return b.String()
}
