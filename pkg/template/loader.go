package template

import (
	"fmt"
	"sync"
)

// Loader compiles templates from a Source and caches them by resolved
// name. It is required for {% extends %} and {% include %}.
//
// A Loader is safe for concurrent use. Compilation is serialized by a
// single mutex; loads triggered while compiling run with the mutex already
// held.
type Loader struct {
	source Source
	opts   options

	mu        sync.Mutex
	templates map[string]*Template
	building  map[string]bool
}

// NewLoader returns a Loader reading from source. Options apply to every
// template it compiles; WithName is ignored.
func NewLoader(source Source, opts ...Option) *Loader {
	return &Loader{
		source:    source,
		opts:      buildOptions(opts),
		templates: make(map[string]*Template),
		building:  make(map[string]bool),
	}
}

// Reset empties the cache of compiled templates.
func (l *Loader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.templates = make(map[string]*Template)
}

// ResolvePath converts a name relative to parentPath to the loader's
// canonical form.
func (l *Loader) ResolvePath(name, parentPath string) string {
	return l.source.ResolvePath(name, parentPath)
}

// Load returns the compiled template for name, resolved relative to
// parentPath when that is not empty.
func (l *Loader) Load(name, parentPath string) (*Template, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadFrom(name, parentPath, 0)
}

// loadFrom is Load for callers that hold l.mu. line is the directive in
// parentPath that caused the load, for cycle errors.
func (l *Loader) loadFrom(name, parentPath string, line int) (*Template, error) {
	name = l.source.ResolvePath(name, parentPath)
	if t, ok := l.templates[name]; ok {
		return t, nil
	}
	if l.building[name] {
		return nil, &ParseError{Msg: fmt.Sprintf("cyclic reference to template %q", name), Filename: parentPath, Line: line}
	}
	l.building[name] = true
	defer delete(l.building, name)

	src, err := l.source.Open(name)
	if err != nil {
		return nil, fmt.Errorf("loading template %s: %w", name, err)
	}
	l.opts.logger.Debug("compiling template", "template", name)
	t, err := newTemplate(string(src), name, l.opts, l)
	if err != nil {
		return nil, err
	}
	l.templates[name] = t
	return t, nil
}
