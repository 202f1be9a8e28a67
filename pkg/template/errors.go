package template

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"go.starlark.net/starlark"
)

// ParseError is raised for template syntax errors.
type ParseError struct {
	Msg      string
	Filename string
	Line     int
}

func (e *ParseError) Error() string {
	switch {
	case e.Filename == "":
		return e.Msg
	case e.Line == 0:
		return fmt.Sprintf("%s at %s", e.Msg, e.Filename)
	}
	return fmt.Sprintf("%s at %s:%d", e.Msg, e.Filename, e.Line)
}

// NotFoundError reports a template name missing from a source.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string { return "template not found: " + e.Name }

// Is makes errors.Is(err, fs.ErrNotExist) hold for every source.
func (e *NotFoundError) Is(target error) bool { return target == fs.ErrNotExist }

// CompileError reports generated code that Starlark rejected.
type CompileError struct {
	Template string
	Location Location
	Err      error
}

func (e *CompileError) Error() string {
	if e.Location.Template == "" {
		return fmt.Sprintf("compiling %s: %v", e.Template, e.Err)
	}
	return fmt.Sprintf("compiling %s: %s: %v", e.Template, e.Location, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// Frame is one template-level entry of an execution traceback.
type Frame struct {
	Location
	// Function is the generated function, e.g. _tt_execute or _tt_apply0.
	Function string
	// Snippet is the template source line.
	Snippet string
}

func (f Frame) String() string {
	s := fmt.Sprintf("  %s in %s", f.Location, f.Function)
	if f.Snippet != "" {
		s += "\n    " + f.Snippet
	}
	return s
}

// ExecutionError reports a failure while generating a template. Frames
// list the template locations of the Starlark call stack, outermost first.
type ExecutionError struct {
	Template string
	Msg      string
	Frames   []Frame
	Err      error
}

func (e *ExecutionError) Error() string {
	if len(e.Frames) == 0 {
		return fmt.Sprintf("executing %s: %s", e.Template, e.Msg)
	}
	return fmt.Sprintf("executing %s: %s: %s", e.Template, e.Frames[len(e.Frames)-1].Location, e.Msg)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Traceback formats the frames like a Python traceback.
func (e *ExecutionError) Traceback() string {
	var b strings.Builder
	b.WriteString("Traceback (most recent call last):\n")
	for _, f := range e.Frames {
		b.WriteString(f.String())
		b.WriteByte('\n')
	}
	b.WriteString("Error: ")
	b.WriteString(e.Msg)
	return b.String()
}

const uninitializedPrefix = "internal error: predeclared variable "

func newExecutionError(t *Template, err error) *ExecutionError {
	ee := &ExecutionError{Template: t.name, Msg: err.Error(), Err: err}
	var evalErr *starlark.EvalError
	if !errors.As(err, &evalErr) {
		return ee
	}
	ee.Msg = evalErr.Msg
	if name, ok := strings.CutPrefix(ee.Msg, uninitializedPrefix); ok {
		name = strings.TrimSuffix(name, " is uninitialized")
		ee.Msg = fmt.Sprintf("name %q is not defined", name)
	}
	filename := t.generatedFilename()
	for _, cf := range evalErr.CallStack {
		if cf.Pos.Filename() != filename {
			continue
		}
		loc, ok := t.sourceMap.Lookup(int(cf.Pos.Line))
		if !ok {
			continue
		}
		ee.Frames = append(ee.Frames, Frame{
			Location: loc,
			Function: cf.Name,
			Snippet:  t.sourceMap.Snippet(loc.Template, loc.Line),
		})
	}
	return ee
}
