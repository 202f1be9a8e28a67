package template

// Node is any AST node in a parsed template.
type Node interface {
	node()
}

// File is the root node of a parsed template.
type File struct {
	Template *Template
	Body     *ChunkList
}

func (*File) node() {}

// ChunkList is an ordered sequence of nodes.
type ChunkList struct {
	Chunks []Node
}

func (*ChunkList) node() {}

// Text is literal template text.
type Text struct {
	Value string
	Line  int
}

func (*Text) node() {}

// Expression is {{ expr }} or {% raw expr %}.
type Expression struct {
	Expr string
	Raw  bool
	Line int
}

func (*Expression) node() {}

// Module is {% module expr %}: a raw expression evaluated against the
// UI module handle.
type Module struct {
	Expr string
	Line int
}

func (*Module) node() {}

// Statement is a statement emitted verbatim, such as the body of
// {% set %}, {% break %} or {% continue %}. Import statements carry their
// parsed bindings.
type Statement struct {
	Stmt    string
	Line    int
	imports []importBinding
}

func (*Statement) node() {}

// importBinding binds Name to module Module, or to its attribute Attr.
type importBinding struct {
	Name   string
	Module string
	Attr   string
}

// ControlBlock is an if, for, while or try block. Its body holds the
// IntermediateControlBlocks that separate its sections.
type ControlBlock struct {
	Op   string
	Stmt string
	Body *ChunkList
	Line int
}

func (*ControlBlock) node() {}

// IntermediateControlBlock is else, elif, except or finally.
type IntermediateControlBlock struct {
	Op   string
	Stmt string
	Line int

	// For except: the filter expression and the name bound to the error
	// message, both optional.
	Filter string
	As     string
}

func (*IntermediateControlBlock) node() {}

// NamedBlock is {% block name %}, replaceable by descendants.
type NamedBlock struct {
	Name     string
	Body     *ChunkList
	Template *Template
	Line     int
}

func (*NamedBlock) node() {}

// ExtendsBlock declares the parent of the file.
type ExtendsBlock struct {
	Name string
	Line int
}

func (*ExtendsBlock) node() {}

// IncludeBlock inlines another template. TemplateName is the name of the
// including template, used to resolve relative paths.
type IncludeBlock struct {
	Name         string
	TemplateName string
	Line         int
}

func (*IncludeBlock) node() {}

// ApplyBlock passes the rendered body through Method.
type ApplyBlock struct {
	Method string
	Body   *ChunkList
	Line   int
}

func (*ApplyBlock) node() {}
