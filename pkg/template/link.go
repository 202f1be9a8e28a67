package template

// ancestors returns the files of t and of every template it extends,
// child first.
func (t *Template) ancestors() ([]*File, error) {
	files := []*File{t.file}
	for _, chunk := range t.file.Body.Chunks {
		ext, ok := chunk.(*ExtendsBlock)
		if !ok {
			continue
		}
		if t.loader == nil {
			return nil, &ParseError{Msg: "{% extends %} block found, but no template loader", Filename: t.name, Line: ext.Line}
		}
		parent, err := t.loader.loadFrom(ext.Name, t.name, ext.Line)
		if err != nil {
			return nil, err
		}
		more, err := parent.ancestors()
		if err != nil {
			return nil, err
		}
		files = append(files, more...)
	}
	return files, nil
}

// findNamedBlocks records every block under n, descending into included
// templates. Later calls override earlier ones.
func findNamedBlocks(n Node, loader *Loader, blocks map[string]*NamedBlock) error {
	switch n := n.(type) {
	case *File:
		return findNamedBlocks(n.Body, loader, blocks)
	case *ChunkList:
		for _, c := range n.Chunks {
			if err := findNamedBlocks(c, loader, blocks); err != nil {
				return err
			}
		}
	case *NamedBlock:
		blocks[n.Name] = n
		return findNamedBlocks(n.Body, loader, blocks)
	case *ControlBlock:
		return findNamedBlocks(n.Body, loader, blocks)
	case *ApplyBlock:
		return findNamedBlocks(n.Body, loader, blocks)
	case *IncludeBlock:
		if loader == nil {
			return &ParseError{Msg: "{% include %} block found, but no template loader", Filename: n.TemplateName, Line: n.Line}
		}
		included, err := loader.loadFrom(n.Name, n.TemplateName, n.Line)
		if err != nil {
			return err
		}
		return findNamedBlocks(included.file, loader, blocks)
	}
	return nil
}

// link merges the named blocks of the inheritance chain of t and generates
// code from the oldest ancestor.
func (t *Template) link() (string, *SourceMap, error) {
	files, err := t.ancestors()
	if err != nil {
		return "", nil, err
	}
	// Oldest first, so descendants override.
	for i, j := 0, len(files)-1; i < j; i, j = i+1, j-1 {
		files[i], files[j] = files[j], files[i]
	}
	blocks := make(map[string]*NamedBlock)
	for _, f := range files {
		if err := findNamedBlocks(f, t.loader, blocks); err != nil {
			return "", nil, err
		}
	}
	w := newCodeWriter(blocks, t.loader, files[0].Template, t.compress)
	if err := w.generate(files[0]); err != nil {
		return "", nil, err
	}
	return w.buf.String(), w.sourceMap, nil
}
