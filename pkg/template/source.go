package template

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/neurodesk/tmplc/pkg/netcache"
)

// Source supplies template text to a Loader.
type Source interface {
	// ResolvePath converts name, relative to the template parentPath, to
	// the canonical name used for caching and Open.
	ResolvePath(name, parentPath string) string
	// Open returns the text of a resolved name. A missing template is
	// reported with an error matching fs.ErrNotExist.
	Open(name string) ([]byte, error)
}

// relative reports whether name should be resolved against parentPath.
func relative(name, parentPath string) bool {
	return parentPath != "" &&
		!strings.HasPrefix(parentPath, "<") &&
		!strings.HasPrefix(parentPath, "/") &&
		!strings.HasPrefix(name, "/")
}

// resolvePOSIX joins name to the directory of parentPath with slash
// separators.
func resolvePOSIX(name, parentPath string) string {
	if !relative(name, parentPath) {
		return name
	}
	return path.Join(path.Dir(parentPath), name)
}

// DirSource reads templates from a directory.
type DirSource struct {
	root string
}

// NewDirSource returns a Source rooted at root.
func NewDirSource(root string) (*DirSource, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("template root %s: %w", root, err)
	}
	return &DirSource{root: abs}, nil
}

// Root is the absolute template directory.
func (s *DirSource) Root() string { return s.root }

// ResolvePath resolves relative names against the including template's
// directory. A result that would escape the root is left unresolved.
func (s *DirSource) ResolvePath(name, parentPath string) string {
	if !relative(name, parentPath) {
		return name
	}
	dir := filepath.Dir(filepath.Join(s.root, filepath.FromSlash(parentPath)))
	resolved := filepath.Join(dir, filepath.FromSlash(name))
	if !strings.HasPrefix(resolved, s.root+string(filepath.Separator)) {
		return name
	}
	return filepath.ToSlash(resolved[len(s.root)+1:])
}

func (s *DirSource) Open(name string) ([]byte, error) {
	p := filepath.Join(s.root, filepath.FromSlash(name))
	if !strings.HasPrefix(p, s.root+string(filepath.Separator)) {
		return nil, &NotFoundError{Name: name}
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &NotFoundError{Name: name}
	}
	return b, err
}

// MapSource serves templates from memory, keyed by slash-separated name.
type MapSource map[string]string

func (s MapSource) ResolvePath(name, parentPath string) string {
	return resolvePOSIX(name, parentPath)
}

func (s MapSource) Open(name string) ([]byte, error) {
	text, ok := s[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return []byte(text), nil
}

// FSSource reads templates from a file system, such as an embed.FS.
type FSSource struct {
	FS fs.FS
}

func (s FSSource) ResolvePath(name, parentPath string) string {
	return resolvePOSIX(name, parentPath)
}

func (s FSSource) Open(name string) ([]byte, error) {
	b, err := fs.ReadFile(s.FS, strings.TrimPrefix(name, "/"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &NotFoundError{Name: name}
	}
	return b, err
}

// HTTPSource fetches templates relative to a base URL through an on-disk
// HTTP cache.
type HTTPSource struct {
	BaseURL string
	Cache   *netcache.Cache
	// Timeout bounds each fetch. Zero means no limit beyond the cache's
	// HTTP client.
	Timeout time.Duration
}

func (s HTTPSource) ResolvePath(name, parentPath string) string {
	return resolvePOSIX(name, parentPath)
}

func (s HTTPSource) Open(name string) ([]byte, error) {
	u, err := url.JoinPath(s.BaseURL, strings.TrimPrefix(name, "/"))
	if err != nil {
		return nil, fmt.Errorf("template url for %s: %w", name, err)
	}
	ctx := context.Background()
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	b, err := s.Cache.Fetch(ctx, u)
	var se *netcache.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return nil, &NotFoundError{Name: name}
	}
	return b, err
}

// NewDirLoader returns a Loader for templates under root.
func NewDirLoader(root string, opts ...Option) (*Loader, error) {
	src, err := NewDirSource(root)
	if err != nil {
		return nil, err
	}
	return NewLoader(src, opts...), nil
}

// NewDictLoader returns a Loader for in-memory templates.
func NewDictLoader(templates map[string]string, opts ...Option) *Loader {
	return NewLoader(MapSource(templates), opts...)
}

// NewFSLoader returns a Loader for templates in fsys.
func NewFSLoader(fsys fs.FS, opts ...Option) *Loader {
	return NewLoader(FSSource{FS: fsys}, opts...)
}

// NewHTTPLoader returns a Loader fetching templates under baseURL.
func NewHTTPLoader(baseURL string, cache *netcache.Cache, opts ...Option) *Loader {
	return NewLoader(HTTPSource{BaseURL: baseURL, Cache: cache}, opts...)
}
