package template

import (
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"testing/fstest"

	"github.com/neurodesk/tmplc/pkg/netcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generate(t *testing.T, l *Loader, name string, kwargs map[string]any) string {
	t.Helper()
	tmpl, err := l.Load(name, "")
	require.NoError(t, err)
	out, err := tmpl.Generate(kwargs)
	require.NoError(t, err, "code:\n%s", FormatCode(tmpl.Code()))
	return string(out)
}

func TestExtendsReplacesBlocks(t *testing.T) {
	l := NewDictLoader(map[string]string{
		"base": "[{% block t %}P{% end %}]",
		"c":    `{% extends "base" %}{% block t %}C{% end %}`,
	})
	assert.Equal(t, "[C]", generate(t, l, "c", nil))
	assert.Equal(t, "[P]", generate(t, l, "base", nil))
}

func TestExtendsChain(t *testing.T) {
	l := NewDictLoader(map[string]string{
		"base":  "<{% block head %}H{% end %}|{% block body %}B{% end %}>",
		"mid":   `{% extends "base" %}ignored{% block head %}mid-{% block title %}T{% end %}{% end %}`,
		"child": `{% extends "mid" %}{% block title %}{{ title }}{% end %}{% block body %}body{% end %}`,
	})
	assert.Equal(t, "<mid-X|body>", generate(t, l, "child", map[string]any{"title": "X"}))
	assert.Equal(t, "<mid-T|B>", generate(t, l, "mid", nil))
}

func TestExtendsBlockKeepsOwnAutoescape(t *testing.T) {
	l := NewDictLoader(map[string]string{
		"base":  "{% block b %}{% end %}{{ x }}",
		"child": `{% autoescape None %}{% extends "base" %}{% block b %}{{ x }}{% end %}`,
	})
	assert.Equal(t, "<i>&lt;i&gt;", generate(t, l, "child", map[string]any{"x": "<i>"}))
}

func TestIncludeSharesLocals(t *testing.T) {
	l := NewDictLoader(map[string]string{
		"outer": `{% set n = 3 %}{% include "inner" %}`,
		"inner": "n={{ n }}",
	})
	assert.Equal(t, "n=3", generate(t, l, "outer", nil))
}

func TestIncludeBlocksAreOverridable(t *testing.T) {
	l := NewDictLoader(map[string]string{
		"base":    `({% include "partial" %})`,
		"partial": "{% block p %}default{% end %}",
		"child":   `{% extends "base" %}{% block p %}child{% end %}`,
	})
	assert.Equal(t, "(child)", generate(t, l, "child", nil))
	assert.Equal(t, "(default)", generate(t, l, "base", nil))
}

func TestRelativePaths(t *testing.T) {
	l := NewDictLoader(map[string]string{
		"dir/page":   `{% include "part" %}{% include "../top" %}{% include "/abs" %}`,
		"dir/part":   "P",
		"top":        "T",
		"/abs":       "A",
		"other/page": `{% extends "../dir/part" %}`,
	})
	assert.Equal(t, "PTA", generate(t, l, "dir/page", nil))
	assert.Equal(t, "P", generate(t, l, "other/page", nil))
	assert.Equal(t, "dir/part", l.ResolvePath("part", "dir/page"))
	assert.Equal(t, "part", l.ResolvePath("part", "<string>"))
	assert.Equal(t, "part", l.ResolvePath("part", ""))
}

func TestIncludeErrorLocation(t *testing.T) {
	l := NewDictLoader(map[string]string{
		"a.txt": "x\n{% include \"b.txt\" %}",
		"b.txt": "{{ nope }}",
	})
	tmpl, err := l.Load("a.txt", "")
	require.NoError(t, err)
	_, err = tmpl.Generate(nil)
	var ee *ExecutionError
	require.ErrorAs(t, err, &ee)
	require.NotEmpty(t, ee.Frames)
	last := ee.Frames[len(ee.Frames)-1]
	assert.Equal(t, Location{Template: "b.txt", Line: 1, Via: []Location{{Template: "a.txt", Line: 2}}}, last.Location)
	assert.Equal(t, "{{ nope }}", last.Snippet)
	assert.Contains(t, ee.Traceback(), "b.txt:1 (via a.txt:2)")
}

func TestLoaderErrors(t *testing.T) {
	l := NewDictLoader(map[string]string{
		"cycle-a":  `{% include "cycle-b" %}`,
		"cycle-b":  "x\n{% include \"cycle-a\" %}",
		"self":     `{% extends "self" %}`,
		"missing":  `{% include "nowhere" %}`,
		"bad":      "{% if %}",
		"uses-bad": `{% extends "bad" %}`,
	})

	_, err := l.Load("cycle-a", "")
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "cycle-b", pe.Filename)
	assert.Equal(t, 2, pe.Line)
	assert.Contains(t, pe.Msg, `cyclic reference to template "cycle-a"`)

	_, err = l.Load("self", "")
	assert.ErrorContains(t, err, "cyclic reference")

	_, err = l.Load("missing", "")
	assert.ErrorIs(t, err, fs.ErrNotExist)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "nowhere", nf.Name)

	_, err = l.Load("uses-bad", "")
	assert.EqualError(t, err, "if missing condition at bad:1")

	// Failures are not cached.
	_, err = l.Load("uses-bad", "")
	assert.Error(t, err)
}

func TestLoaderCache(t *testing.T) {
	l := NewDictLoader(map[string]string{"a": "A", "b": `{% include "a" %}`})
	first, err := l.Load("a", "")
	require.NoError(t, err)
	again, err := l.Load("a", "")
	require.NoError(t, err)
	assert.Same(t, first, again)

	_, err = l.Load("b", "")
	require.NoError(t, err)
	again, err = l.Load("a", "")
	require.NoError(t, err)
	assert.Same(t, first, again)

	l.Reset()
	fresh, err := l.Load("a", "")
	require.NoError(t, err)
	assert.NotSame(t, first, fresh)
}

func TestConcurrentLoads(t *testing.T) {
	templates := make(map[string]string)
	for i := 0; i < 10; i++ {
		templates[fmt.Sprintf("t%d", i)] = fmt.Sprintf(`{%% extends "base" %%}{%% block b %%}%d{%% end %%}`, i)
	}
	templates["base"] = "[{% block b %}{% end %}]"
	l := NewDictLoader(templates)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string][]*Template)
	)
	for i := 0; i < 10; i++ {
		i := i
		for j := 0; j < 5; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				name := fmt.Sprintf("t%d", i)
				tmpl, err := l.Load(name, "")
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				results[name] = append(results[name], tmpl)
				mu.Unlock()
			}()
		}
	}
	wg.Wait()

	require.Len(t, results, 10)
	for name, loaded := range results {
		for _, tmpl := range loaded {
			assert.Same(t, loaded[0], tmpl, name)
		}
		out, err := loaded[0].Generate(nil)
		require.NoError(t, err)
		assert.Equal(t, "["+name[1:]+"]", string(out))
	}
}

func TestLoaderOptions(t *testing.T) {
	l := NewDictLoader(map[string]string{
		"page.html": "{{ x }}  {{ y }}",
	}, WithAutoescape(""), WithNamespace(map[string]any{"y": "ns"}), WithCompressWhitespace(false))
	assert.Equal(t, "<b>  ns", generate(t, l, "page.html", map[string]any{"x": "<b>"}))
}

func TestDirLoader(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "base.txt"), []byte("<{% block b %}{% end %}>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "page.txt"), []byte(`{% extends "../base.txt" %}{% block b %}{% include "part.txt" %}{% end %}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "part.txt"), []byte("{{ v }}"), 0o644))

	l, err := NewDirLoader(root)
	require.NoError(t, err)
	assert.Equal(t, "<1>", generate(t, l, "sub/page.txt", map[string]any{"v": 1}))
	assert.Equal(t, "sub/part.txt", l.ResolvePath("part.txt", "sub/page.txt"))

	// Names escaping the root stay unresolved and cannot be opened.
	assert.Equal(t, "../../x", l.ResolvePath("../../x", "sub/page.txt"))
	_, err = l.Load("../outside.txt", "")
	assert.ErrorIs(t, err, fs.ErrNotExist)

	_, err = l.Load("absent.txt", "")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestFSLoader(t *testing.T) {
	fsys := fstest.MapFS{
		"layout/base.html": {Data: []byte("<{% block main %}{% end %}>")},
		"pages/home.html":  {Data: []byte(`{% extends "../layout/base.html" %}{% block main %}home   page{% end %}`)},
	}
	l := NewFSLoader(fsys)
	assert.Equal(t, "<home page>", generate(t, l, "pages/home.html", nil))

	_, err := l.Load("pages/nope.html", "")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestHTTPLoader(t *testing.T) {
	pages := map[string]string{
		"/tmpl/base.txt":       "[{% block b %}{% end %}]",
		"/tmpl/pages/page.txt": `{% extends "../base.txt" %}{% block b %}{{ who }}{% end %}`,
	}
	var mu sync.Mutex
	hits := make(map[string]int)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits[r.URL.Path]++
		mu.Unlock()
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	cache := netcache.New(t.TempDir())
	l := NewHTTPLoader(srv.URL+"/tmpl/", cache)
	assert.Equal(t, "[web]", generate(t, l, "pages/page.txt", map[string]any{"who": "web"}))

	// A fresh loader revalidates against the on-disk cache.
	l = NewHTTPLoader(srv.URL+"/tmpl", cache)
	assert.Equal(t, "[web]", generate(t, l, "pages/page.txt", map[string]any{"who": "web"}))
	mu.Lock()
	assert.Equal(t, 2, hits["/tmpl/base.txt"])
	mu.Unlock()

	_, err := l.Load("missing.txt", "")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}
