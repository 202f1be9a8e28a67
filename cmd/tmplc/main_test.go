package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextValues(t *testing.T) {
	dir := t.TempDir()
	dataFile = filepath.Join(dir, "vars.yaml")
	setValues = []string{"n=3", "name=Ada", "empty=", "flag=true"}
	t.Cleanup(func() { dataFile, setValues = "", nil })
	require.NoError(t, os.WriteFile(dataFile, []byte("name: file\nlist: [1, 2]\n"), 0o644))

	values, err := contextValues()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"n":     3,
		"name":  "Ada",
		"empty": "",
		"flag":  true,
		"list":  []any{1, 2},
	}, values)

	setValues = []string{"novalue"}
	_, err = contextValues()
	assert.ErrorContains(t, err, "expected KEY=VALUE")
}

func TestCheckDockerfile(t *testing.T) {
	assert.NoError(t, checkOutput("", []byte("anything")))
	assert.NoError(t, checkOutput("dockerfile", []byte("FROM alpine:3.20\nRUN echo hi\n")))
	assert.ErrorContains(t, checkOutput("xml", nil), "unknown check")
}

func TestRenderCommand(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "templates")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "base.Dockerfile"), []byte("FROM {{ image }}\n{% block body %}{% end %}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "app.Dockerfile"), []byte(`{% extends "base.Dockerfile" %}{% block body %}{% for p in pkgs %}RUN apk add {{ p }}
{% end %}{% end %}`), 0o644))
	out := filepath.Join(dir, "Dockerfile")

	rootCmd.SetArgs([]string{"render", "--root", root, "--set", "image=alpine:3.20", "--set", "pkgs=[git, curl]", "--check", "dockerfile", "-o", out, "app.Dockerfile"})
	t.Cleanup(func() { rootDir, setValues, checkKind, outputPath = "", nil, "", "" })
	require.NoError(t, rootCmd.Execute())

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "FROM alpine:3.20\nRUN apk add git\nRUN apk add curl\n", string(got))

	env := &environment{root: root}
	names, err := env.names()
	require.NoError(t, err)
	assert.Equal(t, []string{"app.Dockerfile", "base.Dockerfile"}, names)
}
