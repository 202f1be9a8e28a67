// Package config reads tmplc.yaml, which selects a template source and the
// options shared by every template it loads.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/neurodesk/tmplc/pkg/netcache"
	"github.com/neurodesk/tmplc/pkg/template"
	"github.com/neurodesk/tmplc/pkg/validator"
	"gopkg.in/yaml.v3"
)

const (
	KindDir  = "dir"
	KindDict = "dict"
	KindHTTP = "http"
)

type LoaderConfig struct {
	Kind      string            `yaml:"kind"`
	Root      string            `yaml:"root,omitempty"`
	BaseURL   string            `yaml:"base_url,omitempty"`
	CacheDir  string            `yaml:"cache_dir,omitempty"`
	Templates map[string]string `yaml:"templates,omitempty"`
}

func (l LoaderConfig) Validate() error {
	if err := validator.MatchesAllowed(l.Kind, []string{KindDir, KindDict, KindHTTP}, "loader.kind"); err != nil {
		return err
	}
	switch l.Kind {
	case KindDir:
		return validator.All(
			validator.NotEmpty(l.Root, "loader.root"),
			validator.Empty(l.BaseURL, "loader.base_url"),
		)
	case KindHTTP:
		return validator.All(
			validator.HTTPURL(l.BaseURL, "loader.base_url"),
			validator.Empty(l.Root, "loader.root"),
		)
	default:
		if len(l.Templates) == 0 {
			return fmt.Errorf("loader.templates must not be empty")
		}
		return validator.MapDict(l.Templates, func(name, _ string) error {
			return validator.All(
				validator.NotEmpty(name, "loader.templates key"),
				validator.HasNoDirectives(name, "loader.templates key "+name),
			)
		})
	}
}

type Config struct {
	Loader LoaderConfig `yaml:"loader"`
	// Autoescape names the escape function. Null or "" disables escaping;
	// omitted means template.DefaultAutoescape.
	Autoescape         *string        `yaml:"autoescape"`
	CompressWhitespace *bool          `yaml:"compress_whitespace,omitempty"`
	Namespace          map[string]any `yaml:"namespace,omitempty"`
	MaxExecutionSteps  uint64         `yaml:"max_execution_steps,omitempty"`

	// dir is the directory of the config file; relative paths resolve
	// against it.
	dir string
	// autoescapeSet records an explicit null autoescape.
	autoescapeSet bool
}

func (c *Config) Validate() error {
	if err := c.Loader.Validate(); err != nil {
		return err
	}
	if c.Autoescape != nil && *c.Autoescape != "" {
		if err := validator.Identifier(*c.Autoescape, "autoescape"); err != nil {
			return err
		}
	}
	return validator.MapDict(c.Namespace, func(key string, _ any) error {
		return validator.Identifier(key, "namespace key")
	})
}

// Decode reads a config document from r.
func Decode(r io.Reader) (*Config, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	// A null autoescape disables escaping, unlike an omitted one.
	var doc yaml.Node
	if err := yaml.Unmarshal(b, &doc); err == nil && len(doc.Content) == 1 {
		root := doc.Content[0]
		for i := 0; i+1 < len(root.Content); i += 2 {
			if root.Content[i].Value == "autoescape" {
				cfg.autoescapeSet = true
			}
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cfg, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.dir = filepath.Dir(path)
	return cfg, nil
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.dir == "" {
		return p
	}
	return filepath.Join(c.dir, p)
}

// Options returns the template options the config describes.
func (c *Config) Options() []template.Option {
	var opts []template.Option
	switch {
	case c.Autoescape != nil:
		opts = append(opts, template.WithAutoescape(*c.Autoescape))
	case c.autoescapeSet:
		opts = append(opts, template.WithoutAutoescape())
	}
	if c.CompressWhitespace != nil {
		opts = append(opts, template.WithCompressWhitespace(*c.CompressWhitespace))
	}
	if len(c.Namespace) > 0 {
		opts = append(opts, template.WithNamespace(c.Namespace))
	}
	if c.MaxExecutionSteps > 0 {
		opts = append(opts, template.WithMaxExecutionSteps(c.MaxExecutionSteps))
	}
	return opts
}

// NewLoader builds the template loader the config describes. Extra options
// are applied after the configured ones.
func (c *Config) NewLoader(extra ...template.Option) (*template.Loader, error) {
	opts := append(c.Options(), extra...)
	switch c.Loader.Kind {
	case KindDir:
		return template.NewDirLoader(c.resolve(c.Loader.Root), opts...)
	case KindHTTP:
		dir := c.resolve(c.Loader.CacheDir)
		if dir == "" {
			base, err := os.UserCacheDir()
			if err != nil {
				return nil, fmt.Errorf("locating cache dir: %w", err)
			}
			dir = filepath.Join(base, "tmplc")
		}
		return template.NewHTTPLoader(c.Loader.BaseURL, netcache.New(dir), opts...), nil
	case KindDict:
		return template.NewDictLoader(c.Loader.Templates, opts...), nil
	}
	return nil, fmt.Errorf("unknown loader kind %q", c.Loader.Kind)
}
