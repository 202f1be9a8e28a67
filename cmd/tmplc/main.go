package main

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/moby/buildkit/frontend/dockerfile/parser"
	"github.com/neurodesk/tmplc/pkg/config"
	"github.com/neurodesk/tmplc/pkg/template"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	configPath string
	rootDir    string
	verbose    bool

	setValues  []string
	dataFile   string
	outputPath string
	checkKind  string
)

var rootCmd = cobra.Command{
	Use:          "tmplc",
	Short:        "Compile and render text templates",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

// environment is the loader selected by the flags, with the config it came
// from when there is one.
type environment struct {
	cfg    *config.Config
	root   string
	loader *template.Loader
}

func loadEnvironment(cmd *cobra.Command) (*environment, error) {
	if rootDir != "" {
		l, err := template.NewDirLoader(rootDir)
		if err != nil {
			return nil, err
		}
		return &environment{root: rootDir, loader: l}, nil
	}

	cfg, err := config.Load(configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config"):
		slog.Debug("no config file, loading templates from the working directory", "config", configPath)
		l, err := template.NewDirLoader(".")
		if err != nil {
			return nil, err
		}
		return &environment{root: ".", loader: l}, nil
	case err != nil:
		return nil, fmt.Errorf("loading config: %w", err)
	}

	l, err := cfg.NewLoader()
	if err != nil {
		return nil, err
	}
	env := &environment{cfg: cfg, loader: l}
	if cfg.Loader.Kind == config.KindDir {
		env.root = filepath.Join(filepath.Dir(configPath), cfg.Loader.Root)
	}
	return env, nil
}

// names lists every template the environment can enumerate.
func (e *environment) names() ([]string, error) {
	switch {
	case e.root != "":
		var names []string
		err := filepath.WalkDir(e.root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != e.root && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			rel, err := filepath.Rel(e.root, path)
			if err != nil {
				return err
			}
			names = append(names, filepath.ToSlash(rel))
			return nil
		})
		return names, err
	case e.cfg != nil && e.cfg.Loader.Kind == config.KindDict:
		names := make([]string, 0, len(e.cfg.Loader.Templates))
		for name := range e.cfg.Loader.Templates {
			names = append(names, name)
		}
		slices.Sort(names)
		return names, nil
	}
	return nil, fmt.Errorf("cannot list templates of this loader, name them explicitly")
}

// contextValues merges --data and --set into the template arguments.
func contextValues() (map[string]any, error) {
	values := make(map[string]any)
	if dataFile != "" {
		b, err := os.ReadFile(dataFile)
		if err != nil {
			return nil, err
		}
		dec := yaml.NewDecoder(bytes.NewReader(b))
		if err := dec.Decode(&values); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", dataFile, err)
		}
	}
	for _, kv := range setValues {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --set %q, expected KEY=VALUE", kv)
		}
		// Values are YAML scalars, so --set n=3 binds an int.
		var val any
		if err := yaml.Unmarshal([]byte(v), &val); err != nil || val == nil {
			val = v
		}
		values[k] = val
	}
	return values, nil
}

func checkOutput(kind string, out []byte) error {
	switch kind {
	case "":
		return nil
	case "dockerfile":
		res, err := parser.Parse(bytes.NewReader(out))
		if err != nil {
			return fmt.Errorf("BuildKit parser validation failed: %w", err)
		}
		for _, w := range res.Warnings {
			slog.Warn("dockerfile", "warning", w.Short)
		}
		return nil
	}
	return fmt.Errorf("unknown check %q", kind)
}

var renderCmd = cobra.Command{
	Use:   "render NAME",
	Short: "Render a template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnvironment(cmd)
		if err != nil {
			return err
		}
		values, err := contextValues()
		if err != nil {
			return err
		}
		tmpl, err := env.loader.Load(args[0], "")
		if err != nil {
			return err
		}
		out, err := tmpl.Execute(cmd.Context(), values)
		if err != nil {
			var ee *template.ExecutionError
			if errors.As(err, &ee) {
				fmt.Fprintln(os.Stderr, ee.Traceback())
			}
			return err
		}
		if err := checkOutput(checkKind, out); err != nil {
			return err
		}
		if outputPath != "" {
			return os.WriteFile(outputPath, out, 0o644)
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

var codeCmd = cobra.Command{
	Use:   "code NAME",
	Short: "Print the generated program of a template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnvironment(cmd)
		if err != nil {
			return err
		}
		tmpl, err := env.loader.Load(args[0], "")
		if err != nil {
			return err
		}
		fmt.Print(template.FormatCode(tmpl.Code()))
		return nil
	},
}

var astCmd = cobra.Command{
	Use:   "ast NAME",
	Short: "Print the parsed tree of a template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnvironment(cmd)
		if err != nil {
			return err
		}
		tmpl, err := env.loader.Load(args[0], "")
		if err != nil {
			return err
		}
		fmt.Print(template.Pretty(tmpl.File()))
		return nil
	},
}

var checkCmd = cobra.Command{
	Use:   "check [NAME...]",
	Short: "Compile templates and report errors",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnvironment(cmd)
		if err != nil {
			return err
		}
		names := args
		if len(names) == 0 {
			if names, err = env.names(); err != nil {
				return err
			}
		}

		var failed int
		for _, name := range names {
			if _, err := env.loader.Load(name, ""); err != nil {
				failed++
				fmt.Printf("\033[31mFAIL %s: %v\033[0m\n", name, err)
				continue
			}
			fmt.Printf("ok   %s\n", name)
		}
		fmt.Printf("%d templates, %d failed\n", len(names), failed)
		if failed > 0 {
			return fmt.Errorf("%d templates failed to compile", failed)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "tmplc.yaml", "Path to tmplc configuration file")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "Load templates from this directory instead of the configured loader")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	renderCmd.Flags().StringArrayVar(&setValues, "set", nil, "Set a template argument as KEY=VALUE (YAML scalar); may be repeated")
	renderCmd.Flags().StringVar(&dataFile, "data", "", "YAML file with template arguments")
	renderCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write output to a file instead of stdout")
	renderCmd.Flags().StringVar(&checkKind, "check", "", "Validate the output; supported: dockerfile")
	rootCmd.AddCommand(&renderCmd)

	rootCmd.AddCommand(&codeCmd)
	rootCmd.AddCommand(&astCmd)
	rootCmd.AddCommand(&checkCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}
