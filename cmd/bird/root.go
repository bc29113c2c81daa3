package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	playground "github.com/joshuadavidthomas/django-bird-playground"
	"github.com/joshuadavidthomas/django-bird-playground/autorender"
	"github.com/joshuadavidthomas/django-bird-playground/engine"
	"github.com/joshuadavidthomas/django-bird-playground/pypi"
	"github.com/joshuadavidthomas/django-bird-playground/transport"
	"github.com/joshuadavidthomas/django-bird-playground/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v2"
)

var rootCmd = &cobra.Command{
	Use:   "bird [file]",
	Short: "Django template playground on an embedded Python runtime",
	Long: `bird - Render Django templates without a Django project.

Templates run through a real Django loaded into a CPython WASM runtime.
Python packages install straight from PyPI into the runtime, so template
libraries like django-bird work out of the box.

Run a template from a file, inline string, or stdin. See 'bird repl' for
an interactive session and 'bird serve' for an HTTP API.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runRender, // Default to render command behavior
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, _ := cmd.Flags().GetString("log-level")
		if err := setupLogging(level); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	// Add persistent flags that apply to multiple commands
	rootCmd.PersistentFlags().String("config", "", "Settings file (default: .bird.yaml if present)")
	rootCmd.PersistentFlags().String("log-level", "", "Enable diagnostic logging: debug, info, warn, error")
	rootCmd.PersistentFlags().String("runtime", "", "Path to the Python WASM runtime image")
	rootCmd.PersistentFlags().String("package-dir", "", "Directory packages are installed into")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "Suppress startup progress messages")

	// Add render-specific flags to root (for default command)
	addRenderFlags(rootCmd)
}

// settings is the YAML shape of a .bird.yaml file. Durations are
// strings ("45s", "2m") because the YAML decoder has no native form
// for them.
type settings struct {
	Packages         []string `yaml:"packages"`
	Runtime          string   `yaml:"runtime"`
	PackageDir       string   `yaml:"package_dir"`
	IndexURL         string   `yaml:"index_url"`
	AllowedHosts     []string `yaml:"allowed_hosts"`
	MemoryLimit      string   `yaml:"memory_limit"`
	DiskCache        bool     `yaml:"disk_cache"`
	RequestTimeout   string   `yaml:"request_timeout"`
	BootstrapTimeout string   `yaml:"bootstrap_timeout"`
	CacheSize        int      `yaml:"cache_size"`
}

const (
	defaultSettingsPath = ".bird.yaml"
	defaultPackageDir   = ".django-bird/packages"
)

func loadSettings(path string) (settings, error) {
	var s settings
	explicit := path != ""
	if !explicit {
		path = defaultSettingsPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && os.IsNotExist(err) {
			return s, nil
		}
		return s, err
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse %s: %w", path, err)
	}
	return s, nil
}

func setupLogging(level string) error {
	if level == "" {
		return nil
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q (use debug, info, warn or error)", level)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	base, err := cfg.Build()
	if err != nil {
		return err
	}
	playground.SetLogger(base)
	transport.SetLogger(base.Named("transport"))
	worker.SetLogger(base.Named("worker"))
	pypi.SetLogger(base.Named("pypi"))
	autorender.SetLogger(base.Named("autorender"))
	return nil
}

func engineOptions(s settings) ([]engine.PythonOption, error) {
	var opts []engine.PythonOption
	if s.Runtime != "" {
		opts = append(opts, engine.WithRuntimePath(s.Runtime))
	}
	if s.PackageDir != "" {
		opts = append(opts, engine.WithPackagesDir(s.PackageDir))
	}
	if s.DiskCache {
		opts = append(opts, engine.WithDiskCache())
	}
	if pages := parseMemoryLimit(s.MemoryLimit); pages > 0 {
		opts = append(opts, engine.WithMemoryLimit(pages))
	}
	if s.IndexURL != "" || len(s.AllowedHosts) > 0 {
		dir := s.PackageDir
		if dir == "" {
			dir = defaultPackageDir
		}
		var popts []pypi.Option
		if s.IndexURL != "" {
			popts = append(popts, pypi.WithIndexURL(s.IndexURL))
		}
		if len(s.AllowedHosts) > 0 {
			popts = append(popts, pypi.WithAllowedHosts(s.AllowedHosts...))
		}
		inst, err := pypi.NewInstaller(dir, popts...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithInstaller(inst))
	}
	return opts, nil
}

func configFromSettings(s settings, quiet bool) (playground.Config, error) {
	opts, err := engineOptions(s)
	if err != nil {
		return playground.Config{}, err
	}
	cfg := playground.Config{
		Packages:      s.Packages,
		CacheSize:     s.CacheSize,
		EngineOptions: opts,
	}
	if s.RequestTimeout != "" {
		d, err := time.ParseDuration(s.RequestTimeout)
		if err != nil {
			return playground.Config{}, fmt.Errorf("invalid request_timeout: %w", err)
		}
		cfg.RequestTimeout = d
	}
	if s.BootstrapTimeout != "" {
		d, err := time.ParseDuration(s.BootstrapTimeout)
		if err != nil {
			return playground.Config{}, fmt.Errorf("invalid bootstrap_timeout: %w", err)
		}
		cfg.BootstrapTimeout = d
	}
	if !quiet {
		cfg.OnProgress = func(step, message string) {
			fmt.Fprintf(os.Stderr, "%s: %s\n", step, message)
		}
	}
	return cfg, nil
}

func buildConfig(cmd *cobra.Command) (playground.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	s, err := loadSettings(configPath)
	if err != nil {
		return playground.Config{}, err
	}

	// Flags override file settings.
	if v, _ := cmd.Flags().GetString("runtime"); v != "" {
		s.Runtime = v
	}
	if v, _ := cmd.Flags().GetString("package-dir"); v != "" {
		s.PackageDir = v
	}

	quiet, _ := cmd.Flags().GetBool("quiet")
	return configFromSettings(s, quiet)
}

// initPlayground boots a controller for a one-shot command and exits
// the process on failure.
func initPlayground(cmd *cobra.Command) *playground.Playground {
	cfg, err := buildConfig(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	pg := playground.New(cfg)
	if err := pg.Init(cmd.Context()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return pg
}

func parseMemoryLimit(s string) uint32 {
	switch strings.ToLower(s) {
	case "64mb":
		return engine.MemoryLimit64MB
	case "256mb":
		return engine.MemoryLimit256MB
	case "1gb":
		return engine.MemoryLimit1GB
	default:
		return 0 // use default
	}
}
