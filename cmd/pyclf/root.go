package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/caffeineduck/pybridge/foreign"
	"github.com/caffeineduck/pybridge/foreign/inproc"
	"github.com/caffeineduck/pybridge/interp"
	"github.com/caffeineduck/pybridge/registry"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pyclf",
		Short: "Train and query Python classifiers from Go",
		Long: `pyclf - drive scikit-learn, xgboost, stree and odte estimators through
the pybridge runtime.

Datasets are ARFF files. Estimators run in a Python interpreter: a native
python3 subprocess by default, a WASI build under wazero with --backend wasm,
or the built-in Go runtime with --backend inproc.`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.String("backend", "python", "Foreign runtime: python, wasm, inproc")
	flags.String("python", "python3", "Python interpreter for the python backend")
	flags.String("wasm", "", "Path to python.wasm for the wasm backend")
	flags.StringSlice("mount", nil, "Read-only mount host:guest for the wasm backend (repeatable)")
	flags.String("memory", "1gb", "Memory limit for the wasm backend: 256mb, 1gb, 2gb")
	flags.String("packages", "", "Directory of installed Python packages")
	flags.String("cache-dir", "", "Compilation cache directory (default: XDG_CACHE_HOME/pybridge)")
	flags.Bool("no-cache", false, "Disable compilation cache")
	flags.String("log-level", "warn", "Log level: debug, info, warn, error")

	root.AddCommand(
		newRunCmd(),
		newModelsCmd(),
		newVersionCmd(),
		newServeCmd(),
		newReplCmd(),
		newDepsCmd(),
	)
	return root
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cmd *cobra.Command) (*zap.Logger, error) {
	levelName, _ := cmd.Flags().GetString("log-level")
	level, err := zapcore.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", levelName)
	}

	cfg := zap.NewDevelopmentConfig()
	if level > zapcore.DebugLevel {
		cfg = zap.NewProductionConfig()
		cfg.Encoding = "console"
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

// openRuntime starts the foreign runtime selected by --backend.
func openRuntime(ctx context.Context, cmd *cobra.Command, log *zap.Logger) (foreign.Runtime, error) {
	backend, _ := cmd.Flags().GetString("backend")
	packages, _ := cmd.Flags().GetString("packages")

	opts := []interp.Option{interp.WithLogger(log)}
	if packages != "" {
		opts = append(opts, interp.WithPackages(packages))
	}

	switch backend {
	case "inproc":
		return inproc.New(inproc.WithLogger(log)), nil

	case "python":
		python, _ := cmd.Flags().GetString("python")
		opts = append(opts, interp.WithInterpreter(python))
		return interp.StartPython(ctx, opts...)

	case "wasm":
		wasm, _ := cmd.Flags().GetString("wasm")
		if wasm == "" {
			return nil, fmt.Errorf("--wasm is required for the wasm backend")
		}
		noCache, _ := cmd.Flags().GetBool("no-cache")
		cacheDir, _ := cmd.Flags().GetString("cache-dir")
		memory, _ := cmd.Flags().GetString("memory")
		mounts, _ := cmd.Flags().GetStringSlice("mount")

		if !noCache {
			opts = append(opts, interp.WithDiskCache(cacheDir))
		}
		if pages := parseMemoryLimit(memory); pages > 0 {
			opts = append(opts, interp.WithMemoryLimit(pages))
		}
		for _, spec := range mounts {
			host, guest, err := parseMount(spec)
			if err != nil {
				return nil, err
			}
			opts = append(opts, interp.WithMount(host, guest))
		}
		return interp.StartWASM(ctx, wasm, opts...)
	}
	return nil, fmt.Errorf("unknown backend %q: use python, wasm or inproc", backend)
}

// openRegistry starts the runtime and wraps it in a registry. The caller
// closes the registry, which shuts the runtime down.
func openRegistry(cmd *cobra.Command) (*registry.Registry, *zap.Logger, error) {
	log, err := newLogger(cmd)
	if err != nil {
		return nil, nil, err
	}
	rt, err := openRuntime(cmd.Context(), cmd, log)
	if err != nil {
		return nil, nil, err
	}
	in := foreign.NewInterpreter(rt, foreign.WithLogger(log))
	return registry.New(in, registry.WithLogger(log)), log, nil
}

// openSharedRegistry returns the process-wide registry for long-running
// commands. It is never closed; the runtime exits with the process.
func openSharedRegistry(cmd *cobra.Command) (*registry.Registry, *zap.Logger, error) {
	log, err := newLogger(cmd)
	if err != nil {
		return nil, nil, err
	}
	open := func(ctx context.Context) (foreign.Runtime, error) {
		return openRuntime(ctx, cmd, log)
	}
	reg, err := registry.Default(cmd.Context(), open, registry.WithLogger(log))
	if err != nil {
		return nil, nil, err
	}
	return reg, log, nil
}

func parseMount(spec string) (host, guest string, err error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid mount spec %q (expected host:guest)", spec)
	}
	return parts[0], parts[1], nil
}

func parseMemoryLimit(s string) uint32 {
	switch strings.ToLower(s) {
	case "256mb":
		return interp.MemoryLimit256MB
	case "1gb":
		return interp.MemoryLimit1GB
	case "2gb":
		return interp.MemoryLimit2GB
	default:
		return 0 // use default
	}
}
