package interp

import (
	"go.uber.org/zap"

	"github.com/caffeineduck/pybridge/language/python"
)

// Option configures how an interpreter is started.
type Option func(*config)

type config struct {
	log              *zap.Logger
	interpreter      string
	packagesPath     string
	env              map[string]string
	mounts           []mount
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32 // Max memory pages (each page = 64KB), 0 = wazero default
}

type mount struct {
	hostPath  string
	guestPath string
}

func defaultConfig() config {
	return config{
		log:         zap.NewNop(),
		interpreter: python.DefaultInterpreter,
		env:         make(map[string]string),
	}
}

// WithLogger sets the logger. Interpreter output that is not protocol
// traffic is logged at info level.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.log = l
		}
	}
}

// WithInterpreter sets the native interpreter executable.
func WithInterpreter(path string) Option {
	return func(c *config) {
		if path != "" {
			c.interpreter = path
		}
	}
}

// WithPackages adds a directory of installed packages to the import path.
// Under WASM it is mounted read-only at /packages.
func WithPackages(path string) Option {
	return func(c *config) {
		c.packagesPath = path
	}
}

// WithEnv sets an environment variable for the interpreter.
func WithEnv(key, value string) Option {
	return func(c *config) {
		c.env[key] = value
	}
}

// WithMount mounts a host directory read-only into the WASM guest, e.g. the
// interpreter's standard library. Ignored by native interpreters.
func WithMount(hostPath, guestPath string) Option {
	return func(c *config) {
		c.mounts = append(c.mounts, mount{hostPath: hostPath, guestPath: guestPath})
	}
}

// WithDiskCache enables the persistent wazero compilation cache.
// Optionally provide a directory; otherwise XDG_CACHE_HOME/pybridge or
// ~/.cache/pybridge is used.
func WithDiskCache(dir ...string) Option {
	return func(c *config) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithMemoryLimit caps WASM guest memory in 64KB pages.
func WithMemoryLimit(pages uint32) Option {
	return func(c *config) {
		c.memoryLimitPages = pages
	}
}

// Memory limit constants for convenience.
const (
	MemoryLimit256MB uint32 = 4096
	MemoryLimit1GB   uint32 = 16384
	MemoryLimit2GB   uint32 = 32768
)
