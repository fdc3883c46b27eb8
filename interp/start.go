// Package interp runs the Python side of the bridge and talks to it.
//
// The interpreter runs bridge.py, which reads JSON requests from stdin, one
// per line, and answers on stderr with \x00PYB:{json}\x00 frames. Anything
// else the interpreter prints is logged. A Process implements
// foreign.Runtime over that protocol, so it can back a foreign.Interpreter
// directly.
//
// Two launchers are provided: StartPython runs a native interpreter as a
// subprocess, StartWASM runs a WASI build of CPython under wazero.
package interp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/caffeineduck/pybridge/language/python"
)

const (
	// startTimeout bounds startup when ctx has no deadline of its own.
	startTimeout = 30 * time.Second
	// exitGrace is how long Close waits for a clean exit before killing.
	exitGrace = 5 * time.Second
)

// StartPython starts a native interpreter running the bridge program. ctx
// bounds startup only; the process outlives it.
func StartPython(ctx context.Context, opts ...Option) (*Process, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	args := python.Args(cfg.interpreter)
	cmd := exec.Command(args[0], args[1:]...)

	env := os.Environ()
	if cfg.packagesPath != "" {
		abs, err := filepath.Abs(cfg.packagesPath)
		if err != nil {
			return nil, fmt.Errorf("resolve packages dir: %w", err)
		}
		if existing := os.Getenv("PYTHONPATH"); existing != "" {
			abs += string(os.PathListSeparator) + existing
		}
		env = append(env, "PYTHONPATH="+abs)
	}
	for k, v := range cfg.env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	frames := newFrameReader(cfg.log)
	cmd.Stderr = frames
	cmd.Stdout = lineLogger{log: cfg.log}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.interpreter, err)
	}

	var p *Process
	p = newProcess(cfg.log, stdin, frames, func() error {
		select {
		case <-p.Exited():
		case <-time.After(exitGrace):
			cfg.log.Warn("interpreter did not exit, killing", zap.Int("pid", cmd.Process.Pid))
			if err := cmd.Process.Kill(); err != nil {
				return fmt.Errorf("kill interpreter: %w", err)
			}
			<-p.Exited()
		}
		return nil
	})
	go func() {
		p.markExited(cmd.Wait())
	}()

	if err := waitReady(ctx, p); err != nil {
		return nil, err
	}
	cfg.log.Debug("interpreter ready", zap.String("interpreter", cfg.interpreter), zap.Int("pid", cmd.Process.Pid))
	return p, nil
}

// StartWASM runs the WASI interpreter at wasmPath under wazero. ctx bounds
// startup only.
func StartWASM(ctx context.Context, wasmPath string, opts ...Option) (*Process, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	wasm, err := os.ReadFile(wasmPath)
	if err != nil {
		return nil, fmt.Errorf("read interpreter: %w", err)
	}

	// Calls have no deadline, so the guest runs on its own context; stop
	// cancels it.
	runCtx, cancel := context.WithCancel(context.Background())

	var cache wazero.CompilationCache
	if cfg.diskCache {
		dir := cfg.cacheDir
		if dir == "" {
			dir = defaultCacheDir()
		}
		cache, err = wazero.NewCompilationCacheWithDir(dir)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(runCtx, rtConfig)
	closeRuntime := func() error {
		cancel()
		err := rt.Close(context.Background())
		if cache != nil {
			err = multierr.Append(err, cache.Close(context.Background()))
		}
		return err
	}

	if _, err := wasi_snapshot_preview1.Instantiate(runCtx, rt); err != nil {
		closeRuntime()
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	compiled, err := rt.CompileModule(runCtx, wasm)
	if err != nil {
		closeRuntime()
		return nil, fmt.Errorf("compile interpreter: %w", err)
	}

	fsConfig := wazero.NewFSConfig()
	for _, m := range cfg.mounts {
		fsConfig = fsConfig.WithReadOnlyDirMount(m.hostPath, m.guestPath)
	}
	if cfg.packagesPath != "" {
		fsConfig = fsConfig.WithReadOnlyDirMount(cfg.packagesPath, "/packages")
		cfg.env["PYTHONPATH"] = "/packages"
	}

	stdinReader, stdinWriter := io.Pipe()
	frames := newFrameReader(cfg.log)

	moduleConfig := wazero.NewModuleConfig().
		WithStdout(lineLogger{log: cfg.log}).
		WithStderr(frames).
		WithStdin(stdinReader).
		WithArgs(python.Args("python")...).
		WithFSConfig(fsConfig).
		WithName("")
	for k, v := range cfg.env {
		moduleConfig = moduleConfig.WithEnv(k, v)
	}

	var p *Process
	p = newProcess(cfg.log, stdinWriter, frames, func() error {
		select {
		case <-p.Exited():
		case <-time.After(exitGrace):
			cfg.log.Warn("interpreter did not exit, closing module")
		}
		stdinReader.Close()
		return closeRuntime()
	})
	go func() {
		_, err := rt.InstantiateModule(runCtx, compiled, moduleConfig)
		var exit *sys.ExitError
		if errors.As(err, &exit) && exit.ExitCode() == 0 {
			err = nil
		}
		p.markExited(err)
	}()

	if err := waitReady(ctx, p); err != nil {
		return nil, err
	}
	cfg.log.Debug("interpreter ready", zap.String("wasm", wasmPath))
	return p, nil
}

func waitReady(ctx context.Context, p *Process) error {
	timer := time.NewTimer(startTimeout)
	defer timer.Stop()

	select {
	case <-p.frames.Ready():
		return nil
	case <-p.Exited():
		p.Close()
		if p.exitErr != nil {
			return fmt.Errorf("interpreter exited before ready: %w", p.exitErr)
		}
		return errors.New("interpreter exited before ready")
	case <-ctx.Done():
		p.Close()
		return fmt.Errorf("interpreter start: %w", ctx.Err())
	case <-timer.C:
		p.Close()
		return fmt.Errorf("interpreter start timeout after %v", startTimeout)
	}
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "pybridge")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "pybridge")
	}
	return filepath.Join(os.TempDir(), "pybridge-cache")
}
