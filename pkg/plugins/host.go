package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// HostModuleName is the import module providing host functions to plugins.
const HostModuleName = "keel"

// HostConfig contains configuration for the WASM host.
type HostConfig struct {
	// Timeout bounds every call into a plugin.
	Timeout time.Duration

	// MemoryLimitPages is the maximum memory limit in pages (64KB each).
	MemoryLimitPages uint32

	// TempDir is the parent of each plugin's fs:temp directory.
	TempDir string

	// AllowedCapabilities limits the capabilities plugins may request. Empty
	// allows all.
	AllowedCapabilities []string
}

func (c HostConfig) withDefaults() HostConfig {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MemoryLimitPages == 0 {
		c.MemoryLimitPages = 256
	}
	if c.TempDir == "" {
		c.TempDir = os.TempDir()
	}
	return c
}

// Plugin is a compiled WASM module. Every call runs in a fresh instance, so
// plugins keep no state between calls and concurrent tasks do not share
// memory.
type Plugin struct {
	manifest *Manifest
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	enforcer *CapabilityEnforcer
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewPlugin compiles wasm and checks that it exports the task functions.
func NewPlugin(ctx context.Context, manifest *Manifest, wasm []byte, cfg HostConfig, logger zerolog.Logger) (*Plugin, error) {
	cfg = cfg.withDefaults()
	if err := checkAllowed(cfg.AllowedCapabilities, manifest.Capabilities); err != nil {
		return nil, fmt.Errorf("plugin %s: %w", manifest.Key(), err)
	}

	p := &Plugin{
		manifest: manifest,
		enforcer: NewCapabilityEnforcer(manifest.Capabilities, filepath.Join(cfg.TempDir, "keel-plugins", manifest.Key())),
		timeout:  cfg.Timeout,
		logger:   logger.With().Str("plugin", manifest.Key()).Logger(),
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	p.runtime = wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, p.runtime); err != nil {
		_ = p.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	builder := p.runtime.NewHostModuleBuilder(HostModuleName)
	p.registerHostFunctions(builder)
	if _, err := builder.Instantiate(ctx); err != nil {
		_ = p.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	compiled, err := p.runtime.CompileModule(ctx, wasm)
	if err != nil {
		_ = p.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to compile WASM module: %w", err)
	}
	p.compiled = compiled

	_, release, err := p.instantiate(ctx)
	if err != nil {
		_ = p.runtime.Close(ctx)
		return nil, err
	}
	release()

	return p, nil
}

// Manifest returns the plugin manifest.
func (p *Plugin) Manifest() *Manifest {
	return p.manifest
}

// instantiate creates a fresh module instance. release closes it.
func (p *Plugin) instantiate(ctx context.Context) (*wasmBridge, func(), error) {
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_initialize")

	module, err := p.runtime.InstantiateModule(ctx, p.compiled, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to instantiate WASM module: %w", err)
	}
	release := func() { _ = module.Close(context.Background()) }

	bridge, err := newWASMBridge(module)
	if err != nil {
		release()
		return nil, nil, err
	}
	return bridge, release, nil
}

// withBridge runs fn against a fresh instance under the plugin timeout.
func (p *Plugin) withBridge(ctx context.Context, fn func(context.Context, *wasmBridge) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	bridge, release, err := p.instantiate(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := fn(ctx, bridge); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("plugin %s timed out after %v: %w", p.manifest.Key(), p.timeout, err)
		}
		return err
	}
	return nil
}

// registerHostFunctions exports the capability-checked host API:
//
//	log(level, msg_ptr, msg_len)
//	env_get(key_ptr, key_len, buf_ptr, buf_cap) -> len or -1
//	write_temp_file(name_ptr, name_len, data_ptr, data_len) -> 0 or 1
//	read_temp_file(name_ptr, name_len, buf_ptr, buf_cap) -> len or -1
//
// Functions returning a length copy at most buf_cap bytes and report the
// full length, so callers can retry with a larger buffer.
func (p *Plugin) registerHostFunctions(builder wazero.HostModuleBuilder) {
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, level, msgPtr, msgLen uint32) {
			if !p.enforcer.HasCapability(CapabilityLog) {
				return
			}
			msg, ok := mod.Memory().Read(msgPtr, msgLen)
			if !ok {
				return
			}
			p.logger.WithLevel(pluginLogLevel(level)).Msg(string(msg))
		}).
		Export("log")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, keyPtr, keyLen, bufPtr, bufCap uint32) int32 {
			key, ok := mod.Memory().Read(keyPtr, keyLen)
			if !ok {
				return -1
			}
			value, err := p.enforcer.ReadEnv(string(key))
			if err != nil {
				p.logger.Warn().Err(err).Msg("Denied host call env_get")
				return -1
			}
			return writeBounded(mod.Memory(), bufPtr, bufCap, []byte(value))
		}).
		Export("env_get")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, namePtr, nameLen, dataPtr, dataLen uint32) uint32 {
			name, ok := mod.Memory().Read(namePtr, nameLen)
			if !ok {
				return 1
			}
			data, ok := mod.Memory().Read(dataPtr, dataLen)
			if !ok {
				return 1
			}
			if err := p.enforcer.WriteTempFile(string(name), data); err != nil {
				p.logger.Warn().Err(err).Msg("Denied host call write_temp_file")
				return 1
			}
			return 0
		}).
		Export("write_temp_file")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, namePtr, nameLen, bufPtr, bufCap uint32) int32 {
			name, ok := mod.Memory().Read(namePtr, nameLen)
			if !ok {
				return -1
			}
			data, err := p.enforcer.ReadTempFile(string(name))
			if err != nil {
				p.logger.Warn().Err(err).Msg("Denied host call read_temp_file")
				return -1
			}
			return writeBounded(mod.Memory(), bufPtr, bufCap, data)
		}).
		Export("read_temp_file")
}

func writeBounded(mem api.Memory, ptr, capacity uint32, data []byte) int32 {
	n := uint32(len(data))
	if n > capacity {
		n = capacity
	}
	if n > 0 && !mem.Write(ptr, data[:n]) {
		return -1
	}
	return int32(len(data))
}

func pluginLogLevel(level uint32) zerolog.Level {
	switch level {
	case 0:
		return zerolog.DebugLevel
	case 1:
		return zerolog.InfoLevel
	case 2:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

// Close releases the runtime and the plugin temp directory.
func (p *Plugin) Close(ctx context.Context) error {
	if err := p.enforcer.Cleanup(); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to clean up plugin temp directory")
	}
	if err := p.runtime.Close(ctx); err != nil {
		return fmt.Errorf("failed to close WASM runtime: %w", err)
	}
	return nil
}
