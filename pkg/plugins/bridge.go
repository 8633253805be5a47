package plugins

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/keelhq/keel/pkg/engine"
)

// Exported function names. Every task function has the signature
// fn(input_ptr: u32, input_len: u32) -> u64 where the result packs
// (output_ptr << 32) | output_len of a JSON document in linear memory.
const (
	exportMalloc       = "malloc"
	exportFree         = "free"
	exportTaskValidate = "task_validate"
	exportTaskStart    = "task_start"
	exportTaskCheck    = "task_check"
)

// taskRequest is the JSON document passed to task functions.
type taskRequest struct {
	TaskDefinition string                 `json:"task_definition"`
	TaskID         string                 `json:"task_id"`
	ProcessID      string                 `json:"process_id,omitempty"`
	ProcessContext map[string]interface{} `json:"process_context"`
	TaskContext    map[string]interface{} `json:"task_context"`
}

// taskResponse is the JSON document task functions return. Validation only
// looks at Error.
type taskResponse struct {
	Status       string                 `json:"status"`
	Stdout       string                 `json:"stdout,omitempty"`
	Stderr       string                 `json:"stderr,omitempty"`
	ContextPatch map[string]interface{} `json:"context_patch,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

// wasmBridge marshals JSON requests in and out of a module instance.
type wasmBridge struct {
	module   api.Module
	memory   api.Memory
	malloc   api.Function
	free     api.Function
	validate api.Function
	start    api.Function
	check    api.Function
}

func newWASMBridge(module api.Module) (*wasmBridge, error) {
	b := &wasmBridge{
		module:   module,
		memory:   module.Memory(),
		malloc:   module.ExportedFunction(exportMalloc),
		free:     module.ExportedFunction(exportFree),
		validate: module.ExportedFunction(exportTaskValidate),
		start:    module.ExportedFunction(exportTaskStart),
		check:    module.ExportedFunction(exportTaskCheck),
	}

	if b.memory == nil {
		return nil, fmt.Errorf("WASM module does not export memory")
	}
	required := map[string]api.Function{
		exportMalloc:    b.malloc,
		exportFree:      b.free,
		exportTaskStart: b.start,
		exportTaskCheck: b.check,
	}
	for _, name := range []string{exportMalloc, exportFree, exportTaskStart, exportTaskCheck} {
		if required[name] == nil {
			return nil, fmt.Errorf("WASM module does not export %s function", name)
		}
	}
	return b, nil
}

// Validate calls task_validate. Modules without it accept every task.
func (b *wasmBridge) Validate(ctx context.Context, req *taskRequest) error {
	if b.validate == nil {
		return nil
	}
	resp, err := b.call(ctx, exportTaskValidate, b.validate, req)
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}
	return nil
}

// Start calls task_start.
func (b *wasmBridge) Start(ctx context.Context, req *taskRequest) (*engine.StatusUpdate, error) {
	resp, err := b.call(ctx, exportTaskStart, b.start, req)
	if err != nil {
		return nil, err
	}
	return resp.toStatusUpdate()
}

// Check calls task_check.
func (b *wasmBridge) Check(ctx context.Context, req *taskRequest) (*engine.StatusUpdate, error) {
	resp, err := b.call(ctx, exportTaskCheck, b.check, req)
	if err != nil {
		return nil, err
	}
	return resp.toStatusUpdate()
}

func (r *taskResponse) toStatusUpdate() (*engine.StatusUpdate, error) {
	if r.Error != "" {
		return engine.FailedUpdate("Plugin task failed", fmt.Errorf("%s", r.Error)), nil
	}
	status := engine.Status(r.Status)
	switch status {
	case engine.StatusRunning, engine.StatusSucceeded, engine.StatusFailed, engine.StatusCancelled:
	case "":
		status = engine.StatusSucceeded
	default:
		return nil, fmt.Errorf("plugin returned invalid status %q", r.Status)
	}
	return &engine.StatusUpdate{
		Status:       status,
		Stdout:       r.Stdout,
		Stderr:       r.Stderr,
		ContextPatch: r.ContextPatch,
	}, nil
}

func (b *wasmBridge) call(ctx context.Context, name string, fn api.Function, req *taskRequest) (*taskResponse, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", name, err)
	}

	output, err := b.callWASMFunction(ctx, fn, input)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", name, err)
	}

	var resp taskResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s response: %w", name, err)
	}
	return &resp, nil
}

// callWASMFunction copies input into module memory, calls fn and copies the
// packed result out.
func (b *wasmBridge) callWASMFunction(ctx context.Context, fn api.Function, input []byte) ([]byte, error) {
	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := b.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, fmt.Errorf("failed to allocate WASM memory: %w", err)
		}
		defer func() { _ = b.deallocate(ctx, ptr) }()

		inputPtr, inputLen = ptr, uint32(len(input))
		if !b.memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("failed to write input to WASM memory")
		}
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("WASM function call failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("WASM function returned no results")
	}

	packed := results[0]
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed & 0xFFFFFFFF)
	if outputLen == 0 {
		return []byte("{}"), nil
	}

	view, ok := b.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read output from WASM memory")
	}
	output := make([]byte, len(view))
	copy(output, view)

	_ = b.deallocate(ctx, outputPtr)
	return output, nil
}

func (b *wasmBridge) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := b.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("malloc returned no results")
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	return ptr, nil
}

func (b *wasmBridge) deallocate(ctx context.Context, ptr uint32) error {
	if _, err := b.free.Call(ctx, uint64(ptr)); err != nil {
		return fmt.Errorf("free failed: %w", err)
	}
	return nil
}
