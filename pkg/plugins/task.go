package plugins

import (
	"context"
	"fmt"

	"github.com/keelhq/keel/pkg/engine"
)

// TaskDefinition is an engine.TaskDefinition implemented by a plugin export.
type TaskDefinition struct {
	id     string
	plugin *Plugin
}

var _ engine.TaskDefinition = (*TaskDefinition)(nil)

// NewTaskDefinition binds the task id to plugin. The id must be declared in
// the plugin manifest.
func NewTaskDefinition(id string, plugin *Plugin) (*TaskDefinition, error) {
	for _, t := range plugin.manifest.Tasks {
		if t.ID == id {
			return &TaskDefinition{id: id, plugin: plugin}, nil
		}
	}
	return nil, fmt.Errorf("plugin %s does not declare task %s", plugin.manifest.Key(), id)
}

// ID implements engine.TaskDefinition.
func (d *TaskDefinition) ID() string { return d.id }

// Plugin returns the plugin implementing the task.
func (d *TaskDefinition) Plugin() *Plugin { return d.plugin }

func (d *TaskDefinition) request(taskID string, process *engine.LifecycleProcess, processContext, taskContext map[string]interface{}) *taskRequest {
	req := &taskRequest{
		TaskDefinition: d.id,
		TaskID:         taskID,
		ProcessContext: processContext,
		TaskContext:    taskContext,
	}
	if process != nil {
		req.ProcessID = process.ProcessID
	}
	return req
}

// Validate implements engine.TaskDefinition.
func (d *TaskDefinition) Validate(taskID string, process *engine.LifecycleProcess, processContext, taskContext map[string]interface{}) error {
	req := d.request(taskID, process, processContext, taskContext)
	return d.plugin.withBridge(context.Background(), func(ctx context.Context, b *wasmBridge) error {
		if err := b.Validate(ctx, req); err != nil {
			return fmt.Errorf("task %s: %w", taskID, err)
		}
		return nil
	})
}

// StartExecution implements engine.TaskDefinition.
func (d *TaskDefinition) StartExecution(ctx context.Context, taskID string, process *engine.LifecycleProcess, processContext, taskContext map[string]interface{}) (*engine.StatusUpdate, error) {
	req := d.request(taskID, process, processContext, taskContext)
	var update *engine.StatusUpdate
	err := d.plugin.withBridge(ctx, func(ctx context.Context, b *wasmBridge) error {
		var err error
		update, err = b.Start(ctx, req)
		return err
	})
	return update, err
}

// CheckStatus implements engine.TaskDefinition.
func (d *TaskDefinition) CheckStatus(ctx context.Context, taskID string, process *engine.LifecycleProcess, processContext, taskContext map[string]interface{}) (*engine.StatusUpdate, error) {
	req := d.request(taskID, process, processContext, taskContext)
	var update *engine.StatusUpdate
	err := d.plugin.withBridge(ctx, func(ctx context.Context, b *wasmBridge) error {
		var err error
		update, err = b.Check(ctx, req)
		return err
	})
	return update, err
}
