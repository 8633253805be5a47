package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// CoreTaskRuntime resolves task definitions from a Registry and contains every
// failure they produce: errors and panics are turned into FAILED updates.
type CoreTaskRuntime struct {
	registry *Registry
	logger   zerolog.Logger
}

// NewCoreTaskRuntime creates a task runtime backed by registry.
func NewCoreTaskRuntime(registry *Registry, logger zerolog.Logger) *CoreTaskRuntime {
	return &CoreTaskRuntime{
		registry: registry,
		logger:   logger.With().Str("component", "task_runtime").Logger(),
	}
}

// StartExecution implements TaskRuntime.
func (r *CoreTaskRuntime) StartExecution(ctx context.Context, taskDefinitionID, taskID string, process *LifecycleProcess) *StatusUpdate {
	return r.invoke(ctx, "Task failed to start", taskDefinitionID, taskID, process, TaskDefinition.StartExecution)
}

// CheckStatus implements TaskRuntime.
func (r *CoreTaskRuntime) CheckStatus(ctx context.Context, taskDefinitionID, taskID string, process *LifecycleProcess) *StatusUpdate {
	return r.invoke(ctx, "Status check failed", taskDefinitionID, taskID, process, TaskDefinition.CheckStatus)
}

type taskCall func(TaskDefinition, context.Context, string, *LifecycleProcess, map[string]interface{}, map[string]interface{}) (*StatusUpdate, error)

func (r *CoreTaskRuntime) invoke(ctx context.Context, failMsg, taskDefinitionID, taskID string, process *LifecycleProcess, call taskCall) (update *StatusUpdate) {
	def, ok := r.registry.TaskDefinition(taskDefinitionID)
	if !ok {
		return FailedUpdate(failMsg, fmt.Errorf("task definition %s not found", taskDefinitionID))
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("task_id", taskID).
				Str("task_definition", taskDefinitionID).
				Str("process_id", process.ProcessID).
				Interface("panic", rec).
				Msg("Task definition panicked")
			update = FailedUpdate(failMsg, fmt.Errorf("panic: %v", rec))
		}
	}()

	u, err := call(def, ctx, taskID, process, process.Context, process.TaskContext(taskID))
	if err != nil {
		r.logger.Warn().
			Err(err).
			Str("task_id", taskID).
			Str("task_definition", taskDefinitionID).
			Str("process_id", process.ProcessID).
			Msg("Task definition returned an error")
		return FailedUpdate(failMsg, err)
	}
	return u
}
