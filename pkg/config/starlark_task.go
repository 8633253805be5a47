package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/keelhq/keel/pkg/engine"
)

// StarlarkTaskDefinitionID is the id of the script task definition.
const StarlarkTaskDefinitionID = "starlark"

// StarlarkTask runs the Starlark script stored under "script" in its task
// context. The script sees the process context as `context` and its own task
// context as `task`, and reports back by assigning:
//
//	status = "succeeded" | "failed" | "running"   (default "succeeded")
//	output = {...}                                 merged into the process context
//	message = "..."                                appended to stdout, or stderr on failure
//
// A script that returns "running" is run again on every poll.
type StarlarkTask struct {
	evaluator *StarlarkEvaluator
}

var _ engine.TaskDefinition = (*StarlarkTask)(nil)

// NewStarlarkTask creates the script task definition.
func NewStarlarkTask(evaluator *StarlarkEvaluator) *StarlarkTask {
	return &StarlarkTask{evaluator: evaluator}
}

// ID implements engine.TaskDefinition.
func (t *StarlarkTask) ID() string { return StarlarkTaskDefinitionID }

// Validate implements engine.TaskDefinition.
func (t *StarlarkTask) Validate(taskID string, _ *engine.LifecycleProcess, _, taskContext map[string]interface{}) error {
	script, ok := taskContext["script"].(string)
	if !ok || strings.TrimSpace(script) == "" {
		return fmt.Errorf("task %s: missing script", taskID)
	}
	return t.evaluator.Check(taskID+".star", script)
}

// StartExecution implements engine.TaskDefinition.
func (t *StarlarkTask) StartExecution(ctx context.Context, taskID string, process *engine.LifecycleProcess, processContext, taskContext map[string]interface{}) (*engine.StatusUpdate, error) {
	return t.run(ctx, taskID, processContext, taskContext)
}

// CheckStatus implements engine.TaskDefinition.
func (t *StarlarkTask) CheckStatus(ctx context.Context, taskID string, process *engine.LifecycleProcess, processContext, taskContext map[string]interface{}) (*engine.StatusUpdate, error) {
	return t.run(ctx, taskID, processContext, taskContext)
}

func (t *StarlarkTask) run(ctx context.Context, taskID string, processContext, taskContext map[string]interface{}) (*engine.StatusUpdate, error) {
	script, _ := taskContext["script"].(string)

	res, err := t.evaluator.Evaluate(ctx, taskID+".star", script, map[string]interface{}{
		"context": withoutTask(processContext, taskID),
		"task":    withoutScript(taskContext),
	})
	if err != nil {
		return engine.FailedUpdate("Script task "+taskID+" failed", err), nil
	}

	status := engine.StatusSucceeded
	if raw, ok := res.Output["status"]; ok {
		s, _ := raw.(string)
		status = engine.Status(strings.ToLower(s))
		switch status {
		case engine.StatusSucceeded, engine.StatusFailed, engine.StatusRunning:
		default:
			return engine.FailedUpdate("Script task "+taskID+" reported an invalid status",
				fmt.Errorf("status %v", raw)), nil
		}
	}

	update := &engine.StatusUpdate{Status: status}
	if out, ok := res.Output["output"].(map[string]interface{}); ok && len(out) > 0 {
		update.ContextPatch = out
	}

	message, _ := res.Output["message"].(string)
	if len(res.Prints) > 0 {
		message = strings.TrimSpace(strings.Join(append(res.Prints, message), "\n"))
	}
	if status == engine.StatusFailed {
		update.Stderr = message
	} else {
		update.Stdout = message
	}

	return update, nil
}

func withoutTask(processContext map[string]interface{}, taskID string) map[string]interface{} {
	out := make(map[string]interface{}, len(processContext))
	for k, v := range processContext {
		if k != taskID {
			out[k] = v
		}
	}
	return out
}

func withoutScript(taskContext map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(taskContext))
	for k, v := range taskContext {
		if k != "script" {
			out[k] = v
		}
	}
	return out
}
