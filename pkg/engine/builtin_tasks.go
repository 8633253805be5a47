package engine

import (
	"context"
	"fmt"
)

// JoinTaskDefinitionID is the id of the built-in join task.
const JoinTaskDefinitionID = "joinTask"

// BlockingTasksKey is the task-context key listing the tasks a join waits for.
const BlockingTasksKey = "blockingTasks"

// JoinTask waits until every task listed under blockingTasks in its task context
// is terminal. It fails (or cancels) as soon as a blocking task failed (or was
// cancelled) and succeeds once all of them succeeded.
type JoinTask struct{}

// ID implements TaskDefinition.
func (JoinTask) ID() string { return JoinTaskDefinitionID }

// Validate implements TaskDefinition.
func (JoinTask) Validate(taskID string, process *LifecycleProcess, _, taskContext map[string]interface{}) error {
	raw, ok := taskContext[BlockingTasksKey]
	if !ok {
		return fmt.Errorf("missing %s", BlockingTasksKey)
	}
	ids, ok := stringList(raw)
	if !ok {
		return fmt.Errorf("%s must be an array of task ids", BlockingTasksKey)
	}
	for _, id := range ids {
		if _, exists := process.Tasks[id]; !exists {
			return fmt.Errorf("join %s blocks on unknown task %s", taskID, id)
		}
	}
	return nil
}

// StartExecution implements TaskDefinition. The join only polls.
func (JoinTask) StartExecution(context.Context, string, *LifecycleProcess, map[string]interface{}, map[string]interface{}) (*StatusUpdate, error) {
	return nil, nil
}

// CheckStatus implements TaskDefinition.
func (JoinTask) CheckStatus(_ context.Context, _ string, process *LifecycleProcess, _, taskContext map[string]interface{}) (*StatusUpdate, error) {
	ids, ok := stringList(taskContext[BlockingTasksKey])
	if !ok {
		return nil, fmt.Errorf("%s must be an array of task ids", BlockingTasksKey)
	}
	for _, id := range ids {
		task, exists := process.Tasks[id]
		if !exists {
			return nil, fmt.Errorf("unknown blocking task %s", id)
		}
		switch {
		case !task.Status.IsTerminal():
			return NewStatusUpdate(StatusRunning), nil
		case task.Status.IsFailure():
			return &StatusUpdate{
				Status: task.Status,
				Stderr: "Failed due to failed blocking task: " + id,
			}, nil
		}
	}
	return NewStatusUpdate(StatusSucceeded), nil
}

// stringList accepts both decoded JSON arrays and native string slices.
func stringList(v interface{}) ([]string, bool) {
	switch list := v.(type) {
	case []string:
		return list, true
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}
