package engine

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Sentinel task ids. Reaching one of them ends the process directly.
const (
	SucceedProcessTask = "succeedProcess"
	FailProcessTask    = "failProcess"
)

func isSentinel(id string) bool {
	return id == SucceedProcessTask || id == FailProcessTask
}

// Task is one node of a lifecycle process.
type Task struct {
	// InstanceID identifies the task within its process.
	InstanceID string `json:"instance_id"`

	// TaskDefinitionID selects the TaskDefinition that runs this task.
	TaskDefinitionID string `json:"task_definition_id"`

	// Status is the current task status.
	Status Status `json:"status"`

	// StartTime is when the task was submitted.
	StartTime time.Time `json:"start_time"`

	// EndTime is when the task's terminal status was processed.
	EndTime time.Time `json:"end_time"`

	// NextPointers maps a terminal status to the tasks that run next.
	NextPointers map[Status][]string `json:"next_pointers"`

	// Stdout is the append-only output log.
	Stdout []LogLine `json:"stdout,omitempty"`

	// Stderr is the append-only error log.
	Stderr []LogLine `json:"stderr,omitempty"`
}

// NewTask creates a task with successors for each terminal status.
func NewTask(instanceID, taskDefinitionID string, onSucceeded, onFailed, onCancelled []string) *Task {
	return &Task{
		InstanceID:       instanceID,
		TaskDefinitionID: taskDefinitionID,
		Status:           StatusNotStarted,
		NextPointers: map[Status][]string{
			StatusSucceeded: nonNil(onSucceeded),
			StatusFailed:    nonNil(onFailed),
			StatusCancelled: nonNil(onCancelled),
		},
	}
}

// AppendStdout appends a line to the output log.
func (t *Task) AppendStdout(msg string) {
	t.Stdout = append(t.Stdout, LogLine{Timestamp: time.Now(), Message: msg})
}

// AppendStderr appends a line to the error log.
func (t *Task) AppendStderr(msg string) {
	t.Stderr = append(t.Stderr, LogLine{Timestamp: time.Now(), Message: msg})
}

func (t *Task) equal(o *Task) bool {
	if t == nil || o == nil {
		return t == o
	}
	if t.TaskDefinitionID != o.TaskDefinitionID || t.Status != o.Status || len(t.NextPointers) != len(o.NextPointers) {
		return false
	}
	for status, next := range t.NextPointers {
		other, ok := o.NextPointers[status]
		if !ok || !stringsEqual(next, other) {
			return false
		}
	}
	return true
}

// LifecycleProcess is the per-resource task DAG that performs provisioning work.
type LifecycleProcess struct {
	// ExecutionID is the execution graph running this process.
	ExecutionID string `json:"execution_id,omitempty"`

	// ProcessID is <executionId>_<resourceId>, bound when the process starts.
	ProcessID string `json:"process_id,omitempty"`

	// ProcessType describes the change the process makes.
	ProcessType ProcessType `json:"process_type,omitempty"`

	// Context is the process-wide document shared by all tasks. A task's own
	// sub-context lives under its instance id.
	Context map[string]interface{} `json:"process_context"`

	// StartTaskID is the first task to run.
	StartTaskID string `json:"start_task_id"`

	// Tasks holds every task, including the two sentinels.
	Tasks map[string]*Task `json:"tasks"`

	// CurrentTasks is the sorted set of tasks eligible to progress.
	CurrentTasks []string `json:"current_tasks,omitempty"`

	// EndStatus is the overall process status.
	EndStatus Status `json:"end_status"`

	// StartTime is when the process was started.
	StartTime time.Time `json:"start_time"`

	// EndTime is when the process completion was processed.
	EndTime time.Time `json:"end_time"`
}

// NewLifecycleProcess creates a process holding only the sentinel tasks.
func NewLifecycleProcess(startTaskID string, processContext map[string]interface{}) *LifecycleProcess {
	p := &LifecycleProcess{
		Context:     processContext,
		StartTaskID: startTaskID,
		EndStatus:   StatusNotStarted,
		Tasks:       make(map[string]*Task),
	}
	p.Tasks[SucceedProcessTask] = NewTask(SucceedProcessTask, SucceedProcessTask, nil, nil, nil)
	p.Tasks[FailProcessTask] = NewTask(FailProcessTask, FailProcessTask, nil, nil, nil)
	return p
}

// AddTask adds a task node. Instance ids must be unique.
func (p *LifecycleProcess) AddTask(task *Task) error {
	if _, exists := p.Tasks[task.InstanceID]; exists {
		return fmt.Errorf("duplicate task %q", task.InstanceID)
	}
	p.Tasks[task.InstanceID] = task
	return nil
}

// Init places the start task on the frontier.
func (p *LifecycleProcess) Init() error {
	if p.StartTaskID == "" {
		return fmt.Errorf("process has no start task")
	}
	if _, ok := p.Tasks[p.StartTaskID]; !ok {
		return fmt.Errorf("start task %q does not exist", p.StartTaskID)
	}
	p.CurrentTasks = []string{p.StartTaskID}
	return nil
}

// IsComplete reports whether the process reached a terminal status.
func (p *LifecycleProcess) IsComplete() bool {
	return p.EndStatus.IsTerminal()
}

// TaskContext returns the sub-context stored under taskID, or nil.
func (p *LifecycleProcess) TaskContext(taskID string) map[string]interface{} {
	if p.Context == nil {
		return nil
	}
	sub, _ := p.Context[taskID].(map[string]interface{})
	return sub
}

// Equal compares the context, start task, and task graph of two processes.
func (p *LifecycleProcess) Equal(o *LifecycleProcess) bool {
	if p == nil || o == nil {
		return p == o
	}
	if p.StartTaskID != o.StartTaskID || p.ProcessType != o.ProcessType || !treeEqual(p.Context, o.Context) {
		return false
	}
	if len(p.Tasks) != len(o.Tasks) {
		return false
	}
	for id, t := range p.Tasks {
		if !t.equal(o.Tasks[id]) {
			return false
		}
	}
	return true
}

// ValidateTasks dry-runs the process wiring so that broken processes are
// rejected while planning instead of failing mid-execution.
func (p *LifecycleProcess) ValidateTasks(registry *Registry) error {
	if p.Context == nil {
		return NewPlanningError(ErrCodeProcess, "process context cannot be nil")
	}
	if p.StartTaskID == "" {
		return NewPlanningError(ErrCodeProcess, "missing start task id")
	}
	if _, ok := p.Tasks[p.StartTaskID]; !ok {
		return NewPlanningError(ErrCodeProcess, fmt.Sprintf("invalid start task id: %s", p.StartTaskID))
	}

	for _, id := range sortedKeys(p.Tasks) {
		task := p.Tasks[id]
		for _, status := range sortedStatuses(task.NextPointers) {
			for _, next := range task.NextPointers[status] {
				if _, ok := p.Tasks[next]; !ok {
					return NewPlanningError(ErrCodeProcess,
						fmt.Sprintf("task %s points to missing task %s on %s", id, next, status))
				}
			}
		}
	}
	if err := p.checkAcyclic(); err != nil {
		return err
	}

	for _, id := range sortedKeys(p.Tasks) {
		task := p.Tasks[id]
		if isSentinel(task.TaskDefinitionID) {
			continue
		}
		def, ok := registry.TaskDefinition(task.TaskDefinitionID)
		if !ok {
			return NewPlanningError(ErrCodeProcess,
				fmt.Sprintf("task definition %s not found for task %s", task.TaskDefinitionID, id))
		}
		if err := def.Validate(id, p, p.Context, p.TaskContext(id)); err != nil {
			return NewPlanningError(ErrCodeProcess,
				fmt.Sprintf("task validation for %s of type %s failed", id, task.TaskDefinitionID)).
				WithCause(err)
		}
	}
	return nil
}

// checkAcyclic rejects next pointers that lead back to an earlier task. Every
// task runs at most once, so a loop would never be re-entered.
func (p *LifecycleProcess) checkAcyclic() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(p.Tasks))

	var visit func(id string) error
	visit = func(id string) error {
		state[id] = visiting
		task := p.Tasks[id]
		for _, status := range sortedStatuses(task.NextPointers) {
			for _, next := range task.NextPointers[status] {
				switch state[next] {
				case visiting:
					return NewPlanningError(ErrCodeProcess,
						fmt.Sprintf("task %s loops back to task %s on %s", id, next, status))
				case unvisited:
					if err := visit(next); err != nil {
						return err
					}
				}
			}
		}
		state[id] = done
		return nil
	}

	for _, id := range sortedKeys(p.Tasks) {
		if state[id] == unvisited {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// Advance moves every frontier task forward by one step. Successors of tasks
// that finish in this step are queued for the next call. An error means the
// process wiring is broken; the caller decides how to contain it.
func (p *LifecycleProcess) Advance(ctx context.Context, runtime TaskRuntime) error {
	if p.EndStatus == StatusNotStarted {
		p.EndStatus = StatusRunning
	}
	if p.IsComplete() {
		return nil
	}

	var next []string
	remaining := make([]string, 0, len(p.CurrentTasks))
	for _, taskID := range p.CurrentTasks {
		task, ok := p.Tasks[taskID]
		if !ok {
			return NewInvariantError(fmt.Sprintf("frontier task %s does not exist", taskID))
		}

		switch task.Status {
		case StatusSucceeded, StatusFailed, StatusCancelled:
			task.EndTime = time.Now()
			switch task.Status {
			case StatusSucceeded:
				task.AppendStdout("Task completed")
			case StatusFailed:
				task.AppendStderr("Task failed")
			default:
				task.AppendStderr("Task has been cancelled")
			}
			successors, ok := task.NextPointers[task.Status]
			if !ok {
				return NewInvariantError(fmt.Sprintf("unhandled status %s for task %s of type %s",
					task.Status, taskID, task.TaskDefinitionID))
			}
			for _, s := range successors {
				// a successor reached from several branches is processed once
				if succ, ok := p.Tasks[s]; ok && succ.EndTime.IsZero() {
					next = append(next, s)
				}
			}
			continue

		case StatusNotStarted:
			task.StartTime = time.Now()
			if isSentinel(task.TaskDefinitionID) {
				p.finishAtSentinel(task)
				p.CurrentTasks = nil
				return nil
			}
			task.Status = StatusRunning
			update := runtime.StartExecution(ctx, task.TaskDefinitionID, taskID, p)
			if update != nil {
				p.adopt(task, update)
				if !task.Status.IsTerminal() {
					task.AppendStdout("Task started")
				}
			}

		case StatusRunning:
			update := runtime.CheckStatus(ctx, task.TaskDefinitionID, taskID, p)
			if update != nil {
				p.adopt(task, update)
			}
		}
		remaining = append(remaining, taskID)
	}

	p.CurrentTasks = mergeSorted(remaining, next)
	if len(p.CurrentTasks) == 0 {
		p.finishDrained()
	}
	return nil
}

func (p *LifecycleProcess) adopt(task *Task, update *StatusUpdate) {
	if update.Status != "" {
		task.Status = update.Status
	}
	if update.Stdout != "" {
		task.AppendStdout(update.Stdout)
	}
	if update.Stderr != "" {
		task.AppendStderr(update.Stderr)
	}
	if update.ContextPatch != nil {
		merged, err := MergeContext(p.Context, update.ContextPatch)
		if err != nil {
			task.Status = StatusFailed
			task.AppendStderr(err.Error())
			return
		}
		p.Context = merged
	}
}

func (p *LifecycleProcess) finishAtSentinel(task *Task) {
	now := time.Now()
	task.Status = StatusSucceeded
	task.EndTime = now
	if task.TaskDefinitionID == SucceedProcessTask {
		task.AppendStdout("Process succeeded")
		p.EndStatus = StatusSucceeded
	} else {
		task.AppendStderr("Process failed")
		p.EndStatus = StatusFailed
	}
}

// finishDrained ends a process whose frontier emptied without reaching a
// sentinel. The outcome follows the worst task status seen.
func (p *LifecycleProcess) finishDrained() {
	status := StatusSucceeded
	for _, t := range p.Tasks {
		switch t.Status {
		case StatusFailed:
			status = StatusFailed
		case StatusCancelled:
			if status != StatusFailed {
				status = StatusCancelled
			}
		}
	}
	p.EndStatus = status
}

func mergeSorted(a, b []string) []string {
	set := NewIDSet(a...)
	for _, id := range b {
		set.Add(id)
	}
	if len(set) == 0 {
		return nil
	}
	return set.Sorted()
}

func sortedStatuses(m map[Status][]string) []Status {
	out := make([]Status, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
