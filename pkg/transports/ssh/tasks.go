package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/keelhq/keel/pkg/engine"
)

const (
	// CommandTaskDefinitionID runs a shell command on a remote host.
	CommandTaskDefinitionID = "sshCommand"

	// UploadTaskDefinitionID writes a file on a remote host over SFTP.
	UploadTaskDefinitionID = "sftpUpload"
)

// DefaultTaskTimeout bounds a remote operation when the task sets no timeout.
const DefaultTaskTimeout = 5 * time.Minute

// Defaults fill in connection settings a task context leaves out.
type Defaults struct {
	User           string
	KeyPath        string
	KnownHostsPath string
	ConnectTimeout time.Duration
}

// DialFunc opens a Transport for cfg.
type DialFunc func(ctx context.Context, cfg *Config) (Transport, error)

// remoteTask holds what both task definitions share: connection defaults and
// the background jobs started by StartExecution.
type remoteTask struct {
	defaults Defaults
	dial     DialFunc
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*job
}

type job struct {
	done   chan struct{}
	update *engine.StatusUpdate
}

func newRemoteTask(defaults Defaults, dial DialFunc, logger zerolog.Logger) *remoteTask {
	if dial == nil {
		dial = func(ctx context.Context, cfg *Config) (Transport, error) {
			return Dial(ctx, cfg, logger)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &remoteTask{
		defaults: defaults,
		dial:     dial,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(map[string]*job),
	}
}

func jobKey(taskID string, process *engine.LifecycleProcess) string {
	if process == nil {
		return taskID
	}
	return process.ProcessID + "/" + taskID
}

// start runs fn in the background under key. A key can only run once at a
// time.
func (r *remoteTask) start(key string, timeout time.Duration, fn func(ctx context.Context) *engine.StatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx.Err() != nil {
		return fmt.Errorf("task definition is closed")
	}
	if _, exists := r.jobs[key]; exists {
		return fmt.Errorf("task %s is already running", key)
	}

	j := &job{done: make(chan struct{})}
	r.jobs[key] = j

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(j.done)

		ctx, cancel := context.WithTimeout(r.ctx, timeout)
		defer cancel()
		j.update = fn(ctx)
	}()
	return nil
}

// poll returns the job's update once it finished and forgets the job. While
// the job runs it returns nil.
func (r *remoteTask) poll(key string) (*engine.StatusUpdate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[key]
	if !ok {
		return nil, fmt.Errorf("no remote operation is running for task %s", key)
	}
	select {
	case <-j.done:
		delete(r.jobs, key)
		return j.update, nil
	default:
		return nil, nil
	}
}

// Close cancels running operations and waits for them to return.
func (r *remoteTask) Close() error {
	r.cancel()
	r.wg.Wait()
	return nil
}

func (r *remoteTask) connect(ctx context.Context, cfg *Config) (Transport, error) {
	r.logger.Debug().Str("host", cfg.Address()).Msg("opening remote connection")
	return r.dial(ctx, cfg)
}

// config builds a Config from the task context over the defaults.
func (r *remoteTask) config(taskContext map[string]interface{}) (*Config, error) {
	host, err := stringField(taskContext, "host", true)
	if err != nil {
		return nil, err
	}
	user, err := stringField(taskContext, "user", false)
	if err != nil {
		return nil, err
	}
	if user == "" {
		user = r.defaults.User
	}

	cfg := DefaultConfig(host, user)
	if cfg.Port, err = intField(taskContext, "port", cfg.Port); err != nil {
		return nil, err
	}
	if r.defaults.ConnectTimeout > 0 {
		cfg.ConnectTimeout = r.defaults.ConnectTimeout
	}

	password, err := stringField(taskContext, "password", false)
	if err != nil {
		return nil, err
	}
	keyPath, err := stringField(taskContext, "key_path", false)
	if err != nil {
		return nil, err
	}
	switch {
	case password != "":
		cfg.AuthMethod = AuthMethodPassword
		cfg.Password = password
	case keyPath != "":
		cfg.PrivateKeyPath = keyPath
	default:
		cfg.PrivateKeyPath = r.defaults.KeyPath
	}

	if r.defaults.KnownHostsPath != "" {
		cfg.KnownHostsPath = r.defaults.KnownHostsPath
		cfg.StrictHostKeyChecking = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resultPatch(taskID string, result map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		taskID: map[string]interface{}{"result": result},
	}
}

// CommandTask is the sshCommand task definition. Its task context names the
// host and the command:
//
//	host, port, user, password, key_path   connection, over Defaults
//	command                                 shell command (required)
//	sudo                                    prefix the command with sudo -n
//	stdin                                   data written to the command
//	timeout                                 duration string or seconds
//
// The command's exit code, stdout and stderr are merged into the process
// context under <task id>.result. A non-zero exit code fails the task.
type CommandTask struct {
	*remoteTask
}

var _ engine.TaskDefinition = (*CommandTask)(nil)

// NewCommandTask creates the sshCommand task definition. A nil dial uses Dial.
func NewCommandTask(defaults Defaults, dial DialFunc, logger zerolog.Logger) *CommandTask {
	logger = logger.With().Str("component", "ssh").Str("task_definition", CommandTaskDefinitionID).Logger()
	return &CommandTask{remoteTask: newRemoteTask(defaults, dial, logger)}
}

// ID implements engine.TaskDefinition.
func (t *CommandTask) ID() string { return CommandTaskDefinitionID }

type commandSpec struct {
	config  *Config
	command string
	stdin   string
	timeout time.Duration
}

func (t *CommandTask) parse(taskContext map[string]interface{}) (*commandSpec, error) {
	cfg, err := t.config(taskContext)
	if err != nil {
		return nil, err
	}
	command, err := stringField(taskContext, "command", true)
	if err != nil {
		return nil, err
	}
	sudo, err := boolField(taskContext, "sudo")
	if err != nil {
		return nil, err
	}
	if sudo {
		command = "sudo -n " + command
	}
	stdin, err := stringField(taskContext, "stdin", false)
	if err != nil {
		return nil, err
	}
	timeout, err := durationField(taskContext, "timeout", DefaultTaskTimeout)
	if err != nil {
		return nil, err
	}
	return &commandSpec{config: cfg, command: command, stdin: stdin, timeout: timeout}, nil
}

// Validate implements engine.TaskDefinition.
func (t *CommandTask) Validate(taskID string, _ *engine.LifecycleProcess, _, taskContext map[string]interface{}) error {
	if _, err := t.parse(taskContext); err != nil {
		return fmt.Errorf("task %s: %w", taskID, err)
	}
	return nil
}

// StartExecution implements engine.TaskDefinition.
func (t *CommandTask) StartExecution(_ context.Context, taskID string, process *engine.LifecycleProcess, _, taskContext map[string]interface{}) (*engine.StatusUpdate, error) {
	spec, err := t.parse(taskContext)
	if err != nil {
		return nil, err
	}

	err = t.start(jobKey(taskID, process), spec.timeout, func(ctx context.Context) *engine.StatusUpdate {
		return t.run(ctx, taskID, spec)
	})
	if err != nil {
		return nil, err
	}

	return &engine.StatusUpdate{
		Status: engine.StatusRunning,
		Stdout: fmt.Sprintf("Running %q on %s", spec.command, spec.config.Address()),
	}, nil
}

func (t *CommandTask) run(ctx context.Context, taskID string, spec *commandSpec) *engine.StatusUpdate {
	transport, err := t.connect(ctx, spec.config)
	if err != nil {
		return engine.FailedUpdate("Failed to connect to "+spec.config.Address(), err)
	}
	defer transport.Close()

	var stdin io.Reader
	if spec.stdin != "" {
		stdin = strings.NewReader(spec.stdin)
	}
	res, err := transport.Run(ctx, spec.command, stdin)
	if err != nil {
		return engine.FailedUpdate("Command failed", err)
	}

	t.logger.Info().
		Str("task_id", taskID).
		Str("host", spec.config.Address()).
		Int("exit_code", res.ExitCode).
		Dur("duration", res.Duration).
		Msg("Remote command finished")

	patch := resultPatch(taskID, map[string]interface{}{
		"exit_code": res.ExitCode,
		"stdout":    res.Stdout,
		"stderr":    res.Stderr,
	})
	if res.ExitCode != 0 {
		return &engine.StatusUpdate{
			Status:       engine.StatusFailed,
			Stdout:       res.Stdout,
			Stderr:       fmt.Sprintf("Command exited with code %d: %s", res.ExitCode, res.Stderr),
			ContextPatch: patch,
		}
	}
	return &engine.StatusUpdate{
		Status:       engine.StatusSucceeded,
		Stdout:       res.Stdout,
		Stderr:       res.Stderr,
		ContextPatch: patch,
	}
}

// CheckStatus implements engine.TaskDefinition.
func (t *CommandTask) CheckStatus(_ context.Context, taskID string, process *engine.LifecycleProcess, _, _ map[string]interface{}) (*engine.StatusUpdate, error) {
	return t.poll(jobKey(taskID, process))
}

// UploadTask is the sftpUpload task definition. Its task context takes the
// connection keys of CommandTask plus:
//
//	path      absolute remote path (required)
//	content   file content
//	mode      octal string or number, default 0644
//	timeout   duration string or seconds
type UploadTask struct {
	*remoteTask
}

var _ engine.TaskDefinition = (*UploadTask)(nil)

// NewUploadTask creates the sftpUpload task definition. A nil dial uses Dial.
func NewUploadTask(defaults Defaults, dial DialFunc, logger zerolog.Logger) *UploadTask {
	logger = logger.With().Str("component", "ssh").Str("task_definition", UploadTaskDefinitionID).Logger()
	return &UploadTask{remoteTask: newRemoteTask(defaults, dial, logger)}
}

// ID implements engine.TaskDefinition.
func (t *UploadTask) ID() string { return UploadTaskDefinitionID }

type uploadSpec struct {
	config  *Config
	path    string
	content string
	mode    os.FileMode
	timeout time.Duration
}

func (t *UploadTask) parse(taskContext map[string]interface{}) (*uploadSpec, error) {
	cfg, err := t.config(taskContext)
	if err != nil {
		return nil, err
	}
	remotePath, err := stringField(taskContext, "path", true)
	if err != nil {
		return nil, err
	}
	if !path.IsAbs(remotePath) {
		return nil, fmt.Errorf("path must be absolute, got %q", remotePath)
	}
	content, err := stringField(taskContext, "content", false)
	if err != nil {
		return nil, err
	}
	mode, err := modeField(taskContext, "mode", 0o644)
	if err != nil {
		return nil, err
	}
	timeout, err := durationField(taskContext, "timeout", DefaultTaskTimeout)
	if err != nil {
		return nil, err
	}
	return &uploadSpec{
		config:  cfg,
		path:    path.Clean(remotePath),
		content: content,
		mode:    mode,
		timeout: timeout,
	}, nil
}

// Validate implements engine.TaskDefinition.
func (t *UploadTask) Validate(taskID string, _ *engine.LifecycleProcess, _, taskContext map[string]interface{}) error {
	if _, err := t.parse(taskContext); err != nil {
		return fmt.Errorf("task %s: %w", taskID, err)
	}
	return nil
}

// StartExecution implements engine.TaskDefinition.
func (t *UploadTask) StartExecution(_ context.Context, taskID string, process *engine.LifecycleProcess, _, taskContext map[string]interface{}) (*engine.StatusUpdate, error) {
	spec, err := t.parse(taskContext)
	if err != nil {
		return nil, err
	}

	err = t.start(jobKey(taskID, process), spec.timeout, func(ctx context.Context) *engine.StatusUpdate {
		return t.run(ctx, taskID, spec)
	})
	if err != nil {
		return nil, err
	}

	return &engine.StatusUpdate{
		Status: engine.StatusRunning,
		Stdout: fmt.Sprintf("Uploading %s to %s", spec.path, spec.config.Address()),
	}, nil
}

func (t *UploadTask) run(ctx context.Context, taskID string, spec *uploadSpec) *engine.StatusUpdate {
	transport, err := t.connect(ctx, spec.config)
	if err != nil {
		return engine.FailedUpdate("Failed to connect to "+spec.config.Address(), err)
	}
	defer transport.Close()

	n, err := transport.Upload(ctx, spec.path, strings.NewReader(spec.content), spec.mode)
	if err != nil {
		return engine.FailedUpdate("Upload failed", err)
	}

	t.logger.Info().
		Str("task_id", taskID).
		Str("host", spec.config.Address()).
		Str("path", spec.path).
		Int64("bytes", n).
		Msg("Remote file written")

	return &engine.StatusUpdate{
		Status: engine.StatusSucceeded,
		Stdout: fmt.Sprintf("Wrote %d bytes to %s", n, spec.path),
		ContextPatch: resultPatch(taskID, map[string]interface{}{
			"path":  spec.path,
			"bytes": n,
			"mode":  fmt.Sprintf("%04o", uint32(spec.mode)),
		}),
	}
}

// CheckStatus implements engine.TaskDefinition.
func (t *UploadTask) CheckStatus(_ context.Context, taskID string, process *engine.LifecycleProcess, _, _ map[string]interface{}) (*engine.StatusUpdate, error) {
	return t.poll(jobKey(taskID, process))
}

func stringField(m map[string]interface{}, key string, required bool) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		if required {
			return "", fmt.Errorf("%s is required", key)
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %T", key, v)
	}
	if required && strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return s, nil
}

func intField(m map[string]interface{}, key string, def int) (int, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("%s must be an integer, got %v", key, n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("%s must be a number, got %T", key, v)
	}
}

func boolField(m map[string]interface{}, key string) (bool, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%s must be a boolean, got %T", key, v)
	}
	return b, nil
}

// durationField accepts a Go duration string or a number of seconds.
func durationField(m map[string]interface{}, key string, def time.Duration) (time.Duration, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return def, nil
	}
	var d time.Duration
	if s, isString := v.(string); isString {
		var err error
		if d, err = time.ParseDuration(s); err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
	} else {
		secs, err := intField(m, key, 0)
		if err != nil {
			return 0, err
		}
		d = time.Duration(secs) * time.Second
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}

// modeField accepts an octal string such as "0755" or a number.
func modeField(m map[string]interface{}, key string, def os.FileMode) (os.FileMode, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return def, nil
	}
	var mode uint64
	if s, isString := v.(string); isString {
		var err error
		if mode, err = strconv.ParseUint(s, 8, 32); err != nil {
			return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
		}
	} else {
		n, err := intField(m, key, 0)
		if err != nil {
			return 0, err
		}
		if n < 0 {
			return 0, fmt.Errorf("invalid %s %d", key, n)
		}
		mode = uint64(n)
	}
	if mode > 0o777 {
		return 0, fmt.Errorf("invalid %s %o", key, mode)
	}
	return os.FileMode(mode), nil
}
