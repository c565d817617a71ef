package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sethdford/vibex-sub011/pkg/schema"
)

const (
	defaultShellTimeout  = 30 * time.Second
	defaultMaxOutputSize = 10 * 1024 * 1024
)

// ShellConfig configures shell.exec.
type ShellConfig struct {
	DefaultTimeout time.Duration
	MaxOutputSize  int64
	// Shell is the interpreter used when a step sets shell: true.
	Shell string
}

// ShellActions returns shell.exec.
func ShellActions(cfg ShellConfig) []Action {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultShellTimeout
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	return []Action{&shellExecAction{cfg: cfg}}
}

const shellExecInputSchema = `{
  "type": "object",
  "properties": {
    "command": {"type": "string"},
    "args": {"type": "array", "items": {"type": "string"}},
    "env": {"type": "object", "additionalProperties": {"type": "string"}},
    "cwd": {"type": "string"},
    "stdin": {"type": "string"},
    "timeout": {"type": ["string", "number"]},
    "shell": {"type": "boolean"},
    "allow_failure": {"type": "boolean"}
  },
  "required": ["command"]
}`

type shellExecAction struct {
	cfg ShellConfig
}

func (a *shellExecAction) Name() string { return "shell.exec" }

func (a *shellExecAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Run a command, capturing stdout, stderr and the exit code. A non-zero exit fails the attempt unless allow_failure is set.",
		InputSchema: json.RawMessage(shellExecInputSchema),
	}
}

func (a *shellExecAction) Validate(params map[string]any) error {
	if stringParam(params, "command", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "shell.exec: missing required param 'command'")
	}
	if _, ok := durationParam(params, "timeout", 0); !ok {
		return schema.NewError(schema.ErrCodeValidation, "shell.exec: invalid 'timeout'")
	}
	return nil
}

func (a *shellExecAction) Execute(ctx context.Context, in ActionInput) (any, error) {
	params := in.Params
	command := stringParam(params, "command", "")

	timeout, _ := durationParam(params, "timeout", a.cfg.DefaultTimeout)
	if timeout <= 0 {
		timeout = a.cfg.DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := a.command(execCtx, params)
	stdout := &cappedBuffer{limit: a.cfg.MaxOutputSize}
	stderr := &cappedBuffer{limit: a.cfg.MaxOutputSize}
	cmd.Stdout, cmd.Stderr = stdout, stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	var exitErr *exec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "shell.exec: %v", runErr).WithCause(runErr)
	}
	exitCode := 0
	if exitErr != nil {
		exitCode = exitErr.ExitCode()
	}
	killed := runErr != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded)

	result := map[string]any{
		"stdout":      decodeStdout(stdout.Bytes()),
		"stdout_raw":  stdout.String(),
		"stderr":      stderr.String(),
		"exit_code":   exitCode,
		"duration_ms": elapsed.Milliseconds(),
		"killed":      killed,
		"truncated":   stdout.dropped > 0 || stderr.dropped > 0,
	}

	if killed {
		return result, schema.NewErrorf(schema.ErrCodeTimeout, "shell.exec: %s killed after %s", command, timeout).
			WithDetails(result)
	}
	if exitCode != 0 && !boolParam(params, "allow_failure", false) {
		return result, schema.NewErrorf(schema.ErrCodeExecution, "shell.exec: %s exited with %d", command, exitCode).
			WithDetails(map[string]any{"exit_code": exitCode, "stderr": lastBytes(stderr.String(), 512)})
	}
	return result, nil
}

// command builds the process for params. With shell: true the command and
// its args are joined into one script for the configured interpreter.
func (a *shellExecAction) command(ctx context.Context, params map[string]any) *exec.Cmd {
	command := stringParam(params, "command", "")
	args := stringSliceParam(params, "args")

	var cmd *exec.Cmd
	if boolParam(params, "shell", false) {
		script := strings.Join(append([]string{command}, args...), " ")
		cmd = exec.CommandContext(ctx, a.cfg.Shell, "-c", script)
	} else {
		cmd = exec.CommandContext(ctx, command, args...)
	}
	// a grandchild holding the pipes open must not outlive the deadline
	cmd.WaitDelay = time.Second
	cmd.Dir = stringParam(params, "cwd", "")
	if env := stringMapParam(params, "env"); len(env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	if stdin := stringParam(params, "stdin", ""); stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	return cmd
}

// decodeStdout returns JSON output as a value so validators and captures
// can reach into it, and anything else as a string.
func decodeStdout(out []byte) any {
	var v any
	if len(out) > 0 && json.Unmarshal(out, &v) == nil {
		return v
	}
	return string(out)
}

func lastBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// cappedBuffer keeps the first limit bytes written to it and counts the
// rest. Write never fails, so a chatty child never blocks on its pipe.
type cappedBuffer struct {
	bytes.Buffer
	limit   int64
	dropped int64
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - int64(b.Len())
	if room < 0 {
		room = 0
	}
	keep := min(int64(len(p)), room)
	b.Buffer.Write(p[:keep])
	b.dropped += int64(len(p)) - keep
	return len(p), nil
}
