// Package runner starts the user's command once GPUs are available.
package runner

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
)

const VisibleDevicesEnv = "CUDA_VISIBLE_DEVICES"

type Spec struct {
	// A single element is a shell command line; more form an argument vector
	// executed without a shell.
	Command []string
	// Env is the complete child environment in os.Environ form.
	Env    []string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

type Result struct {
	Command  string
	ExitCode int
}

func (r Result) Succeeded() bool { return r.ExitCode == 0 }

// Outcome reads "succeeded" or "failed (<code>)".
func (r Result) Outcome() string {
	if r.Succeeded() {
		return "succeeded"
	}
	return fmt.Sprintf("failed (%d)", r.ExitCode)
}

// Run executes spec and waits for it. A non-zero exit is reported in Result;
// the error is reserved for commands that could not be started.
func Run(spec Spec) (Result, error) {
	if len(spec.Command) == 0 {
		return Result{}, errors.New("empty command")
	}
	res := Result{Command: Display(spec.Command)}

	var cmd *exec.Cmd
	if len(spec.Command) == 1 {
		cmd = exec.Command("/bin/sh", "-c", spec.Command[0])
	} else {
		cmd = exec.Command(spec.Command[0], spec.Command[1:]...)
	}
	cmd.Env = spec.Env
	cmd.Stdin = spec.Stdin
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr

	err := cmd.Run()
	if err == nil {
		return res, nil
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return res, fmt.Errorf("failed to run %s: %w", res.Command, err)
	}
	res.ExitCode = ee.ExitCode()
	if res.ExitCode < 0 {
		// Killed by a signal; report it the way shells do.
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			res.ExitCode = 128 + int(ws.Signal())
		} else {
			res.ExitCode = 1
		}
	}
	return res, nil
}

// Display renders a command for humans.
func Display(command []string) string {
	if len(command) == 1 {
		return command[0]
	}
	return strings.Join(command, " ")
}

// WithEnv returns a copy of base with key set to value. Earlier definitions
// of key are dropped; base is not modified.
func WithEnv(base []string, key, value string) []string {
	out := make([]string, 0, len(base)+1)
	prefix := key + "="
	for _, kv := range base {
		if strings.HasPrefix(kv, prefix) {
			continue
		}
		out = append(out, kv)
	}
	return append(out, prefix+value)
}
