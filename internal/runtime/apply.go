package runtime

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ApplyRequest describes one compose apply: the staged plaintext directory,
// the raw project name handed to -p, and the compose files inside the stage.
type ApplyRequest struct {
	Project      string
	StageDir     string
	ComposeFiles []string
}

// ApplyResult carries the process outcome. ExitCode is meaningful only when
// Err is non-nil.
type ApplyResult struct {
	ExitCode  int
	LastError string
}

// LineFunc receives one output line; stderr reports whether it came from the
// process's error stream.
type LineFunc func(line string, stderr bool)

// ComposeRunner applies a staged compose project to the runtime.
type ComposeRunner interface {
	Apply(ctx context.Context, req ApplyRequest, emit LineFunc) (ApplyResult, error)
}

// CLIRunner shells out to `docker compose` and streams output line by line.
type CLIRunner struct {
	// Bin overrides the docker binary, mainly for tests.
	Bin string
	// Host sets DOCKER_HOST for the spawned process.
	Host string
}

func (r *CLIRunner) Apply(ctx context.Context, req ApplyRequest, emit LineFunc) (ApplyResult, error) {
	bin := r.Bin
	if bin == "" {
		bin = "docker"
	}
	args := []string{"compose", "-p", req.Project}
	for _, f := range req.ComposeFiles {
		args = append(args, "-f", filepath.Join(req.StageDir, filepath.FromSlash(f)))
	}
	args = append(args, "up", "-d", "--remove-orphans")

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = req.StageDir
	cmd.Env = os.Environ()
	if r.Host != "" {
		cmd.Env = append(cmd.Env, "DOCKER_HOST="+r.Host)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return ApplyResult{ExitCode: -1}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return ApplyResult{ExitCode: -1}, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return ApplyResult{ExitCode: -1}, fmt.Errorf("start compose: %w", err)
	}

	var lastError string
	done := make(chan struct{}, 2)
	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			if line := scanner.Text(); line != "" {
				emit(line, false)
			}
		}
		done <- struct{}{}
	}()
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			if line := scanner.Text(); line != "" {
				lastError = line
				emit(line, true)
			}
		}
		done <- struct{}{}
	}()

	cmdErr := cmd.Wait()
	<-done
	<-done

	if cmdErr != nil {
		res := ApplyResult{ExitCode: -1, LastError: lastError}
		var exitErr *exec.ExitError
		if errors.As(cmdErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		if res.LastError == "" {
			res.LastError = cmdErr.Error()
		}
		return res, fmt.Errorf("compose %s: %w", strings.Join(args, " "), cmdErr)
	}
	return ApplyResult{}, nil
}
