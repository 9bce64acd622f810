package utils

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// RunCommand runs the given command with given arguments on given CWD,
// streaming every combined-output line to onLine if provided. It returns the
// combined output and the command's exit status. A non-nil error is only
// returned when the command could not be run at all or the context expired.
//
// If envs is nil the child inherits the current process environment,
// otherwise it gets exactly the given envs.
func RunCommand(ctx context.Context, log *slog.Logger, envs []string, cwd string, onLine func(string), command string, args ...string) (string, int, error) {
	cmdStr := command + " " + strings.Join(args, " ")
	log.Log(ctx, -8, "running command", "cwd", cwd, "cmd", cmdStr)

	cmd := exec.CommandContext(ctx, command, args...)
	// force kill git & child process 5 seconds after sending it sigterm
	// (when ctx is cancelled/timed out)
	cmd.WaitDelay = 5 * time.Second
	if cwd != "" {
		cmd.Dir = cwd
	}
	if envs != nil {
		cmd.Env = envs
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	var out strings.Builder
	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			out.WriteString(line)
			out.WriteString("\n")
			if onLine != nil {
				onLine(line)
			}
		}
	}()

	start := time.Now()
	err := cmd.Run()
	pw.Close()
	<-scanDone
	runTime := time.Since(start)

	output := strings.TrimSpace(out.String())

	if ctx.Err() != nil {
		return output, -1, fmt.Errorf("Run(%s): err:%w { output: %q }", cmdStr, ctx.Err(), output)
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		log.Log(ctx, -8, "command failed", "cmd", cmdStr, "exit", exitErr.ExitCode(), "time", runTime)
		return output, exitErr.ExitCode(), nil
	}
	if err != nil {
		return output, -1, fmt.Errorf("Run(%s): err:%w { output: %q }", cmdStr, err, output)
	}

	log.Log(ctx, -8, "command result", "output", output, "time", runTime)
	return output, 0, nil
}
