package hook

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"

	"github.com/swarmgate/swarm-mirror/lock"
	"github.com/swarmgate/swarm-mirror/repository"
)

// ReceiveWrapper runs a receive operation (git-receive-pack and the hooks it
// spawns) with the repository's lock socket published in the environment.
// The listener and the spawned process share a lifetime, not a call stack:
// the socket is served for as long as the child runs and torn down once it
// exits, regardless of its exit status.
type ReceiveWrapper struct {
	Coord *lock.Coordinator
	Repo  *repository.Repo
	Log   *slog.Logger

	// Stdin/Stdout/Stderr of the wrapped process, the wrapper's own
	// streams when nil.
	Stdin          io.Reader
	Stdout, Stderr io.Writer
}

// Run spawns the given command with the lock-socket environment set and
// returns its exit status. For an unmirrored repository the variable is still
// published, set to the explicit no-socket sentinel, so hooks can distinguish
// "no mirror" from "misconfigured lock".
func (w *ReceiveWrapper) Run(ctx context.Context, name string, args ...string) (int, error) {
	sockValue := lock.NoSocketSentinel

	mirrored, err := w.Repo.Mirrored(ctx)
	if err != nil {
		return -1, err
	}
	if mirrored {
		srv, err := w.Coord.Serve(w.Repo.Dir())
		if err != nil {
			return -1, fmt.Errorf("unable to open lock socket err:%w", err)
		}
		defer srv.Close()
		sockValue = srv.Path()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = w.Repo.Dir()
	cmd.Env = append(os.Environ(), lock.EnvLockSocket+"="+sockValue)
	cmd.Stdin = w.Stdin
	cmd.Stdout = w.Stdout
	cmd.Stderr = w.Stderr
	if cmd.Stdin == nil {
		cmd.Stdin = os.Stdin
	}
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	w.Log.Log(ctx, -8, "wrapping receive operation", "cmd", name, "lock-socket", sockValue)

	err = cmd.Run()
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, fmt.Errorf("unable to run receive operation err:%w", err)
	}
	return 0, nil
}
