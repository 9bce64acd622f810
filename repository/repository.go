package repository

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"

	"github.com/swarmgate/swarm-mirror/internal/utils"
	"github.com/swarmgate/swarm-mirror/refdiff"
)

// MirrorRemote is the name of the git remote pointing at the mirror gateway.
const MirrorRemote = "mirror"

const mirrorURLConfigKey = "remote." + MirrorRemote + ".url"

// Runner runs an external git command against a working directory, streaming
// output line-by-line to onLine if provided, and returns the combined output
// and exit status.
type Runner interface {
	Run(ctx context.Context, dir string, envs []string, onLine func(string), args ...string) (string, int, error)
}

// GitRunner is the default Runner backed by the git executable.
type GitRunner struct {
	git string
	log *slog.Logger
}

// NewGitRunner returns a Runner invoking the git binary found on PATH.
func NewGitRunner(log *slog.Logger) *GitRunner {
	if log == nil {
		log = slog.Default()
	}
	return &GitRunner{git: exec.Command("git").String(), log: log}
}

func (g *GitRunner) Run(ctx context.Context, dir string, envs []string, onLine func(string), args ...string) (string, int, error) {
	return utils.RunCommand(ctx, g.log, envs, dir, onLine, g.git, args...)
}

// Repo identifies a local bare repository by canonical filesystem path.
// The mirror remote URL is read lazily and cached per handle instance.
type Repo struct {
	dir string
	run Runner
	log *slog.Logger

	urlCached bool
	url       string
}

// New creates a handle for the bare repository at dir.
func New(dir string, run Runner, log *slog.Logger) (*Repo, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("unable to canonicalize repo path '%s' err:%w", dir, err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Repo{
		dir: abs,
		run: run,
		log: log.With("repo", abs),
	}, nil
}

// Dir returns the canonical repository path.
func (r *Repo) Dir() string { return r.dir }

// MirrorURL returns the configured mirror remote URL, or empty if the
// repository has no mirror.
func (r *Repo) MirrorURL(ctx context.Context) (string, error) {
	if r.urlCached {
		return r.url, nil
	}

	out, status, err := r.run.Run(ctx, r.dir, nil, nil, "config", "--local", "--get", mirrorURLConfigKey)
	if err != nil {
		return "", fmt.Errorf("unable to read %s err:%w", mirrorURLConfigKey, err)
	}
	switch status {
	case 0:
	case 1:
		// key not set
		out = ""
	default:
		return "", fmt.Errorf("unable to read %s: git config exited %d: %s", mirrorURLConfigKey, status, out)
	}

	r.url = out
	r.urlCached = true
	return r.url, nil
}

// Mirrored reports whether the repository has a non-empty mirror remote URL.
func (r *Repo) Mirrored(ctx context.Context) (bool, error) {
	url, err := r.MirrorURL(ctx)
	return url != "", err
}

// SetMirrorURL replaces the stored mirror remote URL.
func (r *Repo) SetMirrorURL(ctx context.Context, url string) error {
	out, status, err := r.run.Run(ctx, r.dir, nil, nil, "config", "--local", mirrorURLConfigKey, url)
	if err != nil {
		return fmt.Errorf("unable to set %s err:%w", mirrorURLConfigKey, err)
	}
	if status != 0 {
		return fmt.Errorf("unable to set %s: git config exited %d: %s", mirrorURLConfigKey, status, out)
	}
	r.url = url
	r.urlCached = true
	return nil
}

// ClearMirrorURL removes the mirror remote URL. Clearing an already absent
// URL is not an error.
func (r *Repo) ClearMirrorURL(ctx context.Context) error {
	out, status, err := r.run.Run(ctx, r.dir, nil, nil, "config", "--local", "--unset", mirrorURLConfigKey)
	if err != nil {
		return fmt.Errorf("unable to unset %s err:%w", mirrorURLConfigKey, err)
	}
	// 5 is git's "you try to unset an option which does not exist"
	if status != 0 && status != 5 {
		return fmt.Errorf("unable to unset %s: git config exited %d: %s", mirrorURLConfigKey, status, out)
	}
	r.url = ""
	r.urlCached = true
	return nil
}

// Snapshot captures every branch and tag tip as 'sha refname' lines.
// A repository with no refs yields an empty snapshot, not an error.
func (r *Repo) Snapshot(ctx context.Context) (refdiff.Snapshot, error) {
	out, status, err := r.run.Run(ctx, r.dir, nil, nil, "show-ref", "--heads", "--tags")
	if err != nil {
		return nil, fmt.Errorf("unable to list refs err:%w", err)
	}
	// show-ref exits 1 when no refs match
	if status != 0 && status != 1 {
		return nil, fmt.Errorf("unable to list refs: git show-ref exited %d: %s", status, out)
	}
	return refdiff.ParseSnapshot(out), nil
}
