// Package mirror implements the push and fetch engines which keep a local
// bare repository and its Perforce-backed mirror gateway consistent. All
// remote work happens under per-repository advisory locks so that pushes are
// totally ordered and fetches never observe a partially-pushed state.
package mirror

import (
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/swarmgate/swarm-mirror/hook"
	"github.com/swarmgate/swarm-mirror/lock"
	"github.com/swarmgate/swarm-mirror/repository"
)

const defaultFetchRefspec = "+refs/*:refs/*"

// Mirror drives push/fetch synchronization against the mirror gateway.
// A Mirror is safe for concurrent use by multiple goroutines.
type Mirror struct {
	coord  *lock.Coordinator
	run    repository.Runner
	conf   Resolver
	notify hook.Notifier
	log    *slog.Logger
}

// New creates a mirror engine. conf resolves gateway endpoints by host,
// notify receives fetch-driven ref changes for downstream hook processing.
func New(coord *lock.Coordinator, run repository.Runner, conf Resolver, notify hook.Notifier, log *slog.Logger) *Mirror {
	if log == nil {
		log = slog.Default()
	}
	if coord == nil {
		coord = lock.NewCoordinator(log)
	}
	if run == nil {
		run = repository.NewGitRunner(log)
	}
	if notify == nil {
		notify = &hook.LogNotifier{Log: log}
	}
	return &Mirror{
		coord:  coord,
		run:    run,
		conf:   conf,
		notify: notify,
		log:    log,
	}
}

// Pushing reports whether any process currently holds the repository's
// write-lock exclusively.
func (m *Mirror) Pushing(repo *repository.Repo) (bool, error) {
	return m.coord.Locked(repo.Dir(), lock.Write)
}

// Fetching reports whether a fetch currently holds the repository's
// fetch-lock exclusively.
func (m *Mirror) Fetching(repo *repository.Repo) (bool, error) {
	return m.coord.Locked(repo.Dir(), lock.Fetch)
}

// FetchErrorMessage formats the persisted fetch error as a user-facing
// message, or empty when the last fetch succeeded.
func FetchErrorMessage(repo *repository.Repo) string {
	msg, ok := repo.FetchError()
	if !ok {
		return ""
	}
	return fmt.Sprintf("The last mirror fetch for this repository failed:\n  %s", msg)
}

// normalizeRef expands a bare branch name to its full ref form, patterns and
// refs which omit the ref kind default to refs/heads/.
func normalizeRef(name string) string {
	if strings.HasPrefix(name, "refs/") {
		return name
	}
	return "refs/heads/" + name
}

// refspecDst returns the destination ref of a push refspec.
func refspecDst(refspec string) string {
	spec := strings.TrimPrefix(refspec, "+")
	if i := strings.LastIndex(spec, ":"); i >= 0 {
		spec = spec[i+1:]
	}
	return normalizeRef(spec)
}

// matchActiveRefs filters push refspecs down to those whose destination ref
// matches at least one active-ref glob pattern.
func matchActiveRefs(refspecs, patterns []string) []string {
	var matched []string
	for _, refspec := range refspecs {
		dst := refspecDst(refspec)
		for _, pattern := range patterns {
			if ok, err := path.Match(normalizeRef(pattern), dst); err == nil && ok {
				matched = append(matched, refspec)
				break
			}
		}
	}
	return matched
}

// fetchRefspecs maps active-ref patterns onto forced fetch refspecs. With no
// readable pattern file a fetch pulls literally everything, this fallback is
// intentionally wider than the push side's "everything requested".
func fetchRefspecs(patterns []string, ok bool) []string {
	if !ok {
		return []string{defaultFetchRefspec}
	}
	specs := make([]string, 0, len(patterns))
	for _, pattern := range patterns {
		ref := normalizeRef(pattern)
		specs = append(specs, fmt.Sprintf("+%s:%s", ref, ref))
	}
	return specs
}
