package mirror

import (
	"context"
	"os"
	"time"

	"github.com/swarmgate/swarm-mirror/hook"
	"github.com/swarmgate/swarm-mirror/lock"
	"github.com/swarmgate/swarm-mirror/refdiff"
	"github.com/swarmgate/swarm-mirror/repository"
	"github.com/swarmgate/swarm-mirror/swarmurl"
)

// Fetch pulls the active refs from the repository's mirror gateway. The
// returned ok is the fetch outcome: remote failures are recovered into the
// persisted error marker and ok=false, err is reserved for lock or
// configuration machinery failures.
//
// With skipIfPushing the fetch returns the last recorded outcome
// immediately instead of waiting for an in-flight push to release the
// write-lock. Concurrent fetches are single-flight: one caller performs the
// network operation, the rest wait and adopt its outcome.
func (m *Mirror) Fetch(ctx context.Context, repo *repository.Repo, skipIfPushing bool) (ok bool, err error) {
	mirrored, err := repo.Mirrored(ctx)
	if err != nil {
		return false, err
	}
	if !mirrored {
		return true, nil
	}

	dir := repo.Dir()

	// a shared hold on the write-lock ensures no fetch observes a
	// partially-pushed state
	if skipIfPushing {
		got, err := m.coord.TryRLock(dir, lock.Write)
		if err != nil {
			return false, err
		}
		if !got {
			// an exclusive push is in flight, report the last
			// recorded outcome instead of blocking
			return m.lastOutcome(repo), nil
		}
	} else {
		if err := m.coord.RLock(dir, lock.Write); err != nil {
			return false, err
		}
	}
	defer m.release(dir, lock.Write)

	got, err := m.coord.TryLock(dir, lock.Fetch)
	if err != nil {
		return false, err
	}
	if !got {
		// another fetch is in flight, wait for it to finish and adopt
		// its outcome rather than fetching redundantly
		if err := m.coord.RLock(dir, lock.Fetch); err != nil {
			return false, err
		}
		m.release(dir, lock.Fetch)
		return m.lastOutcome(repo), nil
	}
	defer m.release(dir, lock.Fetch)

	return m.fetchLocked(ctx, repo)
}

// MustFetch is the raising fetch variant: a recovered remote failure is
// escalated as a RemoteError carrying the persisted error text.
func (m *Mirror) MustFetch(ctx context.Context, repo *repository.Repo) error {
	ok, err := m.Fetch(ctx, repo, false)
	if err != nil {
		return err
	}
	if !ok {
		detail, _ := repo.FetchError()
		return &RemoteError{Op: "fetch", Output: detail}
	}
	return nil
}

// fetchLocked performs the network fetch while holding both locks.
func (m *Mirror) fetchLocked(ctx context.Context, repo *repository.Repo) (bool, error) {
	dir := repo.Dir()
	d := NewDurations()

	// automated fetches never act on behalf of a user
	if err := m.clearForUser(ctx, repo); err != nil {
		return false, err
	}

	before, err := repo.Snapshot(ctx)
	if err != nil {
		return false, err
	}

	refspecs := fetchRefspecs(repo.ActiveRefPatterns())
	if len(refspecs) == 0 {
		// a readable but empty pattern file means nothing participates,
		// bare git fetch would apply the remote's default refspec
		m.log.Info("no active refs to fetch", "repo", dir)
		return true, nil
	}

	d.Start("fetch")
	args := append([]string{"fetch", repository.MirrorRemote}, refspecs...)
	out, status, runErr := m.run.Run(ctx, dir, nil, nil, args...)
	d.Stop("fetch")

	// the attempt timestamp is persisted regardless of outcome
	if werr := repo.WriteLastFetch(time.Now()); werr != nil {
		m.log.Error("unable to record fetch timestamp", "repo", dir, "err", werr)
	}

	if runErr != nil || status != 0 {
		detail := out
		if runErr != nil {
			detail = runErr.Error()
		}
		if werr := repo.WriteFetchError(detail); werr != nil {
			m.log.Error("unable to persist fetch error", "repo", dir, "err", werr)
		}
		recordFetch(dir, false)
		observePhases(dir, d)
		m.log.Error("mirror fetch failed", "repo", dir, "durations", d.String(), "exit", status, "output", collapseOutput(detail))
		return false, nil
	}

	if err := repo.ClearFetchError(); err != nil {
		m.log.Error("unable to clear fetch error marker", "repo", dir, "err", err)
	}

	after, err := repo.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	changes, err := refdiff.Diff(before, after)
	if err != nil {
		return false, err
	}
	if len(changes) > 0 {
		m.notifyChanges(ctx, repo, changes)
	}

	recordFetch(dir, true)
	observePhases(dir, d)
	m.log.Info("mirror fetch complete", "repo", dir, "durations", d.String(), "updated-refs", len(changes))
	return true, nil
}

// notifyChanges forwards fetched ref changes to downstream hook processing,
// attributed to the system identity instead of whichever user's read
// happened to trigger the fetch.
func (m *Mirror) notifyChanges(ctx context.Context, repo *repository.Repo, changes refdiff.ChangeSet) {
	orig, had := os.LookupEnv(hook.EnvActorID)
	os.Setenv(hook.EnvActorID, hook.SystemActorID)
	defer func() {
		if had {
			os.Setenv(hook.EnvActorID, orig)
		} else {
			os.Unsetenv(hook.EnvActorID)
		}
	}()

	if err := m.notify.PostReceive(ctx, changes.String(), repo.Dir(), hook.SystemActorID); err != nil {
		m.log.Error("downstream hook notification failed", "repo", repo.Dir(), "err", err)
	}
}

// clearForUser removes any stale on-behalf-of component from the stored
// mirror remote URL.
func (m *Mirror) clearForUser(ctx context.Context, repo *repository.Repo) error {
	raw, err := repo.MirrorURL(ctx)
	if err != nil {
		return err
	}
	u, err := swarmurl.Parse(raw)
	if err != nil {
		return err
	}
	if u.ForUser() == "" {
		return nil
	}
	u.ClearForUser()
	// the cleared URL goes back into git config, credentials must survive
	u.StripPassword(false)
	cleared, err := u.Serialize()
	if err != nil {
		return err
	}
	return repo.SetMirrorURL(ctx, cleared)
}

// lastOutcome reports the outcome of the most recent completed fetch, an
// absent error marker means it succeeded.
func (m *Mirror) lastOutcome(repo *repository.Repo) bool {
	_, failed := repo.FetchError()
	return !failed
}

func (m *Mirror) release(dir, name string) {
	if err := m.coord.Unlock(dir, name); err != nil {
		m.log.Error("unable to release lock", "repo", dir, "lock", name, "err", err)
	}
}
