package mirror

import (
	"context"
	"strings"

	"github.com/swarmgate/swarm-mirror/lock"
	"github.com/swarmgate/swarm-mirror/repository"
)

// Reenable connects the repository to the given gateway URL and brings it up
// to date with an immediate fetch. On any failure the mirror URL is rolled
// back so the repository never ends up half-enabled, and the failure text is
// persisted for later inspection.
func (m *Mirror) Reenable(ctx context.Context, repo *repository.Repo, mirrorURL string) error {
	dir := repo.Dir()

	got, err := m.coord.TryLock(dir, lock.Reenable)
	if err != nil {
		return err
	}
	if !got {
		return configErrorf("reenable already in progress for %s", dir)
	}
	defer m.release(dir, lock.Reenable)

	if err := repo.SetMirrorURL(ctx, mirrorURL); err != nil {
		return err
	}

	if err := m.resync(ctx, repo); err != nil {
		if werr := repo.WriteReenableError(err.Error()); werr != nil {
			m.log.Error("unable to persist reenable error", "repo", dir, "err", werr)
		}
		if cerr := repo.ClearMirrorURL(ctx); cerr != nil {
			m.log.Error("unable to roll back mirror url", "repo", dir, "err", cerr)
		}
		m.log.Error("mirror reenable failed", "repo", dir, "url", mirrorURL, "err", err)
		return err
	}

	if err := repo.ClearReenableError(); err != nil {
		m.log.Error("unable to clear reenable error marker", "repo", dir, "err", err)
	}
	m.log.Info("mirror reenabled", "repo", dir, "url", mirrorURL)
	return nil
}

// resync brings a freshly reconnected repository and its gateway into
// agreement: pull the gateway's state first, then push the local refs which
// the gateway is missing or has stale.
func (m *Mirror) resync(ctx context.Context, repo *repository.Repo) error {
	if err := m.MustFetch(ctx, repo); err != nil {
		return err
	}

	snap, err := repo.Snapshot(ctx)
	if err != nil {
		return err
	}
	var refs []string
	for _, line := range snap {
		if fields := strings.Fields(line); len(fields) == 2 {
			refs = append(refs, fields[1])
		}
	}
	if len(refs) == 0 {
		return nil
	}
	return m.Push(ctx, repo, refs, PushOptions{})
}
