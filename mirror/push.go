package mirror

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/swarmgate/swarm-mirror/hook"
	"github.com/swarmgate/swarm-mirror/lock"
	"github.com/swarmgate/swarm-mirror/repository"
	"github.com/swarmgate/swarm-mirror/swarmurl"
)

// pushIDRgx extracts the token identifying an in-flight remote-side push.
// Its absence from push output means the remote completed synchronously.
var pushIDRgx = regexp.MustCompile(`Commencing push (\d+) processing`)

// ResolveRefsFunc is invoked inside the write-lock, its return value
// replaces the refs being pushed.
type ResolveRefsFunc func(ctx context.Context, repo *repository.Repo, refs []string) ([]string, error)

// PushOptions control one push attempt.
type PushOptions struct {
	// ReceivePack marks a push running inside a receive operation. The
	// write-lock is then acquired through the lock socket published by
	// the receive wrapper and, on success, stays held for the wrapper's
	// post-receive to release.
	ReceivePack bool

	// ResolveRefs, if set, resolves the final refs under the write-lock.
	ResolveRefs ResolveRefsFunc

	// OnOutput receives filtered remote output lines for streaming back
	// to the pushing client.
	OnOutput func(line string)
}

// Push mirrors the given refspecs to the repository's mirror gateway and
// waits until the remote confirms durable completion. Refs not matching the
// repository's active-ref patterns are skipped; with no patterns readable
// everything requested is allowed. A push with nothing to mirror performs no
// locking and no remote calls.
func (m *Mirror) Push(ctx context.Context, repo *repository.Repo, refs []string, opts PushOptions) error {
	mirrored, err := repo.Mirrored(ctx)
	if err != nil {
		return err
	}

	// validate locking state up front, fail closed on missing setup
	sockPath, err := validateLockSocket(opts, mirrored)
	if err != nil {
		return err
	}

	if !mirrored {
		refs = nil
	} else if patterns, ok := repo.ActiveRefPatterns(); ok {
		refs = matchActiveRefs(refs, patterns)
	}

	if len(refs) == 0 {
		// callback is still invoked for its side effects
		if opts.ResolveRefs != nil {
			if _, err := opts.ResolveRefs(ctx, repo, refs); err != nil {
				m.log.Error("refs resolver failed on empty push", "repo", repo.Dir(), "err", err)
			}
		}
		return nil
	}

	d := NewDurations()

	d.Start("lock")
	if opts.ReceivePack {
		err = lock.RequestLock(sockPath)
	} else {
		err = m.coord.Lock(repo.Dir(), lock.Write)
	}
	d.Stop("lock")

	var out string
	if err == nil {
		out, err = m.pushLocked(ctx, repo, refs, opts, d)
	}

	if opts.ReceivePack {
		if err != nil {
			// courtesy unlock so the wrapper is not left holding a
			// lock for a failed operation
			if uerr := lock.RequestUnlock(sockPath); uerr != nil {
				m.log.Error("best-effort unlock failed", "repo", repo.Dir(), "err", uerr)
			}
		}
		// on success the lock stays held until post-receive releases it
	} else {
		if uerr := m.coord.Unlock(repo.Dir(), lock.Write); uerr != nil {
			m.log.Error("unable to release write lock", "repo", repo.Dir(), "err", uerr)
		}
	}

	recordPush(repo.Dir(), err == nil)
	observePhases(repo.Dir(), d)

	if err != nil {
		m.log.Error("mirror push failed", "repo", repo.Dir(), "refs", refs, "durations", d.String(), "err", err)
		return err
	}
	m.log.Info("mirror push complete", "repo", repo.Dir(), "refs", refs, "durations", d.String(), "output", collapseOutput(out))
	return nil
}

// validateLockSocket checks the published lock-socket reference for
// receive-pack pushes. An unmirrored repository tolerates only the explicit
// no-socket sentinel so "no mirror" stays distinguishable from a
// misconfigured lock.
func validateLockSocket(opts PushOptions, mirrored bool) (string, error) {
	if !opts.ReceivePack {
		return "", nil
	}

	v := os.Getenv(lock.EnvLockSocket)
	switch {
	case v == "":
		return "", configErrorf("%s is not set for a receive-pack push", lock.EnvLockSocket)
	case v == lock.NoSocketSentinel:
		if mirrored {
			return "", configErrorf("repository is mirrored but no lock socket was published")
		}
	case !lock.IsSocket(v):
		return "", configErrorf("'%s' is not a lock socket", v)
	default:
		if !mirrored {
			return "", configErrorf("lock socket published for an unmirrored repository")
		}
	}
	return v, nil
}

// pushLocked runs the remote half of a push while the write-lock is held.
// It returns the collected remote output for the summary log entry.
func (m *Mirror) pushLocked(ctx context.Context, repo *repository.Repo, refs []string, opts PushOptions, d *Durations) (string, error) {
	if opts.ResolveRefs != nil {
		resolved, err := opts.ResolveRefs(ctx, repo, refs)
		if err != nil {
			return "", err
		}
		if patterns, ok := repo.ActiveRefPatterns(); ok {
			resolved = matchActiveRefs(resolved, patterns)
		}
		if len(resolved) == 0 {
			return "", nil
		}
		refs = resolved
	}

	u, err := m.rewriteForUser(ctx, repo)
	if err != nil {
		return "", err
	}

	filter := newOutputFilter(opts.OnOutput)

	d.Start("push")
	args := append([]string{"push", repository.MirrorRemote}, refs...)
	out, status, err := m.run.Run(ctx, repo.Dir(), nil, filter.line, args...)
	d.Stop("push")
	if err != nil {
		return out, err
	}
	if status != 0 {
		return out, &RemoteError{Op: "push", Output: out}
	}

	match := pushIDRgx.FindStringSubmatch(out)
	if match == nil {
		// the remote completed synchronously
		return out, nil
	}

	d.Start("wait")
	waitOut, err := m.waitForPush(ctx, u, match[1], filter)
	d.Stop("wait")

	return out + "\n" + waitOut, err
}

// rewriteForUser updates the stored mirror remote URL's on-behalf-of
// component: the acting user when the resolved endpoint enforces
// permissions, cleared otherwise.
func (m *Mirror) rewriteForUser(ctx context.Context, repo *repository.Repo) (*swarmurl.URL, error) {
	raw, err := repo.MirrorURL(ctx)
	if err != nil {
		return nil, err
	}
	u, err := swarmurl.Parse(raw)
	if err != nil {
		return nil, err
	}
	// the rewritten URL goes back into git config, credentials must survive
	u.StripPassword(false)

	ep, err := m.conf.Resolve(u.Hostname())
	if err != nil {
		return nil, err
	}

	if ep.EnforcePermissions {
		actor := os.Getenv(hook.EnvActorName)
		if actor == "" {
			return nil, configErrorf("endpoint '%s' enforces permissions but %s is not set", u.Hostname(), hook.EnvActorName)
		}
		u.SetForUser(actor)
	} else {
		u.ClearForUser()
	}

	rewritten, err := u.Serialize()
	if err != nil {
		return nil, err
	}
	if rewritten != raw {
		if err := repo.SetMirrorURL(ctx, rewritten); err != nil {
			return nil, err
		}
	}
	return u, nil
}

// waitForPush polls the gateway until it confirms that the identified push
// is durably complete. The poll is a clone against a synthetic wait URL, the
// gateway's only completion side-channel: each clone is short-lived while
// the operation persists server-side between polls.
func (m *Mirror) waitForPush(ctx context.Context, u *swarmurl.URL, pushID string, filter *outputFilter) (string, error) {
	wu := *u
	if err := wu.SetCommand(swarmurl.CmdWait); err != nil {
		return "", err
	}
	wu.SetExtra(pushID)
	wu.ClearForUser()
	waitURL, err := wu.Serialize()
	if err != nil {
		return "", configErrorf("unable to build wait url: %s", err)
	}

	completed := regexp.MustCompile(`Push ` + regexp.QuoteMeta(pushID) + ` completed successfully`)
	waiting := regexp.MustCompile(`Waiting for push ` + regexp.QuoteMeta(pushID))

	var all strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return all.String(), err
		}

		out, err := m.cloneRPC(ctx, waitURL, filter)
		all.WriteString(out)
		all.WriteString("\n")
		if err != nil {
			return all.String(), err
		}

		switch {
		case completed.MatchString(out):
			return all.String(), nil
		case waiting.MatchString(out):
			// expected in-progress signal, poll again
		default:
			return all.String(), &RemoteError{Op: "push wait", Output: filterCloneOutput(out)}
		}
	}
}

// cloneRPC performs one clone-as-RPC call against the given synthetic URL
// and returns its textual output. The clone's exit status is irrelevant,
// only the pattern-matched output carries meaning.
func (m *Mirror) cloneRPC(ctx context.Context, url string, filter *outputFilter) (string, error) {
	tmp, err := os.MkdirTemp("", "swarm-mirror-rpc-")
	if err != nil {
		return "", fmt.Errorf("unable to create rpc clone dir err:%w", err)
	}
	defer os.RemoveAll(tmp)

	out, _, err := m.run.Run(ctx, "", nil, filter.line, "clone", url, tmp)
	return out, err
}
