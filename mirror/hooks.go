package mirror

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/swarmgate/swarm-mirror/lock"
	"github.com/swarmgate/swarm-mirror/refdiff"
	"github.com/swarmgate/swarm-mirror/repository"
)

// ReceiveHooks adapts the push engine to the host framework's fixed hook
// interface. The mirror is written first: pre-receive pushes the incoming
// changes to the gateway and only returns once they are durable, so a local
// ref never advances past its mirrored counterpart. The write-lock taken for
// that push is held across the hook chain and released by post-receive.
type ReceiveHooks struct {
	Mirror *Mirror
	Repo   *repository.Repo

	// OnOutput streams filtered gateway output back to the pushing client.
	OnOutput func(line string)
}

// Update validates a single ref transition. Mirroring imposes no per-ref
// constraints beyond what pre-receive already enforced.
func (h *ReceiveHooks) Update(ctx context.Context, ref, oldSHA, newSHA string) error {
	return nil
}

// PreReceive pushes the incoming changes to the mirror gateway before any
// local ref is applied. Changes are '<old> <new> <ref>' lines.
func (h *ReceiveHooks) PreReceive(ctx context.Context, changes string) error {
	refs, err := changeRefspecs(changes)
	if err != nil {
		return err
	}
	return h.Mirror.Push(ctx, h.Repo, refs, PushOptions{
		ReceivePack: true,
		OnOutput:    h.OnOutput,
	})
}

// PostReceive releases the write-lock the pre-receive push left held.
func (h *ReceiveHooks) PostReceive(ctx context.Context, changes string) error {
	sock := os.Getenv(lock.EnvLockSocket)
	if sock == "" || sock == lock.NoSocketSentinel {
		return nil
	}
	return lock.RequestUnlock(sock)
}

var changeSHARgx = regexp.MustCompile(`^[0-9a-f]{40}$`)

// changeRefspecs maps hook change lines onto push refspecs, deletions become
// ':<ref>' push specs.
func changeRefspecs(changes string) ([]string, error) {
	var refs []string
	for _, line := range splitLines(changes) {
		fields := strings.Fields(line)
		if len(fields) != 3 || !changeSHARgx.MatchString(fields[0]) || !changeSHARgx.MatchString(fields[1]) {
			return nil, fmt.Errorf("malformed change line '%s'", line)
		}
		newSHA, ref := fields[1], fields[2]
		if newSHA == refdiff.ZeroSHA {
			refs = append(refs, ":"+ref)
			continue
		}
		refs = append(refs, newSHA+":"+ref)
	}
	return refs, nil
}
