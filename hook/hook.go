// Package hook models the boundary to the surrounding hook-dispatch
// framework. The mirror engines are invoked from these hooks and hand
// resulting ref changes back through the Notifier sink, the wiring is
// explicit delegation rather than any patching of the host framework.
package hook

import (
	"context"
	"log/slog"
)

// Environment variables crossing the hook process boundary.
const (
	// EnvActorID carries the authenticated actor's identity. It is
	// temporarily replaced with SystemActorID around fetch-driven
	// notifications so automated updates are attributed correctly.
	EnvActorID = "GL_ID"

	// EnvActorName carries the authenticated actor's user name, used for
	// the on-behalf-of component of gateway URLs.
	EnvActorName = "GL_USERNAME"

	// SystemActorID attributes ref changes produced by background fetches.
	SystemActorID = "system-mirror"
)

// Hooks is the fixed hook interface of the host dispatch framework.
type Hooks interface {
	// Update validates a single ref transition.
	Update(ctx context.Context, ref, oldSHA, newSHA string) error
	// PreReceive runs before any ref is applied, changes are
	// '<old> <new> <ref>' lines.
	PreReceive(ctx context.Context, changes string) error
	// PostReceive runs after refs are applied.
	PostReceive(ctx context.Context, changes string) error
}

// Notifier accepts a computed ref change set for downstream hook processing.
type Notifier interface {
	PostReceive(ctx context.Context, changes, repoPath, actor string) error
}

// LogNotifier is a Notifier which only logs the forwarded change set, used
// where no downstream processing is wired up.
type LogNotifier struct {
	Log *slog.Logger
}

func (n *LogNotifier) PostReceive(ctx context.Context, changes, repoPath, actor string) error {
	n.Log.Info("forwarding ref changes", "repo", repoPath, "actor", actor, "changes", changes)
	return nil
}
