package mirror

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/swarmgate/swarm-mirror/lock"
	"github.com/swarmgate/swarm-mirror/refdiff"
)

func TestChangeRefspecs(t *testing.T) {
	tests := []struct {
		name    string
		changes string
		want    []string
		wantErr bool
	}{
		{
			name:    "update_and_create",
			changes: shaA + " " + shaB + " refs/heads/main\n" + refdiff.ZeroSHA + " " + shaA + " refs/tags/v1\n",
			want:    []string{shaB + ":refs/heads/main", shaA + ":refs/tags/v1"},
		},
		{
			name:    "deletion",
			changes: shaA + " " + refdiff.ZeroSHA + " refs/heads/old\n",
			want:    []string{":refs/heads/old"},
		},
		{
			name:    "malformed_line",
			changes: "not a change\n",
			wantErr: true,
		},
		{
			name:    "three_fields_without_shas",
			changes: "old new refs/heads/main\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := changeRefspecs(tt.changes)
			if tt.wantErr {
				if err == nil {
					t.Fatal("changeRefspecs() err = nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected err:%s", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("changeRefspecs() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReceiveHooksPushThenUnlock(t *testing.T) {
	m, repo, run, _ := newTestMirror(t, &Endpoint{}, respondMirrored("ssh://gw.example/myrepo"))

	serverCoord := lock.NewCoordinator(nil)
	srv, err := serverCoord.Serve(repo.Dir())
	if err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	defer srv.Close()
	t.Setenv(lock.EnvLockSocket, srv.Path())

	h := &ReceiveHooks{Mirror: m, Repo: repo}
	changes := shaA + " " + shaB + " refs/heads/main\n"

	if err := h.PreReceive(t.Context(), changes); err != nil {
		t.Fatalf("unexpected err:%s", err)
	}

	want := []string{"push", "mirror", shaB + ":refs/heads/main"}
	if diff := cmp.Diff(want, run.lastCall("push")); diff != "" {
		t.Errorf("push args mismatch (-want +got):\n%s", diff)
	}

	// the mirror-first lock is held until post-receive runs
	locked, err := m.Pushing(repo)
	if err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	if !locked {
		t.Error("write lock released before post-receive")
	}

	if err := h.PostReceive(t.Context(), changes); err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	locked, err = m.Pushing(repo)
	if err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	if locked {
		t.Error("write lock still held after post-receive")
	}
}

func TestReceiveHooksUnlockAfterFilteredPush(t *testing.T) {
	m, repo, run, _ := newTestMirror(t, &Endpoint{}, respondMirrored("ssh://gw.example/myrepo"))
	writeActiveRefs(t, repo, "release-*")

	serverCoord := lock.NewCoordinator(nil)
	srv, err := serverCoord.Serve(repo.Dir())
	if err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	defer srv.Close()
	t.Setenv(lock.EnvLockSocket, srv.Path())

	h := &ReceiveHooks{Mirror: m, Repo: repo}
	changes := shaA + " " + shaB + " refs/heads/main\n"

	// nothing matches the active patterns, the push mirrors nothing and
	// never takes the write-lock
	if err := h.PreReceive(t.Context(), changes); err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	if n := run.countCalls("push"); n != 0 {
		t.Errorf("push invoked %d times for filtered-out refs", n)
	}

	// post-receive still sends UNLOCK, the release must succeed anyway
	if err := h.PostReceive(t.Context(), changes); err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
}

func TestReceiveHooksPostReceiveWithoutSocket(t *testing.T) {
	m, repo, _, _ := newTestMirror(t, &Endpoint{}, func(args []string) (string, int) {
		return "", 1
	})
	t.Setenv(lock.EnvLockSocket, lock.NoSocketSentinel)

	h := &ReceiveHooks{Mirror: m, Repo: repo}
	if err := h.PostReceive(t.Context(), ""); err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
}
