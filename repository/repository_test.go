package repository

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/swarmgate/swarm-mirror/refdiff"
)

// fakeRunner records git invocations and replies from a canned table keyed
// by the leading git subcommand arguments.
type fakeRunner struct {
	calls   [][]string
	respond func(args []string) (string, int)
}

func (f *fakeRunner) Run(ctx context.Context, dir string, envs []string, onLine func(string), args ...string) (string, int, error) {
	f.calls = append(f.calls, args)
	out, status := f.respond(args)
	if onLine != nil {
		for _, l := range strings.Split(out, "\n") {
			if l != "" {
				onLine(l)
			}
		}
	}
	return out, status, nil
}

func newTestRepo(t *testing.T, respond func(args []string) (string, int)) (*Repo, *fakeRunner) {
	t.Helper()
	run := &fakeRunner{respond: respond}
	repo, err := New(t.TempDir(), run, nil)
	if err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	return repo, run
}

func TestMirrorURLCached(t *testing.T) {
	repo, run := newTestRepo(t, func(args []string) (string, int) {
		return "ssh://host/myrepo", 0
	})

	url, err := repo.MirrorURL(t.Context())
	if err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	if url != "ssh://host/myrepo" {
		t.Errorf("MirrorURL() = %q", url)
	}

	// second read is served from the handle cache
	if _, err := repo.MirrorURL(t.Context()); err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	if len(run.calls) != 1 {
		t.Errorf("git called %d times, want 1", len(run.calls))
	}

	if mirrored, _ := repo.Mirrored(t.Context()); !mirrored {
		t.Errorf("Mirrored() = false, want true")
	}
}

func TestMirrorURLUnset(t *testing.T) {
	repo, _ := newTestRepo(t, func(args []string) (string, int) {
		// git config --get exits 1 when the key is not set
		return "", 1
	})

	url, err := repo.MirrorURL(t.Context())
	if err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	if url != "" {
		t.Errorf("MirrorURL() = %q, want empty", url)
	}
	if mirrored, _ := repo.Mirrored(t.Context()); mirrored {
		t.Errorf("Mirrored() = true, want false")
	}
}

func TestSetMirrorURLWritesThrough(t *testing.T) {
	repo, run := newTestRepo(t, func(args []string) (string, int) {
		return "", 0
	})

	if err := repo.SetMirrorURL(t.Context(), "ssh://host/other"); err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	wantArgs := []string{"config", "--local", "remote.mirror.url", "ssh://host/other"}
	if diff := cmp.Diff(wantArgs, run.calls[0]); diff != "" {
		t.Errorf("git args mismatch (-want +got):\n%s", diff)
	}

	// cache was updated by the write
	url, err := repo.MirrorURL(t.Context())
	if err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	if url != "ssh://host/other" {
		t.Errorf("MirrorURL() = %q", url)
	}
	if len(run.calls) != 1 {
		t.Errorf("git called %d times, want 1", len(run.calls))
	}
}

func TestClearMirrorURL(t *testing.T) {
	for _, status := range []int{0, 5} {
		repo, _ := newTestRepo(t, func(args []string) (string, int) {
			return "", status
		})
		if err := repo.ClearMirrorURL(t.Context()); err != nil {
			t.Fatalf("status %d: unexpected err:%s", status, err)
		}
		if mirrored, _ := repo.Mirrored(t.Context()); mirrored {
			t.Errorf("Mirrored() after clear = true, want false")
		}
	}
}

func TestSnapshot(t *testing.T) {
	sha := strings.Repeat("a", 40)
	repo, _ := newTestRepo(t, func(args []string) (string, int) {
		return sha + " refs/heads/master\n" + sha + " refs/tags/v1", 0
	})

	got, err := repo.Snapshot(t.Context())
	if err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	want := refdiff.Snapshot{sha + " refs/heads/master", sha + " refs/tags/v1"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Snapshot() mismatch (-want +got):\n%s", diff)
	}
}

func TestSnapshotEmptyRepo(t *testing.T) {
	repo, _ := newTestRepo(t, func(args []string) (string, int) {
		// show-ref exits 1 for a repository without refs
		return "", 1
	})

	got, err := repo.Snapshot(t.Context())
	if err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	if len(got) != 0 {
		t.Errorf("Snapshot() = %v, want empty", got)
	}
}

func TestActiveRefPatterns(t *testing.T) {
	repo, _ := newTestRepo(t, nil)

	if pats, ok := repo.ActiveRefPatterns(); ok || pats != nil {
		t.Errorf("ActiveRefPatterns() with no file = %v, %v, want nil, false", pats, ok)
	}

	writeStateFile(t, repo, ActiveRefsFile, "refs/heads/master\n\n  feature/*  \n")

	pats, ok := repo.ActiveRefPatterns()
	if !ok {
		t.Fatal("ActiveRefPatterns() ok = false, want true")
	}
	want := []string{"refs/heads/master", "feature/*"}
	if diff := cmp.Diff(want, pats); diff != "" {
		t.Errorf("ActiveRefPatterns() mismatch (-want +got):\n%s", diff)
	}
}

func TestLastFetch(t *testing.T) {
	repo, _ := newTestRepo(t, nil)

	if _, ok := repo.LastFetch(); ok {
		t.Error("LastFetch() ok = true for missing file")
	}

	now := time.Now().Truncate(time.Second)
	if err := repo.WriteLastFetch(now); err != nil {
		t.Fatalf("unexpected err:%s", err)
	}

	got, ok := repo.LastFetch()
	if !ok {
		t.Fatal("LastFetch() ok = false")
	}
	if !got.Equal(now) {
		t.Errorf("LastFetch() = %v, want %v", got, now)
	}

	writeStateFile(t, repo, LastFetchFile, "not-a-timestamp")
	if _, ok := repo.LastFetch(); ok {
		t.Error("LastFetch() ok = true for malformed file")
	}
}

func TestErrorMarkers(t *testing.T) {
	repo, _ := newTestRepo(t, nil)

	if _, ok := repo.FetchError(); ok {
		t.Error("FetchError() ok = true with no marker")
	}

	if err := repo.WriteFetchError("remote said no\n"); err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	msg, ok := repo.FetchError()
	if !ok || msg != "remote said no" {
		t.Errorf("FetchError() = %q, %v", msg, ok)
	}

	if err := repo.ClearFetchError(); err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	if _, ok := repo.FetchError(); ok {
		t.Error("FetchError() ok = true after clear")
	}
	// clearing twice is fine
	if err := repo.ClearFetchError(); err != nil {
		t.Fatalf("unexpected err:%s", err)
	}

	if err := repo.WriteReenableError("p4 trigger rejected"); err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	if msg, ok := repo.ReenableError(); !ok || msg != "p4 trigger rejected" {
		t.Errorf("ReenableError() = %q, %v", msg, ok)
	}
	if err := repo.ClearReenableError(); err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
}

func writeStateFile(t *testing.T, repo *Repo, name, content string) {
	t.Helper()
	if err := os.WriteFile(repo.stateFile(name), []byte(content), 0644); err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
}
