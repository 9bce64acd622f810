package repository

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Per-repository mirror state files, kept next to the lock files inside the
// bare repository directory.
const (
	ActiveRefsFile    = "mirror_refs.active"
	LastFetchFile     = "mirror_fetch.last"
	FetchErrorFile    = "mirror_fetch.error"
	ReenableErrorFile = "mirror_reenable.error"
)

const stateFileMode = os.FileMode(0644)

func (r *Repo) stateFile(name string) string {
	return filepath.Join(r.dir, name)
}

// ActiveRefPatterns reads the externally maintained glob patterns of refs
// which participate in mirroring, one per line. An absent or unreadable file
// is not an error, ok reports whether the file could be read at all and
// callers apply their own fallback.
func (r *Repo) ActiveRefPatterns() (patterns []string, ok bool) {
	data, err := os.ReadFile(r.stateFile(ActiveRefsFile))
	if err != nil {
		return nil, false
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns, true
}

// WriteLastFetch records the fetch attempt timestamp as decimal unix seconds.
func (r *Repo) WriteLastFetch(t time.Time) error {
	return os.WriteFile(r.stateFile(LastFetchFile), []byte(strconv.FormatInt(t.Unix(), 10)), stateFileMode)
}

// LastFetch returns the recorded fetch attempt timestamp. ok is false when
// the timestamp is unknown (missing or unreadable file).
func (r *Repo) LastFetch() (time.Time, bool) {
	data, err := os.ReadFile(r.stateFile(LastFetchFile))
	if err != nil {
		return time.Time{}, false
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(secs, 0), true
}

// WriteFetchError persists the last fetch error text, overwriting any
// previous one.
func (r *Repo) WriteFetchError(text string) error {
	return os.WriteFile(r.stateFile(FetchErrorFile), []byte(text), stateFileMode)
}

// FetchError returns the persisted fetch error text, ok is false when no
// error is recorded.
func (r *Repo) FetchError() (string, bool) {
	return r.readError(FetchErrorFile)
}

// ClearFetchError removes the persisted fetch error marker.
func (r *Repo) ClearFetchError() error {
	return r.clearError(FetchErrorFile)
}

// WriteReenableError persists the last reenable error text.
func (r *Repo) WriteReenableError(text string) error {
	return os.WriteFile(r.stateFile(ReenableErrorFile), []byte(text), stateFileMode)
}

// ReenableError returns the persisted reenable error text.
func (r *Repo) ReenableError() (string, bool) {
	return r.readError(ReenableErrorFile)
}

// ClearReenableError removes the persisted reenable error marker.
func (r *Repo) ClearReenableError() error {
	return r.clearError(ReenableErrorFile)
}

func (r *Repo) readError(name string) (string, bool) {
	data, err := os.ReadFile(r.stateFile(name))
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}

func (r *Repo) clearError(name string) error {
	err := os.Remove(r.stateFile(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
