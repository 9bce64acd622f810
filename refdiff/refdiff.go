// Package refdiff computes the change set between two snapshots of a
// repository's branch and tag tips. Snapshots are the newline-joined
// '<sha> <refname>' lines produced by git show-ref.
package refdiff

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ZeroSHA denotes a ref that did not exist on one side of a change.
const ZeroSHA = "0000000000000000000000000000000000000000"

var refLineRgx = regexp.MustCompile(`^([0-9a-f]{40}) (\S+)$`)

// Change is a single ref transition. Old or New being ZeroSHA marks the ref
// as absent before or after the change.
type Change struct {
	Old string
	New string
	Ref string
}

func (c Change) String() string {
	return fmt.Sprintf("%s %s %s", c.Old, c.New, c.Ref)
}

// ChangeSet maps refname to its transition for one diff computation.
type ChangeSet map[string]Change

// String serializes the change set as '<old> <new> <refname>' lines, one per
// changed ref. Order is unspecified but stable within one computation.
func (cs ChangeSet) String() string {
	lines := make([]string, 0, len(cs))
	for _, c := range cs {
		lines = append(lines, c.String())
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

// Snapshot is the set of '<sha> <refname>' lines of every branch/tag tip at
// one instant. An empty repository yields an empty, valid snapshot.
type Snapshot []string

// ParseSnapshot splits raw show-ref output into a snapshot, dropping blank
// lines. Malformed lines are rejected later by Diff.
func ParseSnapshot(out string) Snapshot {
	var s Snapshot
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		s = append(s, line)
	}
	return s
}

// Diff computes the minimal change set between two snapshots.
//
// Lines present in old but not in new become tentative deletes; lines present
// in new but not in old either upgrade a tentative delete of the same refname
// into an edit or become an add. The delete pass runs first so the captured
// old sha survives the upgrade.
func Diff(old, new Snapshot) (ChangeSet, error) {
	oldSet, err := lineSet(old)
	if err != nil {
		return nil, err
	}
	newSet, err := lineSet(new)
	if err != nil {
		return nil, err
	}

	changes := ChangeSet{}

	for _, line := range old {
		if newSet[line] {
			continue
		}
		sha, ref := splitLine(line)
		changes[ref] = Change{Old: sha, New: ZeroSHA, Ref: ref}
	}

	for _, line := range new {
		if oldSet[line] {
			continue
		}
		sha, ref := splitLine(line)
		if c, ok := changes[ref]; ok {
			c.New = sha
			changes[ref] = c
		} else {
			changes[ref] = Change{Old: ZeroSHA, New: sha, Ref: ref}
		}
	}

	return changes, nil
}

// lineSet validates every line against the fixed sha-plus-refname shape and
// returns them as a set for exact string matching.
func lineSet(s Snapshot) (map[string]bool, error) {
	set := make(map[string]bool, len(s))
	for _, line := range s {
		if !refLineRgx.MatchString(line) {
			return nil, fmt.Errorf("malformed ref line '%s'", line)
		}
		set[line] = true
	}
	return set, nil
}

func splitLine(line string) (sha, ref string) {
	m := refLineRgx.FindStringSubmatch(line)
	return m[1], m[2]
}
