// Package repository is a thin handle over a local bare repository that is
// kept in sync with a mirror gateway. It exposes the repository's mirror
// remote configuration, ref snapshots and the per-repository mirror state
// files (active-ref patterns, last-fetch timestamp, error markers).
package repository
