package store

import "github.com/lilacbuild/lilac/pkg/types"

// Storage persists the orchestrator's between-batch state: the commit the
// last batch completed against, and one failure record per package so the
// next batch knows what to retry and what to leave alone.
type Storage interface {
	LastCommit() (string, error)
	SetLastCommit(commit string) error

	FailedInfo() (types.FailedMap, error)
	PutFailed(pkgbase string, entry types.FailedEntry) error
	DropFailed(pkgbase string) error

	Close() error
}
