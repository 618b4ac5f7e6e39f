package store

import (
	"github.com/lilacbuild/lilac/pkg/types"
)

// LoadBatchState reads the persisted {last_commit, failed} state, or a
// zero state when no batch has ever run.
func LoadBatchState(s Storage) (types.BatchState, error) {
	var state types.BatchState

	commit, err := s.LastCommit()
	if err != nil {
		return state, err
	}
	failed, err := s.FailedInfo()
	if err != nil {
		return state, err
	}
	if failed == nil {
		failed = types.FailedMap{}
	}

	state.LastCommit = commit
	state.Failed = failed
	return state, nil
}

// SaveBatchState writes the batch state back, dropping failure records
// for packages that recovered or left the managed set.
func SaveBatchState(s Storage, state types.BatchState) error {
	if err := s.SetLastCommit(state.LastCommit); err != nil {
		return err
	}

	existing, err := s.FailedInfo()
	if err != nil {
		return err
	}
	for pkg := range existing {
		if _, keep := state.Failed[pkg]; keep {
			continue
		}
		if err := s.DropFailed(pkg); err != nil {
			return err
		}
	}
	for pkg, entry := range state.Failed {
		if err := s.PutFailed(pkg, entry); err != nil {
			return err
		}
	}
	return nil
}
