package bc

import (
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/lilacbuild/lilac/pkg/types"
)

func newTestStore(t *testing.T) *bcStore {
	t.Helper()
	t.Setenv("LILAC_BITCASK_PATH", t.TempDir())

	s, err := newBCStore(hclog.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s.(*bcStore)
}

func TestRequiresPath(t *testing.T) {
	t.Setenv("LILAC_BITCASK_PATH", "")
	_, err := newBCStore(hclog.NewNullLogger())
	require.Error(t, err)
}

func TestLastCommitRoundTrip(t *testing.T) {
	s := newTestStore(t)

	commit, err := s.LastCommit()
	require.NoError(t, err)
	require.Empty(t, commit, "a fresh store has no commit")

	require.NoError(t, s.SetLastCommit("0ee5b487dca9d6a2476beeb93e9a75d2b5751953"))
	commit, err = s.LastCommit()
	require.NoError(t, err)
	require.Equal(t, "0ee5b487dca9d6a2476beeb93e9a75d2b5751953", commit)
}

func TestFailedRecords(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.PutFailed("foo", types.FailedEntry{Missing: []string{"libbar"}}))
	require.NoError(t, s.PutFailed("baz", types.FailedEntry{}))

	failed, err := s.FailedInfo()
	require.NoError(t, err)
	require.Len(t, failed, 2)
	require.Equal(t, []string{"libbar"}, failed["foo"].Missing)
	require.Empty(t, failed["baz"].Missing)

	require.NoError(t, s.DropFailed("foo"))
	failed, err = s.FailedInfo()
	require.NoError(t, err)
	require.NotContains(t, failed, "foo")
	require.Contains(t, failed, "baz")
}

func TestDropFailedMissingIsNotError(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.DropFailed("never-existed"))
}

func TestFailedRecordsDoNotLeakIntoCommit(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SetLastCommit("deadbeef"))
	require.NoError(t, s.PutFailed("foo", types.FailedEntry{}))

	failed, err := s.FailedInfo()
	require.NoError(t, err)
	require.Len(t, failed, 1, "the last_commit key must not scan as a failure record")
}
