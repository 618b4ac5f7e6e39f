package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lilacbuild/lilac/pkg/types"
)

type memStorage struct {
	commit string
	failed types.FailedMap
}

func newMemStorage() *memStorage {
	return &memStorage{failed: types.FailedMap{}}
}

func (m *memStorage) LastCommit() (string, error)  { return m.commit, nil }
func (m *memStorage) SetLastCommit(c string) error { m.commit = c; return nil }
func (m *memStorage) FailedInfo() (types.FailedMap, error) {
	out := types.FailedMap{}
	for pkg, entry := range m.failed {
		out[pkg] = entry
	}
	return out, nil
}
func (m *memStorage) PutFailed(pkg string, entry types.FailedEntry) error {
	m.failed[pkg] = entry
	return nil
}
func (m *memStorage) DropFailed(pkg string) error {
	delete(m.failed, pkg)
	return nil
}
func (m *memStorage) Close() error { return nil }

func TestBatchStateRoundTrip(t *testing.T) {
	s := newMemStorage()

	state := types.BatchState{
		LastCommit: "0ee5b487dca9d6a2476beeb93e9a75d2b5751953",
		Failed: types.FailedMap{
			"foo": {Missing: []string{"libbar"}},
			"baz": {},
		},
	}
	require.NoError(t, SaveBatchState(s, state))

	got, err := LoadBatchState(s)
	require.NoError(t, err)
	require.Equal(t, state.LastCommit, got.LastCommit)
	require.Equal(t, []string{"libbar"}, got.Failed["foo"].Missing)
	require.Contains(t, got.Failed, "baz")
}

func TestSaveBatchStateDropsRecovered(t *testing.T) {
	s := newMemStorage()

	require.NoError(t, SaveBatchState(s, types.BatchState{
		LastCommit: "aaaa",
		Failed:     types.FailedMap{"foo": {}, "bar": {}},
	}))
	require.NoError(t, SaveBatchState(s, types.BatchState{
		LastCommit: "bbbb",
		Failed:     types.FailedMap{"bar": {}},
	}))

	got, err := LoadBatchState(s)
	require.NoError(t, err)
	require.NotContains(t, got.Failed, "foo", "recovered packages lose their record")
	require.Contains(t, got.Failed, "bar")
}

func TestLoadBatchStateEmptyStore(t *testing.T) {
	s := newMemStorage()

	got, err := LoadBatchState(s)
	require.NoError(t, err)
	require.Empty(t, got.LastCommit)
	require.NotNil(t, got.Failed, "failed map is always usable")
}
