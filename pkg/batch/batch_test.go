package batch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/lilacbuild/lilac/pkg/assign"
	"github.com/lilacbuild/lilac/pkg/config"
	"github.com/lilacbuild/lilac/pkg/store"
	"github.com/lilacbuild/lilac/pkg/types"
)

type memStore struct {
	mu     sync.Mutex
	commit string
	failed types.FailedMap
}

func newMemStore() *memStore { return &memStore{failed: types.FailedMap{}} }

func (m *memStore) LastCommit() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commit, nil
}

func (m *memStore) SetLastCommit(c string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commit = c
	return nil
}

func (m *memStore) FailedInfo() (types.FailedMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := types.FailedMap{}
	for pkg, entry := range m.failed {
		out[pkg] = entry
	}
	return out, nil
}

func (m *memStore) PutFailed(pkg string, entry types.FailedEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[pkg] = entry
	return nil
}

func (m *memStore) DropFailed(pkg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failed, pkg)
	return nil
}

func (m *memStore) Close() error { return nil }

type fakeRepo struct {
	branch string
	head   string
}

func (f *fakeRepo) At() (string, error)            { return f.head, nil }
func (f *fakeRepo) CurrentBranch() (string, error) { return f.branch, nil }
func (f *fakeRepo) ResetHard() error               { return nil }
func (f *fakeRepo) Pull() error                    { return nil }
func (f *fakeRepo) Push() error                    { return nil }
func (f *fakeRepo) DiffPkgs(pkgdir, oldCommit, newCommit string) ([]string, error) {
	return nil, nil
}
func (f *fakeRepo) PkgrelChanged(oldCommit, newCommit, pkgdir, pkgbase string) (bool, error) {
	return false, nil
}
func (f *fakeRepo) RecipeChanged(oldCommit, newCommit, pkgdir, pkgbase string) (bool, error) {
	return false, nil
}

type fakeChecker struct {
	results map[string]types.NvResult
	taken   []string
}

func (f *fakeChecker) LoadIndex(path string) error { return nil }
func (f *fakeChecker) Results(pkgs []string) map[string]types.NvResult {
	out := make(map[string]types.NvResult)
	for _, pkg := range pkgs {
		if r, ok := f.results[pkg]; ok {
			out[pkg] = r
		}
	}
	return out
}
func (f *fakeChecker) Unknown(pkgs []string) map[string]struct{} { return nil }
func (f *fakeChecker) CurrentVersion(pkg string) (string, bool) {
	r, ok := f.results[pkg]
	if !ok || len(r.Sources) == 0 {
		return "", false
	}
	return r.Sources[0].New, true
}
func (f *fakeChecker) Take(pkgs []string) error {
	f.taken = append(f.taken, pkgs...)
	return nil
}

type nullReporter struct{}

func (nullReporter) ReportNonexistentDeps(string, []string)          {}
func (nullReporter) ReportUpdateOnBuildError(string, error)          {}
func (nullReporter) ReportBuildFailureDeps(string, []string, bool)   {}
func (nullReporter) ReportBuildFailureGeneric(string, error, string) {}
func (nullReporter) ReportOrchestratorError(error)                   {}

type orderWorker struct {
	mu    sync.Mutex
	order []string
}

func (w *orderWorker) Build(ctx context.Context, workerID int, pkg types.PkgToBuild) (types.BuildResult, error) {
	w.mu.Lock()
	w.order = append(w.order, pkg.Pkgbase)
	w.mu.Unlock()
	return types.BuildResult{Kind: types.Successful}, nil
}

func writePkg(t *testing.T, repodir, pkgbase, info string) {
	t.Helper()
	dir := filepath.Join(repodir, "pkgs", pkgbase)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lilacinfo.hcl"), []byte(info), 0644))
}

func newTestController(t *testing.T, checker *fakeChecker, w *orderWorker) (*Controller, *memStore, string) {
	t.Helper()
	repodir := t.TempDir()

	cfg := config.NewConfig()
	cfg.Repository.RepoDir = repodir
	cfg.Repository.DestDir = t.TempDir()
	cfg.Orchestrator.MaxConcurrency = 2

	st := newMemStore()
	repo := &fakeRepo{branch: "master", head: "deadbeef"}

	c := New(hclog.NewNullLogger(), cfg, repo, st, nil, checker, nullReporter{}, w, nil)
	c.Resolve = func(string) bool { return false }
	return c, st, repodir
}

func TestLinearChainBuildsInDependencyOrder(t *testing.T) {
	checker := &fakeChecker{results: map[string]types.NvResult{
		"a": {Pkgbase: "a", Sources: []types.VersionChange{{Source: "github", Old: "1.0", New: "1.1"}}},
		"b": {Pkgbase: "b", Sources: []types.VersionChange{{Source: "github", Old: "2.0", New: "2.0"}}},
		"c": {Pkgbase: "c", Sources: []types.VersionChange{{Source: "github", Old: "3.0", New: "3.0"}}},
	}}
	w := &orderWorker{}
	c, st, repodir := newTestController(t, checker, w)

	writePkg(t, repodir, "a", "")
	writePkg(t, repodir, "b", "depends = [\"a\"]\n")
	writePkg(t, repodir, "c", "depends = [\"b\"]\n")

	// c is requested; its unresolved deps b then a are pulled in and must
	// finish first.
	require.NoError(t, c.Run(context.Background(), []assign.CmdlineTarget{{Pkgbase: "c"}}))

	require.Equal(t, []string{"a", "b", "c"}, w.order)

	state, err := store.LoadBatchState(st)
	require.NoError(t, err)
	require.Equal(t, "deadbeef", state.LastCommit)
	require.Empty(t, state.Failed)

	require.Equal(t, []string{"a"}, checker.taken, "only the NvChecker-reasoned package is acknowledged")
}

func TestEmptyBatchMakesNoSubmissions(t *testing.T) {
	checker := &fakeChecker{results: map[string]types.NvResult{
		"a": {Pkgbase: "a", Sources: []types.VersionChange{{Source: "github", Old: "1.0", New: "1.0"}}},
	}}
	w := &orderWorker{}
	c, st, repodir := newTestController(t, checker, w)

	writePkg(t, repodir, "a", "")

	require.NoError(t, c.Run(context.Background(), nil))
	require.Empty(t, w.order)

	state, err := store.LoadBatchState(st)
	require.NoError(t, err)
	require.Empty(t, state.Failed)
}

func TestRejectsWrongBranch(t *testing.T) {
	checker := &fakeChecker{}
	w := &orderWorker{}
	c, _, _ := newTestController(t, checker, w)
	c.repo = &fakeRepo{branch: "feature/foo", head: "deadbeef"}

	require.Error(t, c.Run(context.Background(), nil))
}

type missingDepsWorker struct{}

func (missingDepsWorker) Build(ctx context.Context, workerID int, pkg types.PkgToBuild) (types.BuildResult, error) {
	return types.BuildResult{
		Kind: types.Failed,
		Err:  &types.MissingDependencies{Deps: []string{"libunobtainium"}},
	}, nil
}

func TestFailureRecordsMissingDeps(t *testing.T) {
	checker := &fakeChecker{results: map[string]types.NvResult{
		"a": {Pkgbase: "a", Sources: []types.VersionChange{{Source: "github", Old: "1", New: "2"}}},
	}}
	w := &orderWorker{}
	c, st, repodir := newTestController(t, checker, w)
	c.w = missingDepsWorker{}

	writePkg(t, repodir, "a", "")

	require.NoError(t, c.Run(context.Background(), nil))

	state, err := store.LoadBatchState(st)
	require.NoError(t, err)
	require.Equal(t, []string{"libunobtainium"}, state.Failed["a"].Missing)
	require.Equal(t, []string{"a"}, checker.taken, "failed NvChecker attempts are still acknowledged")
}

func TestCmdlineTargetOnly(t *testing.T) {
	checker := &fakeChecker{results: map[string]types.NvResult{
		"a": {Pkgbase: "a", Sources: []types.VersionChange{{Source: "github", Old: "1", New: "1"}}},
	}}
	w := &orderWorker{}
	c, _, repodir := newTestController(t, checker, w)

	writePkg(t, repodir, "a", "")
	writePkg(t, repodir, "b", "")

	require.NoError(t, c.Run(context.Background(), []assign.CmdlineTarget{{Pkgbase: "a"}}))
	require.Equal(t, []string{"a"}, w.order)
}
