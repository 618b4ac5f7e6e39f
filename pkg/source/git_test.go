package source

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

func commitFile(t *testing.T, repo *git.Repository, dir, relpath, content string) string {
	t.Helper()
	full := filepath.Join(dir, relpath)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0644))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(relpath)
	require.NoError(t, err)
	hash, err := wt.Commit("update "+relpath, &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.org", When: time.Now()},
	})
	require.NoError(t, err)
	return hash.String()
}

func newTestRepo(t *testing.T) (*RepoMngr, *git.Repository, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	mngr := New(hclog.NewNullLogger())
	mngr.Path = dir
	return mngr, repo, dir
}

func TestDiffPkgs(t *testing.T) {
	mngr, repo, dir := newTestRepo(t)

	first := commitFile(t, repo, dir, "pkgs/foo/PKGBUILD", "pkgver=1.0\npkgrel=1\n")
	commitFile(t, repo, dir, "pkgs/bar/PKGBUILD", "pkgver=2.0\npkgrel=1\n")
	second := commitFile(t, repo, dir, "README.md", "docs only\n")

	require.NoError(t, mngr.Bootstrap())

	pkgs, err := mngr.DiffPkgs("pkgs", first, second)
	require.NoError(t, err)
	require.Equal(t, []string{"bar"}, pkgs, "README change is outside pkgdir")
}

func TestDiffPkgsSameCommit(t *testing.T) {
	mngr, repo, dir := newTestRepo(t)
	c := commitFile(t, repo, dir, "pkgs/foo/PKGBUILD", "pkgrel=1\n")
	require.NoError(t, mngr.Bootstrap())

	pkgs, err := mngr.DiffPkgs("pkgs", c, c)
	require.NoError(t, err)
	require.Empty(t, pkgs)
}

func TestPkgrelChanged(t *testing.T) {
	mngr, repo, dir := newTestRepo(t)

	first := commitFile(t, repo, dir, "pkgs/foo/PKGBUILD", "pkgver=1.0\npkgrel=1\n")
	second := commitFile(t, repo, dir, "pkgs/foo/PKGBUILD", "pkgver=1.0\npkgrel=2\n")
	require.NoError(t, mngr.Bootstrap())

	changed, err := mngr.PkgrelChanged(first, second, "pkgs", "foo")
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = mngr.PkgrelChanged(first, first, "pkgs", "foo")
	require.NoError(t, err)
	require.False(t, changed)
}

func TestRecipeChangedContentOnly(t *testing.T) {
	mngr, repo, dir := newTestRepo(t)

	first := commitFile(t, repo, dir, "pkgs/foo/PKGBUILD", "pkgver=1.0\npkgrel=1\n")
	second := commitFile(t, repo, dir, "pkgs/foo/PKGBUILD", "pkgver=1.1\npkgrel=1\n")
	require.NoError(t, mngr.Bootstrap())

	recipeChanged, err := mngr.RecipeChanged(first, second, "pkgs", "foo")
	require.NoError(t, err)
	require.True(t, recipeChanged)

	relChanged, err := mngr.PkgrelChanged(first, second, "pkgs", "foo")
	require.NoError(t, err)
	require.False(t, relChanged, "version moved but pkgrel did not")
}

func TestFileAtMissingIsNotError(t *testing.T) {
	mngr, repo, dir := newTestRepo(t)
	c := commitFile(t, repo, dir, "pkgs/foo/PKGBUILD", "pkgrel=1\n")
	require.NoError(t, mngr.Bootstrap())

	_, ok, err := mngr.FileAt(c, "pkgs/nothere/PKGBUILD")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCurrentBranch(t *testing.T) {
	mngr, repo, dir := newTestRepo(t)
	commitFile(t, repo, dir, "pkgs/foo/PKGBUILD", "pkgrel=1\n")
	require.NoError(t, mngr.Bootstrap())

	branch, err := mngr.CurrentBranch()
	require.NoError(t, err)
	require.Equal(t, "master", branch)
}

func TestParsePkgrel(t *testing.T) {
	rel, ok := parsePkgrel([]byte("pkgname=foo\npkgrel=3\n"))
	require.True(t, ok)
	require.Equal(t, "3", rel)

	_, ok = parsePkgrel([]byte("pkgname=foo\n"))
	require.False(t, ok)
}
