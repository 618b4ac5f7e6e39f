package source

import (
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"

	git "github.com/go-git/go-git/v5"
	gitPlumbing "github.com/go-git/go-git/v5/plumbing"
	"github.com/hashicorp/go-hclog"
)

// New creates a new instance of RepoMngr
func New(l hclog.Logger) *RepoMngr {
	x := RepoMngr{
		l:  l.Named("git"),
		Mu: new(sync.Mutex),
	}
	return &x
}

// Create a git repository at Path from URL.  With no URL set an existing
// checkout at Path is opened instead.
func (r *RepoMngr) Bootstrap() error {
	var err error
	if r.Path == "" {
		r.l.Warn("Error in repo manager, path must be set to bootstrap")
	}
	r.Mu.Lock()
	defer r.Mu.Unlock()
	if r.Url == "" {
		r.l.Debug("Opening existing repository", "path", r.Path)
		r.repo, err = git.PlainOpen(r.Path)
		return err
	}
	r.l.Debug("Cloning repository", "path", r.Path, "url", r.Url)
	// Don't do a shallow clone (Depth: BIG)
	r.repo, err = git.PlainClone(r.Path, false,
		&git.CloneOptions{URL: r.Url, Depth: 99999999})
	if err != nil {
		r.l.Trace("Error running PlainClone")
		return err
	}
	return nil
}

// Get the current HEAD hash
func (r *RepoMngr) At() (string, error) {
	var err error
	head, err := r.repo.Head()
	if err != nil {
		r.l.Trace("Error getting HEAD")
		return "", err
	}
	return head.Hash().String(), nil
}

// CurrentBranch returns the short name of the branch HEAD points at, or
// an error when HEAD is detached.
func (r *RepoMngr) CurrentBranch() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		r.l.Trace("Error getting HEAD")
		return "", err
	}
	if !head.Name().IsBranch() {
		return "", errors.New("HEAD is not on a branch")
	}
	return head.Name().Short(), nil
}

// ResetHard discards all local modifications, leaving the worktree
// exactly at HEAD.
func (r *RepoMngr) ResetHard() error {
	if r.repo == nil {
		r.l.Warn("Error in repo manager, repo must be bootstrapped to reset")
	}
	r.Mu.Lock()
	defer r.Mu.Unlock()

	head, err := r.repo.Head()
	if err != nil {
		r.l.Trace("Error getting HEAD")
		return err
	}
	worktree, err := r.repo.Worktree()
	if err != nil {
		r.l.Trace("Error getting worktree")
		return err
	}
	r.l.Debug("Hard reset", "path", r.Path, "commit", head.Hash().String())
	return worktree.Reset(&git.ResetOptions{Commit: head.Hash(), Mode: git.HardReset})
}

// Pull fast-forwards the current branch from origin.  An already
// up-to-date repository is not an error.
func (r *RepoMngr) Pull() error {
	if r.repo == nil {
		r.l.Warn("Error in repo manager, repo must be bootstrapped to pull")
	}
	r.Mu.Lock()
	defer r.Mu.Unlock()
	worktree, err := r.repo.Worktree()
	if err != nil {
		r.l.Trace("Error getting worktree")
		return err
	}
	r.l.Debug("Pulling origin for git repository", "path", r.Path)
	err = worktree.Pull(&git.PullOptions{RemoteName: "origin", Force: true})
	if err == git.NoErrAlreadyUpToDate {
		return nil
	}
	return err
}

// Push sends the current branch to origin.  An already up-to-date remote
// is not an error.
func (r *RepoMngr) Push() error {
	r.Mu.Lock()
	defer r.Mu.Unlock()
	r.l.Debug("Pushing to origin", "path", r.Path)
	err := r.repo.Push(&git.PushOptions{RemoteName: "origin"})
	if err == git.NoErrAlreadyUpToDate {
		return nil
	}
	return err
}

// Checkout a particular revision
func (r *RepoMngr) Checkout(commit string) ([]string, error) {
	if r.repo == nil {
		r.l.Warn("Error in repo manager, repo must be bootstrapped to checkout")
	}
	r.Mu.Lock()
	defer r.Mu.Unlock()

	// Find the old commit
	oldHead, err := r.repo.Head()
	if err != nil {
		r.l.Trace("Error getting old HEAD")
		return nil, err
	}
	oldCommit, err := r.repo.CommitObject(oldHead.Hash())
	if err != nil {
		r.l.Trace("Error getting old CommitObject")
		return nil, err
	}
	r.l.Debug("Attempting to checkout in git repository", "path", r.Path,
		"old", oldHead.Hash().String(), "new", commit)

	// Check we are not doing nothing
	if oldHead.Hash().String() == commit {
		r.l.Trace("Nothing changed in checkout")
		return make([]string, 0), nil
	}

	// Checkout the new commit
	worktree, err := r.repo.Worktree()
	if err != nil {
		r.l.Trace("Error getting worktree")
		return nil, err
	}
	newHash := gitPlumbing.NewHash(commit)
	if err := worktree.Checkout(&git.CheckoutOptions{Hash: newHash, Force: true}); err != nil {
		r.l.Trace("Error checking out")
		return nil, err
	}

	// Diff the two commits
	newCommit, err := r.repo.CommitObject(newHash)
	if err != nil {
		r.l.Trace("Error getting new CommitObject")
		return nil, err
	}
	diff, err := newCommit.Patch(oldCommit)
	if err != nil {
		r.l.Trace("Error getting patch")
		return nil, err
	}
	diffFileStats := diff.Stats()
	r.l.Debug("Files were changed in checkout", "count", strconv.Itoa(len(diffFileStats)))
	changedFiles := make([]string, len(diffFileStats))
	for i := 0; i < len(diffFileStats); i++ {
		r.l.Trace("File was changed in checkout", "path", diffFileStats[i].Name)
		changedFiles[i] = diffFileStats[i].Name
	}

	return changedFiles, nil
}

// Fetch origin
func (r *RepoMngr) Fetch() error {
	if r.repo == nil {
		r.l.Warn("Error in repo manager, repo must be bootstrapped to fetch")
	}
	r.Mu.Lock()
	defer r.Mu.Unlock()
	r.l.Debug("Fetching origin for git repository", "path", r.Path)
	err := r.repo.Fetch(&git.FetchOptions{RemoteName: "origin"})
	if err == git.NoErrAlreadyUpToDate {
		return nil
	}
	if err != nil {
		r.l.Trace("Error fetching")
		return err
	}
	return nil
}

// DiffPkgs returns the pkgbases whose directories contain changes between
// the two commits, assuming the <pkgdir>/<pkgbase>/... layout of the
// curated tree.
func (r *RepoMngr) DiffPkgs(pkgdir, oldCommit, newCommit string) ([]string, error) {
	r.Mu.Lock()
	defer r.Mu.Unlock()

	if oldCommit == newCommit || oldCommit == "" {
		return nil, nil
	}

	from, err := r.repo.CommitObject(gitPlumbing.NewHash(oldCommit))
	if err != nil {
		r.l.Trace("Error getting old CommitObject")
		return nil, err
	}
	to, err := r.repo.CommitObject(gitPlumbing.NewHash(newCommit))
	if err != nil {
		r.l.Trace("Error getting new CommitObject")
		return nil, err
	}
	diff, err := from.Patch(to)
	if err != nil {
		r.l.Trace("Error getting patch")
		return nil, err
	}

	prefix := pkgdir + "/"
	seen := make(map[string]struct{})
	var pkgs []string
	for _, stat := range diff.Stats() {
		if !strings.HasPrefix(stat.Name, prefix) {
			continue
		}
		rest := strings.TrimPrefix(stat.Name, prefix)
		pkgbase := strings.SplitN(rest, "/", 2)[0]
		if _, ok := seen[pkgbase]; ok {
			continue
		}
		seen[pkgbase] = struct{}{}
		pkgs = append(pkgs, pkgbase)
	}
	return pkgs, nil
}

// FileAt returns a file's contents at a given commit.  A file absent at
// that commit returns ok=false rather than an error, since the batch
// controller routinely asks about recipes that didn't exist yet.
func (r *RepoMngr) FileAt(commit, path string) ([]byte, bool, error) {
	r.Mu.Lock()
	defer r.Mu.Unlock()

	c, err := r.repo.CommitObject(gitPlumbing.NewHash(commit))
	if err != nil {
		return nil, false, err
	}
	f, err := c.File(path)
	if err != nil {
		r.l.Trace("File not present at commit", "path", path, "commit", commit)
		return nil, false, nil
	}
	rd, err := f.Reader()
	if err != nil {
		return nil, false, err
	}
	defer rd.Close()
	data, err := io.ReadAll(rd)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}
