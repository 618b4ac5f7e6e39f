package source

import (
	"bufio"
	"bytes"
	"path"
	"strings"
)

// recipeName is the build recipe file inside each package directory.
const recipeName = "PKGBUILD"

// RecipePath returns the repo-relative path of a package's build recipe.
func RecipePath(pkgdir, pkgbase string) string {
	return path.Join(pkgdir, pkgbase, recipeName)
}

// PkgrelAt reads the release counter out of a package's recipe at the
// given commit.  Returns ok=false when the recipe or the counter is
// absent.
func (r *RepoMngr) PkgrelAt(commit, pkgdir, pkgbase string) (string, bool, error) {
	data, ok, err := r.FileAt(commit, RecipePath(pkgdir, pkgbase))
	if err != nil || !ok {
		return "", false, err
	}
	rel, ok := parsePkgrel(data)
	return rel, ok, nil
}

// PkgrelChanged reports whether a package's release counter differs
// between two commits.  A recipe absent on either side counts as
// unchanged; a brand-new package is reasoned through the version checker,
// not through pkgrel.
func (r *RepoMngr) PkgrelChanged(oldCommit, newCommit, pkgdir, pkgbase string) (bool, error) {
	if oldCommit == "" || oldCommit == newCommit {
		return false, nil
	}
	oldRel, oldOK, err := r.PkgrelAt(oldCommit, pkgdir, pkgbase)
	if err != nil {
		return false, err
	}
	newRel, newOK, err := r.PkgrelAt(newCommit, pkgdir, pkgbase)
	if err != nil {
		return false, err
	}
	if !oldOK || !newOK {
		return false, nil
	}
	return oldRel != newRel, nil
}

// RecipeChanged reports whether a package's recipe content differs at all
// between two commits.
func (r *RepoMngr) RecipeChanged(oldCommit, newCommit, pkgdir, pkgbase string) (bool, error) {
	if oldCommit == "" || oldCommit == newCommit {
		return false, nil
	}
	oldData, oldOK, err := r.FileAt(oldCommit, RecipePath(pkgdir, pkgbase))
	if err != nil {
		return false, err
	}
	newData, newOK, err := r.FileAt(newCommit, RecipePath(pkgdir, pkgbase))
	if err != nil {
		return false, err
	}
	if oldOK != newOK {
		return true, nil
	}
	return !bytes.Equal(oldData, newData), nil
}

func parsePkgrel(recipe []byte) (string, bool) {
	sc := bufio.NewScanner(bytes.NewReader(recipe))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "pkgrel=") {
			continue
		}
		rel := strings.TrimPrefix(line, "pkgrel=")
		rel = strings.Trim(rel, `"'`)
		return rel, rel != ""
	}
	return "", false
}
