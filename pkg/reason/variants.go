package reason

import "github.com/lilacbuild/lilac/pkg/types"

// UpdatedPkgrel fires when a package's build recipe bumped its release
// counter between the last successful batch and HEAD, without necessarily
// changing the version.
type UpdatedPkgrel struct{}

func (UpdatedPkgrel) PriorityClass() int { return 0 }
func (UpdatedPkgrel) Display() string    { return "pkgrel was bumped" }

// NvItem is one upstream source contributing to an NvChecker reason.
type NvItem struct {
	SourceIdx  int
	SourceName string
}

// NvChecker fires when the upstream version checker reports a version
// change on at least one of a package's configured sources.
type NvChecker struct {
	Items   []NvItem
	Changes []types.VerPair
}

// PriorityClass: priority 0 if any
// source is "manual", else 1 if more than one source changed or the
// primary (index 0) source wasn't the one that changed, else 3.
func (n NvChecker) PriorityClass() int {
	for _, it := range n.Items {
		if it.SourceName == "manual" {
			return 0
		}
	}
	if len(n.Items) > 1 {
		return 1
	}
	if len(n.Items) == 1 && n.Items[0].SourceIdx > 0 {
		return 1
	}
	return 3
}

func (n NvChecker) Display() string {
	return "upstream version changed"
}

// Depended fires on a package that is being built solely because
// something else in the batch depends on it. Its effective priority is
// not read from here directly: the effective-priority walk derives it
// by walking the reverse-dependency closure, so PriorityClass returns the
// lowest urgency as a harmless default for code paths (e.g. display
// sorting) that need *a* value without performing the full closure walk.
type Depended struct {
	Depender string
}

func (Depended) PriorityClass() int { return 3 }
func (d Depended) Display() string  { return "required by " + d.Depender }

// UpdatedFailed fires on a package that failed in the prior batch and
// whose build recipe changed since.
type UpdatedFailed struct{}

func (UpdatedFailed) PriorityClass() int { return 2 }
func (UpdatedFailed) Display() string    { return "previously failed, recipe changed" }

// FailedByDeps fires on a package that failed in the prior batch due to
// missing dependencies that are still unresolved.
type FailedByDeps struct {
	Deps []string
}

func (FailedByDeps) PriorityClass() int { return 3 }
func (f FailedByDeps) Display() string  { return "failed previously on missing deps" }

// Cmdline fires on a package named explicitly on the command line. Runner
// is the optional opaque tag forwarded to the build worker.
type Cmdline struct {
	Runner *string
}

func (Cmdline) PriorityClass() int { return 3 }
func (Cmdline) Display() string    { return "requested on the command line" }

// OnBuildRef is one cross-reference from another package's update_on_build
// declaration.
type OnBuildRef struct {
	Pkgbase string
}

// OnBuild fires on a package that declares another package's rebuild
// should trigger its own rebuild (update_on_build).
type OnBuild struct {
	UpdateOnBuild []OnBuildRef
}

func (OnBuild) PriorityClass() int { return 3 }
func (OnBuild) Display() string    { return "triggered by update_on_build" }
