package types

import (
	"strings"
	"time"
)

// ResultKind enumerates the possible outcomes of a single package build.
type ResultKind int

const (
	// Successful means the package built and its artifacts are ready.
	Successful ResultKind = iota
	// Staged means the package was rebuilt but only staged (not published).
	Staged
	// Skipped means the worker decided not to build; not a failure.
	Skipped
	// Failed means the build errored out.
	Failed
)

func (k ResultKind) String() string {
	switch k {
	case Successful:
		return "successful"
	case Staged:
		return "staged"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Rusage is historical or just-measured resource usage for a build.
type Rusage struct {
	CPUTime time.Duration
	Memory  int64 // bytes
	Elapsed time.Duration
}

// CPUIntensity returns cputime/elapsed, the tie-break metric used by the
// picker's priority sort.
func (r Rusage) CPUIntensity() float64 {
	if r.Elapsed <= 0 {
		return 1.0
	}
	return float64(r.CPUTime) / float64(r.Elapsed)
}

// MissingDependencies is the sentinel failure carried on the normal return
// path.  It lists the dependency pkgnames the worker could not find.
type MissingDependencies struct {
	Deps []string
}

func (e *MissingDependencies) Error() string {
	return "missing dependencies: " + strings.Join(e.Deps, ", ")
}

// BuildResult is what a build worker reports back for one package.  A
// dependency-related failure wraps *MissingDependencies in Err.
type BuildResult struct {
	Kind       ResultKind
	Elapsed    time.Duration
	Rusage     *Rusage
	Version    string
	SkipReason string
	Err        error
}
