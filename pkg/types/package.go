// Package types holds the plain data shapes shared across the orchestrator:
// package identity, dependency edges, version-change records, and the
// payloads handed between the scheduler and the build worker.
package types

// A Dependency is a directed edge from one managed package to another (or
// to an unmanaged system package). Resolve reports whether the dependency
// is currently satisfied from the installed/built-artifact perspective;
// Managed is false when the dependency does not belong to the curated set.
type Dependency struct {
	Pkgbase string
	Dir     string
	Managed bool
	Resolve func() bool
}

// DependencyMap maps a pkgbase to the set of packages it needs, either at
// runtime (DEPMAP) or at build time (BUILD_DEPMAP). Both are derived once
// per batch and are immutable thereafter.
type DependencyMap map[string][]Dependency
