package types

// VerPair is an (old, new) version pair.  Real update-on-build triggers
// carry true (old, new) movement; packages merely filled in for worker
// context carry (new, new).
type VerPair struct {
	Old string
	New string
}

// Changed reports whether this pair represents an actual version change.
func (v VerPair) Changed() bool {
	return v.Old != v.New
}

// VersionChange is one upstream-source result for a package, as produced
// by the external version checker.
type VersionChange struct {
	Source string
	Old    string
	New    string
}

// Changed reports whether the source's version actually moved.
func (v VersionChange) Changed() bool {
	return v.Old != v.New
}

// NvResult is the full set of per-source version-check results for a
// single package.
type NvResult struct {
	Pkgbase string
	Sources []VersionChange
}

// PkgToBuild is the unit handed off to a build worker.
type PkgToBuild struct {
	Pkgbase     string
	OnBuildVers []VerPair
}
