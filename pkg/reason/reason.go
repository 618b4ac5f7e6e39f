// Package reason implements the BuildReason tagged variants: the set of things that can make a package worth
// building this batch, each with its own priority-class rule.
package reason

// A Reason is one cause for building a package. PriorityClass returns the
// variant's priority number (lower schedules earlier); Display returns a
// short human-readable explanation used in commit messages and logs.
type Reason interface {
	PriorityClass() int
	Display() string
}

// List is the reasons attached to a single package, in the order they were
// added. An empty or nil List means the package has no reason to build.
type List []Reason

// MinPriority returns the lowest (most urgent) priority class across a
// reason list, or 3 (the lowest urgency) for an empty list — callers should
// generally avoid calling this with an empty list since an empty List means
// "not building".
func (rs List) MinPriority() int {
	best := 3
	for i, r := range rs {
		p := r.PriorityClass()
		if i == 0 || p < best {
			best = p
		}
	}
	return best
}

// OnlyOnBuild reports whether rs has exactly one element and it is an
// OnBuild reason.  The buildability check only ever inspects rs[0] for
// OnBuild-ness; a package with additional reasons builds unconditionally.
func (rs List) OnlyOnBuild() (OnBuild, bool) {
	if len(rs) != 1 {
		return OnBuild{}, false
	}
	ob, ok := rs[0].(OnBuild)
	return ob, ok
}

// Map is the per-batch build_reasons structure: pkgbase -> its reasons. A
// pkgbase is a key in this map if and only if it will be attempted this
// batch.
type Map map[string]List

// Add appends a reason to pkg's list, creating the entry if necessary.
func (m Map) Add(pkg string, r Reason) {
	m[pkg] = append(m[pkg], r)
}

// Has reports whether pkg already has any reason recorded.
func (m Map) Has(pkg string) bool {
	_, ok := m[pkg]
	return ok
}
