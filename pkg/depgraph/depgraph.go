// Package depgraph consolidates a DependencyMap into the build-order graph
// and its reverse, pulling in unresolved managed dependencies as it goes.
package depgraph

import (
	"sort"

	"github.com/hashicorp/go-hclog"

	"github.com/lilacbuild/lilac/pkg/reason"
	"github.com/lilacbuild/lilac/pkg/types"
)

// Graph is the consolidated build-order graph: forward edges (a package's
// own dependencies) and the reverse map used by the priority function.
type Graph struct {
	// Forward[pkg] is the set of managed dep pkgbases pkg needs built
	// before it, whether or not those deps ultimately get a reason.
	Forward map[string]map[string]struct{}
	// Reverse[p] is the set of packages that depend on p.
	Reverse map[string]map[string]struct{}
}

func newGraph() *Graph {
	return &Graph{
		Forward: make(map[string]map[string]struct{}),
		Reverse: make(map[string]map[string]struct{}),
	}
}

func (g *Graph) addEdge(pkg, dep string) {
	if g.Forward[pkg] == nil {
		g.Forward[pkg] = make(map[string]struct{})
	}
	g.Forward[pkg][dep] = struct{}{}
	if g.Reverse[dep] == nil {
		g.Reverse[dep] = make(map[string]struct{})
	}
	g.Reverse[dep][pkg] = struct{}{}
}

// LastBuildFailed reports whether a managed pkgbase's most recent build is
// known to have failed; depgraph refuses to pull in a dependency that last
// failed to build.
type LastBuildFailed func(pkgbase string) bool

// Reporter is the error-reporting boundary for the graph builder: one
// report per package referencing a nonexistent (unmanaged, unresolved)
// dependency.
type Reporter interface {
	ReportNonexistentDeps(pkgbase string, missing []string)
}

// Build consolidates the part of depmap reachable from the packages in
// reasons (following managed dependencies transitively) into a Graph,
// mutating reasons in place to pull in any unresolved managed dependency of
// a reasoned package with a Depended reason.
func Build(l hclog.Logger, depmap types.DependencyMap, reasons reason.Map, lastFailed LastBuildFailed, rep Reporter) *Graph {
	l = l.Named("depgraph")
	g := newGraph()

	visited := make(map[string]struct{})
	queue := make([]string, 0, len(reasons))
	for pkg := range reasons {
		queue = append(queue, pkg)
	}
	sort.Strings(queue) // deterministic traversal order for reproducible logs

	nonexistent := make(map[string][]string)

	for len(queue) > 0 {
		pkg := queue[0]
		queue = queue[1:]
		if _, ok := visited[pkg]; ok {
			continue
		}
		visited[pkg] = struct{}{}

		deps, ok := depmap[pkg]
		if !ok {
			continue
		}
		hadReason := reasons.Has(pkg)

		for _, dep := range deps {
			if !dep.Managed {
				if dep.Resolve == nil || !dep.Resolve() {
					nonexistent[pkg] = append(nonexistent[pkg], dep.Pkgbase)
				}
				continue
			}

			g.addEdge(pkg, dep.Pkgbase)
			if _, seen := visited[dep.Pkgbase]; !seen {
				queue = append(queue, dep.Pkgbase)
			}

			unresolved := dep.Resolve == nil || !dep.Resolve()
			if hadReason && unresolved && !lastFailed(dep.Pkgbase) {
				reasons.Add(dep.Pkgbase, reason.Depended{Depender: pkg})
				l.Trace("pulled in dependency", "dep", dep.Pkgbase, "depender", pkg)
			}
		}
	}

	for pkg, missing := range nonexistent {
		l.Warn("dependency references unmanaged package", "pkg", pkg, "missing", missing)
		if rep != nil {
			rep.ReportNonexistentDeps(pkg, missing)
		}
	}

	return g
}

// BuildingPriority computes p's effective priority: the
// minimum priority class across p's own reasons unioned with the reasons
// of everything in its transitive reverse-dependency closure.  A Depended
// reason thus never decides a priority itself; urgency flows down from
// the packages doing the depending.
func (g *Graph) BuildingPriority(reasons reason.Map, p string) int {
	best := reasons[p].MinPriority()
	for _, q := range g.ReverseClosure(p) {
		if rs, ok := reasons[q]; ok {
			if pr := rs.MinPriority(); pr < best {
				best = pr
			}
		}
	}
	return best
}

// ReverseClosure returns the transitive reverse-dependency closure of p
// (every package that depends on p, directly or indirectly), excluding p
// itself. Used by the priority function.
func (g *Graph) ReverseClosure(p string) []string {
	visited := make(map[string]struct{})
	queue := []string{p}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for q := range g.Reverse[cur] {
			if _, ok := visited[q]; ok {
				continue
			}
			visited[q] = struct{}{}
			out = append(out, q)
			queue = append(queue, q)
		}
	}
	return out
}
