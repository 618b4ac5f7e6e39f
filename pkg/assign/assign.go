// Package assign implements the reason-assignment pass:
// merging version-change, pkgrel-change, prior-failure, command-line, and
// update_on_build signals into the per-package build_reasons map.
package assign

import (
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/lilacbuild/lilac/pkg/lilacinfo"
	"github.com/lilacbuild/lilac/pkg/reason"
	"github.com/lilacbuild/lilac/pkg/types"
)

// CmdlineTarget is one package named explicitly on the command line,
// optionally tagged with an opaque runner ("pkg[:runner]").
type CmdlineTarget struct {
	Pkgbase string
	Runner  *string
}

// Input bundles everything the reason-assignment pass reads. Every
// external collaborator (version checker results, recipe diffing,
// metadata, database) is passed in as data or a narrow function so this
// package stays a pure, table-driven transform.
type Input struct {
	Managed []string

	NvData    map[string]types.NvResult
	NvUnknown map[string]struct{}

	Metadata map[string]*lilacinfo.Info

	DBEnabled       bool
	LastSuccessTime func(pkgbase string, sourceIdx int) (time.Time, bool)
	Now             time.Time

	PriorFailed types.FailedMap

	// PkgrelChanged reports whether pkg's build recipe release counter
	// differs between last_commit and HEAD.
	PkgrelChanged func(pkgbase string) bool
	// RecipeChanged reports whether pkg's build recipe changed at all
	// between last_commit and HEAD.
	RecipeChanged func(pkgbase string) bool

	Cmdline []CmdlineTarget
}

// Assign runs the full reason-assignment pass and returns the populated
// build_reasons map.
func Assign(l hclog.Logger, in Input) reason.Map {
	l = l.Named("assign")
	reasons := reason.Map{}

	assignNvChecker(l, in, reasons)
	assignPkgrelChanges(in, reasons)
	assignPreviouslyFailed(in, reasons)
	assignCmdline(in, reasons)
	assignFailedByDeps(in, reasons)
	assignOnBuildClosure(in, reasons)

	return reasons
}

// 1. Version-change reasons.
func assignNvChecker(l hclog.Logger, in Input, reasons reason.Map) {
	for pkg, nv := range in.NvData {
		var items []reason.NvItem
		var changes []types.VerPair

		for idx, src := range nv.Sources {
			if !src.Changed() {
				continue
			}
			if in.DBEnabled && in.Metadata[pkg] != nil {
				if interval, ok := in.Metadata[pkg].ThrottleInfo[idx]; ok {
					if last, known := in.LastSuccessTime(pkg, idx); known && in.Now.Before(last.Add(interval)) {
						l.Trace("source throttled", "pkg", pkg, "source", src.Source)
						continue
					}
				}
			}
			items = append(items, reason.NvItem{SourceIdx: idx, SourceName: src.Source})
			changes = append(changes, types.VerPair{Old: src.Old, New: src.New})
		}

		if len(items) > 0 {
			reasons.Add(pkg, reason.NvChecker{Items: items, Changes: changes})
		}
	}
}

// 2. pkgrel changes, excluding packages whose version-change state is
// unknown.
func assignPkgrelChanges(in Input, reasons reason.Map) {
	if in.PkgrelChanged == nil {
		return
	}
	for _, pkg := range in.Managed {
		if _, unknown := in.NvUnknown[pkg]; unknown {
			continue
		}
		if in.PkgrelChanged(pkg) {
			reasons.Add(pkg, reason.UpdatedPkgrel{})
		}
	}
}

// 3. Previously failed, recipe-changed.
func assignPreviouslyFailed(in Input, reasons reason.Map) {
	if in.RecipeChanged == nil {
		return
	}
	for pkg := range in.PriorFailed {
		if in.RecipeChanged(pkg) {
			reasons.Add(pkg, reason.UpdatedFailed{})
		}
	}
}

// 4. Command-line targets.
func assignCmdline(in Input, reasons reason.Map) {
	for _, t := range in.Cmdline {
		reasons.Add(t.Pkgbase, reason.Cmdline{Runner: t.Runner})
	}
}

// 5. FailedByDeps — only when not invoked with command-line targets.
func assignFailedByDeps(in Input, reasons reason.Map) {
	if len(in.Cmdline) > 0 {
		return
	}
	for pkg, entry := range in.PriorFailed {
		if len(entry.Missing) > 0 {
			reasons.Add(pkg, reason.FailedByDeps{Deps: entry.Missing})
		}
	}
}

// 6. OnBuild fixed-point closure.
func assignOnBuildClosure(in Input, reasons reason.Map) {
	ifThisThenThose := make(map[string][]string)
	for q, info := range in.Metadata {
		if info == nil {
			continue
		}
		for _, p := range info.UpdateOnBuild {
			ifThisThenThose[p] = append(ifThisThenThose[p], q)
		}
	}

	visited := make(map[string]struct{}, len(reasons))
	queue := make([]string, 0, len(reasons))
	for pkg := range reasons {
		visited[pkg] = struct{}{}
		queue = append(queue, pkg)
	}

	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]

		for _, q := range ifThisThenThose[p] {
			if !reasons.Has(q) {
				var refs []reason.OnBuildRef
				if info := in.Metadata[q]; info != nil {
					for _, ref := range info.UpdateOnBuild {
						refs = append(refs, reason.OnBuildRef{Pkgbase: ref})
					}
				}
				reasons.Add(q, reason.OnBuild{UpdateOnBuild: refs})
			}
			if _, seen := visited[q]; !seen {
				visited[q] = struct{}{}
				queue = append(queue, q)
			}
		}
	}
}

// CareSet returns the set of packages the version checker should run
// against: every explicit command-line target plus its transitive runtime
// dependencies, which are kept "under care" for version-check purposes
// without necessarily acquiring a build reason.
func CareSet(cmdline []CmdlineTarget, depmap types.DependencyMap) []string {
	visited := make(map[string]struct{})
	var queue []string
	for _, t := range cmdline {
		if _, ok := visited[t.Pkgbase]; !ok {
			visited[t.Pkgbase] = struct{}{}
			queue = append(queue, t.Pkgbase)
		}
	}

	var care []string
	for len(queue) > 0 {
		pkg := queue[0]
		queue = queue[1:]
		care = append(care, pkg)
		for _, dep := range depmap[pkg] {
			if !dep.Managed {
				continue
			}
			if _, ok := visited[dep.Pkgbase]; ok {
				continue
			}
			visited[dep.Pkgbase] = struct{}{}
			queue = append(queue, dep.Pkgbase)
		}
	}
	return care
}
