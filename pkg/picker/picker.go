// Package picker implements the resource-aware admission picker and the
// buildability check that precedes every submission.
package picker

import (
	"sort"

	"github.com/hashicorp/go-hclog"

	"github.com/lilacbuild/lilac/pkg/reason"
	"github.com/lilacbuild/lilac/pkg/types"
)

// defaultMemoryBudget is charged against memAvail for a pick whose
// historical rusage is unknown.
const defaultMemoryBudget int64 = 10 << 30 // 10 GiB

//go:generate mockgen -destination mocks/mocks.go -package mocks github.com/lilacbuild/lilac/pkg/picker RusageSource,OnBuildVersions

// Sorter is the subset of sorter.Sorter the picker needs.
type Sorter interface {
	IsActive() bool
	GetReady() []string
	Done(pkgbase string)
	PriorityOf(pkgbase string) int
}

// RusageSource supplies historical resource usage, when the database is
// enabled.
type RusageSource interface {
	GetPkgsLastRusage(pkgs []string) map[string]types.Rusage
}

// OnBuildVersions resolves update_on_build cross-references to their
// current (old, new) version pairs.
type OnBuildVersions interface {
	GetUpdateOnBuildVers(refs []reason.OnBuildRef) ([]types.VerPair, error)
}

// Reporter is the error-reporting boundary for buildability failures.
type Reporter interface {
	ReportUpdateOnBuildError(pkgbase string, err error)
}

// Picker is the admission picker, holding the read-only collaborators it
// needs across the batch; it never mutates anything but the Sorter and the
// caller-owned rusage/failed views it's handed.
type Picker struct {
	l       hclog.Logger
	sorter  Sorter
	reasons reason.Map

	rusage      RusageSource    // nil when the database is disabled
	onBuildVers OnBuildVersions // nil when the database is disabled

	rep Reporter

	// Failed is this batch's running view of failed packages: metadata
	// load failures, prior-batch failures not being retried, and build
	// failures as the driver records them.  Mutated only on the main
	// goroutine, between Pick calls.
	Failed map[string]struct{}
	// DepResolved reports whether a dependency pkgname is currently
	// satisfied; used by the FailedByDeps short-circuit.
	DepResolved func(dep string) bool
	// CurrentVersion returns a package's freshly-checked upstream
	// version, for filling on_build_vers context on non-OnBuild packages
	// with a non-empty update_on_build list.
	CurrentVersion func(pkgbase string) (string, bool)
	// UpdateOnBuildOf returns a package's declared update_on_build list
	// (from lilacinfo), independent of whether OnBuild actually fired.
	UpdateOnBuildOf func(pkgbase string) []reason.OnBuildRef
}

// New builds a Picker. rusage and onBuildVers may be nil (database
// disabled); rep may be nil (errors are dropped, used in tests).
func New(l hclog.Logger, sorter Sorter, reasons reason.Map, rusage RusageSource, onBuildVers OnBuildVersions, rep Reporter) *Picker {
	return &Picker{
		l:           l.Named("picker"),
		sorter:      sorter,
		reasons:     reasons,
		rusage:      rusage,
		onBuildVers: onBuildVers,
		rep:         rep,
		Failed:      make(map[string]struct{}),
	}
}

type ranked struct {
	pkg      string
	priority int
	cpu      float64
	rusage   types.Rusage
	hasUsage bool
}

// Pick runs one admission round. cpuRatio and memAvail are
// the caller's freshly sampled resource readings (pkg/resource).
func (p *Picker) Pick(limit int, running map[string]struct{}, starving bool, cpuRatio float64, memAvail int64) []types.PkgToBuild {
	if !p.sorter.IsActive() {
		return nil
	}

	readyToBuild := subtract(p.sorter.GetReady(), running)
	if len(readyToBuild) == 0 {
		return nil
	}

	var rusages map[string]types.Rusage
	if p.rusage != nil {
		rusages = p.rusage.GetPkgsLastRusage(readyToBuild)
	}

	items := p.rank(readyToBuild, rusages)

	if cpuRatio < 1.0 {
		promoteBigPackage(items)
	}

	picks, limitedByMemory := p.walk(items, limit, memAvail, false)

	if len(picks) == 0 && limitedByMemory && starving {
		// Stable so equal (priority, memory) candidates keep their rank
		// order and the single starvation pick is deterministic.
		sort.SliceStable(items, func(i, j int) bool {
			mi, mj := memoryOf(items[i]), memoryOf(items[j])
			if items[i].priority != items[j].priority {
				return items[i].priority < items[j].priority
			}
			return mi < mj
		})
		picks, _ = p.walk(items, 1, 0, true)
	}

	return picks
}

func (p *Picker) rank(readyToBuild []string, rusages map[string]types.Rusage) []ranked {
	items := make([]ranked, 0, len(readyToBuild))
	for _, pkg := range readyToBuild {
		r, ok := rusages[pkg]
		cpu := 1.0
		if ok {
			cpu = r.CPUIntensity()
		}
		items = append(items, ranked{pkg: pkg, priority: p.sorter.PriorityOf(pkg), cpu: cpu, rusage: r, hasUsage: ok})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].priority != items[j].priority {
			return items[i].priority < items[j].priority
		}
		return items[i].cpu < items[j].cpu
	})
	return items
}

// promoteBigPackage: on idle CPU, the last
// entry of the head's priority tier (if the tier has more than three
// members) is promoted to position 0, on the theory that it's a
// likely-bigger job worth starting early.
func promoteBigPackage(items []ranked) {
	if len(items) == 0 {
		return
	}
	tier := items[0].priority
	end := 0
	for end < len(items) && items[end].priority == tier {
		end++
	}
	if end <= 3 {
		return
	}
	last := end - 1
	big := items[last]
	copy(items[1:last+1], items[0:last])
	items[0] = big
}

func memoryOf(it ranked) int64 {
	if it.hasUsage {
		return it.rusage.Memory
	}
	return defaultMemoryBudget
}

// walk selects up to limit buildable packages from the sorted list,
// enforcing the memory cap unless ignoreMemory is set (the starvation
// branch).
func (p *Picker) walk(items []ranked, limit int, memAvail int64, ignoreMemory bool) ([]types.PkgToBuild, bool) {
	var picks []types.PkgToBuild
	limitedByMemory := false

	for _, it := range items {
		if len(picks) >= limit {
			break
		}
		if !ignoreMemory && it.hasUsage && it.rusage.Memory > memAvail {
			limitedByMemory = true
			continue
		}

		toBuild, ok := p.checkBuildability(it.pkg)
		if !ok {
			continue
		}

		picks = append(picks, toBuild)
		if !ignoreMemory {
			if it.hasUsage {
				memAvail -= it.rusage.Memory
			} else {
				memAvail -= defaultMemoryBudget
			}
		}
	}

	return picks, limitedByMemory
}

// subtract returns ready minus anything in running, preserving order.
func subtract(ready []string, running map[string]struct{}) []string {
	if len(running) == 0 {
		return ready
	}
	out := make([]string, 0, len(ready))
	for _, p := range ready {
		if _, busy := running[p]; !busy {
			out = append(out, p)
		}
	}
	return out
}

// checkBuildability decides whether pkg is still worth attempting now and
// produces its PkgToBuild.
func (p *Picker) checkBuildability(pkg string) (types.PkgToBuild, bool) {
	if _, failed := p.Failed[pkg]; failed {
		p.sorter.Done(pkg)
		return types.PkgToBuild{}, false
	}

	rs := p.reasons[pkg]
	toBuild := types.PkgToBuild{Pkgbase: pkg}

	if len(rs) == 1 {
		if fbd, ok := rs[0].(reason.FailedByDeps); ok {
			for _, d := range fbd.Deps {
				if p.DepResolved == nil || !p.DepResolved(d) {
					p.sorter.Done(pkg)
					return types.PkgToBuild{}, false
				}
			}
		}
	}

	if ob, ok := rs.OnlyOnBuild(); ok {
		for _, ref := range ob.UpdateOnBuild {
			if _, failed := p.Failed[ref.Pkgbase]; failed {
				p.sorter.Done(pkg)
				return types.PkgToBuild{}, false
			}
		}
		if p.onBuildVers == nil {
			p.sorter.Done(pkg)
			return types.PkgToBuild{}, false
		}
		vers, err := p.onBuildVers.GetUpdateOnBuildVers(ob.UpdateOnBuild)
		if err != nil {
			if p.rep != nil {
				p.rep.ReportUpdateOnBuildError(pkg, err)
			}
			return types.PkgToBuild{}, false
		}
		if allUnchanged(vers) {
			p.sorter.Done(pkg)
			return types.PkgToBuild{}, false
		}
		toBuild.OnBuildVers = vers
		return toBuild, true
	}

	if p.onBuildVers != nil && p.UpdateOnBuildOf != nil && p.CurrentVersion != nil {
		if refs := p.UpdateOnBuildOf(pkg); len(refs) > 0 {
			if newver, ok := p.CurrentVersion(pkg); ok {
				vers := make([]types.VerPair, len(refs))
				for i := range refs {
					vers[i] = types.VerPair{Old: newver, New: newver}
				}
				toBuild.OnBuildVers = vers
			}
		}
	}

	return toBuild, true
}

func allUnchanged(vers []types.VerPair) bool {
	for _, v := range vers {
		if v.Changed() {
			return false
		}
	}
	return true
}
