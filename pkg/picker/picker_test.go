package picker

import (
	"errors"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/lilacbuild/lilac/pkg/reason"
	"github.com/lilacbuild/lilac/pkg/types"
)

type fakeSorter struct {
	ready    []string
	active   bool
	done     []string
	priority map[string]int
}

func (f *fakeSorter) IsActive() bool     { return f.active }
func (f *fakeSorter) GetReady() []string { return f.ready }
func (f *fakeSorter) Done(pkg string)    { f.done = append(f.done, pkg) }
func (f *fakeSorter) PriorityOf(pkg string) int {
	if f.priority == nil {
		return 3
	}
	return f.priority[pkg]
}

func TestPickInactiveSorterReturnsEmpty(t *testing.T) {
	s := &fakeSorter{active: false}
	p := New(hclog.NewNullLogger(), s, reason.Map{}, nil, nil, nil)
	require.Empty(t, p.Pick(2, nil, true, 0, 1<<40))
}

func TestPickSimpleCmdline(t *testing.T) {
	s := &fakeSorter{active: true, ready: []string{"a"}}
	reasons := reason.Map{"a": reason.List{reason.Cmdline{}}}
	p := New(hclog.NewNullLogger(), s, reasons, nil, nil, nil)

	picks := p.Pick(2, nil, true, 0.5, 1<<40)
	require.Len(t, picks, 1)
	require.Equal(t, "a", picks[0].Pkgbase)
}

func TestPickExcludesRunning(t *testing.T) {
	s := &fakeSorter{active: true, ready: []string{"a", "b"}}
	reasons := reason.Map{"a": reason.List{reason.Cmdline{}}, "b": reason.List{reason.Cmdline{}}}
	p := New(hclog.NewNullLogger(), s, reasons, nil, nil, nil)

	picks := p.Pick(2, map[string]struct{}{"a": {}}, false, 0.5, 1<<40)
	require.Len(t, picks, 1)
	require.Equal(t, "b", picks[0].Pkgbase)
}

func TestCheckBuildabilityFailedMarksDone(t *testing.T) {
	s := &fakeSorter{active: true, ready: []string{"a"}}
	reasons := reason.Map{"a": reason.List{reason.Cmdline{}}}
	p := New(hclog.NewNullLogger(), s, reasons, nil, nil, nil)
	p.Failed["a"] = struct{}{}

	picks := p.Pick(2, nil, true, 0.5, 1<<40)
	require.Empty(t, picks)
	require.Equal(t, []string{"a"}, s.done)
}

func TestCheckBuildabilityFailedByDepsUnresolved(t *testing.T) {
	s := &fakeSorter{active: true, ready: []string{"a"}}
	reasons := reason.Map{"a": reason.List{reason.FailedByDeps{Deps: []string{"libx"}}}}
	p := New(hclog.NewNullLogger(), s, reasons, nil, nil, nil)
	p.DepResolved = func(string) bool { return false }

	picks := p.Pick(2, nil, true, 0.5, 1<<40)
	require.Empty(t, picks)
	require.Equal(t, []string{"a"}, s.done)
}

type fakeOnBuildVers struct {
	vers []types.VerPair
	err  error
}

func (f *fakeOnBuildVers) GetUpdateOnBuildVers(refs []reason.OnBuildRef) ([]types.VerPair, error) {
	return f.vers, f.err
}

func TestCheckBuildabilityOnBuildFailedRefMarksDone(t *testing.T) {
	s := &fakeSorter{active: true, ready: []string{"a"}}
	reasons := reason.Map{"a": reason.List{reason.OnBuild{UpdateOnBuild: []reason.OnBuildRef{{Pkgbase: "q"}}}}}
	obv := &fakeOnBuildVers{vers: []types.VerPair{{Old: "1", New: "2"}}}
	p := New(hclog.NewNullLogger(), s, reasons, nil, obv, nil)
	p.Failed["q"] = struct{}{} // the watched upstream failed to build

	picks := p.Pick(2, nil, true, 0.5, 1<<40)
	require.Empty(t, picks)
	require.Equal(t, []string{"a"}, s.done, "a watcher of a failed upstream is skipped, not built")
}

func TestCheckBuildabilityOnBuildUnchangedMarksDone(t *testing.T) {
	s := &fakeSorter{active: true, ready: []string{"a"}}
	reasons := reason.Map{"a": reason.List{reason.OnBuild{UpdateOnBuild: []reason.OnBuildRef{{Pkgbase: "q"}}}}}
	obv := &fakeOnBuildVers{vers: []types.VerPair{{Old: "1", New: "1"}}}
	p := New(hclog.NewNullLogger(), s, reasons, nil, obv, nil)

	picks := p.Pick(2, nil, true, 0.5, 1<<40)
	require.Empty(t, picks)
	require.Equal(t, []string{"a"}, s.done)
}

func TestCheckBuildabilityOnBuildChangedProducesVers(t *testing.T) {
	s := &fakeSorter{active: true, ready: []string{"a"}}
	reasons := reason.Map{"a": reason.List{reason.OnBuild{UpdateOnBuild: []reason.OnBuildRef{{Pkgbase: "q"}}}}}
	obv := &fakeOnBuildVers{vers: []types.VerPair{{Old: "1", New: "2"}}}
	p := New(hclog.NewNullLogger(), s, reasons, nil, obv, nil)

	picks := p.Pick(2, nil, true, 0.5, 1<<40)
	require.Len(t, picks, 1)
	require.Equal(t, []types.VerPair{{Old: "1", New: "2"}}, picks[0].OnBuildVers)
}

type recordingReporter struct {
	pkg string
	err error
}

func (r *recordingReporter) ReportUpdateOnBuildError(pkgbase string, err error) {
	r.pkg, r.err = pkgbase, err
}

func TestCheckBuildabilityOnBuildErrorReports(t *testing.T) {
	s := &fakeSorter{active: true, ready: []string{"a"}}
	reasons := reason.Map{"a": reason.List{reason.OnBuild{UpdateOnBuild: []reason.OnBuildRef{{Pkgbase: "q"}}}}}
	obv := &fakeOnBuildVers{err: errors.New("boom")}
	rep := &recordingReporter{}
	p := New(hclog.NewNullLogger(), s, reasons, nil, obv, rep)

	picks := p.Pick(2, nil, true, 0.5, 1<<40)
	require.Empty(t, picks)
	require.Equal(t, "a", rep.pkg)
	require.Empty(t, s.done, "error path does not mark done")
}

type fakeRusage struct {
	usages map[string]types.Rusage
}

func (f *fakeRusage) GetPkgsLastRusage(pkgs []string) map[string]types.Rusage {
	return f.usages
}

func TestMemoryLimitedStarvation(t *testing.T) {
	ready := []string{"p1", "p2", "p3"}
	s := &fakeSorter{active: true, ready: ready}
	reasons := reason.Map{
		"p1": reason.List{reason.Cmdline{}},
		"p2": reason.List{reason.Cmdline{}},
		"p3": reason.List{reason.Cmdline{}},
	}
	const sixteenGiB = int64(16) << 30
	rusage := &fakeRusage{usages: map[string]types.Rusage{
		"p1": {Memory: sixteenGiB},
		"p2": {Memory: sixteenGiB},
		"p3": {Memory: sixteenGiB},
	}}
	p := New(hclog.NewNullLogger(), s, reasons, rusage, nil, nil)

	const eightGiB = int64(8) << 30
	picks := p.Pick(3, nil, true, 0.5, eightGiB)
	require.Len(t, picks, 1, "starvation branch submits exactly one ignoring the memory cap")
	require.Equal(t, "p1", picks[0].Pkgbase, "equal candidates resolve to the first after the stable sort")
}

func TestMemoryLimitedNotStarvingReturnsEmpty(t *testing.T) {
	ready := []string{"p1"}
	s := &fakeSorter{active: true, ready: ready}
	reasons := reason.Map{"p1": reason.List{reason.Cmdline{}}}
	rusage := &fakeRusage{usages: map[string]types.Rusage{"p1": {Memory: int64(16) << 30}}}
	p := New(hclog.NewNullLogger(), s, reasons, rusage, nil, nil)

	picks := p.Pick(3, nil, false, 0.5, int64(8)<<30)
	require.Empty(t, picks, "not starving, let a running job finish instead")
}

func TestBigPackagePreference(t *testing.T) {
	ready := []string{"p1", "p2", "p3", "p4", "p5"}
	s := &fakeSorter{active: true, ready: ready, priority: map[string]int{
		"p1": 3, "p2": 3, "p3": 3, "p4": 3, "p5": 3,
	}}
	reasons := reason.Map{}
	for _, p := range ready {
		reasons[p] = reason.List{reason.Cmdline{}}
	}
	usages := map[string]types.Rusage{
		"p1": {CPUTime: 1, Elapsed: 10},
		"p2": {CPUTime: 2, Elapsed: 10},
		"p3": {CPUTime: 3, Elapsed: 10},
		"p4": {CPUTime: 4, Elapsed: 10},
		"p5": {CPUTime: 5, Elapsed: 10},
	}
	rusage := &fakeRusage{usages: usages}
	p := New(hclog.NewNullLogger(), s, reasons, rusage, nil, nil)

	picks := p.Pick(5, nil, false, 0.3, 1<<40)
	require.Len(t, picks, 5)
	got := make([]string, len(picks))
	for i, pk := range picks {
		got[i] = pk.Pkgbase
	}
	require.Equal(t, []string{"p5", "p1", "p2", "p3", "p4"}, got)
}
