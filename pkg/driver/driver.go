// Package driver implements the build driver: a bounded
// worker pool fed by the admission picker, with all shared state
// (build_reasons, failed, built, nvdata) mutated only on the main
// goroutine after a worker result is received.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/lilacbuild/lilac/pkg/reason"
	"github.com/lilacbuild/lilac/pkg/resource"
	"github.com/lilacbuild/lilac/pkg/types"
	"github.com/lilacbuild/lilac/pkg/worker"
)

// Sorter is the subset of sorter.Sorter the driver calls directly.
type Sorter interface {
	IsActive() bool
	Done(pkgbase string)
}

// Picker is the subset of picker.Picker the driver calls per round.
type Picker interface {
	Pick(limit int, running map[string]struct{}, starving bool, cpuRatio float64, memAvail int64) []types.PkgToBuild
}

// Reporter is the mail/error-reporting boundary for per-build outcomes.
type Reporter interface {
	ReportBuildFailureDeps(pkgbase string, deps []string, allPreviouslyFailed bool)
	ReportBuildFailureGeneric(pkgbase string, err error, logPath string)
}

// PkgLogEntry is one row appended to the structured per-build log (the
// pkglog table).
type PkgLogEntry struct {
	Pkgbase     string
	NvVersion   string
	PkgVersion  string
	Elapsed     time.Duration
	Result      types.ResultKind
	CPUTime     time.Duration
	Memory      int64
	Msg         string
	BuildReason string
	Maintainers []string
}

// PkgLogWriter persists PkgLogEntry rows.
type PkgLogWriter interface {
	InsertPkgLog(entry PkgLogEntry) error
}

// Driver owns the bounded worker pool and the main serialized loop that
// mutates batch-wide state.
type Driver struct {
	l hclog.Logger

	sorter Sorter
	picker Picker
	w      worker.Worker
	sample *resource.Sampler

	maxConcurrency int

	NvData        map[string]types.NvResult
	Built         types.BuiltSet
	Failed        types.FailedMap
	Reasons       reason.Map
	MaintainersOf func(pkgbase string) []string
	LogPathOf     func(pkgbase string) string
	// SetStatus, when set, mirrors a package's pending -> building -> done
	// transitions into the pkgcurrent table.
	SetStatus func(pkgbase, status string)
	// OnFailed, when set, is called on the main goroutine as each build
	// failure is recorded, so the picker's failed view stays current for
	// the update_on_build short-circuit.
	OnFailed func(pkgbase string)

	rep    Reporter
	pkglog PkgLogWriter

	runMu   sync.Mutex
	running map[string]struct{}
}

// New constructs a Driver. rep and pkglog may be nil (no mail, no
// database), used by tests and by database-disabled deployments.
func New(l hclog.Logger, sorter Sorter, pick Picker, w worker.Worker, sample *resource.Sampler, maxConcurrency int, rep Reporter, pkglog PkgLogWriter) *Driver {
	return &Driver{
		l:              l.Named("driver"),
		sorter:         sorter,
		picker:         pick,
		w:              w,
		sample:         sample,
		maxConcurrency: maxConcurrency,
		NvData:         map[string]types.NvResult{},
		Built:          types.BuiltSet{},
		Failed:         types.FailedMap{},
		Reasons:        reason.Map{},
		rep:            rep,
		pkglog:         pkglog,
	}
}

// Running returns a snapshot of the pkgbases currently in flight, for the
// status API.
func (d *Driver) Running() []string {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	out := make([]string, 0, len(d.running))
	for pkg := range d.running {
		out = append(out, pkg)
	}
	return out
}

// BuiltList returns a snapshot of the built set, for the status API.
func (d *Driver) BuiltList() []string {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	out := make([]string, 0, len(d.Built))
	for pkg := range d.Built {
		out = append(out, pkg)
	}
	return out
}

// FailedList returns a snapshot of this batch's failures, for the status
// API.
func (d *Driver) FailedList() []string {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	out := make([]string, 0, len(d.Failed))
	for pkg := range d.Failed {
		out = append(out, pkg)
	}
	return out
}

type workerResult struct {
	pkgbase  string
	toBuild  types.PkgToBuild
	result   types.BuildResult
	workerID int
}

// Run drives the batch to quiescence: pick, submit, wait, process, repeat,
// until the sorter is inactive and nothing is running. ctx cancellation
// stops new submissions and lets in-flight workers drain.
func (d *Driver) Run(ctx context.Context) error {
	freeSlots := make(chan int, d.maxConcurrency)
	for i := 0; i < d.maxConcurrency; i++ {
		freeSlots <- i
	}

	d.runMu.Lock()
	d.running = make(map[string]struct{})
	d.runMu.Unlock()
	running := d.running
	resultsCh := make(chan workerResult)
	var wg sync.WaitGroup

	for {
		if ctx.Err() == nil {
			limit := d.maxConcurrency - len(running)
			starving := len(running) == 0
			sample := d.sampleResources(ctx)

			picks := d.picker.Pick(limit, running, starving, sample.CPURatio, int64(sample.MemAvail))
			for _, p := range picks {
				if _, known := d.NvData[p.Pkgbase]; !known {
					// Pulled into the graph by OnBuild's closure but the
					// version checker never ran against it this batch.
					d.sorter.Done(p.Pkgbase)
					continue
				}

				workerID := <-freeSlots
				d.runMu.Lock()
				running[p.Pkgbase] = struct{}{}
				d.runMu.Unlock()
				if d.SetStatus != nil {
					d.SetStatus(p.Pkgbase, "building")
				}
				wg.Add(1)
				go d.buildIt(ctx, workerID, p, resultsCh, freeSlots, &wg)
			}

			if len(picks) == 0 && len(running) == 0 {
				break
			}
			if len(running) == 0 {
				// Every pick this round was filtered (e.g. not in nvdata)
				// without a submission; re-poll the picker rather than
				// waiting on a worker that doesn't exist.
				continue
			}
		} else if len(running) == 0 {
			break
		}

		res := <-resultsCh
		d.runMu.Lock()
		delete(running, res.pkgbase)
		d.runMu.Unlock()
		d.processResult(res)
	}

	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

func (d *Driver) sampleResources(ctx context.Context) resource.Sample {
	if d.sample == nil {
		return resource.Sample{CPURatio: 1.0, MemAvail: 1 << 62}
	}
	s, err := d.sample.Sample(ctx)
	if err != nil {
		return resource.Sample{CPURatio: 1.0, MemAvail: 1 << 62}
	}
	return s
}

// buildIt invokes the worker for one pick and reports the raw result back
// to the main loop; it must not mutate d.Built/d.Failed/d.Reasons, which
// only the main goroutine writes.
func (d *Driver) buildIt(ctx context.Context, workerID int, p types.PkgToBuild, out chan<- workerResult, freeSlots chan<- int, wg *sync.WaitGroup) {
	defer wg.Done()
	defer func() { freeSlots <- workerID }()

	msg := commitMessage(p, d.Reasons[p.Pkgbase])
	d.l.Debug("submitting build", "pkg", p.Pkgbase, "worker", workerID, "commit_msg", msg)

	result, err := d.w.Build(ctx, workerID, p)
	if err != nil && result.Err == nil {
		result.Kind = types.Failed
		result.Err = err
	}

	// Always deliver: the main loop keeps receiving until the running set
	// drains, even after cancellation, so this send cannot be orphaned.
	out <- workerResult{pkgbase: p.Pkgbase, toBuild: p, result: result, workerID: workerID}
}

// processResult runs the per-result handling on the main goroutine.
func (d *Driver) processResult(res workerResult) {
	pkg := res.pkgbase
	r := res.result

	switch r.Kind {
	case types.Successful, types.Staged:
		d.runMu.Lock()
		d.Built.Add(pkg)
		d.runMu.Unlock()
	case types.Skipped:
		d.l.Warn("build skipped", "pkg", pkg, "reason", r.SkipReason)
	case types.Failed:
		d.handleFailure(pkg, r)
	}

	d.insertPkgLog(pkg, r)
	if d.SetStatus != nil {
		d.SetStatus(pkg, "done")
	}
	d.sorter.Done(pkg)
}

func (d *Driver) handleFailure(pkg string, r types.BuildResult) {
	if d.OnFailed != nil {
		d.OnFailed(pkg)
	}

	var missing *types.MissingDependencies
	if errors.As(r.Err, &missing) {
		d.runMu.Lock()
		d.Failed[pkg] = types.FailedEntry{Missing: missing.Deps}
		d.runMu.Unlock()
		allPreviouslyFailed := len(missing.Deps) > 0
		for _, dep := range missing.Deps {
			if _, ok := d.Failed[dep]; !ok {
				allPreviouslyFailed = false
				break
			}
		}
		if d.rep != nil {
			d.rep.ReportBuildFailureDeps(pkg, missing.Deps, allPreviouslyFailed)
		}
		return
	}

	d.runMu.Lock()
	d.Failed[pkg] = types.FailedEntry{}
	d.runMu.Unlock()
	if d.rep != nil {
		logPath := ""
		if d.LogPathOf != nil {
			logPath = d.LogPathOf(pkg)
		}
		d.rep.ReportBuildFailureGeneric(pkg, r.Err, logPath)
	}
}

func (d *Driver) insertPkgLog(pkg string, r types.BuildResult) {
	if d.pkglog == nil {
		return
	}
	entry := PkgLogEntry{
		Pkgbase:     pkg,
		PkgVersion:  r.Version,
		Elapsed:     r.Elapsed,
		Result:      r.Kind,
		BuildReason: displayReasons(d.Reasons[pkg]),
	}
	if r.Rusage != nil {
		entry.CPUTime = r.Rusage.CPUTime
		entry.Memory = r.Rusage.Memory
	}
	if r.Err != nil {
		entry.Msg = r.Err.Error()
	}
	if d.MaintainersOf != nil {
		entry.Maintainers = d.MaintainersOf(pkg)
	}
	if err := d.pkglog.InsertPkgLog(entry); err != nil {
		d.l.Warn("failed to persist pkglog row", "pkg", pkg, "err", err)
	}
}

func displayReasons(rs reason.List) string {
	out := ""
	for i, r := range rs {
		if i > 0 {
			out += "; "
		}
		out += r.Display()
	}
	return out
}

// commitMessage composes the template used for the build-driver script's
// resulting package-update commit: package, target version context, and
// human-readable reasons.
func commitMessage(p types.PkgToBuild, rs reason.List) string {
	version := ""
	if len(p.OnBuildVers) > 0 {
		version = p.OnBuildVers[0].New
	}
	if version == "" {
		return fmt.Sprintf("%s: %s", p.Pkgbase, displayReasons(rs))
	}
	return fmt.Sprintf("%s: updated to %s (%s)", p.Pkgbase, version, displayReasons(rs))
}
