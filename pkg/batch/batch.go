// Package batch is the top-level controller: it resets the
// repository, loads metadata, assigns reasons, drives the scheduler to
// quiescence, and persists state so the next invocation is incremental.
package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/lilacbuild/lilac/pkg/assign"
	"github.com/lilacbuild/lilac/pkg/config"
	"github.com/lilacbuild/lilac/pkg/depgraph"
	"github.com/lilacbuild/lilac/pkg/driver"
	"github.com/lilacbuild/lilac/pkg/lilacinfo"
	"github.com/lilacbuild/lilac/pkg/picker"
	"github.com/lilacbuild/lilac/pkg/reason"
	"github.com/lilacbuild/lilac/pkg/resource"
	"github.com/lilacbuild/lilac/pkg/sorter"
	"github.com/lilacbuild/lilac/pkg/store"
	"github.com/lilacbuild/lilac/pkg/store/postgres"
	"github.com/lilacbuild/lilac/pkg/types"
	"github.com/lilacbuild/lilac/pkg/worker"
)

// pkgdir is the subdirectory of the repository that holds one directory
// per managed pkgbase.
const pkgdir = "pkgs"

// Controller owns one batch at a time and the collaborators shared
// across batches.
type Controller struct {
	l   hclog.Logger
	cfg *config.Config

	repo    Repo
	state   store.Storage
	db      Database // nil when no dburl configured
	checker VersionChecker
	rep     Reporter
	w       worker.Worker
	sampler *resource.Sampler

	// NvIndexURL is where the version checker publishes its results.
	NvIndexURL string
	// Resolve overrides the default artifact-presence dependency
	// resolver.
	Resolve func(dep string) bool

	mu       sync.Mutex
	active   bool
	metadata map[string]*lilacinfo.Info
	reasons  reason.Map
	srt      *sorter.Sorter
	drv      *driver.Driver
	reloadCh chan struct{}
}

// New wires a Controller from its collaborators.  db may be nil.
func New(l hclog.Logger, cfg *config.Config, repo Repo, state store.Storage, db Database, checker VersionChecker, rep Reporter, w worker.Worker, sampler *resource.Sampler) *Controller {
	return &Controller{
		l:        l.Named("batch"),
		cfg:      cfg,
		repo:     repo,
		state:    state,
		db:       db,
		checker:  checker,
		rep:      rep,
		w:        w,
		sampler:  sampler,
		reloadCh: make(chan struct{}, 1),
	}
}

// Run executes one full batch.  Per-package failures are recovered and
// reported; only setup problems return an error.  The state persistence
// runs in a deferred block so an interrupt mid-batch still records the
// work that completed.
func (c *Controller) Run(ctx context.Context, targets []assign.CmdlineTarget) (runErr error) {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return errors.New("a batch is already in flight")
	}
	c.active = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.active = false
		c.mu.Unlock()
	}()

	branch, err := c.repo.CurrentBranch()
	if err != nil {
		return err
	}
	if branch != "master" && branch != "main" {
		return fmt.Errorf("refusing to run on branch %q", branch)
	}

	if err := c.repo.ResetHard(); err != nil {
		return err
	}
	if err := c.repo.Pull(); err != nil {
		c.l.Warn("Pull failed, continuing with local HEAD", "err", err)
	}

	if err := c.runCommands(c.cfg.Misc.Prerun); err != nil {
		return err
	}

	prior, err := store.LoadBatchState(c.state)
	if err != nil {
		return err
	}

	metadata, loadFailed := lilacinfo.LoadManaged(c.cfg.Repository.RepoDir, pkgdir)
	c.mu.Lock()
	c.metadata = metadata
	c.mu.Unlock()
	managed := make([]string, 0, len(metadata))
	for pkg := range metadata {
		managed = append(managed, pkg)
	}

	depmap := c.buildDepMap(metadata, false)
	buildDepmap := c.buildDepMap(metadata, true)
	head, err := c.repo.At()
	if err != nil {
		return err
	}

	changed, err := c.repo.DiffPkgs(pkgdir, prior.LastCommit, head)
	if err != nil {
		return err
	}
	changedSet := make(map[string]struct{}, len(changed))
	for _, pkg := range changed {
		if _, ok := metadata[pkg]; ok {
			changedSet[pkg] = struct{}{}
		}
	}

	checkSet := managed
	if len(targets) > 0 {
		checkSet = assign.CareSet(targets, depmap)
	}
	if err := c.checker.LoadIndex(c.NvIndexURL); err != nil {
		return err
	}
	nvdata := c.checker.Results(checkSet)
	nvUnknown := c.checker.Unknown(checkSet)

	reasons := assign.Assign(c.l, assign.Input{
		Managed:         managed,
		NvData:          nvdata,
		NvUnknown:       nvUnknown,
		Metadata:        metadata,
		DBEnabled:       c.db != nil,
		LastSuccessTime: c.lastSuccessTime(managed),
		Now:             time.Now(),
		PriorFailed:     prior.Failed,
		PkgrelChanged:   c.pkgrelChanged(prior.LastCommit, head, changedSet),
		RecipeChanged:   c.recipeChanged(prior.LastCommit, head, changedSet),
		Cmdline:         targets,
	})
	c.mu.Lock()
	c.reasons = reasons
	c.mu.Unlock()

	// Ordering follows build-time deps (runtime + makedepends), the way
	// dispatchability was always computed; the care set and version-check
	// cone follow runtime deps only.
	graph := depgraph.Build(c.l, buildDepmap, reasons, c.lastBuildFailed, c.rep)

	srt := sorter.New(graph, reasons, func(p string) int {
		return graph.BuildingPriority(reasons, p)
	})

	var rusage picker.RusageSource
	var onBuildVers picker.OnBuildVersions
	if c.db != nil {
		rusage = rusageAdapter{c.db}
		onBuildVers = onBuildAdapter{c.db}
	}
	pick := picker.New(c.l, srt, reasons, rusage, onBuildVers, c.rep)
	for pkg := range loadFailed {
		c.l.Warn("Metadata failed to load, package marked failed", "pkg", pkg, "err", loadFailed[pkg])
		pick.Failed[pkg] = struct{}{}
	}
	// Prior-batch failures that are not being retried this batch stay
	// failed for the whole batch; an OnBuild package watching one must be
	// skipped, not built against a stale upstream.
	for pkg := range prior.Failed {
		if !reasons.Has(pkg) {
			pick.Failed[pkg] = struct{}{}
		}
	}
	pick.DepResolved = c.resolveDep
	pick.CurrentVersion = c.checker.CurrentVersion
	pick.UpdateOnBuildOf = func(pkg string) []reason.OnBuildRef {
		info := metadata[pkg]
		if info == nil {
			return nil
		}
		refs := make([]reason.OnBuildRef, 0, len(info.UpdateOnBuild))
		for _, u := range info.UpdateOnBuild {
			refs = append(refs, reason.OnBuildRef{Pkgbase: u})
		}
		return refs
	}

	var pkglog driver.PkgLogWriter
	if c.db != nil {
		pkglog = c.db
	}
	drv := driver.New(c.l, srt, pick, c.w, c.sampler, c.cfg.Orchestrator.MaxConcurrency, c.rep, pkglog)
	drv.NvData = nvdata
	drv.Reasons = reasons
	drv.MaintainersOf = c.maintainerNames
	drv.LogPathOf = c.logPath
	if c.db != nil {
		drv.SetStatus = func(pkg, status string) {
			if err := c.db.SetPkgStatus(pkg, status); err != nil {
				c.l.Warn("Failed to update pkgcurrent status", "pkg", pkg, "err", err)
			}
		}
	}
	drv.OnFailed = func(pkg string) {
		pick.Failed[pkg] = struct{}{}
	}

	c.mu.Lock()
	c.srt = srt
	c.drv = drv
	c.mu.Unlock()

	c.recordBatchStart(reasons)

	defer func() {
		c.finishBatch(prior, head, nvdata, drv)
	}()

	if err := drv.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			c.l.Info("Batch interrupted, state persisted for completed work")
			return nil
		}
		c.rep.ReportOrchestratorError(err)
		return err
	}
	return nil
}

// finishBatch is the controller's "finally": persist state, acknowledge
// versions, reset and optionally push the repo, run postrun hooks.  It
// runs on success, on error, and on interrupt.
func (c *Controller) finishBatch(prior types.BatchState, head string, nvdata map[string]types.NvResult, drv *driver.Driver) {
	next := types.BatchState{LastCommit: head, Failed: types.FailedMap{}}

	// Carry over prior failures that are still managed and didn't
	// succeed this time, then layer on this batch's failures.
	for pkg, entry := range prior.Failed {
		if _, ok := c.metadata[pkg]; !ok {
			continue
		}
		if drv.Built.Has(pkg) {
			continue
		}
		next.Failed[pkg] = entry
	}
	for pkg, entry := range drv.Failed {
		next.Failed[pkg] = entry
	}

	if err := store.SaveBatchState(c.state, next); err != nil {
		c.l.Error("Failed to persist batch state", "err", err)
	}

	c.acknowledgeVersions(nvdata, drv)

	if err := c.repo.ResetHard(); err != nil {
		c.l.Warn("Post-batch reset failed", "err", err)
	}
	if c.cfg.Orchestrator.GitPush {
		if err := c.repo.Push(); err != nil {
			c.l.Warn("Push failed", "err", err)
		}
	}
	if err := c.runCommands(c.cfg.Misc.Postrun); err != nil {
		c.l.Warn("Postrun command failed", "err", err)
	}

	if c.db != nil {
		if err := c.db.RecordBatchEvent("stop", ""); err != nil {
			c.l.Warn("Failed to record batch stop", "err", err)
		}
	}
}

// acknowledgeVersions tells the checker which new versions are now the
// baseline.  With rebuild_failed_pkgs set, any success is acknowledged;
// otherwise only packages attempted because of an NvChecker reason —
// successes and failures both — so a version bump that failed isn't
// re-announced forever, while never-attempted packages stay pending.
func (c *Controller) acknowledgeVersions(nvdata map[string]types.NvResult, drv *driver.Driver) {
	var take []string
	if c.cfg.Orchestrator.RebuildFailedPkgs {
		if len(drv.Built) == 0 {
			return
		}
		for pkg := range drv.Built {
			take = append(take, pkg)
		}
	} else {
		for pkg, rs := range drv.Reasons {
			if !hasNvReason(rs) {
				continue
			}
			attempted := drv.Built.Has(pkg)
			if _, failed := drv.Failed[pkg]; failed {
				attempted = true
			}
			if attempted {
				take = append(take, pkg)
			}
		}
	}
	if err := c.checker.Take(take); err != nil {
		c.l.Warn("Version acknowledgement failed", "err", err)
	}
}

func hasNvReason(rs reason.List) bool {
	for _, r := range rs {
		if _, ok := r.(reason.NvChecker); ok {
			return true
		}
	}
	return false
}

// buildDepMap derives the runtime (or build-time) dependency map from the
// loaded metadata.  Unmanaged deps keep a resolve predicate so the graph
// builder can distinguish "installed system package" from "nonexistent".
func (c *Controller) buildDepMap(metadata map[string]*lilacinfo.Info, buildTime bool) types.DependencyMap {
	depmap := make(types.DependencyMap, len(metadata))
	for pkg, info := range metadata {
		names := info.Depends
		if buildTime {
			names = append(append([]string{}, info.Depends...), info.MakeDepends...)
		}
		deps := make([]types.Dependency, 0, len(names))
		for _, depName := range names {
			depName := depName
			_, managed := metadata[depName]
			deps = append(deps, types.Dependency{
				Pkgbase: depName,
				Dir:     filepath.Join(pkgdir, depName),
				Managed: managed,
				Resolve: func() bool { return c.resolveDep(depName) },
			})
		}
		depmap[pkg] = deps
	}
	return depmap
}

// resolveDep reports whether a dependency is satisfied from the built
// artifact perspective: some artifact for it exists in destdir.
func (c *Controller) resolveDep(dep string) bool {
	if c.Resolve != nil {
		return c.Resolve(dep)
	}
	matches, err := filepath.Glob(filepath.Join(c.cfg.Repository.DestDir, "*", dep+"-*.pkg.tar.*"))
	if err != nil {
		return false
	}
	return len(matches) > 0
}

func (c *Controller) lastBuildFailed(pkg string) bool {
	if c.db == nil {
		return false
	}
	return c.db.IsLastBuildFailed(pkg)
}

// lastSuccessTime prefetches every managed package's last success
// timestamp in one query and returns the per-source lookup the throttle
// check wants.  Throttle intervals are tracked per package; the source
// index only selects which interval applies.
func (c *Controller) lastSuccessTime(managed []string) func(pkg string, sourceIdx int) (time.Time, bool) {
	if c.db == nil {
		return func(string, int) (time.Time, bool) { return time.Time{}, false }
	}
	times := c.db.GetPkgsLastSuccessTimes(managed)
	return func(pkg string, sourceIdx int) (time.Time, bool) {
		t, ok := times[pkg]
		return t, ok
	}
}

func (c *Controller) pkgrelChanged(last, head string, changed map[string]struct{}) func(pkg string) bool {
	return func(pkg string) bool {
		if _, ok := changed[pkg]; !ok {
			return false
		}
		rel, err := c.repo.PkgrelChanged(last, head, pkgdir, pkg)
		if err != nil {
			c.l.Warn("pkgrel comparison failed", "pkg", pkg, "err", err)
			return false
		}
		return rel
	}
}

func (c *Controller) recipeChanged(last, head string, changed map[string]struct{}) func(pkg string) bool {
	return func(pkg string) bool {
		if _, ok := changed[pkg]; !ok {
			return false
		}
		rc, err := c.repo.RecipeChanged(last, head, pkgdir, pkg)
		if err != nil {
			c.l.Warn("recipe comparison failed", "pkg", pkg, "err", err)
			return false
		}
		return rc
	}
}

func (c *Controller) maintainerNames(pkg string) []string {
	c.mu.Lock()
	info := c.metadata[pkg]
	c.mu.Unlock()
	if info == nil {
		return nil
	}
	out := make([]string, 0, len(info.Maintainers))
	for _, m := range info.Maintainers {
		out = append(out, m.Email)
	}
	return out
}

func (c *Controller) logPath(pkg string) string {
	return filepath.Join(c.cfg.Orchestrator.StateDir, "log", pkg+".log")
}

// recordBatchStart snapshots the queue into pkgcurrent and logs the batch
// start event.
func (c *Controller) recordBatchStart(reasons reason.Map) {
	if c.db == nil {
		return
	}
	logdir := filepath.Join(c.cfg.Orchestrator.StateDir, "log")
	if err := c.db.RecordBatchEvent("start", logdir); err != nil {
		c.l.Warn("Failed to record batch start", "err", err)
	}

	pkgs := make([]string, 0, len(reasons))
	for pkg := range reasons {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)

	entries := make([]postgres.PkgCurrent, 0, len(pkgs))
	for idx, pkg := range pkgs {
		entries = append(entries, postgres.PkgCurrent{
			Pkgbase:      pkg,
			Index:        idx,
			Status:       "pending",
			BuildReasons: displayList(reasons[pkg]),
		})
	}
	if err := c.db.RewritePkgCurrent(entries); err != nil {
		c.l.Warn("Failed to rewrite pkgcurrent", "err", err)
	}
}

func displayList(rs reason.List) string {
	out := ""
	for i, r := range rs {
		if i > 0 {
			out += "; "
		}
		out += r.Display()
	}
	return out
}

// runCommands executes a configured argv list sequence, stopping on the
// first failure.
func (c *Controller) runCommands(cmds [][]string) error {
	for _, argv := range cmds {
		if len(argv) == 0 {
			continue
		}
		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		c.l.Debug("Running hook command", "argv", argv)
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("hook %v: %w", argv, err)
		}
	}
	return nil
}

// Adapters narrowing the Database to the picker's boundaries.

type rusageAdapter struct{ db Database }

func (a rusageAdapter) GetPkgsLastRusage(pkgs []string) map[string]types.Rusage {
	return a.db.GetPkgsLastRusage(pkgs)
}

type onBuildAdapter struct{ db Database }

func (a onBuildAdapter) GetUpdateOnBuildVers(refs []reason.OnBuildRef) ([]types.VerPair, error) {
	return a.db.GetUpdateOnBuildVers(refs)
}
