// Package local provides a single-host worker backend that runs the
// curated repository's build driver script directly, intended for
// development and small deployments rather than production fleets.
package local

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/semaphore"

	"github.com/lilacbuild/lilac/pkg/types"
	"github.com/lilacbuild/lilac/pkg/worker"
)

func init() {
	worker.RegisterInitCallback(cb)
}

func cb() {
	worker.RegisterFactory("local", New)
}

// Local runs builds as subprocesses of the orchestrator, one at a time per
// worker slot, in a directory rooted at Basepath/worker-<workerID>.
type Local struct {
	l        hclog.Logger
	basepath string
	driver   string // path to the build-driver executable, e.g. ./lilac-build

	// sem caps concurrent subprocesses at the host's core count, so a
	// generous max_concurrency can't oversubscribe a small build box.
	sem *semaphore.Weighted

	mu sync.Mutex
}

// New returns a local worker backend rooted at "local-checkout" in the
// current directory; override with SetBasepath/SetDriver before use.
func New(l hclog.Logger) (worker.Worker, error) {
	abs, err := filepath.Abs("local-checkout")
	if err != nil {
		return nil, err
	}
	return &Local{
		l:        l.Named("local"),
		basepath: abs,
		driver:   "./lilac-build",
		sem:      semaphore.NewWeighted(int64(runtime.NumCPU())),
	}, nil
}

// SetBasepath overrides the root directory builds run under.
func (c *Local) SetBasepath(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.basepath, _ = filepath.Abs(p)
}

// SetDriver overrides the build-driver executable invoked per package.
func (c *Local) SetDriver(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.driver = path
}

// Build runs the driver script for pkg in a per-worker-index directory,
// translating its exit status into a types.BuildResult and measuring
// resource usage from the child's rusage.
func (c *Local) Build(ctx context.Context, workerID int, pkg types.PkgToBuild) (types.BuildResult, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return types.BuildResult{}, err
	}
	defer c.sem.Release(1)

	c.mu.Lock()
	dir := filepath.Join(c.basepath, fmt.Sprintf("worker-%d", workerID))
	driver := c.driver
	c.mu.Unlock()

	args := []string{pkg.Pkgbase}
	for _, v := range pkg.OnBuildVers {
		args = append(args, fmt.Sprintf("%s=%s:%s", pkg.Pkgbase, v.Old, v.New))
	}

	cmd := exec.CommandContext(ctx, driver, args...)
	cmd.Dir = dir

	start := time.Now()
	output, err := cmd.CombinedOutput()
	elapsed := time.Since(start)

	result := types.BuildResult{Elapsed: elapsed}
	if ps := cmd.ProcessState; ps != nil {
		if ru, ok := ps.SysUsage().(*syscall.Rusage); ok {
			result.Rusage = &types.Rusage{
				CPUTime: time.Duration(ru.Utime.Sec)*time.Second + time.Duration(ru.Utime.Usec)*time.Microsecond,
				Memory:  ru.Maxrss * 1024,
				Elapsed: elapsed,
			}
		}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if asExitError(err, &exitErr) && exitErr.ExitCode() == 2 {
			result.Kind = types.Skipped
			result.SkipReason = string(output)
			return result, nil
		}
		c.l.Warn("build failed", "pkg", pkg.Pkgbase, "err", err, "output", string(output))
		result.Kind = types.Failed
		result.Err = fmt.Errorf("%s: %w", driver, err)
		return result, nil
	}

	result.Kind = types.Successful
	return result, nil
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}
