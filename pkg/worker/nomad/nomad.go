// Package nomad dispatches builds as parameterized Nomad batch jobs and
// blocks until the dispatched job reaches a terminal state, presenting
// the cluster behind the synchronous worker.Worker boundary the build
// driver expects.
package nomad

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/nomad/api"

	"github.com/lilacbuild/lilac/pkg/types"
	"github.com/lilacbuild/lilac/pkg/worker"
)

func init() {
	worker.RegisterInitCallback(cb)
}

func cb() {
	worker.RegisterFactory("nomad", New)
}

// Provider dispatches build jobs against a Nomad cluster.
type Provider struct {
	l        hclog.Logger
	c        *api.Client
	jobName  string
	pollEach time.Duration
}

// New returns a Nomad-backed worker using the client's standard
// environment-derived configuration (NOMAD_ADDR, NOMAD_TOKEN, ...).
func New(l hclog.Logger) (worker.Worker, error) {
	c, err := api.NewClient(api.DefaultConfig())
	if err != nil {
		return nil, err
	}
	return &Provider{l: l.Named("nomad"), c: c, jobName: "lilac-build", pollEach: 2 * time.Second}, nil
}

// Build dispatches a parameterized job instance for pkg and blocks,
// polling, until the dispatched job's evaluation and allocations settle
// into a terminal state.
func (p *Provider) Build(ctx context.Context, workerID int, pkg types.PkgToBuild) (types.BuildResult, error) {
	meta := map[string]string{
		"package":   pkg.Pkgbase,
		"worker_id": fmt.Sprintf("%d", workerID),
		"on_build":  encodeOnBuildVers(pkg.OnBuildVers),
	}

	resp, _, err := p.c.Jobs().Dispatch(p.jobName, meta, nil, nil)
	if err != nil {
		return types.BuildResult{Kind: types.Failed, Err: err}, nil
	}

	start := time.Now()
	status, err := p.awaitCompletion(ctx, resp.DispatchedJobID)
	elapsed := time.Since(start)
	if err != nil {
		return types.BuildResult{Kind: types.Failed, Err: err, Elapsed: elapsed}, nil
	}

	result := types.BuildResult{Elapsed: elapsed}
	switch status {
	case "complete":
		result.Kind = types.Successful
	case "skipped":
		result.Kind = types.Skipped
	default:
		result.Kind = types.Failed
		result.Err = fmt.Errorf("nomad job %s ended in status %q", resp.DispatchedJobID, status)
	}
	return result, nil
}

// awaitCompletion polls the dispatched job until Nomad reports it as dead,
// returning the job's Meta["result"] tag (populated by the build driver
// script on exit) as the outcome status.
func (p *Provider) awaitCompletion(ctx context.Context, jobID string) (string, error) {
	ticker := time.NewTicker(p.pollEach)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		job, _, err := p.c.Jobs().Info(jobID, nil)
		if err != nil {
			continue
		}
		if job.Status == nil || *job.Status != "dead" {
			continue
		}
		if r, ok := job.Meta["result"]; ok {
			return r, nil
		}
		return "complete", nil
	}
}

func encodeOnBuildVers(vers []types.VerPair) string {
	out := ""
	for i, v := range vers {
		if i > 0 {
			out += ","
		}
		out += v.Old + ":" + v.New
	}
	return out
}
