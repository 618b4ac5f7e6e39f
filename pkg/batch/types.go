package batch

import (
	"time"

	"github.com/lilacbuild/lilac/pkg/driver"
	"github.com/lilacbuild/lilac/pkg/reason"
	"github.com/lilacbuild/lilac/pkg/store/postgres"
	"github.com/lilacbuild/lilac/pkg/types"
)

// Database is the slice of the optional persistent database the batch
// controller and its sub-components consume.  A nil Database disables
// every history-driven behavior (throttles, rusage tie-breaks, OnBuild
// no-op detection).
type Database interface {
	GetPkgsLastRusage(pkgs []string) map[string]types.Rusage
	GetPkgsLastSuccessTimes(pkgs []string) map[string]time.Time
	GetUpdateOnBuildVers(refs []reason.OnBuildRef) ([]types.VerPair, error)
	IsLastBuildFailed(pkg string) bool
	InsertPkgLog(entry driver.PkgLogEntry) error
	RewritePkgCurrent(entries []postgres.PkgCurrent) error
	SetPkgStatus(pkg, status string) error
	RecordBatchEvent(event, logdir string) error
}

// VersionChecker is the boundary to the external upstream version
// checker's published results.
type VersionChecker interface {
	LoadIndex(path string) error
	Results(pkgs []string) map[string]types.NvResult
	Unknown(pkgs []string) map[string]struct{}
	CurrentVersion(pkg string) (string, bool)
	Take(pkgs []string) error
}

// Reporter is the union of the error-report boundaries the batch's
// sub-components need; artifact.Mailer satisfies it.
type Reporter interface {
	ReportNonexistentDeps(pkgbase string, missing []string)
	ReportUpdateOnBuildError(pkgbase string, err error)
	ReportBuildFailureDeps(pkgbase string, deps []string, allPreviouslyFailed bool)
	ReportBuildFailureGeneric(pkgbase string, err error, logPath string)
	ReportOrchestratorError(err error)
}

// Repo is the slice of source.RepoMngr the controller drives.
type Repo interface {
	At() (string, error)
	CurrentBranch() (string, error)
	ResetHard() error
	Pull() error
	Push() error
	DiffPkgs(pkgdir, oldCommit, newCommit string) ([]string, error)
	PkgrelChanged(oldCommit, newCommit, pkgdir, pkgbase string) (bool, error)
	RecipeChanged(oldCommit, newCommit, pkgdir, pkgbase string) (bool, error)
}
