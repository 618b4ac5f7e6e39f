package source

import (
	"sync"

	git "github.com/go-git/go-git/v5"
	"github.com/hashicorp/go-hclog"
)

// A RepoMngr manages the git side of the curated package repository: the
// batch controller's clone/reset/pull cycle plus the diff
// used to compute which packages changed between batches.
type RepoMngr struct {
	l    hclog.Logger
	Path string
	Url  string
	Mu   *sync.Mutex
	repo *git.Repository
}
