package artifact

import (
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Intake takes built package artifacts via HTTP from workers and
// incorporates them into the curated binary repository.
type Intake struct {
	l         hclog.Logger
	path      string
	repoMutex *sync.Mutex
}
