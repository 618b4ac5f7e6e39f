// Package worker defines the build-worker boundary and its pluggable
// backend registry. Backends register themselves from init via deferred
// callbacks (RegisterInitCallback, DoCallbacks) so registration can log
// through the configured logger tree. A Worker is synchronous: one call,
// one result, matching the driver's goroutine-per-slot model.
package worker

import (
	"context"

	"github.com/hashicorp/go-hclog"

	"github.com/lilacbuild/lilac/pkg/types"
)

// Worker builds exactly one package and blocks until it has a result.
// workerID is the caller's monotonically assigned slot index, used for log
// tagging and bind-mount/container isolation.
type Worker interface {
	Build(ctx context.Context, workerID int, pkg types.PkgToBuild) (types.BuildResult, error)
}

// Factory constructs a Worker backend, given a logger for early-init
// diagnostics.
type Factory func(l hclog.Logger) (Worker, error)

var (
	log           hclog.Logger
	initcallbacks []func()
	factories     map[string]Factory
)

func init() {
	factories = make(map[string]Factory)
	log = hclog.L()
}

// SetLogger injects a logger into this package so registration messages
// nest under the orchestrator's logger tree.
func SetLogger(l hclog.Logger) {
	log = l.Named("worker")
}

// RegisterInitCallback defers a backend's registration until config and
// logging are ready.
func RegisterInitCallback(f func()) {
	initcallbacks = append(initcallbacks, f)
}

// DoCallbacks runs every deferred registration, populating the factory
// map.
func DoCallbacks() {
	for _, cb := range initcallbacks {
		cb()
	}
}

// RegisterFactory records a named worker backend.
func RegisterFactory(name string, f Factory) {
	factories[name] = f
	log.Info("registered worker backend", "backend", name)
}

// ErrUnknownBackend is returned when Construct is asked for a name nothing
// registered.
type ErrUnknownBackend struct{ Attempted string }

func (e ErrUnknownBackend) Error() string {
	return "no worker backend named " + e.Attempted
}

// Construct builds the named backend.
func Construct(name string) (Worker, error) {
	f, ok := factories[name]
	if !ok {
		log.Warn("requested unknown worker backend", "name", name)
		return nil, ErrUnknownBackend{Attempted: name}
	}
	return f(log)
}
