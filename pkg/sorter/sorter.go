// Package sorter wraps an in-degree topological tracker with the two
// semantics the batch controller needs on top of it: packages pulled into
// the graph purely for ordering are auto-completed, and done() tolerates
// being called more than once for the same package.
package sorter

import (
	"sort"
	"sync"

	"github.com/lilacbuild/lilac/pkg/depgraph"
	"github.com/lilacbuild/lilac/pkg/reason"
)

// Sorter is the build-order tracker handed to the admission picker.
type Sorter struct {
	mu sync.Mutex

	forward  map[string]map[string]struct{}
	reverse  map[string]map[string]struct{}
	inDegree map[string]int

	reasons  reason.Map
	priority map[string]int

	ready   []string
	removed map[string]struct{}
	total   int
}

// New builds a Sorter from a consolidated dependency graph and the
// build_reasons map produced by the assignment pass. priorityOf computes
// each package's effective priority; it is evaluated once,
// up front, since priorities don't change mid-batch.
func New(g *depgraph.Graph, reasons reason.Map, priorityOf func(pkgbase string) int) *Sorter {
	s := &Sorter{
		forward:  make(map[string]map[string]struct{}),
		reverse:  make(map[string]map[string]struct{}),
		inDegree: make(map[string]int),
		reasons:  reasons,
		priority: make(map[string]int),
		removed:  make(map[string]struct{}),
	}

	nodes := make(map[string]struct{})
	for pkg := range reasons {
		nodes[pkg] = struct{}{}
	}
	for pkg, deps := range g.Forward {
		nodes[pkg] = struct{}{}
		for dep := range deps {
			nodes[dep] = struct{}{}
		}
	}

	for pkg := range nodes {
		s.forward[pkg] = make(map[string]struct{})
		s.reverse[pkg] = make(map[string]struct{})
	}
	for pkg, deps := range g.Forward {
		for dep := range deps {
			s.forward[pkg][dep] = struct{}{}
			s.reverse[dep][pkg] = struct{}{}
		}
	}
	for pkg := range nodes {
		s.inDegree[pkg] = len(s.forward[pkg])
		s.priority[pkg] = priorityOf(pkg)
	}
	s.total = len(nodes)

	var initialReady []string
	for pkg, deg := range s.inDegree {
		if deg == 0 {
			initialReady = append(initialReady, pkg)
		}
	}
	sort.Strings(initialReady) // deterministic across runs
	for _, pkg := range initialReady {
		s.emit(pkg)
	}

	return s
}

// emit is called with mu held; it either auto-completes a pulled-in
// ordering-only package or appends it to ready.
func (s *Sorter) emit(pkg string) {
	if !s.reasons.Has(pkg) {
		s.markDoneLocked(pkg)
		return
	}
	s.ready = append(s.ready, pkg)
}

// IsActive reports whether the sorter still has work outstanding: packages
// still in ready or not yet reported done.
func (s *Sorter) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ready) > 0 || len(s.removed) < s.total
}

// GetReady returns the current ready set, in priority order (ties broken
// alphabetically for determinism; the picker re-sorts by its own
// (priority, cpu_intensity) key anyway).
func (s *Sorter) GetReady() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.ready))
	copy(out, s.ready)
	sort.Slice(out, func(i, j int) bool {
		if s.priority[out[i]] != s.priority[out[j]] {
			return s.priority[out[i]] < s.priority[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}

// PriorityOf returns pkg's precomputed effective priority.
func (s *Sorter) PriorityOf(pkgbase string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.priority[pkgbase]
}

// Done marks pkg's build finalized, freeing its dependents. Idempotent:
// a pkg already removed from ready is silently ignored, tolerating the
// picker re-evaluating a package across regular and starvation rounds.
func (s *Sorter) Done(pkgbase string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markDoneLocked(pkgbase)
}

func (s *Sorter) markDoneLocked(pkgbase string) {
	if _, already := s.removed[pkgbase]; already {
		return
	}
	if _, known := s.forward[pkgbase]; !known {
		return
	}

	for i, p := range s.ready {
		if p == pkgbase {
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			break
		}
	}
	s.removed[pkgbase] = struct{}{}

	for dependent := range s.reverse[pkgbase] {
		if _, done := s.removed[dependent]; done {
			continue
		}
		s.inDegree[dependent]--
		if s.inDegree[dependent] == 0 {
			s.emit(dependent)
		}
	}
}
