// Package lilacinfo loads the declarative per-package build metadata that
// the lilac-info loader is expected
// to provide: maintainers, update sources, throttle intervals, and
// update_on_build cross-references. It is implemented here as the default
// adapter behind that boundary, using HCL2 for the on-disk format.
package lilacinfo

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/zclconf/go-cty/cty"
)

// Maintainer is a person to notify on build failure.
type Maintainer struct {
	Name  string `hcl:"name,label"`
	Email string `hcl:"email"`
}

// UpdateSource is one upstream source a package's version is tracked
// against, in configured order (index 0 is primary).
type UpdateSource struct {
	Name string `hcl:"name,label"`
}

// Throttle limits how often a given source index is allowed to trigger a
// rebuild, keyed by that source's index in Sources.
type Throttle struct {
	SourceIdx int    `hcl:"source_idx"`
	Interval  string `hcl:"interval"`
}

// rawInfo is the on-disk shape, decoded with hclsimple/gohcl.
type rawInfo struct {
	Maintainers   []Maintainer   `hcl:"maintainer,block"`
	Sources       []UpdateSource `hcl:"update_on,block"`
	Throttles     []Throttle     `hcl:"throttle,block"`
	UpdateOnBuild []string       `hcl:"update_on_build,optional"`
	Depends       []string       `hcl:"depends,optional"`
	MakeDepends   []string       `hcl:"makedepends,optional"`
}

// Info is a single package's parsed metadata, ready for consumption by the
// reason-assignment pass.
type Info struct {
	Pkgbase       string
	Maintainers   []Maintainer
	Sources       []UpdateSource
	ThrottleInfo  map[int]time.Duration
	UpdateOnBuild []string
	Depends       []string
	MakeDepends   []string
}

// evalContext exposes the package's own identity to its metadata file, so
// cross-references can be written as "${pkgbase}-docs" and survive package
// renames.
func evalContext(pkgbase string) *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"pkgbase": cty.StringVal(pkgbase),
		},
	}
}

// Load parses a single package's lilacinfo.hcl file.
func Load(pkgbase, path string) (*Info, error) {
	var raw rawInfo
	if err := hclsimple.DecodeFile(path, evalContext(pkgbase), &raw); err != nil {
		return nil, fmt.Errorf("lilacinfo: decode %s: %w", path, err)
	}

	throttles := make(map[int]time.Duration, len(raw.Throttles))
	for _, th := range raw.Throttles {
		d, err := time.ParseDuration(th.Interval)
		if err != nil {
			return nil, fmt.Errorf("lilacinfo: %s: bad throttle interval %q: %w", pkgbase, th.Interval, err)
		}
		throttles[th.SourceIdx] = d
	}

	return &Info{
		Pkgbase:       pkgbase,
		Maintainers:   raw.Maintainers,
		Sources:       raw.Sources,
		ThrottleInfo:  throttles,
		UpdateOnBuild: raw.UpdateOnBuild,
		Depends:       raw.Depends,
		MakeDepends:   raw.MakeDepends,
	}, nil
}

// LoadManaged walks repodir/pkgdir/<pkgbase>/lilacinfo.hcl for every
// directory entry and returns the managed metadata set, logging (via the
// returned failed map) any package whose metadata failed to parse rather
// than aborting the whole load — a malformed lilacinfo should not take
// down an entire batch.
func LoadManaged(repodir, pkgdir string) (map[string]*Info, map[string]error) {
	out := make(map[string]*Info)
	failed := make(map[string]error)

	base := filepath.Join(repodir, pkgdir)
	entries, err := os.ReadDir(base)
	if err != nil {
		return out, map[string]error{"": err}
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pkgbase := e.Name()
		path := filepath.Join(base, pkgbase, "lilacinfo.hcl")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		info, err := Load(pkgbase, path)
		if err != nil {
			failed[pkgbase] = err
			continue
		}
		out[pkgbase] = info
	}
	return out, failed
}
