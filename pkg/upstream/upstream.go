// Package upstream is the client side of the external version checker
// boundary.  The checker runs out of process and publishes its per-source
// (oldver, newver) results as a plist index inside a zstd-compressed tar,
// which this package fetches and decodes; acknowledgements flow back the
// other way via Take.
package upstream

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/klauspost/compress/zstd"
	"howett.net/plist"

	"github.com/lilacbuild/lilac/pkg/types"
)

// indexMember is the file inside the archive that carries the results.
const indexMember = "nvresults.plist"

// sourceRecord is one upstream source's result in the on-wire index.
type sourceRecord struct {
	Name   string `plist:"name"`
	Oldver string `plist:"oldver"`
	Newver string `plist:"newver"`
}

// pkgRecord is one package's worth of results in the on-wire index.
type pkgRecord struct {
	Sources []sourceRecord `plist:"sources"`
	Unknown bool           `plist:"unknown"`
	Rebuild bool           `plist:"rebuild"`
}

// IndexService fetches and interrogates the version checker's result
// index.
type IndexService struct {
	l hclog.Logger

	records map[string]*pkgRecord

	// TakeURL, when set, receives version acknowledgements as JSON.
	TakeURL string
}

// NewIndexService creates an IndexService
func NewIndexService(l hclog.Logger) *IndexService {
	is := IndexService{
		l:       l.Named("upstream"),
		records: make(map[string]*pkgRecord),
	}
	return &is
}

// LoadIndex retrieves the index via http or a local file.
func (is *IndexService) LoadIndex(path string) error {
	var indexBytes []byte
	var err error

	switch {
	case strings.HasPrefix(path, "http"):
		indexBytes, err = is.fetchHTTP(path)
	case strings.HasPrefix(path, "file"):
		indexBytes, err = is.fetchFile(path)
	default:
		err = errors.New("unknown index scheme")
		is.l.Error("Index scheme must be either file or http(s)")
	}
	if err != nil {
		return err
	}

	if err := is.parseIndex(indexBytes); err != nil {
		return err
	}

	return nil
}

// PkgCount is a quick check of how many packages this index knows about.
func (is *IndexService) PkgCount() int {
	return len(is.records)
}

// Results converts the loaded index into the per-package NvResult map the
// reason-assignment pass consumes, restricted to pkgs.
func (is *IndexService) Results(pkgs []string) map[string]types.NvResult {
	out := make(map[string]types.NvResult)
	for _, pkg := range pkgs {
		rec, ok := is.records[pkg]
		if !ok || rec.Unknown {
			continue
		}
		nv := types.NvResult{Pkgbase: pkg}
		for _, src := range rec.Sources {
			nv.Sources = append(nv.Sources, types.VersionChange{
				Source: src.Name,
				Old:    src.Oldver,
				New:    src.Newver,
			})
		}
		out[pkg] = nv
	}
	return out
}

// Unknown returns the pkgbases whose version check failed; they are
// excluded from pkgrel-driven rebuilds.
func (is *IndexService) Unknown(pkgs []string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, pkg := range pkgs {
		if rec, ok := is.records[pkg]; ok && rec.Unknown {
			out[pkg] = struct{}{}
		}
	}
	return out
}

// CurrentVersion returns a package's freshly-checked newver from its
// primary source.
func (is *IndexService) CurrentVersion(pkg string) (string, bool) {
	rec, ok := is.records[pkg]
	if !ok || rec.Unknown || len(rec.Sources) == 0 {
		return "", false
	}
	return rec.Sources[0].Newver, true
}

// Take acknowledges the named packages' new versions back to the checker,
// so the next run treats them as the baseline.
func (is *IndexService) Take(pkgs []string) error {
	if len(pkgs) == 0 {
		return nil
	}
	ack := make(map[string]string, len(pkgs))
	for _, pkg := range pkgs {
		rec, ok := is.records[pkg]
		if !ok || len(rec.Sources) == 0 {
			continue
		}
		ack[pkg] = rec.Sources[0].Newver
	}
	if len(ack) == 0 {
		return nil
	}
	if is.TakeURL == "" {
		is.l.Debug("No take endpoint configured, dropping acknowledgements", "count", len(ack))
		return nil
	}

	body, err := json.Marshal(ack)
	if err != nil {
		return err
	}
	resp, err := http.Post(is.TakeURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.New("take endpoint returned " + resp.Status)
	}
	is.l.Info("Acknowledged versions to checker", "count", len(ack))
	return nil
}

func (is *IndexService) fetchHTTP(path string) ([]byte, error) {
	resp, err := http.Get(path)
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (is *IndexService) fetchFile(path string) ([]byte, error) {
	return os.ReadFile(strings.TrimPrefix(path, "file://"))
}

func (is *IndexService) parseIndex(indexBytes []byte) error {
	ibr := bytes.NewReader(indexBytes)

	d, err := zstd.NewReader(ibr)
	if err != nil {
		return err
	}
	defer d.Close()

	tarchive := tar.NewReader(d)

	// Iterate through the tar inside the zstd file and pick out the
	// results member.
	for {
		header, err := tarchive.Next()
		switch err {
		case nil:
		case io.EOF:
			return nil
		default:
			return err
		}

		if header.Name != indexMember {
			continue
		}

		buf := &bytes.Buffer{}
		if _, err := buf.ReadFrom(tarchive); err != nil {
			return err
		}
		rs := bytes.NewReader(buf.Bytes())
		dec := plist.NewDecoder(rs)
		if err := dec.Decode(&is.records); err != nil {
			return err
		}
		return nil
	}
}
