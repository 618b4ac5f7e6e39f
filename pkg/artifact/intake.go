// Package artifact is the package-repository-manager boundary: it takes
// finished build artifacts in from workers and sends error reports out to
// maintainers.
package artifact

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/go-hclog"
)

// NewIntake returns an intake instance.
func NewIntake(l hclog.Logger) *Intake {
	x := Intake{
		l:         l.Named("intake"),
		repoMutex: new(sync.Mutex),
	}

	return &x
}

// SetPath sets the destination directory of the binary repository.
func (r *Intake) SetPath(p string) {
	// If this fails, something is dreadfully wrong.
	r.path, _ = filepath.Abs(p)
}

// registerFile registers a package file into the repository database.
func (r *Intake) registerFile(repo, fPath string) error {
	db := filepath.Join(filepath.Dir(fPath), repo+".db.tar.gz")
	cmd := exec.Command("repo-add", db, fPath)
	r.repoMutex.Lock()
	defer r.repoMutex.Unlock()
	if err := cmd.Run(); err != nil {
		r.l.Warn("Unable to register package into repository", "path", fPath, "repo", repo, "err", err)
		return err
	}
	r.l.Trace("Added package into repository", "path", fPath, "repo", repo)
	return nil
}

// handleFile copies a package file from HTTP out to an on-disk file.
func (r *Intake) handleFile(fname string, repo string, data io.ReadCloser) error {
	// Do not check error, as it is a reader from HTTP so we don't care too much
	// if it dosen't close properly.
	defer data.Close()

	fname = path.Base(fname)
	if fname == "." || fname == "/" || strings.HasPrefix(fname, ".") {
		return os.ErrInvalid
	}
	fPath := filepath.Join(r.path, repo, fname)
	err := os.MkdirAll(path.Dir(fPath), 0755)
	if err != nil {
		r.l.Warn("Error creating directory", "path", path.Dir(fPath), "err", err)
		return err
	}
	out, err := os.Create(fPath)
	if err != nil {
		r.l.Warn("Error creating/opening file", "path", fPath, "err", err)
		return err
	}

	if _, err = io.Copy(out, data); err != nil {
		r.l.Warn("Error copying data into file", "path", fPath, "err", err)
		// If something went wrong copying, the error closing out is likely to
		// be the same.
		_ = out.Close()
		return err
	}
	if err = out.Close(); err != nil {
		r.l.Warn("Error closing out file", "path", fPath, "err", err)
		return err
	}
	r.l.Trace("Wrote file from HTTP", "path", fPath)

	if err = r.registerFile(repo, fPath); err != nil {
		return err
	}
	return nil
}

// HTTPEntry provides the chi mountpoint for the intake into the routing tree.
func (r *Intake) HTTPEntry() chi.Router {
	rout := chi.NewRouter()
	rout.Put("/file", r.httpFile)
	return rout
}

// httpFile handles a file recieved via HTTP.
func (r *Intake) httpFile(w http.ResponseWriter, req *http.Request) {
	err := r.handleFile(req.URL.Query().Get("fname"), req.URL.Query().Get("repo"), req.Body)
	if err != nil {
		r.httpJSONError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// httpJSONError returns an error as JSON.
func (r *Intake) httpJSONError(w http.ResponseWriter, err error) {
	enc := json.NewEncoder(w)
	w.WriteHeader(http.StatusInternalServerError)
	out := struct {
		Error string
	}{
		Error: err.Error(),
	}
	w.Header().Set("Content-Type", "application/json")
	err = enc.Encode(out)
	if err != nil {
		r.l.Warn("Error encoding JSON error response")
	}
}
