package batch

import (
	"errors"
	"sort"

	"github.com/lilacbuild/lilac/pkg/httpapi"
)

// Status implements the /status view: what is running, queued, built, and
// failed right now.  Between batches everything is empty.
func (c *Controller) Status() httpapi.BatchStatus {
	c.mu.Lock()
	srt, drv := c.srt, c.drv
	c.mu.Unlock()

	st := httpapi.BatchStatus{}
	if srt != nil {
		st.Queued = srt.GetReady()
	}
	if drv != nil {
		st.Running = drv.Running()
		st.Built = drv.BuiltList()
		st.Failed = drv.FailedList()
		sort.Strings(st.Built)
		sort.Strings(st.Failed)
	}
	return st
}

// Pkg implements the /pkgs/{pkgbase} view.
func (c *Controller) Pkg(pkgbase string) (httpapi.PkgStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rs, ok := c.reasons[pkgbase]
	if !ok {
		return httpapi.PkgStatus{}, false
	}

	st := httpapi.PkgStatus{Pkgbase: pkgbase}
	for _, r := range rs {
		st.Reasons = append(st.Reasons, r.Display())
	}
	if c.srt != nil {
		st.Priority = c.srt.PriorityOf(pkgbase)
	}
	if c.drv != nil {
		for _, b := range c.drv.BuiltList() {
			if b == pkgbase {
				st.LastResult = "successful"
			}
		}
		for _, f := range c.drv.FailedList() {
			if f == pkgbase {
				st.LastResult = "failed"
			}
		}
	}
	return st, true
}

// Reload requests another batch from the daemon loop.  A batch already in
// flight is refused; its reason assignment is immutable once the sorter
// is built.
func (c *Controller) Reload() error {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active {
		return errors.New("a batch is already in flight")
	}
	select {
	case c.reloadCh <- struct{}{}:
	default:
	}
	return nil
}

// ReloadRequests exposes the reload channel the daemon loop waits on.
func (c *Controller) ReloadRequests() <-chan struct{} {
	return c.reloadCh
}
