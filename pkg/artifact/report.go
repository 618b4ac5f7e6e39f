package artifact

import (
	"fmt"
	"net/smtp"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/lilacbuild/lilac/pkg/reason"
)

// Mailer sends per-package error reports to maintainers and operator
// reports for orchestrator-level failures.  It satisfies the Reporter
// boundaries of depgraph, picker, and driver, so one instance serves the
// whole batch.
type Mailer struct {
	l hclog.Logger

	smtpAddr string
	from     string
	toOps    string

	// MaintainersOf resolves a pkgbase to recipient addresses.  With no
	// resolver (or no addresses) reports fall through to the operator.
	MaintainersOf func(pkgbase string) []string
	// Reasons is the batch's build_reasons map, included in reports and
	// used to key the per-batch dedup.
	Reasons reason.Map

	mu   sync.Mutex
	sent map[uint64]struct{}
}

// NewMailer builds a Mailer.  An empty smtpAddr turns every report into a
// log line only, which is what tests and mail-less deployments want.
func NewMailer(l hclog.Logger, smtpAddr, from, toOps string) *Mailer {
	return &Mailer{
		l:        l.Named("mail"),
		smtpAddr: smtpAddr,
		from:     from,
		toOps:    toOps,
		sent:     make(map[uint64]struct{}),
	}
}

// ReportNonexistentDeps mails a package's maintainers about dependencies
// on packages outside the managed set, once per batch.
func (m *Mailer) ReportNonexistentDeps(pkgbase string, missing []string) {
	subject := fmt.Sprintf("%s depends on nonexistent packages", pkgbase)
	body := fmt.Sprintf("Package %s references dependencies that are not in the managed set and are not installed:\n\n  %s\n\nThese were skipped for this batch.",
		pkgbase, strings.Join(missing, "\n  "))
	m.send(pkgbase, "nonexistent-deps", subject, body)
}

// ReportUpdateOnBuildError mails about a failed update_on_build version
// evaluation.
func (m *Mailer) ReportUpdateOnBuildError(pkgbase string, err error) {
	subject := fmt.Sprintf("%s: update_on_build evaluation failed", pkgbase)
	body := fmt.Sprintf("Evaluating the update_on_build cross-references of %s failed:\n\n%v\n\nThe package was skipped for this batch.", pkgbase, err)
	m.send(pkgbase, "on-build-error", subject, body)
}

// ReportBuildFailureDeps mails about a build that failed on missing
// dependencies, distinguishing the case where every missing dep already
// failed earlier in this batch from the case where some were not.
func (m *Mailer) ReportBuildFailureDeps(pkgbase string, deps []string, allPreviouslyFailed bool) {
	var subject, lead string
	if allPreviouslyFailed {
		subject = fmt.Sprintf("%s failed on previously failed dependencies", pkgbase)
		lead = "Every missing dependency failed to build earlier in this batch:"
	} else {
		subject = fmt.Sprintf("%s failed on missing dependencies", pkgbase)
		lead = "The build is missing these dependencies, not all of which failed earlier in this batch:"
	}
	body := fmt.Sprintf("%s\n\n  %s\n", lead, strings.Join(deps, "\n  "))
	m.send(pkgbase, "build-deps", subject, body)
}

// ReportBuildFailureGeneric mails about a build failure unrelated to
// dependencies, pointing at the logfile.
func (m *Mailer) ReportBuildFailureGeneric(pkgbase string, err error, logPath string) {
	subject := fmt.Sprintf("%s failed to build", pkgbase)
	body := fmt.Sprintf("The build of %s failed:\n\n%v\n", pkgbase, err)
	if logPath != "" {
		body += fmt.Sprintf("\nFull log: %s\n", logPath)
	}
	m.send(pkgbase, "build-generic", subject, body)
}

// ReportOrchestratorError mails the operator about an unexpected batch
// controller failure.
func (m *Mailer) ReportOrchestratorError(err error) {
	m.deliver([]string{m.toOps}, "orchestrator error", fmt.Sprintf("The batch aborted with an unexpected error:\n\n%v\n", err))
}

// send resolves recipients, dedupes per (pkg, kind, reasons), and
// delivers.
func (m *Mailer) send(pkgbase, kind, subject, body string) {
	key := reason.Hash(pkgbase+"\x00"+kind, m.Reasons[pkgbase])
	m.mu.Lock()
	if _, dup := m.sent[key]; dup {
		m.mu.Unlock()
		m.l.Trace("Suppressing duplicate report", "pkg", pkgbase, "kind", kind)
		return
	}
	m.sent[key] = struct{}{}
	m.mu.Unlock()

	if rs := m.Reasons[pkgbase]; len(rs) > 0 {
		var lines []string
		for _, r := range rs {
			lines = append(lines, "  - "+r.Display())
		}
		body += "\nThis package was scheduled because:\n" + strings.Join(lines, "\n") + "\n"
	}

	var to []string
	if m.MaintainersOf != nil {
		to = m.MaintainersOf(pkgbase)
	}
	if len(to) == 0 {
		to = []string{m.toOps}
	}
	m.deliver(to, subject, body)
}

func (m *Mailer) deliver(to []string, subject, body string) {
	if m.smtpAddr == "" || len(to) == 0 || to[0] == "" {
		m.l.Warn("Report (mail not configured)", "subject", subject)
		return
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		m.from, strings.Join(to, ", "), subject, body)
	if err := smtp.SendMail(m.smtpAddr, nil, m.from, to, []byte(msg)); err != nil {
		m.l.Warn("Error sending report", "subject", subject, "err", err)
	}
}
