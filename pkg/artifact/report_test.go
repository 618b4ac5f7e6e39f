package artifact

import (
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/lilacbuild/lilac/pkg/reason"
)

func TestReportDedupPerBatch(t *testing.T) {
	m := NewMailer(hclog.NewNullLogger(), "", "", "")
	m.Reasons = reason.Map{"foo": reason.List{reason.Cmdline{}}}

	m.ReportNonexistentDeps("foo", []string{"libx"})
	m.ReportNonexistentDeps("foo", []string{"libx"})
	require.Len(t, m.sent, 1, "second identical report is suppressed")

	m.ReportBuildFailureGeneric("foo", nil, "")
	require.Len(t, m.sent, 2, "different report kinds are distinct")
}

func TestReportDifferentPkgsDistinct(t *testing.T) {
	m := NewMailer(hclog.NewNullLogger(), "", "", "")
	m.Reasons = reason.Map{}

	m.ReportUpdateOnBuildError("a", nil)
	m.ReportUpdateOnBuildError("b", nil)
	require.Len(t, m.sent, 2)
}
