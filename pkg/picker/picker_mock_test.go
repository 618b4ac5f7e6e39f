package picker

import (
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/lilacbuild/lilac/pkg/picker/mocks"
	"github.com/lilacbuild/lilac/pkg/reason"
	"github.com/lilacbuild/lilac/pkg/types"
)

func TestMemoryAccountingAcrossPicks(t *testing.T) {
	ctrl := gomock.NewController(t)

	const eightGiB = int64(8) << 30
	rusage := mocks.NewMockRusageSource(ctrl)
	rusage.EXPECT().GetPkgsLastRusage(gomock.Any()).Return(map[string]types.Rusage{
		"p1": {Memory: eightGiB, CPUTime: 1, Elapsed: 10},
		"p2": {Memory: eightGiB, CPUTime: 2, Elapsed: 10},
	})

	s := &fakeSorter{active: true, ready: []string{"p1", "p2"}}
	reasons := reason.Map{
		"p1": reason.List{reason.Cmdline{}},
		"p2": reason.List{reason.Cmdline{}},
	}
	p := New(hclog.NewNullLogger(), s, reasons, rusage, nil, nil)

	picks := p.Pick(2, nil, false, 0.5, int64(12)<<30)
	require.Len(t, picks, 1, "the second pick no longer fits after the first is charged")
	require.Equal(t, "p1", picks[0].Pkgbase)
}

func TestOnBuildVersConsultedOncePerEvaluation(t *testing.T) {
	ctrl := gomock.NewController(t)

	obv := mocks.NewMockOnBuildVersions(ctrl)
	obv.EXPECT().GetUpdateOnBuildVers([]reason.OnBuildRef{{Pkgbase: "q"}}).
		Return([]types.VerPair{{Old: "1", New: "2"}}, nil)

	s := &fakeSorter{active: true, ready: []string{"a"}}
	reasons := reason.Map{"a": reason.List{reason.OnBuild{UpdateOnBuild: []reason.OnBuildRef{{Pkgbase: "q"}}}}}
	p := New(hclog.NewNullLogger(), s, reasons, nil, obv, nil)

	picks := p.Pick(1, nil, true, 0.5, 1<<40)
	require.Len(t, picks, 1)
	require.Equal(t, []types.VerPair{{Old: "1", New: "2"}}, picks[0].OnBuildVers)
}
