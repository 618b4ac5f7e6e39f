package reason

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNvCheckerPriority(t *testing.T) {
	cases := []struct {
		name string
		n    NvChecker
		want int
	}{
		{"manual source", NvChecker{Items: []NvItem{{0, "manual"}}}, 0},
		{"two sources", NvChecker{Items: []NvItem{{0, "github"}, {1, "pypi"}}}, 1},
		{"secondary source only", NvChecker{Items: []NvItem{{1, "pypi"}}}, 1},
		{"primary source only", NvChecker{Items: []NvItem{{0, "github"}}}, 3},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.want, c.n.PriorityClass())
		})
	}
}

func TestListMinPriority(t *testing.T) {
	rs := List{UpdatedFailed{}, UpdatedPkgrel{}, Cmdline{}}
	require.Equal(t, 0, rs.MinPriority())
}

func TestOnlyOnBuild(t *testing.T) {
	rs := List{OnBuild{UpdateOnBuild: []OnBuildRef{{Pkgbase: "a"}}}}
	ob, ok := rs.OnlyOnBuild()
	require.True(t, ok)
	require.Len(t, ob.UpdateOnBuild, 1)

	rs2 := List{OnBuild{}, Cmdline{}}
	_, ok2 := rs2.OnlyOnBuild()
	require.False(t, ok2)
}

func TestMapAddHas(t *testing.T) {
	m := Map{}
	require.False(t, m.Has("foo"))
	m.Add("foo", UpdatedPkgrel{})
	require.True(t, m.Has("foo"))
	require.Len(t, m["foo"], 1)
}
