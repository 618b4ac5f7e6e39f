package lilacinfo

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleInfo = `
maintainer "alice" {
  email = "alice@example.org"
}

update_on "github" {}
update_on "pypi" {}

throttle {
  source_idx = 1
  interval   = "24h"
}

update_on_build = ["${pkgbase}-docs"]
depends         = ["libfoo", "python"]
makedepends     = ["cmake"]
`

func writeInfo(t *testing.T, base, pkgbase, content string) {
	t.Helper()
	dir := filepath.Join(base, pkgbase)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lilacinfo.hcl"), []byte(content), 0644))
}

func TestLoad(t *testing.T) {
	base := t.TempDir()
	writeInfo(t, base, "foo", sampleInfo)

	info, err := Load("foo", filepath.Join(base, "foo", "lilacinfo.hcl"))
	require.NoError(t, err)

	require.Equal(t, "alice@example.org", info.Maintainers[0].Email)
	require.Len(t, info.Sources, 2)
	require.Equal(t, 24*time.Hour, info.ThrottleInfo[1])
	require.Equal(t, []string{"foo-docs"}, info.UpdateOnBuild, "pkgbase variable interpolated")
	require.Equal(t, []string{"libfoo", "python"}, info.Depends)
	require.Equal(t, []string{"cmake"}, info.MakeDepends)
}

func TestLoadBadThrottle(t *testing.T) {
	base := t.TempDir()
	writeInfo(t, base, "foo", "throttle {\n  source_idx = 0\n  interval = \"notaduration\"\n}\n")

	_, err := Load("foo", filepath.Join(base, "foo", "lilacinfo.hcl"))
	require.Error(t, err)
}

func TestLoadManagedCollectsFailures(t *testing.T) {
	repodir := t.TempDir()
	base := filepath.Join(repodir, "pkgs")
	writeInfo(t, base, "good", "depends = [\"libfoo\"]\n")
	writeInfo(t, base, "bad", "maintainer \"x\" {\n")

	infos, failed := LoadManaged(repodir, "pkgs")
	require.Contains(t, infos, "good")
	require.NotContains(t, infos, "bad")
	require.Contains(t, failed, "bad")
}
