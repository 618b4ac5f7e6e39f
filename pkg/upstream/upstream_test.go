package upstream

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
	"howett.net/plist"
)

func writeIndex(t *testing.T, records map[string]*pkgRecord) string {
	t.Helper()

	pl, err := plist.Marshal(records, plist.XMLFormat)
	require.NoError(t, err)

	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	tw := tar.NewWriter(zw)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: indexMember, Mode: 0644, Size: int64(len(pl))}))
	_, err = tw.Write(pl)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "nvresults.tar.zst")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return "file://" + path
}

func TestLoadIndexAndResults(t *testing.T) {
	url := writeIndex(t, map[string]*pkgRecord{
		"foo": {Sources: []sourceRecord{{Name: "github", Oldver: "1.0", Newver: "1.1"}}},
		"bar": {Unknown: true},
	})

	is := NewIndexService(hclog.NewNullLogger())
	require.NoError(t, is.LoadIndex(url))
	require.Equal(t, 2, is.PkgCount())

	results := is.Results([]string{"foo", "bar", "baz"})
	require.Len(t, results, 1)
	require.Equal(t, "1.1", results["foo"].Sources[0].New)

	unknown := is.Unknown([]string{"foo", "bar"})
	require.Contains(t, unknown, "bar")
	require.NotContains(t, unknown, "foo")

	ver, ok := is.CurrentVersion("foo")
	require.True(t, ok)
	require.Equal(t, "1.1", ver)

	_, ok = is.CurrentVersion("bar")
	require.False(t, ok, "unknown packages have no current version")
}

func TestLoadIndexBadScheme(t *testing.T) {
	is := NewIndexService(hclog.NewNullLogger())
	require.Error(t, is.LoadIndex("ftp://nope"))
}

func TestTakeWithoutEndpointIsNoop(t *testing.T) {
	url := writeIndex(t, map[string]*pkgRecord{
		"foo": {Sources: []sourceRecord{{Name: "github", Oldver: "1.0", Newver: "1.1"}}},
	})
	is := NewIndexService(hclog.NewNullLogger())
	require.NoError(t, is.LoadIndex(url))
	require.NoError(t, is.Take([]string{"foo"}))
}
