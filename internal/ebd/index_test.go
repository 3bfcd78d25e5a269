package ebd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0", "1.0", 0},
		{"1.0", "1.1", -1},
		{"1.10", "1.9", 1},
		{"2.0", "1.99.99", 1},
		{"1.0", "1.0.1", -1},
		{"1.0a", "1.0b", -1},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, compareVersions(tc.a, tc.b), "compareVersions(%q, %q)", tc.a, tc.b)
	}
}

func TestIsNewer(t *testing.T) {
	old := RepoEntry{Version: "1.2", Revision: "1"}
	require.True(t, isNewer(RepoEntry{Version: "1.3", Revision: "1"}, old))
	require.False(t, isNewer(RepoEntry{Version: "1.1", Revision: "9"}, old))
	require.True(t, isNewer(RepoEntry{Version: "1.2", Revision: "2"}, old))
	require.False(t, isNewer(RepoEntry{Version: "1.2", Revision: "1"}, old))
}

func TestRepoIndexRoundTrip(t *testing.T) {
	index := []RepoEntry{
		{Name: "zlib", Version: "1.3", Revision: "1", Arch: "amd64", Filename: "zlib-1.3-1-amd64.tar.zst", Size: 1234, B3Sum: "abc"},
		{Name: "make", Version: "4.4", Revision: "2", Arch: "amd64", Filename: "make-4.4-2-amd64.tar.zst", Depends: []string{"libc"}},
	}

	data, err := MarshalRepoIndex(index)
	require.NoError(t, err)

	parsed, err := ParseRepoIndex(data)
	require.NoError(t, err)
	require.Equal(t, index, parsed)

	empty, err := ParseRepoIndex(nil)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestHumanReadableSize(t *testing.T) {
	require.Equal(t, "512 B", humanReadableSize(512))
	require.Equal(t, "1.0 KiB", humanReadableSize(1024))
	require.Equal(t, "1.5 MiB", humanReadableSize(3*1024*1024/2))
	require.Equal(t, "2.0 GiB", humanReadableSize(2*1024*1024*1024))
}

func TestParsePkgInfo(t *testing.T) {
	meta := parsePkgInfo([]byte("name=zlib\nversion=1.3\nrevision=1\narch=amd64\neapi=4\nodd line\n"))
	require.Equal(t, "zlib", meta["name"])
	require.Equal(t, "4", meta["eapi"])
	require.Len(t, meta, 5)
}

func TestBinpkgName(t *testing.T) {
	require.Equal(t, "zlib-1.3-1-amd64.tar.zst", binpkgName("zlib", "1.3", "1", "amd64"))
}
