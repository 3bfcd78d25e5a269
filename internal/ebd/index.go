package ebd

import (
	"archive/tar"
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// RepoEntry describes one binary package in the mirror index.
type RepoEntry struct {
	Name     string   `json:"name"`
	Version  string   `json:"version"`
	Revision string   `json:"revision"`
	Arch     string   `json:"arch"`
	Level    string   `json:"eapi"`
	Filename string   `json:"filename"`
	Size     int64    `json:"size"`
	B3Sum    string   `json:"b3sum"`
	Depends  []string `json:"depends,omitempty"`
}

// indexFileName is the mirror's index object key.
const indexFileName = "repo-index.json"

// ReadPackageMetadata builds a RepoEntry from a local binary package: size
// and checksum from the file, the rest from the embedded pkginfo.
func ReadPackageMetadata(tarballPath string) (RepoEntry, error) {
	entry := RepoEntry{Filename: filepath.Base(tarballPath)}

	info, err := os.Stat(tarballPath)
	if err != nil {
		return entry, err
	}
	entry.Size = info.Size()

	sum, err := ComputeChecksum(tarballPath, nil)
	if err != nil {
		return entry, fmt.Errorf("failed to compute checksum: %w", err)
	}
	entry.B3Sum = sum

	meta, deps, err := scanTarballMetadata(tarballPath)
	if err != nil {
		return entry, fmt.Errorf("failed to scan tarball metadata: %w", err)
	}

	entry.Name = meta["name"]
	entry.Version = meta["version"]
	entry.Revision = meta["revision"]
	entry.Arch = meta["arch"]
	entry.Level = meta["eapi"]
	entry.Depends = deps
	return entry, nil
}

// scanTarballMetadata reads the pkginfo and depends files out of a .tar.zst
// binary package in one pass.
func scanTarballMetadata(tarballPath string) (map[string]string, []string, error) {
	f, err := os.Open(tarballPath)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, nil, err
	}
	defer zr.Close()

	var meta map[string]string
	var deps []string

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}

		switch {
		case strings.HasSuffix(hdr.Name, "/pkginfo"):
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to read pkginfo from %s: %w", tarballPath, err)
			}
			meta = parsePkgInfo(data)
		case strings.HasSuffix(hdr.Name, "/depends"):
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to read depends from %s: %w", tarballPath, err)
			}
			for _, spec := range parseDepends(splitListData(data)) {
				if !spec.Make {
					deps = append(deps, spec.Name)
				}
			}
		}
	}

	if meta == nil {
		return nil, nil, fmt.Errorf("pkginfo not found in %s", tarballPath)
	}
	return meta, deps, nil
}

func parsePkgInfo(data []byte) map[string]string {
	meta := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), "=", 2)
		if len(parts) == 2 {
			meta[parts[0]] = parts[1]
		}
	}
	return meta
}

// splitListData applies the list-file rules (blank and # lines skipped) to
// in-memory data.
func splitListData(data []byte) []string {
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// ParseRepoIndex reads the index from JSON data. Empty data is an empty
// index, not an error.
func ParseRepoIndex(data []byte) ([]RepoEntry, error) {
	var index []RepoEntry
	if len(data) == 0 {
		return index, nil
	}
	err := json.Unmarshal(data, &index)
	return index, err
}

// MarshalRepoIndex renders the index the way it is stored remotely.
func MarshalRepoIndex(index []RepoEntry) ([]byte, error) {
	return json.MarshalIndent(index, "", "  ")
}

// isNewer reports whether a supersedes b (version first, then revision).
func isNewer(a, b RepoEntry) bool {
	if cmp := compareVersions(a.Version, b.Version); cmp != 0 {
		return cmp > 0
	}
	ar, _ := strconv.Atoi(a.Revision)
	br, _ := strconv.Atoi(b.Revision)
	return ar > br
}

// compareVersions compares dot-separated version strings. Numeric segments
// compare numerically, anything else falls back to lexicographic.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av, bv := "0", "0"
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}

		ai, aerr := strconv.Atoi(av)
		bi, berr := strconv.Atoi(bv)
		if aerr == nil && berr == nil {
			if ai != bi {
				if ai < bi {
					return -1
				}
				return 1
			}
			continue
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

func humanReadableSize(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
