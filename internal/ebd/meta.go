package ebd

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// PackageMeta is what the repository declares about one package before any
// build starts.
type PackageMeta struct {
	Name     string
	Version  string
	Revision string
	Level    string
	Dir      string
	Sources  []string // distfile names in declaration order
	Depends  []depSpec
}

// depSpec is one dependency declaration; Make marks build-only deps that do
// not travel into the binary package metadata.
type depSpec struct {
	Name string
	Make bool
}

// findPackageDir locates a package across the configured repository paths,
// first hit wins. A directory without a version file is not a package.
func findPackageDir(pkgName string) (string, error) {
	for _, base := range filepath.SplitList(repoPaths) {
		if base == "" {
			continue
		}
		candidate := filepath.Join(base, pkgName)
		if info, err := os.Stat(candidate); err != nil || !info.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(candidate, "version")); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s (searched PKGCORE_PATH)", errPackageNotFound, pkgName)
}

// loadPackageMeta reads a package's declaration files. Only the version file
// is mandatory.
func loadPackageMeta(pkgName string) (*PackageMeta, error) {
	dir, err := findPackageDir(pkgName)
	if err != nil {
		return nil, err
	}

	meta := &PackageMeta{
		Name:     pkgName,
		Revision: "1",
		Level:    DefaultLevel,
		Dir:      dir,
	}

	verData, err := os.ReadFile(filepath.Join(dir, "version"))
	if err != nil {
		return nil, fmt.Errorf("cannot read version file for %s: %w", pkgName, err)
	}
	fields := strings.Fields(string(verData))
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty version file for %s", pkgName)
	}
	meta.Version = fields[0]
	if len(fields) > 1 {
		meta.Revision = fields[1]
	}

	// A missing eapi file means the package predates declared levels.
	if data, err := os.ReadFile(filepath.Join(dir, "eapi")); err == nil {
		if lv := strings.TrimSpace(string(data)); lv != "" {
			meta.Level = lv
		}
	}

	meta.Sources, err = readListFile(filepath.Join(dir, "sources"))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("cannot read sources file for %s: %w", pkgName, err)
	}

	if lines, err := readListFile(filepath.Join(dir, "depends")); err == nil {
		meta.Depends = parseDepends(lines)
	}

	return meta, nil
}

// readListFile reads one entry per line, skipping blanks and # comments.
func readListFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

func parseDepends(lines []string) []depSpec {
	var deps []depSpec
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		spec := depSpec{Name: fields[0]}
		for _, f := range fields[1:] {
			if f == "make" {
				spec.Make = true
			}
		}
		deps = append(deps, spec)
	}
	return deps
}

// listPatches returns the package's patch files sorted by name.
func listPatches(pkgDir string) []string {
	matches, err := filepath.Glob(filepath.Join(pkgDir, "patches", "*.patch"))
	if err != nil {
		return nil
	}
	sort.Strings(matches)
	return matches
}

// distfilePath resolves a declared source name inside the distfiles dir.
// Path escapes are rejected so a sources file cannot reach outside it.
func distfilePath(distDir, name string) (string, error) {
	clean := filepath.Clean(name)
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid distfile name %q", name)
	}
	return filepath.Join(distDir, clean), nil
}
