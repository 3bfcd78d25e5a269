package ebd

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// soleSubdir returns the single top-level directory of dir, if the unpack
// produced exactly one entry and it is a directory.
func soleSubdir(dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 || !entries[0].IsDir() {
		return "", false
	}
	return filepath.Join(dir, entries[0].Name()), true
}

// imageEntry is one path in the staging image: "f" file, "d" directory,
// "l" symlink.
type imageEntry struct {
	Path string
	Type string
}

// listImage walks the staging image and returns every path relative to its
// root, sorted, directories marked with a trailing slash semantic via Type.
func listImage(root string) ([]imageEntry, error) {
	var entries []imageEntry
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		t := "f"
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			t = "l"
		case info.IsDir():
			t = "d"
		}
		entries = append(entries, imageEntry{Path: "/" + filepath.ToSlash(rel), Type: t})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// writeContentsFile records the image listing, one "<type> <path>" per line.
func writeContentsFile(path string, entries []imageEntry) error {
	var sb strings.Builder
	for _, e := range entries {
		sb.WriteString(e.Type)
		sb.WriteString(" ")
		sb.WriteString(e.Path)
		sb.WriteString("\n")
	}
	return os.WriteFile(path, []byte(sb.String()), 0644)
}
