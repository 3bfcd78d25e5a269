package ebd

import (
	"archive/tar"
	"compress/bzip2"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/schollz/progressbar/v3"
	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// tarSuffixes are the archive endings extractTar understands.
var tarSuffixes = []string{".tar.gz", ".tgz", ".tar.bz2", ".tar.xz", ".tar.zst", ".tar"}

func isTarArchive(name string) bool {
	for _, suf := range tarSuffixes {
		if strings.HasSuffix(name, suf) {
			return true
		}
	}
	return false
}

// extractDistfile lands one distfile in the work root: tar family and zip
// are unpacked with their directory structure intact, anything else is
// copied in as-is.
func extractDistfile(b *BuildContext, path string) error {
	base := filepath.Base(path)
	switch {
	case isTarArchive(base):
		return extractTar(path, b.WorkRoot)
	case strings.HasSuffix(base, ".zip"):
		return unzipArchive(path, b.WorkRoot)
	default:
		return copyFile(path, filepath.Join(b.WorkRoot, base))
	}
}

// unpackProgress wraps r with a byte progress bar when stderr is a terminal.
func unpackProgress(r io.Reader, size int64, desc string) io.Reader {
	if size <= 0 || !term.IsTerminal(int(os.Stderr.Fd())) {
		return r
	}
	bar := progressbar.DefaultBytes(size, desc)
	return io.TeeReader(r, bar)
}

// extractTar extracts a tar archive (with possible compression) into dest,
// handling PAX headers and preserving timestamps and, when running as root,
// ownership. System tar is tried first, the pure-Go readers are the
// fallback.
func extractTar(realPath, dest string) error {
	f, err := os.Open(realPath)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", realPath, err)
	}
	defer f.Close()

	if _, lookErr := exec.LookPath("tar"); lookErr == nil {
		if err := exec.Command("tar", "xf", realPath, "-C", dest).Run(); err == nil {
			debugf("Used system tar for %s\n", realPath)
			return nil
		}
	}

	info, err := f.Stat()
	if err != nil {
		return err
	}
	var r io.Reader = unpackProgress(f, info.Size(), "unpacking "+filepath.Base(realPath))

	switch {
	case strings.HasSuffix(realPath, ".tar.gz") || strings.HasSuffix(realPath, ".tgz"):
		gz, err := pgzip.NewReader(r)
		if err != nil {
			return fmt.Errorf("failed to create gzip reader for %s: %w", realPath, err)
		}
		defer gz.Close()
		r = gz
	case strings.HasSuffix(realPath, ".tar.bz2"):
		r = bzip2.NewReader(r)
	case strings.HasSuffix(realPath, ".tar.xz"):
		xzr, err := xz.NewReader(r)
		if err != nil {
			return fmt.Errorf("failed to create xz reader for %s: %w", realPath, err)
		}
		r = xzr
	case strings.HasSuffix(realPath, ".tar.zst"):
		zst, err := zstd.NewReader(r)
		if err != nil {
			return fmt.Errorf("failed to create zstd reader for %s: %w", realPath, err)
		}
		defer zst.Close()
		r = zst
	case strings.HasSuffix(realPath, ".tar"):
		// No compression
	default:
		return fmt.Errorf("unsupported archive format: %s", realPath)
	}

	absDest, err := filepath.Abs(dest)
	if err != nil {
		return err
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("error reading tar header in %s: %w", realPath, err)
		}

		// Skip PAX headers (global or per-file)
		if hdr.Typeflag == tar.TypeXHeader || hdr.Typeflag == tar.TypeXGlobalHeader {
			if _, err := io.Copy(io.Discard, tr); err != nil {
				return fmt.Errorf("error skipping extended header data in %s: %w", realPath, err)
			}
			continue
		}

		targetPath := filepath.Join(absDest, hdr.Name)
		// Entries must stay inside dest, same rule as for zip below.
		if targetPath != absDest && !strings.HasPrefix(targetPath, absDest+string(os.PathSeparator)) {
			return fmt.Errorf("illegal path in archive %s: %s", realPath, hdr.Name)
		}

		if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
			return fmt.Errorf("failed to create parent dir for %s: %w", targetPath, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", targetPath, err)
			}
			if err := os.Chtimes(targetPath, hdr.AccessTime, hdr.ModTime); err != nil {
				return fmt.Errorf("failed to set times for dir %s: %w", targetPath, err)
			}
			if os.Geteuid() == 0 {
				_ = os.Chown(targetPath, hdr.Uid, hdr.Gid)
			}
		case tar.TypeReg:
			outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("failed to create file %s: %w", targetPath, err)
			}
			if _, err := io.Copy(outFile, tr); err != nil {
				outFile.Close()
				return fmt.Errorf("failed to write file %s: %w", targetPath, err)
			}
			outFile.Close()
			if err := os.Chtimes(targetPath, hdr.AccessTime, hdr.ModTime); err != nil {
				return fmt.Errorf("failed to set times for file %s: %w", targetPath, err)
			}
			if os.Geteuid() == 0 {
				_ = os.Chown(targetPath, hdr.Uid, hdr.Gid)
			}
		case tar.TypeSymlink:
			if err := os.Symlink(hdr.Linkname, targetPath); err != nil && !os.IsExist(err) {
				return fmt.Errorf("failed to create symlink %s -> %s: %w", targetPath, hdr.Linkname, err)
			}
			if os.Geteuid() == 0 {
				_ = unix.Lchown(targetPath, hdr.Uid, hdr.Gid)
			}
			atime := unix.Timeval{
				Sec:  hdr.AccessTime.Unix(),
				Usec: int64(hdr.AccessTime.Nanosecond() / 1000),
			}
			mtime := unix.Timeval{
				Sec:  hdr.ModTime.Unix(),
				Usec: int64(hdr.ModTime.Nanosecond() / 1000),
			}
			if err := unix.Lutimes(targetPath, []unix.Timeval{atime, mtime}); err != nil {
				// Symlink timestamps are cosmetic, keep going.
				debugf("Warning: failed to set times for symlink %s: %v\n", targetPath, err)
			}
		default:
			debugf("Skipping unsupported tar entry type %c: %s\n", hdr.Typeflag, hdr.Name)
		}
	}

	return nil
}

// unzipArchive extracts a zip distfile into dest.
func unzipArchive(src, dest string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	dest, err = filepath.Abs(dest)
	if err != nil {
		return err
	}

	for _, f := range r.File {
		fpath := filepath.Join(dest, f.Name)

		// Reject zip-slip traversal before touching the filesystem.
		if !strings.HasPrefix(fpath, dest+string(os.PathSeparator)) {
			return fmt.Errorf("illegal file path in archive: %s", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(fpath, os.ModePerm); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(fpath), os.ModePerm); err != nil {
			return err
		}

		outFile, err := os.OpenFile(fpath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
		if err != nil {
			return err
		}

		rc, err := f.Open()
		if err != nil {
			outFile.Close()
			return err
		}

		_, err = io.Copy(outFile, rc)

		// Close inside the loop to avoid holding too many descriptors.
		outFile.Close()
		rc.Close()

		if err != nil {
			return err
		}
	}
	return nil
}

// binpkgName is the canonical binary package filename.
func binpkgName(name, ver, rev, arch string) string {
	return fmt.Sprintf("%s-%s-%s-%s.tar.zst", name, ver, rev, arch)
}

// createPackageTarball packs the staging image into BinDir as .tar.zst.
// System tar is preferred, the pure-Go writer is the fallback. Entries are
// always forced to numeric root ownership so the artifact installs the same
// everywhere.
func createPackageTarball(name, ver, rev, arch, imageDir string, execCtx *Executor, logger io.Writer) (string, error) {
	if logger == nil {
		logger = os.Stdout
	}
	if err := os.MkdirAll(BinDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create package dir: %v", err)
	}

	tarballPath := filepath.Join(BinDir, binpkgName(name, ver, rev, arch))

	// --- Try system tar first ---
	if _, err := exec.LookPath("tar"); err == nil {
		if os.Geteuid() == 0 {
			if err := os.Chown(imageDir, 0, 0); err != nil {
				return "", fmt.Errorf("failed to chown image root: %v", err)
			}
		}
		if err := os.Chmod(imageDir, 0755); err != nil {
			debugf("Warning: failed to chmod image root: %v\n", err)
		}

		args := []string{"--zstd", "-cf", tarballPath, "-C", imageDir, "."}
		if execCtx == nil || !execCtx.ShouldRunAsRoot {
			args = append(args, "--owner=0", "--group=0", "--numeric-owner")
		}
		tarCmd := exec.Command("tar", args...)
		debugf("Creating package tarball with system tar: %s\n", tarballPath)
		var runErr error
		if execCtx != nil {
			runErr = execCtx.Run(tarCmd)
		} else {
			runErr = tarCmd.Run()
		}
		if runErr == nil {
			fmt.Fprint(logger, colArrow.Sprint("-> "))
			fmt.Fprintln(logger, colSuccess.Sprintf("Package tarball created: %s", tarballPath))
			return tarballPath, nil
		}
		// fall through to internal if tar fails
	}

	outFile, err := os.Create(tarballPath)
	if err != nil {
		return "", fmt.Errorf("failed to create tarball file: %v", err)
	}
	defer outFile.Close()

	zw, err := zstd.NewWriter(outFile)
	if err != nil {
		return "", fmt.Errorf("failed to create zstd writer: %v", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	err = filepath.Walk(imageDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(imageDir, path)
		if err != nil {
			return err
		}

		var linkTarget string
		if info.Mode()&os.ModeSymlink != 0 {
			linkTarget, err = os.Readlink(path)
			if err != nil {
				return fmt.Errorf("readlink %s: %w", path, err)
			}
		}

		hdr, err := tar.FileInfoHeader(info, linkTarget)
		if err != nil {
			return err
		}

		if rel == "." {
			hdr.Name = "./"
			hdr.Mode = 0755
		} else {
			hdr.Name = rel
		}

		// Binary packages must be portably root-owned.
		hdr.Uid, hdr.Gid = 0, 0
		hdr.Uname, hdr.Gname = "root", "root"

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if rel == "." || !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		if _, err := io.Copy(tw, f); err != nil {
			f.Close()
			return err
		}
		f.Close()
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to add files to tarball: %v", err)
	}

	fmt.Fprint(logger, colArrow.Sprint("-> "))
	fmt.Fprintln(logger, colSuccess.Sprintf("Package tarball created: %s", tarballPath))
	return tarballPath, nil
}

// compressXZ compresses a file using XZ.
func compressXZ(srcPath, destPath string, execCtx *Executor) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	// Compress to a temp file, then let the executor place it when the
	// destination needs root.
	if execCtx != nil && execCtx.ShouldRunAsRoot && os.Geteuid() != 0 {
		tmpFile, err := os.CreateTemp("", "ebd-log-*.xz")
		if err != nil {
			return fmt.Errorf("failed to create temp file: %w", err)
		}
		tmpPath := tmpFile.Name()
		defer os.Remove(tmpPath)

		xzWriter, err := xz.NewWriter(tmpFile)
		if err != nil {
			tmpFile.Close()
			return err
		}
		_, err = io.Copy(xzWriter, src)
		xzWriter.Close()
		tmpFile.Close()
		if err != nil {
			return fmt.Errorf("failed to compress to temp file: %w", err)
		}

		if err := execCtx.Run(exec.Command("cp", tmpPath, destPath)); err != nil {
			return fmt.Errorf("failed to place compressed file: %w", err)
		}
		return execCtx.Run(exec.Command("chmod", "644", destPath))
	}

	dest, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer dest.Close()

	xzWriter, err := xz.NewWriter(dest)
	if err != nil {
		return err
	}
	defer xzWriter.Close()

	_, err = io.Copy(xzWriter, src)
	return err
}

// readMaybeXZ returns a file's contents, transparently decompressing .xz.
func readMaybeXZ(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if !strings.HasSuffix(path, ".xz") {
		return io.ReadAll(f)
	}
	xzr, err := xz.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to create xz reader for %s: %w", path, err)
	}
	return io.ReadAll(xzr)
}
