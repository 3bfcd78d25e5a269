package ebd

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
	"lukechampine.com/blake3"
)

// check if b3sum is installed on system
func hasB3sum() bool {
	_, err := exec.LookPath("b3sum")
	return err == nil
}

// withDistfilesLock serializes distfile access across concurrent processes
// sharing one cache. Verification takes the lock shared, regeneration takes
// it exclusive.
func withDistfilesLock(distDir string, exclusive bool, fn func() error) error {
	if err := os.MkdirAll(distDir, 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(distDir, ".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		return err
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return fn()
}

// readChecksumFile parses "<sum>  <filename>" lines. Filename is everything
// after the first field, so names with spaces survive.
func readChecksumFile(path string) (map[string]string, error) {
	sums := make(map[string]string)
	f, err := os.Open(path)
	if err != nil {
		return sums, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.Fields(strings.TrimSpace(scanner.Text()))
		if len(parts) >= 2 {
			sums[strings.Join(parts[1:], " ")] = parts[0]
		}
	}
	return sums, scanner.Err()
}

// verifyDistfiles checks every declared distfile against the package's
// checksums file. The first missing file, missing entry or mismatch aborts.
func verifyDistfiles(meta *PackageMeta, distDir string) error {
	if len(meta.Sources) == 0 {
		return nil
	}

	sums, err := readChecksumFile(filepath.Join(meta.Dir, "checksums"))
	if err != nil {
		return fmt.Errorf("cannot read checksums for %s: %w", meta.Name, err)
	}

	return withDistfilesLock(distDir, false, func() error {
		for _, name := range meta.Sources {
			path, err := distfilePath(distDir, name)
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("distfile %s missing: %w", name, err)
			}

			want, ok := sums[filepath.Base(name)]
			if !ok {
				return fmt.Errorf("no checksum recorded for %s", name)
			}
			got, err := ComputeChecksum(path, UserExec)
			if err != nil {
				return fmt.Errorf("failed to compute checksum for %s: %w", name, err)
			}
			if got != want {
				return fmt.Errorf("checksum mismatch for %s: want %s, got %s", name, want, got)
			}
			debugf("-> Checksum verified for %s\n", name)
		}
		return nil
	})
}

// generateChecksums recomputes the checksums file from the distfiles on
// disk. With verifyOnly it reports instead of rewriting.
func generateChecksums(meta *PackageMeta, distDir string, verifyOnly bool) error {
	if verifyOnly {
		return verifyDistfiles(meta, distDir)
	}
	if len(meta.Sources) == 0 {
		colArrow.Print("-> ")
		colNote.Printf("%s declares no sources, nothing to checksum\n", meta.Name)
		return nil
	}

	return withDistfilesLock(distDir, true, func() error {
		var lines []string
		for _, name := range meta.Sources {
			path, err := distfilePath(distDir, name)
			if err != nil {
				return err
			}
			sum, err := ComputeChecksum(path, UserExec)
			if err != nil {
				return fmt.Errorf("failed to compute checksum for %s: %w", name, err)
			}
			lines = append(lines, fmt.Sprintf("%s  %s", sum, filepath.Base(name)))
			colArrow.Print("-> ")
			colSuccess.Printf("Checksum %s: %s\n", filepath.Base(name), sum)
		}

		checksumFile := filepath.Join(meta.Dir, "checksums")
		if err := os.WriteFile(checksumFile, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
			return fmt.Errorf("failed to write checksums file: %w", err)
		}
		return nil
	})
}

// ComputeChecksums computes checksums for multiple files, using system b3sum
// if available. Batches keep the command line under ARG_MAX.
func ComputeChecksums(paths []string, execCtx *Executor) (map[string]string, error) {
	if len(paths) == 0 {
		return make(map[string]string), nil
	}

	results := make(map[string]string)
	var mu sync.Mutex

	if hasB3sum() {
		// Backslashes make b3sum escape its output lines; those paths fall
		// back to the Go implementation below.
		var b3Paths []string
		for _, p := range paths {
			if !strings.Contains(p, "\\") {
				b3Paths = append(b3Paths, p)
			}
		}

		const batchSize = 5000
		for i := 0; i < len(b3Paths); i += batchSize {
			end := i + batchSize
			if end > len(b3Paths) {
				end = len(b3Paths)
			}
			batch := b3Paths[i:end]

			cmd := exec.Command("b3sum", batch...)
			var out bytes.Buffer
			cmd.Stdout = &out
			cmd.Stderr = io.Discard

			var err error
			if execCtx != nil {
				err = execCtx.Run(cmd)
			} else {
				err = cmd.Run()
			}
			if err != nil {
				debugf("b3sum batch %d-%d failed: %v\n", i, end, err)
				continue
			}

			scanner := bufio.NewScanner(&out)
			for scanner.Scan() {
				fields := strings.Fields(scanner.Text())
				if len(fields) >= 2 {
					results[strings.Join(fields[1:], " ")] = fields[0]
				}
			}
		}

		if len(results) == len(paths) {
			return results, nil
		}
	}

	// Internal BLAKE3 for whatever b3sum did not cover.
	var remaining []string
	for _, p := range paths {
		if _, ok := results[p]; !ok {
			remaining = append(remaining, p)
		}
	}
	if len(remaining) == 0 {
		return results, nil
	}

	numWorkers := runtime.NumCPU() * 2
	if len(remaining) < numWorkers {
		numWorkers = len(remaining)
	}

	work := make(chan string, len(remaining))
	var wg sync.WaitGroup
	var errOnce sync.Once
	var firstErr error

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, 64*1024)
			for path := range work {
				hash, err := computeSingleGoHash(path, execCtx, buf)
				mu.Lock()
				if err != nil {
					errOnce.Do(func() { firstErr = err })
				} else {
					results[path] = hash
				}
				mu.Unlock()
			}
		}()
	}

	for _, p := range remaining {
		work <- p
	}
	close(work)
	wg.Wait()

	if firstErr != nil {
		return results, firstErr
	}
	return results, nil
}

// ComputeChecksum computes a single checksum, using system b3sum if available.
func ComputeChecksum(path string, execCtx *Executor) (string, error) {
	results, err := ComputeChecksums([]string{path}, execCtx)
	if err != nil {
		return "", err
	}
	if hash, ok := results[path]; ok {
		return hash, nil
	}
	return "", fmt.Errorf("failed to compute checksum for %s", path)
}

func computeSingleGoHash(path string, execCtx *Executor, buf []byte) (string, error) {
	// 1. Try to read directly
	f, err := os.Open(path)
	if err == nil {
		defer f.Close()
		h := blake3.New(32, nil)
		if _, err := io.CopyBuffer(h, f, buf); err == nil {
			return fmt.Sprintf("%x", h.Sum(nil)), nil
		}
	}

	// 2. Fallback: privileged read via the executor
	if err != nil && os.IsPermission(err) && execCtx != nil && execCtx.ShouldRunAsRoot {
		catCmd := exec.Command("cat", path)
		var out bytes.Buffer
		catCmd.Stdout = &out
		catCmd.Stderr = io.Discard

		if runErr := execCtx.Run(catCmd); runErr == nil {
			h := blake3.New(32, nil)
			h.Write(out.Bytes())
			return fmt.Sprintf("%x", h.Sum(nil)), nil
		}
	}

	if err != nil {
		return "", err
	}
	return "", fmt.Errorf("hashing failed")
}
