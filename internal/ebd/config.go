package ebd

import (
	"bufio"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// Config struct
type Config struct {
	Values map[string]string
}

// Load /etc/pkgcore.conf and apply defaults
func loadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	// Attempt to read the file
	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return cfg, err
		}
	}

	// Merge PKGCORE_* env overrides
	mergeEnvOverrides(cfg)

	// Ensure TMPDIR has a default
	if tmp := cfg.Values["TMPDIR"]; tmp == "" {
		cfg.Values["TMPDIR"] = "/tmp"
	}

	return cfg, nil
}

// Merge PKGCORE_* env overrides
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "PKGCORE_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				cfg.Values[parts[0]] = parts[1]
			}
		}
	}
}

func initConfig(cfg *Config) {
	rootDir = cfg.Values["PKGCORE_ROOT"]
	if rootDir == "" {
		rootDir = "/"
	}

	CacheDir = cfg.Values["PKGCORE_CACHE_DIR"]
	if CacheDir == "" {
		CacheDir = "/var/cache/pkgcore"
	}

	repoPaths = cfg.Values["PKGCORE_PATH"]
	if repoPaths == "" {
		log.Printf("Warning: PKGCORE_PATH is not set")
	}

	Debug = cfg.Values["PKGCORE_DEBUG"] == "1"

	tmpDir = cfg.Values["TMPDIR"]
	if tmpDir == "" {
		tmpDir = "/tmp"
	}

	jobs = runtime.NumCPU()
	if j, err := strconv.Atoi(cfg.Values["PKGCORE_JOBS"]); err == nil && j > 0 {
		jobs = j
	}

	activeKeyID = cfg.Values["PKGCORE_KEY"]

	DistDir = CacheDir + "/distfiles"
	BinDir = CacheDir + "/packages"
	buildRoot = filepath.Join(tmpDir, "pkgcore")
}
