package ebd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// unsetEnv clears a variable for the test's duration; t.Setenv alone would
// leave an empty-valued entry that still merges as an override.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	os.Unsetenv(key)
}

func TestLoadConfig(t *testing.T) {
	unsetEnv(t, "PKGCORE_JOBS")

	path := filepath.Join(t.TempDir(), "pkgcore.conf")
	require.NoError(t, os.WriteFile(path, []byte(
		"# comment\n"+
			"PKGCORE_PATH=/var/db/repo\n"+
			"PKGCORE_JOBS = 4\n"+
			"QUOTED=\"with quotes\"\n"+
			"not-a-pair\n"), 0644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "/var/db/repo", cfg.Values["PKGCORE_PATH"])
	require.Equal(t, "4", cfg.Values["PKGCORE_JOBS"])
	require.Equal(t, "with quotes", cfg.Values["QUOTED"])
	require.Equal(t, "/tmp", cfg.Values["TMPDIR"], "TMPDIR defaults when unset")
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("PKGCORE_JOBS", "8")
	t.Setenv("ECONF_SOURCE", "unix")

	path := filepath.Join(t.TempDir(), "pkgcore.conf")
	require.NoError(t, os.WriteFile(path, []byte("PKGCORE_JOBS=2\n"), 0644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "8", cfg.Values["PKGCORE_JOBS"], "environment wins over the file")
	// Only PKGCORE_* variables merge; per-build knobs stay in the build env.
	require.NotContains(t, cfg.Values, "ECONF_SOURCE")
}

func TestLoadConfigMissingFile(t *testing.T) {
	unsetEnv(t, "PKGCORE_JOBS")

	cfg, err := loadConfig(filepath.Join(t.TempDir(), "nonexistent.conf"))
	require.NoError(t, err, "a missing config file is not an error")
	require.NotNil(t, cfg.Values)
}
