package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("STORESYNC_TEST_INT", "42")
	require.Equal(t, 42, intEnv("STORESYNC_TEST_INT", 7))
	t.Setenv("STORESYNC_TEST_INT64", "1048576")
	require.Equal(t, int64(1048576), int64Env("STORESYNC_TEST_INT64", 7))
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("STORESYNC_TEST_INT_BAD", "not-a-number")
	require.Equal(t, 7, intEnv("STORESYNC_TEST_INT_BAD", 7))
	require.Equal(t, int64(8), int64Env("STORESYNC_TEST_INT_BAD", 8))
}

func TestDurationEnv(t *testing.T) {
	t.Setenv("STORESYNC_TEST_DURATION", "150ms")
	require.Equal(t, 150*time.Millisecond, durationEnv("STORESYNC_TEST_DURATION", time.Second))
	t.Setenv("STORESYNC_TEST_DURATION_BAD", "soon")
	require.Equal(t, 2*time.Second, durationEnv("STORESYNC_TEST_DURATION_BAD", 2*time.Second))
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	_ = os.Unsetenv("STORESYNC_TEST_UNSET")
	require.Equal(t, 9, intEnv("STORESYNC_TEST_UNSET", 9))
	require.Equal(t, 3*time.Second, durationEnv("STORESYNC_TEST_UNSET", 3*time.Second))
	require.Equal(t, ":8080", envOrDefault("STORESYNC_TEST_UNSET", ":8080"))
}

func TestLoadCatalog(t *testing.T) {
	cat, err := loadCatalog("")
	require.NoError(t, err)
	require.Len(t, cat.Tables, 12)

	_, err = loadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
