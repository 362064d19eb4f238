package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetters(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Setenv("GENRELAY_TEST_INT", "42")
	t.Setenv("GENRELAY_TEST_BAD_INT", "forty-two")
	t.Setenv("GENRELAY_TEST_FLOAT", "0.75")
	t.Setenv("GENRELAY_TEST_BOOL", "true")
	t.Setenv("GENRELAY_TEST_DURATION", "90s")
	t.Setenv("GENRELAY_TEST_LEVEL", "warn")
	t.Setenv("GENRELAY_TEST_EMPTY", "")

	assert.Equal(t, "fallback", GetEnvStr("GENRELAY_TEST_EMPTY", "fallback"))
	assert.Equal(t, 42, GetEnvInt("GENRELAY_TEST_INT", 1))
	assert.Equal(t, 1, GetEnvInt("GENRELAY_TEST_BAD_INT", 1))
	assert.Equal(t, int64(42), GetEnvInt64("GENRELAY_TEST_INT", 0))
	assert.InDelta(t, 0.75, GetEnvFloat("GENRELAY_TEST_FLOAT", 0), 1e-9)
	assert.True(t, GetEnvBool("GENRELAY_TEST_BOOL", false))
	assert.Equal(t, 90*time.Second, GetEnvDuration("GENRELAY_TEST_DURATION", time.Second))
	assert.Equal(t, time.Second, GetEnvDuration("GENRELAY_TEST_BAD_INT", time.Second))
	assert.Equal(t, slog.LevelWarn, GetEnvLogLevel("GENRELAY_TEST_LEVEL", slog.LevelInfo))
	assert.Equal(t, slog.LevelInfo, GetEnvLogLevel("GENRELAY_TEST_EMPTY", slog.LevelInfo))
}

func TestParseCommaSeparatedList(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.Equal(t, []string{"a:9092", "b:9092"}, ParseCommaSeparatedList(" a:9092, ,b:9092 "))
	assert.Empty(t, ParseCommaSeparatedList(""))
}

func TestLoadDotEnv(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("GENRELAY_DOTENV_NEW=from-file\nGENRELAY_DOTENV_SET=from-file\n"), 0o600))

	t.Setenv("GENRELAY_DOTENV_SET", "from-env")
	t.Cleanup(func() { _ = os.Unsetenv("GENRELAY_DOTENV_NEW") })

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "from-file", os.Getenv("GENRELAY_DOTENV_NEW"))
	assert.Equal(t, "from-env", os.Getenv("GENRELAY_DOTENV_SET"), "the real environment wins")

	assert.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env")), "a missing file is not an error")
}
