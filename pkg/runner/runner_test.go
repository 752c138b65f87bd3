package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dangbb/pqexec-agent/pkg/config"
	agenterrors "github.com/dangbb/pqexec-agent/pkg/errors"
	"github.com/dangbb/pqexec-agent/pkg/process"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.ProcRoot = t.TempDir()
	cfg.OutputFile = filepath.Join(t.TempDir(), "out", "pqexec.log")
	cfg.DiscoveryInterval = 10 * time.Millisecond
	cfg.LibrarySuffix = "/usr/lib/libpq.so.5"
	return cfg
}

func TestRunLibraryMissing(t *testing.T) {
	cfg := testConfig(t)
	dir := filepath.Join(cfg.ProcRoot, "4242")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "root"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cmdline"), []byte("/usr/bin/testapp\x00"), 0o644))

	r, err := NewRunner(cfg, process.WithSelfPID(0))
	require.NoError(t, err)

	err = r.Run(context.Background())
	require.ErrorIs(t, err, agenterrors.ErrLibraryNotFound)
	require.NoError(t, r.Close())

	content, err := os.ReadFile(cfg.OutputFile)
	require.NoError(t, err)
	assert.Empty(t, content)
}

func TestRunInterruptedDuringDiscovery(t *testing.T) {
	cfg := testConfig(t)

	r, err := NewRunner(cfg, process.WithSelfPID(0))
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, r.Run(ctx))
}

func TestNewRunnerUnwritableOutput(t *testing.T) {
	cfg := testConfig(t)
	cfg.CreateDirectories = false

	_, err := NewRunner(cfg)
	require.Error(t, err)
}
