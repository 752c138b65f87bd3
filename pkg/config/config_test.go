package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	require.Equal(t, "testapp", cfg.TargetPattern)
	require.Equal(t, "/output/pqexec.log", cfg.OutputFile)
	require.True(t, cfg.CreateDirectories)
	require.Equal(t, "PQexec", cfg.Symbol)
	require.Equal(t, time.Second, cfg.DiscoveryInterval)
	require.Equal(t, uint32(1<<24), cfg.RingBufferSize)
	require.NoError(t, cfg.Validate())
}

func TestMergeFile(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.mergeFile("./testdata/config.yaml"))

	require.Equal(t, "worker.py", cfg.TargetPattern)
	require.Equal(t, "/var/log/agent/pqexec.log", cfg.OutputFile)
	require.False(t, cfg.CreateDirectories)
	require.Equal(t, 250*time.Millisecond, cfg.DiscoveryInterval)
	require.Equal(t, uint32(65536), cfg.RingBufferSize)
	// untouched keys keep their defaults
	require.Equal(t, "/proc", cfg.ProcRoot)
	require.Equal(t, 10*time.Second, cfg.DropReportInterval)
}

func TestMergeFileMissing(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.mergeFile("./testdata/does-not-exist.yaml"))
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(lookupFrom(map[string]string{
		TargetPatternEnv:      "psql-worker",
		OutputFileEnv:         "/tmp/out.log",
		CreateDirectoriesEnv:  "false",
		LibrarySuffixEnv:      "/usr/lib64/libpq.so.5",
		DiscoveryIntervalEnv:  "2s",
		RingBufferSizeEnv:     "8192",
		DropReportIntervalEnv: "1m",
		ProcRootEnv:           "",
	}))
	require.NoError(t, err)

	require.Equal(t, "psql-worker", cfg.TargetPattern)
	require.Equal(t, "/tmp/out.log", cfg.OutputFile)
	require.False(t, cfg.CreateDirectories)
	require.Equal(t, "/usr/lib64/libpq.so.5", cfg.LibrarySuffix)
	require.Equal(t, 2*time.Second, cfg.DiscoveryInterval)
	require.Equal(t, uint32(8192), cfg.RingBufferSize)
	require.Equal(t, time.Minute, cfg.DropReportInterval)
	require.Equal(t, "/proc", cfg.ProcRoot, "empty values must not override")
}

func TestApplyEnvInvalid(t *testing.T) {
	for _, key := range []string{CreateDirectoriesEnv, RingBufferSizeEnv, DiscoveryIntervalEnv, DropReportIntervalEnv} {
		t.Run(key, func(t *testing.T) {
			cfg := Default()
			require.Error(t, cfg.ApplyEnv(lookupFrom(map[string]string{key: "not-a-value"})))
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "empty pattern", mutate: func(c *Config) { c.TargetPattern = "" }},
		{name: "empty output", mutate: func(c *Config) { c.OutputFile = "" }},
		{name: "empty symbol", mutate: func(c *Config) { c.Symbol = "" }},
		{name: "zero interval", mutate: func(c *Config) { c.DiscoveryInterval = 0 }},
		{name: "ring not power of two", mutate: func(c *Config) { c.RingBufferSize = 3 << 12 }},
		{name: "ring below page size", mutate: func(c *Config) { c.RingBufferSize = 64 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
