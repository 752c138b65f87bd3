package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	TargetPatternEnv      = "TARGET_PATTERN"
	OutputFileEnv         = "OUTPUT_FILE"
	CreateDirectoriesEnv  = "CREATE_DIRECTORIES"
	LibrarySuffixEnv      = "LIBPQ_SUFFIX"
	SymbolEnv             = "TARGET_SYMBOL"
	ProcRootEnv           = "PROC_ROOT"
	DiscoveryIntervalEnv  = "DISCOVERY_INTERVAL"
	RingBufferSizeEnv     = "RINGBUF_SIZE"
	DropReportIntervalEnv = "DROP_REPORT_INTERVAL"
	OTLPEndpointEnv       = "OTEL_EXPORTER_OTLP_ENDPOINT"
	ServiceNameEnv        = "OTEL_SERVICE_NAME"
	LogLevelEnv           = "LOG_LEVEL"
	ConfigFileEnv         = "AGENT_CONFIG"
)

// Config holds every recognized agent option.
type Config struct {
	TargetPattern      string        `yaml:"target_pattern"`
	OutputFile         string        `yaml:"output_file"`
	CreateDirectories  bool          `yaml:"create_directories"`
	LibrarySuffix      string        `yaml:"library_suffix"`
	Symbol             string        `yaml:"symbol"`
	ProcRoot           string        `yaml:"proc_root"`
	DiscoveryInterval  time.Duration `yaml:"discovery_interval"`
	RingBufferSize     uint32        `yaml:"ringbuf_size"`
	DropReportInterval time.Duration `yaml:"drop_report_interval"`
	OTLPEndpoint       string        `yaml:"otlp_endpoint"`
	ServiceName        string        `yaml:"service_name"`
	LogLevel           string        `yaml:"log_level"`
}

// Default returns the configuration used when nothing is overridden.
// An empty LibrarySuffix selects the platform default of the probe.
func Default() Config {
	return Config{
		TargetPattern:      "testapp",
		OutputFile:         "/output/pqexec.log",
		CreateDirectories:  true,
		Symbol:             "PQexec",
		ProcRoot:           "/proc",
		DiscoveryInterval:  time.Second,
		RingBufferSize:     1 << 24,
		DropReportInterval: 10 * time.Second,
		ServiceName:        "pqexec-agent",
		LogLevel:           "info",
	}
}

// Load builds the configuration from defaults, the optional YAML file at path
// and finally the process environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	filename, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrapf(err, "resolve config path %s", path)
	}

	file, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrapf(err, "read config %s", filename)
	}

	if err := yaml.Unmarshal(file, c); err != nil {
		return errors.Wrapf(err, "parse config %s", filename)
	}
	return nil
}

// ApplyEnv overrides fields with values returned by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "parse %s", key)
		}
		*dst = d
		return nil
	}

	str(TargetPatternEnv, &c.TargetPattern)
	str(OutputFileEnv, &c.OutputFile)
	str(LibrarySuffixEnv, &c.LibrarySuffix)
	str(SymbolEnv, &c.Symbol)
	str(ProcRootEnv, &c.ProcRoot)
	str(OTLPEndpointEnv, &c.OTLPEndpoint)
	str(ServiceNameEnv, &c.ServiceName)
	str(LogLevelEnv, &c.LogLevel)

	if v, ok := lookup(CreateDirectoriesEnv); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(err, "parse %s", CreateDirectoriesEnv)
		}
		c.CreateDirectories = b
	}
	if v, ok := lookup(RingBufferSizeEnv); ok && v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return errors.Wrapf(err, "parse %s", RingBufferSizeEnv)
		}
		c.RingBufferSize = uint32(n)
	}
	if err := dur(DiscoveryIntervalEnv, &c.DiscoveryInterval); err != nil {
		return err
	}
	return dur(DropReportIntervalEnv, &c.DropReportInterval)
}

// Validate reports the first option that cannot be used.
func (c *Config) Validate() error {
	if c.TargetPattern == "" {
		return errors.New("target pattern must not be empty")
	}
	if c.OutputFile == "" {
		return errors.New("output file must not be empty")
	}
	if c.Symbol == "" {
		return errors.New("symbol must not be empty")
	}
	if c.DiscoveryInterval <= 0 {
		return errors.Errorf("discovery interval must be positive, got %s", c.DiscoveryInterval)
	}
	// The kernel requires a power-of-two ring size that is a multiple of the page size.
	if c.RingBufferSize == 0 || c.RingBufferSize&(c.RingBufferSize-1) != 0 {
		return errors.Errorf("ring buffer size must be a power of two, got %d", c.RingBufferSize)
	}
	if pageSize := uint32(os.Getpagesize()); c.RingBufferSize < pageSize {
		return errors.Errorf("ring buffer size must be at least one page (%d), got %d", pageSize, c.RingBufferSize)
	}
	return nil
}
