// Package config loads OpenFS's mount table and ambient settings, either
// from a YAML file or from urfave/cli flags for the single-mount quick
// start case, following the teacher's config package (config/config.go):
// a flat Config struct with yaml tags, a validate pass, and flag-derived
// construction that funnels into the same validated constructor the YAML
// path uses.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	yaml "gopkg.in/yaml.v3"

	"github.com/openfs/openfs/internal/openfslog"
)

// BackendKind names one of OpenFS's reference backend adapters.
type BackendKind string

const (
	BackendMemory    BackendKind = "memory"
	BackendLocalFS   BackendKind = "localfs"
	BackendS3        BackendKind = "s3"
	BackendAzureBlob BackendKind = "azureblob"
)

// SyncMode names one of the four synchronization policies a mount can run
// under. String values match the spec's own vocabulary so YAML configs
// read naturally.
type SyncMode string

const (
	SyncNone         SyncMode = "none"
	SyncWriteThrough SyncMode = "write_through"
	SyncWriteBack    SyncMode = "write_back"
	SyncPullMirror   SyncMode = "pull_mirror"
)

// MountConfig describes one mount point: where it attaches in the
// namespace, which backend it's bound to, its cache bounds, and its sync
// policy.
type MountConfig struct {
	Path             string            `yaml:"path"`
	Backend          BackendKind       `yaml:"backend"`
	BackendOptions   map[string]string `yaml:"backend_options"`
	SyncMode         SyncMode          `yaml:"sync_mode"`
	ReadOnly         bool              `yaml:"read_only"`
	CacheMaxEntries  int               `yaml:"cache_max_entries"`
	CacheMaxBytes    int64             `yaml:"cache_max_bytes"`
	CacheTTL         time.Duration     `yaml:"cache_ttl"`
	WalPath          string            `yaml:"wal_path"`
	WalFlushPeriod   time.Duration     `yaml:"wal_flush_period"`
	RetryMaxAttempts int               `yaml:"retry_max_attempts"`
	RetryBaseDelay   time.Duration     `yaml:"retry_base_delay"`
	RetryMaxDelay    time.Duration     `yaml:"retry_max_delay"`
}

// Config holds OpenFS's top-level configuration.
type Config struct {
	Mounts         []MountConfig `yaml:"mounts"`
	AccessLogLevel string        `yaml:"access_log_level"`
	MetricsAddress string        `yaml:"metrics_address"`

	// Fields created by combinations of the settings above.
	AccessLogger *log.Logger
	ErrorLogger  *log.Logger
}

const (
	defaultCacheMaxEntries  = 100000
	defaultWalFlushPeriod   = 5 * time.Second
	defaultRetryMaxAttempts = 8
	defaultRetryBaseDelay   = 500 * time.Millisecond
	defaultRetryMaxDelay    = 5 * time.Minute
)

// Flags returns the urfave/cli flags for the single-mount quick-start
// form, mirroring the teacher's flat flag-per-field approach
// (utils/flags/flags.go) for the common case of running one mount without
// a YAML file.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config_file",
			Usage:   "Path to a YAML config file describing the mount table. When set, all other flags are ignored.",
			EnvVars: []string{"OPENFS_CONFIG_FILE"},
		},
		&cli.StringFlag{
			Name:    "mount_path",
			Usage:   "The namespace path this mount attaches at, e.g. '/'.",
			Value:   "/",
			EnvVars: []string{"OPENFS_MOUNT_PATH"},
		},
		&cli.StringFlag{
			Name:    "backend",
			Usage:   "The backend kind: memory, localfs, s3, or azureblob.",
			Value:   "memory",
			EnvVars: []string{"OPENFS_BACKEND"},
		},
		&cli.StringFlag{
			Name:    "backend_dir",
			Usage:   "Root directory for the localfs backend.",
			EnvVars: []string{"OPENFS_BACKEND_DIR"},
		},
		&cli.StringFlag{
			Name:    "sync_mode",
			Usage:   "One of: none, write_through, write_back, pull_mirror.",
			Value:   "write_through",
			EnvVars: []string{"OPENFS_SYNC_MODE"},
		},
		&cli.BoolFlag{
			Name:    "read_only",
			Usage:   "Reject all mutating operations on this mount.",
			EnvVars: []string{"OPENFS_READ_ONLY"},
		},
		&cli.IntFlag{
			Name:    "cache_max_entries",
			Usage:   "Maximum number of entries the cache may hold. 0 means unbounded.",
			Value:   defaultCacheMaxEntries,
			EnvVars: []string{"OPENFS_CACHE_MAX_ENTRIES"},
		},
		&cli.Int64Flag{
			Name:    "cache_max_bytes",
			Usage:   "Maximum total bytes the cache may hold. 0 means unbounded.",
			EnvVars: []string{"OPENFS_CACHE_MAX_BYTES"},
		},
		&cli.DurationFlag{
			Name:    "cache_ttl",
			Usage:   "How long a cached entry remains valid.",
			Value:   time.Minute,
			EnvVars: []string{"OPENFS_CACHE_TTL"},
		},
		&cli.StringFlag{
			Name:    "wal_path",
			Usage:   "Path to the write-ahead log database file. Required for write_back mounts.",
			EnvVars: []string{"OPENFS_WAL_PATH"},
		},
		&cli.DurationFlag{
			Name:    "wal_flush_period",
			Usage:   "How often the write-back flush worker wakes to scan for retry-eligible entries.",
			Value:   defaultWalFlushPeriod,
			EnvVars: []string{"OPENFS_WAL_FLUSH_PERIOD"},
		},
		&cli.StringFlag{
			Name:    "access_log_level",
			Usage:   "One of: all, none.",
			Value:   "all",
			EnvVars: []string{"OPENFS_ACCESS_LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "metrics_address",
			Usage:   "Address to serve /metrics on. Empty disables it.",
			EnvVars: []string{"OPENFS_METRICS_ADDRESS"},
		},
	}
}

// Get returns a fully validated Config, loaded from a YAML file if
// config_file is set, otherwise constructed from the single-mount flags.
func Get(ctx *cli.Context) (*Config, error) {
	c, err := get(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.setLogger(); err != nil {
		return nil, err
	}
	return c, nil
}

func get(ctx *cli.Context) (*Config, error) {
	if cf := ctx.String("config_file"); cf != "" {
		return NewFromYamlFile(cf)
	}

	mc := MountConfig{
		Path:             ctx.String("mount_path"),
		Backend:          BackendKind(ctx.String("backend")),
		SyncMode:         SyncMode(ctx.String("sync_mode")),
		ReadOnly:         ctx.Bool("read_only"),
		CacheMaxEntries:  ctx.Int("cache_max_entries"),
		CacheMaxBytes:    ctx.Int64("cache_max_bytes"),
		CacheTTL:         ctx.Duration("cache_ttl"),
		WalPath:          ctx.String("wal_path"),
		WalFlushPeriod:   ctx.Duration("wal_flush_period"),
		RetryMaxAttempts: defaultRetryMaxAttempts,
		RetryBaseDelay:   defaultRetryBaseDelay,
		RetryMaxDelay:    defaultRetryMaxDelay,
	}
	if dir := ctx.String("backend_dir"); dir != "" {
		mc.BackendOptions = map[string]string{"dir": dir}
	}

	c := &Config{
		Mounts:         []MountConfig{mc},
		AccessLogLevel: ctx.String("access_log_level"),
		MetricsAddress: ctx.String("metrics_address"),
	}

	if err := validate(c); err != nil {
		return nil, err
	}
	return c, nil
}

// NewFromYamlFile reads and validates a Config from a YAML file at path.
func NewFromYamlFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}
	return NewFromYaml(data)
}

// NewFromYaml parses and validates a Config from YAML bytes, applying the
// same defaults the flag-driven path (get) uses for sync_mode,
// cache_max_entries, wal_flush_period, the retry fields and
// access_log_level. cache_ttl has no default here: when omitted it stays
// zero.
func NewFromYaml(data []byte) (*Config, error) {
	c := &Config{AccessLogLevel: "all"}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	for i := range c.Mounts {
		m := &c.Mounts[i]
		if m.SyncMode == "" {
			m.SyncMode = SyncWriteThrough
		}
		if m.CacheMaxEntries == 0 && m.CacheMaxBytes == 0 {
			m.CacheMaxEntries = defaultCacheMaxEntries
		}
		if m.WalFlushPeriod == 0 {
			m.WalFlushPeriod = defaultWalFlushPeriod
		}
		if m.RetryMaxAttempts == 0 {
			m.RetryMaxAttempts = defaultRetryMaxAttempts
		}
		if m.RetryBaseDelay == 0 {
			m.RetryBaseDelay = defaultRetryBaseDelay
		}
		if m.RetryMaxDelay == 0 {
			m.RetryMaxDelay = defaultRetryMaxDelay
		}
	}

	if err := validate(c); err != nil {
		return nil, err
	}
	return c, nil
}

func validate(c *Config) error {
	if len(c.Mounts) == 0 {
		return errors.New("at least one mount is required")
	}

	seen := map[string]bool{}
	for _, m := range c.Mounts {
		if m.Path == "" {
			return errors.New("the 'path' field is required for every mount")
		}
		if m.Path[0] != '/' {
			return fmt.Errorf("mount path '%s' must be absolute", m.Path)
		}
		if seen[m.Path] {
			return fmt.Errorf("duplicate mount path '%s'", m.Path)
		}
		seen[m.Path] = true

		switch m.Backend {
		case BackendMemory, BackendLocalFS, BackendS3, BackendAzureBlob:
		default:
			return fmt.Errorf("mount '%s': unknown backend '%s'", m.Path, m.Backend)
		}

		switch m.SyncMode {
		case SyncNone, SyncWriteThrough, SyncWriteBack, SyncPullMirror:
		default:
			return fmt.Errorf("mount '%s': sync_mode must be one of none, write_through, write_back, pull_mirror, got '%s'", m.Path, m.SyncMode)
		}

		if m.SyncMode == SyncWriteBack && m.WalPath == "" {
			return fmt.Errorf("mount '%s': wal_path is required for write_back sync mode", m.Path)
		}
	}

	if c.AccessLogLevel != "all" && c.AccessLogLevel != "none" {
		return fmt.Errorf("access_log_level must be 'all' or 'none', got '%s'", c.AccessLogLevel)
	}

	return nil
}

func (c *Config) setLogger() error {
	c.AccessLogger, c.ErrorLogger = openfslog.New(os.Stdout, os.Stderr, c.AccessLogLevel)
	return nil
}
