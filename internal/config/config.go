package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"gopkg.in/yaml.v3"
)

type Logs struct {
	Run        string `yaml:"run"`
	Error      string `yaml:"error"`
	Pending    string `yaml:"pending"`
	Diagnostic string `yaml:"diagnostic"`
}

type Config struct {
	SourceDir         string       `yaml:"source_dir"`
	MirrorDir         string       `yaml:"mirror_dir"`
	Device            string       `yaml:"device"`
	Logs              Logs         `yaml:"logs"`
	LogLevel          string       `yaml:"log_level,omitempty"`
	IgnoredExtensions []string     `yaml:"ignored_extensions"`
	LockFile          string       `yaml:"lock_file"`
	Verify            bool         `yaml:"verify"`
	Report            ReportConfig `yaml:"report"`
}

type ReportConfig struct {
	Path string   `yaml:"path"`
	S3   S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled      bool               `yaml:"enabled"`
	Bucket       string             `yaml:"bucket"`
	Prefix       string             `yaml:"prefix"`
	Region       string             `yaml:"region"`
	Endpoint     string             `yaml:"endpoint"`
	StorageClass types.StorageClass `yaml:"storage_class"`
	Retry        struct {
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"retry,omitempty"`
}

// Default returns the configuration used when no file is given. The paths
// are the ones the backup host has always used.
func Default() *Config {
	logDir := "/var/log/nextcloud/backups"
	return &Config{
		SourceDir: "/var/www/nextcloud/data/",
		MirrorDir: "/mnt/nextcloud_backup/",
		Device:    "/dev/sdc1",
		Logs: Logs{
			Run:        filepath.Join(logDir, "backups.log"),
			Error:      filepath.Join(logDir, "error.log"),
			Pending:    filepath.Join(logDir, "errored_files.log"),
			Diagnostic: filepath.Join(logDir, "dmb.log"),
		},
		LogLevel:          "debug",
		IgnoredExtensions: []string{"part"},
		LockFile:          "/run/dmb.lock",
		Report: ReportConfig{
			Path: filepath.Join(logDir, "last_run.yaml"),
			S3: S3Config{
				StorageClass: types.StorageClassStandard,
			},
		},
	}
}

// Load reads filename over Default. An empty filename yields the defaults.
func Load(filename string) (*Config, error) {
	cfg := Default()
	if filename == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.SourceDir == "" {
		return fmt.Errorf("source_dir is required")
	}
	if c.MirrorDir == "" {
		return fmt.Errorf("mirror_dir is required")
	}
	if !filepath.IsAbs(c.SourceDir) || !filepath.IsAbs(c.MirrorDir) {
		return fmt.Errorf("source_dir and mirror_dir must be absolute paths")
	}
	if filepath.Clean(c.SourceDir) == filepath.Clean(c.MirrorDir) {
		return fmt.Errorf("source_dir and mirror_dir must differ")
	}
	if !strings.HasPrefix(c.Device, "/dev/") {
		return fmt.Errorf("device must be a /dev path")
	}
	if c.Logs.Run == "" || c.Logs.Error == "" || c.Logs.Pending == "" {
		return fmt.Errorf("logs.run, logs.error and logs.pending are required")
	}
	if c.LockFile == "" {
		return fmt.Errorf("lock_file is required")
	}
	for i, ext := range c.IgnoredExtensions {
		if ext == "" || strings.HasPrefix(ext, ".") {
			return fmt.Errorf("ignored_extensions[%d] must be a bare suffix without a leading dot", i)
		}
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.Report.S3.Enabled {
		if c.Report.S3.Bucket == "" {
			return fmt.Errorf("report.s3.bucket is required when s3 is enabled")
		}
		if c.Report.S3.Region == "" {
			return fmt.Errorf("report.s3.region is required when s3 is enabled")
		}
		if c.Report.Path == "" {
			return fmt.Errorf("report.path is required when s3 is enabled")
		}
	}
	return nil
}

// Level parses LogLevel for the diagnostic log handler.
func (c *Config) Level() (slog.Level, error) {
	if c.LogLevel == "" {
		return slog.LevelDebug, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level %q is invalid", c.LogLevel)
	}
	return level, nil
}

func (c *Config) S3RetryAttempts() int {
	if c.Report.S3.Retry.MaxAttempts > 0 {
		return c.Report.S3.Retry.MaxAttempts
	}
	return 3
}

// RunOptions are the per-invocation switches. Build them with NewRunOptions.
type RunOptions struct {
	Verbose bool
	DryRun  bool
}

// NewRunOptions returns the options for one run. A dry run is always verbose.
func NewRunOptions(verbose, dryRun bool) RunOptions {
	return RunOptions{
		Verbose: verbose || dryRun,
		DryRun:  dryRun,
	}
}
