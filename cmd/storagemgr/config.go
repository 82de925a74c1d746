package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/superfly/storagemgr/extent"
)

// Config holds application configuration.
type Config struct {
	// Topology is the YAML description of the system the prober reads and the
	// committed state is written back to.
	Topology string `yaml:"topology"`

	// StateDir holds the lock file, the journal and the boot configuration output.
	StateDir string `yaml:"state_dir"`

	// JournalPath overrides the journal location (default: <state_dir>/journal.db)
	JournalPath string `yaml:"journal_path"`

	// JournalRetention is the number of commit runs kept in the journal
	JournalRetention int `yaml:"journal_retention"`

	// MetricsTextfile, when set, receives Prometheus metrics after a commit
	MetricsTextfile string `yaml:"metrics_textfile"`

	// DryRun logs storage commands instead of running them
	DryRun bool `yaml:"dry_run"`

	// RecursiveRemoval removes the consumers of a device along with it
	RecursiveRemoval bool `yaml:"recursive_removal"`

	// CheckInvariants verifies the model after every change
	CheckInvariants bool `yaml:"check_invariants"`

	// ExtentSize is the default extent size of new volume groups, in bytes
	ExtentSize uint64 `yaml:"extent_size"`

	// Retries is how often a command failing on a busy device is retried
	Retries int `yaml:"retries"`

	// CommandTimeout bounds each storage command
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// KeyFile is handed to cryptsetup when formatting encrypted volumes
	KeyFile string `yaml:"key_file"`

	// SkipHealthCheck commits even when the block layer looks unhealthy
	SkipHealthCheck bool `yaml:"skip_health_check"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Quiet suppresses the progress display
	Quiet bool `yaml:"quiet"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Topology:         "/etc/storagemgr/topology.yaml",
		StateDir:         "/var/lib/storagemgr",
		JournalRetention: 200,
		CheckInvariants:  true,
		ExtentSize:       extent.DefaultExtentSize,
		Retries:          5,
		CommandTimeout:   10 * time.Minute,
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// journalPath resolves where the journal lives.
func (c Config) journalPath() string {
	if c.JournalPath != "" {
		return c.JournalPath
	}
	return filepath.Join(c.StateDir, "journal.db")
}

// loadConfigFile overlays the YAML file at path onto cfg. Fields missing from the file
// keep their current value.
func loadConfigFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// bindFlags registers the persistent flags that override the config file.
func bindFlags(fs *pflag.FlagSet, cfg *Config, configPath *string) {
	fs.StringVar(configPath, "config", "", "YAML configuration file")
	fs.StringVar(&cfg.Topology, "topology", cfg.Topology, "topology description to probe and update")
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "directory for the lock, journal and boot configuration")
	fs.BoolVar(&cfg.DryRun, "dry-run", cfg.DryRun, "log storage commands instead of running them")
	fs.BoolVar(&cfg.RecursiveRemoval, "recursive", cfg.RecursiveRemoval, "remove the consumers of removed devices")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (text or json)")
	fs.BoolVarP(&cfg.Quiet, "quiet", "q", cfg.Quiet, "suppress progress output")
}

// resolveConfig builds the effective configuration: defaults, then the config file,
// then every flag the user actually set.
func resolveConfig(fs *pflag.FlagSet, flagged Config, configPath string) (Config, error) {
	cfg := DefaultConfig()
	if configPath != "" {
		if err := loadConfigFile(&cfg, configPath); err != nil {
			return cfg, err
		}
	}
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "topology":
			cfg.Topology = flagged.Topology
		case "state-dir":
			cfg.StateDir = flagged.StateDir
		case "dry-run":
			cfg.DryRun = flagged.DryRun
		case "recursive":
			cfg.RecursiveRemoval = flagged.RecursiveRemoval
		case "log-level":
			cfg.LogLevel = flagged.LogLevel
		case "log-format":
			cfg.LogFormat = flagged.LogFormat
		case "quiet":
			cfg.Quiet = flagged.Quiet
		}
	})
	return cfg, nil
}

// setupLogger configures the global logger.
func setupLogger(level, format string, out io.Writer) error {
	switch format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	case "text", "":
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return fmt.Errorf("invalid log format %q", format)
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(lvl)
	log.SetOutput(out)
	return nil
}
