package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sdmon/internal/storage"
)

// DefaultPath is where sdmon keeps its configuration.
const DefaultPath = "/etc/sdmon.conf"

// ErrIncomplete is returned when the Zabbix server or token is not filled in.
var ErrIncomplete = errors.New("configuration incomplete")

// ErrLegacyFormat is returned for an INI configuration from older releases.
// The file is left untouched so the operator can convert it by hand.
var ErrLegacyFormat = errors.New("configuration is in the old INI format, rewrite it as yaml")

// Config represents the sdmon configuration file.
type Config struct {
	Zabbix      Zabbix  `yaml:"zabbix"`
	Systemd     Systemd `yaml:"systemd"`
	JournalPath string  `yaml:"journal_path"`
	LogLevel    string  `yaml:"log_level"`
}

// Zabbix holds the monitoring endpoint, credential and host identity.
type Zabbix struct {
	Server         string `yaml:"server"`
	Token          string `yaml:"token"`
	Hostname       string `yaml:"hostname"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Systemd holds the locations used for generated units.
type Systemd struct {
	UnitDir string `yaml:"unit_dir"`
	LogDir  string `yaml:"log_dir"`
}

// Timeout is the per-request timeout for Zabbix calls; zero means none.
func (z Zabbix) Timeout() time.Duration {
	if z.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(z.TimeoutSeconds) * time.Second
}

// DefaultConfig returns the values written into a fresh configuration file.
func DefaultConfig() Config {
	hostname, _ := os.Hostname()

	return Config{
		Zabbix: Zabbix{
			Hostname: hostname,
		},
		Systemd: Systemd{
			UnitDir: "/etc/systemd/system",
			LogDir:  "/var/log",
		},
		JournalPath: "/var/lib/sdmon/journal.json",
		LogLevel:    "warn",
	}
}

// Load reads configuration from a yaml file. A missing or empty file yields defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if looksLikeINI(content) {
		return Config{}, fmt.Errorf("%w: %s", ErrLegacyFormat, path)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	defaults := DefaultConfig()
	if cfg.Zabbix.Hostname == "" {
		cfg.Zabbix.Hostname = defaults.Zabbix.Hostname
	}
	if cfg.Systemd.UnitDir == "" {
		cfg.Systemd.UnitDir = defaults.Systemd.UnitDir
	}
	if cfg.Systemd.LogDir == "" {
		cfg.Systemd.LogDir = defaults.Systemd.LogDir
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	return cfg, nil
}

// Ensure loads the configuration at path, creating it on first run and
// writing every default back so the operator sees all keys. It returns
// ErrIncomplete (with the loaded config) when server or token is empty.
func Ensure(path string) (Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return Config{}, err
	}
	if err := Save(path, cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks that the Zabbix endpoint and credential are present.
func (c Config) Validate() error {
	if c.Zabbix.Server == "" || c.Zabbix.Token == "" {
		return ErrIncomplete
	}
	return nil
}

// Save writes cfg to path, replacing any existing file.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := storage.WriteFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// looksLikeINI reports whether the first meaningful line is a section header
// such as "[zabbix]".
func looksLikeINI(content []byte) bool {
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		return strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") && !strings.Contains(line, ",")
	}
	return false
}
