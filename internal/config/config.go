// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

type Config struct {
	Server struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	} `json:"server"`

	Database struct {
		Path     string `json:"path"`
		InMemory bool   `json:"in_memory"`
	} `json:"database"`

	Repository struct {
		URL  string `json:"url"`  // root URL served by wcsyncd
		UUID string `json:"uuid"` // generated when empty
		User string `json:"user"` // author recorded on commits made by the CLI
	} `json:"repository"`

	WorkingCopy struct {
		AdminDir      string   `json:"admin_dir"`
		GlobalIgnores []string `json:"global_ignores"`
		CacheSize     int      `json:"cache_size"`
		// Filesystem timestamp resolution, e.g. "1s" for coarse filesystems.
		TimestampGranularity string `json:"timestamp_granularity"`
	} `json:"working_copy"`

	Externals struct {
		Policy string `json:"policy"` // propagate, log
	} `json:"externals"`

	Commit struct {
		KeepLocks bool `json:"keep_locks"`
		Verify    bool `json:"verify"` // re-fetch and compare committed text
	} `json:"commit"`

	Mediator struct {
		Kind string `json:"kind"` // memory, badger
	} `json:"mediator"`

	Environment string `json:"environment"` // dev, prod
	LogLevel    string `json:"log_level"`   // debug, info, warn, error
}

// Path returns the config file selected by WCSYNC_ENV.
func Path() string {
	env := os.Getenv("WCSYNC_ENV")
	if env == "" {
		env = "development"
	}
	return fmt.Sprintf("config/config.%s.json", env)
}

func Default() *Config {
	var cfg Config
	cfg.Server.Host = "localhost"
	cfg.Server.Port = 8080
	cfg.Database.Path = "data"
	cfg.Repository.URL = "http://localhost:8080/repo"
	cfg.Repository.User = "anonymous"
	cfg.WorkingCopy.AdminDir = ".wcsync"
	cfg.WorkingCopy.CacheSize = 256
	cfg.WorkingCopy.TimestampGranularity = "10ms"
	cfg.Externals.Policy = "log"
	cfg.Mediator.Kind = "memory"
	cfg.Environment = "development"
	cfg.LogLevel = "info"
	return &cfg
}

// Load decodes path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()

	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return config, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(config); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	switch c.Externals.Policy {
	case "propagate", "log":
	default:
		return fmt.Errorf("unknown externals policy %q", c.Externals.Policy)
	}
	switch c.Mediator.Kind {
	case "memory", "badger":
	default:
		return fmt.Errorf("unknown mediator kind %q", c.Mediator.Kind)
	}
	if _, err := c.Granularity(); err != nil {
		return err
	}
	if c.WorkingCopy.AdminDir == "" {
		return fmt.Errorf("working_copy.admin_dir is required")
	}
	return nil
}

func (c *Config) Granularity() (time.Duration, error) {
	if c.WorkingCopy.TimestampGranularity == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.WorkingCopy.TimestampGranularity)
	if err != nil {
		return 0, fmt.Errorf("parsing timestamp granularity: %w", err)
	}
	return d, nil
}
