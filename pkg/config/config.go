package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/easycicd/easycicd/pkg/types"
)

// Config holds the agent's runtime configuration. Values come from an
// optional YAML file overridden by CLI flags; zero values fall back to
// defaults via ApplyDefaults.
type Config struct {
	DataDir       string `yaml:"data_dir"`
	APIAddr       string `yaml:"api_addr"`
	ProxyAddr     string `yaml:"proxy_addr"`
	BaseDomain    string `yaml:"base_domain"`
	WebhookSecret string `yaml:"webhook_secret"`
	DockerNetwork string `yaml:"docker_network"`
	LogLevel      string `yaml:"log_level"`
	LogJSON       bool   `yaml:"log_json"`
	BusCapacity   int    `yaml:"bus_capacity"`
}

// Load reads a YAML config file. A missing file is not an error: the caller
// gets a zero Config to be filled by flags and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "/data"
	}
	if c.APIAddr == "" {
		c.APIAddr = ":3000"
	}
	if c.ProxyAddr == "" {
		c.ProxyAddr = ":8080"
	}
	if c.DockerNetwork == "" {
		c.DockerNetwork = "easycicd"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.BusCapacity == 0 {
		c.BusCapacity = 1000
	}
}

// Validate rejects configurations the agent cannot start with.
func (c *Config) Validate() error {
	if c.WebhookSecret == "" {
		return fmt.Errorf("webhook_secret is required")
	}
	return nil
}

// WorkspaceDir is the source checkout directory for a project.
func (c *Config) WorkspaceDir(projectID int64) string {
	return filepath.Join(c.DataDir, "workspace", fmt.Sprintf("%d", projectID))
}

// OutputDir is the artifact directory for a build.
func (c *Config) OutputDir(buildID int64) string {
	return filepath.Join(c.DataDir, "output", fmt.Sprintf("build%d", buildID))
}

// CacheDir is the shared cache directory for a cache kind.
func (c *Config) CacheDir(cache types.CacheType) string {
	return filepath.Join(c.DataDir, "cache", string(cache))
}

// BuildLogPath is where a build's log lines are persisted.
func (c *Config) BuildLogPath(projectID int64, buildNumber int) string {
	return filepath.Join(c.DataDir, "easycicd", "logs",
		fmt.Sprintf("%d", projectID), fmt.Sprintf("%d.log", buildNumber))
}

// DeployLogPath is where a build's deployment log lines are persisted.
func (c *Config) DeployLogPath(projectID int64, buildNumber int) string {
	return filepath.Join(c.DataDir, "easycicd", "logs",
		fmt.Sprintf("%d", projectID), fmt.Sprintf("%d_deploy.log", buildNumber))
}

// DBPath is the sqlite database location.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "easycicd", "db.sqlite")
}
