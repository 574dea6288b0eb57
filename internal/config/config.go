package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Logger struct {
	Level string `yaml:"level"`
}

type Global struct {
	Logger Logger `yaml:"logger"`
}

// Vicarius holds the remote dashboard API settings.
type Vicarius struct {
	APIKey       string `yaml:"api_key"`
	DashboardURL string `yaml:"dashboard_url"`

	// Calls per minute against the remote API, shared by all fetchers.
	RateBudget int `yaml:"rate_budget"`

	PageSize         int           `yaml:"page_size"`
	IncidentPageSize int           `yaml:"incident_page_size"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
}

type Extraction struct {
	ReportsDir string `yaml:"reports_dir"`
	StatePath  string `yaml:"state_path"`

	// Argv for the extraction subprocess spawned by the coordinator.
	// Defaults to re-invoking this binary's extract subcommand.
	Command []string      `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
}

type Database struct {
	URL string `yaml:"url"`
}

type LocalRepository struct {
	Path string `yaml:"path"`
}

type S3Repository struct {
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	Prefix         string `yaml:"prefix"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// Archive configures optional post-run parquet preservation of the
// cleaned reports. Type is "", "local" or "s3".
type Archive struct {
	Type  string          `yaml:"type"`
	Local LocalRepository `yaml:"local"`
	S3    S3Repository    `yaml:"s3"`
}

type Server struct {
	ListenAddr string `yaml:"listen_addr"`
}

type Config struct {
	Global     Global     `yaml:"global"`
	Vicarius   Vicarius   `yaml:"vicarius"`
	Extraction Extraction `yaml:"extraction"`
	Database   Database   `yaml:"database"`
	Archive    Archive    `yaml:"archive"`
	Server     Server     `yaml:"server"`
}

func (c *Config) applyDefaults() {
	if c.Vicarius.RateBudget == 0 {
		c.Vicarius.RateBudget = 55
	}
	if c.Vicarius.PageSize == 0 {
		c.Vicarius.PageSize = 100
	}
	if c.Vicarius.IncidentPageSize == 0 {
		c.Vicarius.IncidentPageSize = 500
	}
	if c.Vicarius.RequestTimeout == 0 {
		c.Vicarius.RequestTimeout = 30 * time.Second
	}
	if c.Extraction.ReportsDir == "" {
		c.Extraction.ReportsDir = "reports"
	}
	if c.Extraction.StatePath == "" {
		c.Extraction.StatePath = "reports/state.json"
	}
	if c.Extraction.Timeout == 0 {
		c.Extraction.Timeout = time.Hour
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8000"
	}
}

func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	switch c.Archive.Type {
	case "", "local", "s3":
	default:
		return fmt.Errorf("unknown archive type: %q", c.Archive.Type)
	}
	return nil
}

func NewFromFile(fpath string) (*Config, error) {
	bs, err := os.ReadFile(fpath)
	if err != nil {
		return nil, err
	}

	var c Config
	if err := yaml.Unmarshal(bs, &c); err != nil {
		return nil, err
	}

	c.applyDefaults()
	return &c, nil
}
