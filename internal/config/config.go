package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"synthseed/internal/domain"
)

// Request defaults applied to missing or malformed fields.
const (
	DefaultCountUsers           = 3000
	DefaultCoveragePerMindblock = 15
	DefaultDays                 = 45
	DefaultCohortLabel          = "synthetics_v1"
	DefaultBatchSize            = 10000
	DefaultWorkers              = 4

	StreamPerItem = "per_item"
	StreamSingle  = "single"
)

// Config models synthseed.yml.
type Config struct {
	Defaults domain.SeedingRequest `yaml:"defaults"`
	Engine   struct {
		BatchSize  int    `yaml:"batch_size"`
		Workers    int    `yaml:"workers"`
		StreamMode string `yaml:"stream_mode"`
		// BusyTimeoutMS bounds how long a write waits on a SQLite lock.
		BusyTimeoutMS int `yaml:"busy_timeout_ms"`
		// LeaseSeconds is how long a cohort stays claimed by a run between
		// renewals.
		LeaseSeconds int `yaml:"lease_seconds"`
	} `yaml:"engine"`
	Catalog []CatalogEntry `yaml:"catalog"`
	Log     struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig receives run audit events as JSON POSTs. An empty Events
// list subscribes to every event type.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type CatalogEntry struct {
	ID    string `yaml:"id"`
	Title string `yaml:"title"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with synthseed config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Engine.BatchSize < 0 {
		return fmt.Errorf("engine.batch_size must not be negative")
	}
	if c.Engine.Workers < 0 {
		return fmt.Errorf("engine.workers must not be negative")
	}
	if c.Engine.BusyTimeoutMS < 0 {
		return fmt.Errorf("engine.busy_timeout_ms must not be negative")
	}
	if c.Engine.LeaseSeconds < 0 {
		return fmt.Errorf("engine.lease_seconds must not be negative")
	}
	switch c.Engine.StreamMode {
	case "", StreamPerItem, StreamSingle:
	default:
		return fmt.Errorf("engine.stream_mode must be %s or %s", StreamPerItem, StreamSingle)
	}
	if c.Defaults.Anchor != "" {
		if _, err := time.Parse(time.RFC3339, c.Defaults.Anchor); err != nil {
			return fmt.Errorf("defaults.anchor: %w", err)
		}
	}
	seen := make(map[string]bool, len(c.Catalog))
	for i, entry := range c.Catalog {
		id := strings.TrimSpace(entry.ID)
		if id == "" {
			return fmt.Errorf("catalog entry %d has empty id", i)
		}
		if seen[id] {
			return fmt.Errorf("catalog entry %s is duplicated", id)
		}
		seen[id] = true
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "synthseed.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// CatalogFromFile reads a mindblock catalog: either a bare YAML list of
// entries or a full config whose catalog section is used.
func CatalogFromFile(path string) ([]CatalogEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []CatalogEntry
	if err := yaml.Unmarshal(data, &entries); err == nil {
		return entries, (&Config{Catalog: entries}).Validate()
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, err
	}
	return cfg.Catalog, nil
}

// Resolve layers a request over the config defaults and then the built-in
// defaults. Zero, negative and blank fields fall through; nothing fails.
func (c *Config) Resolve(req domain.SeedingRequest) domain.SeedingRequest {
	base := domain.SeedingRequest{}
	if c != nil {
		base = c.Defaults
		if base.StreamMode == "" {
			base.StreamMode = c.Engine.StreamMode
		}
		if base.Workers <= 0 {
			base.Workers = c.Engine.Workers
		}
	}
	return Normalize(overlay(base, req))
}

func overlay(base, req domain.SeedingRequest) domain.SeedingRequest {
	out := base
	if req.CountUsers > 0 {
		out.CountUsers = req.CountUsers
	}
	if req.CoveragePerMindblock > 0 {
		out.CoveragePerMindblock = req.CoveragePerMindblock
	}
	if req.Days > 0 {
		out.Days = req.Days
	}
	if strings.TrimSpace(req.CohortLabel) != "" {
		out.CohortLabel = req.CohortLabel
	}
	if req.WithOrgs != nil {
		out.WithOrgs = req.WithOrgs
	}
	if req.WithJourneys != nil {
		out.WithJourneys = req.WithJourneys
	}
	if req.WithNotifications != nil {
		out.WithNotifications = req.WithNotifications
	}
	if req.Anchor != "" {
		out.Anchor = req.Anchor
	}
	if req.StreamMode != "" {
		out.StreamMode = req.StreamMode
	}
	if req.Workers > 0 {
		out.Workers = req.Workers
	}
	return out
}

// Normalize fills every missing or malformed field with its default.
func Normalize(req domain.SeedingRequest) domain.SeedingRequest {
	if req.CountUsers <= 0 {
		req.CountUsers = DefaultCountUsers
	}
	if req.CoveragePerMindblock <= 0 {
		req.CoveragePerMindblock = DefaultCoveragePerMindblock
	}
	if req.Days <= 0 {
		req.Days = DefaultDays
	}
	req.CohortLabel = strings.TrimSpace(req.CohortLabel)
	if req.CohortLabel == "" {
		req.CohortLabel = DefaultCohortLabel
	}
	if req.WithOrgs == nil {
		req.WithOrgs = boolPtr(true)
	}
	if req.WithJourneys == nil {
		req.WithJourneys = boolPtr(false)
	}
	if req.WithNotifications == nil {
		req.WithNotifications = boolPtr(false)
	}
	if req.Anchor != "" {
		if _, err := time.Parse(time.RFC3339, req.Anchor); err != nil {
			req.Anchor = ""
		}
	}
	if req.StreamMode != StreamSingle {
		req.StreamMode = StreamPerItem
	}
	if req.Workers <= 0 {
		req.Workers = DefaultWorkers
	}
	return req
}

func boolPtr(v bool) *bool { return &v }

const defaultTemplate = `defaults:
  count_users: 3000
  coverage_per_mindblock: 15
  days: 45
  cohort_label: synthetics_v1
  with_orgs: true
  with_journeys: false
  with_notifications: false

engine:
  batch_size: 10000
  workers: 4
  stream_mode: per_item
  busy_timeout_ms: 5000
  lease_seconds: 600

log:
  level: info
  format: json
`
