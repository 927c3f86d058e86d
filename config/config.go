package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/intellimaint/edge/model"
)

// DefaultPath is where the edge agent looks for its configuration.
const DefaultPath = "/etc/intellimaint/edge.yaml"

// Config is the full agent configuration.
type Config struct {
	DataDir    string           `yaml:"data_dir"`
	LogJSON    bool             `yaml:"log_json"`
	Simulate   bool             `yaml:"simulate"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
	Alerts     AlertConfig      `yaml:"alerts"`
	Storage    StorageConfig    `yaml:"storage"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Writer     WriterConfig     `yaml:"writer"`
	Overflow   OverflowConfig   `yaml:"overflow"`

	RulesFile      string `yaml:"rules_file"`
	RuleRefreshSec int    `yaml:"rule_refresh_sec"`

	Endpoints []EndpointConfig `yaml:"endpoints"`
}

// PrometheusConfig toggles the metrics listener.
type PrometheusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// AlertConfig holds optional alarm notification destinations.
type AlertConfig struct {
	Webhook string `yaml:"webhook"`
}

// StorageConfig selects the persistence engine.
type StorageConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`    // postgres connection string
}

// PipelineConfig bounds the fan-in queue and dispatcher targets.
type PipelineConfig struct {
	Capacity          int   `yaml:"capacity"`
	TargetCapacity    int   `yaml:"target_capacity"`
	DispatchTimeoutMs int64 `yaml:"dispatch_timeout_ms"`
}

// WriterConfig controls the batch writer.
type WriterConfig struct {
	BatchSize   int   `yaml:"batch_size"`
	FlushMs     int64 `yaml:"flush_ms"`
	MaxRetries  int   `yaml:"max_retries"`
	RetryBaseMs int64 `yaml:"retry_base_ms"`
}

// OverflowConfig controls the rolling CSV sink for unpersistable samples.
type OverflowConfig struct {
	Dir           string `yaml:"dir"` // default <data_dir>/overflow
	RollSizeMB    int    `yaml:"roll_size_mb"`
	RetentionDays int    `yaml:"retention_days"`
	Compress      bool   `yaml:"compress"`
}

// EndpointConfig describes one PLC or OPC UA server.
type EndpointConfig struct {
	ID             string            `yaml:"id"`
	Protocol       string            `yaml:"protocol"`
	Host           string            `yaml:"host"`
	Port           int               `yaml:"port"`
	Family         string            `yaml:"family"`
	Slot           int               `yaml:"slot"`
	MaxConnections int               `yaml:"max_connections"`
	SecurityPolicy string            `yaml:"security_policy"`
	SecurityMode   string            `yaml:"security_mode"`
	Username       string            `yaml:"username"`
	Password       string            `yaml:"password"`
	ScanGroups     []ScanGroupConfig `yaml:"scan_groups"`
	Tags           []TagConfig       `yaml:"tags"`
}

// ScanGroupConfig names a polling cadence within an endpoint.
type ScanGroupConfig struct {
	Name       string `yaml:"name"`
	IntervalMs int64  `yaml:"interval_ms"`
	BatchSize  int    `yaml:"batch_size"`
}

// TagConfig describes one tag and the scan group it belongs to.
type TagConfig struct {
	ID       string `yaml:"id"`
	Address  string `yaml:"address"`
	Type     string `yaml:"type"`
	Group    string `yaml:"group"`
	Unit     string `yaml:"unit"`
	Disabled bool   `yaml:"disabled"`
}

// Default returns a config with working defaults; endpoints must still be
// provided, or Simulate enabled.
func Default() Config {
	return Config{
		DataDir: "/var/lib/intellimaint",
		Prometheus: PrometheusConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
		Storage: StorageConfig{Driver: "sqlite"},
		Pipeline: PipelineConfig{
			Capacity:          100000,
			TargetCapacity:    8192,
			DispatchTimeoutMs: 10,
		},
		Writer: WriterConfig{
			BatchSize:   500,
			FlushMs:     1000,
			MaxRetries:  5,
			RetryBaseMs: 500,
		},
		Overflow: OverflowConfig{
			RollSizeMB:    64,
			RetentionDays: 7,
			Compress:      true,
		},
		RulesFile:      "/etc/intellimaint/rules.yaml",
		RuleRefreshSec: 30,
	}
}

// Load reads and validates a YAML config file. Missing keys keep defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks structural invariants before anything starts.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Pipeline.Capacity <= 0 || c.Pipeline.TargetCapacity <= 0 {
		return fmt.Errorf("pipeline capacities must be positive")
	}
	if c.Writer.BatchSize <= 0 || c.Writer.FlushMs <= 0 {
		return fmt.Errorf("writer batch_size and flush_ms must be positive")
	}
	if c.RuleRefreshSec <= 0 {
		c.RuleRefreshSec = 30
	}
	seen := map[string]bool{}
	for i := range c.Endpoints {
		ep := &c.Endpoints[i]
		if err := ep.validate(); err != nil {
			return fmt.Errorf("endpoint %d (%s): %w", i, ep.ID, err)
		}
		if seen[ep.ID] {
			return fmt.Errorf("duplicate endpoint id %q", ep.ID)
		}
		seen[ep.ID] = true
	}
	return nil
}

func (e *EndpointConfig) validate() error {
	if e.ID == "" {
		return fmt.Errorf("id must be set")
	}
	switch strings.ToLower(e.Protocol) {
	case "cip", "opcua", "sim":
	default:
		return fmt.Errorf("unknown protocol %q", e.Protocol)
	}
	if strings.ToLower(e.Protocol) != "sim" && e.Host == "" {
		return fmt.Errorf("host must be set")
	}
	if len(e.ScanGroups) == 0 {
		return fmt.Errorf("at least one scan group is required")
	}
	groups := map[string]bool{}
	for _, g := range e.ScanGroups {
		if g.Name == "" {
			return fmt.Errorf("scan group name must be set")
		}
		if g.IntervalMs < 100 {
			return fmt.Errorf("scan group %s: interval_ms %d below the 100 ms floor", g.Name, g.IntervalMs)
		}
		if groups[g.Name] {
			return fmt.Errorf("duplicate scan group %q", g.Name)
		}
		groups[g.Name] = true
	}
	for _, tg := range e.Tags {
		if tg.ID == "" {
			return fmt.Errorf("tag id must be set")
		}
		if tg.Address == "" && strings.ToLower(e.Protocol) != "sim" {
			return fmt.Errorf("tag %s: address must be set", tg.ID)
		}
		if tg.Group != "" && !groups[tg.Group] {
			return fmt.Errorf("tag %s references unknown scan group %q", tg.ID, tg.Group)
		}
	}
	return nil
}

// Descriptors converts the endpoint configuration into the runtime model.
// Tags without an explicit group land in the endpoint's first scan group.
func (c *Config) Descriptors() []model.EndpointDescriptor {
	out := make([]model.EndpointDescriptor, 0, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		d := model.EndpointDescriptor{
			EndpointID:     ep.ID,
			Protocol:       strings.ToLower(ep.Protocol),
			Host:           ep.Host,
			Port:           ep.Port,
			Family:         model.PLCFamily(strings.ToLower(ep.Family)),
			Slot:           ep.Slot,
			SecurityPolicy: ep.SecurityPolicy,
			SecurityMode:   ep.SecurityMode,
			Username:       ep.Username,
			Password:       ep.Password,
			MaxConnections: ep.MaxConnections,
		}
		for _, g := range ep.ScanGroups {
			d.ScanGroups = append(d.ScanGroups, model.ScanGroup{
				Name:           g.Name,
				ScanIntervalMs: g.IntervalMs,
				BatchSize:      g.BatchSize,
			})
		}
		byName := map[string]*model.ScanGroup{}
		for i := range d.ScanGroups {
			byName[d.ScanGroups[i].Name] = &d.ScanGroups[i]
		}
		for _, tg := range ep.Tags {
			groupName := tg.Group
			if groupName == "" {
				groupName = d.ScanGroups[0].Name
			}
			g := byName[groupName]
			g.Tags = append(g.Tags, model.TagDescriptor{
				TagID:          tg.ID,
				DeviceID:       ep.ID,
				Address:        tg.Address,
				DeclaredType:   tg.Type,
				ScanGroup:      groupName,
				ScanIntervalMs: g.ScanIntervalMs,
				Unit:           tg.Unit,
				Enabled:        !tg.Disabled,
			})
		}
		out = append(out, d)
	}
	return out
}

// OverflowDir resolves the overflow directory, defaulting under DataDir.
func (c *Config) OverflowDir() string {
	if c.Overflow.Dir != "" {
		return c.Overflow.Dir
	}
	return filepath.Join(c.DataDir, "overflow")
}

// SQLitePath resolves the edge database file.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.DataDir, "edge.db")
}
