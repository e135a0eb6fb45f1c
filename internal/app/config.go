package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// Config is the engine configuration, loaded from an HCL file. Every field
// has a default so a minimal file only needs the broker block.
type Config struct {
	Broker    BrokerConfig `hcl:"broker,block"`
	Feed      *FeedConfig  `hcl:"feed,block"`
	Engine    EngineConfig `hcl:"engine,block"`
	Server    ServerConfig `hcl:"server,block"`
	LogLevel  string       `hcl:"log_level,optional"`
	LogFormat string       `hcl:"log_format,optional"`
}

// BrokerConfig points at the broker REST gateway.
type BrokerConfig struct {
	BaseURL        string `hcl:"base_url"`
	APIKey         string `hcl:"api_key"`
	TimeoutSeconds int    `hcl:"timeout_seconds,optional"`
}

// Timeout returns the per-call broker timeout.
func (b BrokerConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// FeedConfig points at the market-data socket gateway. Absent when no
// workflow uses streaming nodes.
type FeedConfig struct {
	URL string `hcl:"url"`
}

// EngineConfig tunes execution behavior.
type EngineConfig struct {
	WorkflowDir         string `hcl:"workflow_dir,optional"`
	AuditDB             string `hcl:"audit_db,optional"`
	TickQueueDepth      int    `hcl:"tick_queue_depth,optional"`
	PollIntervalSeconds int    `hcl:"poll_interval_seconds,optional"`
}

// PollInterval returns the trigger monitor poll interval.
func (e EngineConfig) PollInterval() time.Duration {
	return time.Duration(e.PollIntervalSeconds) * time.Second
}

// ServerConfig configures serve mode's HTTP listener.
type ServerConfig struct {
	Listen string `hcl:"listen,optional"`
}

// rawConfig keeps broker/engine/server optional at parse time so defaults
// can fill in whole blocks.
type rawConfig struct {
	Broker    *BrokerConfig `hcl:"broker,block"`
	Feed      *FeedConfig   `hcl:"feed,block"`
	Engine    *EngineConfig `hcl:"engine,block"`
	Server    *ServerConfig `hcl:"server,block"`
	LogLevel  string        `hcl:"log_level,optional"`
	LogFormat string        `hcl:"log_format,optional"`
}

// LoadConfig parses and validates an HCL config file. Expressions can
// reference process environment variables through the env object, e.g.
// api_key = env.BROKER_API_KEY.
func LoadConfig(path string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse config %s: %w", path, diags)
	}

	var raw rawConfig
	if diags := gohcl.DecodeBody(file.Body, evalContext(), &raw); diags.HasErrors() {
		return nil, fmt.Errorf("decode config %s: %w", path, diags)
	}

	if raw.Broker == nil {
		return nil, fmt.Errorf("config %s: broker block is required", path)
	}
	cfg := &Config{
		Broker:    *raw.Broker,
		Feed:      raw.Feed,
		LogLevel:  raw.LogLevel,
		LogFormat: raw.LogFormat,
	}
	if raw.Engine != nil {
		cfg.Engine = *raw.Engine
	}
	if raw.Server != nil {
		cfg.Server = *raw.Server
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Broker.TimeoutSeconds <= 0 {
		c.Broker.TimeoutSeconds = 10
	}
	if c.Engine.PollIntervalSeconds <= 0 {
		c.Engine.PollIntervalSeconds = 1
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8400"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

func (c *Config) validate() error {
	if c.Broker.BaseURL == "" {
		return fmt.Errorf("broker.base_url is required")
	}
	if c.Broker.APIKey == "" {
		return fmt.Errorf("broker.api_key is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// evalContext exposes the process environment as an env object inside
// config expressions.
func evalContext() *hcl.EvalContext {
	env := map[string]cty.Value{}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		env[k] = cty.StringVal(v)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(env),
		},
	}
}
