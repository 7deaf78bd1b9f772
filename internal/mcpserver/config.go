package mcpserver

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the MCP server configuration loaded from mcp.yaml.
type Config struct {
	APIURL       string                  `yaml:"api_url"`
	Instructions string                  `yaml:"instructions"`
	Tools        map[string]ToolOverride `yaml:"tools"`
}

// ToolOverride allows per-tool customization.
type ToolOverride struct {
	Description string `yaml:"description"`
	Disabled    bool   `yaml:"disabled"`
}

// LoadConfig reads and parses the mcp.yaml configuration file. A missing
// file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ParseConfig(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig parses mcp.yaml configuration from raw bytes.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse mcp config: %w", err)
	}

	if cfg.APIURL == "" {
		cfg.APIURL = "http://127.0.0.1:8090"
	}
	if cfg.Instructions == "" {
		cfg.Instructions = "Deploy edge worker projects and poll their deployment status."
	}

	return &cfg, nil
}

func (c *Config) description(tool, fallback string) string {
	if o, ok := c.Tools[tool]; ok && o.Description != "" {
		return o.Description
	}
	return fallback
}

func (c *Config) enabled(tool string) bool {
	return !c.Tools[tool].Disabled
}
