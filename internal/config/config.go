package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultRegistryHost is used when the config omits the registry section.
	DefaultRegistryHost = "127.0.0.1"
	// DefaultRegistryPort is the standard Redis port.
	DefaultRegistryPort = 6379
)

// Config is the top-level configuration document.
type Config struct {
	LogLevel     string           `yaml:"logLevel"`
	Surfaces     []SurfaceRule    `yaml:"surfaces"`
	DefaultRange *RangeConfig     `yaml:"defaultRange"`
	Registry     *RegistryConfig  `yaml:"registry"`
	Compositor   CompositorConfig `yaml:"compositor"`
}

// SurfaceRule binds an application identity to a fixed surface id. An empty
// pattern is a wildcard; at least one pattern must be set.
type SurfaceRule struct {
	SurfaceID uint32 `yaml:"surfaceId"`
	AppID     string `yaml:"appId"`
	Title     string `yaml:"title"`
}

// RangeConfig describes the half-open id interval [Start, Max) used for
// surfaces that match no rule.
type RangeConfig struct {
	Start uint32 `yaml:"start"`
	Max   uint32 `yaml:"max"`
}

// RegistryConfig locates the external key-value registry. An empty host or
// the literal value "off" disables the integration.
type RegistryConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Disabled reports whether registry mirroring is turned off.
func (r *RegistryConfig) Disabled() bool {
	return r == nil || r.Host == "" || r.Host == "off"
}

// Addr returns the host:port endpoint string.
func (r *RegistryConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// CompositorConfig overrides the host adapter socket locations.
type CompositorConfig struct {
	EventSocket   string `yaml:"eventSocket"`
	CommandSocket string `yaml:"commandSocket"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Registry == nil {
		c.Registry = &RegistryConfig{Host: DefaultRegistryHost, Port: DefaultRegistryPort}
	}
	if c.Registry.Port == 0 {
		c.Registry.Port = DefaultRegistryPort
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate performs the eager configuration checks; any failure here must
// keep the daemon from starting.
func (c *Config) Validate() error {
	if c.DefaultRange != nil {
		if c.DefaultRange.Start == 0 && c.DefaultRange.Max == 0 {
			return fmt.Errorf("defaultRange requires start and max")
		}
		if c.DefaultRange.Start >= c.DefaultRange.Max {
			return fmt.Errorf("defaultRange start %d must be below max %d",
				c.DefaultRange.Start, c.DefaultRange.Max)
		}
	}
	if len(c.Surfaces) == 0 && c.DefaultRange == nil {
		return fmt.Errorf("config defines no surface rules and no default range")
	}
	seen := make(map[uint32]struct{}, len(c.Surfaces))
	for i, rule := range c.Surfaces {
		if rule.SurfaceID == 0 {
			return fmt.Errorf("surfaces[%d]: surfaceId is not set", i)
		}
		if rule.AppID == "" && rule.Title == "" {
			return fmt.Errorf("surfaces[%d] (id %d): must set appId or title", i, rule.SurfaceID)
		}
		if _, dup := seen[rule.SurfaceID]; dup {
			return fmt.Errorf("duplicate surfaceId %d", rule.SurfaceID)
		}
		seen[rule.SurfaceID] = struct{}{}
		if c.DefaultRange != nil &&
			rule.SurfaceID >= c.DefaultRange.Start && rule.SurfaceID < c.DefaultRange.Max {
			return fmt.Errorf("surfaceId %d falls inside default range [%d, %d)",
				rule.SurfaceID, c.DefaultRange.Start, c.DefaultRange.Max)
		}
	}
	return nil
}
