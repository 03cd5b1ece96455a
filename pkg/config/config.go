// Package config loads runtime settings for the dom0 tooling. Settings come
// from an optional YAML file, with environment variables taking precedence
// for the strategy guard switches.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is consulted when no config file is given.
const DefaultPath = "/etc/qubes/qubes-ansible.yaml"

// Environment overrides for the strategy guard.
const (
	EnvAllowInsecure = "QUBES_ALLOW_INSECURE"
	EnvInsecureQuiet = "QUBES_INSECURE_QUIET"
)

// Config holds the runtime settings.
type Config struct {
	// AllowInsecure lets plays use the qubes connection without the
	// qubes_proxy strategy. The guard then warns instead of aborting.
	AllowInsecure bool `yaml:"qubes_allow_insecure"`

	// InsecureQuiet also suppresses the warning. Only meaningful
	// together with AllowInsecure.
	InsecureQuiet bool `yaml:"qubes_insecure_quiet"`

	// Forks bounds how many hosts run in parallel.
	Forks int `yaml:"forks"`

	// Inventory is the default inventory path.
	Inventory string `yaml:"inventory"`

	// SocketPath overrides the qubesd socket location.
	SocketPath string `yaml:"socket_path"`

	// Timeout bounds a single remote command.
	Timeout Duration `yaml:"timeout"`

	// Verbosity is the default display verbosity.
	Verbosity int `yaml:"verbosity"`
}

// Duration decodes go duration strings like "30s" or "2m" from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the setting as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Forks:     5,
		Inventory: "inventory",
	}
}

// Load reads path when it exists, then applies environment overrides. A
// missing file is not an error; the defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.applyEnv()

	if cfg.Forks < 1 {
		cfg.Forks = 1
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v, ok := boolEnv(EnvAllowInsecure); ok {
		c.AllowInsecure = v
	}
	if v, ok := boolEnv(EnvInsecureQuiet); ok {
		c.InsecureQuiet = v
	}
}

func boolEnv(name string) (bool, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
