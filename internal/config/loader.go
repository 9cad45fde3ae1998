package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/caarlos0/env/v9"
	"github.com/hashicorp/hcl/v2/hclsimple"

	"grimm.is/privacyd/internal/brand"
)

// EnvPrefix prefixes every environment override.
var EnvPrefix = brand.ConfigEnvPrefix + "_"

// legacyEnv holds the variable names used before the PRIVACYD_ prefix.
type legacyEnv struct {
	Host string `env:"DHT_HOST"`
	Port int    `env:"DHT_PORT"`
}

// Load reads the config file at path, overlays the environment and
// validates the result. An empty path means the default location, where a
// missing file is not an error.
func Load(path string) (*Config, error) {
	optional := false
	if path == "" {
		path = brand.DefaultConfigPath()
		optional = true
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := hclsimple.Decode(path, data, nil, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case optional && errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return finish(cfg)
}

// LoadBytes decodes HCL source, then applies defaults, environment and
// validation like Load.
func LoadBytes(filename string, data []byte) (*Config, error) {
	cfg := &Config{}
	if err := hclsimple.Decode(filename, data, nil, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filename, err)
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.applyDefaults()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if errs := cfg.Validate(); errs.HasErrors() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, errs.Error())
	}
	return cfg, nil
}

// applyEnv overlays environment variables. Unset variables leave the
// current value alone.
func applyEnv(cfg *Config) error {
	var legacy legacyEnv
	if err := env.Parse(&legacy); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	if legacy.Host != "" {
		cfg.Directory.Host = legacy.Host
	}
	if legacy.Port != 0 {
		cfg.Directory.Port = legacy.Port
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	return nil
}
