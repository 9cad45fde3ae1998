package config

import (
	"fmt"
	"time"

	"grimm.is/privacyd/internal/brand"
	"grimm.is/privacyd/internal/clock"
)

// Firewall backends.
const (
	BackendIPTables = "iptables"
	BackendNFTables = "nftables"
)

// OpsDisabled as ops_listen turns the ops HTTP server off.
const OpsDisabled = "off"

// Config is the top-level configuration.
// Durations are Go duration strings ("60s", "5m").
type Config struct {
	Directory *DirectoryConfig `hcl:"directory,block" envPrefix:"DIRECTORY_"`
	Firewall  *FirewallConfig  `hcl:"firewall,block" envPrefix:"FIREWALL_"`
	Schedule  *ScheduleConfig  `hcl:"schedule,block" envPrefix:"SCHEDULE_"`
	Stream    *StreamConfig    `hcl:"stream,block" envPrefix:"STREAM_"`

	CameraKind string `hcl:"camera_kind,optional" env:"CAMERA_KIND"`
	RuleKind   string `hcl:"rule_kind,optional" env:"RULE_KIND"`
	OpsListen  string `hcl:"ops_listen,optional" env:"OPS_LISTEN"`
	LogLevel   string `hcl:"log_level,optional" env:"LOG_LEVEL"`
	LogJSON    bool   `hcl:"log_json,optional" env:"LOG_JSON"`
}

// DirectoryConfig locates the topic store.
type DirectoryConfig struct {
	Host           string `hcl:"host,optional" env:"HOST"`
	Port           int    `hcl:"port,optional" env:"PORT"`
	RequestTimeout string `hcl:"request_timeout,optional" env:"REQUEST_TIMEOUT"`
}

// FirewallConfig selects and tunes the packet-filter backend.
type FirewallConfig struct {
	Backend            string `hcl:"backend,optional" env:"BACKEND"`
	Binary             string `hcl:"binary,optional" env:"BINARY"`
	Chain              string `hcl:"chain,optional" env:"CHAIN"`
	Table              string `hcl:"table,optional" env:"TABLE"`
	CommandTimeout     string `hcl:"command_timeout,optional" env:"COMMAND_TIMEOUT"`
	MaxUnblockAttempts int    `hcl:"max_unblock_attempts,optional" env:"MAX_UNBLOCK_ATTEMPTS"`
}

// ScheduleConfig controls periodic work.
type ScheduleConfig struct {
	SweepInterval string `hcl:"sweep_interval,optional" env:"SWEEP_INTERVAL"`
	AuditInterval string `hcl:"audit_interval,optional" env:"AUDIT_INTERVAL"`
	Timezone      string `hcl:"timezone,optional" env:"TIMEZONE"`
}

// StreamConfig controls the notification stream.
type StreamConfig struct {
	Path           string `hcl:"path,optional" env:"PATH"`
	InitialBackoff string `hcl:"initial_backoff,optional" env:"INITIAL_BACKOFF"`
	MaxBackoff     string `hcl:"max_backoff,optional" env:"MAX_BACKOFF"`
	ErrorPause     string `hcl:"error_pause,optional" env:"ERROR_PAUSE"`
}

// Default returns a config with every default applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func setDefault(s *string, def string) {
	if *s == "" {
		*s = def
	}
}

// applyDefaults fills zero values.
func (c *Config) applyDefaults() {
	if c.Directory == nil {
		c.Directory = &DirectoryConfig{}
	}
	if c.Firewall == nil {
		c.Firewall = &FirewallConfig{}
	}
	if c.Schedule == nil {
		c.Schedule = &ScheduleConfig{}
	}
	if c.Stream == nil {
		c.Stream = &StreamConfig{}
	}

	setDefault(&c.Directory.Host, "localhost")
	if c.Directory.Port == 0 {
		c.Directory.Port = 3000
	}
	setDefault(&c.Directory.RequestTimeout, "10s")

	setDefault(&c.Firewall.Backend, BackendIPTables)
	setDefault(&c.Firewall.Binary, "iptables")
	setDefault(&c.Firewall.Chain, brand.ChainName)
	setDefault(&c.Firewall.Table, brand.TableName)
	setDefault(&c.Firewall.CommandTimeout, "5s")
	if c.Firewall.MaxUnblockAttempts == 0 {
		c.Firewall.MaxUnblockAttempts = 10
	}

	setDefault(&c.Schedule.SweepInterval, "60s")
	setDefault(&c.Schedule.AuditInterval, "5m")
	setDefault(&c.Schedule.Timezone, clock.DefaultZone)

	setDefault(&c.Stream.Path, "/ws")
	setDefault(&c.Stream.InitialBackoff, "1s")
	setDefault(&c.Stream.MaxBackoff, "60s")
	setDefault(&c.Stream.ErrorPause, "1s")

	setDefault(&c.CameraKind, brand.CameraKind)
	setDefault(&c.RuleKind, brand.RuleKind)
	setDefault(&c.OpsListen, "127.0.0.1:9477")
	setDefault(&c.LogLevel, "info")
}

// duration parses s, returning zero for unparsable input. Validate rejects
// such values before they are used.
func duration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// BaseURL is the topic store's HTTP address.
func (d *DirectoryConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", d.Host, d.Port)
}

func (d *DirectoryConfig) Timeout() time.Duration { return duration(d.RequestTimeout) }

func (f *FirewallConfig) Timeout() time.Duration { return duration(f.CommandTimeout) }

func (s *ScheduleConfig) Sweep() time.Duration { return duration(s.SweepInterval) }

// Audit returns the audit interval; zero disables the audit task.
func (s *ScheduleConfig) Audit() time.Duration { return duration(s.AuditInterval) }

func (s *StreamConfig) Initial() time.Duration { return duration(s.InitialBackoff) }

func (s *StreamConfig) Max() time.Duration { return duration(s.MaxBackoff) }

func (s *StreamConfig) Pause() time.Duration { return duration(s.ErrorPause) }

// OpsEnabled reports whether the ops HTTP server should run.
func (c *Config) OpsEnabled() bool {
	return c.OpsListen != "" && c.OpsListen != OpsDisabled
}
