package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"grimm.is/privacyd/internal/clock"
)

// ErrInvalidConfig wraps every validation failure returned by Load.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validate validates the entire configuration. Defaults must already be
// applied.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	errs = append(errs, c.validateDirectory()...)
	errs = append(errs, c.validateFirewall()...)
	errs = append(errs, c.validateSchedule()...)
	errs = append(errs, c.validateStream()...)

	if c.CameraKind == "" {
		errs = append(errs, ValidationError{"camera_kind", "must not be empty"})
	}
	if c.RuleKind == "" {
		errs = append(errs, ValidationError{"rule_kind", "must not be empty"})
	}
	if c.OpsEnabled() {
		if _, _, err := net.SplitHostPort(c.OpsListen); err != nil {
			errs = append(errs, ValidationError{"ops_listen", err.Error()})
		}
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, ValidationError{"log_level", fmt.Sprintf("unknown level %q", c.LogLevel)})
	}
	return errs
}

// positiveDuration checks that s parses to a duration > 0.
func positiveDuration(field, s string) ValidationErrors {
	d, err := time.ParseDuration(s)
	if err != nil {
		return ValidationErrors{{field, fmt.Sprintf("invalid duration %q", s)}}
	}
	if d <= 0 {
		return ValidationErrors{{field, "must be positive"}}
	}
	return nil
}

func (c *Config) validateDirectory() ValidationErrors {
	var errs ValidationErrors
	if strings.TrimSpace(c.Directory.Host) == "" {
		errs = append(errs, ValidationError{"directory.host", "must not be empty"})
	}
	if c.Directory.Port < 1 || c.Directory.Port > 65535 {
		errs = append(errs, ValidationError{"directory.port", fmt.Sprintf("out of range: %d", c.Directory.Port)})
	}
	errs = append(errs, positiveDuration("directory.request_timeout", c.Directory.RequestTimeout)...)
	return errs
}

func (c *Config) validateFirewall() ValidationErrors {
	var errs ValidationErrors
	switch c.Firewall.Backend {
	case BackendIPTables, BackendNFTables:
	default:
		errs = append(errs, ValidationError{"firewall.backend", fmt.Sprintf("unknown backend %q", c.Firewall.Backend)})
	}
	if c.Firewall.Chain == "" {
		errs = append(errs, ValidationError{"firewall.chain", "must not be empty"})
	}
	if c.Firewall.MaxUnblockAttempts < 1 {
		errs = append(errs, ValidationError{"firewall.max_unblock_attempts", "must be at least 1"})
	}
	errs = append(errs, positiveDuration("firewall.command_timeout", c.Firewall.CommandTimeout)...)
	return errs
}

func (c *Config) validateSchedule() ValidationErrors {
	errs := positiveDuration("schedule.sweep_interval", c.Schedule.SweepInterval)
	// Zero disables the audit.
	if d, err := time.ParseDuration(c.Schedule.AuditInterval); err != nil || d < 0 {
		errs = append(errs, ValidationError{"schedule.audit_interval", fmt.Sprintf("invalid duration %q", c.Schedule.AuditInterval)})
	}
	if _, err := clock.LoadLocation(c.Schedule.Timezone); err != nil {
		errs = append(errs, ValidationError{"schedule.timezone", err.Error()})
	}
	return errs
}

func (c *Config) validateStream() ValidationErrors {
	var errs ValidationErrors
	if !strings.HasPrefix(c.Stream.Path, "/") {
		errs = append(errs, ValidationError{"stream.path", "must start with /"})
	}
	errs = append(errs, positiveDuration("stream.initial_backoff", c.Stream.InitialBackoff)...)
	errs = append(errs, positiveDuration("stream.max_backoff", c.Stream.MaxBackoff)...)
	errs = append(errs, positiveDuration("stream.error_pause", c.Stream.ErrorPause)...)
	if len(errs) == 0 && c.Stream.Max() < c.Stream.Initial() {
		errs = append(errs, ValidationError{"stream.max_backoff", "must not be below initial_backoff"})
	}
	return errs
}
