// Package cmd implements the privacyd subcommands.
package cmd

import (
	"fmt"
	"os"

	"grimm.is/privacyd/internal/config"
	"grimm.is/privacyd/internal/firewall"
	"grimm.is/privacyd/internal/i18n"
	"grimm.is/privacyd/internal/logging"
)

// Printer writes user-facing command output.
var Printer = i18n.NewCLIPrinter()

// setupLogging installs the default logger described by cfg.
func setupLogging(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := logging.New(logging.Config{
		Level:  level,
		Output: os.Stderr,
		JSON:   cfg.LogJSON,
	})
	logging.SetDefault(logger)
	return logger, nil
}

// newBackend builds the packet-filter backend selected by the config.
func newBackend(fw *config.FirewallConfig, logger *logging.Logger) (firewall.Backend, error) {
	switch fw.Backend {
	case config.BackendIPTables:
		return firewall.NewIPTablesBackend(fw.Binary, fw.Chain, fw.Timeout(),
			logger.WithComponent("iptables")), nil
	case config.BackendNFTables:
		b, err := firewall.NewNFTablesBackend(fw.Table, fw.Chain)
		if err != nil {
			return nil, fmt.Errorf("nftables backend: %w", err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown firewall backend %q", fw.Backend)
}

// newGateway builds the gateway for cfg.
func newGateway(cfg *config.Config, logger *logging.Logger) (*firewall.Gateway, error) {
	backend, err := newBackend(cfg.Firewall, logger)
	if err != nil {
		return nil, err
	}
	return firewall.NewGateway(backend,
		firewall.WithMaxUnblockAttempts(cfg.Firewall.MaxUnblockAttempts),
		firewall.WithLogger(logger.WithComponent("firewall")),
	), nil
}

// loadConfig loads the configuration and installs logging.
func loadConfig(configFile string) (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := setupLogging(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
