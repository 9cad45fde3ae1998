package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"grimm.is/privacyd/internal/config"
	"grimm.is/privacyd/internal/firewall"
)

// RunBlocked prints every destination the privacy chain drops.
func RunBlocked(configFile string) error {
	cfg, logger, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	gw, err := newGateway(cfg, logger)
	if err != nil {
		return err
	}
	return printBlocked(context.Background(), os.Stdout, cfg, gw)
}

func printBlocked(ctx context.Context, out io.Writer, cfg *config.Config, gw *firewall.Gateway) error {
	ips := gw.ListBlocked(ctx)
	if len(ips) == 0 {
		Printer.Fprintf(out, "No destinations blocked in chain %s\n", cfg.Firewall.Chain)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tDESTINATION")
	for i, ip := range ips {
		fmt.Fprintf(w, "%d\t%s\n", i+1, ip)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	Printer.Fprintf(out, "%d destination(s) blocked in chain %s\n", len(ips), cfg.Firewall.Chain)
	return nil
}

// RunCleanup removes the privacy chain and every jump to it.
func RunCleanup(configFile string) error {
	cfg, logger, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	gw, err := newGateway(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if !gw.Teardown(ctx) {
		return fmt.Errorf("teardown of chain %s incomplete", cfg.Firewall.Chain)
	}
	Printer.Printf("Removed chain %s\n", cfg.Firewall.Chain)
	return nil
}
