package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"grimm.is/privacyd/internal/config"
	"grimm.is/privacyd/internal/directory"
)

// RunCheck validates the configuration. With dump it writes the effective
// configuration; with verbose it also probes the directory.
func RunCheck(configFile string, verbose, dump bool) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	Printer.Printf("Configuration valid!\n")
	printSummary(os.Stdout, cfg)
	if dump {
		fmt.Fprintf(os.Stdout, "\n%s", cfg.HCL())
	}

	if !verbose {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.Directory.Timeout())
	defer cancel()
	client := directory.NewClient(cfg.Directory.BaseURL(), directory.WithTimeout(cfg.Directory.Timeout()))
	return probeDirectory(ctx, os.Stdout, client, cfg.RuleKind)
}

func printSummary(out io.Writer, cfg *config.Config) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Directory:\t%s\n", cfg.Directory.BaseURL())
	fmt.Fprintf(w, "Stream path:\t%s\n", cfg.Stream.Path)
	fmt.Fprintf(w, "Backend:\t%s\n", cfg.Firewall.Backend)
	fmt.Fprintf(w, "Chain:\t%s\n", cfg.Firewall.Chain)
	if cfg.Firewall.Backend == config.BackendNFTables {
		fmt.Fprintf(w, "Table:\t%s\n", cfg.Firewall.Table)
	}
	fmt.Fprintf(w, "Sweep interval:\t%s\n", cfg.Schedule.Sweep())
	fmt.Fprintf(w, "Audit interval:\t%s\n", cfg.Schedule.Audit())
	fmt.Fprintf(w, "Timezone:\t%s\n", cfg.Schedule.Timezone)
	fmt.Fprintf(w, "Kinds:\t%s / %s\n", cfg.RuleKind, cfg.CameraKind)
	if cfg.OpsEnabled() {
		fmt.Fprintf(w, "Ops listen:\t%s\n", cfg.OpsListen)
	} else {
		fmt.Fprintf(w, "Ops listen:\tdisabled\n")
	}
	w.Flush()
}

func probeDirectory(ctx context.Context, out io.Writer, dir directory.Directory, ruleKind string) error {
	start := time.Now()
	rules, err := dir.FetchKind(ctx, ruleKind)
	if err != nil {
		return fmt.Errorf("directory unreachable: %w", err)
	}
	Printer.Fprintf(out, "Directory reachable (%d %s record(s), %s)\n",
		len(rules), ruleKind, time.Since(start).Round(time.Millisecond))
	return nil
}
