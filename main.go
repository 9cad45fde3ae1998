package main

import (
	"flag"
	"os"

	"grimm.is/privacyd/cmd"
	"grimm.is/privacyd/internal/brand"
	"grimm.is/privacyd/internal/i18n"
)

var printer = i18n.NewCLIPrinter()

// configFlags registers -config/-c on fs. The empty default means the
// standard location, where a missing file is not an error.
func configFlags(fs *flag.FlagSet) *string {
	configFile := fs.String("config", "", "Configuration file (default "+brand.DefaultConfigPath()+")")
	fs.StringVar(configFile, "c", "", "Configuration file (short)")
	return configFile
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runFlags := flag.NewFlagSet("run", flag.ExitOnError)
		configFile := configFlags(runFlags)
		runFlags.Parse(os.Args[2:])

		if err := cmd.RunDaemon(*configFile); err != nil {
			printer.Fprintf(os.Stderr, "Run failed: %v\n", err)
			os.Exit(1)
		}

	case "blocked":
		blockedFlags := flag.NewFlagSet("blocked", flag.ExitOnError)
		configFile := configFlags(blockedFlags)
		blockedFlags.Parse(os.Args[2:])

		if err := cmd.RunBlocked(*configFile); err != nil {
			printer.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}

	case "cleanup":
		cleanupFlags := flag.NewFlagSet("cleanup", flag.ExitOnError)
		configFile := configFlags(cleanupFlags)
		cleanupFlags.Parse(os.Args[2:])

		if err := cmd.RunCleanup(*configFile); err != nil {
			printer.Fprintf(os.Stderr, "Cleanup failed: %v\n", err)
			os.Exit(1)
		}

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		configFile := configFlags(checkFlags)
		verbose := checkFlags.Bool("verbose", false, "Also probe the directory")
		checkFlags.BoolVar(verbose, "v", false, "Also probe the directory (short)")
		dump := checkFlags.Bool("print", false, "Print the effective configuration")
		checkFlags.BoolVar(dump, "p", false, "Print the effective configuration (short)")
		checkFlags.Parse(os.Args[2:])

		if len(checkFlags.Args()) > 0 {
			*configFile = checkFlags.Arg(0)
		}
		if err := cmd.RunCheck(*configFile, *verbose, *dump); err != nil {
			printer.Fprintf(os.Stderr, "Check failed: %v\n", err)
			os.Exit(1)
		}

	case "version", "-v", "--version":
		printer.Printf("%s %s (built %s)\n", brand.Name, brand.Version, brand.BuildTime)

	case "help", "-h", "--help":
		printUsage()

	default:
		printer.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printer.Printf(`%s - %s

Usage:
  %s <command> [options]

Commands:
  run       Run the controller in the foreground
            Options: --config (-c) <file>
  blocked   List destinations dropped by the privacy chain
            Options: --config (-c) <file>
  cleanup   Remove the privacy chain and its jumps
            Options: --config (-c) <file>
  check     Validate configuration file
            Options: --config (-c) <file>, --verbose (-v), --print (-p)
  version   Show version information
  help      Show this help

Configuration may be overridden with %s_* environment variables
(e.g. %s_DIRECTORY_HOST, %s_SCHEDULE_SWEEP_INTERVAL).
`, brand.Name, brand.Description, brand.BinaryName,
		brand.ConfigEnvPrefix, brand.ConfigEnvPrefix, brand.ConfigEnvPrefix)
}
