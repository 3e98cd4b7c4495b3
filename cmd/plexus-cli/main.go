// Package main provides the plexus-cli command-line tool for managing the gateway.
package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/plexus-labs/plexus"
	"github.com/plexus-labs/plexus/internal/version"
)

const usage = `plexus-cli — plexus gateway command line tool

Usage:
  plexus-cli <command> [arguments]

Commands:
  validate <config-file>    Validate a gateway configuration file (YAML/JSON)
  version                   Print version info
  help                      Show this help
`

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(0)
	}

	switch os.Args[1] {
	case "validate":
		cmdValidate()
	case "version":
		cmdVersion()
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		fmt.Print(usage)
		os.Exit(1)
	}
}

func cmdValidate() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: plexus-cli validate <config-file>")
		os.Exit(1)
	}
	path := os.Args[2]

	cfg, err := plexus.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := plexus.ValidateConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Validation error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ Config is valid\n")
	fmt.Printf("  Providers: %d\n", len(cfg.Providers))
	fmt.Printf("  Aliases:   %d\n", len(cfg.Models))

	var aliases []string
	for name := range cfg.Models {
		aliases = append(aliases, name)
	}
	sort.Strings(aliases)
	if len(aliases) > 0 {
		fmt.Printf("  Models:    %s\n", strings.Join(aliases, ", "))
	}
	if cfg.Auto != nil && cfg.Auto.Enabled {
		fmt.Printf("  Auto:      enabled (%d tier mappings)\n", len(cfg.Auto.TierModels))
	}
}

func cmdVersion() {
	fmt.Printf("plexus-cli %s\n", version.String())
}
