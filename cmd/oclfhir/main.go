// Package main implements the oclfhir server and command line tool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cens-chile/oclfhir/config"
)

const version = "0.1.0"

// globals are the persistent flags shared by every command.
type globals struct {
	configPath string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:           "oclfhir",
		Short:         "FHIR terminology server over OCL-style repositories",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", os.Getenv(config.EnvPrefix+"_CONFIG"), "HCL configuration file")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(serveCmd(g))
	root.AddCommand(expandCmd(g))
	root.AddCommand(lookupCmd(g))
	root.AddCommand(validateCmd(g))
	root.AddCommand(importCmd(g))
	return root
}

// load reads the configuration and applies command line overrides.
func (g *globals) load() (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	return cfg, nil
}
