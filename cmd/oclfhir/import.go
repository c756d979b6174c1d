package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cens-chile/oclfhir/pkg/logger"
)

func importCmd(g *globals) *cobra.Command {
	var (
		dir      string
		owner    string
		builtins bool
		packages []string
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load FHIR CodeSystem and ValueSet JSON into the configured database",
		Long: `Reads CodeSystem-*.json, ValueSet-*.json and Bundle-*.json files from a
directory and from FHIR packages fetched from the package registry. They are
written with their concepts and value set members to the configured SQL
database in a single transaction. The schema is created when missing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if !cfg.Database.Enabled() {
				return errors.New("import needs a database: set database.driver or OCLFHIR_DB_DRIVER")
			}
			log, err := logger.NewLogger(cfg.Log.Level, "console", cfg.Log.Service)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			seed := cfg.Seed
			seed.Dir, seed.Owner, seed.Builtins, seed.Packages = dir, owner, builtins, packages
			src, err := seedMemory(ctx, seed, log)
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg, log, true)
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.Import(ctx, src, src.Snapshots())
			if err != nil {
				log.Error("import failed", zap.Error(err))
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d snapshots, %d concepts, %d members, %d names\n",
				stats.Snapshots, stats.Concepts, stats.Members, stats.Names)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "directory of FHIR JSON resources")
	cmd.Flags().StringVar(&owner, "owner", "", "owner to import under: global, org:<id> or user:<id>")
	cmd.Flags().BoolVar(&builtins, "builtins", false, "include the builtin HL7 code systems")
	cmd.Flags().StringSliceVar(&packages, "package", nil, "FHIR package to load: name#version from the registry or a local .tgz; repeatable")
	return cmd
}
