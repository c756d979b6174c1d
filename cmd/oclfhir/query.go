package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cens-chile/oclfhir/engine"
	"github.com/cens-chile/oclfhir/export"
	"github.com/cens-chile/oclfhir/model"
	"github.com/cens-chile/oclfhir/pkg/logger"
	"github.com/cens-chile/oclfhir/worker"
)

// queryFlags are shared by the one-shot terminology commands.
type queryFlags struct {
	owner   string
	user    string
	version string
	lang    string
	asJSON  bool
}

func (q *queryFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&q.owner, "owner", "", "owner of the artifact: global, org:<id> or user:<id>")
	cmd.Flags().StringVar(&q.user, "as", "", "username to resolve private content for")
	cmd.Flags().StringVar(&q.version, "version", "", "artifact version (default: latest)")
	cmd.Flags().StringVar(&q.lang, "lang", "", "display language")
	cmd.Flags().BoolVar(&q.asJSON, "json", false, "print the result as JSON")
}

func (q *queryFlags) scope() (model.Scope, error) {
	owner, err := model.ParseOwner(q.owner)
	if err != nil {
		return model.Scope{}, err
	}
	return model.Scope{Owner: owner, Principal: q.user}, nil
}

// target reads a canonical URL or a mnemonic under the owner flag.
func (q *queryFlags) target(ref string, owner model.Owner) engine.Target {
	if strings.Contains(ref, "://") {
		return engine.ByURL(ref, q.version)
	}
	return engine.ByMnemonic(owner, ref, q.version)
}

// withEngine loads configuration, wires the engine and runs fn. One-shot
// commands log to stderr so stdout carries only the result.
func withEngine(cmd *cobra.Command, g *globals, fn func(ctx context.Context, a *app) error) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	level := cfg.Log.Level
	if g.logLevel == "" {
		level = "warn"
	}
	log, err := logger.NewLogger(level, "console", cfg.Log.Service)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := setup(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := fn(ctx, a); err != nil {
		log.Debug("command failed", zap.String("command", cmd.Name()), zap.Error(err))
		return err
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func expandCmd(g *globals) *cobra.Command {
	var (
		q          queryFlags
		offset     int
		count      int
		filter     string
		activeOnly bool
		xlsxPath   string
	)

	cmd := &cobra.Command{
		Use:   "expand <valueset-url|mnemonic>",
		Short: "Expand a value set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := q.scope()
			if err != nil {
				return err
			}
			return withEngine(cmd, g, func(ctx context.Context, a *app) error {
				p := engine.Params{DisplayLanguage: q.lang, Filter: filter, ValueSetVersion: q.version}
				if cmd.Flags().Changed("offset") {
					p.Offset = engine.Int(offset)
				}
				if cmd.Flags().Changed("count") {
					p.Count = engine.Int(count)
				}
				if cmd.Flags().Changed("active-only") {
					p.ActiveOnly = engine.Bool(activeOnly)
				}

				res, err := a.engine.Expand(ctx, scope, q.target(args[0], scope.Owner), p)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if xlsxPath != "" {
					f, err := os.Create(xlsxPath)
					if err != nil {
						return err
					}
					if err := export.WriteExpansion(f, res); err != nil {
						f.Close()
						return err
					}
					if err := f.Close(); err != nil {
						return err
					}
					fmt.Fprintf(out, "wrote %d of %d concepts to %s\n", len(res.Contains), res.Total, xlsxPath)
					return nil
				}
				if q.asJSON {
					return printJSON(out, res)
				}

				fmt.Fprintf(out, "%s (%s) total=%d offset=%d\n", res.ValueSet, res.URL, res.Total, res.Offset)
				for _, c := range res.Contains {
					fmt.Fprintf(out, "  %s|%s  %s\n", c.System, c.Code, c.Display)
				}
				for _, w := range res.Warnings {
					fmt.Fprintf(out, "warning: %s\n", w)
				}
				return nil
			})
		},
	}

	q.register(cmd)
	cmd.Flags().IntVar(&offset, "offset", 0, "index of the first concept")
	cmd.Flags().IntVar(&count, "count", 0, "page size (default: server default)")
	cmd.Flags().StringVar(&filter, "filter", "", "text filter; /pattern/ is a regular expression")
	cmd.Flags().BoolVar(&activeOnly, "active-only", true, "exclude retired concepts")
	cmd.Flags().StringVar(&xlsxPath, "xlsx", "", "write the expansion as an XLSX workbook")
	return cmd
}

func lookupCmd(g *globals) *cobra.Command {
	var q queryFlags

	cmd := &cobra.Command{
		Use:   "lookup <codesystem-url|mnemonic> <code>",
		Short: "Look up a code in a code system",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := q.scope()
			if err != nil {
				return err
			}
			return withEngine(cmd, g, func(ctx context.Context, a *app) error {
				res, err := a.engine.Lookup(ctx, scope, q.target(args[0], scope.Owner), engine.Params{
					Code:            args[1],
					DisplayLanguage: q.lang,
				})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if q.asJSON {
					return printJSON(out, res)
				}
				fmt.Fprintf(out, "%s %s\n", res.Name, res.Version)
				fmt.Fprintf(out, "%s|%s  %s\n", res.URL, res.Concept.Code, res.Concept.Display)
				if res.Concept.Retired {
					fmt.Fprintln(out, "inactive")
				}
				return nil
			})
		},
	}
	q.register(cmd)
	return cmd
}

func validateCmd(g *globals) *cobra.Command {
	var (
		q         queryFlags
		display   string
		valueSet  bool
		codesFrom string
	)

	cmd := &cobra.Command{
		Use:   "validate <url|mnemonic> [code]",
		Short: "Validate a code against a code system, or a value set with --valueset",
		Long: `Validates one code, or with --codes-from every code listed one per line in a
file ("-" reads stdin). Listed codes are checked in parallel and reported in
completion order. Blank lines and lines starting with # are skipped.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if codesFrom != "" {
				return cobra.ExactArgs(1)(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := q.scope()
			if err != nil {
				return err
			}
			return withEngine(cmd, g, func(ctx context.Context, a *app) error {
				job := worker.Job{
					Scope:  scope,
					Target: q.target(args[0], scope.Owner),
					Params: engine.Params{Display: display, DisplayLanguage: q.lang},
				}
				if valueSet {
					job.Kind = model.KindValueSet
					job.Params.ValueSetVersion = q.version
				}

				out := cmd.OutOrStdout()
				if codesFrom != "" {
					in := cmd.InOrStdin()
					if codesFrom != "-" {
						f, err := os.Open(codesFrom)
						if err != nil {
							return err
						}
						defer f.Close()
						in = f
					}
					return validateStream(ctx, a, job, in, out, q.asJSON)
				}

				job.Params.Code = args[1]
				var res *engine.ValidationResult
				if valueSet {
					res, err = a.engine.ValidateCodeInValueSet(ctx, job.Scope, job.Target, job.Params)
				} else {
					res, err = a.engine.ValidateCode(ctx, job.Scope, job.Target, job.Params)
				}
				if err != nil {
					return err
				}

				if q.asJSON {
					return printJSON(out, res)
				}
				printValidation(out, res)
				if res.Message != "" {
					fmt.Fprintln(out, res.Message)
				}
				if !res.Result {
					return fmt.Errorf("code %s is not valid", res.Code)
				}
				return nil
			})
		},
	}
	q.register(cmd)
	cmd.Flags().StringVar(&display, "display", "", "display to check against the concept")
	cmd.Flags().BoolVar(&valueSet, "valueset", false, "treat the first argument as a value set")
	cmd.Flags().StringVar(&codesFrom, "codes-from", "", "file of codes to validate, one per line; - reads stdin")
	return cmd
}

func printValidation(w io.Writer, res *engine.ValidationResult) {
	status := "valid"
	if !res.Result {
		status = "invalid"
	}
	fmt.Fprintf(w, "%s: %s|%s", status, res.System, res.Code)
	if res.Display != "" {
		fmt.Fprintf(w, " (%s)", res.Display)
	}
	fmt.Fprintln(w)
}

// validateStream feeds codes read from in through a worker pool sized by the
// engine's worker count.
func validateStream(ctx context.Context, a *app, base worker.Job, in io.Reader, out io.Writer, asJSON bool) error {
	pool := worker.NewPool(ctx, a.engine, a.engine.Options().WorkerCount, a.logger)
	defer pool.Close()

	readErr := make(chan error, 1)
	go func() {
		defer pool.Shutdown()
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			code := strings.TrimSpace(sc.Text())
			if code == "" || strings.HasPrefix(code, "#") {
				continue
			}
			j := base
			j.ID = code
			j.Params.Code = code
			if err := pool.Submit(ctx, j); err != nil {
				readErr <- err
				return
			}
		}
		readErr <- sc.Err()
	}()

	enc := json.NewEncoder(out)
	var invalid, failed int
	for r := range pool.Results() {
		switch {
		case r.Error != nil:
			failed++
			fmt.Fprintf(out, "error: %s: %v\n", r.ID, r.Error)
			continue
		case !r.Result.Result:
			invalid++
		}
		if asJSON {
			if err := enc.Encode(r.Result); err != nil {
				return err
			}
			continue
		}
		printValidation(out, r.Result)
	}
	if err := <-readErr; err != nil {
		return err
	}

	stats := pool.Stats()
	a.logger.Debug("codes validated",
		zap.Uint64("checked", stats.Completed),
		zap.Duration("mean", stats.Mean),
	)
	if !asJSON {
		fmt.Fprintf(out, "%d checked, %d invalid, %d failed\n", stats.Completed, invalid, failed)
	}
	if invalid+failed > 0 {
		return fmt.Errorf("%d of %d codes are not valid", invalid+failed, stats.Completed)
	}
	return nil
}
