// Copyright (c) 2020–2026 The specsweep developers. All rights reserved.
// Project site: https://github.com/gotmc/specsweep
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Command specsweep runs recipes on the bench and stores the results. Given
// several recipes it runs them back to back on the same bench, each with a
// fresh orchestrator, and stops at the first one that fails.
//
//	specsweep --recipe cv-77k.yaml --config bench.yaml --xlsx
//	specsweep --recipe cv.yaml --recipe cf.yaml --recipe iv.yaml
//	specsweep --db postgres://lab/sweeps --list-runs 10
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/google/uuid"
	"github.com/gotmc/specsweep"
	"github.com/gotmc/specsweep/lib/cmdlog"
	"github.com/gotmc/specsweep/lib/connutil"
	"github.com/gotmc/specsweep/lib/find"
	"github.com/gotmc/specsweep/lib/store"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "specsweep:", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer, stationOpts ...connutil.StationOption) error {
	fs := pflag.NewFlagSet("specsweep", pflag.ContinueOnError)
	connutil.AddFlags(fs)
	stationFile := fs.String("config", "", "station config file (YAML, TOML or JSON)")
	recipeFiles := fs.StringArray("recipe", nil, "sweep recipe (YAML); repeat to run several in order")
	pause := fs.Duration("pause", time.Second, "wait between recipes")
	xlsx := fs.Bool("xlsx", false, "also write an XLSX workbook")
	dryRun := fs.Bool("dry-run", false, "print the analyzer commands for each recipe and exit")
	listPorts := fs.Bool("list-ports", false, "list USB serial ports and exit")
	listRuns := fs.Int("list-runs", 0, "print the latest `n` runs from the ledger and exit")
	showRun := fs.String("show-run", "", "print the steps of one ledger run and exit")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if *listPorts {
		ports, err := find.USB()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, find.Describe(ports))
		return nil
	}

	cfg, err := connutil.Load(fs, *stationFile)
	if err != nil {
		return err
	}
	log, err := cmdlog.New(os.Stderr, cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *listRuns > 0 || *showRun != "" {
		return queryLedger(ctx, cfg.Store.DatabaseURL, *listRuns, *showRun, out)
	}

	if len(*recipeFiles) == 0 {
		return errors.New("--recipe is required")
	}
	// every recipe is checked before the first one touches the bench
	recipes := make([]specsweep.TestConfiguration, 0, len(*recipeFiles))
	for _, f := range *recipeFiles {
		r, err := specsweep.LoadRecipeFile(f)
		if err != nil {
			return err
		}
		recipes = append(recipes, r)
	}
	if *dryRun {
		for i, r := range recipes {
			fmt.Fprintf(out, "# %s (%s)\n", (*recipeFiles)[i], r.Mode)
			fmt.Fprintln(out, strings.Join(specsweep.Commands(r), "\n"))
		}
		return nil
	}

	sinks, closeSinks, err := openSinks(ctx, cfg.Store, *xlsx, log)
	if err != nil {
		return err
	}
	defer closeSinks()

	station := connutil.NewStation(cfg, append([]connutil.StationOption{connutil.WithLogger(log)}, stationOpts...)...)
	opts := []specsweep.Option{
		specsweep.WithLogger(log),
		specsweep.WithMonitor(specsweep.MonitorFunc(func(r *specsweep.Result, s specsweep.Step) {
			log.Info().
				Int("step", s.Index+1).
				Float64("wavelength", s.Wavelength).
				Float64("temperature", s.Temperature).
				Stringer("quality", s.Quality).
				Msg("step done")
		})),
	}
	for _, s := range sinks {
		opts = append(opts, specsweep.WithSink(s))
	}
	err = runAll(ctx, recipes, station, opts, *pause, log)
	return multierr.Append(err, station.Close())
}

// runAll runs each recipe with its own orchestrator. A fatal error ends the
// batch; sink failures are collected and the batch goes on.
func runAll(
	ctx context.Context,
	recipes []specsweep.TestConfiguration,
	st specsweep.Station,
	opts []specsweep.Option,
	pause time.Duration,
	log zerolog.Logger,
) error {
	var sinkErr error
	for i, recipe := range recipes {
		if i > 0 && pause > 0 {
			select {
			case <-ctx.Done():
				return multierr.Append(sinkErr, ctx.Err())
			case <-time.After(pause):
			}
		}
		orch, err := specsweep.New(recipe, st, opts...)
		if err != nil {
			return multierr.Append(sinkErr, err)
		}
		res, err := orch.Run(ctx)
		if res == nil {
			return multierr.Append(sinkErr, fmt.Errorf("%s %s: %w", recipe.Mode, recipe.Name, err))
		}
		log.Info().
			Str("run", res.RunID.String()).
			Stringer("mode", res.Mode).
			Int("steps", len(res.Steps)).
			Dur("elapsed", res.Finished.Sub(res.Started)).
			Msg("sweep finished")
		sinkErr = multierr.Append(sinkErr, err)
	}
	return sinkErr
}

func queryLedger(ctx context.Context, url string, n int, id string, out io.Writer) error {
	if url == "" {
		return errors.New("the ledger needs a database URL (--db)")
	}
	ledger, err := store.OpenLedger(url)
	if err != nil {
		return err
	}
	defer ledger.Close()

	if id != "" {
		runID, err := uuid.Parse(id)
		if err != nil {
			return fmt.Errorf("run id %q: %w", id, err)
		}
		steps, err := ledger.Steps(ctx, runID)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, stepTable(steps))
		return nil
	}
	runs, err := ledger.Runs(ctx, n)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, runTable(runs))
	return nil
}

func runTable(runs []store.RunRow) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("Run", "Name", "Mode", "Steps", "Started", "Took")
	for _, r := range runs {
		t.Row(
			r.RunID.String(),
			r.Name,
			r.Mode,
			fmt.Sprint(r.Steps),
			r.StartedAt.Local().Format(time.DateTime),
			r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String(),
		)
	}
	return t.Render()
}

func stepTable(steps []store.StepRow) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("#", "Wavelength", "Points", "Temperature", "Magnitude", "Quality")
	for _, s := range steps {
		t.Row(
			fmt.Sprint(s.Index+1),
			fmt.Sprint(s.Wavelength),
			fmt.Sprint(len(s.Primary)),
			fmt.Sprint(s.Temperature),
			fmt.Sprint(s.LockInMagnitude),
			s.Quality,
		)
	}
	return t.Render()
}

func openSinks(ctx context.Context, cfg connutil.StoreConfig, xlsx bool, log zerolog.Logger) ([]specsweep.Sink, func(), error) {
	sinks := []specsweep.Sink{store.CSVSink{Dir: cfg.CSVDir}}
	if xlsx {
		sinks = append(sinks, store.XLSXSink{Dir: cfg.CSVDir})
	}
	cleanup := func() {}

	if cfg.Endpoint != "" {
		oc := store.ObjectConfig{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    cfg.Bucket,
			Prefix:    cfg.Prefix,
			Region:    cfg.Region,
			SSL:       cfg.SSL,
		}
		client, err := store.NewMinIOClient(oc)
		if err != nil {
			return nil, cleanup, fmt.Errorf("object store: %w", err)
		}
		obj := store.NewObjectSink(client, oc, log)
		if err := obj.EnsureBucket(ctx); err != nil {
			return nil, cleanup, err
		}
		sinks = append(sinks, obj)
	}

	if cfg.DatabaseURL != "" {
		ledger, err := store.OpenLedger(cfg.DatabaseURL)
		if err != nil {
			return nil, cleanup, err
		}
		if err := ledger.Migrate(ctx); err != nil {
			ledger.Close()
			return nil, cleanup, err
		}
		sinks = append(sinks, ledger)
		cleanup = func() {
			if err := ledger.Close(); err != nil {
				log.Warn().Err(err).Msg("closing ledger")
			}
		}
	}
	return sinks, cleanup, nil
}
