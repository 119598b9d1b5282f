// Command backtest replays a season through the simulation harness with a
// chosen parameter set and prints a run summary plus its outliers.
//
//	backtest --seed 7 --entities 500 --season 2024 --end 17
//	backtest --fixture week1-4.yaml --params-file tuned.yaml --outliers 20
//	backtest --sql-dsn "file:alpharank.db" --preset tuned --end 10
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/okian/alpharank/internal/adapters/repository"
	"github.com/okian/alpharank/internal/adapters/source"
	"github.com/okian/alpharank/internal/adapters/sqlstore"
	"github.com/okian/alpharank/internal/domain/model"
	"github.com/okian/alpharank/internal/domain/params"
	"github.com/okian/alpharank/internal/domain/types"
	"github.com/okian/alpharank/internal/simulation"
	"github.com/okian/alpharank/pkg/logger"
)

type options struct {
	fixture  string
	seed     uint64
	entities int
	failRate float64

	season int
	start  int
	end    int

	preset      string
	paramsFile  string
	workers     int
	minActivity float64
	// minActivitySet distinguishes an explicit --min-activity 0 from the default.
	minActivitySet bool

	rate  float64
	burst int

	sqlDriver string
	sqlDSN    string

	outliers int
	jsonOut  bool
	verbose  bool
}

func main() {
	if err := logger.Init(logger.WithOutput(os.Stderr)); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	o := &options{}
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay a season through the rating pipeline",
		Long: `Replay a range of periods from a fixture file or the synthetic generator
through an isolated simulation run. Production state is never touched.

Parameters come from --params-file (YAML overlaid on the defaults), from a
stored --preset (requires --sql-dsn), or from the built-in defaults.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			o.minActivitySet = cmd.Flags().Changed("min-activity")
			return runBacktest(cmd.Context(), o, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.fixture, "fixture", "", "YAML fixture to replay instead of the synthetic generator")
	f.Uint64Var(&o.seed, "seed", 1, "synthetic generator seed")
	f.IntVar(&o.entities, "entities", 200, "synthetic entity count")
	f.Float64Var(&o.failRate, "fail-rate", 0, "synthetic per-fetch failure probability")
	f.IntVar(&o.season, "season", 2024, "season to replay")
	f.IntVar(&o.start, "start", 1, "first period")
	f.IntVar(&o.end, "end", 0, "last period (default: last fixture period, or start for synthetic)")
	f.StringVar(&o.preset, "preset", "", "stored preset name")
	f.StringVar(&o.paramsFile, "params-file", "", "YAML parameter overrides")
	f.IntVar(&o.workers, "workers", 0, "per-run worker count (default: harness default)")
	f.Float64Var(&o.minActivity, "min-activity", 0, "minimum activity to qualify")
	f.Float64Var(&o.rate, "rate", 0, "upstream requests per second, 0 for unlimited")
	f.IntVar(&o.burst, "burst", 1, "upstream burst")
	f.StringVar(&o.sqlDriver, "sql-driver", sqlstore.DriverSQLite, "sql driver for --sql-dsn: sqlite or pgx")
	f.StringVar(&o.sqlDSN, "sql-dsn", "", "persist the run and read presets from this database")
	f.IntVar(&o.outliers, "outliers", 10, "outliers to print")
	f.BoolVar(&o.jsonOut, "json", false, "print the summary as JSON")
	f.BoolVar(&o.verbose, "verbose", false, "log harness progress")
	cmd.MarkFlagsMutuallyExclusive("preset", "params-file")

	return cmd
}

func runBacktest(ctx context.Context, o *options, out io.Writer) error {
	l := logger.Nop()
	if o.verbose {
		l = logger.Get().Named("backtest")
	}

	var (
		src source.DataSource
		end = o.end
	)
	if o.fixture != "" {
		m, err := source.LoadFile(o.fixture)
		if err != nil {
			return err
		}
		if end == 0 {
			if periods := m.Periods(o.season); len(periods) > 0 {
				end = periods[len(periods)-1]
			}
		}
		src = m
	} else {
		src = source.NewSynthetic(o.seed,
			source.WithEntities(o.entities),
			source.WithFailureRate(o.failRate),
		)
	}
	if end == 0 {
		end = o.start
	}
	guarded := source.NewGuarded(src, source.WithName("backtest"), source.WithRateLimit(o.rate, o.burst))

	hopts := []simulation.Option{simulation.WithLogger(l)}
	if o.sqlDSN != "" {
		db, err := sqlstore.Open(ctx, o.sqlDriver, o.sqlDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		hopts = append(hopts,
			simulation.WithStateStore(sqlstore.NewStateStore(db)),
			simulation.WithResultStore(sqlstore.NewResultStore(db)),
			simulation.WithPresetStore(sqlstore.NewPresetStore(db)),
		)
	} else {
		hopts = append(hopts, simulation.WithStateStore(repository.NewMemoryStateStore()))
	}
	h := simulation.New(guarded, hopts...)
	defer func() { _ = h.Shutdown(context.Background()) }()

	cfg := simulation.Config{
		Name:        "backtest",
		Season:      o.season,
		StartPeriod: o.start,
		EndPeriod:   end,
		Preset:      o.preset,
		Workers:     o.workers,
	}
	if o.minActivitySet {
		cfg.MinActivity = model.Float(o.minActivity)
	}
	if o.paramsFile != "" {
		ps, err := loadParams(o.paramsFile)
		if err != nil {
			return err
		}
		cfg.Params = ps
	}

	id, err := h.Start(ctx, cfg)
	if err != nil {
		return err
	}
	p, err := h.Wait(ctx, id)
	if err != nil {
		// Interrupted: stop the run and report what it got through.
		h.Cancel(id)
		waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if p, err = h.Wait(waitCtx, id); err != nil {
			return err
		}
	}

	top, page, err := h.Outliers(context.Background(), id, types.Page{Limit: o.outliers})
	if err != nil {
		return err
	}
	errs, _ := h.Errors(id)

	if o.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(map[string]any{"run": p, "outliers": top, "errors": errs}); err != nil {
			return err
		}
	} else {
		printSummary(out, p, top, page.Total, len(errs))
	}

	if p.Status != simulation.StatusCompleted {
		return fmt.Errorf("run %s %s: %s", p.RunID, p.Status, p.Error)
	}
	return nil
}

// loadParams overlays a YAML file on the default parameter set.
func loadParams(path string) (*params.Set, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read params: %w", err)
	}
	ps := params.Default()
	if err := yaml.Unmarshal(raw, ps); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if err := ps.Validate(); err != nil {
		return nil, err
	}
	return ps, nil
}

func printSummary(out io.Writer, p simulation.Progress, outliers []model.RatingRecord, totalOutliers, errCount int) {
	fmt.Fprintf(out, "run %s  %s  season %d  periods %d-%d  params %s\n",
		p.RunID, p.Status, p.Season, p.StartPeriod, p.EndPeriod, p.ParamsVersion)
	fmt.Fprintf(out, "processed %d  skipped %d  outliers %d  errors %d\n",
		p.Processed, p.Skipped, totalOutliers, errCount)
	if p.StartedAt != nil && p.FinishedAt != nil {
		fmt.Fprintf(out, "took %s\n", p.FinishedAt.Sub(*p.StartedAt).Round(time.Millisecond))
	}
	if len(outliers) == 0 {
		return
	}

	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tCLASS\tPERIOD\tRATING\tTIER\tFLAGS")
	for _, r := range outliers {
		flags := make([]string, 0, len(r.Flags))
		for _, f := range r.Flags {
			flags = append(flags, string(f))
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.2f\t%s\t%s\n", r.EntityID, r.Class, r.Period, r.Rating, r.Tier, strings.Join(flags, ","))
	}
	_ = tw.Flush()
}
