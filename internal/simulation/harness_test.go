package simulation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/alpharank/internal/adapters/repository"
	"github.com/okian/alpharank/internal/adapters/source"
	"github.com/okian/alpharank/internal/domain/model"
	"github.com/okian/alpharank/internal/domain/params"
	"github.com/okian/alpharank/internal/domain/types"
	"github.com/okian/alpharank/pkg/logger"
)

const season = 2024

func newHarness(src source.DataSource, opts ...Option) *Harness {
	base := []Option{WithLogger(logger.Nop()), WithWorkers(4)}
	return New(src, append(base, opts...)...)
}

func synthetic() *source.Synthetic {
	return source.NewSynthetic(42, source.WithEntities(12))
}

func waitFor(h *Harness, id string) Progress {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p, err := h.Wait(ctx, id)
	So(err, ShouldBeNil)
	return p
}

func startAndWait(h *Harness, cfg Config) (string, Progress) {
	id, err := h.Start(context.Background(), cfg)
	So(err, ShouldBeNil)
	return id, waitFor(h, id)
}

func TestHarnessLifecycle(t *testing.T) {
	Convey("Given a harness over a synthetic population", t, func() {
		ctx := context.Background()
		h := newHarness(synthetic())
		id, p := startAndWait(h, Config{Name: "baseline", Season: season, StartPeriod: 1, EndPeriod: 5})

		Convey("Then the run completes every period", func() {
			So(p.Status, ShouldEqual, StatusCompleted)
			So(p.Phase, ShouldEqual, PhaseDone)
			So(p.PeriodsDone, ShouldEqual, 5)
			So(p.TotalPeriods, ShouldEqual, 5)
			So(p.CurrentPeriod, ShouldEqual, 5)
			So(p.Processed, ShouldBeGreaterThan, 0)
			So(p.Skipped, ShouldEqual, 0)
			So(p.StartedAt, ShouldNotBeNil)
			So(p.FinishedAt, ShouldNotBeNil)
			So(p.ParamsVersion, ShouldEqual, params.DefaultVersion)
		})

		Convey("Then results are paged with a total", func() {
			recs, page, err := h.Results(ctx, id, ResultFilter{}, types.Page{Limit: 5})
			So(err, ShouldBeNil)
			So(recs, ShouldHaveLength, 5)
			So(int64(page.Total), ShouldEqual, p.Processed)
			So(recs[0].Period, ShouldEqual, 1)
			for _, r := range recs {
				So(r.RunID, ShouldEqual, id)
				So(r.Rating, ShouldBeBetweenOrEqual, 0, 100)
			}

			byPeriod, page, _ := h.Results(ctx, id, ResultFilter{Period: 3}, types.Page{})
			So(page.Total, ShouldEqual, len(byPeriod))
			for _, r := range byPeriod {
				So(r.Period, ShouldEqual, 3)
			}
		})

		Convey("Then the outlier query only returns flagged records", func() {
			recs, page, err := h.Outliers(ctx, id, types.Page{})
			So(err, ShouldBeNil)
			So(int64(page.Total), ShouldEqual, p.Outliers)
			for _, r := range recs {
				So(r.Flagged(), ShouldBeTrue)
			}
		})

		Convey("Then an entity diff is ordered with period changes", func() {
			entity := source.NewSynthetic(42, source.WithEntities(12)).EntityID(1)
			d, err := h.Diff(ctx, id, entity)
			So(err, ShouldBeNil)
			So(len(d.Records), ShouldBeGreaterThan, 1)
			So(d.Deltas[0].Change, ShouldEqual, 0)
			for i := 1; i < len(d.Records); i++ {
				So(d.Records[i].Period, ShouldBeGreaterThan, d.Records[i-1].Period)
				So(d.Deltas[i].Change, ShouldAlmostEqual, d.Records[i].Rating-d.Records[i-1].Rating, 1e-9)
			}
			So(d.Net, ShouldAlmostEqual, d.Records[len(d.Records)-1].Rating-d.Records[0].Rating, 1e-9)
		})

		Convey("Then the run is listed and can be deleted", func() {
			So(h.Runs(), ShouldHaveLength, 1)
			So(h.Delete(ctx, id), ShouldBeNil)
			_, err := h.Progress(id)
			So(errors.Is(err, ErrRunNotFound), ShouldBeTrue)
		})
	})
}

func TestHarnessEndToEndExample(t *testing.T) {
	Convey("Given a WR with all categories at 70 and no prior state", t, func() {
		src := source.NewMemory(model.Input{
			EntityID: "wr-1", Class: "WR", Season: season, Period: 1, Activity: 1,
			Categories: model.CategoryScores{
				model.CategoryVolume: 70, model.CategoryEfficiency: 70,
				model.CategoryStability: 70, model.CategoryContextFit: 70,
			},
		})
		h := newHarness(src)
		id, _ := startAndWait(h, Config{Season: season, StartPeriod: 1, EndPeriod: 1})

		Convey("Then the anchored first-period rating is about 85.7", func() {
			recs, _, err := h.Results(context.Background(), id, ResultFilter{EntityID: "wr-1"}, types.Page{})
			So(err, ShouldBeNil)
			So(recs, ShouldHaveLength, 1)
			So(recs[0].Raw, ShouldAlmostEqual, 70, 1e-9)
			So(recs[0].Calibrated, ShouldAlmostEqual, 85.667, 0.001)
			So(recs[0].Rating, ShouldEqual, recs[0].Calibrated)
			So(recs[0].Adjustment, ShouldEqual, 0)
		})
	})
}

func TestHarnessMinActivity(t *testing.T) {
	Convey("Given a harness whose default activity threshold is 0.5", t, func() {
		scores := model.CategoryScores{
			model.CategoryVolume: 60, model.CategoryEfficiency: 60,
			model.CategoryStability: 60, model.CategoryContextFit: 60,
		}
		src := source.NewMemory(
			model.Input{EntityID: "wr-busy", Class: "WR", Season: season, Period: 1, Activity: 1, Categories: scores},
			model.Input{EntityID: "wr-light", Class: "WR", Season: season, Period: 1, Activity: 0.2, Categories: scores},
		)
		h := newHarness(src, WithMinActivity(0.5))

		Convey("When a run leaves the threshold unset", func() {
			_, p := startAndWait(h, Config{Season: season, StartPeriod: 1, EndPeriod: 1})

			Convey("Then the default threshold applies", func() {
				So(p.Processed, ShouldEqual, 1)
			})
		})

		Convey("When a run asks for an explicit threshold of zero", func() {
			_, p := startAndWait(h, Config{Season: season, StartPeriod: 1, EndPeriod: 1, MinActivity: model.Float(0)})

			Convey("Then every active entity is rated", func() {
				So(p.Processed, ShouldEqual, 2)
			})
		})

		Convey("When a run asks for a negative threshold", func() {
			_, err := h.Start(context.Background(), Config{Season: season, StartPeriod: 1, EndPeriod: 1, MinActivity: model.Float(-1)})

			Convey("Then it is rejected", func() {
				So(errors.Is(err, ErrInvalidConfig), ShouldBeTrue)
			})
		})
	})
}

func TestHarnessResumable(t *testing.T) {
	Convey("Given one store and three runs over the same data", t, func() {
		ctx := context.Background()
		h := newHarness(synthetic(), WithStateStore(repository.NewMemoryStateStore()))

		full, _ := startAndWait(h, Config{Season: season, StartPeriod: 1, EndPeriod: 5})
		first, _ := startAndWait(h, Config{Season: season, StartPeriod: 1, EndPeriod: 3})
		second, p := startAndWait(h, Config{Season: season, StartPeriod: 4, EndPeriod: 5, ResumeFrom: first})
		So(p.Status, ShouldEqual, StatusCompleted)

		Convey("Then 1..5 equals 1..3 followed by 4..5", func() {
			gen := synthetic()
			for i := 0; i < 12; i++ {
				entity := gen.EntityID(i)
				a, errA := h.State(ctx, full, entity)
				b, errB := h.State(ctx, second, entity)
				So(errA, ShouldBeNil)
				So(errB, ShouldBeNil)
				So(b, ShouldResemble, a)
			}

			late, _, _ := h.Results(ctx, full, ResultFilter{Period: 5}, types.Page{})
			resumed, _, _ := h.Results(ctx, second, ResultFilter{Period: 5}, types.Page{})
			So(len(resumed), ShouldEqual, len(late))
			for i := range late {
				So(resumed[i].Rating, ShouldEqual, late[i].Rating)
				So(resumed[i].Flags, ShouldResemble, late[i].Flags)
			}
		})

		Convey("Then resuming a missing run fails", func() {
			_, err := h.Start(ctx, Config{Season: season, StartPeriod: 1, EndPeriod: 1, ResumeFrom: "nope"})
			So(errors.Is(err, ErrRunNotFound), ShouldBeTrue)
		})
	})
}

func TestHarnessConcurrentResume(t *testing.T) {
	Convey("Given a finished run covering periods 1..3", t, func() {
		ctx := context.Background()
		h := newHarness(synthetic(), WithStateStore(repository.NewMemoryStateStore()))
		gen := synthetic()

		base, _ := startAndWait(h, Config{Season: season, StartPeriod: 1, EndPeriod: 3})
		before := make(map[string]*model.EntityPeriodState)
		for i := 0; i < 12; i++ {
			st, err := h.State(ctx, base, gen.EntityID(i))
			So(err, ShouldBeNil)
			before[st.EntityID] = st
		}
		soloID, solo := startAndWait(h, Config{Season: season, StartPeriod: 4, EndPeriod: 5, ResumeFrom: base})

		Convey("When two runs resume it at the same time", func() {
			b, errB := h.Start(ctx, Config{Season: season, StartPeriod: 4, EndPeriod: 5, ResumeFrom: base})
			c, errC := h.Start(ctx, Config{Season: season, StartPeriod: 4, EndPeriod: 5, ResumeFrom: base})
			So(errB, ShouldBeNil)
			So(errC, ShouldBeNil)
			pb := waitFor(h, b)
			pc := waitFor(h, c)

			Convey("Then both complete with a full count and no stale errors", func() {
				for _, p := range []Progress{pb, pc} {
					So(p.Status, ShouldEqual, StatusCompleted)
					So(p.Processed, ShouldEqual, solo.Processed)
					So(p.Skipped, ShouldEqual, 0)
				}
				errsB, _ := h.Errors(b)
				errsC, _ := h.Errors(c)
				So(errsB, ShouldBeEmpty)
				So(errsC, ShouldBeEmpty)
			})

			Convey("Then the earlier run keeps its own state", func() {
				for id, want := range before {
					got, err := h.State(ctx, base, id)
					So(err, ShouldBeNil)
					So(got, ShouldResemble, want)
				}
			})

			Convey("Then deleting one resumed run leaves the others intact", func() {
				So(h.Delete(ctx, b), ShouldBeNil)
				for id := range before {
					_, err := h.State(ctx, base, id)
					So(err, ShouldBeNil)
					want, _ := h.State(ctx, soloID, id)
					got, err := h.State(ctx, c, id)
					So(err, ShouldBeNil)
					So(got, ShouldResemble, want)
				}
			})
		})
	})
}

func TestHarnessIsolation(t *testing.T) {
	Convey("Given production state in the same store the harness uses", t, func() {
		ctx := context.Background()
		store := repository.NewMemoryStateStore()
		gen := synthetic()
		entity := gen.EntityID(2)
		prod := &model.EntityPeriodState{EntityID: entity, Season: season, Class: "WR", LastPeriod: 1, Smoothed: 12, Tier: "bench", History: []float64{12}}
		So(store.Put(ctx, prod), ShouldBeNil)

		h := newHarness(synthetic(), WithStateStore(store))
		solo, _ := startAndWait(h, Config{Season: season, StartPeriod: 1, EndPeriod: 4})

		a, errA := h.Start(ctx, Config{Season: season, StartPeriod: 1, EndPeriod: 4})
		b, errB := h.Start(ctx, Config{Season: season, StartPeriod: 1, EndPeriod: 4, Workers: 1})
		So(errA, ShouldBeNil)
		So(errB, ShouldBeNil)
		waitFor(h, a)
		waitFor(h, b)

		Convey("Then production state is untouched", func() {
			got, err := store.Get(ctx, repository.KeyOf(prod))
			So(err, ShouldBeNil)
			So(got, ShouldResemble, prod)
		})

		Convey("Then concurrent runs match a run made alone", func() {
			for i := 0; i < 12; i++ {
				id := gen.EntityID(i)
				want, _ := h.State(ctx, solo, id)
				gotA, _ := h.State(ctx, a, id)
				gotB, _ := h.State(ctx, b, id)
				So(gotA, ShouldResemble, want)
				So(gotB, ShouldResemble, want)
			}
		})
	})
}

type failingSource struct {
	source.DataSource
	entity string
	period int
}

func (f *failingSource) Fetch(ctx context.Context, id string, s, p int) (*model.Input, error) {
	if id == f.entity && p == f.period {
		return nil, fmt.Errorf("%w: upstream timeout", source.ErrUnavailable)
	}
	return f.DataSource.Fetch(ctx, id, s, p)
}

func TestHarnessFetchFailure(t *testing.T) {
	Convey("Given a source that fails one entity in one period", t, func() {
		ctx := context.Background()
		gen := synthetic()
		victim := gen.EntityID(3)
		h := newHarness(&failingSource{DataSource: gen, entity: victim, period: 2})
		id, p := startAndWait(h, Config{Season: season, StartPeriod: 1, EndPeriod: 3})

		Convey("Then the run completes and records the skip", func() {
			So(p.Status, ShouldEqual, StatusCompleted)
			So(p.Skipped, ShouldEqual, 1)
			errs, err := h.Errors(id)
			So(err, ShouldBeNil)
			So(errs, ShouldHaveLength, 1)
			So(errs[0].EntityID, ShouldEqual, victim)
			So(errs[0].Period, ShouldEqual, 2)
			So(errs[0].Kind, ShouldEqual, KindFetch)
		})

		Convey("Then the entity continues from its last good state", func() {
			_, page, _ := h.Results(ctx, id, ResultFilter{EntityID: victim, Period: 2}, types.Page{})
			So(page.Total, ShouldEqual, 0)
			st, err := h.State(ctx, id, victim)
			So(err, ShouldBeNil)
			So(st.LastPeriod, ShouldEqual, 3)
		})
	})
}

type gatedSource struct {
	source.DataSource
	gate    int
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedSource) Population(ctx context.Context, s, p int, min float64) ([]string, error) {
	if p == g.gate {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return g.DataSource.Population(ctx, s, p, min)
}

func TestHarnessCancel(t *testing.T) {
	Convey("Given a run paused inside period 2", t, func() {
		ctx := context.Background()
		src := &gatedSource{DataSource: synthetic(), gate: 2, entered: make(chan struct{}), release: make(chan struct{})}
		h := newHarness(src)
		id, err := h.Start(ctx, Config{Season: season, StartPeriod: 1, EndPeriod: 6})
		So(err, ShouldBeNil)
		<-src.entered

		So(h.Cancel(id), ShouldBeTrue)
		close(src.release)
		p := waitFor(h, id)

		Convey("Then the current period finishes and the run stops at the boundary", func() {
			So(p.Status, ShouldEqual, StatusCancelled)
			So(p.PeriodsDone, ShouldEqual, 2)

			recs, _, _ := h.Results(ctx, id, ResultFilter{}, types.Page{Limit: 1000})
			So(recs, ShouldNotBeEmpty)
			for _, r := range recs {
				So(r.Period, ShouldBeLessThanOrEqualTo, 2)
			}
			So(h.Cancel(id), ShouldBeFalse)
		})
	})
}

type brokenPopulation struct {
	source.DataSource
	period int
}

func (b *brokenPopulation) Population(ctx context.Context, s, p int, min float64) ([]string, error) {
	if p == b.period {
		return nil, errors.New("warehouse offline")
	}
	return b.DataSource.Population(ctx, s, p, min)
}

func TestHarnessRunFailure(t *testing.T) {
	Convey("Given a population query that fails in period 3", t, func() {
		ctx := context.Background()
		h := newHarness(&brokenPopulation{DataSource: synthetic(), period: 3})
		id, p := startAndWait(h, Config{Season: season, StartPeriod: 1, EndPeriod: 5})

		Convey("Then the run fails with a message and earlier periods stay queryable", func() {
			So(p.Status, ShouldEqual, StatusFailed)
			So(p.Error, ShouldContainSubstring, "period 3")
			So(p.Error, ShouldContainSubstring, "warehouse offline")
			So(p.PeriodsDone, ShouldEqual, 2)

			_, page, err := h.Results(ctx, id, ResultFilter{Period: 2}, types.Page{})
			So(err, ShouldBeNil)
			So(page.Total, ShouldBeGreaterThan, 0)
		})
	})
}

func TestHarnessValidation(t *testing.T) {
	Convey("Given a harness", t, func() {
		ctx := context.Background()
		h := newHarness(synthetic())

		Convey("Then bad ranges are rejected", func() {
			_, err := h.Start(ctx, Config{Season: season, StartPeriod: 4, EndPeriod: 2})
			So(errors.Is(err, ErrInvalidRange), ShouldBeTrue)
			_, err = h.Start(ctx, Config{Season: season, StartPeriod: 0, EndPeriod: 2})
			So(errors.Is(err, ErrInvalidRange), ShouldBeTrue)
		})

		Convey("Then a missing season is rejected", func() {
			_, err := h.Start(ctx, Config{StartPeriod: 1, EndPeriod: 2})
			So(errors.Is(err, ErrInvalidConfig), ShouldBeTrue)
		})

		Convey("Then invalid params are rejected", func() {
			bad := params.Default()
			bad.Weights["WR"][params.ModeRedraft]["volume"] = 5
			_, err := h.Start(ctx, Config{Season: season, StartPeriod: 1, EndPeriod: 1, Params: bad})
			So(errors.Is(err, ErrInvalidConfig), ShouldBeTrue)
			So(errors.Is(err, params.ErrInvalidParams), ShouldBeTrue)
		})

		Convey("Then result filters with unknown flags are rejected", func() {
			id, _ := startAndWait(h, Config{Season: season, StartPeriod: 1, EndPeriod: 1})
			_, _, err := h.Results(ctx, id, ResultFilter{Flag: "%"}, types.Page{})
			So(errors.Is(err, ErrInvalidConfig), ShouldBeTrue)
			_, _, err = h.Results(ctx, id, ResultFilter{MinRating: model.Float(80), MaxRating: model.Float(20)}, types.Page{})
			So(errors.Is(err, ErrInvalidConfig), ShouldBeTrue)
			_, _, err = h.Results(ctx, id, ResultFilter{Flag: model.FlagBoundaryRating}, types.Page{})
			So(err, ShouldBeNil)
		})

		Convey("Then unknown runs and presets are reported", func() {
			_, err := h.Progress("missing")
			So(errors.Is(err, ErrRunNotFound), ShouldBeTrue)
			_, _, err = h.Results(ctx, "missing", ResultFilter{}, types.Page{})
			So(errors.Is(err, ErrRunNotFound), ShouldBeTrue)
			So(h.Cancel("missing"), ShouldBeFalse)
			_, err = h.Start(ctx, Config{Season: season, StartPeriod: 1, EndPeriod: 1, Preset: "ghost"})
			So(errors.Is(err, ErrPresetNotFound), ShouldBeTrue)
		})
	})
}

func TestHarnessPresets(t *testing.T) {
	Convey("Given a stored preset", t, func() {
		ctx := context.Background()
		h := newHarness(synthetic())
		tuned := params.Default()
		tuned.Version = "tuned-1"
		tuned.Smoothing.DecayRatio = 0.8

		created, err := h.CreatePreset(ctx, Preset{Name: "tuned", Description: "slower decay", Params: tuned})
		So(err, ShouldBeNil)
		So(created.CreatedAt.IsZero(), ShouldBeFalse)

		Convey("Then names and params are validated", func() {
			_, err := h.CreatePreset(ctx, Preset{Name: "bad name!", Params: tuned})
			So(errors.Is(err, ErrInvalidConfig), ShouldBeTrue)
			_, err = h.CreatePreset(ctx, Preset{Name: "empty"})
			So(errors.Is(err, ErrInvalidConfig), ShouldBeTrue)
			_, err = h.CreatePreset(ctx, Preset{Name: "tuned", Params: tuned})
			So(errors.Is(err, ErrPresetExists), ShouldBeTrue)
		})

		Convey("Then a run pins the preset at start", func() {
			id, p := startAndWait(h, Config{Season: season, StartPeriod: 1, EndPeriod: 2, Preset: "tuned"})
			So(p.ParamsVersion, ShouldEqual, "tuned-1")
			So(p.Preset, ShouldEqual, "tuned")

			changed := tuned.Clone()
			changed.Smoothing.DecayRatio = 0.5
			changed.Version = "tuned-2"
			_, err := h.UpdatePreset(ctx, Preset{Name: "tuned", Params: changed})
			So(err, ShouldBeNil)

			snap, err := h.Params(id)
			So(err, ShouldBeNil)
			So(snap.Smoothing.DecayRatio, ShouldEqual, 0.8)
			So(snap.Version, ShouldEqual, "tuned-1")
		})

		Convey("Then presets can be listed and deleted", func() {
			_, err := h.CreatePreset(ctx, Preset{Name: "alt", Params: params.Default()})
			So(err, ShouldBeNil)
			list, err := h.ListPresets(ctx)
			So(err, ShouldBeNil)
			So(list, ShouldHaveLength, 2)
			So(list[0].Name, ShouldEqual, "alt")

			So(h.DeletePreset(ctx, "alt"), ShouldBeNil)
			_, err = h.GetPreset(ctx, "alt")
			So(errors.Is(err, ErrPresetNotFound), ShouldBeTrue)
		})
	})
}

func TestHarnessShutdown(t *testing.T) {
	Convey("Given a run blocked in a period", t, func() {
		src := &gatedSource{DataSource: synthetic(), gate: 1, entered: make(chan struct{}), release: make(chan struct{})}
		h := newHarness(src)
		id, err := h.Start(context.Background(), Config{Season: season, StartPeriod: 1, EndPeriod: 3})
		So(err, ShouldBeNil)
		<-src.entered

		Convey("Then shutdown cancels it once the period returns", func() {
			go func() {
				time.Sleep(10 * time.Millisecond)
				close(src.release)
			}()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			So(h.Shutdown(ctx), ShouldBeNil)
			p, _ := h.Progress(id)
			So(p.Status, ShouldEqual, StatusCancelled)
		})
	})
}

func TestHarnessShutdownLargePopulation(t *testing.T) {
	Convey("Given runs over a population far larger than the worker queue", t, func() {
		Convey("When the harness shuts down while entities are still being submitted", func() {
			const trials = 5
			statuses := make([]Status, 0, trials)
			var shutdownErrs []error
			for trial := 0; trial < trials; trial++ {
				h := newHarness(source.NewSynthetic(uint64(trial+1), source.WithEntities(20000)), WithWorkers(2))
				id, err := h.Start(context.Background(), Config{Season: season, StartPeriod: 1, EndPeriod: 3})
				So(err, ShouldBeNil)
				for deadline := time.Now().Add(2 * time.Second); time.Now().Before(deadline); {
					if p, _ := h.Progress(id); p.Phase == PhaseRating {
						break
					}
					time.Sleep(time.Millisecond)
				}

				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := h.Shutdown(ctx); err != nil {
					shutdownErrs = append(shutdownErrs, err)
				}
				cancel()
				p, _ := h.Progress(id)
				statuses = append(statuses, p.Status)
			}

			Convey("Then every run stops in a terminal state", func() {
				So(shutdownErrs, ShouldBeEmpty)
				for _, s := range statuses {
					So(s.Terminal(), ShouldBeTrue)
				}
			})
		})
	})
}
