package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/okian/alpharank/internal/adapters/repository"
	"github.com/okian/alpharank/internal/adapters/source"
	"github.com/okian/alpharank/internal/adapters/sqlstore"
	service "github.com/okian/alpharank/internal/app"
	"github.com/okian/alpharank/internal/domain/params"
	"github.com/okian/alpharank/internal/domain/types"
	"github.com/okian/alpharank/internal/simulation"
	"github.com/okian/alpharank/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func TestServiceIntegration(t *testing.T) {
	Convey("Given a service on SQLite with a hosted synthetic harness", t, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		db, err := sqlstore.Open(ctx, sqlstore.DriverSQLite, ":memory:")
		So(err, ShouldBeNil)
		defer db.Close()

		states := sqlstore.NewStateStore(db)
		gen := source.NewSynthetic(7, source.WithEntities(8))
		h := simulation.New(gen,
			simulation.WithStateStore(states),
			simulation.WithResultStore(sqlstore.NewResultStore(db)),
			simulation.WithPresetStore(sqlstore.NewPresetStore(db)),
			simulation.WithLogger(logger.Nop()),
			simulation.WithWorkers(2),
		)
		defer func() { _ = h.Shutdown(context.Background()) }()

		svc := service.New(
			service.WithLogger(logger.Nop()),
			service.WithWorkerCount(2),
			service.WithStateStore(states),
			service.WithHarness(h),
		)
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop()
		So(svc.Harness(), ShouldEqual, h)

		Convey("When a live rating and a simulation touch the same entity", func() {
			live := wr(gen.EntityID(2), 1, 70)
			live.Class = "RB"
			_, err := svc.Rate(ctx, live)
			So(err, ShouldBeNil)

			id, err := h.Start(ctx, simulation.Config{Season: 2024, StartPeriod: 1, EndPeriod: 4})
			So(err, ShouldBeNil)
			p, err := h.Wait(ctx, id)
			So(err, ShouldBeNil)

			Convey("Then the run completes with results in SQL", func() {
				So(p.Status, ShouldEqual, simulation.StatusCompleted)
				recs, page, err := h.Results(ctx, id, simulation.ResultFilter{}, types.Page{Limit: 500})
				So(err, ShouldBeNil)
				So(page.Total, ShouldEqual, len(recs))
				So(int64(len(recs)), ShouldEqual, p.Processed)
			})

			Convey("Then production state only reflects the live rating", func() {
				st, err := svc.State(ctx, live.EntityID, 2024)
				So(err, ShouldBeNil)
				So(st.LastPeriod, ShouldEqual, 1)

				_, err = svc.State(ctx, gen.EntityID(5), 2024)
				So(err, ShouldWrap, repository.ErrNotFound)
			})

			Convey("Then the stats see the run", func() {
				stats := svc.GetStats()
				So(stats["simulations"], ShouldEqual, 1)
				So(stats["activeSimulations"], ShouldEqual, 0)
			})
		})

		Convey("When a preset is stored through the harness", func() {
			ps := params.Default()
			ps.Version = "tuned-1"
			_, err := h.CreatePreset(ctx, simulation.Preset{Name: "tuned", Params: ps})
			So(err, ShouldBeNil)

			Convey("Then a run can pin it", func() {
				id, err := h.Start(ctx, simulation.Config{Season: 2024, StartPeriod: 1, EndPeriod: 2, Preset: "tuned"})
				So(err, ShouldBeNil)
				p, err := h.Wait(ctx, id)
				So(err, ShouldBeNil)
				So(p.ParamsVersion, ShouldEqual, "tuned-1")
			})
		})

		Convey("When the service stops", func() {
			svc.Stop()

			Convey("Then the caller-owned harness keeps working", func() {
				id, err := h.Start(ctx, simulation.Config{Season: 2024, StartPeriod: 1, EndPeriod: 1})
				So(err, ShouldBeNil)
				p, err := h.Wait(ctx, id)
				So(err, ShouldBeNil)
				So(p.Status, ShouldEqual, simulation.StatusCompleted)
			})
		})
	})
}
