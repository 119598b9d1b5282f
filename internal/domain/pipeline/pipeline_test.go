package pipeline_test

import (
	"context"
	"math"
	"testing"

	"github.com/okian/alpharank/internal/domain/model"
	"github.com/okian/alpharank/internal/domain/params"
	pipeline "github.com/okian/alpharank/internal/domain/pipeline"
	"github.com/okian/alpharank/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func wrInput(period int, v float64) *model.Input {
	return &model.Input{
		EntityID: "wr-1", EntityName: "Receiver One", Class: "WR",
		Season: 2024, Period: period, Activity: 1,
		Categories: model.CategoryScores{
			model.CategoryVolume:     v,
			model.CategoryEfficiency: v,
			model.CategoryStability:  v,
			model.CategoryContextFit: v,
		},
	}
}

func TestEndToEndExample(t *testing.T) {
	Convey("Given a WR with every category at 70 and no contextual factors", t, func() {
		e := pipeline.New(params.Default(), pipeline.WithLogger(logger.Nop()))
		rec, st := e.Evaluate(context.Background(), wrInput(1, 70), nil)

		Convey("Then raw is 70 and calibration maps it near 85.7", func() {
			So(rec.Raw, ShouldAlmostEqual, 70, 1e-9)
			So(rec.Adjusted, ShouldAlmostEqual, 70, 1e-9)
			So(rec.Calibrated, ShouldAlmostEqual, 85.67, 0.01)
			So(rec.ZScoreRescued, ShouldBeFalse)
		})

		Convey("Then the first period rating equals the calibrated rating", func() {
			So(rec.Rating, ShouldEqual, rec.Calibrated)
			So(rec.Adjustment, ShouldEqual, 0)
			So(rec.Tier, ShouldEqual, "elite")
		})

		Convey("Then the record carries audit fields", func() {
			So(rec.EntityName, ShouldEqual, "Receiver One")
			So(rec.Mode, ShouldEqual, params.ModeRedraft)
			So(rec.ParamsVersion, ShouldEqual, params.DefaultVersion)
			So(rec.Categories[model.CategoryVolume], ShouldEqual, 70)
		})

		Convey("Then a fresh state is produced", func() {
			So(st.LastPeriod, ShouldEqual, 1)
			So(st.Smoothed, ShouldEqual, rec.Rating)
			So(st.History, ShouldResemble, []float64{rec.Rating})
		})
	})
}

func TestEvaluateImmutability(t *testing.T) {
	Convey("Given a prior state", t, func() {
		e := pipeline.New(params.Default(), pipeline.WithLogger(logger.Nop()))
		_, prior := e.Evaluate(context.Background(), wrInput(1, 70), nil)
		snapshot := prior.Clone()

		Convey("When the next period is evaluated", func() {
			rec, next := e.Evaluate(context.Background(), wrInput(2, 55), prior)

			Convey("Then the prior state is untouched", func() {
				So(prior, ShouldResemble, snapshot)
				So(next, ShouldNotPointTo, prior)
				So(next.History, ShouldHaveLength, 2)
				So(next.LastPeriod, ShouldEqual, 2)
				So(rec.Expected, ShouldAlmostEqual, 0.65*prior.Smoothed+0.35*50, 1e-9)
			})
		})

		Convey("When the prior belongs to another season", func() {
			in := wrInput(1, 55)
			in.Season = 2025
			rec, next := e.Evaluate(context.Background(), in, prior)

			Convey("Then it is ignored", func() {
				So(rec.Expected, ShouldEqual, 50)
				So(next.History, ShouldHaveLength, 1)
			})
		})
	})
}

func TestEngineParamsIsolation(t *testing.T) {
	Convey("Given an engine built from a parameter set", t, func() {
		p := params.Default()
		e := pipeline.New(p, pipeline.WithLogger(logger.Nop()))

		Convey("When the caller edits the set afterwards", func() {
			p.Calibration.Anchors["WR"] = params.Anchors{Low: 0, High: 100, OutFloor: 0, OutCeiling: 100}
			rec, _ := e.Evaluate(context.Background(), wrInput(1, 70), nil)

			Convey("Then the engine keeps using its snapshot", func() {
				So(rec.Calibrated, ShouldAlmostEqual, 85.67, 0.01)
				So(e.Params().Calibration.Anchors["WR"].High, ShouldEqual, 76)
			})
		})
	})
}

func TestEvaluateDegradesSafely(t *testing.T) {
	Convey("Given malformed inputs", t, func() {
		e := pipeline.New(params.Default(), pipeline.WithLogger(logger.Nop()))
		in := wrInput(1, 0)
		in.Categories = model.CategoryScores{model.CategoryVolume: math.NaN()}
		in.Factors = []model.ContextualFactor{{Name: model.FactorEnvironment, Score: math.Inf(1)}}

		rec, st := e.Evaluate(context.Background(), in, nil)

		Convey("Then the rating is finite and within bounds", func() {
			So(model.Finite(rec.Rating), ShouldBeTrue)
			So(rec.Rating, ShouldBeBetweenOrEqual, 0, 100)
			So(rec.Raw, ShouldEqual, model.NeutralRating)
			So(st.Smoothed, ShouldEqual, rec.Rating)
		})
	})
}
