package params_test

import (
	"errors"
	"testing"

	"github.com/okian/alpharank/internal/domain/model"
	params "github.com/okian/alpharank/internal/domain/params"
	. "github.com/smartystreets/goconvey/convey"
)

func TestDefaultSet(t *testing.T) {
	Convey("Given the default parameter set", t, func() {
		p := params.Default()

		Convey("Then it validates", func() {
			So(p.Validate(), ShouldBeNil)
		})

		Convey("Then the WR redraft vector carries the documented weights", func() {
			w := p.WeightsFor("WR", "")
			So(w[model.CategoryVolume], ShouldEqual, 0.43)
			So(w[model.CategoryEfficiency], ShouldEqual, 0.37)
			So(w[model.CategoryStability], ShouldEqual, 0.15)
			So(w[model.CategoryContextFit], ShouldEqual, 0.05)
		})

		Convey("Then lookups fall back sensibly", func() {
			So(p.WeightsFor("WR", "dynasty")[model.CategoryStability], ShouldEqual, 0.25)
			So(p.WeightsFor("WR", "unknown-mode"), ShouldResemble, p.WeightsFor("WR", params.ModeRedraft))
			So(p.WeightsFor("K", ""), ShouldResemble, p.WeightsFor(params.DefaultKey, ""))

			a, ok := p.AnchorsFor("K")
			So(ok, ShouldBeTrue)
			So(a, ShouldResemble, p.Calibration.Anchors[params.DefaultKey])

			So(p.BaselineFor("WR"), ShouldEqual, 50)
			So(p.TiersFor("WR")[0].Name, ShouldEqual, "elite")
		})

		Convey("Then the volatility and momentum windows are distinct fields", func() {
			So(p.Smoothing.VolatilityWindow, ShouldEqual, 4)
			So(p.Smoothing.MomentumWindow, ShouldEqual, 3)
			So(p.Smoothing.HistoryWindow, ShouldEqual, 8)
		})
	})
}

func TestSetWithoutDefaults(t *testing.T) {
	Convey("Given a set with no default class entries", t, func() {
		p := &params.Set{DefaultMode: "redraft"}

		So(p.WeightsFor("WR", ""), ShouldBeNil)
		_, ok := p.AnchorsFor("WR")
		So(ok, ShouldBeFalse)
		So(p.BaselineFor("WR"), ShouldEqual, model.NeutralRating)
		So(p.TiersFor("WR"), ShouldBeEmpty)
	})
}

func TestClone(t *testing.T) {
	Convey("Given a cloned parameter set", t, func() {
		orig := params.Default()
		cp := orig.Clone()

		Convey("When the clone is edited", func() {
			cp.Weights["WR"][params.ModeRedraft][model.CategoryVolume] = 0.9
			cp.Modifiers[model.FactorMatchup] = 1
			cp.Calibration.Anchors["WR"] = params.Anchors{}
			cp.Tiers[params.DefaultKey][0].Min = 1
			cp.Baselines["WR"] = 60

			Convey("Then the original is unchanged", func() {
				So(orig.Weights["WR"][params.ModeRedraft][model.CategoryVolume], ShouldEqual, 0.43)
				So(orig.Modifiers[model.FactorMatchup], ShouldEqual, 0.25)
				So(orig.Calibration.Anchors["WR"].High, ShouldEqual, 76)
				So(orig.Tiers[params.DefaultKey][0].Min, ShouldEqual, 85)
				So(orig.BaselineFor("WR"), ShouldEqual, 50)
			})
		})
	})
}

func TestValidate(t *testing.T) {
	Convey("Given invalid parameter sets", t, func() {
		Convey("When weights do not sum to one", func() {
			p := params.Default()
			p.Weights["WR"][params.ModeRedraft][model.CategoryVolume] = 0.9
			err := p.Validate()
			So(errors.Is(err, params.ErrInvalidParams), ShouldBeTrue)
			So(err.Error(), ShouldContainSubstring, "WR/redraft")
		})

		Convey("When a window exceeds the history window", func() {
			p := params.Default()
			p.Smoothing.VolatilityWindow = 12
			So(errors.Is(p.Validate(), params.ErrInvalidParams), ShouldBeTrue)
		})

		Convey("When tiers are not descending", func() {
			p := params.Default()
			p.Tiers["WR"] = []params.Tier{{Name: "a", Min: 10}, {Name: "b", Min: 20}}
			So(errors.Is(p.Validate(), params.ErrInvalidParams), ShouldBeTrue)
		})

		Convey("When a modifier weight is above one", func() {
			p := params.Default()
			p.Modifiers[model.FactorEnvironment] = 1.5
			So(errors.Is(p.Validate(), params.ErrInvalidParams), ShouldBeTrue)
		})
	})
}
