package model_test

import (
	"math"
	"testing"

	model "github.com/okian/alpharank/internal/domain/model"
	"github.com/smartystreets/goconvey/convey"
)

func TestEntityPeriodStateClone(t *testing.T) {
	convey.Convey("Given a warm entity state", t, func() {
		st := &model.EntityPeriodState{
			EntityID:   "wr-1",
			Season:     2024,
			LastPeriod: 4,
			Smoothed:   71.5,
			Volatility: model.Float(3.2),
			Momentum:   model.Float(-1.1),
			History:    []float64{71.5, 70, 68},
		}

		convey.Convey("When it is cloned and the clone is modified", func() {
			cp := st.Clone()
			cp.History[0] = 10
			*cp.Volatility = 99
			*cp.Momentum = 99

			convey.Convey("Then the original is untouched", func() {
				convey.So(st.History[0], convey.ShouldEqual, 71.5)
				convey.So(*st.Volatility, convey.ShouldEqual, 3.2)
				convey.So(*st.Momentum, convey.ShouldEqual, -1.1)
			})
		})

		convey.Convey("When a nil state is cloned", func() {
			var nilState *model.EntityPeriodState
			convey.So(nilState.Clone(), convey.ShouldBeNil)
		})
	})
}

func TestRatingRecordFlags(t *testing.T) {
	convey.Convey("Given a record with a boundary flag", t, func() {
		r := model.RatingRecord{Flags: []model.OutlierFlag{model.FlagBoundaryRating}}

		convey.So(r.Flagged(), convey.ShouldBeTrue)
		convey.So(r.HasFlag(model.FlagBoundaryRating), convey.ShouldBeTrue)
		convey.So(r.HasFlag(model.FlagVolatilitySpike), convey.ShouldBeFalse)
		convey.So(model.FlagVolatilitySpike.Known(), convey.ShouldBeTrue)
		convey.So(model.OutlierFlag("%").Known(), convey.ShouldBeFalse)
	})
}

func TestClamp(t *testing.T) {
	convey.Convey("Clamp bounds values and collapses NaN to the floor", t, func() {
		convey.So(model.Clamp(120, 0, 100), convey.ShouldEqual, 100)
		convey.So(model.Clamp(-3, 0, 100), convey.ShouldEqual, 0)
		convey.So(model.Clamp(42, 0, 100), convey.ShouldEqual, 42)
		convey.So(model.Clamp(math.NaN(), 0, 100), convey.ShouldEqual, 0)
		convey.So(model.Finite(math.Inf(-1)), convey.ShouldBeFalse)
		convey.So(model.Finite(1), convey.ShouldBeTrue)
	})
}
