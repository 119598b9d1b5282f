package calibration_test

import (
	"context"
	"math"
	"testing"

	calibration "github.com/okian/alpharank/internal/domain/calibration"
	"github.com/okian/alpharank/internal/domain/params"
	"github.com/okian/alpharank/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

const eps = 1e-9

func newCalibrator(p *params.Set) *calibration.Calibrator {
	return calibration.New(p, calibration.WithLogger(logger.Nop()))
}

func TestZScoreRescue(t *testing.T) {
	Convey("Given the default calibrator", t, func() {
		c := newCalibrator(params.Default())
		ctx := context.Background()

		Convey("Then positive and negative z-scores use different slopes", func() {
			pos := c.Calibrate(ctx, "WR", 1.2)
			neg := c.Calibrate(ctx, "WR", -0.3)

			So(pos.ZScoreRescued, ShouldBeTrue)
			So(pos.Value, ShouldAlmostEqual, 77.6, eps)
			So(neg.ZScoreRescued, ShouldBeTrue)
			So(neg.Value, ShouldAlmostEqual, 20, eps)
		})

		Convey("Then large z-scores clamp at the bounds", func() {
			So(c.Calibrate(ctx, "WR", 2.2).Value, ShouldEqual, 100)
			So(c.Calibrate(ctx, "WR", -0.6).Value, ShouldEqual, 0)
		})

		Convey("Then the rescue bypasses the anchor remap", func() {
			res := c.Calibrate(ctx, "WR", 0)
			So(res.Value, ShouldEqual, 50)
			So(res.Remapped, ShouldBeFalse)
		})

		Convey("Then the band boundary is inclusive at 5", func() {
			So(c.LooksLikeZScore(5), ShouldBeTrue)
			So(c.LooksLikeZScore(-5), ShouldBeTrue)
			So(c.LooksLikeZScore(5.0001), ShouldBeFalse)
			So(c.LooksLikeZScore(7), ShouldBeFalse)
			So(c.Calibrate(ctx, "WR", 7).ZScoreRescued, ShouldBeFalse)
		})

		Convey("When rescue is disabled", func() {
			p := params.Default()
			p.Calibration.ZScoreRescue = false
			res := newCalibrator(p).Calibrate(ctx, "WR", 3)

			Convey("Then small values go through the remap", func() {
				So(res.ZScoreRescued, ShouldBeFalse)
				So(res.Remapped, ShouldBeTrue)
				So(res.Value, ShouldEqual, 0)
			})
		})
	})
}

func TestPercentileRemap(t *testing.T) {
	Convey("Given WR anchors low=31 high=76 floor=25 ceiling=95", t, func() {
		p := params.Default()
		c := newCalibrator(p)
		ctx := context.Background()
		wr := p.Calibration.Anchors["WR"]

		Convey("When the raw rating is 70", func() {
			res := c.Calibrate(ctx, "WR", 70)

			Convey("Then it maps to roughly 85.7", func() {
				So(res.Remapped, ShouldBeTrue)
				So(res.Value, ShouldAlmostEqual, 25+(39.0/45.0)*70, eps)
				So(res.Value, ShouldAlmostEqual, 85.67, 0.01)
			})
		})

		Convey("When the raw rating is above the high anchor", func() {
			Convey("Then the unclamped remap exceeds the ceiling", func() {
				So(calibration.Remap(90, wr), ShouldBeGreaterThan, wr.OutCeiling)
				So(calibration.Remap(80, wr), ShouldBeGreaterThan, wr.OutCeiling)
			})
			Convey("Then the final value is clamped to 100", func() {
				So(c.Calibrate(ctx, "WR", 90).Value, ShouldEqual, 100)
			})
			Convey("Then values between the ceiling and 100 survive", func() {
				v := c.Calibrate(ctx, "WR", 78).Value
				So(v, ShouldBeGreaterThan, wr.OutCeiling)
				So(v, ShouldBeLessThan, 100)
			})
		})

		Convey("When the raw rating is below the low anchor", func() {
			So(calibration.Remap(20, wr), ShouldBeLessThan, wr.OutFloor)
			v := c.Calibrate(ctx, "WR", 25).Value
			So(v, ShouldBeLessThan, wr.OutFloor)
			So(v, ShouldBeGreaterThanOrEqualTo, 0)
		})

		Convey("When anchors are degenerate", func() {
			p.Calibration.Anchors["WR"] = params.Anchors{Low: 50, High: 50, OutFloor: 0, OutCeiling: 100}
			res := newCalibrator(p).Calibrate(ctx, "WR", 70)

			Convey("Then the raw value passes through", func() {
				So(res.Value, ShouldEqual, 70)
				So(res.Remapped, ShouldBeFalse)
			})
		})

		Convey("When the class has no anchors", func() {
			res := c.Calibrate(ctx, "K", 70)

			Convey("Then the default anchors apply", func() {
				So(res.Value, ShouldAlmostEqual, 25+(40.0/45.0)*70, eps)
			})
		})

		Convey("When no anchors are configured at all", func() {
			p.Calibration.Anchors = nil
			So(newCalibrator(p).Calibrate(ctx, "WR", 70).Value, ShouldEqual, 70)
		})
	})
}

func TestDefensiveClamp(t *testing.T) {
	Convey("Given out-of-range raw values", t, func() {
		c := newCalibrator(params.Default())
		ctx := context.Background()

		Convey("Then values above 100 are clamped and flagged, not rejected", func() {
			res := c.Calibrate(ctx, "WR", 104)
			So(res.Clamped, ShouldBeTrue)
			So(res.Value, ShouldEqual, 100)
		})

		Convey("Then values below the z band are clamped to the floor", func() {
			res := c.Calibrate(ctx, "WR", -20)
			So(res.Clamped, ShouldBeTrue)
			So(res.Value, ShouldEqual, 0)
		})

		Convey("Then non-finite values degrade to neutral", func() {
			So(c.Calibrate(ctx, "WR", math.NaN()).Value, ShouldEqual, 50)
			So(c.Calibrate(ctx, "WR", math.Inf(-1)).Value, ShouldEqual, 50)
		})
	})
}

func TestCalibrationRange(t *testing.T) {
	Convey("Calibrated values are always finite and within 0-100", t, func() {
		c := newCalibrator(params.Default())
		for _, class := range []string{"WR", "RB", "TE", "QB", "K"} {
			for v := -30.0; v <= 130; v += 0.7 {
				got := c.Calibrate(context.Background(), class, v).Value
				So(got, ShouldBeBetweenOrEqual, 0, 100)
			}
		}
	})
}
