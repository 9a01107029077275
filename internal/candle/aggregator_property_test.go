package candle

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"supertrend-trader/internal/models"
)

// Property: for any tick sequence with non-decreasing timestamps, every
// emitted candle satisfies low <= min(open, close) <= max(open, close) <= high,
// and boundaries are strictly increasing.
func TestProperty_CandleInvariants(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	pricesGen := gen.SliceOfN(60, gen.Float64Range(50, 500))
	gapsGen := gen.SliceOfN(60, gen.Int64Range(0, 7))

	properties.Property("emitted candles hold OHLC and ordering invariants", prop.ForAll(
		func(prices []float64, gaps []int64) bool {
			a := New(5 * time.Second)

			ts := int64(1_000_000)
			var emitted []*models.Candle
			for i, p := range prices {
				ts += gaps[i]
				if closed := a.Apply(models.Tick{LTP: p, Timestamp: time.Unix(ts, 0).UTC()}); closed != nil {
					emitted = append(emitted, closed)
				}
			}

			var prevBoundary time.Time
			for _, c := range emitted {
				lo, hi := c.Open, c.Close
				if lo > hi {
					lo, hi = hi, lo
				}
				if c.Low > lo || hi > c.High {
					t.Logf("FAILED: OHLC invariant broken: O=%g H=%g L=%g C=%g", c.Open, c.High, c.Low, c.Close)
					return false
				}
				if !prevBoundary.IsZero() && !prevBoundary.Before(c.Boundary) {
					t.Logf("FAILED: boundary order broken: %v then %v", prevBoundary, c.Boundary)
					return false
				}
				prevBoundary = c.Boundary
				if !c.Closed {
					return false
				}
			}
			return true
		},
		pricesGen,
		gapsGen,
	))

	properties.TestingRun(t)
}
