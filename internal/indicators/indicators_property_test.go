package indicators

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"supertrend-trader/internal/models"
)

// Property: once warmed up, the direction is always +1 or -1, and a single
// closed candle never flips it more than once (replays are ignored).
func TestProperty_SuperTrendDirectionWellFormed(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	closesGen := gen.SliceOfN(40, gen.Float64Range(50, 300))

	properties.Property("direction is +1/-1 after warm-up and flips at most once per boundary", prop.ForAll(
		func(closes []float64) bool {
			st, err := NewSuperTrend(5, 3)
			if err != nil {
				return false
			}

			boundary := int64(1000)
			for i, close := range closes {
				high := close + 2
				low := close - 2
				c := models.Candle{
					Boundary: time.Unix(boundary, 0).UTC(),
					High:     high,
					Low:      low,
					Open:     close,
					Close:    close,
					Closed:   true,
				}
				d, flipped := st.Update(c)

				if i < 4 {
					if d != 0 || flipped {
						t.Logf("FAILED: direction emitted during warm-up at candle %d", i)
						return false
					}
				} else if d != 1 && d != -1 {
					t.Logf("FAILED: direction = %d after warm-up", d)
					return false
				}

				// Replaying the same boundary must be inert.
				d2, flipped2 := st.Update(c)
				if d2 != d || flipped2 {
					t.Logf("FAILED: boundary replay changed state (d=%d->%d flipped=%v)", d, d2, flipped2)
					return false
				}

				boundary += 5
			}
			return true
		},
		closesGen,
	))

	properties.TestingRun(t)
}

// Property: the published value equals the lower band while bullish and
// the upper band while bearish.
func TestProperty_SuperTrendValueMatchesDirection(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	closesGen := gen.SliceOfN(30, gen.Float64Range(100, 200))

	properties.Property("value equals the band selected by the direction", prop.ForAll(
		func(closes []float64) bool {
			st, err := NewSuperTrend(4, 2)
			if err != nil {
				return false
			}

			boundary := int64(0)
			for _, close := range closes {
				st.Update(models.Candle{
					Boundary: time.Unix(boundary, 0).UTC(),
					High:     close + 3,
					Low:      close - 3,
					Open:     close,
					Close:    close,
					Closed:   true,
				})
				boundary += 5
				if !st.Ready() {
					continue
				}
				switch st.Direction() {
				case 1:
					if st.Value() != st.finalLower {
						t.Logf("FAILED: bullish value %g != lower band %g", st.Value(), st.finalLower)
						return false
					}
				case -1:
					if st.Value() != st.finalUpper {
						t.Logf("FAILED: bearish value %g != upper band %g", st.Value(), st.finalUpper)
						return false
					}
				}
			}
			return true
		},
		closesGen,
	))

	properties.TestingRun(t)
}
