package stream

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"supertrend-trader/internal/models"
)

// Property: for any publish count and buffer size, delivered + dropped per
// subscriber equals published, and delivered never exceeds the buffer when
// the subscriber is not draining.
func TestProperty_PublishAccounting(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	publishGen := gen.IntRange(0, 50)
	bufferGen := gen.IntRange(1, 16)

	properties.Property("delivered + dropped = published for a stalled subscriber", prop.ForAll(
		func(publishes, buffer int) bool {
			h := NewHubWithConfig(HubConfig{SubscriberBufferSize: buffer})
			sub := h.Subscribe()

			for i := 0; i < publishes; i++ {
				h.Publish(models.Snapshot{IndexLTP: float64(i)})
			}

			delivered := len(sub.C)
			if delivered+sub.Dropped != publishes {
				t.Logf("FAILED: delivered=%d dropped=%d published=%d", delivered, sub.Dropped, publishes)
				return false
			}
			if delivered > buffer {
				t.Logf("FAILED: delivered=%d exceeds buffer=%d", delivered, buffer)
				return false
			}
			return true
		},
		publishGen,
		bufferGen,
	))

	properties.TestingRun(t)
}
