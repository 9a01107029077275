package indicators

import "supertrend-trader/internal/models"

// streamingEMA maintains an exponential moving average seeded with the
// simple average of its first `period` values.
type streamingEMA struct {
	period int
	count  int
	sum    float64
	value  float64
}

func (e *streamingEMA) update(v float64) {
	e.count++
	if e.count < e.period {
		e.sum += v
		return
	}
	if e.count == e.period {
		e.value = (e.sum + v) / float64(e.period)
		return
	}
	alpha := 2.0 / float64(e.period+1)
	e.value = v*alpha + e.value*(1-alpha)
}

func (e *streamingEMA) ready() bool {
	return e.count >= e.period
}

// MACD is a streaming MACD used only as an entry confirmation filter:
// it confirms a candidate direction when the histogram
// (macdLine - signalLine) has the same sign.
type MACD struct {
	fast   streamingEMA
	slow   streamingEMA
	signal streamingEMA
}

// NewMACD creates a streaming MACD with the given periods.
func NewMACD(fast, slow, signal int) (*MACD, error) {
	if fast <= 0 || slow <= 0 || signal <= 0 || fast >= slow {
		return nil, ErrInvalidPeriod
	}
	return &MACD{
		fast:   streamingEMA{period: fast},
		slow:   streamingEMA{period: slow},
		signal: streamingEMA{period: signal},
	}, nil
}

// Reset clears all state.
func (m *MACD) Reset() {
	m.fast = streamingEMA{period: m.fast.period}
	m.slow = streamingEMA{period: m.slow.period}
	m.signal = streamingEMA{period: m.signal.period}
}

// Update folds a closed candle into the MACD.
func (m *MACD) Update(c models.Candle) {
	m.fast.update(c.Close)
	m.slow.update(c.Close)
	if m.fast.ready() && m.slow.ready() {
		m.signal.update(m.fast.value - m.slow.value)
	}
}

// Ready reports whether both the MACD line and signal line are available.
func (m *MACD) Ready() bool {
	return m.slow.ready() && m.signal.ready()
}

// Histogram returns macdLine - signalLine, or 0 before warm-up.
func (m *MACD) Histogram() float64 {
	if !m.Ready() {
		return 0
	}
	return (m.fast.value - m.slow.value) - m.signal.value
}

// Confirms reports whether the histogram sign agrees with the candidate
// entry direction. An unwarmed MACD confirms nothing.
func (m *MACD) Confirms(direction int) bool {
	if !m.Ready() {
		return false
	}
	h := m.Histogram()
	return (direction > 0 && h > 0) || (direction < 0 && h < 0)
}
