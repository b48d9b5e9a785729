package strategy

// Signal is the directional trading decision derived from a candle window.
type Signal string

const (
	SignalLong  Signal = "LONG"
	SignalShort Signal = "SHORT"
	SignalHold  Signal = "HOLD"
)

const (
	DefaultShortPeriod = 9
	DefaultLongPeriod  = 21
)

// Engine evaluates an EMA crossover over closing prices. It is stateless:
// the full window is recomputed on every call, so evaluation is safe to
// repeat and has no side effects.
type Engine struct {
	Short int
	Long  int
}

func NewEngine() Engine {
	return Engine{Short: DefaultShortPeriod, Long: DefaultLongPeriod}
}

// Evaluate maps closing prices in chronological order to a signal. Windows
// shorter than Long+1 always yield HOLD, since a crossover needs two
// comparable EMA points.
func (e Engine) Evaluate(closes []float64) Signal {
	if len(closes) < e.Long+1 {
		return SignalHold
	}

	shortEMA := ema(closes, e.Short)
	longEMA := ema(closes, e.Long)

	last := len(closes) - 1
	curShort, curLong := shortEMA[last], longEMA[last]
	prevShort, prevLong := shortEMA[last-1], longEMA[last-1]

	switch {
	case prevShort <= prevLong && curShort > curLong:
		return SignalLong
	case prevShort >= prevLong && curShort < curLong:
		return SignalShort
	default:
		return SignalHold
	}
}

// ema returns an exponential moving average aligned in length with prices.
// The first computed value is the simple average of the leading period
// prices; the period-1 positions before it are back-filled with that seed so
// indexing stays aligned (only the trailing values are ever read).
func ema(prices []float64, period int) []float64 {
	if len(prices) < period {
		out := make([]float64, len(prices))
		copy(out, prices)
		return out
	}

	mult := 2.0 / float64(period+1)

	var sum float64
	for _, p := range prices[:period] {
		sum += p
	}
	seed := sum / float64(period)

	out := make([]float64, len(prices))
	for i := 0; i < period; i++ {
		out[i] = seed
	}
	for i := period; i < len(prices); i++ {
		out[i] = prices[i]*mult + out[i-1]*(1-mult)
	}
	return out
}
