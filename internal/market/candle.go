package market

// Candle is a single kline as returned by the exchange, times in epoch
// milliseconds.
type Candle struct {
	OpenTime  int64
	CloseTime int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// CandleEvent is one message from a kline stream. Closed reports whether the
// candle interval has ended; only closed candles are actionable.
type CandleEvent struct {
	Symbol   string
	Interval string
	Closed   bool
	Candle   Candle
}
