package market

// Window is a fixed-capacity sliding buffer of the most recent candles in
// chronological order. Once full, appending drops the oldest entry.
type Window struct {
	capacity int
	candles  []Candle
}

func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = 1
	}
	return &Window{
		capacity: capacity,
		candles:  make([]Candle, 0, capacity),
	}
}

// Fill seeds the window from historical candles, keeping only the most
// recent entries when the input exceeds capacity.
func (w *Window) Fill(candles []Candle) {
	if len(candles) > w.capacity {
		candles = candles[len(candles)-w.capacity:]
	}
	w.candles = w.candles[:0]
	w.candles = append(w.candles, candles...)
}

func (w *Window) Append(c Candle) {
	if len(w.candles) == w.capacity {
		copy(w.candles, w.candles[1:])
		w.candles[len(w.candles)-1] = c
		return
	}
	w.candles = append(w.candles, c)
}

func (w *Window) Len() int {
	return len(w.candles)
}

// Closes returns the closing prices in chronological order.
func (w *Window) Closes() []float64 {
	out := make([]float64, len(w.candles))
	for i, c := range w.candles {
		out[i] = c.Close
	}
	return out
}

// Last returns the most recent candle, or a zero candle for an empty window.
func (w *Window) Last() Candle {
	if len(w.candles) == 0 {
		return Candle{}
	}
	return w.candles[len(w.candles)-1]
}
