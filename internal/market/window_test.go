package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func candlesWithCloses(closes ...float64) []Candle {
	out := make([]Candle, len(closes))
	for i, c := range closes {
		out[i] = Candle{Close: c}
	}
	return out
}

func TestWindowAppendDropsOldest(t *testing.T) {
	w := NewWindow(3)
	for _, c := range candlesWithCloses(1, 2, 3) {
		w.Append(c)
	}
	assert.Equal(t, []float64{1, 2, 3}, w.Closes())

	w.Append(Candle{Close: 4})
	assert.Equal(t, 3, w.Len())
	assert.Equal(t, []float64{2, 3, 4}, w.Closes())
	assert.Equal(t, 4.0, w.Last().Close)
}

func TestWindowFillKeepsMostRecent(t *testing.T) {
	w := NewWindow(3)
	w.Fill(candlesWithCloses(1, 2, 3, 4, 5))
	assert.Equal(t, []float64{3, 4, 5}, w.Closes())

	w.Fill(candlesWithCloses(9))
	assert.Equal(t, []float64{9}, w.Closes())
}

func TestWindowEmpty(t *testing.T) {
	w := NewWindow(5)
	assert.Equal(t, 0, w.Len())
	assert.Empty(t, w.Closes())
	assert.Equal(t, Candle{}, w.Last())
}
