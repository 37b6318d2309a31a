// Package forecast holds the hourly vector type shared by all providers and
// the optimization request builder. Every published forecast covers two local
// days aligned to today's midnight in the configured zone.
package forecast

import (
	"math"
	"time"
)

// Hours is the scheduler horizon: 48 hourly samples starting at local midnight.
const Hours = 48

// Vector is an ordered sequence of hourly samples. Index 0 is today's local
// midnight.
type Vector []float64

// Normalize returns a vector of exactly n samples. Oversized vectors are
// truncated (DST fall-back days produce 25 upstream hours), undersized vectors
// are padded by repeating the last sample. An empty vector pads with zeros.
func (v Vector) Normalize(n int) Vector {
	if n <= 0 {
		return Vector{}
	}
	out := make(Vector, 0, n)
	out = append(out, v...)
	if len(out) > n {
		return out[:n]
	}
	pad := 0.0
	if len(out) > 0 {
		pad = out[len(out)-1]
	}
	for len(out) < n {
		out = append(out, pad)
	}
	return out
}

// Add returns the elementwise sum of v and other. The result has the length
// of the longer input; the shorter one contributes zeros past its end.
func (v Vector) Add(other Vector) Vector {
	n := len(v)
	if len(other) > n {
		n = len(other)
	}
	out := make(Vector, n)
	for i := range out {
		if i < len(v) {
			out[i] += v[i]
		}
		if i < len(other) {
			out[i] += other[i]
		}
	}
	return out
}

// Sum returns the total of all samples.
func (v Vector) Sum() float64 {
	total := 0.0
	for _, s := range v {
		total += s
	}
	return total
}

// Repeat returns base tiled until it reaches n samples. An empty base yields
// zeros.
func Repeat(base []float64, n int) Vector {
	out := make(Vector, n)
	if len(base) == 0 {
		return out
	}
	for i := range out {
		out[i] = base[i%len(base)]
	}
	return out
}

// Round rounds val to the given number of decimal places. Prices are carried
// in euro per Wh so nine places keep the sub-cent resolution of upstream
// tariffs intact.
func Round(val float64, places int) float64 {
	scale := math.Pow10(places)
	return math.Round(val*scale) / scale
}

// StartOfDay returns midnight of t's day in t's location.
func StartOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// StartOfHour returns t truncated to the top of its hour in t's location.
func StartOfHour(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
}

// HourIndex returns the vector index covering sample within the 48h window
// anchored at midnight of now's day, or -1 when sample falls outside it.
func HourIndex(now, sample time.Time) int {
	start := StartOfDay(now)
	end := start.Add(Hours * time.Hour)
	if sample.Before(start) || !sample.Before(end) {
		return -1
	}
	return int(sample.Sub(start) / time.Hour)
}
