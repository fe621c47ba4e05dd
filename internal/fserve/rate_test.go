package fserve

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRateSteadyStream(t *testing.T) {
	r := NewRate()
	for ms := int64(0); ms <= 9000; ms += 1000 {
		r.Add(1000, ms)
	}
	assert.Equal(t, int64(1000), r.Avg())
}

func TestRateSparseSamples(t *testing.T) {
	r := NewRate()
	r.Add(5000, 0)
	r.Add(5000, 9000)
	assert.Equal(t, int64(1000), r.Avg())
}

func TestRateEmpty(t *testing.T) {
	r := NewRate()
	assert.Equal(t, int64(0), r.Avg())
}

func TestRateWindowExpiry(t *testing.T) {
	r := NewRate()
	r.Add(100000, 0)
	// Far enough ahead that the old bucket falls out of the window.
	r.Add(0, 20000)
	assert.Equal(t, int64(0), r.Avg())
}

func TestRateClockRegressionResets(t *testing.T) {
	r := NewRate()
	r.Add(100000, 50000)
	r.Add(2000, 1000)
	r.Add(2000, 2000)
	assert.Equal(t, int64(2000), r.Avg())
}

func TestRateZeroSamplesKeepWindowHonest(t *testing.T) {
	r := NewRate()
	r.Add(4000, 0)
	// Four seconds of silence still widen the span.
	r.Add(0, 4000)
	assert.Equal(t, int64(800), r.Avg())
}
