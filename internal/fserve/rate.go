package fserve

import "sync"

// rateWindowMS and rateGranMS match the sampling the engine has always used
// for outgoing bitrates: a ten second window in one second buckets.
const (
	rateWindowMS int64 = 10000
	rateGranMS   int64 = 1000
)

type rateBucket struct {
	slot  int64 // bucket index, timeMS / granMS
	bytes int64
}

// Rate is a windowed byte-rate estimator. Samples land in coarse buckets;
// the average is total bytes over the covered span. A clock that moves
// backwards resets the window.
type Rate struct {
	mu      sync.Mutex
	window  int64
	gran    int64
	buckets []rateBucket
}

// NewRate returns an estimator with the standard 10s/1s window.
func NewRate() *Rate {
	return &Rate{window: rateWindowMS, gran: rateGranMS}
}

// Add records bytes sent at nowMS. Zero-byte samples still advance the
// window, which keeps the average honest across quiet stretches.
func (r *Rate) Add(bytes int64, nowMS int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := nowMS / r.gran
	n := len(r.buckets)
	if n > 0 && slot < r.buckets[n-1].slot {
		// Clock went backwards; the history is meaningless.
		r.buckets = r.buckets[:0]
		n = 0
	}
	if n > 0 && r.buckets[n-1].slot == slot {
		r.buckets[n-1].bytes += bytes
	} else {
		r.buckets = append(r.buckets, rateBucket{slot: slot, bytes: bytes})
	}
	// Trim samples that fell out of the window.
	minSlot := slot - r.window/r.gran
	i := 0
	for i < len(r.buckets) && r.buckets[i].slot <= minSlot {
		i++
	}
	if i > 0 {
		r.buckets = append(r.buckets[:0], r.buckets[i:]...)
	}
}

// Avg returns the average rate in bytes per second over the recorded span.
func (r *Rate) Avg() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.buckets) == 0 {
		return 0
	}
	var total int64
	for _, b := range r.buckets {
		total += b.bytes
	}
	spanMS := (r.buckets[len(r.buckets)-1].slot-r.buckets[0].slot)*r.gran + r.gran
	return total * 1000 / spanMS
}
