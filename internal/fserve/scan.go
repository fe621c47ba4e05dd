package fserve

import (
	"context"
	"log/slog"
	"time"
)

// statsRefreshSecs is how often a rate-limited handle republishes its
// outgoing rate during a scan.
const statsRefreshSecs = 5

// Scan walks the cache once: refresh stats for rate-limited handles, drop
// idle handles whose expiry passed. Passing now == 0 (server shutdown)
// forces every expiry to zero so the next scan clears the cache.
func (e *Engine) Scan(now int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for key, fh := range e.cache {
		fh.mu.Lock()

		if now == 0 {
			fh.expire = 0
			fh.mu.Unlock()
			continue
		}

		if fh.binding.Limit > 0 && fh.stats != nil {
			// Lazy latch: publish listener counts only when they moved.
			if fh.prevCount != fh.refcount {
				fh.prevCount = fh.refcount
				fh.stats.SetInt("listeners", int64(fh.refcount))
				fh.stats.SetInt("listener_peak", int64(fh.peak))
			}
			if fh.statsUpdate <= now {
				fh.statsUpdate = now + statsRefreshSecs
				if fh.outRate != nil {
					fh.stats.SetInt("outgoing_kbitrate", 8*fh.outRate.Avg()/1024)
				}
			}
		}

		if fh.refcount == 0 && fh.expire >= 0 && now >= fh.expire {
			slog.Debug("timeout of cached file", "mount", fh.binding.Mount)
			e.fhStats(fh, false)
			delete(e.cache, key)
			fh.mu.Unlock()
			e.destroyFH(fh)
			continue
		}
		fh.mu.Unlock()
	}
}

// RunHousekeeper drives the periodic scan until ctx is cancelled: cache
// expiry, the global bandwidth throttle flag, and worker move-allocation
// refills. Blocks; run it in its own goroutine.
func (e *Engine) RunHousekeeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	slog.Info("housekeeper started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	refill := 0
	for {
		select {
		case <-ctx.Done():
			slog.Info("housekeeper stopping")
			return
		case <-ticker.C:
			e.Scan(e.clock().Unix())

			if max := e.cfg().MaxBandwidth; max > 0 {
				if e.globalRate.Avg() > max {
					e.throttleSends.Store(2)
				} else {
					e.throttleSends.Store(0)
				}
			}

			if refill++; refill >= 10 {
				refill = 0
				for _, w := range e.workers {
					w.moveAllocations.Store(moveAllocationRefill)
				}
			}
		}
	}
}
