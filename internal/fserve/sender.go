package fserve

import (
	"io"
	"log/slog"
	"os"

	"github.com/topalex/icecast-kh/internal/format"
)

// Per-tick work bounds and reschedule delays, in buffers, bytes and ms.
const (
	prefileMaxBuffers = 8
	prefileMaxBytes   = 30 * 1024
	fileMaxReads      = 6
	fileMaxBytes      = 48000
	initialBolus      = 8192
	// mtuPayload is the nominal payload per packet the pacing maths assume.
	mtuPayload = 1400
)

// tick runs one bounded slice of the listener's active sender. Returns 0 to
// continue, -1 to terminate, 1 when the listener moved to another worker.
func (e *Engine) tick(l *Listener) int {
	switch l.ops {
	case opUnthrottled:
		return e.tickFile(l)
	case opThrottled:
		return e.tickThrottled(l)
	}
	return e.tickPrefile(l)
}

// fileState snapshots the handle fields a sender may race an override for.
func (fh *FileHandle) fileState() (plugin format.Plugin, file *os.File, override string) {
	fh.mu.Lock()
	plugin, file, override = fh.plugin, fh.file, fh.binding.Override
	fh.mu.Unlock()
	return
}

// formatFileRead pulls the next body chunk into the listener's buffer.
// Returns bytes buffered, -1 at end of file, -2 on a fatal read problem.
func (e *Engine) formatFileRead(l *Listener, fh *FileHandle) int {
	if l.refbuf != nil && l.pos < len(l.refbuf.Data) {
		return 0 // unsent bytes still queued
	}
	plugin, file, _ := fh.fileState()
	if plugin == nil || file == nil {
		return -2
	}
	data, next, err := plugin.ReadChunk(file, l.introOffset)
	if err == io.EOF {
		return -1
	}
	if err != nil {
		slog.Warn("file read failed", "mount", l.Mount, "error", err)
		return -2
	}
	l.refbuf = &Buffer{Data: data}
	l.pos = 0
	l.introOffset = next
	return len(data)
}

// tickPrefile drains queued intro content, then installs the body sender.
func (e *Engine) tickPrefile(l *Listener) int {
	written := 0
	for loop := prefileMaxBuffers; loop > 0; loop-- {
		refbuf := l.refbuf
		fh := l.shared
		if !e.running.Load() || l.connError.Load() {
			return -1
		}
		if refbuf == nil || l.pos == len(refbuf.Data) {
			plugin, file, override := fh.fileState()
			if override != "" && l.hasFlag(ClientAuthenticated) {
				return e.moveListener(l)
			}
			if refbuf == nil || refbuf.Next == nil {
				if !l.hasFlag(ClientAuthenticated) {
					return -1
				}
				if file != nil {
					if plugin != nil && refbuf != nil {
						plugin.DetachQueueBlock(refbuf.Data)
					}
					l.dropQueue()
					l.introOffset = fh.frameStartPos
					if fh.binding.Limit > 0 {
						l.ops = opThrottled
						if fh.outRate != nil {
							fh.outRate.Add(0, e.TimeMS())
						}
						return 0
					}
					l.ops = opUnthrottled
					return e.tickFile(l)
				}
				if l.RespCode != 0 {
					return -1
				}
				// Compose the 404 in place; the next ticks drain it and the
				// response code then terminates the listener.
				queueErrorResponse(l, 404, "The file you requested could not be found", "")
				continue
			}
			// Advance to the next queued buffer.
			toGo := l.refbuf
			l.refbuf = toGo.Next
			toGo.Next = nil
			if plugin != nil {
				plugin.DetachQueueBlock(l.refbuf.Data)
			}
			l.pos = 0
		}
		bytes := l.writeBuffer()
		if bytes > 0 {
			written += bytes
			e.globalRate.Add(int64(bytes), e.TimeMS())
		}
		if bytes < 0 {
			if l.connError.Load() {
				return -1
			}
			delay := int64(300)
			if written > 0 {
				delay = 150
			}
			l.scheduleMS = e.TimeMS() + delay
			break
		}
		if written > prefileMaxBytes {
			break
		}
	}
	return 0
}

// tickFile is the fast path: read and write at line rate.
func (e *Engine) tickFile(l *Listener) int {
	fh := l.shared
	loop := fileMaxReads
	written := 0

	l.scheduleMS = e.TimeMS()
	// Slow down when the server-wide bandwidth cap is exceeded, but let
	// short-lived connections through, eg admin requests.
	if e.throttleSends.Load() > 1 && e.clock().Unix()-l.connTime > 1 {
		l.scheduleMS += 300
		loop = 1
	}
	for loop > 0 && written < fileMaxBytes {
		loop--
		if !e.running.Load() || l.connError.Load() {
			return -1
		}
		if e.formatFileRead(l, fh) < 0 {
			return -1
		}
		bytes := l.writeBuffer()
		if bytes < 0 {
			if l.connError.Load() {
				return -1
			}
			if written > 0 {
				l.scheduleMS += 80
			} else {
				l.scheduleMS += 150
			}
			return 0
		}
		written += bytes
		e.globalRate.Add(int64(bytes), e.TimeMS())
	}
	l.scheduleMS += 4
	return 0
}

// tickThrottled paces a fallback at the declared rate, looping at EOF.
func (e *Engine) tickThrottled(l *Listener) int {
	fh := l.shared

	if !e.running.Load() || l.connError.Load() {
		return -1
	}
	nowMS := e.TimeMS()
	secs := e.clock().Unix() - l.timerStart
	l.scheduleMS = nowMS

	if _, _, override := fh.fileState(); override != "" {
		return e.moveListener(l)
	}

	if e.changeWorker(l) { // allow for balancing
		return 1
	}

	limit := fh.binding.Limit
	if l.hasFlag(ClientWantsFLV) {
		// FLV wrapping takes more space on the wire.
		limit = limit * 101 / 100
	}
	var rate int64
	if secs > 0 {
		rate = (l.counter + mtuPayload) / secs
	} else {
		rate = limit * 2
	}
	if rate > limit {
		if limit >= mtuPayload {
			l.scheduleMS += 1000 / (limit / mtuPayload)
		} else {
			l.scheduleMS += 50 // should not happen but guard against it
		}
		if fh.outRate != nil {
			fh.outRate.Add(0, nowMS)
		}
		e.globalRate.Add(0, nowMS)
		if l.counter > initialBolus {
			return 0 // allow an initial amount without throttling
		}
	}
	switch e.formatFileRead(l, fh) {
	case -1:
		// Natural end of file: wind back to the loop point.
		l.introOffset = fh.frameStartPos
		if l.throttle > 0 {
			l.scheduleMS += l.throttle
		} else {
			l.scheduleMS += 150
		}
		return 0
	case -2:
		return -1
	}
	bytes := l.writeBuffer()
	if bytes < 0 {
		if l.connError.Load() {
			return -1
		}
		bytes = 0
	}
	if fh.outRate != nil {
		fh.outRate.Add(int64(bytes), nowMS)
	}
	e.globalRate.Add(int64(bytes), nowMS)
	if limit > 2800 {
		l.scheduleMS += 1000 / (limit / mtuPayload * 2)
	} else {
		l.scheduleMS += 50
	}
	// Progressive slowdown if max bandwidth is exceeded.
	if e.throttleSends.Load() > 1 {
		l.scheduleMS += 300
	}
	return 0
}

// moveListener migrates the listener to the override destination recorded on
// its handle. The binding keeps the original flags minus DELETE; pending
// intro bytes travel along so the new attachment resumes mid-buffer.
func (e *Engine) moveListener(l *Listener) int {
	fh := l.shared
	fh.mu.Lock()
	fb := FileBinding{
		Flags: fh.binding.Flags &^ FlagDelete,
		Limit: fh.binding.Limit,
		Mount: fh.binding.Override,
		Type:  fh.binding.Type,
	}
	srcMount := fh.binding.Mount
	srcFlags := fh.binding.Flags
	fh.mu.Unlock()

	if l.refbuf != nil && l.pos < len(l.refbuf.Data) {
		// Treat it as a partial write needing completion.
		l.Flags |= ClientHasIntroContent
	} else {
		l.dropQueue()
	}
	ret := -1
	if e.move != nil {
		ret = e.move(l, fb)
	}
	// The move may have installed the listener elsewhere (the destination,
	// or the sentinel behind an error page); the old handle lets go either
	// way once the listener is no longer its member.
	if l.shared != fh {
		e.removeFromFH(fh, l)
	}
	if ret < 0 {
		slog.Warn("move failed, terminating listener", "mount", srcMount)
		return -1
	}
	slog.Debug("moved listener", "ip", l.RemoteAddr, "from", srcMount, "flags", uint8(srcFlags))
	return 0
}
