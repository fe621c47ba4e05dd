package fserve

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/topalex/icecast-kh/internal/format"
	"github.com/topalex/icecast-kh/internal/stats"
)

// idleExpirySecs is the grace period an unwatched file handle stays cached.
const idleExpirySecs = 120

// Flags is the bitset carried on a FileBinding.
type Flags uint8

const (
	// FlagFallback marks a binding played as a looping stream surrogate.
	FlagFallback Flags = 1 << iota
	// FlagDelete marks a handle detached from the cache; it is destroyed
	// when the last listener leaves.
	FlagDelete
	// FlagMissing marks a binding whose file is known to be absent.
	FlagMissing
	// FlagUseAdmin resolves the path under the admin root.
	FlagUseAdmin
)

// FileBinding identifies a served artifact. An empty Mount denotes the
// sentinel no-file binding.
type FileBinding struct {
	Mount string
	Flags Flags
	// Limit is the target rate in bytes per second; 0 serves unthrottled.
	Limit    int64
	Type     format.Type
	Override string
	Fsize    int64
}

// Attach/open failures, surfaced as response codes by the HTTP layer.
var (
	ErrNotFound       = errors.New("file not found")
	ErrFormatMismatch = errors.New("format mismatched")
	ErrFormatInit     = errors.New("format refused file")
)

// FileHandle is one cache entry: an open file shared by every listener
// attached to the binding. All mutable fields are guarded by mu; mu nests
// inside the engine's cache lock and never inside another handle's.
type FileHandle struct {
	binding       FileBinding
	file          *os.File
	plugin        format.Plugin
	frameStartPos int64

	refcount  int
	peak      int
	prevCount int
	clients   map[uint64]*Listener
	outRate   *Rate
	// expire is the unix second after which an idle handle may be dropped;
	// -1 means never.
	expire      int64
	statsUpdate int64
	stats       *stats.Handle

	mu sync.Mutex
}

// Binding returns a copy of the handle's binding.
func (fh *FileHandle) Binding() FileBinding {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	return fh.binding
}

// Refcount returns the current attached-listener count.
func (fh *FileHandle) Refcount() int {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	return fh.refcount
}

func (fh *FileHandle) hasFile() bool { return fh.file != nil }

// cacheKey identifies a cache entry: the mount plus the fallback bit.
type cacheKey struct {
	mount    string
	fallback bool
}

// cacheKeyFor normalizes a binding into its cache key, stripping the
// fallback-/file- lookup prefixes.
func cacheKeyFor(fb FileBinding) cacheKey {
	mount := fb.Mount
	fallback := fb.Flags&FlagFallback != 0
	if strings.HasPrefix(mount, "fallback-") {
		mount = mount[len("fallback-"):]
		fallback = true
	} else if strings.HasPrefix(mount, "file-") {
		mount = mount[len("file-"):]
	}
	return cacheKey{mount: mount, fallback: fallback}
}

// findFH probes the cache. Caller holds the cache lock.
func (e *Engine) findFH(fb FileBinding) *FileHandle {
	return e.cache[cacheKeyFor(fb)]
}

// pathFor resolves a mount to its on-disk path.
func (e *Engine) pathFor(mount string, useAdmin bool) string {
	cfg := e.cfg()
	root := cfg.Webroot
	if useAdmin {
		root = cfg.AdminRoot
	}
	return filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(mount, "/")))
}

// openFH finds or creates the handle for a binding. The cache write lock
// must be held on entry; it is released before return. On success the
// returned handle is locked.
func (e *Engine) openFH(fb FileBinding) (*FileHandle, error) {
	key := cacheKeyFor(fb)
	if existing := e.cache[key]; existing != nil {
		existing.mu.Lock()
		e.mu.Unlock()
		if fb.Flags&FlagFallback != 0 &&
			existing.binding.Type != fb.Type && fb.Type != format.TypeUndefined {
			slog.Warn("format mismatched", "mount", fb.Mount)
			existing.mu.Unlock()
			return nil, ErrFormatMismatch
		}
		return existing, nil
	}

	fh := &FileHandle{binding: fb}
	fh.binding.Mount = key.mount
	if key.fallback {
		fh.binding.Flags |= FlagFallback
	}

	if key.mount != "" {
		fullpath := e.pathFor(key.mount, fb.Flags&FlagUseAdmin != 0)
		contentType := e.mime.ContentTypeFor(fullpath)
		if contentType == "application/octet-stream" {
			if sniffed := e.mime.SniffContentType(fullpath); sniffed != "" {
				contentType = sniffed
			}
		}
		ftype := format.TypeForContentType(contentType)
		if fh.binding.Type == format.TypeUndefined {
			fh.binding.Type = ftype
		}
		if key.fallback {
			if fh.binding.Type != ftype && ftype != format.TypeUndefined &&
				fh.binding.Type != format.TypeUndefined {
				e.mu.Unlock()
				slog.Warn("format mismatched", "mount", fb.Mount)
				return nil, ErrFormatMismatch
			}
			fh.expire = -1
			slog.Info("lookup of fallback file", "mount", key.mount, "limit", fb.Limit)
		} else {
			slog.Info("lookup of file", "mount", key.mount)
		}

		f, err := os.Open(fullpath)
		if err != nil {
			e.mu.Unlock()
			slog.Info("Failed to open file", "path", fullpath, "error", err)
			return nil, ErrNotFound
		}
		if st, err := f.Stat(); err == nil {
			fh.binding.Fsize = st.Size()
		}
		fh.file = f
		fh.plugin = format.New(fh.binding.Type, contentType)
		if fh.binding.Type != format.TypeUndefined {
			fh.plugin.ApplySettings(format.Settings{
				Mount:       key.mount,
				StationName: e.cfg().StationName,
				Limit:       fb.Limit,
			})
			info, err := format.Probe(f, key.mount)
			if err != nil || info.Type == format.TypeUndefined {
				slog.Warn("different type detected", "mount", key.mount)
			} else {
				fh.frameStartPos = info.FrameStart
				if fh.binding.Limit > 0 && info.Bitrate > 0 {
					ratio := float64(fh.binding.Limit) / float64(info.Bitrate/8)
					if ratio < 0.9 || ratio > 1.1 {
						slog.Warn("bitrate differs from expected",
							"mount", key.mount,
							"detected_kbps", info.Bitrate/1000,
							"expected_kbps", fh.binding.Limit*8/1000)
					}
				}
			}
		}
	}

	fh.clients = make(map[uint64]*Listener)
	if fh.binding.Limit > 0 {
		fh.outRate = NewRate()
	}
	fh.mu.Lock()
	e.cache[cacheKey{mount: fh.binding.Mount, fallback: key.fallback}] = fh
	e.mu.Unlock()
	return fh, nil
}

// addClient installs a listener on a locked handle and bumps the refcount.
func (e *Engine) addClient(fh *FileHandle, l *Listener) {
	if fh.clients == nil {
		return
	}
	fh.clients[l.ID] = l
	if fh.refcount == 0 && fh.binding.Limit > 0 {
		e.fhStats(fh, true)
	}
	fh.refcount++
	e.checkRefcount(fh)
	if fh.refcount > fh.peak {
		fh.peak = fh.refcount
	}
	if fh.binding.Mount != "" {
		slog.Debug("refcount raised", "mount", fh.binding.Mount, "refcount", fh.refcount)
	}
}

// removeFromFH detaches a listener from its handle. An idle plain-file handle
// gets an expiry and a DELETE-marked one is destroyed outright; an idle
// fallback only drops its stats and keeps its current expiry.
func (e *Engine) removeFromFH(fh *FileHandle, l *Listener) {
	fh.mu.Lock()
	fh.refcount--
	if fh.clients != nil {
		delete(fh.clients, l.ID)
		e.checkRefcount(fh)
	}
	if fh.refcount == 0 && fh.binding.Mount != "" {
		if fh.binding.Flags&FlagFallback != 0 {
			e.fhStats(fh, false)
		} else {
			fh.outRate = nil
			if fh.binding.Flags&FlagDelete != 0 {
				fh.mu.Unlock()
				e.destroyFH(fh)
				return
			}
			slog.Debug("setting timeout as no clients", "mount", fh.binding.Mount)
			fh.expire = e.clock().Unix() + idleExpirySecs
		}
		// A fresh estimator for the next join.
		fh.outRate = NewRate()
	}
	fh.mu.Unlock()
}

// checkRefcount logs the refcount-vs-clients invariant. The sentinel carries
// a permanent self reference, hence the explicit branch.
func (e *Engine) checkRefcount(fh *FileHandle) {
	want := len(fh.clients)
	if fh == e.sentinel {
		want++
	}
	if fh.refcount != want {
		slog.Error("refcount does not match clients",
			"mount", fh.binding.Mount,
			"refcount", fh.refcount,
			"clients", len(fh.clients))
	}
}

// fhStats enables or drops the stats handle for a rate-limited file.
func (e *Engine) fhStats(fh *FileHandle, enable bool) {
	if enable {
		if fh.binding.Limit == 0 {
			return // stats only appear for rate limited files
		}
		if fh.stats == nil {
			prefix := "file-"
			if fh.binding.Flags&FlagFallback != 0 {
				prefix = "fallback-"
			}
			fh.stats = e.stats.Handle(prefix + fh.binding.Mount)
			fh.prevCount = ^fh.refcount // trigger a listeners update
		}
		if fh.binding.Flags&FlagFallback != 0 {
			fh.stats.SetFlag("fallback")
		}
		fh.stats.SetInt("outgoing_kbitrate", 0)
		return
	}
	if fh.stats != nil {
		e.stats.Drop(fh.stats.Name())
		fh.stats = nil
	}
}

// destroyFH closes and discards a handle that is no longer cache resident.
func (e *Engine) destroyFH(fh *FileHandle) {
	if fh == e.sentinel {
		slog.Error("no file handle free detected")
		return
	}
	if fh.refcount != 0 {
		slog.Warn("destroying handle with listeners attached",
			"mount", fh.binding.Mount, "refcount", fh.refcount)
	}
	if fh.file != nil {
		fh.file.Close()
		fh.file = nil
	}
	fh.plugin = nil
	fh.clients = nil
	fh.outRate = nil
}

// removeFromCache unlinks a handle from the cache. Caller holds the cache
// write lock.
func (e *Engine) removeFromCache(fh *FileHandle) {
	if fh.refcount != 0 {
		slog.Warn("removing cached handle with listeners",
			"mount", fh.binding.Mount, "refcount", fh.refcount)
	}
	delete(e.cache, cacheKey{
		mount:    fh.binding.Mount,
		fallback: fh.binding.Flags&FlagFallback != 0,
	})
}

// SetOverride records a migration from a fallback mount to dest. The live
// handle is detached from the cache marked DELETE with the destination
// stored; a clean twin takes its place so later joins start fresh. Returns
// true when the source mount was cached.
func (e *Engine) SetOverride(mount, dest string, ftype format.Type) bool {
	fb := FileBinding{Mount: mount, Flags: FlagFallback, Type: ftype}

	e.mu.Lock()
	result := e.findFH(fb)
	if result == nil {
		e.mu.Unlock()
		return false
	}
	result.mu.Lock()
	if result.refcount > 0 {
		twin := &FileHandle{
			binding:       result.binding,
			file:          result.file,
			plugin:        result.plugin,
			frameStartPos: result.frameStartPos,
			prevCount:     -1, // trigger stats update
			expire:        -1,
			clients:       make(map[uint64]*Listener),
			outRate:       NewRate(),
		}
		twin.binding.Override = ""
		e.removeFromCache(result)
		e.cache[cacheKey{mount: twin.binding.Mount, fallback: true}] = twin

		// Leave the old handle detached; the last listener triggers delete.
		result.binding.Flags |= FlagDelete
		result.binding.Flags &^= FlagFallback
		result.plugin = nil
		result.file = nil
		result.binding.Override = dest
		result.binding.Type = ftype
	}
	e.fhStats(result, false)
	e.mu.Unlock()
	result.mu.Unlock()
	slog.Info("move clients", "from", mount, "to", dest)
	return true
}

// QueryCount reports the attached listener count for a binding. A
// rate-limited fallback is materialized on demand so preflight can tell a
// viable file from a missing one; an idle materialized handle gets a short
// expiry instead of the full grace.
func (e *Engine) QueryCount(fb FileBinding) int {
	if fb.Flags&FlagFallback != 0 && fb.Limit > 0 {
		e.mu.Lock()
		fh, err := e.openFH(fb)
		if err != nil {
			return -1
		}
		ret := fh.refcount
		if ret == 0 {
			fh.expire = e.clock().Unix() + 20
		}
		fh.mu.Unlock()
		return ret
	}

	e.mu.RLock()
	fh := e.findFH(fb)
	if fh == nil {
		e.mu.RUnlock()
		return -1
	}
	fh.mu.Lock()
	e.mu.RUnlock()
	ret := fh.refcount
	fh.mu.Unlock()
	return ret
}

// Contains probes the cache without blocking: 1 found, 0 missing, -1 when
// the cache lock could not be taken immediately. Only the fallback-/file-
// prefixed forms name cache entries.
func (e *Engine) Contains(name string) int {
	var fb FileBinding
	switch {
	case strings.HasPrefix(name, "fallback-/"):
		fb.Mount = name[len("fallback-"):]
		fb.Flags = FlagFallback
	case strings.HasPrefix(name, "file-/"):
		fb.Mount = name
	default:
		return 0
	}
	if !e.mu.TryRLock() {
		return -1
	}
	defer e.mu.RUnlock()
	if e.findFH(fb) != nil {
		return 1
	}
	return 0
}
