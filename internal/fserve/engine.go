// Package fserve is the file-serving and fallback engine: it takes ownership
// of listener connections and drives file bytes out either at line rate or
// paced to a declared bitrate, with shared open-file caching, mid-stream
// migration and concurrent administration.
package fserve

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moby/locker"

	"github.com/topalex/icecast-kh/config"
	"github.com/topalex/icecast-kh/internal/format"
	"github.com/topalex/icecast-kh/internal/stats"
)

// ConfigFunc supplies the current configuration; it is called on every
// attach so reloads take effect without engine restarts.
type ConfigFunc func() *config.Config

// Hooks are the engine's external collaborators. Any of them may be nil.
type Hooks struct {
	// DuplicateLogin reports whether the listener may join given the
	// mount's auth policy and the already-attached clients. A false return
	// refuses the join with 403.
	DuplicateLogin func(mount string, clients map[uint64]*Listener, l *Listener, policy string) bool
	// Release is invoked when an authenticated listener leaves a real
	// mount; a negative return means nothing else owns the listener and
	// the engine destroys it.
	Release func(l *Listener, mount string, m *config.Mount) int
	// RedirectMissing may redirect a request for an absent file to a peer;
	// true means the response was handled.
	RedirectMissing func(path string, l *Listener) bool
	// SendM3U and SendXSPF synthesize playlists for absent files.
	SendM3U  func(l *Listener, path string) int
	SendXSPF func(l *Listener, path string) int
}

// Engine is the file-serving engine context. One engine serves one process;
// tests create their own.
type Engine struct {
	// mu guards cache membership only; individual handles carry their own
	// lock, acquired after mu and released before any other handle's.
	mu       sync.RWMutex
	cache    map[cacheKey]*FileHandle
	sentinel *FileHandle

	mime       *MimeRegistry
	stats      *stats.Registry
	cfg        ConfigFunc
	hooks      Hooks
	mountLocks *locker.Locker

	workers []*worker
	nextID  atomic.Uint64
	running atomic.Bool

	globalRate      *Rate
	globalListeners atomic.Int64
	// throttleSends above 1 makes every sender back off; set by the
	// housekeeping pass when the configured max bandwidth is exceeded.
	throttleSends atomic.Int32

	// clock is replaceable for tests.
	clock func() time.Time

	// move re-enters the attach path on a different binding during
	// listener migration.
	move func(l *Listener, fb FileBinding) int
}

// New creates and starts an engine.
func New(cfg ConfigFunc, st *stats.Registry, hooks Hooks) *Engine {
	e := &Engine{
		cache:      make(map[cacheKey]*FileHandle),
		mime:       NewMimeRegistry(),
		stats:      st,
		cfg:        cfg,
		hooks:      hooks,
		mountLocks: locker.New(),
		globalRate: NewRate(),
		clock:      time.Now,
	}
	e.move = func(l *Listener, fb FileBinding) int {
		return e.Attach(l, &fb)
	}
	e.mime.Reload(cfg().MimeTypesFile)

	// The sentinel carries a permanent self reference and never expires.
	e.sentinel = &FileHandle{
		clients:  make(map[uint64]*Listener),
		refcount: 1,
		expire:   -1,
	}
	e.cache[cacheKey{}] = e.sentinel

	n := cfg().Workers
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		e.workers = append(e.workers, newWorker(e, i))
	}
	e.running.Store(true)
	for _, w := range e.workers {
		go w.run()
	}
	slog.Info("file serving started")
	return e
}

// NextListenerID allocates a stable listener id for the HTTP layer.
func (e *Engine) NextListenerID() uint64 { return e.nextID.Add(1) }

// TimeMS returns the engine clock in milliseconds.
func (e *Engine) TimeMS() int64 { return e.clock().UnixMilli() }

// ReloadMimeTypes rebuilds the MIME registry from the current config.
func (e *Engine) ReloadMimeTypes() {
	e.mime.Reload(e.cfg().MimeTypesFile)
}

// ContentTypeFor exposes the MIME registry lookup.
func (e *Engine) ContentTypeFor(path string) string {
	return e.mime.ContentTypeFor(path)
}

// ExtensionFor exposes the reverse MIME lookup.
func (e *Engine) ExtensionFor(mimeType string) string {
	return e.mime.ExtensionFor(mimeType)
}

// ClientCreate inspects a requested path and hands the listener to the
// attach path, synthesizing playlists for absent .m3u/.xspf files. The
// listener must not be referred to afterwards. Returns 0 on success, -1
// when the listener was terminated with an error response.
func (e *Engine) ClientCreate(l *Listener, path string) int {
	cfg := e.cfg()
	fullpath := e.pathFor(path, false)
	slog.Debug("checking for file", "mount", path, "path", fullpath)

	m3uRequested := strings.HasSuffix(fullpath, ".m3u")
	xspfRequested := strings.HasSuffix(fullpath, ".xspf")

	l.dropQueue()

	st, err := os.Stat(fullpath)
	if err != nil {
		// Playlists can be generated when the file itself is absent.
		if m3uRequested && e.hooks.SendM3U != nil {
			return e.hooks.SendM3U(l, path)
		}
		if xspfRequested && e.hooks.SendXSPF != nil {
			return e.hooks.SendXSPF(l, path)
		}
		if cfg.FileserveRedirect && !l.hasFlag(ClientIsSlave) &&
			e.hooks.RedirectMissing != nil && e.hooks.RedirectMissing(path, l) {
			return 0
		}
		if !l.hasFlag(ClientSkipAccessLog) {
			slog.Warn("req for missing file", "path", fullpath, "error", err)
		}
		return e.send404(l, "The file you requested could not be found")
	}

	if !cfg.Fileserve {
		slog.Debug("on demand file refused", "path", fullpath)
		return e.send404(l, "The file you requested could not be found")
	}
	if !st.Mode().IsRegular() {
		slog.Warn("found requested file but there is no handler for it", "path", fullpath)
		return e.send404(l, "The file you requested could not be found")
	}

	fb := FileBinding{
		Mount: path,
		Type:  format.TypeUndefined,
		Fsize: st.Size(),
	}
	e.stats.FileConnectionInc()
	return e.Attach(l, &fb)
}

// Attach is the main entry: install the listener on the handle for fb, or on
// the sentinel when fb is nil. Returns 0 on success; -1 refuses the binding
// outright or reports the listener was finished with an error response.
func (e *Engine) Attach(l *Listener, fb *FileBinding) int {
	fh := e.sentinel

	if fb != nil {
		if fb.Flags&FlagMissing != 0 || (fb.Flags&FlagFallback != 0 && fb.Limit == 0) {
			return -1
		}

		mountName := fb.Mount
		e.mountLocks.Lock(mountName)
		minfo := e.cfg().FindMount(mountName)
		e.mu.Lock()
		fh = e.findFH(*fb)
		if fh != nil {
			fh.mu.Lock()
			e.mu.Unlock()
			l.shared = nil
			if minfo != nil {
				if minfo.MaxListeners >= 0 && fh.refcount >= minfo.MaxListeners {
					fh.mu.Unlock()
					e.mountLocks.Unlock(mountName)
					return e.send403Redirect(l, fb.Mount, "max listeners reached")
				}
				if e.hooks.DuplicateLogin != nil &&
					!e.hooks.DuplicateLogin(fb.Mount, fh.clients, l, minfo.Auth) {
					fh.mu.Unlock()
					e.mountLocks.Unlock(mountName)
					return e.send403(l, "Account already in use")
				}
			}
			e.mountLocks.Unlock(mountName)
		} else {
			if minfo != nil && minfo.MaxListeners == 0 {
				e.mu.Unlock()
				e.mountLocks.Unlock(mountName)
				l.shared = nil
				return e.send403Redirect(l, fb.Mount, "max listeners reached")
			}
			var err error
			fh, err = e.openFH(*fb) // releases the cache lock
			e.mountLocks.Unlock(mountName)
			if err != nil {
				fb.Flags |= FlagMissing
				return e.send404(l, "")
			}
			if fh.binding.Limit > 0 {
				slog.Debug("request for throttled file",
					"mount", fh.binding.Mount, "bitrate", fh.binding.Limit*8)
			}
		}
		if fh.binding.Limit > 0 {
			l.timerStart = e.clock().Unix()
			if l.sentBytes == 0 {
				// Grant the pacing maths a head start on brand new joins.
				l.timerStart -= 2
			}
			l.counter = 0
		}
	} else {
		fh.mu.Lock()
	}

	if l.Mount == "" {
		l.Mount = fh.binding.Mount
	}

	ok := false
	if l.RespCode != 0 {
		// Response already composed (error page or migration in flight).
		ok = true
	} else if fh.plugin != nil {
		fRange := fh.binding.Fsize - fh.frameStartPos
		length := fRange
		if !l.RangeEndUnspec {
			if l.RangeEnd > fRange {
				fh.mu.Unlock()
				l.Mount = ""
				return e.send416(l)
			}
			length = l.RangeEnd
		}
		length -= l.RangeStart
		if fh.binding.Limit > 0 {
			// The file loops so there is no natural terminus.
			l.Flags &^= ClientKeepalive
			length = -1
		}
		head := fh.plugin.IntroHeaders(format.HeaderInfo{
			Status:        200,
			ContentLength: length,
			KeepAlive:     l.hasFlag(ClientKeepalive),
			Mount:         fh.binding.Mount,
		})
		l.queueBuffer(&Buffer{Data: head, Header: true})
		l.RespCode = 200
		ok = true
	}
	if !ok {
		fh.mu.Unlock()
		l.Mount = ""
		return e.send416(l)
	}

	e.addClient(fh, l)
	l.shared = fh
	if fh.binding.Flags&FlagFallback != 0 && l.hasFlag(ClientAuthenticated) {
		e.globalListeners.Add(1)
	}
	fh.mu.Unlock()

	l.ops = opPrefile
	l.Flags |= ClientInFserve
	l.Flags &^= ClientHasIntroContent
	if l.connTime == 0 {
		l.connTime = e.clock().Unix()
	}
	e.enqueue(l)
	return 0
}

// release ends a listener's time on its handle: access logging, the auth
// release hook, then detach. Runs on the listener's worker.
func (e *Engine) release(l *Listener) {
	fh := l.shared
	if fh == nil {
		l.Conn.Close()
		return
	}

	fhFlags := fh.Binding().Flags
	if fhFlags&FlagFallback != 0 && l.hasFlag(ClientAuthenticated) {
		e.globalListeners.Add(-1)
	}

	l.dropQueue()

	ret := -1
	if l.hasFlag(ClientAuthenticated) && !strings.HasPrefix(l.Mount, "/admin") {
		// Resolve the mount the departure is logged against: fallbacks log
		// under the listener's requested URI, plain files under the mount.
		m := l.Mount
		if m == "" {
			m = fh.Binding().Mount
		}
		e.removeFromFH(fh, l)
		l.shared = nil
		minfo := e.cfg().FindMount(m)
		if minfo != nil && minfo.AccessLog {
			slog.Info("listener left",
				"mount", m,
				"id", l.ID,
				"ip", l.RemoteAddr,
				"bytes", l.sentBytes,
				"agent", l.UserAgent)
		}
		if e.hooks.Release != nil {
			ret = e.hooks.Release(l, m, minfo)
		}
		e.removeFromFH(fh, l)
		l.shared = nil
	} else {
		e.removeFromFH(fh, l)
		l.shared = nil
	}

	if ret < 0 {
		l.Flags &^= ClientAuthenticated
		l.Conn.Close()
	}
}

// KillClient flags the identified listener on mount (or fallback-mount) for
// termination. Its worker observes the flag on the next tick.
func (e *Engine) KillClient(mount string, id uint64) bool {
	fb := FileBinding{Mount: mount}
	for attempt := 0; attempt < 2; attempt++ {
		if attempt == 1 {
			fb.Flags = FlagFallback
		}
		e.mu.RLock()
		fh := e.findFH(fb)
		if fh == nil {
			e.mu.RUnlock()
			continue
		}
		fh.mu.Lock()
		e.mu.RUnlock()
		if listener, ok := fh.clients[id]; ok {
			listener.SetError()
			fh.mu.Unlock()
			return true
		}
		fh.mu.Unlock()
	}
	return false
}

// ClientInfo is the admin-facing view of one attached listener.
type ClientInfo struct {
	ID        uint64
	IP        string
	UserAgent string
	Connected int64 // seconds
	SentBytes int64
}

// ListClients snapshots the listeners attached to a binding. A nil return
// means the binding is not cached.
func (e *Engine) ListClients(fb FileBinding) []ClientInfo {
	e.mu.RLock()
	fh := e.findFH(fb)
	if fh == nil {
		e.mu.RUnlock()
		return nil
	}
	fh.mu.Lock()
	e.mu.RUnlock()
	defer fh.mu.Unlock()

	now := e.clock().Unix()
	out := make([]ClientInfo, 0, len(fh.clients))
	for _, l := range fh.clients {
		out = append(out, ClientInfo{
			ID:        l.ID,
			IP:        l.RemoteAddr,
			UserAgent: l.UserAgent,
			Connected: now - l.connTime,
			SentBytes: l.sentBytes,
		})
	}
	return out
}

// GlobalRate returns the server-wide outgoing byte rate estimator.
func (e *Engine) GlobalRate() *Rate { return e.globalRate }

// Shutdown stops the workers and drains the cache, waiting briefly for
// attached listeners to observe the stop flag.
func (e *Engine) Shutdown() {
	e.running.Store(false)
	for _, w := range e.workers {
		w.stop()
	}

	e.mu.Lock()
	delete(e.cache, cacheKey{})
	e.mu.Unlock()

	for count := 20; count > 0; count-- {
		e.mu.Lock()
		remaining := 0
		for key, fh := range e.cache {
			fh.mu.Lock()
			if fh.refcount == 0 {
				delete(e.cache, key)
				fh.mu.Unlock()
				e.destroyFH(fh)
				continue
			}
			remaining++
			fh.mu.Unlock()
		}
		e.mu.Unlock()
		if remaining == 0 {
			break
		}
		slog.Debug("waiting for entries to clear", "remaining", remaining)
		time.Sleep(100 * time.Millisecond)
	}

	e.mu.Lock()
	for key, fh := range e.cache {
		delete(e.cache, key)
		e.destroyFH(fh)
	}
	e.mu.Unlock()
	slog.Info("file serving stopped")
}

// ---------------------------------------------------------------------------
// Error responses
// ---------------------------------------------------------------------------

// httpHead renders a minimal response head for engine-issued errors.
func httpHead(code int, contentType string, length int, extra string) []byte {
	return []byte(fmt.Sprintf(
		"HTTP/1.0 %d %s\r\nContent-Type: %s\r\nContent-Length: %d\r\n%sConnection: Close\r\n\r\n",
		code, httpStatusText(code), contentType, length, extra))
}

func httpStatusText(code int) string {
	switch code {
	case 302:
		return "Found"
	case 400:
		return "Bad Request"
	case 403:
		return "Forbidden"
	case 404:
		return "File Not Found"
	case 416:
		return "Request Range Not Satisfiable"
	}
	return "OK"
}

// queueErrorResponse composes an error page on the listener without moving
// it between handles.
func queueErrorResponse(l *Listener, code int, body, extra string) {
	page := "<html><head><title>Error " + fmt.Sprint(code) + "</title></head><body><b>" +
		body + "</b></body></html>"
	l.dropQueue()
	l.queueBuffer(&Buffer{Data: httpHead(code, "text/html", len(page), extra), Header: true})
	l.queueBuffer(&Buffer{Data: []byte(page)})
	l.RespCode = code
}

// sendError composes an error response on the listener and parks it on the
// sentinel so its worker drains the bytes and terminates it.
func (e *Engine) sendError(l *Listener, code int, body, extra string) int {
	queueErrorResponse(l, code, body, extra)
	e.Attach(l, nil)
	return -1
}

func (e *Engine) send404(l *Listener, msg string) int {
	if msg == "" {
		msg = "The file you requested could not be found"
	}
	return e.sendError(l, 404, msg, "")
}

func (e *Engine) send403(l *Listener, msg string) int {
	return e.sendError(l, 403, msg, "")
}

// send403Redirect refuses a join, pointing the listener at the configured
// peer when one exists.
func (e *Engine) send403Redirect(l *Listener, mount, msg string) int {
	peer := e.cfg().RedirectPeer
	if peer != "" {
		location := "Location: " + strings.TrimSuffix(peer, "/") + mount + "\r\n"
		return e.sendError(l, 302, msg, location)
	}
	return e.sendError(l, 403, msg, "")
}

func (e *Engine) send416(l *Listener) int {
	return e.sendError(l, 416, "Request Range Not Satisfiable", "")
}

// SendReply composes a complete small response on the listener and parks it
// on the sentinel to be drained; used by the HTTP layer for synthesized
// bodies such as generated playlists.
func (e *Engine) SendReply(l *Listener, code int, contentType, body string) int {
	l.dropQueue()
	l.queueBuffer(&Buffer{Data: httpHead(code, contentType, len(body), ""), Header: true})
	l.queueBuffer(&Buffer{Data: []byte(body)})
	l.RespCode = code
	e.Attach(l, nil)
	return 0
}

// SendRedirect points the listener elsewhere with a 302.
func (e *Engine) SendRedirect(l *Listener, location string) int {
	l.dropQueue()
	l.queueBuffer(&Buffer{
		Data:   httpHead(302, "text/html", 0, "Location: "+location+"\r\n"),
		Header: true,
	})
	l.RespCode = 302
	e.Attach(l, nil)
	return 0
}

// Listeners reports the global attached fallback listener count.
func (e *Engine) Listeners() int64 { return e.globalListeners.Load() }

// CacheSize reports the number of cache-resident handles, the sentinel
// included.
func (e *Engine) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
