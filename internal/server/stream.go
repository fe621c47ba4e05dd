package server

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/topalex/icecast-kh/internal/fserve"
)

// writeDeadline is how long a single socket write may wait before the
// sender treats it as would-block and reschedules.
const writeDeadline = 5 * time.Millisecond

// fileConn adapts a hijacked TCP connection to the engine's non-blocking
// Conn: a write deadline turns a stalled socket into ErrWouldBlock instead
// of parking the worker.
type fileConn struct {
	c net.Conn
}

func (fc *fileConn) Write(p []byte) (int, error) {
	fc.c.SetWriteDeadline(time.Now().Add(writeDeadline))
	n, err := fc.c.Write(p)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, fserve.ErrWouldBlock
		}
	}
	return n, err
}

func (fc *fileConn) Close() error {
	return fc.c.Close()
}

// fileHandler takes ownership of the connection and hands it to the engine.
// Once the hijack succeeds the listener belongs to a worker; this handler
// never touches the ResponseWriter again.
func (s *Server) fileHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		slog.Error("hijack failed", "error", err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	l := &fserve.Listener{
		ID:         s.engine.NextListenerID(),
		Conn:       &fileConn{c: conn},
		RemoteAddr: r.RemoteAddr,
		Host:       r.Host,
		UserAgent:  r.UserAgent(),
		Username:   usernameFor(r),
		Mount:      r.URL.Path,
		Flags:      fserve.ClientAuthenticated,
	}
	parseRange(r.Header.Get("Range"), l)

	// Do not refer to the listener afterwards; the engine owns it now.
	s.engine.ClientCreate(l, r.URL.Path)
}

// usernameFor pulls the listener's username when the request carried one;
// the duplicate-login policy keys on it.
func usernameFor(r *http.Request) string {
	if user, _, ok := r.BasicAuth(); ok {
		return user
	}
	return ""
}

// parseRange fills the listener's declared byte range from a bytes=S-E
// header. Anything unparsable leaves the full-file default.
func parseRange(h string, l *fserve.Listener) {
	l.RangeEndUnspec = true
	if !strings.HasPrefix(h, "bytes=") {
		return
	}
	spec := strings.TrimPrefix(h, "bytes=")
	start, end, found := strings.Cut(spec, "-")
	if !found {
		return
	}
	if s, err := strconv.ParseInt(start, 10, 64); err == nil && s >= 0 {
		l.RangeStart = s
	}
	if end != "" {
		if e, err := strconv.ParseInt(end, 10, 64); err == nil && e >= l.RangeStart {
			l.RangeEnd = e
			l.RangeEndUnspec = false
		}
	}
}
