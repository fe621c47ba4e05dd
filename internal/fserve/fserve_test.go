package fserve

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/moby/locker"
	"github.com/stretchr/testify/require"

	"github.com/topalex/icecast-kh/config"
	"github.com/topalex/icecast-kh/internal/stats"
)

// fakeClock is a manually advanced clock shared by a test engine.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeConn collects written bytes; limit bounds how many it accepts before
// reporting would-block, -1 meaning unlimited.
type fakeConn struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	limit  int
	closed bool
}

func newFakeConn() *fakeConn { return &fakeConn{limit: -1} }

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.limit >= 0 {
		if c.limit == 0 {
			return 0, ErrWouldBlock
		}
		if len(p) > c.limit {
			n := c.limit
			c.buf.Write(p[:n])
			c.limit = 0
			return n, ErrWouldBlock
		}
		c.limit -= len(p)
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buf.Bytes()...)
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// body returns everything after the response head.
func (c *fakeConn) body() []byte {
	data := c.Bytes()
	if i := bytes.Index(data, []byte("\r\n\r\n")); i >= 0 {
		return data[i+4:]
	}
	return nil
}

// newTestEngine builds an engine with a fake clock and no workers; tests
// drive sender ticks directly.
func newTestEngine(t *testing.T, cfg *config.Config) (*Engine, *fakeClock) {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{Fileserve: true, Mounts: map[string]*config.Mount{}}
	}
	if cfg.Mounts == nil {
		cfg.Mounts = map[string]*config.Mount{}
	}
	clk := newFakeClock()
	e := &Engine{
		cache:      make(map[cacheKey]*FileHandle),
		mime:       NewMimeRegistry(),
		stats:      stats.NewRegistry(nil),
		cfg:        func() *config.Config { return cfg },
		mountLocks: locker.New(),
		globalRate: NewRate(),
		clock:      clk.now,
	}
	e.move = func(l *Listener, fb FileBinding) int {
		return e.Attach(l, &fb)
	}
	e.sentinel = &FileHandle{
		clients:  make(map[uint64]*Listener),
		refcount: 1,
		expire:   -1,
	}
	e.cache[cacheKey{}] = e.sentinel
	e.running.Store(true)
	return e, clk
}

func newTestListener(e *Engine, conn Conn) *Listener {
	return &Listener{
		ID:             e.NextListenerID(),
		Conn:           conn,
		RemoteAddr:     "10.0.0.1:4096",
		UserAgent:      "test-agent",
		Flags:          ClientAuthenticated,
		RangeEndUnspec: true,
	}
}

// drive runs sender ticks until the listener terminates or max ticks pass.
// Returns the last tick result.
func drive(e *Engine, l *Listener, max int) int {
	for i := 0; i < max; i++ {
		if ret := e.tick(l); ret != 0 {
			return ret
		}
	}
	return 0
}

func writeWebFile(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
}

// requireInvariant asserts the refcount/clients relation on every cached
// handle.
func requireInvariant(t *testing.T, e *Engine) {
	t.Helper()
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, fh := range e.cache {
		fh.mu.Lock()
		want := len(fh.clients)
		if fh == e.sentinel {
			want++
		}
		require.Equal(t, want, fh.refcount, "mount %q", fh.binding.Mount)
		fh.mu.Unlock()
	}
}
