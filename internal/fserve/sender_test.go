package fserve

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/topalex/icecast-kh/internal/format"
)

func TestUnthrottledDeliversFileOnce(t *testing.T) {
	cfg := testConfig(t)
	content := bytes.Repeat([]byte{0xaa, 0xbb, 0xcc, 0xdd}, 2500) // 10000 bytes
	writeWebFile(t, cfg.Webroot, "data.bin", content)
	e, _ := newTestEngine(t, cfg)

	conn := newFakeConn()
	l := newTestListener(e, conn)
	require.Equal(t, 0, e.ClientCreate(l, "/data.bin"))

	// Drive until EOF terminates the sender.
	require.Equal(t, -1, drive(e, l, 100))

	assert.Equal(t, content, conn.body())
	assert.Equal(t, opUnthrottled, l.ops)
}

func TestUnthrottledHeadersCarryLength(t *testing.T) {
	cfg := testConfig(t)
	content := bytes.Repeat([]byte{0x42}, 500)
	writeWebFile(t, cfg.Webroot, "data.bin", content)
	e, _ := newTestEngine(t, cfg)

	conn := newFakeConn()
	l := newTestListener(e, conn)
	require.Equal(t, 0, e.ClientCreate(l, "/data.bin"))
	drive(e, l, 50)

	head := string(conn.Bytes())
	assert.Contains(t, head, "HTTP/1.0 200 OK")
	assert.Contains(t, head, "Content-Length: 500")
}

func TestPrefileRescheduleOnBlockedSocket(t *testing.T) {
	cfg := testConfig(t)
	writeWebFile(t, cfg.Webroot, "data.bin", bytes.Repeat([]byte{0x42}, 500))
	e, clk := newTestEngine(t, cfg)

	conn := newFakeConn()
	conn.limit = 10 // accept ten bytes, then block
	l := newTestListener(e, conn)
	require.Equal(t, 0, e.ClientCreate(l, "/data.bin"))

	require.Equal(t, 0, e.tick(l))
	// Partial progress reschedules at the short delay.
	assert.Equal(t, clk.now().UnixMilli()+150, l.scheduleMS)

	// Still blocked and nothing written this time: the long delay.
	require.Equal(t, 0, e.tick(l))
	assert.Equal(t, clk.now().UnixMilli()+300, l.scheduleMS)
}

func TestThrottledLoopsAtEOF(t *testing.T) {
	cfg := testConfig(t)
	content := bytes.Repeat([]byte{0x5a}, 3000)
	writeWebFile(t, cfg.Webroot, "live.mp3", content)
	e, clk := newTestEngine(t, cfg)

	conn := newFakeConn()
	l := newTestListener(e, conn)
	fb := &FileBinding{Mount: "/live.mp3", Flags: FlagFallback, Limit: 16000}
	require.Equal(t, 0, e.Attach(l, fb))

	// First tick drains the header and installs the throttled sender.
	require.Equal(t, 0, e.tick(l))
	assert.Equal(t, opThrottled, l.ops)

	var loops int
	for i := 0; i < 50 && loops < 2; i++ {
		before := l.introOffset
		require.Equal(t, 0, e.tick(l))
		if before > 0 && l.introOffset == 0 {
			loops++ // rewind to the loop point observed
		}
		clk.advance(500 * time.Millisecond)
	}
	require.GreaterOrEqual(t, loops, 2, "fallback never rewound")

	// Delivered bytes are the file repeated from the loop point.
	body := conn.body()
	require.GreaterOrEqual(t, len(body), 2*len(content))
	assert.Equal(t, content, body[:3000])
	assert.Equal(t, content, body[3000:6000])
}

func TestThrottledDelaysAboveLimit(t *testing.T) {
	cfg := testConfig(t)
	writeWebFile(t, cfg.Webroot, "live.mp3", bytes.Repeat([]byte{0x5a}, 60000))
	e, clk := newTestEngine(t, cfg)

	conn := newFakeConn()
	l := newTestListener(e, conn)
	fb := &FileBinding{Mount: "/live.mp3", Flags: FlagFallback, Limit: 14000}
	require.Equal(t, 0, e.Attach(l, fb))
	require.Equal(t, 0, e.tick(l)) // drain header, install throttled

	// Past the initial bolus and over rate: the sender must only delay.
	l.counter = 20000
	l.timerStart = clk.now().Unix() - 1 // 20 kB in 1 s >> 14 kB/s
	before := l.introOffset
	require.Equal(t, 0, e.tick(l))
	assert.Equal(t, before, l.introOffset, "read despite being over rate")
	assert.Equal(t, clk.now().UnixMilli()+1000/(14000/1400), l.scheduleMS)
}

func TestThrottledAllowsInitialBolus(t *testing.T) {
	cfg := testConfig(t)
	writeWebFile(t, cfg.Webroot, "live.mp3", bytes.Repeat([]byte{0x5a}, 60000))
	e, clk := newTestEngine(t, cfg)

	conn := newFakeConn()
	l := newTestListener(e, conn)
	fb := &FileBinding{Mount: "/live.mp3", Flags: FlagFallback, Limit: 1400}
	require.Equal(t, 0, e.Attach(l, fb))
	require.Equal(t, 0, e.tick(l))

	// Way over rate but under the bolus: reads continue.
	l.counter = 4096
	l.timerStart = clk.now().Unix() // zero elapsed, rate = 2*limit
	before := l.introOffset
	require.Equal(t, 0, e.tick(l))
	assert.Greater(t, l.introOffset, before)
}

func TestThrottledTerminatesOnKill(t *testing.T) {
	cfg := testConfig(t)
	writeWebFile(t, cfg.Webroot, "live.mp3", bytes.Repeat([]byte{0x5a}, 3000))
	e, _ := newTestEngine(t, cfg)

	l := newTestListener(e, newFakeConn())
	fb := &FileBinding{Mount: "/live.mp3", Flags: FlagFallback, Limit: 16000}
	require.Equal(t, 0, e.Attach(l, fb))
	require.Equal(t, 0, e.tick(l))

	l.SetError()
	assert.Equal(t, -1, e.tick(l))
}

func TestGlobalThrottleSlowsSenders(t *testing.T) {
	cfg := testConfig(t)
	writeWebFile(t, cfg.Webroot, "data.bin", bytes.Repeat([]byte{0x42}, 100000))
	e, clk := newTestEngine(t, cfg)
	e.throttleSends.Store(2)

	conn := newFakeConn()
	l := newTestListener(e, conn)
	require.Equal(t, 0, e.ClientCreate(l, "/data.bin"))
	require.Equal(t, 0, e.tick(l)) // drain header; the file sender runs inline

	// Connection older than a second: the cap applies.
	l.connTime = clk.now().Unix() - 5
	written := len(conn.Bytes())
	require.Equal(t, 0, e.tick(l))
	assert.GreaterOrEqual(t, l.scheduleMS, clk.now().UnixMilli()+300)
	// A single bounded read, not the full six.
	assert.LessOrEqual(t, len(conn.Bytes())-written, 4096)
}

func TestFormatFileReadRewindsViaIntroOffset(t *testing.T) {
	cfg := testConfig(t)
	content := []byte("0123456789")
	writeWebFile(t, cfg.Webroot, "live.mp3", content)
	e, clk := newTestEngine(t, cfg)

	conn := newFakeConn()
	l := newTestListener(e, conn)
	fb := &FileBinding{Mount: "/live.mp3", Flags: FlagFallback, Limit: 16000}
	require.Equal(t, 0, e.Attach(l, fb))
	require.Equal(t, 0, e.tick(l))

	clk.advance(2 * time.Second)
	require.Equal(t, 0, e.tick(l)) // whole file in one chunk
	assert.Equal(t, int64(len(content)), l.introOffset)

	clk.advance(2 * time.Second)
	require.Equal(t, 0, e.tick(l)) // EOF rewinds
	assert.Equal(t, int64(0), l.introOffset)
	assert.Equal(t, content, conn.body())
}

func TestWorkerRebalancing(t *testing.T) {
	cfg := testConfig(t)
	writeWebFile(t, cfg.Webroot, "live.mp3", bytes.Repeat([]byte{0x5a}, 3000))
	e, _ := newTestEngine(t, cfg)
	w0 := newWorker(e, 0)
	w1 := newWorker(e, 1)
	e.workers = []*worker{w0, w1}

	// Load twelve listeners onto w0 so the backlog difference exceeds ten.
	var listeners []*Listener
	for i := 0; i < 12; i++ {
		l := newTestListener(e, newFakeConn())
		w0.addListener(l)
		listeners = append(listeners, l)
	}
	require.True(t, e.changeWorker(listeners[11]))
	assert.Same(t, w1, listeners[11].worker)
	assert.Equal(t, int64(11), w0.count.Load())
	assert.Equal(t, int64(1), w1.count.Load())

	// The difference is now exactly ten: below the threshold, nothing moves.
	require.False(t, e.changeWorker(listeners[0]))
	assert.Same(t, w0, listeners[0].worker)

	// Exhausted allocations stop rebalancing outright.
	w0.moveAllocations.Store(0)
	for i := 0; i < 12; i++ {
		w0.addListener(newTestListener(e, newFakeConn()))
	}
	assert.False(t, e.changeWorker(listeners[0]))
}

func TestScanPublishesThrottledStats(t *testing.T) {
	cfg := testConfig(t)
	writeWebFile(t, cfg.Webroot, "live.mp3", bytes.Repeat([]byte{0x5a}, 3000))
	e, clk := newTestEngine(t, cfg)

	l := newTestListener(e, newFakeConn())
	fb := &FileBinding{Mount: "/live.mp3", Flags: FlagFallback, Limit: 16000, Type: format.TypeMP3}
	require.Equal(t, 0, e.Attach(l, fb))

	e.Scan(clk.now().Unix())

	snap := e.stats.Snapshot("fallback-/live.mp3")
	require.NotNil(t, snap)
	assert.Equal(t, int64(1), snap["listeners"])
	assert.Equal(t, int64(1), snap["listener_peak"])
	assert.Equal(t, int64(1), snap["fallback"])
}
