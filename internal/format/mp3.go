package format

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// mp3Plugin serves MPEG audio. On top of the generic behavior it emits the
// icy- response headers shoutcast-era players expect for rate-limited mounts.
type mp3Plugin struct {
	mu          sync.RWMutex
	contentType string
	settings    Settings
}

func newMP3Plugin(contentType string) *mp3Plugin {
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	return &mp3Plugin{contentType: contentType}
}

func (m *mp3Plugin) Type() Type { return TypeMP3 }

func (m *mp3Plugin) ContentType() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.contentType
}

func (m *mp3Plugin) ApplySettings(s Settings) {
	m.mu.Lock()
	m.settings = s
	m.mu.Unlock()
}

func (m *mp3Plugin) IntroHeaders(h HeaderInfo) []byte {
	m.mu.RLock()
	s := m.settings
	m.mu.RUnlock()

	var b strings.Builder
	ct := h.ContentType
	if ct == "" {
		ct = m.ContentType()
	}
	fmt.Fprintf(&b, "HTTP/1.0 %d %s\r\n", h.Status, statusText(h.Status))
	fmt.Fprintf(&b, "Content-Type: %s\r\n", ct)
	if h.ContentLength >= 0 {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", h.ContentLength)
	}
	if s.StationName != "" {
		fmt.Fprintf(&b, "icy-name: %s\r\n", s.StationName)
	}
	if s.Limit > 0 {
		// limit is bytes per second; icy-br is kbit/s.
		fmt.Fprintf(&b, "icy-br: %d\r\n", s.Limit*8/1000)
	}
	if h.KeepAlive {
		b.WriteString("Connection: Keep-Alive\r\n")
	} else {
		b.WriteString("Connection: Close\r\n")
	}
	b.WriteString("Cache-Control: no-cache, no-store\r\n\r\n")
	return []byte(b.String())
}

func (m *mp3Plugin) ReadChunk(r io.ReaderAt, offset int64) ([]byte, int64, error) {
	return readChunkAt(r, offset)
}

// DetachQueueBlock is a no-op: mp3 file serving holds no shared references
// on queued blocks.
func (m *mp3Plugin) DetachQueueBlock(data []byte) {}
