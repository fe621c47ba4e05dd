package format

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// genericPlugin serves files whose format needs no framing awareness. It is
// also the fallback for TypeUndefined bindings.
type genericPlugin struct {
	ftype Type

	mu          sync.RWMutex
	contentType string
	settings    Settings
}

func newGenericPlugin(t Type, contentType string) *genericPlugin {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &genericPlugin{ftype: t, contentType: contentType}
}

func (g *genericPlugin) Type() Type { return g.ftype }

func (g *genericPlugin) ContentType() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.contentType
}

func (g *genericPlugin) ApplySettings(s Settings) {
	g.mu.Lock()
	g.settings = s
	g.mu.Unlock()
}

func (g *genericPlugin) IntroHeaders(h HeaderInfo) []byte {
	var b strings.Builder
	ct := h.ContentType
	if ct == "" {
		ct = g.ContentType()
	}
	fmt.Fprintf(&b, "HTTP/1.0 %d %s\r\n", h.Status, statusText(h.Status))
	fmt.Fprintf(&b, "Content-Type: %s\r\n", ct)
	if h.ContentLength >= 0 {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", h.ContentLength)
	}
	if h.KeepAlive {
		b.WriteString("Connection: Keep-Alive\r\n")
	} else {
		b.WriteString("Connection: Close\r\n")
	}
	b.WriteString("Cache-Control: no-cache\r\n\r\n")
	return []byte(b.String())
}

func (g *genericPlugin) ReadChunk(r io.ReaderAt, offset int64) ([]byte, int64, error) {
	return readChunkAt(r, offset)
}

func (g *genericPlugin) DetachQueueBlock(data []byte) {}
