// Package format provides the format plugins the file-serving engine uses to
// compose client responses and to read file bodies frame by frame.
package format

import (
	"fmt"
	"io"
	"strings"
)

// chunkSize is the read granularity for file bodies.
const chunkSize = 4096

// Type identifies an audio container format.
type Type int

const (
	TypeUndefined Type = iota
	TypeMP3
	TypeOgg
	TypeAAC
)

func (t Type) String() string {
	switch t {
	case TypeMP3:
		return "mp3"
	case TypeOgg:
		return "ogg"
	case TypeAAC:
		return "aac"
	}
	return "undefined"
}

// TypeForContentType maps a MIME content type to a format type. Unknown types
// map to TypeUndefined, which selects the generic plugin.
func TypeForContentType(contentType string) Type {
	// Parameters after a semicolon do not affect the format.
	if i := strings.IndexAny(contentType, "; "); i >= 0 {
		contentType = contentType[:i]
	}
	switch contentType {
	case "audio/mpeg", "audio/x-mpeg", "audio/mp3":
		return TypeMP3
	case "application/ogg", "audio/ogg", "video/ogg":
		return TypeOgg
	case "audio/aac", "audio/aacp":
		return TypeAAC
	}
	return TypeUndefined
}

// Settings carries the per-mount values a plugin may honor.
type Settings struct {
	Mount       string
	StationName string
	Limit       int64 // target bytes per second, 0 for unthrottled
}

// HeaderInfo describes the response head a plugin renders for a new client.
type HeaderInfo struct {
	Status        int
	ContentType   string
	ContentLength int64 // <0 omits the header (looping fallbacks)
	KeepAlive     bool
	Mount         string
}

// Plugin renders response heads and reads file bodies for one format.
// Implementations are shared by every listener attached to a file handle and
// must be safe for concurrent use.
type Plugin interface {
	Type() Type
	ContentType() string

	// ApplySettings installs per-mount configuration on the plugin.
	ApplySettings(s Settings)

	// IntroHeaders renders the HTTP response head sent before the file body.
	IntroHeaders(h HeaderInfo) []byte

	// ReadChunk reads the block at offset and returns it with the offset of
	// the following block. Returns io.EOF at end of file.
	ReadChunk(r io.ReaderAt, offset int64) ([]byte, int64, error)

	// DetachQueueBlock drops any plugin-held references on a queued block
	// that is about to be released.
	DetachQueueBlock(data []byte)
}

// New returns the plugin for the given type. TypeUndefined and formats
// without a dedicated plugin get the generic one.
func New(t Type, contentType string) Plugin {
	switch t {
	case TypeMP3:
		return newMP3Plugin(contentType)
	}
	return newGenericPlugin(t, contentType)
}

// statusText covers the handful of codes the engine emits.
func statusText(code int) string {
	switch code {
	case 200:
		return "OK"
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

// readChunkAt is the shared body read used by every plugin.
func readChunkAt(r io.ReaderAt, offset int64) ([]byte, int64, error) {
	buf := make([]byte, chunkSize)
	n, err := r.ReadAt(buf, offset)
	if n > 0 {
		return buf[:n], offset + int64(n), nil
	}
	if err == nil || err == io.EOF {
		return nil, offset, io.EOF
	}
	return nil, offset, fmt.Errorf("file read at %d: %w", offset, err)
}
