package fserve

import (
	"bufio"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
)

// defaultMimeTypes is the built-in extension map used when no mime types
// file is configured. File entries override these on reload.
var defaultMimeTypes = map[string]string{
	"m3u":  "audio/x-mpegurl",
	"pls":  "audio/x-scpls",
	"xspf": "application/xspf+xml",
	"ogg":  "application/ogg",
	"xml":  "text/xml",
	"mp3":  "audio/mpeg",
	"aac":  "audio/aac",
	"aacp": "audio/aacp",
	"css":  "text/css",
	"txt":  "text/plain",
	"html": "text/html",
	"jpg":  "image/jpg",
	"png":  "image/png",
	"gif":  "image/gif",
}

// MimeRegistry maps filename extensions to content types. The whole map is
// replaced on reload; lookups take a short mutex around the pointer.
type MimeRegistry struct {
	mu    sync.Mutex
	types map[string]string
}

func NewMimeRegistry() *MimeRegistry {
	r := &MimeRegistry{}
	r.Reload("")
	return r
}

// Reload builds a fresh map from the defaults overlaid with the entries of
// the given mime types file and swaps it in. Each non-empty, non-comment
// line reads TYPE EXT [EXT...]; later definitions for an extension override
// earlier ones, so the file overrides the defaults.
func (r *MimeRegistry) Reload(path string) {
	next := make(map[string]string, len(defaultMimeTypes))
	for ext, t := range defaultMimeTypes {
		next[ext] = t
	}

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			slog.Warn("Cannot open mime types file, using defaults",
				"path", path, "error", err)
		} else {
			scanner := bufio.NewScanner(f)
			for scanner.Scan() {
				line := scanner.Text()
				if line == "" || strings.HasPrefix(line, "#") {
					continue
				}
				fields := strings.Fields(line)
				if len(fields) < 2 {
					continue
				}
				for _, ext := range fields[1:] {
					next[ext] = fields[0]
				}
			}
			f.Close()
		}
	} else {
		slog.Info("no mime types file defined, using defaults")
	}

	r.mu.Lock()
	r.types = next
	r.mu.Unlock()
}

// ContentTypeFor returns the registered content type for the extension of
// path, application/octet-stream when the extension is unknown, and
// text/html when path has no extension. Extension matching is
// case-sensitive as stored.
func (r *MimeRegistry) ContentTypeFor(path string) string {
	ext := extensionOf(path)
	if ext == "" {
		return "text/html"
	}
	r.mu.Lock()
	t, ok := r.types[ext]
	r.mu.Unlock()
	if !ok {
		return "application/octet-stream"
	}
	return t
}

// SniffContentType falls back to content inspection for a path whose
// extension is unregistered. An empty string means the sniff failed too.
func (r *MimeRegistry) SniffContentType(path string) string {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return ""
	}
	return mt.String()
}

// ExtensionFor returns the alphabetically first registered extension mapping
// to the given content type; parameters after a semicolon or space are ignored. Returns
// "" when no extension maps to it.
func (r *MimeRegistry) ExtensionFor(mimeType string) string {
	if i := strings.IndexAny(mimeType, "; "); i >= 0 {
		mimeType = mimeType[:i]
	}
	if mimeType == "" {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// Scan in extension order so the result is deterministic.
	exts := make([]string, 0, len(r.types))
	for ext := range r.types {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	for _, ext := range exts {
		if r.types[ext] == mimeType {
			return ext
		}
	}
	return ""
}

// extensionOf returns the extension of path without the dot, or "".
func extensionOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		switch path[i] {
		case '.':
			return path[i+1:]
		case '/', '\\':
			return ""
		}
	}
	return ""
}
