package fserve

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentTypeForDefaults(t *testing.T) {
	r := NewMimeRegistry()

	assert.Equal(t, "audio/mpeg", r.ContentTypeFor("/music/x.mp3"))
	assert.Equal(t, "application/ogg", r.ContentTypeFor("x.ogg"))
	assert.Equal(t, "text/html", r.ContentTypeFor("/no/extension"))
	assert.Equal(t, "application/octet-stream", r.ContentTypeFor("x.zzz"))
	// Matching is case-sensitive as stored.
	assert.Equal(t, "application/octet-stream", r.ContentTypeFor("x.MP3"))
}

func TestReloadConfigOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mime.types")
	content := "# comment line\n" +
		"audio/custom mp3\n" +
		"text/special abc def\n" +
		"\n" +
		"broken-line-without-ext\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	r := NewMimeRegistry()
	r.Reload(path)

	// Config overrides the default mapping for mp3.
	assert.Equal(t, "audio/custom", r.ContentTypeFor("x.mp3"))
	assert.Equal(t, "text/special", r.ContentTypeFor("x.abc"))
	assert.Equal(t, "text/special", r.ContentTypeFor("x.def"))
	// Untouched defaults survive.
	assert.Equal(t, "application/ogg", r.ContentTypeFor("x.ogg"))

	// Reload is idempotent.
	r.Reload(path)
	assert.Equal(t, "audio/custom", r.ContentTypeFor("x.mp3"))
	assert.Equal(t, "text/special", r.ContentTypeFor("x.def"))
	assert.Equal(t, "application/ogg", r.ContentTypeFor("x.ogg"))
}

func TestReloadMissingFileKeepsDefaults(t *testing.T) {
	r := NewMimeRegistry()
	r.Reload("/nonexistent/mime.types")
	assert.Equal(t, "audio/mpeg", r.ContentTypeFor("x.mp3"))
}

func TestExtensionFor(t *testing.T) {
	r := NewMimeRegistry()

	assert.Equal(t, "mp3", r.ExtensionFor("audio/mpeg"))
	// Parameters after a semicolon are ignored.
	assert.Equal(t, "mp3", r.ExtensionFor("audio/mpeg; charset=utf-8"))
	assert.Equal(t, "ogg", r.ExtensionFor("application/ogg"))
	assert.Equal(t, "", r.ExtensionFor("video/unknown"))
	assert.Equal(t, "", r.ExtensionFor(""))
	// Two extensions map to text/special after a reload; the first in
	// extension order wins deterministically.
	dir := t.TempDir()
	path := filepath.Join(dir, "mime.types")
	require.NoError(t, os.WriteFile(path, []byte("text/special def abc\n"), 0o644))
	r.Reload(path)
	assert.Equal(t, "abc", r.ExtensionFor("text/special"))
}
