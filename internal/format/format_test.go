package format

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTemp drops a file into a fresh temp dir and opens it.
func writeTemp(t *testing.T, name string, data []byte) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

// id3v2Header builds an ID3v2.3 header with the given synchsafe body size.
func id3v2Header(size int) []byte {
	return []byte{
		'I', 'D', '3', 0x03, 0x00, 0x00,
		byte(size >> 21 & 0x7f), byte(size >> 14 & 0x7f),
		byte(size >> 7 & 0x7f), byte(size & 0x7f),
	}
}

// mp3Frame128 is a valid MPEG-1 Layer III header at 128 kbit/s.
var mp3Frame128 = []byte{0xff, 0xfb, 0x90, 0x00}

func TestProbeMP3WithID3(t *testing.T) {
	tagBody := make([]byte, 100)
	data := append(id3v2Header(len(tagBody)), tagBody...)
	data = append(data, mp3Frame128...)
	data = append(data, make([]byte, 400)...)

	f := writeTemp(t, "x.mp3", data)
	info, err := Probe(f, "x.mp3")
	require.NoError(t, err)
	assert.Equal(t, TypeMP3, info.Type)
	assert.Equal(t, int64(110), info.FrameStart)
	assert.Equal(t, 128000, info.Bitrate)
}

func TestProbeRawMP3(t *testing.T) {
	data := append(append([]byte{}, mp3Frame128...), make([]byte, 400)...)
	f := writeTemp(t, "x.mp3", data)
	info, err := Probe(f, "x.mp3")
	require.NoError(t, err)
	assert.Equal(t, TypeMP3, info.Type)
	assert.Equal(t, int64(0), info.FrameStart)
}

func TestProbeOgg(t *testing.T) {
	data := append([]byte("OggS"), make([]byte, 200)...)
	f := writeTemp(t, "x.ogg", data)
	info, err := Probe(f, "x.ogg")
	require.NoError(t, err)
	assert.Equal(t, TypeOgg, info.Type)
	assert.Equal(t, int64(0), info.FrameStart)
}

func TestProbeGarbageFails(t *testing.T) {
	f := writeTemp(t, "x.bin", make([]byte, 600))
	_, err := Probe(f, "x.bin")
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestTypeForContentType(t *testing.T) {
	assert.Equal(t, TypeMP3, TypeForContentType("audio/mpeg"))
	assert.Equal(t, TypeMP3, TypeForContentType("audio/mpeg; charset=x"))
	assert.Equal(t, TypeOgg, TypeForContentType("application/ogg"))
	assert.Equal(t, TypeAAC, TypeForContentType("audio/aacp"))
	assert.Equal(t, TypeUndefined, TypeForContentType("text/html"))
}

func TestGenericIntroHeaders(t *testing.T) {
	p := New(TypeUndefined, "application/octet-stream")
	head := string(p.IntroHeaders(HeaderInfo{Status: 200, ContentLength: 1234}))
	assert.Contains(t, head, "HTTP/1.0 200 OK\r\n")
	assert.Contains(t, head, "Content-Type: application/octet-stream\r\n")
	assert.Contains(t, head, "Content-Length: 1234\r\n")
	assert.Contains(t, head, "Connection: Close\r\n")
	assert.True(t, len(head) >= 4 && head[len(head)-4:] == "\r\n\r\n")
}

func TestMP3IntroHeadersCarryIcy(t *testing.T) {
	p := New(TypeMP3, "audio/mpeg")
	p.ApplySettings(Settings{Mount: "/live.mp3", StationName: "Test FM", Limit: 16000})
	head := string(p.IntroHeaders(HeaderInfo{Status: 200, ContentLength: -1}))
	assert.Contains(t, head, "icy-name: Test FM\r\n")
	assert.Contains(t, head, "icy-br: 128\r\n")
	assert.NotContains(t, head, "Content-Length")
}

func TestReadChunkWalksFile(t *testing.T) {
	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i)
	}
	f := writeTemp(t, "x.bin", data)
	p := New(TypeUndefined, "")

	chunk, next, err := p.ReadChunk(f, 0)
	require.NoError(t, err)
	assert.Equal(t, data[:4096], chunk)
	assert.Equal(t, int64(4096), next)

	chunk, next, err = p.ReadChunk(f, next)
	require.NoError(t, err)
	assert.Equal(t, data[4096:], chunk)
	assert.Equal(t, int64(5000), next)

	_, _, err = p.ReadChunk(f, next)
	assert.ErrorIs(t, err, io.EOF)
}
