package format

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dhowden/tag"
)

// Info is the result of probing a file for its framing layout.
type Info struct {
	Type       Type
	FrameStart int64 // byte offset of the first audio frame after container headers
	Bitrate    int   // nominal bits per second, 0 when unknown
}

// ErrUnknownFormat is returned when no recognizable frames were found.
var ErrUnknownFormat = errors.New("unrecognized audio format")

// mpeg1Layer3Bitrates maps the MPEG-1 Layer III bitrate index to kbit/s.
var mpeg1Layer3Bitrates = [16]int{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0}

// Probe inspects the opened file and reports the format type, the offset of
// the first frame past any container headers, and the nominal bitrate when it
// can be derived. The file position is left undefined afterwards; all engine
// reads are positional.
func Probe(f *os.File, desc string) (Info, error) {
	info := Info{Type: TypeUndefined}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return info, fmt.Errorf("probe %s: %w", desc, err)
	}
	// Identify errors for untagged files; the magic checks below still run.
	if _, fileType, err := tag.Identify(f); err == nil {
		switch fileType {
		case tag.MP3:
			info.Type = TypeMP3
		case tag.OGG:
			info.Type = TypeOgg
		}
	}

	hdr := make([]byte, 10)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		return info, fmt.Errorf("probe %s: %w", desc, err)
	}

	switch {
	case hdr[0] == 'I' && hdr[1] == 'D' && hdr[2] == '3':
		// ID3v2: 10 byte header plus a synchsafe body size, optional footer.
		size := int64(hdr[6]&0x7f)<<21 | int64(hdr[7]&0x7f)<<14 |
			int64(hdr[8]&0x7f)<<7 | int64(hdr[9]&0x7f)
		info.FrameStart = 10 + size
		if hdr[5]&0x10 != 0 {
			info.FrameStart += 10
		}
		if info.Type == TypeUndefined {
			info.Type = TypeMP3
		}
	case hdr[0] == 'O' && hdr[1] == 'g' && hdr[2] == 'g' && hdr[3] == 'S':
		info.Type = TypeOgg
		return info, nil
	}

	if info.Type == TypeMP3 || info.Type == TypeUndefined {
		br, off, err := findMP3Frame(f, info.FrameStart)
		if err != nil {
			return info, err
		}
		info.Type = TypeMP3
		info.FrameStart = off
		info.Bitrate = br
	}
	return info, nil
}

// findMP3Frame scans forward from offset for an MPEG audio sync word and
// returns the nominal bitrate with the frame offset. The scan is bounded so a
// mislabelled file fails quickly.
func findMP3Frame(r io.ReaderAt, offset int64) (bitrate int, frameOff int64, err error) {
	buf := make([]byte, 8192)
	n, rerr := r.ReadAt(buf, offset)
	if n < 4 {
		if rerr != nil && rerr != io.EOF {
			return 0, offset, rerr
		}
		return 0, offset, ErrUnknownFormat
	}
	buf = buf[:n]
	for i := 0; i+4 <= len(buf); i++ {
		if buf[i] != 0xff || buf[i+1]&0xe0 != 0xe0 {
			continue
		}
		version := buf[i+1] >> 3 & 0x03
		layer := buf[i+1] >> 1 & 0x03
		brIndex := buf[i+2] >> 4
		if version == 0x01 || layer == 0x00 || brIndex == 0 || brIndex == 15 {
			continue
		}
		// Only MPEG-1 Layer III carries a table here; other variants still
		// count as a valid frame with an unknown rate.
		if version == 0x03 && layer == 0x01 {
			bitrate = mpeg1Layer3Bitrates[brIndex] * 1000
		}
		return bitrate, offset + int64(i), nil
	}
	return 0, offset, ErrUnknownFormat
}
