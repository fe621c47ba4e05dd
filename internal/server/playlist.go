package server

import (
	"fmt"
	"strings"

	"github.com/topalex/icecast-kh/internal/fserve"
)

// Playlist synthesis: a request for <name>.m3u or <name>.xspf whose file is
// absent gets a generated playlist pointing at the stream URL for <name>.

func streamURL(host, path string) string {
	if host == "" {
		host = "localhost"
	}
	return "http://" + host + path
}

func (s *Server) sendM3U(l *fserve.Listener, path string) int {
	base := strings.TrimSuffix(path, ".m3u")
	body := streamURL(l.Host, base) + "\n"
	return s.engine.SendReply(l, 200, "audio/x-mpegurl", body)
}

func (s *Server) sendXSPF(l *fserve.Listener, path string) int {
	base := strings.TrimSuffix(path, ".xspf")
	body := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<playlist version="1" xmlns="http://xspf.org/ns/0/">
  <title>%s</title>
  <trackList>
    <track>
      <location>%s</location>
    </track>
  </trackList>
</playlist>
`, s.config.StationName, streamURL(l.Host, base))
	return s.engine.SendReply(l, 200, "application/xspf+xml", body)
}

// redirectMissing points a request for an absent file at the configured
// peer. Returns false when no peer is configured so the caller falls back
// to a 404.
func (s *Server) redirectMissing(path string, l *fserve.Listener) bool {
	peer := s.config.RedirectPeer
	if peer == "" {
		return false
	}
	s.engine.SendRedirect(l, strings.TrimSuffix(peer, "/")+path)
	return true
}
