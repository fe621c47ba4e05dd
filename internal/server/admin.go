package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/topalex/icecast-kh/internal/format"
	"github.com/topalex/icecast-kh/internal/fserve"
)

func writeXML(w http.ResponseWriter, status int, doc []byte) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(status)
	w.Write(doc)
}

// adminKillClient terminates one listener by id: /admin/killclient?mount=&id=
func (s *Server) adminKillClient(w http.ResponseWriter, r *http.Request) {
	mount := r.URL.Query().Get("mount")
	if mount == "" {
		s.writeError(w, http.StatusBadRequest, "missing parameter mount")
		return
	}
	idText := r.URL.Query().Get("id")
	if idText == "" {
		s.writeError(w, http.StatusBadRequest, "missing parameter id")
		return
	}
	id, err := strconv.ParseUint(idText, 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "unable to handle id")
		return
	}
	slog.Info("admin kill client", "mount", mount, "id", id, "remote", r.RemoteAddr)
	writeXML(w, http.StatusOK, s.engine.KillClientXML(mount, id))
}

// adminListClients renders the listener set of a mount.
func (s *Server) adminListClients(w http.ResponseWriter, r *http.Request) {
	mount := r.URL.Query().Get("mount")
	if mount == "" {
		s.writeError(w, http.StatusBadRequest, "missing parameter mount")
		return
	}
	doc := s.engine.ListClientsXML(mount, true)
	if doc == nil {
		s.writeError(w, http.StatusBadRequest, "mount does not exist")
		return
	}
	writeXML(w, http.StatusOK, doc)
}

// adminMoveClients installs an override so every listener of mount migrates
// to the destination: /admin/moveclients?mount=&dest=
func (s *Server) adminMoveClients(w http.ResponseWriter, r *http.Request) {
	mount := r.URL.Query().Get("mount")
	dest := r.URL.Query().Get("dest")
	if mount == "" || dest == "" {
		s.writeError(w, http.StatusBadRequest, "missing parameter mount or dest")
		return
	}
	ftype := format.TypeForContentType(r.URL.Query().Get("type"))

	if !s.engine.SetOverride(mount, dest, ftype) {
		s.writeError(w, http.StatusBadRequest, "mount does not exist")
		return
	}
	slog.Info("admin move clients", "mount", mount, "dest", dest, "remote", r.RemoteAddr)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"message": fmt.Sprintf("moving clients from %s to %s", mount, dest),
	})
}

// adminQueryCount reports the attached listener count for a binding.
func (s *Server) adminQueryCount(w http.ResponseWriter, r *http.Request) {
	mount := r.URL.Query().Get("mount")
	if mount == "" {
		s.writeError(w, http.StatusBadRequest, "missing parameter mount")
		return
	}
	fb := fserve.FileBinding{Mount: mount}
	if r.URL.Query().Get("fallback") == "1" {
		fb.Flags = fserve.FlagFallback
		if m := s.config.FindMount(mount); m != nil {
			fb.Limit = m.FallbackBitrate
		}
	}
	count := s.engine.QueryCount(fb)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"mount":     mount,
		"listeners": count,
	})
}

// adminReloadMime rebuilds the MIME registry from the configured file.
func (s *Server) adminReloadMime(w http.ResponseWriter, r *http.Request) {
	s.engine.ReloadMimeTypes()
	slog.Info("mime types reloaded", "remote", r.RemoteAddr)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// adminStats dumps the live stats handles.
func (s *Server) adminStats(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]map[string]int64)
	for _, name := range s.stats.Names() {
		if snap := s.stats.Snapshot(name); snap != nil {
			out[name] = snap
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"sources": out,
	})
}
