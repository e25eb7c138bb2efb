package server

import (
	"io"
	"net/http"
	"strings"

	"medicare/pkg/reconcile"
)

func (s *Server) parseUpload(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return false
	}
	return true
}

// POST /api/patients/{id}/scans
func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request, patientID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowScan(w, r) || !s.parseUpload(w, r) {
		return
	}
	photo, _, err := readUpload(r, "file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	sess, err := s.app.StartScan(r.Context(), patientID, photo)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// /api/scans/{sid}[/bags|/commit|/entries/{eid}]
func (s *Server) handleScanByID(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/scans/")
	if len(parts) == 0 {
		notFound(w, "not found")
		return
	}
	sid := parts[0]
	switch {
	case len(parts) == 1:
		s.handleScanSession(w, r, sid)
	case len(parts) == 2 && parts[1] == "bags":
		s.handleBagScans(w, r, sid)
	case len(parts) == 2 && parts[1] == "commit":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		reminders, err := s.app.CommitSession(r.Context(), sid)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": reminders, "count": len(reminders)})
	case len(parts) == 3 && parts[1] == "entries":
		s.handleScanEntry(w, r, sid, parts[2])
	default:
		notFound(w, "not found")
	}
}

func (s *Server) handleScanSession(w http.ResponseWriter, r *http.Request, sid string) {
	switch r.Method {
	case http.MethodGet:
		sess, err := s.app.GetSession(r.Context(), sid)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	case http.MethodDelete:
		if err := s.app.DiscardSession(r.Context(), sid); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "discarded"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleBagScans(w http.ResponseWriter, r *http.Request, sid string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowScan(w, r) || !s.parseUpload(w, r) {
		return
	}
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "at least one file is required (field: files)")
		return
	}
	photos := make([][]byte, 0, len(headers))
	for _, h := range headers {
		f, err := h.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid form data")
			return
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid form data")
			return
		}
		photos = append(photos, data)
	}
	sess, report, err := s.app.ScanBags(r.Context(), sid, photos)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess, "report": report})
}

func (s *Server) handleScanEntry(w http.ResponseWriter, r *http.Request, sid, eid string) {
	var (
		sess *reconcile.Session
		err  error
	)
	switch r.Method {
	case http.MethodPatch:
		var patch reconcile.EntryPatch
		if derr := decodeJSON(r, &patch); derr != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		sess, err = s.app.EditEntry(r.Context(), sid, eid, patch)
	case http.MethodDelete:
		sess, err = s.app.RemoveEntry(r.Context(), sid, eid)
	default:
		methodNotAllowed(w)
		return
	}
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// POST /api/media
func (s *Server) handleMediaUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.parseUpload(w, r) {
		return
	}
	data, filename, err := readUpload(r, "file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	url, err := s.app.UploadMedia(r.Context(), filename, data)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"url": url})
}

// GET /media/{key...}
func (s *Server) handleMediaFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/media/")
	m, err := s.app.OpenMedia(r.Context(), key)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if m.RedirectURL != "" {
		http.Redirect(w, r, m.RedirectURL, http.StatusFound)
		return
	}
	defer m.Body.Close()
	w.Header().Set("Content-Type", m.ContentType)
	w.Header().Set("Cache-Control", "private, max-age=86400")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = io.Copy(w, m.Body)
	}
}

func (s *Server) handleActiveNotification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	ev, ok := s.app.ActiveNotification()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active": true,
		"event":  ev,
		"items":  ev.Reminder.Items(),
	})
}

func (s *Server) handleDismissNotification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"dismissed": s.app.DismissNotification()})
}
