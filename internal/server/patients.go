package server

import (
	"errors"
	"io"
	"net/http"

	"medicare/internal/app"
	"medicare/internal/util"
	"medicare/pkg/domain"
	"medicare/pkg/notify"
	"medicare/pkg/store"
)

type patientRequest struct {
	Name       *string `json:"name"`
	LineUserID *string `json:"lineUserId"`
}

func (s *Server) handlePatients(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		patients, err := s.app.ListPatients(r.Context())
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": patients, "count": len(patients)})
	case http.MethodPost:
		var req patientRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		var name, lineUserID string
		if req.Name != nil {
			name = *req.Name
		}
		if req.LineUserID != nil {
			lineUserID = *req.LineUserID
		}
		p, err := s.app.AddPatient(r.Context(), name, lineUserID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, p)
	default:
		methodNotAllowed(w)
	}
}

// /api/patients/{id}[/reminders[/{rid}]|/export|/import|/share-code|/push|/scans]
func (s *Server) handlePatientByID(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/patients/")
	if len(parts) == 0 {
		notFound(w, "not found")
		return
	}
	id := parts[0]
	if len(parts) == 1 {
		s.handlePatient(w, r, id)
		return
	}
	switch {
	case parts[1] == "reminders" && len(parts) == 2:
		s.handleReminders(w, r, id)
	case parts[1] == "reminders" && len(parts) == 3:
		if r.Method != http.MethodDelete {
			methodNotAllowed(w)
			return
		}
		if err := s.app.DeleteReminder(r.Context(), id, parts[2]); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	case parts[1] == "export" && len(parts) == 2:
		s.handleExport(w, r, id)
	case parts[1] == "import" && len(parts) == 2:
		s.handleImport(w, r, id)
	case parts[1] == "share-code" && len(parts) == 2:
		s.handleShareCode(w, r, id)
	case parts[1] == "push" && len(parts) == 2:
		s.handlePush(w, r, id)
	case parts[1] == "scans" && len(parts) == 2:
		s.handleStartScan(w, r, id)
	default:
		notFound(w, "not found")
	}
}

func (s *Server) handlePatient(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		p, err := s.app.ResolvePatient(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	case http.MethodPatch:
		var req patientRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		p, err := s.app.UpdatePatient(r.Context(), id, store.PatientPatch{Name: req.Name, LineUserID: req.LineUserID})
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	case http.MethodDelete:
		if err := s.app.DeletePatient(r.Context(), id); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleCurrentPatient(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPut:
		var req struct {
			ID string `json:"id"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := s.app.SelectPatient(r.Context(), req.ID); err != nil {
			writeAppError(w, r, err)
			return
		}
	default:
		methodNotAllowed(w)
		return
	}
	p, ok, err := s.app.CurrentPatient(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	var payload *domain.Patient
	if ok {
		payload = &p
	}
	writeJSON(w, http.StatusOK, map[string]any{"patient": payload})
}

func (s *Server) handleReminders(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.app.ListReminders(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": list, "count": len(list)})
	case http.MethodPost:
		var rem domain.Reminder
		if err := decodeJSON(r, &rem); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		saved, err := s.app.SaveReminder(r.Context(), id, rem)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	data, err := s.app.Export(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="medicare-reminders.json"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	text, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "import file too large")
		return
	}
	list, err := s.app.Import(r.Context(), id, text)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list, "count": len(list)})
}

func (s *Server) handleShareCode(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		code, link, err := s.app.ShareCode(r.Context(), id, s.importBase(r))
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"code": code, "link": link})
	case http.MethodPost:
		var req struct {
			Code string `json:"code"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		list, err := s.app.ImportShareCode(r.Context(), id, req.Code)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": list, "count": len(list)})
	default:
		methodNotAllowed(w)
	}
}

// importBase is where magic links point: this server's /import.
func (s *Server) importBase(r *http.Request) string {
	if s.publicBaseURL != "" {
		return s.publicBaseURL + "/import"
	}
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host + "/import"
}

// handleMagicImport imports a share code into the current patient and sends
// the browser home without the token.
func (s *Server) handleMagicImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	code := r.URL.Query().Get("import")
	if code == "" {
		writeError(w, http.StatusBadRequest, "import parameter is required")
		return
	}
	if _, err := s.app.ImportShareCode(r.Context(), app.CurrentPatient, code); err != nil {
		writeAppError(w, r, err)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	n, err := s.app.Push(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"status": "sent", "count": n})
	case errors.Is(err, store.ErrNoPatient), errors.Is(err, app.ErrPatientNotFound), errors.Is(err, notify.ErrNoLineUser):
		writeAppError(w, r, err)
	default:
		util.LoggerFromContext(r.Context()).Warn("line push failed", "err", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{
			Error:     "could not reach LINE; try again",
			Retryable: true,
			RequestID: w.Header().Get(util.RequestIDHeader),
		})
	}
}
