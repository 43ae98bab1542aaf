package web

import (
	"net/http"

	"github.com/pkg/errors"

	"github.com/denwilliams/go-stomp-console/pkg/console"
)

// Script API handlers

func (s *Server) handleAPIScripts(w http.ResponseWriter, r *http.Request) {
	if preflight(w, r) {
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleAPIScriptsList(w, r)
	case http.MethodPut, http.MethodPost:
		s.handleAPIScriptsSet(w, r)
	case http.MethodDelete:
		s.handleAPIScriptsDelete(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleAPIScriptsList(w http.ResponseWriter, r *http.Request) {
	scripts := s.console.Scripts().List()
	list := make([]ScriptSummary, 0, len(scripts))
	for _, sc := range scripts {
		list = append(list, ScriptSummary{
			Destination: sc.Destination,
			Code:        sc.Code,
			UpdatedAt:   sc.UpdatedAt,
		})
	}
	writeAPIResponse(w, list)
}

func (s *Server) handleAPIScriptsSet(w http.ResponseWriter, r *http.Request) {
	var req ScriptRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.Destination == "" {
		writeAPIError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Destination is required", nil)
		return
	}
	if req.Code == "" {
		writeAPIError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Script code is required", nil)
		return
	}

	if err := s.console.Scripts().Set(req.Destination, req.Code); err != nil {
		s.writeConsoleError(w, errors.Wrap(console.ErrInvalidScript, err.Error()))
		return
	}

	sc, _ := s.console.Scripts().Get(req.Destination)
	writeAPIResponse(w, ScriptSummary{Destination: sc.Destination, Code: sc.Code, UpdatedAt: sc.UpdatedAt})
}

func (s *Server) handleAPIScriptsDelete(w http.ResponseWriter, r *http.Request) {
	destination := r.URL.Query().Get("destination")
	if destination == "" {
		writeAPIError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Destination is required", nil)
		return
	}

	if err := s.console.Scripts().Remove(destination); err != nil {
		s.writeConsoleError(w, err)
		return
	}

	writeAPIResponse(w, map[string]string{"destination": destination})
}
