package web

import (
	"net/http"
	"runtime"
	"time"
)

// Connection and system API handlers

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeAPIResponse(w, s.console.Status())
}

func (s *Server) handleAPIConnect(w http.ResponseWriter, r *http.Request) {
	if preflight(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req ConnectRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	if err := s.console.Connect(req.URL); err != nil {
		s.writeConsoleError(w, err)
		return
	}

	writeAPIResponse(w, s.console.Status())
}

func (s *Server) handleAPIDisconnect(w http.ResponseWriter, r *http.Request) {
	if preflight(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	if err := s.console.Disconnect(); err != nil {
		s.writeConsoleError(w, err)
		return
	}

	writeAPIResponse(w, s.console.Status())
}

func (s *Server) handleAPISystemInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	writeAPIResponse(w, SystemInfoResponse{
		Version:      s.version,
		Uptime:       time.Since(s.startedAt).Round(time.Second).String(),
		GoVersion:    runtime.Version(),
		DatabaseType: s.config.Database.Type,
		Mirror:       s.config.Mirror.Enabled,
	})
}
