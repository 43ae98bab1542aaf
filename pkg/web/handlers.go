package web

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamBuffer     = 64
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleStaticFiles serves the admin UI from the static directory.
// Falls back to index.html for SPA routing (any non-API route)
func (s *Server) handleStaticFiles(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api/") {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "Unknown API endpoint", nil)
		return
	}

	staticDir := s.config.Web.StaticDir
	requestPath := r.URL.Path
	if requestPath == "/" {
		requestPath = "/index.html"
	}

	filePath := filepath.Join(staticDir, filepath.FromSlash(filepath.Clean("/"+requestPath)))

	if info, err := os.Stat(filePath); err != nil || info.IsDir() {
		indexPath := filepath.Join(staticDir, "index.html")
		if _, indexErr := os.Stat(indexPath); indexErr != nil {
			s.logger.Debugf("Static files not found: %s (tried %s and %s)", requestPath, filePath, indexPath)
			http.NotFound(w, r)
			return
		}
		filePath = indexPath
	}

	http.ServeFile(w, r, filePath)
}

// handleStream pushes every new inbox entry to a WebSocket client as JSON.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("Stream upgrade failed")
		return
	}
	defer conn.Close()

	entries, stop := s.console.Watch(streamBuffer)
	defer stop()

	// The client never sends anything useful; reading only detects close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	s.logger.Debugf("Stream client connected from %s", r.RemoteAddr)
	for {
		select {
		case <-closed:
			s.logger.Debugf("Stream client %s went away", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(entry); err != nil {
				s.logger.WithError(err).Debug("Stream write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}
