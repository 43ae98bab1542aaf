package web

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/denwilliams/go-stomp-console/pkg/console"
	"github.com/denwilliams/go-stomp-console/pkg/inbox"
	"github.com/denwilliams/go-stomp-console/pkg/script"
	"github.com/denwilliams/go-stomp-console/pkg/stomp"
	"github.com/denwilliams/go-stomp-console/pkg/transport"
)

// APIResponse is the envelope of every JSON response.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
}

type APIError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

const (
	defaultMessageLimit = 100
	maxMessageLimit     = 1000
)

// Helper functions
func writeAPIResponse(w http.ResponseWriter, data interface{}) {
	writeJSONResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

func writeAPIError(w http.ResponseWriter, status int, code, message string, details interface{}) {
	writeJSONResponse(w, status, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

func writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

// preflight answers CORS preflight requests. It reports whether the request
// was handled.
func preflight(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodOptions {
		return false
	}
	setCORSHeaders(w)
	w.WriteHeader(http.StatusOK)
	return true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

// decodeRequest decodes an optional JSON body into v.
func decodeRequest(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && err != io.EOF {
		writeAPIError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON in request body", err.Error())
		return false
	}
	return true
}

// writeConsoleError maps console and client errors onto API error codes.
func (s *Server) writeConsoleError(w http.ResponseWriter, err error) {
	var connectErr *transport.ConnectError
	var brokerErr *stomp.ErrorFrame

	switch {
	case errors.Is(err, stomp.ErrNotConnected):
		writeAPIError(w, http.StatusConflict, "NOT_CONNECTED", "Not connected to a broker", nil)
	case errors.Is(err, stomp.ErrSessionActive):
		writeAPIError(w, http.StatusConflict, "SESSION_ACTIVE", "Disconnect before switching broker", nil)
	case errors.Is(err, stomp.ErrInvalidDestination):
		writeAPIError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Destination is required", nil)
	case errors.Is(err, stomp.ErrSerialization):
		writeAPIError(w, http.StatusBadRequest, "SERIALIZATION_ERROR", "Bad message format", err.Error())
	case errors.Is(err, console.ErrInvalidScript):
		writeAPIError(w, http.StatusBadRequest, "INVALID_SCRIPT", "Script is not valid", err.Error())
	case errors.Is(err, stomp.ErrUnknownSubscription), errors.Is(err, script.ErrScriptNotFound):
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, console.ErrHistoryDisabled):
		writeAPIError(w, http.StatusNotFound, "HISTORY_DISABLED", "Message history is disabled", nil)
	case errors.Is(err, stomp.ErrNoBrokerURL):
		writeAPIError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Broker URL is required", nil)
	case errors.As(err, &connectErr):
		writeAPIError(w, http.StatusBadGateway, "CONNECT_FAILED", "Failed to connect to broker", err.Error())
	case errors.As(err, &brokerErr):
		writeAPIError(w, http.StatusBadGateway, "BROKER_ERROR", brokerErr.Message(), nil)
	case errors.Is(err, stomp.ErrConnectTimeout):
		writeAPIError(w, http.StatusGatewayTimeout, "CONNECT_TIMEOUT", "Timed out waiting for the broker", nil)
	default:
		s.logger.WithError(err).Error("Console request failed")
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), nil)
	}
}

func parseLimit(r *http.Request) int {
	limit := defaultMessageLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}
	return limit
}

// Subscriptions API
func (s *Server) handleAPISubscriptions(w http.ResponseWriter, r *http.Request) {
	if preflight(w, r) {
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeAPIResponse(w, s.console.Subscriptions())
	case http.MethodPost:
		s.handleAPISubscribe(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleAPISubscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.Destination == "" {
		req.Destination = s.config.Console.SubscribeDestination
	}

	id, err := s.console.Subscribe(req.Destination, req.Replace, req.Script)
	if err != nil {
		s.writeConsoleError(w, err)
		return
	}

	s.logger.Infof("Subscribed %s to %s", id, req.Destination)
	writeAPIResponse(w, SubscribeResponse{ID: id, Destination: req.Destination})
}

func (s *Server) handleAPISubscriptionByID(w http.ResponseWriter, r *http.Request) {
	if preflight(w, r) {
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/subscriptions/")
	if id == "" {
		writeAPIError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Subscription ID is required", nil)
		return
	}

	if err := s.console.Unsubscribe(id); err != nil {
		s.writeConsoleError(w, err)
		return
	}

	s.logger.Infof("Unsubscribed %s", id)
	writeAPIResponse(w, map[string]string{"id": id})
}

// Publish API
func (s *Server) handleAPIPublish(w http.ResponseWriter, r *http.Request) {
	if preflight(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req PublishRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.Destination == "" {
		req.Destination = s.config.Console.PublishDestination
	}

	if err := s.console.Publish(req.Destination, req.Body, req.Headers, req.Raw); err != nil {
		s.writeConsoleError(w, err)
		return
	}

	writeAPIResponse(w, PublishResponse{Destination: req.Destination, Bytes: len(req.Body)})
}

// Messages API
func (s *Server) handleAPIMessages(w http.ResponseWriter, r *http.Request) {
	if preflight(w, r) {
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeAPIResponse(w, MessageListResponse{
			Messages: s.console.Messages(parseLimit(r)),
			Total:    s.console.Status().MessageCount,
		})
	case http.MethodDelete:
		s.console.Clear()
		writeAPIResponse(w, MessageListResponse{Messages: []inbox.Entry{}, Total: 0})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleAPIDestinations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeAPIResponse(w, s.console.Destinations())
}

func (s *Server) handleAPIHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	destination := r.URL.Query().Get("destination")
	records, err := s.console.History(destination, parseLimit(r))
	if err != nil {
		s.writeConsoleError(w, err)
		return
	}

	writeAPIResponse(w, HistoryResponse{Destination: destination, Messages: records})
}
