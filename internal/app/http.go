package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"huddle/api/internal/auth"
	"huddle/api/internal/broadcast"
)

type eventSource interface {
	Subscribe(ctx context.Context, scopeID string) (*broadcast.Subscription, error)
}

type HTTPServer struct {
	service    *Service
	events     eventSource
	corsOrigin string
	upgrader   websocket.Upgrader
}

func NewHTTPServer(service *Service, events *broadcast.Broadcaster, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:    service,
		events:     events,
		corsOrigin: corsOrigin,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *HTTPServer) Handler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/api/session/login", s.handleLogin).Methods(http.MethodPost)
	router.HandleFunc("/api/session", s.handleSession).Methods(http.MethodGet)

	router.HandleFunc("/api/teams/{teamID}/snapshot", s.withSession(s.handleSnapshot)).Methods(http.MethodGet)
	router.HandleFunc("/api/teams/{teamID}/meetings/start", s.withSession(s.handleStartMeeting)).Methods(http.MethodPost)
	router.HandleFunc("/api/teams/{teamID}/meetings/{meetingID}/end", s.withSession(s.handleEndMeeting)).Methods(http.MethodPost)
	router.HandleFunc("/api/teams/{teamID}/stages/reorder", s.withSession(s.handleReorderStage)).Methods(http.MethodPost)
	router.HandleFunc("/api/teams/{teamID}/entities/{kind}/{id}", s.withSession(s.handleUpdateEntity)).Methods(http.MethodPatch)
	router.HandleFunc("/api/teams/{teamID}/events", s.handleEvents).Methods(http.MethodGet)

	router.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			writeJSON(w, http.StatusNoContent, map[string]any{})
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})

	return s.withMiddleware(router)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.Login(r.Context(), body.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "LOGIN_FAILED", "Login failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     session.Token,
		"userName":  session.UserName,
		"userId":    session.UserID,
		"expiresAt": session.ExpiresAt.Unix(),
	})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"userName":      session.UserName,
		"userId":        session.UserID,
	})
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, session Session)

func (s *HTTPServer) withSession(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		next(w, r, session)
	}
}

func (s *HTTPServer) handleSnapshot(w http.ResponseWriter, r *http.Request, session Session) {
	teamID := mux.Vars(r)["teamID"]
	snapshot, err := s.service.Snapshot(r.Context(), teamID, session.UserID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *HTTPServer) handleStartMeeting(w http.ResponseWriter, r *http.Request, session Session) {
	teamID := mux.Vars(r)["teamID"]
	var body struct {
		Kind          string `json:"kind"`
		CorrelationID string `json:"correlationId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	evt, err := s.service.StartMeeting(r.Context(), teamID, session.UserID, body.Kind, body.CorrelationID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event": evt})
}

func (s *HTTPServer) handleEndMeeting(w http.ResponseWriter, r *http.Request, session Session) {
	vars := mux.Vars(r)
	var body struct {
		CorrelationID string `json:"correlationId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	evt, err := s.service.EndMeeting(r.Context(), vars["teamID"], vars["meetingID"], session.UserID, body.CorrelationID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event": evt})
}

func (s *HTTPServer) handleReorderStage(w http.ResponseWriter, r *http.Request, session Session) {
	teamID := mux.Vars(r)["teamID"]
	var body struct {
		MeetingID     string   `json:"meetingId"`
		StageID       string   `json:"stageId"`
		SortKey       *float64 `json:"sortKey"`
		CorrelationID string   `json:"correlationId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.MeetingID == "" || body.StageID == "" || body.SortKey == nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "meetingId, stageId and sortKey are required", nil)
		return
	}
	evt, err := s.service.ReorderStage(r.Context(), teamID, session.UserID, body.MeetingID, body.StageID, *body.SortKey, body.CorrelationID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event": evt})
}

func (s *HTTPServer) handleUpdateEntity(w http.ResponseWriter, r *http.Request, session Session) {
	vars := mux.Vars(r)
	var body struct {
		Fields        map[string]any `json:"fields"`
		CorrelationID string         `json:"correlationId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	evt, err := s.service.UpdateEntity(r.Context(), vars["teamID"], session.UserID, vars["kind"], vars["id"], body.Fields, body.CorrelationID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event": evt})
}

// handleEvents upgrades to a websocket and relays the team's event stream.
// Browsers cannot set headers on websocket dials, so the token may arrive
// as a query parameter instead.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	teamID := mux.Vars(r)["teamID"]
	if err := s.service.AuthorizeView(r.Context(), teamID, session.UserID); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := s.events.Subscribe(ctx, teamID)
	if err != nil {
		log.Printf("subscribe %s: %v", teamID, err)
		return
	}
	defer sub.Close()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		if !websocket.IsWebSocketUpgrade(r) {
			setCORSHeaders(writer.Header(), s.corsOrigin)
			writer.Header().Set("X-Request-ID", requestID)
			next.ServeHTTP(writer, r)
		} else {
			// websocket upgrades need the raw ResponseWriter for hijacking
			next.ServeHTTP(w, r)
		}

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
