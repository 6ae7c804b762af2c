package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tandem/api/internal/auth"
	"tandem/api/internal/metrics"
	"tandem/api/internal/realtime"
)

// HTTPOptions wires the realtime and monitoring collaborators into the HTTP
// surface. Nil collaborators disable their endpoints.
type HTTPOptions struct {
	Registry    *realtime.Registry
	Broadcaster *realtime.Broadcaster
	Metrics     *metrics.Metrics
	CORSOrigin  string
	Conn        realtime.ConnConfig
	Logger      logrus.FieldLogger
}

type HTTPServer struct {
	service     *Service
	registry    *realtime.Registry
	broadcaster *realtime.Broadcaster
	metrics     *metrics.Metrics
	corsOrigin  string
	connCfg     realtime.ConnConfig
	upgrader    websocket.Upgrader
	log         logrus.FieldLogger
}

func NewHTTPServer(service *Service, opts HTTPOptions) *HTTPServer {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &HTTPServer{
		service:     service,
		registry:    opts.Registry,
		broadcaster: opts.Broadcaster,
		metrics:     opts.Metrics,
		corsOrigin:  opts.CORSOrigin,
		connCfg:     opts.Conn,
		log:         logger.WithField("component", "http"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
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
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" && s.metrics != nil {
		s.metrics.Handler().ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/ws" {
		s.handleSocket(w, r)
		return
	}

	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "boards":
		s.handleBoards(w, r, actor, parts)
		return
	case "lists":
		s.handleLists(w, r, actor, parts)
		return
	case "cards":
		s.handleCards(w, r, actor, parts)
		return
	case "workspaces":
		s.handleWorkspaces(w, r, actor, parts)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleBoards(w http.ResponseWriter, r *http.Request, actor Actor, parts []string) {
	if len(parts) == 2 && r.Method == http.MethodPost {
		var body struct {
			WorkspaceID string `json:"workspaceId"`
			Title       string `json:"title"`
			Background  string `json:"background"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		board, err := s.service.CreateBoard(r.Context(), actor, body.WorkspaceID, body.Title, body.Background)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, board)
		return
	}

	if len(parts) == 2 && r.Method == http.MethodGet {
		workspaceID := strings.TrimSpace(r.URL.Query().Get("workspaceId"))
		if workspaceID == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "workspaceId is required", nil)
			return
		}
		boards, err := s.service.ListBoards(r.Context(), actor, workspaceID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"boards": boards})
		return
	}

	if len(parts) == 3 && r.Method == http.MethodGet {
		view, err := s.service.GetBoard(r.Context(), actor, parts[2])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}

	if len(parts) == 3 && r.Method == http.MethodDelete {
		if err := s.service.DeleteBoard(r.Context(), actor, parts[2]); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(parts) == 4 && parts[3] == "search" && r.Method == http.MethodGet {
		limit, offset, ok := pageParams(w, r)
		if !ok {
			return
		}
		payload, err := s.service.SearchCards(r.Context(), actor, parts[2], r.URL.Query().Get("q"), limit, offset)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleLists(w http.ResponseWriter, r *http.Request, actor Actor, parts []string) {
	if len(parts) == 2 && r.Method == http.MethodPost {
		var body struct {
			BoardID string `json:"boardId"`
			Title   string `json:"title"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		list, err := s.service.CreateList(r.Context(), actor, body.BoardID, body.Title)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, list)
		return
	}

	if len(parts) == 3 && r.Method == http.MethodPut {
		var body struct {
			Title string `json:"title"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		list, err := s.service.RenameList(r.Context(), actor, parts[2], body.Title)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
		return
	}

	if len(parts) == 3 && r.Method == http.MethodDelete {
		if err := s.service.DeleteList(r.Context(), actor, parts[2]); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(parts) == 4 && parts[3] == "move" && r.Method == http.MethodPost {
		var body struct {
			Index *int `json:"index"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Index == nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "index is required", nil)
			return
		}
		list, err := s.service.MoveList(r.Context(), actor, parts[2], *body.Index)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleCards(w http.ResponseWriter, r *http.Request, actor Actor, parts []string) {
	if len(parts) == 2 && r.Method == http.MethodPost {
		var body struct {
			ListID      string `json:"listId"`
			Title       string `json:"title"`
			Description string `json:"description"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		card, err := s.service.CreateCard(r.Context(), actor, body.ListID, body.Title, body.Description)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, card)
		return
	}

	if len(parts) == 3 && r.Method == http.MethodPut {
		var patch CardPatch
		if err := decodeBody(r, &patch); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		card, err := s.service.UpdateCard(r.Context(), actor, parts[2], patch)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, card)
		return
	}

	if len(parts) == 3 && r.Method == http.MethodDelete {
		if err := s.service.DeleteCard(r.Context(), actor, parts[2]); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(parts) == 4 && parts[3] == "move" && r.Method == http.MethodPost {
		var body struct {
			ListID string `json:"listId"`
			Index  *int   `json:"index"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Index == nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "index is required", nil)
			return
		}
		card, err := s.service.MoveCard(r.Context(), actor, parts[2], body.ListID, *body.Index)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, card)
		return
	}

	if len(parts) == 4 && parts[3] == "comments" && r.Method == http.MethodGet {
		comments, err := s.service.ListComments(r.Context(), actor, parts[2])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"comments": comments})
		return
	}

	if len(parts) == 4 && parts[3] == "comments" && r.Method == http.MethodPost {
		var body struct {
			Text string `json:"text"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		comment, err := s.service.AddComment(r.Context(), actor, parts[2], body.Text)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, comment)
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleWorkspaces(w http.ResponseWriter, r *http.Request, actor Actor, parts []string) {
	if len(parts) == 4 && parts[3] == "invite" && r.Method == http.MethodPost {
		var body struct {
			UserID string `json:"userId"`
			Role   string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		member, err := s.service.InviteMember(r.Context(), actor, parts[2], body.UserID, body.Role)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, member)
		return
	}

	if len(parts) == 4 && parts[3] == "logs" && r.Method == http.MethodGet {
		limit, _, ok := pageParams(w, r)
		if !ok {
			return
		}
		entries, err := s.service.ActivityLog(r.Context(), actor, parts[2], limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"logs": entries})
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

// requireActor authenticates the bearer token. X-Connection-ID, when sent,
// names the caller's own socket.
func (s *HTTPServer) requireActor(w http.ResponseWriter, r *http.Request) (Actor, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Actor{}, false
	}
	user, err := s.service.Authenticate(r.Context(), token)
	if err != nil {
		s.fail(w, r, err)
		return Actor{}, false
	}
	return Actor{
		UserID:       user.ID,
		ConnectionID: strings.TrimSpace(r.Header.Get("X-Connection-ID")),
	}, true
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithFields(logrus.Fields{
			"request_id": requestID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
		}).Error("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) checkOrigin(r *http.Request) bool {
	if s.corsOrigin == "" || s.corsOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || origin == s.corsOrigin
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		next.ServeHTTP(writer, r)

		s.log.WithFields(logrus.Fields{
			"request_id":  id,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      writer.status,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("request")
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack hands the connection to the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Connection-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
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

func pageParams(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	query := r.URL.Query()
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return 0, 0, false
		}
		limit = parsed
	}
	if raw := strings.TrimSpace(query.Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
			return 0, 0, false
		}
		offset = parsed
	}
	return limit, offset, true
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
