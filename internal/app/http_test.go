package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tandem/api/internal/auth"
	"tandem/api/internal/realtime"
	"tandem/api/internal/store"
)

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), userID, "", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (f *fixture) server() *HTTPServer {
	return NewHTTPServer(f.svc, HTTPOptions{
		Registry:    f.registry,
		Broadcaster: f.broadcaster,
		Metrics:     f.metrics,
		CORSOrigin:  "*",
	})
}

func serve(t *testing.T, h http.Handler, method, path, token string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	rr := serve(t, f.server().Handler(), http.MethodGet, "/api/health", "", nil, nil)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	var response map[string]any
	decodeResponse(t, rr, &response)
	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("expected CORS origin=*, got %v", origin)
	}
	if allowed := rr.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(allowed, "X-Connection-ID") {
		t.Errorf("expected X-Connection-ID to be allowed, got %v", allowed)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id")
	}
}

func TestHealthEndpoint_OptionsRequest(t *testing.T) {
	f := newFixture(t)
	rr := serve(t, f.server().Handler(), http.MethodOptions, "/api/cards", "", nil, nil)
	if rr.Code != http.StatusNoContent {
		t.Errorf("expected status 204 for OPTIONS, got %d", rr.Code)
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		pingErr    error
		wantStatus int
		wantState  string
		wantDB     string
	}{
		{name: "healthy database", wantStatus: http.StatusOK, wantState: "ready", wantDB: "ok"},
		{name: "database down", pingErr: errors.New("connection refused"), wantStatus: http.StatusServiceUnavailable, wantState: "not_ready", wantDB: "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.store.pingFn = func(context.Context) error { return tt.pingErr }
			rr := serve(t, f.server().Handler(), http.MethodGet, "/api/ready", "", nil, nil)

			if rr.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}
			var response struct {
				OK     bool   `json:"ok"`
				Status string `json:"status"`
				Checks struct {
					Database struct {
						Status string `json:"status"`
						Error  string `json:"error"`
					} `json:"database"`
				} `json:"checks"`
			}
			decodeResponse(t, rr, &response)
			if response.Status != tt.wantState || response.OK != (tt.pingErr == nil) {
				t.Fatalf("unexpected readiness %+v", response)
			}
			if response.Checks.Database.Status != tt.wantDB {
				t.Fatalf("expected database status %s, got %+v", tt.wantDB, response.Checks.Database)
			}
			if tt.pingErr != nil && response.Checks.Database.Error != tt.pingErr.Error() {
				t.Fatalf("expected error %q, got %q", tt.pingErr.Error(), response.Checks.Database.Error)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	rr := serve(t, f.server().Handler(), http.MethodGet, "/metrics", "", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "tandem_socket_connections") {
		t.Fatalf("expected tandem collectors in output")
	}
}

func TestRequestsRequireBearerToken(t *testing.T) {
	f := newFixture(t)
	h := f.server().Handler()

	rr := serve(t, h, http.MethodGet, "/api/boards?workspaceId="+testWorkspace, "", nil, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	rr = serve(t, h, http.MethodGet, "/api/boards?workspaceId="+testWorkspace, "not-a-token", nil, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rr.Code)
	}
	rr = serve(t, h, http.MethodGet, "/api/boards?workspaceId="+testWorkspace, tokenFor(t, "u_ghost"), nil, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown user, got %d", rr.Code)
	}
}

func TestBoardAndCardRoutes(t *testing.T) {
	f := newFixture(t)
	h := f.server().Handler()
	adminToken := tokenFor(t, "u_admin")
	memberToken := tokenFor(t, "u_member")

	rr := serve(t, h, http.MethodPost, "/api/boards", adminToken, map[string]string{"workspaceId": testWorkspace, "title": "Launch"}, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create board: %d %s", rr.Code, rr.Body.String())
	}
	var board store.Board
	decodeResponse(t, rr, &board)

	rr = serve(t, h, http.MethodPost, "/api/lists", memberToken, map[string]string{"boardId": board.ID, "title": "Todo"}, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create list: %d %s", rr.Code, rr.Body.String())
	}
	var list store.List
	decodeResponse(t, rr, &list)

	rr = serve(t, h, http.MethodPost, "/api/cards", memberToken, map[string]string{"listId": list.ID, "title": "X"}, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create card: %d %s", rr.Code, rr.Body.String())
	}
	var card store.Card
	decodeResponse(t, rr, &card)
	if card.Order != 1024 {
		t.Fatalf("expected first key 1024, got %v", card.Order)
	}

	rr = serve(t, h, http.MethodPost, "/api/cards", memberToken, `{"listId":`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rr.Code)
	}
	var failure map[string]any
	decodeResponse(t, rr, &failure)
	if failure["code"] != "INVALID_BODY" {
		t.Fatalf("unexpected error body %v", failure)
	}

	rr = serve(t, h, http.MethodPost, "/api/cards/"+card.ID+"/move", memberToken, map[string]string{"listId": list.ID}, nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 without index, got %d", rr.Code)
	}

	rr = serve(t, h, http.MethodPut, "/api/cards/"+card.ID, memberToken, map[string]string{"title": "Y"}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("update card: %d %s", rr.Code, rr.Body.String())
	}

	rr = serve(t, h, http.MethodPost, "/api/cards/"+card.ID+"/comments", memberToken, map[string]string{"text": "hi"}, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("add comment: %d %s", rr.Code, rr.Body.String())
	}
	rr = serve(t, h, http.MethodGet, "/api/cards/"+card.ID+"/comments", memberToken, nil, nil)
	var comments struct {
		Comments []store.Comment `json:"comments"`
	}
	decodeResponse(t, rr, &comments)
	if len(comments.Comments) != 1 {
		t.Fatalf("expected one comment, got %+v", comments)
	}

	rr = serve(t, h, http.MethodDelete, "/api/lists/"+list.ID, memberToken, nil, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for member delete, got %d", rr.Code)
	}

	rr = serve(t, h, http.MethodGet, "/api/boards/"+board.ID, memberToken, nil, nil)
	var view store.BoardView
	decodeResponse(t, rr, &view)
	if len(view.Lists) != 1 || len(view.Lists[0].Cards) != 1 || view.Lists[0].Cards[0].Title != "Y" {
		t.Fatalf("unexpected board view %+v", view)
	}

	rr = serve(t, h, http.MethodGet, "/api/workspaces/"+testWorkspace+"/logs?limit=2", memberToken, nil, nil)
	var logs struct {
		Logs []store.ActivityLogEntry `json:"logs"`
	}
	decodeResponse(t, rr, &logs)
	if len(logs.Logs) != 2 || logs.Logs[0].Action != "COMMENTED" || logs.Logs[1].Action != "RENAMED" {
		t.Fatalf("unexpected logs %+v", logs.Logs)
	}

	rr = serve(t, h, http.MethodGet, "/api/boards/"+board.ID+"/search?q=x&limit=abc", memberToken, nil, nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for bad limit, got %d", rr.Code)
	}

	rr = serve(t, h, http.MethodPost, "/api/workspaces/"+testWorkspace+"/invite", adminToken, map[string]string{"userId": "u_outsider", "role": "member"}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("invite: %d %s", rr.Code, rr.Body.String())
	}

	rr = serve(t, h, http.MethodDelete, "/api/boards/"+board.ID, adminToken, nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete board: %d %s", rr.Code, rr.Body.String())
	}
	rr = serve(t, h, http.MethodGet, "/api/boards/"+board.ID, adminToken, nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rr.Code)
	}
}

func TestConnectionHeaderExcludesOriginator(t *testing.T) {
	f := newFixture(t)
	board := f.board(t, "Launch")
	h := f.server().Handler()
	self := f.subscribe("conn_self", realtime.BoardRoom(board.ID))
	peer := f.subscribe("conn_peer", realtime.BoardRoom(board.ID))

	rr := serve(t, h, http.MethodPost, "/api/lists", tokenFor(t, "u_member"),
		map[string]string{"boardId": board.ID, "title": "Todo"},
		map[string]string{"X-Connection-ID": self.ID()})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create list: %d %s", rr.Code, rr.Body.String())
	}
	if self.count(EventListAdded) != 0 {
		t.Fatal("originator should not receive its own list_added")
	}
	if peer.count(EventListAdded) != 1 {
		t.Fatal("peer should receive list_added")
	}
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t)
	rr := serve(t, f.server().Handler(), http.MethodGet, "/api/nope", tokenFor(t, "u_member"), nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	rr = serve(t, f.server().Handler(), http.MethodPatch, "/api/cards/crd_1", tokenFor(t, "u_member"), nil, nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}
