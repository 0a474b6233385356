package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"taskline/internal/config"
	"taskline/internal/db"
	"taskline/internal/domain"
	"taskline/internal/engine"
	"taskline/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn, zerolog.Nop()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default(), nil, zerolog.Nop())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
			Logger:                 zerolog.Nop(),
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asActor(id string) map[string]string {
	return map[string]string{"X-Actor-Id": id}
}

func seedWorker(t *testing.T, e engine.Engine, id string, rating float64) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	err := e.Repo.UpsertWorker(context.Background(), domain.Worker{
		ID: id, Name: id, Rating: rating, Approved: true, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed worker: %v", err)
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	seedWorker(t, srv.Engine, "w1", 4.0)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"title":       "Translate landing page",
		"description": "EN to FR",
	}, asActor("owner-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var created TaskResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if created.Status != "open" || created.OwnerID != "owner-1" {
		t.Fatalf("unexpected created task: %+v", created)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+created.ID+"/claim", nil, asActor("w1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(data))
	}
	var claimed TaskResponse
	if err := json.Unmarshal(data, &claimed); err != nil {
		t.Fatal(err)
	}
	if claimed.Status != "assigned" || claimed.Deadline == nil {
		t.Fatalf("expected assigned task with deadline, got %+v", claimed)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+created.ID+"/submission", map[string]any{
		"content": "voila",
	}, asActor("w1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+created.ID+"/review", map[string]any{
		"decision": "approve",
	}, asActor("owner-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("review status %d: %s", res.StatusCode, string(data))
	}
	var review ReviewResponse
	if err := json.Unmarshal(data, &review); err != nil {
		t.Fatal(err)
	}
	if review.Outcome != "completed" || review.Task.Status != "completed" {
		t.Fatalf("unexpected review result: %+v", review)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?task_id="+created.ID, nil, asActor("owner-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var events []EventResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatal(err)
	}
	if len(events) < 4 {
		t.Fatalf("expected full event trail, got %d events", len(events))
	}
}

func TestErrorEnvelopes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	seedWorker(t, srv.Engine, "w1", 4.0)
	seedWorker(t, srv.Engine, "w2", 3.0)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{"title": "job"}, asActor("owner-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var task TaskResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatal(err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks/nope", nil, asActor("owner-1"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code != "not_found" {
		t.Fatalf("expected not_found envelope, got %s", string(data))
	}

	if _, err := srv.Engine.Claim(context.Background(), task.ID, "w1"); err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/claim", nil, asActor("w2"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on claimed task, got %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code != "task_unavailable" {
		t.Fatalf("expected task_unavailable envelope, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/submission", map[string]any{"content": "x"}, asActor("w2"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-assignee, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/review", map[string]any{"decision": "approve"}, asActor("owner-1"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on review before submission, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthModes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// no credentials
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}

	// health is open
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected health 200, got %d", res.StatusCode)
	}

	// valid bearer token
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "owner-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{"title": "jwt task"},
		map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 with bearer token, got %d: %s", res.StatusCode, string(data))
	}
	var task TaskResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatal(err)
	}
	if task.OwnerID != "owner-1" {
		t.Fatalf("expected owner from jwt subject, got %q", task.OwnerID)
	}

	// garbage token
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks", nil,
		map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
}

func TestWorkerEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v1/workers/w1", map[string]any{
		"name":     "Ada",
		"rating":   4.5,
		"skills":   []string{"fr", "en"},
		"approved": true,
	}, asActor("admin"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("upsert worker status %d: %s", res.StatusCode, string(data))
	}
	var w WorkerResponse
	if err := json.Unmarshal(data, &w); err != nil {
		t.Fatal(err)
	}
	if !w.Approved || w.Rating != 4.5 || len(w.Skills) != 2 {
		t.Fatalf("unexpected worker: %+v", w)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/workers", nil, asActor("admin"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list workers status %d: %s", res.StatusCode, string(data))
	}
	var workers []WorkerResponse
	if err := json.Unmarshal(data, &workers); err != nil {
		t.Fatal(err)
	}
	if len(workers) != 1 || workers[0].ID != "w1" {
		t.Fatalf("unexpected workers: %+v", workers)
	}

	// an unapproved worker is listed but never eligible
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/workers/w2", map[string]any{
		"name":   "Bea",
		"rating": 5.0,
	}, asActor("admin"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("upsert worker status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{"title": "t"}, asActor("owner-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var task TaskResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/workers?eligible_for="+task.ID, nil, asActor("admin"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list eligible status %d: %s", res.StatusCode, string(data))
	}
	var eligible []WorkerResponse
	if err := json.Unmarshal(data, &eligible); err != nil {
		t.Fatal(err)
	}
	if len(eligible) != 1 || eligible[0].ID != "w1" {
		t.Fatalf("expected only the approved worker to be eligible: %+v", eligible)
	}
}

func TestListTasksPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for i := 0; i < 3; i++ {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{"title": "t"}, asActor("owner-1"))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create %d: %d %s", i, res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks?limit=2", nil, asActor("owner-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedTasks
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected 2 items and a cursor, got %+v", page)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks?limit=2&cursor="+url.QueryEscape(page.NextCursor), nil, asActor("owner-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second page status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 1 || page.NextCursor != "" {
		t.Fatalf("expected final page with 1 item, got %+v", page)
	}
}
