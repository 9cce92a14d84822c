package labelstudio

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(ClientOptions{
		BaseURL:      srv.URL + "/",
		AccessToken:  "secret-token",
		RetryMax:     2,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}
	return c
}

func TestNewClient_InvalidURL(t *testing.T) {
	for _, u := range []string{"", "localhost:8080", "://bad"} {
		if _, err := NewClient(ClientOptions{BaseURL: u}); err == nil {
			t.Errorf("NewClient(%q) expected error", u)
		}
	}
}

func TestListTasks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tasks" {
			t.Errorf("path = %q, want /api/tasks", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Token secret-token" {
			t.Errorf("Authorization = %q", got)
		}
		q := r.URL.Query()
		if q.Get("project") != "3" || q.Get("view") != "12" || q.Get("page") != "2" || q.Get("page_size") != "50" {
			t.Errorf("query = %v", q)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"total": 120,
			"tasks": [
				{"id": 51, "data": {"image": "s3://trees/a.jpg"}, "total_predictions": 0, "storage_filename": "a.jpg"},
				{"id": 52, "data": {"image": "s3://trees/b.jpg"}, "total_predictions": 2}
			]
		}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	page, err := c.ListTasks(context.Background(), TaskQuery{Project: 3, View: "12", Page: 2, PageSize: 50})
	if err != nil {
		t.Fatalf("ListTasks() error: %v", err)
	}
	if page.Total != 120 {
		t.Errorf("Total = %d, want 120", page.Total)
	}
	if len(page.Tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(page.Tasks))
	}
	first := page.Tasks[0]
	if first.ID != 51 || first.Data.Image != "s3://trees/a.jpg" || first.StorageFilename != "a.jpg" || first.TotalPredictions != 0 {
		t.Errorf("first task = %+v", first)
	}
	if page.Tasks[1].TotalPredictions != 2 {
		t.Errorf("second task predictions = %d, want 2", page.Tasks[1].TotalPredictions)
	}
}

func TestListTasks_OmitsEmptyView(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.URL.Query()["view"]; ok {
			t.Errorf("view sent without being set: %v", r.URL.Query())
		}
		w.Write([]byte(`{"total": 0, "tasks": []}`))
	}))
	defer srv.Close()

	if _, err := newTestClient(t, srv).ListTasks(context.Background(), TaskQuery{Project: 1, Page: 1}); err != nil {
		t.Fatalf("ListTasks() error: %v", err)
	}
}

func TestListTasks_PastLastPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"detail": "Invalid page."}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	page, err := c.ListTasks(context.Background(), TaskQuery{Project: 1, Page: 4})
	if err != nil {
		t.Fatalf("ListTasks() past last page error: %v", err)
	}
	if len(page.Tasks) != 0 {
		t.Errorf("got %d tasks, want 0", len(page.Tasks))
	}

	// a 404 on the first page means the project itself is missing
	_, err = c.ListTasks(context.Background(), TaskQuery{Project: 1, Page: 1})
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Errorf("ListTasks() page 1 error = %v, want 404 StatusError", err)
	}
}

func TestCountTasks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("page_size"); got != "1" {
			t.Errorf("page_size = %q, want 1", got)
		}
		w.Write([]byte(`{"total": 9001, "tasks": [{"id": 1, "data": {"image": "x"}}]}`))
	}))
	defer srv.Close()

	total, err := newTestClient(t, srv).CountTasks(context.Background(), 1, "")
	if err != nil {
		t.Fatalf("CountTasks() error: %v", err)
	}
	if total != 9001 {
		t.Errorf("CountTasks() = %d, want 9001", total)
	}
}

func TestCreatePrediction(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/predictions" {
			t.Errorf("%s %s, want POST /api/predictions", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id": 1}`))
	}))
	defer srv.Close()

	score := 0.9
	p := Prediction{
		ModelVersion: "tree-yolov5s-oct1623",
		Score:        &score,
		Result: []Annotation{{
			FromName: "label",
			ToName:   "image",
			Type:     RectangleLabels,
			Value:    RectangleValue{RectangleLabels: []string{"tree"}, X: 10, Y: 20, Width: 30, Height: 40},
			Score:    0.9,
		}},
	}
	if err := newTestClient(t, srv).CreatePrediction(context.Background(), 3, 77, p); err != nil {
		t.Fatalf("CreatePrediction() error: %v", err)
	}

	if body["task"] != float64(77) || body["project"] != float64(3) {
		t.Errorf("task/project = %v/%v, want 77/3", body["task"], body["project"])
	}
	if body["model_version"] != "tree-yolov5s-oct1623" {
		t.Errorf("model_version = %v", body["model_version"])
	}
	result, ok := body["result"].([]interface{})
	if !ok || len(result) != 1 {
		t.Fatalf("result = %v, want one annotation", body["result"])
	}
	value := result[0].(map[string]interface{})["value"].(map[string]interface{})
	if value["x"] != float64(10) || value["height"] != float64(40) {
		t.Errorf("value = %v", value)
	}
	labels := value["rectanglelabels"].([]interface{})
	if len(labels) != 1 || labels[0] != "tree" {
		t.Errorf("rectanglelabels = %v", labels)
	}
}

func TestCreatePrediction_EmptyResultIsArray(t *testing.T) {
	var raw map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&raw)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	if err := newTestClient(t, srv).CreatePrediction(context.Background(), 1, 2, Prediction{ModelVersion: "v"}); err != nil {
		t.Fatalf("CreatePrediction() error: %v", err)
	}
	if string(raw["result"]) != "[]" {
		t.Errorf("result = %s, want []", raw["result"])
	}
	if _, ok := raw["score"]; ok {
		t.Error("score should be omitted when unset")
	}
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	if err := newTestClient(t, srv).CreatePrediction(context.Background(), 1, 2, Prediction{}); err != nil {
		t.Fatalf("CreatePrediction() error after transient failures: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("server called %d times, want 3", got)
	}
}

func TestClient_GivesUpAfterRetryMax(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("maintenance"))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).ListTasks(context.Background(), TaskQuery{Project: 1, Page: 1})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("ListTasks() error = %v, want StatusError", err)
	}
	if se.StatusCode != http.StatusServiceUnavailable || se.Body != "maintenance" {
		t.Errorf("StatusError = %+v", se)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("server called %d times, want 3 (1 + 2 retries)", got)
	}
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"task": ["Invalid pk"]}`))
	}))
	defer srv.Close()

	err := newTestClient(t, srv).CreatePrediction(context.Background(), 1, 999, Prediction{})
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusBadRequest {
		t.Fatalf("CreatePrediction() error = %v, want 400 StatusError", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("server called %d times, want 1", got)
	}
}
