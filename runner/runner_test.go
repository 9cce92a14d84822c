package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/cejohnson/label-studio-yolov5/labelstudio"
)

// fakeProject mimics a Label Studio project. With shrinking set it behaves
// like a view filtered on "no predictions": tasks leave once predicted.
type fakeProject struct {
	mu        sync.Mutex
	tasks     []labelstudio.Task
	shrinking bool
	countErr  error
	pageErr   map[int]error
	postErr   map[int]error

	pagesFetched []int
	posted       map[int]labelstudio.Prediction
}

func newFakeProject(n int) *fakeProject {
	p := &fakeProject{posted: make(map[int]labelstudio.Prediction)}
	for i := 1; i <= n; i++ {
		p.tasks = append(p.tasks, labelstudio.Task{
			ID:   i,
			Data: labelstudio.TaskData{Image: "s3://trees/" + strconv.Itoa(i) + ".jpg"},
		})
	}
	return p
}

func (p *fakeProject) view() []labelstudio.Task {
	if !p.shrinking {
		return p.tasks
	}
	var out []labelstudio.Task
	for _, t := range p.tasks {
		if t.TotalPredictions == 0 {
			out = append(out, t)
		}
	}
	return out
}

func (p *fakeProject) CountTasks(_ context.Context, _ int, _ string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.countErr != nil {
		return 0, p.countErr
	}
	return len(p.view()), nil
}

func (p *fakeProject) ListTasks(_ context.Context, q labelstudio.TaskQuery) (labelstudio.TasksPage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pagesFetched = append(p.pagesFetched, q.Page)
	if err := p.pageErr[q.Page]; err != nil {
		return labelstudio.TasksPage{}, err
	}

	view := p.view()
	start := (q.Page - 1) * q.PageSize
	if start >= len(view) {
		return labelstudio.TasksPage{Total: len(view)}, nil
	}
	end := min(start+q.PageSize, len(view))
	page := make([]labelstudio.Task, end-start)
	copy(page, view[start:end])
	return labelstudio.TasksPage{Tasks: page, Total: len(view)}, nil
}

func (p *fakeProject) CreatePrediction(_ context.Context, _, task int, pred labelstudio.Prediction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.postErr[task]; err != nil {
		return err
	}
	p.posted[task] = pred
	for i := range p.tasks {
		if p.tasks[i].ID == task {
			p.tasks[i].TotalPredictions++
		}
	}
	return nil
}

type fakePredictor struct {
	fail  map[int]bool
	calls []int
}

func (f *fakePredictor) PredictTask(_ context.Context, task labelstudio.Task) (labelstudio.Prediction, error) {
	f.calls = append(f.calls, task.ID)
	if f.fail[task.ID] {
		return labelstudio.Prediction{}, errors.New("cannot resolve task image")
	}
	return labelstudio.Prediction{
		ModelVersion: "tree-yolov5s-oct1623",
		Result: []labelstudio.Annotation{{
			FromName: "label", ToName: "image", Type: labelstudio.RectangleLabels,
			Value: labelstudio.RectangleValue{RectangleLabels: []string{"tree"}, X: 1, Y: 1, Width: 10, Height: 10},
			Score: 0.9,
		}},
	}, nil
}

func assertPredictedOnce(t *testing.T, calls []int) {
	t.Helper()
	counts := make(map[int]int)
	for _, id := range calls {
		counts[id]++
		if counts[id] > 1 {
			t.Errorf("task %d predicted %d times", id, counts[id])
		}
	}
}

func TestRun(t *testing.T) {
	tests := []struct {
		name       string
		tasks      int
		pageSize   int
		shrinking  bool
		existing   []int
		failModel  []int
		failPost   []int
		want       Summary
		wantPosted int
	}{
		{
			name:       "static view",
			tasks:      5,
			pageSize:   2,
			want:       Summary{Seen: 5, Predicted: 5, Posted: 5},
			wantPosted: 5,
		},
		{
			name:       "shrinking view",
			tasks:      7,
			pageSize:   3,
			shrinking:  true,
			want:       Summary{Seen: 7, Predicted: 7, Posted: 7},
			wantPosted: 7,
		},
		{
			name:       "existing predictions are skipped",
			tasks:      6,
			pageSize:   4,
			existing:   []int{2, 5},
			want:       Summary{Seen: 6, Skipped: 2, Predicted: 4, Posted: 4},
			wantPosted: 4,
		},
		{
			name:       "failures stay in a shrinking view",
			tasks:      6,
			pageSize:   2,
			shrinking:  true,
			failModel:  []int{1},
			failPost:   []int{4},
			want:       Summary{Seen: 6, Predicted: 5, Posted: 4, Failed: 2},
			wantPosted: 4,
		},
		{
			name:     "empty project",
			tasks:    0,
			pageSize: 50,
			want:     Summary{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			project := newFakeProject(tt.tasks)
			project.shrinking = tt.shrinking
			project.postErr = make(map[int]error)
			for _, id := range tt.existing {
				project.tasks[id-1].TotalPredictions = 1
			}
			for _, id := range tt.failPost {
				project.postErr[id] = errors.New("502 Bad Gateway")
			}
			predictor := &fakePredictor{fail: make(map[int]bool)}
			for _, id := range tt.failModel {
				predictor.fail[id] = true
			}

			r := New(project, predictor, Options{Project: 1, PageSize: tt.pageSize})
			got, err := r.Run(context.Background())
			if err != nil {
				t.Fatalf("Run() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Run() = %+v, want %+v", got, tt.want)
			}
			if len(project.posted) != tt.wantPosted {
				t.Errorf("posted %d predictions, want %d", len(project.posted), tt.wantPosted)
			}
			for _, id := range tt.existing {
				if _, ok := project.posted[id]; ok {
					t.Errorf("task %d already had a prediction but got another", id)
				}
			}
			assertPredictedOnce(t, predictor.calls)
		})
	}
}

func TestRun_PageFetchErrorAborts(t *testing.T) {
	project := newFakeProject(4)
	project.pageErr = map[int]error{2: errors.New("connection refused")}
	predictor := &fakePredictor{}

	got, err := New(project, predictor, Options{Project: 1, PageSize: 2}).Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "fetch page 2") {
		t.Fatalf("Run() error = %v, want page 2 fetch failure", err)
	}
	if got.Seen != 2 || got.Posted != 2 {
		t.Errorf("summary before abort = %+v, want first page processed", got)
	}
}

func TestRun_CountFailureIsNotFatal(t *testing.T) {
	project := newFakeProject(3)
	project.countErr = errors.New("timeout")

	got, err := New(project, &fakePredictor{}, Options{Project: 1, PageSize: 2}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if got.Posted != 3 {
		t.Errorf("Posted = %d, want 3", got.Posted)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	project := newFakeProject(3)
	_, err := New(project, &fakePredictor{}, Options{Project: 1}).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if len(project.posted) != 0 {
		t.Errorf("posted %d predictions after cancel", len(project.posted))
	}
}

func TestRun_ProgressOutput(t *testing.T) {
	var out bytes.Buffer
	project := newFakeProject(2)

	if _, err := New(project, &fakePredictor{}, Options{Project: 1, Progress: &out}).Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !strings.Contains(out.String(), "Predicting") {
		t.Errorf("progress output %q missing description", out.String())
	}
}

// TestRun_AgainstLabelStudioAPI drives the real REST client against an
// httptest server that drops predicted tasks from the view.
func TestRun_AgainstLabelStudioAPI(t *testing.T) {
	project := newFakeProject(5)
	project.shrinking = true

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/tasks":
			q := r.URL.Query()
			page, _ := strconv.Atoi(q.Get("page"))
			if page == 0 {
				page = 1
			}
			size, _ := strconv.Atoi(q.Get("page_size"))
			res, _ := project.ListTasks(r.Context(), labelstudio.TaskQuery{Page: page, PageSize: size})
			if len(res.Tasks) == 0 && page > 1 {
				http.Error(w, `{"detail": "Invalid page."}`, http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"tasks": res.Tasks, "total": res.Total})
		case r.Method == http.MethodPost && r.URL.Path == "/api/predictions":
			var body struct {
				labelstudio.Prediction
				Task int `json:"task"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			project.CreatePrediction(r.Context(), 0, body.Task, body.Prediction)
			w.WriteHeader(http.StatusCreated)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client, err := labelstudio.NewClient(labelstudio.ClientOptions{BaseURL: srv.URL, AccessToken: "t", RetryMax: 0})
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}

	got, err := New(client, &fakePredictor{}, Options{Project: 1, PageSize: 2}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if got.Posted != 5 || got.Failed != 0 {
		t.Errorf("Run() = %+v, want 5 posted", got)
	}
	for id := 1; id <= 5; id++ {
		if p, ok := project.posted[id]; !ok || p.ModelVersion != "tree-yolov5s-oct1623" || len(p.Result) != 1 {
			t.Errorf("task %d prediction = %+v, %v", id, p, ok)
		}
	}
}
