package labelstudio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cejohnson/label-studio-yolov5/logger"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	DefaultPageSize     = 50
	DefaultTimeout      = 10 * time.Second
	DefaultRetryMax     = 5
	DefaultRetryWaitMin = 1 * time.Second
	DefaultRetryWaitMax = 30 * time.Second
)

// StatusError is returned for any non-2xx response that survives retries.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

type ClientOptions struct {
	BaseURL      string
	AccessToken  string
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Logger       *logger.Logger
}

// Client talks to the Label Studio REST API with a static access token.
// Every request goes through a retrying HTTP client.
type Client struct {
	baseURL string
	token   string
	http    *retryablehttp.Client
}

func NewClient(opts ClientOptions) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid Label Studio url %q", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.RetryMax < 0 {
		opts.RetryMax = 0
	}
	if opts.RetryWaitMin <= 0 {
		opts.RetryWaitMin = DefaultRetryWaitMin
	}
	if opts.RetryWaitMax <= 0 {
		opts.RetryWaitMax = DefaultRetryWaitMax
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.RetryMax
	rc.RetryWaitMin = opts.RetryWaitMin
	rc.RetryWaitMax = opts.RetryWaitMax
	rc.HTTPClient.Timeout = opts.Timeout
	rc.Logger = logger.KV{L: opts.Logger}
	// hand back the final response so callers see the real status and body
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		baseURL: base.String(),
		token:   opts.AccessToken,
		http:    rc,
	}, nil
}

// TaskQuery selects a page of a project's tasks, optionally through a view (data manager tab).
type TaskQuery struct {
	Project  int
	View     string
	Page     int
	PageSize int
}

func (q TaskQuery) values() url.Values {
	v := url.Values{}
	v.Set("project", strconv.Itoa(q.Project))
	if q.View != "" {
		v.Set("view", q.View)
	}
	if q.Page > 0 {
		v.Set("page", strconv.Itoa(q.Page))
	}
	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	v.Set("page_size", strconv.Itoa(pageSize))
	return v
}

type TasksPage struct {
	Tasks []Task
	// Total is the task count of the whole project or view at request time.
	Total int
}

// ListTasks fetches one page. Label Studio answers 404 for a page past the
// end; that is reported as an empty page.
func (c *Client) ListTasks(ctx context.Context, q TaskQuery) (TasksPage, error) {
	var page tasksPage
	err := c.do(ctx, http.MethodGet, "/api/tasks?"+q.values().Encode(), nil, &page)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound && q.Page > 1 {
			return TasksPage{}, nil
		}
		return TasksPage{}, err
	}
	return TasksPage{Tasks: page.Tasks, Total: page.Total}, nil
}

// CountTasks returns the number of tasks in the project or view.
func (c *Client) CountTasks(ctx context.Context, project int, view string) (int, error) {
	page, err := c.ListTasks(ctx, TaskQuery{Project: project, View: view, PageSize: 1})
	if err != nil {
		return 0, err
	}
	return page.Total, nil
}

// CreatePrediction attaches p to a task.
func (c *Client) CreatePrediction(ctx context.Context, project, task int, p Prediction) error {
	if p.Result == nil {
		p.Result = []Annotation{}
	}
	body := createPredictionRequest{Prediction: p, Task: task, Project: project}
	return c.do(ctx, http.MethodPost, "/api/predictions", body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	var reqBody interface{}
	if body != nil {
		reqBody = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{
			Method:     method,
			URL:        path,
			StatusCode: resp.StatusCode,
			Body:       string(bytes.TrimSpace(msg)),
		}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
