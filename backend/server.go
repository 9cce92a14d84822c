package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cejohnson/label-studio-yolov5/labelstudio"
	"github.com/cejohnson/label-studio-yolov5/logger"

	"github.com/gorilla/mux"
)

const maxBodyBytes = 32 << 20

// Plugin is the model contract Label Studio drives through the HTTP interface.
type Plugin interface {
	Predict(ctx context.Context, tasks []labelstudio.Task, predictContext json.RawMessage) ([]labelstudio.Prediction, error)
	Fit(ctx context.Context, event string, data json.RawMessage) error
	ModelVersion() string
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type HealthResponse struct {
	Status       string `json:"status"`
	ModelClass   string `json:"model_class"`
	ModelVersion string `json:"model_version,omitempty"`
}

type ServerOptions struct {
	ModelClass string
	// Metrics is served on GET /metrics; nil serves an empty object.
	Metrics func() interface{}
	Logger  *logger.Logger
}

type Server struct {
	plugin Plugin
	opts   ServerOptions
	log    *logger.Logger
}

func NewServer(plugin Plugin, opts ServerOptions) *Server {
	if opts.ModelClass == "" {
		opts.ModelClass = "YOLOv5Model"
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Server{plugin: plugin, opts: opts, log: log}
}

// Router returns the ML backend routes Label Studio calls.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/predict", s.handlePredict).Methods(http.MethodPost)
	r.HandleFunc("/setup", s.handleSetup).Methods(http.MethodPost)
	r.HandleFunc("/webhook", s.handleWebhook).Methods(http.MethodPost)
	r.HandleFunc("/train", s.handleTrain).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)

	return r
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req labelstudio.PredictRequest
	if !s.decode(w, r, &req) {
		return
	}

	s.log.Info("Predicting %d task(s)", len(req.Tasks))
	predictions, err := s.plugin.Predict(r.Context(), req.Tasks, req.Params.Context)
	if err != nil {
		s.log.Error("Prediction failed: %v", err)
		sendErrorResponse(w, "prediction_error", err.Error(), http.StatusInternalServerError)
		return
	}

	sendJSON(w, http.StatusOK, labelstudio.PredictResponse{Results: predictions})
}

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	var req labelstudio.SetupRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.log.Info("Setup for project %s", string(req.Project))
	sendJSON(w, http.StatusOK, labelstudio.SetupResponse{ModelVersion: s.plugin.ModelVersion()})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}
	var event labelstudio.WebhookEvent
	if err := json.Unmarshal(data, &event); err != nil {
		sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}
	s.fit(w, r, event.Action, data)
}

// handleTrain is the pre-webhook training trigger older Label Studio versions call.
func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}
	s.fit(w, r, labelstudio.EventStartTraining, data)
}

func (s *Server) fit(w http.ResponseWriter, r *http.Request, event string, data []byte) {
	if err := s.plugin.Fit(r.Context(), event, data); err != nil {
		s.log.Error("Fit failed for %s: %v", event, err)
		sendErrorResponse(w, "fit_error", err.Error(), http.StatusInternalServerError)
		return
	}
	sendJSON(w, http.StatusCreated, struct{}{})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, http.StatusOK, HealthResponse{
		Status:       "UP",
		ModelClass:   s.opts.ModelClass,
		ModelVersion: s.plugin.ModelVersion(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Metrics == nil {
		sendJSON(w, http.StatusOK, struct{}{})
		return
	}
	sendJSON(w, http.StatusOK, s.opts.Metrics())
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("%s %s -> %d (%v)", r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}

func sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendErrorResponse(w http.ResponseWriter, code, message string, status int) {
	sendJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}
