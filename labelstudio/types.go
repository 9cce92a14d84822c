package labelstudio

import "encoding/json"

// Task is a Label Studio task as returned by /api/tasks. Only the fields the
// bridge reads are decoded; the platform owns the record.
type Task struct {
	ID               int      `json:"id"`
	Data             TaskData `json:"data"`
	StorageFilename  string   `json:"storage_filename,omitempty"`
	TotalPredictions int      `json:"total_predictions"`
}

type TaskData struct {
	Image string `json:"image"`
}

const RectangleLabels = "rectanglelabels"

// Annotation is one region of a prediction result. Value coordinates are
// percentages of the original image size.
type Annotation struct {
	FromName       string         `json:"from_name"`
	ToName         string         `json:"to_name"`
	Type           string         `json:"type"`
	OriginalWidth  int            `json:"original_width,omitempty"`
	OriginalHeight int            `json:"original_height,omitempty"`
	ImageRotation  int            `json:"image_rotation"`
	Value          RectangleValue `json:"value"`
	Score          float64        `json:"score"`
}

type RectangleValue struct {
	RectangleLabels []string `json:"rectanglelabels"`
	X               float64  `json:"x"`
	Y               float64  `json:"y"`
	Width           float64  `json:"width"`
	Height          float64  `json:"height"`
	Rotation        float64  `json:"rotation"`
}

// Label returns the first rectangle label, or "".
func (v RectangleValue) Label() string {
	if len(v.RectangleLabels) == 0 {
		return ""
	}
	return v.RectangleLabels[0]
}

type Prediction struct {
	Result       []Annotation `json:"result"`
	ModelVersion string       `json:"model_version"`
	Score        *float64     `json:"score,omitempty"`
}

// createPredictionRequest is a Prediction plus the ids /api/predictions needs.
type createPredictionRequest struct {
	Prediction
	Task    int `json:"task"`
	Project int `json:"project"`
}

type tasksPage struct {
	Tasks []Task `json:"tasks"`
	Total int    `json:"total"`
}

// PredictRequest is the body Label Studio posts to an ML backend's /predict.
type PredictRequest struct {
	Tasks       []Task          `json:"tasks"`
	Project     json.RawMessage `json:"project,omitempty"` // "<id>.<timestamp>" string or a bare id
	LabelConfig string          `json:"label_config,omitempty"`
	Params      PredictParams   `json:"params"`
}

type PredictParams struct {
	Context json.RawMessage `json:"context,omitempty"`
}

type PredictResponse struct {
	Results []Prediction `json:"results"`
}

// SetupRequest is the body of /setup, sent when a project connects the backend.
type SetupRequest struct {
	Project     json.RawMessage `json:"project,omitempty"`
	Schema      string          `json:"schema"`
	Hostname    string          `json:"hostname,omitempty"`
	AccessToken string          `json:"access_token,omitempty"`
}

type SetupResponse struct {
	ModelVersion string `json:"model_version"`
}

// WebhookEvent is the envelope of annotation webhooks delivered to /webhook.
type WebhookEvent struct {
	Action string `json:"action"`
}

const (
	EventAnnotationCreated = "ANNOTATION_CREATED"
	EventStartTraining     = "START_TRAINING"
)
