package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/cejohnson/label-studio-yolov5/detections"
	"github.com/cejohnson/label-studio-yolov5/labelstudio"
	"github.com/cejohnson/label-studio-yolov5/logger"
	"github.com/cejohnson/label-studio-yolov5/models"
	"github.com/cejohnson/label-studio-yolov5/storage"
)

// ErrUnresolvableImage means a task's image is neither an s3:// uri, a
// storage_filename under the default bucket, nor a readable local file.
var ErrUnresolvableImage = errors.New("cannot resolve task image")

// Detector runs the object detection model on an image file.
type Detector interface {
	DetectFile(ctx context.Context, path string) (models.Result, error)
}

// ObjectStore fetches task images from object storage.
type ObjectStore interface {
	Download(ctx context.Context, bucket, key string, dst io.WriterAt) (int64, error)
}

type Options struct {
	ModelVersion        string
	FromName            string
	ToName              string
	ConfidenceThreshold float64
	// DefaultBucket is used for tasks that only carry storage_filename.
	DefaultBucket string
	TempDir       string
	Logger        *logger.Logger
}

// Model adapts the detector to Label Studio's ML backend contract: tasks in,
// rectanglelabels predictions out.
type Model struct {
	detector Detector
	store    ObjectStore
	opts     Options
	log      *logger.Logger
}

func NewModel(detector Detector, store ObjectStore, opts Options) *Model {
	if opts.FromName == "" {
		opts.FromName = "label"
	}
	if opts.ToName == "" {
		opts.ToName = "image"
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Model{
		detector: detector,
		store:    store,
		opts:     opts,
		log:      log,
	}
}

func (m *Model) ModelVersion() string {
	return m.opts.ModelVersion
}

// Metrics reports the detector's session pool, or an empty object when the
// detector keeps none.
func (m *Model) Metrics() interface{} {
	if src, ok := m.detector.(interface{ Metrics() detections.PoolMetrics }); ok {
		return src.Metrics()
	}
	return struct{}{}
}

// Predict returns one prediction per task, in order. The first failing task
// fails the whole call.
func (m *Model) Predict(ctx context.Context, tasks []labelstudio.Task, predictContext json.RawMessage) ([]labelstudio.Prediction, error) {
	if len(predictContext) > 0 && string(predictContext) != "null" {
		m.log.Debug("Ignoring interactive context for %d task(s)", len(tasks))
	}

	predictions := make([]labelstudio.Prediction, 0, len(tasks))
	for _, task := range tasks {
		p, err := m.PredictTask(ctx, task)
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", task.ID, err)
		}
		predictions = append(predictions, p)
	}
	return predictions, nil
}

// PredictTask downloads the task image, runs the model and converts the
// detections. Any temporary download is removed before returning.
func (m *Model) PredictTask(ctx context.Context, task labelstudio.Task) (labelstudio.Prediction, error) {
	imagePath, cleanup, err := m.fetchImage(ctx, task)
	if err != nil {
		return labelstudio.Prediction{}, err
	}
	defer cleanup()

	result, err := m.detector.DetectFile(ctx, imagePath)
	if err != nil {
		return labelstudio.Prediction{}, fmt.Errorf("run model: %w", err)
	}

	annotations := toAnnotations(result, m.opts.ConfidenceThreshold, m.opts.FromName, m.opts.ToName)
	m.log.Debug("Task %d: %d of %d detections above threshold %v",
		task.ID, len(annotations), len(result.Detections), m.opts.ConfidenceThreshold)

	return labelstudio.Prediction{
		Result:       annotations,
		ModelVersion: m.opts.ModelVersion,
		Score:        meanScore(annotations),
	}, nil
}

// Fit is called for every annotation webhook. Training is not supported, so
// it only records the event.
func (m *Model) Fit(ctx context.Context, event string, data json.RawMessage) error {
	m.log.Debug("Fit called for %s (%d bytes), nothing to train", event, len(data))
	return nil
}

func (m *Model) fetchImage(ctx context.Context, task labelstudio.Task) (string, func(), error) {
	uri := task.Data.Image

	bucket, key, err := storage.ParseURI(uri)
	if err == nil {
		return m.download(ctx, bucket, key)
	}

	if task.StorageFilename != "" && m.opts.DefaultBucket != "" {
		return m.download(ctx, m.opts.DefaultBucket, task.StorageFilename)
	}

	local := strings.TrimPrefix(uri, "file://")
	if local != "" {
		if info, statErr := os.Stat(local); statErr == nil && info.Mode().IsRegular() {
			return local, func() {}, nil
		}
	}

	return "", nil, fmt.Errorf("%w: %q", ErrUnresolvableImage, uri)
}

func (m *Model) download(ctx context.Context, bucket, key string) (string, func(), error) {
	f, err := os.CreateTemp(m.opts.TempDir, "task-*"+path.Ext(key))
	if err != nil {
		return "", nil, fmt.Errorf("create temp file: %w", err)
	}
	name := f.Name()
	cleanup := func() {
		if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.log.Warning("Failed to remove %s: %v", name, err)
		}
	}

	n, err := m.store.Download(ctx, bucket, key, f)
	closeErr := f.Close()
	if err != nil {
		cleanup()
		return "", nil, err
	}
	if closeErr != nil {
		cleanup()
		return "", nil, fmt.Errorf("write %s: %w", name, closeErr)
	}

	m.log.Debug("Downloaded s3://%s/%s (%d bytes) to %s", bucket, key, n, name)
	return name, cleanup, nil
}

// toAnnotations converts pixel boxes to Label Studio percentages, keeping
// detections strictly above threshold.
func toAnnotations(result models.Result, threshold float64, fromName, toName string) []labelstudio.Annotation {
	annotations := make([]labelstudio.Annotation, 0, len(result.Detections))
	if result.Width <= 0 || result.Height <= 0 {
		return annotations
	}

	width := float64(result.Width)
	height := float64(result.Height)

	for _, det := range result.Detections {
		if float64(det.Confidence) <= threshold {
			continue
		}
		x1, y1 := float64(det.BBox[0]), float64(det.BBox[1])
		x2, y2 := float64(det.BBox[2]), float64(det.BBox[3])

		annotations = append(annotations, labelstudio.Annotation{
			FromName:       fromName,
			ToName:         toName,
			Type:           labelstudio.RectangleLabels,
			OriginalWidth:  result.Width,
			OriginalHeight: result.Height,
			Value: labelstudio.RectangleValue{
				RectangleLabels: []string{det.Label},
				X:               nonNegative(x1 / width * 100.0),
				Y:               nonNegative(y1 / height * 100.0),
				Width:           nonNegative((x2 - x1) / width * 100.0),
				Height:          nonNegative((y2 - y1) / height * 100.0),
			},
			Score: float64(det.Confidence),
		})
	}
	return annotations
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

func meanScore(annotations []labelstudio.Annotation) *float64 {
	if len(annotations) == 0 {
		return nil
	}
	var sum float64
	for _, a := range annotations {
		sum += a.Score
	}
	mean := sum / float64(len(annotations))
	return &mean
}
