package detections

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/cejohnson/label-studio-yolov5/logger"
	"github.com/cejohnson/label-studio-yolov5/models"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

type ProcessingError struct {
	Message string
	Cause   error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Options configures a Detector.
type Options struct {
	ModelPath     string
	InputSize     int
	ConfThreshold float64 // candidates scoring at or below it are dropped
	IouThreshold  float64
	MaxDetections int
	ClassNames    []string // used when the model carries no names metadata
	PoolSize      int
	Logger        *logger.Logger
}

func (o *Options) setDefaults() {
	if o.InputSize <= 0 {
		o.InputSize = DefaultInputSize
	}
	if o.ConfThreshold < 0 {
		o.ConfThreshold = 0
	}
	if o.IouThreshold <= 0 {
		o.IouThreshold = DefaultIouThreshold
	}
	if o.MaxDetections <= 0 {
		o.MaxDetections = DefaultMaxDetections
	}
	if o.Logger == nil {
		o.Logger = logger.Discard()
	}
}

// Detector runs a YOLOv5 ONNX export. It is loaded once per process and is
// safe for concurrent use; concurrency is bounded by the session pool size.
type Detector struct {
	opts         Options
	layout       modelLayout
	pool         *ModelSessionPool
	preprocessor *Preprocessor
	run          func(*ModelSession) error
	requests     uint64
	mu           sync.Mutex
}

// NewDetector loads the model. Initialize must have been called first.
func NewDetector(opts Options) (*Detector, error) {
	opts.setDefaults()

	if _, err := os.Stat(opts.ModelPath); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}

	layout, err := inspectModel(opts.ModelPath, opts.InputSize, opts.ClassNames)
	if err != nil {
		return nil, err
	}

	pool, err := NewModelSessionPool(opts.PoolSize, func() (*ModelSession, error) {
		return initSession(opts.ModelPath, opts.InputSize, layout)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create model session pool: %w", err)
	}

	opts.Logger.Info("Loaded model %s: %d classes, %d candidate boxes, %d session(s), cpu features %s",
		opts.ModelPath, layout.numClasses(), layout.rows, pool.Size(), CPUFeatures())

	return &Detector{
		opts:         opts,
		layout:       layout,
		pool:         pool,
		preprocessor: NewPreprocessor(opts.InputSize),
		run:          runSession,
	}, nil
}

func (d *Detector) Close() {
	d.pool.Destroy()
}

// Metrics reports session pool usage.
func (d *Detector) Metrics() PoolMetrics {
	return d.pool.GetMetrics()
}

// DetectFile decodes the image at path, honouring EXIF orientation, and runs the model on it.
func (d *Detector) DetectFile(ctx context.Context, path string) (models.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.Result{}, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()
	return d.DetectReader(ctx, f)
}

func (d *Detector) DetectReader(ctx context.Context, r io.Reader) (models.Result, error) {
	timings := &models.ProcessingTimings{RequestID: d.nextRequestID()}
	start := time.Now()

	decodeStart := time.Now()
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	timings.ImageDecode = time.Since(decodeStart)
	if err != nil {
		return models.Result{}, &ProcessingError{Message: "decode image", Cause: err}
	}

	result, err := d.ProcessImage(ctx, img, timings)
	timings.Total = time.Since(start)
	d.logTimings(timings)
	return result, err
}

// ProcessImage retries transient inference failures with a linear backoff.
func (d *Detector) ProcessImage(ctx context.Context, img image.Image, timings *models.ProcessingTimings) (models.Result, error) {
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return models.Result{}, &ProcessingError{Message: "empty image"}
	}

	var lastErr error
	for attempt := 1; attempt <= RetryAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return models.Result{}, ctx.Err()
		default:
		}

		result, err := d.processImageInternal(ctx, img, timings)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrPoolClosed) {
			break
		}

		if attempt < RetryAttempts {
			d.opts.Logger.Warning("Inference attempt %d/%d failed: %v", attempt, RetryAttempts, err)
			select {
			case <-ctx.Done():
				return models.Result{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * RetryDelayMs * time.Millisecond):
			}
		}
	}

	if lastErr != nil {
		return models.Result{}, lastErr
	}
	return models.Result{}, errors.New("unknown error")
}

func (d *Detector) processImageInternal(ctx context.Context, img image.Image, timings *models.ProcessingTimings) (models.Result, error) {
	bounds := img.Bounds()
	lb := newLetterbox(bounds.Dx(), bounds.Dy(), d.opts.InputSize)

	resizeStart := time.Now()
	letterboxed := lb.Apply(img)
	timings.Resize = time.Since(resizeStart)

	session, err := d.pool.Acquire(ctx)
	if err != nil {
		return models.Result{}, &ProcessingError{Message: "acquire session", Cause: err}
	}

	prepStart := time.Now()
	if err := d.preprocessor.Process(letterboxed, session.input); err != nil {
		d.pool.Release(session)
		return models.Result{}, &ProcessingError{Message: "prepare input buffer", Cause: err}
	}
	timings.Preprocess = time.Since(prepStart)

	inferStart := time.Now()
	if err := d.run(session); err != nil {
		d.pool.Discard(session, err)
		return models.Result{}, &ProcessingError{Message: "model inference", Cause: err}
	}
	timings.Inference = time.Since(inferStart)

	// the output tensor is overwritten by the next Run; decode before release
	postStart := time.Now()
	candidates, err := processPredictions(session.output, d.layout, lb, float32(d.opts.ConfThreshold))
	d.pool.Release(session)
	if err != nil {
		return models.Result{}, &ProcessingError{Message: "process predictions", Cause: err}
	}
	timings.Postprocess = time.Since(postStart)

	nmsStart := time.Now()
	kept := nonMaxSuppression(candidates, d.opts.IouThreshold, d.opts.MaxDetections)
	timings.NMS = time.Since(nmsStart)

	return models.Result{
		Detections: kept,
		Width:      bounds.Dx(),
		Height:     bounds.Dy(),
	}, nil
}

// processPredictions decodes the raw head output into candidate boxes in
// original image space, keeping those strictly above threshold.
func processPredictions(predictions []float32, layout modelLayout, lb Letterbox, threshold float32) ([]models.Detection, error) {
	expectedSize := layout.rows * layout.stride
	if len(predictions) != expectedSize {
		return nil, fmt.Errorf("unexpected predictions length: got %d, want %d", len(predictions), expectedSize)
	}

	const chunkSize = 1024
	numWorkers := runtime.NumCPU()
	jobs := make(chan int, numWorkers)
	results := make(chan []models.Detection, numWorkers)

	var wg sync.WaitGroup

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			localDetections := make([]models.Detection, 0, 16)

			for start := range jobs {
				end := min(start+chunkSize, layout.rows)
				for i := start; i < end; i++ {
					row := predictions[i*layout.stride : (i+1)*layout.stride]
					if det, ok := decodeRow(row, layout.names, lb, threshold); ok {
						localDetections = append(localDetections, det)
					}
				}
			}

			if len(localDetections) > 0 {
				results <- localDetections
			}
		}()
	}

	go func() {
		for i := 0; i < layout.rows; i += chunkSize {
			jobs <- i
		}
		close(jobs)
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	detections := make([]models.Detection, 0, 64)
	for chunk := range results {
		detections = append(detections, chunk...)
	}

	return detections, nil
}

func decodeRow(row []float32, names []string, lb Letterbox, threshold float32) (models.Detection, bool) {
	objectness := row[4]
	if objectness <= threshold {
		return models.Detection{}, false
	}

	classID := 0
	best := row[boxFields]
	for c := 1; c < len(row)-boxFields; c++ {
		if row[boxFields+c] > best {
			best = row[boxFields+c]
			classID = c
		}
	}

	confidence := objectness * best
	if confidence <= threshold {
		return models.Detection{}, false
	}

	box := lb.Restore(row[0], row[1], row[2], row[3])
	if box[2] <= box[0] || box[3] <= box[1] {
		return models.Detection{}, false
	}

	return models.Detection{
		BBox:       box,
		Confidence: confidence,
		ClassID:    classID,
		Label:      labelFor(names, classID),
	}, true
}

func labelFor(names []string, classID int) string {
	if classID < len(names) && names[classID] != "" {
		return names[classID]
	}
	return fallbackName(classID)
}

func (d *Detector) nextRequestID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests++
	return strconv.FormatUint(d.requests, 10)
}

func (d *Detector) logTimings(t *models.ProcessingTimings) {
	if !d.opts.Logger.Enabled(logger.LevelDebug) {
		return
	}
	d.opts.Logger.Debug("RequestID: %s - Processing times:\n"+
		"\tImage Decode: %v\n"+
		"\tResize:      %v\n"+
		"\tPreprocess:  %v\n"+
		"\tInference:   %v\n"+
		"\tPostprocess: %v\n"+
		"\tNMS:         %v\n"+
		"\tTotal:       %v",
		t.RequestID,
		t.ImageDecode,
		t.Resize,
		t.Preprocess,
		t.Inference,
		t.Postprocess,
		t.NMS,
		t.Total)
}
