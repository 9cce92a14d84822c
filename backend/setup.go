package backend

import (
	"fmt"

	"github.com/cejohnson/label-studio-yolov5/config"
	"github.com/cejohnson/label-studio-yolov5/detections"
	"github.com/cejohnson/label-studio-yolov5/logger"
	"github.com/cejohnson/label-studio-yolov5/storage"
)

// NewFromConfig initializes ONNX Runtime, loads the detector and connects
// object storage. The returned func releases the model and the runtime.
func NewFromConfig(cfg *config.Config, lg *logger.Logger) (*Model, func(), error) {
	if err := detections.Initialize(cfg.Model.LibraryPath); err != nil {
		return nil, nil, fmt.Errorf("initialize ONNX runtime: %w", err)
	}

	detector, err := detections.NewDetector(detections.Options{
		ModelPath:     cfg.Model.Path,
		InputSize:     cfg.Model.InputSize,
		ConfThreshold: cfg.Model.NMSConfidence,
		IouThreshold:  cfg.Model.NMSIoU,
		MaxDetections: cfg.Model.MaxDetections,
		ClassNames:    cfg.Model.ClassNames,
		PoolSize:      cfg.Model.PoolSize,
		Logger:        lg,
	})
	if err != nil {
		detections.Shutdown()
		return nil, nil, fmt.Errorf("load model: %w", err)
	}

	closeAll := func() {
		detector.Close()
		if err := detections.Shutdown(); err != nil {
			lg.Warning("Failed to shut down ONNX runtime: %v", err)
		}
	}

	store, err := storage.New(storage.Config{
		Endpoint:  cfg.Spaces.Endpoint(),
		Region:    cfg.Spaces.Region,
		Key:       cfg.Spaces.Key,
		Secret:    cfg.Spaces.Secret,
		PathStyle: cfg.Spaces.PathStyle,
	})
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("create storage client: %w", err)
	}

	model := NewModel(detector, store, Options{
		ModelVersion:        cfg.Model.Version,
		FromName:            cfg.Model.FromName,
		ToName:              cfg.Model.ToName,
		ConfidenceThreshold: cfg.Model.ConfidenceThreshold,
		DefaultBucket:       cfg.Spaces.Bucket,
		Logger:              lg,
	})
	return model, closeAll, nil
}
