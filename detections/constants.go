package detections

const (
	DefaultInputSize     = 640
	DefaultIouThreshold  = 0.45
	DefaultMaxDetections = 1000
	RetryAttempts        = 3
	RetryDelayMs         = 100

	// YOLOv5 pads letterboxed images with this grey level.
	PadValue = 114

	// Each head row is cx, cy, w, h, objectness followed by per-class scores.
	boxFields = 5
)
