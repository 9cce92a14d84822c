package models

import "time"

// Detection is one box in original image pixel space: BBox is x1, y1, x2, y2.
type Detection struct {
	BBox       [4]float32
	Confidence float32
	ClassID    int
	Label      string
}

// Result is the detector output for a single image.
type Result struct {
	Detections []Detection
	// Width and Height are the decoded image dimensions in pixels.
	Width  int
	Height int
}

type ProcessingTimings struct {
	RequestID   string
	ImageDecode time.Duration
	Resize      time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	NMS         time.Duration
	Total       time.Duration
}
