package detections

import (
	"sort"

	"github.com/cejohnson/label-studio-yolov5/models"
)

// nonMaxSuppression keeps the most confident box of every group of same-class
// boxes overlapping by more than iouThreshold. Input need not be sorted; the
// result is sorted by descending confidence and capped at maxDet.
func nonMaxSuppression(detections []models.Detection, iouThreshold float64, maxDet int) []models.Detection {
	if len(detections) == 0 {
		return nil
	}

	if maxDet <= 0 {
		maxDet = len(detections)
	}
	sortDetectionsByConfidence(detections)

	kept := make([]models.Detection, 0, min(len(detections), maxDet))
	suppressed := make([]bool, len(detections))

	for i := range detections {
		if suppressed[i] {
			continue
		}
		kept = append(kept, detections[i])
		if len(kept) == maxDet {
			break
		}
		for j := i + 1; j < len(detections); j++ {
			if suppressed[j] || detections[j].ClassID != detections[i].ClassID {
				continue
			}
			if calculateIOU(detections[i].BBox, detections[j].BBox) > iouThreshold {
				suppressed[j] = true
			}
		}
	}

	return kept
}

func calculateIOU(box1, box2 [4]float32) float64 {
	x1 := max(box1[0], box2[0])
	y1 := max(box1[1], box2[1])
	x2 := min(box1[2], box2[2])
	y2 := min(box1[3], box2[3])

	if x2 <= x1 || y2 <= y1 {
		return 0.0
	}

	intersection := float64((x2 - x1) * (y2 - y1))
	area1 := float64((box1[2] - box1[0]) * (box1[3] - box1[1]))
	area2 := float64((box2[2] - box2[0]) * (box2[3] - box2[1]))
	union := area1 + area2 - intersection
	if union <= 0 {
		return 0.0
	}

	return intersection / union
}

func sortDetectionsByConfidence(detections []models.Detection) {
	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].Confidence > detections[j].Confidence
	})
}
