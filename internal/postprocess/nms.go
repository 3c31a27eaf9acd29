package postprocess

import "sort"

// NMS runs greedy non-maximum suppression per class: sort by
// confidence descending, keep the top box, drop any remaining box of
// the same class whose IoU with a kept box meets or exceeds the
// threshold.
func NMS(detections []Detection, iouThreshold float32) []Detection {
	if len(detections) == 0 {
		return nil
	}

	byClass := make(map[int][]Detection)
	for _, d := range detections {
		byClass[d.ClassID] = append(byClass[d.ClassID], d)
	}

	result := make([]Detection, 0, len(detections))
	for _, group := range byClass {
		sort.Slice(group, func(i, j int) bool {
			return group[i].Confidence > group[j].Confidence
		})

		kept := make([]Detection, 0, len(group))
		suppressed := make([]bool, len(group))
		for i := range group {
			if suppressed[i] {
				continue
			}
			kept = append(kept, group[i])
			for j := i + 1; j < len(group); j++ {
				if suppressed[j] {
					continue
				}
				if group[i].Box.IoU(group[j].Box) >= iouThreshold {
					suppressed[j] = true
				}
			}
		}
		result = append(result, kept...)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Confidence > result[j].Confidence
	})
	return result
}
