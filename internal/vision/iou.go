package vision

// IOU computes intersection-over-union for two axis-aligned boxes.
// Returns 0 when the boxes do not overlap or the union is degenerate.
func IOU(a, b BoundingBox) float64 {
	x1 := max(a.X1, b.X1)
	y1 := max(a.Y1, b.Y1)
	x2 := min(a.X2, b.X2)
	y2 := min(a.Y2, b.Y2)

	inter := max(0, x2-x1) * max(0, y2-y1)
	if inter <= 0 {
		return 0
	}

	union := float64(a.Area() + b.Area() - inter)
	if union == 0 {
		return 0
	}
	return float64(inter) / union
}
