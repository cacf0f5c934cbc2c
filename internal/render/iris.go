package render

import (
	"math"

	"github.com/andresmejia3/meshcam/internal/types"
)

// Distance is the 2D Euclidean distance between two keypoints. Z is ignored.
func Distance(a, b types.Keypoint) float64 {
	return math.Sqrt(math.Pow(a.X-b.X, 2) + math.Pow(a.Y-b.Y, 2))
}

// Ellipse is an axis-aligned ellipse in canvas coordinates.
type Ellipse struct {
	CX, CY float64
	RX, RY float64
}

// IrisEllipses computes the iris outlines present in p: none, left only, or left then right.
//
// The boundary order differs between the eyes (left vertical is 4->2, right is 2->4)
// and is kept exactly as the landmark model lays it out.
// A cluster with fewer than five keypoints is skipped.
func IrisEllipses(p types.Prediction) []Ellipse {
	const l = types.NumKeypoints
	const r = types.NumKeypoints + types.NumIrisKeypoints
	kps := p.ScaledMesh
	if len(kps) < l+types.NumIrisKeypoints {
		return nil
	}

	left := kps[l]
	out := []Ellipse{{
		CX: left.X,
		CY: left.Y,
		RX: Distance(kps[l+3], kps[l+1]) / 2,
		RY: Distance(kps[l+4], kps[l+2]) / 2,
	}}

	if len(kps) >= r+types.NumIrisKeypoints {
		right := kps[r]
		out = append(out, Ellipse{
			CX: right.X,
			CY: right.Y,
			RX: Distance(kps[r+3], kps[r+1]) / 2,
			RY: Distance(kps[r+2], kps[r+4]) / 2,
		})
	}
	return out
}

// IrisRenderer strokes iris ellipses.
type IrisRenderer struct {
	Color     string
	LineWidth float64
}

// NewIrisRenderer returns a renderer with the default overlay style.
func NewIrisRenderer() *IrisRenderer {
	return &IrisRenderer{Color: Red, LineWidth: 1}
}

// Draw strokes every iris found in p and returns how many were drawn.
func (r *IrisRenderer) Draw(c Canvas, p types.Prediction) int {
	ellipses := IrisEllipses(p)
	if len(ellipses) == 0 {
		return 0
	}
	c.SetStrokeStyle(r.Color)
	c.SetLineWidth(r.LineWidth)
	for _, e := range ellipses {
		c.StrokeEllipse(e.CX, e.CY, e.RX, e.RY)
	}
	return len(ellipses)
}
