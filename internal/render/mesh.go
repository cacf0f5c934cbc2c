package render

import (
	"errors"
	"fmt"

	"github.com/andresmejia3/meshcam/internal/mesh"
	"github.com/andresmejia3/meshcam/internal/types"
)

// ErrKeypointIndex means a prediction lacks keypoints the table or the iris outlines need.
var ErrKeypointIndex = errors.New("triangulation index out of range")

// MeshRenderer draws the face mesh either as a wireframe or as dots.
type MeshRenderer struct {
	Color     string
	LineWidth float64
	DotRadius float64
}

// NewMeshRenderer returns a renderer with the default overlay style.
func NewMeshRenderer() *MeshRenderer {
	return &MeshRenderer{Color: Green, LineWidth: 0.5, DotRadius: 1}
}

// Draw renders one prediction. In triangulated mode every triple of the table
// becomes one closed path; otherwise the first 468 keypoints are drawn as dots.
// Nothing is drawn if the table and the prediction disagree.
func (r *MeshRenderer) Draw(c Canvas, p types.Prediction, table mesh.Table, triangulate bool) error {
	kps := p.ScaledMesh
	if triangulate {
		if max := table.MaxIndex(); max >= len(kps) {
			return fmt.Errorf("%w: table references keypoint %d, prediction has %d", ErrKeypointIndex, max, len(kps))
		}
		c.SetStrokeStyle(r.Color)
		c.SetLineWidth(r.LineWidth)

		points := make([]Point, 3)
		for t := 0; t < table.Triangles(); t++ {
			i, j, k := table.Triangle(t)
			points[0] = Point{kps[i].X, kps[i].Y}
			points[1] = Point{kps[j].X, kps[j].Y}
			points[2] = Point{kps[k].X, kps[k].Y}
			c.StrokePath(points, true)
		}
		return nil
	}

	if len(kps) < types.NumKeypoints {
		return fmt.Errorf("%w: prediction has %d keypoints, need %d", ErrKeypointIndex, len(kps), types.NumKeypoints)
	}
	c.SetFillStyle(r.Color)
	for _, kp := range kps[:types.NumKeypoints] {
		c.FillCircle(kp.X, kp.Y, r.DotRadius)
	}
	return nil
}
