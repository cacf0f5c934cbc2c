// Package pointcloud turns face predictions into a flat 3D point list for an external scatter viewer.
package pointcloud

import (
	"github.com/andresmejia3/meshcam/internal/render"
	"github.com/andresmejia3/meshcam/internal/types"
	"gonum.org/v1/gonum/spatial/r3"
)

// pointsPerFace is the stride used for colouring: a full mesh plus both iris clusters.
const pointsPerFace = types.NumKeypoints + types.NumIrisKeypoints*2

// Dataset is one frame's worth of points, across all faces.
type Dataset struct {
	Points []r3.Vec
}

// Colorer maps a point index to a hex colour.
type Colorer func(i int) string

// Viewer is the external 3D scatter widget.
type Viewer interface {
	SetPointColorer(c Colorer)
	Render(ds Dataset) error
	UpdateDataset(ds Dataset) error
}

// PointColor colours iris points red and mesh points blue.
func PointColor(i int) string {
	if i%pointsPerFace > types.NumKeypoints {
		return render.Red
	}
	return render.Blue
}

// Flatten concatenates every prediction's keypoints with all three axes negated.
func Flatten(predictions []types.Prediction) Dataset {
	n := 0
	for _, p := range predictions {
		n += len(p.ScaledMesh)
	}
	points := make([]r3.Vec, 0, n)
	for _, p := range predictions {
		for _, kp := range p.ScaledMesh {
			points = append(points, r3.Scale(-1, r3.Vec{X: kp.X, Y: kp.Y, Z: kp.Z}))
		}
	}
	return Dataset{Points: points}
}

// Projector renders the first dataset and updates the viewer in place afterwards.
// It is used from the render loop goroutine only.
type Projector struct {
	viewer      Viewer
	initialized bool
}

func NewProjector(v Viewer) *Projector {
	return &Projector{viewer: v}
}

// Project pushes the current predictions to the viewer.
func (p *Projector) Project(predictions []types.Prediction) error {
	ds := Flatten(predictions)
	if !p.initialized {
		p.viewer.SetPointColorer(PointColor)
		if err := p.viewer.Render(ds); err != nil {
			return err
		}
		p.initialized = true
		return nil
	}
	return p.viewer.UpdateDataset(ds)
}

// Initialized reports whether the viewer has received its first dataset.
func (p *Projector) Initialized() bool {
	return p.initialized
}
