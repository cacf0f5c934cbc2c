package render

import (
	"fmt"

	"github.com/andresmejia3/meshcam/internal/mesh"
	"github.com/andresmejia3/meshcam/internal/types"
)

// Overlay draws every face of one frame: mesh first, then irises when present.
type Overlay struct {
	Mesh *MeshRenderer
	Iris *IrisRenderer
}

func NewOverlay() *Overlay {
	return &Overlay{Mesh: NewMeshRenderer(), Iris: NewIrisRenderer()}
}

// Draw renders preds onto c. The triangulation table is only consulted when
// triangulate is set. Nothing is drawn when any face has a malformed keypoint count.
func (o *Overlay) Draw(c Canvas, preds []types.Prediction, tables *mesh.Source, triangulate bool) error {
	if len(preds) == 0 {
		return nil
	}
	for i, p := range preds {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%w: face %d: %w", ErrKeypointIndex, i, err)
		}
	}

	var table mesh.Table
	if triangulate {
		t, err := tables.Table()
		if err != nil {
			return err
		}
		table = t
	}

	for _, p := range preds {
		if err := o.Mesh.Draw(c, p, table, triangulate); err != nil {
			return err
		}
		if p.HasLeftIris() {
			o.Iris.Draw(c, p)
		}
	}
	return nil
}
