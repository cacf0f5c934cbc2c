package pointcloud

import (
	"testing"

	"github.com/andresmejia3/meshcam/internal/render"
	"github.com/andresmejia3/meshcam/internal/types"
)

type fakeViewer struct {
	colorerSet int
	renders    []Dataset
	updates    []Dataset
}

func (f *fakeViewer) SetPointColorer(c Colorer)      { f.colorerSet++ }
func (f *fakeViewer) Render(ds Dataset) error        { f.renders = append(f.renders, ds); return nil }
func (f *fakeViewer) UpdateDataset(ds Dataset) error { f.updates = append(f.updates, ds); return nil }

func prediction(n int, offset float64) types.Prediction {
	kps := make([]types.Keypoint, n)
	for i := range kps {
		kps[i] = types.Keypoint{X: offset + float64(i), Y: 2, Z: -3}
	}
	return types.Prediction{ScaledMesh: kps}
}

func TestFlatten(t *testing.T) {
	ds := Flatten([]types.Prediction{prediction(478, 0), prediction(468, 1000)})

	if len(ds.Points) != 478+468 {
		t.Fatalf("Expected %d points, got %d", 478+468, len(ds.Points))
	}
	first := ds.Points[0]
	if first.X != 0 || first.Y != -2 || first.Z != 3 {
		t.Errorf("Expected negated point (0,-2,3), got %+v", first)
	}
	second := ds.Points[478]
	if second.X != -1000 {
		t.Errorf("Expected second face to follow the first, got X=%v", second.X)
	}
}

func TestPointColor(t *testing.T) {
	tests := []struct {
		index int
		want  string
	}{
		{0, render.Blue},
		{467, render.Blue},
		{468, render.Blue}, // strict comparison: the first iris point keeps the mesh colour
		{469, render.Red},
		{477, render.Red},
		{478, render.Blue}, // second face starts again
		{478 + 470, render.Red},
	}
	for _, tt := range tests {
		if got := PointColor(tt.index); got != tt.want {
			t.Errorf("PointColor(%d) = %s, want %s", tt.index, got, tt.want)
		}
	}
}

func TestProjector_RenderThenUpdate(t *testing.T) {
	v := &fakeViewer{}
	p := NewProjector(v)
	preds := []types.Prediction{prediction(468, 0)}

	for i := 0; i < 3; i++ {
		if err := p.Project(preds); err != nil {
			t.Fatalf("Project failed: %v", err)
		}
	}

	if len(v.renders) != 1 {
		t.Errorf("Expected exactly one initial render, got %d", len(v.renders))
	}
	if len(v.updates) != 2 {
		t.Errorf("Expected 2 in-place updates, got %d", len(v.updates))
	}
	if v.colorerSet != 1 {
		t.Errorf("Expected colorer installed once, got %d", v.colorerSet)
	}
	if !p.Initialized() {
		t.Error("Projector should report initialized")
	}
}
