package loop

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/meshcam/internal/config"
	"github.com/andresmejia3/meshcam/internal/mesh"
	"github.com/andresmejia3/meshcam/internal/pointcloud"
	"github.com/andresmejia3/meshcam/internal/types"
	"github.com/andresmejia3/meshcam/internal/worker"
)

func jpegFrame(t *testing.T) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, image.NewRGBA(image.Rect(0, 0, 16, 16)), nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// fakeSource yields the same frame limit times (forever if limit is 0), then io.EOF.
type fakeSource struct {
	data  []byte
	limit int
	n     int
}

func (s *fakeSource) Ready(ctx context.Context) (image.Point, error) { return image.Pt(16, 16), nil }
func (s *fakeSource) Close() error                                 { return nil }

func (s *fakeSource) Next(ctx context.Context) (types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}
	if s.limit > 0 && s.n >= s.limit {
		return types.Frame{}, io.EOF
	}
	s.n++
	return types.Frame{Index: s.n - 1, Data: s.data}, nil
}

// fakeProvider records calls. A non-nil gate blocks the matching call until it is released.
type fakeProvider struct {
	mu           sync.Mutex
	estimates    int
	backends     []string
	loads        []int
	estimateErr  error
	estimateGate chan struct{}
	backendGate  chan struct{}
	entered      chan string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{entered: make(chan string, 100)}
}

func (p *fakeProvider) gate(which string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if which == "estimate" {
		return p.estimateGate
	}
	return p.backendGate
}

func (p *fakeProvider) block(ctx context.Context, which string) error {
	g := p.gate(which)
	if g == nil {
		return nil
	}
	p.entered <- which
	select {
	case <-g:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *fakeProvider) Estimate(ctx context.Context, req worker.EstimateRequest) ([]types.Prediction, error) {
	if err := p.block(ctx, "estimate"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.estimates++
	if p.estimateErr != nil {
		return nil, p.estimateErr
	}
	n := types.NumKeypoints
	if req.PredictIrises {
		n += 2 * types.NumIrisKeypoints
	}
	kps := make([]types.Keypoint, n)
	for i := range kps {
		kps[i] = types.Keypoint{X: float64(i % 16), Y: float64(i % 16)}
	}
	return []types.Prediction{{ScaledMesh: kps}}, nil
}

func (p *fakeProvider) Load(ctx context.Context, maxFaces int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loads = append(p.loads, maxFaces)
	return nil
}

func (p *fakeProvider) SetBackend(ctx context.Context, backend string) error {
	if err := p.block(ctx, "backend"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backends = append(p.backends, backend)
	return nil
}

func (p *fakeProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.estimates
}

type recordSink struct {
	mu    sync.Mutex
	count int
	faces int
}

func (s *recordSink) Publish(img image.Image, preds []types.Prediction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	s.faces += len(preds)
	return nil
}

type fakeViewer struct {
	mu      sync.Mutex
	renders int
	updates int
}

func (v *fakeViewer) SetPointColorer(c pointcloud.Colorer) {}
func (v *fakeViewer) Render(ds pointcloud.Dataset) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.renders++
	return nil
}
func (v *fakeViewer) UpdateDataset(ds pointcloud.Dataset) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.updates++
	return nil
}

func newLoop(t *testing.T, p *fakeProvider, src *fakeSource, cfg config.Render, extra func(*Options)) *Loop {
	t.Helper()
	opts := Options{
		Provider:  p,
		Source:    src,
		Mesh:      mesh.NewFixedSource(mesh.Table{0, 1, 2, 3, 4, 5}),
		Store:     config.NewStore(cfg),
		Scheduler: Immediate{},
		Mirror:    true,
	}
	if extra != nil {
		extra(&opts)
	}
	return New(opts)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func expectEntered(t *testing.T, p *fakeProvider, want string) {
	t.Helper()
	select {
	case got := <-p.entered:
		if got != want {
			t.Fatalf("Expected %s call, got %s", want, got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Timed out waiting for %s call", want)
	}
}

func TestLoop_RunUntilSourceEnds(t *testing.T) {
	p := newFakeProvider()
	sink := &recordSink{}
	runningCalls := 0

	l := newLoop(t, p, &fakeSource{data: jpegFrame(t), limit: 3}, config.Defaults().Render, func(o *Options) {
		o.Sinks = []Sink{sink}
		o.OnRunning = func() { runningCalls++ }
	})

	if l.State() != Stopped {
		t.Fatalf("Expected initial state Stopped, got %s", l.State())
	}
	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if p.count() != 3 {
		t.Errorf("Expected 3 inference calls, got %d", p.count())
	}
	if sink.count != 3 || sink.faces != 3 {
		t.Errorf("Expected 3 publishes with 1 face each, got %d/%d", sink.count, sink.faces)
	}
	if runningCalls != 1 {
		t.Errorf("Expected OnRunning once, got %d", runningCalls)
	}
	if l.State() != Stopped {
		t.Errorf("Expected Stopped after the source ended, got %s", l.State())
	}
	if len(p.backends) != 1 || p.backends[0] != "gpu" || len(p.loads) != 1 || p.loads[0] != 1 {
		t.Errorf("Unexpected setup calls: backends=%v loads=%v", p.backends, p.loads)
	}
}

func TestLoop_InferenceFailureHalts(t *testing.T) {
	p := newFakeProvider()
	p.estimateErr = errors.New("model exploded")
	sink := &recordSink{}

	l := newLoop(t, p, &fakeSource{data: jpegFrame(t)}, config.Defaults().Render, func(o *Options) {
		o.Sinks = []Sink{sink}
	})

	err := l.Run(context.Background())
	if err == nil || !errors.Is(err, p.estimateErr) {
		t.Fatalf("Expected the inference error, got %v", err)
	}
	if p.count() != 1 {
		t.Errorf("Expected no retry after failure, got %d calls", p.count())
	}
	if sink.count != 0 {
		t.Errorf("Expected nothing published, got %d", sink.count)
	}
	if l.State() != Stopped {
		t.Errorf("Expected Stopped, got %s", l.State())
	}
}

func TestLoop_BackendSwitchDuringCycle(t *testing.T) {
	p := newFakeProvider()
	l := newLoop(t, p, &fakeSource{data: jpegFrame(t)}, config.Defaults().Render, nil)
	ctx := context.Background()

	if err := l.Setup(ctx); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	estimateGate := make(chan struct{})
	backendGate := make(chan struct{})
	p.mu.Lock()
	p.estimateGate = estimateGate
	p.backendGate = backendGate
	p.mu.Unlock()

	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer l.Stop()

	// Cycle 1 is in flight
	expectEntered(t, p, "estimate")

	backend := "cpu"
	if _, err := l.opts.Store.Submit(config.Patch{Backend: &backend}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	estimateGate <- struct{}{}

	// The next cycle is replaced by the backend switch
	expectEntered(t, p, "backend")
	if l.State() != Stopped {
		t.Errorf("Expected Stopped while the backend switches, got %s", l.State())
	}

	time.Sleep(50 * time.Millisecond)
	if p.count() != 1 {
		t.Fatalf("Expected no inference during the switch, got %d calls", p.count())
	}
	select {
	case c := <-p.entered:
		t.Fatalf("Unexpected %s call during the switch", c)
	default:
	}

	backendGate <- struct{}{}

	// Resumes only after the switch completed
	expectEntered(t, p, "estimate")
	if l.State() != Running {
		t.Errorf("Expected Running after the switch, got %s", l.State())
	}
	if l.Config().Backend != "cpu" {
		t.Errorf("Expected backend cpu, got %s", l.Config().Backend)
	}
	p.mu.Lock()
	if got := p.backends[len(p.backends)-1]; got != "cpu" {
		t.Errorf("Expected provider switched to cpu, got %s", got)
	}
	p.mu.Unlock()
}

func TestLoop_MaxFacesReloads(t *testing.T) {
	p := newFakeProvider()
	l := newLoop(t, p, &fakeSource{data: jpegFrame(t)}, config.Defaults().Render, nil)
	ctx := context.Background()

	if err := l.Setup(ctx); err != nil {
		t.Fatal(err)
	}
	if err := l.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	faces := 3
	if _, err := l.opts.Store.Submit(config.Patch{MaxFaces: &faces}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "model reload", func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.loads) == 2
	})
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loads[1] != 3 {
		t.Errorf("Expected reload with 3 faces, got %d", p.loads[1])
	}
}

func TestLoop_PointCloud(t *testing.T) {
	tests := []struct {
		name        string
		enabled     bool
		wantRenders int
		wantUpdates int
	}{
		{"Enabled", true, 1, 2},
		{"Disabled", false, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Defaults().Render
			cfg.RenderPointCloud = tt.enabled
			v := &fakeViewer{}

			l := newLoop(t, newFakeProvider(), &fakeSource{data: jpegFrame(t), limit: 3}, cfg, func(o *Options) {
				o.Viewer = v
			})
			if err := l.Run(context.Background()); err != nil {
				t.Fatal(err)
			}
			if v.renders != tt.wantRenders || v.updates != tt.wantUpdates {
				t.Errorf("Expected %d renders/%d updates, got %d/%d",
					tt.wantRenders, tt.wantUpdates, v.renders, v.updates)
			}
		})
	}
}

func TestLoop_PointsModeWithoutTable(t *testing.T) {
	cfg := config.Defaults().Render
	cfg.TriangulateMesh = false

	// A table that would fail validation against the keypoints is never consulted
	l := newLoop(t, newFakeProvider(), &fakeSource{data: jpegFrame(t), limit: 1}, cfg, func(o *Options) {
		o.Mesh = mesh.NewFixedSource(mesh.Table{0, 1, 9999})
	})
	if err := l.Run(context.Background()); err != nil {
		t.Errorf("Expected points mode to ignore the table, got %v", err)
	}
}

func TestLoop_BadTableHalts(t *testing.T) {
	l := newLoop(t, newFakeProvider(), &fakeSource{data: jpegFrame(t)}, config.Defaults().Render, func(o *Options) {
		o.Mesh = mesh.NewFixedSource(mesh.Table{0, 1, 9999})
	})
	if err := l.Run(context.Background()); err == nil {
		t.Error("Expected an out-of-range table to halt the loop")
	}
}

func TestLoop_StartStop(t *testing.T) {
	p := newFakeProvider()
	l := newLoop(t, p, &fakeSource{data: jpegFrame(t)}, config.Defaults().Render, nil)
	ctx := context.Background()

	if err := l.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning, got %v", err)
	}
	if err := l.Start(ctx); err == nil {
		t.Error("Expected Start before Setup to fail")
	}
	if err := l.Setup(ctx); err != nil {
		t.Fatal(err)
	}
	if err := l.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := l.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}
	if err := l.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if l.State() != Stopped {
		t.Errorf("Expected Stopped, got %s", l.State())
	}
	if l.Err() != nil {
		t.Errorf("A requested stop is not an error, got %v", l.Err())
	}

	// Restart after an explicit stop
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	waitFor(t, "cycles after restart", func() bool { return p.count() > 0 })
	l.Stop()
}

func TestRateScheduler(t *testing.T) {
	s := NewScheduler(1000)
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := s.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Scheduler is far slower than its rate")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := NewScheduler(0.001).Wait(cancelled); err == nil {
		t.Error("Expected a cancelled wait to fail")
	}
}
