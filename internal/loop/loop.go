// Package loop drives the capture → inference → render cycle.
package loop

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/meshcam/internal/capture"
	"github.com/andresmejia3/meshcam/internal/config"
	"github.com/andresmejia3/meshcam/internal/mesh"
	"github.com/andresmejia3/meshcam/internal/pointcloud"
	"github.com/andresmejia3/meshcam/internal/render"
	"github.com/andresmejia3/meshcam/internal/types"
	"github.com/andresmejia3/meshcam/internal/worker"
	"github.com/charmbracelet/log"
)

var (
	ErrNotRunning     = errors.New("render loop is not running")
	ErrAlreadyRunning = errors.New("render loop is already running")
)

// State is the loop's run state.
type State int32

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}

// LandmarkProvider is the inference model.
type LandmarkProvider interface {
	Estimate(ctx context.Context, req worker.EstimateRequest) ([]types.Prediction, error)
	Load(ctx context.Context, maxFaces int) error
	SetBackend(ctx context.Context, backend string) error
}

// Telemetry is the per-cycle timing bracket.
type Telemetry interface {
	Begin()
	End()
	SetFaces(n int)
	SetState(state string)
}

// Sink receives the rendered canvas at the end of every cycle.
// img is only valid for the duration of the call.
type Sink interface {
	Publish(img image.Image, preds []types.Prediction) error
}

// Options wires the loop to its collaborators. Viewer and Sinks are optional.
type Options struct {
	Provider  LandmarkProvider
	Source    capture.Source
	Mesh      *mesh.Source
	Store     *config.Store
	Telemetry Telemetry
	Scheduler Scheduler
	Viewer    pointcloud.Viewer
	Sinks     []Sink
	Mirror    bool
	Logger    *log.Logger

	// OnRunning is called once, the first time the loop enters Running.
	OnRunning func()
}

// Loop is a Running/Stopped state machine around the render cycle.
// Configuration changes are queued on the Store and applied between cycles.
type Loop struct {
	opts  Options
	cfg   config.Render
	state atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	canvas    *render.ImageCanvas
	overlay   *render.Overlay
	projector *pointcloud.Projector
	notified  sync.Once
}

// New builds a stopped loop. The initial configuration is taken from the store.
func New(opts Options) *Loop {
	if opts.Scheduler == nil {
		opts.Scheduler = NewScheduler(60)
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	if opts.Telemetry == nil {
		opts.Telemetry = nopTelemetry{}
	}
	l := &Loop{
		opts:    opts,
		cfg:     opts.Store.Current(),
		overlay: render.NewOverlay(),
	}
	if opts.Viewer != nil {
		l.projector = pointcloud.NewProjector(opts.Viewer)
	}
	// Changes submitted before setup are already part of the initial snapshot
	opts.Store.Drain()
	return l
}

// State reports whether the loop is scheduling cycles.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Config returns the configuration the last cycle ran with.
func (l *Loop) Config() config.Render {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

func (l *Loop) setState(s State) {
	l.state.Store(int32(s))
	l.opts.Telemetry.SetState(s.String())
	if s == Running && l.opts.OnRunning != nil {
		l.notified.Do(l.opts.OnRunning)
	}
}

// Setup waits for the first frame to size the canvas, then selects the backend and loads the model.
func (l *Loop) Setup(ctx context.Context) error {
	size, err := l.opts.Source.Ready(ctx)
	if err != nil {
		return fmt.Errorf("camera not ready: %w", err)
	}
	l.canvas = render.NewImageCanvas(size.X, size.Y, l.opts.Mirror)
	l.opts.Logger.Info("camera ready", "width", size.X, "height", size.Y, "mirror", l.opts.Mirror)

	if err := l.opts.Provider.SetBackend(ctx, l.cfg.Backend); err != nil {
		return fmt.Errorf("failed to select backend %s: %w", l.cfg.Backend, err)
	}
	if err := l.opts.Provider.Load(ctx, l.cfg.MaxFaces); err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}
	l.opts.Logger.Info("model loaded", "backend", l.cfg.Backend, "maxFaces", l.cfg.MaxFaces)
	return nil
}

// Start begins scheduling cycles on a new goroutine. Setup must have succeeded.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.State() == Running || l.cancel != nil {
		return ErrAlreadyRunning
	}
	if l.canvas == nil {
		return errors.New("render loop started before setup")
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.err = nil
	l.setState(Running)

	go l.run(runCtx, l.done)
	return nil
}

// Stop cancels the pending cycle and waits for the loop goroutine to exit.
func (l *Loop) Stop() error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	if cancel == nil {
		return ErrNotRunning
	}
	cancel()
	<-done
	return nil
}

// Done is closed when the loop goroutine exits.
func (l *Loop) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// Err returns the error that halted the loop, if any.
func (l *Loop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Run performs setup, starts the loop and blocks until it halts or ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.Setup(ctx); err != nil {
		return err
	}
	if err := l.Start(ctx); err != nil {
		return err
	}
	select {
	case <-l.Done():
	case <-ctx.Done():
		l.Stop()
	}
	return l.Err()
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	err := l.loop(ctx)
	if err != nil {
		l.opts.Logger.Error("render loop halted", "err", err)
	}

	l.mu.Lock()
	l.err = err
	l.cancel = nil
	l.setState(Stopped)
	l.mu.Unlock()
	close(done)
}

func (l *Loop) loop(ctx context.Context) error {
	for {
		// Cancellation token, checked once per cycle
		if ctx.Err() != nil {
			return nil
		}
		if err := l.applyChanges(ctx); err != nil {
			return stopped(ctx, err)
		}
		if err := l.cycle(ctx); err != nil {
			if errors.Is(err, io.EOF) {
				l.opts.Logger.Info("source ended")
				return nil
			}
			return stopped(ctx, err)
		}
		if err := l.wait(ctx); err != nil {
			return stopped(ctx, err)
		}
	}
}

// stopped hides errors caused by our own cancellation.
func stopped(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// wait sleeps until the next tick. A queued change wakes it early so a
// backend switch cancels the pending cycle instead of running it.
func (l *Loop) wait(ctx context.Context) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-l.opts.Store.Changed():
			cancel()
		case <-waitCtx.Done():
		}
	}()

	err := l.opts.Scheduler.Wait(waitCtx)
	if err != nil && ctx.Err() == nil && waitCtx.Err() != nil {
		// Woken by a config change
		return nil
	}
	return err
}

// applyChanges drains queued patches at the cycle boundary.
func (l *Loop) applyChanges(ctx context.Context) error {
	patches := l.opts.Store.Drain()
	if len(patches) == 0 {
		return nil
	}

	l.mu.Lock()
	prev := l.cfg
	next := prev
	for _, p := range patches {
		next = p.Apply(next)
	}
	l.cfg = next
	l.mu.Unlock()

	if next.Backend != prev.Backend {
		l.opts.Logger.Info("switching backend", "from", prev.Backend, "to", next.Backend)
		l.setState(Stopped)
		if err := l.opts.Provider.SetBackend(ctx, next.Backend); err != nil {
			return fmt.Errorf("failed to switch backend to %s: %w", next.Backend, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.setState(Running)
	}
	if next.MaxFaces != prev.MaxFaces {
		l.opts.Logger.Info("reloading model", "maxFaces", next.MaxFaces)
		if err := l.opts.Provider.Load(ctx, next.MaxFaces); err != nil {
			return fmt.Errorf("failed to reload model: %w", err)
		}
	}
	if next.RenderPointCloud != prev.RenderPointCloud || next.TriangulateMesh != prev.TriangulateMesh ||
		next.PredictIrises != prev.PredictIrises {
		l.opts.Logger.Debug("render options changed", "triangulate", next.TriangulateMesh,
			"irises", next.PredictIrises, "pointCloud", next.RenderPointCloud)
	}
	return nil
}

// cycle runs one frame through inference and rendering.
func (l *Loop) cycle(ctx context.Context) error {
	l.opts.Telemetry.Begin()
	defer l.opts.Telemetry.End()

	cfg := l.Config()

	frame, err := l.opts.Source.Next(ctx)
	if err != nil {
		return err
	}
	img, err := capture.Decode(frame)
	if err != nil {
		return err
	}

	// 1. inference
	preds, err := l.opts.Provider.Estimate(ctx, worker.EstimateRequest{
		Frame:         frame.Data,
		PredictIrises: cfg.PredictIrises,
	})
	if err != nil {
		return fmt.Errorf("inference failed on frame %d: %w", frame.Index, err)
	}

	// 2. frame, under the mirror fixed at setup
	l.canvas.DrawFrame(img)

	// 3. overlays
	if err := l.overlay.Draw(l.canvas, preds, l.opts.Mesh, cfg.TriangulateMesh); err != nil {
		return err
	}

	// 4. point cloud
	if cfg.RenderPointCloud && l.projector != nil && len(preds) > 0 {
		if err := l.projector.Project(preds); err != nil {
			return fmt.Errorf("point cloud update failed: %w", err)
		}
	}

	// 5. publish; the scheduler handles the next cycle
	out := l.canvas.Image()
	for _, s := range l.opts.Sinks {
		if err := s.Publish(out, preds); err != nil {
			return fmt.Errorf("publish failed: %w", err)
		}
	}
	l.opts.Telemetry.SetFaces(len(preds))
	return nil
}

type nopTelemetry struct{}

func (nopTelemetry) Begin()          {}
func (nopTelemetry) End()            {}
func (nopTelemetry) SetFaces(int)    {}
func (nopTelemetry) SetState(string) {}
