package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/andresmejia3/meshcam/internal/capture"
	"github.com/andresmejia3/meshcam/internal/config"
	"github.com/andresmejia3/meshcam/internal/logging"
	"github.com/andresmejia3/meshcam/internal/loop"
	"github.com/andresmejia3/meshcam/internal/mesh"
	"github.com/andresmejia3/meshcam/internal/pointcloud"
	"github.com/andresmejia3/meshcam/internal/server"
	"github.com/andresmejia3/meshcam/internal/sink"
	"github.com/andresmejia3/meshcam/internal/telemetry"
	"github.com/andresmejia3/meshcam/internal/utils"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
)

// RunOptions are the flags of the run command. Unset flags leave the configuration file alone.
type RunOptions struct {
	Input         string
	SourceKind    string
	Backend       string
	MaxFaces      int
	NoMesh        bool
	NoIrises      bool
	NoPointCloud  bool
	NoMirror      bool
	RefreshHz     float64
	Addr          string
	NoServer      bool
	WorkerURL     string
	Triangulation string
	Output        string
	NoProgress    bool
}

var runOpts RunOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Overlay the face mesh on a live camera or video file",
	Run: func(cmd *cobra.Command, args []string) {
		applyRunFlags(cmd, &Settings, runOpts)
		if err := Settings.Validate(); err != nil {
			utils.Die("Invalid options", err, nil)
		}
		if err := runOverlay(cmd.Context(), Settings, runOpts); err != nil {
			var f *failure
			if errors.As(err, &f) {
				utils.Die(f.context, f.err, f.cmd)
			}
			utils.Die("Render loop failed", err, nil)
		}
	},
}

func init() {
	addRunFlags(runCmd, &runOpts)
	rootCmd.AddCommand(runCmd)
}

func addRunFlags(c *cobra.Command, o *RunOptions) {
	f := c.Flags()
	f.StringVarP(&o.Input, "input", "i", "", "Camera device, stream URL or video file (default from config: /dev/video0)")
	f.StringVar(&o.SourceKind, "source-kind", "", "Capture backend: ffmpeg or v4l2")
	f.StringVarP(&o.Backend, "backend", "b", "", "Compute backend: gpu, xnnpack or cpu")
	f.IntVarP(&o.MaxFaces, "max-faces", "m", 0, "Maximum number of faces to track (1-20)")
	f.BoolVar(&o.NoMesh, "no-mesh", false, "Draw keypoints as dots instead of a triangulated wireframe")
	f.BoolVar(&o.NoIrises, "no-irises", false, "Skip iris prediction")
	f.BoolVar(&o.NoPointCloud, "no-point-cloud", false, "Do not publish the 3D point cloud")
	f.BoolVar(&o.NoMirror, "no-mirror", false, "Do not mirror the overlay horizontally")
	f.Float64Var(&o.RefreshHz, "refresh-hz", 0, "Maximum render cycles per second")
	f.StringVarP(&o.Addr, "addr", "a", "", "Control surface listen address")
	f.BoolVar(&o.NoServer, "no-server", false, "Disable the HTTP control surface")
	f.StringVar(&o.WorkerURL, "worker-url", "", "Use a remote landmark worker at this websocket URL")
	f.StringVarP(&o.Triangulation, "triangulation", "t", "", "Triangulation table file (built-in face mesh if empty)")
	f.StringVarP(&o.Output, "output", "o", "", "Also encode the overlay to this video file")
	f.BoolVar(&o.NoProgress, "no-progress", false, "Hide the progress bar")
}

// applyRunFlags layers explicitly set flags over the loaded settings.
func applyRunFlags(cmd *cobra.Command, s *config.Settings, o RunOptions) {
	changed := cmd.Flags().Changed
	if changed("input") {
		s.Source.Device = o.Input
		if isFile(o.Input) {
			s.Source.Kind = "ffmpeg"
			s.Source.Format = ""
		}
	}
	if changed("source-kind") {
		s.Source.Kind = o.SourceKind
	}
	if changed("backend") {
		s.Render.Backend = o.Backend
	}
	if changed("max-faces") {
		s.Render.MaxFaces = o.MaxFaces
	}
	if o.NoMesh {
		s.Render.TriangulateMesh = false
	}
	if o.NoIrises {
		s.Render.PredictIrises = false
	}
	if o.NoPointCloud {
		s.Render.RenderPointCloud = false
	}
	if o.NoMirror {
		s.Loop.Mirror = false
	}
	if changed("refresh-hz") {
		s.Loop.RefreshHz = o.RefreshHz
	}
	if changed("addr") {
		s.Server.Addr = o.Addr
	}
	if o.NoServer {
		s.Server.Enabled = false
	}
	if changed("worker-url") {
		s.Worker.RemoteURL = o.WorkerURL
	}
	if changed("triangulation") {
		s.Mesh.Triangulation = o.Triangulation
	}
}

// failure carries the worker process so its logs can be shown with the error.
type failure struct {
	context string
	err     error
	cmd     *utils.SafeCommand
}

func (f *failure) Error() string { return f.context + ": " + f.err.Error() }
func (f *failure) Unwrap() error { return f.err }

// runOverlay wires capture, inference, rendering and the control surface, then runs until the source ends or ctx is cancelled.
func runOverlay(ctx context.Context, s config.Settings, o RunOptions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 1. Camera
	fromFile := isFile(s.Source.Device)
	src, err := capture.Open(s.Source, fromFile)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", s.Source.Device, err)
	}
	defer src.Close()

	size, err := src.Ready(ctx)
	if err != nil {
		return fmt.Errorf("camera not ready: %w", err)
	}

	// 2. Landmark worker
	est, workerCmd, err := newEstimator(ctx, s)
	if err != nil {
		return &failure{context: "Landmark worker failed to start", err: err, cmd: workerCmd}
	}
	defer est.Close()

	// 3. Shared state
	store := config.NewStore(s.Render)
	if isFile(configPath) {
		go func() {
			if err := config.Watch(ctx, configPath, store, Logger); err != nil {
				Logger.Warn("config file will not be reloaded", "err", err)
			}
		}()
	}

	var progress io.Writer = os.Stderr
	if o.NoProgress {
		progress = nil
	}
	total := 0
	if fromFile {
		total = utils.GetTotalFrames(s.Source.Device)
	}
	status := telemetry.New(progress, total)
	defer status.Close()

	// 4. Outputs
	var sinks []loop.Sink
	if o.Output != "" {
		enc, err := sink.NewEncoder(o.Output, size.X, size.Y, s.Loop.RefreshHz)
		if err != nil {
			return err
		}
		defer func() {
			if err := enc.Close(); err != nil {
				Logger.Error("failed to finish output video", "file", o.Output, "err", err)
				return
			}
			Logger.Info("output written", "file", o.Output, "frames", enc.Frames())
		}()
		sinks = append(sinks, enc)
	}

	var viewer pointcloud.Viewer
	srvErr := make(chan error, 1)
	if s.Server.Enabled {
		hub := server.NewHub()
		preview := server.NewPreview(80)
		viewer = hub
		sinks = append(sinks, preview)

		srv := server.New(server.Options{
			Store:     store,
			Status:    status,
			Hub:       hub,
			Preview:   preview,
			Logger:    Logger,
			SessionID: logging.SessionID(),
			PatchRate: 5,
		})
		go func() { srvErr <- srv.ListenAndServe(ctx, s.Server.Addr) }()
	}

	// 5. Loop
	lp := loop.New(loop.Options{
		Provider:  est,
		Source:    src,
		Mesh:      mesh.NewSource(s.Mesh.Triangulation),
		Store:     store,
		Telemetry: status,
		Scheduler: loop.NewScheduler(s.Loop.RefreshHz),
		Viewer:    viewer,
		Sinks:     sinks,
		Mirror:    s.Loop.Mirror,
		Logger:    Logger,
		OnRunning: func() {
			if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
				Logger.Warn("systemd notify failed", "err", err)
			} else if ok {
				Logger.Debug("notified systemd")
			}
		},
	})

	start := time.Now()
	loopErr := make(chan error, 1)
	go func() { loopErr <- lp.Run(ctx) }()

	select {
	case err = <-loopErr:
	case err = <-srvErr:
		// The loop may still be in setup, so cancel rather than Stop
		cancel()
		lerr := <-loopErr
		if err == nil {
			err = lerr
		} else {
			err = fmt.Errorf("control surface failed: %w", err)
		}
	}
	daemon.SdNotify(false, daemon.SdNotifyStopping)

	if err != nil {
		return &failure{context: "Render loop failed", err: err, cmd: workerCmd}
	}

	stats := status.Snapshot()
	fmt.Fprintf(os.Stderr, "\n🏁 Stopped after %d frames in %s (%.1f fps)\n", stats.Cycles, time.Since(start).Round(time.Second), stats.FPS)
	return nil
}
