package cmd

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"os"

	"github.com/andresmejia3/meshcam/internal/capture"
	"github.com/andresmejia3/meshcam/internal/config"
	"github.com/andresmejia3/meshcam/internal/mesh"
	"github.com/andresmejia3/meshcam/internal/render"
	"github.com/andresmejia3/meshcam/internal/types"
	"github.com/andresmejia3/meshcam/internal/utils"
	"github.com/andresmejia3/meshcam/internal/worker"
	"github.com/spf13/cobra"
)

type snapshotOptions struct {
	Image         string
	Output        string
	NoMesh        bool
	NoIrises      bool
	Mirror        bool
	Triangulation string
}

var snapOpts snapshotOptions

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Render the overlay for a single JPEG image",
	Run: func(cmd *cobra.Command, args []string) {
		if cmd.Flags().Changed("triangulation") {
			Settings.Mesh.Triangulation = snapOpts.Triangulation
		}
		faces, err := runSnapshot(cmd.Context(), Settings, snapOpts)
		if err != nil {
			utils.Die("Snapshot failed", err, nil)
		}
		fmt.Fprintf(os.Stderr, "📸 Wrote %s (%d faces)\n", snapOpts.Output, faces)
	},
}

func init() {
	snapshotCmd.Flags().StringVarP(&snapOpts.Image, "image", "i", "", "Path to a JPEG image")
	snapshotCmd.Flags().StringVarP(&snapOpts.Output, "output", "o", "overlay.png", "Where to write the rendered PNG")
	snapshotCmd.Flags().BoolVar(&snapOpts.NoMesh, "no-mesh", false, "Draw keypoints as dots")
	snapshotCmd.Flags().BoolVar(&snapOpts.NoIrises, "no-irises", false, "Skip iris prediction")
	snapshotCmd.Flags().BoolVar(&snapOpts.Mirror, "mirror", false, "Mirror the output like the live view")
	snapshotCmd.Flags().StringVarP(&snapOpts.Triangulation, "triangulation", "t", "", "Triangulation table file (built-in face mesh if empty)")

	snapshotCmd.MarkFlagRequired("image")
	rootCmd.AddCommand(snapshotCmd)
}

// estimateImage reads a JPEG file and runs it through a fresh worker.
func estimateImage(ctx context.Context, s config.Settings, path string, irises bool) (types.Frame, []types.Prediction, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Frame{}, nil, fmt.Errorf("failed to read image: %w", err)
	}
	frame := types.Frame{Data: data}

	est, workerCmd, err := newEstimator(ctx, s)
	if err != nil {
		return frame, nil, err
	}
	defer est.Close()

	if err := est.SetBackend(ctx, s.Render.Backend); err != nil {
		return frame, nil, fmt.Errorf("failed to select backend: %w: %s", err, workerCmd.Logs())
	}
	if err := est.Load(ctx, s.Render.MaxFaces); err != nil {
		return frame, nil, fmt.Errorf("failed to load model: %w: %s", err, workerCmd.Logs())
	}
	preds, err := est.Estimate(ctx, worker.EstimateRequest{Frame: data, PredictIrises: irises})
	if err != nil {
		return frame, nil, fmt.Errorf("inference failed: %w: %s", err, workerCmd.Logs())
	}
	return frame, preds, nil
}

func runSnapshot(ctx context.Context, s config.Settings, o snapshotOptions) (int, error) {
	frame, preds, err := estimateImage(ctx, s, o.Image, !o.NoIrises)
	if err != nil {
		return 0, err
	}
	img, err := capture.Decode(frame)
	if err != nil {
		return 0, err
	}

	canvas := render.NewImageCanvas(img.Bounds().Dx(), img.Bounds().Dy(), o.Mirror)
	canvas.DrawFrame(img)
	if err := render.NewOverlay().Draw(canvas, preds, mesh.NewSource(s.Mesh.Triangulation), !o.NoMesh); err != nil {
		return 0, err
	}

	if err := writePNG(o.Output, canvas.Image()); err != nil {
		return 0, err
	}
	return len(preds), nil
}

// writePNG encodes img to path. A failed close is reported since it can lose buffered data.
func writePNG(path string, img image.Image) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close %s: %w", path, cerr)
		}
	}()
	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("failed to write png: %w", err)
	}
	return nil
}
