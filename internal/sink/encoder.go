// Package sink writes rendered canvases out of the process.
package sink

import (
	"fmt"
	"image"
	"image/draw"
	"io"

	"github.com/andresmejia3/meshcam/internal/types"
	"github.com/andresmejia3/meshcam/internal/utils"
)

// Encoder streams RGBA frames into an ffmpeg process that writes a video file.
type Encoder struct {
	cmd    *utils.SafeCommand
	in     io.WriteCloser
	frame  *image.RGBA
	frames int
}

// NewEncoder starts ffmpeg writing outputPath at the given size and rate.
func NewEncoder(outputPath string, width, height int, fps float64) (*Encoder, error) {
	cmd := utils.NewFFmpegEncoderCmd(outputPath, width, height, fps)
	in, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start encoder: %w", err)
	}
	e := newEncoder(in, width, height)
	e.cmd = cmd
	return e, nil
}

func newEncoder(in io.WriteCloser, width, height int) *Encoder {
	return &Encoder{in: in, frame: image.NewRGBA(image.Rect(0, 0, width, height))}
}

// Publish writes one frame. Images of a different size are cropped or padded to the encoder size.
func (e *Encoder) Publish(img image.Image, _ []types.Prediction) error {
	pix := e.frame.Pix
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds() == e.frame.Bounds() && rgba.Stride == e.frame.Stride {
		pix = rgba.Pix
	} else {
		draw.Draw(e.frame, e.frame.Bounds(), img, img.Bounds().Min, draw.Src)
	}
	if _, err := e.in.Write(pix); err != nil {
		return fmt.Errorf("encoder write failed: %w: %s", err, e.cmd.Logs())
	}
	e.frames++
	return nil
}

// Frames returns how many frames were written.
func (e *Encoder) Frames() int {
	return e.frames
}

// Close flushes the stream and waits for ffmpeg to finish the file.
func (e *Encoder) Close() error {
	if err := e.in.Close(); err != nil {
		return err
	}
	if e.cmd == nil {
		return nil
	}
	if err := e.cmd.Wait(); err != nil {
		return fmt.Errorf("encoder process failed: %w: %s", err, e.cmd.Logs())
	}
	return nil
}
