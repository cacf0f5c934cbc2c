// Package capture delivers camera frames as JPEG bytes, keeping only the most recent one.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"io"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/meshcam/internal/config"
	"github.com/andresmejia3/meshcam/internal/types"
)

// ErrClosed is returned by Next after the source has been closed.
var ErrClosed = errors.New("capture source closed")

// Source is a stream of frames. Next and Ready are called from one goroutine.
type Source interface {
	// Ready blocks until the first frame arrives and returns its intrinsic size.
	Ready(ctx context.Context) (image.Point, error)
	// Next returns the newest frame not yet returned.
	Next(ctx context.Context) (types.Frame, error)
	Close() error
}

// Open picks the backend named by cfg.Kind.
func Open(cfg config.Source, realtime bool) (Source, error) {
	switch cfg.Kind {
	case "v4l2":
		s, err := OpenV4L2(cfg.Device, cfg.Width, cfg.Height)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "ffmpeg", "":
		s, err := OpenFFmpeg(cfg.Device, cfg.Format, cfg.Width, cfg.Height, realtime)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}
}

// frameBuffer is a one-slot mailbox: a new frame replaces an unread one.
type frameBuffer struct {
	frames  chan types.Frame
	done    chan struct{}
	err     error
	stopped atomic.Bool
	index   int

	first *types.Frame
	once  sync.Once
}

func newFrameBuffer() *frameBuffer {
	return &frameBuffer{
		frames: make(chan types.Frame, 1),
		done:   make(chan struct{}),
	}
}

// push is called by the single producer goroutine.
func (b *frameBuffer) push(data []byte) {
	f := types.Frame{Index: b.index, Data: data}
	b.index++
	select {
	case b.frames <- f:
	default:
		select {
		case <-b.frames:
		default:
		}
		b.frames <- f
	}
}

// finish records why the producer stopped. A nil err means end of stream.
func (b *frameBuffer) finish(err error) {
	b.once.Do(func() {
		if err == nil {
			err = io.EOF
		}
		if b.stopped.Load() {
			err = ErrClosed
		}
		b.err = err
		close(b.done)
	})
}

func (b *frameBuffer) Next(ctx context.Context) (types.Frame, error) {
	if b.first != nil {
		f := *b.first
		b.first = nil
		return f, nil
	}
	select {
	case f := <-b.frames:
		return f, nil
	case <-b.done:
		// Drain a frame that raced with the end of the stream
		select {
		case f := <-b.frames:
			return f, nil
		default:
		}
		return types.Frame{}, b.err
	case <-ctx.Done():
		return types.Frame{}, ctx.Err()
	}
}

func (b *frameBuffer) Ready(ctx context.Context) (image.Point, error) {
	f, err := b.Next(ctx)
	if err != nil {
		return image.Point{}, err
	}
	b.first = &f
	return FrameSize(f.Data)
}

// FrameSize reads the intrinsic dimensions of a JPEG frame without decoding pixels.
func FrameSize(data []byte) (image.Point, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return image.Point{}, fmt.Errorf("failed to read frame header: %w", err)
	}
	return image.Pt(cfg.Width, cfg.Height), nil
}

// Decode turns a JPEG frame into an image.
func Decode(f types.Frame) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame %d: %w", f.Index, err)
	}
	return img, nil
}
