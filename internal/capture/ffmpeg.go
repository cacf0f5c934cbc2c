package capture

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/andresmejia3/meshcam/internal/utils"
)

// FFmpegSource reads an MJPEG stream produced by an ffmpeg subprocess.
type FFmpegSource struct {
	*frameBuffer
	cmd *utils.SafeCommand
}

// OpenFFmpeg starts ffmpeg on input. format is the ffmpeg demuxer, empty for files.
func OpenFFmpeg(input, format string, width, height int, realtime bool) (*FFmpegSource, error) {
	cmd := utils.NewFFmpegCaptureCmd(input, format, width, height, realtime)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	s := &FFmpegSource{frameBuffer: newFrameBuffer(), cmd: cmd}
	go func() {
		err := scanFrames(stdout, s.frameBuffer)
		if werr := cmd.Wait(); werr != nil && err == nil && !s.stopped.Load() {
			err = fmt.Errorf("ffmpeg exited: %w: %s", werr, cmd.Logs())
		}
		s.finish(err)
	}()
	return s, nil
}

// NewReaderSource splits an MJPEG byte stream from r. Used for pipes and tests.
func NewReaderSource(r io.Reader) Source {
	b := newFrameBuffer()
	go func() { b.finish(scanFrames(r, b)) }()
	return b
}

func (b *frameBuffer) Close() error {
	b.stopped.Store(true)
	b.finish(nil)
	return nil
}

func scanFrames(r io.Reader, b *frameBuffer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	scanner.Split(utils.SplitJpeg)

	for scanner.Scan() {
		if b.stopped.Load() {
			return nil
		}
		// The scanner reuses its buffer, so copy before handing off
		data := make([]byte, len(scanner.Bytes()))
		copy(data, scanner.Bytes())
		b.push(data)
	}
	return scanner.Err()
}

// Close stops ffmpeg. Wait in the reader goroutine releases the pipe.
func (s *FFmpegSource) Close() error {
	s.frameBuffer.Close()
	if s.cmd.Process != nil {
		if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("failed to stop ffmpeg: %w", err)
		}
	}
	return nil
}
