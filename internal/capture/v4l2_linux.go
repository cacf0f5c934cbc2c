//go:build linux

package capture

import (
	"github.com/blackjack/webcam"
	"github.com/pkg/errors"
)

// mjpeg is the V4L2 fourcc for Motion-JPEG.
const mjpeg webcam.PixelFormat = 0x47504A4D

// V4L2Source reads MJPEG frames straight from a Video4Linux device.
type V4L2Source struct {
	*frameBuffer
}

// OpenV4L2 opens device, negotiates MJPEG at the requested size and starts streaming.
func OpenV4L2(device string, width, height int) (*V4L2Source, error) {
	cam, err := webcam.Open(device)
	if err != nil {
		return nil, errors.Wrap(err, "Can not open device")
	}

	if _, ok := cam.GetSupportedFormats()[mjpeg]; !ok {
		cam.Close()
		return nil, errors.Errorf("device %s does not support MJPEG", device)
	}
	if _, _, _, err := cam.SetImageFormat(mjpeg, uint32(width), uint32(height)); err != nil {
		cam.Close()
		return nil, errors.Wrap(err, "Can not set image format")
	}
	if err := cam.StartStreaming(); err != nil {
		cam.Close()
		return nil, errors.Wrap(err, "Can not start streaming")
	}

	s := &V4L2Source{frameBuffer: newFrameBuffer()}
	go func() {
		defer cam.Close()
		s.finish(s.stream(cam))
	}()
	return s, nil
}

func (s *V4L2Source) stream(cam *webcam.Webcam) error {
	for !s.stopped.Load() {
		err := cam.WaitForFrame(1)
		switch err.(type) {
		case nil:
		case *webcam.Timeout:
			continue
		default:
			return errors.Wrap(err, "Frame wait failed")
		}

		frame, err := cam.ReadFrame()
		if err != nil {
			return errors.Wrap(err, "Read frame failed")
		}
		if len(frame) == 0 {
			continue
		}
		// ReadFrame returns the driver's mmap buffer, which is reused
		data := make([]byte, len(frame))
		copy(data, frame)
		s.push(data)
	}
	return nil
}
