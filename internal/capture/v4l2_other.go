//go:build !linux

package capture

import (
	"github.com/pkg/errors"
)

type V4L2Source struct {
	*frameBuffer
}

// OpenV4L2 is only available on Linux. Use the ffmpeg source elsewhere.
func OpenV4L2(device string, width, height int) (*V4L2Source, error) {
	return nil, errors.Errorf("v4l2 capture of %s is only supported on linux", device)
}
