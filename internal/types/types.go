package types

import (
	"errors"
	"fmt"
)

// ErrKeypointCount means a prediction is neither a bare mesh nor a mesh with whole iris clusters.
var ErrKeypointCount = errors.New("unexpected keypoint count")

const (
	// NumKeypoints is the size of the canonical face mesh.
	NumKeypoints = 468
	// NumIrisKeypoints is the size of one iris cluster (centre + 4 boundary points).
	NumIrisKeypoints = 5
)

// Keypoint is one tracked facial landmark. X and Y are frame pixels, Z is model-relative depth.
type Keypoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Prediction is one detected face in one frame.
// ScaledMesh holds 468 keypoints, followed by 5 (left) or 10 (left + right) iris keypoints when irises were predicted.
type Prediction struct {
	ScaledMesh []Keypoint `json:"scaledMesh"`
}

// HasLeftIris reports whether the left iris cluster was appended.
func (p Prediction) HasLeftIris() bool {
	return len(p.ScaledMesh) > NumKeypoints
}

// HasRightIris reports whether the right iris cluster was appended.
func (p Prediction) HasRightIris() bool {
	return len(p.ScaledMesh) > NumKeypoints+NumIrisKeypoints
}

// ValidKeypointCount reports whether n is 468, 473 or 478.
func ValidKeypointCount(n int) bool {
	switch n {
	case NumKeypoints, NumKeypoints + NumIrisKeypoints, NumKeypoints + 2*NumIrisKeypoints:
		return true
	}
	return false
}

// Validate rejects predictions whose iris clusters are cut short.
func (p Prediction) Validate() error {
	if !ValidKeypointCount(len(p.ScaledMesh)) {
		return fmt.Errorf("%w: %d", ErrKeypointCount, len(p.ScaledMesh))
	}
	return nil
}

// Frame is a single JPEG-encoded image captured from a source.
type Frame struct {
	Index int
	Data  []byte
}

// ErrorResult captures the error object returned by a remote worker on failure
type ErrorResult struct {
	Error string `json:"error"`
}
