package sink

import (
	"bytes"
	"image"
	"image/color"
	"testing"
)

type MockCloser struct {
	*bytes.Buffer
	closed bool
}

func (m *MockCloser) Close() error {
	m.closed = true
	return nil
}

func TestEncoder_Publish(t *testing.T) {
	out := &MockCloser{Buffer: new(bytes.Buffer)}
	e := newEncoder(out, 4, 3)

	same := image.NewRGBA(image.Rect(0, 0, 4, 3))
	same.Set(0, 0, color.RGBA{R: 255, A: 255})
	if err := e.Publish(same, nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// A differently sized image is fitted to the encoder frame
	bigger := image.NewRGBA(image.Rect(0, 0, 8, 8))
	if err := e.Publish(bigger, nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	frameSize := 4 * 3 * 4
	if out.Len() != 2*frameSize {
		t.Errorf("Expected %d bytes, got %d", 2*frameSize, out.Len())
	}
	if out.Bytes()[0] != 255 {
		t.Errorf("Expected first pixel red, got %d", out.Bytes()[0])
	}
	if e.Frames() != 2 {
		t.Errorf("Expected 2 frames, got %d", e.Frames())
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !out.closed {
		t.Error("Expected the pipe to be closed")
	}
}
