package server

import (
	"bufio"
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	"github.com/andresmejia3/meshcam/internal/types"
)

const mjpegBoundary = "meshcamframe"

// Preview is a loop sink that keeps the latest rendered frame as JPEG for HTTP clients.
type Preview struct {
	quality int

	mu      sync.Mutex
	latest  []byte
	clients map[chan []byte]struct{}
}

func NewPreview(quality int) *Preview {
	return &Preview{quality: quality, clients: make(map[chan []byte]struct{})}
}

// Publish encodes img and hands it to every subscriber. Slow subscribers skip frames.
func (p *Preview) Publish(img image.Image, _ []types.Prediction) error {
	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: p.quality}); err != nil {
		return fmt.Errorf("failed to encode preview: %w", err)
	}
	data := buf.Bytes()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.latest = data
	for ch := range p.clients {
		select {
		case ch <- data:
		default:
		}
	}
	return nil
}

// Latest returns the most recent frame, or nil before the first cycle.
func (p *Preview) Latest() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest
}

func (p *Preview) Subscribe() chan []byte {
	ch := make(chan []byte, 1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latest != nil {
		ch <- p.latest
	}
	p.clients[ch] = struct{}{}
	return ch
}

func (p *Preview) Unsubscribe(ch chan []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.clients[ch]; ok {
		delete(p.clients, ch)
		close(ch)
	}
}

// Close ends every stream.
func (p *Preview) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ch := range p.clients {
		delete(p.clients, ch)
		close(ch)
	}
}

// writeMJPEG writes frames as multipart parts until frames is closed or the client goes away.
func writeMJPEG(w *bufio.Writer, frames <-chan []byte) error {
	for frame := range frames {
		fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", mjpegBoundary, len(frame))
		w.Write(frame)
		w.WriteString("\r\n")
		if err := w.Flush(); err != nil {
			return err
		}
	}
	return nil
}
