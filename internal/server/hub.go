package server

import (
	"sync"

	"github.com/andresmejia3/meshcam/internal/pointcloud"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// cloudMessage is the wire format of the point-cloud feed.
// "render" carries colours and replaces the viewer's dataset; "update" only moves points.
type cloudMessage struct {
	Type   string       `json:"type"`
	Points [][3]float64 `json:"points"`
	Colors []string     `json:"colors,omitempty"`
}

// Hub is a pointcloud.Viewer that fans datasets out to websocket subscribers.
type Hub struct {
	mu      sync.Mutex
	colorer pointcloud.Colorer
	last    []byte // most recent dataset, encoded as a "render" message for late joiners
	clients map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[chan []byte]struct{})}
}

func (h *Hub) SetPointColorer(c pointcloud.Colorer) {
	h.mu.Lock()
	h.colorer = c
	h.mu.Unlock()
}

func (h *Hub) Render(ds pointcloud.Dataset) error {
	msg, err := h.encode("render", ds, true)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.last = msg
	h.mu.Unlock()
	h.broadcast(msg)
	return nil
}

func (h *Hub) UpdateDataset(ds pointcloud.Dataset) error {
	full, err := h.encode("render", ds, true)
	if err != nil {
		return err
	}
	msg, err := h.encode("update", ds, false)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.last = full
	h.mu.Unlock()
	h.broadcast(msg)
	return nil
}

func (h *Hub) encode(kind string, ds pointcloud.Dataset, withColors bool) ([]byte, error) {
	msg := cloudMessage{Type: kind, Points: make([][3]float64, len(ds.Points))}
	for i, p := range ds.Points {
		msg.Points[i] = [3]float64{p.X, p.Y, p.Z}
	}

	h.mu.Lock()
	colorer := h.colorer
	h.mu.Unlock()
	if withColors && colorer != nil {
		msg.Colors = make([]string, len(ds.Points))
		for i := range ds.Points {
			msg.Colors[i] = colorer(i)
		}
	}
	return json.Marshal(msg)
}

// broadcast drops the message for subscribers that are not keeping up.
func (h *Hub) broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Subscribe registers a client. The returned channel first yields the latest full dataset, if any.
func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, 8)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.last != nil {
		ch <- h.last
	}
	h.clients[ch] = struct{}{}
	return ch
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		delete(h.clients, ch)
		close(ch)
	}
}
