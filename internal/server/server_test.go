package server

import (
	"bufio"
	"bytes"
	"context"
	"image"
	"image/color"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/meshcam/internal/config"
	"github.com/andresmejia3/meshcam/internal/pointcloud"
	"github.com/andresmejia3/meshcam/internal/telemetry"
	"github.com/andresmejia3/meshcam/internal/types"
	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"gonum.org/v1/gonum/spatial/r3"
)

type fixedStatus struct {
	stats telemetry.Stats
}

func (f fixedStatus) Snapshot() telemetry.Stats { return f.stats }

func newTestServer(t *testing.T, patchRate float64) (*Server, *config.Store) {
	t.Helper()
	store := config.NewStore(config.Defaults().Render)
	s := New(Options{
		Store:     store,
		Status:    fixedStatus{stats: telemetry.Stats{FPS: 30, Faces: 1, State: "running"}},
		Hub:       NewHub(),
		Preview:   NewPreview(80),
		Logger:    log.New(io.Discard),
		SessionID: "abcd1234",
		PatchRate: patchRate,
	})
	return s, store
}

func TestGetConfig(t *testing.T) {
	s, _ := newTestServer(t, 0)

	resp, err := s.App().Test(httptest.NewRequest("GET", "/api/config", nil))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var got config.Render
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got != config.Defaults().Render {
		t.Errorf("Expected defaults, got %+v", got)
	}
}

func TestPatchConfig(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantQueued int
	}{
		{"Valid", `{"backend":"cpu","maxFaces":3}`, 202, 1},
		{"Toggle", `{"renderPointCloud":false}`, 202, 1},
		{"Empty", `{}`, 202, 0},
		{"UnknownBackend", `{"backend":"webgl"}`, 400, 0},
		{"TooManyFaces", `{"maxFaces":99}`, 422, 0},
		{"Malformed", `{"maxFaces":`, 400, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, store := newTestServer(t, 0)

			req := httptest.NewRequest("PATCH", "/api/config", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			resp, err := s.App().Test(req)
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			if resp.StatusCode != tt.wantStatus {
				body, _ := io.ReadAll(resp.Body)
				t.Fatalf("Expected %d, got %d: %s", tt.wantStatus, resp.StatusCode, body)
			}
			if got := len(store.Drain()); got != tt.wantQueued {
				t.Errorf("Expected %d queued patches, got %d", tt.wantQueued, got)
			}
		})
	}
}

func TestPatchConfig_RateLimited(t *testing.T) {
	s, _ := newTestServer(t, 0.001)

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("PATCH", "/api/config", strings.NewReader(`{"maxFaces":2}`))
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.App().Test(req)
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		codes = append(codes, resp.StatusCode)
	}
	if codes[0] != 202 || codes[1] != 429 {
		t.Errorf("Expected [202 429], got %v", codes)
	}
}

func TestGetStatus(t *testing.T) {
	s, _ := newTestServer(t, 0)

	resp, err := s.App().Test(httptest.NewRequest("GET", "/api/status", nil))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	var got statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.Session != "abcd1234" {
		t.Errorf("Expected session abcd1234, got %q", got.Session)
	}
	if got.FPS != 30 || got.Faces != 1 || got.State != "running" {
		t.Errorf("Unexpected stats: %+v", got.Stats)
	}
	if got.Config.Backend != "gpu" {
		t.Errorf("Expected backend gpu, got %q", got.Config.Backend)
	}
}

func TestSnapshot(t *testing.T) {
	s, _ := newTestServer(t, 0)

	resp, err := s.App().Test(httptest.NewRequest("GET", "/snapshot.jpg", nil))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != 503 {
		t.Errorf("Expected 503 before the first frame, got %d", resp.StatusCode)
	}

	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	img.Set(1, 1, color.White)
	if err := s.opts.Preview.Publish(img, nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	resp, err = s.App().Test(httptest.NewRequest("GET", "/snapshot.jpg", nil))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Expected image/jpeg, got %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if _, _, err := image.Decode(bytes.NewReader(body)); err != nil {
		t.Errorf("Snapshot is not a decodable image: %v", err)
	}
}

func TestWriteMJPEG(t *testing.T) {
	frames := make(chan []byte, 2)
	frames <- []byte{0xFF, 0xD8, 0xFF, 0xD9}
	frames <- []byte{0xFF, 0xD8, 0x00, 0xFF, 0xD9}
	close(frames)

	var out bytes.Buffer
	w := bufio.NewWriter(&out)
	if err := writeMJPEG(w, frames); err != nil {
		t.Fatalf("writeMJPEG failed: %v", err)
	}

	got := out.String()
	if n := strings.Count(got, "--"+mjpegBoundary+"\r\n"); n != 2 {
		t.Errorf("Expected 2 parts, got %d", n)
	}
	if !strings.Contains(got, "Content-Length: 5\r\n") {
		t.Errorf("Expected the second part length, got %q", got)
	}
}

func TestPreview_SubscribeGetsLatest(t *testing.T) {
	p := NewPreview(80)
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	if err := p.Publish(img, []types.Prediction{}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	ch := p.Subscribe()
	select {
	case frame := <-ch:
		if !bytes.Equal(frame, p.Latest()) {
			t.Error("Expected the latest frame first")
		}
	default:
		t.Fatal("Expected a frame on subscribe")
	}

	p.Close()
	if _, ok := <-ch; ok {
		t.Error("Expected the channel to be closed")
	}
}

func TestHub_RenderThenUpdate(t *testing.T) {
	h := NewHub()
	proj := pointcloud.NewProjector(h)

	ch := h.Subscribe()
	defer h.Unsubscribe(ch)

	preds := []types.Prediction{{ScaledMesh: []types.Keypoint{{X: 1, Y: 2, Z: 3}}}}
	if err := proj.Project(preds); err != nil {
		t.Fatalf("Project failed: %v", err)
	}
	if err := proj.Project(preds); err != nil {
		t.Fatalf("Project failed: %v", err)
	}

	var first, second cloudMessage
	if err := json.Unmarshal(<-ch, &first); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if err := json.Unmarshal(<-ch, &second); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if first.Type != "render" || len(first.Colors) != 1 {
		t.Errorf("Expected a coloured render message, got %+v", first)
	}
	if first.Points[0] != [3]float64{-1, -2, -3} {
		t.Errorf("Expected negated point, got %v", first.Points[0])
	}
	if second.Type != "update" || second.Colors != nil {
		t.Errorf("Expected an update without colours, got %+v", second)
	}
}

func TestHub_LateJoinerGetsFullDataset(t *testing.T) {
	h := NewHub()
	h.SetPointColorer(pointcloud.PointColor)
	ds := pointcloud.Dataset{Points: []r3.Vec{{X: 1}, {Y: 1}}}
	if err := h.Render(ds); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if err := h.UpdateDataset(ds); err != nil {
		t.Fatalf("UpdateDataset failed: %v", err)
	}

	ch := h.Subscribe()
	var msg cloudMessage
	if err := json.Unmarshal(<-ch, &msg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if msg.Type != "render" || len(msg.Colors) != 2 {
		t.Errorf("Expected a full render message, got %+v", msg)
	}
	if h.Clients() != 1 {
		t.Errorf("Expected 1 client, got %d", h.Clients())
	}
}

func TestPointCloudWebsocket(t *testing.T) {
	s, _ := newTestServer(t, 0)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()
	defer func() {
		cancel()
		<-done
	}()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws/pointcloud", nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	// Wait for the handler to subscribe before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for s.opts.Hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Viewer never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := s.opts.Hub.Render(pointcloud.Dataset{Points: []r3.Vec{{X: 1, Y: 1, Z: 1}}}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if kind != websocket.TextMessage {
		t.Errorf("Expected a text message, got %d", kind)
	}
	var msg cloudMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if msg.Type != "render" || len(msg.Points) != 1 {
		t.Errorf("Unexpected message: %+v", msg)
	}
}

func TestPointCloud_RejectsPlainHTTP(t *testing.T) {
	s, _ := newTestServer(t, 0)

	resp, err := s.App().Test(httptest.NewRequest("GET", "/ws/pointcloud", nil))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != 426 {
		t.Errorf("Expected 426, got %d", resp.StatusCode)
	}
}
