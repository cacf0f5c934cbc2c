package worker

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/andresmejia3/meshcam/internal/types"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RemoteWorker runs inference on a landmark service reachable over a websocket.
// Each request is one binary message [Op][Payload]; the reply is [Status][Body]
// in the same layout the local worker uses, or a JSON text message {"error": "..."}.
type RemoteWorker struct {
	URL          string
	Timeout      time.Duration
	writeTimeout time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func NewRemoteWorker(url string, timeout time.Duration) *RemoteWorker {
	return &RemoteWorker{URL: url, Timeout: timeout, writeTimeout: 5 * time.Second}
}

// Connect dials the service. Requests reconnect on demand if this is skipped.
func (w *RemoteWorker) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dial(ctx)
}

func (w *RemoteWorker) dial(ctx context.Context) error {
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.DialContext(ctx, w.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", w.URL, err)
	}
	conn.SetReadLimit(maxResponse)
	w.conn = conn
	return nil
}

func (w *RemoteWorker) Estimate(ctx context.Context, req EstimateRequest) ([]types.Prediction, error) {
	body, err := w.roundTrip(ctx, opEstimate, req.payload())
	if err != nil {
		return nil, err
	}
	return DecodePredictions(body)
}

func (w *RemoteWorker) Load(ctx context.Context, maxFaces int) error {
	_, err := w.roundTrip(ctx, opLoad, binary.BigEndian.AppendUint32(nil, uint32(maxFaces)))
	return err
}

func (w *RemoteWorker) SetBackend(ctx context.Context, name string) error {
	_, err := w.roundTrip(ctx, opBackend, []byte(name))
	return err
}

func (w *RemoteWorker) roundTrip(ctx context.Context, op byte, payload []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, ErrWorkerClosed
	}
	if w.conn == nil {
		if err := w.dial(ctx); err != nil {
			return nil, err
		}
	}
	conn := w.conn

	readDeadline := time.Time{}
	if w.Timeout > 0 {
		readDeadline = time.Now().Add(w.Timeout)
	}
	if d, ok := ctx.Deadline(); ok && (readDeadline.IsZero() || d.Before(readDeadline)) {
		readDeadline = d
	}
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, append([]byte{op}, payload...)); err != nil {
		w.drop()
		return nil, fmt.Errorf("error sending request: %w", err)
	}

	conn.SetReadDeadline(readDeadline)
	msgType, message, err := conn.ReadMessage()
	if err != nil {
		w.drop()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("error reading response: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})

	if msgType == websocket.TextMessage {
		var res types.ErrorResult
		if err := json.Unmarshal(message, &res); err != nil {
			return nil, fmt.Errorf("error unmarshaling response: %w", err)
		}
		return nil, fmt.Errorf("remote worker error: %s", res.Error)
	}
	return parseResponse(message)
}

// drop forgets a broken connection so the next request redials.
func (w *RemoteWorker) drop() {
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}

func (w *RemoteWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closed = true
	if w.conn == nil {
		return nil
	}
	w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(w.writeTimeout))
	err := w.conn.Close()
	w.conn = nil
	return err
}
