package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/meshcam/internal/types"
	"github.com/andresmejia3/meshcam/internal/utils" // Using the SafeCommand wrapper
)

// ErrWorkerClosed is returned once a worker has been closed or its stream is no longer in sync.
var ErrWorkerClosed = errors.New("landmark worker closed")

// Request opcodes.
const (
	opEstimate byte = 'E'
	opLoad     byte = 'L'
	opBackend  byte = 'B'
)

// Estimate flags.
const (
	flagIrises byte = 1 << iota
	flagFlip
	flagTensors
)

// EstimateRequest is one inference call. ReturnTensors and FlipHorizontal are always
// false for the overlay; they exist so the worker protocol matches the model's options.
type EstimateRequest struct {
	Frame          []byte
	PredictIrises  bool
	ReturnTensors  bool
	FlipHorizontal bool
}

func (r EstimateRequest) flags() byte {
	var f byte
	if r.PredictIrises {
		f |= flagIrises
	}
	if r.FlipHorizontal {
		f |= flagFlip
	}
	if r.ReturnTensors {
		f |= flagTensors
	}
	return f
}

func (r EstimateRequest) payload() []byte {
	payload := make([]byte, 0, len(r.Frame)+1)
	payload = append(payload, r.flags())
	return append(payload, r.Frame...)
}

// maxResponse bounds a single reply so a corrupt length header cannot allocate unbounded memory.
// Twenty faces with both irises need about 115 KiB.
const maxResponse = 16 << 20

// Estimator is a face-landmark model that can be reloaded and moved between compute backends.
type Estimator interface {
	Estimate(ctx context.Context, req EstimateRequest) ([]types.Prediction, error)
	Load(ctx context.Context, maxFaces int) error
	SetBackend(ctx context.Context, name string) error
	Close() error
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// PythonWorker talks to the landmark model running in a Python subprocess.
// Requests go over stdin; responses come back on a dedicated pipe (FD 3) so
// library chatter on stdout cannot corrupt the stream.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	Timeout  time.Duration

	mu     sync.Mutex
	closed bool
}

// NewPythonWorker starts python with the given script.
func NewPythonWorker(id int, python, script string, timeout time.Duration) (*PythonWorker, error) {
	py := utils.NewSafeCommand(python, "-u", script)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		Timeout:  timeout,
	}, nil
}

// Estimate sends one JPEG frame and returns a prediction per detected face.
func (w *PythonWorker) Estimate(ctx context.Context, req EstimateRequest) ([]types.Prediction, error) {
	body, err := w.roundTrip(ctx, opEstimate, req.payload())
	if err != nil {
		return nil, err
	}
	return DecodePredictions(body)
}

// Load (re)loads the model with a new face limit.
func (w *PythonWorker) Load(ctx context.Context, maxFaces int) error {
	payload := binary.BigEndian.AppendUint32(nil, uint32(maxFaces))
	_, err := w.roundTrip(ctx, opLoad, payload)
	return err
}

// SetBackend moves inference to the named compute backend.
func (w *PythonWorker) SetBackend(ctx context.Context, name string) error {
	_, err := w.roundTrip(ctx, opBackend, []byte(name))
	return err
}

// roundTrip runs one request/response exchange.
// Protocol: [Length][Op][Payload] -> [Length][Status][Body]
func (w *PythonWorker) roundTrip(ctx context.Context, op byte, payload []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, ErrWorkerClosed
	}

	if w.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.Timeout)
		defer cancel()
	}
	// Unblock a pending read when the context ends
	if d, ok := w.DataPipe.(deadliner); ok {
		stop := context.AfterFunc(ctx, func() { d.SetReadDeadline(time.Now()) })
		defer func() {
			if stop() {
				return
			}
			d.SetReadDeadline(time.Time{})
		}()
	}

	resp, err := w.exchange(op, payload)
	if err != nil {
		// A partial exchange leaves the stream out of sync
		w.closed = true
		if ctx.Err() != nil {
			return nil, fmt.Errorf("worker %d: %w", w.ID, ctx.Err())
		}
		return nil, fmt.Errorf("worker %d: %w", w.ID, err)
	}
	return parseResponse(resp)
}

func (w *PythonWorker) exchange(op byte, payload []byte) ([]byte, error) {
	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header, uint32(len(payload)+1))
	header[4] = op
	if _, err := w.Stdin.Write(header); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(payload); err != nil {
		return nil, err
	}

	// Read Result
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, lenBuf); err != nil {
		return nil, err // This is where we catch an import crash in the worker
	}
	respLen := binary.BigEndian.Uint32(lenBuf)
	if respLen > maxResponse {
		return nil, fmt.Errorf("response of %d bytes exceeds %d", respLen, maxResponse)
	}
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// parseResponse strips the status byte, turning an error status into a Go error.
func parseResponse(resp []byte) ([]byte, error) {
	if len(resp) == 0 {
		return nil, errors.New("empty response from worker")
	}
	if resp[0] == 0 {
		return resp[1:], nil
	}

	// Error Protocol: [Status:1] [MsgLen] [Msg]
	r := bytes.NewReader(resp[1:])
	var msgLen uint32
	if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
		return nil, fmt.Errorf("failed to read error length: %w", err)
	}
	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, fmt.Errorf("failed to read error message: %w", err)
	}
	return nil, fmt.Errorf("python worker error: %s", msg)
}

// DecodePredictions parses [NumFaces] then per face [NumKeypoints] [x y z float32...].
func DecodePredictions(body []byte) ([]types.Prediction, error) {
	r := bytes.NewReader(body)

	var numFaces uint32
	if err := binary.Read(r, binary.BigEndian, &numFaces); err != nil {
		return nil, fmt.Errorf("failed to read face count: %w", err)
	}

	preds := make([]types.Prediction, 0, min(numFaces, 32))
	for i := uint32(0); i < numFaces; i++ {
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, fmt.Errorf("failed to read keypoint count for face %d: %w", i, err)
		}
		if !types.ValidKeypointCount(int(n)) {
			return nil, fmt.Errorf("face %d: %w: %d", i, types.ErrKeypointCount, n)
		}

		raw := make([]float32, n*3)
		if err := binary.Read(r, binary.BigEndian, raw); err != nil {
			return nil, fmt.Errorf("failed to read keypoints for face %d: %w", i, err)
		}
		kps := make([]types.Keypoint, n)
		for j := range kps {
			kps[j] = types.Keypoint{
				X: float64(raw[j*3]),
				Y: float64(raw[j*3+1]),
				Z: float64(raw[j*3+2]),
			}
		}
		preds = append(preds, types.Prediction{ScaledMesh: kps})
	}
	return preds, nil
}

// EncodePredictions is the inverse of DecodePredictions.
func EncodePredictions(preds []types.Prediction) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint32(len(preds)))
	for _, p := range preds {
		binary.Write(buf, binary.BigEndian, uint32(len(p.ScaledMesh)))
		for _, kp := range p.ScaledMesh {
			binary.Write(buf, binary.BigEndian, [3]float32{float32(kp.X), float32(kp.Y), float32(kp.Z)})
		}
	}
	return buf.Bytes()
}

// Close shuts down the worker and waits for the process to exit.
func (w *PythonWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed && w.Stdin == nil {
		return nil
	}
	w.closed = true
	w.Stdin.Close()
	w.DataPipe.Close()
	w.Stdin = nil
	if w.Cmd == nil {
		return nil
	}
	if err := w.Cmd.Wait(); err != nil {
		return fmt.Errorf("worker %d exited: %w: %s", w.ID, err, w.Cmd.Logs())
	}
	return nil
}
