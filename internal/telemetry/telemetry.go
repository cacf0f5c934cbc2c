// Package telemetry tracks per-cycle timing for the render loop.
package telemetry

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
)

// avgCount is the number of cycles averaged for the frame-time readout.
const avgCount = 30

// Stats is a point-in-time copy of the counters.
type Stats struct {
	FPS     float64 `json:"fps"`
	FrameMS float64 `json:"frameMs"`
	LastMS  float64 `json:"lastMs"`
	Cycles  int64   `json:"cycles"`
	Faces   int     `json:"faces"`
	State   string  `json:"state"`
}

// Status is the FPS panel. Begin and End bracket one cycle and are called from the loop;
// Snapshot may be called from anywhere.
type Status struct {
	mu  sync.Mutex
	now func() time.Time
	bar *progressbar.ProgressBar

	begun       time.Time
	lastEnd     time.Time
	times       [avgCount]float64
	counter     int
	avg         float64
	frames      int
	accumulated float64
	fps         float64
	last        float64
	cycles      int64
	faces       int
	state       string
}

// New creates a Status that draws a progress line on w. total is the number of frames
// expected, or -1 for a live camera. A nil w disables the display.
func New(w io.Writer, total int) *Status {
	s := &Status{now: time.Now, state: "stopped"}
	if w == nil {
		return s
	}
	if total <= 0 {
		total = -1
	}
	s.bar = progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🎭 meshcam"),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("frames"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
	return s
}

// Begin marks the start of a cycle.
func (s *Status) Begin() {
	s.mu.Lock()
	s.begun = s.now()
	s.mu.Unlock()
}

// End marks the end of the cycle started by the last Begin.
func (s *Status) End() {
	s.mu.Lock()
	if s.begun.IsZero() {
		s.mu.Unlock()
		return
	}
	now := s.now()
	ms := float64(now.Sub(s.begun)) / float64(time.Millisecond)
	// FPS counts wall time between cycles, scheduler waits included
	wall := ms
	if !s.lastEnd.IsZero() {
		wall = float64(now.Sub(s.lastEnd)) / float64(time.Millisecond)
	}
	s.begun = time.Time{}
	s.lastEnd = now
	s.update(ms, wall)
	desc := fmt.Sprintf("🎭 %.0f fps %.1f ms %d face(s)", s.fps, s.avg, s.faces)
	s.mu.Unlock()

	if s.bar != nil {
		s.bar.Describe(desc)
		s.bar.Add(1)
	}
}

// update keeps a rolling frame-time average of busy time and a once-per-second FPS count over wall time.
func (s *Status) update(ms, wall float64) {
	s.last = ms
	s.cycles++

	s.times[s.counter] = ms
	if s.counter == avgCount-1 {
		sum := 0.0
		for _, t := range s.times {
			sum += t
		}
		s.avg = sum / avgCount
	} else if s.cycles <= avgCount-1 {
		// Until the window is full, average what we have
		sum := 0.0
		for _, t := range s.times[:s.counter+1] {
			sum += t
		}
		s.avg = sum / float64(s.counter+1)
	}
	s.counter = (s.counter + 1) % avgCount

	s.frames++
	s.accumulated += wall
	if s.accumulated >= 1000 {
		s.fps = float64(s.frames)
		s.accumulated -= 1000
		s.frames = 0
	}
}

// SetFaces records how many faces the last cycle drew.
func (s *Status) SetFaces(n int) {
	s.mu.Lock()
	s.faces = n
	s.mu.Unlock()
}

// SetState records the loop state for status readers.
func (s *Status) SetState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Snapshot returns the current counters.
func (s *Status) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		FPS:     s.fps,
		FrameMS: s.avg,
		LastMS:  s.last,
		Cycles:  s.cycles,
		Faces:   s.faces,
		State:   s.state,
	}
}

// Close clears the progress line.
func (s *Status) Close() error {
	if s.bar == nil {
		return nil
	}
	return s.bar.Finish()
}
