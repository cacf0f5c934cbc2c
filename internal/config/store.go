package config

import (
	"sync"
)

// Patch is a partial update to the render configuration. Nil fields are left untouched.
type Patch struct {
	Backend          *string `json:"backend,omitempty"`
	MaxFaces         *int    `json:"maxFaces,omitempty"`
	TriangulateMesh  *bool   `json:"triangulateMesh,omitempty"`
	PredictIrises    *bool   `json:"predictIrises,omitempty"`
	RenderPointCloud *bool   `json:"renderPointCloud,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Backend == nil && p.MaxFaces == nil && p.TriangulateMesh == nil &&
		p.PredictIrises == nil && p.RenderPointCloud == nil
}

// Apply returns r with the patch applied.
func (p Patch) Apply(r Render) Render {
	if p.Backend != nil {
		r.Backend = *p.Backend
	}
	if p.MaxFaces != nil {
		r.MaxFaces = *p.MaxFaces
	}
	if p.TriangulateMesh != nil {
		r.TriangulateMesh = *p.TriangulateMesh
	}
	if p.PredictIrises != nil {
		r.PredictIrises = *p.PredictIrises
	}
	if p.RenderPointCloud != nil {
		r.RenderPointCloud = *p.RenderPointCloud
	}
	return r
}

// Diff returns the patch that turns old into updated.
func Diff(old, updated Render) Patch {
	var p Patch
	if old.Backend != updated.Backend {
		p.Backend = &updated.Backend
	}
	if old.MaxFaces != updated.MaxFaces {
		p.MaxFaces = &updated.MaxFaces
	}
	if old.TriangulateMesh != updated.TriangulateMesh {
		p.TriangulateMesh = &updated.TriangulateMesh
	}
	if old.PredictIrises != updated.PredictIrises {
		p.PredictIrises = &updated.PredictIrises
	}
	if old.RenderPointCloud != updated.RenderPointCloud {
		p.RenderPointCloud = &updated.RenderPointCloud
	}
	return p
}

// Store queues render configuration changes until the loop reaches a cycle boundary.
// Submit is safe from any goroutine. Drain is meant for the loop alone.
type Store struct {
	mu      sync.Mutex
	current Render
	pending []Patch
	changed chan struct{}
}

func NewStore(initial Render) *Store {
	return &Store{current: initial, changed: make(chan struct{}, 1)}
}

// Submit validates p against the latest accepted state and queues it.
// It returns the accepted configuration as readers will eventually observe it.
func (s *Store) Submit(p Patch) (Render, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := p.Apply(s.current)
	if err := next.Validate(); err != nil {
		return s.current, err
	}
	if p.Empty() {
		return s.current, nil
	}
	s.current = next
	s.pending = append(s.pending, p)

	select {
	case s.changed <- struct{}{}:
	default:
	}
	return next, nil
}

// Drain removes and returns every queued patch in submission order.
// It also consumes a pending change signal, so Changed only fires for patches queued afterwards.
func (s *Store) Drain() []Patch {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.changed:
	default:
	}
	out := s.pending
	s.pending = nil
	return out
}

// Current returns the latest accepted configuration.
func (s *Store) Current() Render {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Changed is signalled after a patch is queued.
func (s *Store) Changed() <-chan struct{} {
	return s.changed
}
