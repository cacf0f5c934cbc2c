package mesh

import (
	"bufio"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/andresmejia3/meshcam/internal/types"
	"github.com/fogleman/delaunay"
	jsoniter "github.com/json-iterator/go"
)

// ErrInvalidTable is returned when a table is not a whole number of in-range triples.
var ErrInvalidTable = errors.New("invalid triangulation table")

// Table is a flat list of keypoint indices grouped in triples. Each triple is one wireframe face.
// A Table is never modified after it is built.
type Table []int

// Triangles returns the number of triples in the table.
func (t Table) Triangles() int {
	return len(t) / 3
}

// Triangle returns the three keypoint indices of triangle i.
func (t Table) Triangle(i int) (int, int, int) {
	return t[i*3], t[i*3+1], t[i*3+2]
}

// MaxIndex returns the largest keypoint index referenced, or -1 for an empty table.
func (t Table) MaxIndex() int {
	max := -1
	for _, idx := range t {
		if idx > max {
			max = idx
		}
	}
	return max
}

// Validate checks that the table is non-empty, made of triples and only references the first numKeypoints keypoints.
func (t Table) Validate(numKeypoints int) error {
	if len(t) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidTable)
	}
	if len(t)%3 != 0 {
		return fmt.Errorf("%w: length %d is not a multiple of 3", ErrInvalidTable, len(t))
	}
	for pos, idx := range t {
		if idx < 0 || idx >= numKeypoints {
			return fmt.Errorf("%w: index %d at position %d outside [0,%d)", ErrInvalidTable, idx, pos, numKeypoints)
		}
	}
	return nil
}

// WriteJSON writes the table as a flat JSON array.
func (t Table) WriteJSON(w io.Writer) error {
	return jsoniter.NewEncoder(w).Encode([]int(t))
}

// Parse reads a table from r. It accepts a JSON array, a JS module of the form
// `export const TRIANGULATION = [ ... ];`, or bare comma/whitespace separated integers.
func Parse(r io.Reader) (Table, error) {
	raw, err := io.ReadAll(bufio.NewReader(r))
	if err != nil {
		return nil, err
	}
	body := string(raw)
	if open := strings.IndexByte(body, '['); open != -1 {
		end := strings.LastIndexByte(body, ']')
		if end < open {
			return nil, fmt.Errorf("%w: unterminated array", ErrInvalidTable)
		}
		body = body[open+1 : end]
	}

	fields := strings.FieldsFunc(body, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\r' || r == '\t'
	})
	table := make(Table, 0, len(fields))
	for _, f := range fields {
		idx, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not an index", ErrInvalidTable, f)
		}
		table = append(table, idx)
	}
	return table, nil
}

// LoadFile parses and validates a table file against the canonical mesh size.
func LoadFile(path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	table, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := table.Validate(types.NumKeypoints); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return table, nil
}

// Derive builds a table by Delaunay-triangulating the (x, y) projection of the first 468 keypoints of a reference face.
func Derive(ref types.Prediction) (Table, error) {
	if len(ref.ScaledMesh) < types.NumKeypoints {
		return nil, fmt.Errorf("%w: reference face has %d keypoints, need %d", ErrInvalidTable, len(ref.ScaledMesh), types.NumKeypoints)
	}
	points := make([]delaunay.Point, types.NumKeypoints)
	for i, kp := range ref.ScaledMesh[:types.NumKeypoints] {
		points[i] = delaunay.Point{X: kp.X, Y: kp.Y}
	}
	tri, err := delaunay.Triangulate(points)
	if err != nil {
		return nil, fmt.Errorf("delaunay triangulation failed: %w", err)
	}
	table := Table(append([]int(nil), tri.Triangles...))
	if err := table.Validate(types.NumKeypoints); err != nil {
		return nil, err
	}
	return table, nil
}

// canonicalJSON is the MediaPipe face mesh topology: 880 triangles over the 468 keypoints,
// leaving the mouth open and the face oval as the outer edge.
//
//go:embed canonical.json
var canonicalJSON string

var canonical = sync.OnceValue(func() Table {
	t, err := Parse(strings.NewReader(canonicalJSON))
	if err != nil {
		panic(fmt.Sprintf("mesh: embedded triangulation: %v", err))
	}
	if err := t.Validate(types.NumKeypoints); err != nil {
		panic(fmt.Sprintf("mesh: embedded triangulation: %v", err))
	}
	return t
})

// Canonical returns the built-in face mesh table. Callers must not modify it.
func Canonical() Table {
	return canonical()
}

// Source hands out a single table for the lifetime of the process:
// the configured file when there is one, the canonical table otherwise.
type Source struct {
	path  string
	once  sync.Once
	table Table
	err   error
}

// NewSource creates a Source. An empty path selects the canonical table.
func NewSource(path string) *Source {
	return &Source{path: path}
}

// NewFixedSource wraps an already-built table.
func NewFixedSource(t Table) *Source {
	s := &Source{table: t}
	s.once.Do(func() {})
	return s
}

// Table returns the process-wide table, loading it on first use.
func (s *Source) Table() (Table, error) {
	s.once.Do(func() {
		if s.path != "" {
			s.table, s.err = LoadFile(s.path)
			return
		}
		s.table = Canonical()
	})
	return s.table, s.err
}
