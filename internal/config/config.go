package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// ErrUnknownBackend is returned when a backend name is not one the worker understands.
var ErrUnknownBackend = errors.New("unknown compute backend")

// Backends lists the compute backends accepted by the landmark worker.
var Backends = []string{"gpu", "xnnpack", "cpu"}

// Render is the runtime-toggleable render configuration.
type Render struct {
	Backend          string `toml:"backend" json:"backend" validate:"oneof=gpu xnnpack cpu"`
	MaxFaces         int    `toml:"max_faces" json:"maxFaces" validate:"min=1,max=20"`
	TriangulateMesh  bool   `toml:"triangulate_mesh" json:"triangulateMesh"`
	PredictIrises    bool   `toml:"predict_irises" json:"predictIrises"`
	RenderPointCloud bool   `toml:"render_point_cloud" json:"renderPointCloud"`
}

// Source selects where frames come from.
type Source struct {
	Kind   string `toml:"kind" validate:"oneof=ffmpeg v4l2"`
	Device string `toml:"device" validate:"required"`
	Format string `toml:"format"` // ffmpeg input format, empty for files
	Width  int    `toml:"width" validate:"min=0"`
	Height int    `toml:"height" validate:"min=0"`
}

// Worker configures the landmark inference worker.
type Worker struct {
	Python    string `toml:"python"`
	Script    string `toml:"script"`
	RemoteURL string `toml:"remote_url" validate:"omitempty,url"`
	Timeout   string `toml:"timeout"`
}

// Server configures the HTTP control surface.
type Server struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr" validate:"required_if=Enabled true"`
}

// Loop configures the render loop.
type Loop struct {
	RefreshHz float64 `toml:"refresh_hz" validate:"gt=0,lte=240"`
	Mirror    bool    `toml:"mirror"`
}

// Mesh configures the triangulation table.
type Mesh struct {
	Triangulation string `toml:"triangulation"`
}

// Log configures logging.
type Log struct {
	Level string `toml:"level" validate:"oneof=debug info warn error"`
	File  string `toml:"file"`
}

// Settings is the merged configuration for one process.
type Settings struct {
	Render Render `toml:"render"`
	Source Source `toml:"source"`
	Worker Worker `toml:"worker"`
	Server Server `toml:"server"`
	Loop   Loop   `toml:"loop"`
	Mesh   Mesh   `toml:"mesh"`
	Log    Log    `toml:"log"`
}

// Defaults mirrors the demo's initial state: GPU backend, one face, wireframe and irises on.
func Defaults() Settings {
	return Settings{
		Render: Render{
			Backend:          "gpu",
			MaxFaces:         1,
			TriangulateMesh:  true,
			PredictIrises:    true,
			RenderPointCloud: true,
		},
		Source: Source{
			Kind:   "ffmpeg",
			Device: "/dev/video0",
			Format: "v4l2",
			Width:  500,
			Height: 500,
		},
		Worker: Worker{
			Python:  "python3",
			Script:  "python/landmark_worker.py",
			Timeout: "30s",
		},
		Server: Server{Enabled: true, Addr: "127.0.0.1:8080"},
		Loop:   Loop{RefreshHz: 60, Mirror: true},
		Log:    Log{Level: "info"},
	}
}

var validate = validator.New()

// Validate checks every section.
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := time.ParseDuration(s.Worker.Timeout); err != nil {
		return fmt.Errorf("invalid worker timeout %q (use '30s', '1m'): %w", s.Worker.Timeout, err)
	}
	return nil
}

// Validate checks the render section alone.
func (r Render) Validate() error {
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && verrs[0].Field() == "Backend" {
			return fmt.Errorf("%w: %q", ErrUnknownBackend, r.Backend)
		}
		return fmt.Errorf("invalid render configuration: %w", err)
	}
	return nil
}

// WorkerTimeout returns the parsed per-request worker timeout.
func (s Settings) WorkerTimeout() time.Duration {
	d, _ := time.ParseDuration(s.Worker.Timeout)
	return d
}

// Load builds Settings from defaults, an optional .env file, the TOML file at path and MESHCAM_* variables.
// A missing file is not an error when the path was not given explicitly.
func Load(path string, explicit bool) (Settings, error) {
	s := Defaults()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return s, fmt.Errorf("failed to load .env: %w", err)
	}
	if env := os.Getenv("MESHCAM_CONFIG"); env != "" && !explicit {
		path, explicit = env, true
	}

	if path != "" {
		err := decodeFile(path, &s)
		if err != nil && (explicit || !errors.Is(err, os.ErrNotExist)) {
			return s, err
		}
	}

	s.applyEnv()
	return s, s.Validate()
}

func decodeFile(path string, s *Settings) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := toml.NewDecoder(f).Decode(s); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// ReadRender re-reads only the [render] section of a config file on top of base.
func ReadRender(path string, base Render) (Render, error) {
	s := Settings{Render: base}
	if err := decodeFile(path, &s); err != nil {
		return base, err
	}
	return s.Render, s.Render.Validate()
}

func (s *Settings) applyEnv() {
	if v := os.Getenv("MESHCAM_LOG_LEVEL"); v != "" {
		s.Log.Level = v
	}
	if v := os.Getenv("MESHCAM_DEVICE"); v != "" {
		s.Source.Device = v
	}
	if v := os.Getenv("MESHCAM_WORKER_URL"); v != "" {
		s.Worker.RemoteURL = v
	}
	if v := os.Getenv("MESHCAM_ADDR"); v != "" {
		s.Server.Addr = v
	}
}
