// Package server is the HTTP control surface: configuration, status, preview and the point-cloud feed.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andresmejia3/meshcam/internal/config"
	"github.com/andresmejia3/meshcam/internal/telemetry"
	"github.com/charmbracelet/log"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"
)

// StatusProvider reports loop telemetry.
type StatusProvider interface {
	Snapshot() telemetry.Stats
}

type Options struct {
	Store     *config.Store
	Status    StatusProvider
	Hub       *Hub
	Preview   *Preview
	Logger    *log.Logger
	SessionID string

	// PatchRate limits config changes per second per client. Zero disables the limit.
	PatchRate float64
}

type Server struct {
	app  *fiber.App
	opts Options

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

type statusResponse struct {
	telemetry.Stats
	Session string        `json:"session"`
	Config  config.Render `json:"config"`
	Viewers int           `json:"viewers"`
}

func New(opts Options) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "meshcam",
		DisableStartupMessage: true,
		StrictRouting:         true,
		CaseSensitive:         true,
		JSONEncoder:           jsoniter.Marshal,
		JSONDecoder:           jsoniter.Unmarshal,
	})
	s := &Server{app: app, opts: opts, limiters: make(map[string]*rate.Limiter)}
	s.routes()
	return s
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) routes() {
	api := s.app.Group("/api")
	api.Get("/config", s.getConfig)
	api.Patch("/config", s.limit, s.patchConfig)
	api.Get("/status", s.getStatus)

	s.app.Get("/snapshot.jpg", s.getSnapshot)
	s.app.Get("/stream.mjpg", s.getStream)

	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws/pointcloud", websocket.New(s.pointCloud))
}

func (s *Server) getConfig(c *fiber.Ctx) error {
	return c.JSON(s.opts.Store.Current())
}

func (s *Server) patchConfig(c *fiber.Ctx) error {
	var p config.Patch
	if err := c.BodyParser(&p); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	accepted, err := s.opts.Store.Submit(p)
	if err != nil {
		status := fiber.StatusUnprocessableEntity
		if errors.Is(err, config.ErrUnknownBackend) {
			status = fiber.StatusBadRequest
		}
		return c.Status(status).JSON(fiber.Map{"error": err.Error()})
	}
	s.opts.Logger.Info("config change queued", "ip", c.IP(), "config", fmt.Sprintf("%+v", accepted))
	return c.Status(fiber.StatusAccepted).JSON(accepted)
}

func (s *Server) getStatus(c *fiber.Ctx) error {
	resp := statusResponse{
		Session: s.opts.SessionID,
		Config:  s.opts.Store.Current(),
	}
	if s.opts.Status != nil {
		resp.Stats = s.opts.Status.Snapshot()
	}
	if s.opts.Hub != nil {
		resp.Viewers = s.opts.Hub.Clients()
	}
	return c.JSON(resp)
}

func (s *Server) getSnapshot(c *fiber.Ctx) error {
	if s.opts.Preview == nil {
		return fiber.ErrNotFound
	}
	frame := s.opts.Preview.Latest()
	if frame == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "no frame rendered yet"})
	}
	c.Set(fiber.HeaderContentType, "image/jpeg")
	return c.Send(frame)
}

func (s *Server) getStream(c *fiber.Ctx) error {
	if s.opts.Preview == nil {
		return fiber.ErrNotFound
	}
	c.Set(fiber.HeaderContentType, "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	c.Set(fiber.HeaderCacheControl, "no-cache")

	frames := s.opts.Preview.Subscribe()
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer s.opts.Preview.Unsubscribe(frames)
		if err := writeMJPEG(w, frames); err != nil {
			s.opts.Logger.Debug("preview client left", "err", err)
		}
	})
	return nil
}

func (s *Server) pointCloud(conn *websocket.Conn) {
	if s.opts.Hub == nil {
		conn.Close()
		return
	}
	s.opts.Logger.Info("point cloud viewer connected")
	defer s.opts.Logger.Info("point cloud viewer disconnected")

	msgs := s.opts.Hub.Subscribe()
	defer s.opts.Hub.Unsubscribe(msgs)

	// Viewers never send; reading only detects the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

// limit applies a per-client token bucket to config changes.
func (s *Server) limit(c *fiber.Ctx) error {
	if s.opts.PatchRate <= 0 {
		return c.Next()
	}

	s.mu.Lock()
	limiter, ok := s.limiters[c.IP()]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(s.opts.PatchRate), 1)
		s.limiters[c.IP()] = limiter
	}
	s.mu.Unlock()

	if !limiter.Allow() {
		s.opts.Logger.Warn("too many config changes", "ip", c.IP())
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "Too many requests"})
	}
	return c.Next()
}

// Serve listens on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.app.Listener(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		if s.opts.Hub != nil {
			s.opts.Hub.Close()
		}
		if s.opts.Preview != nil {
			s.opts.Preview.Close()
		}
		return s.app.ShutdownWithTimeout(5 * time.Second)
	}
}

// ListenAndServe binds addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.opts.Logger.Info("control surface listening", "addr", ln.Addr().String())
	return s.Serve(ctx, ln)
}
