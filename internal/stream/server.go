// Package stream runs the live streaming worker: it owns the camera while
// active and serves frames as MJPEG over HTTP and as a websocket feed.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mikeyg42/motioncam/internal/command"
	"github.com/mikeyg42/motioncam/internal/ownership"
	"github.com/mikeyg42/motioncam/internal/video"
)

const (
	holderName = "stream-server"
	boundary   = "--jpgboundary"
)

// Source produces JPEG frames and records clips on request.
type Source interface {
	NextJPEG() ([]byte, error)
	StartClip(path string) error
	StopClip() error
	Close() error
}

type Config struct {
	Addr            string        `yaml:"addr"`
	FrameInterval   time.Duration `yaml:"frame_interval"`
	RecordDir       string        `yaml:"record_dir"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// LeaseCheck is how often the worker verifies it still owns the camera.
	LeaseCheck time.Duration `yaml:"lease_check"`
	// OpenRetryMax caps the wait between attempts to open the camera.
	OpenRetryMax time.Duration `yaml:"open_retry_max"`
}

func DefaultConfig() Config {
	return Config{
		Addr:            "0.0.0.0:5000",
		FrameInterval:   50 * time.Millisecond,
		ShutdownTimeout: 5 * time.Second,
		LeaseCheck:      100 * time.Millisecond,
		OpenRetryMax:    ownership.DefaultOpenRetryMax,
	}
}

type Stats struct {
	Frames        uint64
	ReadFailures  uint64
	ActiveViewers int64
}

// Server is single use: Run it once per streaming session.
type Server struct {
	cfg       Config
	owner     *ownership.Ownership
	open      func() (Source, error)
	logger    *zap.Logger
	sessionID string

	hub      *frameHub
	upgrader websocket.Upgrader

	ready chan struct{}
	addr  atomic.Value

	frames       atomic.Uint64
	readFailures atomic.Uint64
	viewers      atomic.Int64
}

func New(cfg Config, owner *ownership.Ownership, open func() (Source, error), logger *zap.Logger) *Server {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = def.FrameInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.LeaseCheck <= 0 {
		cfg.LeaseCheck = def.LeaseCheck
	}
	if logger == nil {
		logger = zap.L()
	}
	sessionID := uuid.NewString()
	return &Server{
		cfg:       cfg,
		owner:     owner,
		open:      open,
		logger:    logger.Named("stream").With(zap.String("session", sessionID)),
		sessionID: sessionID,
		hub:       newFrameHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
		},
		ready: make(chan struct{}),
	}
}

// Ready is closed once the HTTP listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound listen address after Ready.
func (s *Server) Addr() string {
	if v, ok := s.addr.Load().(string); ok {
		return v
	}
	return ""
}

func (s *Server) Stats() Stats {
	return Stats{
		Frames:        s.frames.Load(),
		ReadFailures:  s.readFailures.Load(),
		ActiveViewers: s.viewers.Load(),
	}
}

// Run owns the camera and serves viewers until ctx is done, Shutdown arrives
// on inbox, or the lease is revoked.
func (s *Server) Run(ctx context.Context, inbox <-chan command.Command) error {
	lease, stopped, err := s.owner.AcquireForWorker(ctx, holderName, inbox)
	if stopped {
		s.logger.Info("shutdown before camera was acquired")
		return nil
	}
	if err != nil {
		return fmt.Errorf("acquire camera: %w", err)
	}
	defer lease.Release()

	var src Source
	stopped, err = lease.RetryOpen(ctx, inbox, ownership.OpenBackOff(s.cfg.OpenRetryMax), func() error {
		opened, err := s.open()
		if err != nil {
			return err
		}
		src = opened
		return nil
	}, func(err error, next time.Duration) {
		s.logger.Warn("failed to open camera, retrying", zap.Duration("retry_in", next), zap.Error(err))
	})
	if stopped {
		s.logger.Info("shutdown before camera could be opened")
		return nil
	}
	if err != nil {
		return fmt.Errorf("open camera: %w", err)
	}
	defer func() {
		if err := src.Close(); err != nil {
			s.logger.Warn("failed to close camera", zap.Error(err))
		}
	}()

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("stream listen on %s: %w", s.cfg.Addr, err)
	}
	s.addr.Store(ln.Addr().String())

	pumpCtx, stopPump := context.WithCancel(ctx)
	var pumpWG sync.WaitGroup
	pumpWG.Add(1)
	go func() {
		defer pumpWG.Done()
		s.pump(pumpCtx, src)
	}()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	close(s.ready)
	s.logger.Info("streaming started", zap.String("addr", ln.Addr().String()))

	defer func() {
		s.hub.close()
		stopPump()
		pumpWG.Wait()

		sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			s.logger.Warn("http shutdown incomplete, closing connections", zap.Error(err))
			srv.Close()
		}
		if err := src.StopClip(); err != nil {
			s.logger.Warn("failed to finish recording", zap.Error(err))
		}
		s.logger.Info("streaming stopped", zap.Uint64("frames", s.frames.Load()))
	}()

	check := time.NewTicker(s.cfg.LeaseCheck)
	defer check.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-serveErr:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("stream server: %w", err)
		case cmd, ok := <-inbox:
			if !ok || cmd == command.Shutdown {
				return nil
			}
			s.handleCommand(src, cmd)
		case <-check.C:
			if !lease.Held() {
				s.logger.Warn("camera lease revoked, stopping")
				return ownership.ErrLeaseRevoked
			}
		}
	}
}

func (s *Server) handleCommand(src Source, cmd command.Command) {
	switch cmd {
	case command.StartRecording:
		path := filepath.Join(s.cfg.RecordDir, video.ClipName(time.Now()))
		if err := src.StartClip(path); err != nil {
			s.logger.Error("failed to start recording", zap.String("file", path), zap.Error(err))
			return
		}
		s.logger.Info("recording requested", zap.String("file", path))
	case command.StopRecording:
		if err := src.StopClip(); err != nil {
			s.logger.Error("failed to stop recording", zap.Error(err))
		}
	default:
		s.logger.Debug("ignoring command", zap.String("command", string(cmd)))
	}
}

// pump is the only reader of the camera: one frame per FrameInterval.
func (s *Server) pump(ctx context.Context, src Source) {
	ticker := time.NewTicker(s.cfg.FrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		frame, err := src.NextJPEG()
		if err != nil {
			n := s.readFailures.Add(1)
			if n == 1 || n%100 == 0 {
				s.logger.Warn("camera read failed, retrying", zap.Uint64("failures", n), zap.Error(err))
			}
			continue
		}
		s.frames.Add(1)
		s.hub.publish(frame)
	}
}

// Handler serves the MJPEG stream on any path ending in .mjpg.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/snapshot.jpg", s.handleSnapshot)
	mux.HandleFunc("/ws", s.handleWebsocket)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ".mjpg") {
			http.NotFound(w, r)
			return
		}
		s.handleMJPEG(w, r)
	})
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	_, live := s.hub.latest()
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","session":%q,"frames":%d,"live":%t}`, s.sessionID, s.frames.Load(), live)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	frame, _, err := s.hub.next(r.Context(), 0)
	if err != nil {
		http.Error(w, "no frame available", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", fmt.Sprint(len(frame)))
	w.Write(frame)
}

func (s *Server) handleMJPEG(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	s.viewers.Add(1)
	defer s.viewers.Add(-1)

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Stream-Session", s.sessionID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := r.RemoteAddr
	s.logger.Info("viewer connected", zap.String("client", client))

	var seq uint64
	for {
		frame, next, err := s.hub.next(r.Context(), seq)
		if err != nil {
			s.logger.Info("viewer finished", zap.String("client", client), zap.Error(err))
			return
		}
		seq = next
		if _, err := fmt.Fprintf(w, "%s\r\nContent-type: image/jpeg\r\nContent-length: %d\r\n\r\n", boundary, len(frame)); err != nil {
			s.logger.Warn("viewer disconnected", zap.String("client", client), zap.Error(err))
			return
		}
		if _, err := w.Write(frame); err != nil {
			s.logger.Warn("viewer disconnected", zap.String("client", client), zap.Error(err))
			return
		}
		w.Write([]byte("\r\n"))
		flusher.Flush()
	}
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	s.viewers.Add(1)
	defer s.viewers.Add(-1)

	// Drain control frames so close messages are noticed.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	var seq uint64
	for {
		frame, next, err := s.hub.next(ctx, seq)
		if err != nil {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream stopped"),
				time.Now().Add(time.Second))
			return
		}
		seq = next
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			s.logger.Warn("websocket viewer disconnected", zap.String("client", r.RemoteAddr), zap.Error(err))
			return
		}
	}
}
