// Package video serves camera frames to the stream worker and records them
// to MJPEG AVI files.
package video

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/mikeyg42/motioncam/internal/motion"
)

var ErrClosed = errors.New("video source closed")

type VideoConfig struct {
	// OutputPath receives the session file and recording clips.
	OutputPath string `yaml:"output_path"`
	// SessionFile is written for the whole streaming session; empty disables it.
	SessionFile string  `yaml:"session_file"`
	Codec       string  `yaml:"codec"`
	Framerate   float64 `yaml:"framerate"`
}

func DefaultVideoConfig() VideoConfig {
	return VideoConfig{SessionFile: "stream.avi", Codec: "MJPG", Framerate: 20}
}

// ClipName returns the file name used for a recording started at t.
func ClipName(t time.Time) string {
	return fmt.Sprintf("recording_%s.avi", t.Format("2006-01-02_15-04-05"))
}

// Recorder reads frames from the camera, JPEG encodes them for viewers and
// appends them to the session file and the active clip, if any.
type Recorder struct {
	config VideoConfig
	reader motion.FrameReader
	logger *zap.Logger

	mu          sync.Mutex
	frame       gocv.Mat
	width       int
	height      int
	session     *gocv.VideoWriter
	sessionDead bool
	clip        *gocv.VideoWriter
	clipPath    string
	pendingClip string
	closed      bool
}

func NewRecorder(reader motion.FrameReader, config VideoConfig, logger *zap.Logger) *Recorder {
	def := DefaultVideoConfig()
	if config.Codec == "" {
		config.Codec = def.Codec
	}
	if config.Framerate <= 0 {
		config.Framerate = def.Framerate
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Recorder{
		config: config,
		reader: reader,
		logger: logger.Named("video"),
		frame:  gocv.NewMat(),
	}
}

// NextJPEG reads one frame and returns it JPEG encoded.
func (r *Recorder) NextJPEG() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if err := r.reader.Read(&r.frame); err != nil {
		return nil, fmt.Errorf("%w: %v", motion.ErrNoFrame, err)
	}
	r.width, r.height = r.frame.Cols(), r.frame.Rows()

	r.writeSession()
	if r.pendingClip != "" {
		path := r.pendingClip
		r.pendingClip = ""
		if err := r.openClip(path); err != nil {
			r.logger.Error("failed to start recording", zap.String("file", path), zap.Error(err))
		}
	}
	if r.clip != nil {
		if err := r.clip.Write(r.frame); err != nil {
			r.logger.Warn("failed to write recording frame", zap.String("file", r.clipPath), zap.Error(err))
		}
	}
	return motion.EncodeJPEG(r.frame)
}

// writeSession appends the frame to the session file. A failure to open it
// disables the session file for the rest of the session.
func (r *Recorder) writeSession() {
	if r.config.SessionFile == "" || r.sessionDead {
		return
	}
	if r.session == nil {
		path := filepath.Join(r.config.OutputPath, r.config.SessionFile)
		w, err := r.newWriter(path)
		if err != nil {
			r.sessionDead = true
			r.logger.Warn("session file disabled", zap.String("file", path), zap.Error(err))
			return
		}
		r.session = w
	}
	if err := r.session.Write(r.frame); err != nil {
		r.logger.Debug("failed to write session frame", zap.Error(err))
	}
}

func (r *Recorder) newWriter(path string) (*gocv.VideoWriter, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	w, err := gocv.VideoWriterFile(path, r.config.Codec, r.config.Framerate, r.width, r.height, true)
	if err != nil {
		return nil, err
	}
	if !w.IsOpened() {
		w.Close()
		return nil, fmt.Errorf("video writer for %s did not open", path)
	}
	return w, nil
}

func (r *Recorder) openClip(path string) error {
	w, err := r.newWriter(path)
	if err != nil {
		return err
	}
	r.clip = w
	r.clipPath = path
	r.logger.Info("Started recording", zap.String("file", path))
	return nil
}

// StartClip begins recording to path. It is a no-op while a clip is active.
// Before the first frame is known the clip opens with the next frame.
func (r *Recorder) StartClip(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if r.clip != nil || r.pendingClip != "" {
		return nil
	}
	if r.width == 0 || r.height == 0 {
		r.pendingClip = path
		return nil
	}
	return r.openClip(path)
}

// StopClip finishes the active clip, if any.
func (r *Recorder) StopClip() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopClipLocked()
}

func (r *Recorder) stopClipLocked() error {
	r.pendingClip = ""
	if r.clip == nil {
		return nil
	}
	err := r.clip.Close()
	r.logger.Info("Stopped recording", zap.String("file", r.clipPath))
	r.clip = nil
	r.clipPath = ""
	if err != nil {
		return fmt.Errorf("failed to close recording: %w", err)
	}
	return nil
}

// Recording reports the active clip path.
func (r *Recorder) Recording() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clip != nil {
		return r.clipPath, true
	}
	return r.pendingClip, r.pendingClip != ""
}

// Close flushes writers and releases the camera.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	if err := r.stopClipLocked(); err != nil {
		errs = append(errs, err)
	}
	if r.session != nil {
		if err := r.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close session file: %w", err))
		}
		r.session = nil
	}
	r.frame.Close()
	if err := r.reader.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close camera: %w", err))
	}
	return errors.Join(errs...)
}
