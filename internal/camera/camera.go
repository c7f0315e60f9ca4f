// Package camera opens the capture device through OpenCV.
package camera

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"gocv.io/x/gocv"
)

var ErrReadFailed = errors.New("camera read failed")

// Config selects and tunes the capture device.
type Config struct {
	// Device is a V4L2 index ("0"), a device path, or a stream URL.
	Device string  `yaml:"device"`
	FPS    float64 `yaml:"fps"`
	Width  int     `yaml:"width"`
	Height int     `yaml:"height"`
}

func DefaultConfig() Config {
	return Config{Device: "0", FPS: 30}
}

// Capture wraps an open gocv.VideoCapture. Reads are serialized.
type Capture struct {
	cfg Config

	mu sync.Mutex
	vc *gocv.VideoCapture
}

// Open opens the device and applies the requested frame rate and size.
func Open(cfg Config) (*Capture, error) {
	vc, err := gocv.OpenVideoCapture(deviceArg(cfg.Device))
	if err != nil {
		return nil, fmt.Errorf("open camera %q: %w", cfg.Device, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("open camera %q: device not available", cfg.Device)
	}
	if cfg.FPS > 0 {
		vc.Set(gocv.VideoCaptureFPS, cfg.FPS)
	}
	if cfg.Width > 0 && cfg.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	}
	return &Capture{cfg: cfg, vc: vc}, nil
}

// Read grabs the next frame into dst.
func (c *Capture) Read(dst *gocv.Mat) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vc == nil {
		return ErrReadFailed
	}
	if ok := c.vc.Read(dst); !ok || dst.Empty() {
		return ErrReadFailed
	}
	return nil
}

// FPS reports the rate the driver settled on, falling back to the request.
func (c *Capture) FPS() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vc != nil {
		if fps := c.vc.Get(gocv.VideoCaptureFPS); fps > 0 {
			return fps
		}
	}
	if c.cfg.FPS > 0 {
		return c.cfg.FPS
	}
	return 30
}

// Close releases the device. It is safe to call more than once.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vc == nil {
		return nil
	}
	err := c.vc.Close()
	c.vc = nil
	return err
}

func deviceArg(device string) interface{} {
	if device == "" {
		return 0
	}
	if id, err := strconv.Atoi(device); err == nil {
		return id
	}
	return device
}
