package motion

import (
	"fmt"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// FrameReader is the capture device as seen by the sampler.
type FrameReader interface {
	Read(dst *gocv.Mat) error
	Close() error
}

// Sample is one metric reading.
type Sample struct {
	Metric int
	At     time.Time
}

// Sampler keeps the previous/current frame pair for one capture session and
// yields a metric per call to Next.
type Sampler struct {
	reader FrameReader
	diff   *Differencer

	mu   sync.Mutex
	raw  gocv.Mat
	prev *Frame
}

func NewSampler(reader FrameReader, opts Options) *Sampler {
	return &Sampler{
		reader: reader,
		diff:   NewDifferencer(opts),
		raw:    gocv.NewMat(),
	}
}

func (s *Sampler) read() (*Frame, error) {
	if err := s.reader.Read(&s.raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoFrame, err)
	}
	return s.diff.Prepare(s.raw)
}

// Next reads one frame and compares it with the previous one. The very first
// call reads two frames. On a read failure the previous frame is kept and
// ErrNoFrame is returned.
func (s *Sampler) Next() (Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.prev == nil {
		f, err := s.read()
		if err != nil {
			return Sample{}, err
		}
		s.prev = f
	}

	cur, err := s.read()
	if err != nil {
		return Sample{}, err
	}
	metric, err := s.diff.Delta(s.prev, cur)
	if err != nil {
		cur.Close()
		return Sample{}, err
	}
	s.prev.Close()
	s.prev = cur
	return Sample{Metric: metric, At: time.Now()}, nil
}

// Snapshot reads a fresh colour frame and returns it PNG encoded. When the
// device fails to deliver, the colour image of the last compared frame is
// used instead.
func (s *Sampler) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.reader.Read(&s.raw); err != nil {
		if s.prev != nil && !s.prev.Color.Empty() {
			return EncodePNG(s.prev.Color)
		}
		return nil, fmt.Errorf("%w: %v", ErrNoFrame, err)
	}
	return EncodePNG(s.raw)
}

// Close releases the frames, the differencer and the device.
func (s *Sampler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prev.Close()
	s.prev = nil
	s.raw.Close()
	s.diff.Close()
	return s.reader.Close()
}

// EncodePNG encodes img as PNG.
func EncodePNG(img gocv.Mat) ([]byte, error) {
	return encode(gocv.PNGFileExt, img)
}

// EncodeJPEG encodes img as JPEG.
func EncodeJPEG(img gocv.Mat) ([]byte, error) {
	return encode(gocv.JPEGFileExt, img)
}

func encode(ext gocv.FileExt, img gocv.Mat) ([]byte, error) {
	if img.Empty() {
		return nil, ErrNoFrame
	}
	buf, err := gocv.IMEncode(ext, img)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ext, err)
	}
	defer buf.Close()
	src := buf.GetBytes()
	out := make([]byte, len(src))
	copy(out, src)
	return out, nil
}
