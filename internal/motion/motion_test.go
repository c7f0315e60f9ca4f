package motion

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"testing"

	"gocv.io/x/gocv"
)

func solid(v float64) gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(v, v, v, 0), 120, 160, gocv.MatTypeCV8UC3)
}

func withBox(base gocv.Mat, r image.Rectangle) gocv.Mat {
	m := base.Clone()
	gocv.Rectangle(&m, r, color.RGBA{255, 255, 255, 0}, -1)
	return m
}

func TestDeltaIdenticalFramesIsZero(t *testing.T) {
	d := NewDifferencer(DefaultOptions())
	defer d.Close()

	img := solid(40)
	defer img.Close()

	a, err := d.Prepare(img)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	defer a.Close()
	b, err := d.Prepare(img)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	defer b.Close()

	got, err := d.Delta(a, b)
	if err != nil {
		t.Fatalf("Delta failed: %v", err)
	}
	if got != 0 {
		t.Fatalf("Delta of identical frames = %d, want 0", got)
	}
}

func TestDeltaGrowsWithChangedArea(t *testing.T) {
	d := NewDifferencer(DefaultOptions())
	defer d.Close()

	base := solid(40)
	defer base.Close()
	small := withBox(base, image.Rect(70, 50, 80, 60))
	defer small.Close()
	large := withBox(base, image.Rect(20, 20, 120, 100))
	defer large.Close()

	prev, _ := d.Prepare(base)
	defer prev.Close()
	s, _ := d.Prepare(small)
	defer s.Close()
	l, _ := d.Prepare(large)
	defer l.Close()

	ds, err := d.Delta(prev, s)
	if err != nil {
		t.Fatalf("Delta failed: %v", err)
	}
	dl, err := d.Delta(prev, l)
	if err != nil {
		t.Fatalf("Delta failed: %v", err)
	}
	if ds <= 0 {
		t.Fatalf("small change produced delta %d", ds)
	}
	if dl <= ds {
		t.Fatalf("large change delta %d not above small change delta %d", dl, ds)
	}
}

func TestDeltaMissingFrame(t *testing.T) {
	d := NewDifferencer(DefaultOptions())
	defer d.Close()

	img := solid(10)
	defer img.Close()
	f, _ := d.Prepare(img)
	defer f.Close()

	if _, err := d.Delta(nil, f); !errors.Is(err, ErrNoFrame) {
		t.Fatalf("Delta(nil, f) = %v, want ErrNoFrame", err)
	}
	empty := gocv.NewMat()
	defer empty.Close()
	if _, err := d.Prepare(empty); !errors.Is(err, ErrNoFrame) {
		t.Fatalf("Prepare(empty) = %v, want ErrNoFrame", err)
	}
}

// scriptedReader replays frames; a nil entry is a read failure.
type scriptedReader struct {
	frames []*gocv.Mat
	pos    int
	closed bool
}

func (r *scriptedReader) Read(dst *gocv.Mat) error {
	if r.pos >= len(r.frames) {
		return errors.New("end of script")
	}
	f := r.frames[r.pos]
	r.pos++
	if f == nil {
		return errors.New("device busy")
	}
	f.CopyTo(dst)
	return nil
}

func (r *scriptedReader) Close() error {
	r.closed = true
	return nil
}

func TestSamplerSlidesFrames(t *testing.T) {
	still := solid(40)
	defer still.Close()
	moved := withBox(still, image.Rect(30, 30, 90, 90))
	defer moved.Close()

	r := &scriptedReader{frames: []*gocv.Mat{&still, &still, nil, &moved, &moved, &still}}
	s := NewSampler(r, DefaultOptions())

	want := []struct {
		positive bool
		err      error
	}{
		{false, nil},        // still, still
		{false, ErrNoFrame}, // read failure keeps previous
		{true, nil},         // still -> moved
		{false, nil},        // moved -> moved
		{true, nil},         // moved -> still
	}
	for i, w := range want {
		got, err := s.Next()
		if !errors.Is(err, w.err) {
			t.Fatalf("step %d: err = %v, want %v", i, err, w.err)
		}
		if err != nil {
			continue
		}
		if (got.Metric > 0) != w.positive {
			t.Fatalf("step %d: metric = %d, want positive=%v", i, got.Metric, w.positive)
		}
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !r.closed {
		t.Fatal("Close did not close the reader")
	}
}

func TestSamplerSnapshotIsPNG(t *testing.T) {
	img := solid(90)
	defer img.Close()
	s := NewSampler(&scriptedReader{frames: []*gocv.Mat{&img}}, DefaultOptions())
	defer s.Close()

	data, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("\x89PNG")) {
		t.Fatalf("snapshot is not a PNG (% x)", data[:8])
	}
	if _, err := s.Snapshot(); !errors.Is(err, ErrNoFrame) {
		t.Fatalf("Snapshot past end = %v, want ErrNoFrame", err)
	}
}

func TestSamplerSnapshotFallsBackToLastFrame(t *testing.T) {
	img := solid(120)
	defer img.Close()
	r := &scriptedReader{frames: []*gocv.Mat{&img, &img, nil}}
	s := NewSampler(r, DefaultOptions())
	defer s.Close()

	if _, err := s.Next(); err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	data, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot with busy device failed: %v", err)
	}
	decoded, err := gocv.IMDecode(data, gocv.IMReadUnchanged)
	if err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	defer decoded.Close()
	if decoded.Rows() != img.Rows() || decoded.Cols() != img.Cols() {
		t.Fatalf("snapshot is %dx%d, want %dx%d", decoded.Cols(), decoded.Rows(), img.Cols(), img.Rows())
	}
}
