// Package motion turns consecutive camera frames into a motion metric.
package motion

import (
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// ErrNoFrame means a frame was missing or empty, so no metric was computed.
var ErrNoFrame = errors.New("no frame")

// Options tunes the differencing pipeline.
type Options struct {
	BlurSize       int     `yaml:"blur_size"`
	PixelThreshold float32 `yaml:"pixel_threshold"`
	DilateSize     int     `yaml:"dilate_size"`
}

func DefaultOptions() Options {
	return Options{BlurSize: 21, PixelThreshold: 25, DilateSize: 5}
}

// Frame holds one capture: the untouched colour image and its blurred
// grayscale version used for comparison.
type Frame struct {
	Color gocv.Mat
	Gray  gocv.Mat
}

func (f *Frame) empty() bool {
	return f == nil || f.Gray.Empty()
}

// Close releases both Mats.
func (f *Frame) Close() {
	if f == nil {
		return
	}
	f.Color.Close()
	f.Gray.Close()
}

// Differencer computes the delta metric between two prepared frames. It keeps
// no state besides its structuring element.
type Differencer struct {
	opts   Options
	kernel gocv.Mat
}

func NewDifferencer(opts Options) *Differencer {
	d := DefaultOptions()
	if opts.BlurSize > 0 {
		d.BlurSize = opts.BlurSize
	}
	if d.BlurSize%2 == 0 {
		d.BlurSize++
	}
	if opts.PixelThreshold > 0 {
		d.PixelThreshold = opts.PixelThreshold
	}
	if opts.DilateSize > 0 {
		d.DilateSize = opts.DilateSize
	}
	return &Differencer{
		opts:   d,
		kernel: gocv.GetStructuringElement(gocv.MorphRect, image.Pt(d.DilateSize, d.DilateSize)),
	}
}

// Prepare copies color and derives the blurred grayscale image.
func (d *Differencer) Prepare(color gocv.Mat) (*Frame, error) {
	if color.Empty() {
		return nil, ErrNoFrame
	}
	f := &Frame{Color: color.Clone(), Gray: gocv.NewMat()}
	if color.Channels() > 1 {
		gocv.CvtColor(color, &f.Gray, gocv.ColorBGRToGray)
	} else {
		color.CopyTo(&f.Gray)
	}
	gocv.GaussianBlur(f.Gray, &f.Gray, image.Pt(d.opts.BlurSize, d.opts.BlurSize), 0, 0, gocv.BorderDefault)
	if f.Gray.Empty() {
		f.Close()
		return nil, fmt.Errorf("prepare frame: grayscale conversion produced no image")
	}
	return f, nil
}

// Delta returns the number of changed pixels between prev and cur:
// absolute difference, binarized, dilated once, normalized, counted.
func (d *Differencer) Delta(prev, cur *Frame) (int, error) {
	if prev.empty() || cur.empty() {
		return 0, ErrNoFrame
	}
	if prev.Gray.Rows() != cur.Gray.Rows() || prev.Gray.Cols() != cur.Gray.Cols() {
		return 0, fmt.Errorf("frame size changed from %dx%d to %dx%d",
			prev.Gray.Cols(), prev.Gray.Rows(), cur.Gray.Cols(), cur.Gray.Rows())
	}

	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(prev.Gray, cur.Gray, &diff)

	thresh := gocv.NewMat()
	defer thresh.Close()
	gocv.Threshold(diff, &thresh, d.opts.PixelThreshold, 255, gocv.ThresholdBinary)

	dilated := gocv.NewMat()
	defer dilated.Close()
	gocv.Dilate(thresh, &dilated, d.kernel)

	norm := gocv.NewMat()
	defer norm.Close()
	gocv.Normalize(dilated, &norm, 0, 255, gocv.NormMinMax)

	return gocv.CountNonZero(norm), nil
}

// Close releases the structuring element.
func (d *Differencer) Close() {
	d.kernel.Close()
}
