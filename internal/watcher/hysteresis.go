package watcher

// Thresholds bound the per-tick difference metric.
type Thresholds struct {
	// DeltaMin and DeltaMax bound the band (exclusive on both ends) that
	// counts as real movement.
	DeltaMin int `yaml:"delta_min"`
	DeltaMax int `yaml:"delta_max"`
	// Readings below MotionMin count as a still scene.
	MotionMin int `yaml:"motion_min"`

	// TrackerCeiling in-band readings in a row trigger an alert.
	TrackerCeiling int `yaml:"tracker_ceiling"`
	// QuietCeiling still readings arm an immediate trigger on the next
	// in-band reading.
	QuietCeiling int `yaml:"quiet_ceiling"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		DeltaMin:       1500,
		DeltaMax:       10000,
		MotionMin:      500,
		TrackerCeiling: 60,
		QuietCeiling:   60,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.TrackerCeiling <= 0 {
		t.TrackerCeiling = d.TrackerCeiling
	}
	if t.QuietCeiling <= 0 {
		t.QuietCeiling = d.QuietCeiling
	}
	return t
}

// Hysteresis turns a stream of difference metrics into trigger decisions.
// It is not safe for concurrent use; one watcher owns one instance.
type Hysteresis struct {
	th      Thresholds
	tracker int
	quiet   int
}

func NewHysteresis(th Thresholds) *Hysteresis {
	return &Hysteresis{th: th.withDefaults()}
}

// Observe feeds one reading and reports whether it triggers an alert.
// A trigger resets both counters.
func (h *Hysteresis) Observe(metric int) bool {
	switch {
	case metric > h.th.DeltaMin && metric < h.th.DeltaMax:
		h.tracker++
		if h.tracker >= h.th.TrackerCeiling || h.quiet >= h.th.QuietCeiling {
			h.tracker = 0
			h.quiet = 0
			return true
		}
		h.quiet = 0
	case metric < h.th.MotionMin:
		if h.quiet < h.th.QuietCeiling {
			h.quiet++
		}
		h.tracker = 0
	}
	return false
}

// Reset clears both counters.
func (h *Hysteresis) Reset() {
	h.tracker = 0
	h.quiet = 0
}

func (h *Hysteresis) Tracker() int    { return h.tracker }
func (h *Hysteresis) QuietCount() int { return h.quiet }
