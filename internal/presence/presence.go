// Package presence decides whether a trusted device is on the local network.
//
// The watcher calls PollIfDue once per tick. Every Ceiling ticks a router
// query is started in the background; at most one query is outstanding at a
// time and the call itself never blocks. Any failure counts as "not present"
// so a broken router never silences alerts.
package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Device is one row of the router's attached-device table.
type Device struct {
	MAC  string
	Name string
	IP   string
}

// Router lists the devices currently attached to the LAN.
type Router interface {
	AttachedDevices(ctx context.Context) ([]Device, error)
}

type Config struct {
	AccessListPath string        `yaml:"access_list"`
	Ceiling        int           `yaml:"poll_every_ticks"`
	PollTimeout    time.Duration `yaml:"poll_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Ceiling:     300,
		PollTimeout: 20 * time.Second,
	}
}

// State is the most recent presence verdict.
type State struct {
	Present    bool
	LastPollAt time.Time
	MatchedMAC string
	Polls      int
	Failures   int
}

type Monitor struct {
	cfg    Config
	router Router
	logger *zap.Logger

	// guard holds a token while a poll is outstanding.
	guard chan struct{}
	wg    sync.WaitGroup

	mu    sync.Mutex
	ticks int
	state State
}

func NewMonitor(cfg Config, router Router, logger *zap.Logger) *Monitor {
	d := DefaultConfig()
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = d.Ceiling
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = d.PollTimeout
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Monitor{
		cfg:    cfg,
		router: router,
		logger: logger.Named("presence"),
		guard:  make(chan struct{}, 1),
	}
}

// PollIfDue advances the tick counter, starts a background poll when the
// counter reaches the ceiling, and returns the current state.
func (m *Monitor) PollIfDue(ctx context.Context) State {
	m.mu.Lock()
	m.ticks++
	due := m.ticks >= m.cfg.Ceiling
	if due {
		m.ticks = 0
	}
	st := m.state
	m.mu.Unlock()

	if due {
		m.startPoll(ctx)
	}
	return st
}

// Snapshot returns the current state without advancing the counter.
func (m *Monitor) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Wait blocks until any outstanding poll has finished.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

func (m *Monitor) startPoll(ctx context.Context) {
	select {
	case m.guard <- struct{}{}:
	default:
		m.logger.Debug("presence poll still running, skipping")
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() { <-m.guard }()

		pctx, cancel := context.WithTimeout(ctx, m.cfg.PollTimeout)
		defer cancel()
		m.poll(pctx)
	}()
}

func (m *Monitor) poll(ctx context.Context) {
	present, matched, err := m.query(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Polls++
	m.state.LastPollAt = time.Now()
	if err != nil {
		m.state.Failures++
		m.state.Present = false
		m.state.MatchedMAC = ""
		if errors.Is(err, context.Canceled) {
			m.logger.Debug("presence poll cancelled")
			return
		}
		m.logger.Warn("presence poll failed, treating as absent", zap.Error(err))
		return
	}
	m.state.Present = present
	m.state.MatchedMAC = matched
}

func (m *Monitor) query(ctx context.Context) (bool, string, error) {
	// Reloaded every poll so edits take effect without a restart.
	list, err := LoadAccessList(m.cfg.AccessListPath, m.logger)
	if err != nil {
		return false, "", err
	}
	devices, err := m.router.AttachedDevices(ctx)
	if err != nil {
		return false, "", err
	}
	for _, d := range devices {
		if list.Contains(d.MAC) {
			m.logger.Info("trusted device present",
				zap.String("name", d.Name),
				zap.String("ip", d.IP),
				zap.String("mac", d.MAC))
			return true, d.MAC, nil
		}
	}
	return false, "", nil
}
