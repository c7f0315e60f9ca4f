// Package controller accepts commands on a TCP socket and keeps exactly one
// camera worker running: the motion watcher or the stream server.
//
// Each connection carries one command. Mode switches are serialized: the
// outgoing worker gets command.Shutdown and has AckTimeout to exit. After
// that its context is cancelled and the camera is reclaimed with
// ForceRelease before the next worker starts.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/motioncam/internal/command"
	"github.com/mikeyg42/motioncam/internal/ownership"
)

const maxCommandBytes = 1024

// Worker owns the camera while its Run is executing.
type Worker interface {
	Run(ctx context.Context, inbox <-chan command.Command) error
}

// Factory builds a fresh worker for a mode.
type Factory interface {
	NewWorker(mode command.Mode) (Worker, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(mode command.Mode) (Worker, error)

func (f FactoryFunc) NewWorker(mode command.Mode) (Worker, error) { return f(mode) }

type Config struct {
	ListenAddr  string        `yaml:"listen_addr"`
	AckTimeout  time.Duration `yaml:"ack_timeout"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	InitialMode command.Mode  `yaml:"-"`
	InboxSize   int           `yaml:"inbox_size"`
	// RateLimit is the number of connections allowed per RateWindow per IP.
	RateLimit  int           `yaml:"rate_limit"`
	RateWindow time.Duration `yaml:"rate_window"`
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:  "0.0.0.0:50050",
		AckTimeout:  5 * time.Second,
		ReadTimeout: 5 * time.Second,
		InitialMode: command.ModeMonitoring,
		InboxSize:   8,
		RateLimit:   30,
		RateWindow:  time.Minute,
	}
}

// Status is the reply to the status command.
type Status struct {
	Mode          string `json:"mode"`
	WorkerID      int    `json:"worker_id"`
	Holder        string `json:"holder"`
	Device        string `json:"device"`
	ControllerPID int    `json:"controller_pid"`
	ParentPID     int    `json:"parent_pid"`
	UptimeSeconds int64  `json:"uptime_s"`
	Switches      int64  `json:"switches"`
}

type workerHandle struct {
	id       int
	mode     command.Mode
	inbox    chan command.Command
	cancel   context.CancelFunc
	done     chan struct{}
	stopping atomic.Bool
	err      error
}

type Controller struct {
	cfg     Config
	factory Factory
	owner   *ownership.Ownership
	logger  *zap.Logger
	limiter *RateLimiter

	baseCtx    context.Context
	baseCancel context.CancelFunc
	started    time.Time
	pid, ppid  int

	lnMu sync.Mutex
	ln   net.Listener

	switchMu sync.Mutex

	mu       sync.Mutex
	active   *workerHandle
	nextID   int
	switches int64

	closeOnce sync.Once
}

func New(cfg Config, factory Factory, owner *ownership.Ownership, logger *zap.Logger) *Controller {
	def := DefaultConfig()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = def.InboxSize
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}
	if logger == nil {
		logger = zap.L()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:        cfg,
		factory:    factory,
		owner:      owner,
		logger:     logger.Named("controller"),
		limiter:    NewRateLimiter(cfg.RateLimit, cfg.RateWindow),
		baseCtx:    ctx,
		baseCancel: cancel,
		started:    time.Now(),
		pid:        os.Getpid(),
		ppid:       os.Getppid(),
	}
}

// Listen binds the command socket. A bind failure is fatal for the caller.
func (c *Controller) Listen() error {
	ln, err := net.Listen("tcp", c.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("command socket %s: %w", c.cfg.ListenAddr, err)
	}
	c.lnMu.Lock()
	c.ln = ln
	c.lnMu.Unlock()
	c.logger.Info("listening for commands",
		zap.String("addr", ln.Addr().String()),
		zap.Int("pid", c.pid),
		zap.Int("parent_pid", c.ppid))
	return nil
}

// Addr returns the bound command socket address.
func (c *Controller) Addr() net.Addr {
	c.lnMu.Lock()
	defer c.lnMu.Unlock()
	if c.ln == nil {
		return nil
	}
	return c.ln.Addr()
}

// Serve starts the initial mode and handles connections one at a time, in
// arrival order, until ctx is done or the listener is closed.
func (c *Controller) Serve(ctx context.Context) error {
	c.lnMu.Lock()
	ln := c.ln
	c.lnMu.Unlock()
	if ln == nil {
		return errors.New("controller: Serve called before Listen")
	}

	if c.cfg.InitialMode != command.ModeIdle {
		if err := c.switchTo(c.cfg.InitialMode); err != nil {
			c.logger.Error("initial mode failed", zap.String("mode", c.cfg.InitialMode.String()), zap.Error(err))
		}
	}

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			c.logger.Error("accept failed", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		c.handleConn(ctx, conn)
	}
}

func (c *Controller) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	ip := remoteIP(conn.RemoteAddr())
	// Local tooling polls the socket constantly; only remote clients are
	// throttled and logged.
	if !isLoopback(ip) {
		if !c.limiter.Allow(ip) {
			c.logger.Warn("command rate limit exceeded", zap.String("client", ip))
			return
		}
		c.logger.Info("received connection", zap.String("client", ip))
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	buf := make([]byte, maxCommandBytes)
	n, err := conn.Read(buf)
	if err != nil && n == 0 {
		c.logger.Debug("no command received", zap.String("client", ip), zap.Error(err))
		return
	}
	cmd, ok := command.Parse(buf[:n])
	if !ok {
		c.logger.Warn("ignoring unknown command", zap.String("client", ip), zap.ByteString("raw", truncate(buf[:n], 64)))
		return
	}

	reply := c.Handle(ctx, cmd)
	if len(reply) == 0 {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(c.cfg.ReadTimeout))
	if _, err := conn.Write(reply); err != nil {
		c.logger.Warn("failed to send reply", zap.String("client", ip), zap.Error(err))
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

// Handle executes one command and returns the reply bytes, if any.
func (c *Controller) Handle(_ context.Context, cmd command.Command) []byte {
	switch {
	case cmd == command.Ping:
		return []byte(c.pingReply())
	case cmd == command.Status:
		data, err := json.Marshal(c.Status())
		if err != nil {
			c.logger.Error("failed to encode status", zap.Error(err))
			return nil
		}
		return append(data, '\n')
	case cmd.IsPassthrough():
		c.forward(cmd)
		return nil
	}
	if mode, ok := cmd.TargetMode(); ok {
		c.logger.Info("mode change requested", zap.String("command", string(cmd)), zap.String("mode", mode.String()))
		if err := c.switchTo(mode); err != nil {
			c.logger.Error("mode change failed", zap.String("mode", mode.String()), zap.Error(err))
		}
		return nil
	}
	c.logger.Warn("ignoring command", zap.String("command", string(cmd)))
	return nil
}

func (c *Controller) pingReply() string {
	id := 0
	c.mu.Lock()
	if c.active != nil {
		id = c.active.id
	}
	c.mu.Unlock()
	return fmt.Sprintf("[%d, %d, %d]", c.pid, id, c.ppid)
}

// Status reports the active mode and worker.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Mode:          command.ModeIdle.String(),
		Holder:        c.owner.Holder(),
		Device:        c.owner.Device(),
		ControllerPID: c.pid,
		ParentPID:     c.ppid,
		UptimeSeconds: int64(time.Since(c.started).Seconds()),
		Switches:      c.switches,
	}
	if c.active != nil {
		st.Mode = c.active.mode.String()
		st.WorkerID = c.active.id
	}
	return st
}

// Mode returns the mode of the running worker, or ModeIdle.
func (c *Controller) Mode() command.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return command.ModeIdle
	}
	return c.active.mode
}

func (c *Controller) current() *workerHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// forward hands a recording command to the stream worker. It is dropped in
// any other mode.
func (c *Controller) forward(cmd command.Command) {
	h := c.current()
	if h == nil || h.mode != command.ModeStreaming {
		c.logger.Info("no stream worker, ignoring", zap.String("command", string(cmd)))
		return
	}
	select {
	case h.inbox <- cmd:
	default:
		c.logger.Warn("stream worker inbox full, dropping", zap.String("command", string(cmd)))
	}
}

func (c *Controller) switchTo(mode command.Mode) error {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	if c.baseCtx.Err() != nil {
		return errors.New("controller closed")
	}
	if h := c.current(); h != nil {
		if h.mode == mode {
			c.logger.Info("already in mode", zap.String("mode", mode.String()), zap.Int("worker_id", h.id))
			return nil
		}
		c.teardown(h)
	}
	if mode == command.ModeIdle {
		return nil
	}
	return c.spawn(mode)
}

// teardown stops h and guarantees the camera is free when it returns.
func (c *Controller) teardown(h *workerHandle) {
	h.stopping.Store(true)
	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()

	acked := false
	select {
	case h.inbox <- command.Shutdown:
		select {
		case <-h.done:
			acked = true
		case <-timer.C:
		}
	case <-h.done:
		acked = true
	case <-timer.C:
	}

	if !acked {
		c.logger.Warn("worker did not acknowledge shutdown, terminating",
			zap.Int("worker_id", h.id),
			zap.String("mode", h.mode.String()),
			zap.Duration("ack_timeout", c.cfg.AckTimeout))
	}
	if holder, ok := c.owner.ForceRelease(); ok {
		c.logger.Warn("reclaimed camera", zap.String("holder", holder), zap.Int("worker_id", h.id))
	}
	h.cancel()

	c.mu.Lock()
	if c.active == h {
		c.active = nil
	}
	c.mu.Unlock()
	c.logger.Info("worker stopped", zap.Int("worker_id", h.id), zap.String("mode", h.mode.String()), zap.Bool("acked", acked))
}

func (c *Controller) spawn(mode command.Mode) error {
	w, err := c.factory.NewWorker(mode)
	if err != nil {
		return fmt.Errorf("create %s worker: %w", mode, err)
	}
	ctx, cancel := context.WithCancel(c.baseCtx)

	c.mu.Lock()
	c.nextID++
	h := &workerHandle{
		id:     c.nextID,
		mode:   mode,
		inbox:  make(chan command.Command, c.cfg.InboxSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.active = h
	c.switches++
	c.mu.Unlock()

	c.logger.Info("worker started", zap.Int("worker_id", h.id), zap.String("mode", mode.String()))
	go c.runWorker(ctx, h, w)
	return nil
}

func (c *Controller) runWorker(ctx context.Context, h *workerHandle, w Worker) {
	defer func() {
		if r := recover(); r != nil {
			h.err = fmt.Errorf("worker panic: %v", r)
		}
		close(h.done)
		if !h.stopping.Load() {
			go c.workerDied(h)
		}
	}()
	h.err = w.Run(ctx, h.inbox)
}

// workerDied handles a worker that exited without being asked to. It runs
// under switchMu so no replacement can start while the camera is reclaimed.
func (c *Controller) workerDied(h *workerHandle) {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	c.mu.Lock()
	wasActive := c.active == h
	if wasActive {
		c.active = nil
	}
	c.mu.Unlock()
	if !wasActive {
		return
	}
	c.logger.Error("worker exited unexpectedly",
		zap.Int("worker_id", h.id), zap.String("mode", h.mode.String()), zap.Error(h.err))
	if holder, ok := c.owner.ForceRelease(); ok {
		c.logger.Warn("reclaimed camera from dead worker", zap.String("holder", holder))
	}
	h.cancel()
}

// Close stops the accept loop and the active worker.
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.lnMu.Lock()
		if c.ln != nil {
			err = c.ln.Close()
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
		}
		c.lnMu.Unlock()

		c.switchMu.Lock()
		if h := c.current(); h != nil {
			c.teardown(h)
		}
		c.baseCancel()
		c.switchMu.Unlock()
		c.logger.Info("controller stopped")
	})
	return err
}
