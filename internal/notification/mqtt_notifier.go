package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MQTTConfig configures motion event publication.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// Events go to <Topic>/motion.
	Topic          string
	QoS            byte
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// MQTTNotifier publishes a JSON event per alert. It does not carry the photo
// itself, only its file name.
type MQTTNotifier struct {
	cfg    MQTTConfig
	client mqtt.Client
	logger *zap.Logger

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

type motionEvent struct {
	ID     string    `json:"id"`
	Event  string    `json:"event"`
	System string    `json:"system"`
	Metric int       `json:"metric"`
	Shot   int       `json:"shot,omitempty"`
	Shots  int       `json:"shots,omitempty"`
	Image  string    `json:"image,omitempty"`
	At     time.Time `json:"at"`
}

func NewMQTTNotifier(cfg MQTTConfig, logger *zap.Logger) *MQTTNotifier {
	if cfg.ClientID == "" {
		cfg.ClientID = "motiondetection-" + uuid.NewString()[:8]
	}
	if cfg.Topic == "" {
		cfg.Topic = "motiondetection"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.L()
	}
	return &MQTTNotifier{cfg: cfg, logger: logger.Named("mqtt")}
}

// Connect dials the broker. Reconnection after a lost connection is left to
// the client library.
func (n *MQTTNotifier) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(n.cfg.Broker)
	opts.SetClientID(n.cfg.ClientID)
	if n.cfg.Username != "" {
		opts.SetUsername(n.cfg.Username)
		opts.SetPassword(n.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		n.setConnected(true)
		n.logger.Info("mqtt connected", zap.String("broker", n.cfg.Broker))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		n.setConnected(false)
		n.logger.Warn("mqtt connection lost, reconnecting", zap.Error(err))
	}

	n.client = mqtt.NewClient(opts)
	token := n.client.Connect()

	timeout := n.cfg.ConnectTimeout
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt connect to %s timed out", n.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	n.setConnected(true)
	return nil
}

func (n *MQTTNotifier) Notify(ctx context.Context, a Alert) error {
	if n.client == nil || !n.isConnected() {
		n.countError()
		return &SendError{Backend: "mqtt", Err: errors.New("not connected")}
	}

	ev := motionEvent{
		ID:     a.ID,
		Event:  "motion",
		System: a.System,
		Metric: a.Metric,
		Shot:   a.Shot,
		Shots:  a.Shots,
		At:     a.At.UTC(),
	}
	if a.AttachmentPath != "" {
		ev.Image = filepath.Base(a.AttachmentPath)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		n.countError()
		return &SendError{Backend: "mqtt", Err: err}
	}

	topic := n.cfg.Topic + "/motion"
	token := n.client.Publish(topic, n.cfg.QoS, false, payload)
	select {
	case <-token.Done():
	case <-time.After(n.cfg.PublishTimeout):
		n.countError()
		return &SendError{Backend: "mqtt", Err: errors.New("publish timeout")}
	case <-ctx.Done():
		n.countError()
		return &SendError{Backend: "mqtt", Err: ctx.Err()}
	}
	if err := token.Error(); err != nil {
		n.countError()
		return &SendError{Backend: "mqtt", Err: err}
	}

	n.mu.Lock()
	n.published++
	n.mu.Unlock()
	n.logger.Debug("motion event published", zap.String("topic", topic), zap.Int("size", len(payload)))
	return nil
}

// Close disconnects with a short grace period.
func (n *MQTTNotifier) Close() {
	if n.client != nil && n.client.IsConnected() {
		n.client.Disconnect(250)
	}
	n.setConnected(false)
}

// Stats returns published and failed event counts.
func (n *MQTTNotifier) Stats() (published, failed uint64) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.published, n.errors
}

func (n *MQTTNotifier) setConnected(v bool) {
	n.mu.Lock()
	n.connected = v
	n.mu.Unlock()
}

func (n *MQTTNotifier) isConnected() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.connected
}

func (n *MQTTNotifier) countError() {
	n.mu.Lock()
	n.errors++
	n.mu.Unlock()
}
