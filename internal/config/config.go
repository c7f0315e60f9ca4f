// Package config holds the process configuration: defaults, YAML loading,
// sealed secrets and the mapping into each component's own config struct.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mikeyg42/motioncam/internal/camera"
	"github.com/mikeyg42/motioncam/internal/controller"
	"github.com/mikeyg42/motioncam/internal/logging"
	"github.com/mikeyg42/motioncam/internal/motion"
	"github.com/mikeyg42/motioncam/internal/presence"
	"github.com/mikeyg42/motioncam/internal/secret"
	"github.com/mikeyg42/motioncam/internal/stream"
	"github.com/mikeyg42/motioncam/internal/video"
	"github.com/mikeyg42/motioncam/internal/watcher"
)

// MasterKeyEnv names the environment variable holding the key for sealed
// values.
const MasterKeyEnv = "MOTIONCAM_MASTER_KEY"

// Config holds all application configuration
type Config struct {
	// Home holds the access list, captures and gmail token by default.
	Home        string `yaml:"home"`
	CapturesDir string `yaml:"captures_dir"`
	SystemName  string `yaml:"system_name"`

	Logging    logging.Config         `yaml:"logging"`
	Camera     camera.Config          `yaml:"camera"`
	Motion     motion.Options         `yaml:"motion"`
	Watcher    watcher.Config         `yaml:"watcher"`
	Stream     stream.Config          `yaml:"stream"`
	Video      video.VideoConfig      `yaml:"video"`
	Controller controller.Config      `yaml:"controller"`
	Presence   presence.Config        `yaml:"presence"`
	Netgear    presence.NetgearConfig `yaml:"netgear"`
	Email      EmailConfig            `yaml:"email"`
	MQTT       MQTTConfig             `yaml:"mqtt"`
	Webhook    WebhookConfig          `yaml:"webhook"`
	MinIO      MinIOConfig            `yaml:"minio"`
}

type EmailConfig struct {
	// Method is "smtp" or "gmail".
	Method    string `yaml:"method"`
	Sender    string `yaml:"sender"`
	Recipient string `yaml:"recipient"`
	Password  string `yaml:"password"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`

	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`

	Gmail GmailConfig `yaml:"gmail"`
}

type GmailConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenPath    string `yaml:"token_path"`
	// TokenKey is a hex AES-256 key for the token file.
	TokenKey string `yaml:"token_key"`
}

// MQTTConfig is enabled when Broker is set.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
}

// WebhookConfig is enabled when URL is set.
type WebhookConfig struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// MinIOConfig is enabled when Endpoint is set.
type MinIOConfig struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	watch := watcher.DefaultConfig()
	watch.SystemName = "motiondetection"

	presenceCfg := presence.DefaultConfig()
	presenceCfg.AccessListPath = "~/.motiondetection/accesslist"

	netgear := presence.DefaultNetgearConfig()
	netgear.Password = "password"

	return &Config{
		Home:       "~/.motiondetection",
		SystemName: "motiondetection",
		Logging: logging.Config{
			Level:    "info",
			Encoding: "console",
			File:     "/var/log/motiondetection.log",
		},
		Camera:     camera.DefaultConfig(),
		Motion:     motion.DefaultOptions(),
		Watcher:    watch,
		Stream:     stream.DefaultConfig(),
		Video:      video.DefaultVideoConfig(),
		Controller: controller.DefaultConfig(),
		Presence:   presenceCfg,
		Netgear:    netgear,
		Email: EmailConfig{
			Method:      "smtp",
			Host:        "smtp.gmail.com",
			Port:        587,
			MaxAttempts: 3,
			RetryDelay:  time.Second,
			Gmail: GmailConfig{
				TokenPath: "~/.motiondetection/gmail_token.json",
			},
		},
		MQTT: MQTTConfig{Topic: "motiondetection"},
		MinIO: MinIOConfig{
			Bucket: "motiondetection",
			Prefix: "captures",
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns defaults.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(ExpandHome(path))
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Save writes the configuration as YAML with owner-only permissions.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	path = ExpandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// DecryptSecrets opens every sealed credential in place.
func (c *Config) DecryptSecrets(masterKey string) error {
	fields := []struct {
		name string
		val  *string
	}{
		{"email.password", &c.Email.Password},
		{"email.gmail.client_secret", &c.Email.Gmail.ClientSecret},
		{"email.gmail.token_key", &c.Email.Gmail.TokenKey},
		{"netgear.password", &c.Netgear.Password},
		{"mqtt.password", &c.MQTT.Password},
		{"webhook.token", &c.Webhook.Token},
		{"minio.secret_access_key", &c.MinIO.SecretAccessKey},
	}
	for _, f := range fields {
		plain, err := secret.Open(*f.val, masterKey)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.val = plain
	}
	return nil
}

// ResolvePaths expands "~" and fills paths derived from Home.
func (c *Config) ResolvePaths() {
	c.Home = ExpandHome(c.Home)
	if c.CapturesDir == "" {
		c.CapturesDir = c.Home
	}
	c.CapturesDir = ExpandHome(c.CapturesDir)
	c.Presence.AccessListPath = ExpandHome(c.Presence.AccessListPath)
	c.Email.Gmail.TokenPath = ExpandHome(c.Email.Gmail.TokenPath)
	c.Logging.File = ExpandHome(c.Logging.File)
	if c.Video.OutputPath == "" {
		c.Video.OutputPath = c.Home
	}
	c.Video.OutputPath = ExpandHome(c.Video.OutputPath)
	if c.Stream.RecordDir == "" {
		c.Stream.RecordDir = c.Video.OutputPath
	}
	c.Stream.RecordDir = ExpandHome(c.Stream.RecordDir)
}

// SetListenIP rebinds both servers to ip, keeping their ports.
func (c *Config) SetListenIP(ip string) error {
	var err error
	if c.Controller.ListenAddr, err = withHost(c.Controller.ListenAddr, ip); err != nil {
		return fmt.Errorf("controller address: %w", err)
	}
	if c.Stream.Addr, err = withHost(c.Stream.Addr, ip); err != nil {
		return fmt.Errorf("stream address: %w", err)
	}
	return nil
}

func (c *Config) SetServerPort(port int) error {
	addr, err := withPort(c.Controller.ListenAddr, port)
	if err != nil {
		return fmt.Errorf("controller address: %w", err)
	}
	c.Controller.ListenAddr = addr
	return nil
}

func (c *Config) SetCamviewPort(port int) error {
	addr, err := withPort(c.Stream.Addr, port)
	if err != nil {
		return fmt.Errorf("stream address: %w", err)
	}
	c.Stream.Addr = addr
	return nil
}

func withHost(addr, host string) (string, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, port), nil
}

func withPort(addr string, port int) (string, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
