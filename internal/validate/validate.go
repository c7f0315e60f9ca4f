package validate

import (
	"fmt"
	"net"
	"net/mail"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/mikeyg42/motioncam/internal/config"
)

// -----------------------------------------------------------------------------
// Top-level full-config validation
// -----------------------------------------------------------------------------

type Validator struct{ errors []string }

func (v *Validator) AddError(format string, args ...interface{}) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}
func (v *Validator) HasErrors() bool  { return len(v.errors) > 0 }
func (v *Validator) Errors() []string { return v.errors }

// ValidateConfig delegates to per-section validators.
func ValidateConfig(cfg *config.Config) error {
	v := &Validator{}

	validateNetworkConfig(v, cfg)
	validateCameraConfig(v, cfg)
	validateMotionConfig(v, cfg)
	validateEmailConfig(v, cfg)
	validatePresenceConfig(v, cfg)
	validateArchiveConfig(v, cfg)

	if v.HasErrors() {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(v.Errors(), "\n"))
	}
	return nil
}

// -----------------------------------------------------------------------------
// sections
// -----------------------------------------------------------------------------

func validateNetworkConfig(v *Validator, cfg *config.Config) {
	validateAddr(v, "command server", cfg.Controller.ListenAddr)
	validateAddr(v, "stream server", cfg.Stream.Addr)
	if cfg.Controller.ListenAddr != "" && cfg.Controller.ListenAddr == cfg.Stream.Addr {
		v.AddError("command server and stream server cannot share %s", cfg.Stream.Addr)
	}
	if cfg.Controller.AckTimeout <= 0 {
		v.AddError("controller ack timeout must be positive")
	}
}

func validateAddr(v *Validator, name, addr string) {
	if addr == "" {
		v.AddError("%s address cannot be empty", name)
		return
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		v.AddError("%s address must be host:port: %v", name, err)
		return
	}
	if host != "" && host != "localhost" {
		if ip := net.ParseIP(host); ip == nil && !isValidHostname(host) {
			v.AddError("invalid hostname in %s address: %s", name, host)
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		v.AddError("invalid port in %s address: %s", name, portStr)
	}
}

func validateCameraConfig(v *Validator, cfg *config.Config) {
	if strings.TrimSpace(cfg.Camera.Device) == "" {
		v.AddError("camera device cannot be empty")
	}
	if cfg.Camera.FPS <= 0 || cfg.Camera.FPS > 120 {
		v.AddError("invalid fps: %g (1-120)", cfg.Camera.FPS)
	}
	if cfg.Camera.Width < 0 || cfg.Camera.Height < 0 {
		v.AddError("invalid camera size: %dx%d", cfg.Camera.Width, cfg.Camera.Height)
	}
	if cfg.Video.Framerate <= 0 {
		v.AddError("recording framerate must be positive")
	}
	if len(cfg.Video.Codec) != 4 {
		v.AddError("recording codec must be a fourcc, got %q", cfg.Video.Codec)
	}
	if cfg.Stream.FrameInterval <= 0 {
		v.AddError("stream frame interval must be positive")
	}
}

func validateMotionConfig(v *Validator, cfg *config.Config) {
	th := cfg.Watcher.Thresholds
	if th.MotionMin < 0 {
		v.AddError("motion threshold min must be >= 0")
	}
	if th.DeltaMin < 0 || th.DeltaMin >= th.DeltaMax {
		v.AddError("delta threshold min (%d) must be >= 0 and below max (%d)", th.DeltaMin, th.DeltaMax)
	}
	if th.TrackerCeiling < 0 || th.QuietCeiling < 0 {
		v.AddError("tracker and quiet ceilings cannot be negative")
	}
	if cfg.Watcher.BurstCount < 0 {
		v.AddError("burst mode count must be >= 0")
	}
	if cfg.Watcher.BurstCount > 0 && cfg.Watcher.BurstInterval < 0 {
		v.AddError("burst interval cannot be negative")
	}
	if cfg.Watcher.Tick <= 0 {
		v.AddError("watcher tick must be positive")
	}

	m := cfg.Motion
	if m.BlurSize < 1 {
		v.AddError("blur size must be positive")
	}
	if m.PixelThreshold < 0 || m.PixelThreshold > 255 {
		v.AddError("pixel threshold must be 0..255")
	}
	if m.DilateSize < 0 {
		v.AddError("dilate size cannot be negative")
	}
}

// Alerting needs a way to send mail; anything else is a fatal configuration
// error at startup.
func validateEmailConfig(v *Validator, cfg *config.Config) {
	if !cfg.Watcher.AlertsEnabled {
		return
	}
	e := cfg.Email
	if e.Sender == "" {
		v.AddError("email sender is required while alerting is enabled")
	} else if !isValidEmail(e.Sender) {
		v.AddError("invalid sender email: %s", e.Sender)
	}
	if e.Recipient != "" && !isValidEmail(e.Recipient) {
		v.AddError("invalid recipient email: %s", e.Recipient)
	}

	switch e.Method {
	case "", "smtp":
		if e.Password == "" {
			v.AddError("email password is required while alerting is enabled")
		}
		if e.Port < 1 || e.Port > 65535 {
			v.AddError("invalid email port: %d", e.Port)
		}
		if e.Host != "" && !isValidHostname(e.Host) {
			v.AddError("invalid email host: %s", e.Host)
		}
	case "gmail":
		validateGmailConfig(v, &e.Gmail)
	default:
		v.AddError("invalid email method: %s (must be 'smtp' or 'gmail')", e.Method)
	}
}

func validateGmailConfig(v *Validator, cfg *config.GmailConfig) {
	if cfg.ClientID == "" {
		v.AddError("Gmail OAuth2 client ID is required")
	}
	if cfg.ClientSecret == "" {
		v.AddError("Gmail OAuth2 client secret is required")
	}
	if !isValidFilePath(cfg.TokenPath) {
		v.AddError("invalid Gmail token path: %q", cfg.TokenPath)
	}
	if cfg.TokenKey != "" && len(cfg.TokenKey) != 64 {
		v.AddError("Gmail token key must be 64 hex characters")
	}
}

func validatePresenceConfig(v *Validator, cfg *config.Config) {
	if !cfg.Watcher.Standby {
		return
	}
	if cfg.Netgear.Password == "" {
		v.AddError("router password is required in standby mode")
	}
	if cfg.Netgear.Host == "" {
		v.AddError("router host is required in standby mode")
	}
	if !isValidFilePath(cfg.Presence.AccessListPath) {
		v.AddError("access list path is required in standby mode")
	}
	if cfg.Presence.Ceiling < 0 {
		v.AddError("presence poll interval cannot be negative")
	}
}

func validateArchiveConfig(v *Validator, cfg *config.Config) {
	if cfg.MinIO.Endpoint != "" && cfg.MinIO.Bucket == "" {
		v.AddError("minio bucket is required when an endpoint is set")
	}
	if cfg.Webhook.URL != "" && !isValidURL(cfg.Webhook.URL) {
		v.AddError("invalid webhook url: %s", cfg.Webhook.URL)
	}
	if cfg.MQTT.Broker != "" && cfg.MQTT.QoS > 2 {
		v.AddError("mqtt qos must be 0, 1 or 2")
	}
}

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

func isValidEmail(email string) bool {
	_, err := mail.ParseAddress(email)
	return err == nil
}

func isValidURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

var hostnameLabel = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?$`)

func isValidHostname(hostname string) bool {
	if len(hostname) == 0 || len(hostname) > 253 {
		return false
	}
	for _, l := range strings.Split(hostname, ".") {
		if !hostnameLabel.MatchString(l) {
			return false
		}
	}
	return true
}

func isValidFilePath(path string) bool {
	if path == "" {
		return false
	}
	clean := filepath.Clean(path)
	return clean != "" && !strings.Contains(path, "\x00")
}
