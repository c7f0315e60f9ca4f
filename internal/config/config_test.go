package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mikeyg42/motioncam/internal/secret"
)

func TestDefaults(t *testing.T) {
	cfg := NewDefaultConfig()

	checks := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"command server", cfg.Controller.ListenAddr, "0.0.0.0:50050"},
		{"stream server", cfg.Stream.Addr, "0.0.0.0:5000"},
		{"camera", cfg.Camera.Device, "0"},
		{"fps", cfg.Camera.FPS, 30.0},
		{"email port", cfg.Email.Port, 587},
		{"delta min", cfg.Watcher.Thresholds.DeltaMin, 1500},
		{"delta max", cfg.Watcher.Thresholds.DeltaMax, 10000},
		{"motion min", cfg.Watcher.Thresholds.MotionMin, 500},
		{"burst", cfg.Watcher.BurstCount, 1},
		{"alerts", cfg.Watcher.AlertsEnabled, true},
		{"standby", cfg.Watcher.Standby, false},
		{"router password", cfg.Netgear.Password, "password"},
		{"access list", cfg.Presence.AccessListPath, "~/.motiondetection/accesslist"},
		{"log file", cfg.Logging.File, "/var/log/motiondetection.log"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Controller.ListenAddr != "0.0.0.0:50050" {
		t.Fatalf("expected defaults, got %+v", cfg.Controller)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "motiondetection.yaml")
	yml := `
system_name: garage
camera:
  device: /dev/video2
watcher:
  burst_count: 3
  burst_interval: 250ms
  standby: true
  thresholds:
    delta_min: 2000
email:
  sender: cam@example.com
  password: hunter2
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SystemName != "garage" || cfg.Camera.Device != "/dev/video2" {
		t.Fatalf("top-level values not applied: %q %q", cfg.SystemName, cfg.Camera.Device)
	}
	if cfg.Watcher.BurstCount != 3 || cfg.Watcher.BurstInterval != 250*time.Millisecond || !cfg.Watcher.Standby {
		t.Fatalf("watcher = %+v", cfg.Watcher)
	}
	if cfg.Watcher.Thresholds.DeltaMin != 2000 || cfg.Watcher.Thresholds.DeltaMax != 10000 {
		t.Fatalf("thresholds = %+v", cfg.Watcher.Thresholds)
	}
	// Untouched sections keep their defaults.
	if cfg.Camera.FPS != 30 || cfg.Email.Port != 587 {
		t.Fatalf("defaults lost: fps=%v port=%d", cfg.Camera.FPS, cfg.Email.Port)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	unknown := filepath.Join(dir, "unknown.yaml")
	os.WriteFile(unknown, []byte("camera:\n  resolution: 4k\n"), 0o600)
	broken := filepath.Join(dir, "broken.yaml")
	os.WriteFile(broken, []byte("camera: [\n"), 0o600)

	cases := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(dir, "nope.yaml")},
		{"unknown key", unknown},
		{"bad yaml", broken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(tc.path); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	os.WriteFile(path, nil, 0o600)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Watcher.Thresholds.DeltaMax != 10000 {
		t.Fatal("empty file should leave defaults")
	}
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "motiondetection.yaml")
	cfg := NewDefaultConfig()
	cfg.Stream.FrameInterval = 80 * time.Millisecond
	cfg.MQTT.Broker = "tcp://broker:1883"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("config file mode = %v", info.Mode().Perm())
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Stream.FrameInterval != 80*time.Millisecond || got.MQTT.Broker != "tcp://broker:1883" {
		t.Fatalf("reloaded config differs: %+v %+v", got.Stream, got.MQTT)
	}
}

func TestDecryptSecrets(t *testing.T) {
	key, err := secret.GenerateMasterKey()
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := secret.Seal("app-password", key)
	if err != nil {
		t.Fatal(err)
	}

	cfg := NewDefaultConfig()
	cfg.Email.Password = sealed
	cfg.MQTT.Password = "plain"
	if err := cfg.DecryptSecrets(key); err != nil {
		t.Fatalf("DecryptSecrets: %v", err)
	}
	if cfg.Email.Password != "app-password" || cfg.MQTT.Password != "plain" || cfg.Netgear.Password != "password" {
		t.Fatalf("secrets = %q %q %q", cfg.Email.Password, cfg.MQTT.Password, cfg.Netgear.Password)
	}

	cfg.Email.Password = sealed
	err = cfg.DecryptSecrets("")
	if !errors.Is(err, secret.ErrNoMasterKey) || !strings.Contains(err.Error(), "email.password") {
		t.Fatalf("DecryptSecrets without key = %v", err)
	}
}

func TestNetworkOverrides(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.SetListenIP("192.168.1.20"); err != nil {
		t.Fatal(err)
	}
	if err := cfg.SetServerPort(6000); err != nil {
		t.Fatal(err)
	}
	if err := cfg.SetCamviewPort(8080); err != nil {
		t.Fatal(err)
	}
	if cfg.Controller.ListenAddr != "192.168.1.20:6000" || cfg.Stream.Addr != "192.168.1.20:8080" {
		t.Fatalf("addresses = %s %s", cfg.Controller.ListenAddr, cfg.Stream.Addr)
	}

	cfg.Stream.Addr = "no-port"
	if err := cfg.SetCamviewPort(1); err == nil {
		t.Fatal("expected error for malformed address")
	}
}

func TestResolvePaths(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	cfg := NewDefaultConfig()
	cfg.ResolvePaths()

	want := filepath.Join(home, ".motiondetection")
	if cfg.Home != want || cfg.CapturesDir != want {
		t.Fatalf("home=%q captures=%q, want %q", cfg.Home, cfg.CapturesDir, want)
	}
	if cfg.Presence.AccessListPath != filepath.Join(want, "accesslist") {
		t.Fatalf("access list = %q", cfg.Presence.AccessListPath)
	}
	if cfg.Stream.RecordDir != want {
		t.Fatalf("record dir = %q", cfg.Stream.RecordDir)
	}
	if ExpandHome("/etc/x") != "/etc/x" || ExpandHome("~user/x") != "~user/x" {
		t.Fatal("ExpandHome changed a path it should not")
	}
}

func TestComponentConfigs(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.SystemName = "porch"
	cfg.Watcher.SystemName = ""
	cfg.Email.Sender = "cam@example.com"
	cfg.Email.MaxAttempts = 5

	if w := cfg.WatcherConfig(); w.SystemName != "porch" {
		t.Fatalf("watcher system name = %q", w.SystemName)
	}
	smtp := cfg.SMTPConfig()
	if smtp.Port != 587 || smtp.Sender != "cam@example.com" || smtp.Retry.MaxAttempts != 5 {
		t.Fatalf("smtp = %+v", smtp)
	}
	if _, ok := cfg.MQTTConfig(); ok {
		t.Fatal("mqtt enabled without a broker")
	}
	if _, ok := cfg.MinIOConfig(); ok {
		t.Fatal("minio enabled without an endpoint")
	}
	cfg.Webhook.URL = "https://hooks.example.com/cam"
	if wh, ok := cfg.WebhookConfig(); !ok || wh.URL != cfg.Webhook.URL {
		t.Fatalf("webhook = %+v %v", wh, ok)
	}
}
