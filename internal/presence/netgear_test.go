package presence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"
)

const attachedDevices = "2@1;192.168.1.10;alice-phone;AA:BB:CC:DD:EE:01;wireless@2;192.168.1.11;&lt;unknown&gt;;AA:BB:CC:DD:EE:02;wired"

func soapResponse(code, inner string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<soap-env:Envelope xmlns:soap-env="http://schemas.xmlsoap.org/soap/envelope/">
<soap-env:Body>%s<ResponseCode>%s</ResponseCode></soap-env:Body>
</soap-env:Envelope>`, inner, code)
}

type fakeNetgear struct {
	mu           sync.Mutex
	actions      []string
	loginCode    string
	legacyCode   string
	expireFirst  bool
	deviceCalls  int
	lastPassword string
}

func (f *fakeNetgear) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	action := r.Header.Get("SOAPAction")
	f.actions = append(f.actions, action)
	body, _ := io.ReadAll(r.Body)

	switch {
	case strings.HasSuffix(action, "DeviceConfig:1#SOAPLogin"):
		if i := strings.Index(string(body), "<Password>"); i >= 0 {
			rest := string(body)[i+len("<Password>"):]
			f.lastPassword = rest[:strings.Index(rest, "<")]
		}
		fmt.Fprint(w, soapResponse(f.loginCode, ""))
	case strings.HasSuffix(action, "ParentalControl:1#Authenticate"):
		fmt.Fprint(w, soapResponse(f.legacyCode, ""))
	case strings.HasSuffix(action, "DeviceInfo:1#GetAttachDevice"):
		f.deviceCalls++
		if f.expireFirst && f.deviceCalls == 1 {
			fmt.Fprint(w, soapResponse("401", ""))
			return
		}
		fmt.Fprint(w, soapResponse("000",
			"<m:GetAttachDeviceResponse xmlns:m=\"urn:NETGEAR-ROUTER:service:DeviceInfo:1\"><NewAttachDevice>"+attachedDevices+"</NewAttachDevice></m:GetAttachDeviceResponse>"))
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
	}
}

func (f *fakeNetgear) snapshot() (actions []string, deviceCalls int, password string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.actions...), f.deviceCalls, f.lastPassword
}

func newTestRouter(t *testing.T, h http.Handler) *NetgearRouter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("split test server address: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	r, err := NewNetgearRouter(NetgearConfig{Host: host, Port: port, Password: "s3cret&<"}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewNetgearRouter: %v", err)
	}
	return r
}

func TestNetgearAttachedDevices(t *testing.T) {
	fake := &fakeNetgear{loginCode: "000"}
	r := newTestRouter(t, fake)

	devices, err := r.AttachedDevices(context.Background())
	if err != nil {
		t.Fatalf("AttachedDevices failed: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2", len(devices))
	}
	want := Device{MAC: "aa:bb:cc:dd:ee:01", Name: "alice-phone", IP: "192.168.1.10"}
	if devices[0] != want {
		t.Fatalf("devices[0] = %+v, want %+v", devices[0], want)
	}
	if devices[1].Name != "<unknown>" {
		t.Fatalf("devices[1].Name = %q, want unescaped <unknown>", devices[1].Name)
	}
	if _, _, pw := fake.snapshot(); pw != "s3cret&amp;&lt;" {
		t.Fatalf("password not XML escaped: %q", pw)
	}

	// Second call reuses the session.
	if _, err := r.AttachedDevices(context.Background()); err != nil {
		t.Fatalf("second AttachedDevices failed: %v", err)
	}
	actions, _, _ := fake.snapshot()
	logins := 0
	for _, a := range actions {
		if strings.HasSuffix(a, "#SOAPLogin") {
			logins++
		}
	}
	if logins != 1 {
		t.Fatalf("logins = %d, want 1", logins)
	}
}

func TestNetgearRelogsInOnExpiredSession(t *testing.T) {
	fake := &fakeNetgear{loginCode: "000", expireFirst: true}
	r := newTestRouter(t, fake)

	devices, err := r.AttachedDevices(context.Background())
	if err != nil {
		t.Fatalf("AttachedDevices failed: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2", len(devices))
	}
	if _, calls, _ := fake.snapshot(); calls != 2 {
		t.Fatalf("device calls = %d, want 2", calls)
	}
}

func TestNetgearLegacyLogin(t *testing.T) {
	fake := &fakeNetgear{loginCode: "401", legacyCode: "000"}
	r := newTestRouter(t, fake)

	if _, err := r.AttachedDevices(context.Background()); err != nil {
		t.Fatalf("AttachedDevices with legacy login failed: %v", err)
	}
}

func TestNetgearBadCredentials(t *testing.T) {
	fake := &fakeNetgear{loginCode: "401", legacyCode: "401"}
	r := newTestRouter(t, fake)

	_, err := r.AttachedDevices(context.Background())
	if !errors.Is(err, ErrRouterAuth) {
		t.Fatalf("err = %v, want ErrRouterAuth", err)
	}
}

func TestParseAttachedDevicesSkipsGarbage(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int
	}{
		{"empty", "", 0},
		{"count only", "0", 0},
		{"short entry", "1@1;192.168.1.2", 0},
		{"bad mac", "1@1;192.168.1.2;tv;zz:zz", 0},
		{"one good one bad", "2@1;10.0.0.2;tv;00:11:22:33:44:55@2;10.0.0.3;x;bad", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseAttachedDevices(tt.raw, nil); len(got) != tt.want {
				t.Fatalf("parsed %d devices, want %d", len(got), tt.want)
			}
		})
	}
}
