package presence

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrRouterAuth     = errors.New("router rejected credentials")
	ErrRouterResponse = errors.New("unexpected router response")
)

const (
	serviceDeviceConfig    = "urn:NETGEAR-ROUTER:service:DeviceConfig:1"
	serviceParentalControl = "urn:NETGEAR-ROUTER:service:ParentalControl:1"
	serviceDeviceInfo      = "urn:NETGEAR-ROUTER:service:DeviceInfo:1"

	// Fixed session id the router firmware expects from SOAP clients.
	soapSessionID = "A7D88AE69687E58D9A00"

	maxResponseBytes = 1 << 20
)

// NetgearConfig addresses the router's SOAP endpoint.
type NetgearConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

func DefaultNetgearConfig() NetgearConfig {
	return NetgearConfig{
		Host:     "routerlogin.net",
		Port:     5000,
		Username: "admin",
		Timeout:  10 * time.Second,
	}
}

// NetgearRouter lists attached devices through the router's SOAP API.
type NetgearRouter struct {
	cfg      NetgearConfig
	endpoint string
	client   *http.Client
	logger   *zap.Logger

	mu       sync.Mutex
	loggedIn bool
}

func NewNetgearRouter(cfg NetgearConfig, logger *zap.Logger) (*NetgearRouter, error) {
	d := DefaultNetgearConfig()
	if cfg.Host == "" {
		cfg.Host = d.Host
	}
	if cfg.Port == 0 {
		cfg.Port = d.Port
	}
	if cfg.Username == "" {
		cfg.Username = d.Username
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if logger == nil {
		logger = zap.L()
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}

	return &NetgearRouter{
		cfg:      cfg,
		endpoint: fmt.Sprintf("http://%s/soap/server_sa/", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))),
		client: &http.Client{
			Jar:     jar,
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
				ResponseHeaderTimeout: cfg.Timeout,
				MaxIdleConns:          2,
				IdleConnTimeout:       30 * time.Second,
			},
		},
		logger: logger.Named("netgear"),
	}, nil
}

// AttachedDevices logs in if needed and returns the router's device table.
func (r *NetgearRouter) AttachedDevices(ctx context.Context) ([]Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.loggedIn {
		if err := r.login(ctx); err != nil {
			return nil, err
		}
	}

	fields, err := r.call(ctx, serviceDeviceInfo, "GetAttachDevice", "")
	if err == nil && fields["ResponseCode"] == "401" {
		// Session expired; log in once more.
		r.loggedIn = false
		if err := r.login(ctx); err != nil {
			return nil, err
		}
		fields, err = r.call(ctx, serviceDeviceInfo, "GetAttachDevice", "")
	}
	if err != nil {
		return nil, err
	}
	if !isSuccess(fields["ResponseCode"]) {
		return nil, fmt.Errorf("%w: GetAttachDevice code %q", ErrRouterResponse, fields["ResponseCode"])
	}
	return parseAttachedDevices(fields["NewAttachDevice"], r.logger), nil
}

func (r *NetgearRouter) login(ctx context.Context) error {
	params := element("Username", r.cfg.Username) + element("Password", r.cfg.Password)
	fields, err := r.call(ctx, serviceDeviceConfig, "SOAPLogin", params)
	if err == nil && isSuccess(fields["ResponseCode"]) {
		r.loggedIn = true
		return nil
	}

	// Older firmware only understands the parental-control login.
	legacy := element("NewUsername", r.cfg.Username) + element("NewPassword", r.cfg.Password)
	fields, lerr := r.call(ctx, serviceParentalControl, "Authenticate", legacy)
	if lerr != nil {
		if err != nil {
			return fmt.Errorf("router login: %w", errors.Join(err, lerr))
		}
		return fmt.Errorf("router login: %w", lerr)
	}
	if !isSuccess(fields["ResponseCode"]) {
		return fmt.Errorf("%w (code %q)", ErrRouterAuth, fields["ResponseCode"])
	}
	r.loggedIn = true
	return nil
}

func (r *NetgearRouter) call(ctx context.Context, service, method, params string) (map[string]string, error) {
	var body bytes.Buffer
	body.WriteString(`<?xml version="1.0" encoding="utf-8" ?>`)
	body.WriteString(`<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://schemas.xmlsoap.org/soap/envelope/">`)
	body.WriteString(`<SOAP-ENV:Header><SessionID>` + soapSessionID + `</SessionID></SOAP-ENV:Header>`)
	fmt.Fprintf(&body, `<SOAP-ENV:Body><M1:%s xmlns:M1="%s">%s</M1:%s></SOAP-ENV:Body>`, method, service, params, method)
	body.WriteString(`</SOAP-ENV:Envelope>`)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("SOAPAction", service+"#"+method)
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil, fmt.Errorf("%w: %s returned HTTP %d", ErrRouterResponse, method, resp.StatusCode)
	}

	fields, err := collectText(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	r.logger.Debug("soap call", zap.String("method", method), zap.String("code", fields["ResponseCode"]))
	return fields, nil
}

// collectText maps element local names to their character data.
func collectText(rd io.Reader) (map[string]string, error) {
	dec := xml.NewDecoder(rd)
	fields := make(map[string]string)
	var stack []string
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return fields, nil
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			stack = append(stack, t.Name.Local)
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			if len(stack) == 0 {
				continue
			}
			text := strings.TrimSpace(string(t))
			if text != "" {
				fields[stack[len(stack)-1]] += text
			}
		}
	}
}

// parseAttachedDevices decodes "count@idx;ip;name;mac;...@idx;ip;name;mac;...".
func parseAttachedDevices(raw string, logger *zap.Logger) []Device {
	entries := strings.Split(strings.TrimSpace(raw), "@")
	if len(entries) < 2 {
		return nil
	}
	devices := make([]Device, 0, len(entries)-1)
	for _, entry := range entries[1:] {
		f := strings.Split(entry, ";")
		if len(f) < 4 {
			continue
		}
		mac, ok := NormalizeMAC(f[3])
		if !ok {
			if logger != nil {
				logger.Debug("ignoring device with bad mac", zap.String("entry", entry))
			}
			continue
		}
		devices = append(devices, Device{IP: f[1], Name: f[2], MAC: mac})
	}
	return devices
}

func element(name, value string) string {
	var b bytes.Buffer
	b.WriteString("<" + name + ">")
	xml.EscapeText(&b, []byte(value))
	b.WriteString("</" + name + ">")
	return b.String()
}

func isSuccess(code string) bool {
	return code == "000" || code == "0"
}
