package notification

import (
	"context"
	"encoding/base64"
	"errors"
	"net/smtp"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap/zaptest"
	"golang.org/x/oauth2"
)

var fastRetry = RetryConfig{MaxAttempts: 3, Delay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func writeCapture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture7.png")
	if err := os.WriteFile(path, []byte("\x89PNG fake image bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestComposeAlertEmailAttachesPhoto(t *testing.T) {
	path := writeCapture(t)
	a := NewMotionAlert("porch", 4200, path, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	msg, err := ComposeAlertEmail(a, "cam@example.com", "owner@example.com")
	if err != nil {
		t.Fatalf("ComposeAlertEmail failed: %v", err)
	}
	s := string(msg)

	for _, want := range []string{
		"Subject: Motion Detected",
		"To: owner@example.com",
		"multipart/mixed",
		"multipart/alternative",
		`Content-Disposition: attachment; filename="capture7.png"`,
		"Content-Type: image/png",
		base64.StdEncoding.EncodeToString([]byte("\x89PNG fake image bytes")),
		"X-Alert-Id: " + a.ID,
	} {
		if !strings.Contains(s, want) {
			t.Fatalf("message missing %q:\n%s", want, s)
		}
	}
}

func TestComposeAlertEmailMissingAttachment(t *testing.T) {
	a := NewMotionAlert("porch", 1, filepath.Join(t.TempDir(), "gone.png"), time.Now())
	if _, err := ComposeAlertEmail(a, "a@example.com", "b@example.com"); err == nil {
		t.Fatal("expected error for missing attachment")
	}
}

func TestSMTPNotifierRetriesTransientErrors(t *testing.T) {
	n, err := NewSMTPNotifier(SMTPConfig{Sender: "cam@example.com", Password: "pw", Retry: fastRetry}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewSMTPNotifier failed: %v", err)
	}

	var calls int
	var gotAddr, gotFrom string
	var gotTo []string
	n.sendMail = func(addr string, _ smtp.Auth, from string, to []string, _ []byte) error {
		calls++
		gotAddr, gotFrom, gotTo = addr, from, to
		if calls < 2 {
			return errors.New("connection reset")
		}
		return nil
	}

	if err := n.Notify(context.Background(), NewMotionAlert("porch", 2000, writeCapture(t), time.Now())); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if calls != 2 {
		t.Fatalf("sendMail calls = %d, want 2", calls)
	}
	if gotAddr != "smtp.gmail.com:587" {
		t.Fatalf("addr = %q", gotAddr)
	}
	// Recipient defaults to the sender.
	if gotFrom != "cam@example.com" || len(gotTo) != 1 || gotTo[0] != "cam@example.com" {
		t.Fatalf("from=%q to=%v", gotFrom, gotTo)
	}
}

func TestSMTPNotifierAuthFailureIsPermanent(t *testing.T) {
	n, _ := NewSMTPNotifier(SMTPConfig{Sender: "cam@example.com", Password: "bad", Retry: fastRetry}, zaptest.NewLogger(t))
	calls := 0
	n.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		calls++
		return &textproto.Error{Code: 535, Msg: "bad credentials"}
	}

	err := n.Notify(context.Background(), NewMotionAlert("porch", 2000, writeCapture(t), time.Now()))
	var sendErr *SendError
	if !errors.As(err, &sendErr) || sendErr.Backend != "smtp" {
		t.Fatalf("err = %v, want SendError from smtp", err)
	}
	if calls != 1 {
		t.Fatalf("sendMail calls = %d, want 1", calls)
	}
}

func TestNewSMTPNotifierRequiresCredentials(t *testing.T) {
	if _, err := NewSMTPNotifier(SMTPConfig{Sender: "cam@example.com"}, nil); err == nil {
		t.Fatal("expected error without password")
	}
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *recordingNotifier) Notify(context.Context, Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.err
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{}
	bad1 := &recordingNotifier{err: &SendError{Backend: "smtp", Err: errors.New("down")}}
	bad2 := &recordingNotifier{err: &SendError{Backend: "mqtt", Err: errors.New("down")}}

	f := NewFanout(ok, nil, bad1, bad2)
	if f.Len() != 3 {
		t.Fatalf("Len = %d, want 3 (nil skipped)", f.Len())
	}
	err := f.Notify(context.Background(), Alert{})
	if err == nil {
		t.Fatal("expected joined error")
	}
	if !strings.Contains(err.Error(), "smtp") || !strings.Contains(err.Error(), "mqtt") {
		t.Fatalf("joined error missing backends: %v", err)
	}
	if ok.calls != 1 || bad1.calls != 1 || bad2.calls != 1 {
		t.Fatal("every backend should be called once")
	}
}

func TestSendWithRetry(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		permanent bool
		wantCalls int
		wantErr   bool
	}{
		{"first try", 0, false, 1, false},
		{"recovers", 2, false, 3, false},
		{"exhausted", 5, false, 3, true},
		{"permanent", 5, true, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := SendWithRetry(context.Background(), fastRetry, func(context.Context) error {
				calls++
				if calls <= tt.failures {
					if tt.permanent {
						return permanentErr()
					}
					return errors.New("transient")
				}
				return nil
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func permanentErr() error {
	return backoff.Permanent(errors.New("rejected"))
}

func TestSendWithRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := SendWithRetry(ctx, fastRetry, func(context.Context) error {
		calls++
		return nil
	})
	if err == nil || calls != 0 {
		t.Fatalf("err = %v calls = %d, want cancellation before any call", err, calls)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	tok := &oauth2.Token{AccessToken: "access", RefreshToken: "refresh", TokenType: "Bearer", Expiry: time.Unix(1700000000, 0)}
	key := strings.Repeat("ab", 32)

	tests := []struct {
		name string
		key  string
	}{
		{"plain", ""},
		{"encrypted", key},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "gmail_token.json")
			if err := SaveToken(path, tt.key, tok); err != nil {
				t.Fatalf("SaveToken failed: %v", err)
			}
			got, err := LoadToken(path, tt.key)
			if err != nil {
				t.Fatalf("LoadToken failed: %v", err)
			}
			if got.RefreshToken != "refresh" || got.AccessToken != "access" {
				t.Fatalf("unexpected token %+v", got)
			}
			info, _ := os.Stat(path)
			if info.Mode().Perm() != 0o600 {
				t.Fatalf("token perms = %v, want 0600", info.Mode().Perm())
			}
		})
	}
}

func TestLoadTokenMissing(t *testing.T) {
	_, err := LoadToken(filepath.Join(t.TempDir(), "none.json"), "")
	if !errors.Is(err, ErrNoToken) {
		t.Fatalf("err = %v, want ErrNoToken", err)
	}
}

func TestLoadTokenWrongKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tok")
	tok := &oauth2.Token{RefreshToken: "r"}
	if err := SaveToken(path, strings.Repeat("01", 32), tok); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadToken(path, strings.Repeat("02", 32)); err == nil {
		t.Fatal("expected decrypt failure with wrong key")
	}
}
