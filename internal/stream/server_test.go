package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/motioncam/internal/command"
	"github.com/mikeyg42/motioncam/internal/ownership"
)

var testFrame = []byte("\xff\xd8fake-jpeg\xff\xd9")

type fakeSource struct {
	mu     sync.Mutex
	clips  []string
	stops  int
	closed bool
}

func (f *fakeSource) NextJPEG() ([]byte, error) { return testFrame, nil }

func (f *fakeSource) StartClip(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clips = append(f.clips, path)
	return nil
}

func (f *fakeSource) StopClip() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSource) snapshot() (clips []string, stops int, closed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.clips...), f.stops, f.closed
}

type running struct {
	srv   *Server
	src   *fakeSource
	owner *ownership.Ownership
	inbox chan command.Command
	errc  chan error
	base  string
}

func startServer(t *testing.T) *running {
	t.Helper()
	src := &fakeSource{}
	owner := ownership.New("0", zaptest.NewLogger(t))
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.FrameInterval = 5 * time.Millisecond
	cfg.LeaseCheck = 5 * time.Millisecond
	cfg.RecordDir = t.TempDir()
	srv := New(cfg, owner, func() (Source, error) { return src, nil }, zaptest.NewLogger(t))

	r := &running{srv: srv, src: src, owner: owner, inbox: make(chan command.Command, 4), errc: make(chan error, 1)}
	go func() { r.errc <- srv.Run(context.Background(), r.inbox) }()
	select {
	case <-srv.Ready():
	case err := <-r.errc:
		t.Fatalf("Run exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server never became ready")
	}
	r.base = "http://" + srv.Addr()
	return r
}

func (r *running) stop(t *testing.T) error {
	t.Helper()
	r.inbox <- command.Shutdown
	select {
	case err := <-r.errc:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
	return nil
}

func readPart(t *testing.T, br *bufio.Reader) []byte {
	t.Helper()
	var headers []string
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("reading part header: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(headers) == 0 {
				continue
			}
			break
		}
		headers = append(headers, line)
	}
	if headers[0] != boundary {
		t.Fatalf("part starts with %q, want %q", headers[0], boundary)
	}
	var n int
	for _, h := range headers[1:] {
		if strings.HasPrefix(h, "Content-length: ") {
			fmt.Sscanf(h, "Content-length: %d", &n)
		}
	}
	if headers[1] != "Content-type: image/jpeg" || n == 0 {
		t.Fatalf("unexpected part headers %q", headers)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(br, body); err != nil {
		t.Fatalf("reading part body: %v", err)
	}
	return body
}

func TestMJPEGStream(t *testing.T) {
	r := startServer(t)

	resp, err := http.Get(r.base + "/cam.mjpg")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "multipart/x-mixed-replace; boundary=--jpgboundary" {
		t.Fatalf("Content-Type = %q", ct)
	}
	br := bufio.NewReader(resp.Body)
	for i := 0; i < 3; i++ {
		if got := readPart(t, br); string(got) != string(testFrame) {
			t.Fatalf("part %d = %q", i, got)
		}
	}
	resp.Body.Close()

	// A viewer leaving does not stop the worker.
	health, err := http.Get(r.base + "/healthz")
	if err != nil || health.StatusCode != http.StatusOK {
		t.Fatalf("healthz after disconnect: %v %v", err, health)
	}
	health.Body.Close()

	if err := r.stop(t); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if _, _, closed := r.src.snapshot(); !closed {
		t.Fatal("source not closed")
	}
	if r.owner.Holder() != "" {
		t.Fatalf("camera still held by %q", r.owner.Holder())
	}
}

func TestShutdownEndsOpenStreams(t *testing.T) {
	r := startServer(t)
	resp, err := http.Get(r.base + "/live/stream.mjpg")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	readPart(t, bufio.NewReader(resp.Body))

	if err := r.stop(t); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if _, err := io.ReadAll(resp.Body); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Logf("stream ended with %v", err)
	}
}

func TestOtherPathsAndSnapshot(t *testing.T) {
	r := startServer(t)
	defer r.stop(t)

	resp, err := http.Get(r.base + "/index.html")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}

	resp, err = http.Get(r.base + "/snapshot.jpg")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.Header.Get("Content-Type") != "image/jpeg" || string(body) != string(testFrame) {
		t.Fatalf("snapshot = %q (%s)", body, resp.Header.Get("Content-Type"))
	}
}

func TestWebsocketFeed(t *testing.T) {
	r := startServer(t)
	defer r.stop(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+r.srv.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if kind != websocket.BinaryMessage || string(data) != string(testFrame) {
		t.Fatalf("got message type %d %q", kind, data)
	}
}

func TestRecordingPassthrough(t *testing.T) {
	r := startServer(t)
	r.inbox <- command.StartRecording
	r.inbox <- command.StopRecording

	deadline := time.Now().Add(5 * time.Second)
	for {
		clips, stops, _ := r.src.snapshot()
		if len(clips) == 1 && stops == 1 {
			name := filepath.Base(clips[0])
			if !strings.HasPrefix(name, "recording_") || !strings.HasSuffix(name, ".avi") {
				t.Fatalf("clip name %q", name)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("clips=%v stops=%d", clips, stops)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := r.stop(t); err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

func TestRevokedLeaseStopsServer(t *testing.T) {
	r := startServer(t)
	if holder, ok := r.owner.ForceRelease(); !ok || holder != holderName {
		t.Fatalf("ForceRelease = %q %v", holder, ok)
	}
	select {
	case err := <-r.errc:
		if !errors.Is(err, ownership.ErrLeaseRevoked) {
			t.Fatalf("Run = %v, want ErrLeaseRevoked", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server ignored revoked lease")
	}
}

func TestOpenRetriedWhileCameraBusy(t *testing.T) {
	src := &fakeSource{}
	owner := ownership.New("0", zaptest.NewLogger(t))
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.OpenRetryMax = time.Millisecond

	var mu sync.Mutex
	attempts := 0
	srv := New(cfg, owner, func() (Source, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts <= 2 {
			return nil, fmt.Errorf("device busy (attempt %d)", attempts)
		}
		return src, nil
	}, zaptest.NewLogger(t))

	inbox := make(chan command.Command, 1)
	errc := make(chan error, 1)
	go func() { errc <- srv.Run(context.Background(), inbox) }()
	select {
	case <-srv.Ready():
	case err := <-errc:
		t.Fatalf("Run gave up on the camera: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server never became ready")
	}
	mu.Lock()
	n := attempts
	mu.Unlock()
	if n != 3 {
		t.Fatalf("open attempts = %d, want 3", n)
	}

	inbox <- command.Shutdown
	if err := <-errc; err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if _, _, closed := src.snapshot(); !closed {
		t.Fatal("camera not closed")
	}
}

func TestShutdownWhileCameraMissing(t *testing.T) {
	owner := ownership.New("0", zaptest.NewLogger(t))
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.OpenRetryMax = time.Hour

	tried := make(chan struct{}, 1)
	srv := New(cfg, owner, func() (Source, error) {
		select {
		case tried <- struct{}{}:
		default:
		}
		return nil, errors.New("no such device")
	}, zaptest.NewLogger(t))

	inbox := make(chan command.Command, 1)
	errc := make(chan error, 1)
	go func() { errc <- srv.Run(context.Background(), inbox) }()
	select {
	case <-tried:
	case <-time.After(5 * time.Second):
		t.Fatal("camera was never opened")
	}
	inbox <- command.Shutdown
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server ignored Shutdown while retrying")
	}
	if owner.Holder() != "" {
		t.Fatalf("holder = %q, want token free", owner.Holder())
	}
}

func TestFrameHub(t *testing.T) {
	h := newFrameHub()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := h.next(ctx, 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("next on empty hub = %v", err)
	}

	h.publish([]byte("a"))
	h.publish([]byte("b"))
	frame, seq, err := h.next(context.Background(), 0)
	if err != nil || string(frame) != "b" || seq != 2 {
		t.Fatalf("next = %q %d %v, want latest frame", frame, seq, err)
	}

	done := make(chan []byte)
	go func() {
		f, _, _ := h.next(context.Background(), seq)
		done <- f
	}()
	h.publish([]byte("c"))
	if got := <-done; string(got) != "c" {
		t.Fatalf("waiter got %q", got)
	}

	h.close()
	h.publish([]byte("d"))
	if _, _, err := h.next(context.Background(), 0); !errors.Is(err, errHubClosed) {
		t.Fatalf("next after close = %v", err)
	}
	if _, ok := h.latest(); ok {
		t.Fatal("latest should report nothing after close")
	}
}
