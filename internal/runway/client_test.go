package runway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dunamismax/actflow/internal/domain"
	"github.com/dunamismax/actflow/internal/ratelimit"
)

func testGate(t *testing.T) ratelimit.Gate {
	t.Helper()
	gate, err := ratelimit.NewIntervalGate(time.Millisecond)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	return gate
}

func testMedia(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()

	img := image.NewRGBA(image.Rect(0, 0, 64, 36))
	for y := 0; y < 36; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: 120, G: 30, B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode image: %v", err)
	}
	imagePath := filepath.Join(dir, "genx_jane.png")
	if err := os.WriteFile(imagePath, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}

	videoPath := filepath.Join(dir, "driver.mp4")
	if err := os.WriteFile(videoPath, []byte("not-really-a-video"), 0o644); err != nil {
		t.Fatalf("write video: %v", err)
	}
	return imagePath, videoPath
}

func testRequest(imagePath, videoPath string) domain.GenerationRequest {
	return domain.GenerationRequest{
		CharacterImagePath:  imagePath,
		DriverVideoPath:     videoPath,
		RatioMode:           domain.RatioModeSmart,
		ExpressionIntensity: 1.0,
		Model:               domain.ModelActTwo,
	}
}

func TestSubmitSendsActTwoPayload(t *testing.T) {
	imagePath, videoPath := testMedia(t)

	var captured submitPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/character_performance" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("X-Runway-Version"); got != apiVersion {
			t.Errorf("expected version header %s, got %s", apiVersion, got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected authorization header %s", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		_ = json.NewEncoder(w).Encode(submitResponse{ID: "task-123"})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL}, testGate(t))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	remoteID, err := client.Submit(context.Background(), testRequest(imagePath, videoPath))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if remoteID != "task-123" {
		t.Fatalf("expected task-123, got %s", remoteID)
	}

	if captured.Model != domain.ModelActTwo {
		t.Fatalf("expected model act_two, got %s", captured.Model)
	}
	// 64x36 source is 16:9; smart selection must pick it.
	if captured.Ratio != "1280:720" {
		t.Fatalf("expected ratio 1280:720, got %s", captured.Ratio)
	}
	if !strings.HasPrefix(captured.Character.URI, "data:image/jpeg;base64,") {
		t.Fatal("character URI is not a jpeg data URI")
	}
	if !strings.HasPrefix(captured.Reference.URI, "data:video/mp4;base64,") {
		t.Fatal("reference URI is not an mp4 data URI")
	}
}

func TestSubmitClassifiesStatuses(t *testing.T) {
	imagePath, videoPath := testMedia(t)

	cases := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusInternalServerError, KindTransient},
		{http.StatusBadRequest, KindPermanent},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		}))

		client, err := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL}, testGate(t))
		if err != nil {
			t.Fatalf("new client: %v", err)
		}

		_, err = client.Submit(context.Background(), testRequest(imagePath, videoPath))
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}

		var apiErr *Error
		if !errors.As(err, &apiErr) {
			t.Fatalf("status %d: expected *Error, got %T", tc.status, err)
		}
		if apiErr.Kind != tc.want {
			t.Fatalf("status %d: expected kind %s, got %s", tc.status, tc.want, apiErr.Kind)
		}
	}
}

func TestSubmitMissingImageIsPermanent(t *testing.T) {
	_, videoPath := testMedia(t)

	client, err := NewClient(Config{APIKey: "test-key", BaseURL: "http://localhost:0"}, testGate(t))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.Submit(context.Background(), testRequest("/does/not/exist.png", videoPath))
	if KindOf(err) != KindPermanent {
		t.Fatalf("expected permanent kind for missing image, got %v", err)
	}
}

// parkedGate blocks until the caller's context is cancelled, standing
// in for a long wait on a saturated rate gate.
type parkedGate struct{}

func (parkedGate) Wait(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestSubmitCancelledAtGateSendsNothing(t *testing.T) {
	imagePath, videoPath := testMedia(t)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(submitResponse{ID: "task-1"})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL}, parkedGate{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = client.Submit(ctx, testRequest(imagePath, videoPath))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if KindOf(err) != KindTransient {
		t.Fatalf("expected transient kind for cancelled wait, got %v", err)
	}
	if got := calls.Load(); got != 0 {
		t.Fatalf("no request may be issued after cancellation, got %d", got)
	}
}

func TestSubmitFinishesIssuedCallAfterCancel(t *testing.T) {
	imagePath, videoPath := testMedia(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Cancellation lands while the call is in flight; the task is
		// created regardless, so the response must still come back.
		cancel()
		_ = json.NewEncoder(w).Encode(submitResponse{ID: "task-9"})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL}, testGate(t))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	remoteID, err := client.Submit(ctx, testRequest(imagePath, videoPath))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if remoteID != "task-9" {
		t.Fatalf("expected task-9, got %s", remoteID)
	}
}

func TestPollMapsWireStates(t *testing.T) {
	cases := []struct {
		wireStatus string
		output     []string
		wantState  string
	}{
		{"PENDING", nil, TaskRunning},
		{"RUNNING", nil, TaskRunning},
		{"THROTTLED", nil, TaskRunning},
		{"SUCCEEDED", []string{"https://example.com/video.mp4"}, TaskSucceeded},
		{"FAILED", nil, TaskFailed},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/tasks/task-1" {
				t.Errorf("unexpected path %s", r.URL.Path)
			}
			_ = json.NewEncoder(w).Encode(taskResponse{ID: "task-1", Status: tc.wireStatus, Output: tc.output})
		}))

		client, err := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL}, testGate(t))
		if err != nil {
			t.Fatalf("new client: %v", err)
		}

		status, err := client.Poll(context.Background(), "task-1")
		srv.Close()
		if err != nil {
			t.Fatalf("wire status %s: poll: %v", tc.wireStatus, err)
		}
		if status.State != tc.wantState {
			t.Fatalf("wire status %s: expected %s, got %s", tc.wireStatus, tc.wantState, status.State)
		}
		if tc.wantState == TaskSucceeded && status.ResultURL != tc.output[0] {
			t.Fatalf("expected result url %s, got %s", tc.output[0], status.ResultURL)
		}
	}
}

func TestPollSucceededWithoutOutputIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(taskResponse{ID: "task-1", Status: "SUCCEEDED"})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL}, testGate(t))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.Poll(context.Background(), "task-1")
	if KindOf(err) != KindTransient {
		t.Fatalf("expected transient error for missing output, got %v", err)
	}
}

func TestDownloadReturnsBytes(t *testing.T) {
	payload := []byte("generated-video-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test-key"}, testGate(t))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	data, err := client.Download(context.Background(), srv.URL+"/video.mp4")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatalf("unexpected download payload: %q", data)
	}
}
