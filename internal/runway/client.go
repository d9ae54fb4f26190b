package runway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dunamismax/actflow/internal/domain"
	"github.com/dunamismax/actflow/internal/imaging"
	"github.com/dunamismax/actflow/internal/ratelimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultBaseURL = "https://api.dev.runwayml.com/v1"

	// Act-Two API version pin; payloads are coupled to this date.
	apiVersion = "2024-11-06"
)

// Task states as the orchestrator sees them. The wire values
// (PENDING, THROTTLED, ...) collapse into these three.
const (
	TaskRunning   = "running"
	TaskSucceeded = "succeeded"
	TaskFailed    = "failed"
)

// TaskStatus is one poll result for a remote task.
type TaskStatus struct {
	State         string
	ResultURL     string
	FailureReason string
}

// API is the capability set the orchestrator requires from the
// generation service.
type API interface {
	Submit(ctx context.Context, req domain.GenerationRequest) (string, error)
	Poll(ctx context.Context, remoteID string) (TaskStatus, error)
	Download(ctx context.Context, resultURL string) ([]byte, error)
}

type Config struct {
	APIKey          string
	BaseURL         string
	CallTimeout     time.Duration
	DownloadTimeout time.Duration
}

// Client talks to the Act-Two API. Every call waits on the shared
// rate gate first and carries a timeout; outcomes are classified, not
// retried, since the retry policy decides what happens next.
// Cancellation applies until the HTTP request is issued; an issued
// call runs to its client timeout so the outcome can be recorded.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	dlClient   *http.Client
	gate       ratelimit.Gate
	tracer     trace.Tracer

	// Driver videos are large; encode each file once per process.
	driverMu    sync.Mutex
	driverCache map[string]string
}

func NewClient(cfg Config, gate ratelimit.Gate) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if gate == nil {
		return nil, fmt.Errorf("rate gate is required")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	downloadTimeout := cfg.DownloadTimeout
	if downloadTimeout <= 0 {
		downloadTimeout = 5 * time.Minute
	}

	return &Client{
		apiKey:      cfg.APIKey,
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: callTimeout},
		dlClient:    &http.Client{Timeout: downloadTimeout},
		gate:        gate,
		tracer:      otel.Tracer("actflow/runway"),
		driverCache: make(map[string]string),
	}, nil
}

type submitPayload struct {
	Character           mediaRef `json:"character"`
	Reference           mediaRef `json:"reference"`
	BodyControl         bool     `json:"bodyControl"`
	ExpressionIntensity float64  `json:"expressionIntensity"`
	Model               string   `json:"model"`
	Ratio               string   `json:"ratio"`
	Quality             string   `json:"quality,omitempty"`
	Seed                *int64   `json:"seed,omitempty"`
	Prompt              string   `json:"prompt,omitempty"`
}

type mediaRef struct {
	Type string `json:"type"`
	URI  string `json:"uri"`
}

type submitResponse struct {
	ID string `json:"id"`
}

type taskResponse struct {
	ID     string   `json:"id"`
	Status string   `json:"status"`
	Output []string `json:"output"`
	Error  string   `json:"error"`
}

// Submit prepares the character image for the chosen ratio, encodes
// both media as data URIs, and creates a character_performance task.
func (c *Client) Submit(ctx context.Context, req domain.GenerationRequest) (string, error) {
	ctx, span := c.tracer.Start(ctx, "runway.submit", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("runway.model", req.Model),
		attribute.String("runway.ratio_mode", req.RatioMode),
	)

	ratio, err := c.resolveRatio(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ratio resolution failed")
		return "", &Error{Kind: KindPermanent, Op: "submit", Err: err}
	}
	span.SetAttributes(attribute.String("runway.ratio", ratio.Name))

	imageData, err := imaging.PrepareCharacterImage(req.CharacterImagePath, ratio)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "image preparation failed")
		return "", &Error{Kind: KindPermanent, Op: "submit", Err: err}
	}

	driverURI, err := c.driverVideoURI(req.DriverVideoPath)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "driver video encoding failed")
		return "", &Error{Kind: KindPermanent, Op: "submit", Err: err}
	}

	payload := submitPayload{
		Character:           mediaRef{Type: "image", URI: imaging.ImageDataURI(imageData)},
		Reference:           mediaRef{Type: "video", URI: driverURI},
		BodyControl:         req.BodyControl,
		ExpressionIntensity: req.ExpressionIntensity,
		Model:               req.Model,
		Ratio:               ratio.APIValue,
		Quality:             req.Quality,
		Seed:                req.Seed,
		Prompt:              req.Prompt,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", &Error{Kind: KindPermanent, Op: "submit", Err: fmt.Errorf("marshal payload: %w", err)}
	}

	if err := c.gate.Wait(ctx); err != nil {
		return "", &Error{Kind: KindTransient, Op: "submit", Err: err}
	}

	// Past this point the task may be created and billed, so the
	// request is detached from caller cancellation and bounded by the
	// client timeout instead.
	httpReq, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodPost, c.baseURL+"/character_performance", bytes.NewReader(body))
	if err != nil {
		return "", &Error{Kind: KindPermanent, Op: "submit", Err: err}
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit request failed")
		return "", &Error{Kind: KindTransient, Op: "submit", Err: err}
	}
	defer resp.Body.Close()

	if kind, failed := classifyStatus(resp.StatusCode); failed {
		err := readAPIError(resp)
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit rejected")
		return "", &Error{Kind: kind, Op: "submit", Status: resp.StatusCode, Err: err}
	}

	var parsed submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", &Error{Kind: KindTransient, Op: "submit", Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if strings.TrimSpace(parsed.ID) == "" {
		return "", &Error{Kind: KindTransient, Op: "submit", Status: resp.StatusCode, Err: fmt.Errorf("response missing task id")}
	}

	span.SetAttributes(attribute.String("runway.task_id", parsed.ID))
	span.SetStatus(codes.Ok, "submitted")
	return parsed.ID, nil
}

// Poll fetches the remote task state.
func (c *Client) Poll(ctx context.Context, remoteID string) (TaskStatus, error) {
	ctx, span := c.tracer.Start(ctx, "runway.poll", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("runway.task_id", remoteID))

	if err := c.gate.Wait(ctx); err != nil {
		return TaskStatus{}, &Error{Kind: KindTransient, Op: "poll", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodGet, c.baseURL+"/tasks/"+remoteID, nil)
	if err != nil {
		return TaskStatus{}, &Error{Kind: KindPermanent, Op: "poll", Err: err}
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "poll request failed")
		return TaskStatus{}, &Error{Kind: KindTransient, Op: "poll", Err: err}
	}
	defer resp.Body.Close()

	if kind, failed := classifyStatus(resp.StatusCode); failed {
		err := readAPIError(resp)
		span.RecordError(err)
		span.SetStatus(codes.Error, "poll rejected")
		return TaskStatus{}, &Error{Kind: kind, Op: "poll", Status: resp.StatusCode, Err: err}
	}

	var parsed taskResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return TaskStatus{}, &Error{Kind: KindTransient, Op: "poll", Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}

	status := TaskStatus{State: TaskRunning}
	switch strings.ToUpper(strings.TrimSpace(parsed.Status)) {
	case "SUCCEEDED":
		status.State = TaskSucceeded
		if len(parsed.Output) > 0 {
			status.ResultURL = parsed.Output[0]
		}
		if status.ResultURL == "" {
			return TaskStatus{}, &Error{Kind: KindTransient, Op: "poll", Err: fmt.Errorf("succeeded task %s has no output url", remoteID)}
		}
	case "FAILED":
		status.State = TaskFailed
		status.FailureReason = parsed.Error
	}

	span.SetAttributes(attribute.String("runway.task_state", status.State))
	span.SetStatus(codes.Ok, "polled")
	return status, nil
}

// Download fetches the generated video bytes from the result URL.
func (c *Client) Download(ctx context.Context, resultURL string) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "runway.download", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	if err := c.gate.Wait(ctx); err != nil {
		return nil, &Error{Kind: KindTransient, Op: "download", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodGet, resultURL, nil)
	if err != nil {
		return nil, &Error{Kind: KindPermanent, Op: "download", Err: err}
	}

	resp, err := c.dlClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "download request failed")
		return nil, &Error{Kind: KindTransient, Op: "download", Err: err}
	}
	defer resp.Body.Close()

	if kind, failed := classifyStatus(resp.StatusCode); failed {
		err := fmt.Errorf("download returned status=%d", resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, "download rejected")
		return nil, &Error{Kind: kind, Op: "download", Status: resp.StatusCode, Err: err}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "download read failed")
		return nil, &Error{Kind: KindTransient, Op: "download", Err: err}
	}

	span.SetAttributes(attribute.Int("runway.download_bytes", len(data)))
	span.SetStatus(codes.Ok, "downloaded")
	return data, nil
}

func (c *Client) resolveRatio(req domain.GenerationRequest) (imaging.Ratio, error) {
	if req.RatioMode == domain.RatioModeFixed {
		if ratio, ok := imaging.RatioByName(req.FixedRatio); ok {
			return ratio, nil
		}
		return imaging.Ratio{}, fmt.Errorf("unsupported fixed ratio %q", req.FixedRatio)
	}

	aspect, err := imaging.SourceAspect(req.CharacterImagePath)
	if err != nil {
		return imaging.Ratio{}, err
	}
	return imaging.SelectBestRatio(aspect), nil
}

func (c *Client) driverVideoURI(path string) (string, error) {
	c.driverMu.Lock()
	defer c.driverMu.Unlock()

	if uri, ok := c.driverCache[path]; ok {
		return uri, nil
	}
	uri, err := imaging.VideoDataURI(path)
	if err != nil {
		return "", err
	}
	c.driverCache[path] = uri
	return uri, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("X-Runway-Version", apiVersion)
}

// classifyStatus maps HTTP statuses onto the three error kinds.
// 2xx means not failed.
func classifyStatus(status int) (ErrorKind, bool) {
	switch {
	case status >= 200 && status < 300:
		return 0, false
	case status == http.StatusTooManyRequests:
		return KindRateLimited, true
	case status >= 500 || status == http.StatusRequestTimeout:
		return KindTransient, true
	default:
		return KindPermanent, true
	}
}

func readAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || len(bytes.TrimSpace(body)) == 0 {
		return fmt.Errorf("api returned status=%d", resp.StatusCode)
	}
	return fmt.Errorf("api returned status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
}
