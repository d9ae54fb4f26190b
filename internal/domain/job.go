package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	JobStateQueued          = "queued"
	JobStateSubmitted       = "submitted"
	JobStateRunning         = "running"
	JobStateSucceeded       = "succeeded"
	JobStateFailedRetryable = "failed_retryable"
	JobStateFailedPermanent = "failed_permanent"
	JobStateDownloaded      = "downloaded"

	RatioModeSmart = "smart"
	RatioModeFixed = "fixed"

	ModelActTwo = "act_two"

	QualityStandard = "standard"
	QualityHigh     = "high"
)

// GenerationRequest is the immutable input for one Act-Two generation.
// The caller builds it once; the orchestrator never mutates it.
type GenerationRequest struct {
	CharacterImagePath  string  `json:"character_image_path"`
	DriverVideoPath     string  `json:"driver_video_path"`
	Prompt              string  `json:"prompt,omitempty"`
	RatioMode           string  `json:"ratio_mode"`
	FixedRatio          string  `json:"fixed_ratio,omitempty"`
	ExpressionIntensity float64 `json:"expression_intensity"`
	BodyControl         bool    `json:"body_control"`
	Model               string  `json:"model"`
	Quality             string  `json:"quality,omitempty"`
	Seed                *int64  `json:"seed,omitempty"`
}

func (r GenerationRequest) Validate() error {
	if strings.TrimSpace(r.CharacterImagePath) == "" {
		return errors.New("character_image_path is required")
	}
	if strings.TrimSpace(r.DriverVideoPath) == "" {
		return errors.New("driver_video_path is required")
	}
	switch r.RatioMode {
	case RatioModeSmart:
	case RatioModeFixed:
		if strings.TrimSpace(r.FixedRatio) == "" {
			return errors.New("fixed_ratio is required for ratio_mode=fixed")
		}
	default:
		return fmt.Errorf("unsupported ratio_mode: %q", r.RatioMode)
	}
	if r.ExpressionIntensity < 0 || r.ExpressionIntensity > 5 {
		return fmt.Errorf("expression_intensity out of range: %v", r.ExpressionIntensity)
	}
	if strings.TrimSpace(r.Model) == "" {
		return errors.New("model is required")
	}
	return nil
}

// Fingerprint identifies the request content for duplicate suppression.
// Two requests with the same fingerprint produce interchangeable outputs.
func (r GenerationRequest) Fingerprint() string {
	h := sha256.New()
	fields := []string{
		r.CharacterImagePath,
		r.DriverVideoPath,
		r.Prompt,
		r.RatioMode,
		r.FixedRatio,
		fmt.Sprintf("%.4f", r.ExpressionIntensity),
		fmt.Sprintf("%t", r.BodyControl),
		r.Model,
		r.Quality,
	}
	if r.Seed != nil {
		fields = append(fields, fmt.Sprintf("%d", *r.Seed))
	}
	for _, f := range fields {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Job is the local tracking record for one request's full lifecycle.
// The job store is the sole owner; other components mutate it only
// through store.Update by ID.
type Job struct {
	ID               string            `json:"id"`
	Request          GenerationRequest `json:"request"`
	RemoteID         string            `json:"remote_id,omitempty"`
	State            string            `json:"state"`
	Attempt          int               `json:"attempt"`
	DownloadAttempts int               `json:"download_attempts,omitempty"`
	LastError        string            `json:"last_error,omitempty"`
	ResultURL        string            `json:"result_url,omitempty"`
	AssetLocation    string            `json:"asset_location,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

func (j Job) Terminal() bool {
	return j.State == JobStateFailedPermanent || j.State == JobStateDownloaded
}

func TerminalState(state string) bool {
	return state == JobStateFailedPermanent || state == JobStateDownloaded
}

// NonTerminalStates lists every state a restarted batch has to resume.
func NonTerminalStates() []string {
	return []string{
		JobStateQueued,
		JobStateSubmitted,
		JobStateRunning,
		JobStateSucceeded,
		JobStateFailedRetryable,
	}
}

var transitions = map[string][]string{
	JobStateQueued:          {JobStateSubmitted, JobStateFailedRetryable, JobStateFailedPermanent},
	JobStateFailedRetryable: {JobStateQueued},
	JobStateSubmitted:       {JobStateRunning, JobStateFailedRetryable, JobStateFailedPermanent},
	JobStateRunning:         {JobStateSucceeded, JobStateQueued, JobStateFailedRetryable, JobStateFailedPermanent},
	JobStateSucceeded:       {JobStateDownloaded, JobStateFailedPermanent},
	JobStateFailedPermanent: {},
	JobStateDownloaded:      {},
}

var ErrIllegalTransition = errors.New("illegal job state transition")

// ValidTransition reports whether the state machine allows from -> to.
// Same-state writes are allowed on non-terminal states so polls can
// bump updated_at in place; terminal states accept no writes at all.
func ValidTransition(from, to string) bool {
	if from == to {
		return !TerminalState(from)
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func CheckTransition(from, to string) error {
	if !ValidTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// CheckJobTransition validates a full record update. It admits one
// path the plain state machine forbids: a queued job may jump straight
// to downloaded when duplicate suppression points it at an asset some
// earlier job already fetched. Such a job never had a remote task.
func CheckJobTransition(old, updated Job) error {
	if old.State == JobStateQueued && updated.State == JobStateDownloaded {
		if updated.AssetLocation != "" && updated.RemoteID == "" {
			return nil
		}
		return fmt.Errorf("%w: %s -> %s without duplicate asset", ErrIllegalTransition, old.State, updated.State)
	}
	return CheckTransition(old.State, updated.State)
}
