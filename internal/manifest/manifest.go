package manifest

import (
	"fmt"
	"os"

	"github.com/dunamismax/actflow/internal/domain"
	"gopkg.in/yaml.v3"
)

// Manifest is the batch input file: shared defaults plus one entry per
// performance to generate. Entry fields override defaults.
type Manifest struct {
	Defaults Defaults `yaml:"defaults"`
	Jobs     []Entry  `yaml:"jobs"`
}

type Defaults struct {
	DriverVideo         string   `yaml:"driver_video"`
	Prompt              string   `yaml:"prompt"`
	RatioMode           string   `yaml:"ratio_mode"`
	FixedRatio          string   `yaml:"fixed_ratio"`
	ExpressionIntensity *float64 `yaml:"expression_intensity"`
	BodyControl         *bool    `yaml:"body_control"`
	Model               string   `yaml:"model"`
	Quality             string   `yaml:"quality"`
}

type Entry struct {
	CharacterImage      string   `yaml:"character_image"`
	DriverVideo         string   `yaml:"driver_video"`
	Prompt              string   `yaml:"prompt"`
	RatioMode           string   `yaml:"ratio_mode"`
	FixedRatio          string   `yaml:"fixed_ratio"`
	ExpressionIntensity *float64 `yaml:"expression_intensity"`
	BodyControl         *bool    `yaml:"body_control"`
	Model               string   `yaml:"model"`
	Quality             string   `yaml:"quality"`
	Seed                *int64   `yaml:"seed"`
}

// Load parses the manifest and resolves every entry into a validated
// generation request. A single bad entry fails the whole load: partial
// batches are worse than no batch.
func Load(path string) ([]domain.GenerationRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if len(m.Jobs) == 0 {
		return nil, fmt.Errorf("manifest %s has no jobs", path)
	}

	requests := make([]domain.GenerationRequest, 0, len(m.Jobs))
	for i, entry := range m.Jobs {
		req := m.resolve(entry)
		if err := req.Validate(); err != nil {
			return nil, fmt.Errorf("manifest job %d: %w", i, err)
		}
		requests = append(requests, req)
	}
	return requests, nil
}

func (m Manifest) resolve(entry Entry) domain.GenerationRequest {
	req := domain.GenerationRequest{
		CharacterImagePath:  entry.CharacterImage,
		DriverVideoPath:     firstNonEmpty(entry.DriverVideo, m.Defaults.DriverVideo),
		Prompt:              firstNonEmpty(entry.Prompt, m.Defaults.Prompt),
		RatioMode:           firstNonEmpty(entry.RatioMode, m.Defaults.RatioMode, domain.RatioModeSmart),
		FixedRatio:          firstNonEmpty(entry.FixedRatio, m.Defaults.FixedRatio),
		Model:               firstNonEmpty(entry.Model, m.Defaults.Model, domain.ModelActTwo),
		Quality:             firstNonEmpty(entry.Quality, m.Defaults.Quality),
		ExpressionIntensity: 3,
		Seed:                entry.Seed,
	}

	if m.Defaults.ExpressionIntensity != nil {
		req.ExpressionIntensity = *m.Defaults.ExpressionIntensity
	}
	if entry.ExpressionIntensity != nil {
		req.ExpressionIntensity = *entry.ExpressionIntensity
	}

	if m.Defaults.BodyControl != nil {
		req.BodyControl = *m.Defaults.BodyControl
	}
	if entry.BodyControl != nil {
		req.BodyControl = *entry.BodyControl
	}
	return req
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
