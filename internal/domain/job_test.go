package domain

import "testing"

func TestGenerationRequestValidate(t *testing.T) {
	valid := GenerationRequest{
		CharacterImagePath:  "images/genx_jane.jpg",
		DriverVideoPath:     "driver.mp4",
		RatioMode:           RatioModeSmart,
		ExpressionIntensity: 1.0,
		Model:               ModelActTwo,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid request, got error: %v", err)
	}

	missingImage := valid
	missingImage.CharacterImagePath = ""
	if err := missingImage.Validate(); err == nil {
		t.Fatal("expected validation error for missing character image")
	}

	fixedWithoutRatio := valid
	fixedWithoutRatio.RatioMode = RatioModeFixed
	if err := fixedWithoutRatio.Validate(); err == nil {
		t.Fatal("expected validation error for fixed mode without ratio")
	}

	badIntensity := valid
	badIntensity.ExpressionIntensity = 9
	if err := badIntensity.Validate(); err == nil {
		t.Fatal("expected validation error for out-of-range intensity")
	}
}

func TestFingerprintStability(t *testing.T) {
	seed := int64(42)
	a := GenerationRequest{
		CharacterImagePath:  "a.jpg",
		DriverVideoPath:     "d.mp4",
		RatioMode:           RatioModeSmart,
		ExpressionIntensity: 1.0,
		Model:               ModelActTwo,
		Seed:                &seed,
	}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical requests must share a fingerprint")
	}

	c := a
	c.Prompt = "smile"
	if a.Fingerprint() == c.Fingerprint() {
		t.Fatal("differing prompts must change the fingerprint")
	}

	d := a
	d.Seed = nil
	if a.Fingerprint() == d.Fingerprint() {
		t.Fatal("seed presence must change the fingerprint")
	}
}

func TestValidTransition(t *testing.T) {
	legal := [][2]string{
		{JobStateQueued, JobStateSubmitted},
		{JobStateQueued, JobStateFailedRetryable},
		{JobStateFailedRetryable, JobStateQueued},
		{JobStateSubmitted, JobStateRunning},
		{JobStateRunning, JobStateSucceeded},
		{JobStateRunning, JobStateQueued},
		{JobStateSucceeded, JobStateDownloaded},
		{JobStateSucceeded, JobStateFailedPermanent},
		{JobStateRunning, JobStateRunning},
	}
	for _, tc := range legal {
		if !ValidTransition(tc[0], tc[1]) {
			t.Errorf("expected %s -> %s to be legal", tc[0], tc[1])
		}
	}

	illegal := [][2]string{
		{JobStateQueued, JobStateSucceeded},
		{JobStateQueued, JobStateDownloaded},
		{JobStateQueued, JobStateRunning},
		{JobStateSubmitted, JobStateDownloaded},
		{JobStateDownloaded, JobStateQueued},
		{JobStateDownloaded, JobStateDownloaded},
		{JobStateFailedPermanent, JobStateQueued},
	}
	for _, tc := range illegal {
		if ValidTransition(tc[0], tc[1]) {
			t.Errorf("expected %s -> %s to be rejected", tc[0], tc[1])
		}
	}
}
