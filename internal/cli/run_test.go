package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dunamismax/actflow/internal/domain"
)

func TestScanImagesFiltersAndSorts(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"bob.PNG", "alice.jpg", "notes.txt", "clip.mp4"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write fixture: %v", err)
		}
	}

	requests, err := scanImages(dir, "clips/driver.mp4")
	if err != nil {
		t.Fatalf("scanImages: %v", err)
	}
	if len(requests) != 2 {
		t.Fatalf("requests = %d, want 2", len(requests))
	}
	if filepath.Base(requests[0].CharacterImagePath) != "alice.jpg" {
		t.Fatalf("requests not sorted: %+v", requests)
	}
	for _, req := range requests {
		if req.DriverVideoPath != "clips/driver.mp4" {
			t.Fatalf("driver not applied: %+v", req)
		}
		if req.RatioMode != domain.RatioModeSmart || req.Model != domain.ModelActTwo {
			t.Fatalf("defaults not applied: %+v", req)
		}
		if err := req.Validate(); err != nil {
			t.Fatalf("scanned request invalid: %v", err)
		}
	}
}

func TestCollectRequestsRejectsAmbiguousInput(t *testing.T) {
	if _, err := collectRequests("batch.yaml", "images", ""); err == nil {
		t.Fatal("expected error for manifest + images-dir")
	}
	if _, err := collectRequests("", "images", ""); err == nil {
		t.Fatal("expected error for images-dir without driver video")
	}
	if _, err := collectRequests("", "", ""); err == nil {
		t.Fatal("expected error for no input source")
	}
}
