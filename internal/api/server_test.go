package api

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dunamismax/actflow/internal/domain"
	"github.com/dunamismax/actflow/internal/orchestrator"
	"github.com/dunamismax/actflow/internal/store"
)

type fakeController struct {
	snapshot orchestrator.Snapshot
	paused   bool
	resumed  bool
}

func (f *fakeController) Status(_ context.Context) (orchestrator.Snapshot, error) {
	return f.snapshot, nil
}

func (f *fakeController) Pause()  { f.paused = true }
func (f *fakeController) Resume() { f.resumed = true }

func newTestServer(t *testing.T, controller *fakeController, jobStore store.JobStore) *httptest.Server {
	t.Helper()
	srv := NewServer(log.New(io.Discard, "[api] ", 0), controller, jobStore, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func seedJob(t *testing.T, st store.JobStore, id, state string) domain.Job {
	t.Helper()
	now := time.Now().UTC()
	job := domain.Job{
		ID: id,
		Request: domain.GenerationRequest{
			CharacterImagePath:  "testdata/alice.png",
			DriverVideoPath:     "testdata/driver.mp4",
			RatioMode:           domain.RatioModeSmart,
			ExpressionIntensity: 3,
			Model:               domain.ModelActTwo,
		},
		State:     state,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if state == domain.JobStateDownloaded {
		job.AssetLocation = "out/" + id + ".mp4"
	}
	if err := st.Put(context.Background(), job); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return job
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, &fakeController{}, store.NewMemoryJobStore())

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestStatusReportsSnapshot(t *testing.T) {
	controller := &fakeController{
		snapshot: orchestrator.Snapshot{
			Counts:     map[string]int{domain.JobStateDownloaded: 2},
			Total:      2,
			QueueDepth: 0,
		},
	}
	ts := newTestServer(t, controller, store.NewMemoryJobStore())

	resp, err := http.Get(ts.URL + "/v1/status")
	if err != nil {
		t.Fatalf("status request: %v", err)
	}
	defer resp.Body.Close()

	var snap orchestrator.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Total != 2 || snap.Counts[domain.JobStateDownloaded] != 2 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestListJobsFiltersByState(t *testing.T) {
	st := store.NewMemoryJobStore()
	seedJob(t, st, "job-1", domain.JobStateQueued)
	seedJob(t, st, "job-2", domain.JobStateDownloaded)
	ts := newTestServer(t, &fakeController{}, st)

	resp, err := http.Get(ts.URL + "/v1/jobs?state=downloaded")
	if err != nil {
		t.Fatalf("list request: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Jobs  []domain.Job `json:"jobs"`
		Count int          `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if body.Count != 1 || len(body.Jobs) != 1 || body.Jobs[0].ID != "job-2" {
		t.Fatalf("unexpected listing: %+v", body)
	}
}

func TestGetJobNotFound(t *testing.T) {
	ts := newTestServer(t, &fakeController{}, store.NewMemoryJobStore())

	resp, err := http.Get(ts.URL + "/v1/jobs/missing")
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestPauseAndResume(t *testing.T) {
	controller := &fakeController{}
	ts := newTestServer(t, controller, store.NewMemoryJobStore())

	resp, err := http.Post(ts.URL+"/v1/pause", "application/json", nil)
	if err != nil {
		t.Fatalf("pause request: %v", err)
	}
	resp.Body.Close()
	if !controller.paused {
		t.Fatal("pause was not forwarded to the controller")
	}

	resp, err = http.Post(ts.URL+"/v1/resume", "application/json", nil)
	if err != nil {
		t.Fatalf("resume request: %v", err)
	}
	resp.Body.Close()
	if !controller.resumed {
		t.Fatal("resume was not forwarded to the controller")
	}
}
