package orchestrator

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/dunamismax/actflow/internal/domain"
	"github.com/dunamismax/actflow/internal/id"
	"github.com/dunamismax/actflow/internal/retry"
	"github.com/dunamismax/actflow/internal/runway"
	"github.com/dunamismax/actflow/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	// Workers bounds concurrently submitted-but-not-yet-settled jobs.
	Workers          int
	PollInterval     time.Duration
	DownloadInterval time.Duration
	OutputDir        string
	NotifyURL        string
	ArchivePrefix    string
}

// Notifier delivers fire-and-forget lifecycle events. Failures are
// logged, never folded back into job state.
type Notifier interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// Archiver mirrors downloaded assets to object storage.
type Archiver interface {
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

// Manager drives every enqueued request through the job state
// machine: submit under the shared rate gate, poll until the remote
// task settles, download the asset. The job store is the single
// source of truth throughout; the manager holds no private job state
// that could diverge from it.
type Manager struct {
	logger   *log.Logger
	store    store.JobStore
	api      runway.API
	policy   retry.Policy
	cfg      Config
	metrics  *metrics
	tracer   trace.Tracer
	notifier Notifier
	archiver Archiver

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []string
	paused   bool
	watchers map[string]chan struct{}
	// Rate-limited submit retries are counted here instead of on the
	// job record so they never consume the transient budget.
	rateLimited map[string]int
	duplicates  int

	wg sync.WaitGroup
}

type Snapshot struct {
	Counts     map[string]int `json:"counts"`
	Total      int            `json:"total"`
	QueueDepth int            `json:"queue_depth"`
	Paused     bool           `json:"paused"`
}

type Summary struct {
	Downloaded      int `json:"downloaded"`
	FailedPermanent int `json:"failed_permanent"`
	InFlight        int `json:"in_flight"`
	Duplicates      int `json:"duplicates_skipped"`
}

func NewManager(
	logger *log.Logger,
	jobStore store.JobStore,
	api runway.API,
	policy retry.Policy,
	cfg Config,
	notify Notifier,
	archive Archiver,
) (*Manager, error) {
	if jobStore == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if api == nil {
		return nil, fmt.Errorf("api client is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.DownloadInterval <= 0 {
		cfg.DownloadInterval = 5 * time.Second
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "."
	}

	m := &Manager{
		logger:      logger,
		store:       jobStore,
		api:         api,
		policy:      policy,
		cfg:         cfg,
		metrics:     newMetrics(),
		tracer:      otel.Tracer("actflow/orchestrator"),
		notifier:    notify,
		archiver:    archive,
		watchers:    make(map[string]chan struct{}),
		rateLimited: make(map[string]int),
	}
	m.cond = sync.NewCond(&m.mu)
	return m, nil
}

// MetricsHandler exposes the orchestrator's Prometheus registry.
func (m *Manager) MetricsHandler() http.Handler {
	return m.metrics.Handler()
}

// Enqueue validates and records the requests as queued jobs, returning
// their local job IDs in submission order.
func (m *Manager) Enqueue(ctx context.Context, requests []domain.GenerationRequest) ([]string, error) {
	for i, req := range requests {
		if err := req.Validate(); err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
	}

	ids := make([]string, 0, len(requests))
	for _, req := range requests {
		now := time.Now().UTC()
		job := domain.Job{
			ID:        id.New(),
			Request:   req,
			State:     domain.JobStateQueued,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := m.store.Put(ctx, job); err != nil {
			return ids, fmt.Errorf("record job: %w", err)
		}
		ids = append(ids, job.ID)
		m.push(job.ID)
	}

	m.logger.Printf("enqueued jobs=%d", len(ids))
	return ids, nil
}

// Pause stops handing out new submissions. In-flight jobs keep being
// polled and downloaded.
func (m *Manager) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
	m.logger.Printf("submissions paused")
}

func (m *Manager) Resume() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
	m.cond.Broadcast()
	m.logger.Printf("submissions resumed")
}

func (m *Manager) Status(ctx context.Context) (Snapshot, error) {
	jobs, err := m.store.ListByState(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list jobs: %w", err)
	}

	snap := Snapshot{Counts: make(map[string]int)}
	for _, job := range jobs {
		snap.Counts[job.State]++
	}
	snap.Total = len(jobs)

	m.mu.Lock()
	snap.QueueDepth = len(m.queue)
	snap.Paused = m.paused
	m.mu.Unlock()
	return snap, nil
}

// Run resumes any jobs persisted by a prior run, then drives the batch
// until every job is terminal or ctx is cancelled. On cancellation the
// store is left consistent and resumable; in-flight API calls finish
// on their own timeouts rather than being cut off.
func (m *Manager) Run(ctx context.Context) (Summary, error) {
	if err := m.resumePersisted(ctx); err != nil {
		return Summary{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Wake dequeue waiters on shutdown.
	go func() {
		<-runCtx.Done()
		m.cond.Broadcast()
	}()

	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker(runCtx)
	}
	m.wg.Add(2)
	go m.pollLoop(runCtx)
	go m.downloadLoop(runCtx)

	var runErr error
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

wait:
	for {
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			break wait
		case <-ticker.C:
			done, err := m.batchDone(ctx)
			if err != nil {
				// The store itself failing is batch-fatal.
				runErr = err
				break wait
			}
			if done {
				break wait
			}
		}
	}

	cancel()
	m.cond.Broadcast()
	m.wg.Wait()

	summary := m.summarize(context.WithoutCancel(ctx))
	m.logger.Printf(
		"batch finished downloaded=%d failed_permanent=%d in_flight=%d duplicates=%d",
		summary.Downloaded, summary.FailedPermanent, summary.InFlight, summary.Duplicates,
	)
	m.notify(context.WithoutCancel(ctx), "batch.completed", map[string]any{
		"downloaded":       summary.Downloaded,
		"failed_permanent": summary.FailedPermanent,
		"in_flight":        summary.InFlight,
		"completed_at":     time.Now().UTC(),
	})
	return summary, runErr
}

func (m *Manager) resumePersisted(ctx context.Context) error {
	// Pending retry delays from the previous run are long gone; make
	// those jobs immediately eligible again.
	retryable, err := m.store.ListByState(ctx, domain.JobStateFailedRetryable)
	if err != nil {
		return fmt.Errorf("load retryable jobs: %w", err)
	}
	for _, job := range retryable {
		if _, err := m.store.Update(ctx, job.ID, func(j *domain.Job) error {
			j.State = domain.JobStateQueued
			return nil
		}); err != nil {
			return fmt.Errorf("requeue job %s: %w", job.ID, err)
		}
	}

	// In-flight jobs go to the front so they reclaim worker slots
	// before new submissions start.
	inflight, err := m.store.ListByState(ctx, domain.JobStateSubmitted, domain.JobStateRunning)
	if err != nil {
		return fmt.Errorf("load in-flight jobs: %w", err)
	}
	queued, err := m.store.ListByState(ctx, domain.JobStateQueued)
	if err != nil {
		return fmt.Errorf("load queued jobs: %w", err)
	}

	m.mu.Lock()
	seen := make(map[string]bool, len(m.queue))
	for _, id := range m.queue {
		seen[id] = true
	}
	ordered := make([]string, 0, len(inflight)+len(queued)+len(m.queue))
	for _, job := range inflight {
		if !seen[job.ID] {
			ordered = append(ordered, job.ID)
		}
	}
	for _, job := range queued {
		if !seen[job.ID] {
			ordered = append(ordered, job.ID)
		}
	}
	m.queue = append(ordered, m.queue...)
	m.metrics.queueDepth.Set(float64(len(m.queue)))
	m.mu.Unlock()
	m.cond.Broadcast()

	if n := len(inflight) + len(queued) + len(retryable); n > 0 {
		m.logger.Printf("resumed jobs=%d in_flight=%d", n, len(inflight))
	}
	return nil
}

func (m *Manager) batchDone(ctx context.Context) (bool, error) {
	pending, err := m.store.ListByState(ctx, domain.NonTerminalStates()...)
	if err != nil {
		return false, fmt.Errorf("list pending jobs: %w", err)
	}
	if len(pending) > 0 {
		return false, nil
	}
	m.mu.Lock()
	empty := len(m.queue) == 0
	m.mu.Unlock()
	return empty, nil
}

func (m *Manager) summarize(ctx context.Context) Summary {
	summary := Summary{}
	jobs, err := m.store.ListByState(ctx)
	if err != nil {
		m.logger.Printf("summary listing failed err=%v", err)
		return summary
	}
	for _, job := range jobs {
		switch job.State {
		case domain.JobStateDownloaded:
			summary.Downloaded++
		case domain.JobStateFailedPermanent:
			summary.FailedPermanent++
		default:
			summary.InFlight++
		}
	}
	m.mu.Lock()
	summary.Duplicates = m.duplicates
	m.mu.Unlock()
	return summary
}

func (m *Manager) push(id string) {
	m.mu.Lock()
	m.queue = append(m.queue, id)
	m.metrics.queueDepth.Set(float64(len(m.queue)))
	m.mu.Unlock()
	m.cond.Broadcast()
}

// dequeue blocks until a job is available and submissions are not
// paused, or the run context ends.
func (m *Manager) dequeue(ctx context.Context) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if ctx.Err() != nil {
			return "", false
		}
		if !m.paused && len(m.queue) > 0 {
			break
		}
		m.cond.Wait()
	}
	id := m.queue[0]
	m.queue = m.queue[1:]
	m.metrics.queueDepth.Set(float64(len(m.queue)))
	return id, true
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()
	for {
		jobID, ok := m.dequeue(ctx)
		if !ok {
			return
		}
		m.handle(ctx, jobID)
	}
}

func (m *Manager) handle(ctx context.Context, jobID string) {
	job, ok, err := m.store.Get(ctx, jobID)
	if err != nil {
		m.logger.Printf("job load failed job_id=%s err=%v", jobID, err)
		return
	}
	if !ok {
		return
	}

	switch job.State {
	case domain.JobStateQueued:
		m.submit(ctx, job)
	case domain.JobStateSubmitted, domain.JobStateRunning:
		// Resumed from a prior run: just hold the slot until settled.
		m.awaitSettled(ctx, job.ID)
	}
}

func (m *Manager) submit(ctx context.Context, job domain.Job) {
	ctx, span := m.tracer.Start(ctx, "orchestrator.submit")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", job.ID))

	// A duplicate of an already-downloaded request never touches the
	// API; the original went through the full lifecycle for both.
	if dup, found := m.findDownloadedDuplicate(ctx, job); found {
		if _, err := m.store.Update(ctx, job.ID, func(j *domain.Job) error {
			j.State = domain.JobStateDownloaded
			j.RemoteID = ""
			j.AssetLocation = dup.AssetLocation
			j.LastError = ""
			return nil
		}); err != nil {
			m.logger.Printf("duplicate skip failed job_id=%s err=%v", job.ID, err)
			return
		}
		m.mu.Lock()
		m.duplicates++
		m.mu.Unlock()
		m.metrics.duplicatesSkipped.Inc()
		m.logger.Printf("duplicate skipped job_id=%s asset=%s source_job=%s", job.ID, dup.AssetLocation, dup.ID)
		m.finalize(ctx, job.ID, domain.JobStateDownloaded)
		return
	}

	// The client detaches an issued request from cancellation on its
	// own; everything before that point, the rate-gate wait included,
	// stops as soon as the batch is cancelled.
	remoteID, err := m.api.Submit(ctx, job.Request)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		if ctx.Err() != nil {
			// Cancelled before the call went out. The job stays
			// queued with its attempt budget intact for resume.
			return
		}
		m.submitFailed(ctx, job, err)
		return
	}

	m.mu.Lock()
	delete(m.rateLimited, job.ID)
	m.mu.Unlock()

	// Record the accepted task even if the batch was cancelled while
	// the call was in flight; losing this write would resubmit (and
	// rebill) the task on resume.
	if _, err := m.store.Update(context.WithoutCancel(ctx), job.ID, func(j *domain.Job) error {
		j.State = domain.JobStateSubmitted
		j.RemoteID = remoteID
		j.Attempt++
		j.LastError = ""
		return nil
	}); err != nil {
		m.logger.Printf("submit record failed job_id=%s remote_id=%s err=%v", job.ID, remoteID, err)
		return
	}

	m.metrics.submitsTotal.WithLabelValues("accepted").Inc()
	m.logger.Printf("submitted job_id=%s remote_id=%s attempt=%d", job.ID, remoteID, job.Attempt+1)
	span.SetStatus(codes.Ok, "submitted")

	m.awaitSettled(ctx, job.ID)
}

func (m *Manager) submitFailed(ctx context.Context, job domain.Job, cause error) {
	kind := runway.KindOf(cause)
	m.metrics.submitsTotal.WithLabelValues(kind.String()).Inc()

	countsAttempt := kind != runway.KindRateLimited
	policyAttempt := job.Attempt + 1
	if !countsAttempt {
		m.mu.Lock()
		m.rateLimited[job.ID]++
		policyAttempt = m.rateLimited[job.ID]
		m.mu.Unlock()
	}

	decision := m.policy.Decide(kind, policyAttempt)
	if decision.Retry {
		if _, err := m.store.Update(ctx, job.ID, func(j *domain.Job) error {
			if countsAttempt {
				j.Attempt++
			}
			j.State = domain.JobStateFailedRetryable
			j.LastError = cause.Error()
			return nil
		}); err != nil {
			m.logger.Printf("retry record failed job_id=%s err=%v", job.ID, err)
			return
		}
		m.logger.Printf(
			"submit failed job_id=%s kind=%s attempt=%d retry_in=%s err=%v",
			job.ID, kind, policyAttempt, decision.After.Round(time.Millisecond), cause,
		)
		m.scheduleRequeue(ctx, job.ID, decision.After)
		return
	}

	if _, err := m.store.Update(ctx, job.ID, func(j *domain.Job) error {
		if countsAttempt {
			j.Attempt++
		}
		j.State = domain.JobStateFailedPermanent
		j.LastError = cause.Error()
		return nil
	}); err != nil {
		m.logger.Printf("failure record failed job_id=%s err=%v", job.ID, err)
		return
	}
	m.logger.Printf("submit failed permanently job_id=%s kind=%s attempt=%d err=%v", job.ID, kind, policyAttempt, cause)
	m.finalize(ctx, job.ID, domain.JobStateFailedPermanent)
}

// scheduleRequeue re-inserts the job at the back of the queue once the
// retry delay elapses. On shutdown the job stays failed_retryable and
// the next run picks it up.
func (m *Manager) scheduleRequeue(ctx context.Context, jobID string, delay time.Duration) {
	m.metrics.retriesScheduled.Inc()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if _, err := m.store.Update(ctx, jobID, func(j *domain.Job) error {
			j.State = domain.JobStateQueued
			return nil
		}); err != nil {
			m.logger.Printf("requeue failed job_id=%s err=%v", jobID, err)
			return
		}
		m.push(jobID)
	}()
}

// awaitSettled parks the worker slot until the job leaves the
// submitted/running phase. This is what bounds concurrent remote jobs
// to the worker pool size.
func (m *Manager) awaitSettled(ctx context.Context, jobID string) {
	ch := m.watch(jobID)
	defer m.unwatch(jobID)

	m.metrics.activeJobs.Inc()
	defer m.metrics.activeJobs.Dec()

	for {
		job, ok, err := m.store.Get(ctx, jobID)
		if err != nil {
			m.logger.Printf("settle check failed job_id=%s err=%v", jobID, err)
			return
		}
		if !ok {
			return
		}
		if job.State != domain.JobStateSubmitted && job.State != domain.JobStateRunning {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ch:
		}
	}
}

func (m *Manager) watch(jobID string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.watchers[jobID]
	if !ok {
		ch = make(chan struct{}, 1)
		m.watchers[jobID] = ch
	}
	return ch
}

func (m *Manager) unwatch(jobID string) {
	m.mu.Lock()
	delete(m.watchers, jobID)
	m.mu.Unlock()
}

// jobSettled wakes the worker holding this job's slot, if any.
func (m *Manager) jobSettled(jobID string) {
	m.mu.Lock()
	ch, ok := m.watchers[jobID]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (m *Manager) findDownloadedDuplicate(ctx context.Context, job domain.Job) (domain.Job, bool) {
	downloaded, err := m.store.ListByState(ctx, domain.JobStateDownloaded)
	if err != nil {
		m.logger.Printf("duplicate lookup failed job_id=%s err=%v", job.ID, err)
		return domain.Job{}, false
	}

	want := job.Request.Fingerprint()
	for _, candidate := range downloaded {
		if candidate.ID == job.ID || candidate.AssetLocation == "" {
			continue
		}
		if candidate.Request.Fingerprint() == want {
			return candidate, true
		}
	}
	return domain.Job{}, false
}

func (m *Manager) finalize(ctx context.Context, jobID, state string) {
	m.metrics.jobsFinalTotal.WithLabelValues(state).Inc()

	job, ok, err := m.store.Get(ctx, jobID)
	if err != nil || !ok {
		return
	}
	m.metrics.jobDurationSeconds.WithLabelValues(state).Observe(time.Since(job.CreatedAt).Seconds())

	event := "job.downloaded"
	if state == domain.JobStateFailedPermanent {
		event = "job.failed"
	}
	m.notify(ctx, event, map[string]any{
		"job_id":         job.ID,
		"state":          state,
		"remote_id":      job.RemoteID,
		"attempt":        job.Attempt,
		"asset_location": job.AssetLocation,
		"error":          job.LastError,
	})
}

func (m *Manager) notify(ctx context.Context, event string, payload map[string]any) {
	if m.notifier == nil || m.cfg.NotifyURL == "" {
		return
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := m.notifier.Send(sendCtx, m.cfg.NotifyURL, event, payload); err != nil {
		m.logger.Printf("notification failed event=%s err=%v", event, err)
	}
}
