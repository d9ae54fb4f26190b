package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/dunamismax/actflow/internal/domain"
	"github.com/dunamismax/actflow/internal/runway"
)

func (m *Manager) pollLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollOnce(ctx)
		}
	}
}

func (m *Manager) pollOnce(ctx context.Context) {
	jobs, err := m.store.ListByState(ctx, domain.JobStateSubmitted, domain.JobStateRunning)
	if err != nil {
		m.logger.Printf("poll sweep listing failed err=%v", err)
		return
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		m.pollJob(ctx, job)
	}
}

func (m *Manager) pollJob(ctx context.Context, job domain.Job) {
	// Re-read under the sweep: another actor may have settled the job
	// since the listing. Polling a terminal job must be a no-op.
	current, ok, err := m.store.Get(ctx, job.ID)
	if err != nil || !ok {
		return
	}
	if current.State != domain.JobStateSubmitted && current.State != domain.JobStateRunning {
		return
	}
	if current.RemoteID == "" {
		m.logger.Printf("in-flight job has no remote id job_id=%s state=%s", current.ID, current.State)
		return
	}

	status, err := m.api.Poll(ctx, current.RemoteID)
	if err != nil {
		kind := runway.KindOf(err)
		m.metrics.pollsTotal.WithLabelValues("error").Inc()
		if kind == runway.KindPermanent {
			// The remote side no longer knows the task. Treat it like a
			// remote failure so the retry budget decides what happens.
			m.remoteFailed(ctx, current, fmt.Sprintf("poll: %v", err))
			return
		}
		// Rate-limited and transient poll errors cost nothing; the
		// next sweep tries again.
		m.logger.Printf("poll failed job_id=%s remote_id=%s kind=%s err=%v", current.ID, current.RemoteID, kind, err)
		return
	}

	switch status.State {
	case runway.TaskRunning:
		m.metrics.pollsTotal.WithLabelValues("running").Inc()
		// First sighting moves submitted to running; after that the
		// same-state write just refreshes updated_at as a liveness mark.
		if _, err := m.store.Update(ctx, current.ID, func(j *domain.Job) error {
			j.State = domain.JobStateRunning
			return nil
		}); err != nil {
			m.logger.Printf("running record failed job_id=%s err=%v", current.ID, err)
		}

	case runway.TaskSucceeded:
		m.metrics.pollsTotal.WithLabelValues("succeeded").Inc()
		// A task may report success while we still think it is merely
		// submitted; route through running so the lifecycle reads the
		// same for fast and slow tasks.
		if current.State == domain.JobStateSubmitted {
			if _, err := m.store.Update(ctx, current.ID, func(j *domain.Job) error {
				j.State = domain.JobStateRunning
				return nil
			}); err != nil {
				m.logger.Printf("running record failed job_id=%s err=%v", current.ID, err)
				return
			}
		}
		if _, err := m.store.Update(ctx, current.ID, func(j *domain.Job) error {
			j.State = domain.JobStateSucceeded
			j.ResultURL = status.ResultURL
			j.LastError = ""
			return nil
		}); err != nil {
			m.logger.Printf("success record failed job_id=%s err=%v", current.ID, err)
			return
		}
		m.logger.Printf("remote task succeeded job_id=%s remote_id=%s", current.ID, current.RemoteID)
		m.jobSettled(current.ID)

	case runway.TaskFailed:
		m.metrics.pollsTotal.WithLabelValues("failed").Inc()
		reason := status.FailureReason
		if reason == "" {
			reason = "remote task failed"
		}
		m.remoteFailed(ctx, current, reason)
	}
}

// remoteFailed handles a task the service reports as failed. The
// transient budget decides between a fresh submission and giving up;
// either way the stale remote ID is dropped.
func (m *Manager) remoteFailed(ctx context.Context, job domain.Job, reason string) {
	decision := m.policy.Decide(runway.KindTransient, job.Attempt)
	if decision.Retry {
		if _, err := m.store.Update(ctx, job.ID, func(j *domain.Job) error {
			j.State = domain.JobStateFailedRetryable
			j.RemoteID = ""
			j.LastError = reason
			return nil
		}); err != nil {
			m.logger.Printf("retry record failed job_id=%s err=%v", job.ID, err)
			return
		}
		m.logger.Printf(
			"remote task failed job_id=%s attempt=%d retry_in=%s reason=%q",
			job.ID, job.Attempt, decision.After.Round(time.Millisecond), reason,
		)
		m.jobSettled(job.ID)
		m.scheduleRequeue(ctx, job.ID, decision.After)
		return
	}

	if _, err := m.store.Update(ctx, job.ID, func(j *domain.Job) error {
		j.State = domain.JobStateFailedPermanent
		j.LastError = reason
		return nil
	}); err != nil {
		m.logger.Printf("failure record failed job_id=%s err=%v", job.ID, err)
		return
	}
	m.logger.Printf("remote task failed permanently job_id=%s attempt=%d reason=%q", job.ID, job.Attempt, reason)
	m.jobSettled(job.ID)
	m.finalize(ctx, job.ID, domain.JobStateFailedPermanent)
}
