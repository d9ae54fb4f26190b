package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dunamismax/actflow/internal/domain"
	"github.com/dunamismax/actflow/internal/runway"
)

func (m *Manager) downloadLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.DownloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.downloadOnce(ctx)
		}
	}
}

func (m *Manager) downloadOnce(ctx context.Context) {
	jobs, err := m.store.ListByState(ctx, domain.JobStateSucceeded)
	if err != nil {
		m.logger.Printf("download sweep listing failed err=%v", err)
		return
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		m.downloadJob(ctx, job)
	}
}

func (m *Manager) downloadJob(ctx context.Context, job domain.Job) {
	current, ok, err := m.store.Get(ctx, job.ID)
	if err != nil || !ok {
		return
	}
	if current.State != domain.JobStateSucceeded {
		return
	}

	// A duplicate that finished downloading while this job was in
	// flight still saves us the transfer.
	if dup, found := m.findDownloadedDuplicate(ctx, current); found {
		if _, err := m.store.Update(ctx, current.ID, func(j *domain.Job) error {
			j.State = domain.JobStateDownloaded
			j.AssetLocation = dup.AssetLocation
			j.LastError = ""
			return nil
		}); err != nil {
			m.logger.Printf("duplicate skip failed job_id=%s err=%v", current.ID, err)
			return
		}
		m.mu.Lock()
		m.duplicates++
		m.mu.Unlock()
		m.metrics.duplicatesSkipped.Inc()
		m.logger.Printf("duplicate skipped job_id=%s asset=%s source_job=%s", current.ID, dup.AssetLocation, dup.ID)
		m.finalize(ctx, current.ID, domain.JobStateDownloaded)
		return
	}

	data, err := m.api.Download(ctx, current.ResultURL)
	if err != nil {
		m.metrics.downloadsTotal.WithLabelValues("error").Inc()
		m.downloadFailed(ctx, current, runway.KindOf(err), err.Error())
		return
	}
	if len(data) == 0 {
		m.metrics.downloadsTotal.WithLabelValues("integrity_error").Inc()
		m.downloadFailed(ctx, current, runway.KindTransient, "downloaded asset is empty")
		return
	}

	dest := m.assetPath(current)
	if err := writeAsset(dest, data); err != nil {
		m.metrics.downloadsTotal.WithLabelValues("write_error").Inc()
		m.downloadFailed(ctx, current, runway.KindTransient, err.Error())
		return
	}

	if m.archiver != nil {
		objectKey := path.Join(m.cfg.ArchivePrefix, filepath.Base(dest))
		if err := m.archiver.WriteObject(context.WithoutCancel(ctx), objectKey, data, "video/mp4"); err != nil {
			// Archiving is best effort; the local asset is the record.
			m.logger.Printf("archive failed job_id=%s object=%s err=%v", current.ID, objectKey, err)
		}
	}

	if _, err := m.store.Update(ctx, current.ID, func(j *domain.Job) error {
		j.State = domain.JobStateDownloaded
		j.AssetLocation = dest
		j.LastError = ""
		return nil
	}); err != nil {
		m.logger.Printf("download record failed job_id=%s err=%v", current.ID, err)
		return
	}

	m.metrics.downloadsTotal.WithLabelValues("ok").Inc()
	m.logger.Printf("asset downloaded job_id=%s bytes=%d path=%s", current.ID, len(data), dest)
	m.finalize(ctx, current.ID, domain.JobStateDownloaded)
}

// downloadFailed spends the download budget, which is separate from
// the submission budget: the generation already succeeded and is never
// redone over a fetch problem.
func (m *Manager) downloadFailed(ctx context.Context, job domain.Job, kind runway.ErrorKind, reason string) {
	attempts := job.DownloadAttempts + 1
	decision := m.policy.Decide(kind, attempts)
	if decision.Retry {
		if _, err := m.store.Update(ctx, job.ID, func(j *domain.Job) error {
			j.DownloadAttempts++
			j.LastError = reason
			return nil
		}); err != nil {
			m.logger.Printf("download retry record failed job_id=%s err=%v", job.ID, err)
			return
		}
		m.logger.Printf("download failed job_id=%s attempt=%d kind=%s err=%s", job.ID, attempts, kind, reason)
		return
	}

	if _, err := m.store.Update(ctx, job.ID, func(j *domain.Job) error {
		j.DownloadAttempts++
		j.State = domain.JobStateFailedPermanent
		j.LastError = reason
		return nil
	}); err != nil {
		m.logger.Printf("download failure record failed job_id=%s err=%v", job.ID, err)
		return
	}
	m.logger.Printf("download failed permanently job_id=%s attempts=%d err=%s", job.ID, attempts, reason)
	m.finalize(ctx, job.ID, domain.JobStateFailedPermanent)
}

// assetPath derives a stable output name from the character image and
// the job ID, so reruns overwrite their own asset and nothing else.
func (m *Manager) assetPath(job domain.Job) string {
	base := filepath.Base(job.Request.CharacterImagePath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" || stem == "." {
		stem = "performance"
	}
	short := job.ID
	if len(short) > 8 {
		short = short[:8]
	}
	return filepath.Join(m.cfg.OutputDir, fmt.Sprintf("%s_act_two_%s.mp4", stem, short))
}

func writeAsset(dest string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	tmp := dest + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write asset: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("commit asset: %w", err)
	}
	return nil
}
