package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/perihelia/guildvault/pkg/database"
	"github.com/perihelia/guildvault/pkg/model"
)

const (
	// downloadConcurrency caps the parallel CDN fetches.
	downloadConcurrency = 4
	// downloadAttempts is the per-attachment try budget.
	downloadAttempts = 3
)

var imageContentTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
	"image/avif": true,
	"image/bmp":  true,
	"image/tiff": true,
}

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
	".avif": true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
}

// IsImage reports whether the attachment is worth downloading, judged by
// content type first and filename extension when the CDN sent none.
func IsImage(a *model.Attachment) bool {
	if ct := strings.ToLower(strings.TrimSpace(a.ContentType)); ct != "" {
		if i := strings.IndexByte(ct, ';'); i >= 0 {
			ct = strings.TrimSpace(ct[:i])
		}
		return imageContentTypes[ct]
	}
	return imageExtensions[strings.ToLower(filepath.Ext(a.Filename))]
}

// DownloadProgress tracks one download run. Total counts image candidates;
// Skipped counts the non-image rows bulk-marked at the start.
type DownloadProgress struct {
	Total          int    `json:"total_images"`
	Downloaded     int    `json:"downloaded"`
	Failed         int    `json:"failed"`
	Skipped        int    `json:"skipped"`
	CurrentChannel string `json:"current_channel,omitempty"`
}

// DownloadJob is one download task's record.
type DownloadJob struct {
	ID              string           `json:"id"`
	Datasource      string           `json:"datasource"`
	Status          Status           `json:"status"`
	Progress        DownloadProgress `json:"progress"`
	Error           string           `json:"error_message,omitempty"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	DurationSeconds float64          `json:"duration_seconds"`
}

func (j *DownloadJob) clone() *DownloadJob {
	out := *j
	return &out
}

// DownloadManager fetches pending image attachments to local disk, at most
// one run at a time. Files land under {base}/{channel_id}/{attachment_id}
// with the original extension.
type DownloadManager struct {
	registry *database.Registry
	baseDir  string
	client   *http.Client
	recorder Recorder
	log      *logrus.Entry

	// retryInitial seeds the backoff between attempts; tests shrink it.
	retryInitial time.Duration

	mu      sync.Mutex
	current *DownloadJob
	cancel  context.CancelFunc
	history []*DownloadJob
	wg      sync.WaitGroup
}

// NewDownloadManager builds a manager storing files under baseDir.
func NewDownloadManager(registry *database.Registry, baseDir string) *DownloadManager {
	return &DownloadManager{
		registry:     registry,
		baseDir:      baseDir,
		client:       http.DefaultClient,
		recorder:     nopRecorder{},
		retryInitial: time.Second,
		log:          logrus.WithField("component", "download-jobs"),
	}
}

// SetRecorder wires metrics. Call during setup, before jobs start.
func (m *DownloadManager) SetRecorder(r Recorder) {
	if r != nil {
		m.recorder = r
	}
}

// Start launches a download run over every pending attachment in the
// active store. Returns ErrBusy while another run is live.
func (m *DownloadManager) Start() (*DownloadJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.Status.Busy() {
		return nil, ErrBusy
	}

	job := &DownloadJob{
		ID:         uuid.NewString(),
		Datasource: m.registry.ActiveName(),
		Status:     StatusPending,
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.current = job
	m.cancel = cancel

	m.recorder.JobStarted("download")
	m.log.WithField("job", job.ID).Info("download job started")

	m.wg.Add(1)
	go m.run(ctx, job)
	return job.clone(), nil
}

func (m *DownloadManager) run(ctx context.Context, job *DownloadJob) {
	defer m.wg.Done()

	store, err := m.registry.Active()
	if err != nil {
		m.finish(job, err)
		return
	}
	repos := store.Repos()

	started := time.Now().UTC()
	m.mu.Lock()
	job.Status = StatusRunning
	job.StartedAt = &started
	m.mu.Unlock()

	pending, err := repos.Attachments.ListPending(ctx)
	if err != nil {
		m.finish(job, err)
		return
	}

	var images []database.PendingAttachment
	var skip []model.Snowflake
	for _, p := range pending {
		if IsImage(&p.Attachment) {
			images = append(images, p)
		} else {
			skip = append(skip, p.ID)
		}
	}
	if err := repos.Attachments.MarkSkipped(ctx, skip); err != nil {
		m.finish(job, err)
		return
	}

	m.mu.Lock()
	job.Progress.Total = len(images)
	job.Progress.Skipped = len(skip)
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(downloadConcurrency)
	for i := range images {
		att := images[i]
		g.Go(func() error {
			if gctx.Err() == nil {
				m.downloadOne(gctx, repos, &att, job)
			}
			return nil
		})
	}
	g.Wait()

	m.finish(job, ctx.Err())
}

// downloadOne fetches a single attachment and records the outcome on its
// row. A cancelled run leaves in-flight rows pending for the next one.
func (m *DownloadManager) downloadOne(ctx context.Context, repos *database.Repos, att *database.PendingAttachment, job *DownloadJob) {
	m.mu.Lock()
	job.Progress.CurrentChannel = att.ChannelID.String()
	m.mu.Unlock()

	path, err := m.fetch(ctx, att)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.log.WithError(err).WithField("attachment", att.ID).Warn("attachment download failed")
		if dbErr := repos.Attachments.SetDownloadState(ctx, att.ID, model.DownloadFailed, nil); dbErr != nil {
			m.log.WithError(dbErr).Warn("download state update failed")
		}
		m.mu.Lock()
		job.Progress.Failed++
		m.mu.Unlock()
		return
	}

	if err := repos.Attachments.SetDownloadState(ctx, att.ID, model.DownloadDownloaded, &path); err != nil {
		m.log.WithError(err).Warn("download state update failed")
		m.mu.Lock()
		job.Progress.Failed++
		m.mu.Unlock()
		return
	}
	m.mu.Lock()
	job.Progress.Downloaded++
	m.mu.Unlock()
}

// fetch writes the attachment to disk, retrying transient CDN failures up
// to the attempt budget with growing pauses in between.
func (m *DownloadManager) fetch(ctx context.Context, att *database.PendingAttachment) (string, error) {
	dir := filepath.Join(m.baseDir, att.ChannelID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, att.ID.String()+localExt(&att.Attachment))

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.retryInitial
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.RemoteURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := m.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
			// The CDN link expired or the file is gone; retrying won't help.
			return backoff.Permanent(fmt.Errorf("cdn returned %s", resp.Status))
		default:
			return fmt.Errorf("cdn returned %s", resp.Status)
		}

		f, err := os.Create(path)
		if err != nil {
			return backoff.Permanent(err)
		}
		if _, err := io.Copy(f, resp.Body); err != nil {
			f.Close()
			os.Remove(path)
			return err
		}
		return f.Close()
	}

	retry := backoff.WithContext(backoff.WithMaxRetries(policy, downloadAttempts-1), ctx)
	if err := backoff.Retry(op, retry); err != nil {
		return "", err
	}
	return path, nil
}

// localExt picks the on-disk extension: the filename's when present, a
// content-type guess otherwise.
func localExt(a *model.Attachment) string {
	if ext := strings.ToLower(filepath.Ext(a.Filename)); ext != "" {
		return ext
	}
	switch strings.ToLower(a.ContentType) {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/avif":
		return ".avif"
	case "image/bmp":
		return ".bmp"
	case "image/tiff":
		return ".tiff"
	}
	return ""
}

func (m *DownloadManager) finish(job *DownloadJob, err error) {
	now := time.Now().UTC()

	m.mu.Lock()
	job.CompletedAt = &now
	if job.StartedAt != nil {
		job.DurationSeconds = now.Sub(*job.StartedAt).Seconds()
	}
	switch {
	case err == nil:
		job.Status = StatusCompleted
	case errors.Is(err, context.Canceled):
		job.Status = StatusCancelled
	default:
		job.Status = StatusFailed
		job.Error = err.Error()
	}
	status := job.Status
	duration := job.DurationSeconds
	items := job.Progress.Downloaded
	job.Progress.CurrentChannel = ""
	m.history = append([]*DownloadJob{job.clone()}, m.history...)
	if len(m.history) > historyLimit {
		m.history = m.history[:historyLimit]
	}
	m.mu.Unlock()

	m.recorder.JobFinished("download", status, duration, items)
	m.log.WithFields(logrus.Fields{
		"job":        job.ID,
		"status":     status,
		"downloaded": items,
	}).Info("download job finished")
}

// Status returns a copy of the latest job, or nil when none was started.
func (m *DownloadManager) Status() *DownloadJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	return m.current.clone()
}

// Busy reports whether a download run is pending or running.
func (m *DownloadManager) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && m.current.Status.Busy()
}

// History returns finished jobs, newest first.
func (m *DownloadManager) History() []*DownloadJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*DownloadJob, len(m.history))
	for i, job := range m.history {
		out[i] = job.clone()
	}
	return out
}

// Cancel asks the live run to stop and reports whether there was one.
func (m *DownloadManager) Cancel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || !m.current.Status.Busy() || m.cancel == nil {
		return false
	}
	m.cancel()
	return true
}

// Shutdown cancels any live run and waits for it to wind down.
func (m *DownloadManager) Shutdown() {
	m.Cancel()
	m.wg.Wait()
}
