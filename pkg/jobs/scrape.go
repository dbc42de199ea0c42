package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/perihelia/guildvault/pkg/database"
	"github.com/perihelia/guildvault/pkg/discord"
	"github.com/perihelia/guildvault/pkg/model"
	"github.com/perihelia/guildvault/pkg/scraper"
)

// Scope names how a scrape was requested.
const (
	ScopeGuild    = "guild"
	ScopeChannels = "channels"
)

// ScrapeJob is one scrape task's record.
type ScrapeJob struct {
	ID              string            `json:"id"`
	GuildID         model.Snowflake   `json:"guild_id"`
	Scope           string            `json:"scope"`
	ChannelIDs      []model.Snowflake `json:"channel_ids,omitempty"`
	Datasource      string            `json:"datasource"`
	Status          Status            `json:"status"`
	Progress        scraper.Progress  `json:"progress"`
	Result          *scraper.Summary  `json:"result,omitempty"`
	Error           string            `json:"error_message,omitempty"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	DurationSeconds float64           `json:"duration_seconds"`
}

func (j *ScrapeJob) clone() *ScrapeJob {
	out := *j
	out.ChannelIDs = append([]model.Snowflake(nil), j.ChannelIDs...)
	if j.Result != nil {
		r := *j.Result
		r.Errors = append([]string(nil), j.Result.Errors...)
		out.Result = &r
	}
	return &out
}

// ClientFactory opens an authenticated Discord client.
type ClientFactory func(token string) (discord.Client, error)

// ScrapeManager runs at most one guild scrape at a time. The active store
// is resolved from the registry when a job starts, so switching the
// datasource between jobs takes effect naturally.
type ScrapeManager struct {
	registry *database.Registry
	token    string
	opts     scraper.Options
	connect  ClientFactory
	recorder Recorder
	log      *logrus.Entry

	downloads    *DownloadManager
	autoDownload bool

	mu      sync.Mutex
	current *ScrapeJob
	cancel  context.CancelFunc
	history []*ScrapeJob
	wg      sync.WaitGroup
}

// NewScrapeManager builds a manager scraping with the given token into the
// registry's active store.
func NewScrapeManager(registry *database.Registry, token string, opts scraper.Options) *ScrapeManager {
	return &ScrapeManager{
		registry: registry,
		token:    token,
		opts:     opts,
		connect:  func(token string) (discord.Client, error) { return discord.Login(token) },
		recorder: nopRecorder{},
		log:      logrus.WithField("component", "scrape-jobs"),
	}
}

// SetRecorder wires metrics. Call during setup, before jobs start.
func (m *ScrapeManager) SetRecorder(r Recorder) {
	if r != nil {
		m.recorder = r
	}
}

// SetClientFactory replaces how the manager opens Discord clients. Tests
// install scripted fakes here.
func (m *ScrapeManager) SetClientFactory(f ClientFactory) {
	if f != nil {
		m.connect = f
	}
}

// EnableAutoDownload makes every completed scrape kick an attachment
// download on the given manager.
func (m *ScrapeManager) EnableAutoDownload(d *DownloadManager) {
	m.downloads = d
	m.autoDownload = d != nil
}

// HasToken reports whether a Discord credential is configured.
func (m *ScrapeManager) HasToken() bool {
	return strings.TrimSpace(m.token) != ""
}

// Start launches a scrape of guildID. A nil channelIDs scrapes the whole
// guild; an explicitly empty selection is rejected. Returns ErrBusy while
// another scrape is live.
func (m *ScrapeManager) Start(guildID model.Snowflake, channelIDs []model.Snowflake) (*ScrapeJob, error) {
	if guildID.IsZero() {
		return nil, errors.New("guild_id is required")
	}
	if channelIDs != nil && len(channelIDs) == 0 {
		return nil, ErrEmptyChannels
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.Status.Busy() {
		return nil, ErrBusy
	}

	scope := ScopeGuild
	if channelIDs != nil {
		scope = ScopeChannels
	}
	job := &ScrapeJob{
		ID:         uuid.NewString(),
		GuildID:    guildID,
		Scope:      scope,
		ChannelIDs: append([]model.Snowflake(nil), channelIDs...),
		Datasource: m.registry.ActiveName(),
		Status:     StatusPending,
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.current = job
	m.cancel = cancel

	m.recorder.JobStarted("scrape")
	m.log.WithFields(logrus.Fields{
		"job":   job.ID,
		"guild": job.GuildID,
		"scope": job.Scope,
	}).Info("scrape job started")

	m.wg.Add(1)
	go m.run(ctx, job)
	return job.clone(), nil
}

func (m *ScrapeManager) run(ctx context.Context, job *ScrapeJob) {
	defer m.wg.Done()

	store, err := m.registry.Active()
	if err != nil {
		m.finish(job, nil, err)
		return
	}
	client, err := m.connect(m.token)
	if err != nil {
		m.finish(job, nil, err)
		return
	}
	defer client.Close()

	started := time.Now().UTC()
	m.mu.Lock()
	job.Status = StatusRunning
	job.StartedAt = &started
	m.mu.Unlock()

	summary, err := scraper.New(client, store, m.opts).ScrapeGuild(ctx, job.GuildID, job.ChannelIDs, func(p scraper.Progress) {
		m.mu.Lock()
		job.Progress = p
		m.mu.Unlock()
	})
	m.finish(job, summary, err)
}

func (m *ScrapeManager) finish(job *ScrapeJob, summary *scraper.Summary, err error) {
	now := time.Now().UTC()

	m.mu.Lock()
	job.CompletedAt = &now
	if job.StartedAt != nil {
		job.DurationSeconds = now.Sub(*job.StartedAt).Seconds()
	}
	job.Result = summary
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
	items := 0
	if summary != nil {
		items = summary.MessagesAdded
	}
	m.history = append([]*ScrapeJob{job.clone()}, m.history...)
	if len(m.history) > historyLimit {
		m.history = m.history[:historyLimit]
	}
	m.mu.Unlock()

	m.recorder.JobFinished("scrape", status, duration, items)
	m.log.WithFields(logrus.Fields{
		"job":      job.ID,
		"status":   status,
		"messages": items,
	}).Info("scrape job finished")

	if status == StatusCompleted && m.autoDownload && m.downloads != nil {
		if _, err := m.downloads.Start(); err != nil && !errors.Is(err, ErrBusy) {
			m.log.WithError(err).Warn("auto download did not start")
		}
	}
}

// Status returns a copy of the latest job, or nil when none was started.
func (m *ScrapeManager) Status() *ScrapeJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	return m.current.clone()
}

// Busy reports whether a scrape is pending or running.
func (m *ScrapeManager) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && m.current.Status.Busy()
}

// History returns finished jobs, newest first.
func (m *ScrapeManager) History() []*ScrapeJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ScrapeJob, len(m.history))
	for i, job := range m.history {
		out[i] = job.clone()
	}
	return out
}

// Cancel asks the live job to stop and reports whether there was one.
func (m *ScrapeManager) Cancel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || !m.current.Status.Busy() || m.cancel == nil {
		return false
	}
	m.cancel()
	return true
}

// Shutdown cancels any live job and waits for it to wind down.
func (m *ScrapeManager) Shutdown() {
	m.Cancel()
	m.wg.Wait()
}

// LiveChannels fetches the guild's current channel listing, or nil when
// Discord is not reachable with the configured token. Callers treat nil as
// "archive data only".
func (m *ScrapeManager) LiveChannels(ctx context.Context, guildID model.Snowflake) []model.Channel {
	client, err := m.connect(m.token)
	if err != nil {
		m.log.WithError(err).Debug("live channel listing unavailable")
		return nil
	}
	defer client.Close()

	channels, err := client.GuildChannels(ctx, guildID)
	if err != nil {
		m.log.WithError(err).Debug("live channel listing unavailable")
		return nil
	}
	return channels
}
