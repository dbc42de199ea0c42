package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/perihelia/guildvault/pkg/database"
)

// defaultTransferBatch is how many rows one copy batch carries.
const defaultTransferBatch = 1000

// TransferProgress tracks a transfer through its counting and copying
// phases.
type TransferProgress struct {
	CurrentTable string `json:"current_table,omitempty"`
	TablesDone   int    `json:"tables_done"`
	TablesTotal  int    `json:"tables_total"`
	RowsCopied   int64  `json:"rows_transferred"`
	RowsTotal    int64  `json:"total_rows"`
}

// TransferJob is one cross-store copy's record.
type TransferJob struct {
	ID              string           `json:"id"`
	Source          string           `json:"source"`
	Target          string           `json:"target"`
	Status          Status           `json:"status"`
	Progress        TransferProgress `json:"progress"`
	Error           string           `json:"error,omitempty"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	CompletedAt     *time.Time       `json:"finished_at,omitempty"`
	DurationSeconds float64          `json:"duration_seconds"`
}

func (j *TransferJob) clone() *TransferJob {
	out := *j
	return &out
}

// TransferManager copies the archive between two registered stores, at
// most one run at a time. Rows merge by natural key, so re-running a
// transfer converges instead of duplicating.
type TransferManager struct {
	registry *database.Registry
	recorder Recorder
	batch    int
	plan     func(source, target *database.Store) []database.TableCopy
	log      *logrus.Entry

	mu      sync.Mutex
	current *TransferJob
	cancel  context.CancelFunc
	history []*TransferJob
	wg      sync.WaitGroup
}

// NewTransferManager builds a manager over the registry's stores.
func NewTransferManager(registry *database.Registry) *TransferManager {
	return &TransferManager{
		registry: registry,
		recorder: nopRecorder{},
		batch:    defaultTransferBatch,
		plan:     database.TransferPlan,
		log:      logrus.WithField("component", "transfer-jobs"),
	}
}

// SetRecorder wires metrics. Call during setup, before jobs start.
func (m *TransferManager) SetRecorder(r Recorder) {
	if r != nil {
		m.recorder = r
	}
}

// SetBatchSize overrides the rows-per-batch budget. Call during setup,
// before jobs start.
func (m *TransferManager) SetBatchSize(n int) {
	if n > 0 {
		m.batch = n
	}
}

// Start launches a copy from one registered store to another. Both must be
// registered, distinct, and reachable. Returns ErrBusy while another
// transfer is live.
func (m *TransferManager) Start(sourceName, targetName string) (*TransferJob, error) {
	if sourceName == targetName {
		return nil, errors.New("source and target must differ")
	}
	source, ok := m.registry.Get(sourceName)
	if !ok {
		return nil, fmt.Errorf("source %q: %w", sourceName, database.ErrUnknownSource)
	}
	target, ok := m.registry.Get(targetName)
	if !ok {
		return nil, fmt.Errorf("target %q: %w", targetName, database.ErrUnknownSource)
	}

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if !source.Available(pingCtx) {
		return nil, fmt.Errorf("source %q is not reachable", sourceName)
	}
	if !target.Available(pingCtx) {
		return nil, fmt.Errorf("target %q is not reachable", targetName)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.Status.Busy() {
		return nil, ErrBusy
	}

	job := &TransferJob{
		ID:     uuid.NewString(),
		Source: sourceName,
		Target: targetName,
		Status: StatusPending,
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.current = job
	m.cancel = cancel

	m.recorder.JobStarted("transfer")
	m.log.WithFields(logrus.Fields{
		"job":    job.ID,
		"source": sourceName,
		"target": targetName,
	}).Info("transfer job started")

	m.wg.Add(1)
	go m.run(ctx, job, source, target)
	return job.clone(), nil
}

func (m *TransferManager) run(ctx context.Context, job *TransferJob, source, target *database.Store) {
	defer m.wg.Done()

	started := time.Now().UTC()
	m.mu.Lock()
	job.Status = StatusRunning
	job.StartedAt = &started
	m.mu.Unlock()

	plan := m.plan(source, target)
	m.mu.Lock()
	job.Progress.TablesTotal = len(plan)
	m.mu.Unlock()

	// Phase one sizes the whole run so progress can show totals.
	var total int64
	for _, tc := range plan {
		n, err := tc.Count(ctx)
		if err != nil {
			m.repairAndFinish(job, target, fmt.Errorf("count %s: %w", tc.Table, err))
			return
		}
		total += n
	}
	m.mu.Lock()
	job.Progress.RowsTotal = total
	m.mu.Unlock()

	// Phase two copies table by table in foreign-key order; cancellation
	// lands between batches, never inside one.
	for i, tc := range plan {
		m.mu.Lock()
		job.Progress.CurrentTable = tc.Table
		m.mu.Unlock()

		offset := 0
		for {
			if err := ctx.Err(); err != nil {
				m.repairAndFinish(job, target, err)
				return
			}
			copied, err := tc.CopyBatch(ctx, offset, m.batch)
			if err != nil {
				m.repairAndFinish(job, target, fmt.Errorf("copy %s: %w", tc.Table, err))
				return
			}
			if copied == 0 {
				break
			}
			offset += copied
			m.mu.Lock()
			job.Progress.RowsCopied += int64(copied)
			m.mu.Unlock()
			if copied < m.batch {
				break
			}
		}

		m.mu.Lock()
		job.Progress.TablesDone = i + 1
		m.mu.Unlock()
	}

	m.repairAndFinish(job, target, nil)
}

// repairAndFinish runs the sequence repair phase and finalizes the job.
// Sequences are reset even after a failure or cancel, so a partially
// copied target can never hand out synthetic keys that collide with rows
// it already holds.
func (m *TransferManager) repairAndFinish(job *TransferJob, target *database.Store, err error) {
	seqCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if seqErr := target.ResetSequences(seqCtx); seqErr != nil {
		m.log.WithError(seqErr).Warn("sequence repair failed")
		if err == nil {
			err = seqErr
		}
	}

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
	items := int(job.Progress.RowsCopied)
	job.Progress.CurrentTable = ""
	m.history = append([]*TransferJob{job.clone()}, m.history...)
	if len(m.history) > historyLimit {
		m.history = m.history[:historyLimit]
	}
	m.mu.Unlock()

	m.recorder.JobFinished("transfer", status, duration, items)
	m.log.WithFields(logrus.Fields{
		"job":    job.ID,
		"status": status,
		"rows":   items,
	}).Info("transfer job finished")
}

// Status returns a copy of the latest job, or nil when none was started.
func (m *TransferManager) Status() *TransferJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	return m.current.clone()
}

// Busy reports whether a transfer is pending or running.
func (m *TransferManager) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && m.current.Status.Busy()
}

// History returns finished jobs, newest first.
func (m *TransferManager) History() []*TransferJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*TransferJob, len(m.history))
	for i, job := range m.history {
		out[i] = job.clone()
	}
	return out
}

// Cancel asks the live transfer to stop and reports whether there was one.
func (m *TransferManager) Cancel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || !m.current.Status.Busy() || m.cancel == nil {
		return false
	}
	m.cancel()
	return true
}

// Shutdown cancels any live transfer and waits for it to wind down.
func (m *TransferManager) Shutdown() {
	m.Cancel()
	m.wg.Wait()
}
