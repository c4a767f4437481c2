package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"satei-lead-relay/internal/kv"
	"satei-lead-relay/internal/metrics"
	"satei-lead-relay/internal/model"
	"satei-lead-relay/internal/service"
)

// Trigger sources recorded on each run
const (
	SourcePush   = "push"
	SourcePoll   = "poll"
	SourceManual = "manual"
)

// releaseTimeout bounds lock release after the run's own context is gone.
const releaseTimeout = 5 * time.Second

// Ingestor runs one ingestion pass.
type Ingestor interface {
	Ingest(ctx context.Context, since time.Duration, limit int) (service.Report, error)
}

// RunRecorder stores run history.
type RunRecorder interface {
	Record(ctx context.Context, run *model.IngestRun) error
}

// Runner executes ingestion runs under the shared ingestion lock and records
// each one.
type Runner struct {
	ingestor Ingestor
	runs     RunRecorder
	store    kv.Store
	lockKey  string
	lockTTL  time.Duration
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewRunner creates a Runner. lockKey must be the same for every process
// sharing store.
func NewRunner(ingestor Ingestor, runs RunRecorder, store kv.Store, lockKey string, lockTTL time.Duration, m *metrics.Metrics) *Runner {
	return &Runner{
		ingestor: ingestor,
		runs:     runs,
		store:    store,
		lockKey:  lockKey,
		lockTTL:  lockTTL,
		metrics:  m,
		now:      time.Now,
	}
}

// Result describes one attempted run.
type Result struct {
	RunID  string
	Ran    bool
	Report service.Report
}

// ErrLockStore wraps key-value store failures while taking the lock.
var ErrLockStore = errors.New("ingestion lock unavailable")

// RunExclusive runs ingestion if the ingestion lock is free. When another run
// holds the lock it returns Ran=false and no error. The lock is released on
// every path, including a panicking ingestor, whose panic is returned as an
// error.
func (r *Runner) RunExclusive(ctx context.Context, source string, since time.Duration, limit int) (res Result, err error) {
	res.RunID = uuid.NewString()
	log := logrus.WithFields(logrus.Fields{"run_id": res.RunID, "source": source})

	acquired, err := r.store.SetNX(ctx, r.lockKey, res.RunID, r.lockTTL)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrLockStore, err)
	}
	if !acquired {
		log.Info("Ingestion already running, skipping")
		return res, nil
	}
	defer r.release(res.RunID, log)

	res.Ran = true
	res.Report, err = r.run(ctx, res.RunID, source, since, limit)
	return res, err
}

func (r *Runner) release(owner string, log *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	released, err := r.store.DeleteIfValue(ctx, r.lockKey, owner)
	switch {
	case err != nil:
		log.Errorf("Failed to release ingestion lock, it will expire on its own: %v", err)
	case !released:
		log.Warn("Ingestion lock expired before release")
	}
}

func (r *Runner) run(ctx context.Context, runID, source string, since time.Duration, limit int) (report service.Report, err error) {
	started := r.now().UTC()
	log := logrus.WithFields(logrus.Fields{"run_id": runID, "source": source})
	log.Info("Starting ingestion run")

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("ingestion panicked: %v", p)
		}

		status := model.RunStatusSuccess
		record := &model.IngestRun{
			RunID:             runID,
			Source:            source,
			Fetched:           report.Fetched,
			StoredNew:         report.StoredNew,
			SkippedDuplicate:  report.SkippedDuplicate,
			Extracted:         report.Extracted,
			ExtractionSkipped: report.ExtractionSkipped,
			Failed:            report.Failed,
			StartedAt:         started,
			FinishedAt:        r.now().UTC(),
		}
		if err != nil {
			status = model.RunStatusFailure
			record.ErrorMsg = err.Error()
			log.Errorf("Ingestion run failed: %v", err)
		}
		record.Status = status
		r.metrics.IngestRuns.WithLabelValues(source, status).Inc()

		if report.ReauthRequired {
			log.Error("Mailbox credentials need reauthentication")
		}

		recordCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if recErr := r.runs.Record(recordCtx, record); recErr != nil {
			log.Errorf("Failed to record ingestion run: %v", recErr)
		}
	}()

	return r.ingestor.Ingest(ctx, since, limit)
}
