// Package poller runs ingestion on a cron schedule as a fallback for missed
// push notifications.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"satei-lead-relay/internal/trigger"
)

// stopTimeout bounds how long Stop waits for an in-flight run.
const stopTimeout = 30 * time.Second

// Runner runs ingestion under the shared ingestion lock.
type Runner interface {
	RunExclusive(ctx context.Context, source string, since time.Duration, limit int) (trigger.Result, error)
}

// Poller manages the periodic ingestion runs
type Poller struct {
	cron     *cron.Cron
	entryID  cron.EntryID
	schedule string
	since    time.Duration
	limit    int
	runner   Runner
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  bool
	mu       sync.RWMutex
}

// New creates a poller that ingests the last since of mail, at most limit
// messages, on every tick of schedule. schedule uses the six-field cron format
// with seconds.
func New(schedule string, since time.Duration, limit int, runner Runner) *Poller {
	return &Poller{
		schedule: schedule,
		since:    since,
		limit:    limit,
		runner:   runner,
	}
}

// Start starts the poller
func (p *Poller) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("poller is already running")
	}

	// A fresh cron and context per start so Stop/Start cycles work.
	p.cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	p.ctx, p.cancel = context.WithCancel(context.Background())

	entryID, err := p.cron.AddFunc(p.schedule, p.tick)
	if err != nil {
		p.cancel()
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	p.entryID = entryID
	p.cron.Start()
	p.running = true

	logrus.WithField("schedule", p.schedule).Info("Poller started")
	return nil
}

// Stop stops the poller and waits for an in-flight run to finish.
func (p *Poller) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.cancel()
	ctx := p.cron.Stop()
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		logrus.Info("Poller stopped gracefully")
	case <-time.After(stopTimeout):
		logrus.Warn("Poller stop timeout, forcing shutdown")
	}
	return nil
}

// IsRunning returns whether the poller is running
func (p *Poller) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

func (p *Poller) tick() {
	p.mu.RLock()
	if !p.running {
		p.mu.RUnlock()
		return
	}
	ctx := p.ctx
	p.mu.RUnlock()

	if _, err := p.RunOnce(ctx); err != nil {
		logrus.Errorf("Scheduled ingestion failed: %v", err)
	}
}

// RunOnce runs one poll-sourced ingestion immediately.
func (p *Poller) RunOnce(ctx context.Context) (trigger.Result, error) {
	p.wg.Add(1)
	defer p.wg.Done()

	res, err := p.runner.RunExclusive(ctx, trigger.SourcePoll, p.since, p.limit)
	if err != nil {
		return res, err
	}
	if res.Ran {
		logrus.WithFields(logrus.Fields{
			"run_id":    res.RunID,
			"fetched":   res.Report.Fetched,
			"extracted": res.Report.Extracted,
		}).Info("Scheduled ingestion completed")
	}
	return res, nil
}

// NextRun returns the time of the next scheduled run
func (p *Poller) NextRun() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return time.Time{}
	}
	return p.cron.Entry(p.entryID).Next
}

// LastRun returns the time of the last run
func (p *Poller) LastRun() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return time.Time{}
	}
	return p.cron.Entry(p.entryID).Prev
}

// Wait waits for in-flight runs to return
func (p *Poller) Wait() {
	p.wg.Wait()
}
