package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"satei-lead-relay/internal/config"
	"satei-lead-relay/internal/kv"
	"satei-lead-relay/internal/metrics"
)

// Outcome is how a push notification was handled. Every outcome is
// acknowledged to the push transport.
type Outcome string

const (
	OutcomeAccepted  Outcome = metrics.PushAccepted
	OutcomeDuplicate Outcome = metrics.PushDuplicate
	OutcomeBusy      Outcome = metrics.PushBusy
	OutcomeFailed    Outcome = metrics.PushFailed
)

// PushHandler deduplicates push notifications and runs a short ingestion for
// each new one.
type PushHandler struct {
	store    kv.Store
	runner   *Runner
	prefix   string
	dedupTTL time.Duration
	window   time.Duration
	limit    int
	metrics  *metrics.Metrics
}

// NewPushHandler creates a handler that ingests the last window of mail, at
// most limit messages, per accepted notification.
func NewPushHandler(store kv.Store, runner *Runner, push config.PushConfig, ingest config.IngestConfig, m *metrics.Metrics) *PushHandler {
	return &PushHandler{
		store:    store,
		runner:   runner,
		prefix:   push.KeyPrefix,
		dedupTTL: push.DedupTTL,
		window:   ingest.PushWindow,
		limit:    ingest.PushLimit,
		metrics:  m,
	}
}

// LockKey is the ingestion lock key for a key prefix.
func LockKey(prefix string) string {
	return prefix + "ingest:lock"
}

// DedupKey is the dedup token key for one notification.
func DedupKey(prefix string, n Notification) string {
	return fmt.Sprintf("%spush:%s:%s", prefix, n.EmailAddress, n.HistoryID)
}

// Handle processes one decoded notification. It returns an error only when
// the key-value store fails; ingestion failures are reported as OutcomeFailed
// after the dedup token has been removed so a redelivery can retry.
func (h *PushHandler) Handle(ctx context.Context, n Notification) (Outcome, error) {
	log := logrus.WithFields(logrus.Fields{
		"email_address": n.EmailAddress,
		"history_id":    n.HistoryID,
	})
	key := DedupKey(h.prefix, n)

	fresh, err := h.store.SetNX(ctx, key, "1", h.dedupTTL)
	if err != nil {
		h.metrics.PushNotifications.WithLabelValues(metrics.PushError).Inc()
		return "", fmt.Errorf("dedup check failed: %w", err)
	}
	if !fresh {
		log.Info("Duplicate push notification, ignoring")
		h.metrics.PushNotifications.WithLabelValues(metrics.PushDuplicate).Inc()
		return OutcomeDuplicate, nil
	}

	res, err := h.runner.RunExclusive(ctx, SourcePush, h.window, h.limit)
	log = log.WithField("run_id", res.RunID)

	switch {
	case err != nil:
		h.forget(key, log)
		if errors.Is(err, ErrLockStore) {
			h.metrics.PushNotifications.WithLabelValues(metrics.PushError).Inc()
			return "", err
		}
		log.Errorf("Push-triggered ingestion failed: %v", err)
		h.metrics.PushNotifications.WithLabelValues(metrics.PushFailed).Inc()
		return OutcomeFailed, nil
	case !res.Ran:
		h.metrics.PushNotifications.WithLabelValues(metrics.PushBusy).Inc()
		return OutcomeBusy, nil
	}

	log.WithField("extracted", res.Report.Extracted).Info("Push notification processed")
	h.metrics.PushNotifications.WithLabelValues(metrics.PushAccepted).Inc()
	return OutcomeAccepted, nil
}

// forget deletes the dedup token so the same notification can be retried.
func (h *PushHandler) forget(key string, log *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := h.store.Delete(ctx, key); err != nil {
		log.Errorf("Failed to delete dedup token: %v", err)
	}
}
