package handler

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	metricsPkg "satei-lead-relay/internal/metrics"
	"satei-lead-relay/internal/trigger"
)

// maxPushBody bounds the Pub/Sub envelope size.
const maxPushBody = 1 << 20

// GmailPush receives Pub/Sub push deliveries. Every handled notification is
// acknowledged with 200, including duplicates, skipped and failed runs, so the
// transport does not redeliver in a tight loop. 500 is returned only when the
// key-value store is unavailable.
func (h *Handlers) GmailPush(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPushBody))
	if err != nil {
		h.metrics.PushNotifications.WithLabelValues(metricsPkg.PushMalformed).Inc()
		c.Status(http.StatusBadRequest)
		return
	}

	n, err := trigger.ParseEnvelope(body)
	if err != nil {
		logrus.Warnf("Rejected push notification: %v", err)
		h.metrics.PushNotifications.WithLabelValues(metricsPkg.PushMalformed).Inc()
		c.Status(http.StatusBadRequest)
		return
	}

	// The run continues if the push transport hangs up.
	outcome, err := h.push.Handle(context.WithoutCancel(c.Request.Context()), n)
	if err != nil {
		logrus.WithField("history_id", n.HistoryID).Errorf("Push notification not processed: %v", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	logrus.WithFields(logrus.Fields{
		"history_id": n.HistoryID,
		"outcome":    outcome,
	}).Debug("Push notification acknowledged")
	c.Status(http.StatusOK)
}
