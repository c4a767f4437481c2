package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"satei-lead-relay/internal/config"
	"satei-lead-relay/internal/metrics"
	"satei-lead-relay/internal/model"
	"satei-lead-relay/internal/parser"
	"satei-lead-relay/internal/privacy"
	"satei-lead-relay/internal/provider"
)

// MessageStore is the raw message persistence the pipeline needs.
type MessageStore interface {
	InsertIfAbsent(ctx context.Context, msg *model.RawMessage) (bool, error)
}

// LeadStore is the lead persistence the pipeline needs.
type LeadStore interface {
	InsertIfAbsent(ctx context.Context, lead *model.Lead) (bool, error)
	LatestID(ctx context.Context) (uint, error)
}

// Report counts what one ingestion run did.
type Report struct {
	Fetched           int `json:"fetched"`
	StoredNew         int `json:"stored_new"`
	SkippedDuplicate  int `json:"skipped_duplicate"`
	Extracted         int `json:"extracted"`
	ExtractionSkipped int `json:"extraction_skipped"`
	Failed            int `json:"failed"`
	// ReauthRequired is set when any provider call was rejected for
	// expired or revoked credentials.
	ReauthRequired bool `json:"reauth_required"`
}

// Ingester pulls notification messages from the provider into the stores.
type Ingester struct {
	provider provider.Provider
	messages MessageStore
	leads    LeadStore
	filter   config.IngestConfig
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewIngester creates an ingestion pipeline
func NewIngester(p provider.Provider, messages MessageStore, leads LeadStore, filter config.IngestConfig, m *metrics.Metrics) *Ingester {
	return &Ingester{
		provider: p,
		messages: messages,
		leads:    leads,
		filter:   filter,
		metrics:  m,
		now:      time.Now,
	}
}

// Ingest fetches up to limit matching messages received within since, newest
// first, and stores every message and lead not seen before.
//
// Per-message failures are counted and logged; only a failed listing (or a
// cancelled ctx) returns an error. Running Ingest repeatedly over the same
// window never creates duplicate rows.
func (i *Ingester) Ingest(ctx context.Context, since time.Duration, limit int) (Report, error) {
	var report Report
	began := time.Now()
	defer func() {
		i.metrics.ProcessingTime.Observe(time.Since(began).Seconds())
	}()
	start := i.now()

	q := provider.Query{
		From:    i.filter.From,
		To:      i.filter.To,
		Subject: i.filter.Subject,
		Since:   start.Add(-since),
		Limit:   limit,
	}

	ids, err := i.provider.ListMessageIDs(ctx, q)
	if err != nil {
		if errors.Is(err, provider.ErrReauthenticate) {
			report.ReauthRequired = true
			i.metrics.ReauthRequired.Inc()
		}
		return report, fmt.Errorf("failed to list messages: %w", err)
	}
	report.Fetched = len(ids)
	i.metrics.MessagesFetched.Add(float64(len(ids)))

	logrus.WithFields(logrus.Fields{
		"count": len(ids),
		"since": q.Since.Format(time.RFC3339),
		"limit": limit,
	}).Info("Fetched message ids")

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := i.ingestOne(ctx, id, &report); err != nil {
			report.Failed++
			i.metrics.MessageFailures.Inc()
			if errors.Is(err, provider.ErrReauthenticate) {
				report.ReauthRequired = true
				i.metrics.ReauthRequired.Inc()
			}
			logrus.WithField("message_id", id).Errorf("Failed to ingest message: %v", err)
		}
	}

	if latest, err := i.leads.LatestID(ctx); err == nil {
		i.metrics.LastLeadID.Set(float64(latest))
	}

	logrus.WithFields(logrus.Fields{
		"fetched":            report.Fetched,
		"stored_new":         report.StoredNew,
		"skipped_duplicate":  report.SkippedDuplicate,
		"extracted":          report.Extracted,
		"extraction_skipped": report.ExtractionSkipped,
		"failed":             report.Failed,
		"duration":           time.Since(began).String(),
	}).Info("Ingestion completed")

	return report, nil
}

func (i *Ingester) ingestOne(ctx context.Context, id string, report *Report) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while ingesting: %v", r)
		}
	}()

	msg, err := i.provider.GetMessage(ctx, id)
	if err != nil {
		return err
	}

	raw := &model.RawMessage{
		ProviderMessageID: msg.ID,
		ThreadID:          msg.ThreadID,
		FromAddress:       msg.From,
		ToAddress:         msg.To,
		Subject:           msg.Subject,
		ReceivedAt:        msg.ReceivedAt,
		Snippet:           msg.Snippet,
		BodyText:          msg.BodyText,
		RawPayload:        datatypes.JSON(msg.Raw),
	}
	if len(raw.RawPayload) == 0 {
		raw.RawPayload = datatypes.JSON("{}")
	}

	created, err := i.messages.InsertIfAbsent(ctx, raw)
	if err != nil {
		return err
	}
	log := logrus.WithField("message_id", msg.ID)
	if !created {
		// Already-stored messages are not re-extracted, even when no lead came
		// out of them the first time.
		report.SkippedDuplicate++
		i.metrics.DuplicatesSkipped.Inc()
		log.Debug("Message already stored, skipping")
		return nil
	}
	report.StoredNew++
	i.metrics.MessagesStored.Inc()

	fields, err := parser.Extract(msg.BodyText, i.now())
	if err != nil {
		report.ExtractionSkipped++
		i.metrics.ExtractionSkipped.Inc()
		log.Warnf("No lead extracted: %v", err)
		return nil
	}
	if fields.DatetimeFallback {
		log.WithField("raw_datetime", fields.RawDatetime).Warn("Application datetime did not parse, using ingestion time")
	}

	lead := leadFromFields(fields, raw.ID)
	created, err = i.leads.InsertIfAbsent(ctx, lead)
	if err != nil {
		return err
	}

	log = log.WithFields(logrus.Fields{
		"application_number": fields.ApplicationNumber,
		"phone":              privacy.MaskPhoneNumber(fields.PhoneNumber),
	})
	if !created {
		report.ExtractionSkipped++
		i.metrics.ExtractionSkipped.Inc()
		log.Info("Lead already exists, skipping")
		return nil
	}

	report.Extracted++
	i.metrics.LeadsExtracted.Inc()
	log.WithField("lead_id", lead.ID).Info("Stored new lead")
	return nil
}

func leadFromFields(f parser.Fields, messageID uint) *model.Lead {
	lead := &model.Lead{
		ApplicationNumber:   f.ApplicationNumber,
		ApplicationDatetime: f.ApplicationDatetime,
		DesiredSaleTiming:   f.DesiredSaleTiming,
		Maker:               f.Maker,
		CarModel:            f.CarModel,
		Year:                f.Year,
		Mileage:             f.Mileage,
		CustomerName:        f.CustomerName,
		PhoneNumber:         f.PhoneNumber,
		PostalCode:          f.PostalCode,
		Address:             f.Address,
		Email:               f.Email,
		FollowStatus:        model.FollowStatusNew,
	}
	if messageID != 0 {
		lead.SourceMessageID = &messageID
	}
	return lead
}
