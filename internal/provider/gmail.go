package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"satei-lead-relay/internal/config"
)

// gmailPageSize is the largest page users.messages.list returns.
const gmailPageSize = 500

// GmailProvider implements Provider and Watcher using the Gmail API
type GmailProvider struct {
	service *gmail.Service
	userID  string
	cb      *gobreaker.CircuitBreaker
}

// NewGmailProvider creates a Gmail API provider. A service account with
// domain-wide delegation is used when configured, otherwise the OAuth2
// refresh token.
func NewGmailProvider(ctx context.Context, cfg *config.GmailConfig) (*GmailProvider, error) {
	tokenSource, err := gmailTokenSource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	service, err := gmail.NewService(ctx, option.WithTokenSource(tokenSource))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	userID := cfg.UserEmail
	if userID == "" {
		userID = "me"
	}
	return newGmailProvider(service, userID), nil
}

func newGmailProvider(service *gmail.Service, userID string) *GmailProvider {
	settings := gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Only server-side trouble trips the breaker; a missing message or a bad
		// token is the caller's problem, not the API's.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) {
				return apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests
			}
			return errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logrus.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	}

	return &GmailProvider{
		service: service,
		userID:  userID,
		cb:      gobreaker.NewCircuitBreaker(settings),
	}
}

func gmailTokenSource(ctx context.Context, cfg *config.GmailConfig) (oauth2.TokenSource, error) {
	if cfg.ServiceAccountFile != "" {
		data, err := os.ReadFile(cfg.ServiceAccountFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read service account file: %w", err)
		}
		jwtConfig, err := google.JWTConfigFromJSON(data, gmail.GmailReadonlyScope)
		if err != nil {
			return nil, fmt.Errorf("failed to parse service account file: %w", err)
		}
		jwtConfig.Subject = cfg.DelegatedUser
		return jwtConfig.TokenSource(ctx), nil
	}

	oauth2Config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       []string{gmail.GmailReadonlyScope},
		Endpoint:     google.Endpoint,
	}
	token := &oauth2.Token{
		RefreshToken: cfg.RefreshToken,
	}
	return oauth2Config.TokenSource(ctx, token), nil
}

// BuildGmailQuery renders q in Gmail search syntax.
func BuildGmailQuery(q Query) string {
	var parts []string
	if q.Subject != "" {
		parts = append(parts, "subject:"+quoteSearchTerm(q.Subject))
	}
	if q.From != "" {
		parts = append(parts, "from:"+quoteSearchTerm(q.From))
	}
	if q.To != "" {
		parts = append(parts, "to:"+quoteSearchTerm(q.To))
	}
	if !q.Since.IsZero() {
		parts = append(parts, fmt.Sprintf("after:%d", q.Since.Unix()))
	}
	return strings.Join(parts, " ")
}

func quoteSearchTerm(s string) string {
	if strings.ContainsAny(s, " \t　") {
		return `"` + strings.ReplaceAll(s, `"`, "") + `"`
	}
	return s
}

// ListMessageIDs returns matching message ids in Gmail's order, newest first.
func (p *GmailProvider) ListMessageIDs(ctx context.Context, q Query) ([]string, error) {
	query := BuildGmailQuery(q)
	logrus.WithField("query", query).Debug("Searching Gmail")

	var ids []string
	pageToken := ""
	for {
		pageSize := int64(gmailPageSize)
		if q.Limit > 0 && q.Limit-len(ids) < gmailPageSize {
			pageSize = int64(q.Limit - len(ids))
		}

		call := p.service.Users.Messages.List(p.userID).Q(query).MaxResults(pageSize).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		var resp *gmail.ListMessagesResponse
		err := p.execute(func() error {
			var err error
			resp, err = call.Do()
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list messages: %w", classifyGmailError(err))
		}

		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}

		if resp.NextPageToken == "" || (q.Limit > 0 && len(ids) >= q.Limit) {
			break
		}
		pageToken = resp.NextPageToken
	}

	if q.Limit > 0 && len(ids) > q.Limit {
		ids = ids[:q.Limit]
	}
	return ids, nil
}

// GetMessage fetches one message in full format.
func (p *GmailProvider) GetMessage(ctx context.Context, id string) (*Message, error) {
	var msg *gmail.Message
	err := p.execute(func() error {
		var err error
		msg, err = p.service.Users.Messages.Get(p.userID, id).Format("full").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, classifyGmailError(err))
	}
	return convertGmailMessage(msg)
}

// Watch arms Gmail push notifications to a Pub/Sub topic.
func (p *GmailProvider) Watch(ctx context.Context, topic string, labelIDs []string) (*WatchResult, error) {
	req := &gmail.WatchRequest{
		TopicName: topic,
		LabelIds:  labelIDs,
	}

	var resp *gmail.WatchResponse
	err := p.execute(func() error {
		var err error
		resp, err = p.service.Users.Watch(p.userID, req).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start watch: %w", classifyGmailError(err))
	}

	return &WatchResult{
		HistoryID:  resp.HistoryId,
		Expiration: time.UnixMilli(resp.Expiration).UTC(),
	}, nil
}

// StopWatch disarms push notifications for the mailbox.
func (p *GmailProvider) StopWatch(ctx context.Context) error {
	err := p.execute(func() error {
		return p.service.Users.Stop(p.userID).Context(ctx).Do()
	})
	if err != nil {
		return fmt.Errorf("failed to stop watch: %w", classifyGmailError(err))
	}
	return nil
}

// Close closes the Gmail API provider
func (p *GmailProvider) Close() error {
	// Gmail API service doesn't need explicit closing
	return nil
}

func (p *GmailProvider) execute(fn func() error) error {
	_, err := p.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

func classifyGmailError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized {
		return fmt.Errorf("%w: %v", ErrReauthenticate, err)
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return fmt.Errorf("%w: %v", ErrReauthenticate, err)
	}
	return err
}

func convertGmailMessage(msg *gmail.Message) (*Message, error) {
	raw, err := msg.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode raw message: %w", err)
	}

	out := &Message{
		ID:         msg.Id,
		ThreadID:   msg.ThreadId,
		Snippet:    msg.Snippet,
		ReceivedAt: time.UnixMilli(msg.InternalDate).UTC(),
		Raw:        raw,
	}

	if msg.Payload != nil {
		for _, header := range msg.Payload.Headers {
			switch header.Name {
			case "Subject":
				out.Subject = header.Value
			case "From":
				out.From = bareAddress(header.Value)
			case "To":
				out.To = bareAddress(header.Value)
			}
		}
		out.BodyText = plainTextBody(msg.Payload)
	}

	return out, nil
}

// plainTextBody returns the first text/plain part with data, depth first.
func plainTextBody(part *gmail.MessagePart) string {
	if part == nil {
		return ""
	}
	if part.MimeType == "text/plain" && part.Body != nil && part.Body.Data != "" {
		data, err := decodeBase64URL(part.Body.Data)
		if err != nil {
			logrus.WithField("part_id", part.PartId).Warnf("Failed to decode body data: %v", err)
			return ""
		}
		return strings.ToValidUTF8(string(data), "")
	}
	for _, sub := range part.Parts {
		if body := plainTextBody(sub); body != "" {
			return body
		}
	}
	return ""
}

func decodeBase64URL(s string) ([]byte, error) {
	if data, err := base64.URLEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
