// Package provider abstracts the mailbox the notification emails are read from.
// The ingestion pipeline depends only on Provider; Gmail and IMAP back it.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"satei-lead-relay/internal/config"
)

// ErrReauthenticate marks credential failures (expired or revoked refresh
// token, 401 from the API). They need an operator to re-authorize and are not
// worth retrying.
var ErrReauthenticate = errors.New("provider credentials need reauthentication")

// Query selects candidate notification messages.
type Query struct {
	From    string
	To      string
	Subject string
	Since   time.Time
	Limit   int
}

// Message is the provider-neutral view of one fetched message.
type Message struct {
	ID         string
	ThreadID   string
	From       string
	To         string
	Subject    string
	Snippet    string
	ReceivedAt time.Time
	BodyText   string
	// Raw is the full provider response as JSON, kept for diagnostics.
	Raw []byte
}

// Provider lists and fetches messages.
//
// ListMessageIDs must return ids newest-first; callers rely on that ordering
// and do not sort.
type Provider interface {
	ListMessageIDs(ctx context.Context, q Query) ([]string, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	Close() error
}

// WatchResult is returned when push notifications are (re)armed.
type WatchResult struct {
	HistoryID  uint64
	Expiration time.Time
}

// Watcher manages mailbox push notifications.
type Watcher interface {
	Watch(ctx context.Context, topic string, labelIDs []string) (*WatchResult, error)
	StopWatch(ctx context.Context) error
}

// New builds the provider selected by cfg.
func New(ctx context.Context, cfg *config.GmailConfig) (Provider, error) {
	if cfg.UseIMAP {
		p, err := NewIMAPProvider(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create IMAP provider: %w", err)
		}
		logrus.Info("Using IMAP for email fetching")
		return p, nil
	}

	p, err := NewGmailProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail API provider: %w", err)
	}
	logrus.Info("Using Gmail API for email fetching")
	return p, nil
}

var angleAddr = regexp.MustCompile(`<(.+?)>`)

// bareAddress reduces a header like "Name <user@example.com>" to the address.
func bareAddress(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(header); err == nil {
		return addr.Address
	}
	if m := angleAddr.FindStringSubmatch(header); m != nil {
		return m[1]
	}
	return header
}

const snippetLength = 200

func makeSnippet(body string) string {
	s := strings.Join(strings.Fields(body), " ")
	if utf8.RuneCountInString(s) <= snippetLength {
		return s
	}
	return string([]rune(s)[:snippetLength])
}
