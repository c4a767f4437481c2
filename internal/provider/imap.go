package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"

	"satei-lead-relay/internal/config"
)

// IMAPProvider implements Provider over an IMAP mailbox.
//
// Message ids have the form "<mailbox>:<uidvalidity>:<uid>" so they stay
// unique across UIDVALIDITY resets.
type IMAPProvider struct {
	mu      sync.Mutex
	client  *client.Client
	mailbox string
}

// NewIMAPProvider connects and logs in to the configured IMAP server
func NewIMAPProvider(cfg *config.GmailConfig) (*IMAPProvider, error) {
	c, err := client.DialTLS(fmt.Sprintf("%s:%d", cfg.IMAPHost, cfg.IMAPPort), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	if err := c.Login(cfg.IMAPUser, cfg.IMAPPassword); err != nil {
		c.Logout()
		return nil, fmt.Errorf("%w: IMAP login failed: %v", ErrReauthenticate, err)
	}

	mailbox := cfg.IMAPMailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}

	return &IMAPProvider{client: c, mailbox: mailbox}, nil
}

// BuildIMAPCriteria converts q into IMAP SEARCH criteria. SINCE only has day
// granularity, so results may include messages slightly older than q.Since.
func BuildIMAPCriteria(q Query) *imap.SearchCriteria {
	criteria := imap.NewSearchCriteria()
	if !q.Since.IsZero() {
		criteria.Since = q.Since
	}
	if q.From != "" {
		criteria.Header.Add("From", q.From)
	}
	if q.To != "" {
		criteria.Header.Add("To", q.To)
	}
	if q.Subject != "" {
		criteria.Header.Add("Subject", q.Subject)
	}
	return criteria
}

// ListMessageIDs searches the mailbox and returns ids with the highest UIDs
// first.
func (p *IMAPProvider) ListMessageIDs(ctx context.Context, q Query) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	status, err := p.client.Select(p.mailbox, true)
	if err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", p.mailbox, err)
	}

	uids, err := p.client.UidSearch(BuildIMAPCriteria(q))
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}

	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
	if q.Limit > 0 && len(uids) > q.Limit {
		uids = uids[:q.Limit]
	}

	ids := make([]string, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, formatIMAPID(p.mailbox, status.UidValidity, uid))
	}
	return ids, nil
}

// GetMessage fetches and decodes one message by id.
func (p *IMAPProvider) GetMessage(ctx context.Context, id string) (*Message, error) {
	mailbox, validity, uid, err := parseIMAPID(id)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	status, err := p.client.Select(mailbox, true)
	if err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", mailbox, err)
	}
	if status.UidValidity != validity {
		return nil, fmt.Errorf("message %s: uidvalidity changed to %d", id, status.UidValidity)
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- p.client.UidFetch(seqset, items, messages)
	}()

	var fetched *imap.Message
	for msg := range messages {
		fetched = msg
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch message %s: %w", id, err)
	}
	if fetched == nil {
		return nil, fmt.Errorf("message %s not found", id)
	}

	literal := fetched.GetBody(section)
	if literal == nil {
		return nil, fmt.Errorf("message %s has no body", id)
	}
	raw, err := io.ReadAll(literal)
	if err != nil {
		return nil, fmt.Errorf("failed to read message %s: %w", id, err)
	}

	out, err := parseRFC822(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message %s: %w", id, err)
	}
	out.ID = id
	if !fetched.InternalDate.IsZero() {
		out.ReceivedAt = fetched.InternalDate.UTC()
	}
	out.ReceivedAt = receivedOrNow(out.ReceivedAt)
	return out, nil
}

// Close logs out of the IMAP server
func (p *IMAPProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client.Logout()
}

func formatIMAPID(mailbox string, validity, uid uint32) string {
	return fmt.Sprintf("%s:%d:%d", mailbox, validity, uid)
}

func parseIMAPID(id string) (mailbox string, validity, uid uint32, err error) {
	// Mailbox names may themselves contain ':', so split from the right.
	last := strings.LastIndex(id, ":")
	if last <= 0 {
		return "", 0, 0, fmt.Errorf("invalid IMAP message id %q", id)
	}
	mid := strings.LastIndex(id[:last], ":")
	if mid <= 0 {
		return "", 0, 0, fmt.Errorf("invalid IMAP message id %q", id)
	}

	v, err := strconv.ParseUint(id[mid+1:last], 10, 32)
	if err != nil {
		return "", 0, 0, fmt.Errorf("invalid IMAP message id %q: %w", id, err)
	}
	u, err := strconv.ParseUint(id[last+1:], 10, 32)
	if err != nil {
		return "", 0, 0, fmt.Errorf("invalid IMAP message id %q: %w", id, err)
	}
	return id[:mid], uint32(v), uint32(u), nil
}

type imapPayload struct {
	Headers map[string][]string `json:"headers"`
	Size    int                 `json:"size"`
}

// parseRFC822 decodes headers and the first text/plain part of a raw message.
// Charsets such as ISO-2022-JP are converted to UTF-8.
func parseRFC822(raw []byte) (*Message, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, err
	}

	header := mail.Header{Header: entity.Header}
	out := &Message{}

	if subject, err := header.Subject(); err == nil {
		out.Subject = subject
	} else {
		out.Subject = header.Get("Subject")
	}
	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		out.From = from[0].Address
	} else {
		out.From = bareAddress(header.Get("From"))
	}
	if to, err := header.AddressList("To"); err == nil && len(to) > 0 {
		out.To = to[0].Address
	} else {
		out.To = bareAddress(header.Get("To"))
	}
	if date, err := header.Date(); err == nil {
		out.ReceivedAt = date.UTC()
	}
	if refs, err := header.MsgIDList("References"); err == nil && len(refs) > 0 {
		out.ThreadID = refs[0]
	} else if msgID, err := header.MessageID(); err == nil {
		out.ThreadID = msgID
	}

	body, err := firstPlainText(entity)
	if err != nil {
		return nil, err
	}
	out.BodyText = body
	out.Snippet = makeSnippet(body)

	headers := make(map[string][]string)
	fields := entity.Header.Fields()
	for fields.Next() {
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		headers[fields.Key()] = append(headers[fields.Key()], value)
	}
	out.Raw, err = json.Marshal(imapPayload{Headers: headers, Size: len(raw)})
	if err != nil {
		return nil, fmt.Errorf("failed to encode raw payload: %w", err)
	}

	return out, nil
}

var errStopWalk = errors.New("stop walk")

func firstPlainText(entity *message.Entity) (string, error) {
	var body string
	err := entity.Walk(func(path []int, part *message.Entity, err error) error {
		if err != nil && !message.IsUnknownCharset(err) {
			return err
		}
		if part == nil || part.MultipartReader() != nil {
			return nil
		}
		mediaType, _, _ := part.Header.ContentType()
		if mediaType != "" && mediaType != "text/plain" {
			return nil
		}
		content, err := io.ReadAll(part.Body)
		if err != nil {
			logrus.WithField("part", path).Warnf("Failed to read body part: %v", err)
			return nil
		}
		if len(content) == 0 {
			return nil
		}
		body = strings.ToValidUTF8(string(content), "")
		return errStopWalk
	})
	if err != nil && !errors.Is(err, errStopWalk) {
		return "", fmt.Errorf("failed to walk message parts: %w", err)
	}
	return body, nil
}

var _ Provider = (*IMAPProvider)(nil)
var _ Provider = (*GmailProvider)(nil)
var _ Watcher = (*GmailProvider)(nil)

// receivedOrNow keeps ReceivedAt non-zero for messages without a Date header.
func receivedOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
