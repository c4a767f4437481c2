// Package trigger turns mailbox push notifications and scheduled ticks into
// ingestion runs, using the shared key-value store for dedup and mutual
// exclusion.
package trigger

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedEnvelope is returned for push bodies that cannot be decoded.
var ErrMalformedEnvelope = errors.New("malformed push envelope")

// Notification is the decoded Gmail push payload.
type Notification struct {
	EmailAddress string
	HistoryID    string
}

type pushEnvelope struct {
	Message *struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type pushData struct {
	EmailAddress string          `json:"emailAddress"`
	HistoryID    json.RawMessage `json:"historyId"`
}

// ParseEnvelope decodes a Pub/Sub push body of the form
// {"message":{"data":"<base64 JSON>"}}. historyId may be a JSON string or number.
func ParseEnvelope(body []byte) (Notification, error) {
	var env pushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Message == nil || env.Message.Data == "" {
		return Notification{}, fmt.Errorf("%w: missing message.data", ErrMalformedEnvelope)
	}

	decoded, err := decodeBase64(env.Message.Data)
	if err != nil {
		return Notification{}, fmt.Errorf("%w: data is not base64: %v", ErrMalformedEnvelope, err)
	}

	var data pushData
	if err := json.Unmarshal(decoded, &data); err != nil {
		return Notification{}, fmt.Errorf("%w: data is not JSON: %v", ErrMalformedEnvelope, err)
	}

	historyID, err := historyIDString(data.HistoryID)
	if err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	email := strings.TrimSpace(data.EmailAddress)
	if email == "" {
		return Notification{}, fmt.Errorf("%w: missing emailAddress", ErrMalformedEnvelope)
	}

	return Notification{EmailAddress: email, HistoryID: historyID}, nil
}

func historyIDString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", errors.New("missing historyId")
	}

	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("invalid historyId: %v", err)
		}
	} else {
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", fmt.Errorf("invalid historyId: %v", err)
		}
		s = n.String()
	}

	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("missing historyId")
	}
	return s, nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	var lastErr error
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.URLEncoding,
		base64.RawStdEncoding, base64.RawURLEncoding,
	} {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
