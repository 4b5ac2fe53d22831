package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/claraverse/pulse/internal/models"
)

const (
	defaultTitle = "New Notification"
	tempPrefix   = "temp-"
)

// backend timestamps come with or without zone and fraction
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

type record map[string]interface{}

func decodeRecord(raw json.RawMessage) (record, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var r record
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("notification is not a JSON object: %w", err)
	}
	if r == nil {
		return nil, fmt.Errorf("notification is null")
	}
	return r, nil
}

// str returns the first non-empty value among keys, accepting numbers for ids
func (r record) str(keys ...string) string {
	for _, k := range keys {
		if v := models.IDString(r[k]); v != "" {
			return v
		}
	}
	return ""
}

func (r record) boolean(keys ...string) bool {
	for _, k := range keys {
		switch v := r[k].(type) {
		case bool:
			return v
		case string:
			b, _ := strconv.ParseBool(v)
			return b
		}
	}
	return false
}

func (r record) timestamp(keys ...string) (time.Time, bool) {
	for _, k := range keys {
		switch v := r[k].(type) {
		case string:
			for _, layout := range timeLayouts {
				if t, err := time.Parse(layout, strings.TrimSpace(v)); err == nil {
					return t, true
				}
			}
		case json.Number:
			n, err := v.Int64()
			if err != nil {
				continue
			}
			// milliseconds since epoch are far past any sane seconds value
			if n > 1e12 {
				return time.UnixMilli(n).UTC(), true
			}
			return time.Unix(n, 0).UTC(), true
		}
	}
	return time.Time{}, false
}

// fromRecord maps the casing variants the backend and push producers use
// onto the canonical shape
func fromRecord(r record, recipient string, now time.Time) models.Notification {
	n := models.Notification{
		ID:          r.str("id", "notification_id", "notificationId"),
		Kind:        models.Kind(r.str("type", "kind")),
		Title:       r.str("title"),
		Message:     r.str("message", "body"),
		RecipientID: r.str("user_id", "userId", "recipient_id", "recipientId"),
		ProjectID:   r.str("project_id", "projectId"),
		TaskID:      r.str("task_id", "taskId"),
		SenderID:    r.str("sender_id", "senderId"),
		SenderName:  r.str("sender_name", "senderName"),
		IsRead:      r.boolean("is_read", "isRead"),
	}

	if n.Kind == "" {
		n.Kind = models.KindMessage
	}
	if n.Title == "" {
		n.Title = defaultTitle
	}
	if n.RecipientID == "" {
		n.RecipientID = recipient
	}
	if t, ok := r.timestamp("created_at", "createdAt"); ok {
		n.CreatedAt = t
	} else {
		n.CreatedAt = now
	}
	return n
}

// normalizePush converts a pushed notification. Push arrivals are always
// unread and get a temporary id when the producer sent none.
func normalizePush(raw json.RawMessage, recipient string, now time.Time) (models.Notification, error) {
	r, err := decodeRecord(raw)
	if err != nil {
		return models.Notification{}, err
	}
	n := fromRecord(r, recipient, now)
	n.IsRead = false
	if n.ID == "" {
		n.ID = newTempID()
	}
	return n, nil
}

// normalizeSnapshot converts a record of the REST list. Records without an id
// cannot be deduplicated across fetches and are rejected.
func normalizeSnapshot(raw json.RawMessage, recipient string, now time.Time) (models.Notification, error) {
	r, err := decodeRecord(raw)
	if err != nil {
		return models.Notification{}, err
	}
	n := fromRecord(r, recipient, now)
	if n.ID == "" {
		return models.Notification{}, fmt.Errorf("notification without id")
	}
	return n, nil
}

func newTempID() string {
	return tempPrefix + uuid.New().String()
}

func isTemp(id string) bool {
	return strings.HasPrefix(id, tempPrefix)
}
