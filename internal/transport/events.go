package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/claraverse/pulse/internal/models"
)

// EventType is the "type" discriminator of an inbound push frame
type EventType string

const (
	EventConnectionEstablished EventType = "connection_established"
	EventNewNotification       EventType = "new_notification"
	EventUserOnline            EventType = "user_online"
	EventUserOffline           EventType = "user_offline"
	EventOnlineUsers           EventType = "online_users"

	// Alias the backend may use for the initial online list
	eventOnlineUsersSnapshot EventType = "online_users_snapshot"
)

var (
	// ErrMalformedFrame is returned for frames that are not a JSON object with a type
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownEvent is returned for well-formed frames with an unrecognized type
	ErrUnknownEvent = errors.New("unknown event type")
)

// Event is a parsed inbound push frame. Only the fields matching Type are set.
type Event struct {
	Type EventType

	// connection_established
	Message string

	// user_online, user_offline
	UserID string

	// online_users
	UserIDs []string

	// new_notification, still in wire form; the notification store normalizes it
	Notification json.RawMessage

	Raw json.RawMessage
}

// ParseEvent decodes a frame into a tagged Event. Payload fields are looked up
// at the top level first and then under "payload".
func ParseEvent(data []byte) (Event, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var typ string
	if raw, ok := envelope["type"]; !ok || json.Unmarshal(raw, &typ) != nil || typ == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	var nested map[string]json.RawMessage
	if raw, ok := envelope["payload"]; ok {
		// a non-object payload is simply ignored
		_ = json.Unmarshal(raw, &nested)
	}

	field := func(names ...string) (json.RawMessage, bool) {
		for _, name := range names {
			if raw, ok := envelope[name]; ok && !isNull(raw) {
				return raw, true
			}
		}
		for _, name := range names {
			if raw, ok := nested[name]; ok && !isNull(raw) {
				return raw, true
			}
		}
		return nil, false
	}

	ev := Event{Type: EventType(typ), Raw: json.RawMessage(data)}

	switch ev.Type {
	case EventConnectionEstablished:
		if raw, ok := field("message"); ok {
			_ = json.Unmarshal(raw, &ev.Message)
		}

	case EventNewNotification:
		raw, ok := field("notification", "data")
		if !ok {
			// some producers put the record itself in payload
			raw, ok = envelope["payload"]
		}
		if !ok || isNull(raw) || raw[0] != '{' {
			return Event{}, fmt.Errorf("%w: new_notification without notification object", ErrMalformedFrame)
		}
		ev.Notification = raw

	case EventUserOnline, EventUserOffline:
		raw, ok := field("user_id", "userId")
		if !ok {
			return Event{}, fmt.Errorf("%w: %s without user_id", ErrMalformedFrame, typ)
		}
		var id models.FlexibleID
		if err := json.Unmarshal(raw, &id); err != nil || id == "" {
			return Event{}, fmt.Errorf("%w: bad user_id", ErrMalformedFrame)
		}
		ev.UserID = id.String()

	case EventOnlineUsers, eventOnlineUsersSnapshot:
		ev.Type = EventOnlineUsers
		ev.UserIDs = []string{}
		raw, ok := field("user_ids", "userIds", "online_users")
		if !ok {
			// an online list with no ids is an empty snapshot
			break
		}
		var ids []models.FlexibleID
		if err := json.Unmarshal(raw, &ids); err != nil {
			return Event{}, fmt.Errorf("%w: bad user_ids", ErrMalformedFrame)
		}
		for _, id := range ids {
			if id != "" {
				ev.UserIDs = append(ev.UserIDs, id.String())
			}
		}

	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, typ)
	}

	return ev, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
