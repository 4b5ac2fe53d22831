package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/claraverse/pulse/internal/logging"
	"github.com/claraverse/pulse/internal/models"
)

// Message types
const (
	TypeNotificationReceived = "notification_received"
	TypePresenceChanged      = "presence_changed"
)

// PresenceChannel carries online-set changes for every instance
const PresenceChannel = "broadcast:presence"

// Message is the envelope published to Redis, the same shape the backend's
// pub/sub service uses between its instances.
type Message struct {
	Type       string                 `json:"type"`
	UserID     string                 `json:"userId"`
	InstanceID string                 `json:"instanceId"`
	Payload    map[string]interface{} `json:"payload"`
}

// Publisher is the part of a Redis client the relay needs
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type outbound struct {
	channel string
	msg     Message
}

// Relay republishes new notifications and presence changes to Redis so other
// local processes can react without opening their own push streams.
// Publishing is asynchronous and lossy: a full queue drops the message.
type Relay struct {
	pub        Publisher
	client     *redis.Client // nil when built around a plain Publisher
	instanceID string
	userID     string
	logger     *slog.Logger

	queue    chan outbound
	stopOnce sync.Once
	done     chan struct{}
}

// Connect dials Redis at redisURL and starts the relay
func Connect(ctx context.Context, redisURL, instanceID, userID string, logger *slog.Logger) (*Relay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opts.PoolSize = 4
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	r := New(client, instanceID, userID, logger)
	r.client = client
	r.logger.Info("redis relay connected", "instance_id", instanceID)
	return r, nil
}

// New starts a relay publishing through pub
func New(pub Publisher, instanceID, userID string, logger *slog.Logger) *Relay {
	r := &Relay{
		pub:        pub,
		instanceID: instanceID,
		userID:     userID,
		logger:     logging.WithComponent(logger, "relay"),
		queue:      make(chan outbound, 64),
		done:       make(chan struct{}),
	}
	go r.run()
	return r
}

// UserChannel is the per-user event channel
func UserChannel(userID string) string {
	return "user:" + userID + ":events"
}

// NotificationReceived is a notification store watcher
func (r *Relay) NotificationReceived(n models.Notification) {
	r.enqueue(UserChannel(r.userID), Message{
		Type:       TypeNotificationReceived,
		UserID:     r.userID,
		InstanceID: r.instanceID,
		Payload: map[string]interface{}{
			"notification": n,
		},
	})
}

// PresenceChanged publishes the new online set
func (r *Relay) PresenceChanged(userIDs []string) {
	r.enqueue(PresenceChannel, Message{
		Type:       TypePresenceChanged,
		UserID:     r.userID,
		InstanceID: r.instanceID,
		Payload: map[string]interface{}{
			"user_ids": userIDs,
			"count":    len(userIDs),
		},
	})
}

func (r *Relay) enqueue(channel string, msg Message) {
	select {
	case <-r.done:
		return
	default:
	}

	select {
	case r.queue <- outbound{channel: channel, msg: msg}:
	default:
		r.logger.Warn("relay queue full, dropping message", "type", msg.Type)
	}
}

func (r *Relay) run() {
	for {
		select {
		case <-r.done:
			return
		case out := <-r.queue:
			r.publish(out)
		}
	}
}

func (r *Relay) publish(out outbound) {
	data, err := json.Marshal(out.msg)
	if err != nil {
		r.logger.Error("failed to encode relay message", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := r.pub.Publish(ctx, out.channel, data).Err(); err != nil {
		r.logger.Warn("relay publish failed", "channel", out.channel, "error", err)
		return
	}
	r.logger.Debug("relayed", "channel", out.channel, "type", out.msg.Type)
}

// Close stops the relay and closes the Redis connection it opened
func (r *Relay) Close() error {
	r.stopOnce.Do(func() {
		close(r.done)
	})
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
