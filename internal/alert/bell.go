package alert

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/claraverse/pulse/internal/logging"
	"github.com/claraverse/pulse/internal/models"
)

// Bell rings the terminal bell for new notifications. Up to burst arrivals
// ring at once; arrivals beyond that are folded into one trailing ring as soon
// as the limiter allows, so every arrival is covered by some bell.
type Bell struct {
	mu       sync.Mutex
	out      io.Writer
	limiter  *rate.Limiter
	logger   *slog.Logger
	rung     int
	trailing *time.Timer
	closed   bool
}

// NewBell creates a bell writing to out
func NewBell(out io.Writer, interval time.Duration, burst int, logger *slog.Logger) *Bell {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if burst <= 0 {
		burst = 1
	}
	return &Bell{
		out:     out,
		limiter: rate.NewLimiter(rate.Every(interval), burst),
		logger:  logging.WithComponent(logger, "alert"),
	}
}

// Notify is a notification store watcher
func (b *Bell) Notify(n models.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if b.limiter.Allow() {
		b.ringLocked()
		return
	}
	if b.trailing != nil {
		b.logger.Debug("alert folded into pending bell", "id", n.ID)
		return
	}
	delay := b.limiter.Reserve().Delay()
	b.logger.Debug("alert deferred", "id", n.ID, "delay", delay)
	b.trailing = time.AfterFunc(delay, b.flush)
}

func (b *Bell) flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trailing = nil
	if !b.closed {
		b.ringLocked()
	}
}

func (b *Bell) ringLocked() {
	if _, err := fmt.Fprint(b.out, "\a"); err != nil {
		b.logger.Debug("failed to ring bell", "error", err)
		return
	}
	b.rung++
}

// Rung is how many times the bell actually rang
func (b *Bell) Rung() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rung
}

// Close drops a pending trailing ring; later arrivals are ignored
func (b *Bell) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.trailing != nil {
		b.trailing.Stop()
		b.trailing = nil
	}
}
