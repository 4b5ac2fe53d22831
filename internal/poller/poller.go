package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"

	"github.com/claraverse/pulse/internal/logging"
	"github.com/claraverse/pulse/internal/metrics"
)

// ErrNotRunning is returned by RunNow when the poller is stopped
var ErrNotRunning = errors.New("poller is not running")

// DefaultTimeout bounds a single tick
const DefaultTimeout = 15 * time.Second

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Trigger says when a poller ticks: a fixed interval or a five-field cron
// expression. Exactly one is set.
type Trigger struct {
	Every time.Duration
	Cron  string
}

// Every returns an interval trigger
func Every(d time.Duration) Trigger {
	return Trigger{Every: d}
}

// Cron returns a cron trigger after validating the expression
func Cron(expr string) (Trigger, error) {
	expr = strings.TrimSpace(expr)
	if _, err := cronParser.Parse(expr); err != nil {
		return Trigger{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return Trigger{Cron: expr}, nil
}

// ParseTrigger reads a trigger from config: a Go duration ("30s", "1m") or a
// cron expression ("*/5 * * * *").
func ParseTrigger(s string) (Trigger, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Trigger{}, errors.New("empty trigger")
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return Trigger{}, fmt.Errorf("interval must be positive, got %s", s)
		}
		return Every(d), nil
	}
	return Cron(s)
}

func (t Trigger) String() string {
	if t.Cron != "" {
		return "cron(" + t.Cron + ")"
	}
	return "every " + t.Every.String()
}

func (t Trigger) definition() (gocron.JobDefinition, error) {
	switch {
	case t.Cron != "":
		return gocron.CronJob(t.Cron, false), nil
	case t.Every > 0:
		return gocron.DurationJob(t.Every), nil
	default:
		return nil, errors.New("trigger has neither interval nor cron expression")
	}
}

// Task is one reconciliation pass. Errors are logged and retried next tick.
type Task func(ctx context.Context) error

// Options configures a Poller
type Options struct {
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Poller runs a Task on a Trigger until stopped. The first tick runs as soon
// as the poller starts and ticks never overlap. A failing or panicking tick
// never stops the loop.
type Poller struct {
	name    string
	trigger Trigger
	task    Task
	opts    Options
	logger  *slog.Logger

	mu        sync.Mutex
	scheduler gocron.Scheduler
	job       gocron.Job
	cancel    context.CancelFunc
}

// New creates a stopped poller
func New(name string, trigger Trigger, task Task, opts Options) *Poller {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Poller{
		name:    name,
		trigger: trigger,
		task:    task,
		opts:    opts,
		logger:  logging.WithComponent(opts.Logger, "poller").With("poller", name),
	}
}

// Start begins ticking. Starting a running poller is a no-op.
func (p *Poller) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.scheduler != nil {
		return nil
	}

	def, err := p.trigger.definition()
	if err != nil {
		return err
	}

	// a gocron scheduler cannot be restarted after Shutdown, so every start
	// gets a fresh one
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	job, err := scheduler.NewJob(
		def,
		gocron.NewTask(func() {
			p.tick(ctx)
		}),
		gocron.WithName(p.name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		cancel()
		_ = scheduler.Shutdown()
		return fmt.Errorf("failed to register poll job: %w", err)
	}

	scheduler.Start()
	p.scheduler = scheduler
	p.job = job
	p.cancel = cancel

	p.logger.Debug("poller started", "trigger", p.trigger.String())
	return nil
}

// Stop cancels any in-flight tick and waits for the scheduler to exit. No
// tick starts after Stop returns. Stopping a stopped poller is a no-op.
func (p *Poller) Stop() error {
	p.mu.Lock()
	scheduler, cancel := p.scheduler, p.cancel
	p.scheduler, p.job, p.cancel = nil, nil, nil
	p.mu.Unlock()

	if scheduler == nil {
		return nil
	}

	cancel()
	if err := scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to stop poller %s: %w", p.name, err)
	}
	p.logger.Debug("poller stopped")
	return nil
}

// Running reports whether the poller is started
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scheduler != nil
}

// RunNow triggers an extra tick without waiting for the schedule
func (p *Poller) RunNow() error {
	p.mu.Lock()
	job := p.job
	p.mu.Unlock()

	if job == nil {
		return ErrNotRunning
	}
	return job.RunNow()
}

func (p *Poller) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			p.logger.Error("poll tick panicked", "panic", r)
		}
		p.opts.Metrics.RecordPoll(p.name, err)
	}()

	tickCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	err = p.task(tickCtx)
	if err != nil && ctx.Err() == nil {
		p.logger.Warn("poll tick failed, retrying next tick", "error", err)
	}
}
