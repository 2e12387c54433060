// Package healthcheck periodically verifies every known session and, when
// any of them is unhealthy, closes everything and exits the process so the
// external process manager relaunches it with a clean slate.
package healthcheck

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/lifeline/internal/observability"
	"github.com/harun/lifeline/internal/tracing"
	"github.com/harun/lifeline/pkg/remote"
	"github.com/harun/lifeline/pkg/session"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultInterval     = 10 * time.Minute
	DefaultProbeTimeout = 30 * time.Second
	probeConcurrency    = 8

	// RestartExitCode is what the process exits with after a failed run.
	RestartExitCode = 0
)

// Sessions is what the checker inspects and closes.
type Sessions interface {
	Names(ctx context.Context) ([]string, error)
	Lookup(name string) (session.Status, remote.Handle)
	CloseAll(ctx context.Context) int
}

// Options configures a Checker
type Options struct {
	Interval time.Duration
	// Cron, when set, replaces Interval with a standard five field expression.
	Cron         string
	ProbeTimeout time.Duration
	// Exit terminates the process. Defaults to os.Exit.
	Exit   func(code int)
	Logger zerolog.Logger
}

// Verdict is the classification of one session.
type Verdict struct {
	Session string `json:"session"`
	Status  string `json:"status"`
	Restart bool   `json:"restart"`
	Reason  string `json:"reason,omitempty"`
}

// Report is the outcome of one scan.
type Report struct {
	StartedAt    time.Time     `json:"startedAt"`
	Duration     time.Duration `json:"duration"`
	Sessions     []Verdict     `json:"sessions"`
	NeedsRestart int           `json:"needsRestart"`
}

// Healthy reports whether no session needs a restart.
func (r Report) Healthy() bool {
	return r.NeedsRestart == 0
}

// Checker runs scans on a schedule, one at a time.
type Checker struct {
	sessions Sessions
	opts     Options
	schedule cron.Schedule
	logger   zerolog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool

	running atomic.Bool
	runs    atomic.Int64
	exit    sync.Once
}

// New creates a Checker. It fails on an unparsable cron expression.
func New(sessions Sessions, opts Options) (*Checker, error) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}

	var schedule cron.Schedule = every(opts.Interval)
	if opts.Cron != "" {
		parsed, err := cron.ParseStandard(opts.Cron)
		if err != nil {
			return nil, fmt.Errorf("invalid health cron expression: %w", err)
		}
		schedule = parsed
	}

	observability.EnsureRegistered()

	return &Checker{
		sessions: sessions,
		opts:     opts,
		schedule: schedule,
		logger:   opts.Logger.With().Str("component", "healthcheck").Logger(),
	}, nil
}

// every fires a fixed delay after the previous run finished. Unlike
// cron.Every it keeps sub-second precision.
type every time.Duration

func (e every) Next(t time.Time) time.Time {
	return t.Add(time.Duration(e))
}

// Start schedules the first run.
func (c *Checker) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = false
	c.scheduleLocked()
}

// Stop cancels the pending run. A run in progress finishes.
func (c *Checker) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Runs returns how many scheduled runs completed.
func (c *Checker) Runs() int64 {
	return c.runs.Load()
}

// NextRun returns when the run after now would fire.
func (c *Checker) NextRun(now time.Time) time.Time {
	return c.schedule.Next(now)
}

func (c *Checker) scheduleLocked() {
	if c.stopped {
		return
	}
	now := time.Now()
	delay := c.schedule.Next(now).Sub(now)
	if delay < 0 {
		delay = 0
	}
	c.timer = time.AfterFunc(delay, c.tick)
}

func (c *Checker) tick() {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	defer c.running.Store(false)

	ctx := tracing.WithOperation(context.Background(), "health_check")
	report := c.RunOnce(ctx)
	c.runs.Add(1)

	if !report.Healthy() {
		c.restart(ctx, report)
		return
	}

	c.mu.Lock()
	c.scheduleLocked()
	c.mu.Unlock()
}

func (c *Checker) restart(ctx context.Context, report Report) {
	c.Stop()

	c.logger.Warn().Int("needs_restart", report.NeedsRestart).Msg("Unhealthy sessions found, restarting process")
	observability.RecordRecoveryAudit(ctx, "health_restart", "started", map[string]interface{}{
		"needs_restart": report.NeedsRestart,
	})

	closed := c.sessions.CloseAll(ctx)
	c.logger.Info().Int("closed", closed).Msg("Sessions closed before restart")

	c.exit.Do(func() {
		c.opts.Exit(RestartExitCode)
	})
}

// RunOnce scans every known session and classifies it. It never closes
// sessions or exits.
func (c *Checker) RunOnce(ctx context.Context) Report {
	ctx, span := tracing.StartSpan(ctx, "lifeline.healthcheck", "healthcheck.run")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, c.logger)

	report := Report{StartedAt: time.Now()}

	names, err := c.sessions.Names(ctx)
	if err != nil {
		// a partial list is still worth checking
		logger.Warn().Err(err).Msg("Failed to list all sessions")
	}

	verdicts := make([]Verdict, len(names))
	g := new(errgroup.Group)
	g.SetLimit(probeConcurrency)
	for i, name := range names {
		g.Go(func() error {
			verdicts[i] = c.classify(ctx, name)
			return nil
		})
	}
	_ = g.Wait()

	for _, v := range verdicts {
		if v.Restart {
			report.NeedsRestart++
			logger.Info().Str("session", v.Session).Str("status", v.Status).Str("reason", v.Reason).Msg("Session needs restart")
		}
	}
	report.Sessions = verdicts
	report.Duration = time.Since(report.StartedAt)

	outcome := "healthy"
	if !report.Healthy() {
		outcome = "restart"
	}
	observability.RecordHealthRun(outcome, report.NeedsRestart)
	logger.Debug().Int("sessions", len(verdicts)).Int("needs_restart", report.NeedsRestart).Dur("duration", report.Duration).Msg("Health check finished")

	return report
}

func (c *Checker) classify(ctx context.Context, name string) (v Verdict) {
	status, handle := c.sessions.Lookup(name)
	v = Verdict{Session: name, Status: string(status)}

	defer func() {
		if r := recover(); r != nil {
			v.Restart = true
			v.Reason = fmt.Sprintf("probe panicked: %v", r)
		}
	}()

	switch status {
	case session.StatusConnected:
		if handle == nil {
			v.Restart, v.Reason = true, "connected without handle"
			return v
		}
		probeCtx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
		defer cancel()
		if err := handle.Probe(probeCtx); err != nil {
			v.Restart, v.Reason = true, "probe failed: "+err.Error()
		}
	case session.StatusInitializing:
		v.Restart, v.Reason = true, "stuck initializing"
	case session.StatusUninitialized, session.StatusClosed:
		v.Restart, v.Reason = true, "not running"
	default:
		v.Restart, v.Reason = true, "not connected"
	}
	return v
}
