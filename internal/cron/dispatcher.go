// Package cron implements the leader-elected cron scheduler (spec.md
// §4.6): registered crons tick on a fixed interval, each due schedule
// is claimed exactly once cluster-wide via the cron_runs unique
// constraint, and missed ticks during downtime are replayed up to a
// per-cron catch-up limit.
package cron

import (
	"context"
	"log/slog"
	"time"

	"github.com/forge-db/forge/internal/domain"
	"github.com/forge-db/forge/internal/metrics"
	"github.com/forge-db/forge/internal/registry"
	"github.com/forge-db/forge/internal/repository"
	"github.com/robfig/cron/v3"
)

// Handler executes one cron tick and returns output to record on the run.
type Handler func(ctx context.Context) ([]byte, error)

type registration struct {
	info     domain.CronInfo
	schedule cron.Schedule
	handler  Handler
}

// Dispatcher ticks every TickInterval and, for each registered cron
// whose next scheduled time has arrived, races to claim and run it.
// It only runs while this node holds the scheduler leader role —
// the composition root starts/stops it via Elector.OnGained/OnLost.
type Dispatcher struct {
	repo     repository.CronRepository
	nodeID   string
	logger   *slog.Logger
	interval time.Duration
	handlers *registry.Registry[Handler]

	regs map[string]*registration
}

func NewDispatcher(repo repository.CronRepository, nodeID string, logger *slog.Logger, interval time.Duration, handlers *registry.Registry[Handler]) *Dispatcher {
	return &Dispatcher{
		repo:     repo,
		nodeID:   nodeID,
		logger:   logger.With("component", "cron_dispatcher"),
		interval: interval,
		handlers: handlers,
		regs:     make(map[string]*registration),
	}
}

// RegisterCron parses info.Expr with the 5/6-field seconds-optional
// grammar and records it for dispatch. It also runs catch-up: any
// schedule times between the cron's last recorded run and now, up to
// CatchUpMax, are claimed and fired immediately if info.CatchUp is set.
func (d *Dispatcher) RegisterCron(ctx context.Context, info domain.CronInfo, handler Handler) error {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(info.Expr)
	if err != nil {
		return domain.ErrInvalidCronExpr
	}

	loc := time.UTC
	if info.Timezone != "" {
		tz, err := time.LoadLocation(info.Timezone)
		if err != nil {
			return domain.ErrInvalidCronExpr
		}
		loc = tz
	}
	sched = &tzSchedule{Schedule: sched, loc: loc}

	d.regs[info.Name] = &registration{info: info, schedule: sched, handler: handler}

	if info.CatchUp {
		d.catchUp(ctx, info.Name)
	}
	return nil
}

// catchUp replays any scheduled times between the last recorded run
// and now, capped at CatchUpMax, marking each as IsCatchUp (spec.md §4.6).
func (d *Dispatcher) catchUp(ctx context.Context, name string) {
	reg := d.regs[name]
	last, err := d.repo.LastScheduledTime(ctx, name)
	if err == domain.ErrCronNotFound {
		return // never run before: nothing to catch up
	}
	if err != nil {
		d.logger.Error("catch-up lookup failed", "cron_name", name, "error", err)
		return
	}

	now := time.Now()
	missed := []time.Time{}
	next := reg.schedule.Next(last)
	for next.Before(now) && len(missed) < reg.info.CatchUpMax {
		missed = append(missed, next)
		next = reg.schedule.Next(next)
	}

	for _, t := range missed {
		d.fire(ctx, name, reg, t, true)
	}
	if len(missed) > 0 {
		d.logger.Info("replayed missed cron ticks", "cron_name", name, "count", len(missed))
	}
}

// Run ticks every interval, firing any registered cron whose schedule
// has a due time not yet claimed. Intended to run only while this node
// holds the scheduler leader role.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("cron dispatcher started", "interval", d.interval, "crons", len(d.regs))

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			d.dispatch(ctx, now)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, now time.Time) {
	for name, reg := range d.regs {
		last, err := d.repo.LastScheduledTime(ctx, name)
		var due time.Time
		if err == domain.ErrCronNotFound {
			due = reg.schedule.Next(now.Add(-d.interval))
		} else if err != nil {
			d.logger.Error("lookup last scheduled time failed", "cron_name", name, "error", err)
			continue
		} else {
			due = reg.schedule.Next(last)
			if !reg.info.CatchUp {
				// A non-catch-up cron fires at most once per recovery,
				// no matter how many ticks it missed (spec.md §8
				// boundary behavior): skip past the backlog to the
				// single most-recent due time instead of replaying one
				// missed tick per dispatcher interval.
				for {
					next := reg.schedule.Next(due)
					if next.After(now) {
						break
					}
					due = next
				}
			}
		}
		if due.After(now) {
			continue
		}
		d.fire(ctx, name, reg, due, false)
	}
}

func (d *Dispatcher) fire(ctx context.Context, name string, reg *registration, scheduledTime time.Time, isCatchUp bool) {
	run, claimed, err := d.repo.ClaimRun(ctx, name, scheduledTime, d.nodeID, isCatchUp)
	if err != nil {
		d.logger.Error("claim cron run failed", "cron_name", name, "error", err)
		return
	}
	if !claimed {
		return // another node already claimed this tick
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if reg.info.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, reg.info.Timeout)
		defer cancel()
	}

	start := time.Now()
	output, err := reg.handler(runCtx)
	metrics.CronRunDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.CronRunsTotal.WithLabelValues(name, "failed").Inc()
		if ferr := d.repo.Fail(ctx, run.ID, err.Error()); ferr != nil {
			d.logger.Error("mark cron run failed failed", "cron_name", name, "error", ferr)
		}
		d.logger.Error("cron run failed", "cron_name", name, "scheduled_time", scheduledTime, "error", err)
		return
	}

	metrics.CronRunsTotal.WithLabelValues(name, "completed").Inc()
	if cerr := d.repo.Complete(ctx, run.ID, output); cerr != nil {
		d.logger.Error("mark cron run complete failed", "cron_name", name, "error", cerr)
	}
}

// tzSchedule wraps a cron.Schedule so Next() is computed in the
// configured IANA timezone, DST transitions included (spec.md §4.6).
type tzSchedule struct {
	cron.Schedule
	loc *time.Location
}

func (s *tzSchedule) Next(t time.Time) time.Time {
	return s.Schedule.Next(t.In(s.loc)).In(time.UTC)
}
