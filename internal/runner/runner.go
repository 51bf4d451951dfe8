// Package runner drives the engine's periodic work (activating assignments,
// dispatching due items, retrying failures, health checks) on robfig/cron.
//
// Jobs never overlap with themselves: a tick that arrives while the previous run
// is still in flight is skipped. A job that keeps failing trips a breaker and is
// suppressed for a growing cooldown.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "postplan/pkg/logx"
)

var (
	ErrUnknownJob     = errors.New("unknown job")
	ErrAlreadyRunning = errors.New("previous run still in flight")
	ErrBreakerOpen    = errors.New("breaker open")
)

type Config struct {
	Enabled     bool
	Timezone    string // IANA name; empty means local
	HistorySize int    // 0 means 50
	Breaker     BreakerConfig
}

type JobFunc func(ctx context.Context) error

type job struct {
	name    string
	spec    Spec
	timeout time.Duration
	run     JobFunc
	br      *breaker
	running atomic.Bool

	entryID cron.EntryID
	spread  time.Duration
}

// Run is one history record.
type Run struct {
	Job     string
	Started time.Time
	Took    time.Duration
	Err     string
	Skipped string
}

type Runner struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	parser cron.Parser
	c      *cron.Cron
	loc    *time.Location
	jobs   []*job
	ctx    context.Context
	cancel context.CancelFunc

	hmu         sync.Mutex
	history     []Run
	historySize int
}

func New(cfg Config, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}
	return &Runner{
		cfg:         cfg,
		historySize: cfg.HistorySize,
		log:         log.With(logx.String("comp", "runner")),
		parser:      cronParser,
	}
}

// Add registers or replaces the job called name.
func (r *Runner) Add(name, schedule string, timeout time.Duration, fn JobFunc) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("job name required")
	}
	if fn == nil {
		return fmt.Errorf("job %s: nil func", name)
	}
	if err := ValidateSchedule(schedule); err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	spec, _ := ParseSpec(schedule)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(name)
	j := &job{name: name, spec: spec, timeout: timeout, run: fn, br: newBreaker(r.cfg.Breaker)}
	r.jobs = append(r.jobs, j)
	if r.c != nil {
		if err := r.scheduleLocked(j); err != nil {
			return err
		}
	}
	r.log.Debug("job registered", logx.String("job", name), logx.String("spec", spec.String()), logx.Duration("timeout", timeout))
	return nil
}

// Remove unregisters a job and reports whether it existed.
func (r *Runner) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(strings.TrimSpace(name))
}

func (r *Runner) removeLocked(name string) bool {
	kept := r.jobs[:0]
	removed := false
	for _, j := range r.jobs {
		if j.name != name {
			kept = append(kept, j)
			continue
		}
		removed = true
		if r.c != nil && j.entryID != 0 {
			r.c.Remove(j.entryID)
		}
	}
	r.jobs = kept
	return removed
}

func (r *Runner) scheduleLocked(j *job) error {
	ctx := r.ctx
	fn := cron.FuncJob(func() { _ = r.execute(ctx, j) })
	if j.spec.Kind == SpecInterval {
		sched, jitter := intervalWithSpread(j.spec.Every, time.Now().In(r.loc), j.name)
		j.spread = jitter
		j.entryID = r.c.Schedule(sched, fn)
		return nil
	}
	id, err := r.c.AddJob(j.spec.Cron, fn)
	if err != nil {
		return fmt.Errorf("job %s: %w", j.name, err)
	}
	j.entryID = id
	return nil
}

// Start begins triggering. It is a no-op when disabled or already started.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil || !r.cfg.Enabled {
		if !r.cfg.Enabled {
			r.log.Info("runner disabled")
		}
		return
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.startLocked()
	r.log.Info("runner started", logx.String("tz", r.loc.String()), logx.Int("jobs", len(r.jobs)))
}

func (r *Runner) startLocked() {
	r.loc = loadLocation(r.cfg.Timezone, r.log)
	r.c = cron.New(cron.WithParser(r.parser), cron.WithLocation(r.loc))
	for _, j := range r.jobs {
		if err := r.scheduleLocked(j); err != nil {
			r.log.Error("job schedule failed", logx.String("job", j.name), logx.Err(err))
		}
	}
	r.c.Start()
}

// Stop halts triggering and waits for in-flight runs until ctx expires.
func (r *Runner) Stop(ctx context.Context) {
	r.mu.Lock()
	c, cancel := r.c, r.cancel
	r.c, r.cancel, r.ctx = nil, nil, nil
	for _, j := range r.jobs {
		j.entryID = 0
	}
	r.mu.Unlock()
	if c == nil {
		return
	}
	start := time.Now()
	done := c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
	}
	cancel()
	r.log.Info("runner stopped", logx.Duration("took", time.Since(start)))
}

// Apply swaps the configuration. A timezone change restarts cron.
func (r *Runner) Apply(cfg Config) {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}
	r.hmu.Lock()
	r.historySize = cfg.HistorySize
	r.hmu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	tzChanged := strings.TrimSpace(r.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	r.cfg = cfg
	if r.c == nil || !tzChanged {
		return
	}
	<-r.c.Stop().Done()
	r.startLocked()
	r.log.Info("runner restarted", logx.String("tz", r.loc.String()))
}

// RunNow executes a job synchronously, honoring overlap and breaker rules.
func (r *Runner) RunNow(ctx context.Context, name string) error {
	r.mu.Lock()
	var j *job
	for _, x := range r.jobs {
		if x.name == name {
			j = x
		}
	}
	r.mu.Unlock()
	if j == nil {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return r.execute(ctx, j)
}

func (r *Runner) execute(ctx context.Context, j *job) (err error) {
	started := time.Now()
	if open, until := j.br.Open(started); open {
		r.record(Run{Job: j.name, Started: started, Skipped: "breaker open until " + until.Format(time.RFC3339)})
		return ErrBreakerOpen
	}
	if !j.running.CompareAndSwap(false, true) {
		r.record(Run{Job: j.name, Started: started, Skipped: "previous run in flight"})
		r.log.Debug("job skipped; previous run in flight", logx.String("job", j.name))
		return ErrAlreadyRunning
	}
	defer j.running.Store(false)

	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job %s panicked: %v", j.name, p)
		}
		took := time.Since(started)
		j.br.Record(time.Now(), err)
		run := Run{Job: j.name, Started: started, Took: took}
		if err != nil {
			run.Err = err.Error()
			r.log.Warn("job failed",
				logx.String("job", j.name),
				logx.Duration("took", took),
				logx.Int("consecutive_failures", j.br.Failures()),
				logx.Err(err),
			)
		}
		r.record(run)
	}()
	return j.run(ctx)
}

func (r *Runner) record(run Run) {
	r.hmu.Lock()
	defer r.hmu.Unlock()
	r.history = append(r.history, run)
	if over := len(r.history) - r.historySize; over > 0 {
		r.history = append(r.history[:0], r.history[over:]...)
	}
}

type JobInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Spread  time.Duration
	Running bool
	Fails   int
	Next    time.Time
	Prev    time.Time
}

type Snapshot struct {
	Enabled  bool
	Started  bool
	Timezone string
	Jobs     []JobInfo
	History  []Run
}

func (r *Runner) Snapshot() Snapshot {
	r.mu.Lock()
	s := Snapshot{Enabled: r.cfg.Enabled, Started: r.c != nil, Timezone: r.cfg.Timezone}
	if r.loc != nil {
		s.Timezone = r.loc.String()
	}
	for _, j := range r.jobs {
		info := JobInfo{
			Name:    j.name,
			Spec:    j.spec.String(),
			Timeout: j.timeout,
			Spread:  j.spread,
			Running: j.running.Load(),
			Fails:   j.br.Failures(),
		}
		if r.c != nil && j.entryID != 0 {
			e := r.c.Entry(j.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		s.Jobs = append(s.Jobs, info)
	}
	r.mu.Unlock()

	r.hmu.Lock()
	s.History = append([]Run(nil), r.history...)
	r.hmu.Unlock()
	return s
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; falling back to local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
