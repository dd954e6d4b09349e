// Package engine implements the automation engine: it turns a campaign into
// scheduled tasks, wraps task execution with the result cache and the
// performance monitor, persists outcomes through the sink and exposes the
// start/stop/pause/resume control surface.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/ukleadgen/leadgen-backend/internal/engine/cache"
	"github.com/ukleadgen/leadgen-backend/internal/engine/campaign"
	"github.com/ukleadgen/leadgen-backend/internal/engine/metrics"
	"github.com/ukleadgen/leadgen-backend/internal/engine/monitor"
	"github.com/ukleadgen/leadgen-backend/internal/engine/retry"
	"github.com/ukleadgen/leadgen-backend/internal/engine/scheduler"
	"github.com/ukleadgen/leadgen-backend/internal/engine/sink"
	"github.com/ukleadgen/leadgen-backend/pkg/logging"
	"github.com/ukleadgen/leadgen-backend/pkg/taskerror"
)

// State is the engine's control state.
type State string

const (
	StateStopped State = "STOPPED"
	StateRunning State = "RUNNING"
	StatePaused  State = "PAUSED"
)

// Handler executes one task type. Implementations live behind this boundary;
// the engine never looks inside.
type Handler func(ctx context.Context, params map[string]string) (interface{}, error)

// Config carries engine-level defaults. Campaign settings override them per
// run.
type Config struct {
	MaxConcurrent        int
	CampaignTimeout      time.Duration
	StopOnErrorCount     int
	CountBlockedAsFailed bool
	CacheMandatory       bool
	DefaultRetry         retry.Config
	CacheSweepInterval   time.Duration
	MonitorExportDir     string
	MonitorExportEvery   time.Duration
}

func DefaultEngineConfig() Config {
	return Config{
		MaxConcurrent:      2,
		CampaignTimeout:    24 * time.Hour,
		StopOnErrorCount:   10,
		DefaultRetry:       retry.DefaultConfig(),
		CacheSweepInterval: 5 * time.Minute,
		MonitorExportDir:   filepath.Join("data", "exports"),
		MonitorExportEvery: time.Minute,
	}
}

// Status is a point-in-time view of the engine and its active campaign.
type Status struct {
	State           State            `json:"state"`
	CampaignID      string           `json:"campaign_id,omitempty"`
	CampaignName    string           `json:"campaign_name,omitempty"`
	Counts          scheduler.Counts `json:"counts"`
	ProgressPercent float64          `json:"progress_percent"`
	SuccessRate     float64          `json:"success_rate"`
	ErrorCount      int              `json:"error_count"`
	FailedTasks     []TaskFailure    `json:"failed_tasks,omitempty"`
	BlockedTasks    []TaskFailure    `json:"blocked_tasks,omitempty"`
	StartedAt       time.Time        `json:"started_at,omitempty"`
}

// TaskFailure identifies one task that finished FAILED, or one that can never
// run because an ancestor failed.
type TaskFailure struct {
	TaskID   string `json:"task_id"`
	Type     string `json:"type"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// run is one campaign execution.
type run struct {
	id       string
	camp     *campaign.Campaign
	sched    *scheduler.Scheduler
	started  time.Time
	timeout  *time.Timer
	done     chan struct{}
	finished sync.Once

	errorBudget int

	mu         sync.Mutex
	errorCount int
	stopping   bool
	fromCache  map[string]bool
	taskStart  map[string]time.Time
}

// Engine runs one campaign at a time.
type Engine struct {
	cfg     Config
	logger  logging.Logger
	cache   *cache.Cache
	monitor *monitor.Monitor
	sink    sink.Sink
	cron    *cron.Cron

	mu       sync.Mutex
	state    State
	current  *run
	runs     map[string]*run
	handlers map[string]Handler
	subs     []scheduler.TransitionFunc
	onDone   []func(sink.CampaignSummary)
}

// New wires an engine from its collaborators and starts the housekeeping
// cron (cache sweeps, periodic monitor exports).
func New(cfg Config, c *cache.Cache, m *monitor.Monitor, s sink.Sink, logger logging.Logger) *Engine {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.DefaultRetry.Validate() != nil {
		cfg.DefaultRetry = retry.DefaultConfig()
	}
	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		cache:    c,
		monitor:  m,
		sink:     s,
		state:    StateStopped,
		runs:     make(map[string]*run),
		handlers: make(map[string]Handler),
		cron:     cron.New(),
	}
	if cfg.CacheSweepInterval > 0 && c != nil {
		_, _ = e.cron.AddFunc(fmt.Sprintf("@every %s", cfg.CacheSweepInterval), func() {
			e.cache.Sweep()
		})
	}
	if cfg.MonitorExportEvery > 0 && cfg.MonitorExportDir != "" {
		_, _ = e.cron.AddFunc(fmt.Sprintf("@every %s", cfg.MonitorExportEvery), e.exportMonitor)
	}
	e.cron.Start()
	return e
}

// RegisterHandler binds a task type to its implementation. Must be called
// before submitting campaigns that use the type.
func (e *Engine) RegisterHandler(taskType string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[taskType] = h
}

// OnTransition subscribes fn to task state changes of all future campaigns.
func (e *Engine) OnTransition(fn scheduler.TransitionFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = append(e.subs, fn)
}

// OnCompletion subscribes fn to campaign summaries.
func (e *Engine) OnCompletion(fn func(sink.CampaignSummary)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onDone = append(e.onDone, fn)
}

// Submit validates the campaign, builds its task graph and starts executing
// it. Only one campaign runs at a time.
func (e *Engine) Submit(c *campaign.Campaign) (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateStopped {
		return "", fmt.Errorf("a campaign is already active (%s)", e.state)
	}
	for _, spec := range c.Tasks {
		if _, ok := e.handlers[spec.Type]; !ok {
			return "", fmt.Errorf("no handler registered for task type %s", spec.Type)
		}
	}

	maxConcurrent := c.MaxConcurrent
	if maxConcurrent == 0 {
		maxConcurrent = e.cfg.MaxConcurrent
	}

	errorBudget := c.StopOnErrorCount
	if errorBudget == 0 {
		errorBudget = e.cfg.StopOnErrorCount
	}

	r := &run{
		id:          uuid.NewString(),
		camp:        c,
		sched:       scheduler.New(maxConcurrent, e.logger),
		started:     time.Now(),
		errorBudget: errorBudget,
		done:        make(chan struct{}),
		fromCache:   make(map[string]bool),
		taskStart:   make(map[string]time.Time),
	}

	tasks := make([]*scheduler.Task, 0, len(c.Tasks))
	for _, spec := range c.Tasks {
		retryCfg := c.RetryFor(spec)
		if spec.Retry == nil && c.DefaultRetry == nil {
			retryCfg = e.cfg.DefaultRetry
		}
		tasks = append(tasks, &scheduler.Task{
			ID:         spec.ID,
			CampaignID: r.id,
			Type:       spec.Type,
			Params:     spec.Params,
			Priority:   spec.Priority,
			DependsOn:  spec.DependsOn,
			Retry:      retryCfg,
			Body:       e.makeBody(r, spec),
		})
	}

	subs := append([]scheduler.TransitionFunc(nil), e.subs...)
	r.sched.Subscribe(func(ev scheduler.TransitionEvent) {
		e.onTransition(r, ev)
		for _, fn := range subs {
			fn(ev)
		}
	})

	// The timer must exist before Submit: a fast campaign can settle and
	// reach finalize before Submit returns.
	timeout := c.Timeout.Std()
	if timeout <= 0 {
		timeout = e.cfg.CampaignTimeout
	}
	r.timeout = time.AfterFunc(timeout, func() {
		e.logger.Warn("campaign timed out", "campaign", c.Name, "timeout", timeout.String())
		r.sched.Abort(taskerror.Newf(taskerror.Timeout, "campaign %s exceeded its %s deadline", c.Name, timeout))
	})

	if err := r.sched.Submit(tasks); err != nil {
		r.timeout.Stop()
		r.sched.Stop()
		return "", err
	}

	e.current = r
	e.runs[r.id] = r
	e.state = StateRunning
	metrics.CampaignProgressPercent.Set(0)
	e.logger.Info("campaign started",
		"campaign", c.Name, "id", r.id, "tasks", len(tasks), "max_concurrent", maxConcurrent)
	return r.id, nil
}

// makeBody wraps a task handler with the result cache and operation timing.
// Without a cache the handler still runs, unless caching is marked mandatory.
func (e *Engine) makeBody(r *run, spec campaign.TaskSpec) scheduler.Body {
	return func(ctx context.Context) (interface{}, error) {
		e.mu.Lock()
		handler := e.handlers[spec.Type]
		e.mu.Unlock()

		var key string
		if e.cache != nil {
			key = cache.Fingerprint(spec.Type, spec.Params)
			if v, ok := e.cache.Get(key); ok {
				metrics.CacheHits.Inc()
				r.mu.Lock()
				r.fromCache[spec.ID] = true
				r.mu.Unlock()
				return v, nil
			}
			metrics.CacheMisses.Inc()
		} else if e.cfg.CacheMandatory {
			return nil, taskerror.Newf(taskerror.Terminal,
				"caching is mandatory but no result cache is configured")
		}

		stopTimer := e.monitor.TimeOperation("task_" + spec.Type)
		result, err := handler(ctx, spec.Params)
		stopTimer()

		if err == nil && e.cache != nil {
			e.cache.Put(key, result, spec.CacheTTL.Std())
		}
		return result, err
	}
}

// onTransition tracks failures, feeds metrics and the sink, and detects
// campaign completion. It runs on the scheduler's notifier goroutine.
func (e *Engine) onTransition(r *run, ev scheduler.TransitionEvent) {
	counts := r.sched.Counts()
	metrics.TasksRunning.Set(float64(counts.Running))
	if total := counts.Total(); total > 0 {
		terminal := counts.Succeeded + counts.Failed + counts.Blocked
		metrics.CampaignProgressPercent.Set(100 * float64(terminal) / float64(total))
	}

	switch ev.To {
	case scheduler.StateRunning:
		if ev.Attempt == 1 {
			r.mu.Lock()
			r.taskStart[ev.TaskID] = time.Now()
			r.mu.Unlock()
		}
	case scheduler.StateRetryWait:
		metrics.TasksRetried.Inc()
		e.logger.Warn("task retry scheduled",
			"task", ev.TaskID, "attempt", ev.Attempt, "error", ev.Err)
	case scheduler.StateSucceeded:
		metrics.TasksCompleted.Inc()
		e.recordOutcome(r, ev)
	case scheduler.StateFailed:
		metrics.TasksFailed.Inc()
		e.recordOutcome(r, ev)
		e.noteFailure(r, ev)
	}

	if counts.Settled() {
		e.finalize(r, counts)
	}
}

// noteFailure enforces the stop-on-error budget. The campaign's own
// stop_on_error_count overrides the engine default.
func (e *Engine) noteFailure(r *run, ev scheduler.TransitionEvent) {
	if r.errorBudget <= 0 {
		return
	}
	r.mu.Lock()
	if r.stopping {
		r.mu.Unlock()
		return
	}
	r.errorCount++
	count := r.errorCount
	trip := count >= r.errorBudget
	if trip {
		r.stopping = true
	}
	r.mu.Unlock()

	if trip {
		e.logger.Error("stopping campaign, error budget exhausted",
			"campaign", r.camp.Name, "errors", count)
		r.sched.Abort(taskerror.Newf(taskerror.Terminal,
			"campaign stopped after %d task failures", count))
	}
}

// recordOutcome persists one terminal task outcome. Sink failures are logged
// and otherwise ignored.
func (e *Engine) recordOutcome(r *run, ev scheduler.TransitionEvent) {
	snap, ok := r.sched.TaskSnapshot(ev.TaskID)
	if !ok {
		return
	}
	r.mu.Lock()
	fromCache := r.fromCache[ev.TaskID]
	startedAt, started := r.taskStart[ev.TaskID]
	r.mu.Unlock()

	var duration time.Duration
	if started {
		duration = snap.CompletedAt.Sub(startedAt)
	}
	e.monitor.Record(monitor.Sample{
		Metric: "task_duration",
		Value:  duration.Seconds(),
		Unit:   "seconds",
		Tags:   map[string]string{"task": ev.TaskID, "type": snap.Type, "state": string(snap.State)},
	})

	rec := sink.TaskRecord{
		TaskID:     snap.ID,
		CampaignID: r.id,
		Type:       snap.Type,
		State:      string(snap.State),
		Attempts:   snap.Attempts,
		FromCache:  fromCache,
		Duration:   duration,
		FinishedAt: snap.CompletedAt,
	}
	if snap.LastErr != nil {
		rec.Error = snap.LastErr.Error()
	}
	if snap.Result != nil {
		rec.Result = fmt.Sprintf("%v", snap.Result)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.sink.SaveResult(ctx, rec); err != nil {
		e.logger.Error("failed to persist task result", "task", snap.ID, "error", err)
	}
}

// finalize settles a finished campaign exactly once.
func (e *Engine) finalize(r *run, counts scheduler.Counts) {
	r.finished.Do(func() {
		if r.timeout != nil {
			r.timeout.Stop()
		}

		summary := e.buildSummary(r, counts)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.sink.SaveSummary(ctx, summary); err != nil {
			e.logger.Error("failed to persist campaign summary", "campaign", r.camp.Name, "error", err)
		}

		e.mu.Lock()
		if e.current == r {
			e.state = StateStopped
		}
		callbacks := append([]func(sink.CampaignSummary){}, e.onDone...)
		e.mu.Unlock()

		e.logger.Info("campaign finished",
			"campaign", r.camp.Name,
			"succeeded", counts.Succeeded,
			"failed", counts.Failed,
			"blocked", counts.Blocked,
			"success_rate", summary.SuccessRate)

		for _, fn := range callbacks {
			fn(summary)
		}
		close(r.done)
	})
}

func (e *Engine) buildSummary(r *run, counts scheduler.Counts) sink.CampaignSummary {
	return sink.CampaignSummary{
		CampaignID:  r.id,
		Name:        r.camp.Name,
		Total:       counts.Total(),
		Succeeded:   counts.Succeeded,
		Failed:      counts.Failed,
		Blocked:     counts.Blocked,
		SuccessRate: e.successRate(counts),
		StartedAt:   r.started,
		FinishedAt:  time.Now(),
	}
}

// successRate is succeeded over settled outcomes. Blocked tasks never ran,
// so they stay out of the denominator unless configured otherwise.
func (e *Engine) successRate(counts scheduler.Counts) float64 {
	denom := counts.Succeeded + counts.Failed
	if e.cfg.CountBlockedAsFailed {
		denom += counts.Blocked
	}
	if denom == 0 {
		return 0
	}
	return 100 * float64(counts.Succeeded) / float64(denom)
}

// Pause suspends admission of new tasks. Running tasks finish normally.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRunning {
		return fmt.Errorf("cannot pause: engine is %s", e.state)
	}
	e.current.sched.Pause()
	e.state = StatePaused
	return nil
}

// Resume reopens admission after a pause.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StatePaused {
		return fmt.Errorf("cannot resume: engine is %s", e.state)
	}
	e.current.sched.Resume()
	e.state = StateRunning
	return nil
}

// Stop aborts the active campaign and waits for it to settle. A stopped
// engine accepts new campaigns.
func (e *Engine) Stop() error {
	e.mu.Lock()
	r := e.current
	if r == nil || e.state == StateStopped {
		e.mu.Unlock()
		return errors.New("no active campaign")
	}
	e.mu.Unlock()

	r.sched.Abort(taskerror.Newf(taskerror.Cancelled, "campaign stopped by operator"))
	<-r.done
	return nil
}

// WaitForCompletion blocks until the active campaign settles, or returns
// immediately when nothing is running.
func (e *Engine) WaitForCompletion() {
	e.mu.Lock()
	r := e.current
	e.mu.Unlock()
	if r != nil {
		<-r.done
	}
}

// Status reports the engine state and the active (or most recent) campaign.
func (e *Engine) Status() Status {
	e.mu.Lock()
	r := e.current
	state := e.state
	e.mu.Unlock()

	st := Status{State: state}
	if r == nil {
		return st
	}

	counts := r.sched.Counts()
	st.CampaignID = r.id
	st.CampaignName = r.camp.Name
	st.Counts = counts
	st.StartedAt = r.started
	st.SuccessRate = e.successRate(counts)
	st.FailedTasks, st.BlockedTasks = failureLists(r)

	r.mu.Lock()
	st.ErrorCount = r.errorCount
	r.mu.Unlock()

	if total := counts.Total(); total > 0 {
		terminal := counts.Succeeded + counts.Failed + counts.Blocked
		st.ProgressPercent = 100 * float64(terminal) / float64(total)
	}
	return st
}

// CampaignStatus reports one campaign by id, including finished ones.
func (e *Engine) CampaignStatus(id string) (Status, bool) {
	e.mu.Lock()
	r, ok := e.runs[id]
	state := e.state
	current := e.current
	e.mu.Unlock()
	if !ok {
		return Status{}, false
	}

	counts := r.sched.Counts()
	st := Status{
		State:        StateStopped,
		CampaignID:   r.id,
		CampaignName: r.camp.Name,
		Counts:       counts,
		StartedAt:    r.started,
		SuccessRate:  e.successRate(counts),
	}
	if r == current {
		st.State = state
	}
	st.FailedTasks, st.BlockedTasks = failureLists(r)
	r.mu.Lock()
	st.ErrorCount = r.errorCount
	r.mu.Unlock()
	if total := counts.Total(); total > 0 {
		terminal := counts.Succeeded + counts.Failed + counts.Blocked
		st.ProgressPercent = 100 * float64(terminal) / float64(total)
	}
	return st, true
}

// failureLists enumerates a run's failed tasks (with their final error) and
// the tasks that can never run, sorted by id for stable output.
func failureLists(r *run) (failed, blocked []TaskFailure) {
	for _, snap := range r.sched.AllSnapshots() {
		switch {
		case snap.State == scheduler.StateFailed:
			f := TaskFailure{TaskID: snap.ID, Type: snap.Type, Attempts: snap.Attempts}
			if snap.LastErr != nil {
				f.Error = snap.LastErr.Error()
			}
			failed = append(failed, f)
		case snap.Blocked:
			blocked = append(blocked, TaskFailure{TaskID: snap.ID, Type: snap.Type})
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].TaskID < failed[j].TaskID })
	sort.Slice(blocked, func(i, j int) bool { return blocked[i].TaskID < blocked[j].TaskID })
	return failed, blocked
}

// Close shuts down the engine: aborts any active campaign and stops the
// housekeeping cron. Collaborators (cache, monitor, sink) are owned by the
// caller.
func (e *Engine) Close() {
	_ = e.Stop()
	ctx := e.cron.Stop()
	<-ctx.Done()

	e.mu.Lock()
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()
	for _, r := range runs {
		r.sched.Stop()
	}
}

// exportMonitor dumps the monitor state to a timestamped JSON file.
func (e *Engine) exportMonitor() {
	if err := os.MkdirAll(e.cfg.MonitorExportDir, 0755); err != nil {
		e.logger.Error("failed to create export directory", "dir", e.cfg.MonitorExportDir, "error", err)
		return
	}
	name := fmt.Sprintf("monitor-%s.json", time.Now().UTC().Format("2006-01-02T15-04-05Z"))
	path := filepath.Join(e.cfg.MonitorExportDir, name)
	f, err := os.Create(path)
	if err != nil {
		e.logger.Error("failed to create export file", "path", path, "error", err)
		return
	}
	defer f.Close()
	if err := e.monitor.ExportJSON(f); err != nil {
		e.logger.Error("failed to export monitor state", "path", path, "error", err)
	}
}
