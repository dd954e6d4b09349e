// Package scheduler owns the task table and lifecycle for one campaign run:
// admission against a worker-slot pool, dependency resolution, retry backoff
// and deterministic ready-queue dispatch. All state lives behind a single
// mutex; task bodies execute outside it.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ukleadgen/leadgen-backend/internal/engine/retry"
	"github.com/ukleadgen/leadgen-backend/pkg/logging"
	"github.com/ukleadgen/leadgen-backend/pkg/taskerror"
)

type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	ready   readyHeap
	tokens  chan struct{}
	paused  bool
	stopped bool
	seq     uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Transition events are queued under mu and delivered by a single
	// notifier goroutine so subscribers observe them in commit order.
	evMu         sync.Mutex
	evCond       *sync.Cond
	evQueue      []TransitionEvent
	evClosed     bool
	subs         []TransitionFunc
	notifierDone chan struct{}

	logger logging.Logger
}

// New creates a scheduler with maxConcurrent worker slots.
func New(maxConcurrent int, logger logging.Logger) *Scheduler {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		tasks:        make(map[string]*Task),
		tokens:       make(chan struct{}, maxConcurrent),
		ctx:          ctx,
		cancel:       cancel,
		notifierDone: make(chan struct{}),
		logger:       logger,
	}
	for i := 0; i < maxConcurrent; i++ {
		s.tokens <- struct{}{}
	}
	s.evCond = sync.NewCond(&s.evMu)
	go s.notifier()
	return s
}

// Subscribe registers fn for transition events. Callbacks run on the notifier
// goroutine and may call back into the scheduler, but must not call Stop.
func (s *Scheduler) Subscribe(fn TransitionFunc) {
	s.evMu.Lock()
	s.subs = append(s.subs, fn)
	s.evMu.Unlock()
}

// Submit adds a batch of tasks to the table. The batch is validated as a
// whole: duplicate or empty IDs, missing bodies, unknown dependency
// references and dependency cycles all reject the entire batch.
func (s *Scheduler) Submit(tasks []*Task) error {
	if len(tasks) == 0 {
		return errors.New("empty task batch")
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return errors.New("scheduler is stopped")
	}

	batch := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			s.mu.Unlock()
			return errors.New("task with empty id")
		}
		if t.Body == nil {
			s.mu.Unlock()
			return fmt.Errorf("task %s has no body", t.ID)
		}
		if _, dup := batch[t.ID]; dup {
			s.mu.Unlock()
			return fmt.Errorf("duplicate task id %s", t.ID)
		}
		if _, dup := s.tasks[t.ID]; dup {
			s.mu.Unlock()
			return fmt.Errorf("duplicate task id %s", t.ID)
		}
		batch[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, inBatch := batch[dep]; inBatch {
				continue
			}
			if _, known := s.tasks[dep]; !known {
				s.mu.Unlock()
				return fmt.Errorf("task %s depends on unknown task %s", t.ID, dep)
			}
		}
	}
	if err := checkCycles(tasks); err != nil {
		s.mu.Unlock()
		return err
	}

	now := time.Now()
	var events []TransitionEvent
	for _, t := range tasks {
		if err := t.Retry.Validate(); err != nil {
			t.Retry = retry.DefaultConfig()
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		s.seq++
		t.seq = s.seq
		t.State = StatePending
		t.heapIndex = -1
		s.tasks[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			d := s.tasks[dep]
			switch {
			case d.State == StateSucceeded:
				// already satisfied
			case d.State == StateFailed || d.blocked:
				t.blocked = true
			default:
				t.remainingDeps++
				d.dependents = append(d.dependents, t.ID)
			}
		}
	}
	// A task blocked at submit poisons its in-batch dependents too,
	// regardless of slice order.
	for _, t := range tasks {
		if t.blocked {
			s.blockDependentsLocked(t)
		}
	}
	for _, t := range tasks {
		if t.remainingDeps == 0 && !t.blocked {
			s.toReadyLocked(t, &events)
		}
	}
	s.dispatchLocked(&events)
	s.enqueue(events)
	s.mu.Unlock()
	return nil
}

// Pause stops admitting ready tasks to worker slots. Running tasks and
// retry timers are unaffected.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	if s.logger != nil {
		s.logger.Info("scheduler paused")
	}
}

// Resume re-enables admission and dispatches whatever is ready.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	var events []TransitionEvent
	s.dispatchLocked(&events)
	s.enqueue(events)
	s.mu.Unlock()
	if s.logger != nil {
		s.logger.Info("scheduler resumed")
	}
}

// Abort force-fails every non-terminal task with cause, cancels running
// bodies and permanently stops admission. Results of bodies still unwinding
// are discarded.
func (s *Scheduler) Abort(cause error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.cancel()

	var events []TransitionEvent
	for _, t := range s.tasks {
		switch t.State {
		case StatePending, StateReady, StateRunning, StateRetryWait:
			if t.retryTimer != nil {
				t.retryTimer.Stop()
				t.retryTimer = nil
			}
			if t.heapIndex >= 0 {
				heap.Remove(&s.ready, t.heapIndex)
			}
			from := t.State
			t.State = StateFailed
			t.LastErr = cause
			t.CompletedAt = time.Now()
			events = append(events, TransitionEvent{
				TaskID:     t.ID,
				CampaignID: t.CampaignID,
				From:       from,
				To:         StateFailed,
				Attempt:    t.Attempts,
				Err:        cause,
			})
		}
	}
	s.enqueue(events)
	s.mu.Unlock()
}

// Stop aborts all remaining work with a cancellation error and waits for
// running bodies and the notifier to drain. The scheduler cannot be reused.
func (s *Scheduler) Stop() {
	s.Abort(taskerror.Newf(taskerror.Cancelled, "scheduler stopped"))
	s.wg.Wait()

	s.evMu.Lock()
	if !s.evClosed {
		s.evClosed = true
		s.evCond.Signal()
	}
	s.evMu.Unlock()
	<-s.notifierDone
}

// Counts returns the current state buckets.
func (s *Scheduler) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c Counts
	for _, t := range s.tasks {
		switch t.State {
		case StatePending:
			if t.blocked {
				c.Blocked++
			} else {
				c.Pending++
			}
		case StateReady:
			c.Ready++
		case StateRunning:
			c.Running++
		case StateRetryWait:
			c.RetryWait++
		case StateSucceeded:
			c.Succeeded++
		case StateFailed:
			c.Failed++
		}
	}
	return c
}

// TaskSnapshot returns a copy of one task's observable state.
func (s *Scheduler) TaskSnapshot(id string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Snapshot{}, false
	}
	return t.snapshot(), true
}

// AllSnapshots returns copies of every task's observable state.
func (s *Scheduler) AllSnapshots() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.snapshot())
	}
	return out
}

// toReadyLocked moves a task to READY and queues it for dispatch.
func (s *Scheduler) toReadyLocked(t *Task, events *[]TransitionEvent) {
	from := t.State
	t.State = StateReady
	heap.Push(&s.ready, t)
	*events = append(*events, TransitionEvent{
		TaskID:     t.ID,
		CampaignID: t.CampaignID,
		From:       from,
		To:         StateReady,
		Attempt:    t.Attempts,
	})
}

// dispatchLocked hands ready tasks to worker slots while tokens are
// available and admission is open.
func (s *Scheduler) dispatchLocked(events *[]TransitionEvent) {
	for !s.paused && !s.stopped && s.ready.Len() > 0 {
		select {
		case <-s.tokens:
		default:
			return
		}
		t := heap.Pop(&s.ready).(*Task)
		t.State = StateRunning
		t.Attempts++
		*events = append(*events, TransitionEvent{
			TaskID:     t.ID,
			CampaignID: t.CampaignID,
			From:       StateReady,
			To:         StateRunning,
			Attempt:    t.Attempts,
		})
		s.wg.Add(1)
		go s.run(t, t.Body)
	}
}

// run executes one attempt of a task body outside the lock.
func (s *Scheduler) run(t *Task, body Body) {
	defer s.wg.Done()

	result, err := invoke(s.ctx, body)

	s.tokens <- struct{}{}

	s.mu.Lock()
	var events []TransitionEvent
	if t.State == StateRunning {
		// Abort may have force-failed the task while the body was still
		// unwinding; in that case its result is discarded.
		s.completeLocked(t, result, err, &events)
	}
	s.dispatchLocked(&events)
	s.enqueue(events)
	s.mu.Unlock()
}

// invoke runs the body, converting panics and context errors into classified
// failures.
func invoke(ctx context.Context, body Body) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = taskerror.Newf(taskerror.Terminal, "task panicked: %v", r)
		}
	}()
	result, err = body(ctx)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			err = taskerror.New(taskerror.Cancelled, err)
		case errors.Is(err, context.DeadlineExceeded):
			err = taskerror.New(taskerror.Timeout, err)
		}
	}
	return result, err
}

// completeLocked settles one finished attempt.
func (s *Scheduler) completeLocked(t *Task, result interface{}, err error, events *[]TransitionEvent) {
	if err == nil {
		t.State = StateSucceeded
		t.Result = result
		t.LastErr = nil
		t.CompletedAt = time.Now()
		*events = append(*events, TransitionEvent{
			TaskID:     t.ID,
			CampaignID: t.CampaignID,
			From:       StateRunning,
			To:         StateSucceeded,
			Attempt:    t.Attempts,
			Result:     result,
		})
		for _, id := range t.dependents {
			d := s.tasks[id]
			d.remainingDeps--
			if d.remainingDeps == 0 && d.State == StatePending && !d.blocked {
				s.toReadyLocked(d, events)
			}
		}
		return
	}

	t.LastErr = err
	if decision := retry.Decide(t.Attempts, err, t.Retry); decision.Retry {
		t.State = StateRetryWait
		*events = append(*events, TransitionEvent{
			TaskID:     t.ID,
			CampaignID: t.CampaignID,
			From:       StateRunning,
			To:         StateRetryWait,
			Attempt:    t.Attempts,
			Err:        err,
		})
		t.retryTimer = time.AfterFunc(decision.Delay, func() { s.retryDue(t) })
		return
	}

	t.State = StateFailed
	t.CompletedAt = time.Now()
	*events = append(*events, TransitionEvent{
		TaskID:     t.ID,
		CampaignID: t.CampaignID,
		From:       StateRunning,
		To:         StateFailed,
		Attempt:    t.Attempts,
		Err:        err,
	})
	s.blockDependentsLocked(t)
}

// retryDue fires when a RETRY_WAIT delay elapses.
func (s *Scheduler) retryDue(t *Task) {
	s.mu.Lock()
	if t.State != StateRetryWait {
		s.mu.Unlock()
		return
	}
	t.retryTimer = nil
	var events []TransitionEvent
	s.toReadyLocked(t, &events)
	s.dispatchLocked(&events)
	s.enqueue(events)
	s.mu.Unlock()
}

// blockDependentsLocked marks everything downstream of a failed task as
// unrunnable. Blocked tasks stay PENDING but are reported separately.
func (s *Scheduler) blockDependentsLocked(failed *Task) {
	queue := append([]string(nil), failed.dependents...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		t := s.tasks[id]
		if t.State != StatePending || t.blocked {
			continue
		}
		t.blocked = true
		queue = append(queue, t.dependents...)
	}
}

// enqueue appends events for ordered delivery. Called with mu held so the
// queue order matches commit order.
func (s *Scheduler) enqueue(events []TransitionEvent) {
	if len(events) == 0 {
		return
	}
	s.evMu.Lock()
	s.evQueue = append(s.evQueue, events...)
	s.evCond.Signal()
	s.evMu.Unlock()
}

// notifier delivers queued events to subscribers, one goroutine, in order.
func (s *Scheduler) notifier() {
	defer close(s.notifierDone)
	for {
		s.evMu.Lock()
		for len(s.evQueue) == 0 && !s.evClosed {
			s.evCond.Wait()
		}
		batch := s.evQueue
		s.evQueue = nil
		subs := s.subs
		closed := s.evClosed
		s.evMu.Unlock()

		for _, ev := range batch {
			for _, fn := range subs {
				fn(ev)
			}
		}
		if closed && len(batch) == 0 {
			return
		}
	}
}
