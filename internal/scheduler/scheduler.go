package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/mtzanidakis/hivemind/internal/schedule"
)

var ErrUnknownTask = errors.New("unknown task")

// TaskFunc is one pass of a periodic control loop.
type TaskFunc func(ctx context.Context) error

type TaskOption func(*task)

// WithJitter delays each run by a random amount in [0, d).
func WithJitter(d time.Duration) TaskOption {
	return func(t *task) { t.jitter = d }
}

type task struct {
	name     string
	schedule schedule.Schedule
	jitter   time.Duration
	fn       TaskFunc

	next       time.Time
	lastRun    time.Time
	lastStatus string
	lastError  string
	runs       int
}

// TaskStatus describes a registered task.
type TaskStatus struct {
	Name       string    `json:"name"`
	Schedule   string    `json:"schedule"`
	NextRun    time.Time `json:"next_run"`
	LastRun    time.Time `json:"last_run,omitzero"`
	LastStatus string    `json:"last_status,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Runs       int       `json:"runs"`
}

// Scheduler runs registered tasks one at a time on a single goroutine. A
// task that becomes due while another is running waits for it and runs
// late; runs never overlap.
type Scheduler struct {
	mu       sync.Mutex
	tasks    []*task
	byName   map[string]*task
	reloadCh chan struct{}
	// run serializes task execution between the loop and RunOnce.
	run sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

func New() *Scheduler {
	return &Scheduler{
		byName:   make(map[string]*task),
		reloadCh: make(chan struct{}, 1),
	}
}

// Register adds a task. It may be called before or after Start.
func (s *Scheduler) Register(name string, sched schedule.Schedule, fn TaskFunc, opts ...TaskOption) error {
	t := &task{name: name, schedule: sched, fn: fn}
	for _, opt := range opts {
		opt(t)
	}
	next, err := t.nextAfter(time.Now())
	if err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}
	t.next = next

	s.mu.Lock()
	if _, exists := s.byName[name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("register %s: task already registered", name)
	}
	s.tasks = append(s.tasks, t)
	s.byName[name] = t
	s.mu.Unlock()

	s.signal()
	return nil
}

// Start launches the loop. Stop or cancelling ctx ends it.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		cancel()
		return
	}
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)
}

// Stop cancels the loop and waits for a running task to return. Safe to
// call more than once and before Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if done == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	<-done
}

// RunOnce runs the named task immediately, outside its schedule.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	s.mu.Lock()
	t, ok := s.byName[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return s.execute(ctx, t)
}

func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, TaskStatus{
			Name:       t.name,
			Schedule:   t.schedule.String(),
			NextRun:    t.next,
			LastRun:    t.lastRun,
			LastStatus: t.lastStatus,
			LastError:  t.lastError,
			Runs:       t.runs,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	timer := time.NewTimer(s.untilNext())
	defer timer.Stop()

	slog.Info("scheduler started", "tasks", len(s.Status()))

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
		case <-timer.C:
			for _, t := range s.due(time.Now()) {
				if ctx.Err() != nil {
					break
				}
				_ = s.execute(ctx, t)
				s.reschedule(t)
			}
		}
		timer.Reset(s.untilNext())
	}
}

func (s *Scheduler) execute(ctx context.Context, t *task) error {
	s.run.Lock()
	defer s.run.Unlock()

	start := time.Now()
	err := t.fn(ctx)

	s.mu.Lock()
	t.lastRun = start
	t.runs++
	if err != nil {
		t.lastStatus = "error"
		t.lastError = err.Error()
	} else {
		t.lastStatus = "success"
		t.lastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		slog.Error("scheduled task failed", "task", t.name, "error", err)
	} else {
		slog.Debug("scheduled task done", "task", t.name, "duration", time.Since(start))
	}
	return err
}

// reschedule computes the next run from the current time, so a late run
// does not trigger a burst of catch-up runs.
func (s *Scheduler) reschedule(t *task) {
	next, err := t.nextAfter(time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		slog.Error("failed to compute next run, retrying in a minute", "task", t.name, "error", err)
		next = time.Now().Add(time.Minute)
	}
	t.next = next
}

func (s *Scheduler) due(now time.Time) []*task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*task
	for _, t := range s.tasks {
		if !t.next.After(now) {
			due = append(due, t)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].next.Before(due[j].next) })
	return due
}

func (s *Scheduler) untilNext() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.tasks) == 0 {
		return time.Hour
	}
	earliest := s.tasks[0].next
	for _, t := range s.tasks[1:] {
		if t.next.Before(earliest) {
			earliest = t.next
		}
	}
	return max(time.Until(earliest), 0)
}

func (s *Scheduler) signal() {
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (t *task) nextAfter(after time.Time) (time.Time, error) {
	next, err := t.schedule.Next(after)
	if err != nil {
		return time.Time{}, err
	}
	if t.jitter > 0 {
		next = next.Add(rand.N(t.jitter))
	}
	return next, nil
}
