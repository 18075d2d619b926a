package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/i474232898/discovergy-poller/internal/metrics"
	"github.com/i474232898/discovergy-poller/internal/readings"
)

// DefaultRetryDelay is the pause after a failed fetch cycle.
const DefaultRetryDelay = 15 * time.Second

// State is the phase of a task.
type State string

const (
	Idle     State = "idle"
	Fetching State = "fetching"
	Success  State = "success"
	Failed   State = "failed"
	Sleeping State = "sleeping"
)

// Task is one polled source. Run fetches and stores the window.
type Task struct {
	Descriptor readings.Descriptor
	Run        func(ctx context.Context, w readings.Window) error
}

// TaskState is a snapshot of a task for status reporting.
type TaskState struct {
	Name        string          `json:"name"`
	State       State           `json:"state"`
	Interval    string          `json:"interval"`
	Window      readings.Window `json:"window"`
	LastError   string          `json:"lastError,omitempty"`
	LastSuccess time.Time       `json:"lastSuccess,omitempty"`
	Runs        int             `json:"runs"`
	Failures    int             `json:"failures"`
}

// Options configures a Scheduler.
type Options struct {
	RetryDelay time.Duration

	// MetadataJob, when set, runs every MetadataInterval on the gocron scheduler.
	MetadataJob      func(ctx context.Context) error
	MetadataInterval time.Duration

	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics
}

// Scheduler runs every task in its own loop: fetch, then sleep the task interval on
// success or the retry delay on failure.
type Scheduler struct {
	tasks   []Task
	opts    Options
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
	cron    *gocron.Scheduler

	clockFor func(task string) clock

	mu     sync.Mutex
	states []TaskState
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler for tasks. More can join later through Add.
func New(tasks []Task, opts Options) *Scheduler {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	states := make([]TaskState, len(tasks))
	for i, t := range tasks {
		states[i] = newState(t)
	}
	return &Scheduler{
		tasks:    tasks,
		opts:     opts,
		logger:   logger,
		metrics:  opts.Metrics,
		cron:     gocron.NewScheduler(time.UTC),
		clockFor: func(string) clock { return realClock{} },
		states:   states,
	}
}

// Start launches the task loops and the metadata job. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	if len(s.States()) == 0 {
		s.logger.Warnw("no tasks configured; nothing to schedule")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ctx = ctx
	s.cancel = cancel
	n := len(s.tasks)
	s.mu.Unlock()

	if s.opts.MetadataJob != nil && s.opts.MetadataInterval > 0 {
		_, err := s.cron.Every(s.opts.MetadataInterval).WaitForSchedule().Do(func() {
			if err := s.opts.MetadataJob(ctx); err != nil {
				s.logger.Errorw("metadata refresh failed", "error", err)
			}
		})
		if err != nil {
			cancel()
			return err
		}
		s.cron.StartAsync()
	}

	for i := 0; i < n; i++ {
		s.wg.Add(1)
		go func(i int) {
			defer s.wg.Done()
			s.runTask(ctx, i)
		}(i)
	}
	return nil
}

// Add registers a task. On a started scheduler its loop begins at once; after Stop
// the task is only recorded.
func (s *Scheduler) Add(task Task) {
	s.mu.Lock()
	i := len(s.tasks)
	s.tasks = append(s.tasks, task)
	s.states = append(s.states, newState(task))
	ctx := s.ctx
	start := ctx != nil && ctx.Err() == nil
	if start {
		s.wg.Add(1)
	}
	s.mu.Unlock()

	if !start {
		return
	}
	s.logger.Infow("task added", "source", task.Descriptor.Name)
	go func() {
		defer s.wg.Done()
		s.runTask(ctx, i)
	}()
}

// Stop cancels every task and waits for in-flight cycles to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.cron.Stop()
	s.wg.Wait()
}

// States returns a snapshot of all tasks in registration order.
func (s *Scheduler) States() []TaskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TaskState(nil), s.states...)
}

func newState(t Task) TaskState {
	return TaskState{
		Name:     t.Descriptor.Name,
		State:    Idle,
		Interval: t.Descriptor.Interval.String(),
	}
}

func (s *Scheduler) update(i int, fn func(st *TaskState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.states[i])
}

func (s *Scheduler) runTask(ctx context.Context, i int) {
	s.mu.Lock()
	task := s.tasks[i]
	s.mu.Unlock()
	name := task.Descriptor.Name
	interval := task.Descriptor.Interval
	if interval <= 0 {
		interval = s.opts.RetryDelay
	}

	clk := s.clockFor(name)
	now := clk.Now().UTC()
	w := readings.Window{From: now.Add(-interval), To: now}

	for {
		if ctx.Err() != nil {
			return
		}
		cycle := uuid.NewString()
		s.update(i, func(st *TaskState) {
			st.State = Fetching
			st.Window = w
			st.Runs++
		})
		s.logger.Infow("starting fetch cycle",
			"source", name,
			"cycle", cycle,
			"window_from", w.From,
			"window_to", w.To,
		)

		err := task.Run(ctx, w)
		if err != nil && ctx.Err() != nil {
			return
		}

		var wait time.Duration
		if err != nil {
			s.metrics.FetchCycle(name, "failure")
			s.logger.Errorw("fetch cycle failed; retrying",
				"source", name,
				"cycle", cycle,
				"error", err,
				"retry_in", s.opts.RetryDelay.String(),
			)
			s.update(i, func(st *TaskState) {
				st.State = Failed
				st.LastError = err.Error()
				st.Failures++
			})
			wait = s.opts.RetryDelay
		} else {
			s.metrics.FetchCycle(name, "success")
			s.logger.Infow("fetch cycle done", "source", name, "cycle", cycle, "next_in", interval.String())
			s.update(i, func(st *TaskState) {
				st.State = Success
				st.LastError = ""
				st.LastSuccess = clk.Now().UTC()
			})
			wait = interval
		}

		s.update(i, func(st *TaskState) { st.State = Sleeping })
		if serr := clk.Sleep(ctx, wait); serr != nil {
			return
		}
		s.update(i, func(st *TaskState) { st.State = Idle })

		// A failed window is retried as is; after success the next one starts where it ended.
		if err == nil {
			w = readings.Window{From: w.To, To: clk.Now().UTC()}
		}
	}
}

// clock is the time source of one task loop.
type clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error { return sleepContext(ctx, d) }

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
