// Package scheduler runs named jobs on fixed intervals.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/notemarket/internal/logging"
	"github.com/mbd888/notemarket/internal/metrics"
)

// ErrUnknownJob is returned by RunNow for a name that was never registered.
var ErrUnknownJob = errors.New("scheduler: unknown job")

// Job is one unit of periodic work. A returned error is logged and counted;
// it does not stop future runs.
type Job func(ctx context.Context) error

// Scheduler registers periodic jobs.
type Scheduler interface {
	Every(name string, interval time.Duration, job Job)
}

type task struct {
	name     string
	interval time.Duration
	job      Job
	mu       sync.Mutex // one run at a time per task
	running  atomic.Bool
	lastErr  atomic.Value // string
}

// Ticker is a Scheduler backed by one time.Ticker per job.
type Ticker struct {
	logger  *slog.Logger
	mu      sync.Mutex
	tasks   map[string]*task
	order   []string
	stop    chan struct{}
	stopped sync.Once
	started atomic.Bool
}

// New creates a Ticker.
func New(logger *slog.Logger) *Ticker {
	return &Ticker{
		logger: logging.OrDefault(logger),
		tasks:  make(map[string]*task),
		stop:   make(chan struct{}),
	}
}

// Every registers job to run every interval once Start is called. Jobs
// registered after Start are not scheduled, but RunNow still reaches them.
// Registering a name twice replaces the earlier job.
func (t *Ticker) Every(name string, interval time.Duration, job Job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.tasks[name]; !exists {
		t.order = append(t.order, name)
	}
	t.tasks[name] = &task{name: name, interval: interval, job: job}
}

// Start runs every registered job on its interval until ctx is done or Stop
// is called. It blocks; call it in a goroutine.
func (t *Ticker) Start(ctx context.Context) {
	if !t.started.CompareAndSwap(false, true) {
		return
	}

	t.mu.Lock()
	tasks := make([]*task, 0, len(t.order))
	for _, name := range t.order {
		tasks = append(tasks, t.tasks[name])
	}
	t.mu.Unlock()

	var wg sync.WaitGroup
	for _, tk := range tasks {
		wg.Add(1)
		go func(tk *task) {
			defer wg.Done()
			t.loop(ctx, tk)
		}(tk)
	}
	wg.Wait()
}

// Stop signals every job loop to exit. Runs in progress finish first.
func (t *Ticker) Stop() {
	t.stopped.Do(func() { close(t.stop) })
}

// Running reports whether the loop for name is active.
func (t *Ticker) Running(name string) bool {
	t.mu.Lock()
	tk, ok := t.tasks[name]
	t.mu.Unlock()
	return ok && tk.running.Load()
}

// LastError returns the error message of the most recent failed run of
// name, or "" after a successful run.
func (t *Ticker) LastError(name string) string {
	t.mu.Lock()
	tk, ok := t.tasks[name]
	t.mu.Unlock()
	if !ok {
		return ""
	}
	s, _ := tk.lastErr.Load().(string)
	return s
}

// RunNow runs name synchronously, waiting for any scheduled run of the same
// job to finish first.
func (t *Ticker) RunNow(ctx context.Context, name string) error {
	t.mu.Lock()
	tk, ok := t.tasks[name]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return t.safeRun(ctx, tk)
}

func (t *Ticker) loop(ctx context.Context, tk *task) {
	tk.running.Store(true)
	defer tk.running.Store(false)

	ticker := time.NewTicker(tk.interval)
	defer ticker.Stop()

	t.logger.Info("scheduled job started", "job", tk.name, "interval", tk.interval.String())
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			_ = t.safeRun(ctx, tk)
		}
	}
}

func (t *Ticker) safeRun(ctx context.Context, tk *task) (err error) {
	tk.mu.Lock()
	defer tk.mu.Unlock()

	ctx = logging.WithJob(ctx, tk.name)
	logger := logging.Enrich(ctx, t.logger)
	start := time.Now()
	result := "ok"

	defer func() {
		if r := recover(); r != nil {
			result = "panic"
			err = fmt.Errorf("job %s panicked: %v", tk.name, r)
			logger.Error("panic in scheduled job", "panic", fmt.Sprint(r))
		}
		if err != nil {
			tk.lastErr.Store(err.Error())
		} else {
			tk.lastErr.Store("")
		}
		metrics.ObserveJob(tk.name, result, time.Since(start))
	}()

	if err = tk.job(ctx); err != nil {
		result = "error"
		logger.Warn("scheduled job failed", "error", err)
	}
	return err
}

var _ Scheduler = (*Ticker)(nil)
