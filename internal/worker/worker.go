package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/tally/internal/telemetry"
)

// Task is one unit of periodic maintenance.
type Task interface {
	Name() string
	Run(ctx context.Context) error
}

// Config holds worker configuration
type Config struct {
	// WorkerID uniquely identifies this worker instance in logs
	WorkerID string

	// Interval is how often every task runs
	Interval time.Duration

	// TaskTimeout bounds a single task run
	TaskTimeout time.Duration

	// RunOnStart runs the tasks once before the first tick
	RunOnStart bool

	// OnError is called for every failed task run. Defaults to reporting
	// the error to Sentry.
	OnError func(task string, err error)
}

// Worker runs maintenance tasks on a fixed interval
type Worker struct {
	config Config
	tasks  []Task
	logger *slog.Logger
}

// NewWorker creates a new maintenance worker
func NewWorker(config Config, logger *slog.Logger, tasks ...Task) *Worker {
	// Set defaults
	if config.WorkerID == "" {
		config.WorkerID = fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	}
	if config.Interval == 0 {
		config.Interval = time.Hour
	}
	if config.TaskTimeout == 0 {
		config.TaskTimeout = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.OnError == nil {
		workerID := config.WorkerID
		config.OnError = func(task string, err error) {
			telemetry.CaptureError(err, map[string]interface{}{"task": task, "worker_id": workerID})
		}
	}

	return &Worker{
		config: config,
		tasks:  tasks,
		logger: logger.With("worker_id", config.WorkerID),
	}
}

// Start runs the tasks until the context is cancelled. It returns nil on
// cancellation; task failures are logged and retried on the next tick.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("worker starting",
		"interval", w.config.Interval,
		"tasks", len(w.tasks),
	)

	if w.config.RunOnStart {
		w.RunOnce(ctx)
	}

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker shutting down")
			return nil
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce runs every task concurrently and waits for them to finish.
func (w *Worker) RunOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for _, task := range w.tasks {
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			w.run(ctx, task)
		}(task)
	}
	wg.Wait()
}

func (w *Worker) run(ctx context.Context, task Task) {
	taskCtx, cancel := context.WithTimeout(ctx, w.config.TaskTimeout)
	defer cancel()

	start := time.Now()
	if err := task.Run(taskCtx); err != nil {
		w.logger.Error("task failed",
			"task", task.Name(),
			"duration", time.Since(start),
			"error", err,
		)
		w.config.OnError(task.Name(), err)
		return
	}
	w.logger.Debug("task completed",
		"task", task.Name(),
		"duration", time.Since(start),
	)
}
