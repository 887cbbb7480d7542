package jobs

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"
)

// CronRegistration binds a task to a cron spec on the scheduler.
type CronRegistration struct {
	Spec string
	Task *asynq.Task
	Opts []asynq.Option
}

// Worker hosts the asynq server and scheduler in one process.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
	logger    *slog.Logger
}

func NewWorker(redisOpt asynq.RedisClientOpt, concurrency int, logger *slog.Logger) *Worker {
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			"default": 5,
			"sweeps":  2,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.ErrorContext(ctx, "task failed",
				"type", task.Type(), "error", err)
		}),
	})
	// Cron specs run in the process timezone, pinned to UTC at startup.
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{})
	return &Worker{
		server:    server,
		mux:       asynq.NewServeMux(),
		scheduler: scheduler,
		logger:    logger,
	}
}

// Handle registers a handler for a task type.
func (w *Worker) Handle(taskType string, handler asynq.HandlerFunc) {
	w.mux.HandleFunc(taskType, handler)
}

// RegisterCron schedules recurring tasks.
func (w *Worker) RegisterCron(regs ...CronRegistration) error {
	for _, reg := range regs {
		entryID, err := w.scheduler.Register(reg.Spec, reg.Task, reg.Opts...)
		if err != nil {
			return err
		}
		w.logger.Info("cron registered",
			"entry_id", entryID, "spec", reg.Spec, "type", reg.Task.Type())
	}
	return nil
}

// Run serves tasks and the cron schedule until ctx is cancelled, then
// drains in-flight work.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.server.Run(w.mux)
	})
	g.Go(func() error {
		return w.scheduler.Run()
	})
	g.Go(func() error {
		<-gctx.Done()
		w.logger.Info("shutting down worker")
		w.scheduler.Shutdown()
		w.server.Shutdown()
		return nil
	})

	return g.Wait()
}
