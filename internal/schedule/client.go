package schedule

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/sells-group/lead-funnel/internal/config"
)

const (
	defaultTaskQueue = "lead-funnel"
	defaultCron      = "0 */6 * * *"
	// ScheduleID identifies the recurring sync schedule.
	ScheduleID = "lead-funnel-sync"
)

// Dial connects to the Temporal frontend named in cfg.
func Dial(cfg config.TemporalConfig) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, eris.Wrap(err, "schedule: dial temporal")
	}
	return c, nil
}

func taskQueue(cfg config.TemporalConfig) string {
	if cfg.TaskQueue == "" {
		return defaultTaskQueue
	}
	return cfg.TaskQueue
}

// Registrar is the part of a Temporal worker that accepts registrations.
type Registrar interface {
	RegisterWorkflow(w any)
	RegisterActivity(a any)
}

// Register adds the sync workflow and acts to r.
func Register(r Registrar, acts *Activities) {
	r.RegisterWorkflow(SyncWorkflow)
	r.RegisterActivity(acts)
}

// NewWorker creates a worker for the sync task queue with acts registered.
func NewWorker(c client.Client, cfg config.TemporalConfig, acts *Activities) worker.Worker {
	w := worker.New(c, taskQueue(cfg), worker.Options{})
	Register(w, acts)
	return w
}

// ScheduleOptions describes the recurring sync schedule for in.
func ScheduleOptions(cfg config.TemporalConfig, in SyncInput) client.ScheduleOptions {
	cron := cfg.Cron
	if cron == "" {
		cron = defaultCron
	}
	return client.ScheduleOptions{
		ID: ScheduleID,
		Spec: client.ScheduleSpec{
			CronExpressions: []string{cron},
		},
		Action: &client.ScheduleWorkflowAction{
			ID:        ScheduleID + "-run",
			Workflow:  SyncWorkflow,
			Args:      []any{in},
			TaskQueue: taskQueue(cfg),
		},
	}
}

// CreateSchedule registers the recurring sync. An existing schedule is left
// untouched and reported as created=false.
func CreateSchedule(ctx context.Context, c client.Client, cfg config.TemporalConfig, in SyncInput) (bool, error) {
	opts := ScheduleOptions(cfg, in)
	_, err := c.ScheduleClient().Create(ctx, opts)
	if errors.Is(err, temporal.ErrScheduleAlreadyRunning) {
		zap.L().Info("schedule: already registered", zap.String("id", opts.ID))
		return false, nil
	}
	if err != nil {
		return false, eris.Wrap(err, "schedule: create")
	}
	zap.L().Info("schedule: created",
		zap.String("id", opts.ID),
		zap.Strings("cron", opts.Spec.CronExpressions),
		zap.String("task_queue", taskQueue(cfg)),
	)
	return true, nil
}
