// Package worker hosts the agent's background loops: the build worker that
// drains the queue, and the periodic maintenance workers (container cleanup,
// log streaming, health monitoring, session sweeping).
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/easycicd/easycicd/pkg/build"
	"github.com/easycicd/easycicd/pkg/config"
	"github.com/easycicd/easycicd/pkg/deploy"
	"github.com/easycicd/easycicd/pkg/events"
	"github.com/easycicd/easycicd/pkg/log"
	"github.com/easycicd/easycicd/pkg/metrics"
	"github.com/easycicd/easycicd/pkg/queue"
	"github.com/easycicd/easycicd/pkg/storage"
	"github.com/easycicd/easycicd/pkg/types"
)

const pollInterval = time.Second

// BuildWorker drains the build queue. Builds for distinct projects run
// concurrently; the queue guarantees one in-flight build per project.
type BuildWorker struct {
	cfg      *config.Config
	store    storage.Store
	queue    *queue.Queue
	executor *build.Executor
	deployer *deploy.Deployer
	bus      *events.Bus
	logger   zerolog.Logger
}

func NewBuildWorker(cfg *config.Config, store storage.Store, q *queue.Queue, ex *build.Executor, dep *deploy.Deployer, bus *events.Bus) *BuildWorker {
	return &BuildWorker{
		cfg:      cfg,
		store:    store,
		queue:    q,
		executor: ex,
		deployer: dep,
		bus:      bus,
		logger:   log.WithComponent("build-worker"),
	}
}

// Run polls the queue until ctx is cancelled.
func (w *BuildWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		for {
			claimed, err := w.queue.Claim(ctx)
			if err != nil {
				w.logger.Error().Err(err).Msg("failed to claim build")
				break
			}
			if claimed == nil {
				break
			}
			go w.process(ctx, claimed)
		}
	}
}

func (w *BuildWorker) process(ctx context.Context, b *types.Build) {
	defer w.queue.Release(b.ProjectID)

	traceID := fmt.Sprintf("worker-%d-%s", b.ProjectID, uuid.NewString())
	logger := w.logger.With().
		Int64("project_id", b.ProjectID).
		Int64("build_id", b.ID).
		Str("trace_id", traceID).
		Logger()

	// Give a burst of webhook deliveries a moment to settle before the
	// checkout starts.
	time.Sleep(100 * time.Millisecond)

	project, err := w.store.GetProject(ctx, b.ProjectID)
	if err != nil {
		logger.Error().Err(err).Msg("project vanished, failing build")
		w.finalizeFailed(ctx, b, traceID)
		return
	}

	if _, err := w.executor.Execute(ctx, project, b, traceID); err != nil {
		logger.Error().Err(err).Msg("build failed")
		return
	}

	if err := w.deployer.Deploy(ctx, project, b, traceID); err != nil {
		logger.Error().Err(err).Msg("deployment failed")
		metrics.BuildsTotal.WithLabelValues(string(types.BuildFailed)).Inc()
		return
	}
	metrics.BuildsTotal.WithLabelValues(string(types.BuildSuccess)).Inc()
	logger.Info().Msg("build deployed")
}

// finalizeFailed is the safety net for failures outside executor/deployer,
// so no build is ever stuck in a non-terminal status.
func (w *BuildWorker) finalizeFailed(ctx context.Context, b *types.Build, traceID string) {
	if err := w.store.SetBuildStatus(ctx, b.ID, types.BuildFailed); err != nil {
		w.logger.Error().Err(err).Int64("build_id", b.ID).Msg("failed to finalize build")
	}
	w.bus.Publish(events.BuildStatusEvent{
		BuildID:   b.ID,
		ProjectID: b.ProjectID,
		Status:    types.BuildFailed,
		TraceID:   traceID,
		Timestamp: time.Now().UTC(),
	})
}
