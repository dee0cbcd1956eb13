// Package deploy implements the blue/green cutover. A deployment always
// targets the inactive slot; traffic switches only after the new container
// passes the health gate, and a failed deployment leaves the active slot
// untouched.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/easycicd/easycicd/pkg/build"
	"github.com/easycicd/easycicd/pkg/config"
	"github.com/easycicd/easycicd/pkg/events"
	"github.com/easycicd/easycicd/pkg/log"
	"github.com/easycicd/easycicd/pkg/metrics"
	"github.com/easycicd/easycicd/pkg/runtime"
	"github.com/easycicd/easycicd/pkg/storage"
	"github.com/easycicd/easycicd/pkg/types"
)

const (
	healthAttempts = 10
	healthInterval = 2 * time.Second
	stopGrace      = 10 * time.Second
)

// ErrHealthGateTimeout means the new container never reached a running state
// within the health gate window.
var ErrHealthGateTimeout = errors.New("new container failed health gate")

// ErrNoRollbackTarget means the named build cannot be rolled back to: it was
// never deployed, or its artifact is gone from disk.
var ErrNoRollbackTarget = errors.New("no previous deployment to roll back to")

// Deployer performs slot cutovers and rollbacks for projects.
type Deployer struct {
	cfg     *config.Config
	store   storage.Store
	runtime runtime.Runtime
	bus     *events.Bus
	logger  zerolog.Logger

	// Health gate pacing, shortened in tests.
	healthAttempts int
	healthInterval time.Duration
}

func NewDeployer(cfg *config.Config, store storage.Store, rt runtime.Runtime, bus *events.Bus) *Deployer {
	return &Deployer{
		cfg:            cfg,
		store:          store,
		runtime:        rt,
		bus:            bus,
		logger:         log.WithComponent("deploy"),
		healthAttempts: healthAttempts,
		healthInterval: healthInterval,
	}
}

// Deploy rolls the build's artifact onto the project's inactive slot.
// On success the build is marked deployed and the old slot is torn down.
// On failure the old slot keeps serving and the build is marked Failed.
func (d *Deployer) Deploy(ctx context.Context, project *types.Project, b *types.Build, traceID string) error {
	target := project.ActiveSlot.Opposite()
	logger := d.logger.With().
		Int64("project_id", project.ID).
		Int64("build_id", b.ID).
		Str("slot", string(target)).
		Str("trace_id", traceID).
		Logger()

	sink, err := build.NewDeployLogSink(
		d.cfg.DeployLogPath(project.ID, b.BuildNumber), d.bus, b.ID, traceID)
	if err != nil {
		return err
	}
	defer sink.Close()

	d.publishDeployment(project, b, "deploying", target, traceID)
	sink.Linef("Deploying build #%d to %s slot", b.BuildNumber, target.Lower())

	if err := d.cutover(ctx, project, b, b.OutputPath, target, traceID, sink, logger); err != nil {
		return d.fail(ctx, project, b, target, sink, traceID, err)
	}
	if err := d.store.SetBuildDeployed(ctx, b.ID, target); err != nil {
		return d.fail(ctx, project, b, target, sink, traceID, err)
	}

	sink.Linef("Deployment complete, %s slot is live", target.Lower())
	metrics.DeploymentsTotal.WithLabelValues("success").Inc()
	d.publishDeployment(project, b, string(types.BuildSuccess), target, traceID)
	d.bus.Publish(events.BuildStatusEvent{
		BuildID:   b.ID,
		ProjectID: project.ID,
		Status:    types.BuildSuccess,
		TraceID:   traceID,
		Timestamp: time.Now().UTC(),
	})
	logger.Info().Msg("deployment succeeded")
	return nil
}

// Rollback redeploys a previously deployed build from its stored artifact.
// It runs the same cutover as Deploy: a fresh container on the inactive slot,
// the health gate, a single slot switch, then old-slot teardown. The target
// build's row is left untouched, so the operation can be repeated; rolling
// back to the build whose slot is already live is a no-op.
func (d *Deployer) Rollback(ctx context.Context, project *types.Project, b *types.Build, traceID string) error {
	if b.ProjectID != project.ID {
		return fmt.Errorf("%w: build #%d belongs to another project", ErrNoRollbackTarget, b.BuildNumber)
	}
	if b.DeployedSlot == nil {
		return fmt.Errorf("%w: build #%d was never deployed", ErrNoRollbackTarget, b.BuildNumber)
	}
	if b.OutputPath == "" {
		return fmt.Errorf("%w: build #%d has no artifact", ErrNoRollbackTarget, b.BuildNumber)
	}
	if _, err := os.Stat(b.OutputPath); err != nil {
		return fmt.Errorf("%w: artifact for build #%d is gone", ErrNoRollbackTarget, b.BuildNumber)
	}

	// Already serving this build's slot with a live container.
	if project.ActiveSlot == *b.DeployedSlot &&
		d.runtime.IsRunning(ctx, project.ContainerIDForSlot(project.ActiveSlot)) {
		return nil
	}

	target := project.ActiveSlot.Opposite()
	logger := d.logger.With().
		Int64("project_id", project.ID).
		Int64("build_id", b.ID).
		Str("slot", string(target)).
		Str("trace_id", traceID).
		Logger()

	sink, err := build.NewDeployLogSink(
		d.cfg.DeployLogPath(project.ID, b.BuildNumber), d.bus, b.ID, traceID)
	if err != nil {
		return err
	}
	defer sink.Close()

	d.publishDeployment(project, b, "rolling back", target, traceID)
	sink.Linef("Rolling back to build #%d on %s slot", b.BuildNumber, target.Lower())

	if err := d.cutover(ctx, project, b, b.OutputPath, target, traceID, sink, logger); err != nil {
		return d.failRollback(project, b, target, sink, traceID, err)
	}

	sink.Linef("Rollback complete, %s slot is live", target.Lower())
	metrics.RollbacksTotal.Inc()
	d.publishDeployment(project, b, "Rollback Success", target, traceID)
	logger.Info().Msg("rolled back")
	return nil
}

// cutover starts a fresh container for artifactDir on the target slot, gates
// it on health, switches traffic over and tears down the previously active
// slot. On any error the active slot keeps serving.
func (d *Deployer) cutover(ctx context.Context, project *types.Project, b *types.Build, artifactDir string, target types.Slot, traceID string, sink *build.LogSink, logger zerolog.Logger) error {
	// Clear out whatever is left in the target slot from an earlier cycle.
	if old := project.ContainerIDForSlot(target); old != "" {
		sink.Linef("Removing stale %s container", target.Lower())
		if err := d.stopAndRemove(ctx, old); err != nil {
			return err
		}
	}

	name := project.SlotContainerName(target)
	sink.Linef("Starting container %s on port %d", name, project.PortForSlot(target))
	containerID, err := d.runtime.RunRuntime(ctx, runtime.RuntimeConfig{
		Name:          name,
		Image:         project.RuntimeImage,
		Command:       project.RuntimeCommand,
		ArtifactDir:   artifactDir,
		HostPort:      project.PortForSlot(target),
		ContainerPort: project.RuntimePort,
		Network:       d.cfg.DockerNetwork,
	})
	if err != nil {
		return err
	}
	if err := d.store.SetSlotContainer(ctx, project.ID, target, containerID); err != nil {
		return err
	}
	d.bus.Publish(events.ContainerStatusEvent{
		ProjectID:     project.ID,
		ContainerName: name,
		Slot:          target,
		Status:        "starting",
		Timestamp:     time.Now().UTC(),
	})

	if err := d.healthGate(ctx, project, b, containerID, traceID, sink); err != nil {
		sink.Line("Health gate failed, keeping current slot active")
		if rmErr := d.stopAndRemove(ctx, containerID); rmErr != nil {
			logger.Warn().Err(rmErr).Msg("failed to tear down unhealthy container")
		}
		if dbErr := d.store.SetSlotContainer(ctx, project.ID, target, ""); dbErr != nil {
			logger.Warn().Err(dbErr).Msg("failed to clear slot container")
		}
		return err
	}

	// Single UPDATE: the proxy sees either the old slot or the new one.
	if err := d.store.SetActiveSlot(ctx, project.ID, target); err != nil {
		return err
	}

	oldSlot := target.Opposite()
	if oldID := project.ContainerIDForSlot(oldSlot); oldID != "" {
		sink.Linef("Tearing down old %s container", oldSlot.Lower())
		if err := d.stopAndRemove(ctx, oldID); err != nil {
			logger.Warn().Err(err).Msg("failed to tear down old slot")
		}
		if err := d.store.SetSlotContainer(ctx, project.ID, oldSlot, ""); err != nil {
			logger.Warn().Err(err).Msg("failed to clear old slot container")
		}
	}

	project.ActiveSlot = target
	return nil
}

// healthGate polls the new container until it is running, emitting one
// event per attempt.
func (d *Deployer) healthGate(ctx context.Context, project *types.Project, b *types.Build, containerID, traceID string, sink *build.LogSink) error {
	for attempt := 1; attempt <= d.healthAttempts; attempt++ {
		metrics.HealthCheckAttempts.Inc()
		running := d.runtime.IsRunning(ctx, containerID)

		status := "waiting"
		if running {
			status = "healthy"
		}
		d.bus.Publish(events.HealthCheckEvent{
			ProjectID:   project.ID,
			BuildID:     b.ID,
			Attempt:     attempt,
			MaxAttempts: d.healthAttempts,
			Status:      status,
			URL:         project.HealthCheckURL,
			TraceID:     traceID,
			Timestamp:   time.Now().UTC(),
		})
		sink.Linef("Health check %d/%d: %s", attempt, d.healthAttempts, status)

		if running {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.healthInterval):
		}
	}
	return ErrHealthGateTimeout
}

func (d *Deployer) fail(ctx context.Context, project *types.Project, b *types.Build, target types.Slot, sink *build.LogSink, traceID string, err error) error {
	sink.Linef("Deployment failed: %v", err)
	metrics.DeploymentsTotal.WithLabelValues("failed").Inc()
	if dbErr := d.store.SetBuildStatus(ctx, b.ID, types.BuildFailed); dbErr != nil {
		d.logger.Error().Err(dbErr).Int64("build_id", b.ID).Msg("failed to mark build failed")
	}
	d.publishDeployment(project, b, string(types.BuildFailed), target, traceID)
	d.bus.Publish(events.BuildStatusEvent{
		BuildID:   b.ID,
		ProjectID: project.ID,
		Status:    types.BuildFailed,
		TraceID:   traceID,
		Timestamp: time.Now().UTC(),
	})
	d.bus.Publish(events.ErrorEvent{
		ProjectID: &project.ID,
		BuildID:   &b.ID,
		Message:   err.Error(),
		TraceID:   traceID,
		Timestamp: time.Now().UTC(),
	})
	return err
}

// failRollback mirrors fail but never touches the target build's row: the
// build being rolled back to stays a Success with its original slot.
func (d *Deployer) failRollback(project *types.Project, b *types.Build, target types.Slot, sink *build.LogSink, traceID string, err error) error {
	sink.Linef("Rollback failed: %v", err)
	metrics.DeploymentsTotal.WithLabelValues("failed").Inc()
	d.publishDeployment(project, b, "Rollback Failed", target, traceID)
	d.bus.Publish(events.ErrorEvent{
		ProjectID: &project.ID,
		BuildID:   &b.ID,
		Message:   err.Error(),
		TraceID:   traceID,
		Timestamp: time.Now().UTC(),
	})
	return err
}

func (d *Deployer) stopAndRemove(ctx context.Context, containerID string) error {
	if err := d.runtime.Stop(ctx, containerID, stopGrace); err != nil {
		return err
	}
	return d.runtime.Remove(ctx, containerID)
}

func (d *Deployer) publishDeployment(project *types.Project, b *types.Build, status string, slot types.Slot, traceID string) {
	d.bus.Publish(events.DeploymentEvent{
		ProjectID:   project.ID,
		ProjectName: project.Name,
		BuildID:     b.ID,
		Status:      status,
		Slot:        slot,
		URL:         d.projectURL(project),
		TraceID:     traceID,
		Timestamp:   time.Now().UTC(),
	})
}

func (d *Deployer) projectURL(project *types.Project) string {
	if d.cfg.BaseDomain == "" {
		return ""
	}
	return fmt.Sprintf("http://%s-app.%s", project.Name, d.cfg.BaseDomain)
}
