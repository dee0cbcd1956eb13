package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/easycicd/easycicd/pkg/events"
	"github.com/easycicd/easycicd/pkg/log"
	"github.com/easycicd/easycicd/pkg/runtime"
	"github.com/easycicd/easycicd/pkg/storage"
	"github.com/easycicd/easycicd/pkg/types"
)

const healthScanInterval = 10 * time.Second

// HealthMonitor watches managed containers and publishes an event when one
// changes between running and stopped. Last seen states live in memory, so
// a restart re-baselines silently instead of replaying stale transitions.
type HealthMonitor struct {
	store    storage.Store
	runtime  runtime.Runtime
	bus      *events.Bus
	interval time.Duration
	logger   zerolog.Logger

	slotState       map[string]bool // container name -> running
	standaloneState map[int64]bool  // container row id -> running
}

func NewHealthMonitor(store storage.Store, rt runtime.Runtime, bus *events.Bus) *HealthMonitor {
	return &HealthMonitor{
		store:           store,
		runtime:         rt,
		bus:             bus,
		interval:        healthScanInterval,
		logger:          log.WithComponent("health-monitor"),
		slotState:       make(map[string]bool),
		standaloneState: make(map[int64]bool),
	}
}

func (w *HealthMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := w.Check(ctx); err != nil {
			w.logger.Warn().Err(err).Msg("health scan failed")
		}
	}
}

// Check performs one scan over project slots and standalone containers.
func (w *HealthMonitor) Check(ctx context.Context) error {
	if err := w.checkProjects(ctx); err != nil {
		return err
	}
	return w.checkStandalone(ctx)
}

func (w *HealthMonitor) checkProjects(ctx context.Context) error {
	projects, err := w.store.ListProjects(ctx)
	if err != nil {
		return err
	}
	for _, p := range projects {
		for _, slot := range []types.Slot{types.SlotBlue, types.SlotGreen} {
			containerID := p.ContainerIDForSlot(slot)
			if containerID == "" {
				continue
			}
			name := p.SlotContainerName(slot)
			running := w.runtime.IsRunning(ctx, containerID)
			if last, seen := w.slotState[name]; seen && last == running {
				continue
			}
			w.slotState[name] = running

			status := "stopped"
			if running {
				status = "running"
			}
			w.bus.Publish(events.ContainerStatusEvent{
				ProjectID:     p.ID,
				ContainerName: name,
				Slot:          slot,
				Status:        status,
				Timestamp:     time.Now().UTC(),
			})
			if !running && slot == p.ActiveSlot {
				w.logger.Warn().Int64("project_id", p.ID).Str("slot", string(slot)).
					Msg("active slot container stopped")
			}
		}
	}
	return nil
}

func (w *HealthMonitor) checkStandalone(ctx context.Context) error {
	containers, err := w.store.ListContainers(ctx)
	if err != nil {
		return err
	}
	for _, c := range containers {
		if c.DockerID == "" {
			continue
		}
		running := w.runtime.IsRunning(ctx, c.DockerID)
		if last, seen := w.standaloneState[c.ID]; seen && last == running {
			continue
		}
		w.standaloneState[c.ID] = running

		state := types.ContainerStopped
		if running {
			state = types.ContainerRunning
		}
		if c.Status != state {
			if err := w.store.SetContainerStatus(ctx, c.ID, state, c.DockerID); err != nil {
				w.logger.Warn().Err(err).Str("container", c.Name).Msg("failed to record state")
				continue
			}
		}
		w.bus.Publish(events.StandaloneContainerStatusEvent{
			ContainerID: c.ID,
			Name:        c.Name,
			DockerID:    c.DockerID,
			Status:      string(state),
			Timestamp:   time.Now().UTC(),
		})
	}
	return nil
}
