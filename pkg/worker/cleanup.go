package worker

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/easycicd/easycicd/pkg/log"
	"github.com/easycicd/easycicd/pkg/runtime"
	"github.com/easycicd/easycicd/pkg/storage"
)

const cleanupInterval = 30 * time.Minute

var (
	buildNameRe   = regexp.MustCompile(`^build-\d+$`)
	projectNameRe = regexp.MustCompile(`^project-(\d+)-(blue|green)$`)
)

// CleanupWorker removes containers the agent created but no longer needs:
// leftover build containers and stopped slot or standalone containers whose
// owning row is gone. Containers it does not recognize are never touched.
type CleanupWorker struct {
	store    storage.Store
	runtime  runtime.Runtime
	interval time.Duration
	logger   zerolog.Logger
}

func NewCleanupWorker(store storage.Store, rt runtime.Runtime) *CleanupWorker {
	return &CleanupWorker{
		store:    store,
		runtime:  rt,
		interval: cleanupInterval,
		logger:   log.WithComponent("cleanup"),
	}
}

func (w *CleanupWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := w.Sweep(ctx); err != nil {
			w.logger.Warn().Err(err).Msg("cleanup sweep failed")
		}
	}
}

// Sweep inspects every container on the daemon once.
func (w *CleanupWorker) Sweep(ctx context.Context) error {
	containers, err := w.runtime.ListAll(ctx)
	if err != nil {
		return err
	}

	for _, c := range containers {
		if c.Running {
			continue
		}
		remove, err := w.orphaned(ctx, c.Name)
		if err != nil {
			w.logger.Warn().Err(err).Str("container", c.Name).Msg("skipping container")
			continue
		}
		if !remove {
			continue
		}
		if err := w.runtime.Remove(ctx, c.ID); err != nil {
			w.logger.Warn().Err(err).Str("container", c.Name).Msg("failed to remove")
			continue
		}
		w.logger.Info().Str("container", c.Name).Msg("removed orphaned container")
	}
	return nil
}

// orphaned classifies a stopped container by name. Build containers are
// always garbage once stopped; slot and standalone containers only when
// their database row no longer exists.
func (w *CleanupWorker) orphaned(ctx context.Context, name string) (bool, error) {
	if buildNameRe.MatchString(name) {
		return true, nil
	}

	if m := projectNameRe.FindStringSubmatch(name); m != nil {
		projectID, _ := strconv.ParseInt(m[1], 10, 64)
		_, err := w.store.GetProject(ctx, projectID)
		if errors.Is(err, storage.ErrNotFound) {
			return true, nil
		}
		return false, err
	}

	if strings.HasPrefix(name, "container-") {
		_, err := w.store.GetContainerByName(ctx, strings.TrimPrefix(name, "container-"))
		if errors.Is(err, storage.ErrNotFound) {
			return true, nil
		}
		return false, err
	}

	return false, nil
}
