package worker

import (
	"bufio"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/easycicd/easycicd/pkg/events"
	"github.com/easycicd/easycicd/pkg/log"
	"github.com/easycicd/easycicd/pkg/runtime"
	"github.com/easycicd/easycicd/pkg/storage"
	"github.com/easycicd/easycicd/pkg/types"
)

const streamScanInterval = 5 * time.Second

// LogStreamer keeps one follower goroutine per running standalone container,
// fanning its log lines out onto the event bus.
type LogStreamer struct {
	store   storage.Store
	runtime runtime.Runtime
	bus     *events.Bus
	logger  zerolog.Logger

	mu        sync.Mutex
	following map[int64]context.CancelFunc
}

func NewLogStreamer(store storage.Store, rt runtime.Runtime, bus *events.Bus) *LogStreamer {
	return &LogStreamer{
		store:     store,
		runtime:   rt,
		bus:       bus,
		logger:    log.WithComponent("log-streamer"),
		following: make(map[int64]context.CancelFunc),
	}
}

func (w *LogStreamer) Run(ctx context.Context) error {
	ticker := time.NewTicker(streamScanInterval)
	defer ticker.Stop()

	for {
		if err := w.scan(ctx); err != nil {
			w.logger.Warn().Err(err).Msg("log stream scan failed")
		}
		select {
		case <-ctx.Done():
			w.stopAll()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// scan reconciles followers with the set of running containers.
func (w *LogStreamer) scan(ctx context.Context) error {
	containers, err := w.store.ListContainers(ctx)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	alive := map[int64]bool{}
	for _, c := range containers {
		if c.Status != types.ContainerRunning || c.DockerID == "" {
			continue
		}
		alive[c.ID] = true
		if _, ok := w.following[c.ID]; ok {
			continue
		}
		followCtx, cancel := context.WithCancel(ctx)
		w.following[c.ID] = cancel
		go w.follow(followCtx, c)
	}

	// Drop followers for containers that stopped or were deleted.
	for id, cancel := range w.following {
		if !alive[id] {
			cancel()
			delete(w.following, id)
		}
	}
	return nil
}

func (w *LogStreamer) follow(ctx context.Context, c *types.Container) {
	rc, err := w.runtime.StreamLogs(ctx, c.DockerID)
	if err != nil {
		w.logger.Warn().Err(err).Str("container", c.Name).Msg("failed to follow logs")
		w.forget(c.ID)
		return
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		w.bus.Publish(events.ContainerLogEvent{
			ContainerID: c.ID,
			Name:        c.Name,
			Line:        scanner.Text(),
			Timestamp:   time.Now().UTC(),
		})
	}
	w.forget(c.ID)
}

func (w *LogStreamer) forget(id int64) {
	w.mu.Lock()
	if cancel, ok := w.following[id]; ok {
		cancel()
		delete(w.following, id)
	}
	w.mu.Unlock()
}

func (w *LogStreamer) stopAll() {
	w.mu.Lock()
	for id, cancel := range w.following {
		cancel()
		delete(w.following, id)
	}
	w.mu.Unlock()
}
