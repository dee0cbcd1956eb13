package metrics

import (
	"context"
	"time"

	"github.com/easycicd/easycicd/pkg/queue"
	"github.com/easycicd/easycicd/pkg/storage"
)

// Collector refreshes the inventory gauges from the database.
type Collector struct {
	store  storage.Store
	queue  *queue.Queue
	stopCh chan struct{}
}

func NewCollector(store storage.Store, q *queue.Queue) *Collector {
	return &Collector{
		store:  store,
		queue:  q,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting on a 15s cadence until Stop is called.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if projects, err := c.store.ListProjects(ctx); err == nil {
		ProjectsTotal.Set(float64(len(projects)))
	}

	if containers, err := c.store.ListContainers(ctx); err == nil {
		byState := map[string]int{}
		for _, ctr := range containers {
			byState[string(ctr.Status)]++
		}
		ContainersTotal.Reset()
		for state, n := range byState {
			ContainersTotal.WithLabelValues(state).Set(float64(n))
		}
	}

	if depth, err := c.queue.Depth(ctx); err == nil {
		QueueDepth.Set(float64(depth))
	}
}
