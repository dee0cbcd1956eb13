// Package queue serializes builds per project. Each project runs at most
// one build at a time; builds for different projects proceed in parallel.
package queue

import (
	"context"
	"sort"
	"sync"

	"github.com/easycicd/easycicd/pkg/storage"
	"github.com/easycicd/easycicd/pkg/types"
)

// Queue claims queued builds out of the database, oldest first, skipping
// projects that already have a build in flight. The in-flight set lives in
// memory; queued builds themselves are durable rows.
type Queue struct {
	mu         sync.Mutex
	store      storage.BuildStore
	processing map[int64]bool
}

func New(store storage.BuildStore) *Queue {
	return &Queue{
		store:      store,
		processing: make(map[int64]bool),
	}
}

// Claim returns the oldest queued build whose project is idle and marks the
// project as processing. Returns nil when nothing is claimable.
func (q *Queue) Claim(ctx context.Context) (*types.Build, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	queued, err := q.store.ListQueuedBuilds(ctx)
	if err != nil {
		return nil, err
	}
	for _, build := range queued {
		if q.processing[build.ProjectID] {
			continue
		}
		q.processing[build.ProjectID] = true
		return build, nil
	}
	return nil, nil
}

// Release marks the project idle again. Must be called when the claimed
// build reaches a terminal status.
func (q *Queue) Release(projectID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, projectID)
}

// Processing reports whether the project has a build in flight.
func (q *Queue) Processing(projectID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing[projectID]
}

// ProcessingProjects returns the ids of projects with a build in flight,
// sorted for stable output.
func (q *Queue) ProcessingProjects() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]int64, 0, len(q.processing))
	for id := range q.processing {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Depth returns how many builds are waiting in the queue.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	queued, err := q.store.ListQueuedBuilds(ctx)
	if err != nil {
		return 0, err
	}
	return len(queued), nil
}
