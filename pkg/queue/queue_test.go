package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easycicd/easycicd/pkg/storage"
	"github.com/easycicd/easycicd/pkg/types"
)

func newTestQueue(t *testing.T) (*Queue, *storage.SQLiteStore) {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store), store
}

func seedProject(t *testing.T, store *storage.SQLiteStore, name string) *types.Project {
	t.Helper()
	project := &types.Project{
		Name: name, Repo: "octocat/hello", Branch: "main", PathFilter: "**",
		BuildImage: "alpine", BuildCommand: "true",
		RuntimeImage: "nginx:alpine", RuntimePort: 8080,
	}
	require.NoError(t, store.CreateProject(context.Background(), project))
	return project
}

func seedBuild(t *testing.T, store *storage.SQLiteStore, projectID int64) *types.Build {
	t.Helper()
	build := &types.Build{ProjectID: projectID}
	require.NoError(t, store.CreateBuild(context.Background(), build))
	return build
}

func TestClaimIsFIFOPerProject(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()
	project := seedProject(t, store, "hello")

	first := seedBuild(t, store, project.ID)
	seedBuild(t, store, project.ID)

	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)

	// Same project is busy, so the second build stays queued.
	next, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
	assert.True(t, q.Processing(project.ID))
}

func TestClaimSkipsBusyProjectButServesOthers(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()
	a := seedProject(t, store, "a")
	b := seedProject(t, store, "b")

	seedBuild(t, store, a.ID)
	otherBuild := seedBuild(t, store, b.ID)

	_, err := q.Claim(ctx)
	require.NoError(t, err)

	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, otherBuild.ID, claimed.ID)
	assert.ElementsMatch(t, []int64{a.ID, b.ID}, q.ProcessingProjects())
}

func TestReleaseAllowsNextBuild(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()
	project := seedProject(t, store, "hello")

	first := seedBuild(t, store, project.ID)
	second := seedBuild(t, store, project.ID)

	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, store.SetBuildStatus(ctx, claimed.ID, types.BuildFailed))
	q.Release(project.ID)

	next, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, second.ID, next.ID)
	assert.NotEqual(t, first.ID, next.ID)
}

func TestDepthCountsQueuedOnly(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()
	project := seedProject(t, store, "hello")

	seedBuild(t, store, project.ID)
	done := seedBuild(t, store, project.ID)
	require.NoError(t, store.SetBuildStatus(ctx, done.ID, types.BuildSuccess))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}
