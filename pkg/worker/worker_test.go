package worker

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easycicd/easycicd/pkg/events"
	"github.com/easycicd/easycicd/pkg/runtime"
	"github.com/easycicd/easycicd/pkg/storage"
	"github.com/easycicd/easycicd/pkg/types"
)

type stubRuntime struct {
	running    map[string]bool
	containers []runtime.ContainerInfo
	removed    []string
}

func newStubRuntime() *stubRuntime {
	return &stubRuntime{running: map[string]bool{}}
}

func (s *stubRuntime) EnsureImage(context.Context, string) error { return nil }
func (s *stubRuntime) RunBuild(context.Context, runtime.BuildConfig) (*runtime.BuildResult, error) {
	return &runtime.BuildResult{}, nil
}
func (s *stubRuntime) RunRuntime(context.Context, runtime.RuntimeConfig) (string, error) {
	return "", nil
}
func (s *stubRuntime) IsRunning(_ context.Context, id string) bool { return s.running[id] }
func (s *stubRuntime) Stop(context.Context, string, time.Duration) error {
	return nil
}
func (s *stubRuntime) Remove(_ context.Context, id string) error {
	s.removed = append(s.removed, id)
	return nil
}
func (s *stubRuntime) StreamLogs(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(nil), nil
}
func (s *stubRuntime) Logs(context.Context, string) ([]byte, error) {
	return nil, nil
}
func (s *stubRuntime) CreateExec(context.Context, string, []string) (string, *runtime.ExecSession, error) {
	return "", nil, nil
}
func (s *stubRuntime) ResizeTTY(context.Context, string, uint, uint) error { return nil }
func (s *stubRuntime) ListAll(context.Context) ([]runtime.ContainerInfo, error) {
	return s.containers, nil
}
func (s *stubRuntime) EnsureNetwork(context.Context, string) error { return nil }
func (s *stubRuntime) Close() error                                { return nil }

func newTestStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCleanupRemovesOnlyOrphanedStoppedContainers(t *testing.T) {
	store := newTestStore(t)
	rt := newStubRuntime()
	ctx := context.Background()

	project := &types.Project{
		Name: "hello", Repo: "octocat/hello", Branch: "main", PathFilter: "**",
		BuildImage: "alpine", BuildCommand: "true",
		RuntimeImage: "nginx:alpine", RuntimePort: 8080,
	}
	require.NoError(t, store.CreateProject(ctx, project))
	ctr := &types.Container{Name: "redis", Image: "redis:7", ContainerPort: 6379}
	require.NoError(t, store.CreateContainer(ctx, ctr))

	rt.containers = []runtime.ContainerInfo{
		// Stopped build container: always garbage.
		{ID: "c1", Name: "build-42", State: "exited"},
		// Running containers are never touched.
		{ID: "c2", Name: "build-43", State: "running", Running: true},
		// Slot container with a live project row stays.
		{ID: "c3", Name: project.SlotContainerName(types.SlotBlue), State: "exited"},
		// Slot container for a deleted project goes.
		{ID: "c4", Name: "project-999-green", State: "exited"},
		// Standalone container with a live row stays.
		{ID: "c5", Name: ctr.RuntimeName(), State: "exited"},
		// Standalone container without a row goes.
		{ID: "c6", Name: "container-ghost", State: "exited"},
		// Foreign containers are out of scope.
		{ID: "c7", Name: "someone-elses-db", State: "exited"},
	}

	w := NewCleanupWorker(store, rt)
	require.NoError(t, w.Sweep(ctx))
	assert.ElementsMatch(t, []string{"c1", "c4", "c6"}, rt.removed)
}

func TestHealthMonitorPublishesTransitionsOnly(t *testing.T) {
	store := newTestStore(t)
	rt := newStubRuntime()
	bus := events.NewBus(64)
	t.Cleanup(bus.Close)
	ctx := context.Background()

	project := &types.Project{
		Name: "hello", Repo: "octocat/hello", Branch: "main", PathFilter: "**",
		BuildImage: "alpine", BuildCommand: "true",
		RuntimeImage: "nginx:alpine", RuntimePort: 8080,
	}
	require.NoError(t, store.CreateProject(ctx, project))
	require.NoError(t, store.SetSlotContainer(ctx, project.ID, types.SlotBlue, "blue-id"))
	rt.running["blue-id"] = true

	sub := bus.Subscribe()
	w := NewHealthMonitor(store, rt, bus)

	// First scan baselines the state and reports it once.
	require.NoError(t, w.Check(ctx))
	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	statusEv, ok := ev.(events.ContainerStatusEvent)
	require.True(t, ok)
	assert.Equal(t, "running", statusEv.Status)

	// No change, no event.
	require.NoError(t, w.Check(ctx))

	// The container dies: exactly one transition event.
	rt.running["blue-id"] = false
	require.NoError(t, w.Check(ctx))

	ev, err = sub.Next(ctx)
	require.NoError(t, err)
	statusEv, ok = ev.(events.ContainerStatusEvent)
	require.True(t, ok)
	assert.Equal(t, "stopped", statusEv.Status)
	assert.Equal(t, types.SlotBlue, statusEv.Slot)
}

func TestHealthMonitorUpdatesStandaloneRows(t *testing.T) {
	store := newTestStore(t)
	rt := newStubRuntime()
	bus := events.NewBus(64)
	t.Cleanup(bus.Close)
	ctx := context.Background()

	ctr := &types.Container{Name: "redis", Image: "redis:7", ContainerPort: 6379}
	require.NoError(t, store.CreateContainer(ctx, ctr))
	require.NoError(t, store.SetContainerStatus(ctx, ctr.ID, types.ContainerRunning, "redis-id"))
	rt.running["redis-id"] = false

	w := NewHealthMonitor(store, rt, bus)
	require.NoError(t, w.Check(ctx))

	got, err := store.GetContainer(ctx, ctr.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStopped, got.Status)
}
