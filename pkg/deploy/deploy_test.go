package deploy

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easycicd/easycicd/pkg/config"
	"github.com/easycicd/easycicd/pkg/events"
	"github.com/easycicd/easycicd/pkg/runtime"
	"github.com/easycicd/easycicd/pkg/storage"
	"github.com/easycicd/easycicd/pkg/types"
)

// fakeRuntime records lifecycle calls instead of talking to a daemon.
type fakeRuntime struct {
	running         map[string]bool
	runningOverride *bool
	started         []runtime.RuntimeConfig
	removed         []string
	startErr        error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{running: map[string]bool{}}
}

func (f *fakeRuntime) EnsureImage(context.Context, string) error { return nil }

func (f *fakeRuntime) RunBuild(context.Context, runtime.BuildConfig) (*runtime.BuildResult, error) {
	return &runtime.BuildResult{}, nil
}

func (f *fakeRuntime) RunRuntime(_ context.Context, cfg runtime.RuntimeConfig) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	id := cfg.Name + "-docker"
	f.started = append(f.started, cfg)
	f.running[id] = true
	return id, nil
}

func (f *fakeRuntime) IsRunning(_ context.Context, id string) bool {
	if f.runningOverride != nil {
		return *f.runningOverride
	}
	return f.running[id]
}

func (f *fakeRuntime) Stop(_ context.Context, id string, _ time.Duration) error {
	f.running[id] = false
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, id string) error {
	delete(f.running, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeRuntime) StreamLogs(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(nil), nil
}

func (f *fakeRuntime) Logs(context.Context, string) ([]byte, error) {
	return nil, nil
}

func (f *fakeRuntime) CreateExec(context.Context, string, []string) (string, *runtime.ExecSession, error) {
	return "", nil, nil
}

func (f *fakeRuntime) ResizeTTY(context.Context, string, uint, uint) error { return nil }

func (f *fakeRuntime) ListAll(context.Context) ([]runtime.ContainerInfo, error) { return nil, nil }

func (f *fakeRuntime) EnsureNetwork(context.Context, string) error { return nil }

func (f *fakeRuntime) Close() error { return nil }

func newTestDeployer(t *testing.T) (*Deployer, *storage.SQLiteStore, *fakeRuntime, *config.Config) {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{DataDir: t.TempDir(), BaseDomain: "example.dev"}
	cfg.ApplyDefaults()

	rt := newFakeRuntime()
	bus := events.NewBus(64)
	t.Cleanup(bus.Close)

	d := NewDeployer(cfg, store, rt, bus)
	d.healthAttempts = 3
	d.healthInterval = time.Millisecond
	return d, store, rt, cfg
}

func seed(t *testing.T, store *storage.SQLiteStore) (*types.Project, *types.Build) {
	t.Helper()
	ctx := context.Background()
	project := &types.Project{
		Name: "hello", Repo: "octocat/hello", Branch: "main", PathFilter: "**",
		BuildImage: "node:22", BuildCommand: "npm run build",
		RuntimeImage: "nginx:alpine", RuntimePort: 8080, HealthCheckURL: "/health",
	}
	require.NoError(t, store.CreateProject(ctx, project))

	return project, seedBuild(t, store, project)
}

// seedBuild creates a built-but-undeployed build with an artifact on disk.
func seedBuild(t *testing.T, store *storage.SQLiteStore, project *types.Project) *types.Build {
	t.Helper()
	ctx := context.Background()
	b := &types.Build{ProjectID: project.ID, OutputPath: t.TempDir()}
	require.NoError(t, store.CreateBuild(ctx, b))
	require.NoError(t, store.SetBuildStatus(ctx, b.ID, types.BuildBuilding))
	require.NoError(t, store.SetBuildOutput(ctx, b.ID, b.OutputPath))
	return b
}

func TestDeployCutsOverToInactiveSlot(t *testing.T) {
	d, store, rt, cfg := newTestDeployer(t)
	ctx := context.Background()
	project, b := seed(t, store)

	require.NoError(t, d.Deploy(ctx, project, b, "trace-1"))

	got, err := store.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SlotGreen, got.ActiveSlot)
	assert.NotEmpty(t, got.GreenContainerID)

	gotBuild, err := store.GetBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BuildSuccess, gotBuild.Status)
	require.NotNil(t, gotBuild.DeployedSlot)
	assert.Equal(t, types.SlotGreen, *gotBuild.DeployedSlot)

	require.Len(t, rt.started, 1)
	started := rt.started[0]
	assert.Equal(t, got.SlotContainerName(types.SlotGreen), started.Name)
	assert.Equal(t, project.GreenPort, started.HostPort)
	assert.Equal(t, b.OutputPath, started.ArtifactDir)
	assert.Equal(t, cfg.DockerNetwork, started.Network)

	logData, err := os.ReadFile(cfg.DeployLogPath(project.ID, b.BuildNumber))
	require.NoError(t, err)
	assert.Contains(t, string(logData), "[DEPLOY] Deploying build")
}

func TestDeployFailedHealthGateKeepsOldSlot(t *testing.T) {
	d, store, rt, _ := newTestDeployer(t)
	ctx := context.Background()
	project, b := seed(t, store)

	// Every container the fake starts is immediately not running.
	rt.runningOverride = boolPtr(false)
	d.healthAttempts = 2

	err := d.Deploy(ctx, project, b, "trace-1")
	assert.ErrorIs(t, err, ErrHealthGateTimeout)

	got, err := store.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SlotBlue, got.ActiveSlot)
	assert.Empty(t, got.GreenContainerID)

	gotBuild, err := store.GetBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BuildFailed, gotBuild.Status)
	assert.Len(t, rt.removed, 1)
}

func TestDeployTearsDownOldSlot(t *testing.T) {
	d, store, rt, _ := newTestDeployer(t)
	ctx := context.Background()
	project, b := seed(t, store)

	// Simulate an earlier deployment still serving from the blue slot.
	require.NoError(t, store.SetSlotContainer(ctx, project.ID, types.SlotBlue, "old-blue"))
	rt.running["old-blue"] = true
	project.BlueContainerID = "old-blue"

	require.NoError(t, d.Deploy(ctx, project, b, "trace-1"))

	assert.Contains(t, rt.removed, "old-blue")
	got, err := store.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, "", got.BlueContainerID)
	assert.Equal(t, types.SlotGreen, got.ActiveSlot)
}

func TestRollbackRejectsUndeployedBuild(t *testing.T) {
	d, store, _, _ := newTestDeployer(t)
	ctx := context.Background()
	project, b := seed(t, store)

	err := d.Rollback(ctx, project, b, "trace-1")
	assert.ErrorIs(t, err, ErrNoRollbackTarget)
}

func TestRollbackRejectsMissingArtifact(t *testing.T) {
	d, store, _, _ := newTestDeployer(t)
	ctx := context.Background()
	project, b := seed(t, store)

	require.NoError(t, d.Deploy(ctx, project, b, "trace-1"))
	require.NoError(t, os.RemoveAll(b.OutputPath))

	deployed, err := store.GetBuild(ctx, b.ID)
	require.NoError(t, err)
	project, err = store.GetProject(ctx, project.ID)
	require.NoError(t, err)

	err = d.Rollback(ctx, project, deployed, "trace-2")
	assert.ErrorIs(t, err, ErrNoRollbackTarget)
}

func TestRollbackRedeploysStoredArtifact(t *testing.T) {
	d, store, rt, _ := newTestDeployer(t)
	ctx := context.Background()
	project, b1 := seed(t, store)

	// First build lands on green, second on blue; green is torn down.
	require.NoError(t, d.Deploy(ctx, project, b1, "trace-1"))
	project, err := store.GetProject(ctx, project.ID)
	require.NoError(t, err)

	b2 := seedBuild(t, store, project)
	require.NoError(t, d.Deploy(ctx, project, b2, "trace-2"))

	project, err = store.GetProject(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, types.SlotBlue, project.ActiveSlot)
	require.Empty(t, project.GreenContainerID)

	// Rolling back to the first build starts a fresh green container from
	// its artifact and switches traffic over.
	target, err := store.GetBuild(ctx, b1.ID)
	require.NoError(t, err)
	require.NoError(t, d.Rollback(ctx, project, target, "trace-3"))

	got, err := store.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SlotGreen, got.ActiveSlot)
	assert.NotEmpty(t, got.GreenContainerID)
	assert.Empty(t, got.BlueContainerID)

	require.Len(t, rt.started, 3)
	assert.Equal(t, b1.OutputPath, rt.started[2].ArtifactDir)

	// The rolled-back-to build keeps its original record.
	after, err := store.GetBuild(ctx, b1.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BuildSuccess, after.Status)
	require.NotNil(t, after.DeployedSlot)
	assert.Equal(t, types.SlotGreen, *after.DeployedSlot)

	// A repeat rollback to the build already serving changes nothing.
	project, err = store.GetProject(ctx, project.ID)
	require.NoError(t, err)
	require.NoError(t, d.Rollback(ctx, project, after, "trace-4"))
	assert.Len(t, rt.started, 3)

	again, err := store.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SlotGreen, again.ActiveSlot)
}

func boolPtr(b bool) *bool { return &b }
