package storage

import (
	"context"
	"errors"

	"github.com/easycicd/easycicd/pkg/types"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPortExhausted is returned when a port range has no free slot left.
	ErrPortExhausted = errors.New("port range exhausted")
)

// ProjectStore manages project rows. Create also reserves the blue/green
// host port pair for the project.
type ProjectStore interface {
	CreateProject(ctx context.Context, project *types.Project) error
	GetProject(ctx context.Context, id int64) (*types.Project, error)
	GetProjectByName(ctx context.Context, name string) (*types.Project, error)
	ListProjects(ctx context.Context) ([]*types.Project, error)
	UpdateProject(ctx context.Context, project *types.Project) error
	SetActiveSlot(ctx context.Context, projectID int64, slot types.Slot) error
	SetSlotContainer(ctx context.Context, projectID int64, slot types.Slot, dockerID string) error
	DeleteProject(ctx context.Context, id int64) error
}

// BuildStore manages build rows.
type BuildStore interface {
	CreateBuild(ctx context.Context, build *types.Build) error
	GetBuild(ctx context.Context, id int64) (*types.Build, error)
	ListBuilds(ctx context.Context, projectID int64, limit int) ([]*types.Build, error)
	ListQueuedBuilds(ctx context.Context) ([]*types.Build, error)
	SetBuildStatus(ctx context.Context, id int64, status types.BuildStatus) error
	SetBuildCommit(ctx context.Context, id int64, hash, message, author string) error
	SetBuildOutput(ctx context.Context, id int64, outputPath string) error
	SetBuildLogPaths(ctx context.Context, id int64, logPath, deployLogPath string) error
	SetBuildDeployed(ctx context.Context, id int64, slot types.Slot) error
	DeleteBuildsByProject(ctx context.Context, projectID int64) error
}

// ContainerStore manages standalone container rows. Create also allocates a
// host port from the container range.
type ContainerStore interface {
	CreateContainer(ctx context.Context, container *types.Container) error
	GetContainer(ctx context.Context, id int64) (*types.Container, error)
	GetContainerByName(ctx context.Context, name string) (*types.Container, error)
	ListContainers(ctx context.Context) ([]*types.Container, error)
	SetContainerStatus(ctx context.Context, id int64, status types.ContainerState, dockerID string) error
	DeleteContainer(ctx context.Context, id int64) error
}

// PortStore manages persistent port reservations. AllocatePort picks the
// lowest free port in the requested range. Scanner maintenance never touches
// allocated rows.
type PortStore interface {
	AllocatePort(ctx context.Context, min, max int, ownerType string, ownerID int64) (int, error)
	ReleasePort(ctx context.Context, port int) error
	GetPort(ctx context.Context, port int) (*types.PortAllocation, error)
	ListPorts(ctx context.Context) ([]*types.PortAllocation, error)
	MarkPortUsedBySystem(ctx context.Context, port int) error
	ClearPortUsedBySystem(ctx context.Context, port int) error
}

// SessionStore is the slice of the auth layer's sessions the core needs.
type SessionStore interface {
	CreateSession(ctx context.Context, session *types.Session) error
	GetSession(ctx context.Context, token string) (*types.Session, error)
	DeleteExpiredSessions(ctx context.Context) (int64, error)
}

// SettingStore is a key/value table for agent settings.
type SettingStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Store aggregates every repository over the single embedded database.
type Store interface {
	ProjectStore
	BuildStore
	ContainerStore
	PortStore
	SessionStore
	SettingStore
	Close() error
}
