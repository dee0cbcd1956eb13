// Package runtime abstracts the host-local container daemon behind a small
// interface so services and tests never touch the Docker client directly.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrImageUnavailable wraps registry/network failures from image pulls.
var ErrImageUnavailable = errors.New("image unavailable")

// BuildExitError reports a build container that ran to completion but
// exited non-zero. The collected logs are still returned to the caller.
type BuildExitError struct {
	Code int64
}

func (e *BuildExitError) Error() string {
	return fmt.Sprintf("build command exited with code %d", e.Code)
}

// BuildConfig describes a one-shot build container. The checkout is mounted
// read-only at /app, the artifact directory read-write at /output, and the
// cache directory at the cache kind's canonical path.
type BuildConfig struct {
	Name           string
	Image          string
	Command        string
	WorkspaceDir   string
	OutputDir      string
	CacheDir       string
	CacheMountPath string
	WorkingDir     string // relative to /app, optional
}

// BuildResult is the outcome of a completed build container.
type BuildResult struct {
	ContainerID string
	Logs        []byte
	ExitCode    int64
}

// RuntimeConfig describes a long-lived container: a project slot (artifact
// directory mounted read-only at /app) or a standalone container (optional
// named data volume at /data).
type RuntimeConfig struct {
	Name          string
	Image         string
	Command       string // empty means the image default
	ArtifactDir   string // host path mounted at /app read-only, optional
	HostPort      int
	ContainerPort int
	Env           []string
	Network       string
	VolumeName    string // named volume mounted at /data, optional
}

// ContainerInfo is the runtime-agnostic view of a container used by the
// cleanup worker.
type ContainerInfo struct {
	ID      string
	Name    string
	State   string
	Running bool
}

// ExecSession is an attached exec with a TTY. Writes go to the process's
// stdin; Reader carries the combined output.
type ExecSession struct {
	Conn   io.WriteCloser
	Reader io.Reader
}

// Close tears down the attached stream.
func (s *ExecSession) Close() error {
	return s.Conn.Close()
}

// Runtime abstracts the host-local container daemon. All operations block
// until the daemon answers; long waits honour ctx cancellation.
type Runtime interface {
	// EnsureImage pulls the image if absent.
	EnsureImage(ctx context.Context, image string) error

	// RunBuild runs a one-shot build container to completion, collects its
	// combined output and removes the container. A non-zero exit returns
	// the result alongside a *BuildExitError.
	RunBuild(ctx context.Context, cfg BuildConfig) (*BuildResult, error)

	// RunRuntime starts a long-lived container, replacing any existing
	// container with the same name, and returns its id.
	RunRuntime(ctx context.Context, cfg RuntimeConfig) (string, error)

	// IsRunning reports whether the container exists and is running.
	IsRunning(ctx context.Context, id string) bool

	// Stop and Remove are idempotent: a missing container is success.
	Stop(ctx context.Context, id string, grace time.Duration) error
	Remove(ctx context.Context, id string) error

	// StreamLogs follows the container's combined stdout/stderr.
	StreamLogs(ctx context.Context, id string) (io.ReadCloser, error)

	// Logs returns a snapshot of the container's combined output.
	Logs(ctx context.Context, id string) ([]byte, error)

	// CreateExec starts an interactive shell session inside the container.
	CreateExec(ctx context.Context, id string, cmd []string) (string, *ExecSession, error)
	ResizeTTY(ctx context.Context, execID string, rows, cols uint) error

	// ListAll returns every container on the daemon, including stopped ones.
	ListAll(ctx context.Context) ([]ContainerInfo, error)

	// EnsureNetwork creates the bridge network if it does not exist.
	EnsureNetwork(ctx context.Context, name string) error

	Close() error
}
