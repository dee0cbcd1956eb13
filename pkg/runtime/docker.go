package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"

	"github.com/easycicd/easycicd/pkg/log"
)

// DockerRuntime drives a local Docker daemon over its Engine API.
type DockerRuntime struct {
	cli    *client.Client
	logger zerolog.Logger
}

// NewDockerRuntime connects to the daemon named by the DOCKER_HOST
// environment, negotiating the API version with the server.
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerRuntime{cli: cli, logger: log.WithComponent("runtime")}, nil
}

func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

// EnsureImage pulls the image only when it is missing locally, so repeated
// builds on the same image skip the registry round trip.
func (d *DockerRuntime) EnsureImage(ctx context.Context, ref string) error {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}

	d.logger.Info().Str("image", ref).Msg("pulling image")
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: pull %s: %v", ErrImageUnavailable, ref, err)
	}
	defer rc.Close()
	// The pull completes only once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("%w: pull %s: %v", ErrImageUnavailable, ref, err)
	}
	return nil
}

// RunBuild executes the build command in a throwaway container and waits for
// it to exit. The container is force-removed on every path.
func (d *DockerRuntime) RunBuild(ctx context.Context, cfg BuildConfig) (*BuildResult, error) {
	if err := d.EnsureImage(ctx, cfg.Image); err != nil {
		return nil, err
	}

	mounts := []mount.Mount{
		{Type: mount.TypeBind, Source: cfg.WorkspaceDir, Target: "/app", ReadOnly: true},
		{Type: mount.TypeBind, Source: cfg.OutputDir, Target: "/output"},
	}
	if cfg.CacheDir != "" && cfg.CacheMountPath != "" {
		mounts = append(mounts, mount.Mount{
			Type: mount.TypeBind, Source: cfg.CacheDir, Target: cfg.CacheMountPath,
		})
	}

	created, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      cfg.Image,
			Cmd:        []string{"sh", "-c", cfg.Command},
			WorkingDir: buildWorkingDir(cfg.WorkingDir),
		},
		&container.HostConfig{Mounts: mounts},
		&network.NetworkingConfig{}, nil, cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create build container: %w", err)
	}
	defer func() {
		err := d.cli.ContainerRemove(context.Background(), created.ID,
			container.RemoveOptions{Force: true})
		if err != nil && !errdefs.IsNotFound(err) {
			d.logger.Warn().Err(err).Str("container_id", created.ID).
				Msg("failed to remove build container")
		}
	}()

	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start build container: %w", err)
	}

	waitCh, errCh := d.cli.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		return nil, fmt.Errorf("failed waiting for build container: %w", err)
	case status := <-waitCh:
		if status.Error != nil {
			return nil, fmt.Errorf("build container wait: %s", status.Error.Message)
		}
		exitCode = status.StatusCode
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	logs, err := d.collectLogs(ctx, created.ID)
	if err != nil {
		return nil, err
	}

	result := &BuildResult{ContainerID: created.ID, Logs: logs, ExitCode: exitCode}
	if exitCode != 0 {
		return result, &BuildExitError{Code: exitCode}
	}
	return result, nil
}

// buildWorkingDir resolves the optional project subdirectory against the
// checkout mount.
func buildWorkingDir(wd string) string {
	if wd == "" {
		return "/app"
	}
	return "/app/" + strings.Trim(wd, "/")
}

func (d *DockerRuntime) collectLogs(ctx context.Context, id string) ([]byte, error) {
	rc, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read container logs: %w", err)
	}
	defer rc.Close()

	// No TTY: the stream is multiplexed and needs demuxing.
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return nil, fmt.Errorf("failed to demux container logs: %w", err)
	}
	return buf.Bytes(), nil
}

// RunRuntime starts a long-lived container. Any container already holding
// the name is stopped and removed first, so the call is safe to retry.
func (d *DockerRuntime) RunRuntime(ctx context.Context, cfg RuntimeConfig) (string, error) {
	if err := d.EnsureImage(ctx, cfg.Image); err != nil {
		return "", err
	}
	if err := d.removeByName(ctx, cfg.Name); err != nil {
		return "", err
	}

	port, err := nat.NewPort("tcp", strconv.Itoa(cfg.ContainerPort))
	if err != nil {
		return "", fmt.Errorf("invalid container port %d: %w", cfg.ContainerPort, err)
	}

	config := &container.Config{
		Image:        cfg.Image,
		Env:          cfg.Env,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	if cfg.Command != "" {
		config.Cmd = []string{"sh", "-c", cfg.Command}
	}

	var mounts []mount.Mount
	if cfg.ArtifactDir != "" {
		mounts = append(mounts, mount.Mount{
			Type: mount.TypeBind, Source: cfg.ArtifactDir, Target: "/app", ReadOnly: true,
		})
	}
	if cfg.VolumeName != "" {
		mounts = append(mounts, mount.Mount{
			Type: mount.TypeVolume, Source: cfg.VolumeName, Target: "/data",
		})
	}

	hostConfig := &container.HostConfig{
		Mounts: mounts,
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(cfg.HostPort)}},
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}

	netConfig := &network.NetworkingConfig{}
	if cfg.Network != "" {
		netConfig.EndpointsConfig = map[string]*network.EndpointSettings{
			cfg.Network: {},
		}
	}

	created, err := d.cli.ContainerCreate(ctx, config, hostConfig, netConfig, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", cfg.Name, err)
	}
	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// Leave no half-created container behind.
		_ = d.cli.ContainerRemove(context.Background(), created.ID,
			container.RemoveOptions{Force: true})
		return "", fmt.Errorf("failed to start container %s: %w", cfg.Name, err)
	}

	d.logger.Info().Str("container", cfg.Name).Str("container_id", created.ID).
		Int("host_port", cfg.HostPort).Msg("container started")
	return created.ID, nil
}

func (d *DockerRuntime) removeByName(ctx context.Context, name string) error {
	inspected, err := d.cli.ContainerInspect(ctx, name)
	if errdefs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to inspect container %s: %w", name, err)
	}
	err = d.cli.ContainerRemove(ctx, inspected.ID, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	return nil
}

func (d *DockerRuntime) IsRunning(ctx context.Context, id string) bool {
	inspected, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return false
	}
	return inspected.State != nil && inspected.State.Running
}

func (d *DockerRuntime) Stop(ctx context.Context, id string, grace time.Duration) error {
	seconds := int(grace / time.Second)
	err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to stop container %s: %w", id, err)
	}
	return nil
}

func (d *DockerRuntime) Remove(ctx context.Context, id string) error {
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", id, err)
	}
	return nil
}

// Logs returns the container's output so far.
func (d *DockerRuntime) Logs(ctx context.Context, id string) ([]byte, error) {
	return d.collectLogs(ctx, id)
}

// StreamLogs follows the container's output. The returned reader yields
// demuxed plain text and closes when the container stops or ctx ends.
func (d *DockerRuntime) StreamLogs(ctx context.Context, id string) (io.ReadCloser, error) {
	rc, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Tail:       "100",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to stream container logs: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		defer rc.Close()
		_, err := stdcopy.StdCopy(pw, pw, rc)
		pw.CloseWithError(err)
	}()
	return pr, nil
}

// CreateExec opens an interactive TTY session running cmd inside the
// container. The caller owns the returned session and must close it.
func (d *DockerRuntime) CreateExec(ctx context.Context, id string, cmd []string) (string, *ExecSession, error) {
	exec, err := d.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return "", nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	return exec.ID, &ExecSession{Conn: attach.Conn, Reader: attach.Reader}, nil
}

func (d *DockerRuntime) ResizeTTY(ctx context.Context, execID string, rows, cols uint) error {
	return d.cli.ContainerExecResize(ctx, execID, container.ResizeOptions{
		Height: rows,
		Width:  cols,
	})
}

func (d *DockerRuntime) ListAll(ctx context.Context) ([]ContainerInfo, error) {
	summaries, err := d.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]ContainerInfo, 0, len(summaries))
	for _, s := range summaries {
		name := ""
		if len(s.Names) > 0 {
			name = strings.TrimPrefix(s.Names[0], "/")
		}
		infos = append(infos, ContainerInfo{
			ID:      s.ID,
			Name:    name,
			State:   s.State,
			Running: s.State == "running",
		})
	}
	return infos, nil
}

// EnsureNetwork creates the shared bridge network all managed containers
// join, which gives the proxy name-based DNS to upstreams.
func (d *DockerRuntime) EnsureNetwork(ctx context.Context, name string) error {
	_, err := d.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to inspect network %s: %w", name, err)
	}
	_, err = d.cli.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		return fmt.Errorf("failed to create network %s: %w", name, err)
	}
	return nil
}
