// Package build runs a project's pipeline: sync the source, execute the
// build recipe in a throwaway container and collect the artifact directory.
package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/easycicd/easycicd/pkg/config"
	"github.com/easycicd/easycicd/pkg/events"
	"github.com/easycicd/easycicd/pkg/log"
	"github.com/easycicd/easycicd/pkg/metrics"
	"github.com/easycicd/easycicd/pkg/runtime"
	"github.com/easycicd/easycicd/pkg/storage"
	"github.com/easycicd/easycicd/pkg/types"
)

// nginxConf is generated into the artifact directory for static projects so
// the stock nginx image can serve SPA routes and answer the health gate.
const nginxConf = `daemon off;
worker_processes 1;
events { worker_connections 1024; }
http {
    include /etc/nginx/mime.types;
    server {
        listen 8080;
        root /app;
        location / {
            try_files $uri $uri/ /index.html;
        }
        location /health {
            return 200 'ok';
        }
    }
}
`

// ErrEmptyWorkspace means the checkout produced no files, usually an empty
// repository or a branch with nothing on it.
var ErrEmptyWorkspace = errors.New("workspace is empty after checkout")

// Executor runs builds end to end. It leaves deployment to the caller: a
// build that produced an artifact is not Success until it is serving traffic.
type Executor struct {
	cfg     *config.Config
	store   storage.Store
	runtime runtime.Runtime
	bus     *events.Bus
	logger  zerolog.Logger
}

func NewExecutor(cfg *config.Config, store storage.Store, rt runtime.Runtime, bus *events.Bus) *Executor {
	return &Executor{
		cfg:     cfg,
		store:   store,
		runtime: rt,
		bus:     bus,
		logger:  log.WithComponent("build"),
	}
}

// Execute runs the pipeline for one claimed build and returns the artifact
// directory. On any failure the build is marked Failed before returning.
func (e *Executor) Execute(ctx context.Context, project *types.Project, build *types.Build, traceID string) (string, error) {
	started := time.Now()
	outputPath, err := e.execute(ctx, project, build, traceID)
	if err != nil {
		metrics.BuildsTotal.WithLabelValues(string(types.BuildFailed)).Inc()
		if statusErr := e.store.SetBuildStatus(ctx, build.ID, types.BuildFailed); statusErr != nil {
			e.logger.Error().Err(statusErr).Int64("build_id", build.ID).
				Msg("failed to mark build failed")
		}
		e.bus.Publish(events.BuildStatusEvent{
			BuildID:   build.ID,
			ProjectID: project.ID,
			Status:    types.BuildFailed,
			TraceID:   traceID,
			Timestamp: time.Now().UTC(),
		})
		e.bus.Publish(events.ErrorEvent{
			ProjectID: &project.ID,
			BuildID:   &build.ID,
			Message:   err.Error(),
			TraceID:   traceID,
			Timestamp: time.Now().UTC(),
		})
		return "", err
	}
	metrics.BuildDuration.Observe(time.Since(started).Seconds())
	return outputPath, nil
}

func (e *Executor) execute(ctx context.Context, project *types.Project, build *types.Build, traceID string) (string, error) {
	logger := e.logger.With().
		Int64("project_id", project.ID).
		Int64("build_id", build.ID).
		Str("trace_id", traceID).
		Logger()

	if err := e.store.SetBuildStatus(ctx, build.ID, types.BuildBuilding); err != nil {
		return "", err
	}
	e.bus.Publish(events.BuildStatusEvent{
		BuildID:   build.ID,
		ProjectID: project.ID,
		Status:    types.BuildBuilding,
		TraceID:   traceID,
		Timestamp: time.Now().UTC(),
	})

	sink, err := NewLogSink(e.cfg.BuildLogPath(project.ID, build.BuildNumber), e.bus, build.ID, traceID)
	if err != nil {
		return "", err
	}
	defer sink.Close()

	// Source sync.
	workspace := e.cfg.WorkspaceDir(project.ID)
	sink.Linef("Syncing %s@%s", project.Repo, project.Branch)
	gitOut, err := SyncRepo(ctx, RepoURL(project.Repo), project.Branch, workspace)
	sink.Lines(gitOut)
	if err != nil {
		return "", err
	}

	empty, err := EmptyWorkspace(workspace)
	if err != nil {
		return "", err
	}
	if empty {
		return "", ErrEmptyWorkspace
	}

	if commit, err := HeadCommit(ctx, workspace); err == nil {
		build.CommitHash = commit.Hash
		build.CommitMessage = commit.Message
		build.Author = commit.Author
		if err := e.store.SetBuildCommit(ctx, build.ID, commit.Hash, commit.Message, commit.Author); err != nil {
			logger.Warn().Err(err).Msg("failed to record commit")
		}
		sink.Linef("HEAD is %s (%s)", commit.Hash[:min(12, len(commit.Hash))], commit.Message)
	}

	// Artifact and cache directories must exist before they are mounted.
	outputPath := e.cfg.OutputDir(build.ID)
	if err := os.MkdirAll(outputPath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}
	cacheDir := ""
	if project.CacheType != "" && project.CacheType != types.CacheNone {
		cacheDir = e.cfg.CacheDir(project.CacheType)
		if err := os.MkdirAll(cacheDir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create cache dir: %w", err)
		}
	}

	sink.Linef("Running build in %s", project.BuildImage)
	result, err := e.runtime.RunBuild(ctx, runtime.BuildConfig{
		Name:           fmt.Sprintf("build-%d", build.ID),
		Image:          project.BuildImage,
		Command:        project.BuildCommand,
		WorkspaceDir:   workspace,
		OutputDir:      outputPath,
		CacheDir:       cacheDir,
		CacheMountPath: project.CacheType.MountPath(),
		WorkingDir:     project.WorkingDirectory,
	})
	if result != nil {
		sink.Lines(string(result.Logs))
	}
	if err != nil {
		var exitErr *runtime.BuildExitError
		if errors.As(err, &exitErr) {
			sink.Linef("Build failed with exit code %d", exitErr.Code)
		}
		return "", err
	}
	sink.Linef("Build finished, artifact at %s", outputPath)

	if strings.Contains(project.RuntimeImage, "nginx") {
		if err := ensureNginxConf(outputPath); err != nil {
			return "", err
		}
	}

	if err := e.store.SetBuildOutput(ctx, build.ID, outputPath); err != nil {
		return "", err
	}
	build.OutputPath = outputPath
	return outputPath, nil
}

// ensureNginxConf writes the default server config unless the build already
// produced one.
func ensureNginxConf(outputPath string) error {
	path := filepath.Join(outputPath, "nginx.conf")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, []byte(nginxConf), 0o644); err != nil {
		return fmt.Errorf("failed to write nginx.conf: %w", err)
	}
	return nil
}
