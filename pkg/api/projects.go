package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/easycicd/easycicd/pkg/deploy"
	"github.com/easycicd/easycicd/pkg/events"
	"github.com/easycicd/easycicd/pkg/runtime"
	"github.com/easycicd/easycicd/pkg/storage"
	"github.com/easycicd/easycicd/pkg/types"
)

type createProjectRequest struct {
	Name             string          `json:"name"`
	Repo             string          `json:"repo"`
	Branch           string          `json:"branch"`
	PathFilter       string          `json:"path_filter"`
	BuildImage       string          `json:"build_image"`
	BuildCommand     string          `json:"build_command"`
	CacheType        types.CacheType `json:"cache_type"`
	WorkingDirectory string          `json:"working_directory"`
	RuntimeImage     string          `json:"runtime_image"`
	RuntimeCommand   string          `json:"runtime_command"`
	RuntimePort      int             `json:"runtime_port"`
	HealthCheckURL   string          `json:"health_check_url"`
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if req.Name == "" || req.Repo == "" || req.Branch == "" {
		s.writeError(w, http.StatusBadRequest, "name, repo and branch are required")
		return
	}
	if req.RuntimePort <= 0 {
		s.writeError(w, http.StatusBadRequest, "runtime_port must be positive")
		return
	}
	if req.PathFilter == "" {
		req.PathFilter = "**"
	}
	if req.CacheType == "" {
		req.CacheType = types.CacheNone
	}

	project := &types.Project{
		Name:             req.Name,
		Repo:             req.Repo,
		Branch:           req.Branch,
		PathFilter:       req.PathFilter,
		BuildImage:       req.BuildImage,
		BuildCommand:     req.BuildCommand,
		CacheType:        req.CacheType,
		WorkingDirectory: req.WorkingDirectory,
		RuntimeImage:     req.RuntimeImage,
		RuntimeCommand:   req.RuntimeCommand,
		RuntimePort:      req.RuntimePort,
		HealthCheckURL:   req.HealthCheckURL,
	}
	err := s.store.CreateProject(r.Context(), project)
	switch {
	case errors.Is(err, storage.ErrPortExhausted):
		s.writeError(w, http.StatusInternalServerError, "no free slot ports")
		return
	case err != nil:
		s.writeError(w, http.StatusBadRequest, "could not create project")
		return
	}
	s.writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, ok := s.projectFromURL(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, project)
}

// handleDeleteProject cascade-deletes the project: both slot containers,
// artifact directories, builds and port reservations.
func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	project, ok := s.projectFromURL(w, r)
	if !ok {
		return
	}

	for _, slot := range []types.Slot{types.SlotBlue, types.SlotGreen} {
		if id := project.ContainerIDForSlot(slot); id != "" {
			if err := s.runtime.Stop(r.Context(), id, 10*time.Second); err != nil {
				s.logger.Warn().Err(err).Str("slot", string(slot)).Msg("failed to stop slot container")
			}
			if err := s.runtime.Remove(r.Context(), id); err != nil {
				s.logger.Warn().Err(err).Str("slot", string(slot)).Msg("failed to remove slot container")
			}
		}
	}

	// Artifacts of this project's builds are dead weight once the row goes.
	builds, err := s.store.ListBuilds(r.Context(), project.ID, 0)
	if err == nil {
		for _, b := range builds {
			if b.OutputPath != "" {
				os.RemoveAll(b.OutputPath)
			}
		}
	}
	os.RemoveAll(s.cfg.WorkspaceDir(project.ID))

	if err := s.store.DeleteProject(r.Context(), project.ID); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to delete project")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "deleted"})
}

// handleTriggerBuild queues a manual build.
func (s *Server) handleTriggerBuild(w http.ResponseWriter, r *http.Request) {
	project, ok := s.projectFromURL(w, r)
	if !ok {
		return
	}
	b := &types.Build{ProjectID: project.ID}
	if err := s.queueBuild(r.Context(), project, b, traceID(r.Context())); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to queue build")
		return
	}
	s.writeJSON(w, http.StatusCreated, b)
}

// queueBuild inserts the build, stamps its log file locations once the build
// number is known, and announces it on the bus.
func (s *Server) queueBuild(ctx context.Context, project *types.Project, b *types.Build, trace string) error {
	if err := s.store.CreateBuild(ctx, b); err != nil {
		return err
	}
	b.LogPath = s.cfg.BuildLogPath(project.ID, b.BuildNumber)
	b.DeployLogPath = s.cfg.DeployLogPath(project.ID, b.BuildNumber)
	if err := s.store.SetBuildLogPaths(ctx, b.ID, b.LogPath, b.DeployLogPath); err != nil {
		s.logger.Warn().Err(err).Int64("build_id", b.ID).Msg("failed to record log paths")
	}
	s.bus.Publish(events.BuildStatusEvent{
		BuildID:   b.ID,
		ProjectID: project.ID,
		Status:    types.BuildQueued,
		TraceID:   trace,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// handleRollback switches traffic back to the slot a previous successful
// build deployed to.
func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	project, ok := s.projectFromURL(w, r)
	if !ok {
		return
	}
	buildID, err := strconv.ParseInt(chi.URLParam(r, "buildID"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid build id")
		return
	}
	b, err := s.store.GetBuild(r.Context(), buildID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && b.ProjectID != project.ID) {
		s.writeError(w, http.StatusNotFound, "build not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	err = s.deployer.Rollback(r.Context(), project, b, traceID(r.Context()))
	if errors.Is(err, deploy.ErrNoRollbackTarget) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "rollback failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"message": "rolled back",
		"slot":    string(project.ActiveSlot),
	})
}

// handleProjectContainerAction starts, stops or restarts the active slot
// container.
func (s *Server) handleProjectContainerAction(w http.ResponseWriter, r *http.Request) {
	project, ok := s.projectFromURL(w, r)
	if !ok {
		return
	}
	containerID := project.ContainerIDForSlot(project.ActiveSlot)
	if containerID == "" {
		s.writeError(w, http.StatusConflict, "project has no active container")
		return
	}

	action := chi.URLParam(r, "action")
	var err error
	switch action {
	case "stop":
		err = s.runtime.Stop(r.Context(), containerID, 10*time.Second)
	case "start", "restart":
		// The runtime recreates the container from the last deployed build.
		var b *types.Build
		b, err = s.lastDeployedBuild(r, project)
		if err == nil {
			err = s.restartActiveSlot(r, project, b)
		}
	default:
		s.writeError(w, http.StatusBadRequest, "unknown action")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "action failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": action + " done"})
}

func (s *Server) lastDeployedBuild(r *http.Request, project *types.Project) (*types.Build, error) {
	builds, err := s.store.ListBuilds(r.Context(), project.ID, 0)
	if err != nil {
		return nil, err
	}
	for _, b := range builds {
		if b.DeployedSlot != nil && *b.DeployedSlot == project.ActiveSlot && b.OutputPath != "" {
			return b, nil
		}
	}
	return nil, errors.New("no deployed build for active slot")
}

func (s *Server) restartActiveSlot(r *http.Request, project *types.Project, b *types.Build) error {
	slot := project.ActiveSlot
	containerID, err := s.runtime.RunRuntime(r.Context(), runtime.RuntimeConfig{
		Name:          project.SlotContainerName(slot),
		Image:         project.RuntimeImage,
		Command:       project.RuntimeCommand,
		ArtifactDir:   b.OutputPath,
		HostPort:      project.PortForSlot(slot),
		ContainerPort: project.RuntimePort,
		Network:       s.cfg.DockerNetwork,
	})
	if err != nil {
		return err
	}
	return s.store.SetSlotContainer(r.Context(), project.ID, slot, containerID)
}

func (s *Server) projectFromURL(w http.ResponseWriter, r *http.Request) (*types.Project, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid project id")
		return nil, false
	}
	project, err := s.store.GetProject(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "project not found")
		return nil, false
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return project, true
}
