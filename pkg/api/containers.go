package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/easycicd/easycicd/pkg/events"
	"github.com/easycicd/easycicd/pkg/runtime"
	"github.com/easycicd/easycicd/pkg/storage"
	"github.com/easycicd/easycicd/pkg/types"
)

type createContainerRequest struct {
	Name          string             `json:"name"`
	Image         string             `json:"image"`
	ContainerPort int                `json:"container_port"`
	EnvVars       map[string]string  `json:"env_vars"`
	Command       string             `json:"command"`
	PersistData   bool               `json:"persist_data"`
	ProtocolType  types.ProtocolType `json:"protocol_type"`
}

func (s *Server) handleListContainers(w http.ResponseWriter, r *http.Request) {
	containers, err := s.store.ListContainers(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, containers)
}

func (s *Server) handleCreateContainer(w http.ResponseWriter, r *http.Request) {
	var req createContainerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if req.Name == "" || req.Image == "" || req.ContainerPort <= 0 {
		s.writeError(w, http.StatusBadRequest, "name, image and container_port are required")
		return
	}

	env := "{}"
	if len(req.EnvVars) > 0 {
		raw, err := json.Marshal(req.EnvVars)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid env_vars")
			return
		}
		env = string(raw)
	}

	ctr := &types.Container{
		Name:          req.Name,
		Image:         req.Image,
		ContainerPort: req.ContainerPort,
		EnvVars:       env,
		Command:       req.Command,
		PersistData:   req.PersistData,
		ProtocolType:  req.ProtocolType,
	}
	err := s.store.CreateContainer(r.Context(), ctr)
	switch {
	case errors.Is(err, storage.ErrPortExhausted):
		s.writeError(w, http.StatusInternalServerError, "no free container ports")
		return
	case err != nil:
		s.writeError(w, http.StatusBadRequest, "could not create container")
		return
	}
	s.writeJSON(w, http.StatusCreated, ctr)
}

func (s *Server) handleGetContainer(w http.ResponseWriter, r *http.Request) {
	ctr, ok := s.containerFromURL(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, ctr)
}

func (s *Server) handleDeleteContainer(w http.ResponseWriter, r *http.Request) {
	ctr, ok := s.containerFromURL(w, r)
	if !ok {
		return
	}
	if ctr.DockerID != "" {
		if err := s.runtime.Stop(r.Context(), ctr.DockerID, 10*time.Second); err != nil {
			s.logger.Warn().Err(err).Str("container", ctr.Name).Msg("failed to stop container")
		}
		if err := s.runtime.Remove(r.Context(), ctr.DockerID); err != nil {
			s.logger.Warn().Err(err).Str("container", ctr.Name).Msg("failed to remove container")
		}
	}
	if err := s.store.DeleteContainer(r.Context(), ctr.ID); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to delete container")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "deleted"})
}

// handleContainerAction starts, stops or restarts a standalone container.
// Restart is stop followed by a fresh start of the same recipe.
func (s *Server) handleContainerAction(w http.ResponseWriter, r *http.Request) {
	ctr, ok := s.containerFromURL(w, r)
	if !ok {
		return
	}

	switch chi.URLParam(r, "action") {
	case "start":
		s.startContainer(w, r, ctr)
	case "restart":
		if ctr.DockerID != "" {
			if err := s.runtime.Stop(r.Context(), ctr.DockerID, 10*time.Second); err != nil {
				s.writeError(w, http.StatusInternalServerError, "stop failed")
				return
			}
		}
		s.startContainer(w, r, ctr)
	case "stop":
		if ctr.DockerID == "" {
			s.writeError(w, http.StatusConflict, "container was never started")
			return
		}
		if err := s.runtime.Stop(r.Context(), ctr.DockerID, 10*time.Second); err != nil {
			s.writeError(w, http.StatusInternalServerError, "stop failed")
			return
		}
		s.setContainerStatus(r, ctr, types.ContainerStopped, ctr.DockerID)
		s.writeJSON(w, http.StatusOK, map[string]string{"message": "stopped"})
	default:
		s.writeError(w, http.StatusBadRequest, "unknown action")
	}
}

func (s *Server) startContainer(w http.ResponseWriter, r *http.Request, ctr *types.Container) {
	s.setContainerStatus(r, ctr, types.ContainerPulling, ctr.DockerID)

	volume := ""
	if ctr.PersistData {
		volume = ctr.RuntimeName() + "-data"
	}
	dockerID, err := s.runtime.RunRuntime(r.Context(), runtime.RuntimeConfig{
		Name:          ctr.RuntimeName(),
		Image:         ctr.Image,
		Command:       ctr.Command,
		HostPort:      ctr.HostPort,
		ContainerPort: ctr.ContainerPort,
		Env:           envList(ctr.EnvVars),
		Network:       s.cfg.DockerNetwork,
		VolumeName:    volume,
	})
	if err != nil {
		s.setContainerStatus(r, ctr, types.ContainerStopped, ctr.DockerID)
		s.writeError(w, http.StatusInternalServerError, "start failed")
		return
	}
	s.setContainerStatus(r, ctr, types.ContainerRunning, dockerID)
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "started", "docker_id": dockerID})
}

func (s *Server) setContainerStatus(r *http.Request, ctr *types.Container, state types.ContainerState, dockerID string) {
	if err := s.store.SetContainerStatus(r.Context(), ctr.ID, state, dockerID); err != nil {
		s.logger.Warn().Err(err).Str("container", ctr.Name).Msg("failed to record state")
		return
	}
	s.bus.Publish(events.StandaloneContainerStatusEvent{
		ContainerID: ctr.ID,
		Name:        ctr.Name,
		DockerID:    dockerID,
		Status:      string(state),
		Timestamp:   time.Now().UTC(),
	})
}

// handleContainerLogs returns a snapshot of the container's recent output.
func (s *Server) handleContainerLogs(w http.ResponseWriter, r *http.Request) {
	ctr, ok := s.containerFromURL(w, r)
	if !ok {
		return
	}
	if ctr.DockerID == "" {
		s.writeText(w, "")
		return
	}

	logs, err := s.runtime.Logs(r.Context(), ctr.DockerID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read logs")
		return
	}
	s.writeText(w, string(logs))
}

// envList converts the stored JSON env map into docker KEY=VALUE form.
func envList(raw string) []string {
	if raw == "" || raw == "{}" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, k+"="+v)
	}
	return env
}

func (s *Server) containerFromURL(w http.ResponseWriter, r *http.Request) (*types.Container, bool) {
	param := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(param, 10, 64)
	if err != nil {
		// Accept names as well as numeric ids.
		ctr, err := s.store.GetContainerByName(r.Context(), strings.TrimSpace(param))
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "container not found")
			return nil, false
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "internal error")
			return nil, false
		}
		return ctr, true
	}

	ctr, err := s.store.GetContainer(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "container not found")
		return nil, false
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return ctr, true
}
