package api

import (
	"net/http"
	"time"

	"github.com/easycicd/easycicd/pkg/types"
	"github.com/easycicd/easycicd/pkg/version"
)

type systemStatus struct {
	Version            string   `json:"version"`
	UptimeSeconds      int64    `json:"uptime_seconds"`
	Projects           int      `json:"projects"`
	Builds             int      `json:"builds"`
	RunningContainers  int      `json:"running_containers"`
	QueueDepth         int      `json:"queue_depth"`
	ProcessingProjects []int64  `json:"processing_projects"`
	BaseDomain         string   `json:"base_domain"`
}

// handleSystemStatus reports agent-level counters for the dashboard.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	status := systemStatus{
		Version:            version.Version,
		UptimeSeconds:      int64(time.Since(s.started).Seconds()),
		ProcessingProjects: s.queue.ProcessingProjects(),
		BaseDomain:         s.cfg.BaseDomain,
	}

	if projects, err := s.store.ListProjects(r.Context()); err == nil {
		status.Projects = len(projects)
	}
	if builds, err := s.store.ListBuilds(r.Context(), 0, 0); err == nil {
		status.Builds = len(builds)
	}
	if containers, err := s.store.ListContainers(r.Context()); err == nil {
		for _, ctr := range containers {
			if ctr.Status == types.ContainerRunning {
				status.RunningContainers++
			}
		}
	}
	if depth, err := s.queue.Depth(r.Context()); err == nil {
		status.QueueDepth = depth
	}

	s.writeJSON(w, http.StatusOK, status)
}
