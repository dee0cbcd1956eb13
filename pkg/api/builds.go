package api

import (
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/easycicd/easycicd/pkg/storage"
	"github.com/easycicd/easycicd/pkg/types"
)

func (s *Server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	var projectID int64
	if v := r.URL.Query().Get("project_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid project_id")
			return
		}
		projectID = id
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	builds, err := s.store.ListBuilds(r.Context(), projectID, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, builds)
}

func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	b, ok := s.buildFromURL(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

// handleBuildLogs streams the combined build and deploy logs as plain text.
func (s *Server) handleBuildLogs(w http.ResponseWriter, r *http.Request) {
	b, ok := s.buildFromURL(w, r)
	if !ok {
		return
	}
	project, err := s.store.GetProject(r.Context(), b.ProjectID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	var parts []string
	if data, err := os.ReadFile(s.buildLogPath(project, b)); err == nil {
		parts = append(parts, string(data))
	}
	if data, err := os.ReadFile(s.deployLogPath(project, b)); err == nil {
		parts = append(parts, string(data))
	}
	s.writeText(w, strings.Join(parts, ""))
}

func (s *Server) handleBuildOnlyLogs(w http.ResponseWriter, r *http.Request) {
	s.serveLogFile(w, r, s.buildLogPath)
}

func (s *Server) handleDeployLogs(w http.ResponseWriter, r *http.Request) {
	s.serveLogFile(w, r, s.deployLogPath)
}

// buildLogPath prefers the location stamped on the row; rows from before the
// paths were recorded fall back to the configured layout.
func (s *Server) buildLogPath(p *types.Project, b *types.Build) string {
	if b.LogPath != "" {
		return b.LogPath
	}
	return s.cfg.BuildLogPath(p.ID, b.BuildNumber)
}

func (s *Server) deployLogPath(p *types.Project, b *types.Build) string {
	if b.DeployLogPath != "" {
		return b.DeployLogPath
	}
	return s.cfg.DeployLogPath(p.ID, b.BuildNumber)
}

func (s *Server) serveLogFile(w http.ResponseWriter, r *http.Request, path func(*types.Project, *types.Build) string) {
	b, ok := s.buildFromURL(w, r)
	if !ok {
		return
	}
	project, err := s.store.GetProject(r.Context(), b.ProjectID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	data, err := os.ReadFile(path(project, b))
	if err != nil {
		// No log yet is an empty log, not an error.
		s.writeText(w, "")
		return
	}
	s.writeText(w, string(data))
}

func (s *Server) writeText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(body)); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write log response")
	}
}

func (s *Server) buildFromURL(w http.ResponseWriter, r *http.Request) (*types.Build, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid build id")
		return nil, false
	}
	b, err := s.store.GetBuild(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "build not found")
		return nil, false
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return b, true
}
