package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/easycicd/easycicd/pkg/types"
)

// pushPayload is the slice of the GitHub push event the agent needs.
type pushPayload struct {
	Ref        string `json:"ref"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Commits    []pushCommit `json:"commits"`
	HeadCommit *pushCommit  `json:"head_commit"`
}

type pushCommit struct {
	ID       string   `json:"id"`
	Message  string   `json:"message"`
	Added    []string `json:"added"`
	Modified []string `json:"modified"`
	Removed  []string `json:"removed"`
	Author   struct {
		Name string `json:"name"`
	} `json:"author"`
}

func (c *pushCommit) changedFiles() []string {
	files := make([]string, 0, len(c.Added)+len(c.Modified)+len(c.Removed))
	files = append(files, c.Added...)
	files = append(files, c.Modified...)
	files = append(files, c.Removed...)
	return files
}

// handleWebhook receives GitHub push events. The signature is verified
// before anything else is read from the payload.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 {
		s.writeError(w, http.StatusBadRequest, "empty body")
		return
	}
	if !verifySignature(s.cfg.WebhookSecret, body, r.Header.Get("x-hub-signature-256")) {
		s.writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var payload pushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed payload")
		return
	}

	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Every project watching this repo and branch gets a look at the push;
	// one project skipping it must not shadow another with a wider filter.
	trace := traceID(r.Context())
	queued := []int64{}
	skipped := "No matching project"
	for _, project := range projects {
		if project.Repo != payload.Repository.FullName {
			continue
		}
		if payload.Ref != "refs/heads/"+project.Branch {
			continue
		}
		if len(payload.Commits) == 0 {
			skipped = "No commits"
			continue
		}
		if payload.HeadCommit == nil || !matchesPathFilter(project.PathFilter, payload.HeadCommit.changedFiles()) {
			skipped = "Files do not match filter"
			continue
		}

		b := &types.Build{
			ProjectID:     project.ID,
			CommitHash:    payload.HeadCommit.ID,
			CommitMessage: payload.HeadCommit.Message,
			Author:        payload.HeadCommit.Author.Name,
		}
		if err := s.queueBuild(r.Context(), project, b, trace); err != nil {
			s.logger.Error().Err(err).Int64("project_id", project.ID).
				Str("trace_id", trace).Msg("failed to queue webhook build")
			continue
		}
		s.logger.Info().Int64("project_id", project.ID).Int64("build_id", b.ID).
			Str("trace_id", trace).Msg("webhook build queued")
		queued = append(queued, b.ID)
	}

	if len(queued) == 0 {
		s.writeJSON(w, http.StatusOK, map[string]string{"message": skipped})
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"build_ids": queued})
}

// verifySignature checks the x-hub-signature-256 header against the raw body.
func verifySignature(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}

// matchesPathFilter reports whether any changed file matches any of the
// comma-separated shell globs.
func matchesPathFilter(filter string, files []string) bool {
	patterns := strings.Split(filter, ",")
	for _, raw := range patterns {
		pattern := strings.TrimSpace(raw)
		if pattern == "" {
			continue
		}
		for _, file := range files {
			if ok, err := doublestar.Match(pattern, file); err == nil && ok {
				return true
			}
		}
	}
	return false
}
