package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easycicd/easycicd/pkg/config"
	"github.com/easycicd/easycicd/pkg/deploy"
	"github.com/easycicd/easycicd/pkg/events"
	"github.com/easycicd/easycicd/pkg/queue"
	"github.com/easycicd/easycicd/pkg/runtime"
	"github.com/easycicd/easycicd/pkg/storage"
	"github.com/easycicd/easycicd/pkg/types"
)

type apiStubRuntime struct{}

func (apiStubRuntime) EnsureImage(context.Context, string) error { return nil }
func (apiStubRuntime) RunBuild(context.Context, runtime.BuildConfig) (*runtime.BuildResult, error) {
	return &runtime.BuildResult{}, nil
}
func (apiStubRuntime) RunRuntime(context.Context, runtime.RuntimeConfig) (string, error) {
	return "stub-id", nil
}
func (apiStubRuntime) IsRunning(context.Context, string) bool            { return false }
func (apiStubRuntime) Stop(context.Context, string, time.Duration) error { return nil }
func (apiStubRuntime) Remove(context.Context, string) error              { return nil }
func (apiStubRuntime) StreamLogs(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(nil), nil
}
func (apiStubRuntime) Logs(context.Context, string) ([]byte, error) { return nil, nil }
func (apiStubRuntime) CreateExec(context.Context, string, []string) (string, *runtime.ExecSession, error) {
	return "", nil, nil
}
func (apiStubRuntime) ResizeTTY(context.Context, string, uint, uint) error { return nil }
func (apiStubRuntime) ListAll(context.Context) ([]runtime.ContainerInfo, error) {
	return nil, nil
}
func (apiStubRuntime) EnsureNetwork(context.Context, string) error { return nil }
func (apiStubRuntime) Close() error                                { return nil }

func newTestServer(t *testing.T) (*Server, *storage.SQLiteStore) {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		DataDir:       t.TempDir(),
		BaseDomain:    "example.dev",
		WebhookSecret: "hook-secret",
	}
	cfg.ApplyDefaults()

	bus := events.NewBus(64)
	t.Cleanup(bus.Close)

	q := queue.New(store)
	dep := deploy.NewDeployer(cfg, store, apiStubRuntime{}, bus)
	return NewServer(cfg, store, q, dep, apiStubRuntime{}, bus), store
}

func seedSession(t *testing.T, store *storage.SQLiteStore) *http.Cookie {
	t.Helper()
	require.NoError(t, store.CreateSession(context.Background(), &types.Session{
		Token:     "test-token",
		UserID:    1,
		ExpiresAt: time.Now().Add(time.Hour),
	}))
	return &http.Cookie{Name: sessionCookie, Value: "test-token"}
}

func seedAPIProject(t *testing.T, store *storage.SQLiteStore, name, filter string) *types.Project {
	t.Helper()
	project := &types.Project{
		Name: name, Repo: "octocat/" + name, Branch: "main", PathFilter: filter,
		BuildImage: "node:22", BuildCommand: "npm run build",
		RuntimeImage: "nginx:alpine", RuntimePort: 8080,
	}
	require.NoError(t, store.CreateProject(context.Background(), project))
	return project
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func pushBody(repo, ref string, files ...string) []byte {
	payload := map[string]any{
		"ref":        ref,
		"repository": map[string]string{"full_name": repo},
		"commits": []map[string]any{{
			"id":       "abc123def456",
			"message":  "update things",
			"modified": files,
			"author":   map[string]string{"name": "octocat"},
		}},
		"head_commit": map[string]any{
			"id":       "abc123def456",
			"message":  "update things",
			"modified": files,
			"author":   map[string]string{"name": "octocat"},
		},
	}
	raw, _ := json.Marshal(payload)
	return raw
}

func postWebhook(s *Server, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook/github", bytes.NewReader(body))
	req.Header.Set("x-hub-signature-256", signature)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestWebhookQueuesBuild(t *testing.T) {
	s, store := newTestServer(t)
	project := seedAPIProject(t, store, "hello", "**")

	body := pushBody("octocat/hello", "refs/heads/main", "src/index.js")
	rec := postWebhook(s, body, sign("hook-secret", body))
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		BuildIDs []int64 `json:"build_ids"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.BuildIDs, 1)

	b, err := store.GetBuild(context.Background(), resp.BuildIDs[0])
	require.NoError(t, err)
	assert.Equal(t, project.ID, b.ProjectID)
	assert.Equal(t, types.BuildQueued, b.Status)
	assert.Equal(t, "abc123def456", b.CommitHash)
	assert.Equal(t, "octocat", b.Author)
	assert.NotEmpty(t, b.LogPath)
	assert.NotEmpty(t, b.DeployLogPath)
}

func TestWebhookEvaluatesEveryMatchingProject(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()

	// Two projects watch the same repo and branch with disjoint filters.
	docs := &types.Project{
		Name: "hello-docs", Repo: "octocat/hello", Branch: "main", PathFilter: "docs/**",
		BuildImage: "node:22", BuildCommand: "npm run build",
		RuntimeImage: "nginx:alpine", RuntimePort: 8080,
	}
	require.NoError(t, store.CreateProject(ctx, docs))
	app := &types.Project{
		Name: "hello-app", Repo: "octocat/hello", Branch: "main", PathFilter: "src/**",
		BuildImage: "node:22", BuildCommand: "npm run build",
		RuntimeImage: "nginx:alpine", RuntimePort: 8080,
	}
	require.NoError(t, store.CreateProject(ctx, app))

	// The push only touches src/: the docs project skipping it must not
	// stop the app project from being evaluated.
	body := pushBody("octocat/hello", "refs/heads/main", "src/index.js")
	rec := postWebhook(s, body, sign("hook-secret", body))
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		BuildIDs []int64 `json:"build_ids"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.BuildIDs, 1)

	b, err := store.GetBuild(ctx, resp.BuildIDs[0])
	require.NoError(t, err)
	assert.Equal(t, app.ID, b.ProjectID)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	s, store := newTestServer(t)
	seedAPIProject(t, store, "hello", "**")

	body := pushBody("octocat/hello", "refs/heads/main", "src/index.js")
	good := sign("hook-secret", body)

	// Perturb one hex digit.
	bad := []byte(good)
	if bad[len(bad)-1] == 'a' {
		bad[len(bad)-1] = 'b'
	} else {
		bad[len(bad)-1] = 'a'
	}

	rec := postWebhook(s, body, string(bad))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postWebhook(s, body, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	builds, err := store.ListBuilds(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Empty(t, builds)
}

func TestWebhookNoCommits(t *testing.T) {
	s, store := newTestServer(t)
	seedAPIProject(t, store, "hello", "**")

	body, _ := json.Marshal(map[string]any{
		"ref":        "refs/heads/main",
		"repository": map[string]string{"full_name": "octocat/hello"},
		"commits":    []any{},
	})
	rec := postWebhook(s, body, sign("hook-secret", body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "No commits")
}

func TestWebhookPathFilterMismatch(t *testing.T) {
	s, store := newTestServer(t)
	seedAPIProject(t, store, "hello", "src/**")

	body := pushBody("octocat/hello", "refs/heads/main", "docs/readme.md")
	rec := postWebhook(s, body, sign("hook-secret", body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Files do not match filter")
}

func TestWebhookNoMatchingProject(t *testing.T) {
	s, store := newTestServer(t)
	seedAPIProject(t, store, "hello", "**")

	// Wrong branch for the only project.
	body := pushBody("octocat/hello", "refs/heads/develop", "src/index.js")
	rec := postWebhook(s, body, sign("hook-secret", body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "No matching project")
}

func TestMatchesPathFilter(t *testing.T) {
	tests := []struct {
		name   string
		filter string
		files  []string
		want   bool
	}{
		{"match all", "**", []string{"anything/at/all.txt"}, true},
		{"prefix glob", "src/**", []string{"src/a/b.go"}, true},
		{"prefix glob miss", "src/**", []string{"docs/readme.md"}, false},
		{"multiple patterns", "docs/**, src/**", []string{"src/main.go"}, true},
		{"no files", "**", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchesPathFilter(tt.filter, tt.files))
		})
	}
}

func TestAuthRequiresSession(t *testing.T) {
	s, store := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/projects/", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/projects/", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: "bogus"})
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/projects/", nil)
	req.AddCookie(seedSession(t, store))
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTraceHeaderEcho(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("x-trace-id", "trace-abc")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "trace-abc", rec.Header().Get("x-trace-id"))

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.NotEmpty(t, rec.Header().Get("x-trace-id"))
}

func TestCreateProjectAllocatesPorts(t *testing.T) {
	s, store := newTestServer(t)
	cookie := seedSession(t, store)

	body, _ := json.Marshal(map[string]any{
		"name": "hello", "repo": "octocat/hello", "branch": "main",
		"build_image": "node:22", "build_command": "npm run build",
		"runtime_image": "nginx:alpine", "runtime_port": 8080,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/projects/", bytes.NewReader(body))
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var project types.Project
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &project))
	assert.Equal(t, 10002, project.BluePort)
	assert.Equal(t, 10003, project.GreenPort)
	assert.Equal(t, "**", project.PathFilter)
}

func TestCreateProjectValidation(t *testing.T) {
	s, store := newTestServer(t)
	cookie := seedSession(t, store)

	for _, body := range []string{
		`{"repo":"octocat/hello","branch":"main","runtime_port":8080}`,
		`{"name":"hello","repo":"octocat/hello","branch":"main"}`,
		`not json`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/api/projects/", bytes.NewReader([]byte(body)))
		req.AddCookie(cookie)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestRollbackRejectsUndeployedBuild(t *testing.T) {
	s, store := newTestServer(t)
	cookie := seedSession(t, store)
	project := seedAPIProject(t, store, "hello", "**")

	b := &types.Build{ProjectID: project.ID}
	require.NoError(t, store.CreateBuild(context.Background(), b))

	url := "/api/projects/" + strconv.FormatInt(project.ID, 10) +
		"/rollback/" + strconv.FormatInt(b.ID, 10)
	req := httptest.NewRequest(http.MethodPost, url, nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventSocketFanout(t *testing.T) {
	s, store := newTestServer(t)
	seedSession(t, store)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	header := http.Header{}
	header.Set("Cookie", sessionCookie+"=test-token")
	conn, _, err := websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", header)
	require.NoError(t, err)
	defer conn.Close()

	// Give the handler a moment to register its bus subscription.
	time.Sleep(100 * time.Millisecond)

	// Global subscription is on by default.
	s.bus.Publish(events.BuildStatusEvent{
		BuildID: 7, ProjectID: 3, Status: types.BuildBuilding, Timestamp: time.Now().UTC(),
	})
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, "build_status", msg["type"])
	assert.EqualValues(t, 7, msg["build_id"])

	// Narrow to one build; events for other builds stop arriving.
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "unsubscribe", "target": "global"}))
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "subscribe", "target": "build", "id": int64(42)}))
	time.Sleep(100 * time.Millisecond)

	s.bus.Publish(events.LogEvent{BuildID: 7, Line: "filtered", Timestamp: time.Now().UTC()})
	s.bus.Publish(events.LogEvent{BuildID: 42, Line: "delivered", Timestamp: time.Now().UTC()})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err = conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, "log", msg["type"])
	assert.EqualValues(t, 42, msg["build_id"])
}

func TestTriggerBuildAnnouncesQueued(t *testing.T) {
	s, store := newTestServer(t)
	seedSession(t, store)
	project := seedAPIProject(t, store, "hello", "**")

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	header := http.Header{}
	header.Set("Cookie", sessionCookie+"=test-token")
	conn, _, err := websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", header)
	require.NoError(t, err)
	defer conn.Close()

	// Give the handler a moment to register its bus subscription.
	time.Sleep(100 * time.Millisecond)

	url := srv.URL + "/api/projects/" + strconv.FormatInt(project.ID, 10) + "/builds"
	req, err := http.NewRequest(http.MethodPost, url, nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: "test-token"})
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var b types.Build
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&b))
	assert.NotEmpty(t, b.LogPath)
	assert.NotEmpty(t, b.DeployLogPath)

	// The watcher sees the build the moment it is queued.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, "build_status", msg["type"])
	assert.EqualValues(t, b.ID, msg["build_id"])
	assert.Equal(t, string(types.BuildQueued), msg["status"])
}

func TestSystemStatus(t *testing.T) {
	s, store := newTestServer(t)
	cookie := seedSession(t, store)
	seedAPIProject(t, store, "hello", "**")

	req := httptest.NewRequest(http.MethodGet, "/api/system/status", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var status systemStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 1, status.Projects)
	assert.Equal(t, "example.dev", status.BaseDomain)
}
