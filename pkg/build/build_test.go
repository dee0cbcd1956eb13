package build

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easycicd/easycicd/pkg/events"
)

func TestRepoURL(t *testing.T) {
	tests := []struct {
		name string
		repo string
		want string
	}{
		{"owner/name shorthand", "octocat/hello", "https://github.com/octocat/hello.git"},
		{"shorthand with .git", "octocat/hello.git", "https://github.com/octocat/hello.git"},
		{"full https url", "https://gitlab.com/a/b.git", "https://gitlab.com/a/b.git"},
		{"ssh url", "git@github.com:a/b.git", "git@github.com:a/b.git"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RepoURL(tt.repo))
		})
	}
}

func TestEmptyWorkspace(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0o755))

	empty, err := EmptyWorkspace(dir)
	require.NoError(t, err)
	assert.True(t, empty)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main"), 0o644))
	empty, err = EmptyWorkspace(dir)
	require.NoError(t, err)
	assert.False(t, empty)
}

func TestEnsureNginxConf(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, ensureNginxConf(dir))
	data, err := os.ReadFile(filepath.Join(dir, "nginx.conf"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "listen 8080")
	assert.Contains(t, string(data), "try_files $uri $uri/ /index.html")

	// A config produced by the build wins.
	custom := []byte("# custom")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nginx.conf"), custom, 0o644))
	require.NoError(t, ensureNginxConf(dir))
	data, err = os.ReadFile(filepath.Join(dir, "nginx.conf"))
	require.NoError(t, err)
	assert.Equal(t, custom, data)
}

func TestLogSinkNumbersAndPersistsLines(t *testing.T) {
	bus := events.NewBus(16)
	defer bus.Close()
	sub := bus.Subscribe()

	path := filepath.Join(t.TempDir(), "logs", "1.log")
	sink, err := NewLogSink(path, bus, 7, "trace-1")
	require.NoError(t, err)

	sink.Line("first")
	sink.Lines("second\nthird\n")
	sink.Lines("")
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\nthird\n", string(data))

	ctx := context.Background()
	for i, want := range []string{"first", "second", "third"} {
		ev, err := sub.Next(ctx)
		require.NoError(t, err)
		logEv, ok := ev.(events.LogEvent)
		require.True(t, ok)
		assert.Equal(t, int64(7), logEv.BuildID)
		assert.Equal(t, want, logEv.Line)
		assert.Equal(t, i, logEv.LineNumber)
	}
}

func TestDeployLogSinkPrefixesLines(t *testing.T) {
	bus := events.NewBus(16)
	defer bus.Close()

	path := filepath.Join(t.TempDir(), "1_deploy.log")
	sink, err := NewDeployLogSink(path, bus, 7, "trace-1")
	require.NoError(t, err)

	sink.Line("starting new container")
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[DEPLOY] starting new container\n", string(data))
}
