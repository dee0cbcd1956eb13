package runtime

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildWorkingDir(t *testing.T) {
	tests := []struct {
		name string
		wd   string
		want string
	}{
		{"empty means checkout root", "", "/app"},
		{"relative subdirectory", "backend", "/app/backend"},
		{"leading slash stripped", "/backend", "/app/backend"},
		{"trailing slash stripped", "backend/api/", "/app/backend/api"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, buildWorkingDir(tt.wd))
		})
	}
}

func TestBuildExitErrorMatchable(t *testing.T) {
	err := error(&BuildExitError{Code: 2})

	var exitErr *BuildExitError
	assert.True(t, errors.As(err, &exitErr))
	assert.Equal(t, int64(2), exitErr.Code)
	assert.Contains(t, err.Error(), "exited with code 2")
}
