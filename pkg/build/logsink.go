package build

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/easycicd/easycicd/pkg/events"
)

// LogSink persists build log lines to disk and mirrors each one onto the
// event bus with a zero-based, monotonically increasing line number.
type LogSink struct {
	mu      sync.Mutex
	file    *os.File
	bus     *events.Bus
	buildID int64
	traceID string
	prefix  string
	lineNo  int
}

func NewLogSink(path string, bus *events.Bus, buildID int64, traceID string) (*LogSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &LogSink{file: file, bus: bus, buildID: buildID, traceID: traceID}, nil
}

// NewDeployLogSink is the deployment variant: same persistence, every line
// tagged with the deploy prefix.
func NewDeployLogSink(path string, bus *events.Bus, buildID int64, traceID string) (*LogSink, error) {
	sink, err := NewLogSink(path, bus, buildID, traceID)
	if err != nil {
		return nil, err
	}
	sink.prefix = "[DEPLOY] "
	return sink, nil
}

// Line records a single log line.
func (s *LogSink) Line(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	full := s.prefix + line
	fmt.Fprintln(s.file, full)
	s.bus.Publish(events.LogEvent{
		BuildID:    s.buildID,
		Line:       full,
		LineNumber: s.lineNo,
		TraceID:    s.traceID,
		Timestamp:  time.Now().UTC(),
	})
	s.lineNo++
}

// Linef records a formatted log line.
func (s *LogSink) Linef(format string, args ...any) {
	s.Line(fmt.Sprintf(format, args...))
}

// Lines splits a multi-line blob into individual records, dropping the
// trailing empty line command output usually ends with.
func (s *LogSink) Lines(blob string) {
	trimmed := strings.TrimRight(blob, "\n")
	if trimmed == "" {
		return
	}
	for _, line := range strings.Split(trimmed, "\n") {
		s.Line(line)
	}
}

func (s *LogSink) Close() error {
	return s.file.Close()
}
