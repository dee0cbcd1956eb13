package events

import (
	"encoding/json"
	"time"

	"github.com/easycicd/easycicd/pkg/types"
)

// EventType discriminates event variants on the wire.
type EventType string

const (
	EventBuildStatus               EventType = "build_status"
	EventLog                       EventType = "log"
	EventDeployment                EventType = "deployment"
	EventHealthCheck               EventType = "health_check"
	EventContainerStatus           EventType = "container_status"
	EventStandaloneContainerStatus EventType = "standalone_container_status"
	EventContainerLog              EventType = "container_log"
	EventError                     EventType = "error"
)

// Event is one variant of the agent's event union.
type Event interface {
	Kind() EventType
}

// BuildStatusEvent reports a build status transition.
type BuildStatusEvent struct {
	BuildID   int64             `json:"build_id"`
	ProjectID int64             `json:"project_id"`
	Status    types.BuildStatus `json:"status"`
	TraceID   string            `json:"trace_id,omitempty"`
	Timestamp time.Time         `json:"ts"`
}

func (BuildStatusEvent) Kind() EventType { return EventBuildStatus }

// LogEvent carries one build log line.
type LogEvent struct {
	BuildID    int64     `json:"build_id"`
	Line       string    `json:"line"`
	LineNumber int       `json:"line_number"`
	TraceID    string    `json:"trace_id,omitempty"`
	Timestamp  time.Time `json:"ts"`
}

func (LogEvent) Kind() EventType { return EventLog }

// DeploymentEvent reports progress of a blue/green cutover.
// Status is one of "deploying", "Success", "Failed", "Rollback Success".
type DeploymentEvent struct {
	ProjectID   int64      `json:"project_id"`
	ProjectName string     `json:"project_name"`
	BuildID     int64      `json:"build_id"`
	Status      string     `json:"status"`
	Slot        types.Slot `json:"slot"`
	URL         string     `json:"url,omitempty"`
	TraceID     string     `json:"trace_id,omitempty"`
	Timestamp   time.Time  `json:"ts"`
}

func (DeploymentEvent) Kind() EventType { return EventDeployment }

// HealthCheckEvent reports one health gate attempt during a deployment.
type HealthCheckEvent struct {
	ProjectID   int64     `json:"project_id"`
	BuildID     int64     `json:"build_id"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"max_attempts"`
	Status      string    `json:"status"`
	URL         string    `json:"url,omitempty"`
	TraceID     string    `json:"trace_id,omitempty"`
	Timestamp   time.Time `json:"ts"`
}

func (HealthCheckEvent) Kind() EventType { return EventHealthCheck }

// ContainerStatusEvent reports a project slot container state transition.
type ContainerStatusEvent struct {
	ProjectID     int64      `json:"project_id"`
	ContainerName string     `json:"container_name"`
	Slot          types.Slot `json:"slot"`
	Status        string     `json:"status"`
	Timestamp     time.Time  `json:"ts"`
}

func (ContainerStatusEvent) Kind() EventType { return EventContainerStatus }

// StandaloneContainerStatusEvent reports a standalone container transition.
type StandaloneContainerStatusEvent struct {
	ContainerID int64     `json:"container_id"`
	Name        string    `json:"name"`
	DockerID    string    `json:"docker_id,omitempty"`
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"ts"`
}

func (StandaloneContainerStatusEvent) Kind() EventType {
	return EventStandaloneContainerStatus
}

// ContainerLogEvent carries one log line from a standalone container.
type ContainerLogEvent struct {
	ContainerID int64     `json:"container_id"`
	Name        string    `json:"name"`
	Line        string    `json:"line"`
	Timestamp   time.Time `json:"ts"`
}

func (ContainerLogEvent) Kind() EventType { return EventContainerLog }

// ErrorEvent surfaces a failure to subscribers even when no caller waits.
type ErrorEvent struct {
	ProjectID *int64    `json:"project_id,omitempty"`
	BuildID   *int64    `json:"build_id,omitempty"`
	Message   string    `json:"message"`
	TraceID   string    `json:"trace_id,omitempty"`
	Timestamp time.Time `json:"ts"`
}

func (ErrorEvent) Kind() EventType { return EventError }

// Marshal serializes an event with its externally-tagged discriminator.
func Marshal(ev Event) ([]byte, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	kind, err := json.Marshal(ev.Kind())
	if err != nil {
		return nil, err
	}
	m["type"] = kind
	return json.Marshal(m)
}
