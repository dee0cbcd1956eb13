package types

import (
	"fmt"
	"strings"
	"time"
)

// Slot identifies one of the two symmetric runtime container placeholders
// of a project. The active slot receives production traffic; deployments
// always target the inactive one.
type Slot string

const (
	SlotBlue  Slot = "Blue"
	SlotGreen Slot = "Green"
)

// Opposite returns the other slot.
func (s Slot) Opposite() Slot {
	if s == SlotBlue {
		return SlotGreen
	}
	return SlotBlue
}

// Lower returns the slot name in the form used in container names.
func (s Slot) Lower() string {
	return strings.ToLower(string(s))
}

// CacheType selects the host cache directory and its in-container mount path.
type CacheType string

const (
	CacheGradle CacheType = "gradle"
	CacheMaven  CacheType = "maven"
	CacheNPM    CacheType = "npm"
	CachePip    CacheType = "pip"
	CacheCargo  CacheType = "cargo"
	CacheGo     CacheType = "go"
	CacheNone   CacheType = "none"
)

// MountPath returns the canonical in-container path for the cache kind.
// Unknown kinds mount to /cache.
func (c CacheType) MountPath() string {
	switch c {
	case CacheGradle:
		return "/root/.gradle"
	case CacheMaven:
		return "/root/.m2"
	case CacheNPM:
		return "/root/.npm"
	case CachePip:
		return "/root/.cache/pip"
	case CacheCargo:
		return "/root/.cargo"
	case CacheGo:
		return "/root/go/pkg/mod"
	default:
		return "/cache"
	}
}

// Project is a declarative unit of deployment: a source repository plus a
// build recipe and a runtime recipe, fronted by a blue/green slot pair.
type Project struct {
	ID               int64     `json:"id" db:"id"`
	Name             string    `json:"name" db:"name"`
	Repo             string    `json:"repo" db:"repo"`
	Branch           string    `json:"branch" db:"branch"`
	PathFilter       string    `json:"path_filter" db:"path_filter"`
	BuildImage       string    `json:"build_image" db:"build_image"`
	BuildCommand     string    `json:"build_command" db:"build_command"`
	CacheType        CacheType `json:"cache_type" db:"cache_type"`
	WorkingDirectory string    `json:"working_directory" db:"working_directory"`
	RuntimeImage     string    `json:"runtime_image" db:"runtime_image"`
	RuntimeCommand   string    `json:"runtime_command" db:"runtime_command"`
	RuntimePort      int       `json:"runtime_port" db:"runtime_port"`
	HealthCheckURL   string    `json:"health_check_url" db:"health_check_url"`

	// Slot allocation, assigned at creation and immutable.
	BluePort  int `json:"blue_port" db:"blue_port"`
	GreenPort int `json:"green_port" db:"green_port"`

	ActiveSlot       Slot      `json:"active_slot" db:"active_slot"`
	BlueContainerID  string    `json:"blue_container_id" db:"blue_container_id"`
	GreenContainerID string    `json:"green_container_id" db:"green_container_id"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// PortForSlot returns the host port assigned to the given slot.
func (p *Project) PortForSlot(slot Slot) int {
	if slot == SlotBlue {
		return p.BluePort
	}
	return p.GreenPort
}

// ContainerIDForSlot returns the runtime container id recorded for the slot,
// or empty if the slot was never deployed.
func (p *Project) ContainerIDForSlot(slot Slot) string {
	if slot == SlotBlue {
		return p.BlueContainerID
	}
	return p.GreenContainerID
}

// SlotContainerName returns the runtime container name for a project slot.
func (p *Project) SlotContainerName(slot Slot) string {
	return fmt.Sprintf("project-%d-%s", p.ID, slot.Lower())
}

// ActiveContainerName returns the container name the reverse proxy routes to.
func (p *Project) ActiveContainerName() string {
	return p.SlotContainerName(p.ActiveSlot)
}

// BuildStatus is the lifecycle state of a build.
// Transitions form a DAG: Queued -> Building -> {Success, Failed}.
type BuildStatus string

const (
	BuildQueued   BuildStatus = "Queued"
	BuildBuilding BuildStatus = "Building"
	BuildSuccess  BuildStatus = "Success"
	BuildFailed   BuildStatus = "Failed"
)

// Terminal reports whether the status admits no further transitions.
func (s BuildStatus) Terminal() bool {
	return s == BuildSuccess || s == BuildFailed
}

// Build is one execution of a project's pipeline, retained after completion
// so its artifact directory can serve later rollbacks.
type Build struct {
	ID            int64       `json:"id" db:"id"`
	ProjectID     int64       `json:"project_id" db:"project_id"`
	BuildNumber   int         `json:"build_number" db:"build_number"`
	CommitHash    string      `json:"commit_hash" db:"commit_hash"`
	CommitMessage string      `json:"commit_message" db:"commit_message"`
	Author        string      `json:"author" db:"author"`
	Status        BuildStatus `json:"status" db:"status"`
	OutputPath    string      `json:"output_path" db:"output_path"`
	DeployedSlot  *Slot       `json:"deployed_slot" db:"deployed_slot"`
	LogPath       string      `json:"log_path" db:"log_path"`
	DeployLogPath string      `json:"deploy_log_path" db:"deploy_log_path"`
	StartedAt     time.Time   `json:"started_at" db:"started_at"`
	FinishedAt    *time.Time  `json:"finished_at" db:"finished_at"`
}

// ContainerState is the lifecycle state of a standalone container.
type ContainerState string

const (
	ContainerStopped  ContainerState = "Stopped"
	ContainerPulling  ContainerState = "Pulling"
	ContainerStarting ContainerState = "Starting"
	ContainerRunning  ContainerState = "Running"
)

// ProtocolType is how a standalone container's port is consumed.
type ProtocolType string

const (
	ProtocolTCP  ProtocolType = "tcp"
	ProtocolHTTP ProtocolType = "http"
)

// Container is a standalone long-lived container managed by the agent but
// not owned by any project (databases, caches, brokers).
type Container struct {
	ID            int64          `json:"id" db:"id"`
	Name          string         `json:"name" db:"name"`
	Image         string         `json:"image" db:"image"`
	HostPort      int            `json:"host_port" db:"host_port"`
	ContainerPort int            `json:"container_port" db:"container_port"`
	EnvVars       string         `json:"env_vars" db:"env_vars"`
	Command       string         `json:"command" db:"command"`
	PersistData   bool           `json:"persist_data" db:"persist_data"`
	ProtocolType  ProtocolType   `json:"protocol_type" db:"protocol_type"`
	Status        ContainerState `json:"status" db:"status"`
	DockerID      string         `json:"docker_id" db:"docker_id"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
}

// RuntimeName returns the name of the container on the docker daemon.
func (c *Container) RuntimeName() string {
	return "container-" + c.Name
}

// PortStatus classifies a port_allocations row.
type PortStatus string

const (
	PortAllocated    PortStatus = "allocated"
	PortUsedBySystem PortStatus = "used_by_system"
)

// PortAllocation is a persistent reservation of a host TCP port.
type PortAllocation struct {
	Port          int        `json:"port" db:"port"`
	Status        PortStatus `json:"status" db:"status"`
	OwnerType     string     `json:"owner_type" db:"owner_type"`
	OwnerID       int64      `json:"owner_id" db:"owner_id"`
	LastCheckedAt *time.Time `json:"last_checked_at" db:"last_checked_at"`
}

// Port ranges. Projects draw slot ports from the application range,
// standalone containers from the container range.
const (
	AppPortMin       = 10000
	AppPortMax       = 14999
	ContainerPortMin = 15000
	ContainerPortMax = 19999
)

// Session is an authenticated user session. The agent core only reads and
// sweeps sessions; creation belongs to the external auth layer.
type Session struct {
	Token     string    `json:"token" db:"token"`
	UserID    int64     `json:"user_id" db:"user_id"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
