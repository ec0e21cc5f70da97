package orchestrator

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrUnsupported is returned by backends that cannot serve an operation.
var ErrUnsupported = errors.New("operation not supported by backend")

// ErrNotFound is returned when the referenced container does not exist.
var ErrNotFound = errors.New("container not found")

// ContainerOrchestrator is the container lifecycle collaborator. The terminal
// layer only needs IsRunning and AttachPTY; the rest backs the container routes.
type ContainerOrchestrator interface {
	Initialize(ctx context.Context) error
	IsAvailable(ctx context.Context) bool
	BackendName() string

	// Terminal attachment
	IsRunning(ctx context.Context, ref string) (bool, error)
	AttachPTY(ctx context.Context, ref string, cmd []string, rows, cols uint16) (*ExecSession, error)

	// Lifecycle
	CreateContainer(ctx context.Context, params CreateParams) (string, error)
	StartContainer(ctx context.Context, ref string) error
	StopContainer(ctx context.Context, ref string) error
	RestartContainer(ctx context.Context, ref string) error
	RemoveContainer(ctx context.Context, ref string) error

	// Inspection
	ListContainers(ctx context.Context, all bool) ([]ContainerInfo, error)
	InspectContainer(ctx context.Context, ref string) (*ContainerInfo, error)
	ContainerStats(ctx context.Context, ref string) (*ContainerStats, error)
	ContainerLogs(ctx context.Context, ref string, tail int, timestamps bool) (string, error)
}

// ExecSession is an interactive process attached to a pseudo-terminal.
// Stdout carries the merged terminal output and returns io.EOF once the
// process has exited. Close releases the attachment and unblocks any
// pending Stdin write or Stdout read.
type ExecSession struct {
	Stdin  io.Writer
	Stdout io.Reader
	Resize func(cols, rows uint16) error
	Close  func() error
}

// CreateParams describes a container to create, usually rendered from a
// container template.
type CreateParams struct {
	Name        string
	Image       string
	Command     []string
	WorkingDir  string
	Env         map[string]string
	Volumes     []string // "source:target[:ro]"
	Ports       []string // "host:container[/proto]"
	Privileged  bool
	ReadOnly    bool
	MemoryLimit string // docker-style, e.g. "512m"
	CPULimit    string // cores, e.g. "1.5" or "500m"
	CPUShares   int64
	Template    string
}

type ContainerInfo struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Image    string            `json:"image"`
	Status   string            `json:"status"`
	Running  bool              `json:"running"`
	Created  time.Time         `json:"created"`
	Ports    []string          `json:"ports,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
	Template string            `json:"template,omitempty"`
}

type ContainerStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsage   uint64  `json:"memory_usage"`
	MemoryLimit   uint64  `json:"memory_limit"`
	MemoryPercent float64 `json:"memory_percent"`
	NetworkRx     uint64  `json:"network_rx"`
	NetworkTx     uint64  `json:"network_tx"`
}
