//go:build linux
// +build linux

// Package runtime defines the interface to the container supervisor the
// agent drives. The supervisor binary itself ships separately; the agent
// only issues lifecycle commands and relays stdio.
package runtime

import (
	"context"
	"syscall"

	"github.com/containerd/console"
	oci "github.com/opencontainers/runtime-spec/specs-go"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/virtshim/guestagent/internal/stdio"
)

var (
	ErrContainerAlreadyExists = status.Error(codes.AlreadyExists, "container already exists")
	ErrContainerDoesNotExist  = status.Error(codes.NotFound, "container does not exist")
	ErrProcessDoesNotExist    = status.Error(codes.NotFound, "process does not exist")
	ErrContainerNotRunning    = status.Error(codes.FailedPrecondition, "container not running")
	ErrInvalidContainerID     = status.Error(codes.InvalidArgument, "invalid container ID")
)

// ContainerState gives information about a container created by a Runtime.
type ContainerState struct {
	ID         string
	Pid        int
	BundlePath string
	Status     string
}

// Process is a handle to one process the supervisor started for us, either
// a container init process or an exec.
type Process interface {
	// Pid is the guest pid of the process.
	Pid() int
	// Wait blocks until the process exits and returns its exit code.
	Wait(ctx context.Context) (int, error)
	// Signal delivers `sig` to the process.
	Signal(ctx context.Context, sig syscall.Signal) error
	// Console returns the process's controlling terminal, or nil for a
	// process started without one.
	Console() console.Console
	// Delete releases the supervisor's bookkeeping for an exited process.
	Delete(ctx context.Context) error
}

// Container is a handle to one container the supervisor manages.
type Container interface {
	ID() string
	// Init returns the container's init process handle.
	Init() Process
	// Start runs the init process of a created container.
	Start(ctx context.Context) error
	// ExecProcess starts an additional process in the running container,
	// with stdio relayed through `stdioSet`.
	ExecProcess(ctx context.Context, process *oci.Process, stdioSet *stdio.ConnectionSet) (Process, error)
	// Kill delivers `sig` to the init process.
	Kill(ctx context.Context, sig syscall.Signal) error
	// State reports the supervisor's view of the container.
	State(ctx context.Context) (*ContainerState, error)
	// Delete removes a stopped container. Forced delete after `timeout`
	// seconds when the container is still running; zero means no force.
	Delete(ctx context.Context, timeout uint32) error
}

// Runtime issues lifecycle commands to the container supervisor.
type Runtime interface {
	// CreateContainer prepares a container from the bundle at `bundlePath`
	// without starting its init process.
	CreateContainer(ctx context.Context, id string, bundlePath string, stdioSet *stdio.ConnectionSet) (Container, error)
	// ListContainerStates reports every container the supervisor knows.
	ListContainerStates(ctx context.Context) ([]ContainerState, error)
}
