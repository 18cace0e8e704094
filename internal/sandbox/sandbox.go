//go:build linux
// +build linux

// Package sandbox holds the in-guest state shared by every container of a
// pod: the container table, per-container process tables, and the storage
// refcounts that let several containers share one mount.
package sandbox

import (
	"context"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/virtshim/guestagent/internal/log"
	"github.com/virtshim/guestagent/internal/logfields"
	"github.com/virtshim/guestagent/internal/runtime"
	"github.com/virtshim/guestagent/internal/storage"
)

// Sandbox is the root of all per-pod state. One sandbox exists per guest;
// it is created by the first lifecycle request and torn down with the VM.
type Sandbox struct {
	ID       string
	Hostname string

	mu         sync.Mutex
	containers map[string]*Container
	storages   map[string]*storageEntry
	destroyed  bool
}

type storageEntry struct {
	refCount int
	device   storage.Device
}

// Container pairs a supervisor container handle with the agent's own
// bookkeeping: exec processes by ID and the storage mount points the
// container holds references on.
type Container struct {
	ID string

	mu        sync.Mutex
	container runtime.Container
	processes map[string]runtime.Process
	mounts    []string
}

// New builds an empty sandbox.
func New(id, hostname string) *Sandbox {
	return &Sandbox{
		ID:         id,
		Hostname:   hostname,
		containers: make(map[string]*Container),
		storages:   make(map[string]*storageEntry),
	}
}

// AddContainer registers a created container. The ID must be new.
func (s *Sandbox) AddContainer(id string, c runtime.Container) (*Container, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil, errors.Errorf("sandbox %s is destroyed", s.ID)
	}
	if _, ok := s.containers[id]; ok {
		return nil, runtime.ErrContainerAlreadyExists
	}
	entry := &Container{
		ID:        id,
		container: c,
		processes: make(map[string]runtime.Process),
	}
	s.containers[id] = entry
	return entry, nil
}

// GetContainer looks a container up by ID.
func (s *Sandbox) GetContainer(id string) (*Container, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[id]
	if !ok {
		return nil, runtime.ErrContainerDoesNotExist
	}
	return c, nil
}

// RemoveContainer drops the container from the table and releases its
// storage references. The caller has already deleted it in the supervisor.
func (s *Sandbox) RemoveContainer(ctx context.Context, id string) error {
	s.mu.Lock()
	c, ok := s.containers[id]
	if !ok {
		s.mu.Unlock()
		return runtime.ErrContainerDoesNotExist
	}
	delete(s.containers, id)
	s.mu.Unlock()

	c.mu.Lock()
	mounts := c.mounts
	c.mounts = nil
	c.mu.Unlock()

	for _, mountPoint := range mounts {
		if err := s.RemoveStorage(ctx, mountPoint); err != nil {
			log.G(ctx).WithFields(logrus.Fields{
				logfields.ContainerID: id,
				logfields.MountPoint:  mountPoint,
			}).WithError(err).Warn("failed to release container storage")
		}
	}
	return nil
}

// ContainerIDs lists the registered containers.
func (s *Sandbox) ContainerIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.containers))
	for id := range s.containers {
		ids = append(ids, id)
	}
	return ids
}

// Destroy kills every remaining container and cleans up every storage. It
// is idempotent; a second call is a no-op.
func (s *Sandbox) Destroy(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	containers := make([]*Container, 0, len(s.containers))
	for _, c := range s.containers {
		containers = append(containers, c)
	}
	s.containers = make(map[string]*Container)
	storages := s.storages
	s.storages = make(map[string]*storageEntry)
	s.mu.Unlock()

	for _, c := range containers {
		if err := c.Kill(ctx, syscall.SIGKILL); err != nil {
			log.G(ctx).WithField(logfields.ContainerID, c.ID).
				WithError(err).Warn("failed to kill container during sandbox destroy")
		}
	}
	var firstErr error
	for mountPoint, entry := range storages {
		if entry.device == nil {
			continue
		}
		if err := entry.device.Cleanup(ctx); err != nil {
			log.G(ctx).WithField(logfields.MountPoint, mountPoint).
				WithError(err).Error("failed to clean up sandbox storage")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

var _ storage.SandboxStore = &Sandbox{}

// AddStorage registers interest in a mount point, returning the new
// refcount and the already-attached device if this is not the first user.
func (s *Sandbox) AddStorage(mountPoint string) (int, storage.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.storages[mountPoint]
	if !ok {
		entry = &storageEntry{}
		s.storages[mountPoint] = entry
	}
	entry.refCount++
	return entry.refCount, entry.device
}

// UpdateStorage records the device attached for a mount point registered by
// a prior AddStorage.
func (s *Sandbox) UpdateStorage(mountPoint string, device storage.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.storages[mountPoint]
	if !ok {
		return errors.Errorf("no storage registered at %s", mountPoint)
	}
	entry.device = device
	return nil
}

// RemoveStorage drops one reference on a mount point and cleans the device
// up when the last reference is gone.
func (s *Sandbox) RemoveStorage(ctx context.Context, mountPoint string) error {
	s.mu.Lock()
	entry, ok := s.storages[mountPoint]
	if !ok {
		s.mu.Unlock()
		return errors.Errorf("no storage registered at %s", mountPoint)
	}
	entry.refCount--
	if entry.refCount > 0 {
		s.mu.Unlock()
		return nil
	}
	delete(s.storages, mountPoint)
	device := entry.device
	s.mu.Unlock()

	if device == nil {
		return nil
	}
	return device.Cleanup(ctx)
}

// Runtime returns the supervisor handle for the container.
func (c *Container) Runtime() runtime.Container {
	return c.container
}

// AddMounts records storage mount points the container holds references on,
// to be released when the container is removed.
func (c *Container) AddMounts(mounts []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mounts = append(c.mounts, mounts...)
}

// AddProcess registers an exec process under its exec ID.
func (c *Container) AddProcess(execID string, p runtime.Process) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.processes[execID]; ok {
		return errors.Errorf("exec ID %s already in use in container %s", execID, c.ID)
	}
	c.processes[execID] = p
	return nil
}

// GetProcess resolves an exec ID to a process handle. The empty exec ID
// names the init process.
func (c *Container) GetProcess(execID string) (runtime.Process, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if execID == "" {
		if c.container == nil {
			return nil, runtime.ErrProcessDoesNotExist
		}
		return c.container.Init(), nil
	}
	p, ok := c.processes[execID]
	if !ok {
		return nil, runtime.ErrProcessDoesNotExist
	}
	return p, nil
}

// RemoveProcess drops an exited exec process from the table.
func (c *Container) RemoveProcess(execID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.processes, execID)
}

// Kill delivers a signal to the container's init process.
func (c *Container) Kill(ctx context.Context, sig syscall.Signal) error {
	if c.container == nil {
		return runtime.ErrContainerNotRunning
	}
	return c.container.Kill(ctx, sig)
}
