//go:build linux
// +build linux

// Package storage maps host-provided storage descriptors onto guest mount
// points through a registry of per-driver handlers.
package storage

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"

	"github.com/virtshim/guestagent/internal/log"
	"github.com/virtshim/guestagent/internal/logfields"
	"github.com/virtshim/guestagent/internal/oc"
	"github.com/virtshim/guestagent/internal/prot"
)

// Device is an opaque handle to a successfully attached storage resource.
// A Device is never partially mounted: CreateDevice is all-or-nothing.
type Device interface {
	// Path is the guest path the resource is available under, or empty when
	// the handler owns no distinct unmountable resource.
	Path() string
	// Cleanup releases the resource: unmount if mounted, remove the
	// mount-point directory if it is empty.
	Cleanup(ctx context.Context) error
}

// Context is the request-scoped state threaded through one CreateDevice
// call. It is discarded when the call returns.
type Context struct {
	// ContainerID of the container the storage is attached for; empty for
	// sandbox-wide storage.
	ContainerID string
}

// Handler turns a storage descriptor into a mounted Device for the driver
// strings it claims.
type Handler interface {
	// DriverTypes returns the driver-type strings this handler serves.
	DriverTypes() []string
	// CreateDevice attaches the described storage. On failure no device is
	// returned and any mount the handler created has been torn down; a chown
	// that succeeded before a later step failed is not undone.
	CreateDevice(ctx context.Context, storage *prot.Storage, sctx *Context) (Device, error)
}

// HandlerManager is the driver-string to handler lookup table. It is built
// once at startup; a driver string claimed by two handlers is a
// configuration error detected at construction, not at call time.
type HandlerManager struct {
	handlers map[string]Handler
}

func NewHandlerManager(handlers ...Handler) (*HandlerManager, error) {
	m := &HandlerManager{handlers: make(map[string]Handler)}
	for _, h := range handlers {
		for _, driver := range h.DriverTypes() {
			if _, ok := m.handlers[driver]; ok {
				return nil, errors.Errorf("storage driver %q claimed by two handlers", driver)
			}
			m.handlers[driver] = h
		}
	}
	return m, nil
}

// Handler returns the handler registered for `driver`.
func (m *HandlerManager) Handler(driver string) (Handler, bool) {
	h, ok := m.handlers[driver]
	return h, ok
}

// DriverTypes returns every driver string the manager serves.
func (m *HandlerManager) DriverTypes() []string {
	drivers := make([]string, 0, len(m.handlers))
	for d := range m.handlers {
		drivers = append(drivers, d)
	}
	return drivers
}

// SandboxStore is the sandbox-wide shared state AddStorages coordinates
// with: a per-mount-point refcount so a storage attached for several
// containers is mounted once and unmounted when the last user is gone.
type SandboxStore interface {
	// AddStorage registers interest in `mountPoint` and returns the new
	// refcount together with the device attached by a previous call, if any.
	AddStorage(mountPoint string) (refCount int, existing Device)
	// UpdateStorage records the device attached for `mountPoint`.
	UpdateStorage(mountPoint string, device Device) error
	// RemoveStorage drops one reference and cleans the device up when the
	// count reaches zero.
	RemoveStorage(ctx context.Context, mountPoint string) error
}

// AddStorages attaches the given storages in order, resolving each driver
// through `mgr`. It returns the mount points the caller now holds
// references on, one per storage, to be handed back to
// SandboxStore.RemoveStorage on release. The first failure aborts the whole
// call; storages attached by earlier iterations stay attached and remain
// owned by the store.
func AddStorages(ctx context.Context, mgr *HandlerManager, store SandboxStore, storages []*prot.Storage, containerID string) (_ []string, err error) {
	ctx, span := oc.StartSpan(ctx, "storage::AddStorages")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()
	span.AddAttributes(trace.StringAttribute(logfields.ContainerID, containerID))

	var mountList []string
	for _, storage := range storages {
		entry := log.G(ctx).WithFields(logrus.Fields{
			logfields.Driver:     storage.Driver,
			logfields.MountPoint: storage.MountPoint,
		})

		refCount, _ := store.AddStorage(storage.MountPoint)
		if refCount > 1 {
			// Already attached for another container in this sandbox.
			mountList = append(mountList, storage.MountPoint)
			entry.WithField("refCount", refCount).Debug("storage already attached")
			continue
		}

		handler, ok := mgr.Handler(storage.Driver)
		if !ok {
			if rerr := store.RemoveStorage(ctx, storage.MountPoint); rerr != nil {
				entry.WithError(rerr).Warn("failed to remove placeholder sandbox storage")
			}
			return nil, errors.Errorf("no storage handler for driver %q", storage.Driver)
		}

		sctx := &Context{ContainerID: containerID}
		device, err := handler.CreateDevice(ctx, storage, sctx)
		if err != nil {
			entry.WithError(err).Error("failed to create device for storage")
			if rerr := store.RemoveStorage(ctx, storage.MountPoint); rerr != nil {
				entry.WithError(rerr).Warn("failed to remove placeholder sandbox storage")
			}
			return nil, err
		}

		if err := store.UpdateStorage(storage.MountPoint, device); err != nil {
			entry.WithError(err).Error("failed to update device for storage")
			if rerr := store.RemoveStorage(ctx, storage.MountPoint); rerr != nil {
				entry.WithError(rerr).Warn("failed to remove placeholder sandbox storage")
			}
			if cerr := device.Cleanup(ctx); cerr != nil {
				entry.WithError(cerr).Error("failed to clean up storage device")
			}
			return nil, err
		}

		mountList = append(mountList, storage.MountPoint)
	}

	return mountList, nil
}
