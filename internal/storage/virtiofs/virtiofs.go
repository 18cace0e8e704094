//go:build linux
// +build linux

// Package virtiofs implements the shared-filesystem storage drivers: host
// directories exported into the guest over virtio-fs or virtio-9p.
package virtiofs

import (
	"context"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"github.com/virtshim/guestagent/internal/logfields"
	"github.com/virtshim/guestagent/internal/oc"
	"github.com/virtshim/guestagent/internal/prot"
	"github.com/virtshim/guestagent/internal/storage"
)

const (
	driverVirtioFS = "virtio-fs"
	driverVirtio9P = "virtio-9p"
)

// fsTypes maps the wire driver string onto the filesystem type handed to
// mount(2).
var fsTypes = map[string]string{
	driverVirtioFS: "virtiofs",
	driverVirtio9P: "9p",
}

// Handler serves the shared-filesystem drivers.
type Handler struct{}

var _ storage.Handler = &Handler{}

func (*Handler) DriverTypes() []string {
	return []string{driverVirtioFS, driverVirtio9P}
}

// CreateDevice mounts the shared export tag at the storage mount point. The
// descriptor's FsType wins when set; otherwise the type implied by the
// driver is used.
func (*Handler) CreateDevice(ctx context.Context, stg *prot.Storage, _ *storage.Context) (_ storage.Device, err error) {
	ctx, span := oc.StartSpan(ctx, "virtiofs::CreateDevice")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()
	span.AddAttributes(
		trace.StringAttribute(logfields.Driver, stg.Driver),
		trace.StringAttribute(logfields.Source, stg.Source),
		trace.StringAttribute(logfields.MountPoint, stg.MountPoint))

	fsType := stg.FsType
	if fsType == "" {
		fsType = fsTypes[stg.Driver]
	}
	if fsType == "" {
		return nil, errors.Errorf("no filesystem type for shared storage driver %q", stg.Driver)
	}

	mount := &prot.Storage{
		Driver:     stg.Driver,
		Source:     stg.Source,
		MountPoint: stg.MountPoint,
		FsType:     fsType,
		Options:    stg.Options,
	}
	if err := storage.MountStorage(ctx, mount); err != nil {
		return nil, err
	}
	return storage.NewGenericDevice(stg.MountPoint), nil
}
