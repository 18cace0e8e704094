//go:build linux
// +build linux

// Package ephemeral implements the "ephemeral" storage driver: a tmpfs
// mount that lives and dies with the sandbox.
package ephemeral

import (
	"context"

	"go.opencensus.io/trace"

	"github.com/virtshim/guestagent/internal/logfields"
	"github.com/virtshim/guestagent/internal/oc"
	"github.com/virtshim/guestagent/internal/prot"
	"github.com/virtshim/guestagent/internal/storage"
)

// Handler serves the "ephemeral" driver.
type Handler struct{}

var _ storage.Handler = &Handler{}

func (*Handler) DriverTypes() []string {
	return []string{"ephemeral"}
}

// CreateDevice mounts a tmpfs at the storage mount point. Size and mode
// limits arrive as plain mount options and are passed through to the
// kernel unchanged.
func (*Handler) CreateDevice(ctx context.Context, stg *prot.Storage, _ *storage.Context) (_ storage.Device, err error) {
	ctx, span := oc.StartSpan(ctx, "ephemeral::CreateDevice")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()
	span.AddAttributes(
		trace.StringAttribute(logfields.MountPoint, stg.MountPoint),
		trace.StringAttribute(logfields.Options, storage.FormatOptions(stg.Options)))

	mount := &prot.Storage{
		Driver:     stg.Driver,
		Source:     "tmpfs",
		MountPoint: stg.MountPoint,
		FsType:     "tmpfs",
		Options:    stg.Options,
	}
	if err := storage.MountStorage(ctx, mount); err != nil {
		return nil, err
	}
	return storage.NewGenericDevice(stg.MountPoint), nil
}
