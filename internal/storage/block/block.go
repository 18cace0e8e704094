//go:build linux
// +build linux

// Package block implements the block-device storage drivers: virtio-blk
// over PCI ("blk") and over MMIO ("mmioblk"). The host hot-plugs the
// device, so the guest node may not exist yet when the attach request
// arrives and the handler waits for it to show up.
package block

import (
	"context"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"

	"github.com/virtshim/guestagent/internal/log"
	"github.com/virtshim/guestagent/internal/logfields"
	"github.com/virtshim/guestagent/internal/oc"
	"github.com/virtshim/guestagent/internal/prot"
	"github.com/virtshim/guestagent/internal/storage"
)

// Test dependencies.
var osStat = os.Stat

const (
	devicePollInterval = 10 * time.Millisecond

	// DefaultDeviceWaitTimeout is used when the handler is built without an
	// explicit hot-plug timeout.
	DefaultDeviceWaitTimeout = 3 * time.Second
)

// Handler serves the block-device drivers.
type Handler struct {
	// DeviceWaitTimeout bounds the wait for the hot-plugged device node.
	// Zero selects DefaultDeviceWaitTimeout.
	DeviceWaitTimeout time.Duration
}

var _ storage.Handler = &Handler{}

func (h *Handler) waitTimeout() time.Duration {
	if h.DeviceWaitTimeout > 0 {
		return h.DeviceWaitTimeout
	}
	return DefaultDeviceWaitTimeout
}

func (*Handler) DriverTypes() []string {
	return []string{"blk", "mmioblk"}
}

// CreateDevice waits for the hot-plugged device node named by the storage
// source to appear, then mounts it at the mount point.
func (h *Handler) CreateDevice(ctx context.Context, stg *prot.Storage, _ *storage.Context) (_ storage.Device, err error) {
	ctx, span := oc.StartSpan(ctx, "block::CreateDevice")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()
	span.AddAttributes(
		trace.StringAttribute(logfields.Driver, stg.Driver),
		trace.StringAttribute(logfields.Source, stg.Source),
		trace.StringAttribute(logfields.MountPoint, stg.MountPoint),
		trace.StringAttribute(logfields.FsType, stg.FsType))

	if err := waitForDevice(ctx, stg.Source, h.waitTimeout()); err != nil {
		return nil, err
	}
	if err := storage.MountStorage(ctx, stg); err != nil {
		return nil, err
	}
	return storage.NewGenericDevice(stg.MountPoint), nil
}

// waitForDevice polls until the device node exists. Hot-plug usually lands
// well under the timeout; the deadline guards against a device the host
// never actually attached.
func waitForDevice(ctx context.Context, path string, timeout time.Duration) error {
	if path == "" {
		return errors.New("block storage source is empty")
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(devicePollInterval),
			uint64(timeout/devicePollInterval)),
		ctx)

	start := time.Now()
	err := backoff.Retry(func() error {
		if _, err := osStat(path); err != nil {
			if os.IsNotExist(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}, policy)
	if err != nil {
		return errors.Wrapf(err, "device node %s did not appear", path)
	}

	log.G(ctx).WithFields(logrus.Fields{
		logfields.Source: path,
		"waited":         time.Since(start).String(),
	}).Debug("block device node present")
	return nil
}
