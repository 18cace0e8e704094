//go:build linux
// +build linux

package storage

import (
	"context"
	"os"

	"github.com/pkg/errors"
)

// GenericDevice is the Device implementation for storages whose only guest
// resource is a mounted directory.
type GenericDevice struct {
	path string
}

var _ Device = &GenericDevice{}

// NewGenericDevice returns a device handle for `path`. An empty path yields
// a no-op placeholder whose Cleanup does nothing.
func NewGenericDevice(path string) *GenericDevice {
	return &GenericDevice{path: path}
}

func (d *GenericDevice) Path() string {
	return d.path
}

// Cleanup unmounts the device path and removes the directory left behind.
// A directory that still has entries after the unmount is an error: it means
// someone other than the mount owns content there.
func (d *GenericDevice) Cleanup(ctx context.Context) error {
	if d.path == "" {
		return nil
	}

	fi, err := osStat(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "failed to stat storage path %s", d.path)
	}

	if err := UnmountPath(ctx, d.path, false); err != nil {
		return err
	}

	if !fi.IsDir() {
		return nil
	}

	entries, err := os.ReadDir(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "failed to read storage directory %s", d.path)
	}
	if len(entries) > 0 {
		return errors.Errorf("directory %s is not empty when cleaning up storage", d.path)
	}

	// Removal can fail when the directory sits on a read-only filesystem;
	// that is fine, the mount itself is gone.
	_ = os.Remove(d.path)
	return nil
}
