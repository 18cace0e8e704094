//go:build linux
// +build linux

// Package local implements the "local" storage driver: a guest-side
// directory shared between the containers of a sandbox, with ownership and
// permissions taken from the mount options.
package local

import (
	"context"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"golang.org/x/sys/unix"

	"github.com/virtshim/guestagent/internal/logfields"
	"github.com/virtshim/guestagent/internal/oc"
	"github.com/virtshim/guestagent/internal/prot"
	"github.com/virtshim/guestagent/internal/storage"
)

const (
	// fsGroupOption carries the GID the mount point is chowned to, as a
	// decimal unsigned integer.
	fsGroupOption = "fsGroup"
	// modeOption carries the mount point permission bits as an octal string.
	modeOption = "mode"

	// modeSetgid is or'd into the permission bits whenever a group change
	// was applied, so files created under the mount inherit the group.
	modeSetgid = 0o2000
)

// Test dependencies.
var (
	osMkdirAll = os.MkdirAll
	unixChown  = unix.Chown
	unixChmod  = unix.Chmod
)

// Handler serves the "local" driver.
type Handler struct{}

var _ storage.Handler = &Handler{}

func (*Handler) DriverTypes() []string {
	return []string{"local"}
}

// CreateDevice creates the mount-point directory and applies ownership and
// permission options, in order; the first failure aborts the call. A chown
// that succeeded before a later chmod failure is not rolled back.
func (*Handler) CreateDevice(ctx context.Context, stg *prot.Storage, _ *storage.Context) (_ storage.Device, err error) {
	_, span := oc.StartSpan(ctx, "local::CreateDevice")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()
	span.AddAttributes(
		trace.StringAttribute(logfields.MountPoint, stg.MountPoint),
		trace.StringAttribute(logfields.Options, storage.FormatOptions(stg.Options)))

	if err := osMkdirAll(stg.MountPoint, 0750); err != nil {
		return nil, errors.Wrapf(err, "failed to create local storage directory %s", stg.MountPoint)
	}

	opts := storage.ParseKeyValueOptions(stg.Options)

	needSetgid := false
	if value, ok := opts[fsGroupOption]; ok {
		gid, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid %s option %q for %s", fsGroupOption, value, stg.MountPoint)
		}
		// Change the owning group only, leaving the user untouched.
		if err := unixChown(stg.MountPoint, -1, int(gid)); err != nil {
			return nil, errors.Wrapf(err, "failed to chown %s to group %d", stg.MountPoint, gid)
		}
		needSetgid = true
	}

	if value, ok := opts[modeOption]; ok {
		mode, err := strconv.ParseUint(value, 8, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid %s option %q for %s", modeOption, value, stg.MountPoint)
		}
		if needSetgid {
			mode |= modeSetgid
		}
		if err := unixChmod(stg.MountPoint, uint32(mode)); err != nil {
			return nil, errors.Wrapf(err, "failed to chmod %s to %#o", stg.MountPoint, mode)
		}
	}

	// The local handler owns no distinct unmountable resource beyond the
	// directory; teardown of the directory belongs to the caller.
	return storage.NewGenericDevice(""), nil
}
