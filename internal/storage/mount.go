//go:build linux
// +build linux

package storage

import (
	"context"
	gerrors "errors"
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"golang.org/x/sys/unix"

	"github.com/virtshim/guestagent/internal/logfields"
	"github.com/virtshim/guestagent/internal/oc"
	"github.com/virtshim/guestagent/internal/prot"
)

// Test dependencies
var (
	osMkdirAll  = os.MkdirAll
	osRemoveAll = os.RemoveAll
	osStat      = os.Stat
	unixMount   = unix.Mount
	unixUnmount = unix.Unmount

	flags = map[string]struct {
		clear bool
		flag  uintptr
	}{
		"async":         {true, unix.MS_SYNCHRONOUS},
		"atime":         {true, unix.MS_NOATIME},
		"bind":          {false, unix.MS_BIND},
		"defaults":      {false, 0},
		"dev":           {true, unix.MS_NODEV},
		"diratime":      {true, unix.MS_NODIRATIME},
		"dirsync":       {false, unix.MS_DIRSYNC},
		"exec":          {true, unix.MS_NOEXEC},
		"lazytime":      {false, unix.MS_LAZYTIME},
		"mand":          {false, unix.MS_MANDLOCK},
		"noatime":       {false, unix.MS_NOATIME},
		"nodev":         {false, unix.MS_NODEV},
		"nodiratime":    {false, unix.MS_NODIRATIME},
		"noexec":        {false, unix.MS_NOEXEC},
		"nolazytime":    {true, unix.MS_LAZYTIME},
		"nomand":        {true, unix.MS_MANDLOCK},
		"norelatime":    {true, unix.MS_RELATIME},
		"nostrictatime": {true, unix.MS_STRICTATIME},
		"nosuid":        {false, unix.MS_NOSUID},
		"rbind":         {false, unix.MS_BIND | unix.MS_REC},
		"relatime":      {false, unix.MS_RELATIME},
		"remount":       {false, unix.MS_REMOUNT},
		"ro":            {false, unix.MS_RDONLY},
		"rw":            {true, unix.MS_RDONLY},
		"silent":        {false, unix.MS_SILENT},
		"strictatime":   {false, unix.MS_STRICTATIME},
		"suid":          {true, unix.MS_NOSUID},
		"sync":          {false, unix.MS_SYNCHRONOUS},
	}
)

// ParseMountFlags splits mount options into the mount(2) flag word and the
// residual data strings the filesystem interprets itself.
func ParseMountFlags(options []string) (flagOpts uintptr, data []string) {
	for _, o := range options {
		if f, exists := flags[o]; exists {
			if f.clear {
				flagOpts &= ^f.flag
			} else {
				flagOpts |= f.flag
			}
		} else {
			data = append(data, o)
		}
	}
	return
}

// ParseKeyValueOptions reduces "key=value" options to a map. Bare flags are
// skipped. On a duplicate key the last occurrence wins.
func ParseKeyValueOptions(options []string) map[string]string {
	kv := make(map[string]string)
	for _, o := range options {
		fields := strings.SplitN(o, "=", 2)
		if len(fields) == 2 {
			kv[fields[0]] = fields[1]
		}
	}
	return kv
}

// FormatOptions joins mount options into a single string for logging and
// span attributes.
func FormatOptions(options []string) string {
	return strings.Join(options, ",")
}

// MountStorage performs the mount described by `storage`: the mount point is
// created if absent, and on mount failure a directory this call created is
// removed again.
func MountStorage(ctx context.Context, storage *prot.Storage) (err error) {
	_, span := oc.StartSpan(ctx, "storage::MountStorage")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()
	span.AddAttributes(
		trace.StringAttribute(logfields.Source, storage.Source),
		trace.StringAttribute(logfields.MountPoint, storage.MountPoint),
		trace.StringAttribute(logfields.FsType, storage.FsType))

	created := false
	if _, serr := osStat(storage.MountPoint); serr != nil {
		if !os.IsNotExist(serr) {
			return errors.Wrapf(serr, "failed to stat mount point %s", storage.MountPoint)
		}
		if err := osMkdirAll(storage.MountPoint, 0755); err != nil {
			return errors.Wrapf(err, "failed to create mount point %s", storage.MountPoint)
		}
		created = true
	}
	defer func() {
		if err != nil && created {
			_ = osRemoveAll(storage.MountPoint)
		}
	}()

	flagOpts, data := ParseMountFlags(storage.Options)
	if err := unixMount(storage.Source, storage.MountPoint, storage.FsType, flagOpts, strings.Join(data, ",")); err != nil {
		return errors.Wrapf(err, "failed to mount %s onto %s", storage.Source, storage.MountPoint)
	}
	return nil
}

// UnmountPath unmounts the target path if it exists and is a mount path. If
// removeTarget this will remove the previously mounted folder.
func UnmountPath(ctx context.Context, target string, removeTarget bool) (err error) {
	_, span := oc.StartSpan(ctx, "storage::UnmountPath")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()
	span.AddAttributes(
		trace.StringAttribute("target", target),
		trace.BoolAttribute("remove", removeTarget))

	if _, err := osStat(target); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "failed to determine if path '%s' exists", target)
	}

	if err := unixUnmount(target, 0); err != nil {
		// If `Unmount` returns `EINVAL` it's not mounted. Just delete the
		// folder.
		if !gerrors.Is(err, unix.EINVAL) {
			return errors.Wrapf(err, "failed to unmount path '%s'", target)
		}
	}
	if removeTarget {
		return osRemoveAll(target)
	}
	return nil
}
