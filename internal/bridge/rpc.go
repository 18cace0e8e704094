//go:build linux
// +build linux

package bridge

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"syscall"

	"github.com/blang/semver/v4"
	"github.com/containerd/cgroups/v3/cgroup2"
	"github.com/containerd/console"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/virtshim/guestagent/internal/jsonio"
	"github.com/virtshim/guestagent/internal/log"
	"github.com/virtshim/guestagent/internal/logfields"
	"github.com/virtshim/guestagent/internal/network"
	"github.com/virtshim/guestagent/internal/oc"
	"github.com/virtshim/guestagent/internal/prot"
	"github.com/virtshim/guestagent/internal/runtime"
	"github.com/virtshim/guestagent/internal/sandbox"
	"github.com/virtshim/guestagent/internal/stdio"
	"github.com/virtshim/guestagent/internal/storage"
)

const (
	// AgentVersion is the version reported in GetGuestDetails.
	AgentVersion = "0.3.0"
	// APIVersion is the bridge protocol version this agent implements. The
	// host's version must share its major component.
	APIVersion = "1.1.0"
)

// bundleRoot is where per-container OCI bundles are materialized.
var bundleRoot = "/run/agent/bundles"

func unmarshalRequest(r *Request, v interface{}) error {
	if err := json.Unmarshal(r.Message, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "failed to unmarshal request %s: %v", r.Header.Type, err)
	}
	return nil
}

func (b *Bridge) getSandbox() (*sandbox.Sandbox, error) {
	b.sandboxMu.Lock()
	defer b.sandboxMu.Unlock()
	if b.sandbox == nil {
		return nil, status.Error(codes.FailedPrecondition, "no sandbox has been created")
	}
	return b.sandbox, nil
}

func (b *Bridge) negotiateProtocol(r *Request) (_ RequestResponse, err error) {
	ctx, span := oc.StartSpan(r.Context, "bridge::negotiateProtocol")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()

	var request prot.NegotiateProtocolRequest
	if err := unmarshalRequest(r, &request); err != nil {
		return nil, err
	}
	if err := b.Policy.IsAllowed(ctx, &request); err != nil {
		return nil, err
	}
	span.AddAttributes(trace.StringAttribute("hostVersion", request.Version))

	hostVersion, err := semver.ParseTolerant(request.Version)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid protocol version %q: %v", request.Version, err)
	}
	agentVersion := semver.MustParse(APIVersion)
	if hostVersion.Major != agentVersion.Major {
		return nil, status.Errorf(codes.FailedPrecondition,
			"host protocol version %s is incompatible with agent version %s", request.Version, APIVersion)
	}

	return &prot.NegotiateProtocolResponse{Version: APIVersion}, nil
}

func (b *Bridge) createSandbox(r *Request) (_ RequestResponse, err error) {
	ctx, span := oc.StartSpan(r.Context, "bridge::createSandbox")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()

	var request prot.CreateSandboxRequest
	if err := unmarshalRequest(r, &request); err != nil {
		return nil, err
	}
	if err := b.Policy.IsAllowed(ctx, &request); err != nil {
		return nil, err
	}
	span.AddAttributes(trace.StringAttribute(logfields.SandboxID, request.SandboxID))

	if request.SandboxID == "" {
		return nil, status.Error(codes.InvalidArgument, "sandbox ID is empty")
	}

	b.sandboxMu.Lock()
	if b.sandbox != nil {
		b.sandboxMu.Unlock()
		return nil, status.Errorf(codes.AlreadyExists, "sandbox %s already exists", b.sandbox.ID)
	}
	sb := sandbox.New(request.SandboxID, request.Hostname)
	b.sandbox = sb
	b.sandboxMu.Unlock()

	if _, err := storage.AddStorages(ctx, b.StorageManager, sb, request.Storages, ""); err != nil {
		b.sandboxMu.Lock()
		b.sandbox = nil
		b.sandboxMu.Unlock()
		if derr := sb.Destroy(ctx); derr != nil {
			log.G(ctx).WithError(derr).Warn("failed to tear down partially created sandbox")
		}
		return nil, err
	}
	return &prot.EmptyResponse{}, nil
}

func (b *Bridge) destroySandbox(r *Request) (_ RequestResponse, err error) {
	ctx, span := oc.StartSpan(r.Context, "bridge::destroySandbox")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()

	var request prot.DestroySandboxRequest
	if err := unmarshalRequest(r, &request); err != nil {
		return nil, err
	}
	if err := b.Policy.IsAllowed(ctx, &request); err != nil {
		return nil, err
	}

	sb, err := b.getSandbox()
	if err != nil {
		return nil, err
	}
	if err := sb.Destroy(ctx); err != nil {
		return nil, err
	}
	b.sandboxMu.Lock()
	b.sandbox = nil
	b.sandboxMu.Unlock()
	if b.Streams != nil {
		b.Streams.CloseAll()
	}
	return &prot.EmptyResponse{}, nil
}

func (b *Bridge) createContainer(r *Request) (_ RequestResponse, err error) {
	ctx, span := oc.StartSpan(r.Context, "bridge::createContainer")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()
	span.AddAttributes(trace.StringAttribute(logfields.ContainerID, r.ContainerID))

	var request prot.CreateContainerRequest
	if err := unmarshalRequest(r, &request); err != nil {
		return nil, err
	}
	if err := b.Policy.IsAllowed(ctx, &request); err != nil {
		return nil, err
	}

	id := request.ContainerID
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "container ID is empty")
	}
	if request.OCI == nil {
		return nil, status.Error(codes.InvalidArgument, "container OCI spec is missing")
	}
	sb, err := b.getSandbox()
	if err != nil {
		return nil, err
	}

	mountList, err := storage.AddStorages(ctx, b.StorageManager, sb, request.Storages, id)
	if err != nil {
		return nil, err
	}
	releaseStorages := func() {
		for _, stg := range request.Storages {
			if rerr := sb.RemoveStorage(ctx, stg.MountPoint); rerr != nil {
				log.G(ctx).WithError(rerr).WithField(logfields.MountPoint, stg.MountPoint).
					Warn("failed to release storage after create failure")
			}
		}
	}

	bundlePath := filepath.Join(bundleRoot, id)
	if err := os.MkdirAll(bundlePath, 0700); err != nil {
		releaseStorages()
		return nil, status.Errorf(codes.Internal, "failed to create bundle directory: %v", err)
	}
	if err := jsonio.Write(filepath.Join(bundlePath, "config.json"), request.OCI); err != nil {
		releaseStorages()
		return nil, err
	}

	stdioSet, err := b.connectStdio(request.Stdio)
	if err != nil {
		releaseStorages()
		return nil, err
	}

	rc, err := b.Runtime.CreateContainer(ctx, id, bundlePath, stdioSet)
	if err != nil {
		stdioSet.Close()
		releaseStorages()
		return nil, err
	}
	c, err := sb.AddContainer(id, rc)
	if err != nil {
		if derr := rc.Delete(ctx, 0); derr != nil {
			log.G(ctx).WithError(derr).WithField(logfields.ContainerID, id).
				Warn("failed to delete duplicate container")
		}
		releaseStorages()
		return nil, err
	}
	c.AddMounts(mountList)
	return &prot.EmptyResponse{}, nil
}

func (b *Bridge) startContainer(r *Request) (_ RequestResponse, err error) {
	ctx, span := oc.StartSpan(r.Context, "bridge::startContainer")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()
	span.AddAttributes(trace.StringAttribute(logfields.ContainerID, r.ContainerID))

	var request prot.StartContainerRequest
	if err := unmarshalRequest(r, &request); err != nil {
		return nil, err
	}
	if err := b.Policy.IsAllowed(ctx, &request); err != nil {
		return nil, err
	}

	sb, err := b.getSandbox()
	if err != nil {
		return nil, err
	}
	c, err := sb.GetContainer(request.ContainerID)
	if err != nil {
		return nil, err
	}
	if err := c.Runtime().Start(ctx); err != nil {
		return nil, err
	}
	go b.watchProcessExit(request.ContainerID, "", c.Runtime().Init())
	return &prot.EmptyResponse{}, nil
}

func (b *Bridge) removeContainer(r *Request) (_ RequestResponse, err error) {
	ctx, span := oc.StartSpan(r.Context, "bridge::removeContainer")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()
	span.AddAttributes(trace.StringAttribute(logfields.ContainerID, r.ContainerID))

	var request prot.RemoveContainerRequest
	if err := unmarshalRequest(r, &request); err != nil {
		return nil, err
	}
	if err := b.Policy.IsAllowed(ctx, &request); err != nil {
		return nil, err
	}

	sb, err := b.getSandbox()
	if err != nil {
		return nil, err
	}
	c, err := sb.GetContainer(request.ContainerID)
	if err != nil {
		return nil, err
	}
	if err := c.Runtime().Delete(ctx, request.Timeout); err != nil {
		return nil, err
	}
	if err := sb.RemoveContainer(ctx, request.ContainerID); err != nil {
		return nil, err
	}
	_ = os.RemoveAll(filepath.Join(bundleRoot, request.ContainerID))
	return &prot.EmptyResponse{}, nil
}

func (b *Bridge) execProcess(r *Request) (_ RequestResponse, err error) {
	ctx, span := oc.StartSpan(r.Context, "bridge::execProcess")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()
	span.AddAttributes(trace.StringAttribute(logfields.ContainerID, r.ContainerID))

	var request prot.ExecProcessRequest
	if err := unmarshalRequest(r, &request); err != nil {
		return nil, err
	}
	if err := b.Policy.IsAllowed(ctx, &request); err != nil {
		return nil, err
	}
	span.AddAttributes(trace.StringAttribute(logfields.ExecID, request.ExecID))

	if request.ExecID == "" {
		return nil, status.Error(codes.InvalidArgument, "exec ID is empty")
	}
	if request.Process == nil {
		return nil, status.Error(codes.InvalidArgument, "process spec is missing")
	}
	sb, err := b.getSandbox()
	if err != nil {
		return nil, err
	}
	c, err := sb.GetContainer(request.ContainerID)
	if err != nil {
		return nil, err
	}

	stdioSet, err := b.connectStdio(request.Stdio)
	if err != nil {
		return nil, err
	}
	p, err := c.Runtime().ExecProcess(ctx, request.Process, stdioSet)
	if err != nil {
		stdioSet.Close()
		return nil, err
	}
	if err := c.AddProcess(request.ExecID, p); err != nil {
		if serr := p.Signal(ctx, syscall.SIGKILL); serr != nil {
			log.G(ctx).WithError(serr).Warn("failed to kill process with duplicate exec ID")
		}
		return nil, status.Error(codes.AlreadyExists, err.Error())
	}
	go b.watchProcessExit(request.ContainerID, request.ExecID, p)
	return &prot.EmptyResponse{}, nil
}

func (b *Bridge) signalProcess(r *Request) (_ RequestResponse, err error) {
	ctx, span := oc.StartSpan(r.Context, "bridge::signalProcess")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()

	var request prot.SignalProcessRequest
	if err := unmarshalRequest(r, &request); err != nil {
		return nil, err
	}
	if err := b.Policy.IsAllowed(ctx, &request); err != nil {
		return nil, err
	}
	span.AddAttributes(
		trace.StringAttribute(logfields.ContainerID, request.ContainerID),
		trace.StringAttribute(logfields.ExecID, request.ExecID),
		trace.Int64Attribute("signal", int64(request.Signal)))

	sb, err := b.getSandbox()
	if err != nil {
		return nil, err
	}
	c, err := sb.GetContainer(request.ContainerID)
	if err != nil {
		return nil, err
	}
	p, err := c.GetProcess(request.ExecID)
	if err != nil {
		return nil, err
	}
	if err := p.Signal(ctx, syscall.Signal(request.Signal)); err != nil {
		return nil, err
	}
	return &prot.EmptyResponse{}, nil
}

func (b *Bridge) waitProcess(r *Request) (_ RequestResponse, err error) {
	ctx, span := oc.StartSpan(r.Context, "bridge::waitProcess")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()

	var request prot.WaitProcessRequest
	if err := unmarshalRequest(r, &request); err != nil {
		return nil, err
	}
	if err := b.Policy.IsAllowed(ctx, &request); err != nil {
		return nil, err
	}
	span.AddAttributes(
		trace.StringAttribute(logfields.ContainerID, request.ContainerID),
		trace.StringAttribute(logfields.ExecID, request.ExecID))

	sb, err := b.getSandbox()
	if err != nil {
		return nil, err
	}
	c, err := sb.GetContainer(request.ContainerID)
	if err != nil {
		return nil, err
	}
	p, err := c.GetProcess(request.ExecID)
	if err != nil {
		return nil, err
	}
	exitCode, err := p.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if request.ExecID != "" {
		c.RemoveProcess(request.ExecID)
	}
	return &prot.WaitProcessResponse{ExitCode: int32(exitCode)}, nil
}

func (b *Bridge) ttyWinResize(r *Request) (_ RequestResponse, err error) {
	ctx, span := oc.StartSpan(r.Context, "bridge::ttyWinResize")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()

	var request prot.TtyWinResizeRequest
	if err := unmarshalRequest(r, &request); err != nil {
		return nil, err
	}
	if err := b.Policy.IsAllowed(ctx, &request); err != nil {
		return nil, err
	}

	sb, err := b.getSandbox()
	if err != nil {
		return nil, err
	}
	c, err := sb.GetContainer(request.ContainerID)
	if err != nil {
		return nil, err
	}
	p, err := c.GetProcess(request.ExecID)
	if err != nil {
		return nil, err
	}
	tty := p.Console()
	if tty == nil {
		return nil, status.Errorf(codes.FailedPrecondition,
			"process %s in container %s has no terminal", request.ExecID, request.ContainerID)
	}
	if err := tty.Resize(console.WinSize{Height: request.Rows, Width: request.Cols}); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to resize terminal: %v", err)
	}
	return &prot.EmptyResponse{}, nil
}

func (b *Bridge) updateInterface(r *Request) (_ RequestResponse, err error) {
	ctx, span := oc.StartSpan(r.Context, "bridge::updateInterface")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()

	var request prot.UpdateInterfaceRequest
	if err := unmarshalRequest(r, &request); err != nil {
		return nil, err
	}
	if err := b.Policy.IsAllowed(ctx, &request); err != nil {
		return nil, err
	}
	if request.Interface == nil {
		return nil, status.Error(codes.InvalidArgument, "interface is missing")
	}
	if err := network.UpdateInterface(ctx, request.Interface); err != nil {
		return nil, err
	}
	return &prot.EmptyResponse{}, nil
}

func (b *Bridge) updateRoutes(r *Request) (_ RequestResponse, err error) {
	ctx, span := oc.StartSpan(r.Context, "bridge::updateRoutes")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()

	var request prot.UpdateRoutesRequest
	if err := unmarshalRequest(r, &request); err != nil {
		return nil, err
	}
	if err := b.Policy.IsAllowed(ctx, &request); err != nil {
		return nil, err
	}
	if err := network.UpdateRoutes(ctx, request.Routes); err != nil {
		return nil, err
	}
	return &prot.EmptyResponse{}, nil
}

func (b *Bridge) addARPNeighbors(r *Request) (_ RequestResponse, err error) {
	ctx, span := oc.StartSpan(r.Context, "bridge::addARPNeighbors")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()

	var request prot.AddARPNeighborsRequest
	if err := unmarshalRequest(r, &request); err != nil {
		return nil, err
	}
	if err := b.Policy.IsAllowed(ctx, &request); err != nil {
		return nil, err
	}
	if err := network.AddARPNeighbors(ctx, request.Neighbors); err != nil {
		return nil, err
	}
	return &prot.EmptyResponse{}, nil
}

func (b *Bridge) copyFile(r *Request) (_ RequestResponse, err error) {
	ctx, span := oc.StartSpan(r.Context, "bridge::copyFile")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()

	var request prot.CopyFileRequest
	if err := unmarshalRequest(r, &request); err != nil {
		return nil, err
	}
	if err := b.Policy.IsAllowed(ctx, &request); err != nil {
		return nil, err
	}
	span.AddAttributes(
		trace.StringAttribute("path", request.Path),
		trace.Int64Attribute("offset", request.Offset))

	if !filepath.IsAbs(request.Path) {
		return nil, status.Errorf(codes.InvalidArgument, "copy destination %q is not absolute", request.Path)
	}
	if err := copyFileChunk(ctx, &request); err != nil {
		return nil, err
	}
	return &prot.EmptyResponse{}, nil
}

// copyFileChunk lands one chunk of a host-to-guest file copy. The first
// chunk creates the parent directories and the file with the requested
// ownership and mode; later chunks only append at their offset.
func copyFileChunk(ctx context.Context, request *prot.CopyFileRequest) error {
	if request.Offset == 0 {
		dir := filepath.Dir(request.Path)
		if err := os.MkdirAll(dir, os.FileMode(request.DirMode)); err != nil {
			return status.Errorf(codes.Internal, "failed to create directory %s: %v", dir, err)
		}
	}

	f, err := os.OpenFile(request.Path, os.O_CREATE|os.O_WRONLY, os.FileMode(request.FileMode))
	if err != nil {
		return status.Errorf(codes.Internal, "failed to open %s: %v", request.Path, err)
	}
	defer f.Close()

	if _, err := f.WriteAt(request.Data, request.Offset); err != nil {
		return status.Errorf(codes.Internal, "failed to write %s at offset %d: %v", request.Path, request.Offset, err)
	}

	if request.Offset == 0 {
		if err := f.Chmod(os.FileMode(request.FileMode)); err != nil {
			return status.Errorf(codes.Internal, "failed to chmod %s: %v", request.Path, err)
		}
		if err := f.Chown(int(request.UID), int(request.GID)); err != nil {
			return status.Errorf(codes.Internal, "failed to chown %s: %v", request.Path, err)
		}
	}

	if request.Offset+int64(len(request.Data)) >= request.FileSize {
		if err := f.Truncate(request.FileSize); err != nil {
			return status.Errorf(codes.Internal, "failed to truncate %s to %d: %v", request.Path, request.FileSize, err)
		}
		log.G(ctx).WithFields(logrus.Fields{
			"path": request.Path,
			"size": request.FileSize,
		}).Debug("file copy complete")
	}
	return nil
}

func (b *Bridge) getGuestDetails(r *Request) (_ RequestResponse, err error) {
	ctx, span := oc.StartSpan(r.Context, "bridge::getGuestDetails")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()

	var request prot.GetGuestDetailsRequest
	if err := unmarshalRequest(r, &request); err != nil {
		return nil, err
	}
	if err := b.Policy.IsAllowed(ctx, &request); err != nil {
		return nil, err
	}

	response := &prot.GetGuestDetailsResponse{
		AgentVersion: AgentVersion,
		APIVersion:   APIVersion,
	}
	if memory, merr := readRootMemoryStats(); merr != nil {
		log.G(ctx).WithError(merr).Warn("failed to read guest memory details")
	} else {
		response.Memory = memory
	}
	return response, nil
}

func readRootMemoryStats() (*prot.MemoryDetails, error) {
	mgr, err := cgroup2.Load("/")
	if err != nil {
		return nil, err
	}
	metrics, err := mgr.Stat()
	if err != nil {
		return nil, err
	}
	details := &prot.MemoryDetails{}
	if metrics.Memory != nil {
		details.UsageBytes = metrics.Memory.Usage
		details.LimitBytes = metrics.Memory.UsageLimit
		details.SwapBytes = metrics.Memory.SwapUsage
	}
	return details, nil
}

func (b *Bridge) setPolicy(r *Request) (_ RequestResponse, err error) {
	ctx, span := oc.StartSpan(r.Context, "bridge::setPolicy")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()

	var request prot.SetPolicyRequest
	if err := unmarshalRequest(r, &request); err != nil {
		return nil, err
	}
	// The gate for set-policy runs under the same lock as the document swap
	// so a concurrent replacement cannot slip between check and commit.
	if err := b.Policy.SetPolicy(ctx, &request); err != nil {
		return nil, err
	}
	return &prot.EmptyResponse{}, nil
}

// watchProcessExit publishes an exit notification when a started process
// terminates.
func (b *Bridge) watchProcessExit(containerID, execID string, p runtime.Process) {
	ctx := context.Background()
	exitCode, err := p.Wait(ctx)
	if err != nil {
		log.G(ctx).WithFields(logrus.Fields{
			logfields.ContainerID: containerID,
			logfields.ExecID:      execID,
		}).WithError(err).Error("failed to wait on process")
		exitCode = -1
	}
	b.PublishNotification(&prot.ProcessExitedNotification{
		MessageBase: prot.MessageBase{ContainerID: containerID},
		ExecID:      execID,
		ExitCode:    int32(exitCode),
	})
}

func stdioSettings(s prot.ConnectionSettings) stdio.ConnectionSettings {
	return stdio.ConnectionSettings{
		StdIn:  s.StdIn,
		StdOut: s.StdOut,
		StdErr: s.StdErr,
	}
}

// connectStdio dials the requested stdio ports and records each stream in the
// bridge registry so DestroySandbox can tear down anything still open.
func (b *Bridge) connectStdio(s prot.ConnectionSettings) (*stdio.ConnectionSet, error) {
	set, err := stdio.Connect(b.Transport, stdioSettings(s))
	if err != nil {
		return nil, err
	}
	if b.Streams != nil {
		if s.StdIn != nil {
			b.Streams.Store(*s.StdIn, set.In)
		}
		if s.StdOut != nil {
			b.Streams.Store(*s.StdOut, set.Out)
		}
		if s.StdErr != nil {
			b.Streams.Store(*s.StdErr, set.Err)
		}
	}
	return set, nil
}
