package prot

import (
	oci "github.com/opencontainers/runtime-spec/specs-go"
)

// Storage describes one storage resource the host asks the guest to attach.
// The driver string selects the handler that performs the attach.
type Storage struct {
	// Driver selects the storage handler, e.g. "local" or "virtio-fs".
	Driver string `json:"driver"`
	// Source is the backend-specific source: a device node, a shared-fs tag,
	// or empty for purely guest-local storage.
	Source string `json:"source,omitempty"`
	// MountPoint is the absolute path inside the guest to mount at.
	MountPoint string `json:"mountPoint"`
	// FsType is the filesystem type passed to the mount call.
	FsType string `json:"fstype,omitempty"`
	// Options is an ordered sequence of "key=value" strings or bare flags.
	Options []string `json:"options,omitempty"`
}

// IPAddress is a single interface address with its network prefix length.
type IPAddress struct {
	Address string `json:"address"`
	Mask    string `json:"mask"`
}

// Interface describes the desired state of one guest network interface.
type Interface struct {
	// Device is the guest-side interface name to configure.
	Device      string       `json:"device"`
	Name        string       `json:"name,omitempty"`
	IPAddresses []*IPAddress `json:"ipAddresses,omitempty"`
	MTU         uint64       `json:"mtu,omitempty"`
	HwAddr      string       `json:"hwAddr,omitempty"`
}

// Route describes one guest routing-table entry.
type Route struct {
	Dest    string `json:"dest,omitempty"`
	Gateway string `json:"gateway,omitempty"`
	Device  string `json:"device"`
	Source  string `json:"source,omitempty"`
}

// ARPNeighbor describes one static neighbor-table entry.
type ARPNeighbor struct {
	IPAddress *IPAddress `json:"ipAddress"`
	Device    string     `json:"device"`
	LLAddr    string     `json:"llAddr,omitempty"`
}

// ConnectionSettings carries the vsock ports for a process's stdio streams.
// A nil port means the stream is not connected.
type ConnectionSettings struct {
	StdIn  *uint32 `json:"stdin,omitempty"`
	StdOut *uint32 `json:"stdout,omitempty"`
	StdErr *uint32 `json:"stderr,omitempty"`
}

// NegotiateProtocolRequest is the first message on a new bridge connection.
type NegotiateProtocolRequest struct {
	MessageBase
	// Version is the semver protocol version the host implements.
	Version string `json:"version"`
}

type NegotiateProtocolResponse struct {
	MessageResponseBase
	Version string `json:"version"`
}

type CreateSandboxRequest struct {
	MessageBase
	Hostname  string `json:"hostname,omitempty"`
	SandboxID string `json:"sandboxId"`
	// Storages are sandbox-wide mounts attached before any container runs.
	Storages []*Storage `json:"storages,omitempty"`
}

type DestroySandboxRequest struct {
	MessageBase
}

type CreateContainerRequest struct {
	MessageBase
	// OCI is the runtime spec of the container to create.
	OCI *oci.Spec `json:"OCI"`
	// Storages are attached before the container is handed to the runtime.
	Storages []*Storage `json:"storages,omitempty"`
	// Stdio carries the vsock ports for the init process streams.
	Stdio        ConnectionSettings `json:"stdio,omitempty"`
	SandboxPidNs bool               `json:"sandboxPidns,omitempty"`
}

type StartContainerRequest struct {
	MessageBase
}

type RemoveContainerRequest struct {
	MessageBase
	// Timeout is the number of seconds to wait for graceful removal before
	// the request fails. Zero waits forever.
	Timeout uint32 `json:"timeout,omitempty"`
}

type ExecProcessRequest struct {
	MessageBase
	ExecID  string             `json:"execId"`
	Process *oci.Process       `json:"process"`
	Stdio   ConnectionSettings `json:"stdio,omitempty"`
}

type SignalProcessRequest struct {
	MessageBase
	ExecID string `json:"execId,omitempty"`
	Signal uint32 `json:"signal"`
}

type WaitProcessRequest struct {
	MessageBase
	ExecID string `json:"execId"`
}

type WaitProcessResponse struct {
	MessageResponseBase
	ExitCode int32 `json:"exitCode"`
}

type TtyWinResizeRequest struct {
	MessageBase
	ExecID string `json:"execId"`
	Rows   uint16 `json:"rows"`
	Cols   uint16 `json:"cols"`
}

type UpdateInterfaceRequest struct {
	MessageBase
	Interface *Interface `json:"interface"`
}

type UpdateRoutesRequest struct {
	MessageBase
	Routes []*Route `json:"routes,omitempty"`
}

type AddARPNeighborsRequest struct {
	MessageBase
	Neighbors []*ARPNeighbor `json:"neighbors,omitempty"`
}

type CopyFileRequest struct {
	MessageBase
	// Path is the absolute destination inside the guest.
	Path string `json:"path"`
	// FileSize is the total size of the file being copied. The request is
	// complete once Offset+len(Data) reaches it.
	FileSize int64  `json:"fileSize"`
	FileMode uint32 `json:"fileMode"`
	DirMode  uint32 `json:"dirMode"`
	UID      int32  `json:"uid"`
	GID      int32  `json:"gid"`
	Offset   int64  `json:"offset"`
	Data     []byte `json:"data,omitempty"`
}

type GetGuestDetailsRequest struct {
	MessageBase
	MemBlockSize bool `json:"memBlockSize,omitempty"`
}

// MemoryDetails is a point-in-time read of the root cgroup memory numbers.
type MemoryDetails struct {
	UsageBytes uint64 `json:"usageBytes"`
	LimitBytes uint64 `json:"limitBytes,omitempty"`
	SwapBytes  uint64 `json:"swapBytes,omitempty"`
}

type GetGuestDetailsResponse struct {
	MessageResponseBase
	AgentVersion string         `json:"agentVersion"`
	APIVersion   string         `json:"apiVersion"`
	Memory       *MemoryDetails `json:"memory,omitempty"`
}

type SetPolicyRequest struct {
	MessageBase
	// Policy is the raw replacement policy document.
	Policy string `json:"policy"`
}

// EmptyResponse is the reply of requests with no payload beyond the base.
type EmptyResponse struct {
	MessageResponseBase
}

// ProcessExitedNotification is published when a watched process exits.
type ProcessExitedNotification struct {
	MessageBase
	ExecID   string `json:"execId,omitempty"`
	ExitCode int32  `json:"exitCode"`
}
