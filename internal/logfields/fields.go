package logfields

const (
	// Identifiers

	Name        = "name"
	Operation   = "operation"
	Endpoint    = "endpoint"
	SandboxID   = "sid"
	ContainerID = "cid"
	ExecID      = "eid"
	ProcessID   = "pid"
	ActivityID  = "activityID"

	// networking and IO

	Bytes = "bytes"
	File  = "file"
	Path  = "path"
	Port  = "port"

	// Common Misc

	Attempt = "attemptNo"
	JSON    = "json"

	// Status

	ExitCode = "exitCode"

	// Time

	Duration  = "duration"
	StartTime = "startTime"
	Timeout   = "timeout"

	// Keys/Values

	Doc     = "document"
	Key     = "key"
	Options = "options"
	Value   = "value"

	// Storage

	Driver     = "driver"
	FsType     = "fstype"
	MountPoint = "mountPoint"
	Source     = "source"

	// Tracing

	TraceID = "traceID"
	SpanID  = "spanID"
)
