// Package prot defines the wire protocol spoken between the host-side
// runtime shim and the guest agent: a fixed-size little-endian message
// header followed by a JSON-encoded message body.
package prot

import "fmt"

// MessageHeaderSize is the size in bytes of the MessageHeader struct.
const MessageHeaderSize = 16

// MessageHeader is the bridge protocol header that precedes every message
// body.
type MessageHeader struct {
	Type MessageIdentifier
	Size uint32
	ID   int64
}

// MessageIdentifier describes the type of message sent or received on the
// bridge. The high nibble carries the direction (request, response,
// notification), the low bits the procedure.
type MessageIdentifier uint32

const (
	// MessageTypeRequest is the category of messages initiated by the host.
	MessageTypeRequest MessageIdentifier = 0x10000000
	// MessageTypeResponse is the category of replies to a request, carrying
	// the matching header ID.
	MessageTypeResponse MessageIdentifier = 0x20000000
	// MessageTypeNotify is the category of unsolicited messages published by
	// the guest.
	MessageTypeNotify MessageIdentifier = 0x30000000

	messageTypeMask MessageIdentifier = 0xf0000000
)

const (
	RPCNegotiateProtocol MessageIdentifier = MessageTypeRequest | (iota + 1)
	RPCCreateSandbox
	RPCDestroySandbox
	RPCCreateContainer
	RPCStartContainer
	RPCRemoveContainer
	RPCExecProcess
	RPCSignalProcess
	RPCWaitProcess
	RPCTtyWinResize
	RPCUpdateInterface
	RPCUpdateRoutes
	RPCAddARPNeighbors
	RPCCopyFile
	RPCGetGuestDetails
	RPCSetPolicy
)

// NotifyProcessExited is published when a watched container process exits.
const NotifyProcessExited MessageIdentifier = MessageTypeNotify | 0x01

var rpcNames = map[MessageIdentifier]string{
	RPCNegotiateProtocol: "NegotiateProtocol",
	RPCCreateSandbox:     "CreateSandbox",
	RPCDestroySandbox:    "DestroySandbox",
	RPCCreateContainer:   "CreateContainer",
	RPCStartContainer:    "StartContainer",
	RPCRemoveContainer:   "RemoveContainer",
	RPCExecProcess:       "ExecProcess",
	RPCSignalProcess:     "SignalProcess",
	RPCWaitProcess:       "WaitProcess",
	RPCTtyWinResize:      "TtyWinResize",
	RPCUpdateInterface:   "UpdateInterface",
	RPCUpdateRoutes:      "UpdateRoutes",
	RPCAddARPNeighbors:   "AddARPNeighbors",
	RPCCopyFile:          "CopyFile",
	RPCGetGuestDetails:   "GetGuestDetails",
	RPCSetPolicy:         "SetPolicy",
}

func (id MessageIdentifier) String() string {
	if id == NotifyProcessExited {
		return "notifyProcessExited"
	}
	name, ok := rpcNames[id&^messageTypeMask|MessageTypeRequest]
	if !ok {
		return fmt.Sprintf("0x%08x", uint32(id))
	}
	switch id & messageTypeMask {
	case MessageTypeRequest:
		return "rpc" + name
	case MessageTypeResponse:
		return "rpc" + name + "Response"
	case MessageTypeNotify:
		return "notify" + name
	default:
		return fmt.Sprintf("0x%08x", uint32(id))
	}
}

// GetResponseIdentifier transforms a request identifier into the identifier
// of its matching response.
func GetResponseIdentifier(id MessageIdentifier) MessageIdentifier {
	return id&^messageTypeMask | MessageTypeResponse
}

// OpenCensusSpanContext is the encoded remote parent span context sent with a
// request so guest spans join the host trace.
type OpenCensusSpanContext struct {
	// TraceID is the hex encoded bytes of the OpenCensus `TraceID`.
	TraceID string `json:"traceId,omitempty"`
	// SpanID is the hex encoded bytes of the OpenCensus `SpanID`.
	SpanID string `json:"spanId,omitempty"`
	// TraceOptions is the OpenCensus `TraceOptions` bits.
	TraceOptions uint32 `json:"traceOptions,omitempty"`
	// Tracestate is the base64 encoded JSON `tracestate.Entry`s.
	Tracestate string `json:"tracestate,omitempty"`
}

// MessageBase is the base fields embedded in every request message body.
type MessageBase struct {
	ContainerID string `json:"containerId,omitempty"`
	ActivityID  string `json:"activityId,omitempty"`

	// OpenCensusSpanContext is the encoded span context to be used as the
	// parent of any spans the request creates. Optional.
	OpenCensusSpanContext *OpenCensusSpanContext `json:"ocsc,omitempty"`
}

// MessageResponseBase is the base fields embedded in every response message
// body.
type MessageResponseBase struct {
	// Result is a gRPC-style status code. Zero means success.
	Result int32 `json:"result"`
	// ErrorMessage names the offending endpoint and, for policy denials, the
	// evaluator's explanation.
	ErrorMessage string `json:"errorMessage,omitempty"`
	ActivityID   string `json:"activityId,omitempty"`
}

// Base returns the response base, satisfying the bridge's response contract.
func (mrb *MessageResponseBase) Base() *MessageResponseBase {
	return mrb
}
