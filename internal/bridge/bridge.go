//go:build linux
// +build linux

// Package bridge implements the host-facing RPC surface: a binary header
// plus JSON body protocol over vsock, multiplexed to per-message handlers.
// Every request passes the policy gate before any handler side effect.
package bridge

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"
	"go.opencensus.io/trace/tracestate"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/virtshim/guestagent/internal/log"
	"github.com/virtshim/guestagent/internal/oc"
	"github.com/virtshim/guestagent/internal/policy"
	"github.com/virtshim/guestagent/internal/prot"
	"github.com/virtshim/guestagent/internal/runtime"
	"github.com/virtshim/guestagent/internal/sandbox"
	"github.com/virtshim/guestagent/internal/stdio"
	"github.com/virtshim/guestagent/internal/storage"
	"github.com/virtshim/guestagent/internal/transport"
)

// UnknownMessage is the default handler logic for an unmatched request type.
func UnknownMessage(r *Request) (RequestResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "bridge: function not supported, header type: %v", r.Header.Type)
}

// UnknownMessageHandler creates a default HandlerFunc out of the
// UnknownMessage handler logic.
func UnknownMessageHandler() Handler {
	return HandlerFunc(UnknownMessage)
}

// Handler responds to a bridge request.
type Handler interface {
	ServeMsg(*Request) (RequestResponse, error)
}

// HandlerFunc is an adapter to use functions as handlers.
type HandlerFunc func(*Request) (RequestResponse, error)

// ServeMsg calls f(r).
func (f HandlerFunc) ServeMsg(r *Request) (RequestResponse, error) {
	return f(r)
}

// Mux is a protocol multiplexer for request response pairs following the
// bridge protocol.
type Mux struct {
	mu sync.Mutex
	m  map[prot.MessageIdentifier]Handler
}

// NewBridgeMux creates a default bridge multiplexer.
func NewBridgeMux() *Mux {
	return &Mux{m: make(map[prot.MessageIdentifier]Handler)}
}

// Handle registers the handler for the given message id.
func (mux *Mux) Handle(id prot.MessageIdentifier, handler Handler) {
	mux.mu.Lock()
	defer mux.mu.Unlock()

	if handler == nil {
		panic("bridge: nil handler")
	}
	if _, ok := mux.m[id]; ok {
		logrus.WithField("message-type", id.String()).Warn("bridge - overwriting bridge handler")
	}
	mux.m[id] = handler
}

// HandleFunc registers the handler function for the given message id.
func (mux *Mux) HandleFunc(id prot.MessageIdentifier, handler func(*Request) (RequestResponse, error)) {
	if handler == nil {
		panic("bridge: nil handler func")
	}
	mux.Handle(id, HandlerFunc(handler))
}

// Handler returns the handler to use for the given request type.
func (mux *Mux) Handler(r *Request) Handler {
	mux.mu.Lock()
	defer mux.mu.Unlock()

	if r == nil {
		panic("bridge: nil request to handler")
	}
	h, ok := mux.m[r.Header.Type]
	if !ok {
		return UnknownMessageHandler()
	}
	return h
}

// ServeMsg dispatches the request to the handler whose type matches the
// request type.
func (mux *Mux) ServeMsg(r *Request) (RequestResponse, error) {
	h := mux.Handler(r)
	return h.ServeMsg(r)
}

// Request is the bridge request that has been sent.
type Request struct {
	// Context is the request context received from the bridge.
	Context context.Context
	// Header is the wire format message header that preceded the message
	// for this request.
	Header *prot.MessageHeader
	// ContainerID is the id of the container that this message corresponds to.
	ContainerID string
	// ActivityID is the id of the specific activity for this request.
	ActivityID string
	// Message is the portion of the request that follows the `Header`. This
	// is a json encoded string that MUST contain `prot.MessageBase`.
	Message []byte
}

// RequestResponse is the base response for any bridge message request.
type RequestResponse interface {
	Base() *prot.MessageResponseBase
}

type bridgeResponse struct {
	// ctx is the context created on request read
	ctx      context.Context
	header   *prot.MessageHeader
	response interface{}
}

// Bridge is the request/response dispatcher for the host connection. It has
// two fundamentally different dispatch options:
//
//  1. Request/Response where using the `Handler` a request of a given type
//     will be dispatched to the appropriate handler and an appropriate
//     response will respond to exactly that request that caused the dispatch.
//
//  2. `PublishNotification` where a notification that was not initiated by a
//     request from any client can be written to the bridge at any time in
//     any order.
type Bridge struct {
	// Handler to invoke when messages are received.
	Handler Handler
	// Policy gates every request before its handler runs.
	Policy policy.Gate
	// Runtime drives the container supervisor.
	Runtime runtime.Runtime
	// StorageManager resolves storage drivers for attach requests.
	StorageManager *storage.HandlerManager
	// Transport dials host vsock ports for process stdio.
	Transport transport.Transport
	// Streams tracks accepted stdio connections by port.
	Streams *stdio.Registry

	// responseChan is the response channel used for both request/response
	// and publish notification workflows.
	responseChan chan bridgeResponse

	quitChan chan bool
	// hasQuitPending indicates the bridge is shutting down and causes no
	// more requests to be read.
	hasQuitPending atomic.Bool

	sandboxMu sync.Mutex
	sandbox   *sandbox.Sandbox
}

// AssignHandlers registers every request handler on `mux`.
func (b *Bridge) AssignHandlers(mux *Mux) {
	mux.HandleFunc(prot.RPCNegotiateProtocol, b.negotiateProtocol)
	mux.HandleFunc(prot.RPCCreateSandbox, b.createSandbox)
	mux.HandleFunc(prot.RPCDestroySandbox, b.destroySandbox)
	mux.HandleFunc(prot.RPCCreateContainer, b.createContainer)
	mux.HandleFunc(prot.RPCStartContainer, b.startContainer)
	mux.HandleFunc(prot.RPCRemoveContainer, b.removeContainer)
	mux.HandleFunc(prot.RPCExecProcess, b.execProcess)
	mux.HandleFunc(prot.RPCSignalProcess, b.signalProcess)
	mux.HandleFunc(prot.RPCWaitProcess, b.waitProcess)
	mux.HandleFunc(prot.RPCTtyWinResize, b.ttyWinResize)
	mux.HandleFunc(prot.RPCUpdateInterface, b.updateInterface)
	mux.HandleFunc(prot.RPCUpdateRoutes, b.updateRoutes)
	mux.HandleFunc(prot.RPCAddARPNeighbors, b.addARPNeighbors)
	mux.HandleFunc(prot.RPCCopyFile, b.copyFile)
	mux.HandleFunc(prot.RPCGetGuestDetails, b.getGuestDetails)
	mux.HandleFunc(prot.RPCSetPolicy, b.setPolicy)
}

// ListenAndServe reads messages from the bridge connection, listens for
// messages and dispatches the appropriate handlers to handle each event in
// an asynchronous manner.
func (b *Bridge) ListenAndServe(bridgeIn io.ReadCloser, bridgeOut io.WriteCloser) error {
	requestChan := make(chan *Request)
	requestErrChan := make(chan error)
	b.responseChan = make(chan bridgeResponse)
	responseErrChan := make(chan error)
	b.quitChan = make(chan bool)

	defer close(b.quitChan)
	defer bridgeOut.Close()
	defer close(responseErrChan)
	defer close(b.responseChan)
	defer close(requestChan)
	defer close(requestErrChan)
	defer bridgeIn.Close()

	// Receive bridge requests and schedule them to be processed.
	go func() {
		var recverr error
		for {
			if !b.hasQuitPending.Load() {
				header := &prot.MessageHeader{}
				if err := binary.Read(bridgeIn, binary.LittleEndian, header); err != nil {
					if err == io.ErrUnexpectedEOF || err == os.ErrClosed || err == io.EOF { //nolint:errorlint
						break
					}
					recverr = errors.Wrap(err, "bridge: failed reading message header")
					break
				}
				if header.Size < prot.MessageHeaderSize {
					recverr = errors.Errorf("bridge: invalid message size %d", header.Size)
					break
				}
				message := make([]byte, header.Size-prot.MessageHeaderSize)
				if _, err := io.ReadFull(bridgeIn, message); err != nil {
					if err == io.ErrUnexpectedEOF || err == os.ErrClosed { //nolint:errorlint
						break
					}
					recverr = errors.Wrap(err, "bridge: failed reading message payload")
					break
				}

				base := prot.MessageBase{}
				_ = json.Unmarshal(message, &base)

				var ctx context.Context
				var span *trace.Span
				if base.OpenCensusSpanContext != nil {
					sc := trace.SpanContext{}
					if bytes, err := hex.DecodeString(base.OpenCensusSpanContext.TraceID); err == nil {
						copy(sc.TraceID[:], bytes)
					}
					if bytes, err := hex.DecodeString(base.OpenCensusSpanContext.SpanID); err == nil {
						copy(sc.SpanID[:], bytes)
					}
					sc.TraceOptions = trace.TraceOptions(base.OpenCensusSpanContext.TraceOptions)
					if base.OpenCensusSpanContext.Tracestate != "" {
						if bytes, err := base64.StdEncoding.DecodeString(base.OpenCensusSpanContext.Tracestate); err == nil {
							var entries []tracestate.Entry
							if err := json.Unmarshal(bytes, &entries); err == nil {
								if ts, err := tracestate.New(nil, entries...); err == nil {
									sc.Tracestate = ts
								}
							}
						}
					}
					ctx, span = oc.StartSpanWithRemoteParent(
						context.Background(),
						"bridge::request",
						sc,
						oc.WithServerSpanKind,
					)
				} else {
					ctx, span = oc.StartSpan(
						context.Background(),
						"bridge::request",
						oc.WithServerSpanKind,
					)
				}

				span.AddAttributes(
					trace.Int64Attribute("message-id", header.ID),
					trace.StringAttribute("message-type", header.Type.String()),
					trace.StringAttribute("activityID", base.ActivityID),
					trace.StringAttribute("cid", base.ContainerID))

				entry := log.G(ctx)
				if entry.Logger.GetLevel() > logrus.DebugLevel {
					var err error
					var msgBytes []byte
					switch header.Type {
					case prot.RPCCreateContainer, prot.RPCExecProcess:
						msgBytes, err = log.ScrubProcessEnv(message)
					default:
						msgBytes = message
					}
					s := string(msgBytes)
					if err != nil {
						entry.WithError(err).Warning("could not scrub bridge payload")
					}
					entry.WithField("message", s).Trace("request read message")
				}
				requestChan <- &Request{
					Context:     ctx,
					Header:      header,
					ContainerID: base.ContainerID,
					ActivityID:  base.ActivityID,
					Message:     message,
				}
			}
		}
		requestErrChan <- recverr
	}()
	// Process each bridge request async and create the response writer.
	go func() {
		for req := range requestChan {
			go func(r *Request) {
				br := bridgeResponse{
					ctx: r.Context,
					header: &prot.MessageHeader{
						Type: prot.GetResponseIdentifier(r.Header.Type),
						ID:   r.Header.ID,
					},
				}
				resp, err := b.Handler.ServeMsg(r)
				if resp == nil {
					resp = &prot.MessageResponseBase{}
				}
				resp.Base().ActivityID = r.ActivityID
				if err != nil {
					span := trace.FromContext(r.Context)
					if span != nil {
						oc.SetSpanStatus(span, err)
					}
					setErrorForResponseBase(resp.Base(), err)
				}
				br.response = resp
				b.responseChan <- br
			}(req)
		}
	}()
	// Process each bridge response sync. This channel is for request/response
	// and publish workflows.
	go func() {
		var resperr error
		for resp := range b.responseChan {
			responseBytes, err := json.Marshal(resp.response)
			if err != nil {
				resperr = errors.Wrapf(err, "bridge: failed to marshal JSON for response \"%v\"", resp.response)
				break
			}
			resp.header.Size = uint32(len(responseBytes) + prot.MessageHeaderSize)
			if err := binary.Write(bridgeOut, binary.LittleEndian, resp.header); err != nil {
				resperr = errors.Wrap(err, "bridge: failed writing message header")
				break
			}
			if _, err := bridgeOut.Write(responseBytes); err != nil {
				resperr = errors.Wrap(err, "bridge: failed writing message payload")
				break
			}

			s := trace.FromContext(resp.ctx)
			if s != nil {
				log.G(resp.ctx).WithField("message", string(responseBytes)).Trace("request write response")
				s.AddAttributes(trace.StringAttribute("response-message-type", resp.header.Type.String()))
				s.End()
			}
		}
		responseErrChan <- resperr
	}()

	select {
	case err := <-requestErrChan:
		return err
	case err := <-responseErrChan:
		return err
	case <-b.quitChan:
		// The request loop needs to exit so that the teardown process
		// begins. Set the request loop to stop processing new messages.
		b.hasQuitPending.Store(true)
		// Wait for the request loop to process its last message. It is
		// possible that if it lost the race with hasQuitPending it could be
		// stuck in a pending read from bridgeIn. Wait and then kill the
		// connection.
		var err error
		select {
		case err = <-requestErrChan:
		case <-time.After(time.Second * 5):
			if cerr := bridgeIn.Close(); cerr != nil {
				err = errors.Wrap(cerr, "bridge: failed to close bridgeIn")
			}
			<-requestErrChan
		}
		<-responseErrChan
		return err
	}
}

// PublishNotification writes a specific notification to the bridge.
func (b *Bridge) PublishNotification(n *prot.ProcessExitedNotification) {
	ctx, span := oc.StartSpan(context.Background(),
		"bridge::PublishNotification",
		oc.WithClientSpanKind)
	span.AddAttributes(trace.StringAttribute("notification", fmt.Sprintf("%+v", n)))
	// DONT defer span.End() here. Publish is odd because bridgeResponse
	// calls `End` on the `ctx` after the response is sent.

	resp := bridgeResponse{
		ctx: ctx,
		header: &prot.MessageHeader{
			Type: prot.NotifyProcessExited,
			ID:   0,
		},
		response: n,
	}
	b.responseChan <- resp
}

// Quit stops the bridge request loop and lets ListenAndServe return.
func (b *Bridge) Quit() {
	b.quitChan <- true
}

// setErrorForResponseBase modifies the passed-in MessageResponseBase to
// contain information pertaining to the given error.
func setErrorForResponseBase(response *prot.MessageResponseBase, errForResponse error) {
	s, ok := status.FromError(errForResponse)
	if !ok {
		s = status.New(codes.Internal, errForResponse.Error())
	}
	response.Result = int32(s.Code())
	response.ErrorMessage = s.Message()
}
