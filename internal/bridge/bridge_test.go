//go:build linux
// +build linux

package bridge

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/virtshim/guestagent/internal/policy"
	"github.com/virtshim/guestagent/internal/prot"
)

// testConn wires a bridge to an in-memory host over two pipes.
type testConn struct {
	hostOut  *io.PipeWriter
	hostIn   *io.PipeReader
	bridgeIn *io.PipeReader
	serveErr chan error
}

func startTestBridge(t *testing.T, b *Bridge) *testConn {
	t.Helper()
	bridgeIn, hostOut := io.Pipe()
	hostIn, bridgeOut := io.Pipe()

	tc := &testConn{
		hostOut:  hostOut,
		hostIn:   hostIn,
		bridgeIn: bridgeIn,
		serveErr: make(chan error, 1),
	}
	go func() {
		tc.serveErr <- b.ListenAndServe(bridgeIn, bridgeOut)
	}()
	t.Cleanup(func() {
		hostOut.Close()
		select {
		case <-tc.serveErr:
		case <-time.After(5 * time.Second):
			t.Error("bridge did not stop after the connection closed")
		}
	})
	return tc
}

func (tc *testConn) sendRequest(t *testing.T, id prot.MessageIdentifier, msgID int64, req interface{}) {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}
	header := prot.MessageHeader{
		Type: id,
		Size: uint32(len(body) + prot.MessageHeaderSize),
		ID:   msgID,
	}
	if err := binary.Write(tc.hostOut, binary.LittleEndian, &header); err != nil {
		t.Fatalf("failed to write header: %v", err)
	}
	if _, err := tc.hostOut.Write(body); err != nil {
		t.Fatalf("failed to write body: %v", err)
	}
}

func (tc *testConn) readResponse(t *testing.T, resp interface{}) *prot.MessageHeader {
	t.Helper()
	header := &prot.MessageHeader{}
	if err := binary.Read(tc.hostIn, binary.LittleEndian, header); err != nil {
		t.Fatalf("failed to read response header: %v", err)
	}
	body := make([]byte, header.Size-prot.MessageHeaderSize)
	if _, err := io.ReadFull(tc.hostIn, body); err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	if err := json.Unmarshal(body, resp); err != nil {
		t.Fatalf("failed to unmarshal response %q: %v", body, err)
	}
	return header
}

func allowAllBridge(t *testing.T) *Bridge {
	t.Helper()
	p, err := policy.NewAgentPolicy("")
	if err != nil {
		t.Fatalf("failed to build default policy: %v", err)
	}
	mux := NewBridgeMux()
	b := &Bridge{Handler: mux, Policy: p}
	b.AssignHandlers(mux)
	return b
}

// denyAllGate refuses every request, recording the endpoints it saw.
type denyAllGate struct {
	endpoints []string
}

func (g *denyAllGate) IsAllowed(ctx context.Context, req interface{}) error {
	g.endpoints = append(g.endpoints, policy.EndpointName(req))
	return status.Errorf(codes.PermissionDenied, "%s is blocked by policy: nothing is allowed", policy.EndpointName(req))
}

func (g *denyAllGate) SetPolicy(ctx context.Context, req *prot.SetPolicyRequest) error {
	return status.Error(codes.PermissionDenied, "SetPolicyRequest is blocked by policy: nothing is allowed")
}

var _ policy.Gate = &denyAllGate{}

func Test_Bridge_GatesThroughPolicyInterface(t *testing.T) {
	gate := &denyAllGate{}
	mux := NewBridgeMux()
	b := &Bridge{Handler: mux, Policy: gate}
	b.AssignHandlers(mux)
	tc := startTestBridge(t, b)

	tc.sendRequest(t, prot.RPCGetGuestDetails, 7, &prot.GetGuestDetailsRequest{})

	var resp prot.MessageResponseBase
	tc.readResponse(t, &resp)
	if resp.Result != int32(codes.PermissionDenied) {
		t.Errorf("expected PermissionDenied result, got: %d", resp.Result)
	}
	if len(gate.endpoints) != 1 || gate.endpoints[0] != "GetGuestDetailsRequest" {
		t.Errorf("expected the gate to see GetGuestDetailsRequest, got: %v", gate.endpoints)
	}
}

func Test_Mux_Dispatch(t *testing.T) {
	mux := NewBridgeMux()
	called := false
	mux.HandleFunc(prot.RPCGetGuestDetails, func(r *Request) (RequestResponse, error) {
		called = true
		return &prot.EmptyResponse{}, nil
	})

	req := &Request{Header: &prot.MessageHeader{Type: prot.RPCGetGuestDetails}}
	if _, err := mux.ServeMsg(req); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !called {
		t.Error("expected the registered handler to run")
	}
}

func Test_Mux_UnknownType_Unimplemented(t *testing.T) {
	mux := NewBridgeMux()
	req := &Request{Header: &prot.MessageHeader{Type: prot.RPCCreateSandbox}}
	_, err := mux.ServeMsg(req)
	if status.Code(err) != codes.Unimplemented {
		t.Fatalf("expected Unimplemented, got: %v", err)
	}
}

func Test_ListenAndServe_RequestResponse(t *testing.T) {
	mux := NewBridgeMux()
	mux.HandleFunc(prot.RPCGetGuestDetails, func(r *Request) (RequestResponse, error) {
		return &prot.GetGuestDetailsResponse{AgentVersion: AgentVersion}, nil
	})
	b := &Bridge{Handler: mux}
	tc := startTestBridge(t, b)

	tc.sendRequest(t, prot.RPCGetGuestDetails, 42, &prot.GetGuestDetailsRequest{
		MessageBase: prot.MessageBase{ActivityID: "act-1"},
	})

	var resp prot.GetGuestDetailsResponse
	header := tc.readResponse(t, &resp)
	if header.Type != prot.GetResponseIdentifier(prot.RPCGetGuestDetails) {
		t.Errorf("unexpected response type: %v", header.Type)
	}
	if header.ID != 42 {
		t.Errorf("expected the response to carry the request ID, got: %d", header.ID)
	}
	if resp.Result != 0 {
		t.Errorf("expected a success result, got: %d", resp.Result)
	}
	if resp.ActivityID != "act-1" {
		t.Errorf("expected the activity ID to round-trip, got: %q", resp.ActivityID)
	}
	if resp.AgentVersion != AgentVersion {
		t.Errorf("unexpected agent version: %q", resp.AgentVersion)
	}
}

func Test_ListenAndServe_HandlerError_EncodedInResponse(t *testing.T) {
	mux := NewBridgeMux()
	mux.HandleFunc(prot.RPCCreateContainer, func(r *Request) (RequestResponse, error) {
		return nil, status.Error(codes.PermissionDenied, "CreateContainerRequest is blocked by policy")
	})
	b := &Bridge{Handler: mux}
	tc := startTestBridge(t, b)

	tc.sendRequest(t, prot.RPCCreateContainer, 7, &prot.CreateContainerRequest{})

	var resp prot.MessageResponseBase
	tc.readResponse(t, &resp)
	if resp.Result != int32(codes.PermissionDenied) {
		t.Errorf("expected result %d, got: %d", int32(codes.PermissionDenied), resp.Result)
	}
	if resp.ErrorMessage != "CreateContainerRequest is blocked by policy" {
		t.Errorf("unexpected error message: %q", resp.ErrorMessage)
	}
}

func Test_ListenAndServe_ConcurrentRequests(t *testing.T) {
	release := make(chan struct{})
	mux := NewBridgeMux()
	mux.HandleFunc(prot.RPCWaitProcess, func(r *Request) (RequestResponse, error) {
		<-release
		return &prot.WaitProcessResponse{ExitCode: 7}, nil
	})
	mux.HandleFunc(prot.RPCGetGuestDetails, func(r *Request) (RequestResponse, error) {
		return &prot.EmptyResponse{}, nil
	})
	b := &Bridge{Handler: mux}
	tc := startTestBridge(t, b)

	// A blocked wait must not stop the next request from being served.
	tc.sendRequest(t, prot.RPCWaitProcess, 1, &prot.WaitProcessRequest{})
	tc.sendRequest(t, prot.RPCGetGuestDetails, 2, &prot.GetGuestDetailsRequest{})

	var first prot.MessageResponseBase
	h := tc.readResponse(t, &first)
	if h.ID != 2 {
		t.Fatalf("expected the unblocked request to respond first, got ID: %d", h.ID)
	}
	close(release)
	var second prot.WaitProcessResponse
	h = tc.readResponse(t, &second)
	if h.ID != 1 || second.ExitCode != 7 {
		t.Errorf("unexpected second response: id=%d exitCode=%d", h.ID, second.ExitCode)
	}
}

func Test_PublishNotification_WrittenToBridge(t *testing.T) {
	mux := NewBridgeMux()
	mux.HandleFunc(prot.RPCGetGuestDetails, func(r *Request) (RequestResponse, error) {
		return &prot.EmptyResponse{}, nil
	})
	b := &Bridge{Handler: mux}
	tc := startTestBridge(t, b)

	// Round-trip one request first so the bridge loop is known to be up.
	tc.sendRequest(t, prot.RPCGetGuestDetails, 1, &prot.GetGuestDetailsRequest{})
	var ready prot.MessageResponseBase
	tc.readResponse(t, &ready)

	go b.PublishNotification(&prot.ProcessExitedNotification{
		MessageBase: prot.MessageBase{ContainerID: "c1"},
		ExitCode:    137,
	})

	var n prot.ProcessExitedNotification
	header := tc.readResponse(t, &n)
	if header.Type != prot.NotifyProcessExited {
		t.Errorf("unexpected notification type: %v", header.Type)
	}
	if n.ContainerID != "c1" || n.ExitCode != 137 {
		t.Errorf("unexpected notification: %+v", n)
	}
}

func Test_SetErrorForResponseBase_StatusError(t *testing.T) {
	base := &prot.MessageResponseBase{}
	setErrorForResponseBase(base, status.Error(codes.InvalidArgument, "bad request"))
	if base.Result != int32(codes.InvalidArgument) {
		t.Errorf("expected InvalidArgument, got: %d", base.Result)
	}
	if base.ErrorMessage != "bad request" {
		t.Errorf("unexpected message: %q", base.ErrorMessage)
	}
}

func Test_SetErrorForResponseBase_PlainError_Internal(t *testing.T) {
	base := &prot.MessageResponseBase{}
	setErrorForResponseBase(base, io.ErrUnexpectedEOF)
	if base.Result != int32(codes.Internal) {
		t.Errorf("expected Internal for a plain error, got: %d", base.Result)
	}
}
