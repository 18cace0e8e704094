// Package policy gates every bridge request behind an explicit, auditable
// allow/deny decision evaluated against a runtime-replaceable Rego document.
package policy

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/virtshim/guestagent/internal/jsonio"
	"github.com/virtshim/guestagent/internal/log"
	"github.com/virtshim/guestagent/internal/logfields"
	"github.com/virtshim/guestagent/internal/prot"
)

// setPolicyEndpoint is the fixed endpoint name replacement requests are
// gated under, matching the request type name.
const setPolicyEndpoint = "SetPolicyRequest"

// Gate is the contract the bridge needs from the policy service: a per
// request allow/deny check and the gated document replacement.
type Gate interface {
	// IsAllowed decides whether the RPC request `req` may proceed. A nil
	// return allows it; the returned error carries the wire status code.
	IsAllowed(ctx context.Context, req interface{}) error
	// SetPolicy replaces the active document, gated by the current one.
	SetPolicy(ctx context.Context, req *prot.SetPolicyRequest) error
}

// decision is the outcome of one policy evaluation.
type decision struct {
	allowed bool
	// prints is the document's own explanation text, collected from its
	// print() statements.
	prints string
}

// AgentPolicy owns the active policy document. A single mutex serializes
// evaluation and document replacement: evaluation always reads a whole,
// consistent document, and a replacement can never race a concurrent check.
type AgentPolicy struct {
	mu       sync.Mutex
	engine   *regoEngine
	document string
}

var _ Gate = &AgentPolicy{}

// NewAgentPolicy constructs the policy service from an initial document.
// An empty document selects the built-in allow-all default.
func NewAgentPolicy(document string) (*AgentPolicy, error) {
	if document == "" {
		document = DefaultPolicyDocument
	}
	engine, err := newRegoEngine(document)
	if err != nil {
		return nil, errors.Wrap(err, "failed to compile initial policy document")
	}
	return &AgentPolicy{engine: engine, document: document}, nil
}

// evaluateLocked must be called with p.mu held.
func (p *AgentPolicy) evaluateLocked(ctx context.Context, endpoint string, input interface{}) (decision, error) {
	allowed, prints, err := p.engine.Query(ctx, endpoint, input)
	if err != nil {
		return decision{}, err
	}
	return decision{allowed: allowed, prints: prints}, nil
}

// IsAllowed gates one RPC request: it reflects the request's endpoint name,
// serializes the request to its canonical JSON form, and evaluates under the
// policy lock. The returned error carries the wire status code:
//
//   - nil when the request is allowed,
//   - PermissionDenied with the evaluator's explanation on deny,
//   - Internal when the evaluator itself failed.
func (p *AgentPolicy) IsAllowed(ctx context.Context, req interface{}) error {
	endpoint := EndpointName(req)

	request, err := jsonio.Marshal(req)
	if err != nil {
		return status.Errorf(codes.Internal, "%s: internal error %v", endpoint, err)
	}

	var input interface{}
	if err := json.Unmarshal([]byte(request), &input); err != nil {
		return status.Errorf(codes.Internal, "%s: internal error %v", endpoint, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checkLocked(ctx, endpoint, input)
}

// checkLocked must be called with p.mu held.
func (p *AgentPolicy) checkLocked(ctx context.Context, endpoint string, input interface{}) error {
	d, err := p.evaluateLocked(ctx, endpoint, input)
	if err != nil {
		return status.Errorf(codes.Internal, "%s: internal error %v", endpoint, err)
	}
	if !d.allowed {
		log.G(ctx).WithFields(logrus.Fields{
			logfields.Endpoint: endpoint,
			logfields.Value:    d.prints,
		}).Warn("request blocked by policy")
		return status.Errorf(codes.PermissionDenied, "%s is blocked by policy: %s", endpoint, d.prints)
	}
	return nil
}

// SetPolicy replaces the active document. The replacement itself is gated by
// the *current* document under one continuous lock hold, so there is no
// window between "checked allowed" and "applied new policy". An unparsable
// replacement fails with InvalidArgument and leaves the old document active.
func (p *AgentPolicy) SetPolicy(ctx context.Context, req *prot.SetPolicyRequest) error {
	request, err := jsonio.Marshal(req)
	if err != nil {
		return status.Errorf(codes.Internal, "%s: internal error %v", setPolicyEndpoint, err)
	}
	var input interface{}
	if err := json.Unmarshal([]byte(request), &input); err != nil {
		return status.Errorf(codes.Internal, "%s: internal error %v", setPolicyEndpoint, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkLocked(ctx, setPolicyEndpoint, input); err != nil {
		return err
	}

	engine, err := newRegoEngine(req.Policy)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	p.engine = engine
	p.document = req.Policy
	log.G(ctx).WithField(logfields.Bytes, len(req.Policy)).Info("policy document replaced")
	return nil
}

// Document returns a snapshot of the active policy document.
func (p *AgentPolicy) Document() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.document
}

// EndpointName reflects the RPC endpoint name from a request value: the name
// of its (pointer-dereferenced) type, e.g. "CreateContainerRequest".
func EndpointName(req interface{}) string {
	t := reflect.TypeOf(req)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}
