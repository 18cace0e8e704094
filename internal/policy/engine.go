package policy

import (
	"bytes"
	"context"
	"strings"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/topdown"
	"github.com/pkg/errors"
)

// regoModuleName is the synthetic file name the policy document is compiled
// under; it shows up in compile error messages.
const regoModuleName = "agent_policy.rego"

// regoPackage is the package every policy document must declare. Endpoint
// rules are queried as `data.agent_policy.<Endpoint>`.
const regoPackage = "agent_policy"

// fallbackRule is consulted when the document has no rule for the queried
// endpoint. Documents that omit it too fail closed.
const fallbackRule = "AllowRequestsFailingPolicy"

// regoEngine wraps a compiled policy document. The engine itself is
// immutable; replacing the document builds a fresh engine, so evaluation can
// never observe a half-updated policy.
type regoEngine struct {
	compiled *ast.Compiler
}

// newRegoEngine parses and compiles `document`, validating it in the
// process. Print statements are kept enabled so rule authors can surface an
// explanation for their decisions.
func newRegoEngine(document string) (*regoEngine, error) {
	module, err := ast.ParseModuleWithOpts(regoModuleName, document, ast.ParserOptions{
		ProcessAnnotation: true,
	})
	if err != nil {
		return nil, err
	}
	if pkg := module.Package.Path.String(); pkg != "data."+regoPackage {
		return nil, errors.Errorf("policy document declares package %q, expected %q", pkg, regoPackage)
	}

	compiler := ast.NewCompiler().WithEnablePrintStatements(true)
	compiler.Compile(map[string]*ast.Module{regoModuleName: module})
	if compiler.Failed() {
		return nil, compiler.Errors
	}

	return &regoEngine{compiled: compiler}, nil
}

// Query evaluates the endpoint rule against `input` and returns the verdict
// together with any print() output the evaluation produced. An endpoint with
// no rule in the document falls back to the document's
// AllowRequestsFailingPolicy value.
func (e *regoEngine) Query(ctx context.Context, endpoint string, input interface{}) (bool, string, error) {
	allowed, prints, defined, err := e.queryRule(ctx, endpoint, input)
	if err != nil {
		return false, "", err
	}
	if defined {
		return allowed, prints, nil
	}

	// Keep the endpoint rule's print output. A rule whose body fails is
	// undefined, and its prints are the closest thing to a denial reason.
	allowed, fallbackPrints, defined, err := e.queryRule(ctx, fallbackRule, input)
	if err != nil {
		return false, "", err
	}
	if !defined {
		return false, "", errors.Errorf("policy document has no rule %q and no %q fallback", endpoint, fallbackRule)
	}
	if prints == "" {
		prints = fallbackPrints
	}
	return allowed, prints, nil
}

func (e *regoEngine) queryRule(ctx context.Context, rule string, input interface{}) (allowed bool, prints string, defined bool, err error) {
	var buf bytes.Buffer
	query := rego.New(
		rego.Query("data."+regoPackage+"."+rule),
		rego.Input(input),
		rego.EnablePrintStatements(true),
		rego.PrintHook(topdown.NewPrintHook(&buf)),
		rego.Compiler(e.compiled))

	resultSet, err := query.Eval(ctx)
	if err != nil {
		return false, "", false, err
	}
	prints = strings.TrimSpace(buf.String())

	if len(resultSet) == 0 || len(resultSet[0].Expressions) == 0 {
		// Undefined: the document has no such rule.
		return false, prints, false, nil
	}

	value, ok := resultSet[0].Expressions[0].Value.(bool)
	if !ok {
		return false, "", false, errors.Errorf("policy rule %q did not evaluate to a boolean", rule)
	}
	return value, prints, true, nil
}
