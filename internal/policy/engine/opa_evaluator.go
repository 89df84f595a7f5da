package engine

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const allowQuery = "data.trendreversal.access.allow"

// DefaultRegoPolicy lets an account act on itself and lets ADMIN act on any account.
const DefaultRegoPolicy = `package trendreversal.access

default allow := false

allow if {
	input.subject.id != ""
	input.subject.id == input.target.id
}

allow if {
	input.subject.id != ""
	"ADMIN" in input.subject.roles
}
`

// OPAEvaluator evaluates access requests with a compiled Rego policy.
type OPAEvaluator struct {
	query rego.PreparedEvalQuery
}

// NewOPAEvaluator compiles policy (DefaultRegoPolicy when empty) and prepares the allow query.
func NewOPAEvaluator(ctx context.Context, policy string) (*OPAEvaluator, error) {
	if policy == "" {
		policy = DefaultRegoPolicy
	}
	compiler, err := ast.CompileModules(map[string]string{"access.rego": policy})
	if err != nil {
		return nil, fmt.Errorf("compile access policy: %w", err)
	}
	pq, err := rego.New(
		rego.Query(allowQuery),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare access policy: %w", err)
	}
	return &OPAEvaluator{query: pq}, nil
}

// Authorize reports whether req is allowed. A policy that yields no boolean denies.
func (e *OPAEvaluator) Authorize(ctx context.Context, req AccessRequest) (bool, error) {
	roles := req.SubjectRoles
	if roles == nil {
		roles = []string{}
	}
	input := map[string]interface{}{
		"action": req.Action,
		"subject": map[string]interface{}{
			"id":    req.SubjectID,
			"roles": roles,
		},
		"target": map[string]interface{}{
			"id": req.TargetID,
		},
	}
	rs, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("eval access policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	allowed, ok := rs[0].Expressions[0].Value.(bool)
	return ok && allowed, nil
}

// HealthCheck evaluates a fixed self-access request and fails unless it is allowed.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	ok, err := e.Authorize(ctx, AccessRequest{Action: ActionReadAccount, SubjectID: "health", TargetID: "health"})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("access policy denied self access")
	}
	return nil
}
