package toolexecutor

import (
	"fmt"
	"strings"
)

// ApprovalPolicy decides whether a tool may run without a human in the loop.
type ApprovalPolicy string

const (
	PolicyAllow ApprovalPolicy = "allow"
	PolicyAsk   ApprovalPolicy = "ask"
	PolicyDeny  ApprovalPolicy = "deny"
)

// ParseApprovalPolicy parses allow, ask or deny (case-insensitive).
func ParseApprovalPolicy(s string) (ApprovalPolicy, error) {
	switch p := ApprovalPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyAllow, PolicyAsk, PolicyDeny:
		return p, nil
	default:
		return "", fmt.Errorf("%w: unknown approval policy %q", ErrInvalidTool, s)
	}
}

// ParsePolicies converts a tool name -> policy string map, as found in
// configuration, into typed policies.
func ParsePolicies(raw map[string]string) (map[string]ApprovalPolicy, error) {
	out := make(map[string]ApprovalPolicy, len(raw))
	for tool, s := range raw {
		p, err := ParseApprovalPolicy(s)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", tool, err)
		}
		out[tool] = p
	}
	return out, nil
}

// effectivePolicy resolves the policy for a tool. Overrides win over the
// definition; an unset policy means allow.
func effectivePolicy(def ToolDefinition, overrides map[string]ApprovalPolicy) ApprovalPolicy {
	if p, ok := overrides[def.Name]; ok && p != "" {
		return p
	}
	if def.Approval == "" {
		return PolicyAllow
	}
	return def.Approval
}
