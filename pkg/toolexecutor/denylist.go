package toolexecutor

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"sync"
)

// DenyRule blocks a tool call whose string arguments match Pattern. Tool is
// an optional glob over tool names; empty matches every tool.
type DenyRule struct {
	Tool    string `json:"tool,omitempty"`
	Pattern string `json:"pattern"`
	Reason  string `json:"reason,omitempty"`
}

type compiledRule struct {
	rule DenyRule
	re   *regexp.Regexp
}

// DenyList checks tool arguments against destructive patterns before any
// approval prompt is shown.
type DenyList struct {
	mu    sync.RWMutex
	rules []compiledRule
}

// DefaultDenyRules returns rules for common destructive shell commands.
func DefaultDenyRules() []DenyRule {
	return []DenyRule{
		{Pattern: `rm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+(/|~|\$HOME)(\s|$)`, Reason: "recursive delete of root or home"},
		{Pattern: `\bmkfs(\.[a-z0-9]+)?\b`, Reason: "filesystem format"},
		{Pattern: `\bdd\b.*\bof=/dev/`, Reason: "raw write to a block device"},
		{Pattern: `:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`, Reason: "fork bomb"},
		{Pattern: `chmod\s+(-R\s+)?777\s+/(\s|$)`, Reason: "world-writable root"},
		{Pattern: `\b(shutdown|reboot|halt|poweroff)\b`, Reason: "host power control"},
		{Pattern: `(curl|wget)\s+[^|]*\|\s*(sudo\s+)?(ba|z)?sh\b`, Reason: "pipe remote script to shell"},
		{Pattern: `>\s*/dev/sd[a-z]`, Reason: "overwrite block device"},
	}
}

// NewDenyList compiles rules. A bad pattern fails the whole list.
func NewDenyList(rules []DenyRule) (*DenyList, error) {
	dl := &DenyList{}
	for _, r := range rules {
		if err := dl.Add(r); err != nil {
			return nil, err
		}
	}
	return dl, nil
}

// Add compiles and appends a rule.
func (dl *DenyList) Add(rule DenyRule) error {
	if rule.Pattern == "" {
		return fmt.Errorf("%w: empty pattern", ErrInvalidDenyRule)
	}
	re, err := regexp.Compile(rule.Pattern)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrInvalidDenyRule, rule.Pattern, err)
	}
	if rule.Tool != "" {
		if _, err := path.Match(rule.Tool, ""); err != nil {
			return fmt.Errorf("%w: tool glob %q: %w", ErrInvalidDenyRule, rule.Tool, err)
		}
	}

	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.rules = append(dl.rules, compiledRule{rule: rule, re: re})
	return nil
}

// Len returns the number of rules.
func (dl *DenyList) Len() int {
	if dl == nil {
		return 0
	}
	dl.mu.RLock()
	defer dl.mu.RUnlock()
	return len(dl.rules)
}

// Match returns the first rule that blocks the call.
func (dl *DenyList) Match(tool string, args map[string]interface{}) (DenyRule, bool) {
	if dl == nil {
		return DenyRule{}, false
	}
	values := collectStrings(args, nil)

	dl.mu.RLock()
	defer dl.mu.RUnlock()
	for _, cr := range dl.rules {
		if cr.rule.Tool != "" {
			if ok, _ := path.Match(cr.rule.Tool, tool); !ok {
				continue
			}
		}
		for _, v := range values {
			if cr.re.MatchString(v) {
				return cr.rule, true
			}
		}
	}
	return DenyRule{}, false
}

// collectStrings gathers every string value in v, walking nested objects
// and arrays. Map keys are visited in sorted order so matches are stable.
func collectStrings(v interface{}, out []string) []string {
	switch t := v.(type) {
	case string:
		out = append(out, t)
	case []interface{}:
		for _, item := range t {
			out = collectStrings(item, out)
		}
	case []string:
		out = append(out, t...)
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = collectStrings(t[k], out)
		}
	}
	return out
}
