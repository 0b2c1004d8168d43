package backend

import (
	"encoding/json"
	"reflect"
	"sort"
)

// Rule matches a domain (exact or "*.suffix") and optional ports.
type Rule struct {
	Domain string `json:"domain" yaml:"domain"`
	Ports  []int  `json:"ports,omitempty" yaml:"ports,omitempty"`
}

// NetworkPolicy is an allow/deny egress policy forwarded to backends.
type NetworkPolicy struct {
	DefaultDeny bool   `json:"default_deny" yaml:"default_deny"`
	Allow       []Rule `json:"allow,omitempty" yaml:"allow,omitempty"`
	Deny        []Rule `json:"deny,omitempty" yaml:"deny,omitempty"`
}

// Equal compares policies ignoring rule order.
func (p NetworkPolicy) Equal(o NetworkPolicy) bool {
	return p.DefaultDeny == o.DefaultDeny &&
		reflect.DeepEqual(sortedRules(p.Allow), sortedRules(o.Allow)) &&
		reflect.DeepEqual(sortedRules(p.Deny), sortedRules(o.Deny))
}

func sortedRules(rules []Rule) []Rule {
	out := make([]Rule, len(rules))
	for i, r := range rules {
		ports := append([]int(nil), r.Ports...)
		sort.Ints(ports)
		if len(ports) == 0 {
			ports = nil
		}
		out[i] = Rule{Domain: r.Domain, Ports: ports}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// PolicyFromContext extracts a network policy from an execution context. The
// value under "network_policy" may be a NetworkPolicy, a pointer to one, or a
// JSON-shaped map.
func PolicyFromContext(execCtx map[string]any) (NetworkPolicy, bool) {
	raw, ok := execCtx["network_policy"]
	if !ok || raw == nil {
		return NetworkPolicy{}, false
	}
	switch v := raw.(type) {
	case NetworkPolicy:
		return v, true
	case *NetworkPolicy:
		if v == nil {
			return NetworkPolicy{}, false
		}
		return *v, true
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return NetworkPolicy{}, false
		}
		var p NetworkPolicy
		if err := json.Unmarshal(data, &p); err != nil {
			return NetworkPolicy{}, false
		}
		return p, true
	}
}
