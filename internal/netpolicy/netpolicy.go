// Package netpolicy vets command lines against an egress policy carried in
// the execution context. Targets are the hosts of URLs in the line plus the
// host-like arguments of well-known network commands.
package netpolicy

import (
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/agentjido/jido-shell-sub001/internal/backend"
	"github.com/agentjido/jido-shell-sub001/internal/shellerr"
)

var urlPattern = regexp.MustCompile(`(?i)\b[a-z][a-z0-9+.-]*://[^\s'"<>]+`)

var networkCommands = map[string]bool{
	"curl": true, "wget": true, "nc": true, "ping": true,
	"ssh": true, "scp": true, "telnet": true, "git": true,
}

var schemePorts = map[string]int{
	"http": 80, "https": 443, "ws": 80, "wss": 443,
	"ftp": 21, "ssh": 22, "git": 9418,
}

// Target is a host and port a line would reach. Port 0 means unknown.
type Target struct {
	Host string
	Port int
}

// FromContext resolves the policy forwarded to backends.
func FromContext(execCtx map[string]any) (backend.NetworkPolicy, bool) {
	return backend.PolicyFromContext(execCtx)
}

// Evaluate returns nil when every target in line is permitted by the policy
// in execCtx, or a network.blocked error naming the first refused target.
// Lines are not vetted when no policy is set.
func Evaluate(line string, execCtx map[string]any) error {
	policy, ok := FromContext(execCtx)
	if !ok {
		return nil
	}
	for _, t := range Targets(line) {
		if reason, blocked := Check(policy, t); blocked {
			return shellerr.New(shellerr.NetworkBlocked, map[string]any{
				"line":   line,
				"host":   t.Host,
				"port":   t.Port,
				"reason": reason,
			})
		}
	}
	return nil
}

// Check applies policy to one target. Deny rules win over allow rules.
func Check(policy backend.NetworkPolicy, t Target) (string, bool) {
	for _, r := range policy.Deny {
		if ruleMatches(r, t) {
			return "denied by rule " + r.Domain, true
		}
	}
	if !policy.DefaultDeny {
		return "", false
	}
	for _, r := range policy.Allow {
		if ruleMatches(r, t) {
			return "", false
		}
	}
	return "not in allow list", true
}

func ruleMatches(r backend.Rule, t Target) bool {
	if !DomainMatches(r.Domain, t.Host) {
		return false
	}
	if len(r.Ports) == 0 || t.Port == 0 {
		return true
	}
	for _, p := range r.Ports {
		if p == t.Port {
			return true
		}
	}
	return false
}

// DomainMatches reports whether host matches pattern: "*" matches anything,
// "*.example.com" matches subdomains of example.com, anything else matches
// exactly. Comparison is case-insensitive.
func DomainMatches(pattern, host string) bool {
	pattern = strings.ToLower(strings.TrimSuffix(pattern, "."))
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	switch {
	case pattern == "*":
		return true
	case strings.HasPrefix(pattern, "*."):
		return strings.HasSuffix(host, pattern[1:])
	default:
		return pattern == host
	}
}

// Targets extracts the hosts a line would contact.
func Targets(line string) []Target {
	var out []Target
	seen := map[Target]bool{}
	add := func(t Target) {
		if t.Host == "" || seen[t] {
			return
		}
		seen[t] = true
		out = append(out, t)
	}

	for _, raw := range urlPattern.FindAllString(line, -1) {
		u, err := url.Parse(strings.TrimRight(raw, ".,;)"))
		if err != nil {
			continue
		}
		port, _ := strconv.Atoi(u.Port())
		if port == 0 {
			port = schemePorts[strings.ToLower(u.Scheme)]
		}
		add(Target{Host: u.Hostname(), Port: port})
	}

	for _, segment := range splitCommands(line) {
		fields := strings.Fields(segment)
		if len(fields) == 0 || !networkCommands[fields[0]] {
			continue
		}
		for _, arg := range fields[1:] {
			arg = strings.Trim(arg, `'"`)
			if strings.HasPrefix(arg, "-") || strings.Contains(arg, "://") {
				continue
			}
			if t, ok := hostArg(arg); ok {
				add(t)
			}
		}
	}
	return out
}

func splitCommands(line string) []string {
	return strings.FieldsFunc(line, func(r rune) bool {
		return r == ';' || r == '&' || r == '|'
	})
}

// hostArg accepts host, host:port, user@host and user@host:path.
func hostArg(arg string) (Target, bool) {
	if i := strings.LastIndex(arg, "@"); i >= 0 {
		arg = arg[i+1:]
	}
	host, port := arg, 0
	if h, p, err := net.SplitHostPort(arg); err == nil {
		host = h
		port, _ = strconv.Atoi(p)
	} else if i := strings.Index(arg, ":"); i >= 0 {
		host = arg[:i]
	}
	if net.ParseIP(host) != nil {
		return Target{Host: host, Port: port}, true
	}
	if !strings.Contains(host, ".") || strings.ContainsAny(host, "/=") {
		return Target{}, false
	}
	return Target{Host: host, Port: port}, true
}
