// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"context"
	"net"
	"strings"
	"time"
)

// Verdict is the admission decision for a connecting host.
type Verdict int

const (
	// VerdictAccept admits the connection.
	VerdictAccept Verdict = iota
	// VerdictQuery asks the local user.
	VerdictQuery
	// VerdictReject refuses the connection.
	VerdictReject
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return "accept"
	case VerdictQuery:
		return "query"
	case VerdictReject:
		return "reject"
	default:
		return "unknown"
	}
}

// Querier asks the local user whether to admit host. Implementations must
// return when ctx is done.
type Querier interface {
	Query(ctx context.Context, host string) (bool, error)
}

// QuerierFunc adapts a function to Querier.
type QuerierFunc func(ctx context.Context, host string) (bool, error)

// Query calls f.
func (f QuerierFunc) Query(ctx context.Context, host string) (bool, error) {
	return f(ctx, host)
}

// Policy is the runtime-adjustable admission and session policy.
type Policy struct {
	Credentials
	AuthRequired bool

	// AuthHosts is a list of patterns such as "+192.168.:-192.168.1.5".
	// Each pattern is an action ('+' accept, '-' reject, '?' query) and an
	// address prefix. Later matches override earlier ones. Patterns are
	// separated by ':' or, when the list contains a comma, by ','.
	AuthHosts string

	QueryOnConnect bool
	QueryTimeout   time.Duration
	QueryAccept    bool

	AllowLoopback bool
	LoopbackOnly  bool

	EnableRemoteInputs bool
	DesktopName        string

	RemoveWallpaper     bool
	RemoveEffects       bool
	RemoveFontSmoothing bool
}

// HostPattern is one parsed auth-hosts entry.
type HostPattern struct {
	Action Verdict
	Prefix string
}

// ParseAuthHosts splits and validates an auth-hosts list.
func ParseAuthHosts(list string) ([]HostPattern, error) {
	list = strings.TrimSpace(list)
	if list == "" {
		return nil, nil
	}
	sep := ":"
	if strings.Contains(list, ",") {
		sep = ","
	}

	v := newInputValidator()
	var out []HostPattern
	for _, p := range strings.Split(list, sep) {
		if p == "" {
			continue
		}
		if err := v.ValidateHostPattern(p); err != nil {
			return nil, err
		}
		hp := HostPattern{Prefix: p[1:]}
		switch p[0] {
		case '+':
			hp.Action = VerdictAccept
		case '-':
			hp.Action = VerdictReject
		case '?':
			hp.Action = VerdictQuery
		}
		out = append(out, hp)
	}
	return out, nil
}

// matchHost returns the action of the last pattern whose prefix matches
// host.
func matchHost(patterns []HostPattern, host string) (Verdict, bool) {
	verdict, matched := VerdictAccept, false
	for _, p := range patterns {
		if strings.HasPrefix(host, p.Prefix) {
			verdict, matched = p.Action, true
		}
	}
	return verdict, matched
}

// isLoopback reports whether host is a loopback address or "localhost".
func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
