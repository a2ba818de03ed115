package delivery

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/hivemind-run/hivemind/internal/config"
	"github.com/hivemind-run/hivemind/internal/constants"
)

// Route is a target resolved for one sender.
type Route struct {
	// Raw is the target as the caller typed it.
	Raw string
	// Role is the canonical role the message goes to.
	Role   string
	PaneID string

	Device      string
	CrossDevice bool
	Reserved    bool
	Rerouted    bool

	// Warnings explain any rerouting. They must be shown to the caller.
	Warnings []string
}

// SkipsPreflight reports whether the health check is skipped for the route.
// Reserved channels and other devices cannot be vouched for by the local
// relay view.
func (r Route) SkipsPreflight() bool {
	return r.Reserved || r.CrossDevice
}

// RelayTarget is the target string sent on the wire.
func (r Route) RelayTarget() string {
	if r.CrossDevice {
		return "@" + r.Device + "-" + r.Role
	}
	return r.Role
}

// HasLocalFallback reports whether a trigger file on this host can carry the
// message.
func (r Route) HasLocalFallback() bool {
	return !r.CrossDevice && !r.Reserved && r.Role != ""
}

// Router resolves targets using the role table.
type Router struct {
	roles config.RolesConfig
}

// NewRouter creates a Router for the role table.
func NewRouter(roles config.RolesConfig) *Router {
	return &Router{roles: roles}
}

// Canonical maps an alias onto its canonical role. Unknown names are
// returned lowercased.
func (r *Router) Canonical(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	if c, ok := r.roles.Aliases[n]; ok {
		return c
	}
	return n
}

// Resolve resolves target for sender, applying alias normalization and
// sender-aware rerouting.
func (r *Router) Resolve(sender, target string) (Route, error) {
	raw := strings.TrimSpace(target)
	if raw == "" {
		return Route{}, errors.New("empty target")
	}
	route := Route{Raw: raw}

	if device, role, ok := constants.SplitCrossDevice(raw); ok {
		route.CrossDevice = true
		route.Device = device
		route.Role = r.Canonical(role)
		return route, nil
	}
	if constants.IsReservedTarget(raw) {
		route.Reserved = true
		route.Role = strings.ToLower(raw)
		return route, nil
	}

	route.Role = r.Canonical(raw)

	senderName := strings.ToLower(strings.TrimSpace(sender))
	for _, rule := range r.roles.Reroutes {
		if r.Canonical(rule.Target) != route.Role || senderName == "" {
			continue
		}
		if ok, _ := path.Match(strings.ToLower(rule.Sender), senderName); !ok {
			continue
		}
		to := r.Canonical(rule.To)
		warning := fmt.Sprintf("rerouted %s -> %s for sender %s", route.Role, to, senderName)
		if rule.Reason != "" {
			warning += ": " + rule.Reason
		}
		route.Role = to
		route.Rerouted = true
		route.Warnings = append(route.Warnings, warning)
		break
	}

	route.PaneID = r.roles.Panes[route.Role]
	return route, nil
}
