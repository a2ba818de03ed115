// Package constants holds names shared across hivemind packages: canonical
// roles, reserved targets, and on-disk layout.
package constants

import "strings"

// Canonical pane roles.
const (
	RoleArchitect = "architect"
	RoleBuilder   = "builder"
	RoleOracle    = "oracle"
)

// Reserved out-of-band targets. These are never panes, so a relay
// health-check cannot vouch for them.
const (
	TargetUser     = "user"
	TargetTelegram = "telegram"
)

// Broadcast trigger aliases.
const (
	TriggerAll          = "all"
	TriggerWorkers      = "workers"
	TriggerOthersPrefix = "others-"
)

// On-disk layout, relative to the project root.
const (
	DirHivemind     = ".hivemind"
	DirTriggers     = "triggers"
	DirState        = "state"
	FileConfig      = "config.toml"
	FileDedupState  = "message-state.json"
	FileDeviceCache = "devices-cache.json"
	FileLink        = "link.json"
	FileAppStatus   = "app-status.json"
	FileBootstrap   = "session-bootstrap.txt"
	FileWorkflow    = "workflow-state.yaml"
	FileClaims      = "claims.jsonl"
)

// Wire markers written into fallback trigger files.
const (
	MessageIDPrefix      = "[HM-MESSAGE-ID:"
	ProjectContextPrefix = "[PROJECT CONTEXT]"
	SessionPrefix        = "app-session-"
)

// Role emoji for CLI output.
const (
	EmojiArchitect = "🏛️"
	EmojiBuilder   = "🔨"
	EmojiOracle    = "🔮"
	EmojiUser      = "👤"
)

// CanonicalRoles returns the built-in pane roles in pane order.
func CanonicalRoles() []string {
	return []string{RoleArchitect, RoleBuilder, RoleOracle}
}

// RoleEmoji returns the emoji for a role, or a question mark if unknown.
func RoleEmoji(role string) string {
	switch strings.ToLower(role) {
	case RoleArchitect:
		return EmojiArchitect
	case RoleBuilder:
		return EmojiBuilder
	case RoleOracle:
		return EmojiOracle
	case TargetUser:
		return EmojiUser
	default:
		return "❓"
	}
}

// IsReservedTarget reports whether target is an out-of-band channel rather
// than a pane role.
func IsReservedTarget(target string) bool {
	switch strings.ToLower(strings.TrimSpace(target)) {
	case TargetUser, TargetTelegram:
		return true
	}
	return false
}

// IsCrossDevice reports whether target uses the @device-role form.
func IsCrossDevice(target string) bool {
	t := strings.TrimSpace(target)
	return strings.HasPrefix(t, "@") && strings.Contains(t[1:], "-")
}

// SplitCrossDevice splits "@device-role" into device and role. The device
// name may itself contain dashes; the role is the last dash-separated part.
func SplitCrossDevice(target string) (device, role string, ok bool) {
	if !IsCrossDevice(target) {
		return "", "", false
	}
	body := strings.TrimPrefix(strings.TrimSpace(target), "@")
	i := strings.LastIndex(body, "-")
	if i <= 0 || i == len(body)-1 {
		return "", "", false
	}
	return body[:i], body[i+1:], true
}

// TriggerFileExt is the extension of per-target trigger files.
const TriggerFileExt = ".txt"

// TriggerFileName returns the trigger file name for a target.
func TriggerFileName(target string) string {
	return strings.ToLower(strings.TrimSpace(target)) + TriggerFileExt
}
