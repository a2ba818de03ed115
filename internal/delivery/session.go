package delivery

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/hivemind-run/hivemind/internal/constants"
	"github.com/hivemind-run/hivemind/internal/util"
)

var trailingNumber = regexp.MustCompile(`(\d+)\D*$`)

// SessionSource names where a session id came from.
type SessionSource string

const (
	SessionFromOverride  SessionSource = "override"
	SessionFromAppStatus SessionSource = "app-status"
	SessionFromLink      SessionSource = "link"
	SessionFromBootstrap SessionSource = "bootstrap"
	SessionNone          SessionSource = ""
)

// SessionResolver picks the session id stamped on outbound metadata.
type SessionResolver struct {
	// Override wins over everything on disk.
	Override string
	// StateDir holds app-status.json and session-bootstrap.txt.
	StateDir string
	// ProjectDir holds .hivemind/link.json.
	ProjectDir string
}

// Resolve returns the session id by priority: override, the running host's
// app-status file, the project link file, then the legacy bootstrap file.
// The bootstrap value is only trusted for its digits.
func (r SessionResolver) Resolve() (string, SessionSource) {
	if s := strings.TrimSpace(r.Override); s != "" {
		return s, SessionFromOverride
	}
	if r.StateDir != "" {
		if s := appStatusSession(filepath.Join(r.StateDir, constants.FileAppStatus)); s != "" {
			return s, SessionFromAppStatus
		}
	}
	if r.ProjectDir != "" {
		if s := linkSession(filepath.Join(r.ProjectDir, constants.DirHivemind, constants.FileLink)); s != "" {
			return s, SessionFromLink
		}
	}
	if r.StateDir != "" {
		data, err := os.ReadFile(filepath.Join(r.StateDir, constants.FileBootstrap))
		if err == nil {
			if s := NormalizeSessionID(string(data)); s != "" {
				return s, SessionFromBootstrap
			}
		}
	}
	return "", SessionNone
}

func appStatusSession(path string) string {
	var status struct {
		SessionID      string          `json:"session_id"`
		SessionIDCamel string          `json:"sessionId"`
		Session        json.RawMessage `json:"session"`
	}
	if ok, err := util.ReadJSON(path, &status); !ok || err != nil {
		return ""
	}
	if s := strings.TrimSpace(status.SessionID); s != "" {
		return s
	}
	if s := strings.TrimSpace(status.SessionIDCamel); s != "" {
		return s
	}
	if len(status.Session) > 0 {
		var n int64
		if err := json.Unmarshal(status.Session, &n); err == nil && n > 0 {
			return constants.SessionPrefix + strconv.FormatInt(n, 10)
		}
		var s string
		if err := json.Unmarshal(status.Session, &s); err == nil {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func linkSession(path string) string {
	var link struct {
		SessionID string `json:"session_id"`
	}
	if ok, err := util.ReadJSON(path, &link); !ok || err != nil {
		return ""
	}
	return strings.TrimSpace(link.SessionID)
}

// NormalizeSessionID reduces a legacy session id to app-session-<n>, where n
// is the last run of digits in raw. Values without a non-zero number yield "".
func NormalizeSessionID(raw string) string {
	m := trailingNumber.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return ""
	}
	n := strings.TrimLeft(m[1], "0")
	if n == "" {
		return ""
	}
	return constants.SessionPrefix + n
}
