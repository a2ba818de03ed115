package delivery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hivemind-run/hivemind/internal/constants"
	"github.com/hivemind-run/hivemind/internal/lock"
)

// FallbackWriter appends undelivered messages to trigger files.
type FallbackWriter struct {
	Dir         string
	ProjectName string
	ProjectPath string
}

// FormatFallback renders the trigger-file record for one message.
func FormatFallback(messageID, content, projectName, projectPath string) string {
	var b strings.Builder
	b.WriteString(constants.MessageIDPrefix)
	b.WriteString(messageID)
	b.WriteString("]\n")
	b.WriteString(content)
	if !strings.HasSuffix(content, "\n") {
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "%s name=%s path=%s\n", constants.ProjectContextPrefix, projectName, projectPath)
	return b.String()
}

// Path returns the trigger file for role.
func (w FallbackWriter) Path(role string) string {
	return filepath.Join(w.Dir, constants.TriggerFileName(role))
}

// Write appends the message to role's trigger file under the file lock the
// trigger router also takes. It returns the file written.
func (w FallbackWriter) Write(ctx context.Context, role, messageID, content string) (string, error) {
	if strings.TrimSpace(role) == "" {
		return "", ErrNoFallbackTarget
	}
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return "", fmt.Errorf("creating trigger dir: %w", err)
	}
	path := w.Path(role)
	record := FormatFallback(messageID, content, w.ProjectName, w.ProjectPath)

	err := lock.WithFileLock(ctx, path, func() error {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		if _, err := f.WriteString(record); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	})
	if err != nil {
		return "", fmt.Errorf("writing fallback %s: %w", path, err)
	}
	return path, nil
}
