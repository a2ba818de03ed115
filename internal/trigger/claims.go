package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hivemind-run/hivemind/internal/lock"
)

// Claim is a [CLAIM] line found in an accepted message.
type Claim struct {
	Text      string    `json:"text"`
	Sender    string    `json:"sender,omitempty"`
	Recipient string    `json:"recipient"`
	MessageID string    `json:"message_id,omitempty"`
	Seq       *int      `json:"seq,omitempty"`
	At        time.Time `json:"at"`
}

// ClaimSink receives extracted claims.
type ClaimSink interface {
	RecordClaims(ctx context.Context, claims []Claim) error
}

// JSONLSink appends claims to a JSON lines file.
type JSONLSink struct {
	Path string
}

// RecordClaims appends one line per claim under the file lock.
func (s JSONLSink) RecordClaims(ctx context.Context, claims []Claim) error {
	if len(claims) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return fmt.Errorf("creating claims dir: %w", err)
	}
	return lock.WithFileLock(ctx, s.Path, func() error {
		f, err := os.OpenFile(s.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(f)
		for _, c := range claims {
			if err := enc.Encode(c); err != nil {
				_ = f.Close()
				return fmt.Errorf("writing claim: %w", err)
			}
		}
		return f.Close()
	})
}
