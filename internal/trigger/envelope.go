package trigger

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/hivemind-run/hivemind/internal/constants"
)

// Envelope is a parsed trigger message.
type Envelope struct {
	// Sender is lowercased; empty when the body has no envelope.
	Sender string
	// Seq is nil for the legacy "(SENDER): body" form.
	Seq  *int
	Body string
	// Raw is the full message text as injected.
	Raw string
}

var envelopeRE = regexp.MustCompile(`(?s)^\(([A-Za-z0-9][A-Za-z0-9 _.\-]*?)(?:\s*#(\d+))?\):\s?(.*)$`)

// ParseEnvelope parses "(SENDER #N): body" or "(SENDER): body". Text that
// matches neither is returned as a body with no sender.
func ParseEnvelope(text string) Envelope {
	trimmed := strings.TrimSpace(text)
	env := Envelope{Body: trimmed, Raw: trimmed}
	m := envelopeRE.FindStringSubmatch(trimmed)
	if m == nil {
		return env
	}
	env.Sender = strings.ToLower(strings.TrimSpace(m[1]))
	if m[2] != "" {
		if n, err := strconv.Atoi(m[2]); err == nil {
			env.Seq = &n
		}
	}
	env.Body = strings.TrimSpace(m[3])
	return env
}

// Record is one message in a trigger file.
type Record struct {
	// MessageID is set for records written by the delivery fallback.
	MessageID string
	Text      string
}

// SplitRecords splits trigger file content into records. Fallback writes
// start each record with an [HM-MESSAGE-ID:<id>] line; content before the
// first marker, or a file without markers, is one record.
func SplitRecords(content string) []Record {
	var (
		records []Record
		cur     Record
		lines   []string
	)
	flush := func() {
		cur.Text = strings.Join(lines, "\n")
		if cur.MessageID != "" || strings.TrimSpace(cur.Text) != "" {
			records = append(records, cur)
		}
		cur, lines = Record{}, nil
	}

	for _, line := range strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n") {
		if id, ok := messageIDLine(line); ok {
			flush()
			cur.MessageID = id
			continue
		}
		lines = append(lines, line)
	}
	flush()

	if len(records) == 0 {
		return []Record{{Text: content}}
	}
	return records
}

func messageIDLine(line string) (string, bool) {
	l := strings.TrimSpace(line)
	if !strings.HasPrefix(l, constants.MessageIDPrefix) || !strings.HasSuffix(l, "]") {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(l, constants.MessageIDPrefix), "]")
	return strings.TrimSpace(id), true
}

// HasSessionMarker reports whether text carries one of markers.
func HasSessionMarker(text string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// ExtractClaims returns the lines tagged [CLAIM], without the tag.
func ExtractClaims(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		l := strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(l, claimTag); ok {
			if c := strings.TrimSpace(rest); c != "" {
				out = append(out, c)
			}
		}
	}
	return out
}

const claimTag = "[CLAIM]"
