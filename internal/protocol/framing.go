package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MaxLineSize bounds a single framed message. Pane output chunks and
// scrollback replays are the largest messages on the wire.
const MaxLineSize = 4 * 1024 * 1024

// ErrLineTooLong is returned when a partial line exceeds the decoder limit.
// The oversized data is discarded up to the next newline.
var ErrLineTooLong = errors.New("protocol: line exceeds maximum size")

// LineDecoder splits an arbitrarily chunked byte stream into complete
// newline-terminated lines. An incomplete tail is retained and joined with
// the next chunk, so the lines produced do not depend on where the stream was
// split.
type LineDecoder struct {
	buf      []byte
	max      int
	skipping bool
}

// NewLineDecoder creates a decoder with the given line limit (0 = MaxLineSize).
func NewLineDecoder(max int) *LineDecoder {
	if max <= 0 {
		max = MaxLineSize
	}
	return &LineDecoder{max: max}
}

// Feed appends chunk and returns every line it completed, without the
// trailing "\n" (and "\r"). Blank lines are skipped. The returned slices are
// copies and stay valid after later calls.
func (d *LineDecoder) Feed(chunk []byte) ([][]byte, error) {
	var (
		lines [][]byte
		err   error
	)

	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			if d.skipping {
				return lines, err
			}
			if len(d.buf)+len(chunk) > d.max {
				d.buf = d.buf[:0]
				d.skipping = true
				return lines, ErrLineTooLong
			}
			d.buf = append(d.buf, chunk...)
			return lines, err
		}

		part := chunk[:i]
		chunk = chunk[i+1:]

		if d.skipping {
			d.skipping = false
			continue
		}
		if len(d.buf)+len(part) > d.max {
			d.buf = d.buf[:0]
			err = ErrLineTooLong
			continue
		}

		line := make([]byte, 0, len(d.buf)+len(part))
		line = append(line, d.buf...)
		line = append(line, part...)
		d.buf = d.buf[:0]

		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		lines = append(lines, line)
	}
	return lines, err
}

// Pending returns the number of buffered bytes awaiting a newline.
func (d *LineDecoder) Pending() int {
	return len(d.buf)
}

// Reset drops any buffered partial line.
func (d *LineDecoder) Reset() {
	d.buf = d.buf[:0]
	d.skipping = false
}

// Encode marshals v as a single framed line.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodeRequest parses one framed client request.
func DecodeRequest(line []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(line, &r); err != nil {
		return Request{}, fmt.Errorf("protocol: decode request: %w", err)
	}
	if r.Action == "" {
		return Request{}, errors.New("protocol: request missing action")
	}
	return r, nil
}

// DecodeEvent parses one framed supervisor event.
func DecodeEvent(line []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(line, &e); err != nil {
		return Event{}, fmt.Errorf("protocol: decode event: %w", err)
	}
	if e.Event == "" {
		return Event{}, errors.New("protocol: event missing type")
	}
	return e, nil
}
