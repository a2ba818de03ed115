package cmd

import (
	"fmt"
	"strconv"
	"time"
)

// millisDuration is a duration flag that also accepts a bare integer as
// milliseconds, so "--timeout 80" and "--timeout 80ms" mean the same.
type millisDuration struct {
	d *time.Duration
}

func newMillisDuration(p *time.Duration, def time.Duration) *millisDuration {
	*p = def
	return &millisDuration{d: p}
}

func (m *millisDuration) String() string {
	if m.d == nil {
		return "0s"
	}
	return m.d.String()
}

func (m *millisDuration) Set(s string) error {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return fmt.Errorf("negative duration %q", s)
		}
		*m.d = time.Duration(n) * time.Millisecond
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q (use 80 for milliseconds or a unit like 1.5s)", s)
	}
	*m.d = v
	return nil
}

func (m *millisDuration) Type() string { return "duration" }
