package cmd

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hivemind-run/hivemind/internal/logging"
	"github.com/hivemind-run/hivemind/internal/monitoring"
	"github.com/hivemind-run/hivemind/internal/reliability"
	"github.com/hivemind-run/hivemind/internal/statusapi"
)

func TestPanesOverride(t *testing.T) {
	tracker := monitoring.NewTracker()
	api := statusapi.New(statusapi.Options{Stats: reliability.New(), Panes: tracker, Overrides: tracker, Logger: logging.Discard()})
	ts := httptest.NewServer(api.Handler())
	t.Cleanup(ts.Close)
	addr := strings.TrimPrefix(ts.URL, "http://")
	t.Cleanup(func() { panesMessage, panesClear, panesAddr = "", false, "" })

	code, out := runHM(t, "panes", "override", "3", "error", "--message", "wedged",
		"--project", t.TempDir(), "--addr", addr, "--log-level", "error")
	if code != 0 {
		t.Fatalf("exit code = %d, output:\n%s", code, out)
	}
	if got := tracker.Status("3"); got.Status != monitoring.StatusError || got.Message != "wedged" {
		t.Errorf("status = %+v", got)
	}

	code, out = runHM(t, "panes", "override", "3", "--clear",
		"--project", t.TempDir(), "--addr", addr, "--log-level", "error")
	if code != 0 {
		t.Fatalf("clear exit code = %d, output:\n%s", code, out)
	}
	if got := tracker.Status("3"); got.Source != monitoring.SourceInferred {
		t.Errorf("status after clear = %+v", got)
	}
}

func TestPanesOverrideRejectsUnknownStatus(t *testing.T) {
	t.Cleanup(func() { panesMessage, panesClear, panesAddr = "", false, "" })
	code, _ := runHM(t, "panes", "override", "3", "sleeping",
		"--project", t.TempDir(), "--addr", "127.0.0.1:1", "--log-level", "error")
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}
