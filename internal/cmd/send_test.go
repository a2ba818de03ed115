package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hivemind-run/hivemind/internal/relay"
)

// fakeRelay is a minimal relay that acks only the ackOn-th send (0 never
// acks) and answers health checks with healthStatus.
type fakeRelay struct {
	ackOn        int
	healthStatus string

	mu      sync.Mutex
	sends   []time.Time
	targets []string
	health  int
}

func (f *fakeRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		var in relay.Frame
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		var out *relay.Frame
		switch in.Type {
		case relay.TypeRegister:
			out = &relay.Frame{Type: relay.TypeRegistered, Role: in.Role, Device: "local"}
		case relay.TypeHealthCheck:
			f.mu.Lock()
			f.health++
			f.mu.Unlock()
			status := f.healthStatus
			if status == "" {
				status = relay.HealthHealthy
			}
			out = &relay.Frame{
				Type:      relay.TypeHealthCheckResult,
				RequestID: in.RequestID,
				Target:    in.Target,
				Status:    status,
				Healthy:   relay.Bool(status == relay.HealthHealthy),
			}
		case relay.TypeSend:
			f.mu.Lock()
			f.sends = append(f.sends, time.Now())
			f.targets = append(f.targets, in.Target)
			n := len(f.sends)
			f.mu.Unlock()
			if n == f.ackOn {
				ack := relay.Ack{
					MessageID: in.MessageID,
					OK:        true,
					Accepted:  true,
					Verified:  relay.Bool(true),
					Status:    relay.StatusAgentDelivered,
				}.Frame()
				out = &ack
			}
		case relay.TypeDeliveryCheck:
			out = &relay.Frame{Type: relay.TypeDeliveryCheckResult, RequestID: in.RequestID, MessageID: in.MessageID, Status: "unknown"}
		}
		if out != nil {
			data, _ := json.Marshal(out)
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (f *fakeRelay) sendTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.sends...)
}

func (f *fakeRelay) healthChecks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health
}

func startRelay(t *testing.T, f *fakeRelay) string {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func resetSendFlags() {
	projectDir, configPath, logLevel = "", "", ""
	sendFrom, sendRelayURL, sendFile, sendMessageID = "", "", "", ""
	sendTimeout, sendBackoff = 0, 0
	sendRetries = -1
	sendNoFallback, sendListDevices = false, false
}

// runHM executes the root command and returns the exit code and output.
func runHM(t *testing.T, args ...string) (int, string) {
	t.Helper()
	resetSendFlags()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	code := execute(rootCmd)
	return code, buf.String()
}

func TestSendRetriesUntilAcked(t *testing.T) {
	f := &fakeRelay{ackOn: 2}
	url := startRelay(t, f)

	code, out := runHM(t, "send", "builder", "run the tests",
		"--project", t.TempDir(), "--relay", url, "--log-level", "error",
		"--timeout", "100ms", "--backoff", "40ms", "--retries", "2")

	if code != 0 {
		t.Fatalf("exit code = %d, output:\n%s", code, out)
	}
	sends := f.sendTimes()
	if len(sends) != 2 {
		t.Fatalf("sends = %d, want 2", len(sends))
	}
	if gap := sends[1].Sub(sends[0]); gap < 140*time.Millisecond {
		t.Errorf("gap between attempts = %s, want >= 140ms", gap)
	}
	if !strings.Contains(out, "attempt 2") {
		t.Errorf("output does not mention attempt 2:\n%s", out)
	}
	if !strings.Contains(out, "delivered to builder") {
		t.Errorf("output does not report delivery:\n%s", out)
	}
}

func TestSendBareTimeoutIsMilliseconds(t *testing.T) {
	f := &fakeRelay{ackOn: 2}
	url := startRelay(t, f)

	code, out := runHM(t, "send", "builder", "run the tests",
		"--project", t.TempDir(), "--relay", url, "--log-level", "error",
		"--timeout", "100", "--backoff", "40", "--retries", "2")

	if code != 0 {
		t.Fatalf("exit code = %d, output:\n%s", code, out)
	}
	sends := f.sendTimes()
	if len(sends) != 2 {
		t.Fatalf("sends = %d, want 2", len(sends))
	}
	if gap := sends[1].Sub(sends[0]); gap < 140*time.Millisecond || gap > 2*time.Second {
		t.Errorf("gap between attempts = %s, want about 140ms", gap)
	}
}

func TestSendBlockedByPreflight(t *testing.T) {
	f := &fakeRelay{ackOn: 1, healthStatus: relay.HealthInvalidTarget}
	url := startRelay(t, f)
	project := t.TempDir()

	code, out := runHM(t, "send", "builder", "hello",
		"--project", project, "--relay", url, "--log-level", "error")

	if code != 1 {
		t.Errorf("exit code = %d, want 1; output:\n%s", code, out)
	}
	if n := len(f.sendTimes()); n != 0 {
		t.Errorf("sends = %d, want 0", n)
	}
	if !strings.Contains(out, "invalid_target") {
		t.Errorf("output does not name the preflight status:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(project, ".hivemind", "triggers", "builder.txt")); !os.IsNotExist(err) {
		t.Errorf("blocked send must not write a fallback (stat err = %v)", err)
	}
}

func TestSendUserSkipsPreflight(t *testing.T) {
	f := &fakeRelay{ackOn: 1, healthStatus: relay.HealthInvalidTarget}
	url := startRelay(t, f)

	code, out := runHM(t, "send", "user", "status report",
		"--project", t.TempDir(), "--relay", url, "--log-level", "error")

	if code != 0 {
		t.Fatalf("exit code = %d, output:\n%s", code, out)
	}
	if n := f.healthChecks(); n != 0 {
		t.Errorf("health checks = %d, want 0 for the user channel", n)
	}
	if n := len(f.sendTimes()); n != 1 {
		t.Errorf("sends = %d, want 1", n)
	}
}

func TestSendFallsBackToTriggerFile(t *testing.T) {
	f := &fakeRelay{}
	url := startRelay(t, f)
	project := t.TempDir()

	code, out := runHM(t, "send", "worker", "please rebase",
		"--project", project, "--relay", url, "--log-level", "error",
		"--timeout", "30ms", "--backoff", "10ms", "--retries", "1", "--id", "msg-42")

	if code != 0 {
		t.Fatalf("exit code = %d, output:\n%s", code, out)
	}
	data, err := os.ReadFile(filepath.Join(project, ".hivemind", "triggers", "builder.txt"))
	if err != nil {
		t.Fatal(err)
	}
	got := string(data)
	if !strings.HasPrefix(got, "[HM-MESSAGE-ID:msg-42]\nplease rebase\n[PROJECT CONTEXT] name=") {
		t.Errorf("fallback body = %q", got)
	}
}

func TestSendNoFallbackFails(t *testing.T) {
	f := &fakeRelay{}
	url := startRelay(t, f)

	code, _ := runHM(t, "send", "oracle", "anyone?",
		"--project", t.TempDir(), "--relay", url, "--log-level", "error",
		"--timeout", "20ms", "--backoff", "5ms", "--retries", "0", "--no-fallback")

	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}
