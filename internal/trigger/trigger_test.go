package trigger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hivemind-run/hivemind/internal/config"
	"github.com/hivemind-run/hivemind/internal/logging"
	"github.com/hivemind-run/hivemind/internal/monitoring"
	"github.com/hivemind-run/hivemind/internal/protocol"
	"github.com/hivemind-run/hivemind/internal/reliability"
)

func intp(n int) *int { return &n }

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		in         string
		wantSender string
		wantSeq    *int
		wantBody   string
	}{
		{"(ARCHITECT #3): build the thing", "architect", intp(3), "build the thing"},
		{"(LEAD #10):go", "lead", intp(10), "go"},
		{"(Worker B): legacy form", "worker b", nil, "legacy form"},
		{"(BUILDER #2): line one\nline two", "builder", intp(2), "line one\nline two"},
		{"  plain text  ", "", nil, "plain text"},
		{"(not closed: text", "", nil, "(not closed: text"},
	}
	for _, tt := range tests {
		env := ParseEnvelope(tt.in)
		if env.Sender != tt.wantSender || env.Body != tt.wantBody {
			t.Errorf("ParseEnvelope(%q) = %+v", tt.in, env)
		}
		if (env.Seq == nil) != (tt.wantSeq == nil) || (env.Seq != nil && *env.Seq != *tt.wantSeq) {
			t.Errorf("ParseEnvelope(%q) seq = %v, want %v", tt.in, env.Seq, tt.wantSeq)
		}
	}
}

func TestSplitRecords(t *testing.T) {
	content := "[HM-MESSAGE-ID:a1]\n(ARCHITECT #1): first\n[PROJECT CONTEXT] name=p path=/p\n" +
		"[HM-MESSAGE-ID:b2]\n(ARCHITECT #2): second\n"
	recs := SplitRecords(content)
	if len(recs) != 2 || recs[0].MessageID != "a1" || recs[1].MessageID != "b2" {
		t.Fatalf("records = %+v", recs)
	}
	if !strings.HasPrefix(recs[0].Text, "(ARCHITECT #1): first\n[PROJECT CONTEXT]") {
		t.Errorf("first record text = %q", recs[0].Text)
	}

	plain := SplitRecords("(ORACLE #4): just one")
	if len(plain) != 1 || plain[0].MessageID != "" || plain[0].Text != "(ORACLE #4): just one" {
		t.Errorf("plain records = %+v", plain)
	}
}

func TestDecode(t *testing.T) {
	utf16le := func(s string, bom bool) []byte {
		var b []byte
		if bom {
			b = append(b, 0xFF, 0xFE)
		}
		for _, r := range s {
			b = append(b, byte(r), 0)
		}
		return b
	}
	tests := []struct {
		name        string
		raw         []byte
		want        string
		wantChanged bool
	}{
		{"plain", []byte("(A #1): hi"), "(A #1): hi", false},
		{"utf8 bom", append([]byte{0xEF, 0xBB, 0xBF}, "(A #1): hi"...), "(A #1): hi", true},
		{"utf16le bom", utf16le("(A #1): hi", true), "(A #1): hi", true},
		{"utf16le no bom", utf16le("(A #1): hi", false), "(A #1): hi", true},
		{"embedded nul", []byte("(A #1):\x00 hi\x00"), "(A #1): hi", true},
		{"utf8 multibyte", []byte("(A #1): héllo ✓"), "(A #1): héllo ✓", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := Decode(tt.raw)
			if got != tt.want || changed != tt.wantChanged {
				t.Errorf("Decode = %q, %v; want %q, %v", got, changed, tt.want, tt.wantChanged)
			}
		})
	}
}

func TestDedupDuplicateAndNew(t *testing.T) {
	path := filepath.Join(t.TempDir(), "message-state.json")
	s, err := LoadDedupStore(path, 50, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set("worker-b", "lead", 5); err != nil {
		t.Fatal(err)
	}

	d, err := s.Admit("worker-b", ParseEnvelope("(LEAD #5): again"))
	if err != nil || !d.Duplicate {
		t.Errorf("#5 after 5: %+v, %v; want duplicate", d, err)
	}
	d, err = s.Admit("worker-b", ParseEnvelope("(LEAD #10): new"))
	if err != nil || d.Duplicate {
		t.Errorf("#10 after 5: %+v, %v; want new", d, err)
	}

	reloaded, err := LoadDedupStore(path, 50, nil)
	if err != nil {
		t.Fatal(err)
	}
	if seq, ok := reloaded.Last("worker-b", "lead"); !ok || seq != 10 {
		t.Errorf("persisted seq = %d, %v; want 10", seq, ok)
	}
}

func TestDedupOrderingProperty(t *testing.T) {
	for seq1 := 1; seq1 <= 60; seq1 += 7 {
		for seq2 := 1; seq2 <= 60; seq2 += 5 {
			s, _ := LoadDedupStore("", 100, nil)
			_ = s.Set("builder", "architect", seq1)
			d, _ := s.Admit("builder", Envelope{Sender: "architect", Seq: intp(seq2)})
			if d.Duplicate != (seq2 <= seq1) {
				t.Errorf("seq1=%d seq2=%d: duplicate = %v", seq1, seq2, d.Duplicate)
			}
		}
	}
}

func TestDedupResets(t *testing.T) {
	s, _ := LoadDedupStore("", 50, []string{"[SESSION START]"})
	_ = s.Set("builder", "architect", 100)
	_ = s.Set("oracle", "architect", 40)

	d, _ := s.Admit("builder", Envelope{Sender: "architect", Seq: intp(3), Body: "restarted"})
	if d.Duplicate || !d.Reset {
		t.Errorf("large drop: %+v; want reset", d)
	}
	d, _ = s.Admit("builder", Envelope{Sender: "architect", Seq: intp(2), Body: "hi"})
	if !d.Duplicate {
		t.Errorf("small drop after reset: %+v; want duplicate", d)
	}

	d, _ = s.Admit("builder", Envelope{Sender: "architect", Seq: intp(1), Body: "[SESSION START] fresh"})
	if d.Duplicate || !d.Reset {
		t.Errorf("session marker: %+v; want reset", d)
	}
	if _, ok := s.Last("oracle", "architect"); ok {
		t.Error("session marker should reset the sender for every recipient")
	}

	d, _ = s.Admit("builder", Envelope{Sender: "architect", Body: "no seq"})
	if d.Duplicate {
		t.Error("a message without a sequence is never a duplicate")
	}
}

func TestWorkflowGate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workflow-state.yaml")
	g := NewWorkflowGate(path)

	if ok, _ := g.Allow(true, true); !ok {
		t.Error("missing state file should allow")
	}

	tests := []struct {
		state     string
		broadcast bool
		exec      bool
		want      bool
	}{
		{"state: reviewing\n", true, true, false},
		{"state: reviewing\n", false, true, true},
		{"state: reviewing\n", true, false, true},
		{"state: executing\n", true, true, true},
		{"state: planning\n", true, true, true},
		{`{"state": "Reviewing"}`, true, true, false},
		{"phase: reviewing\n", true, true, false},
	}
	for _, tt := range tests {
		if err := os.WriteFile(path, []byte(tt.state), 0o644); err != nil {
			t.Fatal(err)
		}
		ok, reason := g.Allow(tt.broadcast, tt.exec)
		if ok != tt.want {
			t.Errorf("Allow(%q, broadcast=%v, exec=%v) = %v", tt.state, tt.broadcast, tt.exec, ok)
		}
		if !ok && reason != "workflow state is reviewing" {
			t.Errorf("reason = %q", reason)
		}
	}
}

type perfMap map[string]monitoring.Performance

func (p perfMap) Performance(id string) monitoring.Performance { return p[id] }

func TestSelectBestAgent(t *testing.T) {
	cands := []Candidate{
		{Role: "architect", PaneID: "1", Skills: []string{"planning"}, Running: true},
		{Role: "builder", PaneID: "2", Skills: []string{"go", "tests"}, Running: true},
		{Role: "oracle", PaneID: "3", Skills: []string{"review", "go"}, Running: true},
	}
	tests := []struct {
		name   string
		skills []string
		cands  []Candidate
		perf   perfMap
		want   Selection
	}{
		{"skill match", []string{"tests"}, cands, nil, Selection{"builder", "2", ReasonSkillMatch}},
		{"skill tie broken by performance", []string{"go"}, cands,
			perfMap{"3": {Completions: 5}, "2": {Completions: 2}}, Selection{"oracle", "3", ReasonSkillMatch}},
		{"performance", nil, cands,
			perfMap{"2": {Completions: 4, Errors: 0}, "1": {Completions: 4, Errors: 2}}, Selection{"builder", "2", ReasonPerformance}},
		{"first available", nil, cands, nil, Selection{"architect", "1", ReasonFirstAvailable}},
		{"only running", []string{"tests"}, []Candidate{cands[0], {Role: "builder", PaneID: "2", Skills: []string{"tests"}}},
			nil, Selection{"architect", "1", ReasonFirstAvailable}},
		{"none running", nil, []Candidate{{Role: "builder", PaneID: "2"}}, nil, Selection{Reason: ReasonNoRunningCandidates}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SelectBestAgent(tt.skills, tt.cands, tt.perf); got != tt.want {
				t.Errorf("SelectBestAgent = %+v, want %+v", got, tt.want)
			}
		})
	}
}

// recordingInjector records injections; panes in fail return an error.
type recordingInjector struct {
	mu   sync.Mutex
	got  []string
	fail map[string]error
}

func (r *recordingInjector) Mode() reliability.Mode { return reliability.ModePTY }

func (r *recordingInjector) Inject(_ context.Context, paneID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[paneID]; err != nil {
		return err
	}
	r.got = append(r.got, paneID+"|"+text)
	return nil
}

func (r *recordingInjector) injected() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

type staticPanes []protocol.Terminal

func (s staticPanes) Terminals() []protocol.Terminal { return s }

func newTestRouter(t *testing.T, inj Injector) (*Router, *config.Config) {
	t.Helper()
	cfg := config.Default(t.TempDir())
	cfg.Roles.Skills = map[string][]string{"builder": {"go"}, "oracle": {"review"}}
	dedup, err := LoadDedupStore(cfg.Trigger.DedupStatePath, 50, cfg.Trigger.SessionMarkers)
	if err != nil {
		t.Fatal(err)
	}
	r, err := NewRouter(Options{
		Config:   cfg,
		Dedup:    dedup,
		Gate:     NewWorkflowGate(cfg.Trigger.WorkflowStatePath),
		Injector: inj,
		Panes:    staticPanes{{PaneID: "1", Alive: true}, {PaneID: "2", Alive: true}},
		Claims:   JSONLSink{Path: cfg.Trigger.ClaimsPath},
		Logger:   logging.Discard(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return r, cfg
}

func writeTrigger(t *testing.T, cfg *config.Config, name string, data []byte) string {
	t.Helper()
	if err := os.MkdirAll(cfg.Trigger.Dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfg.Trigger.Dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func outcomes(results []Result) []Outcome {
	out := make([]Outcome, len(results))
	for i, r := range results {
		out[i] = r.Outcome
	}
	return out
}

func TestRouterDirectDedupAndConsume(t *testing.T) {
	inj := &recordingInjector{}
	r, cfg := newTestRouter(t, inj)
	ctx := context.Background()

	path := writeTrigger(t, cfg, "worker.txt", []byte("(LEAD #5): implement it\n[CLAIM] parser handles BOMs"))
	res, err := r.Process(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || res[0].Outcome != OutcomeDelivered || res[0].Recipient != "builder" || res[0].PaneID != "2" {
		t.Fatalf("results = %+v", res)
	}
	if got := inj.injected(); len(got) != 1 || !strings.HasPrefix(got[0], "2|(LEAD #5): implement it") {
		t.Errorf("injected = %q", got)
	}
	if data, _ := os.ReadFile(path); len(data) != 0 {
		t.Errorf("trigger file not consumed: %q", data)
	}

	claims, err := os.ReadFile(cfg.Trigger.ClaimsPath)
	if err != nil || !strings.Contains(string(claims), `"text":"parser handles BOMs"`) {
		t.Errorf("claims = %q, %v", claims, err)
	}

	writeTrigger(t, cfg, "worker.txt", []byte("(LEAD #5): implement it"))
	res, _ = r.Process(ctx, path)
	if len(res) != 1 || res[0].Outcome != OutcomeDuplicate {
		t.Errorf("replayed seq results = %+v", res)
	}

	snap := r.Stats().Snapshot()
	if snap.Total.Sent != 1 || snap.Total.Delivered != 1 || snap.Total.Skipped != 1 {
		t.Errorf("stats = %+v", snap.Total)
	}
	if snap.ByType["trigger"].Sent != 1 || snap.ByPane["2"].SuccessRate != 100 {
		t.Errorf("segments = %+v", snap)
	}
}

func TestRouterAliasFilesShareSequence(t *testing.T) {
	inj := &recordingInjector{}
	r, cfg := newTestRouter(t, inj)
	ctx := context.Background()

	want := []Outcome{OutcomeDelivered, OutcomeDuplicate, OutcomeDuplicate}
	for i, name := range []string{"worker.txt", "builder.txt", "backend.txt"} {
		path := writeTrigger(t, cfg, name, []byte("(LEAD #5): implement it"))
		res, err := r.Process(ctx, path)
		if err != nil {
			t.Fatal(err)
		}
		if len(res) != 1 || res[0].Outcome != want[i] || res[0].Recipient != "builder" {
			t.Errorf("%s: results = %+v, want %s for builder", name, res, want[i])
		}
	}

	if got := inj.injected(); len(got) != 1 {
		t.Errorf("injected %d times, want 1: %q", len(got), got)
	}
	snap := r.Dedup().Snapshot()
	if len(snap) != 1 || snap["builder"]["lead"] != 5 {
		t.Errorf("dedup state = %v, want only builder/lead=5", snap)
	}

	// A broadcast with the same sequence reaches the builder role's history too.
	path := writeTrigger(t, cfg, "workers.txt", []byte("(LEAD #5): implement it"))
	res, err := r.Process(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	for _, rs := range res {
		if rs.Recipient == "builder" && rs.Outcome != OutcomeDuplicate {
			t.Errorf("broadcast to builder = %s, want duplicate", rs.Outcome)
		}
	}
}

func TestRouterEmptyAndEncoding(t *testing.T) {
	inj := &recordingInjector{}
	r, cfg := newTestRouter(t, inj)
	ctx := context.Background()

	path := writeTrigger(t, cfg, "oracle.txt", []byte("  \n\t\n"))
	res, err := r.Process(ctx, path)
	if err != nil || len(res) != 1 || res[0].Outcome != OutcomeEmpty {
		t.Errorf("whitespace results = %+v, %v", res, err)
	}

	raw := []byte{0xFF, 0xFE}
	for _, c := range "(ARCHITECT #1): review" {
		raw = append(raw, byte(c), 0)
	}
	writeTrigger(t, cfg, "oracle.txt", raw)
	res, err = r.Process(ctx, path)
	if err != nil || len(res) != 1 || res[0].Outcome != OutcomeDelivered || res[0].Sender != "architect" {
		t.Errorf("utf16 results = %+v, %v", res, err)
	}
	if got := inj.injected(); len(got) != 1 || got[0] != "3|(ARCHITECT #1): review" {
		t.Errorf("injected = %q", got)
	}
}

func TestRouterBroadcastGate(t *testing.T) {
	inj := &recordingInjector{}
	r, cfg := newTestRouter(t, inj)
	ctx := context.Background()
	if err := os.MkdirAll(filepath.Dir(cfg.Trigger.WorkflowStatePath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.Trigger.WorkflowStatePath, []byte("state: reviewing\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	path := writeTrigger(t, cfg, "all.txt", []byte("(USER #1): stand by"))
	res, err := r.Process(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	got := outcomes(res)
	want := []Outcome{OutcomeDelivered, OutcomeBlocked, OutcomeDelivered}
	if len(got) != 3 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Fatalf("outcomes = %v, want %v", got, want)
	}
	if res[1].Recipient != "builder" || res[1].Reason != "workflow state is reviewing" {
		t.Errorf("blocked result = %+v", res[1])
	}

	path = writeTrigger(t, cfg, "builder.txt", []byte("(USER #2): direct still works"))
	res, _ = r.Process(ctx, path)
	if len(res) != 1 || res[0].Outcome != OutcomeDelivered {
		t.Errorf("direct during review = %+v", res)
	}

	path = writeTrigger(t, cfg, "others-oracle.txt", []byte("(ORACLE #1): hi all"))
	if err := os.WriteFile(cfg.Trigger.WorkflowStatePath, []byte("state: executing\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	res, _ = r.Process(ctx, path)
	if len(res) != 2 || res[0].Recipient != "architect" || res[1].Recipient != "builder" {
		t.Errorf("others-oracle recipients = %+v", res)
	}
	if snap := r.Stats().Snapshot(); snap.ByType["broadcast"].Skipped != 1 {
		t.Errorf("broadcast stats = %+v", snap.ByType["broadcast"])
	}
}

func TestRouterFallbackReplayAndFailures(t *testing.T) {
	inj := &recordingInjector{fail: map[string]error{"1": errAckTimeout}}
	r, cfg := newTestRouter(t, inj)
	ctx := context.Background()

	record := "[HM-MESSAGE-ID:m-9]\n(BUILDER #4): done\n[PROJECT CONTEXT] name=x path=/x\n"
	path := writeTrigger(t, cfg, "oracle.txt", []byte(record))
	res, _ := r.Process(ctx, path)
	if len(res) != 1 || res[0].Outcome != OutcomeDelivered || res[0].MessageID != "m-9" {
		t.Fatalf("first results = %+v", res)
	}

	_ = r.Dedup().Reset("oracle", "")
	writeTrigger(t, cfg, "oracle.txt", []byte(record))
	res, _ = r.Process(ctx, path)
	if len(res) != 1 || res[0].Outcome != OutcomeReplay {
		t.Errorf("replayed fallback = %+v", res)
	}

	path = writeTrigger(t, cfg, "architect.txt", []byte("(ORACLE #1): ping"))
	res, _ = r.Process(ctx, path)
	if len(res) != 1 || res[0].Outcome != OutcomeTimedOut || !errors.Is(res[0].Err, ErrNotAccepted) {
		t.Errorf("timed out result = %+v", res)
	}
	if p := r.Tracker().Performance("1"); p.Errors != 1 {
		t.Errorf("tracker = %+v", p)
	}

	path = writeTrigger(t, cfg, "nobody.txt", []byte("(ORACLE #2): hello?"))
	res, _ = r.Process(ctx, path)
	if len(res) != 1 || res[0].Outcome != OutcomeUnknownTarget {
		t.Errorf("unknown target = %+v", res)
	}
}

func TestRouterAnyTarget(t *testing.T) {
	inj := &recordingInjector{}
	r, cfg := newTestRouter(t, inj)
	ctx := context.Background()

	path := writeTrigger(t, cfg, "any.txt", []byte("(ARCHITECT #1): [SKILLS] go\nfix the build"))
	res, _ := r.Process(ctx, path)
	if len(res) != 1 || res[0].PaneID != "2" || res[0].Reason != ReasonSkillMatch {
		t.Errorf("any with skill = %+v", res)
	}

	path = writeTrigger(t, cfg, "any.txt", []byte("(ARCHITECT #2): [SKILLS] review\nlook at this"))
	res, _ = r.Process(ctx, path)
	// oracle (pane 3) is not running; builder wins on its earlier completion
	if len(res) != 1 || res[0].PaneID != "2" || res[0].Reason != ReasonPerformance {
		t.Errorf("any with stopped skill owner = %+v", res)
	}
}

func TestRouterNoRunningCandidates(t *testing.T) {
	cfg := config.Default(t.TempDir())
	r, err := NewRouter(Options{Config: cfg, Injector: &recordingInjector{}, Panes: staticPanes{}, Logger: logging.Discard()})
	if err != nil {
		t.Fatal(err)
	}
	path := writeTrigger(t, cfg, "any.txt", []byte("(USER #1): anyone?"))
	res, _ := r.Process(context.Background(), path)
	if len(res) != 1 || res[0].Outcome != OutcomeNoCandidate || res[0].PaneID != "" {
		t.Errorf("results = %+v", res)
	}
}

func TestWatcherDispatchesWrites(t *testing.T) {
	inj := &recordingInjector{}
	r, cfg := newTestRouter(t, inj)
	if err := os.MkdirAll(cfg.Trigger.Dir, 0o755); err != nil {
		t.Fatal(err)
	}

	got := make(chan []Result, 8)
	w := &Watcher{
		Dir:          cfg.Trigger.Dir,
		PollInterval: 50 * time.Millisecond,
		Processor:    r,
		OnResults:    func(res []Result) { got <- res },
		Logger:       logging.Discard(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	writeTrigger(t, cfg, "builder.txt", []byte("(ARCHITECT #1): go"))
	select {
	case res := <-got:
		if res[0].Outcome != OutcomeDelivered {
			t.Errorf("results = %+v", res)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not dispatch the trigger")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
