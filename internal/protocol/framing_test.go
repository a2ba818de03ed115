package protocol

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

func TestLineDecoder_MultipleAndPartial(t *testing.T) {
	d := NewLineDecoder(0)

	lines, err := d.Feed([]byte("{\"event\":\"pong\"}\n{\"event\":\"li"))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(lines) != 1 || string(lines[0]) != `{"event":"pong"}` {
		t.Fatalf("first chunk lines = %q", lines)
	}
	if d.Pending() == 0 {
		t.Fatal("expected partial tail to be retained")
	}

	lines, err = d.Feed([]byte("st\"}\r\n\n"))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(lines) != 1 || string(lines[0]) != `{"event":"list"}` {
		t.Fatalf("second chunk lines = %q", lines)
	}
	if d.Pending() != 0 {
		t.Errorf("Pending() = %d after complete line", d.Pending())
	}
}

func TestLineDecoder_FragmentationInvariance(t *testing.T) {
	var stream bytes.Buffer
	var want []string
	events := []Event{
		{Event: EventConnected, Terminals: []Terminal{{PaneID: "1", PID: 10, Alive: true}}},
		{Event: EventData, PaneID: "1", Data: "héllo wörld\r\n"},
		{Event: EventSpawned, PaneID: "2", PID: 11, Alive: true},
		{Event: EventExit, PaneID: "1", ExitCode: IntPtr(0)},
		{Event: EventData, PaneID: "2", Data: "{\"nested\":\"json\\n\"}"},
	}
	for _, ev := range events {
		line, err := Encode(ev)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		stream.Write(line)
		want = append(want, string(bytes.TrimSuffix(line, []byte("\n"))))
	}
	data := stream.Bytes()

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 200; trial++ {
		d := NewLineDecoder(0)
		var got []string
		for rest := data; len(rest) > 0; {
			n := 1 + rng.Intn(len(rest))
			if trial%3 == 0 {
				n = 1 + rng.Intn(min(len(rest), 4))
			}
			lines, err := d.Feed(rest[:n])
			if err != nil {
				t.Fatalf("trial %d: Feed: %v", trial, err)
			}
			for _, l := range lines {
				got = append(got, string(l))
			}
			rest = rest[n:]
		}
		if len(got) != len(want) {
			t.Fatalf("trial %d: got %d lines, want %d", trial, len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("trial %d line %d: got %q, want %q", trial, i, got[i], want[i])
			}
		}
	}
}

func TestLineDecoder_TooLong(t *testing.T) {
	d := NewLineDecoder(8)

	if _, err := d.Feed([]byte("0123456789")); !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("expected ErrLineTooLong, got %v", err)
	}
	// The rest of the oversized line is discarded; the next line survives.
	lines, err := d.Feed([]byte("abc\nok\n"))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(lines) != 1 || string(lines[0]) != "ok" {
		t.Errorf("lines = %q, want [ok]", lines)
	}
}

func TestDecodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantErr bool
	}{
		{"write with meta", `{"action":"write","paneId":"2","data":"hi","kernelMeta":{"eventId":"e1"}}`, false},
		{"missing action", `{"paneId":"2"}`, true},
		{"not json", `hello`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := DecodeRequest([]byte(tt.line))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeRequest err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && req.KernelMeta.EventID != "e1" {
				t.Errorf("kernel meta not decoded: %+v", req.KernelMeta)
			}
		})
	}
}

func TestEventWriteAck(t *testing.T) {
	line := `{"event":"kernel","paneId":"2","kernelEvent":{"eventId":"k1","type":"daemon.write.ack","source":"supervisor","ts":1,"seq":1,"payload":{"requestedByEventId":"e1","status":"accepted","bytes":3}}}`
	ev, err := DecodeEvent([]byte(line))
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	ack, ok := ev.WriteAck()
	if !ok {
		t.Fatal("WriteAck() ok = false")
	}
	if ack.RequestedByEventID != "e1" || ack.Status != WriteStatusAccepted || ack.Bytes != 3 {
		t.Errorf("unexpected ack %+v", ack)
	}

	pong := Event{Event: EventPong}
	if _, ok := pong.WriteAck(); ok {
		t.Error("pong should not decode as a write ack")
	}
}
