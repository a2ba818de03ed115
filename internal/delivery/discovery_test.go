package delivery

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/hivemind-run/hivemind/internal/logging"
	"github.com/hivemind-run/hivemind/internal/relay"
)

type fakeLister struct {
	devices []relay.Device
	err     error
	calls   int
}

func (f *fakeLister) Discover(context.Context, bool) ([]relay.Device, error) {
	f.calls++
	return f.devices, f.err
}

func TestDiscoveryPrefersBridge(t *testing.T) {
	bridge := &fakeLister{devices: []relay.Device{{Device: "laptop", Roles: []string{"builder"}}}}
	rel := &fakeLister{devices: []relay.Device{{Device: "desk"}}}
	d := &Discovery{Bridge: bridge, Relay: rel, CachePath: filepath.Join(t.TempDir(), "devices.json"), Logger: logging.Discard()}

	res, err := d.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != SourceBridge || res.Cached {
		t.Errorf("result = %+v, want fresh bridge result", res)
	}
	if rel.calls != 0 {
		t.Errorf("relay queried %d times, want 0", rel.calls)
	}
	if res.Label() != "bridge" {
		t.Errorf("Label() = %q", res.Label())
	}
}

func TestDiscoveryFallsBackToCache(t *testing.T) {
	cache := filepath.Join(t.TempDir(), "devices.json")
	live := &Discovery{
		Relay:     &fakeLister{devices: []relay.Device{{Device: "desk", Roles: []string{"oracle"}}}},
		CachePath: cache,
		Logger:    logging.Discard(),
	}
	if _, err := live.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	down := &Discovery{
		Bridge:    &fakeLister{err: errors.New("connection refused")},
		Relay:     &fakeLister{err: relay.ErrTimeout},
		CachePath: cache,
		Logger:    logging.Discard(),
	}
	res, err := down.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Cached || res.Source != SourceRelay {
		t.Errorf("result = %+v, want cached relay result", res)
	}
	if res.Label() != "relay (cached)" {
		t.Errorf("Label() = %q", res.Label())
	}
	if len(res.Devices) != 1 || res.Devices[0].Device != "desk" {
		t.Errorf("devices = %+v", res.Devices)
	}
}

func TestDiscoveryUnsupportedNotMasked(t *testing.T) {
	cache := filepath.Join(t.TempDir(), "devices.json")
	seed := &Discovery{Relay: &fakeLister{devices: []relay.Device{{Device: "desk"}}}, CachePath: cache, Logger: logging.Discard()}
	if _, err := seed.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	d := &Discovery{
		Relay:     &fakeLister{err: fmt.Errorf("xdiscovery: %w", relay.ErrUnsupported)},
		CachePath: cache,
		Logger:    logging.Discard(),
	}
	if _, err := d.Run(context.Background()); !errors.Is(err, ErrDiscoveryUnsupported) {
		t.Errorf("err = %v, want ErrDiscoveryUnsupported", err)
	}
}

func TestDiscoveryNothingAvailable(t *testing.T) {
	d := &Discovery{CachePath: filepath.Join(t.TempDir(), "missing.json"), Logger: logging.Discard()}
	if _, err := d.Run(context.Background()); err == nil {
		t.Error("expected an error with no bridge, relay or cache")
	}
}
