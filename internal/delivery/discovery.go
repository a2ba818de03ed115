package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hivemind-run/hivemind/internal/logging"
	"github.com/hivemind-run/hivemind/internal/relay"
	"github.com/hivemind-run/hivemind/internal/util"
)

// Discovery sources.
const (
	SourceBridge = "bridge"
	SourceRelay  = "relay"
)

// DeviceLister answers discovery requests. *relay.Client satisfies it.
type DeviceLister interface {
	Discover(ctx context.Context, bridge bool) ([]relay.Device, error)
}

// DeviceCache is the on-disk copy of the last successful discovery.
type DeviceCache struct {
	UpdatedAt time.Time      `json:"updated_at"`
	Source    string         `json:"source"`
	Devices   []relay.Device `json:"devices"`
}

// IsStale reports whether the cache is older than maxAge.
func (c *DeviceCache) IsStale(maxAge time.Duration) bool {
	return time.Since(c.UpdatedAt) > maxAge
}

// DiscoveryResult is what the caller shows.
type DiscoveryResult struct {
	Devices   []relay.Device
	Source    string
	Cached    bool
	UpdatedAt time.Time
}

// Label is the source tag printed next to the device list.
func (r DiscoveryResult) Label() string {
	if r.Cached {
		return r.Source + " (cached)"
	}
	return r.Source
}

// Discovery lists connected devices, preferring a local bridge over the
// relay, and keeps a disk cache for when neither answers.
type Discovery struct {
	// Bridge and Relay may be nil when not reachable.
	Bridge    DeviceLister
	Relay     DeviceLister
	CachePath string
	Timeout   time.Duration
	Logger    *slog.Logger
}

// Run performs discovery. An explicit unsupported reply from the relay
// returns ErrDiscoveryUnsupported and is never masked by the cache.
func (d *Discovery) Run(ctx context.Context) (DiscoveryResult, error) {
	log := logging.OrDefault(d.Logger).With("component", "discovery")
	var lastErr error

	try := func(l DeviceLister, bridge bool, source string) (DiscoveryResult, bool, error) {
		if l == nil {
			return DiscoveryResult{}, false, nil
		}
		qctx, cancel := d.context(ctx)
		defer cancel()
		devs, err := l.Discover(qctx, bridge)
		if err != nil {
			return DiscoveryResult{}, false, err
		}
		res := DiscoveryResult{Devices: devs, Source: source, UpdatedAt: time.Now()}
		d.save(res, log)
		return res, true, nil
	}

	if res, ok, err := try(d.Bridge, true, SourceBridge); ok {
		return res, nil
	} else if err != nil {
		log.Debug("bridge discovery failed", "err", err)
		lastErr = err
	}

	res, ok, err := try(d.Relay, false, SourceRelay)
	if ok {
		return res, nil
	}
	if err != nil {
		if errors.Is(err, relay.ErrUnsupported) {
			return DiscoveryResult{}, fmt.Errorf("%w: %v", ErrDiscoveryUnsupported, err)
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no relay or bridge available")
	}

	if cached, ok := d.load(); ok {
		log.Warn("serving cached device list", "err", lastErr, "updated_at", cached.UpdatedAt)
		return DiscoveryResult{
			Devices:   cached.Devices,
			Source:    cached.Source,
			Cached:    true,
			UpdatedAt: cached.UpdatedAt,
		}, nil
	}
	return DiscoveryResult{}, fmt.Errorf("device discovery failed: %w", lastErr)
}

func (d *Discovery) context(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.Timeout > 0 {
		return context.WithTimeout(ctx, d.Timeout)
	}
	return context.WithCancel(ctx)
}

func (d *Discovery) save(res DiscoveryResult, log *slog.Logger) {
	if d.CachePath == "" {
		return
	}
	c := DeviceCache{UpdatedAt: res.UpdatedAt, Source: res.Source, Devices: res.Devices}
	if err := util.AtomicWriteJSON(d.CachePath, c); err != nil {
		log.Warn("writing device cache", "path", d.CachePath, "err", err)
	}
}

func (d *Discovery) load() (DeviceCache, bool) {
	var c DeviceCache
	if d.CachePath == "" {
		return c, false
	}
	ok, err := util.ReadJSON(d.CachePath, &c)
	if !ok || err != nil {
		return c, false
	}
	return c, true
}
