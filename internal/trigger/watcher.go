package trigger

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hivemind-run/hivemind/internal/constants"
	"github.com/hivemind-run/hivemind/internal/logging"
)

// DefaultPollInterval is the safety-net rescan period.
const DefaultPollInterval = 30 * time.Second

// Processor handles one trigger file. *Router satisfies it.
type Processor interface {
	Process(ctx context.Context, path string) ([]Result, error)
}

// Watcher feeds trigger file changes to a Processor one at a time. It uses
// fsnotify with a periodic rescan as a safety net, and falls back to pure
// polling when the directory cannot be watched.
type Watcher struct {
	Dir          string
	PollInterval time.Duration
	Processor    Processor
	// OnResults, if set, sees every batch of results.
	OnResults func([]Result)
	Logger    *slog.Logger
}

// Run blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	log := logging.OrDefault(w.Logger).With("component", "trigger-watcher")
	interval := w.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return err
	}

	// Pick up anything written while no watcher was running.
	w.scan(ctx, log)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("fsnotify unavailable; polling", "err", err)
		return w.poll(ctx, log, interval)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(w.Dir); err != nil {
		log.Warn("cannot watch trigger dir; polling", "dir", w.Dir, "err", err)
		return w.poll(ctx, log, interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 || !isTriggerFile(ev.Name) {
				continue
			}
			w.process(ctx, log, ev.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("watcher error", "err", err)
		case <-ticker.C:
			w.scan(ctx, log)
		}
	}
}

func (w *Watcher) poll(ctx context.Context, log *slog.Logger, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.scan(ctx, log)
		}
	}
}

// scan processes every non-empty trigger file in the directory.
func (w *Watcher) scan(ctx context.Context, log *slog.Logger) {
	entries, err := os.ReadDir(w.Dir)
	if err != nil {
		log.Warn("scanning trigger dir", "dir", w.Dir, "err", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() || !isTriggerFile(e.Name()) {
			continue
		}
		if info, err := e.Info(); err != nil || info.Size() == 0 {
			continue
		}
		w.process(ctx, log, filepath.Join(w.Dir, e.Name()))
	}
}

func (w *Watcher) process(ctx context.Context, log *slog.Logger, path string) {
	results, err := w.Processor.Process(ctx, path)
	if err != nil {
		log.Warn("processing trigger", "path", path, "err", err)
	}
	if len(results) > 0 && w.OnResults != nil {
		w.OnResults(results)
	}
}

func isTriggerFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, constants.TriggerFileExt) && !strings.HasPrefix(base, ".")
}
